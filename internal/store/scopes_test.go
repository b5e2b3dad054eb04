package store

import (
	"context"
	"errors"
	"testing"

	"github.com/nvandessel/expstore/internal/scope"
)

func TestStoreScope_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := newScopedStore(t)

	// Integer and float spellings of the same constant are the same scope.
	again := testScope()
	again.Inputs[0].Default = 1
	if err := s.StoreScope(ctx, again); err != nil {
		t.Fatalf("re-storing equal scope error = %v", err)
	}

	got, err := s.ReadScope(ctx, "road_test")
	if err != nil {
		t.Fatalf("ReadScope() error = %v", err)
	}
	if !scope.Equal(got, testScope()) {
		t.Errorf("ReadScope() = %+v, want %+v", got, testScope())
	}
}

func TestStoreScope_NameCollision(t *testing.T) {
	ctx := context.Background()
	s := newScopedStore(t)

	other := testScope()
	other.Inputs[1].DType = scope.DTypeInt
	err := s.StoreScope(ctx, other)
	if !errors.Is(err, ErrScopeExists) {
		t.Fatalf("StoreScope(different) error = %v, want ErrScopeExists", err)
	}
	if !IsKind(err, KindSchema) {
		t.Errorf("collision should be a schema error: %v", err)
	}
}

func TestStoreScope_Invalid(t *testing.T) {
	s := newTestStore(t)
	bad := testScope()
	bad.Inputs[0].Default = nil
	if err := s.StoreScope(context.Background(), bad); !IsKind(err, KindSchema) {
		t.Errorf("StoreScope(invalid) error = %v, want schema error", err)
	}
	if err := s.StoreScope(context.Background(), nil); !IsKind(err, KindSchema) {
		t.Errorf("StoreScope(nil) error = %v, want schema error", err)
	}
}

func TestReadScope_Resolution(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.ReadScope(ctx, ""); !errors.Is(err, ErrScopeNotFound) {
		t.Errorf("empty store: error = %v, want ErrScopeNotFound", err)
	}
	if err := s.StoreScope(ctx, testScope()); err != nil {
		t.Fatal(err)
	}
	if got, err := s.ReadScope(ctx, ""); err != nil || got.Name != "road_test" {
		t.Errorf("single scope: ReadScope(\"\") = %v, %v", got, err)
	}

	second := testScope()
	second.Name = "second"
	if err := s.StoreScope(ctx, second); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadScope(ctx, ""); !errors.Is(err, ErrScopeAmbiguous) {
		t.Errorf("two scopes: error = %v, want ErrScopeAmbiguous", err)
	}
	if _, err := s.ReadScope(ctx, "nope"); !errors.Is(err, ErrScopeNotFound) {
		t.Errorf("missing scope: error = %v, want ErrScopeNotFound", err)
	}

	names, err := s.ReadScopeNames(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "road_test" || names[1] != "second" {
		t.Errorf("ReadScopeNames() = %v", names)
	}
}

func TestUpdateScope_Additive(t *testing.T) {
	ctx := context.Background()
	s := newScopedStore(t)

	grown := testScope()
	if err := grown.AddMeasure(scope.Measure{Name: "plus1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateScope(ctx, grown); err != nil {
		t.Fatalf("UpdateScope(grown) error = %v", err)
	}
	// Unchanged update does not bump the version.
	if err := s.UpdateScope(ctx, grown); err != nil {
		t.Fatalf("UpdateScope(same) error = %v", err)
	}

	got, err := s.ReadScope(ctx, "road_test")
	if err != nil {
		t.Fatal(err)
	}
	if !got.HasMeasure("plus1") {
		t.Error("added measure not persisted")
	}

	versions, err := s.ReadScopeVersions(ctx, "road_test")
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 2 || versions[1].Version != 2 || versions[0].ContentHash == versions[1].ContentHash {
		t.Errorf("ReadScopeVersions() = %+v", versions)
	}
	if len(versions[0].Scope.Measures) != 2 {
		t.Errorf("version 1 should keep the original measures, got %v", versions[0].Scope.MeasureNames())
	}

	// New measure can be written immediately.
	ids, err := s.AssignExperimentIDs(ctx, "road_test", gridRows(1, 0))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.WriteMeasures(ctx, "road_test", CoreSource, []MeasureRecord{{ExperimentID: ids[0], Values: map[string]float64{"plus1": 2}}}); err != nil {
		t.Errorf("writing new measure error = %v", err)
	}
}

func TestUpdateScope_RejectsNonAdditive(t *testing.T) {
	ctx := context.Background()
	s := newScopedStore(t)

	tests := []struct {
		name   string
		mutate func(*scope.Scope)
	}{
		{"changed role", func(sc *scope.Scope) { sc.Inputs[2].Role = scope.RoleLever }},
		{"removed measure", func(sc *scope.Scope) { sc.Measures = sc.Measures[:1] }},
		{"redefined measure", func(sc *scope.Scope) { sc.Measures[0].Kind = scope.KindMaximize }},
		{"extra input", func(sc *scope.Scope) {
			sc.Inputs = append(sc.Inputs, scope.Variable{Name: "x", Role: scope.RoleLever, DType: scope.DTypeFloat})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := testScope()
			tt.mutate(sc)
			if err := s.UpdateScope(ctx, sc); !IsKind(err, KindSchema) {
				t.Errorf("UpdateScope() error = %v, want schema error", err)
			}
		})
	}

	missing := testScope()
	missing.Name = "nope"
	if err := s.UpdateScope(ctx, missing); !errors.Is(err, ErrScopeNotFound) {
		t.Errorf("UpdateScope(missing) error = %v, want ErrScopeNotFound", err)
	}
}

func TestDeleteScope(t *testing.T) {
	ctx := context.Background()
	s := newScopedStore(t)

	if _, _, err := s.WriteExperimentAll(ctx, "road_test", "lhs", CoreSource, []map[string]any{
		{"constant": 1, "exp_var1": 0.1, "exp_var2": 0.2, "pm_1": 3.0},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteScope(ctx, "road_test"); err != nil {
		t.Fatalf("DeleteScope() error = %v", err)
	}
	for _, table := range []string{"scopes", "experiments", "designs", "runs", "measures", "scope_versions"} {
		if n := countRows(t, s.DB(), table); n != 0 {
			t.Errorf("%s has %d rows after delete", table, n)
		}
	}
	if err := s.DeleteScope(ctx, "road_test"); !errors.Is(err, ErrScopeNotFound) {
		t.Errorf("second DeleteScope() error = %v, want ErrScopeNotFound", err)
	}
}
