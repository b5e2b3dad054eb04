package tabular

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nvandessel/expstore/internal/scope"
	"github.com/nvandessel/expstore/internal/store"
)

func testScope() *scope.Scope {
	return &scope.Scope{
		Name: "road_test",
		Inputs: []scope.Variable{
			{Name: "alpha", Role: scope.RoleUncertainty, DType: scope.DTypeFloat, Default: 0.15},
			{Name: "lanes", Role: scope.RoleLever, DType: scope.DTypeInt, Default: 2},
			{Name: "toll", Role: scope.RoleLever, DType: scope.DTypeBool, Default: false},
			{Name: "region", Role: scope.RoleUncertainty, DType: scope.DTypeCat, Default: "north", Values: []string{"north", "south"}},
		},
		Measures: []scope.Measure{
			{Name: "cost", Kind: scope.KindMinimize},
			{Name: "travel_time", Kind: scope.KindMinimize},
		},
	}
}

const sampleCSV = `alpha, lanes, toll, region, cost, travel_time
0.1,2,true,north,100.5,
0.2,3,false,south,,nan
`

func TestReadCSV_TypesCells(t *testing.T) {
	rows, err := ReadCSV(strings.NewReader(sampleCSV), testScope())
	if err != nil {
		t.Fatalf("ReadCSV() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}

	first := rows[0]
	if first["alpha"] != 0.1 || first["lanes"] != int64(2) || first["toll"] != true || first["region"] != "north" {
		t.Errorf("first row = %#v", first)
	}
	if first["cost"] != 100.5 {
		t.Errorf("cost = %#v, want 100.5", first["cost"])
	}
	if _, ok := first["travel_time"]; ok {
		t.Error("empty cell should be absent")
	}
	if f, ok := rows[1]["travel_time"].(float64); !ok || !math.IsNaN(f) {
		t.Errorf("nan cell = %#v, want NaN", rows[1]["travel_time"])
	}
}

func TestReadCSV_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		line int
	}{
		{"bad int", "alpha,lanes\n0.1,2\n0.1,2.5\n", 3},
		{"bad category", "region\nwest\n", 2},
		{"bad measure", "cost\nlots\n", 2},
		{"ragged", "alpha,lanes\n0.1\n", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCSV(strings.NewReader(tt.in), testScope())
			var le *LineError
			if !errors.As(err, &le) {
				t.Fatalf("error = %v, want *LineError", err)
			}
			if le.Line != tt.line {
				t.Errorf("line = %d, want %d", le.Line, tt.line)
			}
		})
	}

	rows, err := ReadCSV(strings.NewReader(""), testScope())
	if err != nil || rows != nil {
		t.Errorf("empty input = %v, %v", rows, err)
	}
}

func TestReadCSV_IntegralFloatForInt(t *testing.T) {
	rows, err := ReadCSV(strings.NewReader("alpha,lanes\n0.1,3.0\n"), testScope())
	if err != nil {
		t.Fatalf("ReadCSV() error = %v", err)
	}
	if rows[0]["lanes"] != int64(3) {
		t.Errorf("lanes = %#v, want int64(3)", rows[0]["lanes"])
	}
}

func TestMeasureRecords(t *testing.T) {
	sc := testScope()
	rows, err := ReadCSV(strings.NewReader("experiment_id,alpha,cost\n7,0.1,3\n,0.2,4\n"), sc)
	if err != nil {
		t.Fatal(err)
	}
	recs, err := MeasureRecords(sc, rows)
	if err != nil {
		t.Fatalf("MeasureRecords() error = %v", err)
	}
	if recs[0].ExperimentID != 7 || recs[0].Inputs != nil || recs[0].Values["cost"] != 3 {
		t.Errorf("record 0 = %+v", recs[0])
	}
	if recs[1].ExperimentID != 0 || recs[1].Inputs["alpha"] != 0.2 {
		t.Errorf("record 1 = %+v", recs[1])
	}

	_, err = MeasureRecords(sc, []map[string]any{{"bogus": "1"}})
	if !errors.Is(err, store.ErrUndeclaredColumn) {
		t.Errorf("undeclared column error = %v", err)
	}
}

func TestWriteCSV(t *testing.T) {
	f := &store.Frame{
		Scope:   "road_test",
		Columns: []string{"lanes", "cost"},
		Rows: []store.Row{
			{ExperimentID: 1, Values: []any{int64(2), 1.5}},
			{ExperimentID: 2, Values: []any{int64(3), nil}},
		},
	}
	var buf bytes.Buffer
	if err := WriteCSV(&buf, f); err != nil {
		t.Fatal(err)
	}
	want := "experiment_id,lanes,cost\n1,2,1.5\n2,3,\n"
	if buf.String() != want {
		t.Errorf("WriteCSV() = %q, want %q", buf.String(), want)
	}

	runs := &store.Frame{
		Columns: []string{"cost"},
		Rows: []store.Row{{ExperimentID: 1, Run: &store.RunInfo{RunID: "r1", SourceID: 2, Valid: false, RecordedAt: "t"}, Values: []any{nil}}},
	}
	buf.Reset()
	if err := WriteCSV(&buf, runs); err != nil {
		t.Fatal(err)
	}
	if want := "experiment_id,run_id,source_id,valid,recorded_at,cost\n1,r1,2,false,t,\n"; buf.String() != want {
		t.Errorf("run-level WriteCSV() = %q, want %q", buf.String(), want)
	}
}

func TestWriteJSON(t *testing.T) {
	f := &store.Frame{
		Columns: []string{"cost"},
		Rows:    []store.Row{{ExperimentID: 4, Values: []any{2.5}}},
	}
	var buf bytes.Buffer
	if err := WriteJSON(&buf, f); err != nil {
		t.Fatal(err)
	}
	var got []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0]["experiment_id"] != 4.0 || got[0]["cost"] != 2.5 {
		t.Errorf("WriteJSON() = %v", got)
	}

	buf.Reset()
	if err := WriteJSON(&buf, &store.Frame{}); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("empty frame = %q, want []", buf.String())
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatCSV, "CSV": FormatCSV, "json": FormatJSON, " arrow ": FormatArrow} {
		if got, err := ParseFormat(in); err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("parquet"); err == nil {
		t.Error("expected error for parquet")
	}
}

func TestCSV_StoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	sc := testScope()
	s, err := store.Open(filepath.Join(t.TempDir(), "exp.db"), store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.StoreScope(ctx, sc); err != nil {
		t.Fatal(err)
	}

	rows, err := ReadCSV(strings.NewReader(sampleCSV), sc)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.WriteExperimentAll(ctx, "road_test", "imported", store.CoreSource, rows); err != nil {
		t.Fatalf("WriteExperimentAll() error = %v", err)
	}
	frame, err := s.ReadAll(ctx, "road_test", store.Query{Design: "imported"})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, frame); err != nil {
		t.Fatal(err)
	}
	want := "experiment_id,alpha,lanes,toll,region,cost,travel_time\n" +
		"1,0.1,2,true,north,100.5,\n" +
		"2,0.2,3,false,south,,\n"
	if buf.String() != want {
		t.Errorf("exported CSV = %q, want %q", buf.String(), want)
	}
}
