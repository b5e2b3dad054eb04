package tabular

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/apache/arrow/go/v17/arrow"

	"github.com/nvandessel/expstore/internal/store"
)

func TestArrow_RoundTrip(t *testing.T) {
	f := &store.Frame{
		Scope:   "road_test",
		Design:  "lhs",
		Columns: []string{"alpha", "lanes", "toll", "region", "cost"},
		Rows: []store.Row{
			{ExperimentID: 1, Values: []any{0.1, int64(2), true, "north", 100.5}},
			{ExperimentID: 5, Values: []any{0.2, int64(3), false, "south", nil}},
		},
	}

	var buf bytes.Buffer
	if err := WriteArrow(&buf, f, testScope()); err != nil {
		t.Fatalf("WriteArrow() error = %v", err)
	}
	got, err := ReadArrow(&buf)
	if err != nil {
		t.Fatalf("ReadArrow() error = %v", err)
	}
	if !reflect.DeepEqual(got, f) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, f)
	}
}

func TestArrow_RunLevelRoundTrip(t *testing.T) {
	f := &store.Frame{
		Scope:   "road_test",
		Columns: []string{"cost"},
		Rows: []store.Row{
			{ExperimentID: 3, Run: &store.RunInfo{RunID: "a", SourceID: 0, Valid: true, RecordedAt: "2026-01-01T00:00:00.000000000Z"}, Values: []any{1.0}},
			{ExperimentID: 3, Run: &store.RunInfo{RunID: "b", SourceID: 1, Valid: false, RecordedAt: "2026-01-02T00:00:00.000000000Z"}, Values: []any{nil}},
		},
	}
	var buf bytes.Buffer
	if err := WriteArrow(&buf, f, testScope()); err != nil {
		t.Fatal(err)
	}
	got, err := ReadArrow(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, f) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, f)
	}
}

func TestArrowSchema_Types(t *testing.T) {
	f := &store.Frame{Scope: "road_test", Design: "lhs", Columns: []string{"alpha", "lanes", "toll", "region", "cost"}}
	schema := ArrowSchema(f, testScope())

	want := []arrow.Type{arrow.INT64, arrow.FLOAT64, arrow.INT64, arrow.BOOL, arrow.STRING, arrow.FLOAT64}
	if len(schema.Fields()) != len(want) {
		t.Fatalf("fields = %v", schema.Fields())
	}
	for i, field := range schema.Fields() {
		if field.Type.ID() != want[i] {
			t.Errorf("field %s type = %s, want %s", field.Name, field.Type, want[i])
		}
	}
	md := schema.Metadata()
	if i := md.FindKey(MetaDesign); i < 0 || md.Values()[i] != "lhs" {
		t.Errorf("design metadata missing: %v", md)
	}
}

func TestWriteArrow_TypeMismatch(t *testing.T) {
	f := &store.Frame{
		Columns: []string{"lanes"},
		Rows:    []store.Row{{ExperimentID: 1, Values: []any{"two"}}},
	}
	err := WriteArrow(&bytes.Buffer{}, f, testScope())
	if err == nil || !strings.Contains(err.Error(), "lanes") {
		t.Errorf("WriteArrow() error = %v, want column error", err)
	}
}

func TestReadArrow_Garbage(t *testing.T) {
	if _, err := ReadArrow(strings.NewReader("not arrow")); err == nil {
		t.Error("expected error for non-arrow input")
	}
}

func TestFrameRows(t *testing.T) {
	sc := testScope()
	full := &store.Frame{
		Columns: []string{"alpha", "lanes", "toll", "region", "cost"},
		Rows:    []store.Row{{ExperimentID: 9, Values: []any{0.1, int64(2), true, "north", nil}}},
	}
	partial := &store.Frame{
		Columns: []string{"cost"},
		Rows:    []store.Row{{ExperimentID: 9, Values: []any{4.5}}},
	}
	runs := &store.Frame{
		Columns: []string{"cost"},
		Rows:    []store.Row{{ExperimentID: 9, Run: &store.RunInfo{RunID: "r"}, Values: []any{4.5}}},
	}

	tests := []struct {
		name    string
		frame   *store.Frame
		want    map[string]any
		wantErr bool
	}{
		{"complete inputs drop the id", full, map[string]any{"alpha": 0.1, "lanes": int64(2), "toll": true, "region": "north"}, false},
		{"partial inputs keep the id", partial, map[string]any{ColExperimentID: int64(9), "cost": 4.5}, false},
		{"run-level frame", runs, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := FrameRows(tt.frame, sc)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FrameRows() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(rows) != 1 || !reflect.DeepEqual(rows[0], tt.want) {
				t.Errorf("FrameRows() = %v, want [%v]", rows, tt.want)
			}
		})
	}
}

func TestReadTable_Arrow(t *testing.T) {
	sc := testScope()
	f := &store.Frame{
		Scope:   "road_test",
		Columns: []string{"alpha", "lanes", "toll", "region", "cost"},
		Rows:    []store.Row{{ExperimentID: 1, Values: []any{0.2, int64(3), false, "south", 7.0}}},
	}
	var buf bytes.Buffer
	if err := WriteArrow(&buf, f, sc); err != nil {
		t.Fatal(err)
	}
	rows, err := ReadTable(&buf, FormatArrow, sc)
	if err != nil {
		t.Fatalf("ReadTable() error = %v", err)
	}
	recs, err := MeasureRecords(sc, rows)
	if err != nil {
		t.Fatal(err)
	}
	if recs[0].ExperimentID != 0 || recs[0].Inputs["region"] != "south" || recs[0].Values["cost"] != 7 {
		t.Errorf("record = %+v", recs[0])
	}

	if _, err := ReadTable(strings.NewReader("[]"), FormatJSON, sc); err == nil {
		t.Error("expected error for json input")
	}
}
