package store

import (
	"fmt"
	"strings"
)

// RunsMode selects how measure reads treat run history.
type RunsMode int

const (
	// RunsCurrent returns one row per experiment holding current values.
	RunsCurrent RunsMode = iota
	// RunsValid returns one row per valid run.
	RunsValid
	// RunsAll returns one row per run, including invalid ones.
	RunsAll
)

func (m RunsMode) String() string {
	switch m {
	case RunsValid:
		return "valid"
	case RunsAll:
		return "all"
	default:
		return "current"
	}
}

// ParseRunsMode accepts "current", "valid" or "all".
func ParseRunsMode(s string) (RunsMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "current":
		return RunsCurrent, nil
	case "valid":
		return RunsValid, nil
	case "all":
		return RunsAll, nil
	}
	return RunsCurrent, fmt.Errorf("unknown runs mode %q (want current, valid or all)", s)
}

// Query filters reads. The zero value selects every experiment of the scope
// and every declared measure, resolving sources automatically.
type Query struct {
	Design        string
	ExperimentIDs []int64
	Measures      []string
	// Source restricts measure values to one source. Nil resolves the
	// source per measure and fails when more than one has written it.
	Source *int64
	Runs   RunsMode
	// OnlyPending keeps experiments missing at least one selected measure.
	OnlyPending bool
}

// RunInfo identifies the run behind a run-level row.
type RunInfo struct {
	RunID      string `json:"run_id"`
	SourceID   int64  `json:"source_id"`
	Valid      bool   `json:"valid"`
	RecordedAt string `json:"recorded_at"`
}

// Row is one frame row. Values align with Frame.Columns; nil is null.
type Row struct {
	ExperimentID int64    `json:"experiment_id"`
	Run          *RunInfo `json:"run,omitempty"`
	Values       []any    `json:"values"`
}

// Frame is a table indexed by experiment id.
type Frame struct {
	Scope   string   `json:"scope"`
	Design  string   `json:"design,omitempty"`
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// Len returns the number of rows.
func (f *Frame) Len() int { return len(f.Rows) }

// ColumnIndex returns the position of name, or -1.
func (f *Frame) ColumnIndex(name string) int {
	for i, c := range f.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Value returns row i's value in column name, or nil.
func (f *Frame) Value(i int, name string) any {
	c := f.ColumnIndex(name)
	if c < 0 || i < 0 || i >= len(f.Rows) {
		return nil
	}
	return f.Rows[i].Values[c]
}

// ExperimentIDs returns the row ids in row order.
func (f *Frame) ExperimentIDs() []int64 {
	ids := make([]int64, len(f.Rows))
	for i, r := range f.Rows {
		ids[i] = r.ExperimentID
	}
	return ids
}

// Records converts the frame to one map per row, adding experiment_id and,
// for run-level frames, the run columns.
func (f *Frame) Records() []map[string]any {
	out := make([]map[string]any, len(f.Rows))
	for i, r := range f.Rows {
		m := make(map[string]any, len(f.Columns)+5)
		m["experiment_id"] = r.ExperimentID
		if r.Run != nil {
			m["run_id"] = r.Run.RunID
			m["source_id"] = r.Run.SourceID
			m["valid"] = r.Run.Valid
			m["recorded_at"] = r.Run.RecordedAt
		}
		for j, c := range f.Columns {
			m[c] = r.Values[j]
		}
		out[i] = m
	}
	return out
}
