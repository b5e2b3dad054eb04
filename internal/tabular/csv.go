// Package tabular moves store frames in and out of CSV, JSON and Arrow IPC.
package tabular

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/nvandessel/expstore/internal/scope"
	"github.com/nvandessel/expstore/internal/store"
)

// Column names reserved for identity and run metadata.
const (
	ColExperimentID = "experiment_id"
	ColRunID        = "run_id"
	ColSourceID     = "source_id"
	ColValid        = "valid"
	ColRecordedAt   = "recorded_at"
)

var runColumns = []string{ColRunID, ColSourceID, ColValid, ColRecordedAt}

// Format names an export encoding.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
	FormatArrow Format = "arrow"
)

// ParseFormat accepts csv, json or arrow.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSON, FormatArrow:
		return f, nil
	case "":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unknown format %q (want csv, json or arrow)", s)
}

// LineError locates a failing CSV line (1-based, header is line 1).
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }

func (e *LineError) Unwrap() error { return e.Err }

// ReadCSV reads a table whose header names scope inputs, measures and
// optionally experiment_id. Input cells are typed by the declared dtype,
// measure cells as floats. Empty cells are left out of the row. Columns the
// scope does not declare are kept as strings for the store to reject.
func ReadCSV(r io.Reader, sc *scope.Scope) ([]map[string]any, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var rows []map[string]any
	for line := 2; ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &LineError{Line: line, Err: err}
		}
		row := make(map[string]any, len(header))
		for i, name := range header {
			cell := strings.TrimSpace(record[i])
			if cell == "" {
				continue
			}
			v, err := typedCell(sc, name, cell)
			if err != nil {
				return nil, &LineError{Line: line, Err: fmt.Errorf("%s: %w", name, err)}
			}
			row[name] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func typedCell(sc *scope.Scope, name, cell string) (any, error) {
	if name == ColExperimentID {
		return strconv.ParseInt(cell, 10, 64)
	}
	if v, ok := sc.Input(name); ok {
		return v.CoerceInput(cell)
	}
	if sc.HasMeasure(name) {
		if strings.EqualFold(cell, "nan") {
			return math.NaN(), nil
		}
		return strconv.ParseFloat(cell, 64)
	}
	return cell, nil
}

// MeasureRecords converts rows read by ReadCSV into measure submissions.
// A row with experiment_id addresses that experiment; otherwise its input
// columns identify it. Columns that are neither inputs nor measures are
// rejected.
func MeasureRecords(sc *scope.Scope, rows []map[string]any) ([]store.MeasureRecord, error) {
	recs := make([]store.MeasureRecord, len(rows))
	for i, row := range rows {
		rec := store.MeasureRecord{Values: make(map[string]float64)}
		for name, v := range row {
			switch {
			case name == ColExperimentID:
				id, ok := v.(int64)
				if !ok {
					return nil, &store.RowError{Row: i, Err: fmt.Errorf("experiment_id %v is not an integer", v)}
				}
				rec.ExperimentID = id
			case sc.HasMeasure(name):
				f, ok := v.(float64)
				if !ok {
					return nil, &store.RowError{Row: i, Err: fmt.Errorf("measure %s: %v is not a number", name, v)}
				}
				rec.Values[name] = f
			default:
				if _, ok := sc.Input(name); !ok {
					return nil, &store.RowError{Row: i, Err: fmt.Errorf("%w: %s", store.ErrUndeclaredColumn, name)}
				}
				if rec.Inputs == nil {
					rec.Inputs = make(map[string]any)
				}
				rec.Inputs[name] = v
			}
		}
		if rec.ExperimentID != 0 {
			rec.Inputs = nil
		}
		recs[i] = rec
	}
	return recs, nil
}

// Header returns the exported column order of f.
func Header(f *store.Frame) []string {
	cols := []string{ColExperimentID}
	if hasRuns(f) {
		cols = append(cols, runColumns...)
	}
	return append(cols, f.Columns...)
}

func hasRuns(f *store.Frame) bool {
	return len(f.Rows) > 0 && f.Rows[0].Run != nil
}

// WriteCSV writes f with a header row. Null cells are empty.
func WriteCSV(w io.Writer, f *store.Frame) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header(f)); err != nil {
		return err
	}
	runs := hasRuns(f)
	for _, r := range f.Rows {
		record := []string{strconv.FormatInt(r.ExperimentID, 10)}
		if runs {
			record = append(record, r.Run.RunID, strconv.FormatInt(r.Run.SourceID, 10),
				strconv.FormatBool(r.Run.Valid), r.Run.RecordedAt)
		}
		for _, v := range r.Values {
			record = append(record, formatCell(v))
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case string:
		return x
	}
	return fmt.Sprint(v)
}

// WriteJSON writes f as an array of row objects.
func WriteJSON(w io.Writer, f *store.Frame) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(f.Records())
}

// Write encodes f in the given format. sc types Arrow columns.
func Write(w io.Writer, format Format, f *store.Frame, sc *scope.Scope) error {
	switch format {
	case FormatCSV:
		return WriteCSV(w, f)
	case FormatJSON:
		return WriteJSON(w, f)
	case FormatArrow:
		return WriteArrow(w, f, sc)
	}
	return fmt.Errorf("unknown format %q", format)
}

// ReadTable reads submission rows in the given format. JSON is export only.
func ReadTable(r io.Reader, format Format, sc *scope.Scope) ([]map[string]any, error) {
	switch format {
	case FormatCSV:
		return ReadCSV(r, sc)
	case FormatArrow:
		f, err := ReadArrow(r)
		if err != nil {
			return nil, err
		}
		return FrameRows(f, sc)
	}
	return nil, fmt.Errorf("cannot read %s input (want csv or arrow)", format)
}
