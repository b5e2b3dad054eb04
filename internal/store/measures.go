package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nvandessel/expstore/internal/logging"
	"github.com/nvandessel/expstore/internal/scope"
)

// MeasureRecord is one submission of measure values for one experiment.
type MeasureRecord struct {
	// ExperimentID names the experiment. When zero, Inputs are resolved
	// through the identity table instead, minting an id if needed.
	ExperimentID int64
	Inputs       map[string]any
	// Values holds a subset of the scope's measures. NaN means absent.
	Values map[string]float64
	// Invalid marks a failed run: kept for audit, never current.
	Invalid bool
	// RecordedAt defaults to the store clock.
	RecordedAt time.Time
}

// runRecord is a run as persisted, shared by writes and merge.
type runRecord struct {
	runID        string
	experimentID int64
	sourceID     int64
	valid        bool
	recordedAt   string
	values       map[string]float64
}

// WriteParameters registers rows of input values as a design. Duplicate
// tuples reuse existing experiment ids; the design is renamed if name
// already holds a different set. It returns the design name used and the
// canonical rows annotated with their experiment ids.
func (s *Store) WriteParameters(ctx context.Context, scopeName, design string, rows []map[string]any) (string, *Frame, error) {
	var (
		chosen string
		frame  *Frame
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := loadScope(ctx, tx, scopeName)
		if err != nil {
			return err
		}
		keys, err := canonicalRows(rec.def, rows)
		if err != nil {
			return newError(KindSchema, "write parameters", err)
		}
		now := s.timestamp()
		ids, err := assignIDs(ctx, tx, rec.id, keys, now)
		if err != nil {
			return err
		}
		chosen, err = registerDesign(ctx, tx, rec.id, design, ids, now)
		if err != nil {
			return err
		}

		frame = &Frame{Scope: rec.def.Name, Design: chosen, Columns: rec.def.InputNames()}
		for i, k := range keys {
			frame.Rows = append(frame.Rows, Row{ExperimentID: ids[i], Values: k.values})
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	s.noteDesign(frame.Scope, design, chosen, len(rows))
	return chosen, frame, nil
}

func (s *Store) noteDesign(scopeName, requested, chosen string, rows int) {
	s.log.Debug("wrote design", "scope", scopeName, "design", chosen, "rows", rows)
	if requested != chosen {
		s.log.Info("design renamed", "scope", scopeName, "requested", requested, "design", chosen)
		s.audit.Record(logging.Event{
			Action: logging.ActionDesignRenamed,
			Scope:  scopeName,
			Design: chosen,
			Detail: map[string]any{"requested": requested},
		})
	}
}

// WriteMeasures records one run per record for sourceID. Values are additive:
// measures a record omits keep their current values. It returns the
// experiment id of each record.
func (s *Store) WriteMeasures(ctx context.Context, scopeName string, sourceID int64, recs []MeasureRecord) ([]int64, error) {
	const op = "write measures"
	ids := make([]int64, len(recs))
	var runs int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := loadScope(ctx, tx, scopeName)
		if err != nil {
			return err
		}
		if err := requireSource(ctx, tx, sourceID, op); err != nil {
			return err
		}

		// Validate everything before the first write.
		var known []int64
		var toMint []int
		var mintRows []map[string]any
		for i, r := range recs {
			for name := range r.Values {
				if !rec.def.HasMeasure(name) {
					return newError(KindSchema, op, &RowError{Row: i, Err: fmt.Errorf("%w: %s", ErrUnknownMeasure, name)})
				}
			}
			if r.ExperimentID != 0 {
				ids[i] = r.ExperimentID
				known = append(known, r.ExperimentID)
				continue
			}
			if r.Inputs == nil {
				return newError(KindIdentity, op, &RowError{Row: i, Err: fmt.Errorf("%w: record carries neither an id nor inputs", ErrUnknownExperiment)})
			}
			toMint = append(toMint, i)
			mintRows = append(mintRows, r.Inputs)
		}
		if err := requireExperiments(ctx, tx, rec.id, uniqueIDs(known)); err != nil {
			return newError(KindIdentity, op, err)
		}
		keys, err := canonicalRows(rec.def, mintRows)
		if err != nil {
			var re *RowError
			if errors.As(err, &re) {
				re.Row = toMint[re.Row]
			}
			return newError(KindSchema, op, err)
		}

		minted, err := assignIDs(ctx, tx, rec.id, keys, s.timestamp())
		if err != nil {
			return err
		}
		for j, i := range toMint {
			ids[i] = minted[j]
		}

		for i, r := range recs {
			values := presentValues(r.Values)
			if len(values) == 0 && !r.Invalid {
				continue
			}
			recordedAt := s.timestamp()
			if !r.RecordedAt.IsZero() {
				recordedAt = formatTime(r.RecordedAt)
			}
			if _, err := insertRun(ctx, tx, runRecord{
				runID:        uuid.NewString(),
				experimentID: ids[i],
				sourceID:     sourceID,
				valid:        !r.Invalid,
				recordedAt:   recordedAt,
				values:       values,
			}); err != nil {
				return err
			}
			runs++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("wrote measures", "scope", scopeName, "source_id", sourceID, "records", len(recs), "runs", runs)
	return ids, nil
}

// WriteExperimentAll writes rows holding both inputs and measure values in
// one transaction: the inputs become a design, the measures one run per row
// from sourceID. Null or NaN measure cells are absent.
func (s *Store) WriteExperimentAll(ctx context.Context, scopeName, design string, sourceID int64, rows []map[string]any) (string, *Frame, error) {
	const op = "write experiments"
	var (
		chosen string
		frame  *Frame
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := loadScope(ctx, tx, scopeName)
		if err != nil {
			return err
		}
		if err := requireSource(ctx, tx, sourceID, op); err != nil {
			return err
		}

		inputs := make([]map[string]any, len(rows))
		values := make([]map[string]float64, len(rows))
		for i, row := range rows {
			inputs[i], values[i], err = splitRow(rec.def, row)
			if err != nil {
				return newError(KindSchema, op, &RowError{Row: i, Err: err})
			}
		}
		keys, err := canonicalRows(rec.def, inputs)
		if err != nil {
			return newError(KindSchema, op, err)
		}

		now := s.timestamp()
		ids, err := assignIDs(ctx, tx, rec.id, keys, now)
		if err != nil {
			return err
		}
		chosen, err = registerDesign(ctx, tx, rec.id, design, ids, now)
		if err != nil {
			return err
		}

		measures := rec.def.MeasureNames()
		frame = &Frame{Scope: rec.def.Name, Design: chosen, Columns: append(rec.def.InputNames(), measures...)}
		for i, k := range keys {
			if len(values[i]) > 0 {
				if _, err := insertRun(ctx, tx, runRecord{
					runID:        uuid.NewString(),
					experimentID: ids[i],
					sourceID:     sourceID,
					valid:        true,
					recordedAt:   s.timestamp(),
					values:       values[i],
				}); err != nil {
					return err
				}
			}
			row := Row{ExperimentID: ids[i], Values: append([]any{}, k.values...)}
			for _, m := range measures {
				if v, ok := values[i][m]; ok {
					row.Values = append(row.Values, v)
				} else {
					row.Values = append(row.Values, nil)
				}
			}
			frame.Rows = append(frame.Rows, row)
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	s.noteDesign(frame.Scope, design, chosen, len(rows))
	return chosen, frame, nil
}

// splitRow separates a combined row into inputs and present measure values.
func splitRow(sc *scope.Scope, row map[string]any) (map[string]any, map[string]float64, error) {
	inputs := make(map[string]any, len(sc.Inputs))
	values := make(map[string]float64)
	for name, v := range row {
		if _, ok := sc.Input(name); ok {
			inputs[name] = v
			continue
		}
		if !sc.HasMeasure(name) {
			return nil, nil, fmt.Errorf("%w: %s", ErrUndeclaredColumn, name)
		}
		if v == nil {
			continue
		}
		if f, ok := v.(float64); ok && math.IsNaN(f) {
			continue
		}
		f, err := scope.Coerce(scope.DTypeFloat, v)
		if err != nil {
			return nil, nil, fmt.Errorf("measure %s: %w", name, err)
		}
		values[name] = f.(float64)
	}
	return inputs, values, nil
}

func presentValues(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		if !math.IsNaN(v) {
			out[k] = v
		}
	}
	return out
}

// insertRun stores a run and, when valid, promotes its values to current
// unless a newer valid run already holds them. Runs already present by id are
// skipped and reported as not inserted.
func insertRun(ctx context.Context, tx *sql.Tx, r runRecord) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO runs (run_id, experiment_id, source_id, valid, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		r.runID, r.experimentID, r.sourceID, boolInt(r.valid), r.recordedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read run insert count: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	names := make([]string, 0, len(r.values))
	for name := range r.values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := r.values[name]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_measures (run_id, measure_name, value) VALUES (?, ?, ?)`,
			r.runID, name, v); err != nil {
			return false, fmt.Errorf("failed to insert run value %s: %w", name, err)
		}
		if !r.valid {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO measures (experiment_id, measure_name, source_id, value, run_id, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(experiment_id, measure_name, source_id) DO UPDATE SET
			     value = excluded.value, run_id = excluded.run_id, recorded_at = excluded.recorded_at
			 WHERE excluded.recorded_at >= measures.recorded_at`,
			r.experimentID, name, r.sourceID, v, r.runID, r.recordedAt); err != nil {
			return false, fmt.Errorf("failed to update current value %s: %w", name, err)
		}
	}
	return true, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ReadParameters returns input values for the selected experiments,
// ascending by id.
func (s *Store) ReadParameters(ctx context.Context, scopeName string, q Query) (*Frame, error) {
	var frame *Frame
	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		rec, err := loadScope(ctx, tx, scopeName)
		if err != nil {
			return err
		}
		ids, err := selectExperiments(ctx, tx, rec, q)
		if err != nil {
			return err
		}
		inputs, err := experimentInputs(ctx, tx, rec, idSet(ids))
		if err != nil {
			return err
		}

		frame = &Frame{Scope: rec.def.Name, Design: q.Design, Columns: rec.def.InputNames()}
		for _, id := range ids {
			frame.Rows = append(frame.Rows, Row{ExperimentID: id, Values: inputs[id]})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return frame, nil
}

// ReadMeasures returns measure values for the selected experiments.
//
// With RunsCurrent, experiments holding at least one selected value get one
// row each. When q.Source is nil and a selected measure has values from more
// than one source, the read fails with *AmbiguousSourceError. RunsValid and
// RunsAll return one row per run with its source, so no resolution applies.
func (s *Store) ReadMeasures(ctx context.Context, scopeName string, q Query) (*Frame, error) {
	var frame *Frame
	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		rec, err := loadScope(ctx, tx, scopeName)
		if err != nil {
			return err
		}
		measures, err := measureColumns(rec.def, q.Measures)
		if err != nil {
			return err
		}
		ids, err := selectExperiments(ctx, tx, rec, q)
		if err != nil {
			return err
		}

		if q.Runs != RunsCurrent {
			frame, err = readRuns(ctx, tx, rec, q, ids, measures)
			return err
		}

		values, err := resolvedValues(ctx, tx, rec, q, ids, measures)
		if err != nil {
			return err
		}
		frame = &Frame{Scope: rec.def.Name, Design: q.Design, Columns: measures}
		for _, id := range ids {
			row, ok := values[id]
			if !ok {
				continue
			}
			frame.Rows = append(frame.Rows, Row{ExperimentID: id, Values: row})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return frame, nil
}

// ReadAll joins inputs and measures into one frame. With RunsCurrent every
// selected experiment gets a row and pending measures are nil.
func (s *Store) ReadAll(ctx context.Context, scopeName string, q Query) (*Frame, error) {
	var frame *Frame
	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		rec, err := loadScope(ctx, tx, scopeName)
		if err != nil {
			return err
		}
		measures, err := measureColumns(rec.def, q.Measures)
		if err != nil {
			return err
		}
		ids, err := selectExperiments(ctx, tx, rec, q)
		if err != nil {
			return err
		}
		inputs, err := experimentInputs(ctx, tx, rec, idSet(ids))
		if err != nil {
			return err
		}
		columns := append(rec.def.InputNames(), measures...)

		if q.Runs != RunsCurrent {
			frame, err = readRuns(ctx, tx, rec, q, ids, measures)
			if err != nil {
				return err
			}
			frame.Columns = columns
			for i := range frame.Rows {
				r := &frame.Rows[i]
				r.Values = append(append([]any{}, inputs[r.ExperimentID]...), r.Values...)
			}
			return nil
		}

		values, err := resolvedValues(ctx, tx, rec, q, ids, measures)
		if err != nil {
			return err
		}
		frame = &Frame{Scope: rec.def.Name, Design: q.Design, Columns: columns}
		for _, id := range ids {
			row := append([]any{}, inputs[id]...)
			if v, ok := values[id]; ok {
				row = append(row, v...)
			} else {
				row = append(row, make([]any, len(measures))...)
			}
			frame.Rows = append(frame.Rows, Row{ExperimentID: id, Values: row})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return frame, nil
}

// ReadMeasureSources returns the distinct sources holding current values for
// the scope, or for one design when design is set.
func (s *Store) ReadMeasureSources(ctx context.Context, scopeName, design string) ([]int64, error) {
	var ids []int64
	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		rec, err := loadScope(ctx, tx, scopeName)
		if err != nil {
			return err
		}
		if design == "" {
			ids, err = queryIDs(ctx, tx,
				`SELECT DISTINCT m.source_id FROM measures m
				 JOIN experiments e ON e.experiment_id = m.experiment_id
				 WHERE e.scope_id = ? ORDER BY m.source_id`, rec.id)
			return err
		}
		designID, found, err := findDesign(ctx, tx, rec.id, design)
		if err != nil {
			return err
		}
		if !found {
			return newError(KindIdentity, "read measure sources", fmt.Errorf("%w: %s in scope %s", ErrDesignNotFound, design, rec.def.Name))
		}
		ids, err = queryIDs(ctx, tx,
			`SELECT DISTINCT m.source_id FROM measures m
			 JOIN design_experiments de ON de.experiment_id = m.experiment_id
			 WHERE de.design_id = ? ORDER BY m.source_id`, designID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// selectExperiments applies the design, id and pending filters.
func selectExperiments(ctx context.Context, db querier, rec *scopeRecord, q Query) ([]int64, error) {
	var ids []int64
	var err error
	if q.Design != "" {
		ids, err = lookupDesign(ctx, db, rec, q.Design)
	} else {
		ids, err = scopeExperimentIDs(ctx, db, rec.id)
	}
	if err != nil {
		return nil, err
	}

	if len(q.ExperimentIDs) > 0 {
		want := uniqueIDs(q.ExperimentIDs)
		if q.Design == "" {
			if err := requireExperiments(ctx, db, rec.id, want); err != nil {
				return nil, newError(KindIdentity, "read", err)
			}
		}
		keep := idSet(want)
		filtered := ids[:0]
		for _, id := range ids {
			if keep[id] {
				filtered = append(filtered, id)
			}
		}
		ids = filtered
	}

	if !q.OnlyPending {
		return ids, nil
	}
	measures, err := measureColumns(rec.def, q.Measures)
	if err != nil {
		return nil, err
	}
	current, err := currentValues(ctx, db, rec.id, q.Source)
	if err != nil {
		return nil, err
	}
	pending := ids[:0]
	for _, id := range ids {
		for _, m := range measures {
			if len(current[id][m]) == 0 {
				pending = append(pending, id)
				break
			}
		}
	}
	return pending, nil
}

func measureColumns(sc *scope.Scope, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return sc.MeasureNames(), nil
	}
	for _, name := range requested {
		if !sc.HasMeasure(name) {
			return nil, newError(KindSchema, "read measures", fmt.Errorf("%w: %s", ErrUnknownMeasure, name))
		}
	}
	return requested, nil
}

// currentValues maps experiment -> measure -> source -> value.
func currentValues(ctx context.Context, q querier, scopeID int64, source *int64) (map[int64]map[string]map[int64]float64, error) {
	query := `SELECT m.experiment_id, m.measure_name, m.source_id, m.value FROM measures m
		JOIN experiments e ON e.experiment_id = m.experiment_id
		WHERE e.scope_id = ?`
	args := []any{scopeID}
	if source != nil {
		query += ` AND m.source_id = ?`
		args = append(args, *source)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read measures: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]map[string]map[int64]float64)
	for rows.Next() {
		var (
			id, src int64
			name    string
			value   float64
		)
		if err := rows.Scan(&id, &name, &src, &value); err != nil {
			return nil, fmt.Errorf("failed to scan measure: %w", err)
		}
		byName, ok := out[id]
		if !ok {
			byName = make(map[string]map[int64]float64)
			out[id] = byName
		}
		bySource, ok := byName[name]
		if !ok {
			bySource = make(map[int64]float64)
			byName[name] = bySource
		}
		bySource[src] = value
	}
	return out, rows.Err()
}

// resolvedValues returns, per selected experiment with any value, the values
// aligned with measures. Ambiguity is judged per measure across all selected
// experiments.
func resolvedValues(ctx context.Context, db querier, rec *scopeRecord, q Query, ids []int64, measures []string) (map[int64][]any, error) {
	current, err := currentValues(ctx, db, rec.id, q.Source)
	if err != nil {
		return nil, err
	}

	if q.Source == nil {
		competing := make(map[string]map[int64]bool)
		for _, id := range ids {
			for _, m := range measures {
				for src := range current[id][m] {
					if competing[m] == nil {
						competing[m] = make(map[int64]bool)
					}
					competing[m][src] = true
				}
			}
		}
		ambiguous := make(map[string][]int64)
		for m, srcs := range competing {
			if len(srcs) > 1 {
				for src := range srcs {
					ambiguous[m] = append(ambiguous[m], src)
				}
				sortIDs(ambiguous[m])
			}
		}
		if len(ambiguous) > 0 {
			return nil, ambiguityError(ctx, db, rec.def.Name, q.Design, ambiguous)
		}
	}

	out := make(map[int64][]any)
	for _, id := range ids {
		byName, ok := current[id]
		if !ok {
			continue
		}
		row := make([]any, len(measures))
		found := false
		for i, m := range measures {
			for _, v := range byName[m] {
				row[i] = v
				found = true
			}
		}
		if found {
			out[id] = row
		}
	}
	return out, nil
}

func ambiguityError(ctx context.Context, db querier, scopeName, design string, ambiguous map[string][]int64) error {
	registry, err := listSources(ctx, db)
	if err != nil {
		return err
	}
	byID := make(map[int64]Source, len(registry))
	for _, src := range registry {
		byID[src.ID] = src
	}
	e := &AmbiguousSourceError{Scope: scopeName, Design: design, Measures: make(map[string][]Source)}
	for m, ids := range ambiguous {
		for _, id := range ids {
			src, ok := byID[id]
			if !ok {
				src = Source{ID: id}
			}
			e.Measures[m] = append(e.Measures[m], src)
		}
	}
	return e
}

// readRuns builds a run-level frame: one row per run carrying at least one
// selected measure, or carrying nothing at all (a failed run).
func readRuns(ctx context.Context, db querier, rec *scopeRecord, q Query, ids []int64, measures []string) (*Frame, error) {
	query := `SELECT r.run_id, r.experiment_id, r.source_id, r.valid, r.recorded_at, rm.measure_name, rm.value
		FROM runs r
		JOIN experiments e ON e.experiment_id = r.experiment_id
		LEFT JOIN run_measures rm ON rm.run_id = r.run_id
		WHERE e.scope_id = ?`
	args := []any{rec.id}
	if q.Runs == RunsValid {
		query += ` AND r.valid = 1`
	}
	if q.Source != nil {
		query += ` AND r.source_id = ?`
		args = append(args, *q.Source)
	}
	query += ` ORDER BY r.experiment_id, r.recorded_at, r.run_id`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read runs: %w", err)
	}
	defer rows.Close()

	col := make(map[string]int, len(measures))
	for i, m := range measures {
		col[m] = i
	}
	selected := idSet(ids)

	frame := &Frame{Scope: rec.def.Name, Design: q.Design, Columns: measures}
	var cur *Row
	var curHasValue, curEmpty bool
	flush := func() {
		if cur != nil && (curHasValue || curEmpty) {
			frame.Rows = append(frame.Rows, *cur)
		}
		cur = nil
	}
	for rows.Next() {
		var (
			info  RunInfo
			expID int64
			valid int
			name  sql.NullString
			value sql.NullFloat64
		)
		if err := rows.Scan(&info.RunID, &expID, &info.SourceID, &valid, &info.RecordedAt, &name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if !selected[expID] {
			continue
		}
		if cur == nil || cur.Run.RunID != info.RunID {
			flush()
			info.Valid = valid != 0
			cur = &Row{ExperimentID: expID, Run: &info, Values: make([]any, len(measures))}
			curHasValue, curEmpty = false, !name.Valid
		}
		if !name.Valid || !value.Valid {
			continue
		}
		if i, ok := col[name.String]; ok {
			cur.Values[i] = value.Float64
			curHasValue = true
		}
	}
	flush()
	return frame, rows.Err()
}

func idSet(ids []int64) map[int64]bool {
	m := make(map[int64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
