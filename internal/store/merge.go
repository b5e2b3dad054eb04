package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/nvandessel/expstore/internal/logging"
	"github.com/nvandessel/expstore/internal/scope"
)

// MergeOptions restricts a merge.
type MergeOptions struct {
	// Scope limits the merge to one donor scope. Empty merges every scope.
	Scope string
}

// DesignMerge reports the outcome for one donor design. Design is empty for
// donor experiments that belong to no design.
type DesignMerge struct {
	Scope        string `json:"scope"`
	Design       string `json:"design"`
	TargetDesign string `json:"target_design,omitempty"`
	Experiments  int    `json:"experiments"`
	RunsCopied   int    `json:"runs_copied"`
	RunsSkipped  int    `json:"runs_skipped"`
	Error        string `json:"error,omitempty"`
}

// MergeReport summarizes a merge.
type MergeReport struct {
	ScopesCreated []string      `json:"scopes_created,omitempty"`
	SourcesAdded  []int64       `json:"sources_added,omitempty"`
	Designs       []DesignMerge `json:"designs"`
	Warnings      []string      `json:"warnings,omitempty"`
}

// donorExperiment is an experiment read from the donor with its runs.
type donorExperiment struct {
	id     int64
	inputs map[string]any
	err    error
	runs   []runRecord
}

// Merge copies donor's scopes, experiments, designs and runs into s. Each
// donor design is merged in its own transaction; a design whose rows fail
// validation is rejected with a *MergeError while the others proceed. Runs
// are copied under their original ids, so merging the same donor again only
// adds what is new. The returned error joins every rejection.
func (s *Store) Merge(ctx context.Context, donor *Store, opts MergeOptions) (*MergeReport, error) {
	if s == donor || (s.path != MemoryPath && samePath(s.path, donor.path)) {
		return nil, newError(KindMerge, "merge", fmt.Errorf("cannot merge a store into itself"))
	}

	report := &MergeReport{}
	if err := s.mergeSources(ctx, donor, report); err != nil {
		return report, err
	}

	names := []string{opts.Scope}
	if opts.Scope == "" {
		var err error
		names, err = donor.ReadScopeNames(ctx)
		if err != nil {
			return report, err
		}
	}

	var errs []error
	for _, name := range names {
		if err := s.mergeScope(ctx, donor, name, report, &errs); err != nil {
			return report, err
		}
	}
	return report, errors.Join(errs...)
}

func samePath(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}

// mergeSources registers donor sources missing from s under the same ids.
func (s *Store) mergeSources(ctx context.Context, donor *Store, report *MergeReport) error {
	sources, err := donor.ReadSources(ctx)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, src := range sources {
			existing, err := findSource(ctx, tx, src.ID)
			if err != nil {
				return err
			}
			if existing == nil {
				if err := insertSource(ctx, tx, src); err != nil {
					return err
				}
				report.SourcesAdded = append(report.SourcesAdded, src.ID)
				continue
			}
			if existing.Label != src.Label {
				msg := fmt.Sprintf("source %d is %q in target but %q in donor; keeping target label", src.ID, existing.Label, src.Label)
				s.log.Warn("source label mismatch", "source_id", src.ID, "target", existing.Label, "donor", src.Label)
				report.Warnings = append(report.Warnings, msg)
			}
		}
		return nil
	})
}

// mergeScope merges one donor scope. Per-design rejections are appended to
// errs; the returned error aborts the whole merge.
func (s *Store) mergeScope(ctx context.Context, donor *Store, name string, report *MergeReport, errs *[]error) error {
	donorRec, err := loadScope(ctx, donor.db, name)
	if err != nil {
		return err
	}
	name = donorRec.def.Name

	created := false
	var target *scopeRecord
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		target, err = findScope(ctx, tx, name)
		if err != nil {
			return err
		}
		if target != nil {
			return nil
		}
		if err := insertScope(ctx, tx, donorRec.def, s.timestamp()); err != nil {
			return err
		}
		created = true
		target, err = findScope(ctx, tx, name)
		return err
	})
	if err != nil {
		return err
	}
	if created {
		report.ScopesCreated = append(report.ScopesCreated, name)
		s.audit.Record(logging.Event{Action: logging.ActionScopeStored, Scope: name, Detail: map[string]any{"merged_from": donor.path}})
	} else if !scope.Equal(target.def, donorRec.def) {
		merr := &MergeError{Scope: name, Err: fmt.Errorf("%w: donor and target definitions differ", ErrScopeExists)}
		*errs = append(*errs, merr)
		report.Designs = append(report.Designs, DesignMerge{Scope: name, Error: merr.Error()})
		s.log.Warn("scope mismatch, skipping", "scope", name)
		return nil
	}

	experiments, err := donor.donorExperiments(ctx, donorRec)
	if err != nil {
		return err
	}

	designs, err := donor.ReadDesignNames(ctx, name)
	if err != nil {
		return err
	}
	for _, design := range designs {
		ids, err := lookupDesign(ctx, donor.db, donorRec, design)
		if err != nil {
			return err
		}
		batch := make([]*donorExperiment, 0, len(ids))
		for _, id := range ids {
			if e, ok := experiments[id]; ok {
				batch = append(batch, e)
			}
		}
		s.mergeBatch(ctx, target, design, batch, report, errs)
	}

	orphans, err := queryIDs(ctx, donor.db,
		`SELECT experiment_id FROM experiments e
		 WHERE scope_id = ?
		   AND NOT EXISTS (SELECT 1 FROM design_experiments de WHERE de.experiment_id = e.experiment_id)
		 ORDER BY experiment_id`, donorRec.id)
	if err != nil {
		return err
	}
	if len(orphans) > 0 {
		batch := make([]*donorExperiment, 0, len(orphans))
		for _, id := range orphans {
			if e, ok := experiments[id]; ok {
				batch = append(batch, e)
			}
		}
		s.mergeBatch(ctx, target, "", batch, report, errs)
	}
	return nil
}

// mergeBatch replays one donor design into s inside a single transaction.
func (s *Store) mergeBatch(ctx context.Context, target *scopeRecord, design string, batch []*donorExperiment, report *MergeReport, errs *[]error) {
	result := DesignMerge{Scope: target.def.Name, Design: design, Experiments: len(batch)}
	fail := func(err error) {
		result.Error = err.Error()
		*errs = append(*errs, err)
		report.Designs = append(report.Designs, result)
		s.log.Warn("design rejected", "scope", target.def.Name, "design", design, "error", err)
	}

	// Validate every donor row against the target scope first.
	rows := make([]map[string]any, len(batch))
	var bad []int64
	var firstErr error
	for i, e := range batch {
		rows[i] = e.inputs
		err := e.err
		if err == nil {
			_, err = target.def.Canonicalize(e.inputs)
		}
		if err == nil {
			err = undeclaredRunMeasure(target.def, e.runs)
		}
		if err != nil {
			bad = append(bad, e.id)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if len(bad) > 0 {
		fail(&MergeError{Scope: target.def.Name, Design: design, ExperimentIDs: bad, Err: firstErr})
		return
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		keys, err := canonicalRows(target.def, rows)
		if err != nil {
			return err
		}
		now := s.timestamp()
		ids, err := assignIDs(ctx, tx, target.id, keys, now)
		if err != nil {
			return err
		}
		for i, e := range batch {
			for _, r := range e.runs {
				r.experimentID = ids[i]
				inserted, err := insertRun(ctx, tx, r)
				if err != nil {
					return err
				}
				if inserted {
					result.RunsCopied++
				} else {
					result.RunsSkipped++
				}
			}
		}
		if design != "" && len(ids) > 0 {
			result.TargetDesign, err = registerDesign(ctx, tx, target.id, design, ids, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		fail(&MergeError{Scope: target.def.Name, Design: design, Err: err})
		return
	}

	report.Designs = append(report.Designs, result)
	s.log.Info("merged design", "scope", target.def.Name, "design", design, "target_design", result.TargetDesign,
		"experiments", result.Experiments, "runs_copied", result.RunsCopied, "runs_skipped", result.RunsSkipped)
	s.audit.Record(logging.Event{
		Action: logging.ActionDesignMerged,
		Scope:  target.def.Name,
		Design: result.TargetDesign,
		Detail: map[string]any{"donor_design": design, "runs_copied": result.RunsCopied},
	})
}

func undeclaredRunMeasure(sc *scope.Scope, runs []runRecord) error {
	for _, r := range runs {
		for name := range r.values {
			if !sc.HasMeasure(name) {
				return fmt.Errorf("%w: %s", ErrUnknownMeasure, name)
			}
		}
	}
	return nil
}

// donorExperiments loads every experiment of the scope with its runs.
// Rows whose stored inputs cannot be decoded carry err instead of failing
// the whole read.
func (s *Store) donorExperiments(ctx context.Context, rec *scopeRecord) (map[int64]*donorExperiment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT experiment_id, inputs FROM experiments WHERE scope_id = ? ORDER BY experiment_id`, rec.id)
	if err != nil {
		return nil, fmt.Errorf("failed to read donor experiments: %w", err)
	}
	out := make(map[int64]*donorExperiment)
	names := rec.def.InputNames()
	for rows.Next() {
		var id int64
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan donor experiment: %w", err)
		}
		e := &donorExperiment{id: id}
		values, derr := decodeInputs(rec.def, raw)
		if derr != nil {
			e.err = derr
		} else {
			e.inputs = make(map[string]any, len(names))
			for i, n := range names {
				e.inputs[n] = values[i]
			}
		}
		out[id] = e
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	runRows, err := s.db.QueryContext(ctx,
		`SELECT r.run_id, r.experiment_id, r.source_id, r.valid, r.recorded_at, rm.measure_name, rm.value
		 FROM runs r
		 JOIN experiments e ON e.experiment_id = r.experiment_id
		 LEFT JOIN run_measures rm ON rm.run_id = r.run_id
		 WHERE e.scope_id = ?
		 ORDER BY r.experiment_id, r.recorded_at, r.run_id`, rec.id)
	if err != nil {
		return nil, fmt.Errorf("failed to read donor runs: %w", err)
	}
	defer runRows.Close()

	for runRows.Next() {
		var (
			r     runRecord
			valid int
			name  sql.NullString
			value sql.NullFloat64
		)
		if err := runRows.Scan(&r.runID, &r.experimentID, &r.sourceID, &valid, &r.recordedAt, &name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan donor run: %w", err)
		}
		e, ok := out[r.experimentID]
		if !ok {
			continue
		}
		if n := len(e.runs); n == 0 || e.runs[n-1].runID != r.runID {
			r.valid = valid != 0
			r.values = make(map[string]float64)
			e.runs = append(e.runs, r)
		}
		if name.Valid && value.Valid {
			e.runs[len(e.runs)-1].values[name.String] = value.Float64
		}
	}
	return out, runRows.Err()
}
