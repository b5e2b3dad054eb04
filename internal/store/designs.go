package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/nvandessel/expstore/internal/logging"
)

// registerDesign records ids under name, or under the first free variant
// name_2, name_3, ... when name already holds a different set. A variant
// already holding the same set is reused. Returns the name chosen.
func registerDesign(ctx context.Context, tx *sql.Tx, scopeID int64, name string, ids []int64, now string) (string, error) {
	if name == "" {
		return "", newError(KindSchema, "register design", fmt.Errorf("design name is required"))
	}
	set := uniqueIDs(ids)
	if len(set) == 0 {
		return "", newError(KindSchema, "register design", fmt.Errorf("%w: %s", ErrEmptyDesign, name))
	}

	for n := 1; ; n++ {
		candidate := name
		if n > 1 {
			candidate = fmt.Sprintf("%s_%d", name, n)
		}

		designID, found, err := findDesign(ctx, tx, scopeID, candidate)
		if err != nil {
			return "", err
		}
		if !found {
			if err := insertDesign(ctx, tx, scopeID, candidate, set, now); err != nil {
				return "", err
			}
			return candidate, nil
		}

		members, err := designMembers(ctx, tx, designID)
		if err != nil {
			return "", err
		}
		if slices.Equal(members, set) {
			return candidate, nil
		}
	}
}

func insertDesign(ctx context.Context, tx *sql.Tx, scopeID int64, name string, ids []int64, now string) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO designs (scope_id, name, created_at) VALUES (?, ?, ?)`, scopeID, name, now)
	if err != nil {
		return fmt.Errorf("failed to insert design: %w", err)
	}
	designID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read design id: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO design_experiments (design_id, experiment_id) VALUES (?, ?)`,
			designID, id); err != nil {
			return fmt.Errorf("failed to add experiment %d to design: %w", id, err)
		}
	}
	return nil
}

func findDesign(ctx context.Context, q querier, scopeID int64, name string) (int64, bool, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		`SELECT design_id FROM designs WHERE scope_id = ? AND name = ?`, scopeID, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read design %s: %w", name, err)
	}
	return id, true, nil
}

// designMembers returns the design's experiment ids, ascending.
func designMembers(ctx context.Context, q querier, designID int64) ([]int64, error) {
	return queryIDs(ctx, q,
		`SELECT experiment_id FROM design_experiments WHERE design_id = ? ORDER BY experiment_id`, designID)
}

// ReadDesignNames lists design names for a scope. An empty scope name lists
// the names used across every scope.
func (s *Store) ReadDesignNames(ctx context.Context, scopeName string) ([]string, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if scopeName == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT DISTINCT name FROM designs ORDER BY name`)
	} else {
		rec, lerr := loadScope(ctx, s.db, scopeName)
		if lerr != nil {
			return nil, lerr
		}
		rows, err = s.db.QueryContext(ctx,
			`SELECT name FROM designs WHERE scope_id = ? ORDER BY name`, rec.id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list designs: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan design name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ReadDesignExperimentIDs returns the members of a design, ascending.
func (s *Store) ReadDesignExperimentIDs(ctx context.Context, scopeName, design string) ([]int64, error) {
	var ids []int64
	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		rec, err := loadScope(ctx, tx, scopeName)
		if err != nil {
			return err
		}
		ids, err = lookupDesign(ctx, tx, rec, design)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func lookupDesign(ctx context.Context, q querier, rec *scopeRecord, design string) ([]int64, error) {
	designID, found, err := findDesign(ctx, q, rec.id, design)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, newError(KindIdentity, "read design", fmt.Errorf("%w: %s in scope %s", ErrDesignNotFound, design, rec.def.Name))
	}
	return designMembers(ctx, q, designID)
}

// DeleteDesign removes a design and its membership records. Experiment
// identities and their runs are kept, so resubmitting a member's inputs
// returns its original id. It returns the number of memberships removed.
func (s *Store) DeleteDesign(ctx context.Context, scopeName, design string) (int64, error) {
	var removed int64
	var scopeLabel string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := loadScope(ctx, tx, scopeName)
		if err != nil {
			return err
		}
		scopeLabel = rec.def.Name
		designID, found, err := findDesign(ctx, tx, rec.id, design)
		if err != nil {
			return err
		}
		if !found {
			return newError(KindIdentity, "delete design", fmt.Errorf("%w: %s in scope %s", ErrDesignNotFound, design, rec.def.Name))
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM design_experiments WHERE design_id = ?`, designID)
		if err != nil {
			return fmt.Errorf("failed to delete design membership: %w", err)
		}
		if removed, err = res.RowsAffected(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM designs WHERE design_id = ?`, designID); err != nil {
			return fmt.Errorf("failed to delete design: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("deleted design", "scope", scopeLabel, "design", design, "members", removed)
	s.audit.Record(logging.Event{
		Action: logging.ActionDesignDeleted,
		Scope:  scopeLabel,
		Design: design,
		Detail: map[string]any{"members": removed},
	})
	return removed, nil
}
