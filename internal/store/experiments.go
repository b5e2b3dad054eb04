package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/nvandessel/expstore/internal/scope"
)

// RowError locates a failing row in a submitted table.
type RowError struct {
	Row int
	Err error
}

func (e *RowError) Error() string { return fmt.Sprintf("row %d: %v", e.Row, e.Err) }

func (e *RowError) Unwrap() error { return e.Err }

// AssignExperimentIDs resolves each row of input values to its experiment id,
// minting ids for tuples the store has not seen. Rows must assign exactly the
// scope's declared inputs. Returned ids align with rows.
func (s *Store) AssignExperimentIDs(ctx context.Context, scopeName string, rows []map[string]any) ([]int64, error) {
	var ids []int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := loadScope(ctx, tx, scopeName)
		if err != nil {
			return err
		}
		keys, err := canonicalRows(rec.def, rows)
		if err != nil {
			return newError(KindSchema, "assign experiment ids", err)
		}
		ids, err = assignIDs(ctx, tx, rec.id, keys, s.timestamp())
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// canonicalKey is a validated input tuple ready for the identity table.
type canonicalKey struct {
	values []any
	json   string
	hash   string
}

// canonicalRows validates every row before anything is written.
func canonicalRows(sc *scope.Scope, rows []map[string]any) ([]canonicalKey, error) {
	keys := make([]canonicalKey, len(rows))
	for i, row := range rows {
		values, err := sc.Canonicalize(row)
		if err != nil {
			return nil, &RowError{Row: i, Err: err}
		}
		k, err := scope.CanonicalKey(values)
		if err != nil {
			return nil, &RowError{Row: i, Err: err}
		}
		keys[i] = canonicalKey{values: values, json: k, hash: hashHex([]byte(k))}
	}
	return keys, nil
}

// assignIDs inserts unseen tuples and returns ids aligned with keys. The
// UNIQUE (scope_id, input_hash) index makes concurrent inserts converge.
func assignIDs(ctx context.Context, tx *sql.Tx, scopeID int64, keys []canonicalKey, now string) ([]int64, error) {
	ids := make([]int64, len(keys))
	for i, k := range keys {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO experiments (scope_id, input_hash, inputs, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(scope_id, input_hash) DO NOTHING`,
			scopeID, k.hash, k.json, now); err != nil {
			return nil, fmt.Errorf("failed to insert experiment: %w", err)
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT experiment_id FROM experiments WHERE scope_id = ? AND input_hash = ?`,
			scopeID, k.hash).Scan(&ids[i]); err != nil {
			return nil, fmt.Errorf("failed to read experiment id: %w", err)
		}
	}
	return ids, nil
}

// requireExperiments fails with an identity error for any id that is not an
// experiment of the scope.
func requireExperiments(ctx context.Context, q querier, scopeID int64, ids []int64) error {
	var missing []int64
	for _, id := range ids {
		var found int64
		err := q.QueryRowContext(ctx,
			`SELECT experiment_id FROM experiments WHERE experiment_id = ? AND scope_id = ?`,
			id, scopeID).Scan(&found)
		if errors.Is(err, sql.ErrNoRows) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to check experiment %d: %w", id, err)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrUnknownExperiment, missing)
	}
	return nil
}

// experimentInputs loads decoded input tuples for the scope, keyed by id.
// A nil filter loads every experiment of the scope.
func experimentInputs(ctx context.Context, q querier, rec *scopeRecord, filter map[int64]bool) (map[int64][]any, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT experiment_id, inputs FROM experiments WHERE scope_id = ?`, rec.id)
	if err != nil {
		return nil, fmt.Errorf("failed to read experiments: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]any)
	for rows.Next() {
		var id int64
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}
		if filter != nil && !filter[id] {
			continue
		}
		values, err := decodeInputs(rec.def, raw)
		if err != nil {
			return nil, fmt.Errorf("experiment %d: %w", id, err)
		}
		out[id] = values
	}
	return out, rows.Err()
}

// decodeInputs restores dtype-typed values from the stored JSON tuple.
func decodeInputs(sc *scope.Scope, raw string) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var values []any
	if err := dec.Decode(&values); err != nil {
		return nil, fmt.Errorf("failed to decode inputs: %w", err)
	}
	if len(values) != len(sc.Inputs) {
		return nil, fmt.Errorf("stored tuple has %d values, scope declares %d inputs", len(values), len(sc.Inputs))
	}
	for i, v := range sc.Inputs {
		c, err := scope.Coerce(v.DType, values[i])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", v.Name, err)
		}
		values[i] = c
	}
	return values, nil
}

// scopeExperimentIDs lists every experiment id of the scope, ascending.
func scopeExperimentIDs(ctx context.Context, q querier, scopeID int64) ([]int64, error) {
	return queryIDs(ctx, q,
		`SELECT experiment_id FROM experiments WHERE scope_id = ? ORDER BY experiment_id`, scopeID)
}

func queryIDs(ctx context.Context, q querier, query string, args ...any) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// uniqueIDs returns the distinct ids, ascending.
func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sortIDs(out)
	return out
}
