package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nvandessel/expstore/internal/logging"
	"github.com/nvandessel/expstore/internal/scope"
)

// ScopeVersion is one entry of a scope's content history.
type ScopeVersion struct {
	Version     int          `json:"version"`
	ContentHash string       `json:"content_hash"`
	CreatedAt   string       `json:"created_at"`
	Scope       *scope.Scope `json:"scope"`
}

type scopeRecord struct {
	id      int64
	def     *scope.Scope
	version int
	hash    string
}

// normalizeScope coerces declared values to their dtypes so that equal
// scopes encode identically.
func normalizeScope(sc *scope.Scope) *scope.Scope {
	c := sc.Clone()
	for i := range c.Inputs {
		v := &c.Inputs[i]
		for _, p := range []*any{&v.Default, &v.Min, &v.Max} {
			if *p == nil {
				continue
			}
			if x, err := scope.Coerce(v.DType, *p); err == nil {
				*p = x
			}
		}
	}
	for i := range c.Measures {
		if c.Measures[i].Transform == "" {
			c.Measures[i].Transform = scope.TransformNone
		}
	}
	return c
}

// StoreScope records a new scope. Storing a structurally equal scope again
// is a no-op; a different scope under a taken name fails with ErrScopeExists.
func (s *Store) StoreScope(ctx context.Context, sc *scope.Scope) error {
	const op = "store scope"
	if sc == nil {
		return newError(KindSchema, op, scope.ErrInvalidScope)
	}
	if err := sc.Validate(); err != nil {
		return newError(KindSchema, op, err)
	}
	norm := normalizeScope(sc)

	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := findScope(ctx, tx, norm.Name)
		if err != nil {
			return err
		}
		if existing != nil {
			if scope.Equal(existing.def, norm) {
				return nil
			}
			return newError(KindSchema, op, fmt.Errorf("%w: %s", ErrScopeExists, norm.Name))
		}
		created = true
		return insertScope(ctx, tx, norm, s.timestamp())
	})
	if err != nil {
		return err
	}
	if created {
		s.log.Info("stored scope", "scope", norm.Name, "inputs", len(norm.Inputs), "measures", len(norm.Measures))
		s.audit.Record(logging.Event{Action: logging.ActionScopeStored, Scope: norm.Name})
	}
	return nil
}

func insertScope(ctx context.Context, tx *sql.Tx, sc *scope.Scope, now string) error {
	def, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("failed to encode scope: %w", err)
	}
	hash, err := contentHash(sc)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO scopes (name, description, definition, created_at, content_hash, version, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?)`,
		sc.Name, sc.Desc, string(def), now, hash, now)
	if err != nil {
		return fmt.Errorf("failed to insert scope: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read scope id: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO scope_versions (scope_id, version, content_hash, definition, created_at)
		 VALUES (?, 1, ?, ?, ?)`,
		id, hash, string(def), now); err != nil {
		return fmt.Errorf("failed to record scope version: %w", err)
	}
	return nil
}

// ReadScope returns the stored scope. An empty name selects the store's
// only scope.
func (s *Store) ReadScope(ctx context.Context, name string) (*scope.Scope, error) {
	rec, err := loadScope(ctx, s.db, name)
	if err != nil {
		return nil, err
	}
	return rec.def, nil
}

// UpdateScope replaces a stored scope with an additive revision: inputs must
// be unchanged and existing measures kept in place. The content version is
// bumped when anything changed.
func (s *Store) UpdateScope(ctx context.Context, sc *scope.Scope) error {
	const op = "update scope"
	if sc == nil {
		return newError(KindSchema, op, scope.ErrInvalidScope)
	}
	if err := sc.Validate(); err != nil {
		return newError(KindSchema, op, err)
	}
	norm := normalizeScope(sc)

	var version int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		prev, err := loadScope(ctx, tx, norm.Name)
		if err != nil {
			return err
		}
		if scope.Equal(prev.def, norm) {
			return nil
		}
		if err := scope.CheckAdditive(prev.def, norm); err != nil {
			return newError(KindSchema, op, err)
		}

		def, err := json.Marshal(norm)
		if err != nil {
			return fmt.Errorf("failed to encode scope: %w", err)
		}
		hash, err := contentHash(norm)
		if err != nil {
			return err
		}
		now := s.timestamp()
		version = prev.version + 1
		if _, err := tx.ExecContext(ctx,
			`UPDATE scopes SET description = ?, definition = ?, content_hash = ?, version = ?, updated_at = ?
			 WHERE scope_id = ?`,
			norm.Desc, string(def), hash, version, now, prev.id); err != nil {
			return fmt.Errorf("failed to update scope: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scope_versions (scope_id, version, content_hash, definition, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			prev.id, version, hash, string(def), now); err != nil {
			return fmt.Errorf("failed to record scope version: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if version > 0 {
		s.log.Info("updated scope", "scope", norm.Name, "version", version)
		s.audit.Record(logging.Event{Action: logging.ActionScopeUpdated, Scope: norm.Name, Detail: map[string]any{"version": version}})
	}
	return nil
}

// ReadScopeNames returns all scope names, sorted.
func (s *Store) ReadScopeNames(ctx context.Context) ([]string, error) {
	return scopeNames(ctx, s.db)
}

func scopeNames(ctx context.Context, q querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM scopes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan scope name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ReadScopeVersions returns the content history of a scope, oldest first.
func (s *Store) ReadScopeVersions(ctx context.Context, name string) ([]ScopeVersion, error) {
	rec, err := loadScope(ctx, s.db, name)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, content_hash, definition, created_at FROM scope_versions
		 WHERE scope_id = ? ORDER BY version`, rec.id)
	if err != nil {
		return nil, fmt.Errorf("failed to read scope versions: %w", err)
	}
	defer rows.Close()

	var out []ScopeVersion
	for rows.Next() {
		var v ScopeVersion
		var def string
		if err := rows.Scan(&v.Version, &v.ContentHash, &def, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scope version: %w", err)
		}
		v.Scope, err = decodeScope(def)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// DeleteScope removes a scope and all its experiments, designs and values.
func (s *Store) DeleteScope(ctx context.Context, name string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := findScope(ctx, tx, name)
		if err != nil {
			return err
		}
		if rec == nil {
			return newError(KindSchema, "delete scope", fmt.Errorf("%w: %s", ErrScopeNotFound, name))
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM scopes WHERE scope_id = ?`, rec.id); err != nil {
			return fmt.Errorf("failed to delete scope: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("deleted scope", "scope", name)
	s.audit.Record(logging.Event{Action: logging.ActionScopeDeleted, Scope: name})
	return nil
}

// loadScope resolves name, or the only scope when name is empty.
func loadScope(ctx context.Context, q querier, name string) (*scopeRecord, error) {
	if name == "" {
		names, err := scopeNames(ctx, q)
		if err != nil {
			return nil, err
		}
		switch len(names) {
		case 0:
			return nil, newError(KindSchema, "resolve scope", fmt.Errorf("%w: store is empty", ErrScopeNotFound))
		case 1:
			name = names[0]
		default:
			return nil, newError(KindSchema, "resolve scope", fmt.Errorf("%w: %v", ErrScopeAmbiguous, names))
		}
	}
	rec, err := findScope(ctx, q, name)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, newError(KindSchema, "resolve scope", fmt.Errorf("%w: %s", ErrScopeNotFound, name))
	}
	return rec, nil
}

// findScope returns nil without error when no scope has that name.
func findScope(ctx context.Context, q querier, name string) (*scopeRecord, error) {
	var rec scopeRecord
	var def string
	err := q.QueryRowContext(ctx,
		`SELECT scope_id, definition, version, content_hash FROM scopes WHERE name = ?`, name).
		Scan(&rec.id, &def, &rec.version, &rec.hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read scope %s: %w", name, err)
	}
	rec.def, err = decodeScope(def)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func decodeScope(def string) (*scope.Scope, error) {
	var sc scope.Scope
	if err := json.Unmarshal([]byte(def), &sc); err != nil {
		return nil, fmt.Errorf("failed to decode scope definition: %w", err)
	}
	return normalizeScope(&sc), nil
}
