package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nvandessel/expstore/internal/logging"
)

// CoreSource is the id of the authoritative simulator. It always exists.
const CoreSource int64 = 0

// SourceKind distinguishes the core model from approximating surrogates.
type SourceKind string

const (
	SourceCore      SourceKind = "core"
	SourceMetamodel SourceKind = "metamodel"
)

// Source is a registered producer of measure values.
type Source struct {
	ID        int64      `json:"id"`
	Kind      SourceKind `json:"kind"`
	Label     string     `json:"label"`
	CreatedAt string     `json:"created_at"`
}

func (s Source) String() string {
	if s.Label == "" {
		return fmt.Sprintf("source %d", s.ID)
	}
	return fmt.Sprintf("source %d (%s)", s.ID, s.Label)
}

// SourceRef returns a pointer for Query.Source.
func SourceRef(id int64) *int64 { return &id }

// RegisterSource registers metamodel id with a label. Re-registering the
// same id with the same label is a no-op; a different label is a schema error.
func (s *Store) RegisterSource(ctx context.Context, id int64, label string) (Source, error) {
	const op = "register source"
	if id <= CoreSource {
		return Source{}, newError(KindSchema, op, fmt.Errorf("metamodel source id must be positive, got %d", id))
	}

	var src Source
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := findSource(ctx, tx, id)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.Label != label {
				return newError(KindSchema, op, fmt.Errorf("source %d is already registered as %q", id, existing.Label))
			}
			src = *existing
			return nil
		}
		src = Source{ID: id, Kind: SourceMetamodel, Label: label, CreatedAt: s.timestamp()}
		created = true
		return insertSource(ctx, tx, src)
	})
	if err != nil {
		return Source{}, err
	}
	if created {
		s.log.Info("registered source", "source_id", id, "label", label)
		s.audit.Record(logging.Event{Action: logging.ActionSourceAdded, Detail: map[string]any{"source_id": id, "label": label}})
	}
	return src, nil
}

// NewSource registers a metamodel under the next unused id.
func (s *Store) NewSource(ctx context.Context, label string) (Source, error) {
	var src Source
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var next int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(source_id), 0) + 1 FROM sources`).Scan(&next); err != nil {
			return fmt.Errorf("failed to allocate source id: %w", err)
		}
		src = Source{ID: next, Kind: SourceMetamodel, Label: label, CreatedAt: s.timestamp()}
		return insertSource(ctx, tx, src)
	})
	if err != nil {
		return Source{}, err
	}
	s.log.Info("registered source", "source_id", src.ID, "label", label)
	s.audit.Record(logging.Event{Action: logging.ActionSourceAdded, Detail: map[string]any{"source_id": src.ID, "label": label}})
	return src, nil
}

func insertSource(ctx context.Context, tx *sql.Tx, src Source) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sources (source_id, kind, label, created_at) VALUES (?, ?, ?, ?)`,
		src.ID, string(src.Kind), src.Label, src.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert source %d: %w", src.ID, err)
	}
	return nil
}

// ReadSources lists every registered source, core first.
func (s *Store) ReadSources(ctx context.Context) ([]Source, error) {
	return listSources(ctx, s.db)
}

func listSources(ctx context.Context, q querier) ([]Source, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT source_id, kind, label, created_at FROM sources ORDER BY source_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var src Source
		var kind string
		if err := rows.Scan(&src.ID, &kind, &src.Label, &src.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		src.Kind = SourceKind(kind)
		out = append(out, src)
	}
	return out, rows.Err()
}

// ReadSource returns one registered source.
func (s *Store) ReadSource(ctx context.Context, id int64) (Source, error) {
	src, err := findSource(ctx, s.db, id)
	if err != nil {
		return Source{}, err
	}
	if src == nil {
		return Source{}, newError(KindIdentity, "read source", fmt.Errorf("%w: %d", ErrUnknownSource, id))
	}
	return *src, nil
}

func findSource(ctx context.Context, q querier, id int64) (*Source, error) {
	var src Source
	var kind string
	err := q.QueryRowContext(ctx,
		`SELECT source_id, kind, label, created_at FROM sources WHERE source_id = ?`, id).
		Scan(&src.ID, &kind, &src.Label, &src.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read source %d: %w", id, err)
	}
	src.Kind = SourceKind(kind)
	return &src, nil
}

func requireSource(ctx context.Context, q querier, id int64, op string) error {
	src, err := findSource(ctx, q, id)
	if err != nil {
		return err
	}
	if src == nil {
		return newError(KindIdentity, op, fmt.Errorf("%w: %d", ErrUnknownSource, id))
	}
	return nil
}
