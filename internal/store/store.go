// Package store persists experiments for exploratory modeling studies in a
// single SQLite file: scopes, the experiment identity table, designs,
// computational sources, run history and current measure values.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/nvandessel/expstore/internal/logging"
	"github.com/nvandessel/expstore/internal/scope"
)

// MemoryPath opens a private in-memory store.
const MemoryPath = ":memory:"

// DefaultBusyTimeout is how long a writer waits on a locked database.
const DefaultBusyTimeout = 5 * time.Second

// timeLayout is fixed width so stored timestamps compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// VersionWarning describes an older on-disk layout about to be migrated.
type VersionWarning struct {
	Path string
	From int
	To   int
}

func (w VersionWarning) String() string {
	return fmt.Sprintf("store %s uses schema version %d; migrating to %d", w.Path, w.From, w.To)
}

// Options configures Open.
type Options struct {
	// Logger receives operational logs. Defaults to a discarding logger.
	Logger *slog.Logger
	// Audit receives mutation events. May be nil.
	Audit *logging.AuditLog
	// BusyTimeout defaults to DefaultBusyTimeout.
	BusyTimeout time.Duration
	// NoMigrate refuses to upgrade an older layout.
	NoMigrate bool
	// OnVersionWarning is called before migrating an older layout.
	// Returning an error vetoes the migration and fails Open.
	OnVersionWarning func(VersionWarning) error
	// Now overrides the clock used for timestamps.
	Now func() time.Time
}

// Store is a handle on one store file. Methods are safe for concurrent use;
// every mutation runs in its own immediate transaction.
type Store struct {
	db    *sql.DB
	path  string
	log   *slog.Logger
	audit *logging.AuditLog
	now   func() time.Time

	mu       sync.Mutex
	warnings []VersionWarning
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens or creates the store at path, creating the current layout in an
// empty file and migrating older layouts unless opts forbid it.
func Open(path string, opts Options) (*Store, error) {
	return OpenContext(context.Background(), path, opts)
}

// OpenContext is Open with a caller-supplied context for schema work.
func OpenContext(ctx context.Context, path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultBusyTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path, opts.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite works best with single writer

	s := &Store{
		db:    db,
		path:  path,
		log:   opts.Logger.With("store", path),
		audit: opts.Audit,
		now:   opts.Now,
	}
	if err := s.initSchema(ctx, opts); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func dsn(path string, busy time.Duration) string {
	return fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_txlock=immediate",
		path, busy.Milliseconds())
}

// initSchema is the version gate: create, migrate, or refuse.
func (s *Store) initSchema(ctx context.Context, opts Options) error {
	current, err := readSchemaVersion(ctx, s.db)
	if err != nil {
		return err
	}

	switch {
	case current == 0:
		if err := createSchema(ctx, s.db); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		s.log.Debug("created store", "schema_version", SchemaVersion)
		return nil
	case current > SchemaVersion:
		return &VersionError{Path: s.path, Found: current, Supported: SchemaVersion}
	case current == SchemaVersion:
		return nil
	}

	warning := VersionWarning{Path: s.path, From: current, To: SchemaVersion}
	if opts.NoMigrate {
		return &VersionError{Path: s.path, Found: current, Supported: SchemaVersion, Recoverable: true}
	}
	if opts.OnVersionWarning != nil {
		if err := opts.OnVersionWarning(warning); err != nil {
			return &VersionError{Path: s.path, Found: current, Supported: SchemaVersion, Recoverable: true, Err: err}
		}
	}
	s.log.Warn("migrating store schema", "from", current, "to", SchemaVersion)
	s.mu.Lock()
	s.warnings = append(s.warnings, warning)
	s.mu.Unlock()

	// Integrity problems are reported but do not block schema changes.
	if err := ValidateIntegrity(ctx, s.db); err != nil {
		s.log.Warn("integrity check failed before migration", "error", err)
	}
	applied, err := migrateSchema(ctx, s.db, current)
	if err != nil {
		return &VersionError{Path: s.path, Found: current, Supported: SchemaVersion, Err: err}
	}
	s.audit.Record(logging.Event{
		Action: logging.ActionSchemaMigrated,
		Detail: map[string]any{"from": current, "to": SchemaVersion, "applied": applied},
	})
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the file the store was opened from.
func (s *Store) Path() string { return s.path }

// DB exposes the underlying handle for snapshotting.
func (s *Store) DB() *sql.DB { return s.db }

// Warnings returns the version warnings raised while opening.
func (s *Store) Warnings() []VersionWarning {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]VersionWarning, len(s.warnings))
	copy(out, s.warnings)
	return out
}

// SchemaVersion returns the version recorded in the open store.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return readSchemaVersion(ctx, s.db)
}

// ReadFileVersion reports the schema version of the store at path without
// migrating it. A missing file reports 0.
func ReadFileVersion(ctx context.Context, path string) (int, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return 0, nil
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return 0, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	return readSchemaVersion(ctx, db)
}

// withTx runs fn in one transaction and commits if fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// withReadTx runs fn in a deferred read transaction so every statement in fn
// sees the same snapshot. The transaction is always rolled back.
func (s *Store) withReadTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer tx.Rollback()
	return fn(tx)
}

func (s *Store) timestamp() string {
	return formatTime(s.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// contentHash identifies a scope definition independent of formatting.
func contentHash(sc *scope.Scope) (string, error) {
	data, err := json.Marshal(normalizeScope(sc))
	if err != nil {
		return "", fmt.Errorf("failed to encode scope: %w", err)
	}
	return hashHex(data), nil
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
