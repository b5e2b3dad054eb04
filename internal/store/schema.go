package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// SchemaVersion is the on-disk layout this build reads and writes.
const SchemaVersion = 3

// schemaV3 is the current layout for a fresh store.
const schemaV3 = `
-- Named schemas; definition is the JSON encoding of scope.Scope
CREATE TABLE IF NOT EXISTS scopes (
    scope_id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    definition TEXT NOT NULL,
    created_at TEXT NOT NULL,
    content_hash TEXT NOT NULL DEFAULT '',
    version INTEGER NOT NULL DEFAULT 1,
    updated_at TEXT NOT NULL DEFAULT ''
);

-- Every content version a scope has had
CREATE TABLE IF NOT EXISTS scope_versions (
    scope_id INTEGER NOT NULL REFERENCES scopes(scope_id) ON DELETE CASCADE,
    version INTEGER NOT NULL,
    content_hash TEXT NOT NULL,
    definition TEXT NOT NULL,
    created_at TEXT NOT NULL,
    PRIMARY KEY (scope_id, version)
);

-- Identity table: one row per distinct canonical input tuple
CREATE TABLE IF NOT EXISTS experiments (
    experiment_id INTEGER PRIMARY KEY AUTOINCREMENT,
    scope_id INTEGER NOT NULL REFERENCES scopes(scope_id) ON DELETE CASCADE,
    input_hash TEXT NOT NULL,
    inputs TEXT NOT NULL,  -- JSON array in declaration order
    created_at TEXT NOT NULL,
    UNIQUE (scope_id, input_hash)
);

CREATE TABLE IF NOT EXISTS designs (
    design_id INTEGER PRIMARY KEY AUTOINCREMENT,
    scope_id INTEGER NOT NULL REFERENCES scopes(scope_id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    created_at TEXT NOT NULL,
    UNIQUE (scope_id, name)
);

CREATE TABLE IF NOT EXISTS design_experiments (
    design_id INTEGER NOT NULL REFERENCES designs(design_id) ON DELETE CASCADE,
    experiment_id INTEGER NOT NULL REFERENCES experiments(experiment_id) ON DELETE CASCADE,
    PRIMARY KEY (design_id, experiment_id)
);
CREATE INDEX IF NOT EXISTS idx_design_experiments_experiment ON design_experiments(experiment_id);
` + sourcesDDL + runsDDL + measuresDDL + `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);
`

// sourcesDDL, runsDDL and measuresDDL are shared with the v2 migration.
const sourcesDDL = `
CREATE TABLE IF NOT EXISTS sources (
    source_id INTEGER PRIMARY KEY,
    kind TEXT NOT NULL,  -- 'core' or 'metamodel'
    label TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);
INSERT OR IGNORE INTO sources (source_id, kind, label, created_at)
VALUES (0, 'core', 'core model', strftime('%Y-%m-%dT%H:%M:%fZ', 'now'));
`

const runsDDL = `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    experiment_id INTEGER NOT NULL REFERENCES experiments(experiment_id) ON DELETE CASCADE,
    source_id INTEGER NOT NULL REFERENCES sources(source_id),
    valid INTEGER NOT NULL DEFAULT 1,
    recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_experiment ON runs(experiment_id);

CREATE TABLE IF NOT EXISTS run_measures (
    run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    measure_name TEXT NOT NULL,
    value REAL NOT NULL,
    PRIMARY KEY (run_id, measure_name)
);
`

const measuresDDL = `
-- Current value per (experiment, measure, source): newest valid run wins
CREATE TABLE IF NOT EXISTS measures (
    experiment_id INTEGER NOT NULL REFERENCES experiments(experiment_id) ON DELETE CASCADE,
    measure_name TEXT NOT NULL,
    source_id INTEGER NOT NULL REFERENCES sources(source_id),
    value REAL NOT NULL,
    run_id TEXT,
    recorded_at TEXT NOT NULL,
    PRIMARY KEY (experiment_id, measure_name, source_id)
);
CREATE INDEX IF NOT EXISTS idx_measures_source ON measures(source_id);
`

// readSchemaVersion returns the recorded schema version. It returns 0 for an
// empty database and 1 for a database that predates version tracking.
func readSchemaVersion(ctx context.Context, q querier) (int, error) {
	has, err := hasTable(ctx, q, "schema_version")
	if err != nil {
		return 0, err
	}
	if !has {
		legacy, err := hasTable(ctx, q, "scopes")
		if err != nil {
			return 0, err
		}
		if legacy {
			return 1, nil
		}
		return 0, nil
	}

	var version sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

// createSchema creates the current layout in an empty database.
func createSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaV3); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	if err := recordVersion(ctx, tx, SchemaVersion); err != nil {
		return err
	}
	return tx.Commit()
}

func recordVersion(ctx context.Context, tx *sql.Tx, version int) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, datetime('now'))`,
		version); err != nil {
		return fmt.Errorf("failed to record schema version %d: %w", version, err)
	}
	return nil
}

// ValidateIntegrity runs SQLite integrity checks on the database.
// It runs PRAGMA integrity_check and PRAGMA foreign_key_check.
func ValidateIntegrity(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `PRAGMA integrity_check`)
	if err != nil {
		return fmt.Errorf("failed to run integrity_check: %w", err)
	}
	var problems []string
	for rows.Next() {
		var result string
		if err := rows.Scan(&result); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan integrity_check result: %w", err)
		}
		if result != "ok" {
			problems = append(problems, result)
		}
	}
	rows.Close()
	if len(problems) > 0 {
		return fmt.Errorf("integrity_check failed: %s", strings.Join(problems, "; "))
	}

	fkRows, err := db.QueryContext(ctx, `PRAGMA foreign_key_check`)
	if err != nil {
		return fmt.Errorf("failed to run foreign_key_check: %w", err)
	}
	defer fkRows.Close()

	var fkErrors []string
	for fkRows.Next() {
		var table, parent string
		var rowid, fkid sql.NullInt64
		if err := fkRows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return fmt.Errorf("failed to scan foreign_key_check result: %w", err)
		}
		fkErrors = append(fkErrors, fmt.Sprintf("table=%s rowid=%d parent=%s fkid=%d", table, rowid.Int64, parent, fkid.Int64))
	}
	if err := fkRows.Err(); err != nil {
		return err
	}

	if len(fkErrors) > 0 {
		return fmt.Errorf("foreign_key_check failed: %v", fkErrors)
	}
	return nil
}

func hasTable(ctx context.Context, q querier, table string) (bool, error) {
	var name string
	err := q.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	return true, nil
}

func hasColumn(ctx context.Context, q querier, table, column string) (bool, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to inspect %s columns: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("failed to scan %s columns: %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
