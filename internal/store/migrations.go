package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nvandessel/expstore/internal/scope"
)

// migration upgrades the layout from version-1 to version. Every apply
// function inspects the layout before changing it, so re-running one that
// already took effect is a no-op.
type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{version: 2, name: "source registry and run history", apply: migrateV2},
	{version: 3, name: "scope content versions", apply: migrateV3},
}

// migrateSchema applies the contiguous chain of migrations from
// currentVersion to SchemaVersion, one transaction per step.
func migrateSchema(ctx context.Context, db *sql.DB, currentVersion int) ([]int, error) {
	var applied []int
	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return applied, fmt.Errorf("failed to begin migration to v%d: %w", m.version, err)
		}
		if err := m.apply(ctx, tx); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("migration to v%d (%s): %w", m.version, m.name, err)
		}
		if err := recordVersion(ctx, tx, m.version); err != nil {
			tx.Rollback()
			return applied, err
		}
		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("failed to commit migration to v%d: %w", m.version, err)
		}
		applied = append(applied, m.version)
	}
	return applied, nil
}

// migrateV2 introduces the source registry and run history. Values stored by
// v1 were all produced by the core model, so they become one legacy run per
// experiment under source 0. The rebuild only runs while measures still
// lacks source_id.
func migrateV2(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, sourcesDDL+runsDDL); err != nil {
		return fmt.Errorf("failed to create source and run tables: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}

	keyed, err := hasColumn(ctx, tx, "measures", "source_id")
	if err != nil {
		return err
	}
	if keyed {
		return nil
	}

	// Legacy run ids are random so that two migrated stores never share one.
	stmts := []string{
		`INSERT INTO runs (run_id, experiment_id, source_id, valid, recorded_at)
		 SELECT 'legacy-' || lower(hex(randomblob(16))), experiment_id, 0, 1, MAX(recorded_at)
		 FROM measures WHERE value IS NOT NULL GROUP BY experiment_id`,
		`INSERT OR IGNORE INTO run_measures (run_id, measure_name, value)
		 SELECT r.run_id, m.measure_name, m.value
		 FROM measures m JOIN runs r ON r.experiment_id = m.experiment_id AND r.run_id LIKE 'legacy-%'
		 WHERE m.value IS NOT NULL`,
		`ALTER TABLE measures RENAME TO measures_v1`,
		measuresDDL,
		`INSERT INTO measures (experiment_id, measure_name, source_id, value, run_id, recorded_at)
		 SELECT m.experiment_id, m.measure_name, 0, m.value, r.run_id, m.recorded_at
		 FROM measures_v1 m JOIN runs r ON r.experiment_id = m.experiment_id AND r.run_id LIKE 'legacy-%'
		 WHERE m.value IS NOT NULL`,
		`DROP TABLE measures_v1`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to rebuild measures: %w", err)
		}
	}
	return nil
}

// migrateV3 adds content hashes and version history to scopes.
func migrateV3(ctx context.Context, tx *sql.Tx) error {
	columns := []struct{ name, ddl string }{
		{"content_hash", `ALTER TABLE scopes ADD COLUMN content_hash TEXT NOT NULL DEFAULT ''`},
		{"version", `ALTER TABLE scopes ADD COLUMN version INTEGER NOT NULL DEFAULT 1`},
		{"updated_at", `ALTER TABLE scopes ADD COLUMN updated_at TEXT NOT NULL DEFAULT ''`},
	}
	for _, col := range columns {
		has, err := hasColumn(ctx, tx, "scopes", col.name)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := tx.ExecContext(ctx, col.ddl); err != nil {
			return fmt.Errorf("failed to add scopes.%s: %w", col.name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS scope_versions (
    scope_id INTEGER NOT NULL REFERENCES scopes(scope_id) ON DELETE CASCADE,
    version INTEGER NOT NULL,
    content_hash TEXT NOT NULL,
    definition TEXT NOT NULL,
    created_at TEXT NOT NULL,
    PRIMARY KEY (scope_id, version)
)`); err != nil {
		return fmt.Errorf("failed to create scope_versions: %w", err)
	}

	type pending struct {
		id         int64
		definition string
		createdAt  string
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT scope_id, definition, created_at FROM scopes WHERE content_hash = ''`)
	if err != nil {
		return fmt.Errorf("failed to list scopes: %w", err)
	}
	var todo []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.definition, &p.createdAt); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan scope: %w", err)
		}
		todo = append(todo, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range todo {
		var sc scope.Scope
		if err := json.Unmarshal([]byte(p.definition), &sc); err != nil {
			return fmt.Errorf("failed to decode scope %d: %w", p.id, err)
		}
		hash, err := contentHash(&sc)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE scopes SET content_hash = ?, updated_at = created_at WHERE scope_id = ?`,
			hash, p.id); err != nil {
			return fmt.Errorf("failed to hash scope %d: %w", p.id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO scope_versions (scope_id, version, content_hash, definition, created_at)
			 VALUES (?, 1, ?, ?, ?)`,
			p.id, hash, p.definition, p.createdAt); err != nil {
			return fmt.Errorf("failed to seed scope history %d: %w", p.id, err)
		}
	}
	return nil
}
