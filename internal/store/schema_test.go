package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

// v1CoreDDL is the layout shared by v1 and v2 stores: scopes without
// content versions, plus the identity and design tables.
const v1CoreDDL = `
CREATE TABLE scopes (
    scope_id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    definition TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE TABLE experiments (
    experiment_id INTEGER PRIMARY KEY AUTOINCREMENT,
    scope_id INTEGER NOT NULL REFERENCES scopes(scope_id) ON DELETE CASCADE,
    input_hash TEXT NOT NULL,
    inputs TEXT NOT NULL,
    created_at TEXT NOT NULL,
    UNIQUE (scope_id, input_hash)
);
CREATE TABLE designs (
    design_id INTEGER PRIMARY KEY AUTOINCREMENT,
    scope_id INTEGER NOT NULL REFERENCES scopes(scope_id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    created_at TEXT NOT NULL,
    UNIQUE (scope_id, name)
);
CREATE TABLE design_experiments (
    design_id INTEGER NOT NULL REFERENCES designs(design_id) ON DELETE CASCADE,
    experiment_id INTEGER NOT NULL REFERENCES experiments(experiment_id) ON DELETE CASCADE,
    PRIMARY KEY (design_id, experiment_id)
);
CREATE TABLE schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);
`

// v1MeasuresDDL stores one value per (experiment, measure) with no source.
const v1MeasuresDDL = `
CREATE TABLE measures (
    experiment_id INTEGER NOT NULL REFERENCES experiments(experiment_id) ON DELETE CASCADE,
    measure_name TEXT NOT NULL,
    value REAL,
    recorded_at TEXT NOT NULL,
    PRIMARY KEY (experiment_id, measure_name)
);
`

const fixtureScopeJSON = `{"name":"road_test","desc":"unit test scope","inputs":[` +
	`{"name":"constant","role":"constant","dtype":"float","default":1},` +
	`{"name":"exp_var1","role":"lever","dtype":"float","default":1,"min":0,"max":2},` +
	`{"name":"exp_var2","role":"uncertainty","dtype":"float","default":1,"min":0,"max":2}],` +
	`"measures":[{"name":"pm_1","kind":"info"},{"name":"pm_2","kind":"minimize"}]}`

// fixtureTuple is the canonical key of {constant: 1, exp_var1: 0.5, exp_var2: 1.5}.
const fixtureTuple = `[1,0.5,1.5]`

// writeFixture creates a store file at the given layout version holding one
// scope, one design with one experiment, and (for v1) one measured value.
func writeFixture(t *testing.T, version int) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	defer db.Close()

	ddl := v1CoreDDL + v1MeasuresDDL
	if version == 2 {
		ddl = v1CoreDDL + sourcesDDL + runsDDL + measuresDDL
	}
	stmts := []string{
		ddl,
		`INSERT INTO scopes (name, description, definition, created_at)
		 VALUES ('road_test', 'unit test scope', '` + fixtureScopeJSON + `', '2024-01-01T00:00:00.000000000Z')`,
		`INSERT INTO experiments (scope_id, input_hash, inputs, created_at)
		 VALUES (1, '` + hashHex([]byte(fixtureTuple)) + `', '` + fixtureTuple + `', '2024-01-01T00:00:00.000000000Z')`,
		`INSERT INTO designs (scope_id, name, created_at) VALUES (1, 'lhs', '2024-01-01T00:00:00.000000000Z')`,
		`INSERT INTO design_experiments (design_id, experiment_id) VALUES (1, 1)`,
	}
	if version == 1 {
		stmts = append(stmts,
			`INSERT INTO measures (experiment_id, measure_name, value, recorded_at)
			 VALUES (1, 'pm_1', 4.5, '2024-01-02T00:00:00.000000000Z')`,
			`INSERT INTO measures (experiment_id, measure_name, value, recorded_at)
			 VALUES (1, 'pm_2', NULL, '2024-01-02T00:00:00.000000000Z')`)
	} else {
		stmts = append(stmts,
			`INSERT INTO runs (run_id, experiment_id, source_id, valid, recorded_at)
			 VALUES ('r-1', 1, 0, 1, '2024-01-02T00:00:00.000000000Z')`,
			`INSERT INTO run_measures (run_id, measure_name, value) VALUES ('r-1', 'pm_1', 4.5)`,
			`INSERT INTO measures (experiment_id, measure_name, source_id, value, run_id, recorded_at)
			 VALUES (1, 'pm_1', 0, 4.5, 'r-1', '2024-01-02T00:00:00.000000000Z')`)
	}
	stmts = append(stmts, fmt.Sprintf(`INSERT INTO schema_version (version, applied_at) VALUES (%d, '2024-01-01')`, version))

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("fixture v%d: %v\n%s", version, err, stmt)
		}
	}
	return path
}

func getColumns(t *testing.T, db *sql.DB, table string) map[string]bool {
	t.Helper()
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		t.Fatalf("table_info %s: %v", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid, notNull, pk int
		var name, typ string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			t.Fatalf("scan table_info: %v", err)
		}
		cols[name] = true
	}
	return cols
}

func TestOpen_MigratesFromV1(t *testing.T) {
	ctx := context.Background()
	path := writeFixture(t, 1)

	var seen []VersionWarning
	s, err := Open(path, Options{OnVersionWarning: func(w VersionWarning) error {
		seen = append(seen, w)
		return nil
	}})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if len(seen) != 1 || seen[0].From != 1 || seen[0].To != SchemaVersion {
		t.Errorf("OnVersionWarning calls = %+v", seen)
	}
	if w := s.Warnings(); len(w) != 1 || w[0].From != 1 {
		t.Errorf("Warnings() = %+v", w)
	}
	if v, _ := s.SchemaVersion(ctx); v != SchemaVersion {
		t.Errorf("SchemaVersion() = %d, want %d", v, SchemaVersion)
	}

	cols := getColumns(t, s.DB(), "measures")
	if !cols["source_id"] || !cols["run_id"] {
		t.Errorf("measures columns after migration = %v", cols)
	}
	if !getColumns(t, s.DB(), "scopes")["content_hash"] {
		t.Error("scopes.content_hash missing after migration")
	}

	// Legacy values belong to the core model.
	frame, err := s.ReadMeasures(ctx, "road_test", Query{})
	if err != nil {
		t.Fatalf("ReadMeasures() error = %v", err)
	}
	if frame.Len() != 1 || frame.Value(0, "pm_1") != 4.5 || frame.Value(0, "pm_2") != nil {
		t.Errorf("migrated measures = %+v", frame.Rows)
	}
	sources, err := s.ReadMeasureSources(ctx, "road_test", "lhs")
	if err != nil || len(sources) != 1 || sources[0] != CoreSource {
		t.Errorf("ReadMeasureSources() = %v, %v", sources, err)
	}

	// The identity table still deduplicates against migrated rows.
	ids, err := s.AssignExperimentIDs(ctx, "road_test", []map[string]any{{"constant": 1, "exp_var1": 0.5, "exp_var2": 1.5}})
	if err != nil {
		t.Fatal(err)
	}
	if ids[0] != 1 {
		t.Errorf("migrated tuple got id %d, want 1", ids[0])
	}

	versions, err := s.ReadScopeVersions(ctx, "road_test")
	if err != nil || len(versions) != 1 || versions[0].ContentHash == "" {
		t.Errorf("ReadScopeVersions() = %+v, %v", versions, err)
	}
}

func TestOpen_MigratesFromV2(t *testing.T) {
	ctx := context.Background()
	s, err := Open(writeFixture(t, 2), Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if w := s.Warnings(); len(w) != 1 || w[0].From != 2 {
		t.Errorf("Warnings() = %+v", w)
	}
	frame, err := s.ReadMeasures(ctx, "", Query{Runs: RunsValid})
	if err != nil {
		t.Fatal(err)
	}
	if frame.Len() != 1 || frame.Rows[0].Run.RunID != "r-1" {
		t.Errorf("runs after migration = %+v", frame.Rows)
	}
}

func TestOpen_NoMigrateRefuses(t *testing.T) {
	ctx := context.Background()
	path := writeFixture(t, 1)

	_, err := Open(path, Options{NoMigrate: true})
	var ve *VersionError
	if !errors.As(err, &ve) || !ve.Recoverable || ve.Found != 1 {
		t.Fatalf("Open() error = %v, want recoverable *VersionError", err)
	}

	v, err := ReadFileVersion(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Errorf("file version after refused open = %d, want 1", v)
	}
}

func TestOpen_VersionWarningVeto(t *testing.T) {
	veto := errors.New("operator declined")
	_, err := Open(writeFixture(t, 1), Options{OnVersionWarning: func(VersionWarning) error { return veto }})
	if !errors.Is(err, veto) {
		t.Fatalf("Open() error = %v, want veto", err)
	}
	if !IsKind(err, KindVersion) {
		t.Errorf("veto should surface as a version error: %v", err)
	}
}

func TestMigrations_Idempotent(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", writeFixture(t, 1))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		for _, m := range migrations {
			if err := m.apply(ctx, tx); err != nil {
				tx.Rollback()
				t.Fatalf("pass %d: migration v%d: %v", i, m.version, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	if n := countRows(t, db, "runs"); n != 1 {
		t.Errorf("runs = %d, want 1", n)
	}
	if n := countRows(t, db, "measures"); n != 1 {
		t.Errorf("measures = %d, want 1 (null values dropped)", n)
	}
	if n := countRows(t, db, "scope_versions"); n != 1 {
		t.Errorf("scope_versions = %d, want 1", n)
	}
}

func TestReadFileVersion_Missing(t *testing.T) {
	v, err := ReadFileVersion(context.Background(), filepath.Join(t.TempDir(), "none.db"))
	if err != nil || v != 0 {
		t.Errorf("ReadFileVersion(missing) = %d, %v", v, err)
	}
}

func TestValidateIntegrity_ForeignKeyViolation(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schemaV3); err != nil {
		t.Fatal(err)
	}
	if err := ValidateIntegrity(ctx, db); err != nil {
		t.Fatalf("clean schema: %v", err)
	}
	// foreign_keys is off on this raw handle, so the orphan is accepted.
	if _, err := db.ExecContext(ctx, `INSERT INTO design_experiments (design_id, experiment_id) VALUES (7, 9)`); err != nil {
		t.Fatal(err)
	}
	if err := ValidateIntegrity(ctx, db); err == nil {
		t.Error("expected foreign_key_check failure")
	}
}
