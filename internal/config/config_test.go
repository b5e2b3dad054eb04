package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	config := Default()

	if !strings.HasSuffix(config.Store.Path, filepath.Join(DirName, "expstore.db")) {
		t.Errorf("expected store path under %s, got '%s'", DirName, config.Store.Path)
	}
	if config.Store.BusyTimeout != 5*time.Second {
		t.Errorf("expected BusyTimeout 5s, got %v", config.Store.BusyTimeout)
	}
	if !config.Store.AutoMigrate {
		t.Error("expected AutoMigrate to be true by default")
	}
	if config.Backup.MaxCount != 10 {
		t.Errorf("expected MaxCount 10, got %d", config.Backup.MaxCount)
	}
	if config.Logging.Level != "info" {
		t.Errorf("expected Logging.Level 'info', got '%s'", config.Logging.Level)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
store:
  path: /data/road.db
  busy_timeout: 10s
  auto_migrate: false

backup:
  dir: /data/backups
  max_count: 3
  max_age: 30d

logging:
  level: trace
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	config, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if config.Store.Path != "/data/road.db" {
		t.Errorf("expected Path '/data/road.db', got '%s'", config.Store.Path)
	}
	if config.Store.BusyTimeout != 10*time.Second {
		t.Errorf("expected BusyTimeout 10s, got %v", config.Store.BusyTimeout)
	}
	if config.Store.AutoMigrate {
		t.Error("expected AutoMigrate to be false")
	}
	if config.Backup.Dir != "/data/backups" || config.Backup.MaxCount != 3 || config.Backup.MaxAge != "30d" {
		t.Errorf("unexpected backup config: %+v", config.Backup)
	}
	if config.Logging.Level != "trace" {
		t.Errorf("expected Logging.Level 'trace', got '%s'", config.Logging.Level)
	}
}

func TestLoadFromFile_PathExpansion(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
store:
  path: ${TEST_EXPSTORE_ROOT}/exp.db
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("TEST_EXPSTORE_ROOT", "/srv/models")

	config, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if config.Store.Path != "/srv/models/exp.db" {
		t.Errorf("expected Path '/srv/models/exp.db', got '%s'", config.Store.Path)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EXPSTORE_DB", "/tmp/override.db")
	t.Setenv("EXPSTORE_BUSY_TIMEOUT", "250ms")
	t.Setenv("EXPSTORE_AUTO_MIGRATE", "false")
	t.Setenv("EXPSTORE_BACKUP_DIR", "/tmp/bk")
	t.Setenv("EXPSTORE_LOG_LEVEL", "debug")

	config := Default()
	applyEnvOverrides(config)

	if config.Store.Path != "/tmp/override.db" {
		t.Errorf("expected Path '/tmp/override.db', got '%s'", config.Store.Path)
	}
	if config.Store.BusyTimeout != 250*time.Millisecond {
		t.Errorf("expected BusyTimeout 250ms, got %v", config.Store.BusyTimeout)
	}
	if config.Store.AutoMigrate {
		t.Error("expected AutoMigrate to be false")
	}
	if config.Backup.Dir != "/tmp/bk" {
		t.Errorf("expected Backup.Dir '/tmp/bk', got '%s'", config.Backup.Dir)
	}
	if config.Logging.Level != "debug" {
		t.Errorf("expected Logging.Level 'debug', got '%s'", config.Logging.Level)
	}
	if config.AuditPath() != "/tmp/override.db.audit.jsonl" {
		t.Errorf("unexpected AuditPath %q", config.AuditPath())
	}
}

func TestEnvOverrides_IgnoresMalformed(t *testing.T) {
	t.Setenv("EXPSTORE_BUSY_TIMEOUT", "soon")
	t.Setenv("EXPSTORE_AUTO_MIGRATE", "maybe")

	config := Default()
	applyEnvOverrides(config)

	if config.Store.BusyTimeout != 5*time.Second {
		t.Errorf("malformed timeout should be ignored, got %v", config.Store.BusyTimeout)
	}
	if !config.Store.AutoMigrate {
		t.Error("malformed bool should be ignored")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ExpstoreConfig)
		wantErr bool
	}{
		{"default", func(*ExpstoreConfig) {}, false},
		{"empty level", func(c *ExpstoreConfig) { c.Logging.Level = "" }, false},
		{"trace level", func(c *ExpstoreConfig) { c.Logging.Level = "trace" }, false},
		{"invalid level", func(c *ExpstoreConfig) { c.Logging.Level = "verbose" }, true},
		{"empty path", func(c *ExpstoreConfig) { c.Store.Path = "" }, true},
		{"negative timeout", func(c *ExpstoreConfig) { c.Store.BusyTimeout = -time.Second }, true},
		{"negative max count", func(c *ExpstoreConfig) { c.Backup.MaxCount = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.mutate(config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile_NotFound(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	invalidYAML := `
store:
  path: [invalid yaml
`
	if err := os.WriteFile(configPath, []byte(invalidYAML), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := LoadFromFile(configPath)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}
