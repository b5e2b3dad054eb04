// Package config provides unified configuration loading for expstore.
// It supports loading from YAML files and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nvandessel/expstore/internal/logging"
)

// DirName is the per-user directory holding config, the default store and
// backups.
const DirName = ".expstore"

// ExpstoreConfig contains all expstore configuration settings.
type ExpstoreConfig struct {
	// Store contains settings for opening the store file.
	Store StoreConfig `json:"store" yaml:"store"`

	// Backup contains settings for snapshots and their retention.
	Backup BackupConfig `json:"backup" yaml:"backup"`

	// Logging contains settings for operational and audit logging.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// StoreConfig configures how the store file is opened.
type StoreConfig struct {
	// Path is the store file. Supports ${VAR} and a leading ~/.
	Path string `json:"path" yaml:"path"`

	// BusyTimeout bounds how long a writer waits for the file lock.
	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout"`

	// AutoMigrate upgrades stores written with an older layout on open.
	// When false, such stores are refused until `expstore migrate` runs.
	AutoMigrate bool `json:"auto_migrate" yaml:"auto_migrate"`
}

// BackupConfig configures backup placement and retention.
type BackupConfig struct {
	// Dir receives generated backups.
	Dir string `json:"dir" yaml:"dir"`

	// MaxCount keeps the newest N backups (0 = unlimited).
	MaxCount int `json:"max_count" yaml:"max_count"`

	// MaxAge keeps backups younger than this, e.g. "30d" or "2w".
	MaxAge string `json:"max_age,omitempty" yaml:"max_age,omitempty"`

	// MaxSize caps the total size of kept backups, e.g. "500MB".
	MaxSize string `json:"max_size,omitempty" yaml:"max_size,omitempty"`
}

// LoggingConfig configures expstore's logging behavior.
type LoggingConfig struct {
	// Level sets the log verbosity: "info" (default), "debug", or "trace".
	// "debug" also appends audit events next to the store file.
	Level string `json:"level" yaml:"level"`
}

// Default returns an ExpstoreConfig with sensible defaults.
func Default() *ExpstoreConfig {
	base := DefaultDir()
	return &ExpstoreConfig{
		Store: StoreConfig{
			Path:        filepath.Join(base, "expstore.db"),
			BusyTimeout: 5 * time.Second,
			AutoMigrate: true,
		},
		Backup: BackupConfig{
			Dir:      filepath.Join(base, "backups"),
			MaxCount: 10,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultDir returns ~/.expstore, or .expstore when the home directory is
// unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DirName
	}
	return filepath.Join(home, DirName)
}

// Load loads configuration from the default locations and environment variables.
// Order: defaults -> ~/.expstore/config.yaml -> environment variables
func Load() (*ExpstoreConfig, error) {
	config := Default()

	configPath := filepath.Join(DefaultDir(), "config.yaml")
	if _, statErr := os.Stat(configPath); statErr == nil {
		fileConfig, loadErr := LoadFromFile(configPath)
		if loadErr != nil {
			return nil, fmt.Errorf("loading config file: %w", loadErr)
		}
		config = fileConfig
	}

	applyEnvOverrides(config)

	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file.
func LoadFromFile(path string) (*ExpstoreConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	config.Store.Path = expandPath(config.Store.Path)
	config.Backup.Dir = expandPath(config.Backup.Dir)

	return config, nil
}

// Validate checks that the configuration is valid.
func (c *ExpstoreConfig) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must be set")
	}

	if c.Store.BusyTimeout < 0 {
		return fmt.Errorf("busy_timeout must be non-negative, got %v", c.Store.BusyTimeout)
	}

	if c.Backup.MaxCount < 0 {
		return fmt.Errorf("backup.max_count must be non-negative, got %d", c.Backup.MaxCount)
	}

	validLevels := map[string]bool{"info": true, "debug": true, "trace": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: info, debug, trace, or empty for default)", c.Logging.Level)
	}

	return nil
}

// AuditPath returns where audit events for the configured store go.
func (c *ExpstoreConfig) AuditPath() string {
	return logging.AuditPath(c.Store.Path)
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(config *ExpstoreConfig) {
	if v := os.Getenv("EXPSTORE_DB"); v != "" {
		config.Store.Path = expandPath(v)
	}

	if v := os.Getenv("EXPSTORE_BUSY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Store.BusyTimeout = d
		}
	}

	if v := os.Getenv("EXPSTORE_AUTO_MIGRATE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Store.AutoMigrate = b
		}
	}

	if v := os.Getenv("EXPSTORE_BACKUP_DIR"); v != "" {
		config.Backup.Dir = expandPath(v)
	}

	if v := os.Getenv("EXPSTORE_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}

// expandPath expands ${VAR} patterns and a leading ~/.
func expandPath(s string) string {
	if strings.Contains(s, "${") {
		s = os.Expand(s, os.Getenv)
	}
	if strings.HasPrefix(s, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			s = filepath.Join(home, s[2:])
		}
	}
	return s
}
