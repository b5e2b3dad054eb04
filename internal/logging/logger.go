// Package logging provides leveled logging and the store audit trail.
// It offers two complementary outputs:
//   - A leveled slog.Logger for stderr (operational output)
//   - An AuditLog of store mutations as JSONL (<db>.audit.jsonl)
package logging

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LevelTrace is a custom slog level below Debug.
// At this level every SQL statement batch and row count is logged.
const LevelTrace = slog.LevelDebug - 4

// ParseLevel maps a string level name to a slog.Level.
// Supported values: "error", "warn", "info", "debug", "trace" (case-insensitive).
// Unknown values default to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return slog.LevelError
	case "warn", "warning":
		return slog.LevelWarn
	case "debug":
		return slog.LevelDebug
	case "trace":
		return LevelTrace
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a leveled slog.Logger writing to w.
func NewLogger(level string, w io.Writer) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// Audit actions recorded by the store.
const (
	ActionScopeStored    = "scope_stored"
	ActionScopeUpdated   = "scope_updated"
	ActionScopeDeleted   = "scope_deleted"
	ActionDesignRenamed  = "design_renamed"
	ActionDesignDeleted  = "design_deleted"
	ActionDesignMerged   = "design_merged"
	ActionSchemaMigrated = "schema_migrated"
	ActionSourceAdded    = "source_added"
)

// Event is one line of the audit trail.
type Event struct {
	Action string         `json:"action"`
	Scope  string         `json:"scope,omitempty"`
	Design string         `json:"design,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
	Time   time.Time      `json:"time"`
}

// AuditLog appends store mutation events to a JSONL file.
// It is safe for concurrent use. A nil AuditLog is safe to use;
// all methods are no-ops on nil receiver.
type AuditLog struct {
	mu   sync.Mutex
	file *os.File
}

// AuditPath returns the audit trail path for a store file.
func AuditPath(dbPath string) string {
	return dbPath + ".audit.jsonl"
}

// NewAuditLog opens path for append.
// At "info" level and above it returns nil and no file is created.
// It also returns nil if the file cannot be opened. All methods are nil-safe.
func NewAuditLog(path string, level string) *AuditLog {
	if ParseLevel(level) >= slog.LevelInfo {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil
	}

	return &AuditLog{file: f}
}

// Record writes e as a single JSONL line, stamping Time if unset.
// Safe to call on nil receiver.
func (a *AuditLog) Record(e Event) {
	if a == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return
	}
	_, _ = a.file.Write(data)
}

// Close closes the underlying file. Safe to call on nil receiver.
func (a *AuditLog) Close() {
	if a == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file != nil {
		a.file.Close()
		a.file = nil
	}
}
