package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  slog.Level
	}{
		{"info", "info", slog.LevelInfo},
		{"debug", "debug", slog.LevelDebug},
		{"trace", "trace", LevelTrace},
		{"warn", "warn", slog.LevelWarn},
		{"warning alias", "warning", slog.LevelWarn},
		{"error", "error", slog.LevelError},
		{"uppercase DEBUG", "DEBUG", slog.LevelDebug},
		{"padded", " trace ", LevelTrace},
		{"unknown defaults to info", "unknown", slog.LevelInfo},
		{"empty defaults to info", "", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		name       string
		level      string
		logAtDebug bool
		logAtInfo  bool
	}{
		{"warn filters info", "warn", false, false},
		{"info filters debug", "info", false, true},
		{"debug passes debug", "debug", true, true},
		{"trace passes debug", "trace", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(tt.level, &buf)

			logger.Debug("debug message")
			if got := strings.Contains(buf.String(), "debug message"); got != tt.logAtDebug {
				t.Errorf("debug message visible = %v, want %v (buf: %q)", got, tt.logAtDebug, buf.String())
			}

			buf.Reset()
			logger.Info("info message")
			if got := strings.Contains(buf.String(), "info message"); got != tt.logAtInfo {
				t.Errorf("info message visible = %v, want %v (buf: %q)", got, tt.logAtInfo, buf.String())
			}
		})
	}
}

func TestNewLogger_TraceLabel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("trace", &buf)
	logger.Log(context.Background(), LevelTrace, "statement")

	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("trace line not labelled: %q", buf.String())
	}
}

func TestNewAuditLog_InfoLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db.audit.jsonl")
	a := NewAuditLog(path, "info")
	if a != nil {
		t.Error("expected nil AuditLog at info level")
	}

	a.Record(Event{Action: ActionDesignRenamed})
	a.Close()

	if _, err := os.Stat(path); err == nil {
		t.Error("audit file should not exist at info level")
	}
}

func TestAuditLog_Record(t *testing.T) {
	path := AuditPath(filepath.Join(t.TempDir(), "nested", "store.db"))
	a := NewAuditLog(path, "debug")
	if a == nil {
		t.Fatal("expected non-nil AuditLog at debug level")
	}
	defer a.Close()

	a.Record(Event{Action: ActionDesignRenamed, Scope: "road", Design: "lhs_2", Detail: map[string]any{"requested": "lhs"}})
	a.Record(Event{Action: ActionSchemaMigrated, Detail: map[string]any{"from": 1, "to": 3}})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), data)
	}

	var first Event
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decoding first line: %v", err)
	}
	if first.Action != ActionDesignRenamed || first.Design != "lhs_2" {
		t.Errorf("first event = %+v", first)
	}
	if first.Time.IsZero() {
		t.Error("Record() should stamp the event time")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permissions = %o, want 0600", perm)
	}
}

func TestAuditLog_NilSafety(t *testing.T) {
	var a *AuditLog
	a.Record(Event{Action: "should_not_panic"})
	a.Close()
}

func TestAuditLog_RecordAfterClose(t *testing.T) {
	a := NewAuditLog(filepath.Join(t.TempDir(), "a.jsonl"), "trace")
	a.Close()
	a.Record(Event{Action: "after_close"})
}
