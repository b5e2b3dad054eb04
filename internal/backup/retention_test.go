package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

var retentionNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// entries returns n backups of one source, one hour apart, newest first.
func entries(source string, n int, version int) []Entry {
	out := make([]Entry, n)
	for i := range out {
		out[i] = Entry{
			Path:          fmt.Sprintf("/b/%s-%d", source, n-i),
			Size:          100,
			CreatedAt:     retentionNow.Add(-time.Duration(i) * time.Hour),
			Source:        source,
			SchemaVersion: version,
		}
	}
	return out
}

func paths(es []Entry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Path
	}
	return out
}

func TestRetention_Keep(t *testing.T) {
	migrated := entries("a.db", 4, 3)
	migrated[3].SchemaVersion = 2

	tests := []struct {
		name      string
		retention Retention
		in        []Entry
		want      []string
	}{
		{
			name:      "no limits keeps everything",
			retention: Retention{},
			in:        entries("a.db", 3, 3),
			want:      []string{"/b/a.db-3", "/b/a.db-2", "/b/a.db-1"},
		},
		{
			name:      "count per source",
			retention: Retention{MaxCount: 2},
			in:        append(entries("a.db", 3, 3), entries("b.db", 3, 3)...),
			want:      []string{"/b/a.db-3", "/b/a.db-2", "/b/b.db-3", "/b/b.db-2"},
		},
		{
			name:      "age",
			retention: Retention{MaxAge: 90 * time.Minute},
			in:        entries("a.db", 4, 3),
			want:      []string{"/b/a.db-4", "/b/a.db-3"},
		},
		{
			name:      "size",
			retention: Retention{MaxBytes: 250},
			in:        entries("a.db", 4, 3),
			want:      []string{"/b/a.db-4", "/b/a.db-3"},
		},
		{
			name:      "every limit must hold",
			retention: Retention{MaxCount: 3, MaxBytes: 150},
			in:        entries("a.db", 4, 3),
			want:      []string{"/b/a.db-4"},
		},
		{
			name:      "newest backup of an older schema survives",
			retention: Retention{MaxCount: 1},
			in:        migrated,
			want:      []string{"/b/a.db-4", "/b/a.db-1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := paths(tt.retention.Keep(tt.in, retentionNow))
			if !slices.Equal(got, tt.want) {
				t.Errorf("Keep() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewRetention(t *testing.T) {
	tests := []struct {
		name    string
		count   int
		age     string
		size    string
		want    Retention
		wantErr bool
	}{
		{"empty", 0, "", "", Retention{}, false},
		{"days", 5, "30d", "", Retention{MaxCount: 5, MaxAge: 30 * 24 * time.Hour}, false},
		{"weeks", 0, "2w", "", Retention{MaxAge: 14 * 24 * time.Hour}, false},
		{"go duration", 0, "36h", "", Retention{MaxAge: 36 * time.Hour}, false},
		{"binary size", 0, "", "1MiB", Retention{MaxBytes: 1 << 20}, false},
		{"decimal size", 0, "", "500MB", Retention{MaxBytes: 500_000_000}, false},
		{"bad age", 0, "soon", "", Retention{}, true},
		{"bad size", 0, "", "lots", Retention{}, true},
		{"negative count", -1, "", "", Retention{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewRetention(tt.count, tt.age, tt.size)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewRetention() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("NewRetention() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestListBackups_DescribesEntries(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := createTestStore(t, filepath.Join(dir, "exp.db"), []map[string]any{{"x": 0.1, "y": 0.2, "cost": 3.0}})

	backups := filepath.Join(dir, "backups")
	v2 := filepath.Join(backups, FilePrefix+"20260203-120000"+FileExt)
	if _, err := Backup(ctx, s, v2); err != nil {
		t.Fatal(err)
	}
	bare := filepath.Join(backups, FilePrefix+"20260201-120000"+FileExt)
	if err := s.Snapshot(ctx, bare); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(backups, "notes.txt"), []byte("ignore"), 0600); err != nil {
		t.Fatal(err)
	}

	got, err := ListBackups(backups)
	if err != nil {
		t.Fatalf("ListBackups() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListBackups() found %d, want 2", len(got))
	}
	if got[0].Path != v2 || got[0].Format != FormatV2 || got[0].Source != s.Path() || got[0].Experiments != 1 || got[0].Runs != 1 {
		t.Errorf("V2 entry = %+v", got[0])
	}
	if got[1].Format != FormatSQLite || got[1].SchemaVersion != got[0].SchemaVersion || got[1].Source != "" {
		t.Errorf("bare entry = %+v", got[1])
	}

	if none, err := ListBackups(filepath.Join(dir, "missing")); err != nil || none != nil {
		t.Errorf("missing dir = %v, %v", none, err)
	}
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	for i := 1; i <= 5; i++ {
		name := filepath.Join(dir, fmt.Sprintf("%s2026020%d-120000%s", FilePrefix, i, FileExt))
		if err := os.WriteFile(name, []byte("data"), 0600); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := Prune(dir, Retention{MaxCount: 2}, time.Now())
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if len(deleted) != 3 {
		t.Errorf("deleted %d files, want 3", len(deleted))
	}
	remaining, _ := ListBackups(dir)
	if want := []string{
		filepath.Join(dir, FilePrefix+"20260205-120000"+FileExt),
		filepath.Join(dir, FilePrefix+"20260204-120000"+FileExt),
	}; !slices.Equal(paths(remaining), want) {
		t.Errorf("remaining = %v, want %v", paths(remaining), want)
	}

	if deleted, err := Prune(dir, Retention{}, time.Now()); err != nil || len(deleted) != 0 {
		t.Errorf("unlimited retention deleted %v, %v", deleted, err)
	}
}
