package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nvandessel/expstore/internal/store"
)

// Entry describes one backup file in a backup directory.
type Entry struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	Format    int       `json:"format"`
	// Source is the store the backup was taken from. Empty for bare
	// store files.
	Source        string `json:"source,omitempty"`
	SchemaVersion int    `json:"schema_version,omitempty"`
	Experiments   int    `json:"experiments,omitempty"`
	Runs          int    `json:"runs,omitempty"`
}

// Retention bounds the backups kept for each source store. Zero fields are
// unlimited. A backup is kept when it satisfies every set limit, and the
// newest backup of each schema version a source has been at is always kept,
// since a migrated store cannot be brought back to an older layout.
type Retention struct {
	MaxCount int
	MaxAge   time.Duration
	MaxBytes int64
}

// NewRetention builds a Retention from configuration values. maxAge accepts
// Go durations plus "d" and "w" suffixes ("30d", "2w"); maxSize accepts
// sizes such as "500MB" or "1GiB".
func NewRetention(maxCount int, maxAge, maxSize string) (Retention, error) {
	r := Retention{MaxCount: maxCount}
	if maxCount < 0 {
		return r, fmt.Errorf("max count must be non-negative, got %d", maxCount)
	}
	if maxAge != "" {
		d, err := parseAge(maxAge)
		if err != nil {
			return r, err
		}
		r.MaxAge = d
	}
	if maxSize != "" {
		n, err := humanize.ParseBytes(maxSize)
		if err != nil {
			return r, fmt.Errorf("invalid size %q: %w", maxSize, err)
		}
		r.MaxBytes = int64(n)
	}
	return r, nil
}

// Enabled reports whether any limit is set.
func (r Retention) Enabled() bool {
	return r.MaxCount > 0 || r.MaxAge > 0 || r.MaxBytes > 0
}

// Keep returns the entries to retain, in input order. entries must be
// sorted newest first, as ListBackups returns them.
func (r Retention) Keep(entries []Entry, now time.Time) []Entry {
	if !r.Enabled() {
		return entries
	}
	type tally struct {
		seen     int
		bytes    int64
		versions map[int]bool
	}
	bySource := make(map[string]*tally)

	var keep []Entry
	for _, e := range entries {
		t, ok := bySource[e.Source]
		if !ok {
			t = &tally{versions: make(map[int]bool)}
			bySource[e.Source] = t
		}
		pinned := !t.versions[e.SchemaVersion]
		t.versions[e.SchemaVersion] = true

		fits := (r.MaxCount == 0 || t.seen < r.MaxCount) &&
			(r.MaxAge == 0 || now.Sub(e.CreatedAt) <= r.MaxAge) &&
			(r.MaxBytes == 0 || t.bytes+e.Size <= r.MaxBytes)
		if fits || pinned {
			keep = append(keep, e)
			t.seen++
			t.bytes += e.Size
		}
	}
	return keep
}

// ListBackups scans dir for backup files and returns them newest first. V2
// backups are described from their header, bare store files from their
// schema version.
func ListBackups(dir string) ([]Entry, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	var entries []Entry
	for _, d := range dirents {
		if d.IsDir() || !isBackupFile(d.Name()) {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		e := Entry{
			Path:      filepath.Join(dir, d.Name()),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		}
		if format, err := DetectFormat(e.Path); err == nil {
			e.Format = format
			describe(&e)
		}
		entries = append(entries, e)
	}

	// Names embed the creation time.
	slices.SortFunc(entries, func(a, b Entry) int {
		return strings.Compare(filepath.Base(b.Path), filepath.Base(a.Path))
	})
	return entries, nil
}

func describe(e *Entry) {
	switch e.Format {
	case FormatV2:
		h, err := ReadV2Header(e.Path)
		if err != nil {
			return
		}
		if !h.CreatedAt.IsZero() {
			e.CreatedAt = h.CreatedAt
		}
		e.Source = h.Metadata["source"]
		e.SchemaVersion = h.SchemaVersion
		e.Experiments = h.Experiments
		e.Runs = h.Runs
	case FormatSQLite:
		if v, err := store.ReadFileVersion(context.Background(), e.Path); err == nil {
			e.SchemaVersion = v
		}
	}
}

// Prune deletes the backups in dir that r does not keep and returns their
// paths.
func Prune(dir string, r Retention, now time.Time) ([]string, error) {
	if !r.Enabled() {
		return nil, nil
	}
	entries, err := ListBackups(dir)
	if err != nil {
		return nil, err
	}
	kept := make(map[string]bool)
	for _, e := range r.Keep(entries, now) {
		kept[e.Path] = true
	}

	var deleted []string
	for _, e := range entries {
		if kept[e.Path] {
			continue
		}
		if err := os.Remove(e.Path); err != nil {
			return deleted, fmt.Errorf("removing %s: %w", filepath.Base(e.Path), err)
		}
		deleted = append(deleted, e.Path)
	}
	return deleted, nil
}

func parseAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	unit := 24 * time.Hour
	num, ok := strings.CutSuffix(s, "d")
	if !ok {
		num, ok = strings.CutSuffix(s, "w")
		unit *= 7
	}
	n, err := strconv.Atoi(num)
	if !ok || err != nil || n < 0 {
		return 0, fmt.Errorf("invalid age %q (want e.g. 720h, 30d or 2w)", s)
	}
	return time.Duration(n) * unit, nil
}
