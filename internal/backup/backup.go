// Package backup provides backup and restore functionality for expstore files.
package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nvandessel/expstore/internal/store"
)

// File naming for generated backups.
const (
	FilePrefix = "expstore-backup-"
	FileExt    = ".db.gz"
)

// DefaultBackupDir returns the default backup directory (~/.expstore/backups/).
func DefaultBackupDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".expstore", "backups"), nil
}

// Backup snapshots the store and writes it to outputPath as a V2 file.
func Backup(ctx context.Context, s *store.Store, outputPath string) (*BackupHeader, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read store stats: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	tmpDir, err := os.MkdirTemp(filepath.Dir(outputPath), ".expstore-snapshot-")
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	snapshot := filepath.Join(tmpDir, "snapshot.db")
	if err := s.Snapshot(ctx, snapshot); err != nil {
		return nil, err
	}
	f, err := os.Open(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	return WriteV2(outputPath, BackupHeader{
		CreatedAt:     time.Now().UTC(),
		SchemaVersion: stats.SchemaVersion,
		Scopes:        stats.Scopes,
		Experiments:   stats.Experiments,
		Runs:          stats.Runs,
		Metadata:      map[string]string{"source": s.Path()},
	}, f)
}

// RestoreMode controls how restore handles existing data.
type RestoreMode string

const (
	// RestoreMerge merges the backup into the existing store (default).
	RestoreMerge RestoreMode = "merge"
	// RestoreReplace replaces the store file with the backup.
	RestoreReplace RestoreMode = "replace"
)

// ParseRestoreMode accepts "merge" or "replace"; empty means merge.
func ParseRestoreMode(s string) (RestoreMode, error) {
	switch RestoreMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", RestoreMerge:
		return RestoreMerge, nil
	case RestoreReplace:
		return RestoreReplace, nil
	}
	return "", fmt.Errorf("unknown restore mode %q (want merge or replace)", s)
}

// RestoreResult contains statistics about the restore operation.
type RestoreResult struct {
	Mode   RestoreMode        `json:"mode"`
	Format int                `json:"format"`
	Header *BackupHeader      `json:"header,omitempty"`
	Merge  *store.MergeReport `json:"merge,omitempty"`
}

// Restore applies the backup at inputPath to the store file at dbPath.
// inputPath may be a V2 backup or a bare store file. Replace swaps the file
// wholesale; the caller must not hold dbPath open. Merge folds the backup in
// with the merge engine, opening dbPath with opts.
func Restore(ctx context.Context, inputPath, dbPath string, mode RestoreMode, opts store.Options) (*RestoreResult, error) {
	format, err := DetectFormat(inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}
	result := &RestoreResult{Mode: mode, Format: format}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	tmpDir, err := os.MkdirTemp(filepath.Dir(dbPath), ".expstore-restore-")
	if err != nil {
		return nil, fmt.Errorf("failed to create restore directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	staged := filepath.Join(tmpDir, "restore.db")
	if err := stage(inputPath, staged, format, result); err != nil {
		return nil, err
	}

	version, err := store.ReadFileVersion(ctx, staged)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup schema version: %w", err)
	}
	if version > store.SchemaVersion {
		return nil, &store.VersionError{Path: inputPath, Found: version, Supported: store.SchemaVersion}
	}

	switch mode {
	case RestoreReplace:
		for _, suffix := range []string{"-wal", "-shm"} {
			if err := os.Remove(dbPath + suffix); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to remove %s: %w", dbPath+suffix, err)
			}
		}
		if err := os.Rename(staged, dbPath); err != nil {
			return nil, fmt.Errorf("failed to replace store: %w", err)
		}
		return result, nil

	case RestoreMerge:
		target, err := store.OpenContext(ctx, dbPath, opts)
		if err != nil {
			return nil, err
		}
		defer target.Close()

		donorOpts := opts
		donorOpts.Audit = nil
		donorOpts.NoMigrate = false
		donorOpts.OnVersionWarning = nil
		donor, err := store.OpenContext(ctx, staged, donorOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to open backup: %w", err)
		}
		defer donor.Close()

		result.Merge, err = target.Merge(ctx, donor, store.MergeOptions{})
		return result, err
	}
	return nil, fmt.Errorf("unknown restore mode %q", mode)
}

// stage copies the store held by inputPath to dest.
func stage(inputPath, dest string, format int, result *RestoreResult) error {
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}
	defer out.Close()

	switch format {
	case FormatV2:
		header, err := ReadV2(inputPath, out)
		if err != nil {
			return fmt.Errorf("failed to read backup: %w", err)
		}
		result.Header = header
	case FormatSQLite:
		in, err := os.Open(inputPath)
		if err != nil {
			return fmt.Errorf("failed to open backup: %w", err)
		}
		defer in.Close()
		if _, err := io.Copy(out, in); err != nil {
			return fmt.Errorf("failed to copy backup: %w", err)
		}
	default:
		return fmt.Errorf("unsupported backup format: %d", format)
	}
	return out.Sync()
}

// GenerateBackupPath creates a timestamped backup filename in the given directory.
func GenerateBackupPath(dir string) string {
	ts := time.Now().Format("20060102-150405")
	return filepath.Join(dir, FilePrefix+ts+FileExt)
}

func isBackupFile(name string) bool {
	return strings.HasPrefix(name, FilePrefix) && strings.HasSuffix(name, FileExt)
}
