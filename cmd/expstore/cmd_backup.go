package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nvandessel/expstore/internal/backup"
	"github.com/nvandessel/expstore/internal/config"
	"github.com/nvandessel/expstore/internal/store"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, restore and verify store backups",
	}
	cmd.AddCommand(
		newBackupCreateCmd(),
		newBackupRestoreCmd(),
		newBackupVerifyCmd(),
		newBackupListCmd(),
	)
	return cmd
}

func backupDir(cfg *config.ExpstoreConfig) (string, error) {
	if cfg.Backup.Dir != "" {
		return cfg.Backup.Dir, nil
	}
	return backup.DefaultBackupDir()
}

func newBackupCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Snapshot the store to a compressed backup file",
		Long: `Snapshot the store into a gzip-compressed backup with a checksummed
header. Backups in the backup directory are pruned by the retention policy
from config (default: keep the last 10).

Examples:
  expstore backup create
  expstore backup create --output before-merge.db.gz`,
		RunE: func(cmd *cobra.Command, args []string) error {
			outputPath, _ := cmd.Flags().GetString("output")

			st, env, closeStore, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			dir, err := backupDir(env.cfg)
			if err != nil {
				return err
			}
			if outputPath == "" {
				outputPath = backup.GenerateBackupPath(dir)
			}

			header, err := backup.Backup(cmd.Context(), st, outputPath)
			if err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			retention, err := backup.NewRetention(env.cfg.Backup.MaxCount, env.cfg.Backup.MaxAge, env.cfg.Backup.MaxSize)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: invalid retention policy: %v\n", err)
			} else if deleted, err := backup.Prune(filepath.Dir(outputPath), retention, time.Now()); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: failed to apply retention: %v\n", err)
			} else if len(deleted) > 0 {
				env.log.Info("pruned backups", "count", len(deleted))
			}

			if jsonOutput(cmd) {
				var sizeBytes int64
				if info, err := os.Stat(outputPath); err == nil {
					sizeBytes = info.Size()
				}
				return printJSON(cmd, map[string]any{
					"path":       outputPath,
					"header":     header,
					"size_bytes": sizeBytes,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup created: %d scopes, %d experiments, %d runs\n",
				header.Scopes, header.Experiments, header.Runs)
			fmt.Fprintf(cmd.OutOrStdout(), "  Path: %s\n", outputPath)
			return nil
		},
	}
	cmd.Flags().String("output", "", "Output file path (default: auto-generated in the backup directory)")
	return cmd
}

func newBackupRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <file>",
		Short: "Restore a backup into the store",
		Long: `Restore a backup or a bare store file. Merge mode (the default) folds
the backup into the current store with the merge engine. Replace mode swaps
the store file for the backup's snapshot.

Examples:
  expstore backup restore ~/.expstore/backups/expstore-backup-20260301-120000.db.gz
  expstore backup restore old.db.gz --mode replace`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modeFlag, _ := cmd.Flags().GetString("mode")
			mode, err := backup.ParseRestoreMode(modeFlag)
			if err != nil {
				return err
			}

			env, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			defer env.close()

			result, restoreErr := backup.Restore(cmd.Context(), args[0], env.cfg.Store.Path, mode, env.storeOptions(cmd))
			if result == nil {
				return restoreErr
			}
			if jsonOutput(cmd) {
				if err := printJSON(cmd, result); err != nil {
					return err
				}
				return restoreErr
			}
			if result.Merge != nil {
				printMergeReport(cmd.OutOrStdout(), result.Merge)
			}
			if restoreErr == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Restored %s into %s (%s)\n", args[0], env.cfg.Store.Path, result.Mode)
			}
			return restoreErr
		},
	}
	cmd.Flags().String("mode", string(backup.RestoreMerge), "Restore mode: merge or replace")
	return cmd
}

func newBackupVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file>",
		Short: "Verify backup file integrity",
		Long: `Verify a backup by checking its SHA-256 checksum. A bare store file has
no checksum; its schema version is reported instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filePath := args[0]

			format, err := backup.DetectFormat(filePath)
			if err != nil {
				return fmt.Errorf("failed to detect format: %w", err)
			}

			if format == backup.FormatSQLite {
				ver, err := store.ReadFileVersion(cmd.Context(), filePath)
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(cmd, map[string]any{
						"file": filePath, "format": format, "valid": true, "schema_version": ver,
					})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Bare store file (schema %d): no checksum to verify\n", ver)
				return nil
			}

			header, err := backup.VerifyChecksum(filePath)
			if err != nil {
				if jsonOutput(cmd) {
					if perr := printJSON(cmd, map[string]any{"file": filePath, "format": format, "valid": false, "error": err.Error()}); perr != nil {
						return perr
					}
				}
				return fmt.Errorf("verification failed: %w", err)
			}
			if jsonOutput(cmd) {
				return printJSON(cmd, map[string]any{"file": filePath, "format": format, "valid": true, "header": header})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup OK: schema %d, %d scopes, %d experiments, %d runs\n",
				header.SchemaVersion, header.Scopes, header.Experiments, header.Runs)
			fmt.Fprintf(cmd.OutOrStdout(), "  Created: %s\n", header.CreatedAt.Format("2006-01-02 15:04:05"))
			return nil
		},
	}
}

func newBackupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backups in the backup directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			defer env.close()

			dir, err := backupDir(env.cfg)
			if err != nil {
				return err
			}
			backups, err := backup.ListBackups(dir)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				if backups == nil {
					backups = []backup.Entry{}
				}
				return printJSON(cmd, map[string]any{"dir": dir, "backups": backups, "count": len(backups)})
			}
			if len(backups) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No backups in %s\n", dir)
				return nil
			}
			for _, b := range backups {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s  schema v%d  %s\n",
					b.CreatedAt.Format("2006-01-02 15:04:05"), filepath.Base(b.Path),
					humanize.IBytes(uint64(b.Size)), b.SchemaVersion, b.Source)
			}
			return nil
		},
	}
}
