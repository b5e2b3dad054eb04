package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nvandessel/expstore/internal/config"
	"github.com/nvandessel/expstore/internal/logging"
	"github.com/nvandessel/expstore/internal/store"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "expstore",
		Short: "Experiment store for exploratory modeling studies",
		Long: `expstore keeps the experiments of exploratory modeling studies in a
single SQLite file.

It registers scopes, deduplicates experiments by their input values,
names designs, records measure runs from the core model and metamodels,
and merges stores produced on other machines.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().String("db", "", "Store file (default from config, ~/.expstore/expstore.db)")
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: info, debug or trace")
	rootCmd.PersistentFlags().Bool("no-migrate", false, "Refuse to migrate an older store layout")

	rootCmd.AddCommand(
		newVersionCmd(),
		newInitCmd(),
		newScopeCmd(),
		newDesignCmd(),
		newParamsCmd(),
		newMeasuresCmd(),
		newImportCmd(),
		newReadCmd(),
		newSourceCmd(),
		newMergeCmd(),
		newBackupCmd(),
		newMigrateCmd(),
		newStatsCmd(),
		newMCPServerCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput(cmd) {
				return printJSON(cmd, map[string]any{
					"version":        version,
					"schema_version": store.SchemaVersion,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expstore version %s (schema %d)\n", version, store.SchemaVersion)
			return nil
		},
	}
}

// appEnv is the resolved configuration for one command invocation.
type appEnv struct {
	cfg   *config.ExpstoreConfig
	log   *slog.Logger
	audit *logging.AuditLog
}

// loadEnv loads config, applies the global flags and builds the logger.
func loadEnv(cmd *cobra.Command) (*appEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Store.Path = db
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if noMigrate, _ := cmd.Flags().GetBool("no-migrate"); noMigrate {
		cfg.Store.AutoMigrate = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &appEnv{
		cfg:   cfg,
		log:   logging.NewLogger(cfg.Logging.Level, cmd.ErrOrStderr()),
		audit: logging.NewAuditLog(cfg.AuditPath(), cfg.Logging.Level),
	}, nil
}

func (e *appEnv) storeOptions(cmd *cobra.Command) store.Options {
	return store.Options{
		Logger:      e.log,
		Audit:       e.audit,
		BusyTimeout: e.cfg.Store.BusyTimeout,
		NoMigrate:   !e.cfg.Store.AutoMigrate,
		OnVersionWarning: func(w store.VersionWarning) error {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
			return nil
		},
	}
}

func (e *appEnv) close() {
	e.audit.Close()
}

// openStore opens the configured store. The returned func closes it.
func openStore(cmd *cobra.Command) (*store.Store, *appEnv, func(), error) {
	env, err := loadEnv(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	st, err := store.OpenContext(cmd.Context(), env.cfg.Store.Path, env.storeOptions(cmd))
	if err != nil {
		env.close()
		return nil, nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, env, func() {
		st.Close()
		env.close()
	}, nil
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// openInput opens path for reading; "-" is stdin.
func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return f, nil
}

// openOutput opens path for writing; empty is stdout.
func openOutput(cmd *cobra.Command, path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopWriteCloser{cmd.OutOrStdout()}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return f, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
