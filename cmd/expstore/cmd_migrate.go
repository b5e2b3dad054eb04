package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nvandessel/expstore/internal/store"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Upgrade an older store layout to the current schema",
		Long: `Report or upgrade the store's schema version. With --check the file is
only inspected. Otherwise an older layout is migrated in place, even when
auto_migrate is off in config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			check, _ := cmd.Flags().GetBool("check")

			env, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			defer env.close()

			ctx := cmd.Context()
			path := env.cfg.Store.Path
			found, err := store.ReadFileVersion(ctx, path)
			if err != nil {
				return err
			}

			if check {
				if jsonOutput(cmd) {
					return printJSON(cmd, map[string]any{
						"path":            path,
						"schema_version":  found,
						"supported":       store.SchemaVersion,
						"needs_migration": found > 0 && found < store.SchemaVersion,
					})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: schema %d (this build supports %d)\n", path, found, store.SchemaVersion)
				return nil
			}

			opts := env.storeOptions(cmd)
			opts.NoMigrate = false
			st, err := store.OpenContext(ctx, path, opts)
			if err != nil {
				return err
			}
			defer st.Close()

			warnings := st.Warnings()
			if jsonOutput(cmd) {
				return printJSON(cmd, map[string]any{
					"path":     path,
					"from":     found,
					"to":       store.SchemaVersion,
					"migrated": len(warnings) > 0,
				})
			}
			if len(warnings) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is already at schema %d\n", path, store.SchemaVersion)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %s from schema %d to %d\n", path, found, store.SchemaVersion)
			return nil
		},
	}
	cmd.Flags().Bool("check", false, "Only report the schema version")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show row counts of the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, closeStore, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			stats, err := st.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd, map[string]any{"path": st.Path(), "stats": stats})
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Store: %s (schema %d)\n", st.Path(), stats.SchemaVersion)
			fmt.Fprintf(w, "  Scopes:      %d\n", stats.Scopes)
			fmt.Fprintf(w, "  Experiments: %d\n", stats.Experiments)
			fmt.Fprintf(w, "  Designs:     %d\n", stats.Designs)
			fmt.Fprintf(w, "  Sources:     %d\n", stats.Sources)
			fmt.Fprintf(w, "  Runs:        %d\n", stats.Runs)
			fmt.Fprintf(w, "  Values:      %d\n", stats.Values)
			return nil
		},
	}
}
