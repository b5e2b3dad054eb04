package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nvandessel/expstore/internal/store"
)

func newMergeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge <donor.db>",
		Short: "Merge another store into this one",
		Long: `Copy the scopes, experiments, designs and measure runs of a donor store
into the target store. Each donor design is merged in its own transaction; a
design whose rows fail validation is rejected and reported while the others
proceed. Merging the same donor again only adds what is new.

Examples:
  expstore merge cluster-node-3.db
  expstore merge laptop.db --scope road_test`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scopeName, _ := cmd.Flags().GetString("scope")

			st, env, closeStore, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			ctx := cmd.Context()
			donor, err := store.OpenContext(ctx, args[0], store.Options{
				Logger:      env.log,
				BusyTimeout: env.cfg.Store.BusyTimeout,
				NoMigrate:   true,
			})
			if err != nil {
				var ve *store.VersionError
				if errors.As(err, &ve) && ve.Recoverable {
					return fmt.Errorf("%w (run 'expstore migrate --db %s' first)", err, args[0])
				}
				return fmt.Errorf("failed to open donor: %w", err)
			}
			defer donor.Close()

			report, mergeErr := st.Merge(ctx, donor, store.MergeOptions{Scope: scopeName})
			if report == nil {
				return mergeErr
			}
			if jsonOutput(cmd) {
				if err := printJSON(cmd, report); err != nil {
					return err
				}
				return mergeErr
			}
			printMergeReport(cmd.OutOrStdout(), report)
			return mergeErr
		},
	}
	cmd.Flags().String("scope", "", "Merge only this donor scope")
	return cmd
}

func printMergeReport(w io.Writer, report *store.MergeReport) {
	for _, name := range report.ScopesCreated {
		fmt.Fprintf(w, "Created scope %s\n", name)
	}
	for _, id := range report.SourcesAdded {
		fmt.Fprintf(w, "Added source %d\n", id)
	}
	for _, d := range report.Designs {
		label := d.Design
		if label == "" {
			label = "(no design)"
		}
		if d.Error != "" {
			fmt.Fprintf(w, "REJECTED %s/%s: %s\n", d.Scope, label, d.Error)
			continue
		}
		target := ""
		if d.TargetDesign != "" && d.TargetDesign != d.Design {
			target = " as " + d.TargetDesign
		}
		fmt.Fprintf(w, "Merged %s/%s%s: %d experiments, %d runs copied, %d already present\n",
			d.Scope, label, target, d.Experiments, d.RunsCopied, d.RunsSkipped)
	}
	for _, warning := range report.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
}
