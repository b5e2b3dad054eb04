package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nvandessel/expstore/internal/store"
	"github.com/nvandessel/expstore/internal/tabular"
)

func newMeasuresCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "measures",
		Short: "Record and read measure values",
	}
	cmd.AddCommand(
		newMeasuresWriteCmd(),
		newMeasuresReadCmd(),
		newMeasuresSourcesCmd(),
	)
	return cmd
}

func newMeasuresWriteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "write <measures.csv|->",
		Short: "Record one run per CSV row from a source",
		Long: `Record measure values. Each row names its experiment by an experiment_id
column or by its input values; unseen inputs mint a new experiment. Measures a
row leaves empty keep their current values.

Examples:
  expstore measures write results.csv
  expstore measures write gp.csv --source 1
  expstore measures write failed.csv --invalid`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scopeName, _ := cmd.Flags().GetString("scope")
			source, _ := cmd.Flags().GetInt64("source")
			invalid, _ := cmd.Flags().GetBool("invalid")

			st, _, closeStore, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			sc, rows, err := readScopedTable(cmd, st, scopeName, args[0])
			if err != nil {
				return err
			}
			recs, err := tabular.MeasureRecords(sc, rows)
			if err != nil {
				return err
			}
			for i := range recs {
				recs[i].Invalid = invalid
			}
			ids, err := st.WriteMeasures(cmd.Context(), sc.Name, source, recs)
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(cmd, map[string]any{
					"scope":          sc.Name,
					"source":         source,
					"runs":           len(ids),
					"experiment_ids": ids,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recorded %d runs from source %d in scope %s\n", len(ids), source, sc.Name)
			return nil
		},
	}
	cmd.Flags().String("scope", "", "Scope name (may be omitted when the store holds one scope)")
	cmd.Flags().Int64("source", store.CoreSource, "Source id that produced the values")
	cmd.Flags().Bool("invalid", false, "Mark every run as failed")
	addInputFormatFlag(cmd)
	return cmd
}

func newMeasuresReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Export measure values of a scope or design",
		Long: `Read measure values. When more than one source has written a measure
the read fails and lists the sources; pass --source to pick one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFrameRead(cmd, func(st *store.Store) frameReader { return st.ReadMeasures })
		},
	}
	addQueryFlags(cmd)
	return cmd
}

func newMeasuresSourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List the sources holding measure values",
		RunE: func(cmd *cobra.Command, args []string) error {
			scopeName, _ := cmd.Flags().GetString("scope")
			design, _ := cmd.Flags().GetString("design")

			st, _, closeStore, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			ctx := cmd.Context()
			ids, err := st.ReadMeasureSources(ctx, scopeName, design)
			if err != nil {
				return err
			}
			sources := make([]store.Source, 0, len(ids))
			for _, id := range ids {
				src, err := st.ReadSource(ctx, id)
				if err != nil {
					return err
				}
				sources = append(sources, src)
			}

			if jsonOutput(cmd) {
				return printJSON(cmd, map[string]any{"sources": sources, "count": len(sources)})
			}
			if len(sources) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No measure values recorded.")
				return nil
			}
			for _, src := range sources {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n", src.ID, src.Kind, src.Label)
			}
			return nil
		},
	}
	cmd.Flags().String("scope", "", "Scope name (may be omitted when the store holds one scope)")
	cmd.Flags().String("design", "", "Restrict to one design")
	return cmd
}

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <experiments.csv|->",
		Short: "Write inputs and measures together as a design",
		Long: `Import a table holding both input and measure columns in one
transaction: the inputs become a design and the measures one run per row.

Examples:
  expstore import past_runs.csv --design legacy
  expstore --db other.db import all.arrow --format arrow --design copied`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scopeName, _ := cmd.Flags().GetString("scope")
			design, _ := cmd.Flags().GetString("design")
			source, _ := cmd.Flags().GetInt64("source")

			st, _, closeStore, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			sc, rows, err := readScopedTable(cmd, st, scopeName, args[0])
			if err != nil {
				return err
			}
			chosen, frame, err := st.WriteExperimentAll(cmd.Context(), sc.Name, design, source, rows)
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(cmd, map[string]any{
					"scope":          sc.Name,
					"design":         chosen,
					"source":         source,
					"experiment_ids": frame.ExperimentIDs(),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported design %s: %d experiments\n", chosen, frame.Len())
			return nil
		},
	}
	cmd.Flags().String("scope", "", "Scope name (may be omitted when the store holds one scope)")
	cmd.Flags().String("design", "", "Design name")
	cmd.Flags().Int64("source", store.CoreSource, "Source id that produced the values")
	addInputFormatFlag(cmd)
	_ = cmd.MarkFlagRequired("design")
	return cmd
}
