package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nvandessel/expstore/internal/store"
	"github.com/nvandessel/expstore/internal/tabular"
)

// frameReader is one of the store's frame reads.
type frameReader func(ctx context.Context, scopeName string, q store.Query) (*store.Frame, error)

func newReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Export inputs and measures of a scope or design",
		Long: `Read inputs joined with measure values. With --runs current every
selected experiment gets one row and pending measures are empty.

Examples:
  expstore read --design lhs
  expstore read --design lhs --measures cost --only-pending
  expstore read --design lhs --source 1 --format arrow --output lhs.arrow`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFrameRead(cmd, func(st *store.Store) frameReader { return st.ReadAll })
		},
	}
	addQueryFlags(cmd)
	return cmd
}

func addQueryFlags(cmd *cobra.Command) {
	cmd.Flags().String("scope", "", "Scope name (may be omitted when the store holds one scope)")
	cmd.Flags().String("design", "", "Design to read (default: every experiment of the scope)")
	cmd.Flags().Int64Slice("ids", nil, "Restrict to these experiment ids")
	cmd.Flags().StringSlice("measures", nil, "Measures to read (default: all declared)")
	cmd.Flags().Int64("source", -1, "Read values from this source id (default: resolve automatically)")
	cmd.Flags().String("runs", "current", "Run history: current, valid or all")
	cmd.Flags().Bool("only-pending", false, "Keep experiments missing at least one selected measure")
	cmd.Flags().String("format", "", "Output format: csv, json or arrow (default csv, json with --json)")
	cmd.Flags().String("output", "", "Output file (default: stdout)")
}

func queryFromFlags(cmd *cobra.Command) (store.Query, error) {
	design, _ := cmd.Flags().GetString("design")
	ids, _ := cmd.Flags().GetInt64Slice("ids")
	measures, _ := cmd.Flags().GetStringSlice("measures")
	source, _ := cmd.Flags().GetInt64("source")
	runsFlag, _ := cmd.Flags().GetString("runs")
	onlyPending, _ := cmd.Flags().GetBool("only-pending")

	runs, err := store.ParseRunsMode(runsFlag)
	if err != nil {
		return store.Query{}, err
	}
	q := store.Query{
		Design:        design,
		ExperimentIDs: ids,
		Measures:      measures,
		Runs:          runs,
		OnlyPending:   onlyPending,
	}
	if source >= 0 {
		q.Source = store.SourceRef(source)
	}
	return q, nil
}

func outputFormat(cmd *cobra.Command) (tabular.Format, error) {
	f, _ := cmd.Flags().GetString("format")
	if f == "" && jsonOutput(cmd) {
		return tabular.FormatJSON, nil
	}
	return tabular.ParseFormat(f)
}

func runFrameRead(cmd *cobra.Command, pick func(*store.Store) frameReader) error {
	scopeName, _ := cmd.Flags().GetString("scope")
	outPath, _ := cmd.Flags().GetString("output")
	q, err := queryFromFlags(cmd)
	if err != nil {
		return err
	}
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}

	st, _, closeStore, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx := cmd.Context()
	sc, err := st.ReadScope(ctx, scopeName)
	if err != nil {
		return err
	}
	frame, err := pick(st)(ctx, sc.Name, q)
	if err != nil {
		return err
	}

	w, err := openOutput(cmd, outPath)
	if err != nil {
		return err
	}
	if err := tabular.Write(w, format, frame, sc); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if outPath != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d rows to %s\n", frame.Len(), outPath)
	}
	return nil
}
