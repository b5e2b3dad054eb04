package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nvandessel/expstore/internal/scope"
	"github.com/nvandessel/expstore/internal/store"
	"github.com/nvandessel/expstore/internal/tabular"
)

func newParamsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "params",
		Short: "Write and read experiment designs",
	}
	cmd.AddCommand(newParamsWriteCmd(), newParamsReadCmd())
	return cmd
}

func newParamsWriteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "write <design.csv|->",
		Short: "Register a table of input values as a named design",
		Long: `Register rows of input values as a design. Rows whose inputs match an
existing experiment reuse its id. If the design name is taken by a different
set of experiments the design is stored under the next free name, which is
printed.

Examples:
  expstore params write lhs.csv --design lhs
  cat lhs.csv | expstore params write - --scope road_test --design lhs
  expstore params write frame.arrow --format arrow --design lhs`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scopeName, _ := cmd.Flags().GetString("scope")
			design, _ := cmd.Flags().GetString("design")

			st, _, closeStore, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			ctx := cmd.Context()
			sc, rows, err := readScopedTable(cmd, st, scopeName, args[0])
			if err != nil {
				return err
			}
			chosen, frame, err := st.WriteParameters(ctx, sc.Name, design, rows)
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(cmd, map[string]any{
					"scope":          sc.Name,
					"design":         chosen,
					"requested":      design,
					"experiment_ids": frame.ExperimentIDs(),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote design %s: %d experiments\n", chosen, frame.Len())
			if chosen != design {
				fmt.Fprintf(cmd.OutOrStdout(), "  Name %s was taken by a different design\n", design)
			}
			return nil
		},
	}
	cmd.Flags().String("scope", "", "Scope name (may be omitted when the store holds one scope)")
	cmd.Flags().String("design", "", "Design name")
	addInputFormatFlag(cmd)
	_ = cmd.MarkFlagRequired("design")
	return cmd
}

func newParamsReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Export the inputs of a scope or design",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFrameRead(cmd, func(st *store.Store) frameReader { return st.ReadParameters })
		},
	}
	addQueryFlags(cmd)
	return cmd
}

// readScopedTable resolves the scope and reads a table typed by it, in the
// format named by the --format flag.
func readScopedTable(cmd *cobra.Command, st *store.Store, scopeName, path string) (*scope.Scope, []map[string]any, error) {
	name, _ := cmd.Flags().GetString("format")
	format, err := tabular.ParseFormat(name)
	if err != nil {
		return nil, nil, err
	}
	sc, err := st.ReadScope(cmd.Context(), scopeName)
	if err != nil {
		return nil, nil, err
	}
	in, err := openInput(cmd, path)
	if err != nil {
		return nil, nil, err
	}
	defer in.Close()

	rows, err := tabular.ReadTable(in, format, sc)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return sc, rows, nil
}

func addInputFormatFlag(cmd *cobra.Command) {
	cmd.Flags().String("format", "csv", "Input format: csv or arrow")
}
