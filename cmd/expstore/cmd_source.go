package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nvandessel/expstore/internal/store"
)

func newSourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Manage computational sources",
		Long: `Sources are the producers of measure values. Source 0 is the core model
and always exists; metamodels are registered under positive ids.`,
	}
	cmd.AddCommand(newSourceRegisterCmd(), newSourceListCmd())
	return cmd
}

func newSourceRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <label>",
		Short: "Register a metamodel source",
		Long: `Register a metamodel. With --id the source takes that id; re-registering
an id with the same label is a no-op. Without --id the next free id is used.

Examples:
  expstore source register "gp metamodel" --id 1
  expstore source register "random forest"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetInt64("id")

			st, _, closeStore, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			var src store.Source
			if id > 0 {
				src, err = st.RegisterSource(cmd.Context(), id, args[0])
			} else {
				src, err = st.NewSource(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd, src)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s\n", src)
			return nil
		},
	}
	cmd.Flags().Int64("id", 0, "Source id to register (default: next free id)")
	return cmd
}

func newSourceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, closeStore, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			sources, err := st.ReadSources(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd, map[string]any{"sources": sources, "count": len(sources)})
			}
			for _, src := range sources {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%-9s %s\n", strconv.FormatInt(src.ID, 10), src.Kind, src.Label)
			}
			return nil
		},
	}
}
