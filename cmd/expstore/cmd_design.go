package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newDesignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "design",
		Short: "Inspect and delete named designs",
	}
	cmd.PersistentFlags().String("scope", "", "Scope name (may be omitted when the store holds one scope)")
	cmd.AddCommand(
		newDesignListCmd(),
		newDesignIDsCmd(),
		newDesignDeleteCmd(),
	)
	return cmd
}

func newDesignListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the designs of a scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			scopeName, _ := cmd.Flags().GetString("scope")
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
			names, err := st.ReadDesignNames(ctx, sc.Name)
			if err != nil {
				return err
			}

			type designRow struct {
				Name        string `json:"name"`
				Experiments int    `json:"experiments"`
			}
			rows := make([]designRow, 0, len(names))
			for _, name := range names {
				ids, err := st.ReadDesignExperimentIDs(ctx, sc.Name, name)
				if err != nil {
					return err
				}
				rows = append(rows, designRow{Name: name, Experiments: len(ids)})
			}

			if jsonOutput(cmd) {
				return printJSON(cmd, map[string]any{"scope": sc.Name, "designs": rows, "count": len(rows)})
			}
			if len(rows) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Scope %s has no designs.\n", sc.Name)
				return nil
			}
			for _, r := range rows {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %d experiments\n", r.Name, r.Experiments)
			}
			return nil
		},
	}
}

func newDesignIDsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ids <design>",
		Short: "Print the experiment ids of a design",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scopeName, _ := cmd.Flags().GetString("scope")
			st, _, closeStore, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			ids, err := st.ReadDesignExperimentIDs(cmd.Context(), scopeName, args[0])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd, map[string]any{"design": args[0], "experiment_ids": ids})
			}
			parts := make([]string, len(ids))
			for i, id := range ids {
				parts[i] = strconv.FormatInt(id, 10)
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(parts, "\n"))
			return nil
		},
	}
}

func newDesignDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <design>",
		Short: "Delete a design's membership",
		Long: `Delete a design. Only the design and its membership records are
removed. Experiment ids and recorded runs are kept, so the same inputs keep
their ids when submitted again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scopeName, _ := cmd.Flags().GetString("scope")
			st, _, closeStore, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			members, err := st.DeleteDesign(cmd.Context(), scopeName, args[0])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd, map[string]any{"status": "deleted", "design": args[0], "members": members})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted design %s (%d memberships removed)\n", args[0], members)
			return nil
		},
	}
}
