package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nvandessel/expstore/internal/scope"
)

func newScopeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scope",
		Short: "Manage scope definitions",
	}
	cmd.AddCommand(
		newScopeStoreCmd(),
		newScopeUpdateCmd(),
		newScopeShowCmd(),
		newScopeListCmd(),
		newScopeVersionsCmd(),
		newScopeDeleteCmd(),
	)
	return cmd
}

func newScopeStoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "store <scope.yaml>",
		Short: "Register a scope from a YAML file",
		Long: `Register a scope. Storing an identical definition again is a no-op;
a different definition under an existing name is rejected (use update).

Examples:
  expstore scope store road_test.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return storeScopeFile(cmd, args[0], false)
		},
	}
}

func newScopeUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update <scope.yaml>",
		Short: "Replace a scope with an additive revision",
		Long: `Update a stored scope. The new definition may add measures and input
variables with defaults; existing variables must keep their dtype and role.
Earlier definitions stay available through 'scope versions'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return storeScopeFile(cmd, args[0], true)
		},
	}
}

func storeScopeFile(cmd *cobra.Command, path string, update bool) error {
	sc, err := scope.Load(path)
	if err != nil {
		return err
	}
	st, _, closeStore, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	action := "stored"
	if update {
		action = "updated"
		err = st.UpdateScope(cmd.Context(), sc)
	} else {
		err = st.StoreScope(cmd.Context(), sc)
	}
	if err != nil {
		return err
	}

	if jsonOutput(cmd) {
		return printJSON(cmd, map[string]any{
			"status":   action,
			"scope":    sc.Name,
			"inputs":   len(sc.Inputs),
			"measures": len(sc.Measures),
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Scope %s %s: %d inputs, %d measures\n", sc.Name, action, len(sc.Inputs), len(sc.Measures))
	return nil
}

func newScopeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [name]",
		Short: "Print a stored scope as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, closeStore, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			sc, err := st.ReadScope(cmd.Context(), argOrEmpty(args))
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd, sc)
			}
			data, err := scope.Marshal(sc)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newScopeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored scopes",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, closeStore, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			names, err := st.ReadScopeNames(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				if names == nil {
					names = []string{}
				}
				return printJSON(cmd, map[string]any{"scopes": names, "count": len(names)})
			}
			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No scopes stored.")
				return nil
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newScopeVersionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions [name]",
		Short: "List the content history of a scope",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, closeStore, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			versions, err := st.ReadScopeVersions(cmd.Context(), argOrEmpty(args))
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd, versions)
			}
			for _, v := range versions {
				fmt.Fprintf(cmd.OutOrStdout(), "v%d  %s  %s  %d inputs, %d measures\n",
					v.Version, shortHash(v.ContentHash), v.CreatedAt, len(v.Scope.Inputs), len(v.Scope.Measures))
			}
			return nil
		},
	}
}

func newScopeDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a scope with all its experiments, designs and values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return fmt.Errorf("refusing to delete scope %s without --yes", args[0])
			}
			st, _, closeStore, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := st.DeleteScope(cmd.Context(), args[0]); err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd, map[string]any{"status": "deleted", "scope": args[0]})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted scope %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().Bool("yes", false, "Confirm deletion")
	return cmd
}

func argOrEmpty(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
