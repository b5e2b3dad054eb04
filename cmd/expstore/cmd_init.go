package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nvandessel/expstore/internal/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the store and a default config file",
		Long: `Create the store file if it does not exist and write a default
~/.expstore/config.yaml unless one is already present.

Examples:
  expstore init
  expstore init --db ./study.db --no-config`,
		RunE: func(cmd *cobra.Command, args []string) error {
			noConfig, _ := cmd.Flags().GetBool("no-config")

			st, _, closeStore, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			ver, err := st.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}

			configPath := ""
			if !noConfig {
				configPath, err = writeDefaultConfig()
				if err != nil {
					return err
				}
			}

			if jsonOutput(cmd) {
				return printJSON(cmd, map[string]any{
					"status":         "initialized",
					"path":           st.Path(),
					"schema_version": ver,
					"config":         configPath,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized store at %s (schema %d)\n", st.Path(), ver)
			if configPath != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  Config: %s\n", configPath)
			}
			return nil
		},
	}
	cmd.Flags().Bool("no-config", false, "Do not write a default config file")
	return cmd
}

// writeDefaultConfig writes config.yaml if missing and returns its path.
func writeDefaultConfig() (string, error) {
	path := filepath.Join(config.DefaultDir(), "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return "", fmt.Errorf("failed to encode default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}
	return path, nil
}
