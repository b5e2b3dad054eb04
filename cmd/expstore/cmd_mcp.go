package main

import (
	"github.com/spf13/cobra"

	"github.com/nvandessel/expstore/internal/mcp"
)

func newMCPServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve read access to the store over MCP (stdio)",
		Long: `Run a Model Context Protocol server on stdin/stdout exposing the tools
expstore_scopes, expstore_designs, expstore_sources, expstore_read and
expstore_stats. Logs go to stderr.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			defer env.close()

			server, err := mcp.NewServer(&mcp.Config{
				Name:         "expstore",
				Version:      version,
				DBPath:       env.cfg.Store.Path,
				StoreOptions: env.storeOptions(cmd),
				Logger:       env.log,
			})
			if err != nil {
				return err
			}
			defer server.Close()

			return server.Run(cmd.Context())
		},
	}
}
