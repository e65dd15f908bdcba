package main

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "codemode",
		Short: "Run model-written JavaScript against a tool API in a sandbox",
		Long: `codemode executes JavaScript written by a language model against a
registry of tools exposed as the global api object.

Scripts run in one of two isolation modes:
  - shared:  a hardened runtime inside the server process
  - process: a worker subprocess killed on timeout

The serve command exposes execution over MCP; run executes a single script.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to the config file (default: config.yaml in . or ./config)")
	cmd.CompletionOptions.DisableDefaultCmd = true

	cmd.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newModesCmd(),
		newWorkerCmd(),
	)
	return cmd
}
