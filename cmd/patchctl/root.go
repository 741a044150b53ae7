package main

import (
	"github.com/spf13/cobra"

	"github.com/danmuck/patchnet/internal/logging"
)

// RootCmd is the base command when patchctl is called without subcommands.
var RootCmd = &cobra.Command{
	Use:           "patchctl",
	Short:         "Inspect and simulate patchnet modules.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.ConfigureRuntime()
	},
}
