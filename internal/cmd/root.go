// Package cmd wires the reprl-harness subcommands onto a cobra root
// command, following the same addXCommands(cmd) composition the larger
// CLI this project borrows its shape from uses.
package cmd

import (
	"github.com/spf13/cobra"
)

// Version is overwritten at build time via -ldflags.
var Version = "dev"

// NewRootCmd builds the full reprl-harness command tree.
func NewRootCmd() *cobra.Command {
	cmd := newRootCmd()
	addRunCommand(cmd)
	addCoverageCommands(cmd)
	addVersionCommand(cmd)
	return cmd
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "reprl-harness",
		Short:         "Drive an instrumented JS engine over the REPRL protocol",
		Long:          "reprl-harness runs scripts against a REPRL-speaking JS engine shell and manages its coverage map, outside of any larger fuzzing loop.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	return rootCmd
}

// Execute runs the CLI with os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}
