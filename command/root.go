package command

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/portalgrid/relayer/command/relayer"
	"github.com/portalgrid/relayer/command/version"
)

// NewRootCommand returns the root command of the relayer CLI
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relayer",
		Short: "Cross-chain message relayer",
	}

	rootCmd.AddCommand(
		relayer.GetCommand(),
		version.GetCommand(),
	)

	return rootCmd
}

// Execute runs the CLI and exits with a non-zero code on error
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
