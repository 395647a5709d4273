package version

import (
	"github.com/spf13/cobra"

	"github.com/portalgrid/relayer/versioning"
)

// GetCommand returns the version command
func GetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Returns the current relayer version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(versioning.Version)
		},
	}
}
