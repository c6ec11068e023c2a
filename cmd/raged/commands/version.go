package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mfittko/rag-stack/internal/version"
)

// NewVersionCmd constructs the `raged version` command.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("raged %s (commit %s, built %s)\n",
				version.Version, version.Commit, version.BuildDate)
		},
	}
}
