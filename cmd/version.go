package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.olrik.dev/xpos/internal/core"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		// Needs no project configuration
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "xpos %s\n", core.FormatVersion(core.Version))
		},
	}
}
