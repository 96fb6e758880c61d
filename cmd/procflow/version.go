package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/procflow/internal/observability"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "procflow %s (commit %s)\n", observability.Version, observability.Commit)
	},
}
