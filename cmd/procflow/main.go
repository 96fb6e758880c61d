// Package main is the procflow command: the workflow API server and its
// offline tooling.
//
// Version and commit are set at build time:
//
//	go build -ldflags "-X github.com/pitabwire/procflow/internal/observability.Version=1.0.0 \
//	  -X github.com/pitabwire/procflow/internal/observability.Commit=abc1234"
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "procflow",
	Short: "Approval workflow engine",
	Long: `procflow runs approval processes described as YAML graphs of nodes and
transitions, attached to domain objects.

Examples:
  # Check process definitions without starting the server
  procflow validate --config config.yaml

  # Serve the HTTP API
  procflow serve --config config.yaml

  # Mint a development token for a user
  procflow token alice`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}
