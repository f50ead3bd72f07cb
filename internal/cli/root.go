// Package cli wires the oipd commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "oipd",
	Short: "Decentralized record indexing and publishing node",
	Long: `oipd indexes templated records from the permanent ledger and the
peer graph, serves them over HTTP, and publishes signed records to
either backend.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to oipd.toml")
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
