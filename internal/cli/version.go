package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the oipd version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Printf("oipd %s\n", Version)
	},
}
