// internal/commands/show.go
package kiln

import (
	"github.com/spf13/cobra"
)

// showCmd groups the inspection subcommands.
var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show details about the current setup",
}

func init() {
	rootCmd.AddCommand(showCmd)
}
