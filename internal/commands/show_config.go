// internal/commands/show_config.go
package kiln

import (
	"github.com/k0kubun/pp"
	"github.com/mwiater/kiln/internal/appconfig"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var showConfigFull bool

// showConfigCmd implements the 'show config' command, which displays the current configuration settings.
var showConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show config settings",
	Long:  `Show config settings ensuring that the JSON config is loaded properly and overridden by flags accordingly.`,
	Run: func(cmd *cobra.Command, args []string) {
		if showConfigFull {
			pp.Println(GetConfig())
			return
		}
		appconfig.ShowConfig(cmd.OutOrStdout(), viper.ConfigFileUsed(), GetConfig())
	},
}

func init() {
	showConfigCmd.Flags().BoolVar(&showConfigFull, "full", false, "dump every config field")
	showCmd.AddCommand(showConfigCmd)
}
