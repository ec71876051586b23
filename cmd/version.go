package cmd

import (
	"fmt"

	"github.com/Sistav/Evil-Bot/evilbot"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"version=%s commit=%s built: %s\n",
			evilbot.Version,
			evilbot.CommitSHA,
			evilbot.BuildTime,
		)
	},
}

//nolint:gochecknoinits // cobra wiring
func init() {
	rootCmd.AddCommand(versionCmd)
}
