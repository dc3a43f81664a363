package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildVersion is overridden at release-build time via -ldflags.
var buildVersion = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the mboxsync version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("mboxsync " + buildVersion)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
