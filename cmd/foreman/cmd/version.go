package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Printf("foreman %s (commit %s, built %s)\n",
			versionInfo.version, versionInfo.commit, versionInfo.date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
