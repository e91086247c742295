package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupRoots []string

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove orphaned worktrees",
	Long: `Scans repositories referenced by persisted plans (plus any --root
directories that contain a worktree dir) and removes worktree directories
that are neither git-registered nor referenced by any plan.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(loadedConfig)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.runner.LoadAll(); err != nil {
			return err
		}

		report := a.runner.CleanupOrphans(context.Background(), cleanupRoots)
		fmt.Printf("scanned %d, removed %d\n", len(report.Scanned), len(report.Removed))
		for _, removed := range report.Removed {
			fmt.Println("removed", removed)
		}
		for _, e := range report.Errors {
			fmt.Println("error:", e)
		}
		return nil
	},
}

func init() {
	cleanupCmd.Flags().StringSliceVar(&cleanupRoots, "root", nil, "extra workspace roots to scan")
	rootCmd.AddCommand(cleanupCmd)
}
