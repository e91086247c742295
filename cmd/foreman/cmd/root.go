// Package cmd implements the foreman command tree.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/JeromySt/foreman/internal/config"
	"github.com/JeromySt/foreman/internal/logging"
)

var (
	cfgFile  string
	logLevel string

	loadedConfig *config.Config
	logger       *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Orchestrate plans of agent-executed code-modification jobs",
	Long: `Foreman runs plans: DAGs of jobs, each executed by an external coding
agent CLI (or a shell command) inside an isolated git worktree, then merged
back into the plan's target branch. Plans persist across restarts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return initApp()
	},
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default foreman.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initApp() error {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	loadedConfig = cfg

	logger = logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	return nil
}

var versionInfo = struct {
	version string
	commit  string
	date    string
}{"dev", "none", "unknown"}

// SetVersion injects build metadata from main.
func SetVersion(version, commit, date string) {
	versionInfo.version = version
	versionInfo.commit = commit
	versionInfo.date = date
}
