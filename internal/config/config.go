package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Storage StorageConfig `mapstructure:"storage"`
	Git     GitConfig     `mapstructure:"git"`
	Runner  RunnerConfig  `mapstructure:"runner"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Server  ServerConfig  `mapstructure:"server"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StorageConfig configures plan persistence.
type StorageConfig struct {
	// Root is the storage root holding one directory per plan.
	Root string `mapstructure:"root"`
	// IndexPath overrides the sqlite job index location (default
	// <root>/index.db).
	IndexPath string `mapstructure:"index_path"`
}

// GitConfig configures git and worktree behavior.
type GitConfig struct {
	// WorktreeRoot is the per-repo directory for job worktrees.
	WorktreeRoot string `mapstructure:"worktree_root"`
	// BranchPrefix prefixes generated feature branches.
	BranchPrefix string `mapstructure:"branch_prefix"`
	// SymlinkDirs are directories symlinked from the main repo into each
	// worktree during setup (e.g. node_modules, .venv).
	SymlinkDirs []string `mapstructure:"symlink_dirs"`
	// KeepWorktreesOnDelete leaves worktrees in place when a plan is
	// deleted.
	KeepWorktreesOnDelete bool `mapstructure:"keep_worktrees_on_delete"`
	// CommandTimeout bounds individual git invocations.
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// RunnerConfig configures the plan runner.
type RunnerConfig struct {
	// PumpInterval is the supervisor tick.
	PumpInterval time.Duration `mapstructure:"pump_interval"`
	// KillGrace is handed to the runner and executor configs. Canceled
	// subprocesses are killed by the process gateway after its own fixed
	// 5 s SIGTERM-to-SIGKILL window, which this value does not change.
	KillGrace time.Duration `mapstructure:"kill_grace"`
	// CleanupDelay defers the startup orphaned-worktree scan.
	CleanupDelay time.Duration `mapstructure:"cleanup_delay"`
	// GlobalMaxRunning caps running executors across all plans (0 means
	// unlimited).
	GlobalMaxRunning int `mapstructure:"global_max_running"`
}

// AgentConfig configures the external coding agent CLI.
type AgentConfig struct {
	// Path is the agent CLI binary (may be multi-word, e.g. "gh copilot").
	Path string `mapstructure:"path"`
	// Models maps tiers (fast, standard, premium) to concrete model names.
	Models map[string]string `mapstructure:"models"`
	// Timeout is loaded and defaulted with the config; agent runs are not
	// bounded by it.
	Timeout time.Duration `mapstructure:"timeout"`
}

// ServerConfig configures the status HTTP API.
type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Storage: StorageConfig{
			Root: ".foreman/plans",
		},
		Git: GitConfig{
			WorktreeRoot:   ".worktrees",
			BranchPrefix:   "foreman_plan",
			CommandTimeout: 60 * time.Second,
		},
		Runner: RunnerConfig{
			PumpInterval: time.Second,
			KillGrace:    5 * time.Second,
			CleanupDelay: 2 * time.Second,
		},
		Agent: AgentConfig{
			Path:    "claude",
			Timeout: 3 * time.Hour,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:7466",
		},
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root cannot be empty")
	}
	if c.Git.WorktreeRoot == "" {
		return fmt.Errorf("git.worktree_root cannot be empty")
	}
	if c.Git.BranchPrefix == "" {
		return fmt.Errorf("git.branch_prefix cannot be empty")
	}
	if c.Runner.PumpInterval <= 0 {
		return fmt.Errorf("runner.pump_interval must be positive")
	}
	if c.Runner.KillGrace <= 0 {
		return fmt.Errorf("runner.kill_grace must be positive")
	}
	if c.Runner.GlobalMaxRunning < 0 {
		return fmt.Errorf("runner.global_max_running cannot be negative")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	return nil
}
