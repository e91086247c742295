package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading from file, environment and flags.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: "FOREMAN",
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: "FOREMAN",
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
//  1. CLI flags (bound via viper.BindPFlag)
//  2. Environment variables (FOREMAN_*)
//  3. Config file (foreman.yaml)
//  4. Defaults
func (l *Loader) Load() (*Config, error) {
	l.applyDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", l.configFile, err)
		}
	} else {
		l.v.SetConfigName("foreman")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "foreman"))
		}
		if err := l.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
			// No config file is fine; defaults and env apply.
		}
	}

	cfg := Default()
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (l *Loader) applyDefaults() {
	def := Default()
	l.v.SetDefault("log.level", def.Log.Level)
	l.v.SetDefault("log.format", def.Log.Format)
	l.v.SetDefault("storage.root", def.Storage.Root)
	l.v.SetDefault("git.worktree_root", def.Git.WorktreeRoot)
	l.v.SetDefault("git.branch_prefix", def.Git.BranchPrefix)
	l.v.SetDefault("git.command_timeout", def.Git.CommandTimeout)
	l.v.SetDefault("runner.pump_interval", def.Runner.PumpInterval)
	l.v.SetDefault("runner.kill_grace", def.Runner.KillGrace)
	l.v.SetDefault("runner.cleanup_delay", def.Runner.CleanupDelay)
	l.v.SetDefault("agent.path", def.Agent.Path)
	l.v.SetDefault("agent.timeout", def.Agent.Timeout)
	l.v.SetDefault("server.addr", def.Server.Addr)
}

// WriteDefault writes the default config as plain YAML if none exists.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
