package cmd

import (
	"context"
	"path/filepath"

	"github.com/JeromySt/foreman/internal/adapters/cli"
	gitadapter "github.com/JeromySt/foreman/internal/adapters/git"
	"github.com/JeromySt/foreman/internal/adapters/state"
	"github.com/JeromySt/foreman/internal/config"
	"github.com/JeromySt/foreman/internal/core"
	"github.com/JeromySt/foreman/internal/diagnostics"
	"github.com/JeromySt/foreman/internal/events"
	"github.com/JeromySt/foreman/internal/service/runner"
)

// app bundles the wired orchestrator stack.
type app struct {
	cfg     *config.Config
	store   *state.FileStore
	index   *state.SQLiteIndex
	runner  *runner.Runner
	bus     *events.Bus
	watcher *state.Watcher
}

// newApp wires the full stack from loaded configuration.
func newApp(cfg *config.Config) (*app, error) {
	store, err := state.NewFileStore(cfg.Storage.Root, logger)
	if err != nil {
		return nil, err
	}

	indexPath := cfg.Storage.IndexPath
	if indexPath == "" {
		indexPath = filepath.Join(store.Root(), "index.db")
	}
	index, err := state.OpenIndex(indexPath)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	gitGateway := gitadapter.NewGateway(cfg.Git.CommandTimeout, logger)
	procs := cli.NewProcessRunner(logger)
	preflight := diagnostics.NewPreflight(store.Root(), logger)
	agent := cli.NewAgentAdapter(cli.AgentAdapterConfig{
		Path:   cfg.Agent.Path,
		Models: cfg.Agent.Models,
	}, procs, preflight, logger)

	bus := events.New(256)
	resolver := runner.NewBranchResolver(gitGateway, cfg.Git.BranchPrefix, logger)
	repo := runner.NewRepository(store, resolver, logger)
	exec := runner.NewExecutor(gitGateway, procs, agent, runner.ExecutorConfig{
		BranchPrefix: cfg.Git.BranchPrefix,
		SymlinkDirs:  cfg.Git.SymlinkDirs,
		KillGrace:    cfg.Runner.KillGrace,
	}, logger)

	run := runner.New(runner.Config{
		PumpInterval:            cfg.Runner.PumpInterval,
		KillGrace:               cfg.Runner.KillGrace,
		GlobalMaxRunning:        cfg.Runner.GlobalMaxRunning,
		RemoveWorktreesOnDelete: !cfg.Git.KeepWorktreesOnDelete,
	}, store, index, gitGateway, repo, exec, bus, logger)

	return &app{
		cfg:    cfg,
		store:  store,
		index:  index,
		runner: run,
		bus:    bus,
	}, nil
}

// start restores persisted plans, arms the state watcher and schedules the
// startup worktree cleanup.
func (a *app) start(ctx context.Context) error {
	if err := a.runner.LoadAll(); err != nil {
		return err
	}

	watcher, err := state.NewWatcher(a.store, func(id core.PlanID) {
		a.runner.RehydratePlan(id)
	}, logger)
	if err != nil {
		logger.Warn("state watcher unavailable", "error", err)
	} else {
		a.watcher = watcher
	}

	a.runner.ScheduleCleanup(ctx, a.cfg.Runner.CleanupDelay, nil)
	return nil
}

// close tears the stack down in reverse dependency order.
func (a *app) close() {
	if a.watcher != nil {
		_ = a.watcher.Close()
	}
	a.runner.Shutdown()
	a.bus.Close()
	_ = a.index.Close()
	_ = a.store.Close()
}
