package runner_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JeromySt/foreman/internal/adapters/cli"
	gitadapter "github.com/JeromySt/foreman/internal/adapters/git"
	"github.com/JeromySt/foreman/internal/adapters/state"
	"github.com/JeromySt/foreman/internal/core"
	"github.com/JeromySt/foreman/internal/events"
	"github.com/JeromySt/foreman/internal/service/runner"
	"github.com/JeromySt/foreman/internal/testutil"
)

type harness struct {
	repo   *testutil.GitRepo
	store  *state.FileStore
	runner *runner.Runner
	bus    *events.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	repo := testutil.NewGitRepo(t)
	repo.WriteFile("README.md", "# fixture\n")
	repo.Commit("initial")

	store, err := state.NewFileStore(testutil.TempDir(t), nil)
	require.NoError(t, err)

	index, err := state.OpenIndex(filepath.Join(store.Root(), "index.db"))
	require.NoError(t, err)

	gitGateway := gitadapter.NewGateway(30*time.Second, nil)
	procs := cli.NewProcessRunner(nil)
	agent := cli.NewAgentAdapter(cli.AgentAdapterConfig{}, procs, nil, nil)

	bus := events.New(256)
	resolver := runner.NewBranchResolver(gitGateway, "foreman_plan", nil)
	repoSvc := runner.NewRepository(store, resolver, nil)
	exec := runner.NewExecutor(gitGateway, procs, agent, runner.ExecutorConfig{
		BranchPrefix: "foreman_plan",
		KillGrace:    2 * time.Second,
	}, nil)

	run := runner.New(runner.Config{
		PumpInterval: 50 * time.Millisecond,
		KillGrace:    2 * time.Second,
	}, store, index, gitGateway, repoSvc, exec, bus, nil)

	t.Cleanup(func() {
		run.Shutdown()
		bus.Close()
		_ = index.Close()
		_ = store.Close()
	})

	return &harness{repo: repo, store: store, runner: run, bus: bus}
}

func (h *harness) submit(t *testing.T, def core.PlanDefinition) core.PlanID {
	t.Helper()
	def.RepoPath = h.repo.Path
	id, err := h.runner.CreatePlan(context.Background(), &core.CreatePlanCommand{Definition: def})
	require.NoError(t, err)
	return id
}

func (h *harness) waitTerminal(t *testing.T, id core.PlanID, timeout time.Duration) core.PlanStatus {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		view, err := h.runner.GetStatus(id)
		require.NoError(t, err)
		if view.Status.IsTerminal() {
			return view.Status
		}
		time.Sleep(20 * time.Millisecond)
	}
	view, _ := h.runner.GetStatus(id)
	t.Fatalf("plan %s did not settle within %v (status %s, counts %v)", id, timeout, view.Status, view.Counts)
	return ""
}

func TestRunner_SingleShellJobSucceeds(t *testing.T) {
	h := newHarness(t)

	id := h.submit(t, core.PlanDefinition{
		Name: "single",
		Nodes: []core.NodeSpec{
			{ProducerID: "noop", Name: "Noop", Work: core.NewShellSpec("exit 0")},
		},
	})

	status := h.waitTerminal(t, id, 15*time.Second)
	assert.Equal(t, core.PlanStatusSucceeded, status)

	job, err := h.runner.GetJob(id, "noop")
	require.NoError(t, err)
	assert.Equal(t, core.NodeStatusSucceeded, job.State.Status)
	assert.Equal(t, 1, job.State.Attempts)
	// No diff: the completed commit is the base commit.
	assert.NotEmpty(t, job.State.BaseCommit)
	assert.Equal(t, job.State.BaseCommit, job.State.CompletedCommit)
	assert.True(t, job.State.MergedToTarget, "leaf records merge to target")
	assert.Equal(t, core.StepStatusSuccess, job.State.StepStatuses[core.PhaseWork])
	assert.Equal(t, core.StepStatusSkipped, job.State.StepStatuses[core.PhasePrechecks])
}

func TestRunner_FailureBlocksDependents(t *testing.T) {
	h := newHarness(t)

	id := h.submit(t, core.PlanDefinition{
		Name: "fail-chain",
		Nodes: []core.NodeSpec{
			{ProducerID: "first", Name: "First", Work: core.NewShellSpec("exit 2")},
			{ProducerID: "second", Name: "Second", Work: core.NewShellSpec("exit 0"), DependsOn: []string{"first"}},
		},
	})

	status := h.waitTerminal(t, id, 15*time.Second)
	assert.Equal(t, core.PlanStatusFailed, status)

	first, err := h.runner.GetJob(id, "first")
	require.NoError(t, err)
	assert.Equal(t, core.NodeStatusFailed, first.State.Status)
	assert.Equal(t, core.StepStatusFailed, first.State.StepStatuses[core.PhaseWork])
	require.NotNil(t, first.State.LastAttempt)
	assert.Equal(t, core.PhaseWork, first.State.LastAttempt.Phase)

	second, err := h.runner.GetJob(id, "second")
	require.NoError(t, err)
	assert.Equal(t, core.NodeStatusBlocked, second.State.Status)
	assert.Zero(t, second.State.Attempts, "blocked job never ran")
}

func TestRunner_MaxParallelRespected(t *testing.T) {
	h := newHarness(t)

	id := h.submit(t, core.PlanDefinition{
		Name:        "parallel",
		MaxParallel: 2,
		Nodes: []core.NodeSpec{
			{ProducerID: "sleep-a", Name: "A", Work: core.NewShellSpec("sleep 0.4")},
			{ProducerID: "sleep-b", Name: "B", Work: core.NewShellSpec("sleep 0.4")},
			{ProducerID: "sleep-c", Name: "C", Work: core.NewShellSpec("sleep 0.4")},
		},
	})

	maxActive := 0
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		view, err := h.runner.GetStatus(id)
		require.NoError(t, err)
		active := view.Counts[core.NodeStatusRunning] + view.Counts[core.NodeStatusScheduled]
		if active > maxActive {
			maxActive = active
		}
		if view.Status.IsTerminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	status := h.waitTerminal(t, id, 5*time.Second)
	assert.Equal(t, core.PlanStatusSucceeded, status)
	assert.LessOrEqual(t, maxActive, 2, "no instant with more than maxParallel active")
	assert.Positive(t, maxActive)
}

func TestRunner_CancelWhileRunning(t *testing.T) {
	h := newHarness(t)

	id := h.submit(t, core.PlanDefinition{
		Name: "cancelable",
		Nodes: []core.NodeSpec{
			{ProducerID: "sleeper", Name: "Sleeper", Work: core.NewShellSpec("sleep 30")},
		},
	})

	// Wait for the job to be running.
	require.Eventually(t, func() bool {
		job, err := h.runner.GetJob(id, "sleeper")
		return err == nil && job.State.Status == core.NodeStatusRunning
	}, 15*time.Second, 20*time.Millisecond)

	require.NoError(t, h.runner.CancelPlan(id))

	status := h.waitTerminal(t, id, 10*time.Second)
	assert.Equal(t, core.PlanStatusCanceled, status)

	job, err := h.runner.GetJob(id, "sleeper")
	require.NoError(t, err)
	assert.Equal(t, core.NodeStatusCanceled, job.State.Status)
	// The worktree is left in place for inspection.
	require.NotEmpty(t, job.State.WorktreePath)
	_, statErr := os.Stat(job.State.WorktreePath)
	assert.NoError(t, statErr)
}

func TestRunner_RetryWithNewWorkAndClearedWorktree(t *testing.T) {
	h := newHarness(t)

	id := h.submit(t, core.PlanDefinition{
		Name: "retryable",
		Nodes: []core.NodeSpec{
			{ProducerID: "flaky", Name: "Flaky", Work: core.NewShellSpec("exit 3")},
		},
	})

	status := h.waitTerminal(t, id, 15*time.Second)
	require.Equal(t, core.PlanStatusFailed, status)

	result := h.runner.RetryJob(context.Background(), &core.RetryJobCommand{
		PlanID:        id,
		NodeRef:       "flaky",
		NewWork:       core.NewShellSpec("exit 0"),
		ClearWorktree: true,
	})
	require.True(t, result.Success, result.Error)

	status = h.waitTerminal(t, id, 15*time.Second)
	assert.Equal(t, core.PlanStatusSucceeded, status)

	job, err := h.runner.GetJob(id, "flaky")
	require.NoError(t, err)
	assert.Equal(t, 2, job.State.Attempts)

	attempts, err := h.runner.GetJobAttempts(id, "flaky")
	require.NoError(t, err)
	require.Len(t, attempts, 2, "prior attempt preserved in history")
	assert.Equal(t, core.NodeStatusFailed, attempts[0].Status)
	assert.Equal(t, core.NodeStatusSucceeded, attempts[1].Status)
}

func TestRunner_RetryRejectedForNonTerminalJob(t *testing.T) {
	h := newHarness(t)

	def := core.PlanDefinition{
		Name: "paused",
		Nodes: []core.NodeSpec{
			{ProducerID: "idle", Name: "Idle", Work: core.NewShellSpec("exit 0")},
		},
	}
	def.RepoPath = h.repo.Path
	id, err := h.runner.CreatePlan(context.Background(), &core.CreatePlanCommand{
		Definition: def, StartPaused: true,
	})
	require.NoError(t, err)

	result := h.runner.RetryJob(context.Background(), &core.RetryJobCommand{PlanID: id, NodeRef: "idle"})
	require.False(t, result.Success)
	assert.Contains(t, result.Error, "pending")
}

func TestRunner_DependentSeesUpstreamWork(t *testing.T) {
	h := newHarness(t)

	id := h.submit(t, core.PlanDefinition{
		Name: "chain-data",
		Nodes: []core.NodeSpec{
			{ProducerID: "writer", Name: "Writer", Work: core.NewShellSpec("echo payload > artifact.txt")},
			{ProducerID: "reader", Name: "Reader", Work: core.NewShellSpec("grep payload artifact.txt"), DependsOn: []string{"writer"}},
		},
	})

	status := h.waitTerminal(t, id, 20*time.Second)
	assert.Equal(t, core.PlanStatusSucceeded, status)

	// The leaf merged the chain's result onto the target branch.
	reader, err := h.runner.GetJob(id, "reader")
	require.NoError(t, err)
	assert.True(t, reader.State.MergedToTarget)
}

func TestRunner_ExpectsNoChanges(t *testing.T) {
	h := newHarness(t)

	id := h.submit(t, core.PlanDefinition{
		Name: "no-changes",
		Nodes: []core.NodeSpec{
			{ProducerID: "clean-check", Name: "Clean", Work: core.NewShellSpec("true"), ExpectsNoChanges: true},
			{ProducerID: "dirty-check", Name: "Dirty", Work: core.NewShellSpec("echo dirt > dirt.txt"), ExpectsNoChanges: true},
		},
	})

	status := h.waitTerminal(t, id, 20*time.Second)
	assert.Equal(t, core.PlanStatusPartial, status)

	clean, err := h.runner.GetJob(id, "clean-check")
	require.NoError(t, err)
	assert.Equal(t, core.NodeStatusSucceeded, clean.State.Status)

	dirty, err := h.runner.GetJob(id, "dirty-check")
	require.NoError(t, err)
	assert.Equal(t, core.NodeStatusFailed, dirty.State.Status)
	assert.Equal(t, core.StepStatusFailed, dirty.State.StepStatuses[core.PhaseCommit])
	assert.Contains(t, dirty.State.Error, core.CodeUnexpectedDiff)
}

func TestRunner_PauseResume(t *testing.T) {
	h := newHarness(t)

	def := core.PlanDefinition{
		Name: "pausable",
		Nodes: []core.NodeSpec{
			{ProducerID: "only", Name: "Only", Work: core.NewShellSpec("exit 0")},
		},
	}
	def.RepoPath = h.repo.Path
	id, err := h.runner.CreatePlan(context.Background(), &core.CreatePlanCommand{
		Definition: def, StartPaused: true,
	})
	require.NoError(t, err)

	// Paused: nothing schedules.
	time.Sleep(300 * time.Millisecond)
	view, err := h.runner.GetStatus(id)
	require.NoError(t, err)
	assert.False(t, view.Status.IsTerminal())
	assert.Zero(t, view.Counts[core.NodeStatusRunning])

	require.NoError(t, h.runner.ResumePlan(id))
	status := h.waitTerminal(t, id, 15*time.Second)
	assert.Equal(t, core.PlanStatusSucceeded, status)

	// pause/resume on a terminal plan is a no-op pair.
	require.NoError(t, h.runner.PausePlan(id))
	require.NoError(t, h.runner.ResumePlan(id))
}

func TestRunner_DeleteIsIdempotent(t *testing.T) {
	h := newHarness(t)

	id := h.submit(t, core.PlanDefinition{
		Name: "deletable",
		Nodes: []core.NodeSpec{
			{ProducerID: "only", Name: "Only", Work: core.NewShellSpec("exit 0")},
		},
	})
	h.waitTerminal(t, id, 15*time.Second)

	require.NoError(t, h.runner.DeletePlan(context.Background(), id))
	_, err := h.runner.GetStatus(id)
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))

	// Deleting again succeeds.
	require.NoError(t, h.runner.DeletePlan(context.Background(), id))

	// On-disk artifacts are gone.
	ids, err := h.store.ListPlanIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRunner_ScaffoldAddFinalizeEquivalence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.runner.ScaffoldPlan(ctx, &core.ScaffoldPlanCommand{
		Name:     "built-up",
		RepoPath: h.repo.Path,
	})
	require.NoError(t, err)

	require.NoError(t, h.runner.AddJob(&core.AddJobCommand{
		PlanID: id,
		Spec:   core.NodeSpec{ProducerID: "step-one", Name: "One", Work: core.NewShellSpec("exit 0")},
	}))
	require.NoError(t, h.runner.AddJob(&core.AddJobCommand{
		PlanID: id,
		Spec: core.NodeSpec{
			ProducerID: "step-two", Name: "Two",
			Work: core.NewShellSpec("exit 0"), DependsOn: []string{"step-one"},
		},
	}))

	// Scaffolding plans do not schedule.
	time.Sleep(200 * time.Millisecond)
	view, err := h.runner.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, core.LifecycleScaffolding, view.Lifecycle)
	assert.Zero(t, view.Counts[core.NodeStatusRunning])

	require.NoError(t, h.runner.FinalizePlan(&core.FinalizePlanCommand{PlanID: id}))
	status := h.waitTerminal(t, id, 20*time.Second)
	assert.Equal(t, core.PlanStatusSucceeded, status)

	jobs, err := h.runner.ListJobs(id)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, []core.ProducerID{"step-one"}, jobs[1].DependsOn)
}

func TestRunner_FinalizeEmptyPlanRejected(t *testing.T) {
	h := newHarness(t)

	id, err := h.runner.ScaffoldPlan(context.Background(), &core.ScaffoldPlanCommand{
		Name:     "empty",
		RepoPath: h.repo.Path,
	})
	require.NoError(t, err)

	err = h.runner.FinalizePlan(&core.FinalizePlanCommand{PlanID: id})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no jobs")
}

func TestRunner_ReshapeAddThenRemoveDependency(t *testing.T) {
	h := newHarness(t)

	def := core.PlanDefinition{
		Name: "reshapable",
		Nodes: []core.NodeSpec{
			{ProducerID: "anchor", Name: "Anchor", Work: core.NewShellSpec("exit 0")},
		},
	}
	def.RepoPath = h.repo.Path
	id, err := h.runner.CreatePlan(context.Background(), &core.CreatePlanCommand{
		Definition: def, StartPaused: true,
	})
	require.NoError(t, err)

	results, err := h.runner.ReshapePlan(&core.ReshapePlanCommand{
		PlanID: id,
		Ops: []core.ReshapeOp{
			{Kind: core.ReshapeAddNode, Spec: &core.NodeSpec{
				ProducerID: "follow-up", Name: "FollowUp",
				Work: core.NewShellSpec("exit 0"), DependsOn: []string{"anchor"},
			}},
			{Kind: core.ReshapeRemoveNode, NodeRef: "anchor"},
		},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.True(t, results[0].Success, "add op applies")
	assert.False(t, results[1].Success, "remove fails: follow-up depends on anchor")
	assert.Contains(t, results[1].Error, "depends on it")

	// First op persisted, second had no effect.
	jobs, err := h.runner.ListJobs(id)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestRunner_ReshapeRejectsCycleOp(t *testing.T) {
	h := newHarness(t)

	def := core.PlanDefinition{
		Name: "cycle-guard",
		Nodes: []core.NodeSpec{
			{ProducerID: "aaa", Name: "A", Work: core.NewShellSpec("exit 0")},
			{ProducerID: "bbb", Name: "B", Work: core.NewShellSpec("exit 0"), DependsOn: []string{"aaa"}},
		},
	}
	def.RepoPath = h.repo.Path
	id, err := h.runner.CreatePlan(context.Background(), &core.CreatePlanCommand{
		Definition: def, StartPaused: true,
	})
	require.NoError(t, err)

	results, err := h.runner.ReshapePlan(&core.ReshapePlanCommand{
		PlanID: id,
		Ops: []core.ReshapeOp{
			{Kind: core.ReshapeUpdateDeps, NodeRef: "aaa", DependsOn: []string{"bbb"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, core.CodeDAGCycle)

	// Topology unchanged.
	job, err := h.runner.GetJob(id, "aaa")
	require.NoError(t, err)
	assert.Empty(t, job.DependsOn)
}

func TestRunner_RestartReconcilesOrphans(t *testing.T) {
	repo := testutil.NewGitRepo(t)
	repo.WriteFile("README.md", "# fixture\n")
	repo.Commit("initial")

	storeDir := testutil.TempDir(t)

	// First incarnation: persist a plan whose job is mid-flight.
	store, err := state.NewFileStore(storeDir, nil)
	require.NoError(t, err)

	def := &core.PlanDefinition{
		Name:         "interrupted",
		RepoPath:     repo.Path,
		TargetBranch: "foreman_plan/interrupted",
		Nodes: []core.NodeSpec{
			{ProducerID: "mid-flight", Name: "MidFlight", Work: core.NewShellSpec("exit 0")},
		},
	}
	require.NoError(t, store.SaveDefinition("restart-1", def))

	plan, err := runner.BuildPlan("restart-1", def, nil)
	require.NoError(t, err)
	nodeID := plan.Producers["mid-flight"]
	st := plan.State(nodeID)
	st.Status = core.NodeStatusRunning
	st.Attempts = 1
	st.LastAttempt = &core.LastAttemptInfo{Phase: core.PhaseWork}
	plan.IsPaused = true // keep the reloaded plan from immediately retrying

	snap := core.SnapshotFromPlan(plan, nil)
	require.NoError(t, store.SaveState("restart-1", snap))
	require.NoError(t, store.Close())

	// Second incarnation: reload and reconcile.
	store2, err := state.NewFileStore(storeDir, nil)
	require.NoError(t, err)
	index, err := state.OpenIndex(filepath.Join(store2.Root(), "index.db"))
	require.NoError(t, err)
	gitGateway := gitadapter.NewGateway(30*time.Second, nil)
	procs := cli.NewProcessRunner(nil)
	agent := cli.NewAgentAdapter(cli.AgentAdapterConfig{}, procs, nil, nil)
	bus := events.New(64)
	resolver := runner.NewBranchResolver(gitGateway, "foreman_plan", nil)
	repoSvc := runner.NewRepository(store2, resolver, nil)
	exec := runner.NewExecutor(gitGateway, procs, agent, runner.ExecutorConfig{}, nil)
	run := runner.New(runner.Config{PumpInterval: 50 * time.Millisecond}, store2, index, gitGateway, repoSvc, exec, bus, nil)
	t.Cleanup(func() {
		run.Shutdown()
		bus.Close()
		_ = index.Close()
		_ = store2.Close()
	})

	require.NoError(t, run.LoadAll())

	job, err := run.GetJob("restart-1", "mid-flight")
	require.NoError(t, err)
	assert.Equal(t, core.NodeStatusFailed, job.State.Status)
	assert.Contains(t, job.State.Error, "orphaned")
	assert.Contains(t, job.State.Error, "work")

	// The failure context is queryable after restart.
	fc, err := run.GetJobFailureContext("restart-1", "mid-flight")
	require.NoError(t, err)
	assert.Equal(t, core.PhaseWork, fc.Phase)
}

func TestRunner_FindJobGlobally(t *testing.T) {
	h := newHarness(t)

	def := core.PlanDefinition{
		Name: "indexed",
		Nodes: []core.NodeSpec{
			{ProducerID: "needle-job", Name: "Needle", Work: core.NewShellSpec("exit 0")},
		},
	}
	def.RepoPath = h.repo.Path
	id, err := h.runner.CreatePlan(context.Background(), &core.CreatePlanCommand{
		Definition: def, StartPaused: true,
	})
	require.NoError(t, err)

	planID, nodeID, err := h.runner.FindJobGlobally("needle-job")
	require.NoError(t, err)
	assert.Equal(t, id, planID)

	// Node uuid addressing works too.
	planID, _, err = h.runner.FindJobGlobally(string(nodeID))
	require.NoError(t, err)
	assert.Equal(t, id, planID)

	_, _, err = h.runner.FindJobGlobally("missing-job")
	assert.Error(t, err)
}

func TestRunner_ForceFail(t *testing.T) {
	h := newHarness(t)

	id := h.submit(t, core.PlanDefinition{
		Name: "force",
		Nodes: []core.NodeSpec{
			{ProducerID: "stuck", Name: "Stuck", Work: core.NewShellSpec("sleep 30")},
		},
	})

	require.Eventually(t, func() bool {
		job, err := h.runner.GetJob(id, "stuck")
		return err == nil && job.State.Status == core.NodeStatusRunning
	}, 15*time.Second, 20*time.Millisecond)

	result := h.runner.ForceFailJob(&core.NodeRefCommand{PlanID: id, NodeRef: "stuck"})
	require.True(t, result.Success, result.Error)

	require.Eventually(t, func() bool {
		job, err := h.runner.GetJob(id, "stuck")
		return err == nil && job.State.Status == core.NodeStatusFailed
	}, 10*time.Second, 20*time.Millisecond)

	job, err := h.runner.GetJob(id, "stuck")
	require.NoError(t, err)
	assert.Equal(t, "force-failed", job.State.Error)
}

func TestRunner_LogsCaptureOutput(t *testing.T) {
	h := newHarness(t)

	id := h.submit(t, core.PlanDefinition{
		Name: "loggy",
		Nodes: []core.NodeSpec{
			{ProducerID: "echoer", Name: "Echoer", Work: core.NewShellSpec("echo hello-from-job")},
		},
	})
	h.waitTerminal(t, id, 15*time.Second)

	logs, err := h.runner.GetJobLogs(id, "echoer", "")
	require.NoError(t, err)
	assert.Contains(t, logs, "hello-from-job")

	workLogs, err := h.runner.GetJobLogs(id, "echoer", core.PhaseWork)
	require.NoError(t, err)
	assert.Contains(t, workLogs, "hello-from-job")
	assert.NotContains(t, workLogs, "worktree "+h.repo.Path, "setup lines filtered out")
}
