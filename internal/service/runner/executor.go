package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JeromySt/foreman/internal/core"
	"github.com/JeromySt/foreman/internal/logging"
)

// ExecutorConfig tunes the job executor.
type ExecutorConfig struct {
	// BranchPrefix prefixes per-job worktree branches.
	BranchPrefix string
	// SymlinkDirs are linked from the main repo into fresh worktrees.
	SymlinkDirs []string
	// KillGrace is stored with the config; it does not change the process
	// gateway's fixed 5 s SIGTERM-to-SIGKILL window.
	KillGrace time.Duration
}

// Executor runs one job's phases in its worktree. It owns no plan state:
// everything it learns is emitted as events for the runner to apply.
type Executor struct {
	git    core.GitGateway
	procs  core.ProcessGateway
	agent  core.AgentGateway
	cfg    ExecutorConfig
	logger *logging.Logger
}

// NewExecutor creates a job executor.
func NewExecutor(git core.GitGateway, procs core.ProcessGateway, agent core.AgentGateway, cfg ExecutorConfig, logger *logging.Logger) *Executor {
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = core.DefaultBranchPrefix
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Executor{
		git:    git,
		procs:  procs,
		agent:  agent,
		cfg:    cfg,
		logger: logger,
	}
}

// PlanInfo is the immutable slice of plan data the executor needs.
type PlanInfo struct {
	ID           core.PlanID
	RepoPath     string
	WorktreeRoot string
	TargetBranch string
	Env          map[string]string
}

// JobContext describes one attempt for the executor.
type JobContext struct {
	Plan    PlanInfo
	Node    *core.Node
	Attempt int
	// AttemptID labels all emitted events.
	AttemptID core.AttemptID
	// DepCommits are the completed commits of direct dependencies, in
	// dependency order. Empty for roots.
	DepCommits []string
	// ResumeFrom skips phases before it (setup always ensures).
	ResumeFrom core.Phase
	// IsLeaf controls whether merge-ri runs.
	IsLeaf bool
	// PriorWorktree is the worktree path recorded by an earlier attempt.
	PriorWorktree string
	// SerializeMerge runs fn with the plan's merge-ri exclusivity held.
	SerializeMerge func(func() error) error
}

// execution carries the mutable state of one attempt through its phases.
type execution struct {
	jc       JobContext
	events   chan<- core.ExecEvent
	worktree string
	base     string
	// completed is the commit recorded by the commit phase.
	completed string
	session   string
	summary   string
}

// Execute runs the attempt's phases and streams events. The returned
// channel is closed after the terminal attemptEnded event. Cancellation of
// ctx stops the running subprocess within the kill grace window.
func (e *Executor) Execute(ctx context.Context, jc JobContext) <-chan core.ExecEvent {
	events := make(chan core.ExecEvent, 64)
	go func() {
		defer close(events)
		e.runAttempt(ctx, jc, events)
	}()
	return events
}

func (e *Executor) runAttempt(ctx context.Context, jc JobContext, events chan<- core.ExecEvent) {
	ex := &execution{
		jc:       jc,
		events:   events,
		worktree: jc.PriorWorktree,
	}
	if ex.worktree == "" {
		ex.worktree = e.worktreePath(jc.Plan, jc.Node.ID)
	}

	log := e.logger.WithPlan(string(jc.Plan.ID)).WithNode(string(jc.Node.ID)).WithAttempt(jc.Attempt)
	log.Info("attempt started", "producer_id", jc.Node.ProducerID, "resume_from", string(jc.ResumeFrom))

	type step struct {
		phase core.Phase
		run   func(context.Context, *execution) error
		skip  func(context.Context, *execution) (bool, string)
	}

	steps := []step{
		{core.PhaseMergeFI, e.phaseMergeFI, e.skipMergeFI},
		{core.PhaseSetup, e.phaseSetup, e.skipSetup},
		{core.PhasePrechecks, e.phaseChecks(core.PhasePrechecks), func(_ context.Context, ex *execution) (bool, string) {
			return ex.jc.Node.Prechecks == nil, "no prechecks spec"
		}},
		{core.PhaseWork, e.phaseWork, nil},
		{core.PhaseCommit, e.phaseCommit, nil},
		{core.PhasePostchecks, e.phaseChecks(core.PhasePostchecks), func(_ context.Context, ex *execution) (bool, string) {
			return ex.jc.Node.Postchecks == nil, "no postchecks spec"
		}},
		{core.PhaseMergeRI, e.phaseMergeRI, func(_ context.Context, ex *execution) (bool, string) {
			return !ex.jc.IsLeaf, "not a leaf"
		}},
	}

	resumeOrder := -1
	if jc.ResumeFrom != "" {
		resumeOrder = core.PhaseOrder(jc.ResumeFrom)
	}

	for _, st := range steps {
		if ctx.Err() != nil {
			e.endAttempt(ex, st.phase, core.NodeStatusCanceled, "canceled")
			return
		}

		// A resumed attempt skips phases before the resume point; setup
		// still ensures the worktree exists.
		if resumeOrder >= 0 && core.PhaseOrder(st.phase) < resumeOrder && st.phase != core.PhaseSetup {
			e.emitPhaseEnded(ex, st.phase, core.StepStatusSkipped, nil)
			continue
		}
		if st.skip != nil {
			if skip, _ := st.skip(ctx, ex); skip {
				e.emitPhaseEnded(ex, st.phase, core.StepStatusSkipped, nil)
				continue
			}
		}

		e.emit(ex, core.ExecEvent{Kind: core.ExecEventPhaseStarted, Phase: st.phase})
		err := st.run(ctx, ex)
		if err != nil && ex.jc.Node.AutoHeal && core.IsTransient(err) && !noAutoHeal(ex.jc.Node) {
			log.Warn("transient failure, auto-heal retry", "phase", string(st.phase), "error", err)
			err = st.run(ctx, ex)
		}
		if err != nil {
			if ctx.Err() != nil {
				e.endAttempt(ex, st.phase, core.NodeStatusCanceled, "canceled")
				return
			}
			e.emitPhaseEnded(ex, st.phase, core.StepStatusFailed, exitCodeOf(err))
			e.endAttempt(ex, st.phase, core.NodeStatusFailed, err.Error())
			return
		}
		e.emitPhaseEnded(ex, st.phase, core.StepStatusSuccess, nil)
	}

	e.endAttempt(ex, "", core.NodeStatusSucceeded, "")
}

func noAutoHeal(n *core.Node) bool {
	return n.Work != nil && n.Work.OnFailure != nil && n.Work.OnFailure.NoAutoHeal
}

func exitCodeOf(err error) *int {
	var domErr *core.DomainError
	if errors.As(err, &domErr) && domErr.Details != nil {
		if code, ok := domErr.Details["exit_code"].(int); ok {
			return &code
		}
	}
	return nil
}

func (e *Executor) worktreePath(plan PlanInfo, node core.NodeID) string {
	root := plan.WorktreeRoot
	if root == "" {
		root = core.DefaultWorktreeRoot
	}
	return filepath.Join(plan.RepoPath, root, string(plan.ID), string(node))
}

func (e *Executor) worktreeBranch(plan PlanInfo, node *core.Node) string {
	return fmt.Sprintf("%s/%s/%s", e.cfg.BranchPrefix, plan.ID, node.ProducerID)
}

// --- phase: merge-fi ------------------------------------------------------

func (e *Executor) skipMergeFI(ctx context.Context, ex *execution) (bool, string) {
	if _, err := os.Stat(ex.worktree); err != nil {
		// First attempt: nothing to integrate, setup branches fresh.
		return true, "worktree not provisioned"
	}
	head, err := e.git.ResolveRef(ctx, "HEAD", ex.worktree)
	if err != nil {
		return false, ""
	}
	targetHead, err := e.git.ResolveRef(ctx, "refs/heads/"+ex.jc.Plan.TargetBranch, ex.jc.Plan.RepoPath)
	if err != nil {
		return false, ""
	}
	if head == targetHead {
		return true, "already at target head"
	}
	return false, ""
}

func (e *Executor) phaseMergeFI(ctx context.Context, ex *execution) error {
	result, err := e.git.Merge(ctx, ex.worktree, "refs/heads/"+ex.jc.Plan.TargetBranch)
	if err != nil {
		if result != nil && len(result.Conflicts) > 0 {
			e.emit(ex, core.ExecEvent{
				Kind:      core.ExecEventOutputChunk,
				Phase:     core.PhaseMergeFI,
				Stream:    "stderr",
				Chunk:     "conflicts: " + strings.Join(result.Conflicts, ", "),
				Conflicts: result.Conflicts,
			})
		}
		return err
	}
	return nil
}

// --- phase: setup ---------------------------------------------------------

func (e *Executor) skipSetup(_ context.Context, ex *execution) (bool, string) {
	if info, err := os.Stat(ex.worktree); err == nil && info.IsDir() {
		return true, "worktree already provisioned"
	}
	return false, ""
}

// phaseSetup provisions the worktree from the dependency-closure base:
// the sole dependency's completed commit, the target head for roots, or
// the first dependency's commit with the remaining ones merged in.
func (e *Executor) phaseSetup(ctx context.Context, ex *execution) error {
	plan := ex.jc.Plan

	base := ""
	switch len(ex.jc.DepCommits) {
	case 0:
		head, err := e.git.ResolveRef(ctx, "refs/heads/"+plan.TargetBranch, plan.RepoPath)
		if err != nil {
			return err
		}
		base = head
	default:
		base = ex.jc.DepCommits[0]
	}
	ex.base = base

	branch := e.worktreeBranch(plan, ex.jc.Node)
	if exists, err := e.git.BranchExists(ctx, branch, plan.RepoPath); err != nil {
		return err
	} else if exists {
		// A cleared retry removed the directory but left the branch; the
		// worktree resumes on it at its old head.
		if err := e.git.AddWorktreeOnBranch(ctx, plan.RepoPath, ex.worktree, branch); err != nil {
			return err
		}
	} else {
		if err := e.git.AddWorktree(ctx, plan.RepoPath, ex.worktree, branch, base); err != nil {
			return err
		}
	}

	// Fold remaining dependency branches into the worktree.
	for _, commit := range ex.jc.DepCommits[min(1, len(ex.jc.DepCommits)):] {
		if _, err := e.git.Merge(ctx, ex.worktree, commit); err != nil {
			return err
		}
	}

	for _, dir := range e.cfg.SymlinkDirs {
		src := filepath.Join(plan.RepoPath, dir)
		dst := filepath.Join(ex.worktree, dir)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if _, err := os.Lstat(dst); err == nil {
			continue
		}
		if err := os.Symlink(src, dst); err != nil {
			e.logger.Warn("setup: symlink failed", "dir", dir, "error", err)
		}
	}

	e.emit(ex, core.ExecEvent{
		Kind:       core.ExecEventOutputChunk,
		Phase:      core.PhaseSetup,
		Stream:     "stdout",
		Chunk:      "worktree " + ex.worktree + " at " + base,
		BaseCommit: base,
		Worktree:   ex.worktree,
	})
	return nil
}

// --- phases: prechecks / postchecks ---------------------------------------

func (e *Executor) phaseChecks(phase core.Phase) func(context.Context, *execution) error {
	return func(ctx context.Context, ex *execution) error {
		spec := ex.jc.Node.Prechecks
		if phase == core.PhasePostchecks {
			spec = ex.jc.Node.Postchecks
		}
		return e.runWorkSpec(ctx, ex, phase, spec)
	}
}

// --- phase: work ----------------------------------------------------------

func (e *Executor) phaseWork(ctx context.Context, ex *execution) error {
	if ex.jc.Node.Work == nil {
		// A job without a work spec is a pure aggregation point.
		return nil
	}
	return e.runWorkSpec(ctx, ex, core.PhaseWork, ex.jc.Node.Work)
}

func (e *Executor) runWorkSpec(ctx context.Context, ex *execution, phase core.Phase, spec *core.WorkSpec) error {
	sink := func(stream, line string) {
		e.emit(ex, core.ExecEvent{
			Kind:   core.ExecEventOutputChunk,
			Phase:  phase,
			Stream: stream,
			Chunk:  line,
		})
	}

	switch spec.Kind() {
	case core.WorkKindAgent:
		result, err := e.agent.Run(ctx, core.AgentInvocation{
			Spec: *spec.Agent,
			Dir:  ex.worktree,
			Env:  ex.jc.Plan.Env,
			Sink: sink,
		})
		if err != nil {
			return err
		}
		if result.SessionID != "" {
			ex.session = result.SessionID
		}
		if result.Summary != "" {
			ex.summary = result.Summary
			e.emit(ex, core.ExecEvent{
				Kind:      core.ExecEventWorkSummary,
				Phase:     phase,
				Summary:   result.Summary,
				SessionID: result.SessionID,
			})
		}
		if result.ExitCode != 0 {
			return core.ErrSubprocess("AGENT_EXIT",
				fmt.Sprintf("agent exited with code %d", result.ExitCode)).
				WithDetail("exit_code", result.ExitCode)
		}
		return nil

	case core.WorkKindShell, core.WorkKindProcess:
		procSpec := core.ProcSpec{Dir: ex.worktree, Env: ex.jc.Plan.Env}
		if spec.Shell != nil {
			procSpec.Shell = spec.Shell.Command
		} else {
			procSpec.Executable = spec.Process.Executable
			procSpec.Args = spec.Process.Args
		}
		proc, err := e.procs.Start(ctx, procSpec, sink)
		if err != nil {
			return err
		}
		code, err := proc.Wait(ctx)
		if err != nil {
			return err
		}
		if code != 0 {
			return core.ErrSubprocess("NONZERO_EXIT",
				fmt.Sprintf("%s exited with code %d", phase, code)).
				WithDetail("exit_code", code)
		}
		return nil

	default:
		return core.ErrInternal("UNKNOWN_WORK_KIND", "work spec has no variant set")
	}
}

// --- phase: commit --------------------------------------------------------

func (e *Executor) phaseCommit(ctx context.Context, ex *execution) error {
	dirty, err := e.git.HasChanges(ctx, ex.worktree)
	if err != nil {
		return err
	}

	if ex.jc.Node.ExpectsNoChanges {
		if dirty {
			return core.ErrState(core.CodeUnexpectedDiff,
				fmt.Sprintf("job %s expected no changes but the worktree is dirty", ex.jc.Node.ProducerID))
		}
		head, err := e.git.ResolveRef(ctx, "HEAD", ex.worktree)
		if err != nil {
			return err
		}
		ex.completed = head
		return nil
	}

	if !dirty {
		head, err := e.git.ResolveRef(ctx, "HEAD", ex.worktree)
		if err != nil {
			return err
		}
		ex.completed = head
		return nil
	}

	message := fmt.Sprintf("%s: %s", ex.jc.Node.ProducerID, commitSubject(ex.jc.Node))
	commit, err := e.git.CommitAll(ctx, ex.worktree, message)
	if err != nil {
		return err
	}
	if commit == "" {
		commit, err = e.git.ResolveRef(ctx, "HEAD", ex.worktree)
		if err != nil {
			return err
		}
	}
	ex.completed = commit
	e.emit(ex, core.ExecEvent{
		Kind:   core.ExecEventOutputChunk,
		Phase:  core.PhaseCommit,
		Stream: "stdout",
		Chunk:  "committed " + commit,
		Commit: commit,
	})
	return nil
}

func commitSubject(n *core.Node) string {
	if n.Task != "" {
		return n.Task
	}
	return n.Name
}

// --- phase: merge-ri ------------------------------------------------------

func (e *Executor) phaseMergeRI(ctx context.Context, ex *execution) error {
	merge := func() error {
		head, err := e.git.ResolveRef(ctx, "HEAD", ex.worktree)
		if err != nil {
			return err
		}
		message := fmt.Sprintf("%s (plan %s)", commitSubject(ex.jc.Node), ex.jc.Plan.ID)
		result, err := e.git.SquashMerge(ctx, ex.jc.Plan.RepoPath, head, ex.jc.Plan.TargetBranch, message)
		if err != nil {
			if result != nil && len(result.Conflicts) > 0 {
				e.emit(ex, core.ExecEvent{
					Kind:      core.ExecEventOutputChunk,
					Phase:     core.PhaseMergeRI,
					Stream:    "stderr",
					Chunk:     "conflicts: " + strings.Join(result.Conflicts, ", "),
					Conflicts: result.Conflicts,
				})
			}
			return err
		}
		e.emit(ex, core.ExecEvent{
			Kind:   core.ExecEventOutputChunk,
			Phase:  core.PhaseMergeRI,
			Stream: "stdout",
			Chunk:  "merged to " + ex.jc.Plan.TargetBranch + " as " + result.Commit,
			Commit: result.Commit,
		})
		return nil
	}

	if ex.jc.SerializeMerge != nil {
		return ex.jc.SerializeMerge(merge)
	}
	return merge()
}

// --- event plumbing -------------------------------------------------------

func (e *Executor) emit(ex *execution, ev core.ExecEvent) {
	ev.NodeID = ex.jc.Node.ID
	ev.AttemptID = ex.jc.AttemptID
	ev.Time = time.Now()
	ex.events <- ev
}

func (e *Executor) emitPhaseEnded(ex *execution, phase core.Phase, status core.StepStatus, exitCode *int) {
	e.emit(ex, core.ExecEvent{
		Kind:       core.ExecEventPhaseEnded,
		Phase:      phase,
		StepStatus: status,
		ExitCode:   exitCode,
	})
}

func (e *Executor) endAttempt(ex *execution, phase core.Phase, status core.NodeStatus, errMsg string) {
	e.emit(ex, core.ExecEvent{
		Kind:        core.ExecEventAttemptEnded,
		Phase:       phase,
		FinalStatus: status,
		Error:       errMsg,
		SessionID:   ex.session,
		Summary:     ex.summary,
		Commit:      ex.completed,
		BaseCommit:  ex.base,
		Worktree:    ex.worktree,
	})
}
