// Package runner implements the plan runner: the concurrent DAG scheduler
// that owns all live plans, drives their supervisor loops, and routes
// executor events back into persisted state.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/JeromySt/foreman/internal/core"
	"github.com/JeromySt/foreman/internal/events"
	"github.com/JeromySt/foreman/internal/logging"
)

// Config tunes the runner.
type Config struct {
	// PumpInterval is the supervisor tick.
	PumpInterval time.Duration
	// KillGrace is stored with the config; it does not change the process
	// gateway's fixed 5 s SIGTERM-to-SIGKILL window on cancel.
	KillGrace time.Duration
	// GlobalMaxRunning caps running executors across all plans; 0 means
	// unlimited.
	GlobalMaxRunning int
	// RemoveWorktreesOnDelete removes a plan's worktrees when the plan is
	// deleted.
	RemoveWorktreesOnDelete bool
}

// Runner owns the set of live plans. All mutating operations on one plan
// are serialized through its command mailbox; plans are independent.
type Runner struct {
	cfg    Config
	store  core.PlanStore
	index  core.JobIndex
	git    core.GitGateway
	repo   *Repository
	exec   *Executor
	bus    *events.Bus
	logger *logging.Logger

	mu    sync.RWMutex
	plans map[core.PlanID]*planHandle

	// sem caps running executors across plans; nil when unlimited.
	sem *semaphore.Weighted

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// planHandle bundles one live plan with its mailbox and executions.
type planHandle struct {
	plan     *core.Plan
	attempts map[core.NodeID][]core.Attempt

	commands chan command
	stop     chan struct{}
	stopOnce sync.Once

	// mergeMu serializes merge-ri across this plan's executors.
	mergeMu sync.Mutex

	execs map[core.NodeID]*liveExec
}

type command struct {
	fn    func(*planHandle) error
	reply chan error
}

// liveExec tracks one in-flight attempt.
type liveExec struct {
	attemptID  core.AttemptID
	attemptNum int
	cancel     context.CancelFunc
	forceFail  bool
}

// New creates a runner.
func New(cfg Config, store core.PlanStore, index core.JobIndex, git core.GitGateway, repo *Repository, exec *Executor, bus *events.Bus, logger *logging.Logger) *Runner {
	if cfg.PumpInterval <= 0 {
		cfg.PumpInterval = time.Second
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cfg:     cfg,
		store:   store,
		index:   index,
		git:     git,
		repo:    repo,
		exec:    exec,
		bus:     bus,
		logger:  logger,
		plans:   make(map[core.PlanID]*planHandle),
		rootCtx: ctx,
		cancel:  cancel,
	}
	if cfg.GlobalMaxRunning > 0 {
		r.sem = semaphore.NewWeighted(int64(cfg.GlobalMaxRunning))
	}
	return r
}

// Shutdown stops all plan loops and cancels running executors. Plans keep
// their persisted state; restart reconciliation picks them back up.
func (r *Runner) Shutdown() {
	r.cancel()
	r.mu.Lock()
	for _, h := range r.plans {
		h.stopOnce.Do(func() { close(h.stop) })
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// handle returns the live handle for a plan.
func (r *Runner) handle(id core.PlanID) (*planHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.plans[id]
	if !ok {
		return nil, &core.DomainError{
			Category: core.ErrCatNotFound,
			Code:     core.CodePlanNotFound,
			Message:  fmt.Sprintf("plan not found: %s", id),
		}
	}
	return h, nil
}

// do runs fn inside the plan's mailbox and waits for its result.
// Persistence performed by fn commits before the next command runs.
func (r *Runner) do(id core.PlanID, fn func(*planHandle) error) error {
	h, err := r.handle(id)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	select {
	case h.commands <- command{fn: fn, reply: reply}:
	case <-h.stop:
		return core.ErrState(core.CodeInvalidState, "plan is shutting down")
	}
	select {
	case err := <-reply:
		return err
	case <-h.stop:
		return core.ErrState(core.CodeInvalidState, "plan is shutting down")
	}
}

// post runs fn inside the plan's mailbox without waiting. Used by executor
// event drains.
func (r *Runner) post(h *planHandle, fn func(*planHandle) error) {
	select {
	case h.commands <- command{fn: fn}:
	case <-h.stop:
	}
}

// admit registers a built plan and starts its supervisor loop.
func (r *Runner) admit(plan *core.Plan, attempts map[core.NodeID][]core.Attempt) *planHandle {
	if attempts == nil {
		attempts = make(map[core.NodeID][]core.Attempt)
	}
	h := &planHandle{
		plan:     plan,
		attempts: attempts,
		commands: make(chan command, 64),
		stop:     make(chan struct{}),
		execs:    make(map[core.NodeID]*liveExec),
	}
	r.mu.Lock()
	r.plans[plan.ID] = h
	r.mu.Unlock()

	r.wg.Add(1)
	go r.planLoop(h)

	r.bus.Publish(events.NewPlanEvent(events.TypePlanRegistered, plan.ID, r.planStatus(h)))
	return h
}

// planLoop is the per-plan supervisor: it serializes commands and runs the
// pump on a fixed tick.
func (r *Runner) planLoop(h *planHandle) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case cmd := <-h.commands:
			err := cmd.fn(h)
			if cmd.reply != nil {
				cmd.reply <- err
			}
		case <-ticker.C:
			r.pump(h)
		}
	}
}

func (r *Runner) planStatus(h *planHandle) core.PlanStatus {
	statuses := make(map[core.NodeID]core.NodeStatus, len(h.plan.NodeOrder))
	for _, id := range h.plan.NodeOrder {
		statuses[id] = h.plan.State(id).Status
	}
	return core.AggregateStatus(statuses, h.plan.Canceled)
}

// pump is one supervisor cycle. Runs inside the mailbox goroutine.
func (r *Runner) pump(h *planHandle) {
	plan := h.plan
	if plan.Lifecycle != core.LifecycleActive || plan.Canceled || plan.IsPaused {
		return
	}

	// Readiness first: a failure must settle its downstream nodes to
	// blocked before the plan can be judged terminal.
	changed := core.AdvanceReadiness(plan)

	scheduled := 0
	if !r.planStatus(h).IsTerminal() {
		scheduled = r.schedule(h)
	}

	if len(changed) > 0 || scheduled > 0 {
		r.persist(h)
	}

	r.settle(h)
}

// schedule moves ready nodes into execution up to the parallelism caps.
func (r *Runner) schedule(h *planHandle) int {
	plan := h.plan
	started := 0
	for {
		ready := core.ComputeReady(plan, plan.MaxParallel, plan.RunningCount())
		if len(ready) == 0 {
			return started
		}
		id := ready[0]
		if r.sem != nil && !r.sem.TryAcquire(1) {
			return started
		}
		r.startAttempt(h, id)
		started++
	}
}

// startAttempt transitions ready -> scheduled -> running and spawns the
// executor. Runs inside the mailbox goroutine.
func (r *Runner) startAttempt(h *planHandle, id core.NodeID) {
	plan := h.plan
	node := plan.Nodes[id]
	st := plan.State(id)

	st.Status = core.NodeStatusScheduled
	st.Version++
	st.Attempts++
	now := time.Now()
	if st.StartedAt == nil {
		st.StartedAt = &now
	}
	if plan.StartedAt == nil {
		plan.StartedAt = &now
		r.bus.Publish(events.NewPlanEvent(events.TypePlanStarted, plan.ID, core.PlanStatusRunning))
	}

	attemptID := core.AttemptID(uuid.NewString())
	attemptNum := st.Attempts
	attempt := core.Attempt{
		ID:        attemptID,
		Number:    attemptNum,
		StartedAt: now,
		Status:    core.NodeStatusRunning,
		LogFile:   fmt.Sprintf("logs/%s/attempt-%d.log", id, attemptNum),
	}
	if node.Work != nil {
		attempt.WorkInstruction = node.Work.Summary()
	}
	h.attempts[id] = append(h.attempts[id], attempt)

	resumeFrom := st.ResumeFromPhase
	st.ResumeFromPhase = ""

	// Materialize the work spec this attempt runs under specs/.
	if node.Work != nil {
		if err := r.store.SaveNodeSpec(plan.ID, id, node.Work); err != nil {
			r.logger.Warn("materializing work spec failed", "plan_id", plan.ID, "node_id", id, "error", err)
		}
	}

	depCommits := make([]string, 0, len(node.Dependencies))
	for _, dep := range node.Dependencies {
		depCommits = append(depCommits, plan.State(dep).CompletedCommit)
	}

	jc := JobContext{
		Plan: PlanInfo{
			ID:           plan.ID,
			RepoPath:     plan.RepoPath,
			WorktreeRoot: plan.WorktreeRoot,
			TargetBranch: plan.TargetBranch,
			Env:          plan.Env,
		},
		Node:          node,
		Attempt:       attemptNum,
		AttemptID:     attemptID,
		DepCommits:    depCommits,
		ResumeFrom:    resumeFrom,
		IsLeaf:        plan.IsLeaf(id),
		PriorWorktree: st.WorktreePath,
		SerializeMerge: func(fn func() error) error {
			h.mergeMu.Lock()
			defer h.mergeMu.Unlock()
			return fn()
		},
	}

	ctx, cancel := context.WithCancel(r.rootCtx)
	h.execs[id] = &liveExec{attemptID: attemptID, attemptNum: attemptNum, cancel: cancel}

	// Executor ack: the stream exists, the node is running.
	stream := r.exec.Execute(ctx, jc)
	st.Status = core.NodeStatusRunning
	st.Version++
	r.bus.Publish(events.NewNodeStatusEvent(plan.ID, node, core.NodeStatusRunning, attemptNum, ""))

	go r.drainExecution(h, id, attemptNum, stream, cancel)
}

// drainExecution consumes one executor's event stream. Output chunks go
// straight to the attempt log; state-affecting events are applied through
// the mailbox.
func (r *Runner) drainExecution(h *planHandle, id core.NodeID, attemptNum int, stream <-chan core.ExecEvent, cancel context.CancelFunc) {
	defer cancel()
	if r.sem != nil {
		defer r.sem.Release(1)
	}

	plan := h.plan
	for ev := range stream {
		switch ev.Kind {
		case core.ExecEventOutputChunk:
			line := fmt.Sprintf("[%s][%s] %s\n", ev.Time.Format(time.RFC3339), ev.Phase, ev.Chunk)
			if err := r.store.AppendLog(plan.ID, id, attemptNum, []byte(line)); err != nil {
				r.logger.Warn("appending attempt log failed", "plan_id", plan.ID, "node_id", id, "error", err)
			}
			r.bus.Publish(events.NewLogChunkEvent(plan.ID, id, ev.Phase, ev.Stream, ev.Chunk))
			if ev.BaseCommit != "" || ev.Worktree != "" {
				ev := ev
				r.post(h, func(h *planHandle) error {
					st := h.plan.State(id)
					if ev.BaseCommit != "" {
						st.BaseCommit = ev.BaseCommit
					}
					if ev.Worktree != "" {
						st.WorktreePath = ev.Worktree
					}
					return nil
				})
			}
		default:
			ev := ev
			r.post(h, func(h *planHandle) error {
				r.applyExecEvent(h, id, ev)
				return nil
			})
		}
	}
}

// applyExecEvent folds one executor event into plan state. Runs inside the
// mailbox goroutine.
func (r *Runner) applyExecEvent(h *planHandle, id core.NodeID, ev core.ExecEvent) {
	plan := h.plan
	node := plan.Nodes[id]
	st := plan.State(id)
	attempt := h.currentAttempt(id, ev.AttemptID)

	switch ev.Kind {
	case core.ExecEventPhaseStarted:
		st.StepStatuses[ev.Phase] = core.StepStatusRunning
		if st.LastAttempt == nil {
			st.LastAttempt = &core.LastAttemptInfo{}
		}
		st.LastAttempt.Phase = ev.Phase
		now := ev.Time
		st.LastAttempt.StartedAt = &now
		r.bus.Publish(events.NewPhaseEvent(events.TypePhaseStarted, plan.ID, id, ev.Phase, core.StepStatusRunning))

	case core.ExecEventPhaseEnded:
		st.StepStatuses[ev.Phase] = ev.StepStatus
		if st.LastAttempt != nil && ev.StepStatus != core.StepStatusSkipped {
			now := ev.Time
			st.LastAttempt.EndedAt = &now
			st.LastAttempt.ExitCode = ev.ExitCode
		}
		if attempt != nil {
			if attempt.StepStatuses == nil {
				attempt.StepStatuses = make(map[core.Phase]core.StepStatus)
			}
			attempt.StepStatuses[ev.Phase] = ev.StepStatus
			attempt.Phase = ev.Phase
		}
		r.persist(h)
		r.bus.Publish(events.NewPhaseEvent(events.TypePhaseEnded, plan.ID, id, ev.Phase, ev.StepStatus))

	case core.ExecEventWorkSummary:
		if ev.SessionID != "" {
			st.SessionID = ev.SessionID
		}
		if attempt != nil {
			attempt.WorkSummary = ev.Summary
		}

	case core.ExecEventAttemptEnded:
		r.finishAttempt(h, id, node, st, attempt, ev)
	}
}

func (r *Runner) finishAttempt(h *planHandle, id core.NodeID, node *core.Node, st *core.ExecutionState, attempt *core.Attempt, ev core.ExecEvent) {
	plan := h.plan

	live := h.execs[id]
	delete(h.execs, id)

	status := ev.FinalStatus
	errMsg := ev.Error
	if live != nil && live.forceFail {
		status = core.NodeStatusFailed
		errMsg = "force-failed"
	}

	now := ev.Time
	st.Status = status
	st.Error = errMsg
	st.EndedAt = &now
	st.Version++
	if ev.BaseCommit != "" {
		st.BaseCommit = ev.BaseCommit
	}
	if ev.Worktree != "" {
		st.WorktreePath = ev.Worktree
	}
	if ev.SessionID != "" {
		st.SessionID = ev.SessionID
	}
	if status == core.NodeStatusSucceeded {
		if ev.Commit != "" {
			st.CompletedCommit = ev.Commit
		} else if st.CompletedCommit == "" {
			st.CompletedCommit = st.BaseCommit
		}
		if plan.IsLeaf(id) {
			st.MergedToTarget = true
		}
	}
	if status == core.NodeStatusFailed {
		if spec := node.Work; spec != nil && spec.OnFailure != nil && spec.OnFailure.ResumeFromPhase != "" {
			st.ResumeFromPhase = spec.OnFailure.ResumeFromPhase
		}
	}
	if st.LastAttempt != nil {
		st.LastAttempt.EndedAt = &now
		if ev.Phase != "" {
			st.LastAttempt.Phase = ev.Phase
		}
	}

	if attempt != nil {
		attempt.Status = status
		attempt.EndedAt = &now
		attempt.Phase = ev.Phase
		if ev.Summary != "" {
			attempt.WorkSummary = ev.Summary
		}
		attempt.StepStatuses = cloneSteps(st.StepStatuses)
	}

	r.persist(h)
	r.bus.Publish(events.NewNodeStatusEvent(plan.ID, node, status, st.Attempts, errMsg))

	r.logger.WithPlan(string(plan.ID)).WithNode(string(id)).Info("attempt ended",
		"producer_id", node.ProducerID, "status", string(status), "phase", string(ev.Phase), "error", errMsg)

	// Schedule successors without waiting for the next tick.
	r.pump(h)
	r.settle(h)
}

// settle checks for plan completion. Runs inside the mailbox goroutine.
func (r *Runner) settle(h *planHandle) {
	plan := h.plan
	if plan.Lifecycle != core.LifecycleActive {
		return
	}
	status := r.planStatus(h)
	if !status.IsTerminal() || plan.EndedAt != nil {
		return
	}
	now := time.Now()
	plan.EndedAt = &now
	r.persist(h)
	r.bus.PublishPriority(events.NewPlanEvent(events.TypePlanFinished, plan.ID, status))
	r.logger.WithPlan(string(plan.ID)).Info("plan finished", "status", string(status))
}

func cloneSteps(in map[core.Phase]core.StepStatus) map[core.Phase]core.StepStatus {
	out := make(map[core.Phase]core.StepStatus, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// currentAttempt finds the attempt record for an attempt id.
func (h *planHandle) currentAttempt(id core.NodeID, attemptID core.AttemptID) *core.Attempt {
	atts := h.attempts[id]
	for i := len(atts) - 1; i >= 0; i-- {
		if atts[i].ID == attemptID {
			return &atts[i]
		}
	}
	return nil
}

// persist writes the plan's state snapshot and refreshes the job index.
// Runs inside the mailbox goroutine.
func (r *Runner) persist(h *planHandle) {
	plan := h.plan
	snap := core.SnapshotFromPlan(plan, h.attempts)
	if err := r.store.SaveState(plan.ID, snap); err != nil {
		r.logger.Error("persisting plan state failed", "plan_id", plan.ID, "error", err)
		return
	}
	plan.StateVersion = snap.StateVersion
	if r.index != nil {
		if err := r.index.UpsertPlan(plan); err != nil {
			r.logger.Warn("updating job index failed", "plan_id", plan.ID, "error", err)
		}
	}
}
