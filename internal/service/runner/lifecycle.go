package runner

import (
	"context"

	"github.com/JeromySt/foreman/internal/core"
	"github.com/JeromySt/foreman/internal/events"
)

// CreatePlan submits a full definition and admits the resulting plan.
func (r *Runner) CreatePlan(ctx context.Context, cmd *core.CreatePlanCommand) (core.PlanID, error) {
	plan, err := r.repo.CreateFromDefinition(ctx, cmd)
	if err != nil {
		return "", err
	}
	r.admit(plan, nil)
	_ = r.do(plan.ID, func(h *planHandle) error {
		r.persist(h)
		return nil
	})
	return plan.ID, nil
}

// ScaffoldPlan opens an empty plan for incremental construction.
func (r *Runner) ScaffoldPlan(ctx context.Context, cmd *core.ScaffoldPlanCommand) (core.PlanID, error) {
	plan, err := r.repo.Scaffold(ctx, cmd)
	if err != nil {
		return "", err
	}
	r.admit(plan, nil)
	_ = r.do(plan.ID, func(h *planHandle) error {
		r.persist(h)
		return nil
	})
	return plan.ID, nil
}

// AddJob appends a node to a scaffolding plan. The rebuilt topology is
// swapped in atomically.
func (r *Runner) AddJob(cmd *core.AddJobCommand) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	return r.do(cmd.PlanID, func(h *planHandle) error {
		rebuilt, err := r.repo.AddNode(h.plan, cmd.Spec)
		if err != nil {
			return err
		}
		h.plan = rebuilt
		r.persist(h)
		r.bus.Publish(events.NewPlanEvent(events.TypePlanUpdated, h.plan.ID, r.planStatus(h)))
		return nil
	})
}

// FinalizePlan admits a scaffolding plan for execution; unless started
// paused, the pump begins scheduling on the next tick.
func (r *Runner) FinalizePlan(cmd *core.FinalizePlanCommand) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	return r.do(cmd.PlanID, func(h *planHandle) error {
		if err := r.repo.Finalize(h.plan, cmd.StartPaused); err != nil {
			return err
		}
		r.persist(h)
		r.bus.Publish(events.NewPlanEvent(events.TypePlanUpdated, h.plan.ID, r.planStatus(h)))
		r.pump(h)
		return nil
	})
}

// PausePlan blocks new scheduling; running jobs proceed to completion.
func (r *Runner) PausePlan(id core.PlanID) error {
	return r.do(id, func(h *planHandle) error {
		if h.plan.IsPaused {
			return nil
		}
		h.plan.IsPaused = true
		r.persist(h)
		r.bus.Publish(events.NewPlanEvent(events.TypePlanPaused, id, r.planStatus(h)))
		return nil
	})
}

// ResumePlan lifts a pause.
func (r *Runner) ResumePlan(id core.PlanID) error {
	return r.do(id, func(h *planHandle) error {
		if !h.plan.IsPaused {
			return nil
		}
		h.plan.IsPaused = false
		r.persist(h)
		r.bus.Publish(events.NewPlanEvent(events.TypePlanResumed, id, r.planStatus(h)))
		r.pump(h)
		return nil
	})
}

// CancelPlan marks the plan canceled and kills running executors. Worktrees
// are left in place for inspection; explicit cleanup removes them.
func (r *Runner) CancelPlan(id core.PlanID) error {
	return r.do(id, func(h *planHandle) error {
		if h.plan.Canceled {
			return nil
		}
		h.plan.Canceled = true
		for _, live := range h.execs {
			live.cancel()
		}
		// Running attempts report canceled through their event streams;
		// nodes that never started settle here.
		for _, nodeID := range h.plan.NodeOrder {
			st := h.plan.State(nodeID)
			switch st.Status {
			case core.NodeStatusPending, core.NodeStatusReady:
				st.Status = core.NodeStatusCanceled
				st.Version++
			}
		}
		r.persist(h)
		// With nothing running the plan settles immediately; otherwise the
		// canceled attempts settle it as their events drain.
		r.settle(h)
		return nil
	})
}

// DeletePlan removes a plan and its on-disk artifacts. Idempotent: deleting
// an unknown plan succeeds.
func (r *Runner) DeletePlan(ctx context.Context, id core.PlanID) error {
	h, err := r.handle(id)
	if err != nil {
		// Already gone in memory; remove any leftover artifacts.
		if delErr := r.store.Delete(id); delErr != nil {
			return delErr
		}
		if r.index != nil {
			_ = r.index.RemovePlan(id)
		}
		return nil
	}

	var worktrees []string
	repoPath := ""
	_ = r.do(id, func(h *planHandle) error {
		h.plan.Lifecycle = core.LifecycleDeleted
		repoPath = h.plan.RepoPath
		for _, live := range h.execs {
			live.cancel()
		}
		if r.cfg.RemoveWorktreesOnDelete {
			for _, nodeID := range h.plan.NodeOrder {
				if wt := h.plan.State(nodeID).WorktreePath; wt != "" {
					worktrees = append(worktrees, wt)
				}
			}
		}
		return nil
	})

	h.stopOnce.Do(func() { close(h.stop) })
	r.mu.Lock()
	delete(r.plans, id)
	r.mu.Unlock()

	for _, wt := range worktrees {
		if err := r.git.RemoveWorktree(ctx, repoPath, wt, true); err != nil {
			r.logger.Warn("removing worktree on delete failed", "path", wt, "error", err)
		}
	}

	if err := r.store.Delete(id); err != nil {
		return err
	}
	if r.index != nil {
		_ = r.index.RemovePlan(id)
	}
	r.bus.Publish(events.NewPlanEvent(events.TypePlanDeleted, id, core.PlanStatusCanceled))
	r.logger.Info("plan deleted", "plan_id", id)
	return nil
}

// RetryPlan re-queues every terminally failed or canceled node and resumes
// the plan.
func (r *Runner) RetryPlan(id core.PlanID) error {
	return r.do(id, func(h *planHandle) error {
		plan := h.plan
		retried := 0
		for _, nodeID := range plan.NodeOrder {
			st := plan.State(nodeID)
			switch st.Status {
			case core.NodeStatusFailed, core.NodeStatusCanceled:
				r.requeueNode(st)
				retried++
			case core.NodeStatusBlocked:
				st.Status = core.NodeStatusPending
				st.Version++
			}
		}
		if retried == 0 {
			return core.ErrState(core.CodeInvalidState, "plan has no failed or canceled jobs to retry")
		}
		plan.Canceled = false
		plan.IsPaused = false
		plan.EndedAt = nil
		r.persist(h)
		r.bus.Publish(events.NewPlanEvent(events.TypePlanUpdated, id, r.planStatus(h)))
		r.pump(h)
		return nil
	})
}

// requeueNode resets a terminal node for a fresh attempt, preserving its
// attempt history.
func (r *Runner) requeueNode(st *core.ExecutionState) {
	from := st.ResumeFromPhase
	if from == "" {
		from = core.PhasePrechecks
	}
	st.ResetFromPhase(from)
	st.Status = core.NodeStatusPending
	st.EndedAt = nil
	st.MergedToTarget = false
	st.Version++
}
