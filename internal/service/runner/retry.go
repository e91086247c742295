package runner

import (
	"context"
	"fmt"

	"github.com/JeromySt/foreman/internal/core"
	"github.com/JeromySt/foreman/internal/events"
)

// RetryJob re-queues a terminally failed or canceled node, optionally
// replacing its specs and clearing its worktree. The prior attempt history
// is preserved; the plan is resumed.
func (r *Runner) RetryJob(ctx context.Context, cmd *core.RetryJobCommand) core.CommandResult {
	if err := cmd.Validate(); err != nil {
		return core.ResultFromError(err)
	}
	err := r.do(cmd.PlanID, func(h *planHandle) error {
		plan := h.plan
		nodeID, ok := plan.ResolveNodeRef(cmd.NodeRef)
		if !ok {
			return core.ErrNotFound("job", cmd.NodeRef)
		}
		node := plan.Nodes[nodeID]
		st := plan.State(nodeID)

		switch st.Status {
		case core.NodeStatusFailed, core.NodeStatusCanceled:
		default:
			return core.ErrState(core.CodeInvalidState,
				fmt.Sprintf("cannot retry job %s in status %s", node.ProducerID, st.Status))
		}

		if cmd.NewWork != nil {
			node.Work = cmd.NewWork
			r.updateDefinitionSpec(plan, node.ProducerID, func(spec *core.NodeSpec) {
				spec.Work = cmd.NewWork
			})
		}
		if cmd.NewPrechecks != nil {
			node.Prechecks = cmd.NewPrechecks
			r.updateDefinitionSpec(plan, node.ProducerID, func(spec *core.NodeSpec) {
				spec.Prechecks = cmd.NewPrechecks
			})
		}
		if cmd.NewPostchecks != nil {
			node.Postchecks = cmd.NewPostchecks
			r.updateDefinitionSpec(plan, node.ProducerID, func(spec *core.NodeSpec) {
				spec.Postchecks = cmd.NewPostchecks
			})
		}

		if cmd.ClearWorktree && st.WorktreePath != "" {
			if err := r.git.RemoveWorktree(ctx, plan.RepoPath, st.WorktreePath, true); err != nil {
				r.logger.Warn("clearing worktree failed", "path", st.WorktreePath, "error", err)
			}
			st.WorktreePath = ""
		}

		r.requeueNode(st)
		// Dependents blocked by this failure become eligible again.
		for _, depID := range plan.NodeOrder {
			depSt := plan.State(depID)
			if depSt.Status == core.NodeStatusBlocked {
				depSt.Status = core.NodeStatusPending
				depSt.Version++
			}
		}

		plan.Canceled = false
		plan.IsPaused = false
		plan.EndedAt = nil

		if err := r.persistDefinition(h); err != nil {
			return err
		}
		r.persist(h)
		r.bus.Publish(events.NewNodeStatusEvent(plan.ID, node, st.Status, st.Attempts, ""))
		r.pump(h)
		return nil
	})
	return core.ResultFromError(err)
}

// ForceFailJob kills a running or scheduled job's subprocess and marks it
// failed so the operator can retry it.
func (r *Runner) ForceFailJob(cmd *core.NodeRefCommand) core.CommandResult {
	if err := cmd.Validate(); err != nil {
		return core.ResultFromError(err)
	}
	err := r.do(cmd.PlanID, func(h *planHandle) error {
		plan := h.plan
		nodeID, ok := plan.ResolveNodeRef(cmd.NodeRef)
		if !ok {
			return core.ErrNotFound("job", cmd.NodeRef)
		}
		st := plan.State(nodeID)
		if !st.Status.IsActive() {
			return core.ErrState(core.CodeInvalidState,
				fmt.Sprintf("cannot force-fail job %s in status %s", cmd.NodeRef, st.Status))
		}

		live, ok := h.execs[nodeID]
		if !ok {
			// Scheduled but not yet spawned; settle directly.
			st.Status = core.NodeStatusFailed
			st.Error = "force-failed"
			st.Version++
			r.persist(h)
			return nil
		}
		live.forceFail = true
		live.cancel()
		return nil
	})
	return core.ResultFromError(err)
}

// UpdateJob replaces specs on a node that is neither active nor succeeded,
// optionally rewinding its step statuses to a stage.
func (r *Runner) UpdateJob(cmd *core.UpdateJobCommand) core.CommandResult {
	if err := cmd.Validate(); err != nil {
		return core.ResultFromError(err)
	}
	err := r.do(cmd.PlanID, func(h *planHandle) error {
		plan := h.plan
		nodeID, ok := plan.ResolveNodeRef(cmd.NodeRef)
		if !ok {
			return core.ErrNotFound("job", cmd.NodeRef)
		}
		node := plan.Nodes[nodeID]
		st := plan.State(nodeID)

		switch st.Status {
		case core.NodeStatusRunning, core.NodeStatusScheduled, core.NodeStatusSucceeded:
			return core.ErrState(core.CodeInvalidState,
				fmt.Sprintf("cannot update job %s in status %s", node.ProducerID, st.Status))
		}
		if node.AutoManaged {
			return core.ErrConflict(core.CodeProtectedNode,
				fmt.Sprintf("job %s is auto-managed", node.ProducerID))
		}

		if cmd.Work != nil {
			node.Work = cmd.Work
			r.updateDefinitionSpec(plan, node.ProducerID, func(spec *core.NodeSpec) {
				spec.Work = cmd.Work
			})
		}
		if cmd.Prechecks != nil {
			node.Prechecks = cmd.Prechecks
			r.updateDefinitionSpec(plan, node.ProducerID, func(spec *core.NodeSpec) {
				spec.Prechecks = cmd.Prechecks
			})
		}
		if cmd.Postchecks != nil {
			node.Postchecks = cmd.Postchecks
			r.updateDefinitionSpec(plan, node.ProducerID, func(spec *core.NodeSpec) {
				spec.Postchecks = cmd.Postchecks
			})
		}
		if cmd.ResetToStage != "" {
			st.ResetFromPhase(cmd.ResetToStage)
			if st.Status.IsTerminal() {
				st.Status = core.NodeStatusPending
			}
			st.Version++
		}

		if err := r.persistDefinition(h); err != nil {
			return err
		}
		r.persist(h)
		r.bus.Publish(events.NewPlanEvent(events.TypePlanUpdated, plan.ID, r.planStatus(h)))
		if !plan.IsPaused {
			r.pump(h)
		}
		return nil
	})
	return core.ResultFromError(err)
}

// updateDefinitionSpec mirrors a live node spec change into the plan
// definition so rebuilds and restarts observe it.
func (r *Runner) updateDefinitionSpec(plan *core.Plan, producer core.ProducerID, apply func(*core.NodeSpec)) {
	if plan.Definition == nil {
		return
	}
	for i := range plan.Definition.Nodes {
		if plan.Definition.Nodes[i].ProducerID == producer {
			apply(&plan.Definition.Nodes[i])
			return
		}
	}
}

func (r *Runner) persistDefinition(h *planHandle) error {
	if h.plan.Definition == nil {
		return nil
	}
	return r.store.SaveDefinition(h.plan.ID, h.plan.Definition)
}
