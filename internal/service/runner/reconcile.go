package runner

import (
	"fmt"

	"github.com/JeromySt/foreman/internal/core"
)

// LoadAll restores persisted plans on startup. Jobs the previous process
// left in flight are converted to failed ("orphaned") so operators can
// retry them; their worktrees become candidates for the cleanup scan.
func (r *Runner) LoadAll() error {
	ids, err := r.store.ListPlanIDs()
	if err != nil {
		return err
	}

	for _, id := range ids {
		if err := r.loadPlan(id); err != nil {
			r.logger.Error("loading plan failed", "plan_id", id, "error", err)
			continue
		}
	}
	return nil
}

func (r *Runner) loadPlan(id core.PlanID) error {
	def, err := r.store.LoadDefinition(id)
	if err != nil {
		return err
	}
	snap, err := r.store.LoadState(id)
	if err != nil {
		return err
	}

	plan, err := BuildPlan(id, def, nil)
	if err != nil {
		return err
	}

	attempts := make(map[core.NodeID][]core.Attempt)
	if snap != nil {
		snap.ApplyToPlan(plan)
		for nodeID, atts := range snap.Attempts {
			attempts[nodeID] = append([]core.Attempt(nil), atts...)
		}
	} else {
		// A definition without state was mid-scaffold when the process
		// died; reopen it for construction.
		plan.Lifecycle = core.LifecycleScaffolding
	}

	orphaned := reconcileOrphans(plan)

	h := r.admit(plan, attempts)
	if orphaned > 0 {
		r.logger.Warn("reconciled orphaned jobs", "plan_id", id, "count", orphaned)
		_ = r.do(id, func(h *planHandle) error {
			r.persist(h)
			if !h.plan.IsPaused {
				r.pump(h)
			}
			return nil
		})
	}
	_ = h
	return nil
}

// reconcileOrphans converts jobs left scheduled/running by a dead process
// into failed at their last known phase. Returns how many were converted.
func reconcileOrphans(plan *core.Plan) int {
	orphaned := 0
	for _, nodeID := range plan.NodeOrder {
		st := plan.State(nodeID)
		if !st.Status.IsActive() {
			continue
		}
		phase := core.Phase("")
		if st.LastAttempt != nil {
			phase = st.LastAttempt.Phase
		}
		st.Status = core.NodeStatusFailed
		st.Error = "orphaned: process exited"
		if phase != "" {
			st.Error = fmt.Sprintf("orphaned: process exited during %s", phase)
		}
		st.Version++
		orphaned++
	}
	return orphaned
}

// RehydratePlan reloads a plan's state from disk when an external writer
// advanced it past the in-memory version.
func (r *Runner) RehydratePlan(id core.PlanID) {
	err := r.do(id, func(h *planHandle) error {
		snap, err := r.store.LoadState(id)
		if err != nil || snap == nil {
			return err
		}
		if snap.StateVersion <= h.plan.StateVersion {
			return nil
		}
		r.logger.Info("rehydrating plan from newer snapshot",
			"plan_id", id, "disk_version", snap.StateVersion, "memory_version", h.plan.StateVersion)
		snap.ApplyToPlan(h.plan)
		return nil
	})
	if err != nil {
		r.logger.Warn("rehydrating plan failed", "plan_id", id, "error", err)
	}
}
