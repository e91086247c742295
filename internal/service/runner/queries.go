package runner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JeromySt/foreman/internal/core"
)

// JobView is the read-only query form of a node.
type JobView struct {
	PlanID     core.PlanID          `json:"planId"`
	NodeID     core.NodeID          `json:"nodeId"`
	ProducerID core.ProducerID      `json:"producerId"`
	Name       string               `json:"name"`
	Task       string               `json:"task,omitempty"`
	Group      string               `json:"group,omitempty"`
	DependsOn  []core.ProducerID    `json:"dependsOn,omitempty"`
	State      *core.ExecutionState `json:"state"`
}

// GetStatus returns the aggregate status view for a plan.
func (r *Runner) GetStatus(id core.PlanID) (*core.PlanStatusView, error) {
	var view *core.PlanStatusView
	err := r.do(id, func(h *planHandle) error {
		view = r.statusView(h)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

func (r *Runner) statusView(h *planHandle) *core.PlanStatusView {
	plan := h.plan
	return &core.PlanStatusView{
		PlanID:    plan.ID,
		Name:      plan.Name,
		Status:    r.planStatus(h),
		Lifecycle: plan.Lifecycle,
		Counts:    plan.StatusCounts(),
		Progress:  plan.Progress(),
		IsPaused:  plan.IsPaused,
		CreatedAt: plan.CreatedAt,
		StartedAt: plan.StartedAt,
		EndedAt:   plan.EndedAt,
	}
}

// ListPlans returns status views for all live plans, newest first.
func (r *Runner) ListPlans() []*core.PlanStatusView {
	r.mu.RLock()
	ids := make([]core.PlanID, 0, len(r.plans))
	for id := range r.plans {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	views := make([]*core.PlanStatusView, 0, len(ids))
	for _, id := range ids {
		if view, err := r.GetStatus(id); err == nil {
			views = append(views, view)
		}
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
	return views
}

// GetJob returns the query view of one node.
func (r *Runner) GetJob(id core.PlanID, nodeRef string) (*JobView, error) {
	var view *JobView
	err := r.do(id, func(h *planHandle) error {
		nodeID, ok := h.plan.ResolveNodeRef(nodeRef)
		if !ok {
			return core.ErrNotFound("job", nodeRef)
		}
		view = jobView(h.plan, nodeID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// ListJobs returns views of all of a plan's nodes in build order.
func (r *Runner) ListJobs(id core.PlanID) ([]*JobView, error) {
	var views []*JobView
	err := r.do(id, func(h *planHandle) error {
		for _, nodeID := range h.plan.NodeOrder {
			views = append(views, jobView(h.plan, nodeID))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return views, nil
}

func jobView(plan *core.Plan, id core.NodeID) *JobView {
	node := plan.Nodes[id]
	deps := make([]core.ProducerID, 0, len(node.Dependencies))
	for _, dep := range node.Dependencies {
		deps = append(deps, plan.Nodes[dep].ProducerID)
	}
	return &JobView{
		PlanID:     plan.ID,
		NodeID:     node.ID,
		ProducerID: node.ProducerID,
		Name:       node.Name,
		Task:       node.Task,
		Group:      node.Group,
		DependsOn:  deps,
		State:      plan.State(id).Clone(),
	}
}

// GetJobLogs returns a node's latest attempt log, optionally filtered to
// one phase.
func (r *Runner) GetJobLogs(id core.PlanID, nodeRef string, phase core.Phase) (string, error) {
	var nodeID core.NodeID
	var attemptNum int
	err := r.do(id, func(h *planHandle) error {
		resolved, ok := h.plan.ResolveNodeRef(nodeRef)
		if !ok {
			return core.ErrNotFound("job", nodeRef)
		}
		nodeID = resolved
		attemptNum = h.plan.State(nodeID).Attempts
		return nil
	})
	if err != nil {
		return "", err
	}
	if attemptNum == 0 {
		return "", nil
	}

	data, err := r.store.ReadLog(id, nodeID, attemptNum)
	if err != nil {
		return "", err
	}
	if phase == "" {
		return string(data), nil
	}

	marker := fmt.Sprintf("[%s]", phase)
	var b strings.Builder
	for _, line := range strings.Split(string(data), "\n") {
		if strings.Contains(line, marker) {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}

// GetJobAttempts returns a node's attempt history, oldest first.
func (r *Runner) GetJobAttempts(id core.PlanID, nodeRef string) ([]core.Attempt, error) {
	var attempts []core.Attempt
	err := r.do(id, func(h *planHandle) error {
		nodeID, ok := h.plan.ResolveNodeRef(nodeRef)
		if !ok {
			return core.ErrNotFound("job", nodeRef)
		}
		attempts = append([]core.Attempt(nil), h.attempts[nodeID]...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

// GetJobAttempt returns one attempt by number (1-based).
func (r *Runner) GetJobAttempt(id core.PlanID, nodeRef string, number int) (*core.Attempt, error) {
	attempts, err := r.GetJobAttempts(id, nodeRef)
	if err != nil {
		return nil, err
	}
	for i := range attempts {
		if attempts[i].Number == number {
			return &attempts[i], nil
		}
	}
	return nil, core.ErrNotFound("attempt", fmt.Sprintf("%s#%d", nodeRef, number))
}

// GetJobFailureContext bundles everything an operator needs to diagnose a
// failed node. Errors if the node is not failed.
func (r *Runner) GetJobFailureContext(id core.PlanID, nodeRef string) (*core.FailureContext, error) {
	var fc *core.FailureContext
	var attemptNum int
	err := r.do(id, func(h *planHandle) error {
		plan := h.plan
		nodeID, ok := plan.ResolveNodeRef(nodeRef)
		if !ok {
			return core.ErrNotFound("job", nodeRef)
		}
		node := plan.Nodes[nodeID]
		st := plan.State(nodeID)
		if st.Status != core.NodeStatusFailed {
			return core.ErrState(core.CodeInvalidState,
				fmt.Sprintf("job %s is %s, not failed", node.ProducerID, st.Status))
		}
		phase := core.Phase("")
		if st.LastAttempt != nil {
			phase = st.LastAttempt.Phase
		}
		fc = &core.FailureContext{
			PlanID:       plan.ID,
			NodeID:       nodeID,
			ProducerID:   node.ProducerID,
			Phase:        phase,
			ErrorMessage: st.Error,
			SessionID:    st.SessionID,
			WorktreePath: st.WorktreePath,
		}
		if st.LastAttempt != nil {
			la := *st.LastAttempt
			fc.LastAttempt = &la
		}
		attemptNum = st.Attempts
		return nil
	})
	if err != nil {
		return nil, err
	}

	if attemptNum > 0 {
		if data, err := r.store.ReadLog(id, fc.NodeID, attemptNum); err == nil {
			fc.Logs = tailString(string(data), 8*1024)
		}
	}
	return fc, nil
}

// FindJobGlobally resolves a producer id or node uuid across all plans.
// Live plans win over the persisted index.
func (r *Runner) FindJobGlobally(ref string) (core.PlanID, core.NodeID, error) {
	r.mu.RLock()
	handles := make([]*planHandle, 0, len(r.plans))
	for _, h := range r.plans {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	for _, h := range handles {
		var nodeID core.NodeID
		found := false
		_ = r.do(h.plan.ID, func(h *planHandle) error {
			if resolved, ok := h.plan.ResolveNodeRef(ref); ok {
				nodeID = resolved
				found = true
			}
			return nil
		})
		if found {
			return h.plan.ID, nodeID, nil
		}
	}

	if r.index != nil {
		return r.index.Find(ref)
	}
	return "", "", core.ErrNotFound("job", ref)
}

// SearchJobs fuzzy-matches producer ids across the global index.
func (r *Runner) SearchJobs(query string, limit int) ([]core.JobIndexEntry, error) {
	if r.index == nil {
		return nil, nil
	}
	return r.index.Search(query, limit)
}

func tailString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
