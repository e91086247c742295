package core

import (
	"time"
)

// StateSnapshot is the self-describing persisted form of a plan's runtime
// state. Reloading a snapshot over its definition yields a plan identical
// to the persisted one modulo wall-clock fields.
type StateSnapshot struct {
	PlanID       PlanID    `json:"planId"`
	Lifecycle    Lifecycle `json:"lifecycle"`
	StateVersion int       `json:"stateVersion"`

	BaseBranch   string `json:"baseBranch,omitempty"`
	TargetBranch string `json:"targetBranch,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`

	IsPaused bool `json:"isPaused"`
	Canceled bool `json:"canceled"`

	// States and Attempts are keyed by node id.
	States   map[NodeID]*ExecutionState `json:"states"`
	Attempts map[NodeID][]Attempt       `json:"attempts,omitempty"`

	Groups []Group `json:"groups,omitempty"`
}

// SnapshotFromPlan captures a plan's runtime state.
func SnapshotFromPlan(p *Plan, attempts map[NodeID][]Attempt) *StateSnapshot {
	snap := &StateSnapshot{
		PlanID:       p.ID,
		Lifecycle:    p.Lifecycle,
		StateVersion: p.StateVersion,
		BaseBranch:   p.BaseBranch,
		TargetBranch: p.TargetBranch,
		CreatedAt:    p.CreatedAt,
		StartedAt:    p.StartedAt,
		EndedAt:      p.EndedAt,
		IsPaused:     p.IsPaused,
		Canceled:     p.Canceled,
		States:       make(map[NodeID]*ExecutionState, len(p.States)),
		Attempts:     make(map[NodeID][]Attempt, len(attempts)),
		Groups:       append([]Group(nil), p.Groups...),
	}
	for id, st := range p.States {
		snap.States[id] = st.Clone()
	}
	for id, atts := range attempts {
		snap.Attempts[id] = append([]Attempt(nil), atts...)
	}
	return snap
}

// ApplyToPlan rehydrates a plan's runtime fields from the snapshot.
// Topology is not touched; the plan must already be built from its
// definition.
func (s *StateSnapshot) ApplyToPlan(p *Plan) {
	p.Lifecycle = s.Lifecycle
	p.StateVersion = s.StateVersion
	if s.BaseBranch != "" {
		p.BaseBranch = s.BaseBranch
	}
	if s.TargetBranch != "" {
		p.TargetBranch = s.TargetBranch
	}
	p.CreatedAt = s.CreatedAt
	p.StartedAt = s.StartedAt
	p.EndedAt = s.EndedAt
	p.IsPaused = s.IsPaused
	p.Canceled = s.Canceled
	for id, st := range s.States {
		if _, ok := p.Nodes[id]; ok {
			p.States[id] = st.Clone()
		}
	}
	// Nodes added to the definition after the snapshot was taken start
	// pending.
	for _, id := range p.NodeOrder {
		if _, ok := p.States[id]; !ok {
			p.States[id] = NewExecutionState()
		}
	}
}

// PlanStatusView is the aggregate query result for a plan.
type PlanStatusView struct {
	PlanID    PlanID             `json:"planId"`
	Name      string             `json:"name"`
	Status    PlanStatus         `json:"status"`
	Lifecycle Lifecycle          `json:"lifecycle"`
	Counts    map[NodeStatus]int `json:"counts"`
	Progress  float64            `json:"progress"`
	IsPaused  bool               `json:"isPaused"`
	CreatedAt time.Time          `json:"createdAt"`
	StartedAt *time.Time         `json:"startedAt,omitempty"`
	EndedAt   *time.Time         `json:"endedAt,omitempty"`
}

// FailureContext is the operator-facing bundle for a failed node.
type FailureContext struct {
	PlanID       PlanID           `json:"planId"`
	NodeID       NodeID           `json:"nodeId"`
	ProducerID   ProducerID       `json:"producerId"`
	Phase        Phase            `json:"phase"`
	ErrorMessage string           `json:"errorMessage"`
	SessionID    string           `json:"sessionId,omitempty"`
	WorktreePath string           `json:"worktreePath,omitempty"`
	LastAttempt  *LastAttemptInfo `json:"lastAttempt,omitempty"`
	Logs         string           `json:"logs,omitempty"`
}
