package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlan(t *testing.T, edges map[string][]string) *Plan {
	t.Helper()
	plan := &Plan{
		ID:        "p1",
		Nodes:     make(map[NodeID]*Node),
		States:    make(map[NodeID]*ExecutionState),
		Producers: make(map[ProducerID]NodeID),
	}
	for name := range edges {
		id := NodeID("node-" + name)
		plan.Nodes[id] = &Node{ID: id, ProducerID: ProducerID(name), Name: name}
		plan.NodeOrder = append(plan.NodeOrder, id)
		plan.Producers[ProducerID(name)] = id
		plan.States[id] = NewExecutionState()
	}
	for name, deps := range edges {
		node := plan.Nodes[NodeID("node-"+name)]
		for _, dep := range deps {
			node.Dependencies = append(node.Dependencies, NodeID("node-"+dep))
		}
	}
	plan.Rewire()
	return plan
}

func TestNodeReadiness(t *testing.T) {
	tests := []struct {
		name     string
		deps     []NodeID
		statuses map[NodeID]NodeStatus
		want     NodeStatus
	}{
		{
			name: "no deps is ready",
			want: NodeStatusReady,
		},
		{
			name:     "all succeeded is ready",
			deps:     []NodeID{"a", "b"},
			statuses: map[NodeID]NodeStatus{"a": NodeStatusSucceeded, "b": NodeStatusSucceeded},
			want:     NodeStatusReady,
		},
		{
			name:     "failed dep blocks",
			deps:     []NodeID{"a", "b"},
			statuses: map[NodeID]NodeStatus{"a": NodeStatusSucceeded, "b": NodeStatusFailed},
			want:     NodeStatusBlocked,
		},
		{
			name:     "canceled dep blocks",
			deps:     []NodeID{"a"},
			statuses: map[NodeID]NodeStatus{"a": NodeStatusCanceled},
			want:     NodeStatusBlocked,
		},
		{
			name:     "blocked dep propagates",
			deps:     []NodeID{"a"},
			statuses: map[NodeID]NodeStatus{"a": NodeStatusBlocked},
			want:     NodeStatusBlocked,
		},
		{
			name:     "running dep stays pending",
			deps:     []NodeID{"a"},
			statuses: map[NodeID]NodeStatus{"a": NodeStatusRunning},
			want:     NodeStatusPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NodeReadiness(tt.deps, tt.statuses))
		})
	}
}

func TestAggregateStatus(t *testing.T) {
	s := func(statuses ...NodeStatus) map[NodeID]NodeStatus {
		out := make(map[NodeID]NodeStatus)
		for i, st := range statuses {
			out[NodeID(rune('a'+i))] = st
		}
		return out
	}

	assert.Equal(t, PlanStatusCanceled, AggregateStatus(s(NodeStatusRunning), true))
	assert.Equal(t, PlanStatusPending, AggregateStatus(nil, false))
	assert.Equal(t, PlanStatusRunning, AggregateStatus(s(NodeStatusRunning, NodeStatusPending), false))
	assert.Equal(t, PlanStatusRunning, AggregateStatus(s(NodeStatusScheduled), false))
	assert.Equal(t, PlanStatusSucceeded, AggregateStatus(s(NodeStatusSucceeded, NodeStatusSucceeded), false))
	assert.Equal(t, PlanStatusFailed, AggregateStatus(s(NodeStatusFailed, NodeStatusBlocked), false))
	assert.Equal(t, PlanStatusPartial, AggregateStatus(s(NodeStatusSucceeded, NodeStatusFailed), false))
	// Failed with no path to progress, pending still settling.
	assert.Equal(t, PlanStatusFailed, AggregateStatus(s(NodeStatusFailed, NodeStatusPending), false))
	assert.Equal(t, PlanStatusPending, AggregateStatus(s(NodeStatusReady, NodeStatusPending), false))
}

func TestAdvanceReadiness_Propagation(t *testing.T) {
	plan := testPlan(t, map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"b"},
	})

	changed := AdvanceReadiness(plan)
	require.NotEmpty(t, changed)
	assert.Equal(t, NodeStatusReady, plan.State(plan.Producers["a"]).Status)
	assert.Equal(t, NodeStatusPending, plan.State(plan.Producers["b"]).Status)

	// A failure blocks the whole downstream chain in one pass.
	plan.State(plan.Producers["a"]).Status = NodeStatusFailed
	AdvanceReadiness(plan)
	assert.Equal(t, NodeStatusBlocked, plan.State(plan.Producers["b"]).Status)
	assert.Equal(t, NodeStatusBlocked, plan.State(plan.Producers["c"]).Status)
}

func TestComputeReady_DeterministicOrder(t *testing.T) {
	plan := testPlan(t, map[string][]string{
		"zeta":  nil,
		"alpha": nil,
		"mid":   {"alpha"},
	})
	AdvanceReadiness(plan)

	// Both roots ready; depth ties break by producer id.
	ready := ComputeReady(plan, 10, 0)
	require.Len(t, ready, 2)
	assert.Equal(t, ProducerID("alpha"), plan.Nodes[ready[0]].ProducerID)
	assert.Equal(t, ProducerID("zeta"), plan.Nodes[ready[1]].ProducerID)
}

func TestComputeReady_RespectsCap(t *testing.T) {
	plan := testPlan(t, map[string][]string{
		"a": nil, "b": nil, "c": nil,
	})
	AdvanceReadiness(plan)

	assert.Len(t, ComputeReady(plan, 2, 0), 2)
	assert.Len(t, ComputeReady(plan, 2, 1), 1)
	assert.Empty(t, ComputeReady(plan, 2, 2))
	// maxParallel=0 means the implementation cap (4).
	assert.Len(t, ComputeReady(plan, 0, 0), 3)
	assert.Len(t, ComputeReady(plan, 0, 3), 1)
}

func TestDepths(t *testing.T) {
	plan := testPlan(t, map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"a", "b"},
	})
	depths := plan.Depths()
	assert.Equal(t, 0, depths[plan.Producers["a"]])
	assert.Equal(t, 1, depths[plan.Producers["b"]])
	assert.Equal(t, 2, depths[plan.Producers["c"]])
}

func TestPlanValidate_DetectsCycle(t *testing.T) {
	plan := testPlan(t, map[string][]string{
		"a": {"c"},
		"b": {"a"},
		"c": {"b"},
	})
	err := plan.Validate()
	require.Error(t, err)
	assert.True(t, IsCategory(err, ErrCatValidation))
	assert.Contains(t, err.Error(), CodeDAGCycle)
}

func TestRewire_RootsAndLeaves(t *testing.T) {
	plan := testPlan(t, map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"a"},
	})
	require.Len(t, plan.Roots, 1)
	assert.Equal(t, plan.Producers["a"], plan.Roots[0])
	assert.Len(t, plan.Leaves, 2)
	assert.True(t, plan.IsLeaf(plan.Producers["b"]), "b is a leaf")
	assert.False(t, plan.IsLeaf(plan.Producers["a"]), "a has dependents")
}
