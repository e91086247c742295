package core

import (
	"fmt"
	"sort"
	"time"
)

// PlanID uniquely identifies a plan.
type PlanID string

// Field limits and defaults.
const (
	MaxNameLength    = 200
	MaxParallelLimit = 1024

	// DefaultParallelCap is the effective cap when maxParallel is 0.
	DefaultParallelCap = 4

	// DefaultWorktreeRoot is the per-repo directory that holds job worktrees.
	DefaultWorktreeRoot = ".worktrees"

	// DefaultBranchPrefix prefixes generated feature branches.
	DefaultBranchPrefix = "foreman_plan"
)

// SnapshotValidationProducerID names the auto-managed leaf-aggregating
// validation node. Reshape operations refuse to touch it.
const SnapshotValidationProducerID ProducerID = "snapshot-validation"

// NodeSpec is the declarative form of a job, as authored.
type NodeSpec struct {
	ProducerID ProducerID `json:"producerId" yaml:"producerId"`
	Name       string     `json:"name" yaml:"name"`
	Task       string     `json:"task,omitempty" yaml:"task,omitempty"`

	Work       *WorkSpec `json:"work,omitempty" yaml:"work,omitempty"`
	Prechecks  *WorkSpec `json:"prechecks,omitempty" yaml:"prechecks,omitempty"`
	Postchecks *WorkSpec `json:"postchecks,omitempty" yaml:"postchecks,omitempty"`

	// DependsOn entries may be producer ids or node ids; resolved on build.
	DependsOn []string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`

	Group            string `json:"group,omitempty" yaml:"group,omitempty"`
	AutoHeal         bool   `json:"autoHeal,omitempty" yaml:"autoHeal,omitempty"`
	ExpectsNoChanges bool   `json:"expectsNoChanges,omitempty" yaml:"expectsNoChanges,omitempty"`
}

// PlanDefinition is the declarative spec a plan is materialized from.
type PlanDefinition struct {
	Name         string            `json:"name" yaml:"name"`
	RepoPath     string            `json:"repoPath" yaml:"repoPath"`
	BaseBranch   string            `json:"baseBranch,omitempty" yaml:"baseBranch,omitempty"`
	TargetBranch string            `json:"targetBranch,omitempty" yaml:"targetBranch,omitempty"`
	WorktreeRoot string            `json:"worktreeRoot,omitempty" yaml:"worktreeRoot,omitempty"`
	MaxParallel  int               `json:"maxParallel,omitempty" yaml:"maxParallel,omitempty"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// SnapshotValidation, when set, is the work spec of the auto-managed
	// validation node injected over the plan's leaves.
	SnapshotValidation *WorkSpec `json:"snapshotValidation,omitempty" yaml:"snapshotValidation,omitempty"`

	Nodes []NodeSpec `json:"nodes" yaml:"nodes"`
}

// Validate checks the definition before a plan is built from it.
func (d *PlanDefinition) Validate() error {
	if d.Name == "" {
		return ErrValidation("PLAN_NAME_REQUIRED", "plan name cannot be empty")
	}
	if len(d.Name) > MaxNameLength {
		return ErrValidation("PLAN_NAME_TOO_LONG",
			fmt.Sprintf("plan name exceeds %d characters", MaxNameLength))
	}
	if d.RepoPath == "" {
		return ErrValidation("REPO_PATH_REQUIRED", "plan repoPath cannot be empty")
	}
	if d.MaxParallel < 0 || d.MaxParallel > MaxParallelLimit {
		return ErrValidation("INVALID_MAX_PARALLEL",
			fmt.Sprintf("maxParallel must be in 0..%d (got %d)", MaxParallelLimit, d.MaxParallel))
	}
	seen := make(map[ProducerID]bool, len(d.Nodes))
	for i := range d.Nodes {
		spec := &d.Nodes[i]
		if err := ValidateProducerID(spec.ProducerID); err != nil {
			return err
		}
		if seen[spec.ProducerID] {
			return ErrValidation(CodeDuplicateNode,
				fmt.Sprintf("duplicate producer id: %s", spec.ProducerID))
		}
		seen[spec.ProducerID] = true
		if spec.ProducerID == SnapshotValidationProducerID {
			return ErrValidation(CodeProtectedNode,
				fmt.Sprintf("producer id %s is reserved", SnapshotValidationProducerID))
		}
		if spec.Name == "" {
			return ErrValidation("NODE_NAME_REQUIRED",
				fmt.Sprintf("node %s: name cannot be empty", spec.ProducerID))
		}
		for _, ws := range []*WorkSpec{spec.Work, spec.Prechecks, spec.Postchecks} {
			if err := ws.Validate(); err != nil {
				return err
			}
		}
	}
	if d.SnapshotValidation != nil {
		if err := d.SnapshotValidation.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Plan is a materialized DAG of job nodes with live execution state.
type Plan struct {
	ID        PlanID    `json:"id"`
	Name      string    `json:"name"`
	Lifecycle Lifecycle `json:"lifecycle"`

	Definition *PlanDefinition `json:"-"`

	RepoPath     string            `json:"repoPath"`
	BaseBranch   string            `json:"baseBranch"`
	TargetBranch string            `json:"targetBranch"`
	WorktreeRoot string            `json:"worktreeRoot"`
	MaxParallel  int               `json:"maxParallel"`
	Env          map[string]string `json:"env,omitempty"`

	Nodes     map[NodeID]*Node           `json:"nodes"`
	NodeOrder []NodeID                   `json:"nodeOrder"`
	States    map[NodeID]*ExecutionState `json:"states"`
	Producers map[ProducerID]NodeID      `json:"producers"`

	Roots  []NodeID `json:"roots"`
	Leaves []NodeID `json:"leaves"`
	Groups []Group  `json:"groups,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`

	IsPaused     bool `json:"isPaused"`
	Canceled     bool `json:"canceled"`
	StateVersion int  `json:"stateVersion"`
}

// EffectiveMaxParallel resolves maxParallel=0 to the implementation cap.
func (p *Plan) EffectiveMaxParallel() int {
	if p.MaxParallel <= 0 {
		return DefaultParallelCap
	}
	return p.MaxParallel
}

// Node returns the node for an id.
func (p *Plan) Node(id NodeID) (*Node, bool) {
	n, ok := p.Nodes[id]
	return n, ok
}

// NodeByProducer resolves a producer id to its node.
func (p *Plan) NodeByProducer(id ProducerID) (*Node, bool) {
	nodeID, ok := p.Producers[id]
	if !ok {
		return nil, false
	}
	return p.Node(nodeID)
}

// ResolveNodeRef resolves a reference that may be a node id or producer id.
func (p *Plan) ResolveNodeRef(ref string) (NodeID, bool) {
	if _, ok := p.Nodes[NodeID(ref)]; ok {
		return NodeID(ref), true
	}
	if id, ok := p.Producers[ProducerID(ref)]; ok {
		return id, true
	}
	return "", false
}

// State returns the execution state for a node, creating it when absent.
func (p *Plan) State(id NodeID) *ExecutionState {
	if s, ok := p.States[id]; ok {
		return s
	}
	s := NewExecutionState()
	p.States[id] = s
	return s
}

// StatusCounts tallies node statuses.
func (p *Plan) StatusCounts() map[NodeStatus]int {
	counts := make(map[NodeStatus]int)
	for _, id := range p.NodeOrder {
		counts[p.State(id).Status]++
	}
	return counts
}

// RunningCount returns the number of scheduled or running nodes.
func (p *Plan) RunningCount() int {
	n := 0
	for _, id := range p.NodeOrder {
		if p.State(id).Status.IsActive() {
			n++
		}
	}
	return n
}

// Progress returns completion in [0,1].
func (p *Plan) Progress() float64 {
	if len(p.NodeOrder) == 0 {
		return 0
	}
	done := 0
	for _, id := range p.NodeOrder {
		if p.State(id).Status.IsTerminal() {
			done++
		}
	}
	return float64(done) / float64(len(p.NodeOrder))
}

// IsLeaf reports whether the node has no dependents.
func (p *Plan) IsLeaf(id NodeID) bool {
	n, ok := p.Nodes[id]
	return ok && len(n.Dependents) == 0
}

// Depths returns each node's depth from the roots (roots are depth 0).
func (p *Plan) Depths() map[NodeID]int {
	depths := make(map[NodeID]int, len(p.Nodes))
	var visit func(id NodeID) int
	visit = func(id NodeID) int {
		if d, ok := depths[id]; ok {
			return d
		}
		// Mark before recursing; acyclic by construction so the sentinel
		// is only read on malformed graphs.
		depths[id] = 0
		max := 0
		for _, dep := range p.Nodes[id].Dependencies {
			if d := visit(dep) + 1; d > max {
				max = d
			}
		}
		depths[id] = max
		return max
	}
	for _, id := range p.NodeOrder {
		visit(id)
	}
	return depths
}

// Validate checks plan invariants: bijection, acyclicity, dependency closure.
func (p *Plan) Validate() error {
	if p.ID == "" {
		return ErrValidation("PLAN_ID_REQUIRED", "plan id cannot be empty")
	}
	if len(p.Producers) != len(p.Nodes) {
		return ErrInternal("PRODUCER_MAP_SKEW",
			fmt.Sprintf("producer map has %d entries for %d nodes", len(p.Producers), len(p.Nodes)))
	}
	for pid, nid := range p.Producers {
		n, ok := p.Nodes[nid]
		if !ok {
			return ErrInternal("PRODUCER_MAP_DANGLING",
				fmt.Sprintf("producer %s maps to unknown node %s", pid, nid))
		}
		if n.ProducerID != pid {
			return ErrInternal("PRODUCER_MAP_SKEW",
				fmt.Sprintf("producer %s maps to node with producer %s", pid, n.ProducerID))
		}
	}
	for _, n := range p.Nodes {
		for _, dep := range n.Dependencies {
			if _, ok := p.Nodes[dep]; !ok {
				return ErrValidation("UNKNOWN_DEPENDENCY",
					fmt.Sprintf("node %s depends on unknown node %s", n.ProducerID, dep))
			}
		}
	}
	return detectCycle(p.Nodes)
}

// detectCycle runs a three-color DFS over the dependency edges.
func detectCycle(nodes map[NodeID]*Node) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[NodeID]int, len(nodes))

	var visit func(id NodeID, trail []NodeID) error
	visit = func(id NodeID, trail []NodeID) error {
		switch color[id] {
		case gray:
			return ErrValidation(CodeDAGCycle,
				fmt.Sprintf("dependency cycle through %s", formatTrail(nodes, append(trail, id))))
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range nodes[id].Dependencies {
			if _, ok := nodes[dep]; !ok {
				continue
			}
			if err := visit(dep, append(trail, id)); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	ids := make([]NodeID, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := visit(id, nil); err != nil {
			return err
		}
	}
	return nil
}

func formatTrail(nodes map[NodeID]*Node, trail []NodeID) string {
	out := ""
	for i, id := range trail {
		if i > 0 {
			out += " -> "
		}
		if n, ok := nodes[id]; ok {
			out += string(n.ProducerID)
		} else {
			out += string(id)
		}
	}
	return out
}

// Rewire recomputes derived structure: dependents, roots, leaves, groups.
// Call after any topology mutation.
func (p *Plan) Rewire() {
	for _, n := range p.Nodes {
		n.Dependents = nil
	}
	for _, id := range p.NodeOrder {
		n := p.Nodes[id]
		for _, dep := range n.Dependencies {
			if d, ok := p.Nodes[dep]; ok {
				d.Dependents = append(d.Dependents, id)
			}
		}
	}
	p.Roots = p.Roots[:0]
	p.Leaves = p.Leaves[:0]
	for _, id := range p.NodeOrder {
		n := p.Nodes[id]
		if len(n.Dependencies) == 0 {
			p.Roots = append(p.Roots, id)
		}
		if len(n.Dependents) == 0 {
			p.Leaves = append(p.Leaves, id)
		}
	}
	p.rebuildGroups()
}

func (p *Plan) rebuildGroups() {
	byPath := make(map[string][]NodeID)
	for _, id := range p.NodeOrder {
		if g := p.Nodes[id].Group; g != "" {
			byPath[g] = append(byPath[g], id)
		}
	}
	paths := make([]string, 0, len(byPath))
	for path := range byPath {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	p.Groups = p.Groups[:0]
	for _, path := range paths {
		p.Groups = append(p.Groups, Group{Path: path, Nodes: byPath[path]})
	}
}

// GroupStatus derives the aggregate status of a group from its members.
func (p *Plan) GroupStatus(path string) PlanStatus {
	statuses := make(map[NodeID]NodeStatus)
	for _, g := range p.Groups {
		if g.Path != path {
			continue
		}
		for _, id := range g.Nodes {
			statuses[id] = p.State(id).Status
		}
	}
	return AggregateStatus(statuses, false)
}
