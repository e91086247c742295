package core

import "sort"

// The state machine is pure: it reads a plan's DAG and status map and
// computes readiness, aggregate status and the next schedulable set.
// It never mutates the plan.

// NodeReadiness computes the scheduling state a pending node should hold
// given its dependencies' statuses.
func NodeReadiness(deps []NodeID, statuses map[NodeID]NodeStatus) NodeStatus {
	allSucceeded := true
	for _, dep := range deps {
		switch statuses[dep] {
		case NodeStatusFailed, NodeStatusCanceled, NodeStatusBlocked:
			return NodeStatusBlocked
		case NodeStatusSucceeded:
		default:
			allSucceeded = false
		}
	}
	if allSucceeded {
		return NodeStatusReady
	}
	return NodeStatusPending
}

// AggregateStatus derives a plan-level status from node statuses.
func AggregateStatus(statuses map[NodeID]NodeStatus, canceled bool) PlanStatus {
	if canceled {
		return PlanStatusCanceled
	}
	if len(statuses) == 0 {
		return PlanStatusPending
	}

	var succeeded, failedish, active, ready, terminal int
	for _, s := range statuses {
		switch s {
		case NodeStatusSucceeded:
			succeeded++
			terminal++
		case NodeStatusFailed, NodeStatusCanceled, NodeStatusBlocked:
			failedish++
			terminal++
		case NodeStatusScheduled, NodeStatusRunning:
			active++
		case NodeStatusReady:
			ready++
		}
	}

	switch {
	case active > 0:
		return PlanStatusRunning
	case succeeded == len(statuses):
		return PlanStatusSucceeded
	case terminal == len(statuses):
		if succeeded > 0 {
			return PlanStatusPartial
		}
		return PlanStatusFailed
	case failedish > 0 && ready == 0:
		// Failed with no path to progress; pending nodes are transitively
		// blocked and will settle on the next readiness pass.
		return PlanStatusFailed
	default:
		return PlanStatusPending
	}
}

// ComputeReady returns the next nodes to schedule, in deterministic order:
// depth from root ascending, then producer id lexicographic. At most
// cap-running slots are returned; cap<=0 means the implementation default.
func ComputeReady(p *Plan, maxParallel, runningCount int) []NodeID {
	limit := maxParallel
	if limit <= 0 {
		limit = DefaultParallelCap
	}
	slots := limit - runningCount
	if slots <= 0 {
		return nil
	}

	var ready []NodeID
	for _, id := range p.NodeOrder {
		if p.State(id).Status == NodeStatusReady {
			ready = append(ready, id)
		}
	}
	if len(ready) == 0 {
		return nil
	}

	depths := p.Depths()
	sort.Slice(ready, func(i, j int) bool {
		di, dj := depths[ready[i]], depths[ready[j]]
		if di != dj {
			return di < dj
		}
		return p.Nodes[ready[i]].ProducerID < p.Nodes[ready[j]].ProducerID
	})

	if len(ready) > slots {
		ready = ready[:slots]
	}
	return ready
}

// AdvanceReadiness moves eligible pending nodes to ready (and blocks nodes
// whose dependencies terminally failed). Returns the ids whose status
// changed. This is the only state-machine helper that writes, and it only
// flips pending/ready/blocked.
func AdvanceReadiness(p *Plan) []NodeID {
	statuses := make(map[NodeID]NodeStatus, len(p.NodeOrder))
	for _, id := range p.NodeOrder {
		statuses[id] = p.State(id).Status
	}

	var changed []NodeID
	// Iterate until fixpoint so blocked status propagates down chains in
	// one pump cycle.
	for {
		progressed := false
		for _, id := range p.NodeOrder {
			cur := statuses[id]
			if cur != NodeStatusPending && cur != NodeStatusReady {
				continue
			}
			next := NodeReadiness(p.Nodes[id].Dependencies, statuses)
			if next != cur {
				statuses[id] = next
				p.State(id).Status = next
				changed = append(changed, id)
				progressed = true
			}
		}
		if !progressed {
			return changed
		}
	}
}
