package runner

import (
	"fmt"

	"github.com/JeromySt/foreman/internal/core"
	"github.com/JeromySt/foreman/internal/events"
)

// ReshapePlan applies an ordered batch of topology mutations. Each op is
// independent: a failed op is reported and skipped without aborting the
// rest. The whole reshape rolls back only if the final graph is invalid.
func (r *Runner) ReshapePlan(cmd *core.ReshapePlanCommand) ([]core.OpResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	var results []core.OpResult
	err := r.do(cmd.PlanID, func(h *planHandle) error {
		plan := h.plan
		if plan.Definition == nil {
			return core.ErrInternal("NO_DEFINITION", "plan has no definition to reshape")
		}

		original := plan.Definition
		working := cloneDefinition(original)
		current := plan

		for i := range cmd.Ops {
			op := &cmd.Ops[i]
			result := core.OpResult{Index: i, Kind: string(op.Kind)}

			candidate := cloneDefinition(working)
			if err := r.applyReshapeOp(current, candidate, op); err != nil {
				result.Error = err.Error()
				results = append(results, result)
				continue
			}

			rebuilt, err := BuildPlan(plan.ID, candidate, current)
			if err != nil {
				result.Error = err.Error()
				results = append(results, result)
				continue
			}

			working = candidate
			current = rebuilt
			result.Success = true
			results = append(results, result)
		}

		// The pump observes the swap atomically: it runs in this mailbox.
		if current == plan {
			return nil // No op succeeded; topology unchanged.
		}
		if err := current.Validate(); err != nil {
			// Defense in depth: per-op builds already validate.
			return err
		}

		h.plan = current
		if err := r.store.SaveDefinition(plan.ID, working); err != nil {
			return err
		}
		r.persist(h)
		r.bus.Publish(events.NewPlanEvent(events.TypePlanUpdated, plan.ID, r.planStatus(h)))
		if !current.IsPaused {
			r.pump(h)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// applyReshapeOp mutates the candidate definition in place.
func (r *Runner) applyReshapeOp(plan *core.Plan, def *core.PlanDefinition, op *core.ReshapeOp) error {
	switch op.Kind {
	case core.ReshapeAddNode:
		return r.reshapeAdd(def, op.Spec)

	case core.ReshapeRemoveNode:
		return r.reshapeRemove(plan, def, op.NodeRef)

	case core.ReshapeUpdateDeps:
		return r.reshapeUpdateDeps(plan, def, op.NodeRef, op.DependsOn)

	case core.ReshapeAddBefore:
		return r.reshapeInsert(plan, def, op.NodeRef, op.Spec, true)

	case core.ReshapeAddAfter:
		return r.reshapeInsert(plan, def, op.NodeRef, op.Spec, false)

	default:
		return core.ErrValidation("INVALID_RESHAPE_OP",
			fmt.Sprintf("unknown reshape op kind: %s", op.Kind))
	}
}

func (r *Runner) reshapeAdd(def *core.PlanDefinition, spec *core.NodeSpec) error {
	if findSpec(def, spec.ProducerID) != nil {
		return core.ErrValidation(core.CodeDuplicateNode,
			fmt.Sprintf("producer id %s already exists", spec.ProducerID))
	}
	def.Nodes = append(def.Nodes, *spec)
	return nil
}

func (r *Runner) reshapeRemove(plan *core.Plan, def *core.PlanDefinition, ref string) error {
	spec, err := resolveSpec(plan, def, ref)
	if err != nil {
		return err
	}

	if nodeID, ok := plan.ResolveNodeRef(string(spec.ProducerID)); ok {
		if plan.State(nodeID).Status.IsActive() {
			return core.ErrState(core.CodeInvalidState,
				fmt.Sprintf("cannot remove job %s while it is %s", spec.ProducerID, plan.State(nodeID).Status))
		}
	}

	// Removing a node another job depends on would orphan that edge.
	for i := range def.Nodes {
		other := &def.Nodes[i]
		if other.ProducerID == spec.ProducerID {
			continue
		}
		for _, dep := range other.DependsOn {
			if refersTo(plan, dep, spec.ProducerID) {
				return core.ErrConflict("DEPENDENT_EXISTS",
					fmt.Sprintf("cannot remove %s: %s depends on it", spec.ProducerID, other.ProducerID))
			}
		}
	}

	out := def.Nodes[:0]
	for _, n := range def.Nodes {
		if n.ProducerID != spec.ProducerID {
			out = append(out, n)
		}
	}
	def.Nodes = out
	return nil
}

func (r *Runner) reshapeUpdateDeps(plan *core.Plan, def *core.PlanDefinition, ref string, deps []string) error {
	spec, err := resolveSpec(plan, def, ref)
	if err != nil {
		return err
	}
	spec.DependsOn = append([]string(nil), deps...)
	return nil
}

// reshapeInsert splices a new node into the chain at the anchor: before
// takes over the anchor's dependencies, after takes over its dependents.
func (r *Runner) reshapeInsert(plan *core.Plan, def *core.PlanDefinition, anchorRef string, spec *core.NodeSpec, before bool) error {
	anchor, err := resolveSpec(plan, def, anchorRef)
	if err != nil {
		return err
	}
	if findSpec(def, spec.ProducerID) != nil {
		return core.ErrValidation(core.CodeDuplicateNode,
			fmt.Sprintf("producer id %s already exists", spec.ProducerID))
	}

	inserted := *spec
	if before {
		inserted.DependsOn = append([]string(nil), anchor.DependsOn...)
		anchor.DependsOn = []string{string(spec.ProducerID)}
	} else {
		inserted.DependsOn = []string{string(anchor.ProducerID)}
		for i := range def.Nodes {
			other := &def.Nodes[i]
			if other.ProducerID == anchor.ProducerID {
				continue
			}
			for j, dep := range other.DependsOn {
				if refersTo(plan, dep, anchor.ProducerID) {
					other.DependsOn[j] = string(spec.ProducerID)
				}
			}
		}
	}
	def.Nodes = append(def.Nodes, inserted)
	return nil
}

// resolveSpec maps a node ref (producer id or node id) to its definition
// spec, refusing auto-managed nodes.
func resolveSpec(plan *core.Plan, def *core.PlanDefinition, ref string) (*core.NodeSpec, error) {
	producer := core.ProducerID(ref)
	if nodeID, ok := plan.ResolveNodeRef(ref); ok {
		producer = plan.Nodes[nodeID].ProducerID
	}
	if producer == core.SnapshotValidationProducerID {
		return nil, core.ErrConflict(core.CodeProtectedNode,
			"the snapshot validation node is auto-managed")
	}
	spec := findSpec(def, producer)
	if spec == nil {
		return nil, core.ErrNotFound("job", ref)
	}
	return spec, nil
}

func findSpec(def *core.PlanDefinition, producer core.ProducerID) *core.NodeSpec {
	for i := range def.Nodes {
		if def.Nodes[i].ProducerID == producer {
			return &def.Nodes[i]
		}
	}
	return nil
}

// refersTo reports whether a dependency ref (producer id or node id) names
// the given producer.
func refersTo(plan *core.Plan, dep string, producer core.ProducerID) bool {
	if dep == string(producer) {
		return true
	}
	if nodeID, ok := plan.ResolveNodeRef(dep); ok {
		return plan.Nodes[nodeID].ProducerID == producer
	}
	return false
}

func cloneDefinition(def *core.PlanDefinition) *core.PlanDefinition {
	out := *def
	out.Nodes = make([]core.NodeSpec, len(def.Nodes))
	for i, n := range def.Nodes {
		spec := n
		spec.DependsOn = append([]string(nil), n.DependsOn...)
		out.Nodes[i] = spec
	}
	if def.Env != nil {
		out.Env = make(map[string]string, len(def.Env))
		for k, v := range def.Env {
			out.Env[k] = v
		}
	}
	return &out
}
