package runner

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/JeromySt/foreman/internal/core"
	"github.com/JeromySt/foreman/internal/logging"
)

// Repository materializes plans from definitions and drives the
// scaffold -> addNode -> finalize lifecycle. It owns no live plans; the
// runner admits what it returns.
type Repository struct {
	store    core.PlanStore
	resolver *BranchResolver
	logger   *logging.Logger
}

// NewRepository creates a plan repository.
func NewRepository(store core.PlanStore, resolver *BranchResolver, logger *logging.Logger) *Repository {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Repository{
		store:    store,
		resolver: resolver,
		logger:   logger,
	}
}

// BuildPlan materializes a definition into a plan instance. When prior is
// non-nil, node ids and execution states carry over by producer id so a
// rebuild preserves runtime identity.
func BuildPlan(id core.PlanID, def *core.PlanDefinition, prior *core.Plan) (*core.Plan, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	plan := &core.Plan{
		ID:           id,
		Name:         def.Name,
		Lifecycle:    core.LifecycleActive,
		Definition:   def,
		RepoPath:     def.RepoPath,
		BaseBranch:   def.BaseBranch,
		TargetBranch: def.TargetBranch,
		WorktreeRoot: def.WorktreeRoot,
		MaxParallel:  def.MaxParallel,
		Env:          def.Env,
		Nodes:        make(map[core.NodeID]*core.Node, len(def.Nodes)+1),
		States:       make(map[core.NodeID]*core.ExecutionState, len(def.Nodes)+1),
		Producers:    make(map[core.ProducerID]core.NodeID, len(def.Nodes)+1),
		CreatedAt:    time.Now(),
	}
	if plan.WorktreeRoot == "" {
		plan.WorktreeRoot = core.DefaultWorktreeRoot
	}
	if prior != nil {
		plan.Lifecycle = prior.Lifecycle
		plan.BaseBranch = prior.BaseBranch
		plan.TargetBranch = prior.TargetBranch
		plan.CreatedAt = prior.CreatedAt
		plan.StartedAt = prior.StartedAt
		plan.EndedAt = prior.EndedAt
		plan.IsPaused = prior.IsPaused
		plan.Canceled = prior.Canceled
		plan.StateVersion = prior.StateVersion
	}

	nodeID := func(producer core.ProducerID) core.NodeID {
		if prior != nil {
			if id, ok := prior.Producers[producer]; ok {
				return id
			}
		}
		return core.NodeID(uuid.NewString())
	}

	for i := range def.Nodes {
		spec := &def.Nodes[i]
		id := nodeID(spec.ProducerID)
		node := &core.Node{
			ID:               id,
			ProducerID:       spec.ProducerID,
			Name:             spec.Name,
			Task:             spec.Task,
			Work:             spec.Work,
			Prechecks:        spec.Prechecks,
			Postchecks:       spec.Postchecks,
			Group:            spec.Group,
			AutoHeal:         spec.AutoHeal,
			ExpectsNoChanges: spec.ExpectsNoChanges,
		}
		plan.Nodes[id] = node
		plan.NodeOrder = append(plan.NodeOrder, id)
		plan.Producers[spec.ProducerID] = id
	}

	// Resolve declared dependencies: each may be a producer id or node id.
	for i := range def.Nodes {
		spec := &def.Nodes[i]
		node := plan.Nodes[plan.Producers[spec.ProducerID]]
		for _, ref := range spec.DependsOn {
			dep, ok := plan.ResolveNodeRef(ref)
			if !ok {
				return nil, core.ErrValidation("UNKNOWN_DEPENDENCY",
					"node "+string(spec.ProducerID)+" depends on unknown node "+ref)
			}
			node.Dependencies = append(node.Dependencies, dep)
		}
	}

	plan.Rewire()

	// The snapshot validation node aggregates the current leaves. It is
	// auto-managed: rebuilt here on every topology change, untouchable by
	// reshape.
	if def.SnapshotValidation != nil {
		id := nodeID(core.SnapshotValidationProducerID)
		validation := &core.Node{
			ID:               id,
			ProducerID:       core.SnapshotValidationProducerID,
			Name:             "Snapshot Validation",
			Task:             "validate the assembled snapshot",
			Work:             def.SnapshotValidation,
			Dependencies:     append([]core.NodeID(nil), plan.Leaves...),
			AutoManaged:      true,
			ExpectsNoChanges: true,
		}
		plan.Nodes[id] = validation
		plan.NodeOrder = append(plan.NodeOrder, id)
		plan.Producers[core.SnapshotValidationProducerID] = id
		plan.Rewire()
	}

	for _, id := range plan.NodeOrder {
		plan.States[id] = core.NewExecutionState()
	}
	if prior != nil {
		for id, st := range prior.States {
			if _, ok := plan.Nodes[id]; ok {
				plan.States[id] = st.Clone()
			}
		}
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// Scaffold creates an empty plan in the scaffolding lifecycle with its
// branches resolved, and persists its definition.
func (r *Repository) Scaffold(ctx context.Context, cmd *core.ScaffoldPlanCommand) (*core.Plan, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	base, target, err := r.resolver.Resolve(ctx, cmd.RepoPath, cmd.BaseBranch, cmd.TargetBranch, cmd.Name)
	if err != nil {
		return nil, err
	}

	def := &core.PlanDefinition{
		Name:         cmd.Name,
		RepoPath:     cmd.RepoPath,
		BaseBranch:   base,
		TargetBranch: target,
		WorktreeRoot: cmd.WorktreeRoot,
		MaxParallel:  cmd.MaxParallel,
		Env:          cmd.Env,
	}

	id := core.PlanID(uuid.NewString())
	plan, err := BuildPlan(id, def, nil)
	if err != nil {
		return nil, err
	}
	plan.Lifecycle = core.LifecycleScaffolding

	if err := r.store.SaveDefinition(id, def); err != nil {
		return nil, err
	}
	r.logger.Info("plan scaffolded", "plan_id", id, "name", cmd.Name,
		"base_branch", base, "target_branch", target)
	return plan, nil
}

// AddNode appends a node spec to a scaffolding plan's definition and
// returns the rebuilt plan.
func (r *Repository) AddNode(plan *core.Plan, spec core.NodeSpec) (*core.Plan, error) {
	if plan.Lifecycle != core.LifecycleScaffolding {
		return nil, core.ErrState(core.CodeInvalidState,
			"cannot add jobs to a plan in lifecycle "+string(plan.Lifecycle))
	}

	def := *plan.Definition
	def.Nodes = append(append([]core.NodeSpec(nil), plan.Definition.Nodes...), spec)

	rebuilt, err := BuildPlan(plan.ID, &def, plan)
	if err != nil {
		return nil, err
	}
	rebuilt.Lifecycle = core.LifecycleScaffolding

	if err := r.store.SaveDefinition(plan.ID, &def); err != nil {
		return nil, err
	}
	return rebuilt, nil
}

// Finalize admits a scaffolding plan for execution.
func (r *Repository) Finalize(plan *core.Plan, startPaused bool) error {
	if plan.Lifecycle != core.LifecycleScaffolding {
		return core.ErrState(core.CodeInvalidState,
			"cannot finalize a plan in lifecycle "+string(plan.Lifecycle))
	}
	if len(plan.NodeOrder) == 0 {
		return core.ErrValidation("EMPTY_PLAN", "cannot finalize a plan with no jobs")
	}
	plan.Lifecycle = core.LifecycleActive
	plan.IsPaused = startPaused
	return nil
}

// CreateFromDefinition resolves branches and builds an active plan from a
// full definition submission.
func (r *Repository) CreateFromDefinition(ctx context.Context, cmd *core.CreatePlanCommand) (*core.Plan, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	def := cmd.Definition
	base, target, err := r.resolver.Resolve(ctx, def.RepoPath, def.BaseBranch, def.TargetBranch, def.Name)
	if err != nil {
		return nil, err
	}
	def.BaseBranch = base
	def.TargetBranch = target

	id := core.PlanID(uuid.NewString())
	plan, err := BuildPlan(id, &def, nil)
	if err != nil {
		return nil, err
	}
	plan.IsPaused = cmd.StartPaused

	if err := r.store.SaveDefinition(id, &def); err != nil {
		return nil, err
	}
	r.logger.Info("plan created", "plan_id", id, "name", def.Name,
		"nodes", len(plan.NodeOrder), "target_branch", target)
	return plan, nil
}
