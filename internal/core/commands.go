package core

import "fmt"

// Command structs are the validated boundary between transports (CLI, HTTP)
// and the runner. Each carries its own Validate; transports must reject
// invalid commands before they reach the mailbox.

// CreatePlanCommand submits a full plan definition.
type CreatePlanCommand struct {
	Definition  PlanDefinition `json:"definition"`
	StartPaused bool           `json:"startPaused,omitempty"`
}

// Validate checks the command.
func (c *CreatePlanCommand) Validate() error {
	return c.Definition.Validate()
}

// ScaffoldPlanCommand opens an empty plan for incremental construction.
type ScaffoldPlanCommand struct {
	Name         string            `json:"name"`
	RepoPath     string            `json:"repoPath"`
	BaseBranch   string            `json:"baseBranch,omitempty"`
	TargetBranch string            `json:"targetBranch,omitempty"`
	WorktreeRoot string            `json:"worktreeRoot,omitempty"`
	MaxParallel  int               `json:"maxParallel,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
}

// Validate checks the command.
func (c *ScaffoldPlanCommand) Validate() error {
	if c.Name == "" {
		return ErrValidation("PLAN_NAME_REQUIRED", "plan name cannot be empty")
	}
	if len(c.Name) > MaxNameLength {
		return ErrValidation("PLAN_NAME_TOO_LONG",
			fmt.Sprintf("plan name exceeds %d characters", MaxNameLength))
	}
	if c.RepoPath == "" {
		return ErrValidation("REPO_PATH_REQUIRED", "repoPath cannot be empty")
	}
	if c.MaxParallel < 0 || c.MaxParallel > MaxParallelLimit {
		return ErrValidation("INVALID_MAX_PARALLEL",
			fmt.Sprintf("maxParallel must be in 0..%d (got %d)", MaxParallelLimit, c.MaxParallel))
	}
	return nil
}

// AddJobCommand appends a node to a scaffolding plan.
type AddJobCommand struct {
	PlanID PlanID   `json:"planId"`
	Spec   NodeSpec `json:"spec"`
}

// Validate checks the command.
func (c *AddJobCommand) Validate() error {
	if c.PlanID == "" {
		return ErrValidation("PLAN_ID_REQUIRED", "planId cannot be empty")
	}
	if err := ValidateProducerID(c.Spec.ProducerID); err != nil {
		return err
	}
	if c.Spec.Name == "" {
		return ErrValidation("NODE_NAME_REQUIRED", "node name cannot be empty")
	}
	if len(c.Spec.Name) > MaxNameLength {
		return ErrValidation("NODE_NAME_TOO_LONG",
			fmt.Sprintf("node name exceeds %d characters", MaxNameLength))
	}
	for _, ws := range []*WorkSpec{c.Spec.Work, c.Spec.Prechecks, c.Spec.Postchecks} {
		if err := ws.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// FinalizePlanCommand admits a scaffolding plan for execution.
type FinalizePlanCommand struct {
	PlanID      PlanID `json:"planId"`
	StartPaused bool   `json:"startPaused,omitempty"`
}

// Validate checks the command.
func (c *FinalizePlanCommand) Validate() error {
	if c.PlanID == "" {
		return ErrValidation("PLAN_ID_REQUIRED", "planId cannot be empty")
	}
	return nil
}

// PlanRefCommand addresses a plan (pause, resume, cancel, delete, retry).
type PlanRefCommand struct {
	PlanID PlanID `json:"planId"`
}

// Validate checks the command.
func (c *PlanRefCommand) Validate() error {
	if c.PlanID == "" {
		return ErrValidation("PLAN_ID_REQUIRED", "planId cannot be empty")
	}
	return nil
}

// NodeRefCommand addresses a node within a plan. NodeRef may be a node id
// or a producer id.
type NodeRefCommand struct {
	PlanID  PlanID `json:"planId"`
	NodeRef string `json:"nodeRef"`
}

// Validate checks the command.
func (c *NodeRefCommand) Validate() error {
	if c.PlanID == "" {
		return ErrValidation("PLAN_ID_REQUIRED", "planId cannot be empty")
	}
	if c.NodeRef == "" {
		return ErrValidation("NODE_REF_REQUIRED", "nodeRef cannot be empty")
	}
	return nil
}

// RetryJobCommand retries a terminally failed or canceled node.
type RetryJobCommand struct {
	PlanID        PlanID    `json:"planId"`
	NodeRef       string    `json:"nodeRef"`
	NewWork       *WorkSpec `json:"newWork,omitempty"`
	NewPrechecks  *WorkSpec `json:"newPrechecks,omitempty"`
	NewPostchecks *WorkSpec `json:"newPostchecks,omitempty"`
	ClearWorktree bool      `json:"clearWorktree,omitempty"`
}

// Validate checks the command.
func (c *RetryJobCommand) Validate() error {
	if c.PlanID == "" {
		return ErrValidation("PLAN_ID_REQUIRED", "planId cannot be empty")
	}
	if c.NodeRef == "" {
		return ErrValidation("NODE_REF_REQUIRED", "nodeRef cannot be empty")
	}
	for _, ws := range []*WorkSpec{c.NewWork, c.NewPrechecks, c.NewPostchecks} {
		if err := ws.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// UpdateJobCommand replaces specs on a node that is not running.
type UpdateJobCommand struct {
	PlanID       PlanID    `json:"planId"`
	NodeRef      string    `json:"nodeRef"`
	Work         *WorkSpec `json:"work,omitempty"`
	Prechecks    *WorkSpec `json:"prechecks,omitempty"`
	Postchecks   *WorkSpec `json:"postchecks,omitempty"`
	ResetToStage Phase     `json:"resetToStage,omitempty"`
}

// Validate checks the command.
func (c *UpdateJobCommand) Validate() error {
	if c.PlanID == "" {
		return ErrValidation("PLAN_ID_REQUIRED", "planId cannot be empty")
	}
	if c.NodeRef == "" {
		return ErrValidation("NODE_REF_REQUIRED", "nodeRef cannot be empty")
	}
	if c.ResetToStage != "" && !ValidResumePhase(c.ResetToStage) {
		return ErrValidation("INVALID_RESUME_PHASE",
			fmt.Sprintf("resetToStage %q is not resumable", c.ResetToStage))
	}
	for _, ws := range []*WorkSpec{c.Work, c.Prechecks, c.Postchecks} {
		if err := ws.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ReshapeOpKind discriminates reshape operations.
type ReshapeOpKind string

const (
	ReshapeAddNode    ReshapeOpKind = "add_node"
	ReshapeRemoveNode ReshapeOpKind = "remove_node"
	ReshapeUpdateDeps ReshapeOpKind = "update_deps"
	ReshapeAddBefore  ReshapeOpKind = "add_before"
	ReshapeAddAfter   ReshapeOpKind = "add_after"
)

// ReshapeOp is one topology mutation. Fields are interpreted per kind:
//   - add_node: Spec
//   - remove_node: NodeRef
//   - update_deps: NodeRef, DependsOn (full replacement)
//   - add_before / add_after: NodeRef (anchor), Spec
type ReshapeOp struct {
	Kind      ReshapeOpKind `json:"kind"`
	NodeRef   string        `json:"nodeRef,omitempty"`
	Spec      *NodeSpec     `json:"spec,omitempty"`
	DependsOn []string      `json:"dependsOn,omitempty"`
}

// Validate checks one op.
func (op *ReshapeOp) Validate() error {
	switch op.Kind {
	case ReshapeAddNode, ReshapeAddBefore, ReshapeAddAfter:
		if op.Spec == nil {
			return ErrValidation("RESHAPE_SPEC_REQUIRED",
				fmt.Sprintf("%s requires a node spec", op.Kind))
		}
		if err := ValidateProducerID(op.Spec.ProducerID); err != nil {
			return err
		}
		if op.Kind != ReshapeAddNode && op.NodeRef == "" {
			return ErrValidation("NODE_REF_REQUIRED",
				fmt.Sprintf("%s requires an anchor nodeRef", op.Kind))
		}
	case ReshapeRemoveNode, ReshapeUpdateDeps:
		if op.NodeRef == "" {
			return ErrValidation("NODE_REF_REQUIRED",
				fmt.Sprintf("%s requires a nodeRef", op.Kind))
		}
	default:
		return ErrValidation("INVALID_RESHAPE_OP",
			fmt.Sprintf("unknown reshape op kind: %s", op.Kind))
	}
	return nil
}

// ReshapePlanCommand applies an ordered batch of topology mutations.
type ReshapePlanCommand struct {
	PlanID PlanID      `json:"planId"`
	Ops    []ReshapeOp `json:"ops"`
}

// Validate checks the command.
func (c *ReshapePlanCommand) Validate() error {
	if c.PlanID == "" {
		return ErrValidation("PLAN_ID_REQUIRED", "planId cannot be empty")
	}
	if len(c.Ops) == 0 {
		return ErrValidation("RESHAPE_EMPTY", "reshape requires at least one op")
	}
	for i := range c.Ops {
		if err := c.Ops[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// OpResult reports the outcome of one reshape op.
type OpResult struct {
	Index   int    `json:"index"`
	Kind    string `json:"kind"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// CommandResult is the uniform mutation response.
type CommandResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ResultFromError converts an error into a command result.
func ResultFromError(err error) CommandResult {
	if err == nil {
		return CommandResult{Success: true}
	}
	return CommandResult{Success: false, Error: err.Error()}
}
