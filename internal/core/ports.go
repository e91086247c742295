package core

import (
	"context"
	"time"
)

// WorktreeInfo describes one entry of `git worktree list`.
type WorktreeInfo struct {
	Path   string
	Branch string
	Commit string
}

// MergeResult reports the outcome of a merge.
type MergeResult struct {
	Commit    string
	Conflicts []string
}

// GitGateway is the thin contract over local git the executor and runner
// depend on. All repo arguments are absolute paths. Implementations perform
// no retries; callers decide.
type GitGateway interface {
	// CurrentBranch returns the checked-out branch, or "" when detached.
	CurrentBranch(ctx context.Context, repo string) (string, error)

	// IsDefaultBranch consults the remote HEAD, falling back to the
	// existence of main/master/develop.
	IsDefaultBranch(ctx context.Context, name, repo string) (bool, error)

	BranchExists(ctx context.Context, name, repo string) (bool, error)
	CreateBranch(ctx context.Context, name, base, repo string) error

	ResolveRef(ctx context.Context, ref, repo string) (string, error)
	UpdateRef(ctx context.Context, repo, refName, commit string) error

	ListWorktrees(ctx context.Context, repo string) ([]WorktreeInfo, error)
	AddWorktree(ctx context.Context, repo, path, branch, baseCommit string) error
	// AddWorktreeOnBranch re-attaches a worktree to an existing branch.
	AddWorktreeOnBranch(ctx context.Context, repo, path, branch string) error
	RemoveWorktree(ctx context.Context, repo, path string, force bool) error

	// Merge merges ref into the branch checked out at worktreePath.
	// A conflict aborts the merge and returns the conflicted paths.
	Merge(ctx context.Context, worktreePath, ref string) (*MergeResult, error)

	// SquashMerge squash-merges sourceRef onto targetBranch without
	// touching the primary working tree.
	SquashMerge(ctx context.Context, repo, sourceRef, targetBranch, message string) (*MergeResult, error)

	// HasChanges reports whether the worktree has staged, unstaged or
	// untracked changes.
	HasChanges(ctx context.Context, worktreePath string) (bool, error)

	// CommitAll stages everything at worktreePath and commits. Returns
	// the new commit, or "" if there was nothing to commit.
	CommitAll(ctx context.Context, worktreePath, message string) (string, error)
}

// ProcSpec describes a subprocess to spawn.
type ProcSpec struct {
	// Shell, when non-empty, is run by the platform shell. Otherwise
	// Executable+Args are invoked directly.
	Shell      string
	Executable string
	Args       []string

	Dir string
	Env map[string]string
}

// OutputSink receives subprocess output lines as they arrive.
// stream is "stdout" or "stderr".
type OutputSink func(stream, line string)

// ProcHandle is a live subprocess.
type ProcHandle interface {
	// Wait blocks until exit and returns the exit code.
	Wait(ctx context.Context) (int, error)

	// Kill signals the whole process group: SIGTERM, then SIGKILL after
	// the grace window.
	Kill(grace time.Duration) error

	PID() int
}

// ProcessGateway spawns subprocesses with stdio capture.
type ProcessGateway interface {
	Start(ctx context.Context, spec ProcSpec, sink OutputSink) (ProcHandle, error)
}

// AgentInvocation asks the agent gateway to run one agent work spec.
type AgentInvocation struct {
	Spec AgentSpec
	Dir  string
	Env  map[string]string
	Sink OutputSink
}

// AgentResult is the outcome of one agent CLI run.
type AgentResult struct {
	ExitCode  int
	SessionID string
	Summary   string
}

// AgentGateway invokes the external coding agent CLI. The core treats the
// agent as an opaque subprocess.
type AgentGateway interface {
	Run(ctx context.Context, inv AgentInvocation) (*AgentResult, error)
}

// PlanStore is the filesystem-backed persistence boundary.
type PlanStore interface {
	ListPlanIDs() ([]PlanID, error)

	LoadDefinition(id PlanID) (*PlanDefinition, error)
	SaveDefinition(id PlanID, def *PlanDefinition) error

	LoadState(id PlanID) (*StateSnapshot, error)
	// SaveState bumps the snapshot's StateVersion before writing.
	SaveState(id PlanID, snap *StateSnapshot) error

	SaveNodeSpec(id PlanID, node NodeID, spec *WorkSpec) error

	AppendLog(id PlanID, node NodeID, attempt int, data []byte) error
	ReadLog(id PlanID, node NodeID, attempt int) ([]byte, error)

	// Delete removes all on-disk artifacts for the plan. Idempotent.
	Delete(id PlanID) error
}

// JobIndex is the optional global reverse index over all plans' jobs.
type JobIndex interface {
	UpsertPlan(plan *Plan) error
	RemovePlan(id PlanID) error
	// Find resolves a producer id or node uuid to its plan.
	Find(ref string) (PlanID, NodeID, error)
	// Search returns fuzzy matches on producer ids.
	Search(query string, limit int) ([]JobIndexEntry, error)
	Close() error
}

// JobIndexEntry is one row of the global job index.
type JobIndexEntry struct {
	PlanID     PlanID
	NodeID     NodeID
	ProducerID ProducerID
	Status     NodeStatus
	UpdatedAt  time.Time
}

// ExecEventKind discriminates executor events.
type ExecEventKind string

const (
	ExecEventPhaseStarted ExecEventKind = "phaseStarted"
	ExecEventOutputChunk  ExecEventKind = "outputChunk"
	ExecEventPhaseEnded   ExecEventKind = "phaseEnded"
	ExecEventWorkSummary  ExecEventKind = "workSummary"
	ExecEventAttemptEnded ExecEventKind = "attemptEnded"
)

// ExecEvent is one item of an executor's event stream. Events for one job
// are observed in emission order.
type ExecEvent struct {
	Kind      ExecEventKind
	NodeID    NodeID
	AttemptID AttemptID
	Phase     Phase

	// outputChunk
	Stream string
	Chunk  string

	// phaseEnded
	StepStatus StepStatus
	ExitCode   *int

	// workSummary / attemptEnded
	Summary     string
	SessionID   string
	FinalStatus NodeStatus
	Error       string

	// setup / commit phase results
	BaseCommit string
	Worktree   string
	Commit     string
	Conflicts  []string

	Time time.Time
}
