package core

import "fmt"

// Phase represents a stage in a job attempt.
type Phase string

const (
	// PhaseMergeFI forward-integrates the latest target-branch commits into
	// the job's worktree branch before any work runs.
	PhaseMergeFI Phase = "merge-fi"

	// PhaseSetup provisions the job's worktree from the dependency-closure
	// merge base.
	PhaseSetup Phase = "setup"

	// PhasePrechecks runs the optional prechecks work spec.
	PhasePrechecks Phase = "prechecks"

	// PhaseWork executes the job's work spec (shell, process or agent).
	PhaseWork Phase = "work"

	// PhaseCommit stages and commits the worktree result.
	PhaseCommit Phase = "commit"

	// PhasePostchecks runs the optional postchecks work spec.
	PhasePostchecks Phase = "postchecks"

	// PhaseMergeRI squash-merges the job branch back onto the target branch.
	PhaseMergeRI Phase = "merge-ri"
)

// AllPhases returns all phases in execution order.
func AllPhases() []Phase {
	return []Phase{
		PhaseMergeFI,
		PhaseSetup,
		PhasePrechecks,
		PhaseWork,
		PhaseCommit,
		PhasePostchecks,
		PhaseMergeRI,
	}
}

// PhaseOrder returns the numeric order of a phase (0-indexed), or -1 for an
// unknown phase.
func PhaseOrder(p Phase) int {
	for i, phase := range AllPhases() {
		if phase == p {
			return i
		}
	}
	return -1
}

// ValidPhase checks if a phase string is valid.
func ValidPhase(p Phase) bool {
	return PhaseOrder(p) >= 0
}

// ParsePhase converts a string to a Phase with validation.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !ValidPhase(p) {
		return "", ErrValidation("INVALID_PHASE", fmt.Sprintf("unknown phase: %s", s))
	}
	return p, nil
}

// ResumablePhases returns the phases a retried attempt may resume from.
// Setup is excluded: a resumed attempt re-provisions implicitly when needed.
func ResumablePhases() []Phase {
	return []Phase{
		PhaseMergeFI,
		PhasePrechecks,
		PhaseWork,
		PhaseCommit,
		PhasePostchecks,
		PhaseMergeRI,
	}
}

// ValidResumePhase checks whether a phase is a legal resume point.
func ValidResumePhase(p Phase) bool {
	for _, phase := range ResumablePhases() {
		if phase == p {
			return true
		}
	}
	return false
}
