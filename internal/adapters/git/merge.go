package git

import (
	"context"
	"strings"

	"github.com/JeromySt/foreman/internal/core"
)

// Merge merges ref into the branch checked out at worktreePath. On conflict
// the merge is aborted and the conflicted paths are returned alongside a
// typed conflict error.
func (g *Gateway) Merge(ctx context.Context, worktreePath, ref string) (*core.MergeResult, error) {
	if err := validateRev(ref); err != nil {
		return nil, err
	}

	_, _, err := g.runRaw(ctx, worktreePath, "merge", "--no-edit", ref)
	if err != nil {
		conflicts := g.conflictedFiles(ctx, worktreePath)
		// Leave the tree clean for the next attempt.
		_, _, _ = g.runRaw(ctx, worktreePath, "merge", "--abort")
		if len(conflicts) > 0 {
			return &core.MergeResult{Conflicts: conflicts},
				core.ErrConflict(core.CodeMergeConflict,
					"merge of "+ref+" conflicts: "+strings.Join(conflicts, ", "))
		}
		return nil, classifyGitError([]string{"merge", ref}, "", err.Error(), err)
	}

	head, err := g.run(ctx, worktreePath, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	return &core.MergeResult{Commit: head}, nil
}

func (g *Gateway) conflictedFiles(ctx context.Context, dir string) []string {
	out, _, err := g.runRaw(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files
}

// SquashMerge folds sourceRef onto targetBranch as a single commit without
// touching any working tree. The merged tree is computed with merge-tree,
// committed with the target head as sole parent, and the branch ref is
// advanced with an old-value guard.
func (g *Gateway) SquashMerge(ctx context.Context, repo, sourceRef, targetBranch, message string) (*core.MergeResult, error) {
	if err := validateRev(sourceRef); err != nil {
		return nil, err
	}
	if err := validateBranchName(targetBranch); err != nil {
		return nil, err
	}
	if strings.TrimSpace(message) == "" {
		return nil, core.ErrValidation("EMPTY_MESSAGE", "merge message cannot be empty")
	}

	targetHead, err := g.ResolveRef(ctx, "refs/heads/"+targetBranch, repo)
	if err != nil {
		return nil, err
	}
	sourceHead, err := g.ResolveRef(ctx, sourceRef, repo)
	if err != nil {
		return nil, err
	}
	if sourceHead == targetHead {
		return &core.MergeResult{Commit: targetHead}, nil
	}

	stdout, stderr, mergeErr := g.runRaw(ctx, repo,
		"merge-tree", "--write-tree", "--name-only", targetHead, sourceHead)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if mergeErr != nil {
		// Exit status 1 with a tree OID on the first line means content
		// conflicts; anything else is an operational failure.
		if len(lines) > 1 && isObjectID(lines[0]) {
			conflicts := trimLines(lines[1:])
			return &core.MergeResult{Conflicts: conflicts},
				core.ErrConflict(core.CodeMergeConflict,
					"squash merge of "+sourceRef+" into "+targetBranch+
						" conflicts: "+strings.Join(conflicts, ", "))
		}
		return nil, classifyGitError([]string{"merge-tree"}, stdout, stderr, mergeErr)
	}
	if len(lines) == 0 || !isObjectID(lines[0]) {
		return nil, core.ErrInternal("MERGE_TREE_OUTPUT",
			"unexpected merge-tree output: "+strings.TrimSpace(stdout))
	}
	tree := lines[0]

	commit, err := g.run(ctx, repo, "commit-tree", tree, "-p", targetHead, "-m", message)
	if err != nil {
		return nil, err
	}
	// The old-value guard makes the ref update atomic against concurrent
	// writers of the target branch.
	if _, err := g.run(ctx, repo, "update-ref", "refs/heads/"+targetBranch, commit, targetHead); err != nil {
		return nil, err
	}
	return &core.MergeResult{Commit: commit}, nil
}

func isObjectID(s string) bool {
	if len(s) != 40 && len(s) != 64 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

func trimLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
