package git

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/JeromySt/foreman/internal/core"
)

// ListWorktrees parses `git worktree list --porcelain`.
func (g *Gateway) ListWorktrees(ctx context.Context, repo string) ([]core.WorktreeInfo, error) {
	out, err := g.run(ctx, repo, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(out), nil
}

func parseWorktreeList(output string) []core.WorktreeInfo {
	worktrees := make([]core.WorktreeInfo, 0)
	var current *core.WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			if current != nil {
				worktrees = append(worktrees, *current)
			}
			current = &core.WorktreeInfo{Path: strings.TrimPrefix(line, "worktree ")}
		case current != nil:
			switch {
			case strings.HasPrefix(line, "HEAD "):
				current.Commit = strings.TrimPrefix(line, "HEAD ")
			case strings.HasPrefix(line, "branch "):
				current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
			}
		}
	}
	if current != nil {
		worktrees = append(worktrees, *current)
	}
	return worktrees
}

// AddWorktree creates a worktree at path on a new branch rooted at
// baseCommit. The branch must not already exist.
func (g *Gateway) AddWorktree(ctx context.Context, repo, path, branch, baseCommit string) error {
	if err := validateBranchName(branch); err != nil {
		return err
	}
	if err := validateRev(baseCommit); err != nil {
		return err
	}
	if !filepath.IsAbs(path) {
		return core.ErrValidation("RELATIVE_WORKTREE_PATH",
			"worktree path must be absolute: "+path)
	}
	_, err := g.run(ctx, repo, "worktree", "add", "-b", branch, path, baseCommit)
	return err
}

// AddWorktreeOnBranch re-attaches a worktree to an existing branch at its
// current head.
func (g *Gateway) AddWorktreeOnBranch(ctx context.Context, repo, path, branch string) error {
	if err := validateBranchName(branch); err != nil {
		return err
	}
	if !filepath.IsAbs(path) {
		return core.ErrValidation("RELATIVE_WORKTREE_PATH",
			"worktree path must be absolute: "+path)
	}
	_, err := g.run(ctx, repo, "worktree", "add", path, branch)
	return err
}

// RemoveWorktree removes a worktree registration and directory.
func (g *Gateway) RemoveWorktree(ctx context.Context, repo, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := g.run(ctx, repo, args...)
	return err
}

// PruneWorktrees drops stale worktree registrations.
func (g *Gateway) PruneWorktrees(ctx context.Context, repo string) error {
	_, err := g.run(ctx, repo, "worktree", "prune")
	return err
}
