package git

import (
	"context"
	"strings"

	"github.com/JeromySt/foreman/internal/core"
)

// fallbackDefaults are checked when the remote HEAD is unknown.
var fallbackDefaults = []string{"main", "master", "develop"}

// BranchExists checks if a local branch exists.
func (g *Gateway) BranchExists(ctx context.Context, name, repo string) (bool, error) {
	if err := validateBranchName(name); err != nil {
		return false, err
	}
	_, _, err := g.runRaw(ctx, repo, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	if err == nil {
		return true, nil
	}
	if _, ok := err.(*core.DomainError); ok {
		return false, err
	}
	// show-ref exits 1 when the ref is absent.
	return false, nil
}

// CreateBranch creates a branch at base without checking it out.
func (g *Gateway) CreateBranch(ctx context.Context, name, base, repo string) error {
	if err := validateBranchName(name); err != nil {
		return err
	}
	args := []string{"branch", name}
	if base != "" {
		if err := validateRev(base); err != nil {
			return err
		}
		args = append(args, base)
	}
	_, err := g.run(ctx, repo, args...)
	return err
}

// IsDefaultBranch reports whether name is the repository's default branch.
// The remote HEAD is authoritative; when no remote HEAD is known, a well
// known default name counts only if that branch exists locally.
func (g *Gateway) IsDefaultBranch(ctx context.Context, name, repo string) (bool, error) {
	if err := validateBranchName(name); err != nil {
		return false, err
	}

	if remoteHead := g.remoteHeadBranch(ctx, repo); remoteHead != "" {
		return name == remoteHead, nil
	}

	for _, candidate := range fallbackDefaults {
		if name != candidate {
			continue
		}
		exists, err := g.BranchExists(ctx, candidate, repo)
		if err != nil {
			return false, err
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

// remoteHeadBranch resolves origin/HEAD to a short branch name, or "".
func (g *Gateway) remoteHeadBranch(ctx context.Context, repo string) string {
	out, _, err := g.runRaw(ctx, repo, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err != nil {
		return ""
	}
	ref := strings.TrimSpace(out)
	return strings.TrimPrefix(ref, "refs/remotes/origin/")
}

func validateBranchName(name string) error {
	if name == "" {
		return core.ErrValidation("INVALID_BRANCH", "branch name must not be empty")
	}
	if strings.HasPrefix(name, "-") {
		return core.ErrValidation("INVALID_BRANCH", "branch name must not start with '-'")
	}
	// Conservative subset of `git check-ref-format --branch`.
	if strings.ContainsAny(name, " \t\n\r") {
		return core.ErrValidation("INVALID_BRANCH", "branch name must not contain whitespace")
	}
	if strings.Contains(name, "..") || strings.Contains(name, "@{") || strings.Contains(name, "//") {
		return core.ErrValidation("INVALID_BRANCH", "branch name contains forbidden sequence")
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") ||
		strings.HasSuffix(name, ".") || strings.HasSuffix(name, ".lock") {
		return core.ErrValidation("INVALID_BRANCH", "branch name has forbidden prefix/suffix")
	}
	for _, r := range name {
		switch r {
		case '~', '^', ':', '?', '*', '[', '\\':
			return core.ErrValidation("INVALID_BRANCH", "branch name contains forbidden character")
		}
		if r < 0x20 || r == 0x7f {
			return core.ErrValidation("INVALID_BRANCH", "branch name contains control character")
		}
	}
	if name == "@" {
		return core.ErrValidation("INVALID_BRANCH", "branch name '@' is not allowed")
	}
	return nil
}
