package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JeromySt/foreman/internal/core"
	"github.com/JeromySt/foreman/internal/logging"
)

// BranchResolver applies the plan branch policy: a plan always runs against
// a dedicated target branch, never a repository default branch.
type BranchResolver struct {
	git    core.GitGateway
	prefix string
	logger *logging.Logger
	// now is split out for tests.
	now func() time.Time
}

// NewBranchResolver creates a branch resolver.
func NewBranchResolver(git core.GitGateway, prefix string, logger *logging.Logger) *BranchResolver {
	if prefix == "" {
		prefix = core.DefaultBranchPrefix
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &BranchResolver{
		git:    git,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}
}

// Resolve determines the base and target branches for a plan.
func (r *BranchResolver) Resolve(ctx context.Context, repo, baseBranch, targetBranch, planName string) (base, target string, err error) {
	base = baseBranch
	if base == "" {
		current, err := r.git.CurrentBranch(ctx, repo)
		if err != nil {
			return "", "", err
		}
		base = current
	}
	if base == "" {
		base = "main"
	}

	target, err = r.resolveTarget(ctx, repo, base, targetBranch, planName)
	if err != nil {
		return "", "", err
	}
	return base, target, nil
}

func (r *BranchResolver) resolveTarget(ctx context.Context, repo, base, requested, planName string) (string, error) {
	baseHead, err := r.git.ResolveRef(ctx, base, repo)
	if err != nil {
		return "", err
	}

	if requested != "" {
		isDefault, err := r.git.IsDefaultBranch(ctx, requested, repo)
		if err != nil {
			return "", err
		}
		if !isDefault {
			return requested, r.ensureTarget(ctx, repo, requested, baseHead)
		}
		r.logger.Warn("requested target is a default branch, generating feature branch",
			"requested", requested)
	}

	if requested == "" {
		current, err := r.git.CurrentBranch(ctx, repo)
		if err != nil {
			return "", err
		}
		if current != "" {
			isDefault, err := r.git.IsDefaultBranch(ctx, current, repo)
			if err != nil {
				return "", err
			}
			if !isDefault {
				return current, nil
			}
		}
	}

	generated := r.generateName(planName)
	return generated, r.ensureTarget(ctx, repo, generated, baseHead)
}

// ensureTarget creates the branch at baseHead, or resets an existing one to
// baseHead when it drifted and is not currently checked out.
func (r *BranchResolver) ensureTarget(ctx context.Context, repo, branch, baseHead string) error {
	exists, err := r.git.BranchExists(ctx, branch, repo)
	if err != nil {
		return err
	}
	if !exists {
		return r.git.CreateBranch(ctx, branch, baseHead, repo)
	}

	head, err := r.git.ResolveRef(ctx, "refs/heads/"+branch, repo)
	if err != nil {
		return err
	}
	if head == baseHead {
		return nil
	}

	current, err := r.git.CurrentBranch(ctx, repo)
	if err != nil {
		return err
	}
	if current == branch {
		// The operator has the target checked out; adopt its head rather
		// than rewriting history under them.
		return nil
	}

	r.logger.Info("resetting target branch to base head",
		"branch", branch, "from", head, "to", baseHead)
	return r.git.UpdateRef(ctx, repo, "refs/heads/"+branch, baseHead)
}

func (r *BranchResolver) generateName(planName string) string {
	if slug := slugify(planName); slug != "" {
		return fmt.Sprintf("%s/%s", r.prefix, slug)
	}
	return fmt.Sprintf("%s/%d", r.prefix, r.now().UnixMilli())
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastDash = false
		case !lastDash && b.Len() > 0:
			b.WriteByte('-')
			lastDash = true
		}
		if b.Len() >= 48 {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
