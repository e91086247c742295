// Package git implements the gateway over the local git binary. It is pure
// I/O: every method shells out to git, classifies failures into typed
// errors, and performs no retries.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/JeromySt/foreman/internal/core"
	"github.com/JeromySt/foreman/internal/logging"
)

// Compile-time interface conformance check.
var _ core.GitGateway = (*Gateway)(nil)

// Gateway wraps git CLI operations. It is stateless across repositories;
// every call names the repo it operates on with an absolute path.
type Gateway struct {
	timeout time.Duration
	logger  *logging.Logger
}

// NewGateway creates a git gateway.
func NewGateway(timeout time.Duration, logger *logging.Logger) *Gateway {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Gateway{
		timeout: timeout,
		logger:  logger,
	}
}

// run executes a git command in dir and returns trimmed stdout.
func (g *Gateway) run(ctx context.Context, dir string, args ...string) (string, error) {
	stdout, stderr, err := g.runRaw(ctx, dir, args...)
	if err != nil {
		return "", classifyGitError(args, stdout, stderr, err)
	}
	return strings.TrimSpace(stdout), nil
}

// runRaw executes a git command and returns both streams even on error.
func (g *Gateway) runRaw(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error) {
	if !filepath.IsAbs(dir) {
		return "", "", core.ErrValidation("RELATIVE_REPO_PATH",
			fmt.Sprintf("repo path must be absolute: %s", dir))
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// exec.CommandContext does not invoke a shell, so arguments are not
	// subject to shell interpolation. User-controlled refs and branch
	// names are still validated to prevent option injection into git.
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()
	stdout = stdoutBuf.String()
	stderr = stderrBuf.String()

	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return stdout, stderr, core.ErrIO("GIT_TIMEOUT", "git command timed out").
				WithDetail("args", strings.Join(args, " "))
		}
		return stdout, stderr, runErr
	}
	return stdout, stderr, nil
}

// classifyGitError maps git stderr into the typed error taxonomy:
// notFound, conflict, dirty, protected, transport, io.
func classifyGitError(args []string, stdout, stderr string, cause error) error {
	var domErr *core.DomainError
	if ok := asDomainError(cause, &domErr); ok {
		return cause
	}

	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = strings.TrimSpace(stdout)
	}
	if msg == "" {
		msg = cause.Error()
	}
	lower := strings.ToLower(msg)
	full := fmt.Sprintf("git %s: %s", strings.Join(args, " "), msg)

	switch {
	case strings.Contains(lower, "unknown revision"),
		strings.Contains(lower, "not a valid ref"),
		strings.Contains(lower, "does not exist"),
		strings.Contains(lower, "no such file"),
		strings.Contains(lower, "not a git repository"),
		strings.Contains(lower, "is not a working tree"):
		return core.ErrGit("GIT_NOT_FOUND", full).WithCause(cause)
	case strings.Contains(lower, "conflict"),
		strings.Contains(lower, "needs merge"),
		strings.Contains(lower, "merge_head exists"):
		return core.ErrConflict(core.CodeMergeConflict, full).WithCause(cause)
	case strings.Contains(lower, "uncommitted changes"),
		strings.Contains(lower, "would be overwritten"),
		strings.Contains(lower, "contains modified or untracked"):
		return core.ErrGit("GIT_DIRTY", full).WithCause(cause)
	case strings.Contains(lower, "protected"),
		strings.Contains(lower, "refusing"):
		return core.ErrGit(core.CodeBranchProtected, full).WithCause(cause)
	case strings.Contains(lower, "could not resolve host"),
		strings.Contains(lower, "connection"),
		strings.Contains(lower, "remote end hung up"):
		return core.ErrGit(core.CodeNetwork, full).WithCause(cause)
	case strings.Contains(lower, "index.lock"),
		strings.Contains(lower, "unable to create") && strings.Contains(lower, ".lock"):
		return core.ErrGit(core.CodeGitLocked, full).WithCause(cause)
	default:
		return core.ErrGit("GIT_IO", full).WithCause(cause)
	}
}

func asDomainError(err error, target **core.DomainError) bool {
	de, ok := err.(*core.DomainError)
	if ok {
		*target = de
	}
	return ok
}

// CurrentBranch returns the checked-out branch, or "" when detached.
func (g *Gateway) CurrentBranch(ctx context.Context, repo string) (string, error) {
	out, err := g.run(ctx, repo, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if out == "HEAD" {
		return "", nil
	}
	return out, nil
}

// ResolveRef resolves a ref to a commit hash.
func (g *Gateway) ResolveRef(ctx context.Context, ref, repo string) (string, error) {
	if err := validateRev(ref); err != nil {
		return "", err
	}
	return g.run(ctx, repo, "rev-parse", "--verify", ref+"^{commit}")
}

// UpdateRef points refName at commit.
func (g *Gateway) UpdateRef(ctx context.Context, repo, refName, commit string) error {
	if err := validateRev(refName); err != nil {
		return err
	}
	if err := validateRev(commit); err != nil {
		return err
	}
	_, err := g.run(ctx, repo, "update-ref", refName, commit)
	return err
}

// HasChanges reports whether the worktree has staged, unstaged or untracked
// changes.
func (g *Gateway) HasChanges(ctx context.Context, worktreePath string) (bool, error) {
	out, err := g.run(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// CommitAll stages everything and commits. Returns the new commit hash, or
// "" if there was nothing to commit.
func (g *Gateway) CommitAll(ctx context.Context, worktreePath, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", core.ErrValidation("EMPTY_MESSAGE", "commit message cannot be empty")
	}
	if _, err := g.run(ctx, worktreePath, "add", "-A"); err != nil {
		return "", err
	}
	staged, err := g.run(ctx, worktreePath, "diff", "--cached", "--name-only")
	if err != nil {
		return "", err
	}
	if staged == "" {
		return "", nil
	}
	if _, err := g.run(ctx, worktreePath, "commit", "-m", message); err != nil {
		return "", err
	}
	return g.run(ctx, worktreePath, "rev-parse", "HEAD")
}

func validateRev(rev string) error {
	if rev == "" {
		return core.ErrValidation("INVALID_REV", "rev must not be empty")
	}
	if strings.HasPrefix(rev, "-") {
		return core.ErrValidation("INVALID_REV", "rev must not start with '-'")
	}
	if strings.ContainsAny(rev, " \t\n\r") {
		return core.ErrValidation("INVALID_REV", "rev must not contain whitespace")
	}
	if strings.IndexByte(rev, 0) >= 0 {
		return core.ErrValidation("INVALID_REV", "rev contains NUL byte")
	}
	return nil
}
