package runner_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JeromySt/foreman/internal/core"
	"github.com/JeromySt/foreman/internal/service/runner"
)

// fakeGit is an in-memory GitGateway for resolver tests.
type fakeGit struct {
	current  string
	branches map[string]string // name -> head commit
	defaults map[string]bool
	updates  []string
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		current:  "main",
		branches: map[string]string{"main": "head-main"},
		defaults: map[string]bool{"main": true},
	}
}

func (f *fakeGit) CurrentBranch(context.Context, string) (string, error) { return f.current, nil }

func (f *fakeGit) IsDefaultBranch(_ context.Context, name, _ string) (bool, error) {
	return f.defaults[name], nil
}

func (f *fakeGit) BranchExists(_ context.Context, name, _ string) (bool, error) {
	_, ok := f.branches[name]
	return ok, nil
}

func (f *fakeGit) CreateBranch(_ context.Context, name, base, _ string) error {
	head := base
	if h, ok := f.branches[base]; ok {
		head = h
	}
	f.branches[name] = head
	return nil
}

func (f *fakeGit) ResolveRef(_ context.Context, ref, _ string) (string, error) {
	name := ref
	if len(ref) > 11 && ref[:11] == "refs/heads/" {
		name = ref[11:]
	}
	if head, ok := f.branches[name]; ok {
		return head, nil
	}
	if name == "HEAD" {
		return f.branches[f.current], nil
	}
	// Commits resolve to themselves.
	if len(name) > 4 && name[:5] == "head-" {
		return name, nil
	}
	return "", core.ErrGit("GIT_NOT_FOUND", fmt.Sprintf("unknown ref %s", ref))
}

func (f *fakeGit) UpdateRef(_ context.Context, _, refName, commit string) error {
	name := refName
	if len(refName) > 11 && refName[:11] == "refs/heads/" {
		name = refName[11:]
	}
	f.branches[name] = commit
	f.updates = append(f.updates, name+"="+commit)
	return nil
}

func (f *fakeGit) ListWorktrees(context.Context, string) ([]core.WorktreeInfo, error) {
	return nil, nil
}
func (f *fakeGit) AddWorktree(context.Context, string, string, string, string) error { return nil }
func (f *fakeGit) AddWorktreeOnBranch(context.Context, string, string, string) error { return nil }
func (f *fakeGit) RemoveWorktree(context.Context, string, string, bool) error        { return nil }
func (f *fakeGit) Merge(context.Context, string, string) (*core.MergeResult, error) {
	return &core.MergeResult{}, nil
}
func (f *fakeGit) SquashMerge(context.Context, string, string, string, string) (*core.MergeResult, error) {
	return &core.MergeResult{}, nil
}
func (f *fakeGit) HasChanges(context.Context, string) (bool, error)          { return false, nil }
func (f *fakeGit) CommitAll(context.Context, string, string) (string, error) { return "", nil }

func TestBranchResolver_ExplicitNonDefaultTarget(t *testing.T) {
	git := newFakeGit()
	resolver := runner.NewBranchResolver(git, "foreman_plan", nil)

	base, target, err := resolver.Resolve(context.Background(), "/repo", "", "feature/x", "My Plan")
	require.NoError(t, err)
	assert.Equal(t, "main", base)
	assert.Equal(t, "feature/x", target)
	// Branch didn't exist; created at base head.
	assert.Equal(t, "head-main", git.branches["feature/x"])
}

func TestBranchResolver_ExistingTargetResetToBaseHead(t *testing.T) {
	git := newFakeGit()
	git.branches["feature/x"] = "head-stale"
	resolver := runner.NewBranchResolver(git, "foreman_plan", nil)

	_, target, err := resolver.Resolve(context.Background(), "/repo", "main", "feature/x", "plan")
	require.NoError(t, err)
	assert.Equal(t, "feature/x", target)
	assert.Equal(t, "head-main", git.branches["feature/x"], "drifted target reset to base head")
}

func TestBranchResolver_CheckedOutTargetNotReset(t *testing.T) {
	git := newFakeGit()
	git.branches["feature/x"] = "head-stale"
	git.current = "feature/x"
	resolver := runner.NewBranchResolver(git, "foreman_plan", nil)

	_, _, err := resolver.Resolve(context.Background(), "/repo", "main", "feature/x", "plan")
	require.NoError(t, err)
	assert.Equal(t, "head-stale", git.branches["feature/x"],
		"checked-out target keeps its head")
}

func TestBranchResolver_DefaultTargetRewritten(t *testing.T) {
	git := newFakeGit()
	resolver := runner.NewBranchResolver(git, "foreman_plan", nil)

	_, target, err := resolver.Resolve(context.Background(), "/repo", "", "main", "Ship The Thing")
	require.NoError(t, err)
	assert.Equal(t, "foreman_plan/ship-the-thing", target)
	_, exists := git.branches[target]
	assert.True(t, exists, "generated branch created")
}

func TestBranchResolver_AdoptsCurrentNonDefault(t *testing.T) {
	git := newFakeGit()
	git.current = "topic/wip"
	git.branches["topic/wip"] = "head-wip"
	resolver := runner.NewBranchResolver(git, "foreman_plan", nil)

	base, target, err := resolver.Resolve(context.Background(), "/repo", "", "", "plan")
	require.NoError(t, err)
	assert.Equal(t, "topic/wip", base)
	assert.Equal(t, "topic/wip", target)
}

func TestBranchResolver_GeneratesWhenOnDefault(t *testing.T) {
	git := newFakeGit()
	resolver := runner.NewBranchResolver(git, "foreman_plan", nil)

	_, target, err := resolver.Resolve(context.Background(), "/repo", "", "", "Nightly Sweep")
	require.NoError(t, err)
	assert.Equal(t, "foreman_plan/nightly-sweep", target)
}
