package state_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JeromySt/foreman/internal/adapters/state"
	"github.com/JeromySt/foreman/internal/core"
	"github.com/JeromySt/foreman/internal/testutil"
)

func newStore(t *testing.T) *state.FileStore {
	t.Helper()
	store, err := state.NewFileStore(testutil.TempDir(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleDefinition() *core.PlanDefinition {
	return &core.PlanDefinition{
		Name:         "sample",
		RepoPath:     "/repo",
		TargetBranch: "foreman_plan/sample",
		Nodes: []core.NodeSpec{
			{ProducerID: "build", Name: "Build", Work: core.NewShellSpec("make build")},
			{ProducerID: "test", Name: "Test", Work: core.NewShellSpec("make test"), DependsOn: []string{"build"}},
		},
	}
}

func TestFileStore_DefinitionRoundTrip(t *testing.T) {
	store := newStore(t)

	def := sampleDefinition()
	require.NoError(t, store.SaveDefinition("plan-1", def))

	loaded, err := store.LoadDefinition("plan-1")
	require.NoError(t, err)
	assert.Equal(t, def.Name, loaded.Name)
	require.Len(t, loaded.Nodes, 2)
	assert.Equal(t, core.ProducerID("test"), loaded.Nodes[1].ProducerID)
	assert.Equal(t, []string{"build"}, loaded.Nodes[1].DependsOn)
	assert.Equal(t, "make build", loaded.Nodes[0].Work.Shell.Command)
}

func TestFileStore_LoadDefinition_NotFound(t *testing.T) {
	store := newStore(t)
	_, err := store.LoadDefinition("missing")
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))
}

func TestFileStore_StateVersionIncrements(t *testing.T) {
	store := newStore(t)

	snap := &core.StateSnapshot{
		PlanID: "plan-1",
		States: map[core.NodeID]*core.ExecutionState{"n1": core.NewExecutionState()},
	}
	require.NoError(t, store.SaveState("plan-1", snap))
	assert.Equal(t, 1, snap.StateVersion)
	require.NoError(t, store.SaveState("plan-1", snap))
	assert.Equal(t, 2, snap.StateVersion)

	loaded, err := store.LoadState("plan-1")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.StateVersion)
}

func TestFileStore_LoadState_Empty(t *testing.T) {
	store := newStore(t)
	snap, err := store.LoadState("never-saved")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestFileStore_CorruptStateRejected(t *testing.T) {
	store := newStore(t)
	snap := &core.StateSnapshot{PlanID: "plan-1", States: map[core.NodeID]*core.ExecutionState{}}
	require.NoError(t, store.SaveState("plan-1", snap))

	path := store.StatePath("plan-1")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip a payload byte; the checksum must catch it.
	corrupted := []byte(string(data))
	start := bytes.Index(corrupted, []byte(`"payload"`)) + len(`"payload"`)
	for i := start; i < len(corrupted); i++ {
		if corrupted[i] == '{' {
			continue
		}
		if corrupted[i] == 's' {
			corrupted[i] = 'z'
			break
		}
	}
	require.NoError(t, os.WriteFile(path, corrupted, 0o600))

	_, err = store.LoadState("plan-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), core.CodeStateCorrupted)
}

func TestFileStore_Logs(t *testing.T) {
	store := newStore(t)

	require.NoError(t, store.AppendLog("plan-1", "n1", 1, []byte("line one\n")))
	require.NoError(t, store.AppendLog("plan-1", "n1", 1, []byte("line two\n")))

	data, err := store.ReadLog("plan-1", "n1", 1)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(data))

	_, err = store.ReadLog("plan-1", "n1", 2)
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))
}

func TestFileStore_DeleteIdempotent(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.SaveDefinition("plan-1", sampleDefinition()))
	require.NoError(t, store.AppendLog("plan-1", "n1", 1, []byte("x")))

	require.NoError(t, store.Delete("plan-1"))
	_, err := store.LoadDefinition("plan-1")
	assert.Error(t, err)

	// Deleting again is a no-op.
	require.NoError(t, store.Delete("plan-1"))
}

func TestFileStore_ListPlanIDs(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.SaveDefinition("bbb", sampleDefinition()))
	require.NoError(t, store.SaveDefinition("aaa", sampleDefinition()))
	// Stray directories without a definition are ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(store.Root(), "junk"), 0o750))

	ids, err := store.ListPlanIDs()
	require.NoError(t, err)
	assert.Equal(t, []core.PlanID{"aaa", "bbb"}, ids)
}

func TestFileStore_SecondOrchestratorRejected(t *testing.T) {
	dir := testutil.TempDir(t)
	first, err := state.NewFileStore(dir, nil)
	require.NoError(t, err)
	defer first.Close()

	_, err = state.NewFileStore(dir, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), core.CodeLockHeld)
}

func TestFileStore_RejectsUnsafePlanIDs(t *testing.T) {
	store := newStore(t)
	assert.Error(t, store.SaveDefinition("../escape", sampleDefinition()))
	assert.Error(t, store.SaveDefinition("", sampleDefinition()))
	_, err := store.LoadDefinition("a/b")
	assert.Error(t, err)
}
