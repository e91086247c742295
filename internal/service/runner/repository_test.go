package runner_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JeromySt/foreman/internal/core"
	"github.com/JeromySt/foreman/internal/service/runner"
)

func chainDefinition() *core.PlanDefinition {
	return &core.PlanDefinition{
		Name:     "chain",
		RepoPath: "/repo",
		Nodes: []core.NodeSpec{
			{ProducerID: "build", Name: "Build", Work: core.NewShellSpec("make build")},
			{ProducerID: "test", Name: "Test", Work: core.NewShellSpec("make test"), DependsOn: []string{"build"}},
			{ProducerID: "docs", Name: "Docs", Work: core.NewShellSpec("make docs"), DependsOn: []string{"build"}},
		},
	}
}

func TestBuildPlan_Bijection(t *testing.T) {
	plan, err := runner.BuildPlan("p1", chainDefinition(), nil)
	require.NoError(t, err)

	assert.Len(t, plan.Nodes, 3)
	assert.Len(t, plan.Producers, 3)
	for producer, nodeID := range plan.Producers {
		assert.Equal(t, producer, plan.Nodes[nodeID].ProducerID)
	}
}

func TestBuildPlan_ResolvesDepsByProducerID(t *testing.T) {
	plan, err := runner.BuildPlan("p1", chainDefinition(), nil)
	require.NoError(t, err)

	testNode, ok := plan.NodeByProducer("test")
	require.True(t, ok)
	require.Len(t, testNode.Dependencies, 1)
	assert.Equal(t, plan.Producers["build"], testNode.Dependencies[0])

	buildNode, _ := plan.NodeByProducer("build")
	assert.Len(t, buildNode.Dependents, 2)
}

func TestBuildPlan_RejectsCycle(t *testing.T) {
	def := &core.PlanDefinition{
		Name:     "cyclic",
		RepoPath: "/repo",
		Nodes: []core.NodeSpec{
			{ProducerID: "aaa", Name: "A", DependsOn: []string{"bbb"}},
			{ProducerID: "bbb", Name: "B", DependsOn: []string{"aaa"}},
		},
	}
	_, err := runner.BuildPlan("p1", def, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), core.CodeDAGCycle)
}

func TestBuildPlan_RejectsUnknownDep(t *testing.T) {
	def := &core.PlanDefinition{
		Name:     "dangling",
		RepoPath: "/repo",
		Nodes: []core.NodeSpec{
			{ProducerID: "aaa", Name: "A", DependsOn: []string{"ghost"}},
		},
	}
	_, err := runner.BuildPlan("p1", def, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node")
}

func TestBuildPlan_RejectsDuplicateProducer(t *testing.T) {
	def := &core.PlanDefinition{
		Name:     "dup",
		RepoPath: "/repo",
		Nodes: []core.NodeSpec{
			{ProducerID: "same", Name: "A"},
			{ProducerID: "same", Name: "B"},
		},
	}
	_, err := runner.BuildPlan("p1", def, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), core.CodeDuplicateNode)
}

func TestBuildPlan_InjectsSnapshotValidation(t *testing.T) {
	def := chainDefinition()
	def.SnapshotValidation = core.NewShellSpec("make validate")

	plan, err := runner.BuildPlan("p1", def, nil)
	require.NoError(t, err)

	validation, ok := plan.NodeByProducer(core.SnapshotValidationProducerID)
	require.True(t, ok, "snapshot validation node injected")
	assert.True(t, validation.AutoManaged)
	assert.True(t, validation.ExpectsNoChanges)

	// Its dependencies are the pre-injection leaves: test and docs.
	require.Len(t, validation.Dependencies, 2)
	deps := map[core.ProducerID]bool{}
	for _, dep := range validation.Dependencies {
		deps[plan.Nodes[dep].ProducerID] = true
	}
	assert.True(t, deps["test"] && deps["docs"])

	// And it is now the sole leaf.
	require.Len(t, plan.Leaves, 1)
	assert.Equal(t, validation.ID, plan.Leaves[0])
}

func TestBuildPlan_ReservedProducerRejected(t *testing.T) {
	def := &core.PlanDefinition{
		Name:     "reserved",
		RepoPath: "/repo",
		Nodes: []core.NodeSpec{
			{ProducerID: core.SnapshotValidationProducerID, Name: "Sneaky"},
		},
	}
	_, err := runner.BuildPlan("p1", def, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), core.CodeProtectedNode)
}

func TestBuildPlan_RebuildKeepsNodeIdentity(t *testing.T) {
	def := chainDefinition()
	plan, err := runner.BuildPlan("p1", def, nil)
	require.NoError(t, err)

	buildID := plan.Producers["build"]
	plan.State(buildID).Status = core.NodeStatusSucceeded
	plan.State(buildID).CompletedCommit = "abc123"

	grown := *def
	grown.Nodes = append(grown.Nodes, core.NodeSpec{
		ProducerID: "lint", Name: "Lint", DependsOn: []string{"build"},
	})
	rebuilt, err := runner.BuildPlan("p1", &grown, plan)
	require.NoError(t, err)

	assert.Equal(t, buildID, rebuilt.Producers["build"], "node id stable across rebuilds")
	assert.Equal(t, core.NodeStatusSucceeded, rebuilt.State(buildID).Status, "state carries over")
	assert.Equal(t, "abc123", rebuilt.State(buildID).CompletedCommit)
	assert.Equal(t, core.NodeStatusPending, rebuilt.State(rebuilt.Producers["lint"]).Status)
}

func TestBuildPlan_MaxParallelDefaults(t *testing.T) {
	def := chainDefinition()
	plan, err := runner.BuildPlan("p1", def, nil)
	require.NoError(t, err)
	assert.Equal(t, core.DefaultParallelCap, plan.EffectiveMaxParallel())

	def.MaxParallel = 2
	plan, err = runner.BuildPlan("p2", def, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, plan.EffectiveMaxParallel())
}
