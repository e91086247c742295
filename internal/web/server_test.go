package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JeromySt/foreman/internal/adapters/cli"
	gitadapter "github.com/JeromySt/foreman/internal/adapters/git"
	"github.com/JeromySt/foreman/internal/adapters/state"
	"github.com/JeromySt/foreman/internal/core"
	"github.com/JeromySt/foreman/internal/events"
	"github.com/JeromySt/foreman/internal/service/runner"
	"github.com/JeromySt/foreman/internal/testutil"
)

func newTestServer(t *testing.T) (*Server, *runner.Runner, *testutil.GitRepo) {
	t.Helper()

	repo := testutil.NewGitRepo(t)
	repo.WriteFile("README.md", "# fixture\n")
	repo.Commit("initial")

	store, err := state.NewFileStore(testutil.TempDir(t), nil)
	require.NoError(t, err)
	index, err := state.OpenIndex(filepath.Join(store.Root(), "index.db"))
	require.NoError(t, err)

	gitGateway := gitadapter.NewGateway(30*time.Second, nil)
	procs := cli.NewProcessRunner(nil)
	agent := cli.NewAgentAdapter(cli.AgentAdapterConfig{}, procs, nil, nil)
	bus := events.New(64)
	resolver := runner.NewBranchResolver(gitGateway, "foreman_plan", nil)
	repoSvc := runner.NewRepository(store, resolver, nil)
	exec := runner.NewExecutor(gitGateway, procs, agent, runner.ExecutorConfig{}, nil)
	run := runner.New(runner.Config{PumpInterval: 50 * time.Millisecond},
		store, index, gitGateway, repoSvc, exec, bus, nil)

	t.Cleanup(func() {
		run.Shutdown()
		bus.Close()
		_ = index.Close()
		_ = store.Close()
	})

	server := NewServer(Config{Addr: "127.0.0.1:0"}, run, nil)
	return server, run, repo
}

func request(t *testing.T, server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.ContentLength = int64(reader.Len())
	}
	rec := httptest.NewRecorder()
	server.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_PlanLifecycle(t *testing.T) {
	server, run, repo := newTestServer(t)

	// Create a paused plan over HTTP.
	rec := request(t, server, http.MethodPost, "/api/plans", core.CreatePlanCommand{
		Definition: core.PlanDefinition{
			Name:     "http-plan",
			RepoPath: repo.Path,
			Nodes: []core.NodeSpec{
				{ProducerID: "only-job", Name: "Only", Work: core.NewShellSpec("exit 0")},
			},
		},
		StartPaused: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		PlanID string `json:"planId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.PlanID)

	// List includes it.
	rec = request(t, server, http.MethodGet, "/api/plans", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var views []core.PlanStatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.True(t, views[0].IsPaused)

	// Jobs are visible.
	rec = request(t, server, http.MethodGet, "/api/plans/"+created.PlanID+"/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Resume and wait for completion through the API.
	rec = request(t, server, http.MethodPost, "/api/plans/"+created.PlanID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		view, err := run.GetStatus(core.PlanID(created.PlanID))
		return err == nil && view.Status.IsTerminal()
	}, 20*time.Second, 50*time.Millisecond)

	rec = request(t, server, http.MethodGet, "/api/plans/"+created.PlanID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view core.PlanStatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, core.PlanStatusSucceeded, view.Status)

	// Logs endpoint serves text.
	rec = request(t, server, http.MethodGet, "/api/plans/"+created.PlanID+"/jobs/only-job/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Delete.
	rec = request(t, server, http.MethodDelete, "/api/plans/"+created.PlanID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ErrorsMapToStatusCodes(t *testing.T) {
	server, _, _ := newTestServer(t)

	// Unknown plan -> 404.
	rec := request(t, server, http.MethodGet, "/api/plans/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Invalid definition -> 400.
	rec = request(t, server, http.MethodPost, "/api/plans", core.CreatePlanCommand{
		Definition: core.PlanDefinition{Name: ""},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Bad JSON -> 400.
	req := httptest.NewRequest(http.MethodPost, "/api/plans", bytes.NewReader([]byte("{nope")))
	recBad := httptest.NewRecorder()
	server.http.Handler.ServeHTTP(recBad, req)
	assert.Equal(t, http.StatusBadRequest, recBad.Code)

	// Invalid phase query -> 400.
	rec = request(t, server, http.MethodGet, "/api/plans/x/jobs/y/logs?phase=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ShutdownIsClean(t *testing.T) {
	server, _, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, server.Shutdown(ctx))
}
