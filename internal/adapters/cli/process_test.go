//go:build !windows

package cli_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JeromySt/foreman/internal/adapters/cli"
	"github.com/JeromySt/foreman/internal/core"
	"github.com/JeromySt/foreman/internal/testutil"
)

type sinkRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (s *sinkRecorder) sink(stream, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, stream+": "+line)
}

func (s *sinkRecorder) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func TestProcessRunner_ShellExitCode(t *testing.T) {
	runner := cli.NewProcessRunner(nil)
	ctx := context.Background()

	proc, err := runner.Start(ctx, core.ProcSpec{Shell: "exit 0"}, nil)
	require.NoError(t, err)
	code, err := proc.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	proc, err = runner.Start(ctx, core.ProcSpec{Shell: "exit 2"}, nil)
	require.NoError(t, err)
	code, err = proc.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, code)
}

func TestProcessRunner_CapturesOutput(t *testing.T) {
	runner := cli.NewProcessRunner(nil)
	ctx := context.Background()
	rec := &sinkRecorder{}

	proc, err := runner.Start(ctx, core.ProcSpec{
		Shell: "echo out-line; echo err-line 1>&2",
	}, rec.sink)
	require.NoError(t, err)
	_, err = proc.Wait(ctx)
	require.NoError(t, err)

	lines := rec.all()
	assert.Contains(t, lines, "stdout: out-line")
	assert.Contains(t, lines, "stderr: err-line")
}

func TestProcessRunner_EnvAndDir(t *testing.T) {
	runner := cli.NewProcessRunner(nil)
	ctx := context.Background()
	dir := testutil.TempDir(t)
	rec := &sinkRecorder{}

	proc, err := runner.Start(ctx, core.ProcSpec{
		Shell: "echo $MARKER; pwd",
		Dir:   dir,
		Env:   map[string]string{"MARKER": "from-env"},
	}, rec.sink)
	require.NoError(t, err)
	_, err = proc.Wait(ctx)
	require.NoError(t, err)

	lines := rec.all()
	assert.Contains(t, lines, "stdout: from-env")
	assert.Contains(t, lines, "stdout: "+dir)
}

func TestProcessRunner_ProcessSpec(t *testing.T) {
	runner := cli.NewProcessRunner(nil)
	ctx := context.Background()
	rec := &sinkRecorder{}

	proc, err := runner.Start(ctx, core.ProcSpec{
		Executable: "echo",
		Args:       []string{"no", "shell"},
	}, rec.sink)
	require.NoError(t, err)
	code, err := proc.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, rec.all(), "stdout: no shell")
}

func TestProcessRunner_EmptySpecRejected(t *testing.T) {
	runner := cli.NewProcessRunner(nil)
	_, err := runner.Start(context.Background(), core.ProcSpec{}, nil)
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
}

func TestProcessRunner_ContextCancelKillsGroup(t *testing.T) {
	runner := cli.NewProcessRunner(nil)
	ctx, cancel := context.WithCancel(context.Background())

	proc, err := runner.Start(ctx, core.ProcSpec{Shell: "sleep 30"}, nil)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer waitCancel()
	code, err := proc.Wait(waitCtx)
	require.NoError(t, err)
	assert.NotEqual(t, 0, code, "killed process must not report success")
}

func TestProcessRunner_KillGrace(t *testing.T) {
	runner := cli.NewProcessRunner(nil)
	ctx := context.Background()

	proc, err := runner.Start(ctx, core.ProcSpec{Shell: "sleep 30"}, nil)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, proc.Kill(2*time.Second))

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	_, err = proc.Wait(waitCtx)
	require.NoError(t, err)
	// sleep dies on SIGTERM, so the grace window is not exhausted.
	assert.Less(t, time.Since(start), 2*time.Second)
}
