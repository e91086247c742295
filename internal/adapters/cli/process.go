// Package cli implements the process gateway: subprocess spawning with
// stdio capture and process-group termination, plus the adapter that
// invokes the external coding agent CLI.
package cli

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/JeromySt/foreman/internal/core"
	"github.com/JeromySt/foreman/internal/logging"
)

// Compile-time interface conformance check.
var _ core.ProcessGateway = (*ProcessRunner)(nil)

// ProcessRunner spawns subprocesses with line-oriented output capture.
type ProcessRunner struct {
	logger *logging.Logger
}

// NewProcessRunner creates a process runner.
func NewProcessRunner(logger *logging.Logger) *ProcessRunner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ProcessRunner{logger: logger}
}

// handle is a live subprocess plus its output pumps.
type handle struct {
	cmd  *exec.Cmd
	wg   *sync.WaitGroup
	done chan struct{}

	mu       sync.Mutex
	exitCode int
	waitErr  error
	waited   bool
}

// Start spawns the subprocess described by spec. Output lines are delivered
// to sink from pump goroutines; the handle's Wait drains them before
// returning.
func (r *ProcessRunner) Start(ctx context.Context, spec core.ProcSpec, sink core.OutputSink) (core.ProcHandle, error) {
	var cmd *exec.Cmd
	switch {
	case spec.Shell != "":
		if runtime.GOOS == "windows" {
			cmd = exec.Command("cmd", "/c", spec.Shell)
		} else {
			cmd = exec.Command("sh", "-c", spec.Shell)
		}
	case spec.Executable != "":
		cmd = exec.Command(spec.Executable, spec.Args...)
	default:
		return nil, core.ErrValidation("EMPTY_PROC_SPEC",
			"process spec must set a shell command or an executable")
	}

	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	configureProcAttr(cmd)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, core.ErrSubprocess("PIPE_FAILED", "creating stdout pipe").WithCause(err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		_ = stdoutPipe.Close()
		return nil, core.ErrSubprocess("PIPE_FAILED", "creating stderr pipe").WithCause(err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdoutPipe.Close()
		_ = stderrPipe.Close()
		return nil, core.ErrSubprocess("SPAWN_FAILED", "starting subprocess").WithCause(err)
	}

	r.logger.Debug("subprocess started", "pid", cmd.Process.Pid, "dir", spec.Dir)

	h := &handle{
		cmd:  cmd,
		wg:   &sync.WaitGroup{},
		done: make(chan struct{}),
	}

	h.wg.Add(2)
	go pumpLines(stdoutPipe, "stdout", sink, h.wg)
	go pumpLines(stderrPipe, "stderr", sink, h.wg)

	// A single goroutine owns cmd.Wait; Wait() and Kill() observe it
	// through the done channel.
	go func() {
		h.wg.Wait()
		err := cmd.Wait()
		h.mu.Lock()
		h.waited = true
		h.waitErr = err
		if err == nil {
			h.exitCode = 0
		} else if exitErr, ok := err.(*exec.ExitError); ok {
			h.exitCode = exitErr.ExitCode()
		} else {
			h.exitCode = -1
		}
		h.mu.Unlock()
		close(h.done)
	}()

	// Kill the group if the context dies while the process runs.
	go func() {
		select {
		case <-ctx.Done():
			_ = h.Kill(5 * time.Second)
		case <-h.done:
		}
	}()

	return h, nil
}

func pumpLines(pipe io.ReadCloser, stream string, sink core.OutputSink, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if sink != nil {
			sink(stream, scanner.Text())
		}
	}
	// Scanner errors are ignored: the pipe closes abruptly on kill.
}

// Wait blocks until the process exits and returns its exit code.
func (h *handle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return -1, core.ErrSubprocess("WAIT_CANCELED", "wait canceled").WithCause(ctx.Err())
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.waitErr != nil {
		if _, ok := h.waitErr.(*exec.ExitError); ok {
			// Non-zero exit is reported through the code, not the error.
			return h.exitCode, nil
		}
		return h.exitCode, core.ErrSubprocess("WAIT_FAILED", "waiting for subprocess").WithCause(h.waitErr)
	}
	return h.exitCode, nil
}

// PID returns the process id.
func (h *handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}
