package cli

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/JeromySt/foreman/internal/core"
	"github.com/JeromySt/foreman/internal/diagnostics"
	"github.com/JeromySt/foreman/internal/logging"
)

// Compile-time interface conformance check.
var _ core.AgentGateway = (*AgentAdapter)(nil)

// AgentAdapterConfig configures the coding agent CLI adapter.
type AgentAdapterConfig struct {
	// Path is the agent binary; may be multi-word (e.g. "gh copilot").
	Path string
	// Models maps tiers (fast, standard, premium) to concrete model names.
	Models map[string]string
}

// AgentAdapter invokes the external coding agent CLI as an opaque
// subprocess. Instructions are passed as the trailing command-line
// argument; progress events stream back as JSON lines on stdout.
type AgentAdapter struct {
	config    AgentAdapterConfig
	procs     core.ProcessGateway
	preflight *diagnostics.Preflight
	logger    *logging.Logger
}

// NewAgentAdapter creates the agent adapter.
func NewAgentAdapter(cfg AgentAdapterConfig, procs core.ProcessGateway, preflight *diagnostics.Preflight, logger *logging.Logger) *AgentAdapter {
	if cfg.Path == "" {
		cfg.Path = "claude"
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &AgentAdapter{
		config:    cfg,
		procs:     procs,
		preflight: preflight,
		logger:    logger,
	}
}

// Run executes one agent work spec in the given directory.
func (a *AgentAdapter) Run(ctx context.Context, inv core.AgentInvocation) (*core.AgentResult, error) {
	if a.preflight != nil {
		if err := a.preflight.Check(); err != nil {
			return nil, err
		}
	}

	executable, args := a.buildCommand(inv.Spec)

	env := make(map[string]string, len(inv.Env)+len(inv.Spec.Env)+2)
	for k, v := range inv.Env {
		env[k] = v
	}
	for k, v := range inv.Spec.Env {
		env[k] = v
	}
	env["FOREMAN_MANAGED"] = "true"
	if len(inv.Spec.AllowedURLs) > 0 {
		env["FOREMAN_ALLOWED_URLS"] = strings.Join(inv.Spec.AllowedURLs, ",")
	}

	parsed := &streamState{}
	sink := func(stream, line string) {
		if stream == "stdout" {
			parsed.consume(line)
		}
		if inv.Sink != nil {
			inv.Sink(stream, line)
		}
	}

	a.logger.Info("agent: starting",
		"dir", inv.Dir,
		"model", a.resolveModel(inv.Spec),
		"max_turns", inv.Spec.MaxTurns,
		"instructions_length", len(inv.Spec.Instructions),
	)

	proc, err := a.procs.Start(ctx, core.ProcSpec{
		Executable: executable,
		Args:       args,
		Dir:        inv.Dir,
		Env:        env,
	}, sink)
	if err != nil {
		return nil, err
	}

	code, err := proc.Wait(ctx)
	if err != nil {
		return nil, err
	}

	result := &core.AgentResult{
		ExitCode:  code,
		SessionID: parsed.sessionID,
		Summary:   parsed.summary,
	}
	if code != 0 {
		a.logger.Warn("agent: non-zero exit", "exit_code", code, "session_id", parsed.sessionID)
	}
	return result, nil
}

// buildCommand assembles the agent CLI invocation. Instructions are passed
// as the prompt argument; stream-json output lets us observe turn progress
// and the session id.
func (a *AgentAdapter) buildCommand(spec core.AgentSpec) (string, []string) {
	parts := strings.Fields(a.config.Path)
	executable := parts[0]
	args := append([]string(nil), parts[1:]...)

	args = append(args, "--print", "--output-format", "stream-json", "--verbose")
	args = append(args, "--dangerously-skip-permissions")

	if model := a.resolveModel(spec); model != "" {
		args = append(args, "--model", model)
	}
	if spec.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(spec.MaxTurns))
	}
	if spec.ResumeSession != "" {
		args = append(args, "--resume", spec.ResumeSession)
	}
	for _, folder := range spec.AllowedFolders {
		args = append(args, "--add-dir", folder)
	}
	args = append(args, spec.Instructions)
	return executable, args
}

// resolveModel prefers an explicit model over a tier mapping.
func (a *AgentAdapter) resolveModel(spec core.AgentSpec) string {
	if spec.Model != "" {
		return spec.Model
	}
	if spec.ModelTier != "" {
		return a.config.Models[string(spec.ModelTier)]
	}
	return ""
}

// streamState accumulates session id and final summary from the agent's
// JSON event stream.
type streamState struct {
	sessionID string
	summary   string
}

func (s *streamState) consume(line string) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "{") {
		return
	}

	var event struct {
		Type      string `json:"type"`
		Subtype   string `json:"subtype"`
		SessionID string `json:"session_id"`
		Result    string `json:"result"`
	}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		return
	}

	if event.SessionID != "" {
		s.sessionID = event.SessionID
	}
	if event.Type == "result" && event.Result != "" {
		s.summary = event.Result
	}
}
