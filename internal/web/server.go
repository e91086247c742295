// Package web exposes the runner's command and query surface over a small
// HTTP API. This is the embedding-host seam: no UI is served here.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/JeromySt/foreman/internal/core"
	"github.com/JeromySt/foreman/internal/logging"
	"github.com/JeromySt/foreman/internal/service/runner"
)

// Server serves the status API.
type Server struct {
	runner *runner.Runner
	logger *logging.Logger
	http   *http.Server
}

// Config configures the server.
type Config struct {
	Addr           string
	AllowedOrigins []string
}

// NewServer creates the API server.
func NewServer(cfg Config, r *runner.Runner, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{runner: r, logger: logger}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
	})
	router.Use(c.Handler)

	router.Route("/api", func(api chi.Router) {
		api.Get("/plans", s.handleListPlans)
		api.Post("/plans", s.handleCreatePlan)
		api.Route("/plans/{planID}", func(plan chi.Router) {
			plan.Get("/", s.handleGetPlan)
			plan.Delete("/", s.handleDeletePlan)
			plan.Post("/pause", s.planAction(func(id core.PlanID) error { return r.PausePlan(id) }))
			plan.Post("/resume", s.planAction(func(id core.PlanID) error { return r.ResumePlan(id) }))
			plan.Post("/cancel", s.planAction(func(id core.PlanID) error { return r.CancelPlan(id) }))
			plan.Post("/retry", s.planAction(func(id core.PlanID) error { return r.RetryPlan(id) }))
			plan.Post("/finalize", s.handleFinalize)
			plan.Post("/jobs", s.handleAddJob)
			plan.Post("/reshape", s.handleReshape)
			plan.Get("/jobs", s.handleListJobs)
			plan.Route("/jobs/{nodeRef}", func(job chi.Router) {
				job.Get("/", s.handleGetJob)
				job.Get("/logs", s.handleJobLogs)
				job.Get("/attempts", s.handleJobAttempts)
				job.Get("/failure", s.handleJobFailure)
				job.Post("/retry", s.handleRetryJob)
				job.Post("/fail", s.handleForceFail)
				job.Post("/update", s.handleUpdateJob)
			})
		})
		api.Get("/jobs/search", s.handleSearchJobs)
	})

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("status API listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// --- handlers -------------------------------------------------------------

func (s *Server) handleListPlans(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.runner.ListPlans())
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var cmd core.CreatePlanCommand
	if !decode(w, r, &cmd) {
		return
	}
	id, err := s.runner.CreatePlan(r.Context(), &cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"planId": string(id)})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	view, err := s.runner.GetStatus(planID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeletePlan(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.DeletePlan(r.Context(), planID(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, core.CommandResult{Success: true})
}

func (s *Server) planAction(action func(core.PlanID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := action(planID(r)); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, core.CommandResult{Success: true})
	}
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	cmd := core.FinalizePlanCommand{PlanID: planID(r)}
	var body struct {
		StartPaused bool `json:"startPaused"`
	}
	if r.ContentLength > 0 && !decode(w, r, &body) {
		return
	}
	cmd.StartPaused = body.StartPaused
	if err := s.runner.FinalizePlan(&cmd); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, core.CommandResult{Success: true})
}

func (s *Server) handleAddJob(w http.ResponseWriter, r *http.Request) {
	var spec core.NodeSpec
	if !decode(w, r, &spec) {
		return
	}
	cmd := core.AddJobCommand{PlanID: planID(r), Spec: spec}
	if err := s.runner.AddJob(&cmd); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, core.CommandResult{Success: true})
}

func (s *Server) handleReshape(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Ops []core.ReshapeOp `json:"ops"`
	}
	if !decode(w, r, &body) {
		return
	}
	cmd := core.ReshapePlanCommand{PlanID: planID(r), Ops: body.Ops}
	results, err := s.runner.ReshapePlan(&cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.runner.ListJobs(planID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.runner.GetJob(planID(r), nodeRef(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	phase := core.Phase(r.URL.Query().Get("phase"))
	if phase != "" && !core.ValidPhase(phase) {
		writeError(w, core.ErrValidation("INVALID_PHASE", "unknown phase: "+string(phase)))
		return
	}
	logs, err := s.runner.GetJobLogs(planID(r), nodeRef(r), phase)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(logs))
}

func (s *Server) handleJobAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.runner.GetJobAttempts(planID(r), nodeRef(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (s *Server) handleJobFailure(w http.ResponseWriter, r *http.Request) {
	fc, err := s.runner.GetJobFailureContext(planID(r), nodeRef(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fc)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	var cmd core.RetryJobCommand
	if r.ContentLength > 0 && !decode(w, r, &cmd) {
		return
	}
	cmd.PlanID = planID(r)
	cmd.NodeRef = nodeRef(r)
	writeJSON(w, http.StatusOK, s.runner.RetryJob(r.Context(), &cmd))
}

func (s *Server) handleForceFail(w http.ResponseWriter, r *http.Request) {
	cmd := core.NodeRefCommand{PlanID: planID(r), NodeRef: nodeRef(r)}
	writeJSON(w, http.StatusOK, s.runner.ForceFailJob(&cmd))
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	var cmd core.UpdateJobCommand
	if !decode(w, r, &cmd) {
		return
	}
	cmd.PlanID = planID(r)
	cmd.NodeRef = nodeRef(r)
	writeJSON(w, http.StatusOK, s.runner.UpdateJob(&cmd))
}

func (s *Server) handleSearchJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, core.ErrValidation("QUERY_REQUIRED", "q parameter is required"))
		return
	}
	entries, err := s.runner.SearchJobs(query, 20)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- plumbing -------------------------------------------------------------

func planID(r *http.Request) core.PlanID {
	return core.PlanID(chi.URLParam(r, "planID"))
}

func nodeRef(r *http.Request) string {
	return chi.URLParam(r, "nodeRef")
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, core.ErrValidation("BAD_JSON", "decoding request body: "+err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch core.GetCategory(err) {
	case core.ErrCatValidation:
		status = http.StatusBadRequest
	case core.ErrCatNotFound:
		status = http.StatusNotFound
	case core.ErrCatState, core.ErrCatConflict:
		status = http.StatusConflict
	}
	writeJSON(w, status, core.ResultFromError(err))
}
