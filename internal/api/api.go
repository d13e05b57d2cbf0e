// Package api exposes the coordinator's task lifecycle over HTTP, in the
// style of services/orchestrator/main.go's http.NewServeMux routing, but
// with request validation and per-user rate limiting the teacher's
// hand-rolled field checks never had.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/swarmguard/mcp/internal/coordinator"
	"github.com/swarmguard/mcp/internal/dagtemplate"
	"github.com/swarmguard/mcp/internal/mcperrors"
	"github.com/swarmguard/mcp/internal/platform/resilience"
	"github.com/swarmguard/mcp/internal/store/archive"
)

// Server wires the coordinator, template registry, and archive into an
// http.Handler. Archive is optional; analytics degrades to 503 without it.
type Server struct {
	coord     *coordinator.Coordinator
	templates *dagtemplate.Registry
	archiveDB *archive.Store
	limiter   *resilience.PerKeyRateLimiter
	validate  *validator.Validate
	log       *slog.Logger
}

// NewServer builds a Server. archiveDB may be nil if analytics isn't wired.
func NewServer(coord *coordinator.Coordinator, templates *dagtemplate.Registry, archiveDB *archive.Store) *Server {
	return &Server{
		coord:     coord,
		templates: templates,
		archiveDB: archiveDB,
		limiter: resilience.NewPerKeyRateLimiter(resilience.RateLimitConfig{
			Capacity:     5,
			Refill:       5,
			Interval:     time.Second,
			WindowSize:   time.Minute,
			RequestLimit: 60,
		}),
		validate: validator.New(),
		log:      slog.Default().With("component", "api"),
	}
}

// Routes builds the ServeMux the teacher's main.go wires directly to an
// http.Server.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetStatus)
	mux.HandleFunc("GET /v1/tasks/{id}/progress", s.handleGetProgress)
	mux.HandleFunc("POST /v1/tasks/{id}/abort", s.handleAbort)
	mux.HandleFunc("GET /v1/templates", s.handleListTemplates)
	mux.HandleFunc("GET /v1/analytics/agents", s.handleAgentAnalytics)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type createTaskRequest struct {
	UserID   string `json:"user_id" validate:"required"`
	Query    string `json:"query" validate:"required"`
	Template string `json:"template,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.limiter.Allow(req.UserID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded for user")
		return
	}

	rec, err := s.coord.CreateTask(r.Context(), req.UserID, req.Query, req.Template)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	rec, err := s.coord.GetStatus(r.Context(), taskID)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}
	entries, err := s.coord.GetProgress(r.Context(), taskID, since)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type abortRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	var req abortRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "aborted via api"
	}
	rec, err := s.coord.Abort(r.Context(), taskID, req.Reason)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.templates.List())
}

func (s *Server) handleAgentAnalytics(w http.ResponseWriter, r *http.Request) {
	if s.archiveDB == nil {
		writeError(w, http.StatusServiceUnavailable, "analytics archive not configured")
		return
	}
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window_hours"); raw != "" {
		if d, err := time.ParseDuration(raw + "h"); err == nil {
			window = d
		}
	}
	summary, err := s.archiveDB.AgentPerformanceSince(r.Context(), time.Now().Add(-window))
	if err != nil {
		s.log.Error("agent analytics query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "analytics query failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// writeTaxonomyError maps an mcperrors.Kind to the HTTP status it
// corresponds to, defaulting to 500 for anything unclassified.
func writeTaxonomyError(w http.ResponseWriter, err error) {
	var status int
	switch mcperrors.KindOf(err) {
	case mcperrors.InvalidInput:
		status = http.StatusBadRequest
	case mcperrors.NotFound:
		status = http.StatusNotFound
	case mcperrors.Conflict:
		status = http.StatusConflict
	case mcperrors.BrokerUnavailable, mcperrors.StoreUnavailable:
		status = http.StatusServiceUnavailable
	case mcperrors.Aborted:
		status = http.StatusConflict
	default:
		status = http.StatusInternalServerError
	}
	var taxErr *mcperrors.Error
	message := err.Error()
	if errors.As(err, &taxErr) {
		message = taxErr.Error()
	}
	writeError(w, status, message)
}
