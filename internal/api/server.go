// Package api serves the management operations over HTTP.
package api

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/sequencer/internal/expressions"
	"github.com/rendis/sequencer/internal/logging"
	"github.com/rendis/sequencer/internal/service"
	"github.com/rendis/sequencer/internal/streaming"
)

// TenantHeader carries the tenant every /api request is scoped to.
const TenantHeader = "X-Tenant-ID"

// Deps holds the dependencies for the API server.
type Deps struct {
	Service *service.Service
	Hub     streaming.EventHub
	// Payload maps trigger webhook bodies to recipients.
	Payload *expressions.PayloadMapper
	Logger  *slog.Logger
}

// Server serves the management API.
type Server struct {
	deps     Deps
	validate *validator.Validate
}

// NewServer creates a new Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonName)
	return &Server{deps: deps, validate: v}
}

// Handler returns the HTTP handler for every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /sse/events", s.handleSSE)

	// Sequences and steps.
	mux.HandleFunc("GET /api/sequences", s.tenant(s.handleListSequences))
	mux.HandleFunc("POST /api/sequences", s.tenant(s.handleCreateSequence))
	mux.HandleFunc("GET /api/sequences/{id}", s.tenant(s.handleGetSequence))
	mux.HandleFunc("PUT /api/sequences/{id}", s.tenant(s.handleUpdateSequence))
	mux.HandleFunc("DELETE /api/sequences/{id}", s.tenant(s.handleDeleteSequence))
	mux.HandleFunc("GET /api/sequences/{id}/diagram", s.tenant(s.handleDiagram))
	mux.HandleFunc("POST /api/sequences/{id}/steps", s.tenant(s.handleAddStep))
	mux.HandleFunc("PUT /api/sequences/{id}/steps/{stepID}", s.tenant(s.handleUpdateStep))
	mux.HandleFunc("DELETE /api/sequences/{id}/steps/{stepID}", s.tenant(s.handleDeleteStep))

	// Enrollments.
	mux.HandleFunc("POST /api/sequences/{id}/enrollments", s.tenant(s.handleEnroll))
	mux.HandleFunc("GET /api/sequences/{id}/enrollments", s.tenant(s.handleListEnrollments))
	mux.HandleFunc("POST /api/sequences/{id}/send-now", s.tenant(s.handleSendNow))
	mux.HandleFunc("GET /api/enrollments/{id}", s.tenant(s.handleGetEnrollment))
	mux.HandleFunc("DELETE /api/enrollments/{id}", s.tenant(s.handleUnenroll))
	mux.HandleFunc("POST /api/triggers/{trigger}", s.tenant(s.handleTrigger))

	// Catalog and tenant.
	mux.HandleFunc("GET /api/templates", s.tenant(s.handleListTemplates))
	mux.HandleFunc("POST /api/templates/{name}/install", s.tenant(s.handleInstallTemplate))
	mux.HandleFunc("POST /api/reset", s.tenant(s.handleReset))
	mux.HandleFunc("GET /api/stats", s.tenant(s.handleStats))
	mux.HandleFunc("PUT /api/recipients", s.tenant(s.handleUpsertRecipient))
	mux.HandleFunc("PUT /api/settings", s.tenant(s.handleUpsertSettings))

	return s.logRequests(mux)
}

// tenant rejects requests without a tenant header and tags the request
// context for log correlation.
func (s *Server) tenant(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(TenantHeader)
		if id == "" {
			writeError(w, http.StatusBadRequest, TenantHeader+" header is required")
			return
		}
		next(w, r.WithContext(logging.WithTenantID(r.Context(), id)))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.deps.Logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"tenant_id", r.Header.Get(TenantHeader),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
