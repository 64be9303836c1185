// Package admin serves the operator HTTP surface: health, Prometheus
// metrics, compliance and fallback reports, bypass warnings, capability
// status and calls, and top-level execution.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/agentgov/internal/governance"
	"github.com/polisai/agentgov/pkg/capability"
	"github.com/polisai/agentgov/pkg/domain"
	"github.com/polisai/agentgov/pkg/executor"
	"github.com/polisai/agentgov/pkg/registry"
)

const maxBodyBytes = 1 << 20

// Config wires the admin handlers to the running components.
type Config struct {
	Executor  *executor.Executor
	Facade    *registry.Facade
	Router    *capability.Router
	Fallbacks *governance.FallbackTracker
	// Metrics serves GET /metrics. Nil disables the route.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server holds the admin routes.
type Server struct {
	exec      *executor.Executor
	facade    *registry.Facade
	router    *capability.Router
	fallbacks *governance.FallbackTracker
	metrics   http.Handler
	logger    *slog.Logger
	started   time.Time
}

// New validates cfg and builds a server.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Executor == nil:
		return nil, domain.NewError(domain.KindValidation, domain.ErrMissingParameter, "admin executor")
	case cfg.Facade == nil:
		return nil, domain.NewError(domain.KindValidation, domain.ErrMissingParameter, "admin facade")
	case cfg.Router == nil:
		return nil, domain.NewError(domain.KindValidation, domain.ErrMissingParameter, "admin capability router")
	case cfg.Fallbacks == nil:
		return nil, domain.NewError(domain.KindValidation, domain.ErrMissingParameter, "admin fallback tracker")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		exec:      cfg.Executor,
		facade:    cfg.Facade,
		router:    cfg.Router,
		fallbacks: cfg.Fallbacks,
		metrics:   cfg.Metrics,
		logger:    logger,
		started:   time.Now(),
	}, nil
}

// Handler returns the instrumented route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	mux.HandleFunc("GET /v1/compliance", s.handleCompliance)
	mux.HandleFunc("DELETE /v1/compliance", s.handleResetCompliance)
	mux.HandleFunc("GET /v1/fallbacks", s.handleFallbacks)
	mux.HandleFunc("DELETE /v1/fallbacks", s.handleClearFallbacks)
	mux.HandleFunc("GET /v1/bypass-warnings", s.handleBypassWarnings)
	mux.HandleFunc("GET /v1/capabilities", s.handleCapabilities)
	mux.HandleFunc("POST /v1/capabilities/{name}", s.handleInvokeCapability)
	mux.HandleFunc("GET /v1/executor", s.handleExecutorStats)
	mux.HandleFunc("POST /v1/execute", s.handleExecute)
	return otelhttp.NewHandler(mux, "agentgov.admin")
}

// NewHTTPServer wraps Handler in an http.Server with conservative timeouts.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"strict_mode": s.facade.StrictMode(),
		"uptime":      time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleCompliance(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.facade.Registry().ComplianceMetrics())
}

func (s *Server) handleResetCompliance(w http.ResponseWriter, r *http.Request) {
	s.facade.Registry().ResetMetrics()
	s.logger.Info("compliance metrics reset", "remote", r.RemoteAddr)
	w.WriteHeader(http.StatusNoContent)
}

type fallbackReport struct {
	Stats        governance.FallbackStats `json:"stats"`
	Events       []domain.FallbackEvent   `json:"events"`
	Explanations []governance.Explanation `json:"explanations"`
}

func (s *Server) handleFallbacks(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, fallbackReport{
		Stats:        s.fallbacks.Stats(),
		Events:       s.fallbacks.Events(limit),
		Explanations: s.fallbacks.Explanations(limit),
	})
}

func (s *Server) handleClearFallbacks(w http.ResponseWriter, r *http.Request) {
	s.fallbacks.ClearStats()
	s.logger.Info("fallback stats cleared", "remote", r.RemoteAddr)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBypassWarnings(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"warnings": s.facade.Registry().BypassWarnings(limit),
	})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.router.Status())
}

func (s *Server) handleInvokeCapability(w http.ResponseWriter, r *http.Request) {
	values := map[string]any{}
	if err := decodeBody(r, &values); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := s.router.RouteName(r.Context(), r.PathValue("name"), values)
	status := http.StatusOK
	if resp.Failed() {
		status = statusForKind(resp.Kind)
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleExecutorStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.exec.Stats())
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req domain.Request
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	// Executions outlive a dropped client so provenance is still recorded.
	result := s.exec.Execute(context.WithoutCancel(r.Context()), req)
	s.writeJSON(w, http.StatusOK, result)
}

func decodeBody(r *http.Request, dst any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return domain.NewError(domain.KindValidation, err, "invalid request body")
	}
	return nil
}

func queryLimit(r *http.Request, fallback int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.NewError(domain.KindValidation, domain.ErrMissingParameter, "limit must be a non-negative integer")
	}
	return n, nil
}

func statusForKind(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation, domain.KindSchema:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindRemote, domain.KindRuntimeUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	resp := domain.ErrorResponse{
		Code:    codeForKind(kind),
		Message: err.Error(),
	}
	if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
		resp.TraceID = sc.TraceID().String()
	}
	s.writeJSON(w, statusForKind(kind), resp)
}

func codeForKind(kind domain.Kind) string {
	switch kind {
	case domain.KindValidation:
		return "VALIDATION_FAILURE"
	case domain.KindNotFound:
		return "NOT_FOUND"
	case domain.KindForbidden:
		return "FORBIDDEN"
	default:
		return "INTERNAL"
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("admin response encoding failed", "error", err)
	}
}
