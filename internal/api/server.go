// Package api exposes the HTTP status and control surface.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetcrawl/fleetcrawl/internal/core"
	"github.com/fleetcrawl/fleetcrawl/internal/metrics"
)

// Server wires the read-only status endpoints and the stop control to the
// stores. It never mutates pipeline state beyond the cooperative stop flag.
type Server struct {
	router   chi.Router
	runs     core.RunStore
	queue    core.WorkQueue
	frontier core.Frontier
	pool     core.ProxyPool
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	runs core.RunStore,
	queue core.WorkQueue,
	frontier core.Frontier,
	pool core.ProxyPool,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		runs:     runs,
		queue:    queue,
		frontier: frontier,
		pool:     pool,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/runs/{run_id}", func(r chi.Router) {
			r.Get("/status", s.getRunStatus)
			r.Get("/queue", s.getQueueDepth)
			r.Get("/frontier", s.getFrontierProgress)
			r.Post("/stop", s.stopRun)
		})
		r.Get("/proxies", s.getProxyHealth)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getRunStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.runs.GetRun(r.Context(), runID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	steps, err := s.runs.ListSteps(r.Context(), runID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to fetch steps")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run": run, "steps": steps})
}

func (s *Server) getQueueDepth(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	depth, err := s.queue.Depth(r.Context(), runID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to fetch queue depth")
		return
	}
	s.writeJSON(w, http.StatusOK, depth)
}

func (s *Server) getFrontierProgress(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	progress, err := s.frontier.Progress(r.Context(), runID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to fetch frontier progress")
		return
	}
	s.writeJSON(w, http.StatusOK, progress)
}

func (s *Server) getProxyHealth(w http.ResponseWriter, _ *http.Request) {
	endpoints := s.pool.Snapshot()
	summary := make([]map[string]any, 0, len(endpoints))
	for _, e := range endpoints {
		summary = append(summary, map[string]any{
			"endpoint_id":          e.ID,
			"country_code":         e.CountryCode,
			"type":                 e.Type,
			"health_score":         e.HealthScore,
			"consecutive_failures": e.ConsecutiveFailures,
			"suspended_until":      e.SuspendedUntil,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"endpoints": summary})
}

func (s *Server) stopRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if err := s.runs.RequestStop(r.Context(), runID); err != nil {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.logger.Info("stop requested via API", zap.String("run_id", runID))
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": "stop_requested",
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
