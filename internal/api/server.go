// Package api exposes the read-only operator HTTP interface for a running
// dispatcher: health, metrics, live task state, and finished results.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/crawlstack/dispatch/internal/dispatch"
	"github.com/crawlstack/dispatch/internal/monitor"
)

// ResultReader exposes finished results for the API. The in-memory result
// store satisfies it; Postgres deployments query the table directly.
type ResultReader interface {
	Get(taskID string) (dispatch.Result, bool)
	List() []dispatch.Result
}

// Server wires HTTP handlers to the monitor and result store.
type Server struct {
	router  chi.Router
	monitor *monitor.Monitor
	results ResultReader
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The results
// reader and gatherer are optional; nil disables the matching endpoints.
func NewServer(mon *monitor.Monitor, results ResultReader, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		monitor: mon,
		results: results,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/tasks", s.listTasks)
		r.Get("/stats", s.getStats)
		r.Route("/results", func(r chi.Router) {
			r.Get("/", s.listResults)
			r.Get("/{task_id}", s.getResult)
		})
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

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// listTasks handles GET /api/tasks. It returns the monitor's bounded view of
// recent task records.
func (s *Server) listTasks(w http.ResponseWriter, _ *http.Request) {
	if s.monitor == nil {
		s.writeError(w, http.StatusServiceUnavailable, "monitor unavailable")
		return
	}
	records := s.monitor.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": records})
}

// getStats handles GET /api/stats and returns aggregate throughput counters.
func (s *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	if s.monitor == nil {
		s.writeError(w, http.StatusServiceUnavailable, "monitor unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, s.monitor.Stats())
}

func (s *Server) listResults(w http.ResponseWriter, _ *http.Request) {
	if s.results == nil {
		s.writeError(w, http.StatusServiceUnavailable, "result store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": s.results.List()})
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		s.writeError(w, http.StatusServiceUnavailable, "result store unavailable")
		return
	}
	taskID := chi.URLParam(r, "task_id")
	res, ok := s.results.Get(taskID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "result not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
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
				s.logger.Error("panic recovered", zap.Any("panic", rec))
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

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

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

// Serve runs the HTTP server until the context is canceled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
