// Package httpapi exposes trackwatch's operational HTTP surface:
// liveness, readiness, and Prometheus metrics. It intentionally carries
// no stream or play presentation endpoints.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trackwatch/trackwatch/internal/manager"
	"github.com/trackwatch/trackwatch/internal/worker"
)

// Server holds the HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	manager  *manager.Manager
	registry *prometheus.Registry
	logger   *slog.Logger
}

// NewServer creates the HTTP handler with /healthz, /readyz, and /metrics
// mounted.
func NewServer(mgr *manager.Manager, registry *prometheus.Registry, logger *slog.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		manager:  mgr,
		registry: registry,
		logger:   logger,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.structuredLogger)
	r.Use(s.recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

// handleHealthz reports liveness: the process is up and serving requests.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReadyz reports readiness: no managed stream worker is in the
// terminal Failed state. A freshly started worker (Starting/Running) or a
// worker recovering from a transient Audio Source failure (Restarting)
// still counts as ready.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	for _, name := range s.manager.ActiveStreams() {
		state, ok := s.manager.WorkerState(name)
		if ok && state == worker.StateFailed {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("stream " + name + " worker failed"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type wrapResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *wrapResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// structuredLogger logs each request with log/slog, including the request
// ID set by chi's RequestID middleware.
func (s *Server) structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &wrapResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("http request",
			"request_id", chimw.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// recoverer recovers from panics, logs the stack trace, and returns a 500.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					"request_id", chimw.GetReqID(r.Context()),
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"}) //nolint:errcheck
			}
		}()
		next.ServeHTTP(w, r)
	})
}
