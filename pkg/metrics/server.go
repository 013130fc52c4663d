package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marmos91/stategc/internal/cli/health"
	"github.com/marmos91/stategc/internal/logger"
)

// HealthFunc reports whether the process can serve. Nil means always
// healthy.
type HealthFunc func(ctx context.Context) error

// NewRouter serves /metrics from reg and /healthz from check.
func NewRouter(reg *prometheus.Registry, check HealthFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	startedAt := time.Now()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		var err error
		if check != nil {
			err = check(r.Context())
		}
		resp := healthResponse(startedAt, err)
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	return r
}

func healthResponse(startedAt time.Time, err error) health.Response {
	return health.NewResponse("stategc", startedAt, time.Now(), err)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug("metrics request",
			"request_id", middleware.GetReqID(r.Context()),
			"path", r.URL.Path,
			"status", ww.Status(),
			logger.KeyDurationMs, logger.Duration(start))
	})
}

// Server serves the metrics router until its context is cancelled.
type Server struct {
	server       *http.Server
	port         int
	shutdownOnce sync.Once
}

func NewServer(port int, reg *prometheus.Registry, check HealthFunc) *Server {
	return &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           NewRouter(reg, check),
			ReadHeaderTimeout: 10 * time.Second,
		},
		port: port,
	}
}

// Start blocks until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "port", s.port)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("metrics server failed: %w", err)
	}
}

// Stop shuts the server down. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		if e := s.server.Shutdown(ctx); e != nil {
			err = fmt.Errorf("metrics server shutdown: %w", e)
		}
	})
	return err
}
