// Package web is the static site server that hoist deploys: one embedded
// page, a health endpoint for the rollout gate and the container
// HEALTHCHECK, and a metrics endpoint.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/hoist/internal/telemetry"
)

//go:embed static
var staticFS embed.FS

type Server struct {
	Version   string
	Checks    *telemetry.Checks
	Collector *telemetry.Collector

	startedAt time.Time
	srv       *http.Server
}

func NewServer(version string) *Server {
	checks := telemetry.NewChecks()
	for name, fn := range telemetry.DefaultHealthChecks() {
		checks.Register(name, fn)
	}
	return &Server{
		Version:   version,
		Checks:    checks,
		Collector: telemetry.NewCollector(true),
		startedAt: time.Now(),
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    telemetry.HealthStatus  `json:"status"`
	Version   string                  `json:"version"`
	StartedAt time.Time               `json:"started_at"`
	Checks    []telemetry.HealthCheck `json:"checks,omitempty"`
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/", s.index)
	r.Head("/", s.index)
	r.Get("/health", s.health)
	r.Head("/health", s.health)
	r.Get("/metrics", s.metrics)
	return r
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	data, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "page not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(data)
}

// health reports 200 while every check is healthy or degraded, 503 otherwise.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status, checks := s.Checks.Run()
	resp := HealthResponse{Status: status, Version: s.Version, StartedAt: s.startedAt, Checks: checks}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if status == telemetry.HealthStatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if r.Method == http.MethodHead {
		return
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	s.Collector.Gauge("hoist_web_uptime_seconds", time.Since(s.startedAt).Seconds(), nil)
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if err := s.Collector.WritePrometheus(w); err != nil {
		log.Warn().Err(err).Msg("write metrics")
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		} else if ww.Status() == http.StatusNotFound {
			route = "unmatched"
		}
		labels := map[string]string{"route": route, "code": strconv.Itoa(ww.Status())}
		s.Collector.Counter("hoist_web_requests_total", 1, labels)
		s.Collector.Timer("hoist_web_request_duration", time.Since(start), map[string]string{"route": route})

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
// A nil tlsCfg serves plain HTTP.
func (s *Server) ListenAndServe(ctx context.Context, addr string, tlsCfg *TLSConfig) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if tlsCfg != nil {
		cfg, err := tlsCfg.Build()
		if err != nil {
			return err
		}
		s.srv.Handler = ClientCertMiddleware(tlsCfg.RequireClientCert)(s.srv.Handler)
		s.srv.TLSConfig = cfg
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Bool("tls", tlsCfg != nil).Str("version", s.Version).Msg("Starting hoist-web")
		var err error
		if tlsCfg != nil {
			err = s.srv.ListenAndServeTLS("", "")
		} else {
			err = s.srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
	}
	log.Info().Msg("Shutting down hoist-web")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(sctx)
}

// Shutdown the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return fmt.Errorf("server not running")
	}
	return s.srv.Shutdown(ctx)
}
