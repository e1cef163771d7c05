// Package httpapi exposes a charger's properties over a small JSON API.
package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/markus-barta/wattpilot"
)

// Charger is the part of *wattpilot.Client the API needs.
type Charger interface {
	State() wattpilot.State
	IsReady() bool
	Identity() wattpilot.Identity
	Snapshot() wattpilot.Snapshot
	Diagnostics() wattpilot.Diagnostics
	ReadPropertyFresh(ctx context.Context, key string, def wattpilot.Value) (wattpilot.Value, error)
	WriteProperty(ctx context.Context, key string, value any, opts ...wattpilot.WriteOption) (wattpilot.Outcome, error)
}

// Config configures the server.
type Config struct {
	Listen   string
	Token    string              // bearer token for writes, empty allows all
	Gatherer prometheus.Gatherer // served on /metrics when set
}

// Server is the HTTP API server.
type Server struct {
	cfg     Config
	charger Charger
	log     zerolog.Logger
	router  *chi.Mux
}

// New creates a server for charger.
func New(cfg Config, charger Charger, log zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		charger: charger,
		log:     log.With().Str("component", "httpapi").Logger(),
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/health", s.handleHealth)
	if s.cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/identity", s.handleIdentity)
		r.Get("/diagnostics", s.handleDiagnostics)
		r.Get("/properties", s.handleProperties)
		r.Get("/properties/{key}", s.handleGetProperty)
		r.With(s.requireToken).Put("/properties/{key}", s.handleSetProperty)
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// requireToken checks the bearer token on mutating routes.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(s.cfg.Token), []byte(token)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Listen, Handler: s.router}
	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Listen).Msg("starting http api")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}
