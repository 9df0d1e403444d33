// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api implements the operator admin surface: session inspection,
// operator failover and termination, ingest listener control, health and
// metrics.
package api

import (
	"context"
	"net/http"

	"github.com/ManuGH/xglive/internal/api/middleware"
	"github.com/ManuGH/xglive/internal/auth"
	"github.com/ManuGH/xglive/internal/health"
	"github.com/ManuGH/xglive/internal/log"
	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sessions is the registry view the admin surface needs.
type Sessions interface {
	List() []session.Info
	Get(id string) (session.Info, error)
	Terminate(id string, reason media.ReasonCode) error
	Failover(channelID string) error
}

// History returns ended sessions, newest first.
type History interface {
	History(ctx context.Context, limit int) ([]session.Info, error)
}

// IngestControl starts and stops protocol listeners.
type IngestControl interface {
	Start(ctx context.Context, p media.Protocol) error
	Stop(p media.Protocol) error
	Status() map[media.Protocol]bool
}

// Options configure the admin server.
type Options struct {
	Sessions Sessions
	History  History // optional
	Ingest   IngestControl
	Health   *health.Manager

	// BaseContext bounds listeners started through the API. Request
	// contexts end with the request and must not own a listener.
	BaseContext func() context.Context

	Token    string
	Version  string
	Gatherer prometheus.Gatherer
	Stack    middleware.StackConfig
}

// Server is the admin HTTP handler.
type Server struct {
	opts   Options
	router chi.Router
}

func NewServer(opts Options) *Server {
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Health == nil {
		opts.Health = health.NewManager(opts.Version)
	}
	if opts.Stack.Surface == "" {
		opts.Stack.Surface = "admin"
	}
	if opts.Token == "" {
		logger := log.WithComponent("api")
		logger.Warn().
			Str(log.FieldEvent, "auth.loopback_only").
			Msg("no admin token configured, admin API accepts loopback callers only")
	}
	s := &Server{opts: opts}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := middleware.NewRouter(s.opts.Stack)

	r.Get("/healthz", s.opts.Health.ServeHealth)
	r.Get("/readyz", s.opts.Health.ServeReady)
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/version", s.handleVersion)

		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Delete("/sessions/{id}", s.handleTerminate)
		r.Post("/channels/{channel}/failover", s.handleFailover)

		r.Get("/ingest", s.handleIngestStatus)
		r.Post("/ingest/{protocol}/start", s.handleIngestStart)
		r.Post("/ingest/{protocol}/stop", s.handleIngestStop)
	})
	return r
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.AuthorizeRequest(r, s.opts.Token) {
			log.FromContext(r.Context()).Warn().
				Str(log.FieldComponent, "auth").
				Str(log.FieldEvent, "auth.denied").
				Str("remote_addr", r.RemoteAddr).
				Msg("admin request denied")
			w.Header().Set("WWW-Authenticate", `Bearer realm="xglive"`)
			writeProblem(w, r, http.StatusUnauthorized, "admin/unauthorized", "Unauthorized", "UNAUTHORIZED", "missing or invalid operator token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
