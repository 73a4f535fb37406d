package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ezlytics/ezlytics/internal/config"
	"github.com/ezlytics/ezlytics/internal/geoip"
	"github.com/ezlytics/ezlytics/internal/ingest"
	"github.com/ezlytics/ezlytics/internal/ratelimit"
	"github.com/ezlytics/ezlytics/internal/rebuild"
	"github.com/ezlytics/ezlytics/internal/repository/postgres"
	"github.com/ezlytics/ezlytics/internal/retention"
	"github.com/ezlytics/ezlytics/internal/rollup"
	"github.com/ezlytics/ezlytics/internal/secrets"
	"github.com/ezlytics/ezlytics/internal/session"
	"github.com/ezlytics/ezlytics/internal/webhook"
)

// Server is the HTTP surface: ingest, goals, provider webhooks, cron
// triggers, the tracking script, and health.
type Server struct {
	cfg     *config.Config
	db      *sql.DB
	handler http.Handler
	server  *http.Server

	sites     *postgres.SiteRepo
	events    *postgres.EventRepo
	validator *ingest.Validator
	geo       *geoip.Resolver
	sessions  session.Engine
	rollups   rollup.Engine
	limits    *ratelimit.IngestLimits
	processor *webhook.Processor
	rebuilder *rebuild.Rebuilder
	gc        *retention.GC
	redis     *redis.Client
	box       *secrets.Box

	now func() time.Time
}

// Deps carries the wired collaborators for a Server.
type Deps struct {
	DB        *sql.DB
	Sites     *postgres.SiteRepo
	Events    *postgres.EventRepo
	Geo       *geoip.Resolver
	Limits    *ratelimit.IngestLimits
	Processor *webhook.Processor
	Rebuilder *rebuild.Rebuilder
	GC        *retention.GC
	Redis     *redis.Client
	Box       *secrets.Box
}

// NewServer builds the server and its route table.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		db:        deps.DB,
		sites:     deps.Sites,
		events:    deps.Events,
		validator: ingest.NewValidator(),
		geo:       deps.Geo,
		limits:    deps.Limits,
		processor: deps.Processor,
		rebuilder: deps.Rebuilder,
		gc:        deps.GC,
		redis:     deps.Redis,
		box:       deps.Box,
		now:       time.Now,
	}
	s.handler = s.routes()
	return s
}

// ListenAndServe starts the HTTP server with ingest-appropriate timeouts.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
