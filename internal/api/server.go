package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/org/datagate/internal/audit"
	"github.com/org/datagate/internal/auth"
	"github.com/org/datagate/internal/storage"
)

// Config holds server configuration.
type Config struct {
	ListenAddr     string
	RateLimitRPS   int
	RateLimitBurst int
}

// Server is the gateway API server.
type Server struct {
	keys    *auth.KeyService
	buffer  *audit.Buffer
	logs    storage.AuditStore
	reports storage.ReportStore
	events  storage.EventStore
	cfg     Config
	httpSrv *http.Server
}

// NewServer creates a fully wired Server. The buffer and key service are
// owned by the caller, which controls their Start/Stop lifecycle.
func NewServer(keys *auth.KeyService, buffer *audit.Buffer, logs storage.AuditStore,
	reports storage.ReportStore, events storage.EventStore, cfg Config) *Server {
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 200
	}
	return &Server{
		keys:    keys,
		buffer:  buffer,
		logs:    logs,
		reports: reports,
		events:  events,
		cfg:     cfg,
	}
}

// BuildRouter wires up all routes and returns a chi router.
//
// The global chain order matters: auth seeds the request metadata the
// access-log interceptor reads, so auth runs outside the interceptor, and
// both apply to every route (auth decides internally which are public).
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst).middleware)
	r.Use(authMiddleware(s.keys))
	r.Use(accessLogMiddleware(s.buffer))

	r.Get("/", s.HealthHandler)
	r.Handle("/metrics", MetricsHandler())

	r.Post("/admin/api-keys", s.CreateAPIKeyHandler)
	r.Get("/admin/access-logs", s.AccessLogsHandler)

	r.Get("/customers", s.CustomersHandler)
	r.Get("/customers/top-spending", s.TopSpendingHandler)

	r.Get("/transactions/most-expensive", s.MostExpensiveHandler)
	r.Get("/transactions/timeline", s.TimelineHandler)
	r.Get("/transactions/status-distribution", s.StatusDistributionHandler)
	r.Get("/transactions/classification-counts", s.ClassificationCountsHandler)
	r.Get("/transactions/recent", s.RecentTransactionsHandler)

	r.Get("/events/recent", s.RecentEventsHandler)

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.BuildRouter(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
