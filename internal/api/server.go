package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/marcus/loops/internal/config"
	"github.com/marcus/loops/internal/insights"
	"github.com/marcus/loops/internal/serverdb"
	"github.com/marcus/loops/internal/sync"
)

// Server is the HTTP API server for loops.
type Server struct {
	config      config.Config
	http        *http.Server
	store       *serverdb.ServerDB
	sync        *sync.Service
	insights    *insights.Aggregator
	metrics     *Metrics
	rateLimiter *RateLimiter
	cron        *cron.Cron
	now         func() time.Time
}

// NewServer creates a new Server with the given config and store.
func NewServer(cfg config.Config, store *serverdb.ServerDB) (*Server, error) {
	resolver, err := sync.ResolverByName(cfg.ConflictStrategy)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:      cfg,
		store:       store,
		insights:    insights.New(store.Conn()),
		metrics:     NewMetrics(),
		rateLimiter: NewRateLimiter(),
		now:         time.Now,
	}
	s.sync = sync.NewService(store, sync.Options{Resolver: resolver, Now: func() time.Time { return s.now() }})

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Start begins listening for HTTP requests (non-blocking) and schedules
// background maintenance.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.cron, err = s.newScheduler()
	if err != nil {
		ln.Close()
		return err
	}
	s.cron.Start()

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()

	return nil
}

// Shutdown gracefully stops the server and waits for running jobs.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cron != nil {
		select {
		case <-s.cron.Stop().Done():
		case <-ctx.Done():
		}
	}
	return s.http.Shutdown(ctx)
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health & metrics
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metricz", s.handleMetrics)

	// Sync
	mux.HandleFunc("GET /v1/sync/pull", s.requireAuth(s.withRateLimit(s.handleSyncPull, s.config.RateLimitPull)))
	mux.HandleFunc("POST /v1/sync/push", s.requireAuth(s.withRateLimit(s.handleSyncPush, s.config.RateLimitPush)))
	mux.HandleFunc("POST /v1/sync", s.requireAuth(s.withRateLimit(s.handleFullSync, s.config.RateLimitPush)))
	mux.HandleFunc("GET /v1/sync/status", s.requireAuth(s.withRateLimit(s.handleSyncStatus, s.config.RateLimitOther)))

	// Insights
	mux.HandleFunc("GET /v1/insights/day", s.requireAuth(s.withRateLimit(s.handleInsightsDay, s.config.RateLimitOther)))
	mux.HandleFunc("GET /v1/insights/range", s.requireAuth(s.withRateLimit(s.handleInsightsRange, s.config.RateLimitOther)))
	mux.HandleFunc("GET /v1/me/streak", s.requireAuth(s.withRateLimit(s.handleStreak, s.config.RateLimitOther)))

	return chain(mux, recoveryMiddleware, requestIDMiddleware, accessMiddleware(s.metrics),
		newCORSPolicy(s.config.CORSAllowedOrigins, s.config.CORSMaxAge).wrap, maxBytesMiddleware(10<<20), timeoutMiddleware(s.config.RequestTimeout))
}

// handleHealth returns a health check response, pinging the server DB.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics returns a snapshot of server metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}
