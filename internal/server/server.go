// Package server exposes the resolution workflow over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polyresolve/internal/domain"
	"github.com/alanyoungcy/polyresolve/internal/metrics"
	"github.com/alanyoungcy/polyresolve/internal/server/handler"
	"github.com/alanyoungcy/polyresolve/internal/server/middleware"
	"github.com/alanyoungcy/polyresolve/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	Credentials     []middleware.Credential // empty disables authentication
	RateLimit       int                     // requests per RateWindow per caller; 0 disables
	RateWindow      time.Duration
	ShutdownTimeout time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health   *handler.HealthHandler
	Markets  *handler.MarketHandler
	Disputes *handler.DisputeHandler
	Bonds    *handler.BondHandler
	Admin    *handler.AdminHandler
}

// Deps are optional collaborators of the HTTP layer.
type Deps struct {
	Hub     *ws.Hub            // nil disables /ws
	Limiter domain.RateLimiter // nil disables API rate limiting
	Metrics *metrics.Recorder  // nil serves the default registry
}

// publicPaths are served without authentication or rate limiting.
var publicPaths = []string{"/api/health", "/metrics"}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on a ServeMux and
// the middleware chain applied.
func NewServer(cfg Config, h Handlers, deps Deps, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	mux.Handle("GET /metrics", deps.Metrics.Handler())

	mux.HandleFunc("POST /api/markets", h.Markets.CreateMarket)
	mux.HandleFunc("GET /api/markets", h.Markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/{id}", h.Markets.GetMarket)
	mux.HandleFunc("POST /api/markets/{id}/resolution", h.Markets.ProposeResolution)
	mux.HandleFunc("POST /api/markets/{id}/settle", h.Markets.Settle)
	mux.HandleFunc("POST /api/markets/{id}/freeze", h.Markets.Freeze)
	mux.HandleFunc("POST /api/markets/{id}/unlock", h.Markets.Unlock)
	mux.HandleFunc("GET /api/markets/{id}/events", h.Markets.Events)

	mux.HandleFunc("POST /api/markets/{id}/disputes", h.Disputes.Submit)
	mux.HandleFunc("GET /api/markets/{id}/disputes", h.Disputes.ListByMarket)
	mux.HandleFunc("GET /api/disputes/{id}", h.Disputes.Get)
	mux.HandleFunc("GET /api/me/disputes", h.Disputes.Mine)
	mux.HandleFunc("POST /api/disputes/{id}/review", h.Disputes.Review)
	mux.HandleFunc("POST /api/disputes/{id}/decision", h.Disputes.Decide)

	mux.HandleFunc("GET /api/bond/quote", h.Bonds.Quote)
	mux.HandleFunc("GET /api/admin/bond-policy", h.Bonds.GetPolicy)
	mux.HandleFunc("PUT /api/admin/bond-policy", h.Bonds.PutPolicy)
	mux.HandleFunc("POST /api/admin/sweep", h.Admin.Sweep)
	mux.HandleFunc("GET /api/audit", h.Markets.Audit)

	if deps.Hub != nil {
		mux.HandleFunc("GET /ws", deps.Hub.HandleWS)
	}

	// Outermost first: CORS, logging, auth, rate limit, route tracking.
	var chain http.Handler = middleware.TrackRoute(mux)
	if deps.Limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		chain = middleware.RateLimit(deps.Limiter, cfg.RateLimit, window, logger, publicPaths...)(chain)
	}
	chain = middleware.Auth(cfg.Credentials, publicPaths...)(chain)
	chain = middleware.Logging(logger, deps.Metrics)(chain)
	chain = middleware.CORS(cfg.CORSOrigins)(chain)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           chain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    chain,
		logger:     logger,
	}
}

// Handler returns the fully wrapped handler, for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
