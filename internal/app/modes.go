package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyresolve/internal/access"
	"github.com/alanyoungcy/polyresolve/internal/domain"
	"github.com/alanyoungcy/polyresolve/internal/server"
	"github.com/alanyoungcy/polyresolve/internal/server/handler"
	"github.com/alanyoungcy/polyresolve/internal/server/middleware"
	"github.com/alanyoungcy/polyresolve/internal/server/ws"
	"github.com/alanyoungcy/polyresolve/internal/service"
)

// services holds the workflow services shared by the HTTP layer and the
// background workers.
type services struct {
	authz       domain.Authorizer
	lifecycle   *service.Lifecycle
	bonds       *service.BondCalculator
	stakes      *service.StakeLedger
	disputes    *service.DisputeRegistry
	arbitration *service.ArbitrationService
	sweeper     *service.Sweeper
}

// buildServices constructs the workflow services and loads the active bond
// policy, seeding the configured one when the policy store is empty.
func (a *App) buildServices(ctx context.Context, deps *Dependencies) (*services, error) {
	wf := a.cfg.Workflow
	authz := access.NewRoleAuthorizer(access.DefaultGrants)

	locker := service.NewMarketLocker(deps.Locks, wf.LockTTL.Duration, deps.Metrics)
	lifecycle := service.NewLifecycle(deps.Store, locker, authz, wf.DisputePeriod.Duration, deps.Metrics, a.logger)

	bonds, err := service.NewBondCalculator(a.cfg.BondPolicy, deps.Policies, deps.Reputation, a.logger)
	if err != nil {
		return nil, err
	}
	if err := bonds.Load(ctx); err != nil {
		return nil, err
	}

	stakes := service.NewStakeLedger(deps.Ledger, bonds, wf.TreasuryAccount, deps.Metrics, a.logger)
	disputes := service.NewDisputeRegistry(
		deps.Store, lifecycle, stakes, bonds, authz, deps.Limiter,
		service.SubmitLimit{Limit: wf.SubmitLimit, Window: wf.SubmitWindow.Duration},
		wf.MinReasonLen, deps.Metrics, a.logger,
	)
	arbitration := service.NewArbitrationService(lifecycle, disputes, stakes, authz, wf.MinNoteLen, deps.Metrics, a.logger)

	return &services{
		authz:       authz,
		lifecycle:   lifecycle,
		bonds:       bonds,
		stakes:      stakes,
		disputes:    disputes,
		arbitration: arbitration,
		sweeper:     service.NewSweeper(lifecycle, wf.SweepInterval.Duration, wf.SweepBatch, a.logger),
	}, nil
}

// ServerMode serves the HTTP API. Background work is left to a separate
// worker process; the WebSocket feed is only available when Redis carries
// events between the two.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies, svc *services) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	var hub *ws.Hub
	if deps.Bus != nil {
		hub = ws.NewHub(deps.Bus, a.cfg.Server.CORSOrigins, a.logger)
		g.Go(func() error {
			return hub.Run(ctx)
		})
	} else {
		a.logger.InfoContext(ctx, "redis disabled; /ws feed is not served in server mode")
	}

	a.startHTTPServer(ctx, g, deps, svc, hub)

	return g.Wait()
}

// WorkerMode runs the sweeper, the event dispatcher and the settlement
// worker, plus a standalone metrics listener.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies, svc *services) error {
	a.logger.InfoContext(ctx, "starting worker mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startWorkers(ctx, g, deps, svc)
	a.startMetricsServer(ctx, g, deps)

	return g.Wait()
}

// FullMode runs the API and every worker in one process. Without Redis the
// WebSocket hub is fed directly by the event dispatcher.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, svc *services) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	hub := ws.NewHub(deps.Bus, a.cfg.Server.CORSOrigins, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	var extra []domain.EventSink
	if deps.Bus == nil {
		extra = append(extra, hub)
	}
	a.startWorkers(ctx, g, deps, svc, extra...)
	a.startHTTPServer(ctx, g, deps, svc, hub)

	return g.Wait()
}

// startWorkers adds the background loops to the given errgroup. The
// reputation applier is always the first sink so score changes do not wait
// on slower external sinks.
func (a *App) startWorkers(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services, extra ...domain.EventSink) {
	wf := a.cfg.Workflow

	sinks := []domain.EventSink{service.NewReputationApplier(deps.Reputation, a.logger)}
	sinks = append(sinks, deps.Sinks...)
	sinks = append(sinks, extra...)

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	a.logger.InfoContext(ctx, "event sinks configured", slog.Any("sinks", names))

	dispatcher := service.NewEventDispatcher(
		deps.Store.Events(), sinks,
		wf.DispatchInterval.Duration, wf.DispatchBatch, deps.Metrics, a.logger,
	)
	settlement := service.NewSettlementWorker(
		deps.Store.Instructions(), deps.Ledger,
		wf.SettlementInterval.Duration, wf.SettlementBatch, wf.MaxAttempts,
		deps.Metrics, a.logger,
	)

	g.Go(func() error {
		return svc.sweeper.Run(ctx)
	})
	g.Go(func() error {
		return dispatcher.Run(ctx)
	})
	g.Go(func() error {
		return settlement.Run(ctx)
	})
}

// startHTTPServer adds the API server goroutine to the given errgroup. The
// server is shut down gracefully when the context is cancelled. hub may be
// nil, in which case /ws is not registered.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services, hub *ws.Hub) {
	creds := make([]middleware.Credential, 0, len(a.cfg.Auth.Keys))
	for _, k := range a.cfg.Auth.Keys {
		creds = append(creds, middleware.Credential{
			Key:       k.Key,
			Principal: domain.Principal{ID: k.Principal, Role: domain.Role(k.Role)},
		})
	}
	if len(creds) == 0 {
		a.logger.WarnContext(ctx, "no API keys configured; authentication is disabled")
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		Credentials:     creds,
		RateLimit:       a.cfg.Server.RateLimit,
		RateWindow:      a.cfg.Server.RateWindow.Duration,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout.Duration,
	}, server.Handlers{
		Health:   handler.NewHealthHandler(a.cfg.Mode, deps.Pingers, a.logger),
		Markets:  handler.NewMarketHandler(svc.lifecycle, a.logger),
		Disputes: handler.NewDisputeHandler(svc.disputes, svc.arbitration, a.logger),
		Bonds:    handler.NewBondHandler(svc.bonds, svc.authz, a.logger),
		Admin:    handler.NewAdminHandler(svc.sweeper, svc.authz, a.logger),
	}, server.Deps{
		Hub:     hub,
		Limiter: deps.Limiter,
		Metrics: deps.Metrics,
	}, a.logger)

	g.Go(func() error {
		return srv.Run(ctx, a.cfg.Server.ShutdownTimeout.Duration)
	})
}

// startMetricsServer serves /metrics on its own address for worker mode.
func (a *App) startMetricsServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Metrics == nil || a.cfg.Metrics.Addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", deps.Metrics.Handler())
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		a.logger.InfoContext(ctx, "metrics listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
