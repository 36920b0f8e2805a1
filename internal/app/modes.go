package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/livewager/internal/blob/s3"
	"github.com/alanyoungcy/livewager/internal/auth"
	"github.com/alanyoungcy/livewager/internal/dispatch"
	"github.com/alanyoungcy/livewager/internal/domain"
	"github.com/alanyoungcy/livewager/internal/gateway"
	"github.com/alanyoungcy/livewager/internal/server"
	"github.com/alanyoungcy/livewager/internal/server/handler"
	"github.com/alanyoungcy/livewager/internal/service"
)

// realtime is the event-channel half shared by every mode.
type realtime struct {
	verifier  *auth.Verifier
	gateway   *gateway.Gateway
	router    *dispatch.Router
	publisher *dispatch.Publisher
}

// busDispatcher sends service-originated events through the bus so the node
// holding the principal's session delivers them.
type busDispatcher struct {
	publisher *dispatch.Publisher
}

func (b busDispatcher) Dispatch(ctx context.Context, room string, event domain.EventName, payload any) (dispatch.Result, error) {
	return dispatch.Result{}, b.publisher.Publish(ctx, room, event, payload)
}

// GatewayMode runs the event channel and the internal dispatch endpoint
// without the submission boundary.
func (a *App) GatewayMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting gateway mode")

	g, ctx := errgroup.WithContext(ctx)
	rt := a.startRealtime(ctx, g, deps)
	a.startHTTP(ctx, g, deps, rt, nil)
	return g.Wait()
}

// FullMode runs the event channel plus wager submission, reconciliation and,
// when enabled, journal archiving.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	rt := a.startRealtime(ctx, g, deps)

	risk := service.NewRiskService(deps.QuoteCache, deps.BalanceCache, deps.Ledger,
		service.RiskConfig{RateToleranceBps: a.cfg.Wager.RateToleranceBps}, a.logger)

	var dispatcher service.Dispatcher = rt.router
	if rt.publisher != nil {
		dispatcher = busDispatcher{publisher: rt.publisher}
	}
	wagers := service.NewWagerService(
		deps.WagerStore, deps.AuditStore, deps.RateLimiter, deps.Idempotency,
		risk, deps.Ledger, dispatcher, deps.Notifier,
		service.WagerConfig{
			SubmitTimeout:  a.cfg.Wager.SubmitTimeout.Duration,
			IdempotencyTTL: a.cfg.Wager.IdempotencyTTL.Duration,
			RateLimit:      a.cfg.Wager.SubmitRateLimit,
			RateWindow:     a.cfg.Wager.SubmitRateWindow.Duration,
		}, a.logger)

	if every := a.cfg.Wager.ReconcileEvery.Duration; every > 0 {
		g.Go(func() error {
			return wagers.RunReconciler(ctx, every)
		})
	}

	if a.cfg.Archive.Enabled && deps.BlobWriter != nil {
		archiver := s3blob.NewArchiver(deps.BlobWriter, deps.BlobReader, deps.WagerStore,
			deps.AuditStore, deps.LockManager, a.logger).WithAlerts(deps.Notifier)
		retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
		g.Go(func() error {
			return archiver.Run(ctx, a.cfg.Archive.Interval.Duration, retention)
		})
	}

	a.startHTTP(ctx, g, deps, rt, handler.NewWagerHandler(wagers, a.logger))
	return g.Wait()
}

// startRealtime builds the registry, router and gateway, plus the bus
// bridge when enabled.
func (a *App) startRealtime(ctx context.Context, g *errgroup.Group, deps *Dependencies) *realtime {
	verifier := auth.NewVerifier(a.cfg.Auth.JWTSecret, a.cfg.Auth.Issuer, a.cfg.Auth.Leeway.Duration)
	registry := gateway.NewRegistry()

	var observers []dispatch.Observer
	if deps.QuoteCache != nil {
		observers = append(observers, dispatch.NewQuoteObserver(deps.QuoteCache))
	}
	if deps.BalanceCache != nil {
		observers = append(observers, dispatch.NewBalanceObserver(deps.BalanceCache))
	}
	router := dispatch.NewRouter(registry, a.logger, observers...)

	gw := gateway.New(gateway.Config{
		SendBuffer:          a.cfg.Gateway.SendBuffer,
		Overflow:            gateway.OverflowPolicy(a.cfg.Gateway.OverflowPolicy),
		ExpiryCheckInterval: a.cfg.Gateway.ExpiryCheckInterval.Duration,
		MaxMessageSize:      a.cfg.Gateway.MaxMessageSize,
		JoinRatePerSec:      a.cfg.Gateway.JoinRatePerSec,
		JoinBurst:           a.cfg.Gateway.JoinBurst,
		AllowQueryToken:     a.cfg.Auth.AllowQueryToken,
		AllowedOrigins:      a.cfg.Server.CORSOrigins,
	}, verifier, registry, a.logger)
	g.Go(func() error {
		return gw.Run(ctx)
	})

	rt := &realtime{verifier: verifier, gateway: gw, router: router}
	if a.cfg.Dispatch.BusEnabled && deps.SignalBus != nil {
		prefix := a.cfg.Dispatch.BusChannelPrefix
		rt.publisher = dispatch.NewPublisher(deps.SignalBus, prefix)
		bridge := dispatch.NewBusBridge(deps.SignalBus, router, prefix, a.logger)
		g.Go(func() error {
			return bridge.Run(ctx)
		})
	}
	return rt
}

// startHTTP serves the API and websocket endpoint until ctx is cancelled.
// wagers is nil in gateway mode.
func (a *App) startHTTP(ctx context.Context, g *errgroup.Group, deps *Dependencies, rt *realtime, wagers *handler.WagerHandler) {
	var busPublisher handler.BusPublisher
	if rt.publisher != nil {
		busPublisher = rt.publisher
	}

	srv := server.NewServer(
		server.Config{
			Port:           a.cfg.Server.Port,
			CORSOrigins:    a.cfg.Server.CORSOrigins,
			InternalAPIKey: a.cfg.Server.InternalAPIKey,
			APIRateLimit:   a.cfg.Server.APIRateLimit,
			APIRateWindow:  a.cfg.Server.APIRateWindow.Duration,
		},
		server.Handlers{
			Health:   handler.NewHealthHandler(deps.HealthChecks, func() any { return rt.gateway.Stats() }, a.logger),
			Wagers:   wagers,
			Dispatch: handler.NewDispatchHandler(rt.router, busPublisher, a.logger),
			WS:       rt.gateway.HandleWS,
		},
		rt.verifier, deps.RateLimiter, a.logger,
	)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening", slog.Int("port", a.cfg.Server.Port))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		grace := a.cfg.Server.ShutdownGrace.Duration
		if grace <= 0 {
			grace = 5 * time.Second
		}
		shutCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
