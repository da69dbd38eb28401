package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/predictcore/internal/crypto"
	"github.com/alanyoungcy/predictcore/internal/engine"
	"github.com/alanyoungcy/predictcore/internal/reconcile"
	"github.com/alanyoungcy/predictcore/internal/server"
	"github.com/alanyoungcy/predictcore/internal/server/handler"
	"github.com/alanyoungcy/predictcore/internal/server/ws"
	"github.com/alanyoungcy/predictcore/internal/service"
	"github.com/alanyoungcy/predictcore/internal/settlement"
)

// ServeMode runs the full trading core against postgres and redis: the
// matching engine restored from durable state, the HTTP/WebSocket API, and
// the background expiry sweep.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	eng := a.buildEngine(deps)
	if err := eng.Restore(ctx); err != nil {
		return fmt.Errorf("serve mode: restore engine: %w", err)
	}

	return a.runCore(ctx, deps, eng, false)
}

// PaperMode runs the trading core entirely in memory: no postgres, redis, or
// object storage. Matching runs synchronously with placement so behavior is
// deterministic, which makes this mode suitable for simulation and local
// development.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode")

	eng := a.buildEngine(deps)

	return a.runCore(ctx, deps, eng, true)
}

// buildEngine constructs the matching engine from wired dependencies.
func (a *App) buildEngine(deps *Dependencies) *engine.Engine {
	return engine.New(engine.Config{
		Markets:    deps.Markets,
		Orders:     deps.Orders,
		Trades:     deps.Trades,
		Positions:  deps.Positions,
		Events:     deps.Events,
		Ledger:     deps.Ledger,
		Bus:        deps.SignalBus,
		DepthCache: deps.DepthCache,
		Logger:     a.logger,
	})
}

// buildSigner loads the cancellation-confirmation signing key from config.
// When no key is configured, an ephemeral key is generated; confirmations
// issued with it do not survive a restart.
func (a *App) buildSigner(ctx context.Context) (*crypto.Signer, error) {
	if a.cfg.Signing.PrivateKey == "" && a.cfg.Signing.EncryptedKeyPath == "" {
		a.logger.WarnContext(ctx, "no signing key configured, generating ephemeral key")
		return crypto.GenerateSigner()
	}
	keyHex, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Signing.PrivateKey,
		EncryptedKeyPath: a.cfg.Signing.EncryptedKeyPath,
		KeyPassword:      a.cfg.Signing.KeyPassword,
	})
	if err != nil {
		return nil, err
	}
	return crypto.NewSigner(keyHex)
}

// runCore builds the service layer on top of the engine and runs the HTTP
// server, WebSocket hub, and expiry sweep until the context is cancelled.
func (a *App) runCore(ctx context.Context, deps *Dependencies, eng *engine.Engine, syncMatching bool) error {
	signer, err := a.buildSigner(ctx)
	if err != nil {
		return fmt.Errorf("run core: signer: %w", err)
	}
	a.logger.InfoContext(ctx, "confirmation signer ready",
		slog.String("address", signer.Address()),
	)

	orderSvc := service.NewOrderService(
		deps.Orders, deps.Markets, deps.Positions,
		deps.Ledger, deps.Events, deps.RateLimiter,
		eng, a.logger,
	).
		WithMinOrderSize(a.cfg.Engine.MinOrderSize).
		WithRateLimit(a.cfg.Engine.PlacementRateLimit, a.cfg.Engine.PlacementRateWindow.Duration)
	if syncMatching {
		orderSvc = orderSvc.WithSyncMatching()
	}

	marketSvc := service.NewMarketService(deps.Markets, eng, a.logger)

	settleEng := settlement.New(settlement.Config{
		Markets:     deps.Markets,
		Positions:   deps.Positions,
		Settlements: deps.Settlements,
		Ledger:      deps.Ledger,
		Engine:      eng,
		Locks:       deps.LockManager,
		Bus:         deps.SignalBus,
		Archiver:    deps.Archiver,
		Logger:      a.logger,
		FeeRate:     a.cfg.Settlement.FeeRate,
	})

	reconcileSvc := reconcile.New(deps.Orders, deps.Events, signer, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	// Expiry sweep: GTD/DAY orders past their deadline are cancelled and
	// their freezes released.
	g.Go(func() error {
		ticker := time.NewTicker(a.cfg.Engine.ExpirySweepInterval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case now := <-ticker.C:
				n, err := eng.ExpireDue(ctx, now.UTC())
				if err != nil {
					a.logger.WarnContext(ctx, "expiry sweep failed",
						slog.String("error", err.Error()),
					)
					continue
				}
				if n > 0 {
					a.logger.InfoContext(ctx, "expired orders",
						slog.Int("count", n),
					)
				}
			}
		}
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, orderSvc, marketSvc, settleEng, reconcileSvc)
	}

	return g.Wait()
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	orderSvc *service.OrderService,
	marketSvc *service.MarketService,
	settleEng *settlement.Engine,
	reconcileSvc *reconcile.Service,
) {
	// WebSocket hub requires a signal bus; paper mode runs without one.
	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:      a.cfg.Mode,
			StartedAt: time.Now().UTC(),
		})
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(deps.Health, a.logger),
		Markets:   handler.NewMarketHandler(marketSvc, orderSvc, settleEng, a.logger),
		Orders:    handler.NewOrderHandler(orderSvc, a.logger),
		Reconcile: handler.NewReconcileHandler(reconcileSvc, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimiter: deps.RateLimiter,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  time.Second,
	}, handlers, hub, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
