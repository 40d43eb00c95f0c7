package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/shadowsettle/internal/domain"
	"github.com/alanyoungcy/shadowsettle/internal/feed"
	"github.com/alanyoungcy/shadowsettle/internal/server"
	"github.com/alanyoungcy/shadowsettle/internal/server/handler"
	"github.com/alanyoungcy/shadowsettle/internal/server/ws"
	"github.com/alanyoungcy/shadowsettle/internal/service"
)

const shutdownTimeout = 10 * time.Second

// FullMode runs bet intake (HTTP and ClearNode sessions), the resolution
// watcher and the HTTP API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	bets := a.buildBetService(deps)
	a.restoreBets(ctx, bets)
	a.startClearNode(ctx, g, deps, bets)
	watcher := a.startWatcher(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, bets, watcher)

	return g.Wait()
}

// ServerMode accepts bets and serves the API. Settlement is driven
// manually through POST /settle.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	bets := a.buildBetService(deps)
	a.restoreBets(ctx, bets)
	a.startClearNode(ctx, g, deps, bets)
	a.startHTTPServer(ctx, g, deps, bets, nil)

	return g.Wait()
}

// WatcherMode ingests session bets and settles resolved markets. The HTTP
// API is only started when server.enabled is set.
func (a *App) WatcherMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting watcher mode")

	g, ctx := errgroup.WithContext(ctx)

	bets := a.buildBetService(deps)
	a.restoreBets(ctx, bets)
	a.startClearNode(ctx, g, deps, bets)
	watcher := a.startWatcher(ctx, g, deps)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, bets, watcher)
	}

	return g.Wait()
}

func (a *App) buildBetService(deps *Dependencies) *service.BetService {
	opts := []service.BetOption{service.WithSettlementChecker(deps.Engine)}
	if a.cfg.Engine.CheckMarketOpen && deps.Chain != nil {
		opts = append(opts, service.WithMarketChecker(deps.Chain))
	}
	if a.cfg.ClearNode.CheckBalances && deps.ClearNode != nil {
		opts = append(opts, service.WithBalanceSource(deps.ClearNode))
	}
	if deps.BetStore != nil {
		opts = append(opts, service.WithBetStore(deps.BetStore))
	}
	if deps.SignalBus != nil {
		opts = append(opts, service.WithSignalBus(deps.SignalBus))
	}
	return service.NewBetService(deps.Keys, deps.Ledger, deps.Guard, deps.Metrics, a.logger, opts...)
}

// restoreBets reloads open bets from the journal. Failure leaves the ledger
// empty rather than aborting startup.
func (a *App) restoreBets(ctx context.Context, bets *service.BetService) {
	n, err := bets.Restore(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "bet journal restore failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		a.logger.InfoContext(ctx, "restored open bets", slog.Int("count", n))
	}
}

func (a *App) startClearNode(ctx context.Context, g *errgroup.Group, deps *Dependencies, bets *service.BetService) {
	if deps.ClearNode == nil {
		a.logger.WarnContext(ctx, "clearnode not configured, session bets disabled")
		return
	}
	client := deps.ClearNode
	ingest := feed.NewSessionIngest(client.Notifications(), bets, a.cfg.Engine.DedupTTL.Duration, a.logger)

	g.Go(func() error {
		return client.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		client.Stop()
		return nil
	})
	g.Go(func() error {
		return ingest.Run(ctx)
	})
}

func (a *App) startWatcher(ctx context.Context, g *errgroup.Group, deps *Dependencies) *service.MarketWatcher {
	if deps.Chain == nil {
		a.logger.WarnContext(ctx, "chain not configured, resolution watcher disabled")
		return nil
	}
	watcher := service.NewMarketWatcher(service.WatcherDeps{
		Chain:    deps.Chain,
		Engine:   deps.Engine,
		Ledger:   deps.Ledger,
		Guard:    deps.Guard,
		Locks:    deps.LockManager,
		Audit:    deps.AuditStore,
		Archive:  deps.Archiver,
		Bus:      deps.SignalBus,
		Bets:     deps.BetStore,
		Notifier: deps.Notifier,
	}, service.WatcherConfig{
		PollInterval: a.cfg.Chain.PollInterval.Duration,
		StartBlock:   a.cfg.Chain.StartBlock,
	}, deps.Metrics, a.logger)

	g.Go(func() error {
		return watcher.Run(ctx)
	})
	return watcher
}

// startHTTPServer adds the API server and, when Redis is wired, the
// websocket hub to the errgroup. watcher may be nil.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	bets *service.BetService,
	watcher *service.MarketWatcher,
) {
	status := a.statusFunc(deps, watcher)

	handlers := server.Handlers{
		Health:      handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Keys:        handler.NewKeyHandler(deps.Keys),
		Bets:        handler.NewBetHandler(bets, deps.Ledger, a.logger),
		Settlements: handler.NewSettlementHandler(deps.Engine, deps.SettlementStore, a.logger),
		Status:      handler.NewStatusHandler(status),
		Metrics:     deps.Metrics.Handler(),
	}
	if deps.AuditStore != nil {
		handlers.Audit = handler.NewAuditHandler(deps.AuditStore, a.logger)
	}
	if deps.SignalBus != nil {
		hub := ws.NewHub(deps.SignalBus, status, a.logger)
		handlers.Hub = hub
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	srv := server.NewServer(server.Config{
		Port:          a.cfg.Server.Port,
		CORSOrigins:   a.cfg.Server.CORSOrigins,
		APIKey:        a.cfg.Server.APIKey,
		BetRateLimit:  a.cfg.Server.BetRateLimit,
		BetRateWindow: a.cfg.Server.BetRateWindow.Duration,
	}, handlers, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

func (a *App) statusFunc(deps *Dependencies, watcher *service.MarketWatcher) func() domain.EngineStatus {
	return func() domain.EngineStatus {
		st := domain.EngineStatus{
			Mode:          a.cfg.Mode,
			ChannelState:  "disabled",
			UptimeSeconds: int64(time.Since(a.started).Seconds()),
			Metrics:       deps.Metrics.Snapshot(),
			Markets:       deps.Ledger.Counts(),
			Settled:       len(deps.Engine.Records()),
		}
		if deps.ClearNode != nil {
			st.ChannelState = deps.ClearNode.State().String()
		}
		if watcher != nil {
			st.WatcherBlock = watcher.LastBlock()
		}
		return st
	}
}
