package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/crossarb/internal/domain"
	"github.com/alanyoungcy/crossarb/internal/engine"
	"github.com/alanyoungcy/crossarb/internal/feed"
	"github.com/alanyoungcy/crossarb/internal/persist"
	"github.com/alanyoungcy/crossarb/internal/server"
	"github.com/alanyoungcy/crossarb/internal/server/handler"
	"github.com/alanyoungcy/crossarb/internal/server/middleware"
	"github.com/alanyoungcy/crossarb/internal/venue/rest"
)

// stopMargin is added on top of the engine's own shutdown budget before the
// app gives up waiting for trades to finish.
const stopMargin = 5 * time.Second

// TradeMode runs the arbitrage engine with its feeds, persistence,
// notifications, archive and the HTTP API. With execute false the engine
// starts with execution disabled: opportunities are scored and logged but no
// orders are placed until an operator enables execution.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies, execute bool) error {
	a.logger.InfoContext(ctx, "entering trade mode", slog.Bool("execute", execute))

	var limiter rest.SharedLimiter
	if deps.RateLimiter != nil {
		limiter = deps.RateLimiter
	}
	venues, err := buildVenues(a.cfg, limiter, a.logger)
	if err != nil {
		return err
	}

	var books *feed.BookStore
	storeOpts := []feed.StoreOption{
		feed.WithListener(venues.mirrorListener(func() *feed.BookStore { return books })),
	}
	if deps.BookCache != nil {
		storeOpts = append(storeOpts, feed.WithCache(deps.BookCache))
	}
	books = feed.NewBookStore(a.logger, storeOpts...)

	// Sink and notifier outlive the engine so the final trade records and
	// alerts of a shutdown are still delivered.
	bgCtx, cancelBg := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBg()

	var sink engine.Sink
	var persister *persist.Sink
	if deps.TradeStore != nil {
		var opts []persist.Option
		if deps.SignalBus != nil {
			opts = append(opts, persist.WithBus(deps.SignalBus))
		}
		persister = persist.New(deps.TradeStore, deps.BreakerStore, a.logger, opts...)
		sink = persister
	}

	ecfg := a.cfg.BuildEngineConfig()
	if !execute {
		ecfg.ExecutionEnabled = false
	}
	eng, err := engine.New(ecfg, engine.Deps{
		Venues:   venues.all,
		Books:    books,
		Sink:     sink,
		Alerts:   deps.Notifier,
		Audit:    deps.AuditStore,
		Locks:    deps.LockManager,
		Recorder: deps.Metrics,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("app: engine: %w", err)
	}

	if deps.BreakerStore != nil {
		states, err := deps.BreakerStore.List(ctx)
		if err != nil {
			a.logger.WarnContext(ctx, "could not restore breakers", slog.String("error", err.Error()))
		} else {
			eng.RestoreBreakers(states)
			a.logger.InfoContext(ctx, "breakers restored", slog.Int("count", len(states)))
		}
	}
	if deps.TradeStore != nil {
		open, err := deps.TradeStore.ListOpen(ctx)
		if err != nil {
			a.logger.WarnContext(ctx, "could not restore open trades", slog.String("error", err.Error()))
		} else {
			eng.RestoreTrades(ctx, open)
		}
	}

	plan := planFeeds(a.cfg, venues)
	if n := books.Hydrate(ctx, plan.bySymbol); n > 0 {
		a.logger.InfoContext(ctx, "order books hydrated from cache", slog.Int("books", n))
	}

	bg := &errgroup.Group{}
	bg.Go(func() error { return ignoreCanceled(deps.Notifier.Run(bgCtx)) })
	if persister != nil {
		bg.Go(func() error { return ignoreCanceled(persister.Run(bgCtx)) })
	}

	g, gctx := errgroup.WithContext(ctx)

	if len(plan.poll) > 0 {
		poller := feed.NewPoller(venues.all, plan.poll, books, feed.PollerConfig{
			Interval:    a.cfg.Feed.PollInterval.Duration,
			Depth:       a.cfg.Feed.Depth,
			CallTimeout: a.cfg.Feed.CallTimeout.Duration,
		}, a.logger)
		g.Go(func() error { return ignoreCanceled(poller.Run(gctx)) })
	}
	for _, sc := range plan.streams {
		client := feed.NewStreamClient(sc, books, a.logger)
		g.Go(func() error { return ignoreCanceled(client.Run(gctx)) })
	}
	if deps.Archiver != nil {
		g.Go(func() error { return ignoreCanceled(deps.Archiver.Run(gctx)) })
	}

	if err := eng.Start(ctx); err != nil {
		cancelBg()
		_ = bg.Wait()
		return fmt.Errorf("app: start engine: %w", err)
	}

	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx),
			ecfg.ShutdownGrace+ecfg.Executor.CleanupTimeout+stopMargin)
		defer cancel()
		if err := eng.Stop(stopCtx); err != nil && !errors.Is(err, domain.ErrEngineStopped) {
			a.logger.Error("engine stop", slog.String("error", err.Error()))
		}
		stats := eng.Stats()
		a.logger.Info("engine summary",
			slog.Int("executed", stats.Executed),
			slog.Int("successful", stats.Successful),
			slog.Int("failed", stats.Failed),
			slog.Int("stranded", stats.Stranded),
			slog.String("net_pnl", stats.NetPnL.String()),
		)
		return nil
	})

	if a.cfg.Server.Enabled {
		h := a.baseHandlers(deps)
		h.Status = handler.NewStatusHandler(a.cfg.Mode, venueIDs(venues.all), eng)
		h.Trading = handler.NewTradingHandler(ctx, eng, a.logger)
		h.Breakers = handler.NewBreakerHandler(eng, a.logger)
		h.Balances = handler.NewBalanceHandler(eng)
		h.Trades = handler.NewTradeHandler(eng, deps.TradeStore, a.logger)
		a.startHTTPServer(gctx, g, deps, h)
	}

	err = g.Wait()
	cancelBg()
	if bgErr := bg.Wait(); bgErr != nil {
		a.logger.Error("background workers", slog.String("error", bgErr.Error()))
	}
	a.logger.Info("trade mode stopped")
	return ignoreCanceled(err)
}

// ServerMode runs only the HTTP API over the persistent stores. It serves
// trade history, the audit log and archives written by an engine in another
// process. With a signal bus it also follows that engine's live trades.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering server mode")

	g, gctx := errgroup.WithContext(ctx)

	h := a.baseHandlers(deps)
	h.Status = handler.NewStatusHandler(a.cfg.Mode, a.configuredVenues(), nil)

	var live handler.TradeSource
	if deps.SignalBus != nil {
		f := newFollower(deps.SignalBus, a.logger)
		live = f
		g.Go(func() error { return ignoreCanceled(f.Run(gctx)) })
	}
	if live != nil || deps.TradeStore != nil {
		h.Trades = handler.NewTradeHandler(live, deps.TradeStore, a.logger)
	}
	a.startHTTPServer(gctx, g, deps, h)

	return ignoreCanceled(g.Wait())
}

// baseHandlers builds the handlers every mode serves.
func (a *App) baseHandlers(deps *Dependencies) server.Handlers {
	h := server.Handlers{
		Health:  handler.NewHealthHandler(deps.Checks, a.logger),
		Metrics: deps.Metrics.Handler(),
	}
	if deps.AuditStore != nil {
		h.Audit = handler.NewAuditHandler(deps.AuditStore, a.logger)
	}
	if deps.Archiver != nil {
		h.Archives = handler.NewArchiveHandler(deps.Archiver, a.cfg.S3.ArchiveAfter.Duration, a.logger)
	}
	return h
}

// startHTTPServer registers the HTTP server in the errgroup and arranges a
// graceful shutdown when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, h server.Handlers) {
	limit, window := requestBudget(a.cfg.Server.RateLimit)
	var limiter middleware.Limiter
	if deps.RateLimiter != nil {
		limiter = deps.RateLimiter
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   limit,
		RateWindow:  window,
	}, h, limiter, a.logger)

	g.Go(func() error {
		a.logger.Info("http server listening", slog.Int("port", a.cfg.Server.Port))
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// requestBudget converts a per-second rate into a whole-request limit per
// window.
func requestBudget(perSecond float64) (int, time.Duration) {
	switch {
	case perSecond <= 0:
		return 0, 0
	case perSecond >= 1:
		return int(math.Round(perSecond)), time.Second
	default:
		return 1, time.Duration(float64(time.Second) / perSecond)
	}
}

func (a *App) configuredVenues() []string {
	ids := make([]string, 0, len(a.cfg.Venues))
	for _, v := range a.cfg.Venues {
		ids = append(ids, v.ID)
	}
	sort.Strings(ids)
	return ids
}

func venueIDs(venues map[string]domain.Venue) []string {
	ids := make([]string, 0, len(venues))
	for id := range venues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
