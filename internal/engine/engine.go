// Package engine orchestrates the trading loop: it scores books, admits
// opportunities through the risk gate, runs each trade's state machine on a
// worker pool and feeds outcomes back into risk and reconciliation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/semaphore"

	"github.com/alanyoungcy/crossarb/internal/account"
	"github.com/alanyoungcy/crossarb/internal/domain"
	"github.com/alanyoungcy/crossarb/internal/executor"
	"github.com/alanyoungcy/crossarb/internal/reconcile"
	"github.com/alanyoungcy/crossarb/internal/retry"
	"github.com/alanyoungcy/crossarb/internal/risk"
	"github.com/alanyoungcy/crossarb/internal/scorer"
)

// Opportunity outcomes reported to the Recorder.
const (
	ResultDetected         = "detected"
	ResultAdmitted         = "admitted"
	ResultExecutionOff     = "execution_disabled"
	ResultAtCapacity       = "at_capacity"
	ResultRouteCooldown    = "route_cooldown"
	ResultRejectedPrefix   = "rejected_"
	auditBreakerForceTrip  = "breaker_force_trip"
	auditBreakerForceReset = "breaker_force_reset"
	auditExecutionEnabled  = "execution_enabled"
	auditExecutionDisabled = "execution_disabled"
	auditReconfigure       = "reconfigure"
)

// BookSource provides the latest order book per venue for a symbol.
type BookSource interface {
	Books(symbol string) []domain.OrderBookSnapshot
}

// Sink receives records for durable storage. Implementations must not block.
type Sink interface {
	SaveTrade(t domain.Trade)
	SaveBreaker(s domain.BreakerState)
}

// Recorder receives engine measurements.
type Recorder interface {
	Opportunity(result string)
	TradeFinished(t domain.Trade)
	InFlight(n int)
	BreakerTransition(scope string, to domain.BreakerStatus)
	VenueError(op string, class domain.ErrorClass, err error)
	Drift(venue, asset string)
}

// Deps are the collaborators an Engine is built from. Only Venues and Books
// are required.
type Deps struct {
	Venues   map[string]domain.Venue
	Books    BookSource
	Ledger   *account.Ledger
	Sink     Sink
	Alerts   domain.Alerter
	Audit    domain.AuditStore
	Locks    domain.LockManager
	Recorder Recorder
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides time.Now for the engine and its components.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides the trade id generator.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// run holds the goroutines of one Start/Stop cycle.
type run struct {
	cancelLoops  context.CancelFunc
	loops        conc.WaitGroup
	tradeCtx     context.Context
	cancelTrades context.CancelFunc
	trades       *pool.Pool
}

// Engine is one independent trading instance. All shared state lives on it.
type Engine struct {
	cfg    atomic.Pointer[Config]
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	venues map[string]domain.Venue
	books  BookSource
	ledger *account.Ledger
	gate   *risk.Gate
	exec   *executor.Executor
	recon  *reconcile.Reconciler
	vol    *scorer.VolatilityTracker
	sink   Sink
	alerts domain.Alerter
	audit  domain.AuditStore
	rec    Recorder

	sem       *semaphore.Weighted
	maxTrades int
	routes    *routeCooldown
	enabled   atomic.Bool
	lastObs   map[string]time.Time

	mu       sync.Mutex
	run      *run
	inflight map[string]domain.Trade
	recent   []domain.Trade
	stats    tally
}

// New builds an engine and its risk gate, executor and reconciler.
func New(cfg Config, deps Deps, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if deps.Books == nil || len(deps.Venues) == 0 {
		return nil, errors.New("engine: venues and book source are required")
	}
	if err := cfg.Validate(deps.Venues); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}

	e := &Engine{
		logger:    logger.With(slog.String("component", "engine")),
		now:       time.Now,
		newID:     uuid.NewString,
		venues:    deps.Venues,
		books:     deps.Books,
		ledger:    deps.Ledger,
		sink:      deps.Sink,
		alerts:    deps.Alerts,
		audit:     deps.Audit,
		rec:       deps.Recorder,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentTrades)),
		maxTrades: cfg.MaxConcurrentTrades,
		lastObs:   make(map[string]time.Time),
		inflight:  make(map[string]domain.Trade),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.ledger == nil {
		e.ledger = account.NewLedger()
	}
	if e.sink == nil {
		e.sink = nopSink{}
	}
	if e.alerts == nil {
		e.alerts = nopAlerter{}
	}
	if e.rec == nil {
		e.rec = nopRecorder{}
	}
	e.cfg.Store(&cfg)
	e.enabled.Store(cfg.ExecutionEnabled)
	e.routes = newRouteCooldown(cfg.RouteCooldown, e.now)
	e.vol = scorer.NewVolatilityTracker(cfg.VolatilityWindow, cfg.VolatilitySamples)

	gov := retry.New(cfg.Retry, logger, retry.WithObserver(e.onVenueError))
	e.gate = risk.NewGate(cfg.Risk, e.ledger, logger,
		risk.WithClock(e.now),
		risk.WithTransitionHook(e.onBreakerTransition),
	)
	e.exec = executor.New(deps.Venues, e.ledger, gov, cfg.Executor, logger,
		executor.WithClock(e.now),
		executor.WithObserver(e.observeTrade),
	)
	ropts := []reconcile.Option{reconcile.WithDriftHook(e.rec.Drift)}
	if deps.Locks != nil {
		ropts = append(ropts, reconcile.WithLocks(deps.Locks))
	}
	e.recon = reconcile.New(deps.Venues, cfg.symbolsByVenue(), e.ledger, e.gate, e.alerts, gov,
		cfg.Reconcile, logger, ropts...)
	e.recon.Attach(e)
	return e, nil
}

// Config returns the active configuration.
func (e *Engine) Config() Config { return *e.cfg.Load() }

// Start syncs balances from the venues and launches the scan and
// reconciliation loops. The loops outlive ctx and run until Stop. Calling
// Start on a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.run != nil {
		e.mu.Unlock()
		return nil
	}
	base := context.WithoutCancel(ctx)
	loopCtx, cancelLoops := context.WithCancel(base)
	tradeCtx, cancelTrades := context.WithCancel(base)
	r := &run{
		cancelLoops:  cancelLoops,
		tradeCtx:     tradeCtx,
		cancelTrades: cancelTrades,
		trades:       pool.New(),
	}
	e.run = r
	e.mu.Unlock()

	rep := e.recon.RunOnce(ctx)
	for _, err := range rep.Errors {
		e.logger.WarnContext(ctx, "initial balance sync", slog.String("error", err.Error()))
	}

	cfg := e.cfg.Load()
	r.loops.Go(func() { e.scanLoop(loopCtx) })
	r.loops.Go(func() {
		if err := e.recon.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("reconciler exited", slog.String("error", err.Error()))
		}
	})
	e.logger.InfoContext(ctx, "engine started",
		slog.Int("pairs", len(cfg.Pairs)),
		slog.Int("max_concurrent_trades", e.maxTrades),
		slog.Bool("execution_enabled", e.enabled.Load()),
	)
	return nil
}

// Stop stops admitting trades and waits for in-flight trades to terminate.
// Trades still running after ShutdownGrace have their context cancelled,
// which cancels resting orders and unwinds inventory under the executor's
// cleanup deadline. Suspended trades are then taken out of the market the
// same way. If ctx ends first Stop returns its error while trades keep
// finishing in the background.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	r := e.run
	e.run = nil
	e.mu.Unlock()
	if r == nil {
		return domain.ErrEngineStopped
	}
	defer r.cancelTrades()

	r.cancelLoops()
	r.loops.Wait()

	done := make(chan struct{})
	go func() {
		r.trades.Wait()
		close(done)
	}()

	grace := time.NewTimer(e.cfg.Load().ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
		e.abandonSuspended(ctx)
		e.logger.InfoContext(ctx, "engine stopped")
		return nil
	case <-grace.C:
		e.logger.WarnContext(ctx, "shutdown grace elapsed, cancelling in-flight trades",
			slog.Int("inflight", e.InFlightCount()))
		r.cancelTrades()
	case <-ctx.Done():
		r.cancelTrades()
		return fmt.Errorf("engine: stop: %w", ctx.Err())
	}

	select {
	case <-done:
		e.abandonSuspended(ctx)
		e.logger.InfoContext(ctx, "engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine: stop: %w", ctx.Err())
	}
}

// abandonSuspended cancels the resting leg of every suspended trade and ends
// the trade. Trades whose leg state is still unknown stay suspended and are
// persisted as they are for RestoreTrades on the next start.
func (e *Engine) abandonSuspended(ctx context.Context) {
	for _, t := range e.recon.TakeSuspended() {
		if err := e.exec.Abandon(ctx, t); err != nil {
			e.suspend(ctx, t, err)
			continue
		}
		e.complete(ctx, t)
	}
}

// RestoreTrades hands trades persisted by an earlier run back to
// reconciliation: non-terminal trades are suspended until their leg state is
// learned and stranded trades get further unwind attempts. Call before Start.
func (e *Engine) RestoreTrades(ctx context.Context, trades []domain.Trade) {
	var suspended, stranded int
	for i := range trades {
		t := &trades[i]
		switch {
		case !t.Status.Terminal():
			e.recon.Suspend(t)
			suspended++
		case t.Stranded:
			e.recon.Strand(t)
			stranded++
		}
	}
	if suspended+stranded > 0 {
		e.logger.WarnContext(ctx, "restored open trades",
			slog.Int("suspended", suspended),
			slog.Int("stranded", stranded),
		)
	}
}

// Running reports whether the scan loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run != nil
}

func (e *Engine) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Load().ScanInterval)
	defer ticker.Stop()
	cleanup := time.NewTicker(time.Minute)
	defer cleanup.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup.C:
			e.routes.Cleanup()
		case <-ticker.C:
			e.Scan(ctx)
		}
	}
}

// Scan evaluates every configured pair once and launches approved trades.
// The scan loop calls it on every tick; it never blocks on venue calls.
func (e *Engine) Scan(ctx context.Context) {
	cfg := e.cfg.Load()
	now := e.now()
	for _, p := range cfg.Pairs {
		books := e.pairBooks(p)
		if len(books) < 2 {
			continue
		}
		opp, ok := scorer.Best(books, cfg.Scorer, scorer.Env{Now: now, Variance: e.vol.Variance(p.Symbol)})
		if !ok {
			continue
		}
		e.consider(ctx, opp)
	}
}

func (e *Engine) pairBooks(p Pair) []domain.OrderBookSnapshot {
	all := e.books.Books(p.Symbol)
	out := make([]domain.OrderBookSnapshot, 0, len(p.Venues))
	for _, b := range all {
		if !contains(p.Venues, b.Venue) {
			continue
		}
		out = append(out, b)
		key := b.Venue + "|" + b.Symbol
		if !b.Timestamp.After(e.lastObs[key]) {
			continue
		}
		e.lastObs[key] = b.Timestamp
		if mid, ok := b.Mid(); ok {
			e.vol.Observe(b.Symbol, mid, b.Timestamp)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (e *Engine) consider(ctx context.Context, opp domain.Opportunity) {
	e.rec.Opportunity(ResultDetected)
	opp.ID = e.newID()
	log := e.logger.With(
		slog.String("symbol", opp.Symbol),
		slog.String("buy_venue", opp.BuyVenue),
		slog.String("sell_venue", opp.SellVenue),
		slog.String("profit_pct", opp.ProfitPct.String()),
	)

	if !e.enabled.Load() {
		e.rec.Opportunity(ResultExecutionOff)
		return
	}
	if e.routes.Active(opp.Key()) {
		e.rec.Opportunity(ResultRouteCooldown)
		return
	}

	e.mu.Lock()
	r := e.run
	e.mu.Unlock()
	if r == nil {
		return
	}
	if !e.sem.TryAcquire(1) {
		e.rec.Opportunity(ResultAtCapacity)
		log.DebugContext(ctx, "opportunity skipped", slog.String("reason", domain.ErrAtCapacity.Error()))
		return
	}

	dec := e.gate.Admit(opp)
	if !dec.Approved {
		e.sem.Release(1)
		e.rec.Opportunity(ResultRejectedPrefix + dec.Reason)
		attrs := []any{slog.String("reason", dec.Reason)}
		if dec.Scope != "" {
			attrs = append(attrs, slog.String("scope", dec.Scope))
		}
		if dec.Err != nil {
			attrs = append(attrs, slog.String("error", dec.Err.Error()))
		}
		log.DebugContext(ctx, "opportunity rejected", attrs...)
		return
	}
	e.routes.Mark(opp.Key())
	e.rec.Opportunity(ResultAdmitted)

	t := domain.NewTrade(e.newID(), opp, dec.Amount, dec.Multiplier, e.now())
	e.track(t)
	log.InfoContext(ctx, "trade admitted",
		slog.String("trade_id", t.ID),
		slog.String("amount", t.Amount.String()),
		slog.String("size_multiplier", t.SizeMultiplier.String()),
		slog.String("expected_profit", opp.ExpectedProfit.String()),
	)
	r.trades.Go(func() {
		defer e.sem.Release(1)
		e.drive(r.tradeCtx, t, func(ctx context.Context) error { return e.exec.Run(ctx, t) })
	})
}

func (e *Engine) track(t *domain.Trade) {
	e.mu.Lock()
	e.inflight[t.ID] = t.Clone()
	n := len(e.inflight)
	e.mu.Unlock()
	e.rec.InFlight(n)
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	n := len(e.inflight)
	e.mu.Unlock()
	e.rec.InFlight(n)
}

// observeTrade refreshes the in-flight copy after each transition.
func (e *Engine) observeTrade(t domain.Trade) {
	e.mu.Lock()
	if _, ok := e.inflight[t.ID]; ok {
		e.inflight[t.ID] = t
	}
	e.mu.Unlock()
}

// drive runs fn on the trade's goroutine and routes the result.
func (e *Engine) drive(ctx context.Context, t *domain.Trade, fn func(context.Context) error) {
	defer e.untrack(t.ID)
	if err := fn(ctx); err != nil {
		e.suspend(ctx, t, err)
		return
	}
	e.complete(ctx, t)
}

func (e *Engine) suspend(ctx context.Context, t *domain.Trade, err error) {
	e.recon.Suspend(t)
	snap := t.Clone()
	e.sink.SaveTrade(snap)
	if !errors.Is(err, executor.ErrSuspended) {
		e.logger.ErrorContext(ctx, "trade stopped unexpectedly",
			slog.String("trade_id", t.ID), slog.String("error", err.Error()))
	}
	e.alerts.Alert(context.WithoutCancel(ctx), domain.Alert{
		Severity: domain.SeverityWarning,
		Scope:    domain.PairScope(t.Symbol, t.BuyVenue, t.SellVenue),
		Title:    "Trade suspended",
		Message:  fmt.Sprintf("trade %s in %s handed to reconciliation: %v", t.ID, snap.Status, err),
		At:       e.now(),
	})
}

// complete accounts for a terminal trade.
func (e *Engine) complete(ctx context.Context, t *domain.Trade) {
	snap := t.Clone()
	counted := e.gate.RecordOutcome(snap)
	for _, scope := range domain.TradeScopes(snap.Symbol, snap.BuyVenue, snap.SellVenue) {
		if st, ok := e.gate.State(scope); ok {
			e.sink.SaveBreaker(st)
		}
	}
	e.sink.SaveTrade(snap)
	e.rec.TradeFinished(snap)

	e.mu.Lock()
	if counted {
		e.stats.add(snap)
	}
	e.pushRecent(snap)
	e.mu.Unlock()

	actx := context.WithoutCancel(ctx)
	scope := domain.PairScope(snap.Symbol, snap.BuyVenue, snap.SellVenue)
	if limit := e.cfg.Load().MaxSingleTradeLoss; limit.IsPositive() && snap.RealizedPnL.Neg().GreaterThan(limit) {
		e.alerts.Alert(actx, domain.Alert{
			Severity: domain.SeverityHigh,
			Scope:    scope,
			Title:    "Large trade loss",
			Message:  fmt.Sprintf("trade %s lost %s (limit %s)", snap.ID, snap.RealizedPnL.Neg(), limit),
			At:       e.now(),
		})
	}
	if snap.Stranded {
		e.recon.Strand(t)
		e.alerts.Alert(actx, domain.Alert{
			Severity: domain.SeverityHigh,
			Scope:    domain.VenueScope(snap.BuyVenue),
			Title:    "Stranded inventory",
			Message:  fmt.Sprintf("trade %s holds %s %s on %s after a failed unwind", snap.ID, snap.StrandedAmount, snap.Symbol, snap.BuyVenue),
			At:       e.now(),
		})
	}
}

func (e *Engine) pushRecent(t domain.Trade) {
	limit := e.cfg.Load().RecentTrades
	if limit <= 0 {
		return
	}
	for i := range e.recent {
		if e.recent[i].ID == t.ID {
			e.recent[i] = t
			return
		}
	}
	e.recent = append(e.recent, t)
	if len(e.recent) > limit {
		e.recent = e.recent[len(e.recent)-limit:]
	}
}

// Resume continues a suspended trade whose leg state reconciliation has
// resolved. When the engine is stopped the trade goes back to the
// reconciler.
func (e *Engine) Resume(t *domain.Trade, st domain.OrderStatus) {
	e.mu.Lock()
	r := e.run
	e.mu.Unlock()
	if r == nil {
		e.recon.Suspend(t)
		return
	}
	e.track(t)
	r.trades.Go(func() {
		e.drive(r.tradeCtx, t, func(ctx context.Context) error { return e.exec.Resume(ctx, t, st) })
	})
}

// RetryUnwind makes one more attempt to sell a stranded trade's inventory.
// A resolved trade is re-emitted with its final PnL; breakers are not
// charged again.
func (e *Engine) RetryUnwind(ctx context.Context, t *domain.Trade) {
	before := t.RealizedPnL
	e.exec.Unwind(ctx, t)
	if t.Stranded {
		return
	}
	t.RealizedPnL = t.ComputePnL(e.exec.Config().StrandedHaircut)
	t.Annotate(e.now(), "stranded inventory resolved")
	snap := t.Clone()
	e.sink.SaveTrade(snap)

	e.mu.Lock()
	e.stats.adjust(before, snap.RealizedPnL)
	e.pushRecent(snap)
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "stranded inventory resolved",
		slog.String("trade_id", snap.ID),
		slog.String("realized_pnl", snap.RealizedPnL.String()),
	)
	e.alerts.Alert(context.WithoutCancel(ctx), domain.Alert{
		Severity: domain.SeverityInfo,
		Scope:    domain.VenueScope(snap.BuyVenue),
		Title:    "Stranded inventory resolved",
		Message:  fmt.Sprintf("trade %s unwound, realized %s", snap.ID, snap.RealizedPnL),
		At:       e.now(),
	})
}

// InFlight returns copies of the trades currently executing, oldest first.
func (e *Engine) InFlight() []domain.Trade {
	e.mu.Lock()
	out := make([]domain.Trade, 0, len(e.inflight))
	for _, t := range e.inflight {
		out = append(out, t)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// InFlightCount is the number of trades currently executing.
func (e *Engine) InFlightCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// RecentTrades returns up to limit finished trades, newest first.
func (e *Engine) RecentTrades(limit int) []domain.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.Trade, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, e.recent[i])
	}
	return out
}

// Stranded returns trades with inventory still awaiting an unwind.
func (e *Engine) Stranded() []domain.Trade { return e.recon.Stranded() }

// Breakers returns every known breaker, sorted by scope.
func (e *Engine) Breakers() []domain.BreakerState {
	out := e.gate.Snapshot()
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}

// Breaker returns one scope's breaker.
func (e *Engine) Breaker(scope string) (domain.BreakerState, bool) { return e.gate.State(scope) }

// RestoreBreakers loads persisted breaker state. Call before Start.
func (e *Engine) RestoreBreakers(states []domain.BreakerState) { e.gate.Restore(states) }

// Balances returns the local balance view.
func (e *Engine) Balances() []domain.VenueAccountState { return e.ledger.Snapshot() }

// Reconciler exposes the reconciler for direct cycles.
func (e *Engine) Reconciler() *reconcile.Reconciler { return e.recon }

// ExecutionEnabled reports whether admitted opportunities are executed.
func (e *Engine) ExecutionEnabled() bool { return e.enabled.Load() }

// EnableExecution resumes execution; detection never stops.
func (e *Engine) EnableExecution(ctx context.Context, actor string) {
	if !e.enabled.Swap(true) {
		e.logger.WarnContext(ctx, "execution enabled", slog.String("actor", actor))
		e.auditLog(ctx, auditExecutionEnabled, map[string]any{"actor": actor})
	}
}

// DisableExecution pauses execution. Trades already running finish.
func (e *Engine) DisableExecution(ctx context.Context, actor string) {
	if e.enabled.Swap(false) {
		e.logger.WarnContext(ctx, "execution disabled", slog.String("actor", actor))
		e.auditLog(ctx, auditExecutionDisabled, map[string]any{"actor": actor})
	}
}

// ForceTrip opens a breaker scope on operator request.
func (e *Engine) ForceTrip(ctx context.Context, scope, reason, actor string) error {
	if err := e.gate.ForceTrip(scope, reason); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	e.logger.WarnContext(ctx, "breaker force-tripped",
		slog.String("scope", scope), slog.String("reason", reason), slog.String("actor", actor))
	e.auditLog(ctx, auditBreakerForceTrip, map[string]any{"scope": scope, "reason": reason, "actor": actor})
	return nil
}

// ForceReset closes a breaker scope on operator request.
func (e *Engine) ForceReset(ctx context.Context, scope, reason, actor string) error {
	if err := e.gate.ForceReset(scope, reason); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	e.logger.WarnContext(ctx, "breaker force-reset",
		slog.String("scope", scope), slog.String("reason", reason), slog.String("actor", actor))
	e.auditLog(ctx, auditBreakerForceReset, map[string]any{"scope": scope, "reason": reason, "actor": actor})
	return nil
}

// Reconfigure swaps in a new scanning and risk configuration. Execution,
// retry and reconciliation settings and MaxConcurrentTrades are fixed for
// the engine's lifetime.
func (e *Engine) Reconfigure(ctx context.Context, cfg Config, actor string) error {
	if err := cfg.Validate(e.venues); err != nil {
		return fmt.Errorf("engine: reconfigure: %w", err)
	}
	if cfg.MaxConcurrentTrades != e.maxTrades {
		return fmt.Errorf("engine: reconfigure: max_concurrent_trades cannot change at runtime (%d)", e.maxTrades)
	}
	old := e.cfg.Load()
	cfg.Executor = old.Executor
	cfg.Retry = old.Retry
	cfg.Reconcile = old.Reconcile
	e.cfg.Store(&cfg)
	e.gate.Reconfigure(cfg.Risk)

	e.logger.WarnContext(ctx, "engine reconfigured", slog.String("actor", actor))
	e.auditLog(ctx, auditReconfigure, map[string]any{
		"actor":          actor,
		"pairs":          len(cfg.Pairs),
		"min_profit_pct": cfg.Scorer.MinProfitPct.String(),
		"max_notional":   cfg.Scorer.MaxTradeNotional.String(),
	})
	return nil
}

func (e *Engine) auditLog(ctx context.Context, event string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.ErrorContext(ctx, "audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

// onVenueError observes every failed venue call. Errors that name a venue
// count towards that venue's error limit.
func (e *Engine) onVenueError(op string, class domain.ErrorClass, err error) {
	e.rec.VenueError(op, class, err)
	if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrNotFound) {
		return
	}
	var (
		ve  *domain.VenueError
		bad *domain.MalformedResponseError
	)
	switch {
	case errors.As(err, &ve):
		if ve.Code == domain.CodeInsufficientBalance {
			return
		}
		e.gate.RecordVenueError(ve.Venue, err)
	case errors.As(err, &bad):
		e.gate.RecordVenueError(bad.Venue, err)
	}
}

func (e *Engine) onBreakerTransition(t risk.Transition) {
	e.rec.BreakerTransition(t.To.Scope, t.To.Status)
	e.sink.SaveBreaker(t.To)
	if t.To.Status != domain.BreakerOpen || t.From.Status == domain.BreakerOpen {
		return
	}
	sev := domain.SeverityHigh
	if t.To.Scope == domain.GlobalScope {
		sev = domain.SeverityCritical
	}
	msg := "reason: " + t.To.Reason
	if t.To.CooldownUntil != nil {
		msg += ", cooldown until " + t.To.CooldownUntil.UTC().Format(time.RFC3339)
	}
	e.alerts.Alert(context.Background(), domain.Alert{
		Severity: sev,
		Scope:    t.To.Scope,
		Title:    "Circuit breaker open",
		Message:  msg,
		At:       e.now(),
	})
}

// Stats summarises executed trades.
type Stats struct {
	Executed     int             `json:"executed"`
	Successful   int             `json:"successful"`
	Failed       int             `json:"failed"`
	Cancelled    int             `json:"cancelled"`
	TotalProfit  decimal.Decimal `json:"total_profit"`
	TotalLoss    decimal.Decimal `json:"total_loss"`
	NetPnL       decimal.Decimal `json:"net_pnl"`
	SuccessRate  float64         `json:"success_rate"`
	AvgExecution time.Duration   `json:"avg_execution_ns"`
	InFlight     int             `json:"inflight"`
	Suspended    int             `json:"suspended"`
	Stranded     int             `json:"stranded"`
	Running      bool            `json:"running"`
	Execution    bool            `json:"execution_enabled"`
}

type tally struct {
	executed, successful, failed, cancelled int
	profit, loss                            decimal.Decimal
	elapsed                                 time.Duration
}

func (s *tally) add(t domain.Trade) {
	switch t.Status {
	case domain.TradeCancelled:
		s.cancelled++
		return
	case domain.TradeSellFilled:
		s.successful++
	default:
		s.failed++
	}
	s.executed++
	s.elapsed += t.Duration()
	s.adjust(decimal.Zero, t.RealizedPnL)
}

// adjust replaces a previously counted PnL with a new value.
func (s *tally) adjust(before, after decimal.Decimal) {
	if before.IsPositive() {
		s.profit = s.profit.Sub(before)
	} else {
		s.loss = s.loss.Add(before)
	}
	if after.IsPositive() {
		s.profit = s.profit.Add(after)
	} else {
		s.loss = s.loss.Sub(after)
	}
}

// Stats returns trading statistics.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	s := e.stats
	inflight := len(e.inflight)
	running := e.run != nil
	e.mu.Unlock()

	out := Stats{
		Executed:    s.executed,
		Successful:  s.successful,
		Failed:      s.failed,
		Cancelled:   s.cancelled,
		TotalProfit: s.profit,
		TotalLoss:   s.loss,
		NetPnL:      s.profit.Sub(s.loss),
		InFlight:    inflight,
		Suspended:   e.recon.SuspendedCount(),
		Stranded:    len(e.recon.Stranded()),
		Running:     running,
		Execution:   e.enabled.Load(),
	}
	if s.executed > 0 {
		out.SuccessRate = float64(s.successful) / float64(s.executed)
		out.AvgExecution = s.elapsed / time.Duration(s.executed)
	}
	return out
}

type nopSink struct{}

func (nopSink) SaveTrade(domain.Trade)          {}
func (nopSink) SaveBreaker(domain.BreakerState) {}

type nopAlerter struct{}

func (nopAlerter) Alert(context.Context, domain.Alert) {}

type nopRecorder struct{}

func (nopRecorder) Opportunity(string)                             {}
func (nopRecorder) TradeFinished(domain.Trade)                     {}
func (nopRecorder) InFlight(int)                                   {}
func (nopRecorder) BreakerTransition(string, domain.BreakerStatus) {}
func (nopRecorder) VenueError(string, domain.ErrorClass, error)    {}
func (nopRecorder) Drift(string, string)                           {}
