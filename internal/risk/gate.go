// Package risk implements the pre-trade gate and the global, per-venue and
// per-pair circuit breakers it consults.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// Rejection reasons reported in Decision.Reason.
const (
	ReasonBreakerOpen           = "breaker_open"
	ReasonDailyTradeLimit       = "daily_trade_limit"
	ReasonInsufficientLiquidity = "insufficient_liquidity"
	ReasonPriceDeviation        = "price_deviation"
	ReasonSpreadAnomaly         = "spread_anomaly"
)

// seenSweepEvery is how many outcome ids are recorded between sweeps of
// expired ids.
const seenSweepEvery = 256

// Balances is the read side of the account ledger.
type Balances interface {
	Available(venue, asset string) (decimal.Decimal, bool)
}

// Decision is the outcome of Admit.
type Decision struct {
	Approved   bool
	Amount     decimal.Decimal
	Multiplier decimal.Decimal
	Reason     string
	Scope      string
	Err        error
}

// Option customises a Gate.
type Option func(*Gate)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithTransitionHook is called, outside all locks, for every breaker status
// change.
func WithTransitionHook(fn func(Transition)) Option {
	return func(g *Gate) { g.onTransition = fn }
}

// Gate admits or rejects opportunities and owns all breaker state. Each
// engine instance has its own Gate.
type Gate struct {
	cfg          atomic.Pointer[Config]
	balances     Balances
	logger       *slog.Logger
	now          func() time.Time
	onTransition func(Transition)

	mu       sync.RWMutex
	breakers map[string]*breaker

	seenMu    sync.Mutex
	seen      map[string]time.Time
	seenAdded int

	errMu    sync.Mutex
	errorsAt map[string][]time.Time

	dayMu    sync.Mutex
	day      string
	dayCount int
}

// NewGate creates a Gate.
func NewGate(cfg Config, balances Balances, logger *slog.Logger, opts ...Option) *Gate {
	g := &Gate{
		balances:     balances,
		logger:       logger.With(slog.String("component", "risk")),
		now:          time.Now,
		onTransition: func(Transition) {},
		breakers:     make(map[string]*breaker),
		seen:         make(map[string]time.Time),
		errorsAt:     make(map[string][]time.Time),
	}
	g.cfg.Store(&cfg)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Config returns the active configuration.
func (g *Gate) Config() Config { return *g.cfg.Load() }

// Reconfigure swaps the configuration. Existing breaker state is kept.
func (g *Gate) Reconfigure(cfg Config) { g.cfg.Store(&cfg) }

func (g *Gate) breaker(scope string) *breaker {
	g.mu.RLock()
	b, ok := g.breakers[scope]
	g.mu.RUnlock()
	if ok {
		return b
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok = g.breakers[scope]; !ok {
		b = newBreaker(scope, g.now())
		g.breakers[scope] = b
	}
	return b
}

func (g *Gate) emit(ts []*Transition) {
	for _, t := range ts {
		if t == nil {
			continue
		}
		g.logger.Info("breaker transition",
			slog.String("scope", t.To.Scope),
			slog.String("from", string(t.From.Status)),
			slog.String("to", string(t.To.Status)),
			slog.String("reason", t.To.Reason),
		)
		g.onTransition(*t)
	}
}

// Admit decides whether opp may execute and at what size.
//
// Checks performed:
//  1. Daily trade limit
//  2. Every breaker the trade touches; OPEN rejects, HALF_OPEN scales size
//  3. Plausibility: a price deviation or profit beyond the configured bounds
//     is taken as bad data, not as an opportunity
//  4. Liquidity: size is capped by both venues' available balances and the
//     notional limit, and must stay above the minimum notional
func (g *Gate) Admit(opp domain.Opportunity) Decision {
	cfg := g.cfg.Load()
	now := g.now()

	if cfg.MaxDailyTrades > 0 && g.dailyCount(now) >= cfg.MaxDailyTrades {
		return Decision{Reason: ReasonDailyTradeLimit, Scope: domain.GlobalScope}
	}

	var transitions []*Transition
	mult := one
	for _, scope := range domain.TradeScopes(opp.Symbol, opp.BuyVenue, opp.SellVenue) {
		b := g.breaker(scope)
		b.mu.Lock()
		transitions = append(transitions, b.refresh(cfg, now))
		st := b.state.Status
		m := b.state.SizeMultiplier
		b.mu.Unlock()

		if st == domain.BreakerOpen {
			g.emit(transitions)
			return Decision{Reason: ReasonBreakerOpen, Scope: scope}
		}
		if m.LessThan(mult) {
			mult = m
		}
	}
	g.emit(transitions)

	if reason, err := implausible(cfg, opp); err != nil {
		pair := domain.PairScope(opp.Symbol, opp.BuyVenue, opp.SellVenue)
		g.logger.Warn("opportunity looks like bad data",
			slog.String("scope", pair),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return Decision{Reason: reason, Scope: pair, Err: err}
	}

	amount, err := g.size(cfg, opp, mult)
	if err != nil {
		return Decision{Reason: ReasonInsufficientLiquidity, Multiplier: mult, Err: err}
	}
	if cfg.MaxDailyTrades > 0 && !g.takeDailySlot(now, cfg.MaxDailyTrades) {
		return Decision{Reason: ReasonDailyTradeLimit, Scope: domain.GlobalScope}
	}
	return Decision{Approved: true, Amount: amount, Multiplier: mult}
}

// implausible compares the opportunity against the anomaly bounds.
func implausible(cfg *Config, opp domain.Opportunity) (string, error) {
	if cfg.MaxPriceDeviation.IsPositive() {
		avg := opp.BuyPrice.Add(opp.SellPrice).Div(two)
		if !avg.IsPositive() {
			return ReasonPriceDeviation, fmt.Errorf("non-positive prices buy=%s sell=%s", opp.BuyPrice, opp.SellPrice)
		}
		if dev := opp.SellPrice.Sub(opp.BuyPrice).Abs().Div(avg); dev.GreaterThan(cfg.MaxPriceDeviation) {
			return ReasonPriceDeviation, fmt.Errorf("price deviation %s exceeds %s", dev.StringFixed(4), cfg.MaxPriceDeviation)
		}
	}
	if cfg.MaxProfitPct.IsPositive() && opp.ProfitPct.GreaterThan(cfg.MaxProfitPct) {
		return ReasonSpreadAnomaly, fmt.Errorf("profit %s exceeds %s", opp.ProfitPct.StringFixed(4), cfg.MaxProfitPct)
	}
	return "", nil
}

func (g *Gate) size(cfg *Config, opp domain.Opportunity, mult decimal.Decimal) (decimal.Decimal, error) {
	base, quote := domain.SplitSymbol(opp.Symbol)
	price := opp.BuyLimit
	if !price.IsPositive() {
		price = opp.BuyPrice
	}
	if !price.IsPositive() {
		return decimal.Zero, &domain.InsufficientLiquidityError{Required: opp.Size}
	}

	amount := opp.Size.Mul(mult)

	quoteAvail, ok := g.balances.Available(opp.BuyVenue, quote)
	if !ok {
		return decimal.Zero, &domain.InsufficientLiquidityError{Venue: opp.BuyVenue, Asset: quote, Required: amount.Mul(price)}
	}
	byQuote := quoteAvail.Div(price.Mul(one.Add(opp.BuyFeeRate)))
	amount = decimal.Min(amount, byQuote)

	baseAvail, ok := g.balances.Available(opp.SellVenue, base)
	if !ok {
		return decimal.Zero, &domain.InsufficientLiquidityError{Venue: opp.SellVenue, Asset: base, Required: amount}
	}
	amount = decimal.Min(amount, baseAvail)

	if cfg.MaxTradeNotional.IsPositive() {
		amount = decimal.Min(amount, cfg.MaxTradeNotional.Div(price))
	}
	amount = amount.Truncate(8)

	notional := amount.Mul(opp.BuyPrice)
	if !amount.IsPositive() || notional.LessThan(cfg.MinTradeNotional) {
		return decimal.Zero, &domain.InsufficientLiquidityError{
			Required:  cfg.MinTradeNotional,
			Available: notional,
		}
	}
	return amount, nil
}

func (g *Gate) dailyCount(now time.Time) int {
	g.dayMu.Lock()
	defer g.dayMu.Unlock()
	g.rollDay(now)
	return g.dayCount
}

func (g *Gate) takeDailySlot(now time.Time, limit int) bool {
	g.dayMu.Lock()
	defer g.dayMu.Unlock()
	g.rollDay(now)
	if g.dayCount >= limit {
		return false
	}
	g.dayCount++
	return true
}

func (g *Gate) rollDay(now time.Time) {
	if day := now.UTC().Format(time.DateOnly); day != g.day {
		g.day = day
		g.dayCount = 0
	}
}

// RecordOutcome applies a terminal trade's realized PnL to every scope it
// touched. It returns false, changing nothing, if the trade is not terminal
// or was already recorded.
func (g *Gate) RecordOutcome(t domain.Trade) bool {
	if !t.Status.Terminal() {
		g.logger.Warn("outcome for non-terminal trade ignored",
			slog.String("trade_id", t.ID),
			slog.String("status", string(t.Status)),
		)
		return false
	}
	cfg := g.cfg.Load()
	now := g.now()
	if !g.markSeen(t.ID, cfg.OutcomeDedupTTL, now) {
		g.logger.Debug("duplicate outcome ignored", slog.String("trade_id", t.ID))
		return false
	}

	var transitions []*Transition
	for _, scope := range domain.TradeScopes(t.Symbol, t.BuyVenue, t.SellVenue) {
		b := g.breaker(scope)
		b.mu.Lock()
		transitions = append(transitions, b.refresh(cfg, now), b.record(cfg, t.RealizedPnL, now))
		b.mu.Unlock()
	}
	g.emit(transitions)
	return true
}

// markSeen records id and reports whether it was new. Expired ids are swept
// every seenSweepEvery insertions; an expired id found on lookup counts as
// new.
func (g *Gate) markSeen(id string, ttl time.Duration, now time.Time) bool {
	g.seenMu.Lock()
	defer g.seenMu.Unlock()
	if at, dup := g.seen[id]; dup && (ttl <= 0 || now.Sub(at) <= ttl) {
		return false
	}
	g.seen[id] = now
	g.seenAdded++
	if ttl > 0 && g.seenAdded >= seenSweepEvery {
		g.seenAdded = 0
		for k, at := range g.seen {
			if now.Sub(at) > ttl {
				delete(g.seen, k)
			}
		}
	}
	return true
}

// RecordVenueError counts a failed call against venue and trips the venue's
// breaker once VenueErrorLimit errors fall inside VenueErrorWindow. It
// reports whether this call tripped the breaker.
func (g *Gate) RecordVenueError(venue string, err error) bool {
	cfg := g.cfg.Load()
	if venue == "" || cfg.VenueErrorLimit <= 0 {
		return false
	}
	now := g.now()

	g.errMu.Lock()
	recent := g.errorsAt[venue]
	keep := 0
	for _, at := range recent {
		if now.Sub(at) <= cfg.VenueErrorWindow {
			recent[keep] = at
			keep++
		}
	}
	recent = append(recent[:keep], now)
	n := len(recent)
	if n >= cfg.VenueErrorLimit {
		recent = recent[:0]
	}
	g.errorsAt[venue] = recent
	g.errMu.Unlock()

	if n < cfg.VenueErrorLimit {
		return false
	}
	attrs := []any{
		slog.String("venue", venue),
		slog.Int("errors", n),
		slog.Duration("window", cfg.VenueErrorWindow),
	}
	if err != nil {
		attrs = append(attrs, slog.String("last_error", err.Error()))
	}
	g.logger.Warn("venue error limit reached", attrs...)
	g.TripVenue(venue, fmt.Sprintf("api errors: %d within %s", n, cfg.VenueErrorWindow))
	return true
}

// ForceTrip opens a scope on operator request.
func (g *Gate) ForceTrip(scope, reason string) error {
	if domain.KindOf(scope) == "" {
		return fmt.Errorf("risk: force trip %q: %w", scope, domain.ErrUnknownScope)
	}
	cfg := g.cfg.Load()
	b := g.breaker(scope)
	b.mu.Lock()
	t := b.trip(cfg, "manual: "+reason, 0, g.now())
	b.mu.Unlock()
	g.emit([]*Transition{t})
	return nil
}

// ForceReset closes a scope and clears its counters.
func (g *Gate) ForceReset(scope, reason string) error {
	if domain.KindOf(scope) == "" {
		return fmt.Errorf("risk: force reset %q: %w", scope, domain.ErrUnknownScope)
	}
	b := g.breaker(scope)
	b.mu.Lock()
	t := b.reset("manual: "+reason, g.now())
	b.mu.Unlock()
	g.emit([]*Transition{t})
	return nil
}

// TripVenue opens a venue's breaker regardless of its counters. Used by the
// reconciler when balances drift too far.
func (g *Gate) TripVenue(venue, reason string) {
	cfg := g.cfg.Load()
	b := g.breaker(domain.VenueScope(venue))
	b.mu.Lock()
	var t *Transition
	if b.state.Status != domain.BreakerOpen {
		t = b.trip(cfg, reason, 0, g.now())
	}
	b.mu.Unlock()
	g.emit([]*Transition{t})
}

// State returns one scope's breaker, applying any due cooldown expiry.
func (g *Gate) State(scope string) (domain.BreakerState, bool) {
	g.mu.RLock()
	b, ok := g.breakers[scope]
	g.mu.RUnlock()
	if !ok {
		return domain.BreakerState{}, false
	}
	b.mu.Lock()
	t := b.refresh(g.cfg.Load(), g.now())
	s := b.snapshot()
	b.mu.Unlock()
	g.emit([]*Transition{t})
	return s, true
}

// Snapshot returns every known breaker.
func (g *Gate) Snapshot() []domain.BreakerState {
	g.mu.RLock()
	scopes := make([]string, 0, len(g.breakers))
	for s := range g.breakers {
		scopes = append(scopes, s)
	}
	g.mu.RUnlock()

	out := make([]domain.BreakerState, 0, len(scopes))
	for _, s := range scopes {
		if st, ok := g.State(s); ok {
			out = append(out, st)
		}
	}
	return out
}

// Restore loads persisted breaker state, typically at startup. Window loss
// history is not persisted, so the window restarts from the stored total.
func (g *Gate) Restore(states []domain.BreakerState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range states {
		if domain.KindOf(s.Scope) == "" {
			continue
		}
		b := newBreaker(s.Scope, s.UpdatedAt)
		b.state = s
		if s.WindowLoss.IsPositive() {
			b.losses = []loss{{at: s.UpdatedAt, amount: s.WindowLoss}}
		}
		g.breakers[s.Scope] = b
	}
}
