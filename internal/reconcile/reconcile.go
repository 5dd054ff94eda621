// Package reconcile periodically compares local state with what venues
// report: balances, open orders, trades whose leg state is unknown, and
// inventory left behind by failed trades.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"github.com/alanyoungcy/crossarb/internal/account"
	"github.com/alanyoungcy/crossarb/internal/domain"
	"github.com/alanyoungcy/crossarb/internal/retry"
)

// Config holds reconciliation tunables.
type Config struct {
	Interval time.Duration
	// BalanceTolerance is the relative drift that raises an alert.
	BalanceTolerance decimal.Decimal
	// TripThreshold is the relative drift that opens the venue breaker.
	TripThreshold decimal.Decimal
	CallTimeout   time.Duration
	LockTTL       time.Duration
}

// DefaultConfig returns reconciliation defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		BalanceTolerance: decimal.RequireFromString("0.01"),
		TripThreshold:    decimal.RequireFromString("0.05"),
		CallTimeout:      5 * time.Second,
		LockTTL:          25 * time.Second,
	}
}

// Tripper opens a venue breaker.
type Tripper interface {
	TripVenue(venue, reason string)
}

// Engine is the part of the trading engine the reconciler hands work back to.
type Engine interface {
	// InFlight returns copies of trades currently being executed.
	InFlight() []domain.Trade
	// Resume continues a suspended trade with a leg status learned here.
	Resume(t *domain.Trade, st domain.OrderStatus)
	// RetryUnwind makes one more unwind attempt for a stranded trade.
	RetryUnwind(ctx context.Context, t *domain.Trade)
}

// Report summarises one reconciliation cycle.
type Report struct {
	BalancesChecked int
	Drifts          int
	Orphans         int
	Resumed         int
	Unwound         int
	Errors          []error
}

// Option customises a Reconciler.
type Option func(*Reconciler)

// WithLocks serialises cycles per venue across engine instances.
func WithLocks(l domain.LockManager) Option {
	return func(r *Reconciler) { r.locks = l }
}

// WithDriftHook is called for every drift above tolerance.
func WithDriftHook(fn func(venue, asset string)) Option {
	return func(r *Reconciler) { r.onDrift = fn }
}

// Reconciler is safe for concurrent use.
type Reconciler struct {
	venues  map[string]domain.Venue
	symbols map[string][]string
	ledger  *account.Ledger
	tripper Tripper
	alerts  domain.Alerter
	gov     *retry.Governor
	cfg     Config
	logger  *slog.Logger
	locks   domain.LockManager
	onDrift func(venue, asset string)

	mu        sync.Mutex
	engine    Engine
	suspended map[string]*domain.Trade
	stranded  map[string]*domain.Trade
	orphans   map[string]struct{}
	// busy holds ids of stranded trades with an unwind attempt in progress.
	busy map[string]struct{}
}

// New creates a Reconciler. symbols maps each venue to the symbols traded
// on it; the assets checked are derived from them.
func New(
	venues map[string]domain.Venue,
	symbols map[string][]string,
	ledger *account.Ledger,
	tripper Tripper,
	alerts domain.Alerter,
	gov *retry.Governor,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) *Reconciler {
	r := &Reconciler{
		venues:    venues,
		symbols:   symbols,
		ledger:    ledger,
		tripper:   tripper,
		alerts:    alerts,
		gov:       gov,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "reconcile")),
		onDrift:   func(string, string) {},
		suspended: make(map[string]*domain.Trade),
		stranded:  make(map[string]*domain.Trade),
		orphans:   make(map[string]struct{}),
		busy:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach connects the engine. It must be called before Run.
func (r *Reconciler) Attach(e Engine) {
	r.mu.Lock()
	r.engine = e
	r.mu.Unlock()
}

// Suspend records a trade whose leg state the executor could not determine.
// The reconciler keeps its own copy; stored trades are replaced, never
// mutated in place.
func (r *Reconciler) Suspend(t *domain.Trade) {
	c := t.Clone()
	r.mu.Lock()
	r.suspended[c.ID] = &c
	r.mu.Unlock()
}

// Strand records a copy of a failed trade with unsold inventory.
func (r *Reconciler) Strand(t *domain.Trade) {
	c := t.Clone()
	r.mu.Lock()
	r.stranded[c.ID] = &c
	r.mu.Unlock()
}

// TakeSuspended removes and returns every suspended trade. The caller owns
// the returned trades.
func (r *Reconciler) TakeSuspended() []*domain.Trade {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Trade, 0, len(r.suspended))
	for id, t := range r.suspended {
		out = append(out, t)
		delete(r.suspended, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stranded returns copies of the stranded trades.
func (r *Reconciler) Stranded() []domain.Trade {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Trade, 0, len(r.stranded))
	for _, t := range r.stranded {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SuspendedCount reports how many trades await leg resolution.
func (r *Reconciler) SuspendedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.suspended)
}

// Run reconciles every Interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciler started", slog.Duration("interval", r.cfg.Interval))
	defer r.logger.Info("reconciler stopped")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			rep := r.RunOnce(ctx)
			for _, err := range rep.Errors {
				r.logger.Warn("reconcile error", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce performs one full cycle.
func (r *Reconciler) RunOnce(ctx context.Context) Report {
	var (
		mu  sync.Mutex
		rep Report
	)
	open := make(map[string][]domain.OrderStatus)

	p := pool.New().WithContext(ctx)
	for id, v := range r.venues {
		p.Go(func(ctx context.Context) error {
			unlock, err := r.lock(ctx, id)
			if errors.Is(err, domain.ErrLockHeld) {
				return nil
			}
			if err != nil {
				return err
			}
			defer unlock()

			vr, orders := r.reconcileVenue(ctx, v)
			mu.Lock()
			rep.BalancesChecked += vr.BalancesChecked
			rep.Drifts += vr.Drifts
			rep.Errors = append(rep.Errors, vr.Errors...)
			for k, list := range orders {
				open[k] = list
			}
			mu.Unlock()
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		rep.Errors = append(rep.Errors, err)
	}

	rep.Orphans = r.detectOrphans(ctx, open)
	resumed, errs := r.resolveSuspended(ctx, open)
	rep.Resumed = resumed
	rep.Errors = append(rep.Errors, errs...)
	rep.Unwound = r.retryStranded(ctx)

	r.logger.Debug("reconcile cycle done",
		slog.Int("balances", rep.BalancesChecked),
		slog.Int("drifts", rep.Drifts),
		slog.Int("orphans", rep.Orphans),
		slog.Int("resumed", rep.Resumed),
		slog.Int("unwound", rep.Unwound),
	)
	return rep
}

func (r *Reconciler) lock(ctx context.Context, venue string) (func(), error) {
	if r.locks == nil {
		return func() {}, nil
	}
	return r.locks.Acquire(ctx, "reconcile:"+venue, r.cfg.LockTTL)
}

func (r *Reconciler) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.cfg.CallTimeout)
}

func openKey(venue, symbol string) string { return venue + "|" + symbol }

// reconcileVenue refreshes balances and fetches open orders for one venue.
func (r *Reconciler) reconcileVenue(ctx context.Context, v domain.Venue) (Report, map[string][]domain.OrderStatus) {
	var rep Report
	venue := v.ID()
	seen := make(map[string]bool)
	var assets []string
	for _, sym := range r.symbols[venue] {
		base, quote := domain.SplitSymbol(sym)
		for _, a := range []string{base, quote} {
			if a != "" && !seen[a] {
				seen[a] = true
				assets = append(assets, a)
			}
		}
	}

	for _, asset := range assets {
		bal, err := retry.Do(ctx, r.gov, "balance", func(ctx context.Context) (decimal.Decimal, error) {
			cctx, cancel := r.callCtx(ctx)
			defer cancel()
			return v.GetBalance(cctx, asset)
		})
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Errorf("reconcile: balance %s/%s: %w", venue, asset, err))
			continue
		}
		drift := r.ledger.Reconcile(venue, asset, bal)
		if !drift.Checked {
			continue
		}
		rep.BalancesChecked++
		rel := drift.Relative()
		if rel.LessThanOrEqual(r.cfg.BalanceTolerance) {
			continue
		}
		rep.Drifts++
		r.onDrift(venue, asset)
		inc := &domain.StateInconsistencyError{Venue: venue, Asset: asset, Expected: drift.Expected, Actual: drift.Actual}
		r.logger.Error("balance drift", slog.String("error", inc.Error()), slog.String("relative", rel.String()))
		r.alert(ctx, domain.SeverityHigh, domain.VenueScope(venue), "Balance drift", inc.Error())
		if r.cfg.TripThreshold.IsPositive() && rel.GreaterThan(r.cfg.TripThreshold) {
			r.tripper.TripVenue(venue, "balance drift on "+asset)
		}
	}

	orders := make(map[string][]domain.OrderStatus)
	for _, sym := range r.symbols[venue] {
		list, err := retry.Do(ctx, r.gov, "open_orders", func(ctx context.Context) ([]domain.OrderStatus, error) {
			cctx, cancel := r.callCtx(ctx)
			defer cancel()
			return v.OpenOrders(cctx, sym)
		})
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Errorf("reconcile: open orders %s/%s: %w", venue, sym, err))
			continue
		}
		orders[openKey(venue, sym)] = list
	}
	return rep, orders
}

func (r *Reconciler) alert(ctx context.Context, sev domain.Severity, scope, title, msg string) {
	if r.alerts == nil {
		return
	}
	r.alerts.Alert(ctx, domain.Alert{Severity: sev, Scope: scope, Title: title, Message: msg, At: time.Now()})
}

func knownOrders(t domain.Trade, into map[string]struct{}) {
	for _, id := range []string{t.Buy.OrderID, t.Sell.OrderID} {
		if id != "" {
			into[id] = struct{}{}
		}
	}
	for _, u := range t.Unwinds {
		if u.OrderID != "" {
			into[u.OrderID] = struct{}{}
		}
	}
}

// detectOrphans alerts once for every open venue order no trade claims.
func (r *Reconciler) detectOrphans(ctx context.Context, open map[string][]domain.OrderStatus) int {
	known := make(map[string]struct{})
	r.mu.Lock()
	eng := r.engine
	for _, t := range r.suspended {
		knownOrders(*t, known)
	}
	for _, t := range r.stranded {
		knownOrders(*t, known)
	}
	r.mu.Unlock()
	if eng != nil {
		for _, t := range eng.InFlight() {
			knownOrders(t, known)
		}
	}

	var fresh []domain.OrderStatus
	r.mu.Lock()
	for _, list := range open {
		for _, o := range list {
			if _, ok := known[o.OrderID]; ok {
				continue
			}
			if _, done := r.orphans[o.OrderID]; done {
				continue
			}
			r.orphans[o.OrderID] = struct{}{}
			fresh = append(fresh, o)
		}
	}
	r.mu.Unlock()

	for _, o := range fresh {
		r.alert(ctx, domain.SeverityWarning, domain.GlobalScope, "Untracked open order",
			fmt.Sprintf("order %s (%s %s %s) is open at the venue but belongs to no trade",
				o.OrderID, o.Side, o.Amount, o.Symbol))
	}
	return len(fresh)
}

// resolveSuspended drives suspended trades whose order has left the venue's
// open list to their terminal leg state.
func (r *Reconciler) resolveSuspended(ctx context.Context, open map[string][]domain.OrderStatus) (int, []error) {
	r.mu.Lock()
	eng := r.engine
	pending := make([]domain.Trade, 0, len(r.suspended))
	for _, t := range r.suspended {
		pending = append(pending, t.Clone())
	}
	r.mu.Unlock()
	if eng == nil {
		return 0, nil
	}

	var (
		resumed int
		errs    []error
	)
	for i := range pending {
		t := &pending[i]
		leg := &t.Buy
		if t.Status == domain.TradeSellPlaced {
			leg = &t.Sell
		}
		if !leg.Placed() {
			continue
		}
		list, fetched := open[openKey(leg.Venue, t.Symbol)]
		if !fetched {
			continue
		}
		if containsOrder(list, leg.OrderID) {
			continue
		}
		v, ok := r.venues[leg.Venue]
		if !ok {
			continue
		}
		st, err := retry.Do(ctx, r.gov, "order_status", func(ctx context.Context) (domain.OrderStatus, error) {
			cctx, cancel := r.callCtx(ctx)
			defer cancel()
			return v.GetOrderStatus(cctx, t.Symbol, leg.OrderID)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("reconcile: status of %s: %w", leg.OrderID, err))
			continue
		}
		if !st.State.Terminal() {
			continue
		}
		r.mu.Lock()
		_, still := r.suspended[t.ID]
		delete(r.suspended, t.ID)
		r.mu.Unlock()
		if !still {
			continue
		}
		r.logger.Info("suspended trade resolved",
			slog.String("trade_id", t.ID),
			slog.String("order_id", leg.OrderID),
			slog.String("state", string(st.State)),
		)
		eng.Resume(t, st)
		resumed++
	}
	return resumed, errs
}

func containsOrder(list []domain.OrderStatus, id string) bool {
	for _, o := range list {
		if o.OrderID == id {
			return true
		}
	}
	return false
}

// retryStranded makes one unwind attempt per stranded trade. Each attempt
// works on a copy that replaces the stored trade once it returns, so readers
// of Stranded never see a trade mid-update.
func (r *Reconciler) retryStranded(ctx context.Context) int {
	r.mu.Lock()
	eng := r.engine
	pending := make([]domain.Trade, 0, len(r.stranded))
	if eng != nil {
		for id, t := range r.stranded {
			if _, ok := r.busy[id]; ok {
				continue
			}
			r.busy[id] = struct{}{}
			pending = append(pending, t.Clone())
		}
	}
	r.mu.Unlock()

	resolved := 0
	for i := range pending {
		t := &pending[i]
		if ctx.Err() == nil {
			eng.RetryUnwind(ctx, t)
		}
		r.mu.Lock()
		delete(r.busy, t.ID)
		if _, ok := r.stranded[t.ID]; ok {
			if t.Stranded {
				r.stranded[t.ID] = t
			} else {
				delete(r.stranded, t.ID)
				resolved++
			}
		}
		r.mu.Unlock()
	}
	return resolved
}
