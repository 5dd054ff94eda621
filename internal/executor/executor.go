// Package executor drives a single trade through its state machine: buy leg,
// sell leg, and an unwind of any inventory left behind when the sell side
// cannot complete.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/crossarb/internal/account"
	"github.com/alanyoungcy/crossarb/internal/domain"
	"github.com/alanyoungcy/crossarb/internal/retry"
)

// ErrSuspended means the executor could not learn a leg's state and handed
// the trade over to reconciliation. The trade is left in its PLACED state.
var ErrSuspended = errors.New("executor: trade suspended")

var (
	one  = decimal.NewFromInt(1)
	bps  = decimal.NewFromInt(10_000)
	zero = decimal.Zero
)

// Config holds execution tunables.
type Config struct {
	CallTimeout    time.Duration
	FillTimeout    time.Duration
	PollInterval   time.Duration
	CleanupTimeout time.Duration

	OrderType         domain.OrderType
	AggressivenessBps decimal.Decimal

	UnwindOrderType   domain.OrderType
	UnwindSlippageBps decimal.Decimal
	StrandedHaircut   decimal.Decimal

	FeeRates map[string]decimal.Decimal
}

// DefaultConfig returns the execution defaults.
func DefaultConfig() Config {
	return Config{
		CallTimeout:       5 * time.Second,
		FillTimeout:       10 * time.Second,
		PollInterval:      250 * time.Millisecond,
		CleanupTimeout:    30 * time.Second,
		OrderType:         domain.OrderTypeLimit,
		AggressivenessBps: decimal.NewFromInt(5),
		UnwindOrderType:   domain.OrderTypeMarket,
		UnwindSlippageBps: decimal.NewFromInt(50),
		StrandedHaircut:   decimal.RequireFromString("0.01"),
	}
}

type holds struct {
	quote, base *account.Hold
	buySettled  bool
	sellSettled bool
}

func (h *holds) close() {
	h.quote.Close()
	h.base.Close()
}

// Option customises an Executor.
type Option func(*Executor)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithObserver is called with a copy of the trade after every state
// transition. It runs on the trade's goroutine and must not block.
func WithObserver(fn func(domain.Trade)) Option {
	return func(e *Executor) { e.observe = fn }
}

// Executor is safe for concurrent use; each trade must be driven by one
// goroutine at a time.
type Executor struct {
	venues  map[string]domain.Venue
	ledger  *account.Ledger
	gov     *retry.Governor
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	observe func(domain.Trade)

	mu          sync.Mutex
	holds       map[string]*holds
	unwindHolds map[string]*account.Hold
}

// New creates an Executor.
func New(venues map[string]domain.Venue, ledger *account.Ledger, gov *retry.Governor, cfg Config, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		venues:      venues,
		ledger:      ledger,
		gov:         gov,
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "executor")),
		now:         time.Now,
		observe:     func(domain.Trade) {},
		holds:       make(map[string]*holds),
		unwindHolds: make(map[string]*account.Hold),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the execution config.
func (e *Executor) Config() Config { return e.cfg }

func (e *Executor) venue(id string) (domain.Venue, error) {
	v, ok := e.venues[id]
	if !ok {
		return nil, fmt.Errorf("executor: venue %q: %w", id, domain.ErrUnknownVenue)
	}
	return v, nil
}

func (e *Executor) holdsFor(id string) *holds {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.holds[id]
	if !ok {
		h = &holds{}
		e.holds[id] = h
	}
	return h
}

func (e *Executor) dropHolds(id string) {
	e.mu.Lock()
	h, ok := e.holds[id]
	delete(e.holds, id)
	e.mu.Unlock()
	if ok {
		h.close()
	}
}

func (e *Executor) feeRate(venue string) decimal.Decimal { return e.cfg.FeeRates[venue] }

func (e *Executor) log(t *domain.Trade) *slog.Logger {
	return e.logger.With(
		slog.String("trade_id", t.ID),
		slog.String("symbol", t.Symbol),
		slog.String("buy_venue", t.BuyVenue),
		slog.String("sell_venue", t.SellVenue),
	)
}

func (e *Executor) transition(t *domain.Trade, to domain.TradeStatus, note string) error {
	from := t.Status
	if err := t.Transition(to, e.now(), note); err != nil {
		return err
	}
	e.log(t).Info("trade transition",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("note", note),
	)
	e.observe(t.Clone())
	return nil
}

// Run drives t until it reaches a terminal state or is suspended. If ctx is
// cancelled mid-trade, open orders are cancelled and any inventory unwound
// under a fresh cleanup deadline so the trade still terminates.
func (e *Executor) Run(ctx context.Context, t *domain.Trade) error {
	for !t.Status.Terminal() {
		var err error
		switch t.Status {
		case domain.TradePending:
			err = e.placeBuy(ctx, t)
		case domain.TradeBuyPlaced, domain.TradeBuyPartiallyFilled:
			err = e.awaitBuy(ctx, t)
		case domain.TradeBuyFilled:
			err = e.placeSell(ctx, t)
		case domain.TradeSellPlaced:
			err = e.awaitSell(ctx, t)
		default:
			err = fmt.Errorf("executor: unexpected status %s", t.Status)
		}
		if err != nil {
			return err
		}
	}
	e.finish(t)
	return nil
}

// Resume applies a terminal leg status learned out of band, then continues
// the state machine.
func (e *Executor) Resume(ctx context.Context, t *domain.Trade, st domain.OrderStatus) error {
	switch t.Status {
	case domain.TradeBuyPlaced, domain.TradeBuyPartiallyFilled:
		t.Buy.Apply(st, e.feeRate(t.BuyVenue))
		t.Annotate(e.now(), "buy leg resolved by reconciliation")
		if err := e.settleBuy(t); err != nil {
			return err
		}
	case domain.TradeSellPlaced:
		t.Sell.Apply(st, e.feeRate(t.SellVenue))
		t.Annotate(e.now(), "sell leg resolved by reconciliation")
		if err := e.settleSell(ctx, t); err != nil {
			return err
		}
	}
	return e.Run(ctx, t)
}

// Abandon takes a suspended trade out of the market during shutdown. The open
// leg is cancelled and its final state read under a cleanup deadline; the
// trade then ends without placing new legs, unwinding any inventory. It
// returns an ErrSuspended error when the leg state is still unknown.
func (e *Executor) Abandon(ctx context.Context, t *domain.Trade) error {
	stopped, stop := context.WithCancel(ctx)
	stop()

	leg, name := &t.Buy, "buy"
	switch t.Status {
	case domain.TradeBuyPlaced, domain.TradeBuyPartiallyFilled:
	case domain.TradeSellPlaced:
		leg, name = &t.Sell, "sell"
	default:
		return e.Run(stopped, t)
	}
	v, err := e.venue(leg.Venue)
	if err != nil {
		return e.suspend(t, name, err)
	}

	cctx, cancel := e.cleanupCtx(ctx)
	defer cancel()
	if err := e.cancel(cctx, v, t.Symbol, leg.OrderID); err != nil {
		e.log(t).Warn("cancel at shutdown failed",
			slog.String("order_id", leg.OrderID),
			slog.String("error", err.Error()),
		)
	}
	st, err := e.status(cctx, v, t.Symbol, leg.OrderID)
	if err != nil {
		return e.suspend(t, name, err)
	}
	if !st.State.Terminal() {
		return e.suspend(t, name, fmt.Errorf("%s on %s: %w", leg.OrderID, leg.Venue, errStillOpen))
	}
	return e.Resume(stopped, t, st)
}

func (e *Executor) finish(t *domain.Trade) {
	e.dropHolds(t.ID)
	t.StrandedAmount = t.Inventory()
	t.Stranded = t.StrandedAmount.IsPositive()
	t.RealizedPnL = t.ComputePnL(e.cfg.StrandedHaircut)
	e.log(t).Info("trade finished",
		slog.String("status", string(t.Status)),
		slog.String("realized_pnl", t.RealizedPnL.String()),
		slog.Bool("stranded", t.Stranded),
		slog.Duration("elapsed", t.Duration()),
	)
}

func (e *Executor) suspend(t *domain.Trade, leg string, err error) error {
	t.Fail(err)
	t.Annotate(e.now(), leg+" leg state unknown, handed to reconciliation")
	e.log(t).Warn("trade suspended", slog.String("leg", leg), slog.String("error", err.Error()))
	return fmt.Errorf("%w: %s leg: %w", ErrSuspended, leg, err)
}

func (e *Executor) buyPrice(t *domain.Trade) decimal.Decimal {
	if e.cfg.OrderType == domain.OrderTypeMarket {
		return zero
	}
	p := t.Opportunity.BuyLimit
	if !p.IsPositive() {
		p = t.Opportunity.BuyPrice
	}
	return p.Mul(one.Add(e.cfg.AggressivenessBps.Div(bps)))
}

func (e *Executor) sellPrice(t *domain.Trade) decimal.Decimal {
	if e.cfg.OrderType == domain.OrderTypeMarket {
		return zero
	}
	p := t.Opportunity.SellLimit
	if !p.IsPositive() {
		p = t.Opportunity.SellPrice
	}
	return p.Mul(one.Sub(e.cfg.AggressivenessBps.Div(bps)))
}

// placeBuy reserves funds on both venues, then places the buy leg.
//
// Both reservations happen before any order is sent, so two concurrent
// trades cannot both plan to spend the same balance.
func (e *Executor) placeBuy(ctx context.Context, t *domain.Trade) error {
	buyV, err := e.venue(t.BuyVenue)
	if err != nil {
		t.Fail(err)
		return e.transition(t, domain.TradeCancelled, "unknown buy venue")
	}
	if _, err := e.venue(t.SellVenue); err != nil {
		t.Fail(err)
		return e.transition(t, domain.TradeCancelled, "unknown sell venue")
	}
	if ctx.Err() != nil {
		return e.transition(t, domain.TradeCancelled, "shutdown before placement")
	}

	base, quote := domain.SplitSymbol(t.Symbol)
	price := e.buyPrice(t)
	reservePrice := price
	if !reservePrice.IsPositive() {
		reservePrice = decimal.Max(t.Opportunity.BuyLimit, t.Opportunity.BuyPrice)
	}
	h := e.holdsFor(t.ID)
	h.quote, err = e.ledger.Reserve(t.BuyVenue, quote, t.Amount.Mul(reservePrice).Mul(one.Add(e.feeRate(t.BuyVenue))))
	if err != nil {
		t.Fail(err)
		e.dropHolds(t.ID)
		return e.transition(t, domain.TradeCancelled, "insufficient buy-side funds")
	}
	h.base, err = e.ledger.Reserve(t.SellVenue, base, t.Amount)
	if err != nil {
		t.Fail(err)
		e.dropHolds(t.ID)
		return e.transition(t, domain.TradeCancelled, "insufficient sell-side inventory")
	}

	req := domain.OrderRequest{
		ClientID: t.Buy.ClientID,
		Symbol:   t.Symbol,
		Side:     domain.OrderSideBuy,
		Type:     e.cfg.OrderType,
		Amount:   t.Amount,
		Price:    price,
	}
	t.Buy.Type, t.Buy.Amount, t.Buy.Price = req.Type, req.Amount, req.Price

	handle, err := e.place(ctx, buyV, req)
	if err != nil {
		t.Fail(err)
		e.dropHolds(t.ID)
		return e.transition(t, domain.TradeFailed, "buy placement failed")
	}
	placed := e.now()
	t.Buy.OrderID = handle.OrderID()
	t.Buy.PlacedAt = &placed
	if !t.Buy.Price.IsPositive() {
		t.Buy.Price = handle.Price()
	}
	return e.transition(t, domain.TradeBuyPlaced, "order "+handle.OrderID())
}

func (e *Executor) awaitBuy(ctx context.Context, t *domain.Trade) error {
	v, err := e.venue(t.BuyVenue)
	if err != nil {
		return err
	}
	err = e.awaitLeg(ctx, t, &t.Buy, v, func(st domain.OrderStatus) error {
		if st.State == domain.OrderStatePartiallyFilled && t.Status == domain.TradeBuyPlaced {
			return e.transition(t, domain.TradeBuyPartiallyFilled, "filled "+st.FilledAmount.String())
		}
		return nil
	})
	if err != nil {
		return e.suspend(t, "buy", err)
	}
	return e.settleBuy(t)
}

// settleBuy books the buy fill and moves to BUY_FILLED, or CANCELLED when
// nothing filled.
func (e *Executor) settleBuy(t *domain.Trade) error {
	h := e.holdsFor(t.ID)
	if !h.buySettled {
		h.buySettled = true
		base, _ := domain.SplitSymbol(t.Symbol)
		h.quote.Consume(t.Buy.Notional().Add(t.Buy.Fee))
		h.quote.Close()
		e.ledger.Credit(t.BuyVenue, base, t.Buy.Filled)
		h.base.Shrink(t.Buy.Filled)
	}
	if !t.Buy.Filled.IsPositive() {
		if t.Status == domain.TradeBuyPartiallyFilled {
			return e.transition(t, domain.TradeFailed, "buy leg lost its fill")
		}
		return e.transition(t, domain.TradeCancelled, "buy leg "+string(t.Buy.State)+" without fill")
	}
	note := "filled " + t.Buy.Filled.String() + " @ " + t.Buy.FillPrice.String()
	if t.Buy.Filled.LessThan(t.Amount) {
		note += " (partial)"
	}
	return e.transition(t, domain.TradeBuyFilled, note)
}

// placeSell sells exactly what the buy leg acquired.
func (e *Executor) placeSell(ctx context.Context, t *domain.Trade) error {
	if ctx.Err() != nil {
		return e.failAndUnwind(ctx, t, "shutdown before sell placement")
	}
	v, err := e.venue(t.SellVenue)
	if err != nil {
		t.Fail(err)
		return e.failAndUnwind(ctx, t, "unknown sell venue")
	}
	req := domain.OrderRequest{
		ClientID: t.Sell.ClientID,
		Symbol:   t.Symbol,
		Side:     domain.OrderSideSell,
		Type:     e.cfg.OrderType,
		Amount:   t.Buy.Filled,
		Price:    e.sellPrice(t),
	}
	t.Sell.Type, t.Sell.Amount, t.Sell.Price = req.Type, req.Amount, req.Price

	handle, err := e.place(ctx, v, req)
	if err != nil {
		t.Fail(err)
		return e.failAndUnwind(ctx, t, "sell placement failed")
	}
	placed := e.now()
	t.Sell.OrderID = handle.OrderID()
	t.Sell.PlacedAt = &placed
	if !t.Sell.Price.IsPositive() {
		t.Sell.Price = handle.Price()
	}
	return e.transition(t, domain.TradeSellPlaced, "order "+handle.OrderID())
}

func (e *Executor) awaitSell(ctx context.Context, t *domain.Trade) error {
	v, err := e.venue(t.SellVenue)
	if err != nil {
		return err
	}
	if err := e.awaitLeg(ctx, t, &t.Sell, v, nil); err != nil {
		return e.suspend(t, "sell", err)
	}
	return e.settleSell(ctx, t)
}

func (e *Executor) settleSell(ctx context.Context, t *domain.Trade) error {
	h := e.holdsFor(t.ID)
	if !h.sellSettled {
		h.sellSettled = true
		_, quote := domain.SplitSymbol(t.Symbol)
		h.base.Consume(t.Sell.Filled)
		h.base.Close()
		e.ledger.Credit(t.SellVenue, quote, t.Sell.Notional().Sub(t.Sell.Fee))
	}
	if t.Sell.Filled.GreaterThanOrEqual(t.Buy.Filled) {
		return e.transition(t, domain.TradeSellFilled,
			"filled "+t.Sell.Filled.String()+" @ "+t.Sell.FillPrice.String())
	}
	return e.failAndUnwind(ctx, t, "sell leg "+string(t.Sell.State)+" with "+t.Inventory().String()+" unsold")
}

// failAndUnwind moves t to FAILED and makes one unwind attempt. Remaining
// inventory is flagged as stranded for the reconciler.
func (e *Executor) failAndUnwind(ctx context.Context, t *domain.Trade, reason string) error {
	if err := e.transition(t, domain.TradeFailed, reason); err != nil {
		return err
	}
	e.holdsFor(t.ID).base.Close()
	e.Unwind(ctx, t)
	return nil
}
