// Package paper is an in-memory venue. It fills orders against configured
// balances and lets callers inject failures per operation, which makes it
// the venue used for dry runs and for exercising failure paths.
package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// Op names a venue operation for fault injection.
type Op string

const (
	OpPlace   Op = "place_order"
	OpStatus  Op = "order_status"
	OpFind    Op = "find_order"
	OpCancel  Op = "cancel_order"
	OpOpen    Op = "open_orders"
	OpBalance Op = "balance"
	OpBook    Op = "order_book"
)

var one = decimal.NewFromInt(1)

type order struct {
	status   domain.OrderStatus
	price    decimal.Decimal
	locked   decimal.Decimal
	lockedIn string
}

// Option customises a Venue.
type Option func(*Venue)

// WithFeeRate sets the taker fee charged on fills.
func WithFeeRate(rate decimal.Decimal) Option {
	return func(v *Venue) { v.feeRate = rate }
}

// WithFillRatio sets the fraction of each limit order filled on placement.
// The rest rests on the book until Fill or CancelOrder.
func WithFillRatio(ratio decimal.Decimal) Option {
	return func(v *Venue) { v.fillRatio = ratio }
}

// WithLatency delays every call.
func WithLatency(d time.Duration) Option {
	return func(v *Venue) { v.latency = d }
}

// WithBalances seeds available balances.
func WithBalances(b map[string]decimal.Decimal) Option {
	return func(v *Venue) {
		for k, amt := range b {
			v.balances[k] = amt
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Venue) { v.now = now }
}

// Venue is safe for concurrent use.
type Venue struct {
	id        string
	feeRate   decimal.Decimal
	fillRatio decimal.Decimal
	latency   time.Duration
	now       func() time.Time

	mu       sync.Mutex
	balances map[string]decimal.Decimal
	books    map[string]domain.OrderBookSnapshot
	orders   map[string]*order
	byClient map[string]string
	faults   map[Op][]error
	landed   []error
	seq      int
}

// New creates a paper venue.
func New(id string, opts ...Option) *Venue {
	v := &Venue{
		id:        id,
		fillRatio: one,
		now:       time.Now,
		balances:  make(map[string]decimal.Decimal),
		books:     make(map[string]domain.OrderBookSnapshot),
		orders:    make(map[string]*order),
		byClient:  make(map[string]string),
		faults:    make(map[Op][]error),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ID returns the venue id.
func (v *Venue) ID() string { return v.id }

// SetBook installs the book returned by GetOrderBook and used to price
// market orders.
func (v *Venue) SetBook(snap domain.OrderBookSnapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	snap.Venue = v.id
	v.books[snap.Symbol] = snap
}

// SetBalance overwrites an available balance.
func (v *Venue) SetBalance(asset string, amount decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[asset] = amount
}

// SetFillRatio changes the fill ratio for subsequent orders.
func (v *Venue) SetFillRatio(ratio decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fillRatio = ratio
}

// Fail makes the next len(errs) calls of op return errs in order.
func (v *Venue) Fail(op Op, errs ...error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.faults[op] = append(v.faults[op], errs...)
}

// FailAfterLanding makes the next placements create the order and then
// return err, simulating a response lost after the venue accepted it.
func (v *Venue) FailAfterLanding(errs ...error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.landed = append(v.landed, errs...)
}

// OrderCount reports how many orders the venue has accepted.
func (v *Venue) OrderCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.orders)
}

// Fill fills up to amount of a resting order.
func (v *Venue) Fill(orderID string, amount decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: fill %s: %w", orderID, domain.ErrNotFound)
	}
	v.fill(o, decimal.Min(amount, o.status.Remaining()))
	return nil
}

func (v *Venue) wait(ctx context.Context, op Op) error {
	if v.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(v.latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return domain.Transient(v.id, string(op), "call timed out",
			domain.WithCode(domain.CodeTimeout), domain.WithCause(ctx.Err()))
	case <-t.C:
		return nil
	}
}

// fault pops the next injected error for op. Caller holds mu.
func (v *Venue) fault(op Op) error {
	q := v.faults[op]
	if len(q) == 0 {
		return nil
	}
	v.faults[op] = q[1:]
	return q[0]
}

func (v *Venue) enter(ctx context.Context, op Op) error {
	if err := v.wait(ctx, op); err != nil {
		return err
	}
	v.mu.Lock()
	err := v.fault(op)
	v.mu.Unlock()
	return err
}

// PlaceOrder accepts an order, filling it immediately up to the fill ratio.
// A repeated ClientID returns the existing order.
func (v *Venue) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderHandle, error) {
	if err := v.enter(ctx, OpPlace); err != nil {
		return domain.OrderHandle{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if id, ok := v.byClient[req.ClientID]; ok && req.ClientID != "" {
		o := v.orders[id]
		return domain.NewOrderHandle(v.id, id, req.ClientID, o.price, o.status.Amount)
	}
	if !req.Amount.IsPositive() {
		return domain.OrderHandle{}, domain.Persistent(v.id, string(OpPlace), "amount must be positive",
			domain.WithCode(domain.CodeInvalidOrder))
	}

	price := req.Price
	ratio := v.fillRatio
	if req.Type == domain.OrderTypeMarket {
		var ok bool
		if price, ok = v.marketPrice(req.Symbol, req.Side); !ok {
			return domain.OrderHandle{}, domain.Persistent(v.id, string(OpPlace), "no liquidity for market order",
				domain.WithCode(domain.CodeInvalidOrder))
		}
		ratio = one
	}
	if !price.IsPositive() {
		return domain.OrderHandle{}, domain.Persistent(v.id, string(OpPlace), "price must be positive",
			domain.WithCode(domain.CodeInvalidOrder))
	}

	base, quote := domain.SplitSymbol(req.Symbol)
	asset, need := base, req.Amount
	if req.Side == domain.OrderSideBuy {
		asset, need = quote, req.Amount.Mul(price).Mul(one.Add(v.feeRate))
	}
	if v.balances[asset].LessThan(need) {
		return domain.OrderHandle{}, domain.Persistent(v.id, string(OpPlace),
			fmt.Sprintf("insufficient %s: need %s, have %s", asset, need, v.balances[asset]),
			domain.WithCode(domain.CodeInsufficientBalance))
	}
	v.balances[asset] = v.balances[asset].Sub(need)

	v.seq++
	id := fmt.Sprintf("%s-%d", v.id, v.seq)
	o := &order{
		price:    price,
		locked:   need,
		lockedIn: asset,
		status: domain.OrderStatus{
			OrderID:   id,
			ClientID:  req.ClientID,
			Symbol:    req.Symbol,
			Side:      req.Side,
			State:     domain.OrderStateOpen,
			Amount:    req.Amount,
			UpdatedAt: v.now(),
		},
	}
	v.orders[id] = o
	if req.ClientID != "" {
		v.byClient[req.ClientID] = id
	}
	if ratio.IsPositive() {
		v.fill(o, req.Amount.Mul(decimal.Min(ratio, one)))
	}

	if len(v.landed) > 0 {
		err := v.landed[0]
		v.landed = v.landed[1:]
		return domain.OrderHandle{}, err
	}
	return domain.NewOrderHandle(v.id, id, req.ClientID, price, req.Amount)
}

func (v *Venue) marketPrice(symbol string, side domain.OrderSide) (decimal.Decimal, bool) {
	book, ok := v.books[symbol]
	if !ok {
		return decimal.Zero, false
	}
	if side == domain.OrderSideBuy {
		lvl, ok := book.BestAsk()
		return lvl.Price, ok
	}
	lvl, ok := book.BestBid()
	return lvl.Price, ok
}

// fill moves funds for amount of o. Caller holds mu.
func (v *Venue) fill(o *order, amount decimal.Decimal) {
	if !amount.IsPositive() || o.status.State.Terminal() {
		return
	}
	base, quote := domain.SplitSymbol(o.status.Symbol)
	notional := amount.Mul(o.price)
	fee := notional.Mul(v.feeRate)
	if o.status.Side == domain.OrderSideBuy {
		spent := notional.Add(fee)
		o.locked = o.locked.Sub(spent)
		v.balances[base] = v.balances[base].Add(amount)
	} else {
		o.locked = o.locked.Sub(amount)
		v.balances[quote] = v.balances[quote].Add(notional.Sub(fee))
	}

	st := &o.status
	prevNotional := st.AvgFillPrice.Mul(st.FilledAmount)
	st.FilledAmount = st.FilledAmount.Add(amount)
	st.AvgFillPrice = prevNotional.Add(notional).Div(st.FilledAmount)
	st.Fee = st.Fee.Add(fee)
	st.UpdatedAt = v.now()
	if st.FilledAmount.GreaterThanOrEqual(st.Amount) {
		st.State = domain.OrderStateFilled
		v.release(o)
	} else {
		st.State = domain.OrderStatePartiallyFilled
	}
}

// release returns funds still locked by o. Caller holds mu.
func (v *Venue) release(o *order) {
	if o.locked.IsPositive() {
		v.balances[o.lockedIn] = v.balances[o.lockedIn].Add(o.locked)
	}
	o.locked = decimal.Zero
}

// GetOrderStatus returns the current state of an order.
func (v *Venue) GetOrderStatus(ctx context.Context, symbol, orderID string) (domain.OrderStatus, error) {
	if err := v.enter(ctx, OpStatus); err != nil {
		return domain.OrderStatus{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[orderID]
	if !ok {
		return domain.OrderStatus{}, domain.Persistent(v.id, string(OpStatus), "unknown order "+orderID,
			domain.WithCause(domain.ErrNotFound))
	}
	return o.status, nil
}

// FindOrder looks an order up by client id.
func (v *Venue) FindOrder(ctx context.Context, symbol, clientID string) (domain.OrderStatus, error) {
	if err := v.enter(ctx, OpFind); err != nil {
		return domain.OrderStatus{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	id, ok := v.byClient[clientID]
	if !ok {
		return domain.OrderStatus{}, fmt.Errorf("paper: client id %s: %w", clientID, domain.ErrNotFound)
	}
	return v.orders[id].status, nil
}

// CancelOrder cancels the unfilled remainder. Cancelling a terminal order is
// a no-op.
func (v *Venue) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := v.enter(ctx, OpCancel); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[orderID]
	if !ok {
		return domain.Persistent(v.id, string(OpCancel), "unknown order "+orderID,
			domain.WithCause(domain.ErrNotFound))
	}
	if o.status.State.Terminal() {
		return nil
	}
	o.status.State = domain.OrderStateCancelled
	o.status.UpdatedAt = v.now()
	v.release(o)
	return nil
}

// OpenOrders lists non-terminal orders for symbol.
func (v *Venue) OpenOrders(ctx context.Context, symbol string) ([]domain.OrderStatus, error) {
	if err := v.enter(ctx, OpOpen); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []domain.OrderStatus
	for _, o := range v.orders {
		if o.status.Symbol == symbol && !o.status.State.Terminal() {
			out = append(out, o.status)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

// GetBalance returns the available balance of asset.
func (v *Venue) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if err := v.enter(ctx, OpBalance); err != nil {
		return decimal.Zero, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balances[asset], nil
}

// GetOrderBook returns the installed book stamped with the current time.
func (v *Venue) GetOrderBook(ctx context.Context, symbol string, depth int) (domain.OrderBookSnapshot, error) {
	if err := v.enter(ctx, OpBook); err != nil {
		return domain.OrderBookSnapshot{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	book, ok := v.books[symbol]
	if !ok {
		return domain.OrderBookSnapshot{}, domain.Persistent(v.id, string(OpBook), "no book for "+symbol,
			domain.WithCause(domain.ErrNotFound))
	}
	out := book.Truncate(depth)
	out.Timestamp = v.now()
	return out, nil
}
