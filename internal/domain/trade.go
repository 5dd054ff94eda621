package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TradeStatus is the execution state of a trade.
type TradeStatus string

const (
	TradePending            TradeStatus = "pending"
	TradeBuyPlaced          TradeStatus = "buy_placed"
	TradeBuyPartiallyFilled TradeStatus = "buy_partially_filled"
	TradeBuyFilled          TradeStatus = "buy_filled"
	TradeSellPlaced         TradeStatus = "sell_placed"
	TradeSellFilled         TradeStatus = "sell_filled"
	TradeCancelled          TradeStatus = "cancelled"
	TradeFailed             TradeStatus = "failed"
)

// CANCELLED is only reachable while no inventory has been acquired.
var tradeTransitions = map[TradeStatus][]TradeStatus{
	TradePending:            {TradeBuyPlaced, TradeCancelled, TradeFailed},
	TradeBuyPlaced:          {TradeBuyPartiallyFilled, TradeBuyFilled, TradeCancelled, TradeFailed},
	TradeBuyPartiallyFilled: {TradeBuyFilled, TradeFailed},
	TradeBuyFilled:          {TradeSellPlaced, TradeFailed},
	TradeSellPlaced:         {TradeSellFilled, TradeFailed},
}

// Terminal reports whether no further transitions are possible.
func (s TradeStatus) Terminal() bool {
	switch s {
	case TradeSellFilled, TradeCancelled, TradeFailed:
		return true
	}
	return false
}

// CanTransition reports whether s -> to is a legal edge.
func (s TradeStatus) CanTransition(to TradeStatus) bool {
	for _, next := range tradeTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Opportunity is a scored cross-venue price discrepancy. Prices are VWAPs
// over the depth actually walked; the Limit fields hold the worst level
// touched on each side.
type Opportunity struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	BuyVenue       string          `json:"buy_venue"`
	SellVenue      string          `json:"sell_venue"`
	BuyPrice       decimal.Decimal `json:"buy_price"`
	SellPrice      decimal.Decimal `json:"sell_price"`
	BuyLimit       decimal.Decimal `json:"buy_limit"`
	SellLimit      decimal.Decimal `json:"sell_limit"`
	Size           decimal.Decimal `json:"size"`
	BuyFeeRate     decimal.Decimal `json:"buy_fee_rate"`
	SellFeeRate    decimal.Decimal `json:"sell_fee_rate"`
	Fees           decimal.Decimal `json:"fees"`
	ExpectedProfit decimal.Decimal `json:"expected_profit"`
	ProfitPct      decimal.Decimal `json:"profit_pct"`
	Score          float64         `json:"score"`
	BookTime       time.Time       `json:"book_time"`
	DetectedAt     time.Time       `json:"detected_at"`
}

// Key identifies the route of an opportunity, independent of its prices.
func (o Opportunity) Key() string {
	return o.Symbol + "|" + o.BuyVenue + "|" + o.SellVenue
}

// Leg is one order placed on behalf of a trade.
type Leg struct {
	Venue     string          `json:"venue"`
	Side      OrderSide       `json:"side"`
	Type      OrderType       `json:"type"`
	ClientID  string          `json:"client_id"`
	OrderID   string          `json:"order_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	Filled    decimal.Decimal `json:"filled"`
	FillPrice decimal.Decimal `json:"fill_price"`
	Fee       decimal.Decimal `json:"fee"`
	State     OrderState      `json:"state,omitempty"`
	PlacedAt  *time.Time      `json:"placed_at,omitempty"`
}

// Placed reports whether the venue acknowledged this leg.
func (l Leg) Placed() bool { return l.OrderID != "" }

// Apply copies a venue status into the leg. When the venue reports no fee the
// fee is derived from feeRate.
func (l *Leg) Apply(st OrderStatus, feeRate decimal.Decimal) {
	l.State = st.State
	l.Filled = st.FilledAmount
	if st.FilledAmount.IsPositive() {
		l.FillPrice = st.AvgFillPrice
	}
	if st.Fee.IsPositive() {
		l.Fee = st.Fee
	} else {
		l.Fee = l.FillPrice.Mul(l.Filled).Mul(feeRate)
	}
}

// Notional is fill price times filled amount.
func (l Leg) Notional() decimal.Decimal { return l.FillPrice.Mul(l.Filled) }

// TradeEvent is one entry of a trade's transition history.
type TradeEvent struct {
	From TradeStatus `json:"from"`
	To   TradeStatus `json:"to"`
	At   time.Time   `json:"at"`
	Note string      `json:"note,omitempty"`
}

// Trade is the unit of execution. ID is the idempotency key and is never
// regenerated.
type Trade struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	BuyVenue       string          `json:"buy_venue"`
	SellVenue      string          `json:"sell_venue"`
	Amount         decimal.Decimal `json:"amount"`
	SizeMultiplier decimal.Decimal `json:"size_multiplier"`
	Opportunity    Opportunity     `json:"opportunity"`
	Status         TradeStatus     `json:"status"`
	Buy            Leg             `json:"buy"`
	Sell           Leg             `json:"sell"`
	Unwinds        []Leg           `json:"unwinds,omitempty"`
	Stranded       bool            `json:"stranded"`
	StrandedAmount decimal.Decimal `json:"stranded_amount"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	ErrorClass     ErrorClass      `json:"error_class,omitempty"`
	Error          string          `json:"error,omitempty"`
	History        []TradeEvent    `json:"history"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// NewTrade creates a PENDING trade for an approved opportunity.
func NewTrade(id string, opp Opportunity, amount, multiplier decimal.Decimal, now time.Time) *Trade {
	return &Trade{
		ID:             id,
		Symbol:         opp.Symbol,
		BuyVenue:       opp.BuyVenue,
		SellVenue:      opp.SellVenue,
		Amount:         amount,
		SizeMultiplier: multiplier,
		Opportunity:    opp,
		Status:         TradePending,
		Buy:            Leg{Venue: opp.BuyVenue, Side: OrderSideBuy, ClientID: id},
		Sell:           Leg{Venue: opp.SellVenue, Side: OrderSideSell, ClientID: id},
		History:        []TradeEvent{{To: TradePending, At: now, Note: "approved"}},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Transition moves the trade along a legal edge and appends to its history.
func (t *Trade) Transition(to TradeStatus, at time.Time, note string) error {
	if !t.Status.CanTransition(to) {
		return fmt.Errorf("trade %s: %s -> %s: %w", t.ID, t.Status, to, ErrIllegalTransition)
	}
	if to == TradeSellFilled && !t.Buy.Filled.IsPositive() {
		return fmt.Errorf("trade %s: sell filled without buy fill: %w", t.ID, ErrIllegalTransition)
	}
	t.History = append(t.History, TradeEvent{From: t.Status, To: to, At: at, Note: note})
	t.Status = to
	t.UpdatedAt = at
	if to.Terminal() {
		ts := at
		t.CompletedAt = &ts
	}
	return nil
}

// Annotate appends a history entry without changing state.
func (t *Trade) Annotate(at time.Time, note string) {
	t.History = append(t.History, TradeEvent{From: t.Status, To: t.Status, At: at, Note: note})
	t.UpdatedAt = at
}

// Fail records an error classification on the trade.
func (t *Trade) Fail(err error) {
	if err == nil {
		return
	}
	t.ErrorClass = Classify(err)
	t.Error = err.Error()
}

// Inventory is the base amount bought but not yet sold or unwound.
func (t *Trade) Inventory() decimal.Decimal {
	left := t.Buy.Filled.Sub(t.Sell.Filled)
	for _, u := range t.Unwinds {
		left = left.Sub(u.Filled)
	}
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

// ComputePnL derives realized profit/loss from actual fills and fees.
// Inventory still stranded is marked at the buy fill price less haircut.
func (t *Trade) ComputePnL(haircut decimal.Decimal) decimal.Decimal {
	pnl := t.Sell.Notional().Sub(t.Sell.Fee).Sub(t.Buy.Notional()).Sub(t.Buy.Fee)
	for _, u := range t.Unwinds {
		pnl = pnl.Add(u.Notional()).Sub(u.Fee)
	}
	if left := t.Inventory(); left.IsPositive() {
		mark := t.Buy.FillPrice.Mul(decimal.NewFromInt(1).Sub(haircut))
		pnl = pnl.Add(left.Mul(mark))
	}
	return pnl
}

// Duration is the time from creation to completion, or zero if still open.
func (t *Trade) Duration() time.Duration {
	if t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(t.CreatedAt)
}

// Clone returns a deep copy that can be handed to other goroutines.
func (t *Trade) Clone() Trade {
	c := *t
	c.History = append([]TradeEvent(nil), t.History...)
	c.Unwinds = append([]Leg(nil), t.Unwinds...)
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return c
}
