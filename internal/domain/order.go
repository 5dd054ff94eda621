package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType selects limit or market execution.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderState is the venue-reported lifecycle of a single order.
type OrderState string

const (
	OrderStateOpen            OrderState = "open"
	OrderStatePartiallyFilled OrderState = "partially_filled"
	OrderStateFilled          OrderState = "filled"
	OrderStateCancelled       OrderState = "cancelled"
	OrderStateRejected        OrderState = "rejected"
)

// Terminal reports whether the venue will not change this order further.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected:
		return true
	}
	return false
}

// OrderRequest is what the executor sends to a venue. ClientID doubles as
// the idempotency key: a venue must not create a second order for a ClientID
// it has already accepted.
type OrderRequest struct {
	ClientID string
	Symbol   string
	Side     OrderSide
	Type     OrderType
	Amount   decimal.Decimal
	Price    decimal.Decimal // limit price; ignored for market orders
}

// OrderHandle is a validated venue acknowledgement. It can only be built via
// NewOrderHandle, so every handle in the system has an id and a positive price.
type OrderHandle struct {
	venue    string
	orderID  string
	clientID string
	price    decimal.Decimal
	amount   decimal.Decimal
}

// NewOrderHandle validates a venue acknowledgement.
func NewOrderHandle(venue, orderID, clientID string, price, amount decimal.Decimal) (OrderHandle, error) {
	if orderID == "" {
		return OrderHandle{}, &MalformedResponseError{Venue: venue, Op: "place_order", Reason: "missing order id"}
	}
	if !price.IsPositive() {
		return OrderHandle{}, &MalformedResponseError{Venue: venue, Op: "place_order", Reason: "non-positive price " + price.String()}
	}
	if amount.IsNegative() {
		return OrderHandle{}, &MalformedResponseError{Venue: venue, Op: "place_order", Reason: "negative amount " + amount.String()}
	}
	return OrderHandle{venue: venue, orderID: orderID, clientID: clientID, price: price, amount: amount}, nil
}

func (h OrderHandle) Venue() string           { return h.venue }
func (h OrderHandle) OrderID() string         { return h.orderID }
func (h OrderHandle) ClientID() string        { return h.clientID }
func (h OrderHandle) Price() decimal.Decimal  { return h.price }
func (h OrderHandle) Amount() decimal.Decimal { return h.amount }

// OrderStatus is a venue's answer to a status query.
type OrderStatus struct {
	OrderID      string
	ClientID     string
	Symbol       string
	Side         OrderSide
	State        OrderState
	Amount       decimal.Decimal
	FilledAmount decimal.Decimal
	AvgFillPrice decimal.Decimal
	Fee          decimal.Decimal
	UpdatedAt    time.Time
}

// Remaining is the unfilled portion of the order.
func (s OrderStatus) Remaining() decimal.Decimal {
	r := s.Amount.Sub(s.FilledAmount)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}
