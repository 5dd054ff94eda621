package rest

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// Wire types of the venue REST API. Decimals travel as JSON strings.

type orderRequest struct {
	ClientID string          `json:"client_id"`
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Type     string          `json:"type"`
	Amount   decimal.Decimal `json:"amount"`
	Price    decimal.Decimal `json:"price"`
}

type orderResponse struct {
	OrderID   string          `json:"order_id"`
	ClientID  string          `json:"client_id"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	State     string          `json:"state"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Filled    decimal.Decimal `json:"filled"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	Fee       decimal.Decimal `json:"fee"`
	UpdatedAt int64           `json:"updated_at"`
}

type openOrdersResponse struct {
	Orders []orderResponse `json:"orders"`
}

type balanceResponse struct {
	Asset string          `json:"asset"`
	Free  decimal.Decimal `json:"free"`
}

// bookResponse levels are [price, size] string pairs.
type bookResponse struct {
	Symbol    string               `json:"symbol"`
	Bids      [][2]decimal.Decimal `json:"bids"`
	Asks      [][2]decimal.Decimal `json:"asks"`
	Timestamp int64                `json:"ts"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var stateNames = map[string]domain.OrderState{
	"open":             domain.OrderStateOpen,
	"new":              domain.OrderStateOpen,
	"partially_filled": domain.OrderStatePartiallyFilled,
	"filled":           domain.OrderStateFilled,
	"cancelled":        domain.OrderStateCancelled,
	"canceled":         domain.OrderStateCancelled,
	"rejected":         domain.OrderStateRejected,
	"expired":          domain.OrderStateCancelled,
}

func (o orderResponse) status(venue, op string) (domain.OrderStatus, error) {
	if o.OrderID == "" {
		return domain.OrderStatus{}, &domain.MalformedResponseError{Venue: venue, Op: op, Reason: "missing order id"}
	}
	state, ok := stateNames[o.State]
	if !ok {
		return domain.OrderStatus{}, &domain.MalformedResponseError{Venue: venue, Op: op, Reason: "unknown order state " + o.State}
	}
	if o.Filled.IsNegative() || o.Filled.GreaterThan(o.Amount) {
		return domain.OrderStatus{}, &domain.MalformedResponseError{Venue: venue, Op: op, Reason: "filled " + o.Filled.String() + " outside [0, " + o.Amount.String() + "]"}
	}
	st := domain.OrderStatus{
		OrderID:      o.OrderID,
		ClientID:     o.ClientID,
		Symbol:       o.Symbol,
		Side:         domain.OrderSide(o.Side),
		State:        state,
		Amount:       o.Amount,
		FilledAmount: o.Filled,
		AvgFillPrice: o.AvgPrice,
		Fee:          o.Fee,
	}
	if o.UpdatedAt > 0 {
		st.UpdatedAt = time.UnixMilli(o.UpdatedAt)
	}
	return st, nil
}

func levels(raw [][2]decimal.Decimal) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(raw))
	for _, l := range raw {
		out = append(out, domain.PriceLevel{Price: l[0], Size: l[1]})
	}
	return out
}
