package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBookSnapshot is a point-in-time view of one venue's book for a symbol.
// Bids are sorted descending by price, asks ascending.
type OrderBookSnapshot struct {
	Venue     string       `json:"venue"`
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// BestBid returns the top bid, if any.
func (s OrderBookSnapshot) BestBid() (PriceLevel, bool) {
	if len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the top ask, if any.
func (s OrderBookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}

// Mid returns the midpoint of the top of book. ok is false for a one-sided book.
func (s OrderBookSnapshot) Mid() (decimal.Decimal, bool) {
	bid, okb := s.BestBid()
	ask, oka := s.BestAsk()
	if !okb || !oka {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// Age reports how old the snapshot is relative to now.
func (s OrderBookSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// Truncate returns a copy limited to depth levels per side.
func (s OrderBookSnapshot) Truncate(depth int) OrderBookSnapshot {
	out := s
	if depth > 0 && len(out.Bids) > depth {
		out.Bids = out.Bids[:depth]
	}
	if depth > 0 && len(out.Asks) > depth {
		out.Asks = out.Asks[:depth]
	}
	out.Bids = append([]PriceLevel(nil), out.Bids...)
	out.Asks = append([]PriceLevel(nil), out.Asks...)
	return out
}

// CheckLevels reports the first level with a non-positive price or size.
// Bids must not rise and asks must not fall from one level to the next.
func (s OrderBookSnapshot) CheckLevels() error {
	check := func(side string, lvls []PriceLevel, inOrder func(prev, cur decimal.Decimal) bool) error {
		for i, l := range lvls {
			if !l.Price.IsPositive() || !l.Size.IsPositive() {
				return fmt.Errorf("%s level %d: price %s size %s", side, i, l.Price, l.Size)
			}
			if i > 0 && !inOrder(lvls[i-1].Price, l.Price) {
				return fmt.Errorf("%s level %d: price %s out of order", side, i, l.Price)
			}
		}
		return nil
	}
	if err := check("bid", s.Bids, decimal.Decimal.GreaterThanOrEqual); err != nil {
		return err
	}
	return check("ask", s.Asks, decimal.Decimal.LessThanOrEqual)
}

// SplitSymbol splits "BASE/QUOTE" into its assets.
func SplitSymbol(symbol string) (base, quote string) {
	base, quote, ok := strings.Cut(symbol, "/")
	if !ok {
		return symbol, ""
	}
	return base, quote
}
