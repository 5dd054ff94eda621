package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// BreakerStatus is the state of one circuit breaker scope.
type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "closed"
	BreakerOpen     BreakerStatus = "open"
	BreakerHalfOpen BreakerStatus = "half_open"
)

// ScopeKind is the granularity a breaker applies to.
type ScopeKind string

const (
	ScopeGlobal ScopeKind = "global"
	ScopeVenue  ScopeKind = "venue"
	ScopePair   ScopeKind = "pair"
)

// GlobalScope is the key of the engine-wide breaker.
const GlobalScope = "global"

// VenueScope returns the breaker key for a venue.
func VenueScope(venue string) string { return "venue:" + venue }

// PairScope returns the breaker key for a symbol traded between two venues.
// Venue order does not matter.
func PairScope(symbol, venueA, venueB string) string {
	vs := []string{venueA, venueB}
	sort.Strings(vs)
	return "pair:" + symbol + ":" + vs[0] + ":" + vs[1]
}

// KindOf returns the kind of a scope key.
func KindOf(scope string) ScopeKind {
	switch {
	case scope == GlobalScope:
		return ScopeGlobal
	case len(scope) > 6 && scope[:6] == "venue:":
		return ScopeVenue
	case len(scope) > 5 && scope[:5] == "pair:":
		return ScopePair
	}
	return ""
}

// TradeScopes lists every scope a trade between buy and sell touches.
func TradeScopes(symbol, buyVenue, sellVenue string) []string {
	return []string{
		GlobalScope,
		VenueScope(buyVenue),
		VenueScope(sellVenue),
		PairScope(symbol, buyVenue, sellVenue),
	}
}

// BreakerState is a point-in-time copy of one scope's breaker.
type BreakerState struct {
	Scope             string          `json:"scope"`
	Status            BreakerStatus   `json:"status"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	HalfOpenWins      int             `json:"half_open_wins"`
	WindowLoss        decimal.Decimal `json:"window_loss"`
	CooldownUntil     *time.Time      `json:"cooldown_until,omitempty"`
	SizeMultiplier    decimal.Decimal `json:"size_multiplier"`
	Trips             int             `json:"trips"`
	Reason            string          `json:"reason,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}
