package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// Limits are the trip thresholds for one kind of scope.
type Limits struct {
	// ConsecutiveLosses trips the breaker when reached. Zero disables.
	ConsecutiveLosses int
	// WindowLoss is the absolute quote-currency loss allowed inside the
	// rolling window. Zero disables.
	WindowLoss decimal.Decimal
}

// Config holds the tunable parameters of the risk gate.
type Config struct {
	Global Limits
	Venue  Limits
	Pair   Limits

	LossWindow         time.Duration
	BaseCooldown       time.Duration
	MaxCooldown        time.Duration
	CooldownMultiplier float64
	MaxOvershootScale  float64

	HalfOpenMultiplier decimal.Decimal
	HalfOpenSuccesses  int

	MaxTradeNotional decimal.Decimal
	MinTradeNotional decimal.Decimal
	MaxDailyTrades   int

	// OutcomeDedupTTL bounds how long trade ids are remembered for
	// idempotent outcome recording.
	OutcomeDedupTTL time.Duration

	// MaxPriceDeviation rejects opportunities whose buy and sell prices
	// differ by more than this fraction of their average. Zero disables.
	MaxPriceDeviation decimal.Decimal
	// MaxProfitPct rejects opportunities whose expected profit is too
	// good to be real. Zero disables.
	MaxProfitPct decimal.Decimal

	// VenueErrorLimit trips a venue once it returns this many errors
	// within VenueErrorWindow. Zero disables.
	VenueErrorLimit  int
	VenueErrorWindow time.Duration
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		Global:             Limits{ConsecutiveLosses: 5, WindowLoss: decimal.NewFromInt(500)},
		Venue:              Limits{ConsecutiveLosses: 3, WindowLoss: decimal.NewFromInt(200)},
		Pair:               Limits{ConsecutiveLosses: 3, WindowLoss: decimal.NewFromInt(100)},
		LossWindow:         24 * time.Hour,
		BaseCooldown:       10 * time.Minute,
		MaxCooldown:        4 * time.Hour,
		CooldownMultiplier: 2,
		MaxOvershootScale:  4,
		HalfOpenMultiplier: decimal.RequireFromString("0.25"),
		HalfOpenSuccesses:  3,
		MaxTradeNotional:   decimal.NewFromInt(100),
		MinTradeNotional:   decimal.NewFromInt(10),
		MaxDailyTrades:     1000,
		OutcomeDedupTTL:    48 * time.Hour,
		MaxPriceDeviation:  decimal.RequireFromString("0.05"),
		MaxProfitPct:       decimal.RequireFromString("0.02"),
		VenueErrorLimit:    20,
		VenueErrorWindow:   time.Hour,
	}
}

func (c *Config) limits(scope string) Limits {
	switch domain.KindOf(scope) {
	case domain.ScopeGlobal:
		return c.Global
	case domain.ScopeVenue:
		return c.Venue
	case domain.ScopePair:
		return c.Pair
	}
	return Limits{}
}
