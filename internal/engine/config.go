package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/crossarb/internal/domain"
	"github.com/alanyoungcy/crossarb/internal/executor"
	"github.com/alanyoungcy/crossarb/internal/reconcile"
	"github.com/alanyoungcy/crossarb/internal/retry"
	"github.com/alanyoungcy/crossarb/internal/risk"
	"github.com/alanyoungcy/crossarb/internal/scorer"
)

// Pair is a symbol traded across a set of venues.
type Pair struct {
	Symbol string
	Venues []string
}

// Config is the immutable engine configuration. A running engine only
// changes it through Reconfigure.
type Config struct {
	Pairs []Pair

	ScanInterval        time.Duration
	MaxConcurrentTrades int
	RouteCooldown       time.Duration
	ShutdownGrace       time.Duration
	ExecutionEnabled    bool

	// MaxSingleTradeLoss raises a HIGH alert when one trade loses more.
	MaxSingleTradeLoss decimal.Decimal
	RecentTrades       int

	VolatilityWindow  time.Duration
	VolatilitySamples int

	Scorer    scorer.Config
	Risk      risk.Config
	Executor  executor.Config
	Retry     retry.Config
	Reconcile reconcile.Config
}

// DefaultConfig returns engine defaults with no pairs.
func DefaultConfig() Config {
	return Config{
		ScanInterval:        500 * time.Millisecond,
		MaxConcurrentTrades: 4,
		RouteCooldown:       5 * time.Second,
		ShutdownGrace:       30 * time.Second,
		ExecutionEnabled:    true,
		MaxSingleTradeLoss:  decimal.NewFromInt(20),
		RecentTrades:        200,
		VolatilityWindow:    5 * time.Minute,
		VolatilitySamples:   300,
		Scorer: scorer.Config{
			MinProfitPct:     decimal.RequireFromString("0.0015"),
			MaxTradeNotional: decimal.NewFromInt(100),
			TargetSize:       decimal.NewFromInt(1),
			Depth:            10,
			MinDepth:         1,
			MaxStaleness:     2 * time.Second,
			VolatilityWeight: 1000,
		},
		Risk:      risk.DefaultConfig(),
		Executor:  executor.DefaultConfig(),
		Retry:     retry.DefaultConfig(),
		Reconcile: reconcile.DefaultConfig(),
	}
}

// Validate reports every problem with the config. venues are the venue ids
// the engine was built with.
func (c Config) Validate(venues map[string]domain.Venue) error {
	var errs []error
	if c.ScanInterval <= 0 {
		errs = append(errs, errors.New("scan_interval must be positive"))
	}
	if c.MaxConcurrentTrades < 1 {
		errs = append(errs, errors.New("max_concurrent_trades must be at least 1"))
	}
	if c.Reconcile.Interval <= 0 {
		errs = append(errs, errors.New("reconcile interval must be positive"))
	}
	if c.Executor.FillTimeout <= 0 || c.Executor.PollInterval <= 0 {
		errs = append(errs, errors.New("fill_timeout and poll_interval must be positive"))
	}
	if !c.Scorer.MaxTradeNotional.IsPositive() {
		errs = append(errs, errors.New("max_trade_notional must be positive"))
	}
	for _, p := range c.Pairs {
		if base, quote := domain.SplitSymbol(p.Symbol); base == "" || quote == "" {
			errs = append(errs, fmt.Errorf("pair %q: symbol must be BASE/QUOTE", p.Symbol))
		}
		if len(p.Venues) < 2 {
			errs = append(errs, fmt.Errorf("pair %q: needs at least two venues", p.Symbol))
		}
		for _, v := range p.Venues {
			if _, ok := venues[v]; !ok {
				errs = append(errs, fmt.Errorf("pair %q: %w: %s", p.Symbol, domain.ErrUnknownVenue, v))
			}
		}
	}
	return errors.Join(errs...)
}

// symbolsByVenue maps each venue to the symbols traded on it.
func (c Config) symbolsByVenue() map[string][]string {
	out := make(map[string][]string)
	for _, p := range c.Pairs {
		for _, v := range p.Venues {
			out[v] = append(out[v], p.Symbol)
		}
	}
	return out
}
