package config

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/crossarb/internal/domain"
	"github.com/alanyoungcy/crossarb/internal/engine"
	"github.com/alanyoungcy/crossarb/internal/executor"
	"github.com/alanyoungcy/crossarb/internal/reconcile"
	"github.com/alanyoungcy/crossarb/internal/retry"
	"github.com/alanyoungcy/crossarb/internal/risk"
	"github.com/alanyoungcy/crossarb/internal/scorer"
)

// FeeRates maps each venue id to its taker fee rate.
func (c *Config) FeeRates() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c.Venues))
	for _, v := range c.Venues {
		out[v.ID] = dec(v.FeeRate)
	}
	return out
}

// BuildEngineConfig converts the file representation into the engine's
// immutable configuration. Call Validate first.
func (c *Config) BuildEngineConfig() engine.Config {
	e, r := c.Engine, c.Risk
	fees := c.FeeRates()

	pairs := make([]engine.Pair, len(c.Pairs))
	for i, p := range c.Pairs {
		pairs[i] = engine.Pair{Symbol: p.Symbol, Venues: append([]string(nil), p.Venues...)}
	}

	return engine.Config{
		Pairs:               pairs,
		ScanInterval:        e.ScanInterval.Duration,
		MaxConcurrentTrades: e.MaxConcurrentTrades,
		RouteCooldown:       e.RouteCooldown.Duration,
		ShutdownGrace:       e.ShutdownGrace.Duration,
		ExecutionEnabled:    e.ExecutionEnabled,
		MaxSingleTradeLoss:  dec(e.MaxSingleTradeLossUSD),
		RecentTrades:        e.RecentTrades,
		VolatilityWindow:    e.VolatilityWindow.Duration,
		VolatilitySamples:   e.VolatilitySamples,
		Scorer: scorer.Config{
			MinProfitPct:     dec(e.MinProfitPct),
			MaxTradeNotional: dec(e.MaxTradeNotional),
			TargetSize:       dec(e.TargetSize),
			Depth:            e.VWAPDepth,
			MinDepth:         e.MinDepth,
			MaxStaleness:     e.MaxStaleness.Duration,
			VolatilityWeight: e.VolatilityWeight,
			FeeRates:         fees,
		},
		Risk: risk.Config{
			Global:             risk.Limits{ConsecutiveLosses: r.GlobalConsecutiveLosses, WindowLoss: dec(r.GlobalWindowLossUSD)},
			Venue:              risk.Limits{ConsecutiveLosses: r.VenueConsecutiveLosses, WindowLoss: dec(r.VenueWindowLossUSD)},
			Pair:               risk.Limits{ConsecutiveLosses: r.PairConsecutiveLosses, WindowLoss: dec(r.PairWindowLossUSD)},
			LossWindow:         r.LossWindow.Duration,
			BaseCooldown:       r.BaseCooldown.Duration,
			MaxCooldown:        r.MaxCooldown.Duration,
			CooldownMultiplier: r.CooldownMultiplier,
			MaxOvershootScale:  r.MaxOvershootScale,
			HalfOpenMultiplier: dec(r.HalfOpenMultiplier),
			HalfOpenSuccesses:  r.HalfOpenSuccesses,
			MaxTradeNotional:   dec(e.MaxTradeNotional),
			MinTradeNotional:   dec(r.MinTradeNotional),
			MaxDailyTrades:     r.MaxDailyTrades,
			OutcomeDedupTTL:    r.OutcomeDedupTTL.Duration,
			MaxPriceDeviation:  dec(r.MaxPriceDeviation),
			MaxProfitPct:       dec(r.MaxProfitPct),
			VenueErrorLimit:    r.VenueErrorLimit,
			VenueErrorWindow:   r.VenueErrorWindow.Duration,
		},
		Executor: executor.Config{
			CallTimeout:       e.CallTimeout.Duration,
			FillTimeout:       e.FillTimeout.Duration,
			PollInterval:      e.FillPollInterval.Duration,
			CleanupTimeout:    e.CleanupTimeout.Duration,
			OrderType:         domain.OrderType(e.OrderType),
			AggressivenessBps: dec(e.AggressivenessBps),
			UnwindOrderType:   domain.OrderType(e.UnwindOrderType),
			UnwindSlippageBps: dec(e.UnwindSlippageBps),
			StrandedHaircut:   dec(e.StrandedHaircut),
			FeeRates:          fees,
		},
		Retry: retry.Config{
			MaxAttempts:         c.Retry.MaxAttempts,
			MaxElapsed:          c.Retry.MaxElapsed.Duration,
			InitialInterval:     c.Retry.InitialInterval.Duration,
			MaxInterval:         c.Retry.MaxInterval.Duration,
			Multiplier:          c.Retry.Multiplier,
			RandomizationFactor: c.Retry.RandomizationFactor,
		},
		Reconcile: reconcile.Config{
			Interval:         c.Reconcile.Interval.Duration,
			BalanceTolerance: dec(c.Reconcile.BalanceTolerance),
			TripThreshold:    dec(c.Reconcile.BalanceTripThreshold),
			CallTimeout:      c.Reconcile.CallTimeout.Duration,
			LockTTL:          c.Reconcile.LockTTL.Duration,
		},
	}
}

// dec converts a float read from TOML into its shortest exact decimal, so
// 0.0015 becomes 0.0015 rather than its binary expansion.
func dec(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
