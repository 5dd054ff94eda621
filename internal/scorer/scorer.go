// Package scorer turns two order books into a ranked arbitrage opportunity.
// Score is pure: it reads only its arguments.
package scorer

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// Config holds the thresholds applied by Score.
type Config struct {
	MinProfitPct     decimal.Decimal
	MaxTradeNotional decimal.Decimal
	TargetSize       decimal.Decimal
	Depth            int
	MinDepth         int
	MaxStaleness     time.Duration
	VolatilityWeight float64
	// FeeRates maps venue id to its taker fee rate.
	FeeRates map[string]decimal.Decimal
}

// Env carries the inputs to Score that are not part of the books.
type Env struct {
	Now      time.Time
	Variance float64
}

// Score evaluates both directions between a and b and returns the better
// opportunity. ok is false when neither direction clears the thresholds.
func Score(a, b domain.OrderBookSnapshot, cfg Config, env Env) (domain.Opportunity, bool) {
	if a.Symbol != b.Symbol || a.Venue == b.Venue {
		return domain.Opportunity{}, false
	}
	if stale(a, cfg, env.Now) || stale(b, cfg, env.Now) {
		return domain.Opportunity{}, false
	}
	if a.CheckLevels() != nil || b.CheckLevels() != nil {
		return domain.Opportunity{}, false
	}
	ab, okAB := direction(a, b, cfg, env)
	ba, okBA := direction(b, a, cfg, env)
	switch {
	case okAB && okBA:
		if Better(ba, ab) {
			return ba, true
		}
		return ab, true
	case okAB:
		return ab, true
	case okBA:
		return ba, true
	}
	return domain.Opportunity{}, false
}

// Best scores every venue pair among books for the same symbol.
func Best(books []domain.OrderBookSnapshot, cfg Config, env Env) (domain.Opportunity, bool) {
	var (
		best  domain.Opportunity
		found bool
	)
	for i := 0; i < len(books); i++ {
		for j := i + 1; j < len(books); j++ {
			opp, ok := Score(books[i], books[j], cfg, env)
			if !ok {
				continue
			}
			if !found || Better(opp, best) {
				best, found = opp, true
			}
		}
	}
	return best, found
}

// Better reports whether x ranks above y: higher score, then larger size,
// then lower combined fee rate.
func Better(x, y domain.Opportunity) bool {
	if x.Score != y.Score {
		return x.Score > y.Score
	}
	if c := x.Size.Cmp(y.Size); c != 0 {
		return c > 0
	}
	return x.BuyFeeRate.Add(x.SellFeeRate).LessThan(y.BuyFeeRate.Add(y.SellFeeRate))
}

func stale(s domain.OrderBookSnapshot, cfg Config, now time.Time) bool {
	if s.Timestamp.IsZero() {
		return true
	}
	return cfg.MaxStaleness > 0 && s.Age(now) > cfg.MaxStaleness
}

func levels(in []domain.PriceLevel, depth int) []domain.PriceLevel {
	if depth > 0 && len(in) > depth {
		return in[:depth]
	}
	return in
}

// direction scores buying on buy's asks and selling into sell's bids.
func direction(buy, sell domain.OrderBookSnapshot, cfg Config, env Env) (domain.Opportunity, bool) {
	asks := levels(buy.Asks, cfg.Depth)
	bids := levels(sell.Bids, cfg.Depth)
	if len(asks) == 0 || len(bids) == 0 || len(asks) < cfg.MinDepth || len(bids) < cfg.MinDepth {
		return domain.Opportunity{}, false
	}
	if !bids[0].Price.GreaterThan(asks[0].Price) {
		return domain.Opportunity{}, false
	}

	size := minDec(affordable(asks, cfg.MaxTradeNotional), totalSize(bids))
	if !size.IsPositive() {
		return domain.Opportunity{}, false
	}
	buyCost, buyWorst := walk(asks, size)
	sellProceeds, sellWorst := walk(bids, size)
	if !buyCost.IsPositive() {
		return domain.Opportunity{}, false
	}

	buyFeeRate := cfg.FeeRates[buy.Venue]
	sellFeeRate := cfg.FeeRates[sell.Venue]
	fees := buyCost.Mul(buyFeeRate).Add(sellProceeds.Mul(sellFeeRate))
	profit := sellProceeds.Sub(buyCost).Sub(fees)
	pct := profit.Div(buyCost)
	if pct.LessThan(cfg.MinProfitPct) || !profit.IsPositive() {
		return domain.Opportunity{}, false
	}

	liquidity := 1.0
	if cfg.TargetSize.IsPositive() && size.LessThan(cfg.TargetSize) {
		liquidity = size.Div(cfg.TargetSize).InexactFloat64()
	}
	penalty := 1 / (1 + math.Max(env.Variance, 0)*cfg.VolatilityWeight)

	bookTime := buy.Timestamp
	if sell.Timestamp.Before(bookTime) {
		bookTime = sell.Timestamp
	}
	return domain.Opportunity{
		Symbol:         buy.Symbol,
		BuyVenue:       buy.Venue,
		SellVenue:      sell.Venue,
		BuyPrice:       buyCost.Div(size),
		SellPrice:      sellProceeds.Div(size),
		BuyLimit:       buyWorst,
		SellLimit:      sellWorst,
		Size:           size,
		BuyFeeRate:     buyFeeRate,
		SellFeeRate:    sellFeeRate,
		Fees:           fees,
		ExpectedProfit: profit,
		ProfitPct:      pct,
		Score:          pct.InexactFloat64() * liquidity * penalty,
		BookTime:       bookTime,
		DetectedAt:     env.Now,
	}, true
}

// affordable is how much can be bought from asks without exceeding notional.
// A non-positive notional means no cap.
func affordable(asks []domain.PriceLevel, notional decimal.Decimal) decimal.Decimal {
	if !notional.IsPositive() {
		return totalSize(asks)
	}
	size, spent := decimal.Zero, decimal.Zero
	for _, lvl := range asks {
		if !lvl.Price.IsPositive() {
			break
		}
		cost := lvl.Price.Mul(lvl.Size)
		if spent.Add(cost).GreaterThan(notional) {
			return size.Add(notional.Sub(spent).Div(lvl.Price))
		}
		size = size.Add(lvl.Size)
		spent = spent.Add(cost)
	}
	return size
}

// walk consumes size from levels and returns the total notional and the
// worst price touched.
func walk(lvls []domain.PriceLevel, size decimal.Decimal) (notional, worst decimal.Decimal) {
	left := size
	for _, lvl := range lvls {
		if !left.IsPositive() {
			break
		}
		take := minDec(left, lvl.Size)
		notional = notional.Add(take.Mul(lvl.Price))
		worst = lvl.Price
		left = left.Sub(take)
	}
	return notional, worst
}

func totalSize(lvls []domain.PriceLevel) decimal.Decimal {
	total := decimal.Zero
	for _, lvl := range lvls {
		total = total.Add(lvl.Size)
	}
	return total
}

func minDec(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
