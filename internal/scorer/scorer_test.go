package scorer

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var now = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func book(venue string, bids, asks [][2]string) domain.OrderBookSnapshot {
	s := domain.OrderBookSnapshot{Venue: venue, Symbol: "BTC/USDT", Timestamp: now}
	for _, l := range bids {
		s.Bids = append(s.Bids, domain.PriceLevel{Price: d(l[0]), Size: d(l[1])})
	}
	for _, l := range asks {
		s.Asks = append(s.Asks, domain.PriceLevel{Price: d(l[0]), Size: d(l[1])})
	}
	return s
}

func testConfig() Config {
	return Config{
		MinProfitPct:     d("0.001"),
		MaxTradeNotional: d("1000"),
		TargetSize:       d("1"),
		Depth:            20,
		MinDepth:         1,
		MaxStaleness:     5 * time.Second,
		FeeRates:         map[string]decimal.Decimal{"a": d("0.001"), "b": d("0.001")},
	}
}

func TestScoreProfitAfterFees(t *testing.T) {
	a := book("a", [][2]string{{"99.5", "1"}}, [][2]string{{"100", "1"}})
	b := book("b", [][2]string{{"100.5", "1"}}, [][2]string{{"101", "1"}})

	cfg := testConfig()
	cfg.MinProfitPct = d("0.002")
	opp, ok := Score(a, b, cfg, Env{Now: now})
	require.True(t, ok)
	require.Equal(t, "a", opp.BuyVenue)
	require.Equal(t, "b", opp.SellVenue)
	require.True(t, opp.ExpectedProfit.Equal(d("0.2995")), opp.ExpectedProfit.String())
	require.True(t, opp.ProfitPct.Equal(d("0.002995")), opp.ProfitPct.String())
	require.True(t, opp.Size.Equal(d("1")))

	cfg.MinProfitPct = d("0.003")
	_, ok = Score(a, b, cfg, Env{Now: now})
	require.False(t, ok, "0.2995%% must not clear a 0.3%% threshold")
}

func TestScoreIsSymmetric(t *testing.T) {
	a := book("a", [][2]string{{"99.5", "1"}}, [][2]string{{"100", "1"}})
	b := book("b", [][2]string{{"100.5", "1"}}, [][2]string{{"101", "1"}})
	x, ok1 := Score(a, b, testConfig(), Env{Now: now})
	y, ok2 := Score(b, a, testConfig(), Env{Now: now})
	require.True(t, ok1 && ok2)
	require.Equal(t, x.Key(), y.Key())
	require.True(t, x.ExpectedProfit.Equal(y.ExpectedProfit))
	require.Equal(t, x.Score, y.Score)
}

func TestScoreRejectsStaleBook(t *testing.T) {
	a := book("a", nil, [][2]string{{"100", "1"}})
	b := book("b", [][2]string{{"102", "1"}}, nil)
	b.Timestamp = now.Add(-10 * time.Second)
	_, ok := Score(a, b, testConfig(), Env{Now: now})
	require.False(t, ok)
}

func TestScoreRejectsThinBook(t *testing.T) {
	a := book("a", nil, [][2]string{{"100", "1"}})
	b := book("b", [][2]string{{"102", "1"}}, nil)
	cfg := testConfig()
	cfg.MinDepth = 2
	_, ok := Score(a, b, cfg, Env{Now: now})
	require.False(t, ok)
}

func TestScoreWalksDepthForVWAP(t *testing.T) {
	a := book("a", nil, [][2]string{{"100", "1"}, {"101", "1"}})
	b := book("b", [][2]string{{"103", "2"}}, nil)
	opp, ok := Score(a, b, testConfig(), Env{Now: now})
	require.True(t, ok)
	require.True(t, opp.Size.Equal(d("2")))
	require.True(t, opp.BuyPrice.Equal(d("100.5")), opp.BuyPrice.String())
	require.True(t, opp.BuyLimit.Equal(d("101")))
	require.True(t, opp.SellLimit.Equal(d("103")))
}

func TestScoreCapsByNotional(t *testing.T) {
	a := book("a", nil, [][2]string{{"100", "10"}})
	b := book("b", [][2]string{{"103", "10"}}, nil)
	cfg := testConfig()
	cfg.MaxTradeNotional = d("250")
	opp, ok := Score(a, b, cfg, Env{Now: now})
	require.True(t, ok)
	require.True(t, opp.Size.Equal(d("2.5")), opp.Size.String())
}

func TestVolatilityPenalisesScore(t *testing.T) {
	a := book("a", nil, [][2]string{{"100", "1"}})
	b := book("b", [][2]string{{"102", "1"}}, nil)
	cfg := testConfig()
	cfg.VolatilityWeight = 1000
	calm, _ := Score(a, b, cfg, Env{Now: now})
	wild, _ := Score(a, b, cfg, Env{Now: now, Variance: 0.01})
	require.Greater(t, calm.Score, wild.Score)
}

func TestBetterTieBreak(t *testing.T) {
	x := domain.Opportunity{Score: 1, Size: d("2"), BuyFeeRate: d("0.001"), SellFeeRate: d("0.002"), Fees: d("0.1")}
	y := domain.Opportunity{Score: 1, Size: d("1"), BuyFeeRate: d("0.001"), SellFeeRate: d("0.001"), Fees: d("0.5")}
	require.True(t, Better(x, y))

	// Equal size: the lower combined rate wins even though its absolute
	// fees are higher.
	y.Size = d("2")
	require.False(t, Better(x, y))
	require.True(t, Better(y, x))
}

func TestScoreRejectsMalformedLevels(t *testing.T) {
	good := book("b", [][2]string{{"101", "1"}}, [][2]string{{"102", "1"}})
	for name, bad := range map[string]domain.OrderBookSnapshot{
		"zero priced ask":   book("a", [][2]string{{"99", "1"}}, [][2]string{{"0", "1"}}),
		"negative bid":      book("a", [][2]string{{"-1", "1"}}, [][2]string{{"100", "1"}}),
		"zero sized level":  book("a", [][2]string{{"99", "1"}}, [][2]string{{"100", "0"}, {"100.1", "1"}}),
		"asks out of order": book("a", [][2]string{{"99", "1"}}, [][2]string{{"100", "1"}, {"99.9", "1"}}),
	} {
		t.Run(name, func(t *testing.T) {
			require.NotPanics(t, func() {
				_, ok := Score(bad, good, testConfig(), Env{Now: now})
				require.False(t, ok)
			})
			_, ok := Best([]domain.OrderBookSnapshot{bad, good}, testConfig(), Env{Now: now})
			require.False(t, ok)
		})
	}
}

func TestAffordableStopsAtNonPositivePrice(t *testing.T) {
	asks := []domain.PriceLevel{{Price: d("100"), Size: d("1")}, {Price: decimal.Zero, Size: d("5")}}
	require.NotPanics(t, func() {
		require.True(t, affordable(asks, d("500")).Equal(d("1")))
	})
}

func TestBestPicksAcrossVenues(t *testing.T) {
	a := book("a", nil, [][2]string{{"100", "1"}})
	b := book("b", [][2]string{{"100.5", "1"}}, nil)
	c := book("c", [][2]string{{"102", "1"}}, nil)
	cfg := testConfig()
	cfg.FeeRates["c"] = d("0.001")
	opp, ok := Best([]domain.OrderBookSnapshot{a, b, c}, cfg, Env{Now: now})
	require.True(t, ok)
	require.Equal(t, "c", opp.SellVenue)
}

func TestVolatilityTracker(t *testing.T) {
	v := NewVolatilityTracker(time.Minute, 10)
	require.Zero(t, v.Variance("BTC/USDT"))
	for i, p := range []string{"100", "101", "99", "102"} {
		v.Observe("BTC/USDT", d(p), now.Add(time.Duration(i)*time.Second))
	}
	require.Greater(t, v.Variance("BTC/USDT"), 0.0)

	v.Observe("BTC/USDT", d("100"), now.Add(5*time.Minute))
	require.Zero(t, v.Variance("BTC/USDT"))
}
