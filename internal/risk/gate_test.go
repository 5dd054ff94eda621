package risk

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type staticBalances map[string]decimal.Decimal

func (b staticBalances) Available(venue, asset string) (decimal.Decimal, bool) {
	v, ok := b[venue+"/"+asset]
	return v, ok
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testConfig() Config {
	return Config{
		Pair:               Limits{ConsecutiveLosses: 3},
		LossWindow:         time.Hour,
		BaseCooldown:       10 * time.Minute,
		MaxCooldown:        time.Hour,
		CooldownMultiplier: 2,
		MaxOvershootScale:  4,
		HalfOpenMultiplier: d("0.25"),
		HalfOpenSuccesses:  2,
		MaxTradeNotional:   d("1000"),
		MinTradeNotional:   d("10"),
		OutcomeDedupTTL:    time.Hour,
	}
}

func richBalances() staticBalances {
	return staticBalances{
		"a/USDT": d("100000"), "a/BTC": d("100"),
		"b/USDT": d("100000"), "b/BTC": d("100"),
	}
}

func newTestGate(t *testing.T, cfg Config, bal Balances) (*Gate, *clock, *[]Transition) {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	var (
		mu  sync.Mutex
		got []Transition
	)
	g := NewGate(cfg, bal, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithClock(c.now),
		WithTransitionHook(func(tr Transition) {
			mu.Lock()
			got = append(got, tr)
			mu.Unlock()
		}),
	)
	return g, c, &got
}

var seq int

func outcome(pnl string) domain.Trade {
	seq++
	return domain.Trade{
		ID:          fmt.Sprintf("trade-%d", seq),
		Symbol:      "BTC/USDT",
		BuyVenue:    "a",
		SellVenue:   "b",
		Status:      domain.TradeSellFilled,
		RealizedPnL: d(pnl),
	}
}

func opportunity() domain.Opportunity {
	return domain.Opportunity{
		Symbol:    "BTC/USDT",
		BuyVenue:  "a",
		SellVenue: "b",
		BuyPrice:  d("100"),
		BuyLimit:  d("100"),
		Size:      d("1"),
	}
}

func TestBreakerTripsAfterExactlyThreeLosses(t *testing.T) {
	g, _, trs := newTestGate(t, testConfig(), richBalances())
	pair := domain.PairScope("BTC/USDT", "a", "b")

	require.True(t, g.RecordOutcome(outcome("-1")))
	require.True(t, g.RecordOutcome(outcome("-1")))
	require.True(t, g.Admit(opportunity()).Approved)

	require.True(t, g.RecordOutcome(outcome("-1")))
	st, ok := g.State(pair)
	require.True(t, ok)
	require.Equal(t, domain.BreakerOpen, st.Status)
	require.NotNil(t, st.CooldownUntil)

	dec := g.Admit(opportunity())
	require.False(t, dec.Approved)
	require.Equal(t, ReasonBreakerOpen, dec.Reason)
	require.Equal(t, pair, dec.Scope)
	require.Len(t, *trs, 1)
}

func TestProfitResetsConsecutiveLosses(t *testing.T) {
	g, _, _ := newTestGate(t, testConfig(), richBalances())
	g.RecordOutcome(outcome("-1"))
	g.RecordOutcome(outcome("-1"))
	g.RecordOutcome(outcome("0.5"))
	g.RecordOutcome(outcome("-1"))
	g.RecordOutcome(outcome("-1"))
	st, _ := g.State(domain.PairScope("BTC/USDT", "a", "b"))
	require.Equal(t, domain.BreakerClosed, st.Status)
	require.Equal(t, 2, st.ConsecutiveLosses)
}

func TestRecordOutcomeIsIdempotent(t *testing.T) {
	g, _, _ := newTestGate(t, testConfig(), richBalances())
	tr := outcome("-1")
	require.True(t, g.RecordOutcome(tr))
	require.False(t, g.RecordOutcome(tr))
	require.False(t, g.RecordOutcome(tr))
	st, _ := g.State(domain.PairScope("BTC/USDT", "a", "b"))
	require.Equal(t, 1, st.ConsecutiveLosses)
	require.True(t, st.WindowLoss.Equal(d("1")))
}

func TestNonTerminalOutcomeIgnored(t *testing.T) {
	g, _, _ := newTestGate(t, testConfig(), richBalances())
	tr := outcome("-1")
	tr.Status = domain.TradeSellPlaced
	require.False(t, g.RecordOutcome(tr))
}

func TestHalfOpenRecoveryAndRetrip(t *testing.T) {
	g, c, _ := newTestGate(t, testConfig(), richBalances())
	pair := domain.PairScope("BTC/USDT", "a", "b")
	for i := 0; i < 3; i++ {
		g.RecordOutcome(outcome("-1"))
	}

	c.advance(10*time.Minute + time.Second)
	dec := g.Admit(opportunity())
	require.True(t, dec.Approved)
	require.True(t, dec.Multiplier.Equal(d("0.25")))
	require.True(t, dec.Amount.Equal(d("0.25")), dec.Amount.String())

	// any loss while half-open re-opens with a doubled cooldown
	g.RecordOutcome(outcome("-1"))
	st, _ := g.State(pair)
	require.Equal(t, domain.BreakerOpen, st.Status)
	require.Equal(t, 2, st.Trips)
	require.Equal(t, c.now().Add(20*time.Minute), *st.CooldownUntil)

	c.advance(20*time.Minute + time.Second)
	st, _ = g.State(pair)
	require.Equal(t, domain.BreakerHalfOpen, st.Status)

	g.RecordOutcome(outcome("1"))
	st, _ = g.State(pair)
	require.Equal(t, domain.BreakerHalfOpen, st.Status)
	g.RecordOutcome(outcome("1"))
	st, _ = g.State(pair)
	require.Equal(t, domain.BreakerClosed, st.Status)
	require.True(t, st.SizeMultiplier.Equal(d("1")))
	require.Zero(t, st.Trips)
}

func TestWindowLossTripScalesCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.Pair = Limits{}
	cfg.Global = Limits{WindowLoss: d("100")}
	g, c, _ := newTestGate(t, cfg, richBalances())

	g.RecordOutcome(outcome("-60"))
	st, _ := g.State(domain.GlobalScope)
	require.Equal(t, domain.BreakerClosed, st.Status)

	g.RecordOutcome(outcome("-240"))
	st, _ = g.State(domain.GlobalScope)
	require.Equal(t, domain.BreakerOpen, st.Status)
	// 300/100 overshoot triples the base cooldown
	require.Equal(t, c.now().Add(30*time.Minute), *st.CooldownUntil)
}

func TestWindowLossExpires(t *testing.T) {
	cfg := testConfig()
	cfg.Pair = Limits{}
	cfg.Global = Limits{WindowLoss: d("100")}
	g, c, _ := newTestGate(t, cfg, richBalances())

	g.RecordOutcome(outcome("-80"))
	c.advance(2 * time.Hour)
	g.RecordOutcome(outcome("-80"))
	st, _ := g.State(domain.GlobalScope)
	require.Equal(t, domain.BreakerClosed, st.Status)
	require.True(t, st.WindowLoss.Equal(d("80")), st.WindowLoss.String())
}

func TestAdmitCapsByBalances(t *testing.T) {
	bal := staticBalances{"a/USDT": d("50.1"), "b/BTC": d("10")}
	g, _, _ := newTestGate(t, testConfig(), bal)
	opp := opportunity()
	opp.BuyFeeRate = d("0.002")
	dec := g.Admit(opp)
	require.True(t, dec.Approved)
	// 50.1 / (100 * 1.002)
	require.True(t, dec.Amount.Equal(d("0.5")), dec.Amount.String())

	bal["b/BTC"] = d("0.05")
	dec = g.Admit(opp)
	require.False(t, dec.Approved)
	require.Equal(t, ReasonInsufficientLiquidity, dec.Reason)
	var le *domain.InsufficientLiquidityError
	require.ErrorAs(t, dec.Err, &le)
}

func TestAdmitRejectsUnknownBalance(t *testing.T) {
	g, _, _ := newTestGate(t, testConfig(), staticBalances{})
	dec := g.Admit(opportunity())
	require.False(t, dec.Approved)
	require.Equal(t, ReasonInsufficientLiquidity, dec.Reason)
}

func TestDailyTradeLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDailyTrades = 2
	g, c, _ := newTestGate(t, cfg, richBalances())
	require.True(t, g.Admit(opportunity()).Approved)
	require.True(t, g.Admit(opportunity()).Approved)
	dec := g.Admit(opportunity())
	require.Equal(t, ReasonDailyTradeLimit, dec.Reason)

	c.advance(24 * time.Hour)
	require.True(t, g.Admit(opportunity()).Approved)
}

func TestManualTripAndReset(t *testing.T) {
	g, _, trs := newTestGate(t, testConfig(), richBalances())
	require.ErrorIs(t, g.ForceTrip("nonsense", "x"), domain.ErrUnknownScope)

	require.NoError(t, g.ForceTrip(domain.VenueScope("a"), "maintenance"))
	dec := g.Admit(opportunity())
	require.Equal(t, domain.VenueScope("a"), dec.Scope)

	require.NoError(t, g.ForceReset(domain.VenueScope("a"), "done"))
	require.True(t, g.Admit(opportunity()).Approved)
	require.Len(t, *trs, 2)
}

func TestTripVenueOpensOnce(t *testing.T) {
	g, _, trs := newTestGate(t, testConfig(), richBalances())
	g.TripVenue("b", "balance drift")
	g.TripVenue("b", "balance drift")
	st, ok := g.State(domain.VenueScope("b"))
	require.True(t, ok)
	require.Equal(t, domain.BreakerOpen, st.Status)
	require.Len(t, *trs, 1)
}

func TestRestore(t *testing.T) {
	g, c, _ := newTestGate(t, testConfig(), richBalances())
	until := c.now().Add(time.Minute)
	g.Restore([]domain.BreakerState{{
		Scope:         domain.GlobalScope,
		Status:        domain.BreakerOpen,
		CooldownUntil: &until,
		Trips:         1,
	}})
	require.False(t, g.Admit(opportunity()).Approved)
	require.Len(t, g.Snapshot(), 1)
}

func TestConcurrentAdmitAndRecord(t *testing.T) {
	g, _, _ := newTestGate(t, testConfig(), richBalances())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		tr := outcome("0.1")
		go func() {
			defer wg.Done()
			g.Admit(opportunity())
		}()
		go func() {
			defer wg.Done()
			g.RecordOutcome(tr)
		}()
	}
	wg.Wait()
	st, _ := g.State(domain.GlobalScope)
	require.Equal(t, domain.BreakerClosed, st.Status)
}

func TestAdmitChecksGlobalScopeFirst(t *testing.T) {
	g, _, _ := newTestGate(t, testConfig(), richBalances())
	require.NoError(t, g.ForceTrip(domain.PairScope("BTC/USDT", "a", "b"), "x"))
	require.NoError(t, g.ForceTrip(domain.VenueScope("b"), "x"))
	require.NoError(t, g.ForceTrip(domain.VenueScope("a"), "x"))
	require.NoError(t, g.ForceTrip(domain.GlobalScope, "x"))

	want := []string{
		domain.GlobalScope,
		domain.VenueScope("a"),
		domain.VenueScope("b"),
		domain.PairScope("BTC/USDT", "a", "b"),
	}
	for _, scope := range want {
		dec := g.Admit(opportunity())
		require.False(t, dec.Approved)
		require.Equal(t, ReasonBreakerOpen, dec.Reason)
		require.Equal(t, scope, dec.Scope)
		require.NoError(t, g.ForceReset(scope, "next"))
	}
	require.True(t, g.Admit(opportunity()).Approved)
}

func TestAdmitRejectsImplausibleOpportunities(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPriceDeviation = d("0.05")
	cfg.MaxProfitPct = d("0.02")
	g, _, _ := newTestGate(t, cfg, richBalances())
	pair := domain.PairScope("BTC/USDT", "a", "b")

	opp := opportunity()
	opp.SellPrice = d("101")
	opp.ProfitPct = d("0.008")
	require.True(t, g.Admit(opp).Approved)

	opp.SellPrice = d("120")
	opp.ProfitPct = d("0.01")
	dec := g.Admit(opp)
	require.False(t, dec.Approved)
	require.Equal(t, ReasonPriceDeviation, dec.Reason)
	require.Equal(t, pair, dec.Scope)
	require.ErrorContains(t, dec.Err, "price deviation")

	opp.SellPrice = d("103")
	opp.ProfitPct = d("0.025")
	dec = g.Admit(opp)
	require.False(t, dec.Approved)
	require.Equal(t, ReasonSpreadAnomaly, dec.Reason)

	opp.BuyPrice = decimal.Zero
	opp.SellPrice = decimal.Zero
	dec = g.Admit(opp)
	require.Equal(t, ReasonPriceDeviation, dec.Reason)
}

func TestVenueErrorLimitTripsVenue(t *testing.T) {
	cfg := testConfig()
	cfg.VenueErrorLimit = 3
	cfg.VenueErrorWindow = time.Minute
	g, c, trs := newTestGate(t, cfg, richBalances())
	boom := domain.Transient("a", "order_status", "503")

	require.False(t, g.RecordVenueError("a", boom))
	require.False(t, g.RecordVenueError("a", boom))
	c.advance(2 * time.Minute)
	require.False(t, g.RecordVenueError("a", boom), "old errors leave the window")
	require.False(t, g.RecordVenueError("a", boom))
	require.False(t, g.RecordVenueError("b", boom), "venues are counted separately")
	require.True(t, g.RecordVenueError("a", boom))

	st, ok := g.State(domain.VenueScope("a"))
	require.True(t, ok)
	require.Equal(t, domain.BreakerOpen, st.Status)
	require.Contains(t, st.Reason, "api errors")
	require.Len(t, *trs, 1)

	dec := g.Admit(opportunity())
	require.Equal(t, domain.VenueScope("a"), dec.Scope)
}

func TestVenueErrorLimitDisabled(t *testing.T) {
	g, _, _ := newTestGate(t, testConfig(), richBalances())
	for range 100 {
		require.False(t, g.RecordVenueError("a", nil))
	}
	_, ok := g.State(domain.VenueScope("a"))
	require.False(t, ok)
}

func TestOutcomeDedupSweepsExpiredIDs(t *testing.T) {
	g, c, _ := newTestGate(t, testConfig(), richBalances())
	first := outcome("1")
	require.True(t, g.RecordOutcome(first))
	require.False(t, g.RecordOutcome(first))

	c.advance(2 * time.Hour)
	require.True(t, g.RecordOutcome(first), "expired ids are forgotten")

	for range seenSweepEvery {
		require.True(t, g.RecordOutcome(outcome("1")))
	}
	c.advance(2 * time.Hour)
	for range seenSweepEvery {
		require.True(t, g.RecordOutcome(outcome("1")))
	}
	g.seenMu.Lock()
	n := len(g.seen)
	g.seenMu.Unlock()
	require.LessOrEqual(t, n, seenSweepEvery)
}
