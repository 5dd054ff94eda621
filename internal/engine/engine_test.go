package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/crossarb/internal/domain"
	"github.com/alanyoungcy/crossarb/internal/executor"
	"github.com/alanyoungcy/crossarb/internal/retry"
	"github.com/alanyoungcy/crossarb/internal/venue/paper"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

const symbol = "BTC/USDT"

type staticBooks struct {
	mu    sync.Mutex
	books map[string]domain.OrderBookSnapshot
}

func (s *staticBooks) set(b domain.OrderBookSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[b.Venue] = b
}

func (s *staticBooks) Books(sym string) []domain.OrderBookSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OrderBookSnapshot
	for _, b := range s.books {
		if b.Symbol == sym {
			b.Timestamp = time.Now()
			out = append(out, b)
		}
	}
	return out
}

type recordingSink struct {
	mu       sync.Mutex
	trades   []domain.Trade
	breakers []domain.BreakerState
}

func (s *recordingSink) SaveTrade(t domain.Trade) {
	s.mu.Lock()
	s.trades = append(s.trades, t)
	s.mu.Unlock()
}

func (s *recordingSink) SaveBreaker(b domain.BreakerState) {
	s.mu.Lock()
	s.breakers = append(s.breakers, b)
	s.mu.Unlock()
}

func (s *recordingSink) last() domain.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trades[len(s.trades)-1]
}

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (r *recordingAlerts) Alert(_ context.Context, a domain.Alert) {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
}

func (r *recordingAlerts) titled(title string) []domain.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Alert
	for _, a := range r.alerts {
		if a.Title == title {
			out = append(out, a)
		}
	}
	return out
}

type recordingAudit struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingAudit) Log(_ context.Context, event string, _ map[string]any) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *recordingAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type countingRecorder struct {
	nopRecorder
	mu      sync.Mutex
	results map[string]int
}

func (c *countingRecorder) Opportunity(result string) {
	c.mu.Lock()
	c.results[result]++
	c.mu.Unlock()
}

func (c *countingRecorder) count(result string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[result]
}

// flakyUnwinds rejects the first unwind placement on the wrapped venue.
type flakyUnwinds struct {
	*paper.Venue
	rejected atomic.Bool
}

func (f *flakyUnwinds) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderHandle, error) {
	if strings.Contains(req.ClientID, "-unwind-") && f.rejected.CompareAndSwap(false, true) {
		return domain.OrderHandle{}, domain.Persistent(f.ID(), "place_order", "venue halted")
	}
	return f.Venue.PlaceOrder(ctx, req)
}

type fixture struct {
	eng    *Engine
	a, b   *paper.Venue
	books  *staticBooks
	sink   *recordingSink
	alerts *recordingAlerts
	audit  *recordingAudit
	rec    *countingRecorder
}

func testConfig() Config {
	fees := map[string]decimal.Decimal{"a": d("0.001"), "b": d("0.001")}
	cfg := DefaultConfig()
	cfg.Pairs = []Pair{{Symbol: symbol, Venues: []string{"a", "b"}}}
	cfg.ScanInterval = time.Hour
	cfg.RouteCooldown = time.Hour
	cfg.ShutdownGrace = 5 * time.Second
	cfg.Scorer.FeeRates = fees
	cfg.Scorer.MaxStaleness = time.Minute
	cfg.Executor = executor.Config{
		CallTimeout:       200 * time.Millisecond,
		FillTimeout:       50 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		CleanupTimeout:    2 * time.Second,
		OrderType:         domain.OrderTypeLimit,
		AggressivenessBps: decimal.Zero,
		UnwindOrderType:   domain.OrderTypeMarket,
		UnwindSlippageBps: d("50"),
		StrandedHaircut:   d("0.01"),
		FeeRates:          fees,
	}
	cfg.Retry = retry.Config{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	cfg.Reconcile.Interval = time.Hour
	cfg.Reconcile.CallTimeout = time.Second
	return cfg
}

func newFixture(t *testing.T, cfg Config, wrapA func(*paper.Venue) domain.Venue) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fee := paper.WithFeeRate(d("0.001"))
	a := paper.New("a", fee, paper.WithBalances(map[string]decimal.Decimal{"USDT": d("10000"), "BTC": d("0")}))
	b := paper.New("b", fee, paper.WithBalances(map[string]decimal.Decimal{"USDT": d("0"), "BTC": d("10")}))
	a.SetBook(domain.OrderBookSnapshot{
		Symbol: symbol,
		Bids:   []domain.PriceLevel{{Price: d("99.5"), Size: d("10")}},
		Asks:   []domain.PriceLevel{{Price: d("100"), Size: d("10")}},
	})

	books := &staticBooks{books: make(map[string]domain.OrderBookSnapshot)}
	books.set(domain.OrderBookSnapshot{
		Venue:  "a",
		Symbol: symbol,
		Bids:   []domain.PriceLevel{{Price: d("99.5"), Size: d("10")}},
		Asks:   []domain.PriceLevel{{Price: d("100"), Size: d("10")}},
	})
	books.set(domain.OrderBookSnapshot{
		Venue:  "b",
		Symbol: symbol,
		Bids:   []domain.PriceLevel{{Price: d("101"), Size: d("10")}},
		Asks:   []domain.PriceLevel{{Price: d("101.5"), Size: d("10")}},
	})

	var va domain.Venue = a
	if wrapA != nil {
		va = wrapA(a)
	}
	f := &fixture{
		a:      a,
		b:      b,
		books:  books,
		sink:   &recordingSink{},
		alerts: &recordingAlerts{},
		audit:  &recordingAudit{},
		rec:    &countingRecorder{results: make(map[string]int)},
	}
	var seq atomic.Int64
	eng, err := New(cfg, Deps{
		Venues:   map[string]domain.Venue{"a": va, "b": b},
		Books:    books,
		Sink:     f.sink,
		Alerts:   f.alerts,
		Audit:    f.audit,
		Recorder: f.rec,
	}, logger, WithIDGenerator(func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }))
	require.NoError(t, err)
	f.eng = eng
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })
	return f
}

func TestNew_RejectsUnknownVenue(t *testing.T) {
	cfg := testConfig()
	cfg.Pairs = []Pair{{Symbol: symbol, Venues: []string{"a", "zzz"}}}
	_, err := New(cfg, Deps{
		Venues: map[string]domain.Venue{"a": paper.New("a")},
		Books:  &staticBooks{books: map[string]domain.OrderBookSnapshot{}},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.ErrorIs(t, err, domain.ErrUnknownVenue)
}

func TestScan_ExecutesProfitableTrade(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	f.eng.Scan(ctx)
	require.Eventually(t, func() bool { return f.eng.Stats().Executed == 1 }, 2*time.Second, 5*time.Millisecond)

	st := f.eng.Stats()
	require.Equal(t, 1, st.Successful)
	require.True(t, st.NetPnL.Equal(d("0.799")), "net pnl %s", st.NetPnL)
	require.Equal(t, 1.0, st.SuccessRate)
	require.Zero(t, f.eng.InFlightCount())

	recent := f.eng.RecentTrades(10)
	require.Len(t, recent, 1)
	require.Equal(t, domain.TradeSellFilled, recent[0].Status)
	require.Equal(t, domain.TradeSellFilled, f.sink.last().Status)
	require.Equal(t, 1, f.rec.count(ResultAdmitted))

	f.eng.Scan(ctx)
	require.Equal(t, 1, f.rec.count(ResultRouteCooldown))
}

func TestScan_ExecutionDisabled(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	f.eng.DisableExecution(ctx, "ops")
	require.False(t, f.eng.ExecutionEnabled())
	f.eng.Scan(ctx)
	require.Equal(t, 1, f.rec.count(ResultDetected))
	require.Equal(t, 1, f.rec.count(ResultExecutionOff))
	require.Zero(t, f.a.OrderCount())

	f.eng.EnableExecution(ctx, "ops")
	require.Equal(t, []string{auditExecutionDisabled, auditExecutionEnabled}, f.audit.events)
}

func TestScan_RespectsMaxConcurrentTrades(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentTrades = 1
	cfg.RouteCooldown = 0
	cfg.ShutdownGrace = 20 * time.Millisecond
	cfg.Executor.FillTimeout = 10 * time.Second
	f := newFixture(t, cfg, nil)
	f.a.SetFillRatio(decimal.Zero)
	ctx := context.Background()

	f.eng.Scan(ctx)
	require.Eventually(t, func() bool {
		in := f.eng.InFlight()
		return len(in) == 1 && in[0].Status == domain.TradeBuyPlaced
	}, 2*time.Second, 5*time.Millisecond)

	f.eng.Scan(ctx)
	require.Equal(t, 1, f.rec.count(ResultAtCapacity))

	require.NoError(t, f.eng.Stop(ctx))
	require.False(t, f.eng.Running())
	st := f.eng.Stats()
	require.Equal(t, 1, st.Cancelled)
	require.Zero(t, st.InFlight)

	open, err := f.a.OpenOrders(ctx, symbol)
	require.NoError(t, err)
	require.Empty(t, open, "shutdown cancels resting orders")
}

func TestForceTripAndReset(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, f.eng.ForceTrip(ctx, domain.GlobalScope, "maintenance", "ops"))
	st, ok := f.eng.Breaker(domain.GlobalScope)
	require.True(t, ok)
	require.Equal(t, domain.BreakerOpen, st.Status)

	opens := f.alerts.titled("Circuit breaker open")
	require.Len(t, opens, 1)
	require.Equal(t, domain.SeverityCritical, opens[0].Severity)

	f.eng.Scan(ctx)
	require.Equal(t, 1, f.rec.count(ResultRejectedPrefix+"breaker_open"))
	require.Zero(t, f.a.OrderCount())

	require.NoError(t, f.eng.ForceReset(ctx, domain.GlobalScope, "done", "ops"))
	st, _ = f.eng.Breaker(domain.GlobalScope)
	require.Equal(t, domain.BreakerClosed, st.Status)
	require.Equal(t, []string{auditBreakerForceTrip, auditBreakerForceReset}, f.audit.events)

	require.ErrorIs(t, f.eng.ForceTrip(ctx, "bogus", "x", "ops"), domain.ErrUnknownScope)

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	require.NotEmpty(t, f.sink.breakers)
}

func TestSuspendedTradeResumesAfterReconciliation(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()
	f.a.SetFillRatio(decimal.Zero)
	f.a.Fail(paper.OpStatus, domain.Persistent("a", "order_status", "internal error"))

	f.eng.Scan(ctx)
	rec := f.eng.Reconciler()
	require.Eventually(t, func() bool { return rec.SuspendedCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, f.eng.InFlightCount())
	require.Len(t, f.alerts.titled("Trade suspended"), 1)

	open, err := f.a.OpenOrders(ctx, symbol)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.NoError(t, f.a.Fill(open[0].OrderID, d("1")))

	rep := rec.RunOnce(ctx)
	require.Equal(t, 1, rep.Resumed)
	require.Eventually(t, func() bool { return f.eng.Stats().Successful == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, rec.SuspendedCount())
}

func TestStrandedTradeIsUnwoundByReconciler(t *testing.T) {
	var wrapped *flakyUnwinds
	f := newFixture(t, testConfig(), func(v *paper.Venue) domain.Venue {
		wrapped = &flakyUnwinds{Venue: v}
		return wrapped
	})
	ctx := context.Background()
	f.b.Fail(paper.OpPlace, domain.Persistent("b", "place_order", "market closed"))

	f.eng.Scan(ctx)
	require.Eventually(t, func() bool { return f.eng.Stats().Failed == 1 }, 2*time.Second, 5*time.Millisecond)

	stranded := f.eng.Stranded()
	require.Len(t, stranded, 1)
	require.True(t, stranded[0].StrandedAmount.Equal(d("1")))
	require.True(t, f.eng.Stats().NetPnL.Equal(d("-1.1")), "marked at haircut, got %s", f.eng.Stats().NetPnL)
	require.Len(t, f.alerts.titled("Stranded inventory"), 1)

	rep := f.eng.Reconciler().RunOnce(ctx)
	require.Equal(t, 1, rep.Unwound)
	require.Empty(t, f.eng.Stranded())

	last := f.sink.last()
	require.False(t, last.Stranded)
	require.True(t, last.RealizedPnL.Equal(d("-0.6995")), "pnl %s", last.RealizedPnL)
	require.True(t, f.eng.Stats().NetPnL.Equal(d("-0.6995")))
	require.True(t, wrapped.rejected.Load())
}

func TestReconfigure(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	cfg := f.eng.Config()
	cfg.Scorer.MinProfitPct = d("0.5")
	require.NoError(t, f.eng.Reconfigure(ctx, cfg, "ops"))
	f.eng.Scan(ctx)
	require.Zero(t, f.rec.count(ResultDetected))

	cfg.MaxConcurrentTrades++
	require.Error(t, f.eng.Reconfigure(ctx, cfg, "ops"))
	require.Equal(t, []string{auditReconfigure}, f.audit.events)
}

func TestStop_NotRunning(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	require.NoError(t, f.eng.Stop(context.Background()))
	require.ErrorIs(t, f.eng.Stop(context.Background()), domain.ErrEngineStopped)
}

func TestScan_WorkedScenario(t *testing.T) {
	cfg := testConfig()
	cfg.Scorer.MinProfitPct = d("0.0015")
	f := newFixture(t, cfg, nil)
	ctx := context.Background()
	f.books.set(domain.OrderBookSnapshot{
		Venue:  "b",
		Symbol: symbol,
		Bids:   []domain.PriceLevel{{Price: d("100.50"), Size: d("10")}},
		Asks:   []domain.PriceLevel{{Price: d("101"), Size: d("10")}},
	})

	f.eng.Scan(ctx)
	require.Equal(t, 1, f.rec.count(ResultAdmitted))
	require.Eventually(t, func() bool { return f.eng.Stats().Executed == 1 }, 2*time.Second, 5*time.Millisecond)

	tr := f.sink.last()
	require.Equal(t, domain.TradeSellFilled, tr.Status)
	require.True(t, tr.Amount.Equal(d("1")), "amount %s", tr.Amount)
	require.True(t, tr.Opportunity.ProfitPct.Equal(d("0.002995")), "profit pct %s", tr.Opportunity.ProfitPct)
	require.True(t, tr.RealizedPnL.Equal(d("0.2995")), "pnl %s", tr.RealizedPnL)
	require.True(t, f.eng.Stats().NetPnL.Equal(d("0.2995")))

	for _, scope := range domain.TradeScopes(symbol, "a", "b") {
		st, ok := f.eng.Breaker(scope)
		require.True(t, ok, scope)
		require.Equal(t, domain.BreakerClosed, st.Status, scope)
		require.Zero(t, st.ConsecutiveLosses, scope)
	}
}

func TestStop_CancelsSuspendedTrade(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()
	f.a.SetFillRatio(decimal.Zero)
	f.a.Fail(paper.OpStatus, domain.Persistent("a", "order_status", "internal error"))

	f.eng.Scan(ctx)
	require.Eventually(t, func() bool { return f.eng.Reconciler().SuspendedCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.eng.Stop(ctx))
	open, err := f.a.OpenOrders(ctx, symbol)
	require.NoError(t, err)
	require.Empty(t, open)

	st := f.eng.Stats()
	require.Equal(t, 1, st.Cancelled)
	require.Zero(t, st.Suspended)
	require.Equal(t, domain.TradeCancelled, f.sink.last().Status)
}

func TestStop_KeepsUnresolvedSuspendedTrade(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()
	f.a.SetFillRatio(decimal.Zero)
	fault := domain.Persistent("a", "order_status", "internal error")
	f.a.Fail(paper.OpStatus, fault, fault)

	f.eng.Scan(ctx)
	require.Eventually(t, func() bool { return f.eng.Reconciler().SuspendedCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.eng.Stop(ctx))
	require.Equal(t, 1, f.eng.Stats().Suspended)
	last := f.sink.last()
	require.Equal(t, domain.TradeBuyPlaced, last.Status)
	require.NotEmpty(t, last.Buy.OrderID)
}

func TestRestoreTrades(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()
	now := time.Now()
	opp := domain.Opportunity{
		Symbol: symbol, BuyVenue: "a", SellVenue: "b",
		BuyPrice: d("100"), SellPrice: d("101"), BuyLimit: d("100"), SellLimit: d("101"),
	}

	f.a.SetFillRatio(decimal.Zero)
	h, err := f.a.PlaceOrder(ctx, domain.OrderRequest{
		ClientID: "open-1", Symbol: symbol, Side: domain.OrderSideBuy,
		Type: domain.OrderTypeLimit, Amount: d("1"), Price: d("100"),
	})
	require.NoError(t, err)
	open := domain.NewTrade("open-1", opp, d("1"), d("1"), now)
	require.NoError(t, open.Transition(domain.TradeBuyPlaced, now, "order "+h.OrderID()))
	open.Buy.Type, open.Buy.Amount, open.Buy.Price, open.Buy.OrderID = domain.OrderTypeLimit, d("1"), d("100"), h.OrderID()
	require.NoError(t, f.a.Fill(h.OrderID(), d("1")))

	stranded := domain.NewTrade("stranded-1", opp, d("1"), d("1"), now)
	stranded.Status = domain.TradeFailed
	stranded.Buy.Filled, stranded.Buy.FillPrice = d("1"), d("100")
	stranded.Stranded, stranded.StrandedAmount = true, d("1")
	f.a.SetBalance("BTC", d("2"))

	done := domain.NewTrade("done-1", opp, d("1"), d("1"), now)
	done.Status = domain.TradeSellFilled

	f.eng.RestoreTrades(ctx, []domain.Trade{*open, *stranded, *done})
	require.Equal(t, 1, f.eng.Reconciler().SuspendedCount())
	require.Len(t, f.eng.Stranded(), 1)

	rep := f.eng.Reconciler().RunOnce(ctx)
	require.Equal(t, 1, rep.Resumed)
	require.Equal(t, 1, rep.Unwound)
	require.Eventually(t, func() bool { return f.eng.Stats().Successful == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Empty(t, f.eng.Stranded())
	require.Zero(t, f.eng.Reconciler().SuspendedCount())
}

func TestVenueErrorsTripVenue(t *testing.T) {
	cfg := testConfig()
	cfg.Risk.VenueErrorLimit = 1
	cfg.Risk.VenueErrorWindow = time.Hour
	f := newFixture(t, cfg, nil)
	ctx := context.Background()
	f.b.Fail(paper.OpPlace, domain.Persistent("b", "place_order", "market closed"))

	f.eng.Scan(ctx)
	require.Eventually(t, func() bool {
		st, ok := f.eng.Breaker(domain.VenueScope("b"))
		return ok && st.Status == domain.BreakerOpen
	}, 2*time.Second, 5*time.Millisecond)
	if st, ok := f.eng.Breaker(domain.VenueScope("a")); ok {
		require.NotEqual(t, domain.BreakerOpen, st.Status)
	}
}

func TestStrandedReadsDuringReconciliation(t *testing.T) {
	f := newFixture(t, testConfig(), func(v *paper.Venue) domain.Venue {
		return &flakyUnwinds{Venue: v}
	})
	ctx := context.Background()
	f.b.Fail(paper.OpPlace, domain.Persistent("b", "place_order", "market closed"))

	f.eng.Scan(ctx)
	require.Eventually(t, func() bool { return len(f.eng.Stranded()) == 1 }, 2*time.Second, 5*time.Millisecond)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, tr := range f.eng.Stranded() {
				_ = tr.Inventory()
				_ = len(tr.Unwinds)
			}
			_ = f.eng.Stats()
		}
	}()
	for i := 0; i < 3; i++ {
		f.eng.Reconciler().RunOnce(ctx)
	}
	close(stop)
	wg.Wait()
	require.Empty(t, f.eng.Stranded())
}
