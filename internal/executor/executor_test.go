package executor

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/crossarb/internal/account"
	"github.com/alanyoungcy/crossarb/internal/domain"
	"github.com/alanyoungcy/crossarb/internal/retry"
	"github.com/alanyoungcy/crossarb/internal/venue/paper"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	exec   *Executor
	a, b   *paper.Venue
	ledger *account.Ledger
}

// failingUnwinds rejects every unwind placement on the wrapped venue.
type failingUnwinds struct {
	*paper.Venue
}

func (f failingUnwinds) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderHandle, error) {
	if strings.Contains(req.ClientID, "-unwind-") {
		return domain.OrderHandle{}, domain.Persistent(f.ID(), "place_order", "venue halted")
	}
	return f.Venue.PlaceOrder(ctx, req)
}

func newHarness(t *testing.T, wrapA func(*paper.Venue) domain.Venue) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fee := paper.WithFeeRate(d("0.001"))
	a := paper.New("a", fee, paper.WithBalances(map[string]decimal.Decimal{"USDT": d("10000")}))
	b := paper.New("b", fee, paper.WithBalances(map[string]decimal.Decimal{"BTC": d("10")}))
	a.SetBook(domain.OrderBookSnapshot{
		Symbol: "BTC/USDT",
		Bids:   []domain.PriceLevel{{Price: d("99.5"), Size: d("10")}},
		Asks:   []domain.PriceLevel{{Price: d("100"), Size: d("10")}},
	})

	ledger := account.NewLedger()
	ledger.Seed("a", "USDT", d("10000"))
	ledger.Seed("a", "BTC", d("0"))
	ledger.Seed("b", "BTC", d("10"))
	ledger.Seed("b", "USDT", d("0"))

	gov := retry.New(retry.Config{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, logger)
	cfg := Config{
		CallTimeout:       200 * time.Millisecond,
		FillTimeout:       50 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		CleanupTimeout:    2 * time.Second,
		OrderType:         domain.OrderTypeLimit,
		AggressivenessBps: decimal.Zero,
		UnwindOrderType:   domain.OrderTypeMarket,
		UnwindSlippageBps: d("50"),
		StrandedHaircut:   d("0.01"),
		FeeRates:          map[string]decimal.Decimal{"a": d("0.001"), "b": d("0.001")},
	}
	var va domain.Venue = a
	if wrapA != nil {
		va = wrapA(a)
	}
	exec := New(map[string]domain.Venue{"a": va, "b": b}, ledger, gov, cfg, logger)
	return &harness{exec: exec, a: a, b: b, ledger: ledger}
}

func newTrade(id string) *domain.Trade {
	opp := domain.Opportunity{
		Symbol: "BTC/USDT", BuyVenue: "a", SellVenue: "b",
		BuyPrice: d("100"), BuyLimit: d("100"),
		SellPrice: d("101"), SellLimit: d("101"),
		Size: d("1"),
	}
	return domain.NewTrade(id, opp, d("1"), d("1"), time.Now())
}

func statuses(t *domain.Trade) []domain.TradeStatus {
	var out []domain.TradeStatus
	for _, ev := range t.History {
		if ev.From != ev.To {
			out = append(out, ev.To)
		}
	}
	return out
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t, nil)
	tr := newTrade("t-happy")
	require.NoError(t, h.exec.Run(context.Background(), tr))

	require.Equal(t, domain.TradeSellFilled, tr.Status)
	require.Equal(t, []domain.TradeStatus{
		domain.TradePending, domain.TradeBuyPlaced, domain.TradeBuyFilled,
		domain.TradeSellPlaced, domain.TradeSellFilled,
	}, statuses(tr))
	require.True(t, tr.RealizedPnL.Equal(d("0.799")), tr.RealizedPnL.String())
	require.False(t, tr.Stranded)

	usdt, _ := h.ledger.Available("a", "USDT")
	require.True(t, usdt.Equal(d("9899.9")), usdt.String())
	btc, _ := h.ledger.Available("b", "BTC")
	require.True(t, btc.Equal(d("9")), btc.String())
	proceeds, _ := h.ledger.Available("b", "USDT")
	require.True(t, proceeds.Equal(d("100.899")), proceeds.String())
}

func TestMalformedBuyResponseFails(t *testing.T) {
	h := newHarness(t, nil)
	h.a.Fail(paper.OpPlace, &domain.MalformedResponseError{Venue: "a", Op: "place_order", Reason: "missing order id"})
	tr := newTrade("t-malformed")
	require.NoError(t, h.exec.Run(context.Background(), tr))

	require.Equal(t, domain.TradeFailed, tr.Status)
	require.Equal(t, domain.ClassPersistent, tr.ErrorClass)
	require.Zero(t, h.b.OrderCount())
	require.True(t, tr.RealizedPnL.IsZero())

	usdt, _ := h.ledger.Available("a", "USDT")
	require.True(t, usdt.Equal(d("10000")), "holds must be released")
}

func TestPartialBuySizesSellToFill(t *testing.T) {
	h := newHarness(t, nil)
	h.a.SetFillRatio(d("0.4"))
	tr := newTrade("t-partial")
	require.NoError(t, h.exec.Run(context.Background(), tr))

	require.Equal(t, domain.TradeSellFilled, tr.Status)
	require.Contains(t, statuses(tr), domain.TradeBuyPartiallyFilled)
	require.True(t, tr.Buy.Filled.Equal(d("0.4")))
	require.True(t, tr.Sell.Amount.Equal(d("0.4")), tr.Sell.Amount.String())
	require.True(t, tr.Sell.Filled.Equal(d("0.4")))
}

func TestTimedOutPlacementThatLandedIsNotDuplicated(t *testing.T) {
	h := newHarness(t, nil)
	h.a.FailAfterLanding(domain.Transient("a", "place_order", "timeout", domain.WithCode(domain.CodeTimeout)))
	tr := newTrade("t-landed")
	require.NoError(t, h.exec.Run(context.Background(), tr))

	require.Equal(t, domain.TradeSellFilled, tr.Status)
	require.Equal(t, 1, h.a.OrderCount())
}

func TestTimedOutPlacementThatNeverLandedIsRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.a.Fail(paper.OpPlace, domain.Transient("a", "place_order", "timeout", domain.WithCode(domain.CodeTimeout)))
	tr := newTrade("t-retried")
	require.NoError(t, h.exec.Run(context.Background(), tr))

	require.Equal(t, domain.TradeSellFilled, tr.Status)
	require.Equal(t, 1, h.a.OrderCount())
}

func TestSellFailureUnwinds(t *testing.T) {
	h := newHarness(t, nil)
	h.b.Fail(paper.OpPlace, domain.Persistent("b", "place_order", "market closed"))
	tr := newTrade("t-unwind")
	require.NoError(t, h.exec.Run(context.Background(), tr))

	require.Equal(t, domain.TradeFailed, tr.Status)
	require.Len(t, tr.Unwinds, 1)
	require.Equal(t, domain.OrderStateFilled, tr.Unwinds[0].State)
	require.False(t, tr.Stranded)
	require.True(t, tr.RealizedPnL.Equal(d("-0.6995")), tr.RealizedPnL.String())
	require.Equal(t, domain.ClassPersistent, tr.ErrorClass)
}

func TestFailedUnwindLeavesStrandedPosition(t *testing.T) {
	h := newHarness(t, func(v *paper.Venue) domain.Venue { return failingUnwinds{v} })
	h.b.Fail(paper.OpPlace, domain.Persistent("b", "place_order", "market closed"))
	tr := newTrade("t-stranded")
	require.NoError(t, h.exec.Run(context.Background(), tr))

	require.Equal(t, domain.TradeFailed, tr.Status)
	require.True(t, tr.Stranded)
	require.True(t, tr.StrandedAmount.Equal(d("1")))
	require.Len(t, tr.Unwinds, 1)
	require.Equal(t, domain.OrderStateRejected, tr.Unwinds[0].State)
	// -100.1 + 1 * 100 * 0.99
	require.True(t, tr.RealizedPnL.Equal(d("-1.1")), tr.RealizedPnL.String())
}

// blindUnwinds places unwind orders normally but cannot report their status
// while blind is set.
type blindUnwinds struct {
	*paper.Venue
	mu      sync.Mutex
	blind   bool
	unwinds map[string]bool
}

func (b *blindUnwinds) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderHandle, error) {
	h, err := b.Venue.PlaceOrder(ctx, req)
	if err == nil && strings.Contains(req.ClientID, "-unwind-") {
		b.mu.Lock()
		b.unwinds[h.OrderID()] = true
		b.mu.Unlock()
	}
	return h, err
}

func (b *blindUnwinds) GetOrderStatus(ctx context.Context, symbol, orderID string) (domain.OrderStatus, error) {
	b.mu.Lock()
	hide := b.blind && b.unwinds[orderID]
	b.mu.Unlock()
	if hide {
		return domain.OrderStatus{}, domain.Persistent(b.ID(), "order_status", "internal error")
	}
	return b.Venue.GetOrderStatus(ctx, symbol, orderID)
}

func (b *blindUnwinds) see() {
	b.mu.Lock()
	b.blind = false
	b.mu.Unlock()
}

func TestUnresolvedUnwindKeepsInventoryReserved(t *testing.T) {
	var blind *blindUnwinds
	h := newHarness(t, func(v *paper.Venue) domain.Venue {
		blind = &blindUnwinds{Venue: v, blind: true, unwinds: make(map[string]bool)}
		return blind
	})
	h.b.Fail(paper.OpPlace, domain.Persistent("b", "place_order", "market closed"))
	tr := newTrade("t-blind-unwind")
	require.NoError(t, h.exec.Run(context.Background(), tr))

	require.Equal(t, domain.TradeFailed, tr.Status)
	require.True(t, tr.Stranded)
	require.Len(t, tr.Unwinds, 1)
	btc, _ := h.ledger.Get("a", "BTC")
	require.True(t, btc.Available.IsZero(), "available %s", btc.Available)
	require.True(t, btc.InOrders.Equal(d("1")), "in orders %s", btc.InOrders)

	blind.see()
	h.exec.Unwind(context.Background(), tr)
	require.False(t, tr.Stranded)
	require.Len(t, tr.Unwinds, 1)
	require.Equal(t, domain.OrderStateFilled, tr.Unwinds[0].State)

	btc, _ = h.ledger.Get("a", "BTC")
	require.True(t, btc.Available.IsZero(), "available %s", btc.Available)
	require.True(t, btc.InOrders.IsZero(), "in orders %s", btc.InOrders)
	usdt, _ := h.ledger.Available("a", "USDT")
	// 10000 - 100.1 + 99.5 * 0.999
	require.True(t, usdt.Equal(d("9999.3005")), "usdt %s", usdt)
}

func TestUnknownBuyStatusSuspendsThenResumes(t *testing.T) {
	h := newHarness(t, nil)
	h.a.SetFillRatio(decimal.Zero)
	h.a.Fail(paper.OpStatus, domain.Persistent("a", "order_status", "internal error"))
	tr := newTrade("t-suspend")

	err := h.exec.Run(context.Background(), tr)
	require.ErrorIs(t, err, ErrSuspended)
	require.Equal(t, domain.TradeBuyPlaced, tr.Status)

	require.NoError(t, h.a.Fill(tr.Buy.OrderID, d("1")))
	st, err := h.a.GetOrderStatus(context.Background(), "BTC/USDT", tr.Buy.OrderID)
	require.NoError(t, err)

	require.NoError(t, h.exec.Resume(context.Background(), tr, st))
	require.Equal(t, domain.TradeSellFilled, tr.Status)
	require.True(t, tr.RealizedPnL.IsPositive())
}

func TestInsufficientFundsCancels(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.Seed("b", "BTC", d("0.1"))
	tr := newTrade("t-funds")
	require.NoError(t, h.exec.Run(context.Background(), tr))

	require.Equal(t, domain.TradeCancelled, tr.Status)
	require.Zero(t, h.a.OrderCount())
	usdt, _ := h.ledger.Available("a", "USDT")
	require.True(t, usdt.Equal(d("10000")))
}

func TestCancelledContextStillTerminates(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.cfg.FillTimeout = 10 * time.Second
	h.a.SetFillRatio(decimal.Zero)
	tr := newTrade("t-shutdown")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	require.NoError(t, h.exec.Run(ctx, tr))
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, domain.TradeCancelled, tr.Status)

	open, err := h.a.OpenOrders(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	require.Empty(t, open)
}
