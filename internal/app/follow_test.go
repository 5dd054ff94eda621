package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/crossarb/internal/domain"
	"github.com/alanyoungcy/crossarb/internal/persist"
)

type fakeBus struct {
	mu   sync.Mutex
	subs map[string]chan []byte
	log  []domain.StreamMessage
}

func newFakeBus() *fakeBus { return &fakeBus{subs: make(map[string]chan []byte)} }

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	ch := b.subs[channel]
	b.mu.Unlock()
	if ch != nil {
		ch <- payload
	}
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.subs[channel] = ch
	b.mu.Unlock()
	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case p := <-ch:
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *fakeBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *fakeBus) StreamRead(_ context.Context, _ string, lastID string, count int) ([]domain.StreamMessage, error) {
	var out []domain.StreamMessage
	past := lastID == "0"
	for _, m := range b.log {
		if past && len(out) < count {
			out = append(out, m)
		}
		if m.ID == lastID {
			past = true
		}
	}
	return out, nil
}

func (b *fakeBus) subscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[channel] != nil
}

func followTrade(t *testing.T, id string, status domain.TradeStatus, created time.Time) domain.Trade {
	t.Helper()
	tr := domain.Trade{ID: id, Symbol: "BTC/USDT", Status: status, CreatedAt: created}
	tr.Buy.Filled = decimal.NewFromInt(1)
	if status == domain.TradeSellFilled {
		tr.Sell.Filled = decimal.NewFromInt(1)
	}
	return tr
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestFollowerReplayAndLive(t *testing.T) {
	now := time.Now()
	bus := newFakeBus()
	bus.log = []domain.StreamMessage{
		{ID: "1-0", Payload: mustJSON(t, followTrade(t, "t1", domain.TradeSellFilled, now))},
		{ID: "2-0", Payload: mustJSON(t, followTrade(t, "t2", domain.TradeSellFilled, now))},
	}

	f := newFollower(bus, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	require.Eventually(t, func() bool { return len(f.RecentTrades(10)) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "t2", f.RecentTrades(10)[0].ID)
	require.True(t, bus.subscribed(persist.TradesChannel))

	open := followTrade(t, "t3", domain.TradeBuyFilled, now)
	require.NoError(t, bus.Publish(ctx, persist.TradesChannel, mustJSON(t, open)))
	require.Eventually(t, func() bool { return len(f.InFlight()) == 1 }, time.Second, 5*time.Millisecond)

	failed := open
	failed.Status = domain.TradeFailed
	failed.Stranded = true
	require.NoError(t, bus.Publish(ctx, persist.TradesChannel, mustJSON(t, failed)))
	require.Eventually(t, func() bool { return len(f.Stranded()) == 1 }, time.Second, 5*time.Millisecond)
	require.Empty(t, f.InFlight())
	require.Len(t, f.RecentTrades(10), 3)

	// A later record of the same trade replaces it in place.
	failed.Stranded = false
	failed.Sell.Filled = decimal.NewFromInt(1)
	require.NoError(t, bus.Publish(ctx, persist.TradesChannel, mustJSON(t, failed)))
	require.Eventually(t, func() bool { return len(f.Stranded()) == 0 }, time.Second, 5*time.Millisecond)
	require.Len(t, f.RecentTrades(10), 3)
	require.Len(t, f.RecentTrades(1), 1)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("follower did not stop")
	}
}
