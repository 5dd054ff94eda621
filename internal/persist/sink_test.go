package persist

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

type flakyTrades struct {
	mu       sync.Mutex
	failures int
	saved    map[string]domain.Trade
	calls    int
}

func (f *flakyTrades) Upsert(_ context.Context, t domain.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	f.saved[t.ID] = t
	return nil
}

func (f *flakyTrades) GetByID(context.Context, string) (domain.Trade, error) {
	return domain.Trade{}, domain.ErrNotFound
}
func (f *flakyTrades) ListRecent(context.Context, int) ([]domain.Trade, error) { return nil, nil }
func (f *flakyTrades) ListCompletedBefore(context.Context, time.Time, int) ([]domain.Trade, error) {
	return nil, nil
}
func (f *flakyTrades) ListOpen(context.Context) ([]domain.Trade, error)     { return nil, nil }
func (f *flakyTrades) DeleteByIDs(context.Context, []string) (int64, error) { return 0, nil }

func (f *flakyTrades) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

type memBreakers struct {
	mu     sync.Mutex
	states []domain.BreakerState
}

func (m *memBreakers) Save(_ context.Context, s domain.BreakerState) error {
	m.mu.Lock()
	m.states = append(m.states, s)
	m.mu.Unlock()
	return nil
}

func (m *memBreakers) List(context.Context) ([]domain.BreakerState, error) { return nil, nil }

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  [][]byte
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *memBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed = append(b.streamed, payload)
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func start(t *testing.T, s *Sink) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestSink_RetriesUntilStored(t *testing.T) {
	trades := &flakyTrades{failures: 2, saved: map[string]domain.Trade{}}
	s := New(trades, nil, discard(), WithRetry(5, time.Millisecond, time.Second))
	start(t, s)

	s.SaveTrade(domain.Trade{ID: "t1", Status: domain.TradeSellFilled})
	require.Eventually(t, func() bool { return trades.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(1), s.Written())
	require.Zero(t, s.Dropped())
}

func TestSink_DropsAfterExhaustingRetries(t *testing.T) {
	trades := &flakyTrades{failures: 10, saved: map[string]domain.Trade{}}
	s := New(trades, nil, discard(), WithRetry(3, time.Millisecond, time.Second))
	start(t, s)

	s.SaveTrade(domain.Trade{ID: "t1"})
	require.Eventually(t, func() bool { return s.Dropped() == 1 }, time.Second, 5*time.Millisecond)
	require.Zero(t, trades.count())
}

func TestSink_PublishesToBus(t *testing.T) {
	trades := &flakyTrades{saved: map[string]domain.Trade{}}
	breakers := &memBreakers{}
	bus := &memBus{published: map[string][][]byte{}}
	s := New(trades, breakers, discard(), WithBus(bus))
	start(t, s)

	s.SaveTrade(domain.Trade{ID: "t1", Status: domain.TradeFailed})
	s.SaveTrade(domain.Trade{ID: "t2", Status: domain.TradeBuyPlaced})
	s.SaveBreaker(domain.BreakerState{Scope: "global", Status: domain.BreakerOpen})
	require.Eventually(t, func() bool { return s.Written() == 3 }, time.Second, 5*time.Millisecond)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	require.Len(t, bus.published[TradesChannel], 2)
	require.Len(t, bus.published[BreakersChannel], 1)
	require.Len(t, bus.streamed, 1, "only terminal trades go to the trade log")

	var got domain.Trade
	require.NoError(t, json.Unmarshal(bus.streamed[0], &got))
	require.Equal(t, "t1", got.ID)
}

func TestSink_NeverBlocks(t *testing.T) {
	s := New(nil, nil, discard(), WithQueueSize(1))
	s.SaveBreaker(domain.BreakerState{Scope: "global"})
	s.SaveBreaker(domain.BreakerState{Scope: "venue:a"})
	require.Equal(t, int64(1), s.Dropped())
}

func TestSink_DrainsOnShutdown(t *testing.T) {
	trades := &flakyTrades{saved: map[string]domain.Trade{}}
	s := New(trades, nil, discard())
	s.SaveTrade(domain.Trade{ID: "t1"})
	s.SaveTrade(domain.Trade{ID: "t2"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.Run(ctx), context.Canceled)
	require.Equal(t, 2, trades.count())
}
