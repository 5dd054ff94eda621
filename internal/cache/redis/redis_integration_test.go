//go:build integration

package redis_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/crossarb/internal/cache/redis"
	"github.com/alanyoungcy/crossarb/internal/domain"
)

var testClient *redis.Client

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "start redis container: %v\n", err)
		os.Exit(1)
	}

	code := 1
	endpoint, err := container.Endpoint(ctx, "")
	if err == nil {
		testClient, err = redis.New(ctx, redis.ClientConfig{Addr: endpoint, KeyPrefix: "test:"})
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis setup: %v\n", err)
	} else {
		code = m.Run()
		_ = testClient.Close()
	}
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func TestLockManagerExclusive(t *testing.T) {
	ctx := context.Background()
	lm := redis.NewLockManager(testClient)

	unlock, err := lm.Acquire(ctx, "reconcile:a", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "reconcile:a", time.Minute)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()

	unlock2, err := lm.Acquire(ctx, "reconcile:a", time.Minute)
	require.NoError(t, err)
	unlock2()
}

func TestLockManagerExpires(t *testing.T) {
	ctx := context.Background()
	lm := redis.NewLockManager(testClient)

	_, err := lm.Acquire(ctx, "reconcile:b", 100*time.Millisecond)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		unlock, err := lm.Acquire(ctx, "reconcile:b", time.Minute)
		if err != nil {
			return false
		}
		unlock()
		return true
	}, 3*time.Second, 50*time.Millisecond)
}

func TestSignalBusPublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := redis.NewSignalBus(testClient)

	ch, err := bus.Subscribe(ctx, "crossarb:trades")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "crossarb:trades", []byte(`{"id":"t1"}`)))

	select {
	case msg := <-ch:
		require.JSONEq(t, `{"id":"t1"}`, string(msg))
	case <-time.After(3 * time.Second):
		t.Fatal("no message received")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSignalBusStream(t *testing.T) {
	ctx := context.Background()
	bus := redis.NewSignalBus(testClient, redis.WithStreamMaxLen(100))

	empty, err := bus.StreamRead(ctx, "crossarb:empty", "0", 10)
	require.NoError(t, err)
	require.Empty(t, empty)

	require.NoError(t, bus.StreamAppend(ctx, "crossarb:trade-log", []byte("one")))
	require.NoError(t, bus.StreamAppend(ctx, "crossarb:trade-log", []byte("two")))

	msgs, err := bus.StreamRead(ctx, "crossarb:trade-log", "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "one", string(msgs[0].Payload))

	rest, err := bus.StreamRead(ctx, "crossarb:trade-log", msgs[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, "two", string(rest[0].Payload))
}

func TestBookCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	bc := redis.NewBookCache(testClient, time.Minute)

	_, err := bc.GetSnapshot(ctx, "a", "ETH/USDT")
	require.ErrorIs(t, err, domain.ErrNotFound)

	snap := domain.OrderBookSnapshot{
		Venue:     "a",
		Symbol:    "BTC/USDT",
		Bids:      []domain.PriceLevel{{Price: decimal.RequireFromString("99.5"), Size: decimal.NewFromInt(2)}},
		Asks:      []domain.PriceLevel{{Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(3)}},
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, bc.SetSnapshot(ctx, snap))

	got, err := bc.GetSnapshot(ctx, "a", "BTC/USDT")
	require.NoError(t, err)
	require.True(t, got.Timestamp.Equal(snap.Timestamp))
	require.True(t, got.Bids[0].Price.Equal(snap.Bids[0].Price))
	require.True(t, got.Asks[0].Size.Equal(snap.Asks[0].Size))
}

func TestRateLimiterWindow(t *testing.T) {
	ctx := context.Background()
	rl := redis.NewRateLimiter(testClient)

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "venue-a", 3, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "venue-a", 3, time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	require.Eventually(t, func() bool {
		ok, err := rl.Allow(ctx, "venue-a", 3, time.Second)
		return err == nil && ok
	}, 3*time.Second, 100*time.Millisecond)
}
