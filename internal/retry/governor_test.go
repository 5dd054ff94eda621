package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

func testGovernor(attempts int, opts ...Option) *Governor {
	return New(Config{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func TestRetriesTransientUntilSuccess(t *testing.T) {
	g := testGovernor(5)
	calls := 0
	v, err := Do(context.Background(), g, "place", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, domain.Transient("a", "place", "busy")
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, 3, calls)
}

func TestPersistentIsNotRetried(t *testing.T) {
	var seen []domain.ErrorClass
	g := testGovernor(5, WithObserver(func(_ string, class domain.ErrorClass, _ error) {
		seen = append(seen, class)
	}))
	calls := 0
	want := domain.Persistent("a", "place", "rejected", domain.WithCode(domain.CodeInsufficientBalance))
	err := g.Do(context.Background(), "place", func(context.Context) error {
		calls++
		return want
	})
	require.Equal(t, 1, calls)
	require.ErrorIs(t, err, want)
	require.NotErrorIs(t, err, ErrExhausted)
	require.Equal(t, []domain.ErrorClass{domain.ClassPersistent}, seen)
}

func TestMalformedIsNotRetried(t *testing.T) {
	g := testGovernor(5)
	calls := 0
	err := g.Do(context.Background(), "place", func(context.Context) error {
		calls++
		return &domain.MalformedResponseError{Venue: "a", Op: "place", Reason: "no id"}
	})
	require.Equal(t, 1, calls)
	var me *domain.MalformedResponseError
	require.ErrorAs(t, err, &me)
}

func TestExhaustionWrapsLastError(t *testing.T) {
	g := testGovernor(3)
	calls := 0
	err := g.Do(context.Background(), "status", func(context.Context) error {
		calls++
		return domain.Transient("a", "status", "busy")
	})
	require.Equal(t, 3, calls)
	require.ErrorIs(t, err, ErrExhausted)
	require.True(t, domain.IsTransient(err))
}

func TestStopsOnContextCancel(t *testing.T) {
	g := New(Config{MaxAttempts: 100, InitialInterval: time.Hour, MaxInterval: time.Hour},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	errCh := make(chan error, 1)
	go func() {
		errCh <- g.Do(ctx, "status", func(context.Context) error {
			calls++
			return domain.Transient("a", "status", "busy")
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		require.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("governor did not stop on cancel")
	}
}
