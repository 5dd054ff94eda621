// Package retry bounds how often venue calls are re-issued. Only transient
// failures are retried; everything else is returned on the first attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// ErrExhausted is wrapped into the error returned once attempts or elapsed
// time run out on a transient failure.
var ErrExhausted = errors.New("retries exhausted")

// Config holds the exponential backoff policy.
type Config struct {
	MaxAttempts         int
	MaxElapsed          time.Duration
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultConfig mirrors the backoff library defaults with a short budget
// suited to order placement.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:         4,
		MaxElapsed:          5 * time.Second,
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.5,
	}
}

// Observer is notified of every failed attempt.
type Observer func(op string, class domain.ErrorClass, err error)

// Option customises a Governor.
type Option func(*Governor)

// WithObserver installs a failure hook, typically a metrics counter.
func WithObserver(fn Observer) Option {
	return func(g *Governor) { g.observe = fn }
}

// Governor wraps venue calls in a bounded retry loop.
type Governor struct {
	cfg     Config
	logger  *slog.Logger
	observe Observer
}

// New creates a Governor.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Governor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	g := &Governor{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "retry")),
		observe: func(string, domain.ErrorClass, error) {},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Governor) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if g.cfg.InitialInterval > 0 {
		b.InitialInterval = g.cfg.InitialInterval
	}
	if g.cfg.MaxInterval > 0 {
		b.MaxInterval = g.cfg.MaxInterval
	}
	if g.cfg.Multiplier > 0 {
		b.Multiplier = g.cfg.Multiplier
	}
	if g.cfg.RandomizationFactor >= 0 {
		b.RandomizationFactor = g.cfg.RandomizationFactor
	}
	b.Reset()
	return b
}

// Do runs fn until it succeeds, fails with a non-transient error, or the
// budget runs out.
func (g *Governor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, g, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is the value-returning form of Governor.Do.
func Do[T any](ctx context.Context, g *Governor, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := 0
	operation := func() (T, error) {
		attempts++
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		class := domain.Classify(err)
		g.observe(op, class, err)
		if class != domain.ClassTransient {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(g.backOff()),
		backoff.WithMaxTries(uint(g.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			g.logger.Debug("retrying",
				slog.String("op", op),
				slog.Int("attempt", attempts),
				slog.Duration("next", next),
				slog.String("error", err.Error()),
			)
		}),
	}
	if g.cfg.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(g.cfg.MaxElapsed))
	}

	v, err := backoff.Retry(ctx, operation, opts...)
	if err == nil {
		return v, nil
	}
	if ctx.Err() != nil && !domain.IsTimeout(err) {
		return v, err
	}
	if domain.IsTransient(err) {
		g.logger.Warn("retries exhausted",
			slog.String("op", op),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		return v, fmt.Errorf("retry: %s: %w after %d attempts: %w", op, ErrExhausted, attempts, err)
	}
	return v, err
}
