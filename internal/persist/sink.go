// Package persist writes trade and breaker records to storage in the
// background. The engine never waits on it; delivery is at least once.
package persist

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// Channels and streams used on the signal bus.
const (
	TradesChannel   = "crossarb:trades"
	BreakersChannel = "crossarb:breakers"
	TradeLogStream  = "crossarb:trade-log"
)

type record struct {
	trade   *domain.Trade
	breaker *domain.BreakerState
}

// Option customises a Sink.
type Option func(*Sink)

// WithBus publishes every stored record on the signal bus.
func WithBus(bus domain.SignalBus) Option {
	return func(s *Sink) { s.bus = bus }
}

// WithQueueSize sets how many records may wait to be written.
func WithQueueSize(n int) Option {
	return func(s *Sink) { s.queue = make(chan record, n) }
}

// WithRetry bounds the attempts and total time spent on one record.
func WithRetry(attempts uint, initial, maxElapsed time.Duration) Option {
	return func(s *Sink) {
		s.attempts = attempts
		s.initial = initial
		s.maxElapsed = maxElapsed
	}
}

// Sink implements engine.Sink.
type Sink struct {
	trades     domain.TradeStore
	breakers   domain.BreakerStore
	bus        domain.SignalBus
	queue      chan record
	attempts   uint
	initial    time.Duration
	maxElapsed time.Duration
	logger     *slog.Logger

	written atomic.Int64
	dropped atomic.Int64
}

// New creates a Sink. Either store may be nil, in which case those records
// are only published on the bus.
func New(trades domain.TradeStore, breakers domain.BreakerStore, logger *slog.Logger, opts ...Option) *Sink {
	s := &Sink{
		trades:     trades,
		breakers:   breakers,
		queue:      make(chan record, 1024),
		attempts:   5,
		initial:    200 * time.Millisecond,
		maxElapsed: 30 * time.Second,
		logger:     logger.With(slog.String("component", "persist")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveTrade queues t without blocking.
func (s *Sink) SaveTrade(t domain.Trade) { s.enqueue(record{trade: &t}) }

// SaveBreaker queues b without blocking.
func (s *Sink) SaveBreaker(b domain.BreakerState) { s.enqueue(record{breaker: &b}) }

func (s *Sink) enqueue(r record) {
	select {
	case s.queue <- r:
	default:
		s.dropped.Add(1)
		s.logger.Error("persist queue full, dropping record", slog.String("record", r.key()))
	}
}

func (r record) key() string {
	if r.trade != nil {
		return "trade:" + r.trade.ID
	}
	return "breaker:" + r.breaker.Scope
}

// Written reports how many records were stored.
func (s *Sink) Written() int64 { return s.written.Load() }

// Dropped reports how many records were lost to a full queue or exhausted
// retries.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Run writes queued records until ctx is cancelled, then drains the queue
// under a fresh deadline.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case r := <-s.queue:
			s.write(ctx, r)
		case <-ctx.Done():
			s.drain()
			return ctx.Err()
		}
	}
}

func (s *Sink) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), s.maxElapsed)
	defer cancel()
	for {
		select {
		case r := <-s.queue:
			s.write(ctx, r)
		default:
			return
		}
	}
}

func (s *Sink) write(ctx context.Context, r record) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initial
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.store(ctx, r)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.attempts),
		backoff.WithMaxElapsedTime(s.maxElapsed),
	)
	if err != nil {
		s.dropped.Add(1)
		s.logger.Error("persist failed", slog.String("record", r.key()), slog.String("error", err.Error()))
		return
	}
	s.written.Add(1)
	s.publish(ctx, r)
}

func (s *Sink) store(ctx context.Context, r record) error {
	switch {
	case r.trade != nil && s.trades != nil:
		if err := s.trades.Upsert(ctx, *r.trade); err != nil {
			return fmt.Errorf("persist: upsert trade %s: %w", r.trade.ID, err)
		}
	case r.breaker != nil && s.breakers != nil:
		if err := s.breakers.Save(ctx, *r.breaker); err != nil {
			return fmt.Errorf("persist: save breaker %s: %w", r.breaker.Scope, err)
		}
	}
	return nil
}

// publish is best effort; the stores are the durable copy.
func (s *Sink) publish(ctx context.Context, r record) {
	if s.bus == nil {
		return
	}
	channel := BreakersChannel
	var v any = r.breaker
	if r.trade != nil {
		channel = TradesChannel
		v = r.trade
	}
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("marshal record", slog.String("record", r.key()), slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Publish(ctx, channel, payload); err != nil {
		s.logger.Warn("publish record", slog.String("record", r.key()), slog.String("error", err.Error()))
	}
	if r.trade != nil && r.trade.Status.Terminal() {
		if err := s.bus.StreamAppend(ctx, TradeLogStream, payload); err != nil {
			s.logger.Warn("append trade log", slog.String("trade_id", r.trade.ID), slog.String("error", err.Error()))
		}
	}
}
