package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/crossarb/internal/domain"
	"github.com/alanyoungcy/crossarb/internal/persist"
)

const (
	followRecent     = 200
	followReplayPage = 100
)

// follower rebuilds the trade views of an engine running in another process
// from the records it publishes on the signal bus. It serves the same views
// as the engine to the trade handler.
type follower struct {
	bus    domain.SignalBus
	logger *slog.Logger

	mu       sync.RWMutex
	recent   []domain.Trade // newest last
	inflight map[string]domain.Trade
	stranded map[string]domain.Trade
}

func newFollower(bus domain.SignalBus, logger *slog.Logger) *follower {
	return &follower{
		bus:      bus,
		logger:   logger.With(slog.String("component", "follower")),
		inflight: make(map[string]domain.Trade),
		stranded: make(map[string]domain.Trade),
	}
}

// Run subscribes first and then replays the trade log, so nothing published
// in between is missed. Replayed and live copies of a trade collapse by id.
func (f *follower) Run(ctx context.Context) error {
	trades, err := f.bus.Subscribe(ctx, persist.TradesChannel)
	if err != nil {
		return fmt.Errorf("follower: %w", err)
	}
	breakers, err := f.bus.Subscribe(ctx, persist.BreakersChannel)
	if err != nil {
		return fmt.Errorf("follower: %w", err)
	}
	n, err := f.replay(ctx)
	if err != nil {
		return err
	}
	f.logger.InfoContext(ctx, "trade log replayed", slog.Int("trades", n))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for payload := range trades {
			var t domain.Trade
			if err := json.Unmarshal(payload, &t); err != nil {
				f.logger.Warn("undecodable trade event", slog.String("error", err.Error()))
				continue
			}
			f.apply(t)
		}
		return gctx.Err()
	})
	g.Go(func() error {
		for payload := range breakers {
			var b domain.BreakerState
			if err := json.Unmarshal(payload, &b); err != nil {
				f.logger.Warn("undecodable breaker event", slog.String("error", err.Error()))
				continue
			}
			f.logger.Warn("breaker transition",
				slog.String("scope", b.Scope),
				slog.String("status", string(b.Status)),
				slog.String("reason", b.Reason),
			)
		}
		return gctx.Err()
	})
	return g.Wait()
}

func (f *follower) replay(ctx context.Context) (int, error) {
	last, total := "0", 0
	for {
		msgs, err := f.bus.StreamRead(ctx, persist.TradeLogStream, last, followReplayPage)
		if err != nil {
			return total, fmt.Errorf("follower: replay: %w", err)
		}
		for _, m := range msgs {
			var t domain.Trade
			if err := json.Unmarshal(m.Payload, &t); err == nil {
				f.apply(t)
				total++
			}
			last = m.ID
		}
		if len(msgs) < followReplayPage {
			return total, nil
		}
	}
}

func (f *follower) apply(t domain.Trade) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if t.Stranded && t.Inventory().IsPositive() {
		f.stranded[t.ID] = t
	} else {
		delete(f.stranded, t.ID)
	}
	if !t.Status.Terminal() {
		f.inflight[t.ID] = t
		return
	}
	delete(f.inflight, t.ID)

	for i := range f.recent {
		if f.recent[i].ID == t.ID {
			f.recent[i] = t
			return
		}
	}
	f.recent = append(f.recent, t)
	if len(f.recent) > followRecent {
		f.recent = f.recent[len(f.recent)-followRecent:]
	}
}

// RecentTrades returns up to limit finished trades, newest first.
func (f *follower) RecentTrades(limit int) []domain.Trade {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if limit <= 0 || limit > len(f.recent) {
		limit = len(f.recent)
	}
	out := make([]domain.Trade, 0, limit)
	for i := len(f.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, f.recent[i])
	}
	return out
}

// InFlight returns the trades last seen in a non-terminal state.
func (f *follower) InFlight() []domain.Trade { return f.sorted(f.inflight) }

// Stranded returns trades still holding inventory.
func (f *follower) Stranded() []domain.Trade { return f.sorted(f.stranded) }

func (f *follower) sorted(m map[string]domain.Trade) []domain.Trade {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]domain.Trade, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
