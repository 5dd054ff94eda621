package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// PollerConfig controls REST polling.
type PollerConfig struct {
	Interval    time.Duration
	Depth       int
	CallTimeout time.Duration
	// MaxParallel bounds concurrent book requests. Zero means one per
	// venue/symbol.
	MaxParallel int
}

// Poller fetches order books over each venue's REST API on a fixed interval.
type Poller struct {
	venues  map[string]domain.Venue
	symbols map[string][]string
	store   *BookStore
	cfg     PollerConfig
	logger  *slog.Logger
}

// NewPoller creates a Poller. symbols maps venue id to the symbols to poll.
func NewPoller(venues map[string]domain.Venue, symbols map[string][]string, store *BookStore, cfg PollerConfig, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 10
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Second
	}
	return &Poller{
		venues:  venues,
		symbols: symbols,
		store:   store,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "poller")),
	}
}

// PollOnce fetches every configured book once. Failures for one venue never
// stop the others; they are returned joined.
func (p *Poller) PollOnce(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	wp := pool.New()
	if p.cfg.MaxParallel > 0 {
		wp = wp.WithMaxGoroutines(p.cfg.MaxParallel)
	}
	for venueID, symbols := range p.symbols {
		v, ok := p.venues[venueID]
		if !ok {
			continue
		}
		for _, symbol := range symbols {
			wp.Go(func() {
				callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
				defer cancel()
				snap, err := v.GetOrderBook(callCtx, symbol, p.cfg.Depth)
				if err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("feed: poll %s %s: %w", venueID, symbol, err))
					mu.Unlock()
					return
				}
				snap.Venue = venueID
				snap.Symbol = symbol
				p.store.Update(ctx, snap)
			})
		}
	}
	wp.Wait()
	return errors.Join(errs...)
}

// Run polls every Interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.WarnContext(ctx, "book poll failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
