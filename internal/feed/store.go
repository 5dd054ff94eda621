// Package feed keeps the latest order book per venue and symbol, fed either by
// polling venue REST endpoints or by a venue's streaming socket.
package feed

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// StoreOption customises a BookStore.
type StoreOption func(*BookStore)

// WithCache mirrors every accepted snapshot to a shared cache so other
// instances and restarts can read it.
func WithCache(c domain.BookCache) StoreOption {
	return func(s *BookStore) { s.cache = c }
}

// WithListener calls fn with every snapshot the store accepts, after the
// store lock is released.
func WithListener(fn func(ctx context.Context, snap domain.OrderBookSnapshot)) StoreOption {
	return func(s *BookStore) { s.listeners = append(s.listeners, fn) }
}

// BookStore holds the newest snapshot per venue and symbol. It implements the
// engine's book source.
type BookStore struct {
	mu        sync.RWMutex
	books     map[string]map[string]domain.OrderBookSnapshot
	cache     domain.BookCache
	listeners []func(context.Context, domain.OrderBookSnapshot)
	logger    *slog.Logger
}

// NewBookStore creates an empty BookStore.
func NewBookStore(logger *slog.Logger, opts ...StoreOption) *BookStore {
	s := &BookStore{
		books:  make(map[string]map[string]domain.OrderBookSnapshot),
		logger: logger.With(slog.String("component", "book_store")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Update stores snap unless a newer snapshot for the same venue and symbol is
// already held. It reports whether snap was accepted.
func (s *BookStore) Update(ctx context.Context, snap domain.OrderBookSnapshot) bool {
	if snap.Venue == "" || snap.Symbol == "" {
		return false
	}
	if !s.put(snap) {
		return false
	}
	if s.cache != nil {
		if err := s.cache.SetSnapshot(ctx, snap); err != nil {
			s.logger.DebugContext(ctx, "book cache write failed",
				slog.String("venue", snap.Venue),
				slog.String("symbol", snap.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	s.notify(ctx, snap)
	return true
}

func (s *BookStore) notify(ctx context.Context, snap domain.OrderBookSnapshot) {
	for _, fn := range s.listeners {
		fn(ctx, snap)
	}
}

func (s *BookStore) put(snap domain.OrderBookSnapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	byVenue, ok := s.books[snap.Symbol]
	if !ok {
		byVenue = make(map[string]domain.OrderBookSnapshot)
		s.books[snap.Symbol] = byVenue
	}
	if cur, ok := byVenue[snap.Venue]; ok && snap.Timestamp.Before(cur.Timestamp) {
		return false
	}
	byVenue[snap.Venue] = snap
	return true
}

// Books returns the latest snapshot of every venue quoting symbol, ordered by
// venue id.
func (s *BookStore) Books(symbol string) []domain.OrderBookSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byVenue := s.books[symbol]
	out := make([]domain.OrderBookSnapshot, 0, len(byVenue))
	for _, snap := range byVenue {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out
}

// Get returns one venue's snapshot for symbol.
func (s *BookStore) Get(venue, symbol string) (domain.OrderBookSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.books[symbol][venue]
	return snap, ok
}

// Hydrate loads cached snapshots for the given symbol -> venues map. Missing
// entries are skipped; it returns how many were loaded.
func (s *BookStore) Hydrate(ctx context.Context, venuesBySymbol map[string][]string) int {
	if s.cache == nil {
		return 0
	}
	n := 0
	for symbol, venues := range venuesBySymbol {
		for _, v := range venues {
			snap, err := s.cache.GetSnapshot(ctx, v, symbol)
			if err != nil {
				continue
			}
			if s.put(snap) {
				s.notify(ctx, snap)
				n++
			}
		}
	}
	return n
}
