package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// BookCache implements domain.BookCache. Each venue/symbol snapshot is one
// JSON value under book:{venue}:{symbol} that expires after ttl, so a reader
// never sees a book the feed stopped refreshing long ago.
type BookCache struct {
	c   *Client
	ttl time.Duration
}

// NewBookCache creates a BookCache. A zero ttl defaults to one minute.
func NewBookCache(c *Client, ttl time.Duration) *BookCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &BookCache{c: c, ttl: ttl}
}

// SetSnapshot replaces the cached snapshot for snap's venue and symbol.
func (bc *BookCache) SetSnapshot(ctx context.Context, snap domain.OrderBookSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal book %s/%s: %w", snap.Venue, snap.Symbol, err)
	}
	if err := bc.c.rdb.Set(ctx, bc.c.key("book", snap.Venue, snap.Symbol), data, bc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set book %s/%s: %w", snap.Venue, snap.Symbol, err)
	}
	return nil
}

// GetSnapshot returns the cached snapshot or domain.ErrNotFound.
func (bc *BookCache) GetSnapshot(ctx context.Context, venue, symbol string) (domain.OrderBookSnapshot, error) {
	data, err := bc.c.rdb.Get(ctx, bc.c.key("book", venue, symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.OrderBookSnapshot{}, fmt.Errorf("redis: book %s/%s: %w", venue, symbol, domain.ErrNotFound)
	}
	if err != nil {
		return domain.OrderBookSnapshot{}, fmt.Errorf("redis: get book %s/%s: %w", venue, symbol, err)
	}
	var snap domain.OrderBookSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.OrderBookSnapshot{}, fmt.Errorf("redis: unmarshal book %s/%s: %w", venue, symbol, err)
	}
	return snap, nil
}

var _ domain.BookCache = (*BookCache)(nil)
