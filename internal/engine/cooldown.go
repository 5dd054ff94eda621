package engine

import (
	"sync"
	"time"
)

// routeCooldown keeps the same symbol and venue direction from being traded
// again within a configurable window. It is safe for concurrent use.
type routeCooldown struct {
	mu   sync.Mutex
	seen map[string]time.Time // route key -> last trade start
	ttl  time.Duration
	now  func() time.Time
}

func newRouteCooldown(ttl time.Duration, now func() time.Time) *routeCooldown {
	return &routeCooldown{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  now,
	}
}

// Active reports whether key was marked within the window.
func (c *routeCooldown) Active(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.seen[key]
	return ok && c.now().Sub(last) < c.ttl
}

// Mark records a trade start on key.
func (c *routeCooldown) Mark(key string) {
	c.mu.Lock()
	c.seen[key] = c.now()
	c.mu.Unlock()
}

// Cleanup removes expired entries. The scan loop calls it periodically to
// bound memory.
func (c *routeCooldown) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, ts := range c.seen {
		if now.Sub(ts) >= c.ttl {
			delete(c.seen, key)
		}
	}
}
