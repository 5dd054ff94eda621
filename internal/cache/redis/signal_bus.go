package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

const defaultStreamMaxLen int64 = 10000

// SignalBus implements domain.SignalBus. Pub/Sub carries live trade and
// breaker events for dashboards; streams keep an ordered, trimmed trade log
// that a late consumer can replay.
type SignalBus struct {
	rdb    *redis.Client
	maxLen int64
	buffer int
}

// BusOption configures a SignalBus.
type BusOption func(*SignalBus)

// WithStreamMaxLen bounds every stream to roughly n entries.
func WithStreamMaxLen(n int64) BusOption {
	return func(b *SignalBus) {
		if n > 0 {
			b.maxLen = n
		}
	}
}

// NewSignalBus creates a SignalBus backed by the given Client. Channel and
// stream names are used verbatim.
func NewSignalBus(c *Client, opts ...BusOption) *SignalBus {
	b := &SignalBus{rdb: c.Underlying(), maxLen: defaultStreamMaxLen, buffer: 128}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish sends payload to a Pub/Sub channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of payloads published to channel. Glob patterns
// use PSUBSCRIBE. The returned channel closes when ctx is done.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var pubsub *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		pubsub = sb.rdb.PSubscribe(ctx, channel)
	} else {
		pubsub = sb.rdb.Subscribe(ctx, channel)
	}

	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, sb.buffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// StreamAppend adds payload to stream with approximate trimming.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := sb.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: sb.maxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns up to count entries after lastID without blocking.
// lastID "0" or "" reads from the start.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	start := "-"
	if lastID != "" && lastID != "0" {
		start = "(" + lastID
	}
	if count <= 0 {
		count = 100
	}
	entries, err := sb.rdb.XRangeN(ctx, stream, start, "+", int64(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	messages := make([]domain.StreamMessage, 0, len(entries))
	for _, e := range entries {
		switch v := e.Values["payload"].(type) {
		case string:
			messages = append(messages, domain.StreamMessage{ID: e.ID, Payload: []byte(v)})
		case []byte:
			messages = append(messages, domain.StreamMessage{ID: e.ID, Payload: v})
		}
	}
	return messages, nil
}

var _ domain.SignalBus = (*SignalBus)(nil)
