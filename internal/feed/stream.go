package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// StreamConfig describes one venue's book stream.
type StreamConfig struct {
	Venue   string
	URL     string
	Symbols []string
	Depth   int
	// ReconnectMin and ReconnectMax bound the reconnect backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

type subscribeCommand struct {
	Op      string   `json:"op"`
	Channel string   `json:"channel"`
	Symbols []string `json:"symbols"`
	Depth   int      `json:"depth,omitempty"`
}

// bookMessage is a full snapshot pushed by the venue. Levels are
// [price, size] string pairs; ts is Unix milliseconds.
type bookMessage struct {
	Type      string               `json:"type"`
	Symbol    string               `json:"symbol"`
	Bids      [][2]decimal.Decimal `json:"bids"`
	Asks      [][2]decimal.Decimal `json:"asks"`
	Timestamp int64                `json:"ts"`
	Message   string               `json:"message,omitempty"`
}

// StreamClient subscribes to a venue's book channel and writes every snapshot
// into a BookStore. It reconnects with exponential backoff and resubscribes.
type StreamClient struct {
	cfg    StreamConfig
	store  *BookStore
	dialer websocket.Dialer
	logger *slog.Logger

	mu       sync.Mutex
	received int64
}

// NewStreamClient creates a StreamClient.
func NewStreamClient(cfg StreamConfig, store *BookStore, logger *slog.Logger) *StreamClient {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &StreamClient{
		cfg:    cfg,
		store:  store,
		dialer: websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		logger: logger.With(slog.String("component", "stream"), slog.String("venue", cfg.Venue)),
	}
}

// Received returns how many snapshots were accepted so far.
func (s *StreamClient) Received() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// Run keeps a subscription open until ctx is done.
func (s *StreamClient) Run(ctx context.Context) error {
	if len(s.cfg.Symbols) == 0 {
		s.logger.InfoContext(ctx, "no symbols to stream")
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectMin
	bo.MaxInterval = s.cfg.ReconnectMax

	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		s.logger.WarnContext(ctx, "book stream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("wait", wait),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session runs one connection. connected reports whether the subscription was
// established, which resets the reconnect backoff.
func (s *StreamClient) session(ctx context.Context) (connected bool, err error) {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("feed: dial %s: %w", s.cfg.URL, err)
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(subscribeCommand{Op: "subscribe", Channel: "book", Symbols: s.cfg.Symbols, Depth: s.cfg.Depth}); err != nil {
		return false, fmt.Errorf("feed: subscribe: %w", err)
	}
	s.logger.InfoContext(ctx, "book stream subscribed", slog.Int("symbols", len(s.cfg.Symbols)))

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("feed: read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := s.handle(ctx, data); err != nil {
			s.logger.DebugContext(ctx, "book message dropped", slog.String("error", err.Error()))
		}
	}
}

var errStreamRejected = errors.New("venue rejected subscription")

func (s *StreamClient) handle(ctx context.Context, data []byte) error {
	var msg bookMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	switch msg.Type {
	case "book":
	case "error":
		return fmt.Errorf("%w: %s", errStreamRejected, msg.Message)
	default:
		return nil
	}
	if msg.Symbol == "" {
		return errors.New("book message without symbol")
	}
	snap := domain.OrderBookSnapshot{
		Venue:     s.cfg.Venue,
		Symbol:    msg.Symbol,
		Bids:      toLevels(msg.Bids),
		Asks:      toLevels(msg.Asks),
		Timestamp: time.Now(),
	}
	if msg.Timestamp > 0 {
		snap.Timestamp = time.UnixMilli(msg.Timestamp)
	}
	if err := snap.CheckLevels(); err != nil {
		return &domain.MalformedResponseError{Venue: s.cfg.Venue, Op: "book_stream", Reason: err.Error()}
	}
	if s.cfg.Depth > 0 {
		snap = snap.Truncate(s.cfg.Depth)
	}
	if s.store.Update(ctx, snap) {
		s.mu.Lock()
		s.received++
		s.mu.Unlock()
	}
	return nil
}

func toLevels(raw [][2]decimal.Decimal) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(raw))
	for _, l := range raw {
		out = append(out, domain.PriceLevel{Price: l[0], Size: l[1]})
	}
	return out
}
