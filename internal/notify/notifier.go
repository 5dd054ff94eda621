// Package notify delivers operator alerts to chat channels. Delivery is
// asynchronous and failures are logged, never returned to the caller, so a
// broken webhook cannot affect trading.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// Sender is one notification channel. Each channel renders the alert in its
// own format.
type Sender interface {
	Send(ctx context.Context, a domain.Alert) error
	Name() string
}

// Option customises a Notifier.
type Option func(*Notifier)

// WithMinSeverity drops alerts below min. The default is warning.
func WithMinSeverity(min domain.Severity) Option {
	return func(n *Notifier) { n.min = min }
}

// WithScopes forwards only alerts whose scope starts with one of prefixes.
// Critical alerts always pass.
func WithScopes(prefixes []string) Option {
	return func(n *Notifier) {
		for _, p := range prefixes {
			if p = strings.TrimSpace(p); p != "" {
				n.scopes = append(n.scopes, p)
			}
		}
	}
}

// WithQueueSize sets how many alerts may wait for delivery.
func WithQueueSize(size int) Option {
	return func(n *Notifier) { n.queue = make(chan domain.Alert, size) }
}

// WithSendTimeout bounds one delivery to one sender.
func WithSendTimeout(d time.Duration) Option {
	return func(n *Notifier) { n.timeout = d }
}

// Notifier implements domain.Alerter on top of one or more Senders.
type Notifier struct {
	senders []Sender
	min     domain.Severity
	scopes  []string
	queue   chan domain.Alert
	timeout time.Duration
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewNotifier creates a Notifier that will deliver to the given senders once
// Run is started.
func NewNotifier(senders []Sender, logger *slog.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		senders: senders,
		min:     domain.SeverityWarning,
		queue:   make(chan domain.Alert, 256),
		timeout: 10 * time.Second,
		logger:  logger.With(slog.String("component", "notifier")),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Alert queues a for delivery. It never blocks; when the queue is full the
// alert is logged and dropped.
func (n *Notifier) Alert(ctx context.Context, a domain.Alert) {
	n.logger.Log(ctx, logLevel(a.Severity), "alert",
		slog.String("severity", string(a.Severity)),
		slog.String("scope", a.Scope),
		slog.String("title", a.Title),
		slog.String("message", a.Message),
	)
	if !n.allowed(a) || len(n.senders) == 0 {
		return
	}
	select {
	case n.queue <- a:
	default:
		n.dropped.Add(1)
		n.logger.WarnContext(ctx, "alert queue full, dropping", slog.String("title", a.Title))
	}
}

// Dropped reports how many alerts were discarded because the queue was full.
func (n *Notifier) Dropped() int64 { return n.dropped.Load() }

func (n *Notifier) allowed(a domain.Alert) bool {
	if a.Severity == domain.SeverityCritical {
		return true
	}
	if !a.Severity.AtLeast(n.min) {
		return false
	}
	if len(n.scopes) == 0 {
		return true
	}
	for _, p := range n.scopes {
		if strings.HasPrefix(a.Scope, p) {
			return true
		}
	}
	return false
}

// Run delivers queued alerts until ctx is cancelled, then flushes what is
// left with a short deadline.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case a := <-n.queue:
			n.dispatch(ctx, a)
		case <-ctx.Done():
			n.flush()
			return ctx.Err()
		}
	}
}

func (n *Notifier) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	for {
		select {
		case a := <-n.queue:
			n.dispatch(ctx, a)
		default:
			return
		}
	}
}

// dispatch sends a to every sender. A single sender failure does not prevent
// delivery to the remaining senders.
func (n *Notifier) dispatch(ctx context.Context, a domain.Alert) {
	for _, s := range n.senders {
		sctx, cancel := context.WithTimeout(ctx, n.timeout)
		err := s.Send(sctx, a)
		cancel()
		if err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", a.Title),
		)
	}
}

func logLevel(s domain.Severity) slog.Level {
	switch s {
	case domain.SeverityCritical, domain.SeverityHigh:
		return slog.LevelError
	case domain.SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
