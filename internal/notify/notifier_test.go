package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

type fakeSender struct {
	name string
	err  error

	mu     sync.Mutex
	titles []string
}

func (f *fakeSender) Send(_ context.Context, a domain.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = append(f.titles, heading(a))
	return f.err
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.titles...)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func alert(sev domain.Severity, scope, title string) domain.Alert {
	return domain.Alert{Severity: sev, Scope: scope, Title: title, At: time.Now()}
}

func runNotifier(t *testing.T, n *Notifier) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = n.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestNotifier_FiltersBySeverity(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{s}, discard(), WithMinSeverity(domain.SeverityHigh))
	runNotifier(t, n)

	n.Alert(context.Background(), alert(domain.SeverityWarning, "global", "minor"))
	n.Alert(context.Background(), alert(domain.SeverityHigh, "global", "major"))

	require.Eventually(t, func() bool { return len(s.sent()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"[HIGH] major"}, s.sent())
}

func TestNotifier_ScopeFilterLetsCriticalThrough(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{s}, discard(), WithScopes([]string{"venue:"}))
	runNotifier(t, n)

	n.Alert(context.Background(), alert(domain.SeverityHigh, "pair:BTC/USDT:a:b", "pair alert"))
	n.Alert(context.Background(), alert(domain.SeverityHigh, "venue:a", "venue alert"))
	n.Alert(context.Background(), alert(domain.SeverityCritical, "global", "global alert"))

	require.Eventually(t, func() bool { return len(s.sent()) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"[HIGH] venue alert", "[CRITICAL] global alert"}, s.sent())
}

func TestNotifier_SenderFailureDoesNotStopOthers(t *testing.T) {
	bad := &fakeSender{name: "bad", err: errors.New("boom")}
	good := &fakeSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, discard())
	runNotifier(t, n)

	n.Alert(context.Background(), alert(domain.SeverityHigh, "global", "x"))
	require.Eventually(t, func() bool { return len(good.sent()) == 1 }, time.Second, 5*time.Millisecond)
	require.Len(t, bad.sent(), 1)
}

func TestNotifier_AlertNeverBlocks(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{s}, discard(), WithQueueSize(1))

	n.Alert(context.Background(), alert(domain.SeverityHigh, "global", "one"))
	n.Alert(context.Background(), alert(domain.SeverityHigh, "global", "two"))
	require.Equal(t, int64(1), n.Dropped())
}

func TestNotifier_FlushesOnShutdown(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{s}, discard())
	n.Alert(context.Background(), alert(domain.SeverityHigh, "global", "pending"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, n.Run(ctx), context.Canceled)
	require.Equal(t, []string{"[HIGH] pending"}, s.sent())
}

func TestTelegramSender(t *testing.T) {
	var got telegramMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a := domain.Alert{Severity: domain.SeverityHigh, Scope: "pair:BTC/USDT:a:b", Title: "loss <limit>", Message: "lost 25", At: at}
	s := NewTelegramSender("TOKEN", "42").WithAPIURL(srv.URL + "/")
	require.NoError(t, s.Send(context.Background(), a))
	require.Equal(t, "42", got.ChatID)
	require.Equal(t, "HTML", got.ParseMode)
	require.Equal(t,
		"<b>[HIGH] loss &lt;limit&gt;</b>\nlost 25\nscope: <code>pair:BTC/USDT:a:b</code>\n<i>2024-03-01T12:00:00Z</i>",
		got.Text)
}

func TestDiscordSender(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := alert(domain.SeverityCritical, "venue:a", "venue tripped")
	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), a))
	require.Len(t, got.Embeds, 1)
	require.Equal(t, "[CRITICAL] venue tripped", got.Embeds[0].Title)
	require.Equal(t, 0xe74c3c, got.Embeds[0].Color)
	require.Equal(t, []discordField{{Name: "scope", Value: "venue:a", Inline: true}}, got.Embeds[0].Fields)
}

func TestDiscordSender_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), alert(domain.SeverityHigh, "", "t"))
	require.ErrorContains(t, err, "unexpected status 429: rate limited")
}
