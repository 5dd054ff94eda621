package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

const (
	telegramAPI = "https://api.telegram.org"
	// Telegram rejects messages longer than 4096 characters.
	telegramMaxText = 4096
)

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// TelegramSender delivers alerts through the Telegram Bot API.
type TelegramSender struct {
	apiURL string
	token  string
	chatID string
	client *http.Client
}

// NewTelegramSender creates a TelegramSender for a bot token and chat id.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		apiURL: telegramAPI,
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// WithAPIURL points the sender at a different Bot API host.
func (t *TelegramSender) WithAPIURL(u string) *TelegramSender {
	t.apiURL = strings.TrimRight(u, "/")
	return t
}

// Send posts a as an HTML formatted message.
func (t *TelegramSender) Send(ctx context.Context, a domain.Alert) error {
	return postJSON(ctx, t.client, "telegram",
		fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.token),
		telegramMessage{
			ChatID:                t.chatID,
			Text:                  telegramText(a),
			ParseMode:             "HTML",
			DisableWebPagePreview: true,
		})
}

func telegramText(a domain.Alert) string {
	var b strings.Builder
	b.WriteString("<b>" + html.EscapeString(heading(a)) + "</b>")
	if a.Message != "" {
		b.WriteString("\n" + html.EscapeString(a.Message))
	}
	if a.Scope != "" {
		b.WriteString("\nscope: <code>" + html.EscapeString(a.Scope) + "</code>")
	}
	b.WriteString("\n<i>" + a.At.UTC().Format(time.RFC3339) + "</i>")
	text := b.String()
	if len(text) > telegramMaxText {
		text = text[:telegramMaxText]
	}
	return text
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string { return "telegram" }
