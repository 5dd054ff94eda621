package notify

import (
	"context"
	"net/http"
	"time"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// Discord caps embed descriptions at 4096 characters.
const discordMaxDescription = 4096

var discordColors = map[domain.Severity]int{
	domain.SeverityInfo:     0x3498db,
	domain.SeverityWarning:  0xf1c40f,
	domain.SeverityHigh:     0xe67e22,
	domain.SeverityCritical: 0xe74c3c,
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Timestamp   string         `json:"timestamp"`
	Fields      []discordField `json:"fields,omitempty"`
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

// DiscordSender posts alerts as colour-coded embeds to a webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// Send delivers a as a single embed.
func (d *DiscordSender) Send(ctx context.Context, a domain.Alert) error {
	desc := a.Message
	if len(desc) > discordMaxDescription {
		desc = desc[:discordMaxDescription-3] + "..."
	}
	embed := discordEmbed{
		Title:       heading(a),
		Description: desc,
		Color:       discordColors[a.Severity],
		Timestamp:   a.At.UTC().Format(time.RFC3339),
	}
	if a.Scope != "" {
		embed.Fields = append(embed.Fields, discordField{Name: "scope", Value: a.Scope, Inline: true})
	}
	return postJSON(ctx, d.client, "discord", d.webhookURL, discordPayload{Embeds: []discordEmbed{embed}})
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string { return "discord" }
