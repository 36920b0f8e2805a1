package notify

import (
	"context"
	"net/http"
)

// DiscordSender posts alerts to a Discord webhook.
type DiscordSender struct {
	webhookURL string
	username   string
	client     *http.Client
}

func NewDiscordSender(webhookURL, username string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		username:   username,
		client:     &http.Client{Timeout: senderTimeout},
	}
}

// Send posts the alert with mentions disabled so principal ids in the body
// never ping anyone.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	payload := map[string]any{
		"content":          "**" + title + "**\n" + message,
		"allowed_mentions": map[string]any{"parse": []string{}},
	}
	if d.username != "" {
		payload["username"] = d.username
	}
	return postJSON(ctx, d.client, "discord", d.webhookURL, payload)
}

func (d *DiscordSender) Name() string { return "discord" }
