package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/crewready/secwatch/pkg/types"
)

// SlackChannel posts to a Slack incoming-webhook URL.
type SlackChannel struct{ client *http.Client }

func (c *SlackChannel) Type() types.ChannelType { return types.ChannelSlack }

func (c *SlackChannel) Send(ctx context.Context, m Message) error {
	body, err := json.Marshal(map[string]string{
		"text": fmt.Sprintf("*%s %s*\n%s", severityLabel(m.Severity), m.Metric, m.Body),
	})
	if err != nil {
		return err
	}
	return post(ctx, c.client, m.To, body)
}

// TeamsChannel posts a MessageCard to a Teams incoming-webhook URL.
type TeamsChannel struct{ client *http.Client }

func (c *TeamsChannel) Type() types.ChannelType { return types.ChannelTeams }

func (c *TeamsChannel) Send(ctx context.Context, m Message) error {
	payload := map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": severityColor(m.Severity),
		"summary":    m.Subject,
		"title":      fmt.Sprintf("Security alert: %s", m.Metric),
		"text":       strings.ReplaceAll(m.Body, "\n", "<br>"),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return post(ctx, c.client, m.To, body)
}

// WebhookPayload is the body POSTed to generic webhook recipients.
type WebhookPayload struct {
	Type        string      `json:"type"`
	Subject     string      `json:"subject"`
	Alert       types.Alert `json:"alert"`
	Remediation []string    `json:"remediation"`
	Timestamp   time.Time   `json:"timestamp"`
	Source      string      `json:"source"`
}

// WebhookChannel posts a WebhookPayload as JSON.
type WebhookChannel struct{ client *http.Client }

func (c *WebhookChannel) Type() types.ChannelType { return types.ChannelWebhook }

func (c *WebhookChannel) Send(ctx context.Context, m Message) error {
	body, err := json.Marshal(WebhookPayload{
		Type:        "alert",
		Subject:     m.Subject,
		Alert:       m.Alert,
		Remediation: m.Remediation,
		Timestamp:   m.At,
		Source:      "secwatch",
	})
	if err != nil {
		return err
	}
	return post(ctx, c.client, m.To, body)
}

func post(ctx context.Context, client *http.Client, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "secwatch/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
