// Package slack sends incident notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"
)

const (
	maxTextLen  = 3000
	httpTimeout = 10 * time.Second
)

// Notification is one incident update destined for the channel.
type Notification struct {
	AlertID        string
	AlertName      string
	Service        string
	Severity       string
	Priority       int
	RootCause      string
	Confidence     float64
	Recommendation string
	// Text is the analyzer's free-form message body.
	Text          string
	MissingAgents []string
	Timestamp     time.Time
}

// Notifier posts notifications to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	L          log.Logger
}

// New creates a Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		L: logger,
	}
}

// Enabled reports whether a webhook is configured.
func (n *Notifier) Enabled() bool { return n.webhookURL != "" }

// Send posts n to the configured webhook.
func (n *Notifier) Send(ctx context.Context, msg Notification) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(msg))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // webhookURL is from trusted config
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.L.Info(ctx, "slack notification sent", "alert_id", msg.AlertID)
	return nil
}

func buildMessage(n Notification) map[string]any {
	blocks := []map[string]any{
		headerBlock(n),
		fieldsBlock(n),
		{"type": "divider"},
		textBlock("Root cause", orDefault(n.RootCause, "_Not determined._")),
	}
	if n.Recommendation != "" {
		blocks = append(blocks, textBlock("Recommended action", n.Recommendation))
	}
	if n.Text != "" {
		blocks = append(blocks, textBlock("Details", n.Text))
	}
	blocks = append(blocks, contextBlock(n))
	return map[string]any{
		"text":   fmt.Sprintf("[P%d] %s on %s", n.Priority, n.AlertName, n.Service),
		"blocks": blocks,
	}
}

func headerBlock(n Notification) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s [P%d] %s", severityEmoji(n.Severity), n.Priority, orDefault(n.AlertName, n.AlertID)),
		},
	}
}

func fieldsBlock(n Notification) map[string]any {
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Service:* %s", orDefault(n.Service, "unknown"))},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", orDefault(n.Severity, "warning"))},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Confidence:* %.0f%%", n.Confidence*100)},
	}
	if len(n.MissingAgents) > 0 {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Missing data:* %s", strings.Join(n.MissingAgents, ", ")),
		})
	}
	return map[string]any{"type": "section", "fields": fields}
}

func textBlock(title, body string) map[string]any {
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*%s*\n%s", title, truncate(body, maxTextLen)),
		},
	}
}

func contextBlock(n Notification) map[string]any {
	ts := n.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{{
			"type": "mrkdwn",
			"text": fmt.Sprintf("relay • alert %s • %s", n.AlertID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		}},
	}
}

func severityEmoji(severity string) string {
	switch strings.ToLower(severity) {
	case "critical", "error":
		return "\U0001f534" // red circle
	case "warning", "":
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
