package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Webhook POSTs notifications as JSON to a fixed URL
type Webhook struct {
	URL     string
	Headers map[string]string
	client  *http.Client
	now     func() time.Time
}

// NewWebhook creates a webhook notifier. A nil client gets a 10s timeout.
func NewWebhook(url string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{URL: url, client: client, now: time.Now}
}

// Notify posts the message and expects a 2xx response
func (w *Webhook) Notify(ctx context.Context, channel, severity, message string, metadata map[string]string) error {
	body, err := json.Marshal(Message{
		Channel:  channel,
		Severity: severity,
		Message:  message,
		Metadata: metadata,
		SentAt:   w.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post notification: unexpected status %d", resp.StatusCode)
	}
	return nil
}
