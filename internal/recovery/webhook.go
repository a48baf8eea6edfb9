package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// WebhookExecutor posts the action to an automation endpoint and expects a
// 2xx response. It covers actions whose infrastructure lives elsewhere:
// scaling, cache clears, maintenance mode and backup processors.
type WebhookExecutor struct {
	URL     string
	Headers map[string]string
	client  *http.Client
}

// NewWebhookExecutor creates an executor using client, or http.DefaultClient
func NewWebhookExecutor(url string, client *http.Client) *WebhookExecutor {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookExecutor{URL: url, client: client, Headers: map[string]string{}}
}

type webhookPayload struct {
	Action      string            `json:"action"`
	Target      string            `json:"target,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	ExecutionID string            `json:"execution_id"`
	IncidentID  string            `json:"incident_id"`
	Plan        string            `json:"plan"`
	Trigger     string            `json:"trigger"`
	Attempt     int               `json:"attempt"`
	Rollback    bool              `json:"rollback"`
}

// Execute posts the payload
func (w *WebhookExecutor) Execute(ctx context.Context, action Action, ec ExecContext) error {
	body, err := json.Marshal(webhookPayload{
		Action:      action.Kind.String(),
		Target:      action.Target,
		Params:      action.Params,
		ExecutionID: ec.ExecutionID,
		IncidentID:  ec.IncidentID,
		Plan:        ec.Plan,
		Trigger:     ec.Trigger,
		Attempt:     ec.Attempt,
		Rollback:    ec.Rollback,
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", action.Kind, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook %s: status %d: %s", action.Kind, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
