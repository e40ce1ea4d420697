package notification

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"
)

// WebhookSink POSTs events to a generic HTTP endpoint.
type WebhookSink struct {
	url     string
	client  *http.Client
	breaker *CircuitBreaker
}

// NewWebhookSink creates a webhook sink.
// url: the HTTP endpoint to POST events to.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker: NewCircuitBreaker(5, 30*time.Second),
	}
}

func (w *WebhookSink) Publish(ctx context.Context, ev Event) error {
	return w.breaker.Execute(func() error {
		return w.post(ctx, ev)
	})
}

func (w *WebhookSink) post(ctx context.Context, ev Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(ev.JSON()))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
