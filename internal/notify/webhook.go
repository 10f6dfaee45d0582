package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/callbridge/internal/events"
	"github.com/ent0n29/callbridge/internal/reliability"
)

// EventHeader carries the event type on webhook deliveries.
const EventHeader = "X-Callbridge-Event"

type WebhookConfig struct {
	URL        string
	HTTPClient *http.Client
	Retry      reliability.Policy
}

// WebhookSink POSTs each event as JSON.
type WebhookSink struct {
	url    string
	client *http.Client
	retry  reliability.Policy
}

type deliveryError struct {
	status int
	err    error
}

func (e *deliveryError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("webhook delivery: %v", e.err)
	}
	return fmt.Sprintf("webhook delivery: http %d", e.status)
}

func (e *deliveryError) Unwrap() error { return e.err }

func (e *deliveryError) Temporary() bool {
	if e.err != nil {
		return !errors.Is(e.err, context.Canceled) && !errors.Is(e.err, context.DeadlineExceeded)
	}
	return reliability.IsRetryableStatus(e.status)
}

func NewWebhookSink(cfg WebhookConfig) (*WebhookSink, error) {
	u := strings.TrimSpace(cfg.URL)
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return nil, fmt.Errorf("webhook url must be http(s), got %q", cfg.URL)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = reliability.DefaultPolicy()
	}
	return &WebhookSink{url: u, client: cfg.HTTPClient, retry: cfg.Retry}, nil
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Notify(ctx context.Context, ev events.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = reliability.Retry(ctx, s.retry, reliability.Retryable, func(ctx context.Context, _ int) (struct{}, error) {
		return struct{}{}, s.post(ctx, ev.Type, body)
	})
	return err
}

func (s *WebhookSink) post(ctx context.Context, typ events.Type, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, string(typ))
	resp, err := s.client.Do(req)
	if err != nil {
		return &deliveryError{err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &deliveryError{status: resp.StatusCode}
	}
	return nil
}
