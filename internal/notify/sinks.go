package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// LogSink writes events to the structured log. It is always installed
// so every event leaves at least one trace.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Deliver(_ context.Context, event Event) error {
	log.Info().
		Str("event_id", event.ID).
		Str("event_type", string(event.Type)).
		Str("group", event.Group).
		Str("revision", event.Revision).
		Str("detail", event.Detail).
		Msg("Reconciliation event")
	return nil
}

// WebhookSink POSTs events as JSON to a fixed URL.
type WebhookSink struct {
	url        string
	token      string
	httpClient *http.Client
}

// NewWebhookSink creates a webhook sink with a bounded request timeout.
// A non-empty token is sent as a bearer Authorization header.
func NewWebhookSink(url, token string, timeout time.Duration) *WebhookSink {
	return &WebhookSink{
		url:   url,
		token: token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}
