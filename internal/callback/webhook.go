package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/flexinfer/clusterflow/pkg/types"
)

// WebhookConfig configures a WebhookSink.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string

	// TokenURL enables OAuth2 client-credentials authentication when set.
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// WebhookSink POSTs every event as JSON to a URL.
type WebhookSink struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// webhookPayload is the request body.
type webhookPayload struct {
	Event  string        `json:"event"`
	Task   *Event        `json:"task,omitempty"`
	Report *types.Report `json:"report,omitempty"`
}

// NewWebhookSink creates a webhook sink. The context bounds token fetches
// when client credentials are configured.
func NewWebhookSink(ctx context.Context, cfg WebhookConfig) (*WebhookSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := &http.Client{Timeout: timeout}
	if cfg.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		client = cc.Client(ctx)
		client.Timeout = timeout
	}

	return &WebhookSink{url: cfg.URL, headers: cfg.Headers, client: client}, nil
}

var _ Sink = (*WebhookSink)(nil)

func (s *WebhookSink) post(ctx context.Context, p webhookPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

func (s *WebhookSink) event(ctx context.Context, name string, ev Event) error {
	return s.post(ctx, webhookPayload{Event: name, Task: &ev})
}

func (s *WebhookSink) OnSubmitted(ctx context.Context, ev Event) error {
	return s.event(ctx, "submitted", ev)
}

func (s *WebhookSink) OnRunning(ctx context.Context, ev Event) error {
	return s.event(ctx, "running", ev)
}

func (s *WebhookSink) OnSucceeded(ctx context.Context, ev Event) error {
	return s.event(ctx, "succeeded", ev)
}

func (s *WebhookSink) OnFailed(ctx context.Context, ev Event) error {
	return s.event(ctx, "failed", ev)
}

func (s *WebhookSink) OnCancelled(ctx context.Context, ev Event) error {
	return s.event(ctx, "cancelled", ev)
}

func (s *WebhookSink) OnScheduledReport(ctx context.Context, r *types.Report) error {
	return s.post(ctx, webhookPayload{Event: "report", Report: r})
}
