package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/psantana5/oomwatch/pkg/retry"
	"github.com/psantana5/oomwatch/pkg/tracing"
)

// Webhook posts results as JSON to a URL
type Webhook struct {
	URL    string
	Client *http.Client
	Retry  retry.Config
}

// NewWebhook creates a webhook sink
func NewWebhook(url string, timeout time.Duration, maxRetries int) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cfg := retry.DefaultConfig()
	if maxRetries >= 0 {
		cfg.MaxRetries = maxRetries
	}
	return &Webhook{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
		Retry:  cfg,
	}
}

// Deliver implements Sink. 4xx responses are not retried.
func (w *Webhook) Deliver(ctx context.Context, r *Result) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	return retry.Do(ctx, w.Retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Oomwatch-Result", r.ID)
		tracing.InjectHTTPHeaders(ctx, req)

		resp, err := w.Client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook post failed: %w", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
			return retry.Permanent(fmt.Errorf("webhook rejected result: %s", resp.Status))
		default:
			return fmt.Errorf("webhook returned %s", resp.Status)
		}
	})
}
