package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datapoint-review/internal/config"
)

// Sink delivers a plain text notification.
type Sink interface {
	Send(ctx context.Context, text string) error
}

// NewSink returns a webhook sink when a URL is configured and a log-only
// sink otherwise.
func NewSink(cfg config.AlertsConfig) Sink {
	if cfg.WebhookURL == "" {
		return LogSink{}
	}
	return NewWebhookSink(cfg.WebhookURL)
}

// WebhookSink posts {"text": ...} to an incoming-webhook URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a WebhookSink with a 10s request timeout.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts text to the webhook.
func (w *WebhookSink) Send(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal webhook payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// LogSink writes notifications to the global logger.
type LogSink struct{}

// Send logs text at info level.
func (LogSink) Send(_ context.Context, text string) error {
	zap.L().Info("monitoring: alert", zap.String("text", text))
	return nil
}
