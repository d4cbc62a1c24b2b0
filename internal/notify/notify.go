// Package notify delivers domain events to operators.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dealerscope/internal/config"
	"github.com/sells-group/dealerscope/internal/model"
)

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, e model.Event) error
}

// LogSink writes every event to the global zap logger.
type LogSink struct{}

// Emit logs e at a level derived from its severity.
func (LogSink) Emit(_ context.Context, e model.Event) error {
	fields := []zap.Field{
		zap.String("type", string(e.Type)),
		zap.String("severity", e.Severity),
		zap.String("site_id", e.SiteID),
		zap.Time("timestamp", e.Timestamp),
	}
	if len(e.Details) > 0 {
		fields = append(fields, zap.Any("details", e.Details))
	}
	switch e.Severity {
	case "high", "critical":
		zap.L().Warn("notify: "+e.Message, fields...)
	default:
		zap.L().Info("notify: "+e.Message, fields...)
	}
	return nil
}

// WebhookSink posts each event as JSON to a webhook URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a WebhookSink posting to url.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Emit posts e to the webhook. A 4xx or 5xx response is an error.
func (w *WebhookSink) Emit(ctx context.Context, e model.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "notify: marshal event")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// MultiSink fans an event out to every sink. Every sink is attempted; the
// joined error reports the ones that failed.
type MultiSink []Sink

// Emit delivers e to each sink in order.
func (m MultiSink) Emit(ctx context.Context, e model.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, e); err != nil {
			zap.L().Error("notify: sink failed",
				zap.String("type", string(e.Type)),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromConfig returns the sink for cfg: always a LogSink, plus a WebhookSink
// when a webhook URL is configured.
func FromConfig(cfg config.NotifyConfig) Sink {
	if cfg.WebhookURL == "" {
		return LogSink{}
	}
	return MultiSink{LogSink{}, NewWebhookSink(cfg.WebhookURL)}
}
