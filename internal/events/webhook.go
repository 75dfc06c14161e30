package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/althrussell/databricks-sql-copilot/internal/retry"
	"github.com/althrussell/databricks-sql-copilot/internal/transport"
)

// WebhookConfig holds configuration for webhook delivery.
type WebhookConfig struct {
	URL     string
	Headers map[string]string
	// Kinds limits which events are posted. Empty means all.
	Kinds   []Kind
	Timeout time.Duration
}

// WebhookSink posts events as JSON.
type WebhookSink struct {
	cfg    WebhookConfig
	tr     *transport.Transport
	policy retry.Policy
}

// NewWebhookSink creates a webhook sink. client may be nil.
func NewWebhookSink(cfg WebhookConfig, client transport.Doer) *WebhookSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	policy := retry.DefaultPolicy("webhook")
	policy.MaxRetries = 2
	return &WebhookSink{cfg: cfg, tr: transport.New(client, cfg.Timeout), policy: policy}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Accepts(kind Kind) bool {
	if len(w.cfg.Kinds) == 0 {
		return true
	}
	for _, k := range w.cfg.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (w *WebhookSink) Handle(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	_, err = retry.Run(ctx, w.policy, func(ctx context.Context) (struct{}, error) {
		req, err := http.NewRequest(http.MethodPost, w.cfg.URL, bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range w.cfg.Headers {
			req.Header.Set(k, v)
		}
		resp, err := w.tr.Do(ctx, req, w.cfg.Timeout)
		if err != nil {
			return struct{}{}, err
		}
		if !resp.OK() {
			return struct{}{}, fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
		}
		return struct{}{}, nil
	})
	return err
}
