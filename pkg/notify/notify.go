// Package notify delivers operator notifications over a webhook. Delivery is
// best-effort: failures are logged and never propagate to the caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetmend/fleetmend/pkg/engine"
)

// defaultTimeout bounds a single webhook delivery. Notification must never
// hold up a provisioning run.
const defaultTimeout = 5 * time.Second

// WebhookNotifier posts notifications as JSON to a configured endpoint.
type WebhookNotifier struct {
	url     string
	source  string
	timeout time.Duration
	client  *http.Client
}

// Option configures a WebhookNotifier.
type Option func(*WebhookNotifier)

// WithTimeout overrides the per-delivery timeout.
func WithTimeout(d time.Duration) Option {
	return func(n *WebhookNotifier) {
		n.timeout = d
	}
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(n *WebhookNotifier) {
		n.client = client
	}
}

// NewWebhookNotifier creates a notifier that posts to url. The source string
// identifies this worker in the delivered payload.
func NewWebhookNotifier(url, source string, opts ...Option) *WebhookNotifier {
	n := &WebhookNotifier{
		url:     url,
		source:  source,
		timeout: defaultTimeout,
		client:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

type payload struct {
	Message   string    `json:"message"`
	Level     string    `json:"level"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Notify delivers one message. Fire-and-forget: delivery errors are logged at
// warn level and swallowed.
func (n *WebhookNotifier) Notify(ctx context.Context, message string, level engine.NotifyLevel) {
	if n.url == "" {
		log.Debug().Str("level", string(level)).Msg("notifier has no webhook URL, dropping notification")
		return
	}

	body, err := json.Marshal(payload{
		Message:   message,
		Level:     string(level),
		Source:    n.source,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to encode notification")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		log.Warn().Err(err).Msg("failed to build notification request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("url", n.url).Msg("failed to deliver notification")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Str("url", n.url).
			Msg("notification endpoint rejected delivery")
		return
	}

	log.Debug().Str("level", string(level)).Msg("notification delivered")
}

// NopNotifier discards all notifications. Used when no webhook is configured.
type NopNotifier struct{}

// Notify discards the message.
func (NopNotifier) Notify(ctx context.Context, message string, level engine.NotifyLevel) {}

var _ engine.Notifier = (*WebhookNotifier)(nil)
var _ engine.Notifier = NopNotifier{}
