package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// WebhookOptions configure the webhook notifier.
type WebhookOptions struct {
	URL       string
	Secret    string
	Timeout   time.Duration
	UserAgent string
}

// WebhookNotifier POSTs notifications as JSON. The transaction identifier is sent as
// Idempotency-Key so receivers can drop redeliveries.
type WebhookNotifier struct {
	opts   WebhookOptions
	client *http.Client
	now    func() time.Time
	logger zerolog.Logger
}

// NewWebhookNotifier constructs a webhook notifier.
func NewWebhookNotifier(opts WebhookOptions, logger zerolog.Logger) *WebhookNotifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		now:    time.Now,
		logger: logger.With().Str("component", "notify_webhook").Logger(),
	}
}

// Notify posts the notification and fails on any non-2xx response.
func (w *WebhookNotifier) Notify(ctx context.Context, note Notification) error {
	body, err := json.Marshal(toPayload(note, w.now()))
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.opts.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.opts.UserAgent != "" {
		req.Header.Set("User-Agent", w.opts.UserAgent)
	}
	if note.TxIdentifier != "" {
		req.Header.Set("Idempotency-Key", note.TxIdentifier)
	}
	if w.opts.Secret != "" {
		req.Header.Set("X-Signature", sign(w.opts.Secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}

	w.logger.Debug().Str("tx", note.TxIdentifier).Str("status", note.Status).Msg("webhook delivered")
	return nil
}

// sign returns the hex HMAC-SHA256 of body.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

var _ Notifier = (*WebhookNotifier)(nil)
