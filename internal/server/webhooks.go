package server

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
)

// WebhookEvent names the lifecycle event delivered to the webhook.
type WebhookEvent string

const (
	WebhookEventFileUploaded WebhookEvent = "file.uploaded"
	WebhookEventFileExpired  WebhookEvent = "file.expired"
)

// WebhookPayload is the JSON body POSTed to the webhook URL.
type WebhookPayload struct {
	Event     WebhookEvent   `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// WebhookConfig points at a single HTTP endpoint.
type WebhookConfig struct {
	URL        string
	Secret     string
	RetryCount int
}

// Webhook delivers upload lifecycle events to an HTTP endpoint. When a
// secret is set each request carries X-Webhook-Signature: sha256=<hex HMAC
// of the body>.
type Webhook struct {
	cfg     WebhookConfig
	client  *http.Client
	backoff func(attempt int) time.Duration
	now     func() time.Time
}

// NewWebhook builds a webhook sender.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	return &Webhook{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * 500 * time.Millisecond
		},
		now: time.Now,
	}
}

// Name implements StoreHook, SweepHook and HealthChecker.
func (w *Webhook) Name() string { return "webhook" }

// FileStored delivers file.uploaded.
func (w *Webhook) FileStored(ctx context.Context, f StoredFile, m Manifest) error {
	return w.send(ctx, WebhookEventFileUploaded, map[string]any{
		"name":          f.Name,
		"original_name": f.OriginalName,
		"size":          m.FileSize,
		"content_type":  f.DetectedType,
		"url":           m.URL,
		"until":         m.UntilString(),
	})
}

// FileExpired delivers file.expired.
func (w *Webhook) FileExpired(ctx context.Context, name string, deletedAt time.Time) error {
	return w.send(ctx, WebhookEventFileExpired, map[string]any{
		"name":       name,
		"deleted_at": deletedAt.UTC().Format(time.RFC3339),
	})
}

// CheckHealth reports configuration only; the endpoint is not probed.
func (w *Webhook) CheckHealth(context.Context) ComponentHealth {
	return ComponentHealth{Status: ComponentStatusUp, Message: "configured"}
}

// send posts the payload, retrying with quadratic backoff until the
// endpoint answers 2xx, the retries run out or ctx ends.
func (w *Webhook) send(ctx context.Context, event WebhookEvent, data map[string]any) error {
	payload := WebhookPayload{Event: event, Timestamp: w.now().UTC(), Data: data}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= w.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("webhook %s: %w (last error: %v)", event, ctx.Err(), lastErr)
			case <-time.After(w.backoff(attempt)):
			}
		}

		lastErr = w.post(ctx, payload, body)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("webhook %s failed after %d attempts: %w", event, w.cfg.RetryCount+1, lastErr)
}

func (w *Webhook) post(ctx context.Context, payload WebhookPayload, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "rcs-ft-upload-webhook/1.0")
	req.Header.Set("X-Webhook-Event", string(payload.Event))
	req.Header.Set("X-Webhook-Timestamp", payload.Timestamp.Format(time.RFC3339))
	if w.cfg.Secret != "" {
		req.Header.Set("X-Webhook-Signature", webhookSignature(body, w.cfg.Secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// webhookSignature is the hex HMAC-SHA256 of body, prefixed with "sha256=".
func webhookSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
