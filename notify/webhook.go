package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	zpay "github.com/zpay-labs/zpay"
)

const (
	SignatureHeader       = "X-Signature"
	DefaultWebhookTimeout = 10 * time.Second
)

// WebhookConfig configures the merchant callback
type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

// Envelope is the webhook body
type Envelope struct {
	Type      zpay.EventType      `json:"type"`
	Session   zpay.PaymentSession `json:"session"`
	Timestamp string              `json:"timestamp"`
}

// Webhook posts signed envelopes to the merchant
type Webhook struct {
	url        string
	secret     []byte
	httpClient *http.Client
}

var _ Sink = (*Webhook)(nil)

func NewWebhook(config WebhookConfig) (*Webhook, error) {
	if config.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultWebhookTimeout
	}
	return &Webhook{
		url:        config.URL,
		secret:     []byte(config.Secret),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (w *Webhook) Name() string { return "webhook" }

// Send posts the envelope once. The signature header is set only when a
// secret is configured.
func (w *Webhook) Send(ctx context.Context, event zpay.Event) error {
	body, err := EncodeEnvelope(event)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(w.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(w.secret, body))
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// EncodeEnvelope renders the exact bytes that are signed and sent
func EncodeEnvelope(event zpay.Event) ([]byte, error) {
	body, err := json.Marshal(Envelope{
		Type:      event.Type,
		Session:   event.Session,
		Timestamp: timestamp(event.Timestamp),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook envelope: %w", err)
	}
	return body, nil
}

// Sign returns hex(HMAC-SHA256(secret, body))
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature in constant time
func Verify(secret, body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
