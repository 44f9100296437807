package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	zpay "github.com/zpay-labs/zpay"
)

const (
	DefaultBusURL     = "https://qstash.upstash.io/v2"
	DefaultBusTimeout = 2 * time.Second
)

// BusConfig configures the at-least-once message bus
type BusConfig struct {
	URL     string
	Token   string
	Topic   string
	Timeout time.Duration
}

// Enabled reports whether both a token and a topic are configured
func (c BusConfig) Enabled() bool {
	return c.Token != "" && c.Topic != ""
}

// BusMessage is the published body
type BusMessage struct {
	Type      zpay.EventType `json:"type"`
	SessionID string         `json:"sessionId"`
	Payload   interface{}    `json:"payload,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// Bus publishes to a QStash-compatible REST endpoint
type Bus struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

var _ Sink = (*Bus)(nil)

func NewBus(config BusConfig) (*Bus, error) {
	if !config.Enabled() {
		return nil, errors.New("event bus needs a token and a topic")
	}
	url := config.URL
	if url == "" {
		url = DefaultBusURL
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultBusTimeout
	}
	return &Bus{
		endpoint:   strings.TrimRight(url, "/") + "/publish/" + config.Topic,
		token:      config.Token,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (b *Bus) Name() string { return "bus" }

// Send publishes the event with the session as payload
func (b *Bus) Send(ctx context.Context, event zpay.Event) error {
	body, err := json.Marshal(BusMessage{
		Type:      event.Type,
		SessionID: event.Session.ID,
		Payload:   event.Session,
		Timestamp: timestamp(event.Timestamp),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal bus message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.token)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("publish request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("bus returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}
