// Package swapclient is an HTTP client for the swap/execution provider that
// carries settlements onto the destination ledger.
package swapclient

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

	"go.uber.org/zap"

	zpay "github.com/zpay-labs/zpay"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrMissingOrderID        = errors.New("swap provider response has no transaction identifier")
	ErrMissingDepositAddress = errors.New("swap provider response has no deposit address")
)

// ProviderError is a non-2xx answer from the provider
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("swap provider returned %d: %s", e.StatusCode, e.Body)
}

// ============================================================================
// Client
// ============================================================================

const (
	DefaultTimeout      = 20 * time.Second
	DefaultProviderName = "changenow"

	// createRetries is the number of attempts on 429 rate limit answers
	createRetries = 3
)

// Config configures the provider client
type Config struct {
	// URL is the provider's API base URL
	URL string

	// APIKey is sent verbatim in the Authorization header
	APIKey string

	// ProviderName selects the upstream exchange on aggregating providers
	ProviderName string

	// Fixed requests a fixed-rate quote
	Fixed bool

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 20s)
	Timeout time.Duration

	// RetryBaseDelay is the first backoff after a 429 (optional, defaults to 1s)
	RetryBaseDelay time.Duration
}

// Client creates provider transactions
type Client struct {
	url            string
	apiKey         string
	providerName   string
	fixed          bool
	httpClient     *http.Client
	retryBaseDelay time.Duration
	log            *zap.Logger
}

var _ zpay.SettlementDispatcher = (*Client)(nil)

// New creates a provider client
func New(config Config, logger *zap.Logger) (*Client, error) {
	if config.URL == "" {
		return nil, errors.New("swap provider url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	providerName := config.ProviderName
	if providerName == "" {
		providerName = DefaultProviderName
	}
	retryBaseDelay := config.RetryBaseDelay
	if retryBaseDelay == 0 {
		retryBaseDelay = time.Second
	}

	return &Client{
		url:            strings.TrimRight(config.URL, "/"),
		apiKey:         config.APIKey,
		providerName:   providerName,
		fixed:          config.Fixed,
		httpClient:     httpClient,
		retryBaseDelay: retryBaseDelay,
		log:            logger.Named("swapclient"),
	}, nil
}

// CreateTransactionRequest is the provider's createTransaction payload
type CreateTransactionRequest struct {
	ProviderName string `json:"provider_name"`
	CurrencyFrom string `json:"currency_from"`
	CurrencyTo   string `json:"currency_to"`
	ToAddress    string `json:"to_address"`
	ToExtraID    string `json:"to_extra_id,omitempty"`
	Amount       string `json:"amount"`
	Fixed        bool   `json:"fixed"`
}

// Transaction is the normalized provider answer
type Transaction struct {
	ID             string
	CurrencyFrom   string
	CurrencyTo     string
	DepositAddress string
	Status         string
	TxTo           string
	Raw            json.RawMessage
}

// Dispatch implements zpay.SettlementDispatcher
func (c *Client) Dispatch(ctx context.Context, req zpay.SettlementRequest) (*zpay.SettlementResult, error) {
	tx, err := c.CreateTransaction(ctx, CreateTransactionRequest{
		ProviderName: c.providerName,
		CurrencyFrom: req.SourceCurrency,
		CurrencyTo:   req.DestinationCurrency,
		ToAddress:    req.DestinationAddress,
		ToExtraID:    req.DestinationTag,
		Amount:       req.Amount,
		Fixed:        c.fixed,
	})
	if err != nil {
		return nil, err
	}

	c.log.Info("swap transaction created",
		zap.String("session_id", req.SessionID),
		zap.String("order_id", tx.ID),
		zap.String("provider_status", tx.Status))

	return &zpay.SettlementResult{
		ProviderOrderID:        tx.ID,
		ProviderDepositAddress: tx.DepositAddress,
		SettlementTxID:         tx.TxTo,
		ProviderStatus:         tx.Status,
	}, nil
}

// CreateTransaction posts to {url}/createTransaction.
// Retries up to 3 times with exponential backoff on 429 rate limit errors.
func (c *Client) CreateTransaction(ctx context.Context, payload CreateTransactionRequest) (*Transaction, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal createTransaction request: %w", err)
	}

	var lastErr error
	for attempt := range createRetries {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/createTransaction", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create createTransaction request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("createTransaction request failed: %w", err)
		}

		responseBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			tx, err := normalize(responseBody)
			if err != nil {
				return nil, err
			}
			if tx.CurrencyFrom == "" {
				tx.CurrencyFrom = payload.CurrencyFrom
			}
			if tx.CurrencyTo == "" {
				tx.CurrencyTo = payload.CurrencyTo
			}
			return tx, nil
		}

		lastErr = &ProviderError{StatusCode: resp.StatusCode, Body: string(responseBody)}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < createRetries-1 {
			delay := c.retryBaseDelay * time.Duration(1<<uint(attempt))
			c.log.Warn("swap provider rate limited, backing off", zap.Duration("delay", delay))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return nil, lastErr
	}
	return nil, lastErr
}

// ============================================================================
// Response normalization
// ============================================================================

var (
	idFields      = []string{"id", "transaction_id", "order_id", "transactionId"}
	addressFields = []string{"payin_address", "deposit_address", "wallet_address"}
)

// normalize maps the provider's varying field names onto Transaction. The
// payload may be wrapped in a "result" object.
func normalize(body []byte) (*Transaction, error) {
	var data map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode createTransaction response: %w", err)
	}

	fields := data
	if inner, ok := data["result"].(map[string]interface{}); ok {
		fields = inner
	}

	id := firstString(fields, idFields)
	if id == "" {
		return nil, ErrMissingOrderID
	}
	address := firstString(fields, addressFields)
	if address == "" {
		return nil, ErrMissingDepositAddress
	}

	status := stringField(fields, "status")
	if status == "" {
		status = "created"
	}

	return &Transaction{
		ID:             id,
		CurrencyFrom:   stringField(fields, "currency_from"),
		CurrencyTo:     stringField(fields, "currency_to"),
		DepositAddress: address,
		Status:         status,
		TxTo:           stringField(fields, "tx_to"),
		Raw:            json.RawMessage(body),
	}, nil
}

func firstString(fields map[string]interface{}, names []string) string {
	for _, name := range names {
		if v := stringField(fields, name); v != "" {
			return v
		}
	}
	return ""
}

// stringField reads a string or numeric field as text
func stringField(fields map[string]interface{}, name string) string {
	switch v := fields[name].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
