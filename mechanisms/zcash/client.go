// Package zcash talks to a zcashd-compatible node over JSON-RPC. It
// allocates shielded deposit addresses and detects deposits to them.
package zcash

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	zpay "github.com/zpay-labs/zpay"
)

const (
	DefaultTimeout     = 15 * time.Second
	DefaultAddressType = "sapling"
)

// Config describes how to reach the node. Use either Username/Password or
// CookieFile, not both.
type Config struct {
	URL         string
	Username    string
	Password    string
	CookieFile  string
	Timeout     time.Duration
	AddressType string
}

// Client is a zcashd JSON-RPC client
type Client struct {
	rpc         *rpc.Client
	addressType string
	log         *zap.Logger
}

var (
	_ zpay.DepositDetector  = (*Client)(nil)
	_ zpay.AddressAllocator = (*Client)(nil)
)

// Dial creates a client. No request is sent until the first call.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("zcash rpc url is required")
	}
	if cfg.CookieFile != "" && (cfg.Username != "" || cfg.Password != "") {
		return nil, errors.New("zcash rpc: use either a cookie file or basic auth, not both")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.AddressType == "" {
		cfg.AddressType = DefaultAddressType
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []rpc.ClientOption{
		rpc.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	switch {
	case cfg.CookieFile != "":
		opts = append(opts, rpc.WithHTTPAuth(cookieAuth(cfg.CookieFile)))
	case cfg.Username != "" || cfg.Password != "":
		opts = append(opts, rpc.WithHTTPAuth(basicAuth(cfg.Username, cfg.Password)))
	}

	client, err := rpc.DialOptions(ctx, cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create zcash rpc client: %w", err)
	}
	return &Client{
		rpc:         client,
		addressType: cfg.AddressType,
		log:         logger.Named("zcash"),
	}, nil
}

// NewAddress asks the node's wallet for a fresh shielded address
func (c *Client) NewAddress(ctx context.Context) (string, error) {
	var address string
	if err := c.rpc.CallContext(ctx, &address, "z_getnewaddress", c.addressType); err != nil {
		return "", fmt.Errorf("z_getnewaddress failed: %w", err)
	}
	if address == "" {
		return "", errors.New("z_getnewaddress returned an empty address")
	}
	return address, nil
}

// Ping checks that the node answers and returns its block height
func (c *Client) Ping(ctx context.Context) (int64, error) {
	var height int64
	if err := c.rpc.CallContext(ctx, &height, "getblockcount"); err != nil {
		return 0, fmt.Errorf("getblockcount failed: %w", err)
	}
	return height, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

// ============================================================================
// Authentication
// ============================================================================

func basicAuth(user, pass string) rpc.HTTPAuth {
	token := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
	return func(h http.Header) error {
		h.Set("Authorization", "Basic "+token)
		return nil
	}
}

// cookieAuth re-reads the cookie on every request since the node rewrites
// it on restart
func cookieAuth(path string) rpc.HTTPAuth {
	return func(h http.Header) error {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read zcash rpc cookie: %w", err)
		}
		cookie := strings.TrimSpace(string(raw))
		if !strings.Contains(cookie, ":") {
			return fmt.Errorf("zcash rpc cookie %s is not user:password", path)
		}
		h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(cookie)))
		return nil
	}
}
