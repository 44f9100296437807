// Package config loads zpay settings from defaults, an optional YAML file,
// a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the full service configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Payments PaymentsConfig `mapstructure:"payments"`
	Zcash    ZcashConfig    `mapstructure:"zcash"`
	Swap     SwapConfig     `mapstructure:"swap"`
	Solana   SolanaConfig   `mapstructure:"solana"`
	Events   EventsConfig   `mapstructure:"events"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	EnableMCP       bool          `mapstructure:"enableMcp"`
	EnableMetrics   bool          `mapstructure:"enableMetrics"`
}

// StoreConfig configures the badger session store. An empty Dir keeps
// everything in memory.
type StoreConfig struct {
	Dir        string        `mapstructure:"dir"`
	Retention  time.Duration `mapstructure:"retention"`
	GCInterval time.Duration `mapstructure:"gcInterval"`
}

type PaymentsConfig struct {
	ConfirmationsRequired   int           `mapstructure:"confirmationsRequired"`
	DefaultExpiry           time.Duration `mapstructure:"defaultExpiry"`
	MaxExpiry               time.Duration `mapstructure:"maxExpiry"`
	SweepInterval           time.Duration `mapstructure:"sweepInterval"`
	SweepConcurrency        int           `mapstructure:"sweepConcurrency"`
	ClaimTimeout            time.Duration `mapstructure:"claimTimeout"`
	DetectionTimeout        time.Duration `mapstructure:"detectionTimeout"`
	DispatchTimeout         time.Duration `mapstructure:"dispatchTimeout"`
	RetryTransientDetection bool          `mapstructure:"retryTransientDetection"`
	SourceCurrency          string        `mapstructure:"sourceCurrency"`
	DestinationCurrency     string        `mapstructure:"destinationCurrency"`
}

type ZcashConfig struct {
	URL         string        `mapstructure:"url"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	CookieFile  string        `mapstructure:"cookieFile"`
	Timeout     time.Duration `mapstructure:"timeout"`
	AddressType string        `mapstructure:"addressType"`
}

type SwapConfig struct {
	URL          string        `mapstructure:"url"`
	APIKey       string        `mapstructure:"apiKey"`
	ProviderName string        `mapstructure:"providerName"`
	Fixed        bool          `mapstructure:"fixed"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// SolanaConfig is optional. RPCURL enables the health probe and FeePayer
// (a private or public key) is used when validating transfer actions.
type SolanaConfig struct {
	RPCURL   string `mapstructure:"rpcUrl"`
	FeePayer string `mapstructure:"feePayer"`
}

// EventsConfig configures the message bus and the event feed. A positive
// PollInterval makes the feed poll the store instead of relaying this
// process's transitions, so every replica sees every session.
type EventsConfig struct {
	BusURL           string        `mapstructure:"busUrl"`
	BusToken         string        `mapstructure:"busToken"`
	BusTopic         string        `mapstructure:"busTopic"`
	BusTimeout       time.Duration `mapstructure:"busTimeout"`
	Feed             bool          `mapstructure:"feed"`
	SubscriberBuffer int           `mapstructure:"subscriberBuffer"`
	PollInterval     time.Duration `mapstructure:"pollInterval"`
}

type WebhookConfig struct {
	URL     string        `mapstructure:"url"`
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Validate checks cross-field rules. requireUpstreams is set by commands
// that reach the source ledger and the provider.
func (c *Config) Validate(requireUpstreams bool) error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Payments.ConfirmationsRequired < 1 {
		add("payments.confirmationsRequired must be at least 1")
	}
	if c.Payments.DefaultExpiry <= 0 {
		add("payments.defaultExpiry must be positive")
	}
	if c.Payments.MaxExpiry < c.Payments.DefaultExpiry {
		add("payments.maxExpiry must not be shorter than payments.defaultExpiry")
	}
	if c.Store.Retention < c.Payments.MaxExpiry {
		add("store.retention (%s) must cover payments.maxExpiry (%s)", c.Store.Retention, c.Payments.MaxExpiry)
	}
	if c.Payments.SweepConcurrency < 1 {
		add("payments.sweepConcurrency must be at least 1")
	}
	if c.Payments.ClaimTimeout <= c.Payments.DispatchTimeout {
		add("payments.claimTimeout must be longer than payments.dispatchTimeout")
	}

	hasUser := c.Zcash.Username != ""
	hasPass := c.Zcash.Password != ""
	if hasUser != hasPass {
		add("zcash.username and zcash.password must both be provided when using basic authentication")
	}
	if c.Zcash.CookieFile != "" && (hasUser || hasPass) {
		add("provide either zcash.cookieFile or basic auth credentials, not both")
	}

	if (c.Events.BusToken == "") != (c.Events.BusTopic == "") {
		add("events.busToken and events.busTopic must be set together")
	}
	if c.Events.PollInterval < 0 {
		add("events.pollInterval must not be negative")
	}
	if c.Webhook.Secret != "" && c.Webhook.URL == "" {
		add("webhook.secret is set without webhook.url")
	}

	if requireUpstreams {
		if c.Zcash.URL == "" {
			add("zcash.url is required")
		}
		if c.Swap.URL == "" {
			add("swap.url is required")
		}
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}
