package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(Options{})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Payments.ConfirmationsRequired != 3 {
		t.Errorf("Expected 3 confirmations, got %d", cfg.Payments.ConfirmationsRequired)
	}
	if cfg.Store.Retention != 24*time.Hour {
		t.Errorf("Expected 24h retention, got %s", cfg.Store.Retention)
	}
	if cfg.Zcash.Timeout != 15*time.Second {
		t.Errorf("Expected 15s zcash timeout, got %s", cfg.Zcash.Timeout)
	}
	if cfg.Swap.Timeout != 20*time.Second {
		t.Errorf("Expected 20s swap timeout, got %s", cfg.Swap.Timeout)
	}
	if cfg.Webhook.Timeout != 10*time.Second {
		t.Errorf("Expected 10s webhook timeout, got %s", cfg.Webhook.Timeout)
	}
	if cfg.Events.BusTimeout != 2*time.Second {
		t.Errorf("Expected 2s bus timeout, got %s", cfg.Events.BusTimeout)
	}
	if cfg.Payments.SweepInterval != 30*time.Second || cfg.Payments.SweepConcurrency != 8 {
		t.Errorf("Unexpected sweep settings %s/%d", cfg.Payments.SweepInterval, cfg.Payments.SweepConcurrency)
	}
	if cfg.Payments.ClaimTimeout != 10*time.Minute {
		t.Errorf("Expected 10m claim timeout, got %s", cfg.Payments.ClaimTimeout)
	}
	if !cfg.Payments.RetryTransientDetection {
		t.Error("Expected transient detection retry enabled by default")
	}
	if cfg.Swap.ProviderName != "changenow" {
		t.Errorf("Expected changenow provider, got %s", cfg.Swap.ProviderName)
	}
	if err := cfg.Validate(false); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("ZPAY_PAYMENTS_CONFIRMATIONSREQUIRED", "6")
	t.Setenv("ZPAY_PAYMENTS_SWEEPINTERVAL", "45s")
	t.Setenv("ZPAY_SWAP_FIXED", "true")
	t.Setenv("ZCASH_RPC_URL", "http://legacy:8232")
	t.Setenv("QSTASH_TOPIC", "payments")

	cfg, err := Load(Options{})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Payments.ConfirmationsRequired != 6 {
		t.Errorf("Expected 6 confirmations, got %d", cfg.Payments.ConfirmationsRequired)
	}
	if cfg.Payments.SweepInterval != 45*time.Second {
		t.Errorf("Expected 45s sweep interval, got %s", cfg.Payments.SweepInterval)
	}
	if !cfg.Swap.Fixed {
		t.Error("Expected fixed rate from environment")
	}
	if cfg.Zcash.URL != "http://legacy:8232" {
		t.Errorf("Expected legacy zcash url, got %s", cfg.Zcash.URL)
	}
	if cfg.Events.BusTopic != "payments" {
		t.Errorf("Expected legacy bus topic, got %s", cfg.Events.BusTopic)
	}
}

func TestLoad_PrefixedBeatsLegacy(t *testing.T) {
	t.Setenv("ZPAY_ZCASH_URL", "http://prefixed:8232")
	t.Setenv("ZCASH_RPC_URL", "http://legacy:8232")

	cfg, err := Load(Options{})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Zcash.URL != "http://prefixed:8232" {
		t.Errorf("Expected prefixed variable to win, got %s", cfg.Zcash.URL)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zpay.yaml")
	content := `
payments:
  confirmationsRequired: 10
  maxExpiry: 48h
store:
  retention: 72h
swap:
  url: https://swap.example.com
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(Options{ConfigFile: path})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Payments.ConfirmationsRequired != 10 {
		t.Errorf("Expected 10 confirmations, got %d", cfg.Payments.ConfirmationsRequired)
	}
	if cfg.Payments.MaxExpiry != 48*time.Hour {
		t.Errorf("Expected 48h max expiry, got %s", cfg.Payments.MaxExpiry)
	}
	if cfg.Swap.URL != "https://swap.example.com" {
		t.Errorf("Expected swap url from file, got %s", cfg.Swap.URL)
	}
	if cfg.Payments.SweepConcurrency != 8 {
		t.Errorf("Expected default concurrency to survive, got %d", cfg.Payments.SweepConcurrency)
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	if _, err := Load(Options{ConfigFile: filepath.Join(t.TempDir(), "absent.yaml")}); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("ZPAY_WEBHOOK_URL=https://merchant.example.com/hook\n"), 0o600); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("ZPAY_WEBHOOK_URL") })

	cfg, err := Load(Options{EnvFiles: []string{filepath.Join(dir, "missing.env"), path}})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Webhook.URL != "https://merchant.example.com/hook" {
		t.Errorf("Expected webhook url from env file, got %s", cfg.Webhook.URL)
	}
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		t.Helper()
		cfg, err := Load(Options{})
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		cfg.Zcash.URL = "http://node:8232"
		cfg.Swap.URL = "https://swap.example.com"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		upstrm  bool
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}, upstrm: true},
		{name: "zero confirmations", mutate: func(c *Config) { c.Payments.ConfirmationsRequired = 0 }, wantErr: "confirmationsRequired"},
		{name: "retention shorter than max expiry", mutate: func(c *Config) { c.Store.Retention = time.Hour }, wantErr: "store.retention"},
		{name: "username without password", mutate: func(c *Config) { c.Zcash.Username = "rpc" }, wantErr: "both be provided"},
		{name: "cookie and basic auth", mutate: func(c *Config) {
			c.Zcash.Username, c.Zcash.Password, c.Zcash.CookieFile = "rpc", "pw", "/var/lib/zcash/.cookie"
		}, wantErr: "either zcash.cookieFile"},
		{name: "bus token without topic", mutate: func(c *Config) { c.Events.BusToken = "tok" }, wantErr: "busTopic"},
		{name: "negative poll interval", mutate: func(c *Config) { c.Events.PollInterval = -time.Second }, wantErr: "pollInterval"},
		{name: "claim shorter than dispatch", mutate: func(c *Config) { c.Payments.ClaimTimeout = time.Second }, wantErr: "claimTimeout"},
		{name: "missing swap url", mutate: func(c *Config) { c.Swap.URL = "" }, upstrm: true, wantErr: "swap.url"},
		{name: "missing swap url without upstreams", mutate: func(c *Config) { c.Swap.URL = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			err := cfg.Validate(tt.upstrm)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
