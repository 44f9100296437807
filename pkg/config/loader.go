package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override: payments.sweepInterval is
// read from ZPAY_PAYMENTS_SWEEPINTERVAL
const EnvPrefix = "ZPAY"

var defaults = map[string]interface{}{
	"server.addr":            ":8080",
	"server.shutdownTimeout": 15 * time.Second,
	"server.enableMcp":       true,
	"server.enableMetrics":   true,

	"store.dir":        "",
	"store.retention":  24 * time.Hour,
	"store.gcInterval": 5 * time.Minute,

	"payments.confirmationsRequired":   3,
	"payments.defaultExpiry":           24 * time.Hour,
	"payments.maxExpiry":               24 * time.Hour,
	"payments.sweepInterval":           30 * time.Second,
	"payments.sweepConcurrency":        8,
	"payments.claimTimeout":            10 * time.Minute,
	"payments.detectionTimeout":        20 * time.Second,
	"payments.dispatchTimeout":         30 * time.Second,
	"payments.retryTransientDetection": true,
	"payments.sourceCurrency":          "zec",
	"payments.destinationCurrency":     "sol",

	"zcash.url":         "",
	"zcash.username":    "",
	"zcash.password":    "",
	"zcash.cookieFile":  "",
	"zcash.timeout":     15 * time.Second,
	"zcash.addressType": "sapling",

	"swap.url":          "",
	"swap.apiKey":       "",
	"swap.providerName": "changenow",
	"swap.fixed":        false,
	"swap.timeout":      20 * time.Second,

	"solana.rpcUrl":   "",
	"solana.feePayer": "",

	"events.busUrl":           "https://qstash.upstash.io/v2",
	"events.busToken":         "",
	"events.busTopic":         "",
	"events.busTimeout":       2 * time.Second,
	"events.feed":             true,
	"events.subscriberBuffer": 64,
	"events.pollInterval":     time.Duration(0),

	"webhook.url":     "",
	"webhook.secret":  "",
	"webhook.timeout": 10 * time.Second,

	"log.level":       "info",
	"log.development": false,
}

// legacyEnv maps keys to the unprefixed variable names older deployments use
var legacyEnv = map[string]string{
	"payments.confirmationsRequired": "PAYMENT_CONFIRMATIONS_REQUIRED",
	"zcash.url":                      "ZCASH_RPC_URL",
	"zcash.username":                 "ZCASH_RPC_USERNAME",
	"zcash.password":                 "ZCASH_RPC_PASSWORD",
	"zcash.cookieFile":               "ZCASH_RPC_COOKIE_PATH",
	"solana.rpcUrl":                  "SOLANA_RPC_URL",
	"solana.feePayer":                "SOLANA_CUSTODIAL_PRIVATE_KEY",
	"swap.url":                       "BRIDGER_API_BASE_URL",
	"swap.apiKey":                    "BRIDGER_API_KEY",
	"swap.providerName":              "BRIDGER_PROVIDER_NAME",
	"swap.fixed":                     "BRIDGER_FIXED_RATE",
	"events.busUrl":                  "QSTASH_URL",
	"events.busToken":                "QSTASH_TOKEN",
	"events.busTopic":                "QSTASH_TOPIC",
	"webhook.url":                    "MERCHANT_WEBHOOK_URL",
	"webhook.secret":                 "MERCHANT_WEBHOOK_SECRET",
}

// Options controls where Load looks
type Options struct {
	// ConfigFile is an optional YAML/TOML/JSON file
	ConfigFile string

	// EnvFiles are loaded into the process environment without overriding
	// variables that are already set. Missing files are skipped.
	EnvFiles []string
}

// Load resolves the configuration. Precedence, highest first: environment,
// env files, config file, defaults.
func Load(opts Options) (*Config, error) {
	for _, file := range opts.EnvFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", file, err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
		names := []string{key, envName(key)}
		if legacy, ok := legacyEnv[key]; ok {
			names = append(names, legacy)
		}
		if err := v.BindEnv(names...); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return &cfg, nil
}

// envName returns the prefixed variable for key
func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

