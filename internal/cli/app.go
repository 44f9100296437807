package cli

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	zpay "github.com/zpay-labs/zpay"
	"github.com/zpay-labs/zpay/mechanisms/svm"
	"github.com/zpay-labs/zpay/mechanisms/zcash"
	"github.com/zpay-labs/zpay/notify"
	"github.com/zpay-labs/zpay/pkg/config"
	"github.com/zpay-labs/zpay/pkg/metrics"
	"github.com/zpay-labs/zpay/pkg/swapclient"
	"github.com/zpay-labs/zpay/store/badgerstore"
)

// app is the wired process: one engine over one store, with its
// collaborators and event delivery
type app struct {
	cfg *config.Config
	log *zap.Logger

	store   *badgerstore.Store
	zcash   *zcash.Client
	solana  *svm.HealthChecker
	swap    *swapclient.Client
	engine  *zpay.Engine
	metrics *metrics.Recorder

	hub    *notify.Hub
	fanout *notify.Fanout
}

// loadConfig resolves and validates the configuration for a command
func loadConfig(opts *RootOptions) (*config.Config, error) {
	loadOpts := config.Options{ConfigFile: opts.ConfigFile}
	if opts.EnvFile != "" {
		loadOpts.EnvFiles = []string{opts.EnvFile}
	}
	cfg, err := config.Load(loadOpts)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(true); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newApp opens the store and connects every collaborator. The caller owns
// the result and must Close it.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: logger}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	a.store, err = badgerstore.Open(cfg.Store.Dir,
		badgerstore.WithRetention(cfg.Store.Retention),
		badgerstore.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	a.zcash, err = zcash.Dial(ctx, zcash.Config{
		URL:         cfg.Zcash.URL,
		Username:    cfg.Zcash.Username,
		Password:    cfg.Zcash.Password,
		CookieFile:  cfg.Zcash.CookieFile,
		Timeout:     cfg.Zcash.Timeout,
		AddressType: cfg.Zcash.AddressType,
	}, logger)
	if err != nil {
		return nil, err
	}

	a.swap, err = swapclient.New(swapclient.Config{
		URL:          cfg.Swap.URL,
		APIKey:       cfg.Swap.APIKey,
		ProviderName: cfg.Swap.ProviderName,
		Fixed:        cfg.Swap.Fixed,
		Timeout:      cfg.Swap.Timeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	payer, err := svm.ParsePayer(cfg.Solana.FeePayer)
	if err != nil {
		return nil, fmt.Errorf("invalid solana.feePayer: %w", err)
	}
	if cfg.Solana.RPCURL != "" {
		a.solana = svm.NewHealthChecker(cfg.Solana.RPCURL)
	}

	sinks, err := eventSinks(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Events.Feed && cfg.Events.PollInterval == 0 {
		a.hub = notify.NewHub(cfg.Events.SubscriberBuffer)
	}
	a.fanout = notify.NewFanout(logger, a.hub, sinks...)

	engineOpts := []zpay.Option{
		zpay.WithLogger(logger),
		zpay.WithActionValidator(svm.NewValidator(payer)),
		zpay.WithConfirmationsRequired(cfg.Payments.ConfirmationsRequired),
		zpay.WithExpiry(cfg.Payments.DefaultExpiry, cfg.Payments.MaxExpiry),
		zpay.WithSweepConcurrency(cfg.Payments.SweepConcurrency),
		zpay.WithClaimTimeout(cfg.Payments.ClaimTimeout),
		zpay.WithTimeouts(cfg.Payments.DetectionTimeout, cfg.Payments.DispatchTimeout),
		zpay.WithRetryTransientDetection(cfg.Payments.RetryTransientDetection),
		zpay.WithCurrencies(cfg.Payments.SourceCurrency, cfg.Payments.DestinationCurrency),
		zpay.OnTransition(a.fanout.Hook()),
	}
	if cfg.Server.EnableMetrics {
		a.metrics = metrics.New()
		engineOpts = append(engineOpts, a.metrics.EngineOptions()...)
	}

	a.engine, err = zpay.NewEngine(a.store, a.zcash, a.swap, a.zcash, engineOpts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// eventSinks builds the configured out-of-process deliveries
func eventSinks(cfg *config.Config) ([]notify.Sink, error) {
	var sinks []notify.Sink

	busCfg := notify.BusConfig{
		URL:     cfg.Events.BusURL,
		Token:   cfg.Events.BusToken,
		Topic:   cfg.Events.BusTopic,
		Timeout: cfg.Events.BusTimeout,
	}
	if busCfg.Enabled() {
		bus, err := notify.NewBus(busCfg)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, bus)
	}

	if cfg.Webhook.URL != "" {
		webhook, err := notify.NewWebhook(notify.WebhookConfig{
			URL:     cfg.Webhook.URL,
			Secret:  cfg.Webhook.Secret,
			Timeout: cfg.Webhook.Timeout,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, webhook)
	}
	return sinks, nil
}

// eventFeed returns the source behind GET /api/payments/events, or nil when
// the feed is disabled
func (a *app) eventFeed() notify.Source {
	switch {
	case !a.cfg.Events.Feed:
		return nil
	case a.cfg.Events.PollInterval > 0:
		return notify.NewPollingSource(a.engine, a.cfg.Events.PollInterval, a.log)
	default:
		return a.hub
	}
}

// pingZcash adapts the node's block height probe to a health check
func (a *app) pingZcash(ctx context.Context) error {
	_, err := a.zcash.Ping(ctx)
	return err
}

// Close waits for pending event deliveries and releases every connection
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.fanout != nil {
		if err := a.fanout.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("event delivery did not drain: %w", err))
		}
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.solana != nil {
		if err := a.solana.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.zcash != nil {
		a.zcash.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
