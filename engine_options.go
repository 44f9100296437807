package zpay

import (
	"time"

	"go.uber.org/zap"
)

const (
	DefaultConfirmationsRequired = 3
	DefaultExpiry                = 24 * time.Hour
	DefaultMaxExpiry             = 24 * time.Hour
	DefaultSweepConcurrency      = 8
	DefaultClaimTimeout          = 10 * time.Minute
	DefaultDetectionTimeout      = 20 * time.Second
	DefaultDispatchTimeout       = 30 * time.Second

	DefaultListLimit = 20
	MaxListLimit     = 100

	DefaultSourceCurrency      = "zec"
	DefaultDestinationCurrency = "sol"
)

// engineConfig holds the configuration for Engine
type engineConfig struct {
	logger    *zap.Logger
	clock     Clock
	validator ActionValidator
	guard     *DispatchGuard

	confirmationsRequired   int
	defaultExpiry           time.Duration
	maxExpiry               time.Duration
	sweepConcurrency        int
	claimTimeout            time.Duration
	detectionTimeout        time.Duration
	dispatchTimeout         time.Duration
	retryTransientDetection bool

	sourceCurrency      string
	destinationCurrency string

	transitionHooks      []TransitionHook
	beforeDispatchHooks  []BeforeDispatchHook
	afterDispatchHooks   []AfterDispatchHook
	dispatchFailureHooks []OnDispatchFailureHook
	detectionHooks       []DetectionHook
	sweepHooks           []SweepHook
}

func defaultEngineConfig() engineConfig {
	return engineConfig{
		logger:                  zap.NewNop(),
		clock:                   SystemClock(),
		confirmationsRequired:   DefaultConfirmationsRequired,
		defaultExpiry:           DefaultExpiry,
		maxExpiry:               DefaultMaxExpiry,
		sweepConcurrency:        DefaultSweepConcurrency,
		claimTimeout:            DefaultClaimTimeout,
		detectionTimeout:        DefaultDetectionTimeout,
		dispatchTimeout:         DefaultDispatchTimeout,
		retryTransientDetection: true,
		sourceCurrency:          DefaultSourceCurrency,
		destinationCurrency:     DefaultDestinationCurrency,
	}
}

// Option configures an Engine
type Option func(*engineConfig)

// WithLogger sets the structured logger. A nil logger is ignored.
func WithLogger(logger *zap.Logger) Option {
	return func(c *engineConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock replaces the wall clock, mostly for tests
func WithClock(clock Clock) Option {
	return func(c *engineConfig) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithActionValidator adds destination-ledger checks to Create.
//
// Without a validator only structural checks run.
func WithActionValidator(v ActionValidator) Option {
	return func(c *engineConfig) {
		c.validator = v
	}
}

// WithDispatchGuard shares an in-process guard between engines.
//
// Default: a private guard per engine
func WithDispatchGuard(g *DispatchGuard) Option {
	return func(c *engineConfig) {
		c.guard = g
	}
}

// WithConfirmationsRequired sets the depth stamped on new sessions.
//
// Default: 3
func WithConfirmationsRequired(n int) Option {
	return func(c *engineConfig) {
		c.confirmationsRequired = n
	}
}

// WithExpiry sets the default and maximum session lifetime.
// A create request may ask for any lifetime up to max.
//
// Default: 24 hours for both
func WithExpiry(defaultExpiry, maxExpiry time.Duration) Option {
	return func(c *engineConfig) {
		c.defaultExpiry = defaultExpiry
		c.maxExpiry = maxExpiry
	}
}

// WithSweepConcurrency bounds how many sessions one sweep reconciles at once.
//
// Default: 8
func WithSweepConcurrency(n int) Option {
	return func(c *engineConfig) {
		c.sweepConcurrency = n
	}
}

// WithClaimTimeout sets how long a dispatch claim is honored before a
// sweep treats it as abandoned.
//
// Default: 10 minutes
func WithClaimTimeout(d time.Duration) Option {
	return func(c *engineConfig) {
		c.claimTimeout = d
	}
}

// WithTimeouts bounds each detector and dispatcher call
func WithTimeouts(detection, dispatch time.Duration) Option {
	return func(c *engineConfig) {
		c.detectionTimeout = detection
		c.dispatchTimeout = dispatch
	}
}

// WithRetryTransientDetection controls whether a transient detector error
// leaves the session pending (true) or fails it (false).
//
// Default: true
func WithRetryTransientDetection(retry bool) Option {
	return func(c *engineConfig) {
		c.retryTransientDetection = retry
	}
}

// WithCurrencies sets the provider tickers for the source and destination assets
func WithCurrencies(source, destination string) Option {
	return func(c *engineConfig) {
		c.sourceCurrency = source
		c.destinationCurrency = destination
	}
}

// ============================================================================
// Hook Options
// ============================================================================

func OnTransition(hook TransitionHook) Option {
	return func(c *engineConfig) {
		c.transitionHooks = append(c.transitionHooks, hook)
	}
}

func OnBeforeDispatch(hook BeforeDispatchHook) Option {
	return func(c *engineConfig) {
		c.beforeDispatchHooks = append(c.beforeDispatchHooks, hook)
	}
}

func OnAfterDispatch(hook AfterDispatchHook) Option {
	return func(c *engineConfig) {
		c.afterDispatchHooks = append(c.afterDispatchHooks, hook)
	}
}

func OnDispatchFailure(hook OnDispatchFailureHook) Option {
	return func(c *engineConfig) {
		c.dispatchFailureHooks = append(c.dispatchFailureHooks, hook)
	}
}

func OnDetection(hook DetectionHook) Option {
	return func(c *engineConfig) {
		c.detectionHooks = append(c.detectionHooks, hook)
	}
}

func OnSweep(hook SweepHook) Option {
	return func(c *engineConfig) {
		c.sweepHooks = append(c.sweepHooks, hook)
	}
}
