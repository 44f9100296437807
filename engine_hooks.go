package zpay

import (
	"context"
	"time"
)

// ============================================================================
// Engine Hook Context Types
// ============================================================================

// TransitionContext is passed to transition hooks after a state change is durable
type TransitionContext struct {
	Ctx   context.Context
	Event Event
}

// DispatchContext contains information passed to dispatch hooks
type DispatchContext struct {
	Ctx       context.Context
	Session   PaymentSession
	Request   SettlementRequest
	Timestamp time.Time
}

// DispatchResultContext contains a successful provider response
type DispatchResultContext struct {
	DispatchContext
	Result   SettlementResult
	Duration time.Duration
}

// DispatchFailureContext contains a failed provider call
type DispatchFailureContext struct {
	DispatchContext
	Error    error
	Duration time.Duration
}

// DetectionContext describes one detector call and its outcome
type DetectionContext struct {
	Ctx      context.Context
	Session  PaymentSession
	Result   *DepositResult
	Error    error
	Duration time.Duration
}

// ============================================================================
// Engine Hook Result Types
// ============================================================================

// BeforeDispatchResult lets a hook hold a dispatch back.
// If Abort is true the session stays confirmed and no claim is written;
// the next sweep will try again.
type BeforeDispatchResult struct {
	Abort  bool
	Reason string
}

// ============================================================================
// Engine Hook Function Types
// ============================================================================

// TransitionHook runs after every durable transition, including creation.
// Errors are logged and never affect the transition.
type TransitionHook func(TransitionContext) error

// BeforeDispatchHook runs before the claim is written
type BeforeDispatchHook func(DispatchContext) (*BeforeDispatchResult, error)

// AfterDispatchHook runs after the provider accepted a settlement.
// Errors are logged only.
type AfterDispatchHook func(DispatchResultContext) error

// OnDispatchFailureHook runs after the provider call failed. It cannot
// recover the failure; the session is failed regardless.
type OnDispatchFailureHook func(DispatchFailureContext) error

// DetectionHook observes every detector call
type DetectionHook func(DetectionContext)

// SweepHook runs after a sweep pass with its report
type SweepHook func(context.Context, SweepReport)
