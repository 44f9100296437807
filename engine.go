package zpay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Engine is the payment session reconciliation engine. It is the only
// component that changes a session's status.
//
// Sweeps and refreshes may run concurrently, in one process or many. Every
// write is conditional on the version that was read, and a settlement is
// only dispatched after a conditional claim write succeeds, so each session
// reaches the provider at most once.
type Engine struct {
	store      SessionStore
	detector   DepositDetector
	dispatcher SettlementDispatcher
	allocator  AddressAllocator

	cfg   engineConfig
	guard *DispatchGuard
	log   *zap.Logger
}

// NewEngine wires the engine to its collaborators
func NewEngine(store SessionStore, detector DepositDetector, dispatcher SettlementDispatcher, allocator AddressAllocator, opts ...Option) (*Engine, error) {
	switch {
	case store == nil:
		return nil, fmt.Errorf("%w: session store", ErrEngineMisconfigured)
	case detector == nil:
		return nil, fmt.Errorf("%w: deposit detector", ErrEngineMisconfigured)
	case dispatcher == nil:
		return nil, fmt.Errorf("%w: settlement dispatcher", ErrEngineMisconfigured)
	case allocator == nil:
		return nil, fmt.Errorf("%w: address allocator", ErrEngineMisconfigured)
	}

	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.confirmationsRequired < 1 {
		return nil, fmt.Errorf("%w: confirmations required must be positive, got %d", ErrEngineMisconfigured, cfg.confirmationsRequired)
	}
	if cfg.defaultExpiry <= 0 || cfg.maxExpiry < cfg.defaultExpiry {
		return nil, fmt.Errorf("%w: expiry %s must be positive and at most %s", ErrEngineMisconfigured, cfg.defaultExpiry, cfg.maxExpiry)
	}
	if cfg.sweepConcurrency < 1 {
		cfg.sweepConcurrency = 1
	}

	guard := cfg.guard
	if guard == nil {
		guard = NewDispatchGuard()
	}

	return &Engine{
		store:      store,
		detector:   detector,
		dispatcher: dispatcher,
		allocator:  allocator,
		cfg:        cfg,
		guard:      guard,
		log:        cfg.logger.Named("engine"),
	}, nil
}

// ============================================================================
// Session API
// ============================================================================

// Create validates the request, allocates a deposit address and stores a new
// pending session. Validation failures are *ValidationError and nothing is
// written for them.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*PaymentSession, error) {
	if err := e.validateCreate(req); err != nil {
		return nil, err
	}

	expiry := e.cfg.defaultExpiry
	if req.ExpiresInSeconds != nil {
		expiry = time.Duration(*req.ExpiresInSeconds) * time.Second
	}

	address, err := e.allocator.NewAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAddressAllocation, err)
	}

	now := e.cfg.clock.Now()
	session := &PaymentSession{
		ID:                    uuid.NewString(),
		DepositAddress:        address,
		AmountRequested:       req.AmountRequested,
		ConfirmationsRequired: e.cfg.confirmationsRequired,
		TargetAction:          req.TargetAction,
		Status:                StatusPending,
		MerchantID:            req.MerchantID,
		Metadata:              req.Metadata,
		CreatedAt:             now,
		UpdatedAt:             now,
		ExpiresAt:             now.Add(expiry),
	}
	if err := e.store.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to store payment session: %w", err)
	}

	e.log.Info("payment session created",
		zap.String("session_id", session.ID),
		zap.String("action", string(session.TargetAction.Type())),
		zap.Time("expires_at", session.ExpiresAt))
	e.runTransitionHooks(ctx, Event{Type: EventCreated, Session: session.Clone(), Timestamp: now})
	return session, nil
}

func (e *Engine) validateCreate(req CreateRequest) error {
	if !req.AmountRequested.IsPositive() {
		return &ValidationError{Field: "amountRequested", Message: "amount must be positive"}
	}
	if err := req.TargetAction.Validate(); err != nil {
		return err
	}
	if e.cfg.validator != nil {
		if err := e.cfg.validator.ValidateAction(req.TargetAction); err != nil {
			return err
		}
	}
	if req.ExpiresInSeconds != nil {
		secs := *req.ExpiresInSeconds
		if secs <= 0 {
			return &ValidationError{Field: "expiresInSeconds", Message: "must be positive"}
		}
		// Compare in seconds; converting first overflows for large inputs.
		if maxSecs := int64(e.cfg.maxExpiry / time.Second); secs > maxSecs {
			return &ValidationError{Field: "expiresInSeconds", Message: fmt.Sprintf("must not exceed %d", maxSecs)}
		}
	}
	return nil
}

// Get returns the stored record without reconciling it
func (e *Engine) Get(ctx context.Context, id string) (*PaymentSession, error) {
	return e.store.Get(ctx, id)
}

// List returns one page of sessions, newest first
func (e *Engine) List(ctx context.Context, cursor string, limit int) (*ListResult, error) {
	limit = ClampListLimit(limit)

	sessions, hasMore, err := e.store.List(ctx, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment sessions: %w", err)
	}

	result := &ListResult{Sessions: sessions}
	if result.Sessions == nil {
		result.Sessions = []PaymentSession{}
	}
	if hasMore && len(sessions) > 0 {
		next := sessions[len(sessions)-1].ID
		result.NextCursor = &next
	}
	return result, nil
}

// ClampListLimit applies the default page size and the upper bound
func ClampListLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

// Refresh reconciles one session synchronously, using the same steps as a
// sweep, and returns the record as it stands afterwards.
func (e *Engine) Refresh(ctx context.Context, id string) (*PaymentSession, error) {
	out, err := e.reconcile(ctx, id)
	if err != nil {
		return nil, err
	}
	return out.session, nil
}

// Ping reports whether the session store is reachable
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// ============================================================================
// Sweep
// ============================================================================

// Sweep reconciles every session in the pending set once. Sessions are
// processed in parallel; a failure on one session is counted in the report
// and does not stop the others. A cancelled context stops new work and never
// causes a transition.
func (e *Engine) Sweep(ctx context.Context) (*SweepReport, error) {
	started := e.cfg.clock.Now()
	wall := time.Now()

	ids, err := e.store.PendingIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending set: %w", err)
	}

	report := &SweepReport{Transitions: make(map[Status]int), StartedAt: started}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(e.cfg.sweepConcurrency)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out, err := e.reconcile(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			report.Visited++
			for _, status := range out.entered {
				report.Transitions[status]++
			}
			if err != nil && !errors.Is(err, ErrSessionNotFound) && ctx.Err() == nil {
				report.Errors++
				e.log.Error("failed to reconcile payment session", zap.String("session_id", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(wall)
	e.log.Debug("sweep finished",
		zap.Int("visited", report.Visited),
		zap.Int("errors", report.Errors),
		zap.Duration("duration", report.Duration))

	for _, hook := range e.cfg.sweepHooks {
		hook(ctx, *report)
	}
	return report, ctx.Err()
}

// Run sweeps immediately and then every interval until ctx is done
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
			e.log.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ============================================================================
// Reconciliation
// ============================================================================

// outcome is what one reconciliation pass did to a session
type outcome struct {
	session *PaymentSession
	entered []Status
}

// reconcile runs expiry, detection and dispatch for one session, in that
// order. Steps that find the session moved by another writer stop quietly.
func (e *Engine) reconcile(ctx context.Context, id string) (outcome, error) {
	var out outcome

	session, err := e.load(ctx, id)
	if err != nil {
		return out, err
	}
	out.session = session

	if session.Status.IsTerminal() {
		return out, nil
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}

	now := e.cfg.clock.Now()
	if session.Status == StatusPending && session.IsExpired(now) {
		next, err := Expire(*session, now)
		if err != nil {
			return out, err
		}
		_, err = e.advance(ctx, &out, next)
		return out, err
	}

	if session.Status == StatusPending {
		if err := e.detect(ctx, &out); err != nil {
			return out, err
		}
		if out.session.Status != StatusConfirmed {
			return out, nil
		}
		reloaded, err := e.load(ctx, id)
		if err != nil {
			return out, err
		}
		out.session = reloaded
	}

	if out.session.Status == StatusConfirmed && !out.session.HasSettlement() {
		if err := e.settle(ctx, &out); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (e *Engine) detect(ctx context.Context, out *outcome) error {
	session := out.session

	dctx, cancel := context.WithTimeout(ctx, e.cfg.detectionTimeout)
	defer cancel()

	started := time.Now()
	result, err := e.detector.Detect(dctx, DepositQuery{
		SessionID:             session.ID,
		Address:               session.DepositAddress,
		Amount:                session.AmountRequested,
		ConfirmationsRequired: session.ConfirmationsRequired,
	})
	for _, hook := range e.cfg.detectionHooks {
		hook(DetectionContext{Ctx: ctx, Session: *session, Result: result, Error: err, Duration: time.Since(started)})
	}

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		transient := IsTransientDetectionError(err) || errors.Is(err, context.DeadlineExceeded)
		if transient && e.cfg.retryTransientDetection {
			e.log.Warn("deposit detection failed, will retry on next sweep",
				zap.String("session_id", session.ID), zap.Error(err))
			return nil
		}

		e.log.Warn("deposit detection failed", zap.String("session_id", session.ID), zap.Error(err))
		next, ferr := Fail(*session, ReasonDetectionFailed, e.cfg.clock.Now())
		if ferr != nil {
			return ferr
		}
		_, err = e.advance(ctx, out, next)
		return err
	}

	if result == nil || !Qualifies(*session, *result) {
		if result != nil && result.Found {
			e.log.Debug("deposit seen but not yet qualifying",
				zap.String("session_id", session.ID),
				zap.String("tx_id", result.TxID),
				zap.Int64("confirmations", result.Confirmations),
				zap.Int("required", session.ConfirmationsRequired))
		}
		return nil
	}

	next, err := Confirm(*session, *result, e.cfg.clock.Now())
	if err != nil {
		return err
	}
	_, err = e.advance(ctx, out, next)
	return err
}

// settle dispatches a confirmed session. The in-process guard makes a
// concurrent caller in this process wait for the owner; the claim write
// keeps other processes out.
func (e *Engine) settle(ctx context.Context, out *outcome) error {
	id := out.session.ID

	leave, wait := e.guard.Enter(*out.session)
	if wait != nil {
		if err := e.guard.Await(ctx, wait); err != nil {
			return err
		}
		current, err := e.load(ctx, id)
		if err != nil {
			return err
		}
		out.session = current
		return nil
	}
	defer leave()

	// Re-read under ownership: an owner may have finished between our
	// load and Enter.
	session, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	out.session = session
	if session.Status != StatusConfirmed || session.HasSettlement() {
		return nil
	}

	now := e.cfg.clock.Now()
	if session.DispatchToken != "" {
		if !ClaimIsStale(*session, now, e.cfg.claimTimeout) {
			return nil
		}
		e.log.Error("dispatch claim abandoned, failing session without re-dispatch",
			zap.String("session_id", id),
			zap.String("dispatch_token", session.DispatchToken))
		next, err := Fail(*session, ReasonSettlementFailed, now)
		if err != nil {
			return err
		}
		_, err = e.advance(ctx, out, next)
		return err
	}

	var transfer TransferNative
	switch v := session.TargetAction.Variant.(type) {
	case TransferNative:
		transfer = v
	case RecordOnly, TransferToken, ProgramInvoke:
		return e.failUnsupported(ctx, out, session.TargetAction.Type())
	default:
		return e.failUnsupported(ctx, out, session.TargetAction.Type())
	}

	req := SettlementRequest{
		SessionID:           id,
		SourceCurrency:      e.cfg.sourceCurrency,
		DestinationCurrency: e.cfg.destinationCurrency,
		Amount:              LamportsToSOL(transfer.Amount),
		DestinationAddress:  transfer.Destination,
	}
	hookCtx := DispatchContext{Ctx: ctx, Session: *session, Request: req, Timestamp: now}
	for _, hook := range e.cfg.beforeDispatchHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return fmt.Errorf("before-dispatch hook failed: %w", err)
		}
		if result != nil && result.Abort {
			e.log.Info("dispatch held back by hook", zap.String("session_id", id), zap.String("reason", result.Reason))
			return nil
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	claimed, err := ClaimDispatch(*session, uuid.NewString(), now)
	if err != nil {
		return err
	}
	if err := e.store.Update(ctx, &claimed, session.Version); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			current, lerr := e.load(ctx, id)
			if lerr != nil {
				return lerr
			}
			out.session = current
			return nil
		}
		return fmt.Errorf("failed to claim dispatch: %w", err)
	}
	out.session = &claimed

	dctx, cancel := context.WithTimeout(ctx, e.cfg.dispatchTimeout)
	defer cancel()

	started := time.Now()
	result, err := e.dispatcher.Dispatch(dctx, req)
	if err == nil && (result == nil || result.ProviderOrderID == "") {
		err = errors.New("provider response carried no order id")
	}
	if err != nil {
		if ctx.Err() != nil {
			// The claim stays; it is failed once it goes stale.
			return ctx.Err()
		}
		e.log.Error("settlement dispatch failed", zap.String("session_id", id), zap.Error(err))
		for _, hook := range e.cfg.dispatchFailureHooks {
			if herr := hook(DispatchFailureContext{DispatchContext: hookCtx, Error: err, Duration: time.Since(started)}); herr != nil {
				e.log.Warn("dispatch failure hook returned error", zap.String("session_id", id), zap.Error(herr))
			}
		}
		next, ferr := Fail(claimed, ReasonSettlementFailed, e.cfg.clock.Now())
		if ferr != nil {
			return ferr
		}
		_, err = e.advance(ctx, out, next)
		return err
	}

	for _, hook := range e.cfg.afterDispatchHooks {
		if herr := hook(DispatchResultContext{DispatchContext: hookCtx, Result: *result, Duration: time.Since(started)}); herr != nil {
			e.log.Warn("after-dispatch hook returned error", zap.String("session_id", id), zap.Error(herr))
		}
	}

	next, err := Execute(claimed, *result, e.cfg.clock.Now())
	if err != nil {
		return err
	}
	// The provider has the order; the record must follow even if the
	// caller went away.
	_, err = e.advance(context.WithoutCancel(ctx), out, next)
	return err
}

func (e *Engine) failUnsupported(ctx context.Context, out *outcome, actionType ActionType) error {
	uerr := &UnsupportedActionError{Type: actionType}
	e.log.Warn("target action has no settlement route",
		zap.String("session_id", out.session.ID), zap.Error(uerr))

	next, err := Fail(*out.session, ReasonUnsupportedAction, e.cfg.clock.Now())
	if err != nil {
		return err
	}
	_, err = e.advance(ctx, out, next)
	return err
}

// advance writes next over out.session and publishes the transition. When
// another writer got there first it reloads the winner's record and returns
// false without error.
func (e *Engine) advance(ctx context.Context, out *outcome, next PaymentSession) (bool, error) {
	prev := out.session
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if next.Status != prev.Status && !CanTransition(prev.Status, next.Status) {
		return false, &TransitionError{From: prev.Status, To: next.Status}
	}

	if err := e.store.Update(ctx, &next, prev.Version); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			e.log.Debug("payment session changed underneath, keeping the other write",
				zap.String("session_id", prev.ID))
			current, lerr := e.load(ctx, prev.ID)
			if lerr != nil {
				return false, lerr
			}
			out.session = current
			return false, nil
		}
		return false, fmt.Errorf("failed to update payment session: %w", err)
	}

	out.session = &next
	if next.Status == prev.Status {
		return true, nil
	}
	out.entered = append(out.entered, next.Status)

	fields := []zap.Field{
		zap.String("session_id", next.ID),
		zap.String("from", string(prev.Status)),
		zap.String("status", string(next.Status)),
	}
	if next.ErrorReason != "" {
		fields = append(fields, zap.String("reason", string(next.ErrorReason)))
	}
	e.log.Info("payment session transitioned", fields...)

	e.runTransitionHooks(ctx, Event{
		Type:      EventForStatus(next.Status),
		Session:   next.Clone(),
		Previous:  prev.Status,
		Timestamp: next.UpdatedAt,
	})
	return true, nil
}

func (e *Engine) runTransitionHooks(ctx context.Context, event Event) {
	for _, hook := range e.cfg.transitionHooks {
		if err := hook(TransitionContext{Ctx: ctx, Event: event}); err != nil {
			e.log.Warn("transition hook returned error",
				zap.String("session_id", event.Session.ID),
				zap.String("event", string(event.Type)),
				zap.Error(err))
		}
	}
}

func (e *Engine) load(ctx context.Context, id string) (*PaymentSession, error) {
	session, err := e.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			e.dropPending(ctx, id)
			return nil, err
		}
		return nil, fmt.Errorf("failed to load payment session %s: %w", id, err)
	}
	return session, nil
}

func (e *Engine) dropPending(ctx context.Context, id string) {
	if err := e.store.RemovePending(ctx, id); err != nil {
		e.log.Warn("failed to drop stale pending entry", zap.String("session_id", id), zap.Error(err))
	}
}
