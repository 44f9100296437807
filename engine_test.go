package zpay_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	zpay "github.com/zpay-labs/zpay"
	"github.com/zpay-labs/zpay/test/mocks/ledger"
)

const solDestination = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store      *ledger.MemoryStore
	detector   *ledger.Detector
	dispatcher *ledger.Dispatcher
	allocator  *ledger.Allocator
	clock      *ledger.Clock
	events     *ledger.Recorder
	engine     *zpay.Engine
}

func newFixture(t *testing.T, opts ...zpay.Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    ledger.NewMemoryStore(),
		detector: ledger.NewDetector(),
		dispatcher: ledger.NewDispatcher(&zpay.SettlementResult{
			ProviderOrderID:        "X",
			ProviderDepositAddress: "Y",
			SettlementTxID:         "Z",
			ProviderStatus:         "waiting",
		}),
		allocator: &ledger.Allocator{},
		clock:     ledger.NewClock(start),
		events:    &ledger.Recorder{},
	}
	f.engine = f.newEngine(t, opts...)
	return f
}

func (f *fixture) newEngine(t *testing.T, opts ...zpay.Option) *zpay.Engine {
	t.Helper()
	base := []zpay.Option{
		zpay.WithLogger(zaptest.NewLogger(t)),
		zpay.WithClock(f.clock),
		zpay.OnTransition(f.events.Hook()),
	}
	engine, err := zpay.NewEngine(f.store, f.detector, f.dispatcher, f.allocator, append(base, opts...)...)
	require.NoError(t, err)
	return engine
}

func (f *fixture) create(t *testing.T, action zpay.ActionVariant) *zpay.PaymentSession {
	t.Helper()
	session, err := f.engine.Create(context.Background(), zpay.CreateRequest{
		AmountRequested: decimal.RequireFromString("1.0"),
		TargetAction:    zpay.NewAction(action),
	})
	require.NoError(t, err)
	return session
}

func (f *fixture) deposit(address string, confirmations int64) {
	f.detector.Respond(address, &zpay.DepositResult{
		Found:         true,
		TxID:          "tx-" + address,
		Amount:        decimal.RequireFromString("1.0"),
		Confirmations: confirmations,
	}, nil)
}

func (f *fixture) get(t *testing.T, id string) *zpay.PaymentSession {
	t.Helper()
	s, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

func nativeTransfer() zpay.ActionVariant {
	return zpay.TransferNative{Destination: solDestination, Amount: 1_500_000_000}
}

// ============================================================================
// Construction and Create
// ============================================================================

func TestNewEngine_MissingCollaborator(t *testing.T) {
	_, err := zpay.NewEngine(nil, ledger.NewDetector(), ledger.NewDispatcher(nil), &ledger.Allocator{})
	assert.ErrorIs(t, err, zpay.ErrEngineMisconfigured)

	_, err = zpay.NewEngine(ledger.NewMemoryStore(), ledger.NewDetector(), ledger.NewDispatcher(nil), &ledger.Allocator{},
		zpay.WithExpiry(2*time.Hour, time.Hour))
	assert.ErrorIs(t, err, zpay.ErrEngineMisconfigured)
}

func TestCreate(t *testing.T) {
	f := newFixture(t, zpay.WithConfirmationsRequired(3), zpay.WithExpiry(time.Hour, 2*time.Hour))
	ctx := context.Background()

	session := f.create(t, nativeTransfer())

	assert.NotEmpty(t, session.ID)
	assert.Equal(t, "zs1testaddress0001", session.DepositAddress)
	assert.Equal(t, zpay.StatusPending, session.Status)
	assert.Equal(t, 3, session.ConfirmationsRequired)
	assert.Equal(t, start.Add(time.Hour), session.ExpiresAt)
	assert.Equal(t, int64(1), session.Version)

	ids, err := f.store.PendingIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{session.ID}, ids)
	assert.Equal(t, 1, f.events.Count(session.ID, zpay.EventCreated))

	secs := int64(7200)
	custom, err := f.engine.Create(ctx, zpay.CreateRequest{
		AmountRequested:  decimal.RequireFromString("0.25"),
		TargetAction:     zpay.NewAction(zpay.RecordOnly{}),
		ExpiresInSeconds: &secs,
		MerchantID:       "m-1",
	})
	require.NoError(t, err)
	assert.Equal(t, start.Add(2*time.Hour), custom.ExpiresAt)
	assert.Equal(t, "m-1", custom.MerchantID)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t, zpay.WithExpiry(time.Hour, time.Hour))
	ctx := context.Background()

	tooLong := int64(3601)
	overflowing := int64(9_223_372_037)
	zero := int64(0)
	tests := []struct {
		name  string
		req   zpay.CreateRequest
		field string
	}{
		{"zero amount", zpay.CreateRequest{AmountRequested: decimal.Zero, TargetAction: zpay.NewAction(nativeTransfer())}, "amountRequested"},
		{"negative amount", zpay.CreateRequest{AmountRequested: decimal.RequireFromString("-1"), TargetAction: zpay.NewAction(nativeTransfer())}, "amountRequested"},
		{"no action", zpay.CreateRequest{AmountRequested: decimal.RequireFromString("1")}, "targetAction"},
		{"expiry beyond max", zpay.CreateRequest{AmountRequested: decimal.RequireFromString("1"), TargetAction: zpay.NewAction(nativeTransfer()), ExpiresInSeconds: &tooLong}, "expiresInSeconds"},
		{"expiry overflowing a duration", zpay.CreateRequest{AmountRequested: decimal.RequireFromString("1"), TargetAction: zpay.NewAction(nativeTransfer()), ExpiresInSeconds: &overflowing}, "expiresInSeconds"},
		{"zero expiry", zpay.CreateRequest{AmountRequested: decimal.RequireFromString("1"), TargetAction: zpay.NewAction(nativeTransfer()), ExpiresInSeconds: &zero}, "expiresInSeconds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Create(ctx, tt.req)
			var ve *zpay.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	ids, err := f.store.PendingIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids, "rejected requests must not be persisted")
	assert.Equal(t, int64(0), f.allocator.Allocated(), "rejected requests must not allocate addresses")
}

func TestCreate_AllocationFailure(t *testing.T) {
	f := newFixture(t)
	f.allocator.Err = errors.New("node unreachable")

	_, err := f.engine.Create(context.Background(), zpay.CreateRequest{
		AmountRequested: decimal.RequireFromString("1"),
		TargetAction:    zpay.NewAction(nativeTransfer()),
	})
	assert.ErrorIs(t, err, zpay.ErrAddressAllocation)
	assert.False(t, zpay.IsValidationError(err))
	assert.Empty(t, f.events.Events())
}

type rejectAll struct{}

func (rejectAll) ValidateAction(zpay.Action) error {
	return &zpay.ValidationError{Field: "targetAction.destination", Message: "not a valid address"}
}

func TestCreate_ActionValidator(t *testing.T) {
	f := newFixture(t, zpay.WithActionValidator(rejectAll{}))

	_, err := f.engine.Create(context.Background(), zpay.CreateRequest{
		AmountRequested: decimal.RequireFromString("1"),
		TargetAction:    zpay.NewAction(nativeTransfer()),
	})
	assert.True(t, zpay.IsValidationError(err))
}

// ============================================================================
// Detection
// ============================================================================

func TestSweep_ConfirmationDepth(t *testing.T) {
	hold := zpay.OnBeforeDispatch(func(zpay.DispatchContext) (*zpay.BeforeDispatchResult, error) {
		return &zpay.BeforeDispatchResult{Abort: true, Reason: "held for test"}, nil
	})
	f := newFixture(t, zpay.WithConfirmationsRequired(3), hold)
	ctx := context.Background()
	session := f.create(t, nativeTransfer())

	f.deposit(session.DepositAddress, 2)
	report, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Visited)
	assert.Empty(t, report.Transitions)
	assert.Equal(t, zpay.StatusPending, f.get(t, session.ID).Status)

	f.deposit(session.DepositAddress, 3)
	report, err = f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Transitions[zpay.StatusConfirmed])

	got := f.get(t, session.ID)
	assert.Equal(t, zpay.StatusConfirmed, got.Status)
	assert.Equal(t, "tx-"+session.DepositAddress, got.SourceTxID)
	assert.Equal(t, 1, f.events.Count(session.ID, zpay.EventConfirmed))
	assert.Equal(t, 0, f.dispatcher.Calls(session.ID))
}

func TestSweep_DetectionErrors(t *testing.T) {
	transient := &zpay.DetectionError{Transient: true, Err: errors.New("i/o timeout")}
	permanent := &zpay.DetectionError{Err: errors.New("Invalid address")}

	t.Run("transient error leaves session pending", func(t *testing.T) {
		f := newFixture(t)
		session := f.create(t, nativeTransfer())
		f.detector.Respond(session.DepositAddress, nil, transient)

		_, err := f.engine.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, zpay.StatusPending, f.get(t, session.ID).Status)
		assert.Equal(t, 0, f.events.Count(session.ID, zpay.EventFailed))
	})

	t.Run("permanent error fails the session", func(t *testing.T) {
		f := newFixture(t)
		session := f.create(t, nativeTransfer())
		f.detector.Respond(session.DepositAddress, nil, permanent)

		report, err := f.engine.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, report.Transitions[zpay.StatusFailed])

		got := f.get(t, session.ID)
		assert.Equal(t, zpay.StatusFailed, got.Status)
		assert.Equal(t, zpay.ReasonDetectionFailed, got.ErrorReason)
		assert.Equal(t, 1, f.events.Count(session.ID, zpay.EventFailed))
	})

	t.Run("transient error fails when retry is disabled", func(t *testing.T) {
		f := newFixture(t, zpay.WithRetryTransientDetection(false))
		session := f.create(t, nativeTransfer())
		f.detector.Respond(session.DepositAddress, nil, transient)

		_, err := f.engine.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, zpay.ReasonDetectionFailed, f.get(t, session.ID).ErrorReason)
	})
}

// ============================================================================
// Dispatch
// ============================================================================

func TestSweep_ExecutesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.create(t, nativeTransfer())
	f.deposit(session.DepositAddress, 3)

	report, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Transitions[zpay.StatusConfirmed])
	assert.Equal(t, 1, report.Transitions[zpay.StatusExecuted])

	got := f.get(t, session.ID)
	assert.Equal(t, zpay.StatusExecuted, got.Status)
	assert.Equal(t, "X", got.ProviderOrderID)
	assert.Equal(t, "Y", got.ProviderDepositAddress)
	assert.Equal(t, "Z", got.SettlementTxID)
	assert.Equal(t, "waiting", got.ProviderStatus)

	requests := f.dispatcher.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "1.5", requests[0].Amount)
	assert.Equal(t, solDestination, requests[0].DestinationAddress)
	assert.Equal(t, zpay.DefaultSourceCurrency, requests[0].SourceCurrency)
	assert.Equal(t, zpay.DefaultDestinationCurrency, requests[0].DestinationCurrency)

	_, err = f.engine.Sweep(ctx)
	require.NoError(t, err)
	refreshed, err := f.engine.Refresh(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, zpay.StatusExecuted, refreshed.Status)
	assert.Equal(t, 1, f.dispatcher.Calls(session.ID))
}

func TestSweep_RecordOnlyIsUnsupported(t *testing.T) {
	f := newFixture(t)
	session := f.create(t, zpay.RecordOnly{})
	f.deposit(session.DepositAddress, 3)

	_, err := f.engine.Sweep(context.Background())
	require.NoError(t, err)

	got := f.get(t, session.ID)
	assert.Equal(t, zpay.StatusFailed, got.Status)
	assert.Equal(t, zpay.ReasonUnsupportedAction, got.ErrorReason)
	assert.Equal(t, "tx-"+session.DepositAddress, got.SourceTxID)
	assert.Equal(t, 0, f.dispatcher.Calls(session.ID))
}

func TestSweep_TokenAndProgramActionsAreUnsupported(t *testing.T) {
	f := newFixture(t)
	token := f.create(t, zpay.TransferToken{Destination: solDestination, TokenID: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Amount: "1000", Decimals: 6})
	invoke := f.create(t, zpay.ProgramInvoke{ProgramID: "11111111111111111111111111111111", Accounts: []zpay.AccountMeta{{Pubkey: solDestination, IsWritable: true}}, Data: "AgAAAA=="})
	f.deposit(token.DepositAddress, 5)
	f.deposit(invoke.DepositAddress, 5)

	_, err := f.engine.Sweep(context.Background())
	require.NoError(t, err)

	for _, id := range []string{token.ID, invoke.ID} {
		got := f.get(t, id)
		assert.Equal(t, zpay.ReasonUnsupportedAction, got.ErrorReason)
	}
	assert.Empty(t, f.dispatcher.Requests())
}

func TestSweep_DispatchFailure(t *testing.T) {
	t.Run("provider error", func(t *testing.T) {
		f := newFixture(t)
		var failures int
		f.engine = f.newEngine(t, zpay.OnDispatchFailure(func(zpay.DispatchFailureContext) error {
			failures++
			return nil
		}))
		f.dispatcher.FailWith(errors.New("provider returned 502"))
		session := f.create(t, nativeTransfer())
		f.deposit(session.DepositAddress, 3)

		_, err := f.engine.Sweep(context.Background())
		require.NoError(t, err)

		got := f.get(t, session.ID)
		assert.Equal(t, zpay.StatusFailed, got.Status)
		assert.Equal(t, zpay.ReasonSettlementFailed, got.ErrorReason)
		assert.Empty(t, got.ProviderOrderID)
		assert.Equal(t, 1, failures)
	})

	t.Run("response without order id", func(t *testing.T) {
		f := newFixture(t)
		f.dispatcher = ledger.NewDispatcher(&zpay.SettlementResult{ProviderDepositAddress: "Y"})
		f.engine = f.newEngine(t)
		session := f.create(t, nativeTransfer())
		f.deposit(session.DepositAddress, 3)

		_, err := f.engine.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, zpay.ReasonSettlementFailed, f.get(t, session.ID).ErrorReason)
	})
}

func TestSweep_ClaimedSessions(t *testing.T) {
	f := newFixture(t, zpay.WithClaimTimeout(10*time.Minute))
	session := f.create(t, nativeTransfer())

	confirmed := *f.get(t, session.ID)
	confirmed.Status = zpay.StatusConfirmed
	confirmed.SourceTxID = "tx-1"
	confirmed.DispatchToken = "other-process"
	claimedAt := start.Add(-time.Minute)
	confirmed.DispatchClaimedAt = &claimedAt
	f.store.Put(confirmed)

	_, err := f.engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, zpay.StatusConfirmed, f.get(t, session.ID).Status, "live claim belongs to its owner")

	f.clock.Advance(10 * time.Minute)
	_, err = f.engine.Sweep(context.Background())
	require.NoError(t, err)

	got := f.get(t, session.ID)
	assert.Equal(t, zpay.StatusFailed, got.Status)
	assert.Equal(t, zpay.ReasonSettlementFailed, got.ErrorReason)
	assert.Equal(t, 0, f.dispatcher.Calls(session.ID), "an abandoned claim is never re-dispatched")
}

// ============================================================================
// Expiry
// ============================================================================

func TestSweep_Expiry(t *testing.T) {
	f := newFixture(t, zpay.WithExpiry(time.Hour, time.Hour))
	session := f.create(t, nativeTransfer())
	f.deposit(session.DepositAddress, 10)

	f.clock.Advance(time.Hour)
	report, err := f.engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Transitions[zpay.StatusExpired])

	got := f.get(t, session.ID)
	assert.Equal(t, zpay.StatusExpired, got.Status)
	assert.Equal(t, 0, f.detector.Calls(session.DepositAddress), "expiry is checked before any external call")
	assert.Equal(t, 0, f.dispatcher.Calls(session.ID))
	assert.Equal(t, 1, f.events.Count(session.ID, zpay.EventExpired))

	ids, err := f.store.PendingIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSweep_ConfirmedPastExpiryStillSettles(t *testing.T) {
	hold := true
	f := newFixture(t, zpay.WithExpiry(time.Hour, time.Hour), zpay.OnBeforeDispatch(func(zpay.DispatchContext) (*zpay.BeforeDispatchResult, error) {
		return &zpay.BeforeDispatchResult{Abort: hold}, nil
	}))
	session := f.create(t, nativeTransfer())
	f.deposit(session.DepositAddress, 3)

	_, err := f.engine.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, zpay.StatusConfirmed, f.get(t, session.ID).Status)

	hold = false
	f.clock.Advance(2 * time.Hour)
	_, err = f.engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, zpay.StatusExecuted, f.get(t, session.ID).Status)
}

func TestSweep_CollaboratorTimeouts(t *testing.T) {
	t.Run("slow dispatch fails the session", func(t *testing.T) {
		f := newFixture(t, zpay.WithTimeouts(time.Second, 50*time.Millisecond))
		f.dispatcher.SetDelay(5 * time.Second)
		session := f.create(t, nativeTransfer())
		f.deposit(session.DepositAddress, 3)

		began := time.Now()
		_, err := f.engine.Sweep(context.Background())
		require.NoError(t, err)
		assert.Less(t, time.Since(began), 2*time.Second, "dispatch must not outlive its timeout")

		got := f.get(t, session.ID)
		assert.Equal(t, zpay.StatusFailed, got.Status)
		assert.Equal(t, zpay.ReasonSettlementFailed, got.ErrorReason)
		assert.Equal(t, 1, f.dispatcher.Calls(session.ID))
	})

	t.Run("hanging detector leaves the session pending", func(t *testing.T) {
		f := newFixture(t, zpay.WithTimeouts(50*time.Millisecond, time.Second))
		f.detector.SetDelay(5 * time.Second)
		session := f.create(t, nativeTransfer())
		f.deposit(session.DepositAddress, 3)

		began := time.Now()
		_, err := f.engine.Sweep(context.Background())
		require.NoError(t, err)
		assert.Less(t, time.Since(began), 2*time.Second, "detection must not outlive its timeout")

		assert.Equal(t, zpay.StatusPending, f.get(t, session.ID).Status)
		assert.Equal(t, 0, f.dispatcher.Calls(session.ID))
	})

	t.Run("hanging detector fails when retry is disabled", func(t *testing.T) {
		f := newFixture(t, zpay.WithTimeouts(50*time.Millisecond, time.Second), zpay.WithRetryTransientDetection(false))
		f.detector.SetDelay(5 * time.Second)
		session := f.create(t, nativeTransfer())

		_, err := f.engine.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, zpay.ReasonDetectionFailed, f.get(t, session.ID).ErrorReason)
	})
}

// ============================================================================
// Idempotence and ordering
// ============================================================================

func TestSweep_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	executed := f.create(t, nativeTransfer())
	waiting := f.create(t, nativeTransfer())
	f.deposit(executed.DepositAddress, 3)

	_, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	eventsAfterFirst := len(f.events.Events())
	updatesAfterFirst := f.store.Updates()

	report, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Transitions)
	assert.Equal(t, eventsAfterFirst, len(f.events.Events()))
	assert.Equal(t, updatesAfterFirst, f.store.Updates())
	assert.Equal(t, zpay.StatusPending, f.get(t, waiting.ID).Status)
}

func TestStatusNeverMovesBackward(t *testing.T) {
	f := newFixture(t, zpay.WithExpiry(time.Hour, time.Hour))
	ctx := context.Background()

	sessions := []*zpay.PaymentSession{
		f.create(t, nativeTransfer()),
		f.create(t, zpay.RecordOnly{}),
		f.create(t, nativeTransfer()),
		f.create(t, nativeTransfer()),
	}
	f.deposit(sessions[0].DepositAddress, 1)
	f.deposit(sessions[1].DepositAddress, 3)
	f.detector.Respond(sessions[3].DepositAddress, nil, &zpay.DetectionError{Err: errors.New("bad address")})

	for i := 0; i < 4; i++ {
		if i == 1 {
			f.deposit(sessions[0].DepositAddress, 3)
		}
		if i == 2 {
			f.clock.Advance(time.Hour)
		}
		_, err := f.engine.Sweep(ctx)
		require.NoError(t, err)
	}

	for _, ev := range f.events.Events() {
		if ev.Type == zpay.EventCreated {
			continue
		}
		assert.True(t, zpay.CanTransition(ev.Previous, ev.Session.Status),
			"illegal transition %s -> %s for %s", ev.Previous, ev.Session.Status, ev.Session.ID)
	}
	assert.Equal(t, zpay.StatusExecuted, f.get(t, sessions[0].ID).Status)
	assert.Equal(t, zpay.StatusFailed, f.get(t, sessions[1].ID).Status)
	assert.Equal(t, zpay.StatusExpired, f.get(t, sessions[2].ID).Status)
	assert.Equal(t, zpay.StatusFailed, f.get(t, sessions[3].ID).Status)
}

// ============================================================================
// Concurrency
// ============================================================================

func TestConcurrentSweepAndRefresh_DispatchOnce(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.SetDelay(50 * time.Millisecond)
	ctx := context.Background()
	session := f.create(t, nativeTransfer())
	f.deposit(session.DepositAddress, 3)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = f.engine.Sweep(ctx)
				return
			}
			_, _ = f.engine.Refresh(ctx, session.ID)
		}(i)
	}
	wg.Wait()

	got := f.get(t, session.ID)
	assert.Equal(t, zpay.StatusExecuted, got.Status)
	assert.Equal(t, "X", got.ProviderOrderID)
	assert.Equal(t, 1, f.dispatcher.Calls(session.ID))
	assert.Equal(t, 1, f.events.Count(session.ID, zpay.EventExecuted))
	assert.Equal(t, 1, f.events.Count(session.ID, zpay.EventConfirmed))
}

func TestConcurrentEngines_DispatchOnce(t *testing.T) {
	// Two engines with separate in-process guards share one store, as two
	// replicas would. Only the conditional claim write separates them.
	f := newFixture(t)
	f.dispatcher.SetDelay(30 * time.Millisecond)
	other := f.newEngine(t)
	ctx := context.Background()

	const n = 5
	sessions := make([]*zpay.PaymentSession, n)
	for i := range sessions {
		sessions[i] = f.create(t, nativeTransfer())
		f.deposit(sessions[i].DepositAddress, 3)
	}

	var wg sync.WaitGroup
	for _, engine := range []*zpay.Engine{f.engine, other, f.engine, other} {
		wg.Add(1)
		go func(e *zpay.Engine) {
			defer wg.Done()
			_, _ = e.Sweep(ctx)
		}(engine)
	}
	wg.Wait()

	for _, s := range sessions {
		assert.Equal(t, 1, f.dispatcher.Calls(s.ID), "session %s", s.ID)
		assert.Equal(t, zpay.StatusExecuted, f.get(t, s.ID).Status)
	}
}

func TestSweep_CancelledContext(t *testing.T) {
	f := newFixture(t)
	session := f.create(t, nativeTransfer())
	f.deposit(session.DepositAddress, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.engine.Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Empty(t, report.Transitions)

	_, err = f.engine.Refresh(ctx, session.ID)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, zpay.StatusPending, f.get(t, session.ID).Status)
}

// ============================================================================
// Refresh, List, pending set
// ============================================================================

func TestRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Refresh(ctx, "missing")
	assert.ErrorIs(t, err, zpay.ErrSessionNotFound)

	session := f.create(t, nativeTransfer())
	got, err := f.engine.Refresh(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, zpay.StatusPending, got.Status)

	f.deposit(session.DepositAddress, 3)
	got, err = f.engine.Refresh(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, zpay.StatusExecuted, got.Status)
	assert.Equal(t, "Z", got.SettlementTxID)
}

func TestSweep_DropsStalePendingIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.AddPending("aged-out")

	report, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Errors)

	ids, err := f.store.PendingIDs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, ids, "aged-out")
}

func TestSweep_StoreErrorIsCounted(t *testing.T) {
	f := newFixture(t)
	session := f.create(t, nativeTransfer())
	f.deposit(session.DepositAddress, 3)
	f.store.UpdateErr = errors.New("disk full")

	report, err := f.engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, zpay.StatusPending, f.get(t, session.ID).Status)
}

func TestList_Pagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var created []string
	for i := 0; i < 5; i++ {
		created = append(created, f.create(t, nativeTransfer()).ID)
		f.clock.Advance(time.Second)
	}

	var seen []string
	cursor := ""
	pages := 0
	for {
		page, err := f.engine.List(ctx, cursor, 2)
		require.NoError(t, err)
		pages++
		for _, s := range page.Sessions {
			seen = append(seen, s.ID)
		}
		if page.NextCursor == nil {
			break
		}
		cursor = *page.NextCursor
		require.Less(t, pages, 10)
	}

	assert.Equal(t, 3, pages)
	assert.Equal(t, []string{created[4], created[3], created[2], created[1], created[0]}, seen)
}

func TestClampListLimit(t *testing.T) {
	assert.Equal(t, zpay.DefaultListLimit, zpay.ClampListLimit(0))
	assert.Equal(t, zpay.DefaultListLimit, zpay.ClampListLimit(-4))
	assert.Equal(t, 1, zpay.ClampListLimit(1))
	assert.Equal(t, zpay.MaxListLimit, zpay.ClampListLimit(500))
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	session := f.create(t, nativeTransfer())
	f.deposit(session.DepositAddress, 3)

	var sweeps int
	var mu sync.Mutex
	f.engine = f.newEngine(t, zpay.OnSweep(func(context.Context, zpay.SweepReport) {
		mu.Lock()
		sweeps++
		mu.Unlock()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	require.NoError(t, f.engine.Run(ctx, 10*time.Millisecond))

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, sweeps, 2)
	assert.Equal(t, zpay.StatusExecuted, f.get(t, session.ID).Status)
}
