package zpay

import (
	"context"
	"time"
)

// ============================================================================
// Collaborator contracts
// ============================================================================

// SessionStore persists payment sessions.
//
// All writes are full-record overwrites. Update is conditional: it succeeds
// only when the stored version equals expectedVersion, and it assigns the new
// version on the passed session. The store keeps the pending set consistent
// with the written status inside the same write.
//
// Implementations must be safe for concurrent use.
type SessionStore interface {
	// Create inserts a new session, its creation-time index entry and its
	// pending-set membership.
	Create(ctx context.Context, session *PaymentSession) error

	// Get returns ErrSessionNotFound when the id is unknown or has aged out.
	Get(ctx context.Context, id string) (*PaymentSession, error)

	// Update returns ErrVersionConflict when another writer got there first.
	Update(ctx context.Context, session *PaymentSession, expectedVersion int64) error

	// List returns up to limit sessions created before the cursor session,
	// newest first. An empty or unknown cursor starts from the newest session.
	// hasMore reports whether at least one older session exists.
	List(ctx context.Context, cursor string, limit int) (sessions []PaymentSession, hasMore bool, err error)

	// PendingIDs enumerates the pending set
	PendingIDs(ctx context.Context) ([]string, error)

	// RemovePending drops an id from the pending set
	RemovePending(ctx context.Context, id string) error

	// Ping checks the backend is reachable
	Ping(ctx context.Context) error

	Close() error
}

// DepositDetector queries the source ledger for deposits to an address.
//
// Errors should be *DetectionError so the engine can tell transport failures
// from logical ones.
type DepositDetector interface {
	Detect(ctx context.Context, query DepositQuery) (*DepositResult, error)
}

// AddressAllocator hands out fresh deposit addresses on the source ledger
type AddressAllocator interface {
	NewAddress(ctx context.Context) (string, error)
}

// SettlementDispatcher submits a settlement to the swap/execution provider.
// It must return an error, never an empty result, when the provider's
// response lacks the order id or deposit address.
type SettlementDispatcher interface {
	Dispatch(ctx context.Context, request SettlementRequest) (*SettlementResult, error)
}

// ActionValidator checks a target action against destination-ledger rules
// (address encodings, instruction layout).
type ActionValidator interface {
	ValidateAction(action Action) error
}

// DepositDetectorFunc adapts a function to DepositDetector
type DepositDetectorFunc func(ctx context.Context, query DepositQuery) (*DepositResult, error)

func (f DepositDetectorFunc) Detect(ctx context.Context, query DepositQuery) (*DepositResult, error) {
	return f(ctx, query)
}

// Clock supplies the current time to the engine
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall clock in UTC
func SystemClock() Clock { return systemClock{} }

// SettlementDispatcherFunc adapts a function to SettlementDispatcher
type SettlementDispatcherFunc func(ctx context.Context, request SettlementRequest) (*SettlementResult, error)

func (f SettlementDispatcherFunc) Dispatch(ctx context.Context, request SettlementRequest) (*SettlementResult, error) {
	return f(ctx, request)
}
