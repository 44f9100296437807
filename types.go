package zpay

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a payment session
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusExecuted  Status = "executed"
	StatusExpired   Status = "expired"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further transition may leave this status
func (s Status) IsTerminal() bool {
	switch s {
	case StatusExecuted, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// NeedsReconciliation reports whether sessions in this status belong in the pending set
func (s Status) NeedsReconciliation() bool {
	return s == StatusPending || s == StatusConfirmed
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusExecuted, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// FailureReason explains why a session ended in StatusFailed
type FailureReason string

const (
	ReasonDetectionFailed   FailureReason = "detection_failed"
	ReasonSettlementFailed  FailureReason = "settlement_failed"
	ReasonUnsupportedAction FailureReason = "unsupported_action"
)

// PaymentSession is one deposit-to-settlement payment attempt.
//
// A session is created pending and only the Engine mutates it afterwards.
// Settlement identifiers are written at most once; their presence means the
// provider has already been called for this session.
type PaymentSession struct {
	ID                    string          `json:"id"`
	DepositAddress        string          `json:"depositAddress"`
	AmountRequested       decimal.Decimal `json:"amountRequested"`
	ConfirmationsRequired int             `json:"confirmationsRequired"`
	TargetAction          Action          `json:"targetAction"`
	Status                Status          `json:"status"`

	SourceTxID             string `json:"sourceTxId,omitempty"`
	SettlementTxID         string `json:"settlementTxId,omitempty"`
	ProviderOrderID        string `json:"providerOrderId,omitempty"`
	ProviderDepositAddress string `json:"providerDepositAddress,omitempty"`
	ProviderStatus         string `json:"providerStatus,omitempty"`

	ErrorReason FailureReason `json:"errorReason,omitempty"`

	MerchantID string                 `json:"merchantId,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`

	// DispatchToken is written by the conditional claim that precedes a
	// provider call. A session carrying a token is owned by that dispatch.
	DispatchToken     string     `json:"dispatchToken,omitempty"`
	DispatchClaimedAt *time.Time `json:"dispatchClaimedAt,omitempty"`

	// Version is incremented by the store on every successful write
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Clone returns a copy that shares no mutable state with s
func (s PaymentSession) Clone() PaymentSession {
	out := s
	if s.Metadata != nil {
		out.Metadata = cloneValue(s.Metadata).(map[string]interface{})
	}
	if s.DispatchClaimedAt != nil {
		t := *s.DispatchClaimedAt
		out.DispatchClaimedAt = &t
	}
	out.TargetAction = s.TargetAction.clone()
	return out
}

// cloneValue copies the maps and slices JSON decoding produces; other values
// are immutable and shared.
func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// HasSettlement reports whether the provider has already been called successfully
func (s PaymentSession) HasSettlement() bool {
	return s.SettlementTxID != "" || s.ProviderOrderID != ""
}

// IsExpired reports whether now is at or past the session's expiry
func (s PaymentSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// ============================================================================
// Events
// ============================================================================

// EventType names a state change published to subscribers
type EventType string

const (
	EventCreated   EventType = "payment.created"
	EventConfirmed EventType = "payment.confirmed"
	EventExecuted  EventType = "payment.executed"
	EventExpired   EventType = "payment.expired"
	EventFailed    EventType = "payment.failed"
)

// EventForStatus returns the event emitted when a session enters status
func EventForStatus(status Status) EventType {
	switch status {
	case StatusConfirmed:
		return EventConfirmed
	case StatusExecuted:
		return EventExecuted
	case StatusExpired:
		return EventExpired
	case StatusFailed:
		return EventFailed
	default:
		return EventCreated
	}
}

// Event is a durable state change of one session
type Event struct {
	Type      EventType      `json:"type"`
	Session   PaymentSession `json:"session"`
	Previous  Status         `json:"previous,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ============================================================================
// Collaborator request/response types
// ============================================================================

// DepositQuery asks the source ledger whether a qualifying deposit arrived
type DepositQuery struct {
	SessionID             string
	Address               string
	Amount                decimal.Decimal
	ConfirmationsRequired int
}

// DepositResult is the detector's answer. Found reports that a single
// transaction of at least the requested amount was received; Confirmations is
// that transaction's depth, which may still be below the requirement.
type DepositResult struct {
	Found         bool
	TxID          string
	Amount        decimal.Decimal
	Confirmations int64
}

// SettlementRequest is the provider-facing description of a settlement
type SettlementRequest struct {
	SessionID           string
	SourceCurrency      string
	DestinationCurrency string
	// Amount is expressed in the destination ledger's display unit
	Amount             string
	DestinationAddress string
	DestinationTag     string
}

// SettlementResult is the normalized provider response
type SettlementResult struct {
	ProviderOrderID        string
	ProviderDepositAddress string
	SettlementTxID         string
	ProviderStatus         string
}

// CreateRequest carries the caller-supplied fields of a new session
type CreateRequest struct {
	AmountRequested  decimal.Decimal        `json:"amountRequested"`
	TargetAction     Action                 `json:"targetAction"`
	MerchantID       string                 `json:"merchantId,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	ExpiresInSeconds *int64                 `json:"expiresInSeconds,omitempty"`
}

// ListResult is one page of sessions, newest first
type ListResult struct {
	Sessions   []PaymentSession `json:"sessions"`
	NextCursor *string          `json:"nextCursor"`
}

// SweepReport summarizes one pass over the pending set
type SweepReport struct {
	Visited     int            `json:"visited"`
	Transitions map[Status]int `json:"transitions"`
	Errors      int            `json:"errors"`
	StartedAt   time.Time      `json:"startedAt"`
	Duration    time.Duration  `json:"duration"`
}
