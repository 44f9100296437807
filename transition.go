package zpay

import (
	"fmt"
	"time"
)

// allowed lists every status change the engine may write
var allowed = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusExpired, StatusFailed},
	StatusConfirmed: {StatusExecuted, StatusFailed},
}

// CanTransition reports whether a session may move from one status to another
func CanTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// The functions below are pure reducers: they take the last stored record and
// an external observation and return the record to write. They never touch
// the store and never mutate their input.

// Expire moves a pending session past its deadline to expired
func Expire(s PaymentSession, now time.Time) (PaymentSession, error) {
	if s.Status == StatusExpired {
		return s, nil
	}
	if !CanTransition(s.Status, StatusExpired) {
		return s, &TransitionError{From: s.Status, To: StatusExpired}
	}
	if !s.IsExpired(now) {
		return s, fmt.Errorf("session %s does not expire until %s", s.ID, s.ExpiresAt.Format(time.RFC3339))
	}

	next := s.Clone()
	next.Status = StatusExpired
	next.UpdatedAt = now
	return next, nil
}

// Confirm records a qualifying deposit. Re-applying the same deposit to an
// already confirmed session is a no-op; a different transaction is rejected.
func Confirm(s PaymentSession, deposit DepositResult, now time.Time) (PaymentSession, error) {
	if s.Status == StatusConfirmed && s.SourceTxID == deposit.TxID {
		return s, nil
	}
	if !CanTransition(s.Status, StatusConfirmed) {
		return s, &TransitionError{From: s.Status, To: StatusConfirmed}
	}
	if !Qualifies(s, deposit) {
		return s, fmt.Errorf("deposit %q does not satisfy session %s", deposit.TxID, s.ID)
	}

	next := s.Clone()
	next.Status = StatusConfirmed
	next.SourceTxID = deposit.TxID
	next.UpdatedAt = now
	return next, nil
}

// Qualifies reports whether a detector result satisfies both the amount and
// the confirmation depth the session asks for
func Qualifies(s PaymentSession, deposit DepositResult) bool {
	if !deposit.Found || deposit.TxID == "" {
		return false
	}
	if deposit.Amount.LessThan(s.AmountRequested) {
		return false
	}
	return deposit.Confirmations >= int64(s.ConfirmationsRequired)
}

// ClaimDispatch marks a confirmed session as owned by one dispatch attempt.
// It fails when a settlement already exists or another claim is present.
func ClaimDispatch(s PaymentSession, token string, now time.Time) (PaymentSession, error) {
	if s.Status != StatusConfirmed {
		return s, &TransitionError{From: s.Status, To: StatusConfirmed}
	}
	if s.HasSettlement() {
		return s, fmt.Errorf("session %s already settled with order %q", s.ID, s.ProviderOrderID)
	}
	if s.DispatchToken != "" {
		return s, fmt.Errorf("session %s already claimed by dispatch %s", s.ID, s.DispatchToken)
	}

	next := s.Clone()
	next.DispatchToken = token
	claimedAt := now
	next.DispatchClaimedAt = &claimedAt
	next.UpdatedAt = now
	return next, nil
}

// ClaimIsStale reports whether the session's dispatch claim is older than timeout
func ClaimIsStale(s PaymentSession, now time.Time, timeout time.Duration) bool {
	if s.DispatchToken == "" || s.DispatchClaimedAt == nil {
		return false
	}
	return now.Sub(*s.DispatchClaimedAt) >= timeout
}

// Execute records the provider's settlement. Settlement identifiers already
// present on the session are never overwritten.
func Execute(s PaymentSession, result SettlementResult, now time.Time) (PaymentSession, error) {
	if s.Status == StatusExecuted && s.ProviderOrderID == result.ProviderOrderID {
		return s, nil
	}
	if !CanTransition(s.Status, StatusExecuted) {
		return s, &TransitionError{From: s.Status, To: StatusExecuted}
	}
	if result.ProviderOrderID == "" {
		return s, fmt.Errorf("settlement for session %s has no provider order id", s.ID)
	}

	next := s.Clone()
	next.Status = StatusExecuted
	setOnce(&next.ProviderOrderID, result.ProviderOrderID)
	setOnce(&next.ProviderDepositAddress, result.ProviderDepositAddress)
	setOnce(&next.SettlementTxID, result.SettlementTxID)
	if result.ProviderStatus != "" {
		next.ProviderStatus = result.ProviderStatus
	}
	next.UpdatedAt = now
	return next, nil
}

// Fail terminalizes a non-terminal session with a reason
func Fail(s PaymentSession, reason FailureReason, now time.Time) (PaymentSession, error) {
	if s.Status == StatusFailed && s.ErrorReason == reason {
		return s, nil
	}
	if !CanTransition(s.Status, StatusFailed) {
		return s, &TransitionError{From: s.Status, To: StatusFailed}
	}

	next := s.Clone()
	next.Status = StatusFailed
	next.ErrorReason = reason
	next.UpdatedAt = now
	return next, nil
}

func setOnce(field *string, value string) {
	if *field == "" {
		*field = value
	}
}
