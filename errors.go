package zpay

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	ErrSessionNotFound     = errors.New("zpay: payment session not found")
	ErrVersionConflict     = errors.New("zpay: payment session was modified concurrently")
	ErrIllegalTransition   = errors.New("zpay: illegal status transition")
	ErrUnsupportedAction   = errors.New("zpay: target action cannot be dispatched")
	ErrAddressAllocation   = errors.New("zpay: failed to allocate deposit address")
	ErrEngineMisconfigured = errors.New("zpay: engine is missing a collaborator")
)

// ValidationError rejects malformed create input. It is never persisted.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid request: %s", e.Message)
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Message)
}

// IsValidationError returns true if err wraps a ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransitionError describes a rejected state change
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrIllegalTransition.Error(), e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// DetectionError is returned by deposit detectors.
//
// Transient marks failures that say nothing about the deposit itself
// (timeouts, unreachable node, overloaded node). The engine may leave a
// session pending on a transient error instead of failing it.
type DetectionError struct {
	Transient bool
	Err       error
}

func (e *DetectionError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("deposit detection failed (%s): %v", kind, e.Err)
}

func (e *DetectionError) Unwrap() error {
	return e.Err
}

// IsTransientDetectionError returns true if err is a DetectionError marked transient
func IsTransientDetectionError(err error) bool {
	var de *DetectionError
	if errors.As(err, &de) {
		return de.Transient
	}
	return false
}

// UnsupportedActionError is returned when a session's action variant has no
// settlement route through the provider.
type UnsupportedActionError struct {
	Type ActionType
}

func (e *UnsupportedActionError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnsupportedAction.Error(), e.Type)
}

func (e *UnsupportedActionError) Is(target error) bool {
	return target == ErrUnsupportedAction
}
