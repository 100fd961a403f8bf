package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors checked with errors.Is.
var (
	// ErrMalformedSignal rejects a signal whose required fields are absent
	// or ill-typed. Raised at intake, before any broker/sandbox call.
	ErrMalformedSignal = errors.New("malformed signal")

	// ErrInvalidTransition rejects an order operation that is illegal from
	// the order's current state.
	ErrInvalidTransition = errors.New("invalid order state transition")

	// ErrInvalidTrailDirection rejects a trail request that would move the
	// stop in the unfavorable (risk-widening) direction.
	ErrInvalidTrailDirection = errors.New("trail must tighten the stop, not loosen it")

	// ErrUnknownOrder and ErrUnknownPosition report lookups by ID that
	// matched nothing.
	ErrUnknownOrder    = errors.New("unknown order")
	ErrUnknownPosition = errors.New("unknown position")

	// ErrQuarantined blocks automated mutation of a position that tripped a
	// sync inconsistency, pending manual reconciliation.
	ErrQuarantined = errors.New("position quarantined pending manual reconciliation")
)

// MalformedSignal wraps ErrMalformedSignal with the offending field.
func MalformedSignal(field, msg string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedSignal, field, msg)
}

// ValidationError reports bad order fields, rejected before any broker or
// sandbox call. Never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// BrokerRejection is a remote refusal. Terminal for the order; the Reason is
// the user-facing message mapped from the code table.
type BrokerRejection struct {
	Code   RejectCode
	Reason string
}

func (e *BrokerRejection) Error() string {
	return fmt.Sprintf("broker rejected order: %s", e.Reason)
}

// OverfillError reports fills exceeding an order's requested quantity. This
// is a fatal consistency violation: it is never retried and quarantines the
// order's position until manually reconciled.
type OverfillError struct {
	OrderID   string
	Requested int64
	Attempted int64
}

func (e *OverfillError) Error() string {
	return fmt.Sprintf("overfill on order %s: %d filled against %d requested",
		e.OrderID, e.Attempted, e.Requested)
}

// SyncInconsistency reports ledger overfills, duplicate terminal events, or
// stale sequence numbers detected during sync. Logged and quarantines the
// affected order/position; never silently repaired.
type SyncInconsistency struct {
	OrderID    string
	PositionID string
	Msg        string
}

func (e *SyncInconsistency) Error() string {
	return fmt.Sprintf("sync inconsistency on order %s: %s", e.OrderID, e.Msg)
}

// TransientCommError wraps a network/timeout failure talking to the live
// adapter. Retried with backoff up to a bounded attempt count, then
// escalated to a SyncInconsistency.
type TransientCommError struct {
	Op  string
	Err error
}

func (e *TransientCommError) Error() string {
	return fmt.Sprintf("transient comm error during %s: %v", e.Op, e.Err)
}

func (e *TransientCommError) Unwrap() error { return e.Err }
