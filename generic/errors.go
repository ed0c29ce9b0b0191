/*
errors.go - Centralized error kinds for the ledger and claim engine

PURPOSE:
  All error kinds in one place for consistency and discoverability.
  Components return structured errors that unwrap to one of the sentinels
  below, so callers branch with errors.Is and inspect details with errors.As.

ERROR CATEGORIES:
  1. Business rule violations - InvalidCeiling, InvalidAmount, QuotaExceeded,
     DuplicateLineItem, InvalidTransition (never retry blindly)
  2. Lookup failures - NotFound
  3. Transient failures - LockTimeout, PersistenceUnavailable (retry with backoff)

RECOVERABILITY:
  Every error leaves the entity in its prior valid state. Nothing in the core
  is fatal.

USAGE:
  res, err := l.Consume(ctx, in)
  var qe *generic.QuotaExceededError
  if errors.As(err, &qe) {
      log.Warn().Str("remaining", qe.Remaining().String()).Msg("quota exceeded")
  }
  if generic.IsRetryable(err) {
      // back off and try again
  }
*/
package generic

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidCeiling is returned when an authorization ceiling is negative.
	ErrInvalidCeiling = errors.New("invalid ceiling")

	// ErrInvalidAmount is returned when a consumed amount is not positive.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrQuotaExceeded is returned when a consumption would push the period
	// total past the authorization ceiling.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrDuplicateLineItem is returned when a session is already billed on
	// another live claim, or appears twice on the same claim.
	ErrDuplicateLineItem = errors.New("duplicate line item")

	// ErrInvalidTransition is returned when a claim operation is not allowed
	// from the claim's current status.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrLockTimeout is returned when the per-entity lock could not be acquired
	// in time. Safe to retry with backoff.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrNotFound is returned when a referenced entity doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrPersistenceUnavailable wraps connectivity or busy failures from the
	// storage collaborator. Retryable by the caller.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")

	// ErrInvalidInput is returned for malformed requests (missing ids, unknown units).
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicateIdempotencyKey is returned when a consumption with the same
	// idempotency key already exists. This is expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// OpError attaches the operation, entity and current state to an error kind.
type OpError struct {
	Kind   error
	Op     string
	Entity string
	State  string
	Err    error
}

func (e *OpError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Op, e.Entity, e.Kind)
	if e.State != "" {
		msg += " (state: " + e.State + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OpError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// QuotaExceededError provides details about a rejected consumption.
type QuotaExceededError struct {
	Key       string
	PeriodID  string
	Ceiling   decimal.Decimal
	Consumed  decimal.Decimal
	Requested decimal.Decimal
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s in %s: ceiling %s, consumed %s, requested %s",
		e.Key, e.PeriodID, e.Ceiling, e.Consumed, e.Requested)
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// Remaining returns what could still have been consumed.
func (e *QuotaExceededError) Remaining() decimal.Decimal {
	return e.Ceiling.Sub(e.Consumed)
}

// TransitionError reports an operation attempted from a status that does not allow it.
type TransitionError struct {
	ClaimID string
	Op      string
	From    string
	Reason  string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("claim %s: cannot %s from status %s", e.ClaimID, e.Op, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// DuplicateLineItemError reports a session that cannot be billed again.
type DuplicateLineItemError struct {
	SessionID       string
	ExistingClaimID string // empty when the duplicate is within the same draft
}

func (e *DuplicateLineItemError) Error() string {
	if e.ExistingClaimID == "" {
		return fmt.Sprintf("session %s appears more than once on the claim", e.SessionID)
	}
	return fmt.Sprintf("session %s already claimed by %s", e.SessionID, e.ExistingClaimID)
}

func (e *DuplicateLineItemError) Unwrap() error { return ErrDuplicateLineItem }

// LockTimeoutError reports which key could not be locked and for how long we waited.
type LockTimeoutError struct {
	Key    string
	Waited time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock %s not acquired within %s", e.Key, e.Waited)
}

func (e *LockTimeoutError) Unwrap() error { return ErrLockTimeout }

// Unavailable wraps a storage failure as ErrPersistenceUnavailable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistenceUnavailable, err)
}

// NotFound builds an OpError of kind ErrNotFound.
func NotFound(op, entity string) error {
	return &OpError{Kind: ErrNotFound, Op: op, Entity: entity}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrPersistenceUnavailable)
}

// IsClientError returns true if the error is due to invalid input or a
// business rule the caller violated.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidCeiling) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrDuplicateLineItem) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
