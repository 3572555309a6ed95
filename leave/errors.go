/*
errors.go - Error types for the leave engine

PURPOSE:
  Every failure the engine can report, in one place. Callers classify
  errors with errors.Is against the sentinels, or errors.As against the
  structured types when they need the details.

ERROR CATEGORIES:
  1. Client errors - Input or balance problems the caller can fix
  2. Policy violations - Actor not allowed, or request no longer pending
  3. Persistence errors - Storage failed or timed out; safe to retry

USAGE:

    _, err := coord.Submit(ctx, actor, input)
    var insufficient *leave.InsufficientBalanceError
    if errors.As(err, &insufficient) {
        fmt.Println(insufficient.Requested, insufficient.Remaining)
    }

SEE ALSO:
  - coordinator.go: Wraps store failures in PersistenceError
  - api/handlers.go: Maps categories to HTTP status codes
*/
package leave

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the parent of every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrNoBalanceRecord is returned when no balance row exists for
	// (user, leave type, year). Never treated as a zero balance.
	ErrNoBalanceRecord = errors.New("no leave balance found for this type")

	// ErrInsufficientBalance is returned when a reservation would push
	// used days past the allocation.
	ErrInsufficientBalance = errors.New("insufficient leave balance")

	ErrNotFound = errors.New("leave request not found")

	// ErrAlreadyDecided is returned when a transition targets a request
	// that is no longer pending.
	ErrAlreadyDecided = errors.New("leave request already decided")

	ErrForbidden = errors.New("action not permitted")

	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrPersistence is the parent of every *PersistenceError.
	ErrPersistence = errors.New("persistence failure")

	// ErrUnknownLeaveType is returned by catalogs for an unresolved id.
	ErrUnknownLeaveType = errors.New("unknown leave type")

	// ErrAllocationBelowUsage is returned when an allocation would be
	// lowered under the days already used.
	ErrAllocationBelowUsage = errors.New("allocation below used days")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationCode names the rule a submission broke.
type ValidationCode string

const (
	InvalidLeaveType    ValidationCode = "invalid_leave_type"
	InvalidDateRange    ValidationCode = "invalid_date_range"
	InvalidDateFormat   ValidationCode = "invalid_date_format"
	MissingField        ValidationCode = "missing_field"
	NoWorkdays          ValidationCode = "no_workdays"
	EvidenceNotAccepted ValidationCode = "evidence_not_accepted"
	InvalidAmount       ValidationCode = "invalid_amount"
)

type ValidationError struct {
	Code    ValidationCode
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(code ValidationCode, field, msg string) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: msg}
}

// InsufficientBalanceError reports how far a request overshoots.
type InsufficientBalanceError struct {
	Key       BalanceKey
	Requested decimal.Decimal
	Remaining decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient leave balance: requested %s, remaining %s",
		e.Requested.String(), e.Remaining.String())
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// PersistenceError wraps a storage failure. The transaction it happened in
// has been rolled back.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// IsClientError reports errors the caller can fix by changing the request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNoBalanceRecord) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrAllocationBelowUsage)
}

// IsPolicyViolation reports refusals that depend on who is acting or on
// the request's current state.
func IsPolicyViolation(err error) bool {
	return errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrAlreadyDecided) ||
		errors.Is(err, ErrInvalidTransition)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnknownLeaveType)
}

// IsRetryable reports whether the operation may succeed if repeated.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistence)
}

func isDomainError(err error) bool {
	return IsClientError(err) || IsPolicyViolation(err) || IsNotFound(err)
}

// wrapStore turns raw storage failures into a PersistenceError and lets
// domain errors through untouched.
func wrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) || isDomainError(err) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
