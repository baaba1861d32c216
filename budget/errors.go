/*
errors.go - Centralized error types for the budget ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match on the sentinels with errors.Is and pull details out of
  the structured errors with errors.As.

ERROR CATEGORIES:
  1. Balance errors    - InsufficientBudget, OverAllocation
  2. Workflow errors   - InvalidTransition, Protected, Conflict
  3. Lookup errors     - NotFound (missing, or archived state mismatch)
  4. Input errors      - Validation
  5. Reporting         - ReconciliationDiscrepancy (non-fatal)

PROPAGATION:
  Every ledger-mutating error aborts the enclosing transaction. Nothing
  is partially persisted; the caller receives the typed error.

SEE ALSO:
  - ledger.go: raises balance errors
  - approval.go: raises workflow errors
  - api/handlers.go: maps errors to HTTP status codes
*/
package budget

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBudget is returned when a consumption exceeds the
	// remaining balance of an allocation or approved budget.
	ErrInsufficientBudget = errors.New("insufficient budget")

	// ErrOverAllocation is returned when a line-item quarter would be
	// consumed past its allocated amount.
	ErrOverAllocation = errors.New("over allocation")

	// ErrInvalidTransition is returned when a workflow action is not allowed
	// from the request's current status.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrNotFound is returned when a record does not exist or is not in the
	// archived state the caller asked for.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation error")

	// ErrReconciliationDiscrepancy marks a reconciliation report that found
	// counters disagreeing with approved documents.
	ErrReconciliationDiscrepancy = errors.New("reconciliation discrepancy")

	// ErrProtected is returned when deleting or rejecting a record that is
	// still referenced by allocation records or requests.
	ErrProtected = errors.New("record is protected by references")

	// ErrConflict is returned when a uniqueness rule would be broken.
	ErrConflict = errors.New("conflict")

	// ErrDuplicateIdempotencyKey is returned when a ledger entry with the
	// same idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrLockNotObtained is returned when a balance lock could not be acquired.
	ErrLockNotObtained = errors.New("lock not obtained")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBudgetError provides details about a balance shortage.
type InsufficientBudgetError struct {
	Scope     string // "allocation" or "approved_budget"
	ID        string
	Kind      RequestKind
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("insufficient budget on %s %s: available %s, requested %s, shortfall %s",
		e.Scope, e.ID, e.Available.StringFixed(MoneyScale), e.Requested.StringFixed(MoneyScale),
		e.Shortfall().StringFixed(MoneyScale))
}

// Shortfall is how much the request exceeds the available amount.
func (e *InsufficientBudgetError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientBudgetError) Unwrap() error { return ErrInsufficientBudget }

// OverAllocationError provides details about a line-item over-consumption.
type OverAllocationError struct {
	LineItemID LineItemID
	ItemKey    string
	Quarter    Quarter
	Available  decimal.Decimal
	Requested  decimal.Decimal
}

func (e *OverAllocationError) Error() string {
	return fmt.Sprintf("over allocation on %s %s: available %s, requested %s",
		e.ItemKey, e.Quarter, e.Available.StringFixed(MoneyScale), e.Requested.StringFixed(MoneyScale))
}

func (e *OverAllocationError) Unwrap() error { return ErrOverAllocation }

// TransitionError describes a rejected workflow action.
type TransitionError struct {
	RequestID RequestID
	From      Status
	Action    string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s request %s in status %s", e.Action, e.RequestID, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// NotFoundError names the missing record.
type NotFoundError struct {
	Model string
	ID    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Model, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func notFound(model string, id any) error {
	return &NotFoundError{Model: model, ID: fmt.Sprint(id)}
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func protected(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtected, fmt.Sprintf(format, args...))
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is caused by caller input or
// business rules rather than an internal failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBudget) ||
		errors.Is(err, ErrOverAllocation) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrProtected) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockNotObtained)
}
