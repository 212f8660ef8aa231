/*
errors.go - Centralized error types for the engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify with errors.Is against the sentinels, or errors.As
  against the structured types when they need the details.

ERROR CATEGORIES:
  1. Input errors      - ValidationError (caller's fault, never retried)
  2. Ledger guard rails - DuplicateBudget, PeriodClosed, InsufficientBudget,
                          Overconsumption (business rule violations)
  3. Misconfiguration  - NoAssignee, NoSteps (block submission entirely)
  4. Concurrency       - StaleHop (safe to retry once after re-reading)
  5. State conflicts   - Conflict (e.g. closing a period with reservations)

Nothing in the engine retries internally. Every failure aborts the
surrounding transaction and is returned to the caller.
*/
package engine

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation         = errors.New("validation failed")
	ErrDuplicateBudget    = errors.New("duplicate budget line")
	ErrPeriodClosed       = errors.New("fiscal period is not mutable")
	ErrInsufficientBudget = errors.New("insufficient budget")
	ErrOverconsumption    = errors.New("consumption exceeds reservation")
	ErrNoAssignee         = errors.New("no eligible assignee")
	ErrNoSteps            = errors.New("process has no active steps")
	ErrStaleHop           = errors.New("approval hop is no longer pending")
	ErrConflict           = errors.New("conflict")
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrHierarchyCycle     = errors.New("hierarchy contains a cycle")
	ErrInvariantViolation = errors.New("ledger invariant violated")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// DuplicateBudgetError names the line that already owns the hierarchical key.
// Description is meant to be shown to the user verbatim.
type DuplicateBudgetError struct {
	Key         BudgetKey
	ExistingID  BudgetID
	Description string
}

func (e *DuplicateBudgetError) Error() string {
	return "a budget already exists for " + e.Description
}

func (e *DuplicateBudgetError) Unwrap() error { return ErrDuplicateBudget }

// PeriodClosedError is returned by every ledger mutation against a period
// that is Closed or whose transaction watermark covers the effective date.
type PeriodClosedError struct {
	PeriodID  FiscalPeriodID
	Status    PeriodStatus
	Watermark *time.Time
	At        time.Time
}

func (e *PeriodClosedError) Error() string {
	if e.Status == PeriodClosed || e.Watermark == nil {
		return fmt.Sprintf("fiscal period %d is %s", e.PeriodID, e.Status)
	}
	return fmt.Sprintf("fiscal period %d is closed for transactions up to %s (at %s)",
		e.PeriodID, e.Watermark.Format("2006-01-02"), e.At.Format("2006-01-02"))
}

func (e *PeriodClosedError) Unwrap() error { return ErrPeriodClosed }

// InsufficientBudgetError is returned when a reservation would exceed what
// is left of approved after earlier reservations and consumption.
type InsufficientBudgetError struct {
	BudgetID  BudgetID
	Approved  Money
	Reserved  Money
	Consumed  Money
	Requested Money
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("insufficient budget on line %d: approved %s, reserved %s, consumed %s, requested %s",
		e.BudgetID, e.Approved.StringFixed(MoneyScale), e.Reserved.StringFixed(MoneyScale),
		e.Consumed.StringFixed(MoneyScale), e.Requested.StringFixed(MoneyScale))
}

func (e *InsufficientBudgetError) Unwrap() error { return ErrInsufficientBudget }

// OverconsumptionError is returned when consume asks for more than reserved.
type OverconsumptionError struct {
	BudgetID  BudgetID
	Reserved  Money
	Requested Money
}

func (e *OverconsumptionError) Error() string {
	return fmt.Sprintf("cannot consume %s on line %d: only %s reserved",
		e.Requested.StringFixed(MoneyScale), e.BudgetID, e.Reserved.StringFixed(MoneyScale))
}

func (e *OverconsumptionError) Unwrap() error { return ErrOverconsumption }

// NoAssigneeError means a step could not be routed to anybody.
type NoAssigneeError struct {
	StepID        ProcessStepID
	DesignationID *DesignationID
	ActingUserID  UserID
}

func (e *NoAssigneeError) Error() string {
	if e.DesignationID == nil {
		return fmt.Sprintf("process step %d has neither approver nor designation", e.StepID)
	}
	return fmt.Sprintf("no user with designation %d is reachable from user %d for step %d",
		*e.DesignationID, e.ActingUserID, e.StepID)
}

func (e *NoAssigneeError) Unwrap() error { return ErrNoAssignee }

// NoStepsError means the process has zero active steps.
type NoStepsError struct {
	ProcessID ProcessID
}

func (e *NoStepsError) Error() string {
	return fmt.Sprintf("process %d has no active steps", e.ProcessID)
}

func (e *NoStepsError) Unwrap() error { return ErrNoSteps }

// StaleHopError is returned when the hop left Pending before the action
// committed (another approver won, or the hop was superseded).
type StaleHopError struct {
	HopID  HopID
	Status HopStatus
}

func (e *StaleHopError) Error() string {
	if e.Status == HopPending {
		return fmt.Sprintf("hop %d was superseded by a newer pending hop", e.HopID)
	}
	return fmt.Sprintf("hop %d is %s, not pending", e.HopID, e.Status)
}

func (e *StaleHopError) Unwrap() error { return ErrStaleHop }

// ConflictError reports an operation refused because of current state.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return "conflict: " + e.Reason }

func (e *ConflictError) Unwrap() error { return ErrConflict }

// NotFoundError names the missing row.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %d not found", e.Entity, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func notFound(entity string, id int64) error { return &NotFoundError{Entity: entity, ID: id} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the caller may retry once after re-reading state.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleHop)
}

// IsClientError returns true for failures caused by the request or by
// business rules, as opposed to storage failures.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicateBudget) ||
		errors.Is(err, ErrPeriodClosed) ||
		errors.Is(err, ErrInsufficientBudget) ||
		errors.Is(err, ErrOverconsumption) ||
		errors.Is(err, ErrNoAssignee) ||
		errors.Is(err, ErrNoSteps) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrForbidden)
}

// IsNotFound returns true if the error indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
