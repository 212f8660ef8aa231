/*
fiscal.go - Fiscal calendar and the ledger mutability gate

PURPOSE:
  Fiscal years are split into non-overlapping periods. Every budget line
  belongs to exactly one period, and the period decides whether the line
  may still be reserved against or consumed.

PERIOD LIFECYCLE:
  ┌──────┐  adjust   ┌───────────┐
  │ Open │ ────────▶ │ Adjusting │
  │      │ ◀──────── │           │
  └──┬───┘   open    └─────┬─────┘
     │ close               │ close
     ▼                     ▼
  ┌──────────────────────────────┐
  │            Closed            │ ── ReopenPeriod (admin override) ──▶ Open
  └──────────────────────────────┘

  Closing is refused while any live line under the period still holds a
  reservation: those are in-flight approvals that would be stranded.

TRANSACTION WATERMARK:
  TransactionClosedUpTo lets accounting freeze the early part of a period
  while it is still Open. A mutation whose effective date falls on or
  before the watermark fails exactly like a Closed period.

FISCAL YEAR BOUNDS:
  A fiscal year labelled Y covers the twelve months starting on day 1 of
  StartMonth in calendar year Y. With StartMonth=April, FY2025 runs from
  2025-04-01 to 2026-03-31.

SEE ALSO:
  - ledger.go: Calls ensureMutable before every counter change
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// TYPES
// =============================================================================

type PeriodStatus string

const (
	PeriodOpen      PeriodStatus = "open"
	PeriodAdjusting PeriodStatus = "adjusting"
	PeriodClosed    PeriodStatus = "closed"
)

func (s PeriodStatus) Valid() bool {
	return s == PeriodOpen || s == PeriodAdjusting || s == PeriodClosed
}

// Mutable reports whether budgets under a period in this status may change.
func (s PeriodStatus) Mutable() bool {
	return s == PeriodOpen || s == PeriodAdjusting
}

type FiscalYear struct {
	ID   FiscalYearID
	Year int
}

type FiscalPeriod struct {
	ID                    FiscalPeriodID
	FiscalYearID          FiscalYearID
	Name                  string
	StartDate             time.Time
	EndDate               time.Time
	TransactionClosedUpTo *time.Time
	Status                PeriodStatus
}

// Contains reports whether day d lies in [StartDate, EndDate].
func (p FiscalPeriod) Contains(d time.Time) bool {
	d = Day(d)
	return !d.Before(p.StartDate) && !d.After(p.EndDate)
}

func (p FiscalPeriod) overlaps(o FiscalPeriod) bool {
	return !p.StartDate.After(o.EndDate) && !o.StartDate.After(p.EndDate)
}

// Day truncates t to midnight UTC. Period bounds and watermarks are days.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// periodTransitions lists the normal lifecycle moves. Closed has none;
// leaving it requires ReopenPeriod.
var periodTransitions = map[PeriodStatus][]PeriodStatus{
	PeriodOpen:      {PeriodAdjusting, PeriodClosed},
	PeriodAdjusting: {PeriodOpen, PeriodClosed},
	PeriodClosed:    {},
}

// CanTransition reports whether from -> to is a normal lifecycle move.
func CanTransition(from, to PeriodStatus) bool {
	for _, s := range periodTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// =============================================================================
// CALENDAR
// =============================================================================

// Calendar manages fiscal years and periods.
type Calendar struct {
	Store      TxStore
	StartMonth time.Month
	Clock      Clock
}

func NewCalendar(store TxStore, startMonth time.Month) *Calendar {
	if startMonth < time.January || startMonth > time.December {
		startMonth = time.January
	}
	return &Calendar{Store: store, StartMonth: startMonth, Clock: systemClock}
}

// Bounds returns the first and last day of fiscal year y.
func (c *Calendar) Bounds(year int) (time.Time, time.Time) {
	start := time.Date(year, c.StartMonth, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(1, 0, -1)
}

// CreateFiscalYear registers a new year. Years are unique.
func (c *Calendar) CreateFiscalYear(ctx context.Context, year int) (FiscalYear, error) {
	if year < 1900 || year > 9999 {
		return FiscalYear{}, &ValidationError{Field: "year", Message: fmt.Sprintf("year %d out of range", year)}
	}
	var fy FiscalYear
	err := c.Store.WithTx(ctx, func(s Store) error {
		if _, err := s.FindFiscalYear(ctx, year); err == nil {
			return &ConflictError{Reason: fmt.Sprintf("fiscal year %d already exists", year)}
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		fy = FiscalYear{Year: year}
		return s.CreateFiscalYear(ctx, &fy)
	})
	return fy, err
}

// OpenPeriod creates an Open period inside its fiscal year.
func (c *Calendar) OpenPeriod(ctx context.Context, fiscalYearID FiscalYearID, name string, start, end time.Time) (FiscalPeriod, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return FiscalPeriod{}, &ValidationError{Field: "period_name", Message: "required"}
	}
	start, end = Day(start), Day(end)
	if !start.Before(end) {
		return FiscalPeriod{}, &ValidationError{Field: "end_date", Message: "must be after start_date"}
	}

	var p FiscalPeriod
	err := c.Store.WithTx(ctx, func(s Store) error {
		fy, err := s.GetFiscalYear(ctx, fiscalYearID)
		if err != nil {
			return err
		}
		lo, hi := c.Bounds(fy.Year)
		if start.Before(lo) || end.After(hi) {
			return &ValidationError{Field: "start_date", Message: fmt.Sprintf(
				"period must lie within fiscal year %d (%s to %s)", fy.Year, lo.Format(time.DateOnly), hi.Format(time.DateOnly))}
		}

		p = FiscalPeriod{FiscalYearID: fy.ID, Name: name, StartDate: start, EndDate: end, Status: PeriodOpen}
		existing, err := s.ListPeriods(ctx, fy.ID)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if p.overlaps(e) {
				return &ValidationError{Field: "start_date", Message: fmt.Sprintf("overlaps period %q", e.Name)}
			}
		}
		return s.CreatePeriod(ctx, &p)
	})
	return p, err
}

// TransitionPeriod applies a normal lifecycle move. Closing fails with
// ConflictError while any live line under the period holds a reservation.
func (c *Calendar) TransitionPeriod(ctx context.Context, periodID FiscalPeriodID, to PeriodStatus) (FiscalPeriod, error) {
	if !to.Valid() {
		return FiscalPeriod{}, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", to)}
	}
	var p FiscalPeriod
	err := c.Store.WithTx(ctx, func(s Store) error {
		var err error
		if p, err = s.GetPeriod(ctx, periodID); err != nil {
			return err
		}
		if !CanTransition(p.Status, to) {
			return &ConflictError{Reason: fmt.Sprintf("period %d cannot move from %s to %s", p.ID, p.Status, to)}
		}
		if to == PeriodClosed {
			if err := refuseReserved(ctx, s, p.ID); err != nil {
				return err
			}
		}
		p.Status = to
		return s.UpdatePeriod(ctx, p)
	})
	return p, err
}

// ReopenPeriod is the administrative override taking a Closed period back
// to Open.
func (c *Calendar) ReopenPeriod(ctx context.Context, periodID FiscalPeriodID) (FiscalPeriod, error) {
	var p FiscalPeriod
	err := c.Store.WithTx(ctx, func(s Store) error {
		var err error
		if p, err = s.GetPeriod(ctx, periodID); err != nil {
			return err
		}
		if p.Status != PeriodClosed {
			return &ConflictError{Reason: fmt.Sprintf("period %d is %s, only closed periods can be reopened", p.ID, p.Status)}
		}
		p.Status = PeriodOpen
		return s.UpdatePeriod(ctx, p)
	})
	return p, err
}

// CloseTransactionsUpTo moves the watermark forward to day upTo.
func (c *Calendar) CloseTransactionsUpTo(ctx context.Context, periodID FiscalPeriodID, upTo time.Time) (FiscalPeriod, error) {
	upTo = Day(upTo)
	var p FiscalPeriod
	err := c.Store.WithTx(ctx, func(s Store) error {
		var err error
		if p, err = s.GetPeriod(ctx, periodID); err != nil {
			return err
		}
		if p.Status == PeriodClosed {
			return &ConflictError{Reason: fmt.Sprintf("period %d is closed", p.ID)}
		}
		if !p.Contains(upTo) {
			return &ValidationError{Field: "date", Message: "must lie within the period"}
		}
		if p.TransactionClosedUpTo != nil && upTo.Before(*p.TransactionClosedUpTo) {
			return &ValidationError{Field: "date", Message: fmt.Sprintf(
				"transactions are already closed up to %s", p.TransactionClosedUpTo.Format(time.DateOnly))}
		}
		// Releases happen today; a watermark on or after today would strand them.
		if !upTo.Before(Day(c.Clock())) {
			if err := refuseReserved(ctx, s, p.ID); err != nil {
				return err
			}
		}
		p.TransactionClosedUpTo = &upTo
		return s.UpdatePeriod(ctx, p)
	})
	return p, err
}

// DeletePeriod removes a period that owns no budget lines, soft-deleted
// ones included.
func (c *Calendar) DeletePeriod(ctx context.Context, periodID FiscalPeriodID) error {
	return c.Store.WithTx(ctx, func(s Store) error {
		if _, err := s.GetPeriod(ctx, periodID); err != nil {
			return err
		}
		lines, err := s.ListBudgetLines(ctx, periodID, true)
		if err != nil {
			return err
		}
		if len(lines) > 0 {
			return &ConflictError{Reason: fmt.Sprintf("period %d owns %d budget line(s)", periodID, len(lines))}
		}
		return s.DeletePeriod(ctx, periodID)
	})
}

// IsMutable reports whether the period's status still allows ledger changes.
func (c *Calendar) IsMutable(ctx context.Context, periodID FiscalPeriodID) (bool, error) {
	p, err := c.Store.GetPeriod(ctx, periodID)
	if err != nil {
		return false, err
	}
	return p.Status.Mutable(), nil
}

// refuseReserved fails with ConflictError while any live line under the
// period holds a reservation.
func refuseReserved(ctx context.Context, s Store, periodID FiscalPeriodID) error {
	lines, err := s.ListBudgetLines(ctx, periodID, false)
	if err != nil {
		return err
	}
	for _, b := range lines {
		if b.Reserved.IsPositive() {
			return &ConflictError{Reason: fmt.Sprintf(
				"budget %d still has %s reserved by in-flight approvals", b.ID, b.Reserved.StringFixed(MoneyScale))}
		}
	}
	return nil
}

// =============================================================================
// MUTABILITY GATE
// =============================================================================

// ensureMutable is called by every ledger mutation. It fails with
// PeriodClosedError if the period is Closed, or if at falls on or before
// the transaction watermark.
func ensureMutable(ctx context.Context, s CalendarStore, periodID FiscalPeriodID, at time.Time) (FiscalPeriod, error) {
	p, err := s.GetPeriod(ctx, periodID)
	if err != nil {
		return FiscalPeriod{}, err
	}
	if !p.Status.Mutable() {
		return p, &PeriodClosedError{PeriodID: p.ID, Status: p.Status, At: at}
	}
	if p.TransactionClosedUpTo != nil && !Day(at).After(*p.TransactionClosedUpTo) {
		return p, &PeriodClosedError{PeriodID: p.ID, Status: p.Status, Watermark: p.TransactionClosedUpTo, At: at}
	}
	return p, nil
}
