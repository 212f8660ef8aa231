/*
ledger.go - Budget line counters and sub-cost-center rollups

PURPOSE:
  A BudgetLine carries the monetary counters of one
  (fiscal period, department, cost center, sub cost center?) slot.
  The functions in this file are the ONLY legal way to change
  reserved / consumed / approved / balance.

COUNTERS:
  requested   What the owner asked for
  approved    What the organization granted
  reserved    Held by in-flight approval chains
  consumed    Spent by finalized documents
  balance     Always approved - consumed (derived, never written directly)

CRITICAL INVARIANTS (checked after every mutation):
  1. balance == approved - consumed
  2. reserved <= approved
  3. reserved + consumed <= approved  (a reservation never spends money
     that has already been consumed)
  4. per BudgetUsage: consumed <= approved

MUTATIONS:
  ┌──────────┬──────────────────────────────┬────────────────────────┐
  │ Op       │ Effect                       │ Fails with             │
  ├──────────┼──────────────────────────────┼────────────────────────┤
  │ Reserve  │ reserved += x                │ InsufficientBudget     │
  │ Consume  │ reserved -= x, consumed += x │ Overconsumption        │
  │ Release  │ reserved -= min(x, reserved) │ -                      │
  │ Grant    │ approved += x                │ -                      │
  │ Revoke   │ approved -= x                │ Conflict               │
  └──────────┴──────────────────────────────┴────────────────────────┘
  Every mutation first passes the fiscal mutability gate (PeriodClosed)
  and then pushes its deltas into the BudgetUsage row of the line's sub
  cost center, creating the row on first touch.

HIERARCHICAL UNIQUENESS:
  At most one live line per key. The check runs inside the same
  transaction as the insert, so two concurrent creates cannot both pass
  it. The loser gets a DuplicateBudgetError whose Description names the
  clashing fiscal year, department, cost center and sub cost center.

SEE ALSO:
  - fiscal.go: ensureMutable
  - chain.go:  Drives reserve/consume/release from hop outcomes
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// TYPES
// =============================================================================

// LineKind discriminates plain budgets from budget requests.
type LineKind string

const (
	LineBudget        LineKind = "budget"
	LineRequestBudget LineKind = "request_budget"
)

func (k LineKind) Valid() bool { return k == LineBudget || k == LineRequestBudget }

// BudgetKey is the hierarchical key that is unique among live lines.
type BudgetKey struct {
	FiscalPeriodID  FiscalPeriodID
	DepartmentID    DepartmentID
	CostCenterID    CostCenterID
	SubCostCenterID *SubCostCenterID
}

func (k BudgetKey) Validate() error {
	switch {
	case k.FiscalPeriodID <= 0:
		return &ValidationError{Field: "fiscal_period_id", Message: "required"}
	case k.DepartmentID <= 0:
		return &ValidationError{Field: "department_id", Message: "required"}
	case k.CostCenterID <= 0:
		return &ValidationError{Field: "cost_center_id", Message: "required"}
	case k.SubCostCenterID != nil && *k.SubCostCenterID <= 0:
		return &ValidationError{Field: "sub_cost_center_id", Message: "must be positive when set"}
	}
	return nil
}

// Matches is the exact-match rule of the uniqueness check. A key without
// a sub cost center only matches another key without one.
func (k BudgetKey) Matches(o BudgetKey) bool {
	if k.FiscalPeriodID != o.FiscalPeriodID || k.DepartmentID != o.DepartmentID || k.CostCenterID != o.CostCenterID {
		return false
	}
	if k.SubCostCenterID == nil {
		return o.SubCostCenterID == nil
	}
	return o.SubCostCenterID != nil && *o.SubCostCenterID == *k.SubCostCenterID
}

type BudgetLine struct {
	ID   BudgetID
	Kind LineKind
	Key  BudgetKey

	// Plain budgets only.
	TotalRevenuePlanned Money
	TotalRevenueActual  Money
	TotalExpensePlanned Money
	TotalExpenseActual  Money

	Requested Money
	Approved  Money
	Reserved  Money
	Consumed  Money
	Balance   Money

	// Status mirrors the approval status of the budget document itself.
	Status DocumentStatus

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

func (b BudgetLine) Deleted() bool { return b.DeletedAt != nil }

// Available is what a new reservation may still take.
func (b BudgetLine) Available() Money {
	return b.Approved.Sub(b.Reserved).Sub(b.Consumed)
}

// CheckInvariants verifies the counter invariants listed above.
func (b BudgetLine) CheckInvariants() error {
	if !b.Balance.Equal(b.Approved.Sub(b.Consumed)) {
		return fmt.Errorf("%w: budget %d balance %s != approved %s - consumed %s", ErrInvariantViolation,
			b.ID, b.Balance, b.Approved, b.Consumed)
	}
	if b.Reserved.GreaterThan(b.Approved) {
		return fmt.Errorf("%w: budget %d reserved %s > approved %s", ErrInvariantViolation, b.ID, b.Reserved, b.Approved)
	}
	if b.Reserved.IsNegative() || b.Consumed.IsNegative() {
		return fmt.Errorf("%w: budget %d has a negative counter", ErrInvariantViolation, b.ID)
	}
	return nil
}

// BudgetUsage is the rollup of every live line under one sub cost center
// in one fiscal period.
type BudgetUsage struct {
	SubCostCenterID SubCostCenterID
	FiscalPeriodID  FiscalPeriodID
	Approved        Money
	Reserved        Money
	Consumed        Money
	UpdatedAt       time.Time
}

// NewBudgetLine is the input of CreateBudgetLine.
type NewBudgetLine struct {
	Kind LineKind
	Key  BudgetKey

	TotalRevenuePlanned Money
	TotalExpensePlanned Money

	// Requested is used by request budgets; plain budgets request their
	// planned expense.
	Requested Money
}

// =============================================================================
// LEDGER SERVICE
// =============================================================================

// Ledger exposes the budget line operations, each in its own transaction.
// Approval chains use the same rules through ledgerTx inside their own
// transaction.
type Ledger struct {
	Store TxStore
	Clock Clock
}

func NewLedger(store TxStore) *Ledger {
	return &Ledger{Store: store, Clock: systemClock}
}

func (l *Ledger) in(s Store) *ledgerTx { return &ledgerTx{s: s, at: l.Clock()} }

// CreateBudgetLine inserts a line after checking hierarchical uniqueness
// in the same transaction.
func (l *Ledger) CreateBudgetLine(ctx context.Context, in NewBudgetLine) (BudgetLine, error) {
	var b BudgetLine
	err := l.Store.WithTx(ctx, func(s Store) error {
		var err error
		b, err = l.in(s).create(ctx, in)
		return err
	})
	return b, err
}

func (l *Ledger) Get(ctx context.Context, id BudgetID) (BudgetLine, error) {
	return l.Store.GetBudgetLine(ctx, id)
}

// Usage returns the rollup of a sub cost center in a period, zero-valued
// when no line has touched it yet.
func (l *Ledger) Usage(ctx context.Context, subCostCenterID SubCostCenterID, periodID FiscalPeriodID) (BudgetUsage, error) {
	u, err := l.Store.GetUsage(ctx, subCostCenterID, periodID)
	if errors.Is(err, ErrNotFound) {
		return BudgetUsage{SubCostCenterID: subCostCenterID, FiscalPeriodID: periodID}, nil
	}
	return u, err
}

func (l *Ledger) Reserve(ctx context.Context, id BudgetID, amount Money) (BudgetLine, error) {
	return l.mutate(ctx, func(t *ledgerTx) (BudgetLine, error) { return t.reserve(ctx, id, amount) })
}

func (l *Ledger) Consume(ctx context.Context, id BudgetID, amount Money) (BudgetLine, error) {
	return l.mutate(ctx, func(t *ledgerTx) (BudgetLine, error) { return t.consume(ctx, id, amount) })
}

func (l *Ledger) Release(ctx context.Context, id BudgetID, amount Money) (BudgetLine, error) {
	return l.mutate(ctx, func(t *ledgerTx) (BudgetLine, error) { return t.release(ctx, id, amount) })
}

func (l *Ledger) Grant(ctx context.Context, id BudgetID, amount Money) (BudgetLine, error) {
	return l.mutate(ctx, func(t *ledgerTx) (BudgetLine, error) { return t.grant(ctx, id, amount) })
}

func (l *Ledger) Revoke(ctx context.Context, id BudgetID, amount Money) (BudgetLine, error) {
	return l.mutate(ctx, func(t *ledgerTx) (BudgetLine, error) { return t.revoke(ctx, id, amount) })
}

// UpdateBudgetKey moves a line without ledger activity to another key.
func (l *Ledger) UpdateBudgetKey(ctx context.Context, id BudgetID, key BudgetKey) (BudgetLine, error) {
	return l.mutate(ctx, func(t *ledgerTx) (BudgetLine, error) { return t.rekey(ctx, id, key) })
}

// DeleteBudgetLine soft-deletes a line that holds no reservation.
func (l *Ledger) DeleteBudgetLine(ctx context.Context, id BudgetID) (BudgetLine, error) {
	return l.mutate(ctx, func(t *ledgerTx) (BudgetLine, error) { return t.softDelete(ctx, id) })
}

func (l *Ledger) mutate(ctx context.Context, fn func(*ledgerTx) (BudgetLine, error)) (BudgetLine, error) {
	var b BudgetLine
	err := l.Store.WithTx(ctx, func(s Store) error {
		var err error
		b, err = fn(l.in(s))
		return err
	})
	return b, err
}

// =============================================================================
// LEDGER TX - The mutation rules, bound to one transaction's Store
// =============================================================================

type ledgerTx struct {
	s  Store
	at time.Time
}

func (t *ledgerTx) create(ctx context.Context, in NewBudgetLine) (BudgetLine, error) {
	if !in.Kind.Valid() {
		return BudgetLine{}, &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown line kind %q", in.Kind)}
	}
	if err := in.Key.Validate(); err != nil {
		return BudgetLine{}, err
	}
	for field, m := range map[string]Money{
		"total_revenue_planned": in.TotalRevenuePlanned,
		"total_expense_planned": in.TotalExpensePlanned,
		"requested_amount":      in.Requested,
	} {
		if m.IsNegative() {
			return BudgetLine{}, &ValidationError{Field: field, Message: "must not be negative"}
		}
	}
	if err := t.checkKeyRefs(ctx, in.Key); err != nil {
		return BudgetLine{}, err
	}
	if _, err := ensureMutable(ctx, t.s, in.Key.FiscalPeriodID, t.at); err != nil {
		return BudgetLine{}, err
	}
	if err := t.checkUniqueness(ctx, in.Key, 0); err != nil {
		return BudgetLine{}, err
	}

	b := BudgetLine{
		Kind:      in.Kind,
		Key:       in.Key,
		Reserved:  RoundMoney(Money{}),
		Consumed:  RoundMoney(Money{}),
		Status:    DocumentDraft,
		CreatedAt: t.at,
		UpdatedAt: t.at,
	}
	switch in.Kind {
	case LineBudget:
		b.TotalRevenuePlanned = RoundMoney(in.TotalRevenuePlanned)
		b.TotalExpensePlanned = RoundMoney(in.TotalExpensePlanned)
		b.Requested = b.TotalExpensePlanned
		b.Approved = b.TotalExpensePlanned
	case LineRequestBudget:
		b.Requested = RoundMoney(in.Requested)
		b.Approved = RoundMoney(Money{})
	}
	b.Balance = b.Approved.Sub(b.Consumed)

	if err := t.s.InsertBudgetLine(ctx, &b); err != nil {
		return BudgetLine{}, err
	}
	if err := t.propagate(ctx, b, b.Approved, Money{}, Money{}); err != nil {
		return BudgetLine{}, err
	}
	return b, nil
}

func (t *ledgerTx) reserve(ctx context.Context, id BudgetID, amount Money) (BudgetLine, error) {
	b, amount, err := t.load(ctx, id, amount)
	if err != nil {
		return b, err
	}
	if amount.GreaterThan(b.Available()) {
		return b, &InsufficientBudgetError{
			BudgetID: b.ID, Approved: b.Approved, Reserved: b.Reserved, Consumed: b.Consumed, Requested: amount,
		}
	}
	b.Reserved = b.Reserved.Add(amount)
	return t.save(ctx, b, Money{}, amount, Money{})
}

func (t *ledgerTx) consume(ctx context.Context, id BudgetID, amount Money) (BudgetLine, error) {
	b, amount, err := t.load(ctx, id, amount)
	if err != nil {
		return b, err
	}
	if amount.GreaterThan(b.Reserved) {
		return b, &OverconsumptionError{BudgetID: b.ID, Reserved: b.Reserved, Requested: amount}
	}
	b.Reserved = b.Reserved.Sub(amount)
	b.Consumed = b.Consumed.Add(amount)
	b.TotalExpenseActual = b.TotalExpenseActual.Add(amount)
	return t.save(ctx, b, Money{}, amount.Neg(), amount)
}

func (t *ledgerTx) release(ctx context.Context, id BudgetID, amount Money) (BudgetLine, error) {
	b, amount, err := t.load(ctx, id, amount)
	if err != nil {
		return b, err
	}
	if amount.GreaterThan(b.Reserved) {
		amount = b.Reserved
	}
	b.Reserved = b.Reserved.Sub(amount)
	return t.save(ctx, b, Money{}, amount.Neg(), Money{})
}

func (t *ledgerTx) grant(ctx context.Context, id BudgetID, amount Money) (BudgetLine, error) {
	b, amount, err := t.load(ctx, id, amount)
	if err != nil {
		return b, err
	}
	b.Approved = b.Approved.Add(amount)
	return t.save(ctx, b, amount, Money{}, Money{})
}

func (t *ledgerTx) revoke(ctx context.Context, id BudgetID, amount Money) (BudgetLine, error) {
	b, amount, err := t.load(ctx, id, amount)
	if err != nil {
		return b, err
	}
	if amount.GreaterThan(b.Available()) {
		return b, &ConflictError{Reason: fmt.Sprintf(
			"cannot revoke %s from budget %d: only %s is neither reserved nor consumed",
			amount.StringFixed(MoneyScale), b.ID, b.Available().StringFixed(MoneyScale))}
	}
	b.Approved = b.Approved.Sub(amount)
	return t.save(ctx, b, amount.Neg(), Money{}, Money{})
}

func (t *ledgerTx) rekey(ctx context.Context, id BudgetID, key BudgetKey) (BudgetLine, error) {
	if err := key.Validate(); err != nil {
		return BudgetLine{}, err
	}
	b, err := t.getLive(ctx, id)
	if err != nil {
		return b, err
	}
	if !b.Reserved.IsZero() || !b.Consumed.IsZero() {
		return b, &ConflictError{Reason: fmt.Sprintf("budget %d already has ledger activity", b.ID)}
	}
	if err := t.checkKeyRefs(ctx, key); err != nil {
		return b, err
	}
	if _, err := ensureMutable(ctx, t.s, b.Key.FiscalPeriodID, t.at); err != nil {
		return b, err
	}
	if _, err := ensureMutable(ctx, t.s, key.FiscalPeriodID, t.at); err != nil {
		return b, err
	}
	if err := t.checkUniqueness(ctx, key, b.ID); err != nil {
		return b, err
	}

	if err := t.propagate(ctx, b, b.Approved.Neg(), Money{}, Money{}); err != nil {
		return b, err
	}
	b.Key = key
	b.UpdatedAt = t.at
	if err := t.s.UpdateBudgetLine(ctx, b); err != nil {
		return b, err
	}
	return b, t.propagate(ctx, b, b.Approved, Money{}, Money{})
}

func (t *ledgerTx) softDelete(ctx context.Context, id BudgetID) (BudgetLine, error) {
	b, err := t.getLive(ctx, id)
	if err != nil {
		return b, err
	}
	if b.Reserved.IsPositive() {
		return b, &ConflictError{Reason: fmt.Sprintf("budget %d still has %s reserved", b.ID, b.Reserved.StringFixed(MoneyScale))}
	}
	at := t.at
	b.DeletedAt = &at
	b.UpdatedAt = at
	if err := t.s.UpdateBudgetLine(ctx, b); err != nil {
		return b, err
	}
	return b, t.propagate(ctx, b, b.Approved.Neg(), Money{}, b.Consumed.Neg())
}

// setStatus mirrors a budget document's approval status onto its line.
func (t *ledgerTx) setStatus(ctx context.Context, id BudgetID, status DocumentStatus) error {
	b, err := t.getLive(ctx, id)
	if err != nil {
		return err
	}
	b.Status = status
	b.UpdatedAt = t.at
	return t.s.UpdateBudgetLine(ctx, b)
}

// =============================================================================
// HELPERS
// =============================================================================

// load fetches a live line, validates amount and passes the mutability gate.
func (t *ledgerTx) load(ctx context.Context, id BudgetID, amount Money) (BudgetLine, Money, error) {
	amount = RoundMoney(amount)
	if !amount.IsPositive() {
		return BudgetLine{}, amount, &ValidationError{Field: "amount", Message: "must be positive"}
	}
	b, err := t.getLive(ctx, id)
	if err != nil {
		return b, amount, err
	}
	if _, err := ensureMutable(ctx, t.s, b.Key.FiscalPeriodID, t.at); err != nil {
		return b, amount, err
	}
	return b, amount, nil
}

func (t *ledgerTx) getLive(ctx context.Context, id BudgetID) (BudgetLine, error) {
	b, err := t.s.GetBudgetLine(ctx, id)
	if err != nil {
		return b, err
	}
	if b.Deleted() {
		return b, notFound("budget", int64(id))
	}
	return b, nil
}

// save recomputes balance, checks the invariants, persists the line and
// pushes the deltas into BudgetUsage.
func (t *ledgerTx) save(ctx context.Context, b BudgetLine, dApproved, dReserved, dConsumed Money) (BudgetLine, error) {
	b.Balance = b.Approved.Sub(b.Consumed)
	b.UpdatedAt = t.at
	if err := b.CheckInvariants(); err != nil {
		return b, err
	}
	if err := t.s.UpdateBudgetLine(ctx, b); err != nil {
		return b, err
	}
	return b, t.propagate(ctx, b, dApproved, dReserved, dConsumed)
}

func (t *ledgerTx) propagate(ctx context.Context, b BudgetLine, dApproved, dReserved, dConsumed Money) error {
	if b.Key.SubCostCenterID == nil {
		return nil
	}
	u, err := t.s.GetUsage(ctx, *b.Key.SubCostCenterID, b.Key.FiscalPeriodID)
	if errors.Is(err, ErrNotFound) {
		u = BudgetUsage{SubCostCenterID: *b.Key.SubCostCenterID, FiscalPeriodID: b.Key.FiscalPeriodID}
	} else if err != nil {
		return err
	}
	u.Approved = RoundMoney(u.Approved.Add(dApproved))
	u.Reserved = RoundMoney(u.Reserved.Add(dReserved))
	u.Consumed = RoundMoney(u.Consumed.Add(dConsumed))
	u.UpdatedAt = t.at
	if u.Consumed.GreaterThan(u.Approved) {
		return fmt.Errorf("%w: usage of sub cost center %d consumed %s > approved %s", ErrInvariantViolation,
			u.SubCostCenterID, u.Consumed, u.Approved)
	}
	return t.s.SaveUsage(ctx, u)
}

func (t *ledgerTx) checkKeyRefs(ctx context.Context, key BudgetKey) error {
	if _, err := t.s.GetPeriod(ctx, key.FiscalPeriodID); err != nil {
		return refError("fiscal_period_id", err)
	}
	if _, err := t.s.GetDepartment(ctx, key.DepartmentID); err != nil {
		return refError("department_id", err)
	}
	if _, err := t.s.GetCostCenter(ctx, key.CostCenterID); err != nil {
		return refError("cost_center_id", err)
	}
	if key.SubCostCenterID != nil {
		sub, err := t.s.GetSubCostCenter(ctx, *key.SubCostCenterID)
		if err != nil {
			return refError("sub_cost_center_id", err)
		}
		if sub.CostCenterID != key.CostCenterID {
			return &ValidationError{Field: "sub_cost_center_id", Message: fmt.Sprintf(
				"sub cost center %d does not belong to cost center %d", sub.ID, key.CostCenterID)}
		}
	}
	return nil
}

func refError(field string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return &ValidationError{Field: field, Message: err.Error()}
	}
	return err
}

// checkUniqueness fails with DuplicateBudgetError if a live line other
// than excludeID already owns key.
func (t *ledgerTx) checkUniqueness(ctx context.Context, key BudgetKey, excludeID BudgetID) error {
	existing, err := t.s.FindBudgetLine(ctx, key, excludeID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return &DuplicateBudgetError{Key: key, ExistingID: existing.ID, Description: describeKey(ctx, t.s, key)}
}

// describeKey renders "Fiscal Year: 2025, Department: Ops, Cost Center:
// Facilities[, Sub Cost Center: X]". Missing rows fall back to their ids.
func describeKey(ctx context.Context, s Store, key BudgetKey) string {
	year := "#" + strconv.FormatInt(int64(key.FiscalPeriodID), 10)
	if p, err := s.GetPeriod(ctx, key.FiscalPeriodID); err == nil {
		if fy, err := s.GetFiscalYear(ctx, p.FiscalYearID); err == nil {
			year = strconv.Itoa(fy.Year)
		}
	}
	dept := "#" + strconv.FormatInt(int64(key.DepartmentID), 10)
	if d, err := s.GetDepartment(ctx, key.DepartmentID); err == nil {
		dept = d.Name
	}
	cc := "#" + strconv.FormatInt(int64(key.CostCenterID), 10)
	if c, err := s.GetCostCenter(ctx, key.CostCenterID); err == nil {
		cc = c.Name
	}

	parts := []string{"Fiscal Year: " + year, "Department: " + dept, "Cost Center: " + cc}
	if key.SubCostCenterID != nil {
		sub := "#" + strconv.FormatInt(int64(*key.SubCostCenterID), 10)
		if sc, err := s.GetSubCostCenter(ctx, *key.SubCostCenterID); err == nil {
			sub = sc.Name
		}
		parts = append(parts, "Sub Cost Center: "+sub)
	}
	return strings.Join(parts, ", ")
}
