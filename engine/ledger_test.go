package engine_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/approval-engine/engine"
)

// =============================================================================
// CREATION AND UNIQUENESS
// =============================================================================

func TestLedger_CreatePlainBudget_ApprovesPlannedExpense(t *testing.T) {
	f := newFixture(t)

	// WHEN: A plain budget is created with 50,000 planned expense
	b := f.budget(subIT, "50000")

	// THEN: Approved equals the plan and nothing is held yet
	assert.Equal(t, engine.LineBudget, b.Kind)
	assert.Equal(t, engine.DocumentDraft, b.Status)
	assertMoney(t, "50000", b.Requested)
	assertMoney(t, "50000", b.Approved)
	assertMoney(t, "50000", b.Balance)
	assertMoney(t, "0", b.Reserved)
	assertMoney(t, "0", b.Consumed)
	assertMoney(t, "50000", b.Available())

	u, err := f.ledger.Usage(f.ctx, subIT, f.period.ID)
	require.NoError(t, err)
	assertMoney(t, "50000", u.Approved)
}

func TestLedger_CreateRequestBudget_StartsUnapproved(t *testing.T) {
	f := newFixture(t)

	b, err := f.ledger.CreateBudgetLine(f.ctx, engine.NewBudgetLine{
		Kind:      engine.LineRequestBudget,
		Key:       f.key(ptr(subOffice)),
		Requested: money("8000"),
	})
	require.NoError(t, err)

	assertMoney(t, "8000", b.Requested)
	assertMoney(t, "0", b.Approved)
	assertMoney(t, "0", b.Available())

	// Nothing can be held until an approval grants the request
	_, err = f.ledger.Reserve(f.ctx, b.ID, money("1000"))
	assert.ErrorIs(t, err, engine.ErrInsufficientBudget)
}

func TestLedger_DuplicateKey_Rejected(t *testing.T) {
	// GIVEN: A live line for (Q1, Ops, Operations, IT Hardware)
	f := newFixture(t)
	first := f.budget(subIT, "1000")

	// WHEN: Creating another line on the same key
	_, err := f.ledger.CreateBudgetLine(f.ctx, engine.NewBudgetLine{
		Kind:                engine.LineBudget,
		Key:                 f.key(ptr(subIT)),
		TotalExpensePlanned: money("500"),
	})

	// THEN: DuplicateBudgetError names the clash and the existing line
	var dup *engine.DuplicateBudgetError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.ExistingID)
	assert.Equal(t, "Fiscal Year: 2025, Department: Operations, Cost Center: Operations, Sub Cost Center: IT Hardware", dup.Description)
	assert.True(t, errors.Is(err, engine.ErrDuplicateBudget))
}

func TestLedger_ConcurrentCreates_ExactlyOneWins(t *testing.T) {
	f := newFixture(t)

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.ledger.CreateBudgetLine(f.ctx, engine.NewBudgetLine{
				Kind:                engine.LineBudget,
				Key:                 f.key(nil),
				TotalExpensePlanned: money("100"),
			})
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, engine.ErrDuplicateBudget):
			dup++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, dup)
}

func TestLedger_NullSubCostCenter_MatchesOnlyNull(t *testing.T) {
	f := newFixture(t)

	// GIVEN: A line keyed on the cost center alone
	_, err := f.ledger.CreateBudgetLine(f.ctx, engine.NewBudgetLine{Kind: engine.LineBudget, Key: f.key(nil), TotalExpensePlanned: money("100")})
	require.NoError(t, err)

	// WHEN: A line with a sub cost center on the same prefix is created
	_, err = f.ledger.CreateBudgetLine(f.ctx, engine.NewBudgetLine{Kind: engine.LineBudget, Key: f.key(ptr(subIT)), TotalExpensePlanned: money("100")})

	// THEN: It does not clash
	require.NoError(t, err)

	// AND: A second cost-center-only line does
	_, err = f.ledger.CreateBudgetLine(f.ctx, engine.NewBudgetLine{Kind: engine.LineBudget, Key: f.key(nil), TotalExpensePlanned: money("100")})
	assert.ErrorIs(t, err, engine.ErrDuplicateBudget)
}

func TestLedger_SoftDeletedLine_FreesItsKey(t *testing.T) {
	f := newFixture(t)
	b := f.budget(subIT, "1000")

	deleted, err := f.ledger.DeleteBudgetLine(f.ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, deleted.DeletedAt)

	// Usage no longer counts the deleted line
	u, err := f.ledger.Usage(f.ctx, subIT, f.period.ID)
	require.NoError(t, err)
	assertMoney(t, "0", u.Approved)

	// The key can be used again
	again := f.budget(subIT, "2000")
	assert.NotEqual(t, b.ID, again.ID)

	// Mutating the deleted line is NotFound
	_, err = f.ledger.Reserve(f.ctx, b.ID, money("1"))
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestLedger_CreateRejectsBadReferences(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		key   engine.BudgetKey
		field string
	}{
		{"unknown period", engine.BudgetKey{FiscalPeriodID: 999, DepartmentID: deptOps, CostCenterID: ccOps}, "fiscal_period_id"},
		{"unknown department", engine.BudgetKey{FiscalPeriodID: f.period.ID, DepartmentID: 99, CostCenterID: ccOps}, "department_id"},
		{"sub of another cost center", engine.BudgetKey{FiscalPeriodID: f.period.ID, DepartmentID: deptOps, CostCenterID: 77, SubCostCenterID: ptr(subIT)}, "cost_center_id"},
		{"missing department", engine.BudgetKey{FiscalPeriodID: f.period.ID, CostCenterID: ccOps}, "department_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.CreateBudgetLine(f.ctx, engine.NewBudgetLine{Kind: engine.LineBudget, Key: tt.key})
			var verr *engine.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

// =============================================================================
// COUNTER OPERATIONS
// =============================================================================

func TestLedger_ReserveConsumeRelease(t *testing.T) {
	f := newFixture(t)
	b := f.budget(subIT, "1000")

	// Reserve 600, consume 400 of it, release the rest
	b, err := f.ledger.Reserve(f.ctx, b.ID, money("600"))
	require.NoError(t, err)
	assertMoney(t, "600", b.Reserved)
	assertMoney(t, "400", b.Available())

	b, err = f.ledger.Consume(f.ctx, b.ID, money("400"))
	require.NoError(t, err)
	assertMoney(t, "200", b.Reserved)
	assertMoney(t, "400", b.Consumed)
	assertMoney(t, "600", b.Balance)
	assertMoney(t, "400", b.TotalExpenseActual)

	b, err = f.ledger.Release(f.ctx, b.ID, money("200"))
	require.NoError(t, err)
	assertMoney(t, "0", b.Reserved)
	assertMoney(t, "600", b.Available())

	u, err := f.ledger.Usage(f.ctx, subIT, f.period.ID)
	require.NoError(t, err)
	assertMoney(t, "1000", u.Approved)
	assertMoney(t, "0", u.Reserved)
	assertMoney(t, "400", u.Consumed)
	f.line(b.ID)
}

func TestLedger_ReserveBeyondAvailable_Insufficient(t *testing.T) {
	f := newFixture(t)
	b := f.budget(subIT, "1000")
	_, err := f.ledger.Reserve(f.ctx, b.ID, money("700"))
	require.NoError(t, err)
	_, err = f.ledger.Consume(f.ctx, b.ID, money("700"))
	require.NoError(t, err)

	// Only 300 remains: consumed money cannot be reserved again
	_, err = f.ledger.Reserve(f.ctx, b.ID, money("300.01"))
	var ins *engine.InsufficientBudgetError
	require.ErrorAs(t, err, &ins)
	assertMoney(t, "300.01", ins.Requested)

	// Nothing changed
	got := f.line(b.ID)
	assertMoney(t, "0", got.Reserved)
	assertMoney(t, "700", got.Consumed)
}

func TestLedger_ConsumeBeyondReserved_Overconsumption(t *testing.T) {
	f := newFixture(t)
	b := f.budget(subIT, "1000")
	_, err := f.ledger.Reserve(f.ctx, b.ID, money("100"))
	require.NoError(t, err)

	_, err = f.ledger.Consume(f.ctx, b.ID, money("150"))
	assert.ErrorIs(t, err, engine.ErrOverconsumption)
}

func TestLedger_ReleaseClampsToReserved(t *testing.T) {
	f := newFixture(t)
	b := f.budget(subIT, "1000")
	_, err := f.ledger.Reserve(f.ctx, b.ID, money("100"))
	require.NoError(t, err)

	b, err = f.ledger.Release(f.ctx, b.ID, money("250"))
	require.NoError(t, err)
	assertMoney(t, "0", b.Reserved)

	u, err := f.ledger.Usage(f.ctx, subIT, f.period.ID)
	require.NoError(t, err)
	assertMoney(t, "0", u.Reserved)
}

func TestLedger_ReserveThenReleaseRestoresLine(t *testing.T) {
	f := newFixture(t)
	before := f.budget(subIT, "1000")

	_, err := f.ledger.Reserve(f.ctx, before.ID, money("333.33"))
	require.NoError(t, err)
	after, err := f.ledger.Release(f.ctx, before.ID, money("333.33"))
	require.NoError(t, err)

	assertMoney(t, before.Reserved.String(), after.Reserved)
	assertMoney(t, before.Approved.String(), after.Approved)
	assertMoney(t, before.Balance.String(), after.Balance)
}

func TestLedger_GrantAndRevoke(t *testing.T) {
	f := newFixture(t)
	b, err := f.ledger.CreateBudgetLine(f.ctx, engine.NewBudgetLine{
		Kind: engine.LineRequestBudget, Key: f.key(ptr(subOffice)), Requested: money("500"),
	})
	require.NoError(t, err)

	b, err = f.ledger.Grant(f.ctx, b.ID, money("500"))
	require.NoError(t, err)
	assertMoney(t, "500", b.Approved)
	assertMoney(t, "500", b.Balance)

	_, err = f.ledger.Reserve(f.ctx, b.ID, money("200"))
	require.NoError(t, err)

	// Revoking more than the unheld part is a conflict
	_, err = f.ledger.Revoke(f.ctx, b.ID, money("400"))
	assert.ErrorIs(t, err, engine.ErrConflict)

	b, err = f.ledger.Revoke(f.ctx, b.ID, money("300"))
	require.NoError(t, err)
	assertMoney(t, "200", b.Approved)
	assertMoney(t, "200", b.Reserved)
}

func TestLedger_NonPositiveAmounts_Rejected(t *testing.T) {
	f := newFixture(t)
	b := f.budget(subIT, "1000")

	for _, amount := range []string{"0", "-5", "0.001"} {
		_, err := f.ledger.Reserve(f.ctx, b.ID, money(amount))
		assert.ErrorIs(t, err, engine.ErrValidation, amount)
	}
}

func TestLedger_DeleteWithReservation_Conflict(t *testing.T) {
	f := newFixture(t)
	b := f.budget(subIT, "1000")
	_, err := f.ledger.Reserve(f.ctx, b.ID, money("10"))
	require.NoError(t, err)

	_, err = f.ledger.DeleteBudgetLine(f.ctx, b.ID)
	assert.ErrorIs(t, err, engine.ErrConflict)
}

// =============================================================================
// RE-KEYING
// =============================================================================

func TestLedger_UpdateBudgetKey_MovesUsage(t *testing.T) {
	f := newFixture(t)
	b := f.budget(subIT, "1000")

	b, err := f.ledger.UpdateBudgetKey(f.ctx, b.ID, f.key(ptr(subOffice)))
	require.NoError(t, err)
	assert.Equal(t, subOffice, *b.Key.SubCostCenterID)

	it, err := f.ledger.Usage(f.ctx, subIT, f.period.ID)
	require.NoError(t, err)
	assertMoney(t, "0", it.Approved)
	office, err := f.ledger.Usage(f.ctx, subOffice, f.period.ID)
	require.NoError(t, err)
	assertMoney(t, "1000", office.Approved)
}

func TestLedger_UpdateBudgetKey_ToTakenKey_Duplicate(t *testing.T) {
	f := newFixture(t)
	f.budget(subOffice, "1")
	b := f.budget(subIT, "1000")

	_, err := f.ledger.UpdateBudgetKey(f.ctx, b.ID, f.key(ptr(subOffice)))
	assert.ErrorIs(t, err, engine.ErrDuplicateBudget)

	// Re-keying onto its own key is fine
	_, err = f.ledger.UpdateBudgetKey(f.ctx, b.ID, f.key(ptr(subIT)))
	assert.NoError(t, err)
}
