package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/approval-engine/engine"
	"github.com/warp/approval-engine/procurement"
	"github.com/warp/approval-engine/store/sqlite"
)

var now = time.Date(2025, time.March, 15, 9, 0, 0, 0, time.UTC)

type env struct {
	ctx    context.Context
	store  *sqlite.Store
	ledger *engine.Ledger
	chains *engine.ChainService
	period engine.FiscalPeriod
}

// setup opens an in-memory database with one department, one cost center
// with two subs, three users and an open Q1 period.
func setup(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.SaveDesignation(ctx, engine.Designation{ID: 1, Name: "Director"}))
	require.NoError(t, store.SaveDesignation(ctx, engine.Designation{ID: 2, Name: "Buyer", ParentID: ptr(engine.DesignationID(1))}))
	require.NoError(t, store.SaveDepartment(ctx, engine.Department{ID: 1, Name: "Operations"}))
	require.NoError(t, store.SaveUser(ctx, engine.User{ID: 1, Name: "Dana", DesignationID: 1, DepartmentID: 1}))
	require.NoError(t, store.SaveUser(ctx, engine.User{ID: 2, Name: "Ben", DesignationID: 2, DepartmentID: 1}))
	require.NoError(t, store.SaveUser(ctx, engine.User{ID: 3, Name: "Lee", DesignationID: 1, DepartmentID: 1}))
	require.NoError(t, store.SaveCostCenter(ctx, engine.CostCenter{ID: 1, Name: "Operations"}))
	require.NoError(t, store.SaveSubCostCenter(ctx, engine.SubCostCenter{ID: 1, CostCenterID: 1, Name: "IT Hardware"}))
	require.NoError(t, store.SaveSubCostCenter(ctx, engine.SubCostCenter{ID: 2, CostCenterID: 1, Name: "Office Supplies"}))

	cal := engine.NewCalendar(store, time.January)
	fy, err := cal.CreateFiscalYear(ctx, 2025)
	require.NoError(t, err)
	period, err := cal.OpenPeriod(ctx, fy.ID, "Q1",
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	clock := func() time.Time { return now }
	ledger := engine.NewLedger(store)
	ledger.Clock = clock
	chains := engine.NewChainService(store, procurement.Default(), nil, zerolog.Nop())
	chains.Clock = clock

	return &env{ctx: ctx, store: store, ledger: ledger, chains: chains, period: period}
}

func (e *env) key(sub *engine.SubCostCenterID) engine.BudgetKey {
	return engine.BudgetKey{FiscalPeriodID: e.period.ID, DepartmentID: 1, CostCenterID: 1, SubCostCenterID: sub}
}

func (e *env) rawLine(sub *engine.SubCostCenterID) *engine.BudgetLine {
	return &engine.BudgetLine{
		Kind:      engine.LineBudget,
		Key:       e.key(sub),
		Status:    engine.DocumentDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func ptr[T any](v T) *T { return &v }

// =============================================================================
// BUDGET KEY INDEX
// =============================================================================

func TestSQLite_KeyIndex_StopsRawDuplicate(t *testing.T) {
	// GIVEN: A live line for sub 1
	e := setup(t)
	first := e.rawLine(ptr(engine.SubCostCenterID(1)))
	require.NoError(t, e.store.InsertBudgetLine(e.ctx, first))

	// WHEN: A second insert bypasses the engine's pre-check
	err := e.store.InsertBudgetLine(e.ctx, e.rawLine(ptr(engine.SubCostCenterID(1))))

	// THEN: The index rejects it and names the existing line
	var dup *engine.DuplicateBudgetError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.ExistingID)
	assert.ErrorIs(t, err, engine.ErrDuplicateBudget)
}

func TestSQLite_KeyIndex_NullSubCostCenter(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.store.InsertBudgetLine(e.ctx, e.rawLine(nil)))

	// Two lines without a sub cost center collide
	err := e.store.InsertBudgetLine(e.ctx, e.rawLine(nil))
	assert.ErrorIs(t, err, engine.ErrDuplicateBudget)

	// A line with a sub cost center does not collide with one without
	err = e.store.InsertBudgetLine(e.ctx, e.rawLine(ptr(engine.SubCostCenterID(1))))
	assert.NoError(t, err)
}

func TestSQLite_KeyIndex_IgnoresDeletedLines(t *testing.T) {
	e := setup(t)
	line := e.rawLine(ptr(engine.SubCostCenterID(2)))
	require.NoError(t, e.store.InsertBudgetLine(e.ctx, line))
	deleted := now
	line.DeletedAt = &deleted
	require.NoError(t, e.store.UpdateBudgetLine(e.ctx, *line))

	err := e.store.InsertBudgetLine(e.ctx, e.rawLine(ptr(engine.SubCostCenterID(2))))

	require.NoError(t, err)
	all, err := e.store.ListBudgetLines(e.ctx, e.period.ID, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	live, err := e.store.ListBudgetLines(e.ctx, e.period.ID, false)
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

func TestSQLite_UpdateToTakenKey(t *testing.T) {
	e := setup(t)
	a := e.rawLine(ptr(engine.SubCostCenterID(1)))
	b := e.rawLine(ptr(engine.SubCostCenterID(2)))
	require.NoError(t, e.store.InsertBudgetLine(e.ctx, a))
	require.NoError(t, e.store.InsertBudgetLine(e.ctx, b))

	b.Key = a.Key
	err := e.store.UpdateBudgetLine(e.ctx, *b)

	var dup *engine.DuplicateBudgetError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, a.ID, dup.ExistingID)
}

// =============================================================================
// LEDGER ROUND TRIP
// =============================================================================

func TestSQLite_LedgerAmountsRoundTrip(t *testing.T) {
	e := setup(t)
	line, err := e.ledger.CreateBudgetLine(e.ctx, engine.NewBudgetLine{
		Kind:                engine.LineBudget,
		Key:                 e.key(ptr(engine.SubCostCenterID(1))),
		TotalExpensePlanned: engine.MustMoney("1000.50"),
	})
	require.NoError(t, err)

	_, err = e.ledger.Reserve(e.ctx, line.ID, engine.MustMoney("250.25"))
	require.NoError(t, err)
	_, err = e.ledger.Consume(e.ctx, line.ID, engine.MustMoney("100.10"))
	require.NoError(t, err)

	got, err := e.ledger.Get(e.ctx, line.ID)
	require.NoError(t, err)
	require.NoError(t, got.CheckInvariants())
	assert.True(t, engine.MustMoney("1000.50").Equal(got.Approved), got.Approved.String())
	assert.True(t, engine.MustMoney("150.15").Equal(got.Reserved), got.Reserved.String())
	assert.True(t, engine.MustMoney("100.10").Equal(got.Consumed), got.Consumed.String())
	assert.True(t, engine.MustMoney("900.40").Equal(got.Balance), got.Balance.String())

	usage, err := e.ledger.Usage(e.ctx, 1, e.period.ID)
	require.NoError(t, err)
	assert.True(t, engine.MustMoney("150.15").Equal(usage.Reserved), usage.Reserved.String())
	assert.True(t, engine.MustMoney("100.10").Equal(usage.Consumed), usage.Consumed.String())
}

func TestSQLite_WithTx_RollsBack(t *testing.T) {
	e := setup(t)
	boom := errors.New("boom")

	err := e.store.WithTx(e.ctx, func(s engine.Store) error {
		if err := s.InsertBudgetLine(e.ctx, e.rawLine(ptr(engine.SubCostCenterID(1)))); err != nil {
			return err
		}
		return boom
	})

	assert.ErrorIs(t, err, boom)
	lines, err := e.store.ListBudgetLines(e.ctx, e.period.ID, true)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

// =============================================================================
// HOPS
// =============================================================================

func TestSQLite_UpdatePendingHop_CompareAndSet(t *testing.T) {
	// GIVEN: A pending hop from a real submission
	e := setup(t)
	p, _, err := engine.DefineProcess(e.ctx, e.store,
		engine.Process{Name: "rfq", DocumentKind: engine.DocRFQ, IsActive: true},
		[]engine.ProcessStep{{Order: 1, DesignationID: ptr(engine.DesignationID(1)), TimeoutDays: 1, IsActive: true}})
	require.NoError(t, err)
	out, err := e.chains.Submit(e.ctx, engine.Submission{
		Document:  engine.DocumentRef{Kind: engine.DocRFQ, ID: 1},
		ProcessID: p.ID,
		Requester: engine.ActingUser{ID: 2, DesignationID: 2, DepartmentID: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, engine.UserID(1), out.Opened.AssignedTo)

	// WHEN: Two writers race on it
	hop := *out.Opened
	hop.Status = engine.HopApproved
	ok, err := e.store.UpdatePendingHop(e.ctx, hop)
	require.NoError(t, err)
	assert.True(t, ok)

	hop.Status = engine.HopRejected
	ok, err = e.store.UpdatePendingHop(e.ctx, hop)

	// THEN: Only the first wins
	require.NoError(t, err)
	assert.False(t, ok)
	got, err := e.store.GetHop(e.ctx, hop.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.HopApproved, got.Status)

	// AND: A missing hop is NotFound, not a lost race
	_, err = e.store.UpdatePendingHop(e.ctx, engine.Hop{ID: 999, Status: engine.HopApproved})
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestSQLite_PurchaseOrderFlow(t *testing.T) {
	e := setup(t)
	line, err := e.ledger.CreateBudgetLine(e.ctx, engine.NewBudgetLine{
		Kind: engine.LineBudget, Key: e.key(ptr(engine.SubCostCenterID(1))), TotalExpensePlanned: engine.MustMoney("500"),
	})
	require.NoError(t, err)
	p, _, err := engine.DefineProcess(e.ctx, e.store,
		engine.Process{Name: "po", DocumentKind: engine.DocPurchaseOrder, IsActive: true},
		[]engine.ProcessStep{{Order: 1, ApproverID: ptr(engine.UserID(1)), IsActive: true}})
	require.NoError(t, err)
	doc := engine.DocumentRef{Kind: engine.DocPurchaseOrder, ID: 77}

	out, err := e.chains.Submit(e.ctx, engine.Submission{
		Document: doc, ProcessID: p.ID, Requester: engine.ActingUser{ID: 2, DesignationID: 2, DepartmentID: 1},
		BudgetLineID: &line.ID, Amount: engine.MustMoney("120"),
	})
	require.NoError(t, err)
	final, err := e.chains.Act(e.ctx, engine.Action{HopID: out.Opened.ID, Actor: engine.ActingUser{ID: 1, DesignationID: 1, DepartmentID: 1}, Decision: engine.DecisionApprove})
	require.NoError(t, err)
	assert.True(t, final.Final)

	got, err := e.ledger.Get(e.ctx, line.ID)
	require.NoError(t, err)
	assert.True(t, engine.MustMoney("120").Equal(got.Consumed), got.Consumed.String())
	assert.True(t, got.Reserved.IsZero())

	status, err := e.chains.DocumentStatus(e.ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, engine.DocumentApproved, status)

	tasks, err := e.store.ListOpenTasks(e.ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

// =============================================================================
// MISC
// =============================================================================

func TestSQLite_DocumentStatus_DefaultsToDraft(t *testing.T) {
	e := setup(t)

	status, err := e.store.GetDocumentStatus(e.ctx, engine.DocumentRef{Kind: engine.DocInvoice, ID: 5})

	require.NoError(t, err)
	assert.Equal(t, engine.DocumentDraft, status)
}

func TestSQLite_WorkflowAttachmentsRoundTrip(t *testing.T) {
	e := setup(t)
	w := &engine.WorkflowApproval{
		Subject:     engine.DocumentRef{Kind: engine.DocInvoice, ID: 9},
		RequesterID: 2,
		ApproverID:  1,
		Status:      engine.WorkflowPending,
		Attachments: []string{"a.pdf", "b.pdf"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, e.store.InsertWorkflow(e.ctx, w))

	got, err := e.store.GetWorkflow(e.ctx, w.ID)

	require.NoError(t, err)
	assert.Equal(t, []string{"a.pdf", "b.pdf"}, got.Attachments)
	assert.Nil(t, got.DueDate)
	assert.True(t, now.Equal(got.CreatedAt))
}

func TestSQLite_FiscalYearUnique(t *testing.T) {
	e := setup(t)

	err := e.store.CreateFiscalYear(e.ctx, &engine.FiscalYear{Year: 2025})

	assert.ErrorIs(t, err, engine.ErrConflict)
}

func TestSQLite_Ping(t *testing.T) {
	e := setup(t)

	assert.NoError(t, e.store.Ping(e.ctx))
}
