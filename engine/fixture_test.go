package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/warp/approval-engine/engine"
	"github.com/warp/approval-engine/engine/store"
	"github.com/warp/approval-engine/procurement"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// Organization used by every test:
//
//	designations: 1 CEO > 2 Finance Director > 3 Procurement Manager > 4 Buyer
//	departments:  1 Head Office > 2 Operations
//	users:        1 CEO (HQ), 2 finance director (HQ), 3 procurement manager (Ops),
//	              4 buyer (Ops), 5 buyer (Ops), 6 procurement manager (HQ)
//	cost centers: 1 Operations with subs 1 IT Hardware, 2 Office Supplies
const (
	desCEO      engine.DesignationID = 1
	desFinance  engine.DesignationID = 2
	desProcMgr  engine.DesignationID = 3
	desBuyer    engine.DesignationID = 4
	deptHQ      engine.DepartmentID  = 1
	deptOps     engine.DepartmentID  = 2
	userCEO     engine.UserID        = 1
	userFinance engine.UserID        = 2
	userProcMgr engine.UserID        = 3
	userBuyer   engine.UserID        = 4
	userBuyer2  engine.UserID        = 5
	userProcHQ  engine.UserID        = 6

	ccOps      engine.CostCenterID    = 1
	subIT      engine.SubCostCenterID = 1
	subOffice  engine.SubCostCenterID = 2
	testFYYear                        = 2025
)

// testNow sits inside the Q1 period the fixture opens.
var testNow = time.Date(2025, time.March, 15, 9, 0, 0, 0, time.UTC)

type fixture struct {
	t         *testing.T
	ctx       context.Context
	store     *store.Memory
	cal       *engine.Calendar
	ledger    *engine.Ledger
	chains    *engine.ChainService
	tasks     *engine.TaskQueue
	workflows *engine.Workflows
	org       *engine.OrgDirectory
	events    *recordingPublisher
	fy        engine.FiscalYear
	period    engine.FiscalPeriod
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithPolicies(t, procurement.Default())
}

func newFixtureWithPolicies(t *testing.T, policies engine.PolicySource) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()
	pub := &recordingPublisher{}
	log := zerolog.Nop()

	f := &fixture{
		t:         t,
		ctx:       ctx,
		store:     s,
		cal:       engine.NewCalendar(s, time.January),
		ledger:    engine.NewLedger(s),
		chains:    engine.NewChainService(s, policies, pub, log),
		tasks:     engine.NewTaskQueue(s, pub, log),
		workflows: engine.NewWorkflows(s),
		org:       engine.NewOrgDirectory(s),
		events:    pub,
		now:       testNow,
	}
	clock := func() time.Time { return f.now }
	f.cal.Clock = clock
	f.ledger.Clock = clock
	f.chains.Clock = clock
	f.tasks.Clock = clock
	f.workflows.Clock = clock

	f.seedOrg()

	var err error
	f.fy, err = f.cal.CreateFiscalYear(ctx, testFYYear)
	require.NoError(t, err)
	f.period, err = f.cal.OpenPeriod(ctx, f.fy.ID, "Q1",
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return f
}

func (f *fixture) seedOrg() {
	f.t.Helper()
	ctx := f.ctx
	for _, d := range []engine.Designation{
		{ID: desCEO, Name: "CEO"},
		{ID: desFinance, Name: "Finance Director", ParentID: ptr(desCEO)},
		{ID: desProcMgr, Name: "Procurement Manager", ParentID: ptr(desFinance)},
		{ID: desBuyer, Name: "Buyer", ParentID: ptr(desProcMgr)},
	} {
		require.NoError(f.t, f.store.SaveDesignation(ctx, d))
	}
	require.NoError(f.t, f.store.SaveDepartment(ctx, engine.Department{ID: deptHQ, Name: "Head Office"}))
	require.NoError(f.t, f.store.SaveDepartment(ctx, engine.Department{ID: deptOps, Name: "Operations", ParentID: ptr(deptHQ)}))
	for _, u := range []engine.User{
		{ID: userCEO, Name: "Dana", DesignationID: desCEO, DepartmentID: deptHQ},
		{ID: userFinance, Name: "Farid", DesignationID: desFinance, DepartmentID: deptHQ},
		{ID: userProcMgr, Name: "Priya", DesignationID: desProcMgr, DepartmentID: deptOps},
		{ID: userBuyer, Name: "Ben", DesignationID: desBuyer, DepartmentID: deptOps},
		{ID: userBuyer2, Name: "Lee", DesignationID: desBuyer, DepartmentID: deptOps},
		{ID: userProcHQ, Name: "Sam", DesignationID: desProcMgr, DepartmentID: deptHQ},
	} {
		require.NoError(f.t, f.store.SaveUser(ctx, u))
	}
	require.NoError(f.t, f.store.SaveCostCenter(ctx, engine.CostCenter{ID: ccOps, Name: "Operations"}))
	require.NoError(f.t, f.store.SaveSubCostCenter(ctx, engine.SubCostCenter{ID: subIT, CostCenterID: ccOps, Name: "IT Hardware"}))
	require.NoError(f.t, f.store.SaveSubCostCenter(ctx, engine.SubCostCenter{ID: subOffice, CostCenterID: ccOps, Name: "Office Supplies"}))
}

func (f *fixture) key(sub *engine.SubCostCenterID) engine.BudgetKey {
	return engine.BudgetKey{FiscalPeriodID: f.period.ID, DepartmentID: deptOps, CostCenterID: ccOps, SubCostCenterID: sub}
}

// budget creates a plain budget line approved for expense.
func (f *fixture) budget(sub engine.SubCostCenterID, expense string) engine.BudgetLine {
	f.t.Helper()
	b, err := f.ledger.CreateBudgetLine(f.ctx, engine.NewBudgetLine{
		Kind:                engine.LineBudget,
		Key:                 f.key(ptr(sub)),
		TotalExpensePlanned: money(expense),
	})
	require.NoError(f.t, err)
	return b
}

// process defines a process whose steps route by designation, in order.
func (f *fixture) process(kind engine.DocumentKind, designations ...engine.DesignationID) engine.Process {
	f.t.Helper()
	steps := make([]engine.ProcessStep, len(designations))
	for i, d := range designations {
		steps[i] = engine.ProcessStep{Order: i + 1, DesignationID: ptr(d), TimeoutDays: 2, IsActive: true}
	}
	p, _, err := engine.DefineProcess(f.ctx, f.store, engine.Process{
		Name:             string(kind) + " approval",
		DocumentKind:     kind,
		EscalationUserID: ptr(userCEO),
		IsActive:         true,
	}, steps)
	require.NoError(f.t, err)
	return p
}

func (f *fixture) actor(id engine.UserID) engine.ActingUser {
	f.t.Helper()
	u, err := f.org.ActingUser(f.ctx, id)
	require.NoError(f.t, err)
	return u
}

func (f *fixture) submit(kind engine.DocumentKind, docID engine.DocumentID, p engine.Process, line *engine.BudgetLine, amount string) (engine.Outcome, error) {
	sub := engine.Submission{
		Document:  engine.DocumentRef{Kind: kind, ID: docID},
		ProcessID: p.ID,
		Requester: f.actor(userBuyer),
		Amount:    money(amount),
	}
	if line != nil {
		sub.BudgetLineID = &line.ID
	}
	return f.chains.Submit(f.ctx, sub)
}

func (f *fixture) act(hop engine.HopID, by engine.UserID, d engine.Decision) (engine.Outcome, error) {
	return f.chains.Act(f.ctx, engine.Action{HopID: hop, Actor: f.actor(by), Decision: d})
}

func (f *fixture) line(id engine.BudgetID) engine.BudgetLine {
	f.t.Helper()
	b, err := f.ledger.Get(f.ctx, id)
	require.NoError(f.t, err)
	require.NoError(f.t, b.CheckInvariants())
	return b
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	events []engine.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e engine.Event) error {
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) ofType(t engine.EventType) []engine.Event {
	var out []engine.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func money(s string) engine.Money { return engine.MustMoney(s) }

func ptr[T any](v T) *T { return &v }

// assertMoney compares decimals by value.
func assertMoney(t *testing.T, want string, got engine.Money, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, money(want).Equal(got), "want %s, got %s %v", want, got.String(), msgAndArgs)
}
