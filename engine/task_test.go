package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/approval-engine/engine"
)

// =============================================================================
// TASK QUEUE
// =============================================================================

func TestTasks_Close_Idempotent(t *testing.T) {
	f := newFixture(t)
	p := f.process(engine.DocRFQ, desProcMgr)
	out, err := f.submit(engine.DocRFQ, 1, p, nil, "0")
	require.NoError(t, err)

	closed, err := f.tasks.Close(f.ctx, out.Task.ID)
	require.NoError(t, err)
	require.NotNil(t, closed.ClosedAt)
	assert.True(t, closed.Read)

	f.now = f.now.Add(time.Hour)
	again, err := f.tasks.Close(f.ctx, out.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, *closed.ClosedAt, *again.ClosedAt)
}

func TestTasks_Open_RefusedWhileTaskOpen(t *testing.T) {
	f := newFixture(t)
	p := f.process(engine.DocRFQ, desProcMgr)
	out, err := f.submit(engine.DocRFQ, 2, p, nil, "0")
	require.NoError(t, err)

	_, err = f.tasks.Open(f.ctx, out.Opened.ID, nil)
	assert.ErrorIs(t, err, engine.ErrConflict)

	// A closed task can be reopened for a hop that is still pending
	_, err = f.tasks.Close(f.ctx, out.Task.ID)
	require.NoError(t, err)
	reopened, err := f.tasks.Open(f.ctx, out.Opened.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, userProcMgr, reopened.AssignedTo)
	assert.Nil(t, reopened.Deadline)
}

func TestTasks_Open_ResolvedHopIsStale(t *testing.T) {
	f := newFixture(t)
	p := f.process(engine.DocRFQ, desProcMgr)
	out, err := f.submit(engine.DocRFQ, 3, p, nil, "0")
	require.NoError(t, err)
	_, err = f.act(out.Opened.ID, userProcMgr, engine.DecisionApprove)
	require.NoError(t, err)

	_, err = f.tasks.Open(f.ctx, out.Opened.ID, nil)

	assert.ErrorIs(t, err, engine.ErrStaleHop)
}

func TestTasks_Overdue_SortedByDeadline(t *testing.T) {
	// GIVEN: Two tasks opened a day apart, each with a 2 day timeout
	f := newFixture(t)
	p := f.process(engine.DocRFQ, desProcMgr)
	first, err := f.submit(engine.DocRFQ, 10, p, nil, "0")
	require.NoError(t, err)
	f.now = f.now.AddDate(0, 0, 1)
	second, err := f.submit(engine.DocRFQ, 11, p, nil, "0")
	require.NoError(t, err)

	// WHEN/THEN: Only the first is overdue on day 2 and a half
	overdue, err := f.tasks.Overdue(f.ctx, testNow.Add(60*time.Hour))
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, first.Task.ID, overdue[0].ID)

	// AND: Both are overdue later, oldest deadline first
	overdue, err = f.tasks.Overdue(f.ctx, testNow.AddDate(0, 0, 10))
	require.NoError(t, err)
	require.Len(t, overdue, 2)
	assert.Equal(t, first.Task.ID, overdue[0].ID)
	assert.Equal(t, second.Task.ID, overdue[1].ID)
}

func TestTasks_Escalate_ReassignsToEscalationUser(t *testing.T) {
	// GIVEN: An overdue task for the procurement manager
	f := newFixture(t)
	p := f.process(engine.DocRFQ, desProcMgr)
	out, err := f.submit(engine.DocRFQ, 20, p, nil, "0")
	require.NoError(t, err)
	later := testNow.AddDate(0, 0, 3)
	f.now = later

	// WHEN: The escalation pass runs
	escalated, err := f.tasks.Escalate(f.ctx, later)
	require.NoError(t, err)

	// THEN: A high urgency task is open for the escalation user
	require.Len(t, escalated, 1)
	nt := escalated[0]
	assert.Equal(t, userCEO, nt.AssignedTo)
	assert.Equal(t, userProcMgr, nt.AssignedFrom)
	assert.Equal(t, engine.UrgencyHigh, nt.Urgency)
	assert.Equal(t, out.Opened.ID, nt.HopID)
	require.NotNil(t, nt.Deadline)
	assert.Equal(t, later.AddDate(0, 0, 2), *nt.Deadline)

	// AND: The old task is closed and the hop is still pending, now on the CEO
	old, err := f.store.GetTask(f.ctx, out.Task.ID)
	require.NoError(t, err)
	assert.False(t, old.IsOpen())
	hop, err := f.store.GetHop(f.ctx, out.Opened.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.HopPending, hop.Status)
	assert.Equal(t, userCEO, hop.AssignedTo)

	// AND: The CEO can approve, the original assignee no longer can
	_, err = f.act(hop.ID, userProcMgr, engine.DecisionApprove)
	assert.ErrorIs(t, err, engine.ErrForbidden)
	final, err := f.act(hop.ID, userCEO, engine.DecisionApprove)
	require.NoError(t, err)
	assert.True(t, final.Final)
}

func TestTasks_Escalate_NothingDue(t *testing.T) {
	f := newFixture(t)
	p := f.process(engine.DocRFQ, desProcMgr)
	_, err := f.submit(engine.DocRFQ, 21, p, nil, "0")
	require.NoError(t, err)

	escalated, err := f.tasks.Escalate(f.ctx, testNow.Add(time.Hour))

	require.NoError(t, err)
	assert.Empty(t, escalated)
}

func TestTasks_Escalate_SkipsWhenAlreadyOnEscalationUser(t *testing.T) {
	// GIVEN: A task escalated once
	f := newFixture(t)
	p := f.process(engine.DocRFQ, desProcMgr)
	_, err := f.submit(engine.DocRFQ, 22, p, nil, "0")
	require.NoError(t, err)
	first, err := f.tasks.Escalate(f.ctx, testNow.AddDate(0, 0, 3))
	require.NoError(t, err)
	require.Len(t, first, 1)

	// WHEN: Its new deadline also passes
	again, err := f.tasks.Escalate(f.ctx, testNow.AddDate(0, 0, 30))

	// THEN: There is nobody above the escalation user
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestTasks_ForUser_OpenFirst(t *testing.T) {
	f := newFixture(t)
	p := f.process(engine.DocRFQ, desProcMgr)
	done, err := f.submit(engine.DocRFQ, 30, p, nil, "0")
	require.NoError(t, err)
	_, err = f.act(done.Opened.ID, userProcMgr, engine.DecisionApprove)
	require.NoError(t, err)
	pending, err := f.submit(engine.DocRFQ, 31, p, nil, "0")
	require.NoError(t, err)

	tasks, err := f.tasks.ForUser(f.ctx, userProcMgr)

	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, pending.Task.ID, tasks[0].ID)
	assert.True(t, tasks[0].IsOpen())
	assert.False(t, tasks[1].IsOpen())
}
