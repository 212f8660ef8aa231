/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Health and request validation
- Error classification (engine error -> status and code)
- Budget endpoints against a real SQLite store
- A purchase order travelling through its chain over HTTP
*/
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/approval-engine/engine"
	"github.com/warp/approval-engine/procurement"
	"github.com/warp/approval-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestServer(t *testing.T) (*Handler, http.Handler) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := NewHandler(store, procurement.Default(), time.January, nil, zerolog.Nop())
	return h, NewRouter(h, []string{"*"}, zerolog.Nop())
}

func do(t *testing.T, srv http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// =============================================================================
// BASICS
// =============================================================================

func TestHealth(t *testing.T) {
	_, srv := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/api/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
}

func TestDecode_MalformedBody(t *testing.T) {
	_, srv := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/fiscal-years/", `{"year":`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid request body", decode[ErrorResponse](t, rec).Error)
}

func TestDecode_ValidationDetailsUseJSONNames(t *testing.T) {
	_, srv := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/documents/submit", map[string]any{
		"kind": "timesheet", "id": 1,
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "validation", resp.Code)
	details, ok := resp.Details.(map[string]any)
	require.True(t, ok, "details: %#v", resp.Details)
	assert.Contains(t, details, "kind")
	assert.Contains(t, details, "process_id")
	assert.Contains(t, details, "requester_id")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&engine.ValidationError{Field: "amount"}, http.StatusBadRequest, "validation"},
		{&engine.NotFoundError{Entity: "budget", ID: 1}, http.StatusNotFound, "not_found"},
		{fmt.Errorf("%w: hop 1 is assigned to user 2", engine.ErrForbidden), http.StatusForbidden, "forbidden"},
		{&engine.DuplicateBudgetError{}, http.StatusConflict, "duplicate_budget"},
		{&engine.StaleHopError{HopID: 1, Status: engine.HopApproved}, http.StatusConflict, "stale_hop"},
		{&engine.ConflictError{Reason: "x"}, http.StatusConflict, "conflict"},
		{&engine.PeriodClosedError{Status: engine.PeriodClosed}, http.StatusUnprocessableEntity, "period_closed"},
		{&engine.InsufficientBudgetError{}, http.StatusUnprocessableEntity, "insufficient_budget"},
		{&engine.OverconsumptionError{}, http.StatusUnprocessableEntity, "overconsumption"},
		{&engine.NoAssigneeError{}, http.StatusUnprocessableEntity, "no_assignee"},
		{&engine.NoStepsError{}, http.StatusUnprocessableEntity, "no_steps"},
		{fmt.Errorf("%w: designation 1", engine.ErrHierarchyCycle), http.StatusUnprocessableEntity, "hierarchy_cycle"},
		{errors.New("disk on fire"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_%s", tt.status, tt.code), func(t *testing.T) {
			status, code := classify(fmt.Errorf("wrapped: %w", tt.err))
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

// =============================================================================
// BUDGETS
// =============================================================================

// seedLedger creates the org, a fiscal year and an open period over HTTP and
// returns the period id.
func seedLedger(t *testing.T, srv http.Handler) int64 {
	t.Helper()
	for _, seed := range []struct {
		path string
		body any
	}{
		{"/api/org/designations", map[string]any{"id": 1, "name": "Director"}},
		{"/api/org/departments", map[string]any{"id": 1, "name": "Operations"}},
		{"/api/org/cost-centers", map[string]any{"id": 1, "name": "Operations"}},
		{"/api/org/sub-cost-centers", map[string]any{"id": 1, "cost_center_id": 1, "name": "IT Hardware"}},
	} {
		rec := do(t, srv, http.MethodPost, seed.path, seed.body)
		require.Equal(t, http.StatusCreated, rec.Code, "%s: %s", seed.path, rec.Body.String())
	}

	rec := do(t, srv, http.MethodPost, "/api/fiscal-years/", map[string]any{"year": 2030})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	fy := decode[FiscalYearDTO](t, rec)
	assert.Equal(t, "2030-01-01", fy.StartDate)
	assert.Equal(t, "2030-12-31", fy.EndDate)

	rec = do(t, srv, http.MethodPost, fmt.Sprintf("/api/fiscal-years/%d/periods", fy.ID),
		map[string]any{"name": "FY2030", "start_date": "2030-01-01", "end_date": "2030-12-31"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[PeriodDTO](t, rec).ID
}

func TestBudgets_CreateReserveAndDuplicate(t *testing.T) {
	// GIVEN: An open period
	_, srv := newTestServer(t)
	periodID := seedLedger(t, srv)
	line := map[string]any{
		"kind": "budget",
		"key": map[string]any{
			"fiscal_period_id": periodID, "department_id": 1, "cost_center_id": 1, "sub_cost_center_id": 1,
		},
		"total_expense_planned": "1000",
	}

	// WHEN: A line is created
	rec := do(t, srv, http.MethodPost, "/api/budgets/", line)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	b := decode[BudgetDTO](t, rec)
	assert.True(t, engine.MustMoney("1000").Equal(b.Approved))

	// THEN: Reserving within the line works
	rec = do(t, srv, http.MethodPost, fmt.Sprintf("/api/budgets/%d/reserve", b.ID), map[string]any{"amount": "400"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, engine.MustMoney("400").Equal(decode[BudgetDTO](t, rec).Reserved))

	// AND: Reserving beyond it is a 422
	rec = do(t, srv, http.MethodPost, fmt.Sprintf("/api/budgets/%d/reserve", b.ID), map[string]any{"amount": "601"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "insufficient_budget", decode[ErrorResponse](t, rec).Code)

	// AND: The same key again is a 409 naming the existing line
	rec = do(t, srv, http.MethodPost, "/api/budgets/", line)
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "duplicate_budget", resp.Code)
	details := resp.Details.(map[string]any)
	assert.Equal(t, float64(b.ID), details["existing_id"])

	// AND: Unknown operations do not exist
	rec = do(t, srv, http.MethodPost, fmt.Sprintf("/api/budgets/%d/burn", b.ID), map[string]any{"amount": "1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBudgets_NotFound(t *testing.T) {
	_, srv := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/api/budgets/42", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Code)
}

func TestPeriods_ClosedPeriodRefusesMutation(t *testing.T) {
	_, srv := newTestServer(t)
	periodID := seedLedger(t, srv)
	rec := do(t, srv, http.MethodPost, "/api/budgets/", map[string]any{
		"kind": "budget",
		"key":  map[string]any{"fiscal_period_id": periodID, "department_id": 1, "cost_center_id": 1},
		"total_expense_planned": "10",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	b := decode[BudgetDTO](t, rec)

	rec = do(t, srv, http.MethodPost, fmt.Sprintf("/api/periods/%d/transition", periodID), map[string]any{"status": "closed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "closed", decode[PeriodDTO](t, rec).Status)

	rec = do(t, srv, http.MethodPost, fmt.Sprintf("/api/budgets/%d/grant", b.ID), map[string]any{"amount": "5"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "period_closed", decode[ErrorResponse](t, rec).Code)

	rec = do(t, srv, http.MethodPost, fmt.Sprintf("/api/periods/%d/transition", periodID), map[string]any{"status": "open"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// APPROVAL CHAIN OVER HTTP
// =============================================================================

func TestPurchaseOrderScenario_ApprovedOverHTTP(t *testing.T) {
	// GIVEN: The purchase order scenario (PO 1001 waiting on Priya)
	_, srv := newTestServer(t)
	rec := do(t, srv, http.MethodPost, "/api/scenarios/load", map[string]any{"scenario_id": "purchase-order"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, srv, http.MethodGet, "/api/documents/purchase_order/1001", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", decode[DocumentStatusDTO](t, rec).Status)

	rec = do(t, srv, http.MethodGet, fmt.Sprintf("/api/users/%d/tasks?open=true", userPriya), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tasks := decode[[]TaskDTO](t, rec)
	require.Len(t, tasks, 1)

	// WHEN: Someone other than Priya tries to approve
	rec = do(t, srv, http.MethodPost, fmt.Sprintf("/api/hops/%d/act", tasks[0].HopID),
		map[string]any{"actor_id": userBen, "decision": "approve"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// WHEN: Priya approves
	rec = do(t, srv, http.MethodPost, fmt.Sprintf("/api/hops/%d/act", tasks[0].HopID),
		map[string]any{"actor_id": userPriya, "decision": "approve", "comment": "ok"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	step1 := decode[OutcomeDTO](t, rec)
	require.NotNil(t, step1.Opened)
	assert.Equal(t, int64(userFarid), step1.Opened.AssignedTo)
	assert.True(t, engine.MustMoney("12500").Equal(step1.Chain.ReservedAmount))

	// AND: Approving the same hop again is stale
	rec = do(t, srv, http.MethodPost, fmt.Sprintf("/api/hops/%d/act", tasks[0].HopID),
		map[string]any{"actor_id": userPriya, "decision": "approve"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "stale_hop", decode[ErrorResponse](t, rec).Code)

	// WHEN: Farid approves
	rec = do(t, srv, http.MethodPost, fmt.Sprintf("/api/hops/%d/act", step1.Opened.ID),
		map[string]any{"actor_id": userFarid, "decision": "approve"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	final := decode[OutcomeDTO](t, rec)

	// THEN: The PO is approved and consumed the line
	assert.True(t, final.Final)
	assert.Equal(t, "approved", final.Chain.Status)
	require.NotNil(t, final.Budget)
	assert.True(t, engine.MustMoney("12500").Equal(final.Budget.Consumed))
	assert.True(t, final.Budget.Reserved.IsZero())

	rec = do(t, srv, http.MethodGet, "/api/documents/purchase_order/1001/hops", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]HopDTO](t, rec), 2)
}

func TestRefer_RequiresTarget(t *testing.T) {
	_, srv := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/hops/1/act", map[string]any{"actor_id": 1, "decision": "refer"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	details := decode[ErrorResponse](t, rec).Details.(map[string]any)
	assert.Contains(t, details, "referred_to")
}

func TestSubmit_IgnoresClientRoleChain(t *testing.T) {
	// GIVEN: An auditor in a department unrelated to the requester
	_, srv := newTestServer(t)
	for _, seed := range []struct {
		path string
		body any
	}{
		{"/api/org/designations", map[string]any{"id": 1, "name": "Director"}},
		{"/api/org/designations", map[string]any{"id": 2, "name": "Auditor"}},
		{"/api/org/departments", map[string]any{"id": 1, "name": "Operations"}},
		{"/api/org/departments", map[string]any{"id": 2, "name": "Audit"}},
		{"/api/org/users", map[string]any{"id": 1, "name": "Dana", "designation_id": 1, "department_id": 1}},
		{"/api/org/users", map[string]any{"id": 2, "name": "Iris", "designation_id": 2, "department_id": 2}},
		{"/api/processes/", map[string]any{
			"name": "audit", "document_kind": "rfq",
			"steps": []map[string]any{{"order": 1, "designation_id": 2}},
		}},
	} {
		rec := do(t, srv, http.MethodPost, seed.path, seed.body)
		require.Equal(t, http.StatusCreated, rec.Code, "%s: %s", seed.path, rec.Body.String())
	}

	// WHEN: The requester claims the auditor role in the body
	rec := do(t, srv, http.MethodPost, "/api/documents/submit", map[string]any{
		"kind": "rfq", "id": 1, "process_id": 1, "requester_id": 1, "amount": "0",
		"role_chain": []int64{2},
	})

	// THEN: Routing uses the stored role chain, which cannot reach the auditor
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Equal(t, "no_assignee", decode[ErrorResponse](t, rec).Code)
}
