/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the store with a small
  procurement organization and documents already travelling through
  their approval chains.

AVAILABLE SCENARIOS:
  purchase-order:      Two-step PO approval consuming a budget line
  budget-request:      Request budget granted by the finance director
  overdue-escalation:  RFQ with a one-day step timeout and an escalation user
  workflow-approval:   Generic approval of an invoice with a due date

HOW SCENARIOS WORK:
  1. Upsert the shared organization (designations, departments, users,
     cost centers)
  2. Find or create the current fiscal year and its full-year period
  3. Define the scenario's process via the factory JSON format
  4. Create its budget line and submit its document

  Scenarios are additive: they never reset the store, and each one uses
  its own sub cost center and document ids. Loading a scenario twice is
  a conflict.

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "purchase-order"}

ADDING NEW SCENARIOS:
  1. Add to 'scenarios' slice with ID, name, description
  2. Create loader function: loadXxxScenario(ctx)
  3. Add it to scenarioLoaders

SEE ALSO:
  - handlers.go: Handler and its services
  - factory/process.go: Process JSON definitions
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/approval-engine/engine"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "purchase-order",
		Name:        "Purchase Order",
		Description: "PO for IT hardware approved by the procurement manager, then the finance director; consumes the line on final approval",
	},
	{
		ID:          "budget-request",
		Name:        "Budget Request",
		Description: "Request budget for office supplies; approval grants the requested amount",
	},
	{
		ID:          "overdue-escalation",
		Name:        "Overdue Escalation",
		Description: "RFQ whose first step times out after one day; escalate with POST /api/tasks/escalate?at=<date>",
	},
	{
		ID:          "workflow-approval",
		Name:        "Workflow Approval",
		Description: "Generic approval of an invoice with a due date and an attachment",
	},
}

func (h *Handler) scenarioLoaders() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"purchase-order":     h.loadPurchaseOrderScenario,
		"budget-request":     h.loadBudgetRequestScenario,
		"overdue-escalation": h.loadOverdueEscalationScenario,
		"workflow-approval":  h.loadWorkflowApprovalScenario,
	}
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		s.Loaded = h.scenario[s.ID]
		out[i] = s
	}
	writeJSON(w, http.StatusOK, out)
}

// LoadScenario loads a predefined scenario on top of the current data.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	load, ok := h.scenarioLoaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario: "+req.ScenarioID, nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.scenario[req.ScenarioID] {
		h.writeDomainError(w, r, &engine.ConflictError{Reason: fmt.Sprintf("scenario %s already loaded", req.ScenarioID)})
		return
	}
	if err := load(r.Context()); err != nil {
		h.writeDomainError(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}
	h.scenario[req.ScenarioID] = true

	h.Logger.Info().Str("scenario", req.ScenarioID).Msg("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SHARED ORGANIZATION
// =============================================================================

// Designation, department, user and cost center ids of the demo org.
const (
	desCEO             engine.DesignationID = 1
	desFinanceDirector engine.DesignationID = 2
	desProcurementMgr  engine.DesignationID = 3
	desBuyer           engine.DesignationID = 4

	deptHeadOffice engine.DepartmentID = 1
	deptOperations engine.DepartmentID = 2

	userDana  engine.UserID = 1 // CEO
	userFarid engine.UserID = 2 // finance director
	userPriya engine.UserID = 3 // procurement manager
	userBen   engine.UserID = 4 // buyer
	userLee   engine.UserID = 5 // buyer

	ccOperations      engine.CostCenterID    = 1
	subITHardware     engine.SubCostCenterID = 1
	subOfficeSupplies engine.SubCostCenterID = 2
	subFacilities     engine.SubCostCenterID = 3
)

// demoBase is what every scenario builds on.
type demoBase struct {
	Period engine.FiscalPeriod
}

// ensureBase upserts the demo organization and finds or creates the
// fiscal year that contains today, with one period spanning all of it.
func (h *Handler) ensureBase(ctx context.Context) (demoBase, error) {
	err := h.Store.WithTx(ctx, func(s engine.Store) error {
		for _, d := range []engine.Designation{
			{ID: desCEO, Name: "Chief Executive Officer"},
			{ID: desFinanceDirector, Name: "Finance Director", ParentID: ptr(desCEO)},
			{ID: desProcurementMgr, Name: "Procurement Manager", ParentID: ptr(desFinanceDirector)},
			{ID: desBuyer, Name: "Buyer", ParentID: ptr(desProcurementMgr)},
		} {
			if err := s.SaveDesignation(ctx, d); err != nil {
				return err
			}
		}
		for _, d := range []engine.Department{
			{ID: deptHeadOffice, Name: "Head Office"},
			{ID: deptOperations, Name: "Operations", ParentID: ptr(deptHeadOffice)},
		} {
			if err := s.SaveDepartment(ctx, d); err != nil {
				return err
			}
		}
		for _, u := range []engine.User{
			{ID: userDana, Name: "Dana Whitfield", DesignationID: desCEO, DepartmentID: deptHeadOffice},
			{ID: userFarid, Name: "Farid Okafor", DesignationID: desFinanceDirector, DepartmentID: deptHeadOffice},
			{ID: userPriya, Name: "Priya Raman", DesignationID: desProcurementMgr, DepartmentID: deptOperations},
			{ID: userBen, Name: "Ben Castillo", DesignationID: desBuyer, DepartmentID: deptOperations},
			{ID: userLee, Name: "Lee Novak", DesignationID: desBuyer, DepartmentID: deptOperations},
		} {
			if err := s.SaveUser(ctx, u); err != nil {
				return err
			}
		}
		if err := s.SaveCostCenter(ctx, engine.CostCenter{ID: ccOperations, Name: "Operations"}); err != nil {
			return err
		}
		for _, sc := range []engine.SubCostCenter{
			{ID: subITHardware, CostCenterID: ccOperations, Name: "IT Hardware"},
			{ID: subOfficeSupplies, CostCenterID: ccOperations, Name: "Office Supplies"},
			{ID: subFacilities, CostCenterID: ccOperations, Name: "Facilities"},
		} {
			if err := s.SaveSubCostCenter(ctx, sc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return demoBase{}, err
	}

	now := time.Now().UTC()
	year := now.Year()
	if now.Month() < h.Calendar.StartMonth {
		year--
	}
	fy, err := h.Store.FindFiscalYear(ctx, year)
	if errors.Is(err, engine.ErrNotFound) {
		fy, err = h.Calendar.CreateFiscalYear(ctx, year)
	}
	if err != nil {
		return demoBase{}, err
	}

	name := fmt.Sprintf("FY%d", year)
	periods, err := h.Store.ListPeriods(ctx, fy.ID)
	if err != nil {
		return demoBase{}, err
	}
	for _, p := range periods {
		if p.Name == name {
			return demoBase{Period: p}, nil
		}
	}
	start, end := h.Calendar.Bounds(year)
	p, err := h.Calendar.OpenPeriod(ctx, fy.ID, name, start, end)
	if err != nil {
		return demoBase{}, err
	}
	return demoBase{Period: p}, nil
}

func (h *Handler) defineProcess(ctx context.Context, processJSON string) (engine.Process, error) {
	p, steps, err := h.Factory.ParseProcess(processJSON)
	if err != nil {
		return engine.Process{}, err
	}
	p, _, err = engine.DefineProcess(ctx, h.Store, p, steps)
	return p, err
}

func (h *Handler) submitAs(ctx context.Context, user engine.UserID, sub engine.Submission) error {
	requester, err := h.Org.ActingUser(ctx, user)
	if err != nil {
		return err
	}
	sub.Requester = requester
	_, err = h.Chains.Submit(ctx, sub)
	return err
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadPurchaseOrderScenario(ctx context.Context) error {
	base, err := h.ensureBase(ctx)
	if err != nil {
		return err
	}
	line, err := h.Ledger.CreateBudgetLine(ctx, engine.NewBudgetLine{
		Kind: engine.LineBudget,
		Key: engine.BudgetKey{
			FiscalPeriodID:  base.Period.ID,
			DepartmentID:    deptOperations,
			CostCenterID:    ccOperations,
			SubCostCenterID: ptr(subITHardware),
		},
		TotalRevenuePlanned: engine.MustMoney("0"),
		TotalExpensePlanned: engine.MustMoney("50000"),
	})
	if err != nil {
		return err
	}
	p, err := h.defineProcess(ctx, fmt.Sprintf(`{
		"name": "Purchase order approval",
		"document_kind": "purchase_order",
		"escalation_user_id": %d,
		"steps": [
			{"order": 1, "designation_id": %d, "timeout_days": 3},
			{"order": 2, "designation_id": %d, "timeout_days": 5}
		]
	}`, userDana, desProcurementMgr, desFinanceDirector))
	if err != nil {
		return err
	}

	// Ben's laptop order waits on Priya.
	return h.submitAs(ctx, userBen, engine.Submission{
		Document:     engine.DocumentRef{Kind: engine.DocPurchaseOrder, ID: 1001},
		ProcessID:    p.ID,
		BudgetLineID: &line.ID,
		Amount:       engine.MustMoney("12500"),
		Description:  "Laptops for the operations team",
	})
}

func (h *Handler) loadBudgetRequestScenario(ctx context.Context) error {
	base, err := h.ensureBase(ctx)
	if err != nil {
		return err
	}
	line, err := h.Ledger.CreateBudgetLine(ctx, engine.NewBudgetLine{
		Kind: engine.LineRequestBudget,
		Key: engine.BudgetKey{
			FiscalPeriodID:  base.Period.ID,
			DepartmentID:    deptOperations,
			CostCenterID:    ccOperations,
			SubCostCenterID: ptr(subOfficeSupplies),
		},
		Requested: engine.MustMoney("8000"),
	})
	if err != nil {
		return err
	}
	p, err := h.defineProcess(ctx, fmt.Sprintf(`{
		"name": "Budget request approval",
		"document_kind": "budget_request",
		"steps": [
			{"order": 1, "approver_id": %d, "timeout_days": 7}
		]
	}`, userFarid))
	if err != nil {
		return err
	}

	return h.submitAs(ctx, userLee, engine.Submission{
		Document:     engine.DocumentRef{Kind: engine.DocBudgetRequest, ID: 2001},
		ProcessID:    p.ID,
		BudgetLineID: &line.ID,
		Amount:       engine.MustMoney("8000"),
		Description:  "Office supplies for the second half",
	})
}

func (h *Handler) loadOverdueEscalationScenario(ctx context.Context) error {
	if _, err := h.ensureBase(ctx); err != nil {
		return err
	}
	p, err := h.defineProcess(ctx, fmt.Sprintf(`{
		"name": "RFQ approval",
		"document_kind": "rfq",
		"escalation_user_id": %d,
		"steps": [
			{"order": 1, "designation_id": %d, "timeout_days": 1}
		]
	}`, userFarid, desProcurementMgr))
	if err != nil {
		return err
	}

	// RFQs never touch the ledger, so no budget line.
	return h.submitAs(ctx, userBen, engine.Submission{
		Document:    engine.DocumentRef{Kind: engine.DocRFQ, ID: 3001},
		ProcessID:   p.ID,
		Amount:      engine.MustMoney("0"),
		Description: "Quotes for facility cleaning services",
	})
}

func (h *Handler) loadWorkflowApprovalScenario(ctx context.Context) error {
	if _, err := h.ensureBase(ctx); err != nil {
		return err
	}
	due := time.Now().UTC().AddDate(0, 0, 7)
	_, err := h.Workflows.Request(ctx, engine.WorkflowRequest{
		Subject:     engine.DocumentRef{Kind: engine.DocInvoice, ID: 4001},
		RequesterID: userBen,
		ApproverID:  userFarid,
		DueDate:     &due,
		Comment:     "Facilities maintenance invoice, March",
		Attachments: []string{"invoices/4001.pdf"},
	})
	return err
}

func ptr[T any](v T) *T { return &v }
