/*
handlers.go - HTTP API handlers for the approval engine

PURPOSE:
  Exposes the fiscal calendar, the budget ledger, approval chains, tasks
  and workflow approvals via REST. Handles HTTP request/response, JSON
  serialization and validation, and delegates to the engine services.

ENDPOINTS:
  Organization:
    POST   /api/org/users                    Create or update user
    POST   /api/org/designations             Create or update designation
    POST   /api/org/departments              Create or update department
    POST   /api/org/cost-centers             Create or update cost center
    POST   /api/org/sub-cost-centers         Create or update sub cost center

  Fiscal calendar:
    POST   /api/fiscal-years                 Create fiscal year
    POST   /api/fiscal-years/{id}/periods    Open period
    GET    /api/fiscal-years/{id}/periods    List periods
    POST   /api/periods/{id}/transition      Change period status
    POST   /api/periods/{id}/reopen          Reopen a closed period
    POST   /api/periods/{id}/close-upto      Move the transaction watermark
    DELETE /api/periods/{id}                 Delete an unused period
    GET    /api/periods/{id}/budgets         Lines of a period

  Budgets:
    POST   /api/budgets                      Create budget line
    GET    /api/budgets/{id}                 Get budget line
    PUT    /api/budgets/{id}/key             Re-key budget line
    POST   /api/budgets/{id}/{op}            reserve|consume|release|grant|revoke
    DELETE /api/budgets/{id}                 Soft-delete budget line
    GET    /api/usage                        Sub cost center rollup

  Approvals:
    GET    /api/policies                     Financial policies in effect
    POST   /api/processes                    Define process from JSON
    GET    /api/processes/{id}               Process as JSON
    POST   /api/documents/submit             Start an approval chain
    GET    /api/documents/{kind}/{id}        Document approval status
    GET    /api/documents/{kind}/{id}/hops   Hop history
    POST   /api/hops/{id}/act                Approve, reject or refer

  Tasks:
    GET    /api/users/{id}/tasks             Tasks assigned to a user
    POST   /api/tasks/{id}/close             Close a task
    GET    /api/tasks/overdue                Open tasks past deadline
    POST   /api/tasks/escalate               Escalate overdue tasks now

  Workflow approvals:
    POST   /api/workflow-approvals               Request approval
    GET    /api/workflow-approvals/{id}          Get approval
    POST   /api/workflow-approvals/{id}/decide   Approve, reject or refer
    GET    /api/workflow-approvals/{id}/history  Audit trail

ERROR HANDLING:
  Errors are returned as JSON (ErrorResponse) with a status chosen from
  the engine error type:
  - 400: ValidationError, malformed body
  - 403: ErrForbidden (actor is not the assignee)
  - 404: NotFoundError
  - 409: DuplicateBudgetError, ConflictError, StaleHopError
  - 422: PeriodClosed, InsufficientBudget, Overconsumption, NoAssignee,
         NoSteps, hierarchy cycles
  - 500: Anything else (logged)

SECURITY NOTE:
  No authentication. Actor ids come from the request body; put an
  authenticating proxy in front of this server.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scenarios.go: Demo data loaders
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/warp/approval-engine/engine"
	"github.com/warp/approval-engine/factory"
	"github.com/warp/approval-engine/procurement"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     engine.TxStore
	Policies  procurement.Policies
	Calendar  *engine.Calendar
	Ledger    *engine.Ledger
	Chains    *engine.ChainService
	Tasks     *engine.TaskQueue
	Workflows *engine.Workflows
	Org       *engine.OrgDirectory
	Factory   *factory.Factory
	Logger    zerolog.Logger

	validate *validator.Validate

	// Demo scenarios already loaded into this store
	mu       sync.Mutex
	scenario map[string]bool
}

// NewHandler wires the engine services on top of store.
func NewHandler(store engine.TxStore, policies procurement.Policies, startMonth time.Month, pub engine.Publisher, log zerolog.Logger) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonTagName)

	return &Handler{
		Store:     store,
		Policies:  policies,
		Calendar:  engine.NewCalendar(store, startMonth),
		Ledger:    engine.NewLedger(store),
		Chains:    engine.NewChainService(store, policies, pub, log),
		Tasks:     engine.NewTaskQueue(store, pub, log),
		Workflows: engine.NewWorkflows(store),
		Org:       engine.NewOrgDirectory(store),
		Factory:   factory.New(),
		Logger:    log,
		validate:  v,
		scenario:  make(map[string]bool),
	}
}

// =============================================================================
// HEALTH
// =============================================================================

type pinger interface {
	Ping(ctx context.Context) error
}

// Health reports whether the store answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ORGANIZATION HANDLERS
// =============================================================================

// SaveUser creates or updates a user.
func (h *Handler) SaveUser(w http.ResponseWriter, r *http.Request) {
	var req SaveUserRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	u := engine.User{
		ID:            engine.UserID(req.ID),
		Name:          strings.TrimSpace(req.Name),
		DesignationID: engine.DesignationID(req.DesignationID),
		DepartmentID:  engine.DepartmentID(req.DepartmentID),
	}
	err := h.Store.WithTx(r.Context(), func(s engine.Store) error {
		if _, err := s.GetDesignation(r.Context(), u.DesignationID); err != nil {
			return err
		}
		if _, err := s.GetDepartment(r.Context(), u.DepartmentID); err != nil {
			return err
		}
		return s.SaveUser(r.Context(), u)
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// SaveDesignation creates or updates a designation.
func (h *Handler) SaveDesignation(w http.ResponseWriter, r *http.Request) {
	var req SaveNodeRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	d := engine.Designation{ID: engine.DesignationID(req.ID), Name: strings.TrimSpace(req.Name)}
	if req.ParentID != nil {
		parent := engine.DesignationID(*req.ParentID)
		d.ParentID = &parent
	}
	err := h.Store.WithTx(r.Context(), func(s engine.Store) error {
		if d.ParentID != nil {
			if _, err := s.GetDesignation(r.Context(), *d.ParentID); err != nil {
				return err
			}
		}
		if err := s.SaveDesignation(r.Context(), d); err != nil {
			return err
		}
		// Reject a save that closes a loop in the tree.
		_, err := (&engine.OrgDirectory{Store: s, MaxDepth: engine.DefaultMaxDepth}).DesignationAncestors(r.Context(), d.ID)
		return err
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// SaveDepartment creates or updates a department.
func (h *Handler) SaveDepartment(w http.ResponseWriter, r *http.Request) {
	var req SaveNodeRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	d := engine.Department{ID: engine.DepartmentID(req.ID), Name: strings.TrimSpace(req.Name)}
	if req.ParentID != nil {
		parent := engine.DepartmentID(*req.ParentID)
		d.ParentID = &parent
	}
	err := h.Store.WithTx(r.Context(), func(s engine.Store) error {
		if d.ParentID != nil {
			if _, err := s.GetDepartment(r.Context(), *d.ParentID); err != nil {
				return err
			}
		}
		if err := s.SaveDepartment(r.Context(), d); err != nil {
			return err
		}
		_, err := (&engine.OrgDirectory{Store: s, MaxDepth: engine.DefaultMaxDepth}).DepartmentAncestors(r.Context(), d.ID)
		return err
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// SaveCostCenter creates or updates a cost center.
func (h *Handler) SaveCostCenter(w http.ResponseWriter, r *http.Request) {
	var req SaveCostCenterRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	err := h.Store.SaveCostCenter(r.Context(), engine.CostCenter{
		ID:   engine.CostCenterID(req.ID),
		Name: strings.TrimSpace(req.Name),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// SaveSubCostCenter creates or updates a sub cost center.
func (h *Handler) SaveSubCostCenter(w http.ResponseWriter, r *http.Request) {
	var req SaveSubCostCenterRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	sc := engine.SubCostCenter{
		ID:           engine.SubCostCenterID(req.ID),
		CostCenterID: engine.CostCenterID(req.CostCenterID),
		Name:         strings.TrimSpace(req.Name),
	}
	err := h.Store.WithTx(r.Context(), func(s engine.Store) error {
		if _, err := s.GetCostCenter(r.Context(), sc.CostCenterID); err != nil {
			return err
		}
		return s.SaveSubCostCenter(r.Context(), sc)
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// =============================================================================
// FISCAL CALENDAR HANDLERS
// =============================================================================

// CreateFiscalYear creates the fiscal year labelled by req.Year.
func (h *Handler) CreateFiscalYear(w http.ResponseWriter, r *http.Request) {
	var req CreateFiscalYearRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	fy, err := h.Calendar.CreateFiscalYear(r.Context(), req.Year)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	start, end := h.Calendar.Bounds(fy.Year)
	writeJSON(w, http.StatusCreated, FiscalYearDTO{
		ID:        int64(fy.ID),
		Year:      fy.Year,
		StartDate: formatDate(start),
		EndDate:   formatDate(end),
	})
}

// OpenPeriod opens a period inside a fiscal year.
func (h *Handler) OpenPeriod(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	var req OpenPeriodRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	// Formats were checked by the validator.
	start, _ := time.Parse(dateLayout, req.StartDate)
	end, _ := time.Parse(dateLayout, req.EndDate)

	p, err := h.Calendar.OpenPeriod(r.Context(), engine.FiscalYearID(id), strings.TrimSpace(req.Name), start, end)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPeriodDTO(p))
}

// ListPeriods returns the periods of a fiscal year.
func (h *Handler) ListPeriods(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.Store.GetFiscalYear(r.Context(), engine.FiscalYearID(id)); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	periods, err := h.Store.ListPeriods(r.Context(), engine.FiscalYearID(id))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]PeriodDTO, len(periods))
	for i, p := range periods {
		dtos[i] = toPeriodDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// TransitionPeriod moves a period to another status.
func (h *Handler) TransitionPeriod(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	var req TransitionPeriodRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	p, err := h.Calendar.TransitionPeriod(r.Context(), engine.FiscalPeriodID(id), engine.PeriodStatus(req.Status))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(p))
}

// ReopenPeriod reopens a closed period.
func (h *Handler) ReopenPeriod(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.Calendar.ReopenPeriod(r.Context(), engine.FiscalPeriodID(id))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(p))
}

// CloseTransactionsUpTo moves the period watermark forward.
func (h *Handler) CloseTransactionsUpTo(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	var req CloseUpToRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	upTo, _ := time.Parse(dateLayout, req.Date)
	p, err := h.Calendar.CloseTransactionsUpTo(r.Context(), engine.FiscalPeriodID(id), upTo)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(p))
}

// DeletePeriod deletes a period that no budget line references.
func (h *Handler) DeletePeriod(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	if err := h.Calendar.DeletePeriod(r.Context(), engine.FiscalPeriodID(id)); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListPeriodBudgets returns the lines of a period. ?include_deleted=true
// adds soft-deleted lines.
func (h *Handler) ListPeriodBudgets(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.Store.GetPeriod(r.Context(), engine.FiscalPeriodID(id)); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	lines, err := h.Store.ListBudgetLines(r.Context(), engine.FiscalPeriodID(id), includeDeleted)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]BudgetDTO, len(lines))
	for i, b := range lines {
		dtos[i] = toBudgetDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// BUDGET HANDLERS
// =============================================================================

// CreateBudget creates a budget or request-budget line.
func (h *Handler) CreateBudget(w http.ResponseWriter, r *http.Request) {
	var req CreateBudgetRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	b, err := h.Ledger.CreateBudgetLine(r.Context(), engine.NewBudgetLine{
		Kind:                engine.LineKind(req.Kind),
		Key:                 req.Key.toKey(),
		TotalRevenuePlanned: req.TotalRevenuePlanned,
		TotalExpensePlanned: req.TotalExpensePlanned,
		Requested:           req.Requested,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBudgetDTO(b))
}

// GetBudget returns a budget line, soft-deleted ones included.
func (h *Handler) GetBudget(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	b, err := h.Ledger.Get(r.Context(), engine.BudgetID(id))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBudgetDTO(b))
}

// UpdateBudgetKey moves a line to another hierarchical key.
func (h *Handler) UpdateBudgetKey(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	var req UpdateBudgetKeyRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	b, err := h.Ledger.UpdateBudgetKey(r.Context(), engine.BudgetID(id), req.Key.toKey())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBudgetDTO(b))
}

// MutateBudget applies one ledger operation outside any approval chain.
func (h *Handler) MutateBudget(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	var op func(context.Context, engine.BudgetID, engine.Money) (engine.BudgetLine, error)
	switch chi.URLParam(r, "op") {
	case "reserve":
		op = h.Ledger.Reserve
	case "consume":
		op = h.Ledger.Consume
	case "release":
		op = h.Ledger.Release
	case "grant":
		op = h.Ledger.Grant
	case "revoke":
		op = h.Ledger.Revoke
	default:
		writeError(w, http.StatusNotFound, "Unknown ledger operation", nil)
		return
	}
	var req AmountRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	b, err := op(r.Context(), engine.BudgetID(id), req.Amount)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBudgetDTO(b))
}

// DeleteBudget soft-deletes a line.
func (h *Handler) DeleteBudget(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	b, err := h.Ledger.DeleteBudgetLine(r.Context(), engine.BudgetID(id))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBudgetDTO(b))
}

// GetUsage returns the rollup of a sub cost center in a period.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	sub, err1 := strconv.ParseInt(r.URL.Query().Get("sub_cost_center_id"), 10, 64)
	period, err2 := strconv.ParseInt(r.URL.Query().Get("period_id"), 10, 64)
	if err := errors.Join(err1, err2); err != nil || sub <= 0 || period <= 0 {
		writeError(w, http.StatusBadRequest, "sub_cost_center_id and period_id are required", err)
		return
	}
	u, err := h.Ledger.Usage(r.Context(), engine.SubCostCenterID(sub), engine.FiscalPeriodID(period))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UsageDTO{
		SubCostCenterID: int64(u.SubCostCenterID),
		FiscalPeriodID:  int64(u.FiscalPeriodID),
		Approved:        u.Approved,
		Reserved:        u.Reserved,
		Consumed:        u.Consumed,
	})
}

// =============================================================================
// PROCESS HANDLERS
// =============================================================================

// ListPolicies returns the financial policy of every document kind.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Factory.PoliciesToJSON(h.Policies))
}

// CreateProcess defines a process from its JSON form.
func (h *Handler) CreateProcess(w http.ResponseWriter, r *http.Request) {
	var pj factory.ProcessJSON
	if err := json.NewDecoder(r.Body).Decode(&pj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	p, steps, err := h.Factory.ProcessFromJSON(pj)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	p, steps, err = engine.DefineProcess(r.Context(), h.Store, p, steps)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":      p.ID,
		"process": h.Factory.ProcessToJSON(p, steps),
	})
}

// GetProcess returns a stored process in its JSON form.
func (h *Handler) GetProcess(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.Store.GetProcess(r.Context(), engine.ProcessID(id))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	steps, err := h.Store.ListProcessSteps(r.Context(), p.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      p.ID,
		"process": h.Factory.ProcessToJSON(p, steps),
	})
}

// =============================================================================
// DOCUMENT / HOP HANDLERS
// =============================================================================

// SubmitDocument starts an approval chain for a document.
func (h *Handler) SubmitDocument(w http.ResponseWriter, r *http.Request) {
	var req SubmitDocumentRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	requester, err := h.Org.ActingUser(r.Context(), engine.UserID(req.RequesterID))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	sub := engine.Submission{
		Document:    engine.DocumentRef{Kind: engine.DocumentKind(req.Kind), ID: engine.DocumentID(req.ID)},
		ProcessID:   engine.ProcessID(req.ProcessID),
		Requester:   requester,
		Amount:      req.Amount,
		Description: strings.TrimSpace(req.Description),
	}
	if req.BudgetID != nil {
		id := engine.BudgetID(*req.BudgetID)
		sub.BudgetLineID = &id
	}
	out, err := h.Chains.Submit(r.Context(), sub)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOutcomeDTO(out))
}

// GetDocumentStatus returns the approval status of a document.
func (h *Handler) GetDocumentStatus(w http.ResponseWriter, r *http.Request) {
	doc, ok := urlDocument(w, r)
	if !ok {
		return
	}
	status, err := h.Chains.DocumentStatus(r.Context(), doc)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DocumentStatusDTO{Kind: string(doc.Kind), ID: int64(doc.ID), Status: string(status)})
}

// GetDocumentHops returns every hop of every chain of a document.
func (h *Handler) GetDocumentHops(w http.ResponseWriter, r *http.Request) {
	doc, ok := urlDocument(w, r)
	if !ok {
		return
	}
	hops, err := h.Chains.DocumentHops(r.Context(), doc)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]HopDTO, len(hops))
	for i, hop := range hops {
		dtos[i] = toHopDTO(hop)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ActOnHop applies an approver's decision.
func (h *Handler) ActOnHop(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	var req ActRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	actor, err := h.Org.ActingUser(r.Context(), engine.UserID(req.ActorID))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	a := engine.Action{
		HopID:      engine.HopID(id),
		Actor:      actor,
		Decision:   engine.Decision(req.Decision),
		Comment:    strings.TrimSpace(req.Comment),
		Attachment: strings.TrimSpace(req.Attachment),
	}
	if req.ReferredTo != nil {
		to := engine.UserID(*req.ReferredTo)
		a.ReferredTo = &to
	}
	out, err := h.Chains.Act(r.Context(), a)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOutcomeDTO(out))
}

// =============================================================================
// TASK HANDLERS
// =============================================================================

// ListUserTasks returns the tasks of a user. ?open=true drops closed ones.
func (h *Handler) ListUserTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	tasks, err := h.Tasks.ForUser(r.Context(), engine.UserID(id))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if r.URL.Query().Get("open") == "true" {
		open := tasks[:0]
		for _, t := range tasks {
			if t.IsOpen() {
				open = append(open, t)
			}
		}
		tasks = open
	}
	writeJSON(w, http.StatusOK, toTaskDTOs(tasks))
}

// CloseTask closes a task. Closing twice is a no-op.
func (h *Handler) CloseTask(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	t, err := h.Tasks.Close(r.Context(), engine.TaskID(id))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTO(t))
}

// ListOverdueTasks returns open tasks past their deadline. ?at=YYYY-MM-DD
// evaluates at another instant.
func (h *Handler) ListOverdueTasks(w http.ResponseWriter, r *http.Request) {
	now, ok := queryInstant(w, r)
	if !ok {
		return
	}
	tasks, err := h.Tasks.Overdue(r.Context(), now)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTOs(tasks))
}

// EscalateTasks runs one escalation pass immediately.
func (h *Handler) EscalateTasks(w http.ResponseWriter, r *http.Request) {
	now, ok := queryInstant(w, r)
	if !ok {
		return
	}
	tasks, err := h.Tasks.Escalate(r.Context(), now)
	resp := map[string]any{"escalated": toTaskDTOs(tasks)}
	if err != nil {
		// Partial success: report what moved and what did not.
		h.Logger.Warn().Err(err).Int("escalated", len(tasks)).Msg("escalation pass had failures")
		resp["errors"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// WORKFLOW APPROVAL HANDLERS
// =============================================================================

// CreateWorkflow requests a generic approval.
func (h *Handler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkflowRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	wr := engine.WorkflowRequest{
		Subject:     engine.DocumentRef{Kind: engine.DocumentKind(req.Kind), ID: engine.DocumentID(req.ID)},
		RequesterID: engine.UserID(req.RequesterID),
		ApproverID:  engine.UserID(req.ApproverID),
		Comment:     req.Comment,
		Attachments: req.Attachments,
	}
	if req.DueDate != "" {
		due, _ := time.Parse(dateLayout, req.DueDate)
		wr.DueDate = &due
	}
	wa, err := h.Workflows.Request(r.Context(), wr)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWorkflowDTO(wa))
}

// GetWorkflow returns a workflow approval.
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	wa, err := h.Workflows.Get(r.Context(), engine.WorkflowID(id))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowDTO(wa))
}

// DecideWorkflow approves, rejects or refers a workflow approval.
func (h *Handler) DecideWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	var req DecideWorkflowRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	d := engine.WorkflowDecision{
		WorkflowID: engine.WorkflowID(id),
		ActorID:    engine.UserID(req.ActorID),
		Action:     engine.WorkflowAction(req.Action),
		Comment:    req.Comment,
		Attachment: strings.TrimSpace(req.Attachment),
	}
	if req.ReferredTo != nil {
		to := engine.UserID(*req.ReferredTo)
		d.ReferredTo = &to
	}
	wa, err := h.Workflows.Decide(r.Context(), d)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowDTO(wa))
}

// GetWorkflowHistory returns the audit trail of a workflow approval.
func (h *Handler) GetWorkflowHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	history, err := h.Workflows.History(r.Context(), engine.WorkflowID(id))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]WorkflowHistoryDTO, len(history))
	for i, e := range history {
		dtos[i] = toHistoryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine errors to HTTP statuses. Unclassified
// errors are logged and reported as 500.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	resp := ErrorResponse{Error: err.Error(), Code: code}

	var verr *engine.ValidationError
	var dup *engine.DuplicateBudgetError
	switch {
	case errors.As(err, &verr) && verr.Field != "":
		resp.Details = map[string]string{verr.Field: verr.Message}
	case errors.As(err, &dup):
		resp.Details = map[string]any{"existing_id": dup.ExistingID, "description": dup.Description}
	}

	if status == http.StatusInternalServerError {
		h.Logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		resp.Error = "Internal error"
	}
	writeJSON(w, status, resp)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, engine.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, engine.ErrDuplicateBudget):
		return http.StatusConflict, "duplicate_budget"
	case errors.Is(err, engine.ErrStaleHop):
		return http.StatusConflict, "stale_hop"
	case errors.Is(err, engine.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, engine.ErrPeriodClosed):
		return http.StatusUnprocessableEntity, "period_closed"
	case errors.Is(err, engine.ErrInsufficientBudget):
		return http.StatusUnprocessableEntity, "insufficient_budget"
	case errors.Is(err, engine.ErrOverconsumption):
		return http.StatusUnprocessableEntity, "overconsumption"
	case errors.Is(err, engine.ErrNoAssignee):
		return http.StatusUnprocessableEntity, "no_assignee"
	case errors.Is(err, engine.ErrNoSteps):
		return http.StatusUnprocessableEntity, "no_steps"
	case errors.Is(err, engine.ErrHierarchyCycle):
		return http.StatusUnprocessableEntity, "hierarchy_cycle"
	default:
		return http.StatusInternalServerError, ""
	}
}

// decodeJSON decodes and validates the body into dst. On failure it has
// already written the 400 response.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "Validation failed",
				Code:    "validation",
				Details: validationDetails(verrs),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// validationDetails maps "key.fiscal_period_id" -> "required".
func validationDetails(verrs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out[field] = rule
	}
	return out
}

func jsonTagName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	return name
}

func urlID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s", param), err)
		return 0, false
	}
	return id, true
}

func urlDocument(w http.ResponseWriter, r *http.Request) (engine.DocumentRef, bool) {
	kind, err := engine.ParseDocumentKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid document kind", err)
		return engine.DocumentRef{}, false
	}
	id, ok := urlID(w, r, "id")
	if !ok {
		return engine.DocumentRef{}, false
	}
	return engine.DocumentRef{Kind: kind, ID: engine.DocumentID(id)}, true
}

// queryInstant reads ?at=YYYY-MM-DD or RFC 3339, defaulting to now.
func queryInstant(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	raw := r.URL.Query().Get("at")
	if raw == "" {
		return time.Now().UTC(), true
	}
	for _, layout := range []string{time.RFC3339, dateLayout} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	writeError(w, http.StatusBadRequest, "Invalid at (use YYYY-MM-DD or RFC 3339)", nil)
	return time.Time{}, false
}
