/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags; handlers call
  decodeJSON, which rejects malformed bodies with a 400 and a
  field -> rule map in "details". Business rules (period mutable, budget
  available) stay in the engine.

MONEY:
  Amounts are decimal strings ("1250.00") in both directions. Numbers are
  accepted on input.

DATES:
  Calendar dates use YYYY-MM-DD, timestamps RFC 3339.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/process.go: ProcessJSON type
*/
package api

import (
	"time"

	"github.com/warp/approval-engine/engine"
)

const dateLayout = "2006-01-02"

// =============================================================================
// ORGANIZATION
// =============================================================================

type SaveUserRequest struct {
	ID            int64  `json:"id" validate:"required,gt=0"`
	Name          string `json:"name" validate:"required,max=200"`
	DesignationID int64  `json:"designation_id" validate:"required,gt=0"`
	DepartmentID  int64  `json:"department_id" validate:"required,gt=0"`
}

// SaveNodeRequest saves a designation or department.
type SaveNodeRequest struct {
	ID       int64  `json:"id" validate:"required,gt=0"`
	Name     string `json:"name" validate:"required,max=200"`
	ParentID *int64 `json:"parent_id,omitempty" validate:"omitempty,gt=0"`
}

type SaveCostCenterRequest struct {
	ID   int64  `json:"id" validate:"required,gt=0"`
	Name string `json:"name" validate:"required,max=200"`
}

type SaveSubCostCenterRequest struct {
	ID           int64  `json:"id" validate:"required,gt=0"`
	CostCenterID int64  `json:"cost_center_id" validate:"required,gt=0"`
	Name         string `json:"name" validate:"required,max=200"`
}

// =============================================================================
// FISCAL CALENDAR
// =============================================================================

type CreateFiscalYearRequest struct {
	Year int `json:"year" validate:"required,gte=1900,lte=9999"`
}

type FiscalYearDTO struct {
	ID        int64  `json:"id"`
	Year      int    `json:"year"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

type OpenPeriodRequest struct {
	Name      string `json:"name" validate:"required,max=100"`
	StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"required,datetime=2006-01-02"`
}

type TransitionPeriodRequest struct {
	Status string `json:"status" validate:"required,oneof=open adjusting closed"`
}

type CloseUpToRequest struct {
	Date string `json:"date" validate:"required,datetime=2006-01-02"`
}

type PeriodDTO struct {
	ID                    int64   `json:"id"`
	FiscalYearID          int64   `json:"fiscal_year_id"`
	Name                  string  `json:"name"`
	StartDate             string  `json:"start_date"`
	EndDate               string  `json:"end_date"`
	TransactionClosedUpTo *string `json:"transaction_closed_up_to,omitempty"`
	Status                string  `json:"status"`
}

// =============================================================================
// BUDGETS
// =============================================================================

type BudgetKeyDTO struct {
	FiscalPeriodID  int64  `json:"fiscal_period_id" validate:"required,gt=0"`
	DepartmentID    int64  `json:"department_id" validate:"required,gt=0"`
	CostCenterID    int64  `json:"cost_center_id" validate:"required,gt=0"`
	SubCostCenterID *int64 `json:"sub_cost_center_id,omitempty" validate:"omitempty,gt=0"`
}

type CreateBudgetRequest struct {
	Kind                string       `json:"kind" validate:"required,oneof=budget request_budget"`
	Key                 BudgetKeyDTO `json:"key" validate:"required"`
	TotalRevenuePlanned engine.Money `json:"total_revenue_planned"`
	TotalExpensePlanned engine.Money `json:"total_expense_planned"`
	Requested           engine.Money `json:"requested"`
}

type UpdateBudgetKeyRequest struct {
	Key BudgetKeyDTO `json:"key" validate:"required"`
}

// AmountRequest carries the amount of a direct ledger mutation.
type AmountRequest struct {
	Amount engine.Money `json:"amount"`
}

type BudgetDTO struct {
	ID                  int64        `json:"id"`
	Kind                string       `json:"kind"`
	Key                 BudgetKeyDTO `json:"key"`
	TotalRevenuePlanned engine.Money `json:"total_revenue_planned"`
	TotalRevenueActual  engine.Money `json:"total_revenue_actual"`
	TotalExpensePlanned engine.Money `json:"total_expense_planned"`
	TotalExpenseActual  engine.Money `json:"total_expense_actual"`
	Requested           engine.Money `json:"requested"`
	Approved            engine.Money `json:"approved"`
	Reserved            engine.Money `json:"reserved"`
	Consumed            engine.Money `json:"consumed"`
	Available           engine.Money `json:"available"`
	Balance             engine.Money `json:"balance"`
	Status              string       `json:"status"`
	CreatedAt           string       `json:"created_at"`
	UpdatedAt           string       `json:"updated_at"`
	DeletedAt           *string      `json:"deleted_at,omitempty"`
}

type UsageDTO struct {
	SubCostCenterID int64        `json:"sub_cost_center_id"`
	FiscalPeriodID  int64        `json:"fiscal_period_id"`
	Approved        engine.Money `json:"approved"`
	Reserved        engine.Money `json:"reserved"`
	Consumed        engine.Money `json:"consumed"`
}

// =============================================================================
// APPROVAL CHAINS
// =============================================================================

type SubmitDocumentRequest struct {
	Kind        string       `json:"kind" validate:"required,oneof=budget rfq purchase_order material_request budget_request invoice"`
	ID          int64        `json:"id" validate:"required,gt=0"`
	ProcessID   int64        `json:"process_id" validate:"required,gt=0"`
	RequesterID int64        `json:"requester_id" validate:"required,gt=0"`
	BudgetID    *int64       `json:"budget_id,omitempty" validate:"omitempty,gt=0"`
	Amount      engine.Money `json:"amount"`
	Description string       `json:"description,omitempty" validate:"max=2000"`
}

type ActRequest struct {
	ActorID    int64   `json:"actor_id" validate:"required,gt=0"`
	Decision   string  `json:"decision" validate:"required,oneof=approve reject refer"`
	ReferredTo *int64  `json:"referred_to,omitempty" validate:"required_if=Decision refer,omitempty,gt=0"`
	Comment    string  `json:"comment,omitempty" validate:"max=2000"`
	Attachment string  `json:"attachment,omitempty" validate:"max=500"`
}

type HopDTO struct {
	ID            int64   `json:"id"`
	ChainID       int64   `json:"chain_id"`
	ProcessStepID int64   `json:"process_step_id"`
	RequesterID   int64   `json:"requester_id"`
	AssignedFrom  int64   `json:"assigned_from"`
	AssignedTo    int64   `json:"assigned_to"`
	ReferredTo    *int64  `json:"referred_to,omitempty"`
	Order         int     `json:"order"`
	Status        string  `json:"status"`
	Description   string  `json:"description,omitempty"`
	Comment       string  `json:"comment,omitempty"`
	Attachment    string  `json:"attachment,omitempty"`
	ActedBy       *int64  `json:"acted_by,omitempty"`
	ActedAt       *string `json:"acted_at,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

type ChainDTO struct {
	ID             int64        `json:"id"`
	DocumentKind   string       `json:"document_kind"`
	DocumentID     int64        `json:"document_id"`
	ProcessID      int64        `json:"process_id"`
	BudgetID       *int64       `json:"budget_id,omitempty"`
	Amount         engine.Money `json:"amount"`
	Status         string       `json:"status"`
	Sequence       int          `json:"sequence"`
	ReservedAmount engine.Money `json:"reserved_amount"`
	GrantedAmount  engine.Money `json:"granted_amount"`
	ConsumedAmount engine.Money `json:"consumed_amount"`
}

// OutcomeDTO is returned by submit and act.
type OutcomeDTO struct {
	Chain  ChainDTO   `json:"chain"`
	Acted  *HopDTO    `json:"acted,omitempty"`
	Opened *HopDTO    `json:"opened,omitempty"`
	Task   *TaskDTO   `json:"task,omitempty"`
	Final  bool       `json:"final"`
	Budget *BudgetDTO `json:"budget,omitempty"`
}

type DocumentStatusDTO struct {
	Kind   string `json:"kind"`
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

// =============================================================================
// TASKS
// =============================================================================

type TaskDTO struct {
	ID           int64   `json:"id"`
	HopID        int64   `json:"hop_id"`
	DocumentKind string  `json:"document_kind"`
	DocumentID   int64   `json:"document_id"`
	AssignedFrom int64   `json:"assigned_from"`
	AssignedTo   int64   `json:"assigned_to"`
	AssignedAt   string  `json:"assigned_at"`
	Deadline     *string `json:"deadline,omitempty"`
	Urgency      string  `json:"urgency"`
	Read         bool    `json:"read"`
	ClosedAt     *string `json:"closed_at,omitempty"`
}

// =============================================================================
// WORKFLOW APPROVALS
// =============================================================================

type CreateWorkflowRequest struct {
	Kind        string   `json:"kind" validate:"required,oneof=budget rfq purchase_order material_request budget_request invoice"`
	ID          int64    `json:"id" validate:"required,gt=0"`
	RequesterID int64    `json:"requester_id" validate:"required,gt=0"`
	ApproverID  int64    `json:"approver_id" validate:"required,gt=0"`
	DueDate     string   `json:"due_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Comment     string   `json:"comment,omitempty" validate:"max=2000"`
	Attachments []string `json:"attachments,omitempty" validate:"omitempty,dive,required,max=500"`
}

type DecideWorkflowRequest struct {
	ActorID    int64  `json:"actor_id" validate:"required,gt=0"`
	Action     string `json:"action" validate:"required,oneof=approved rejected referred"`
	ReferredTo *int64 `json:"referred_to,omitempty" validate:"required_if=Action referred,omitempty,gt=0"`
	Comment    string `json:"comment,omitempty" validate:"max=2000"`
	Attachment string `json:"attachment,omitempty" validate:"max=500"`
}

type WorkflowDTO struct {
	ID           int64    `json:"id"`
	DocumentKind string   `json:"document_kind"`
	DocumentID   int64    `json:"document_id"`
	RequesterID  int64    `json:"requester_id"`
	ApproverID   int64    `json:"approver_id"`
	Status       string   `json:"status"`
	DueDate      *string  `json:"due_date,omitempty"`
	Comment      string   `json:"comment,omitempty"`
	Attachments  []string `json:"attachments"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

type WorkflowHistoryDTO struct {
	ID         int64  `json:"id"`
	Action     string `json:"action"`
	ActorID    int64  `json:"actor_id"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status"`
	ReferredTo *int64 `json:"referred_to,omitempty"`
	Comment    string `json:"comment,omitempty"`
	Attachment string `json:"attachment,omitempty"`
	At         string `json:"at"`
}

// =============================================================================
// MISC
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Loaded      bool   `json:"loaded"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatDate(t time.Time) string { return t.Format(dateLayout) }

func formatTimestamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func optTimestamp(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTimestamp(*t)
	return &s
}

func optID[T ~int64](id *T) *int64 {
	if id == nil {
		return nil
	}
	v := int64(*id)
	return &v
}

func toPeriodDTO(p engine.FiscalPeriod) PeriodDTO {
	dto := PeriodDTO{
		ID:           int64(p.ID),
		FiscalYearID: int64(p.FiscalYearID),
		Name:         p.Name,
		StartDate:    formatDate(p.StartDate),
		EndDate:      formatDate(p.EndDate),
		Status:       string(p.Status),
	}
	if p.TransactionClosedUpTo != nil {
		d := formatDate(*p.TransactionClosedUpTo)
		dto.TransactionClosedUpTo = &d
	}
	return dto
}

func toKeyDTO(k engine.BudgetKey) BudgetKeyDTO {
	return BudgetKeyDTO{
		FiscalPeriodID:  int64(k.FiscalPeriodID),
		DepartmentID:    int64(k.DepartmentID),
		CostCenterID:    int64(k.CostCenterID),
		SubCostCenterID: optID(k.SubCostCenterID),
	}
}

func (k BudgetKeyDTO) toKey() engine.BudgetKey {
	key := engine.BudgetKey{
		FiscalPeriodID: engine.FiscalPeriodID(k.FiscalPeriodID),
		DepartmentID:   engine.DepartmentID(k.DepartmentID),
		CostCenterID:   engine.CostCenterID(k.CostCenterID),
	}
	if k.SubCostCenterID != nil {
		sub := engine.SubCostCenterID(*k.SubCostCenterID)
		key.SubCostCenterID = &sub
	}
	return key
}

func toBudgetDTO(b engine.BudgetLine) BudgetDTO {
	return BudgetDTO{
		ID:                  int64(b.ID),
		Kind:                string(b.Kind),
		Key:                 toKeyDTO(b.Key),
		TotalRevenuePlanned: b.TotalRevenuePlanned,
		TotalRevenueActual:  b.TotalRevenueActual,
		TotalExpensePlanned: b.TotalExpensePlanned,
		TotalExpenseActual:  b.TotalExpenseActual,
		Requested:           b.Requested,
		Approved:            b.Approved,
		Reserved:            b.Reserved,
		Consumed:            b.Consumed,
		Available:           b.Available(),
		Balance:             b.Balance,
		Status:              string(b.Status),
		CreatedAt:           formatTimestamp(b.CreatedAt),
		UpdatedAt:           formatTimestamp(b.UpdatedAt),
		DeletedAt:           optTimestamp(b.DeletedAt),
	}
}

func toHopDTO(h engine.Hop) HopDTO {
	return HopDTO{
		ID:            int64(h.ID),
		ChainID:       int64(h.ChainID),
		ProcessStepID: int64(h.ProcessStepID),
		RequesterID:   int64(h.RequesterID),
		AssignedFrom:  int64(h.AssignedFrom),
		AssignedTo:    int64(h.AssignedTo),
		ReferredTo:    optID(h.ReferredTo),
		Order:         h.Order,
		Status:        string(h.Status),
		Description:   h.Description,
		Comment:       h.Comment,
		Attachment:    h.Attachment,
		ActedBy:       optID(h.ActedBy),
		ActedAt:       optTimestamp(h.ActedAt),
		CreatedAt:     formatTimestamp(h.CreatedAt),
	}
}

func toChainDTO(c engine.Chain) ChainDTO {
	return ChainDTO{
		ID:             int64(c.ID),
		DocumentKind:   string(c.Document.Kind),
		DocumentID:     int64(c.Document.ID),
		ProcessID:      int64(c.ProcessID),
		BudgetID:       optID(c.BudgetLineID),
		Amount:         c.Amount,
		Status:         string(c.Status),
		Sequence:       c.Sequence,
		ReservedAmount: c.ReservedAmount,
		GrantedAmount:  c.GrantedAmount,
		ConsumedAmount: c.ConsumedAmount,
	}
}

func toTaskDTO(t engine.Task) TaskDTO {
	return TaskDTO{
		ID:           int64(t.ID),
		HopID:        int64(t.HopID),
		DocumentKind: string(t.Document.Kind),
		DocumentID:   int64(t.Document.ID),
		AssignedFrom: int64(t.AssignedFrom),
		AssignedTo:   int64(t.AssignedTo),
		AssignedAt:   formatTimestamp(t.AssignedAt),
		Deadline:     optTimestamp(t.Deadline),
		Urgency:      string(t.Urgency),
		Read:         t.Read,
		ClosedAt:     optTimestamp(t.ClosedAt),
	}
}

func toTaskDTOs(tasks []engine.Task) []TaskDTO {
	dtos := make([]TaskDTO, len(tasks))
	for i, t := range tasks {
		dtos[i] = toTaskDTO(t)
	}
	return dtos
}

func toOutcomeDTO(o engine.Outcome) OutcomeDTO {
	dto := OutcomeDTO{Chain: toChainDTO(o.Chain), Final: o.Final}
	if o.Acted.ID != 0 {
		acted := toHopDTO(o.Acted)
		dto.Acted = &acted
	}
	if o.Opened != nil {
		opened := toHopDTO(*o.Opened)
		dto.Opened = &opened
	}
	if o.Task != nil {
		task := toTaskDTO(*o.Task)
		dto.Task = &task
	}
	if o.Budget != nil {
		budget := toBudgetDTO(*o.Budget)
		dto.Budget = &budget
	}
	return dto
}

func toWorkflowDTO(w engine.WorkflowApproval) WorkflowDTO {
	dto := WorkflowDTO{
		ID:           int64(w.ID),
		DocumentKind: string(w.Subject.Kind),
		DocumentID:   int64(w.Subject.ID),
		RequesterID:  int64(w.RequesterID),
		ApproverID:   int64(w.ApproverID),
		Status:       string(w.Status),
		Comment:      w.Comment,
		Attachments:  w.Attachments,
		CreatedAt:    formatTimestamp(w.CreatedAt),
		UpdatedAt:    formatTimestamp(w.UpdatedAt),
	}
	if dto.Attachments == nil {
		dto.Attachments = []string{}
	}
	if w.DueDate != nil {
		d := formatDate(*w.DueDate)
		dto.DueDate = &d
	}
	return dto
}

func toHistoryDTO(h engine.WorkflowHistory) WorkflowHistoryDTO {
	return WorkflowHistoryDTO{
		ID:         h.ID,
		Action:     string(h.Action),
		ActorID:    int64(h.ActorID),
		FromStatus: string(h.FromStatus),
		ToStatus:   string(h.ToStatus),
		ReferredTo: optID(h.ReferredTo),
		Comment:    h.Comment,
		Attachment: h.Attachment,
		At:         formatTimestamp(h.At),
	}
}
