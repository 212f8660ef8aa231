/*
store.go - Persistence interface for the approval engine

PURPOSE:
  Defines the seam between the engine and the database. The engine only
  needs primary-key lookups plus a handful of narrow queries; everything
  else (ordering, filtering by status) is done in Go.

KEY INTERFACES:
  Store:   Union of the per-aggregate stores below
  TxStore: Store + WithTx for all-or-nothing multi-row writes

ATOMICITY:
  Every chain transition touches the hop, the task, the chain, the budget
  line and its usage rollup. All of that happens inside a single WithTx
  call. If fn returns an error, nothing is persisted.

  Inside fn, use ONLY the Store handed to fn. Using the outer TxStore
  from within fn is undefined (the memory store deadlocks, SQLite blocks
  on its single connection).

COMPARE-AND-SET:
  UpdatePendingHop writes a hop only if its stored status is still
  Pending. This is how two approvers racing on the same hop are told
  apart: exactly one sees ok=true.

IMPLEMENTATIONS:
  - engine/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go: SQLite for production

SEE ALSO:
  - chain.go: The main consumer of WithTx
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// PER-AGGREGATE STORES
// =============================================================================

// CalendarStore persists fiscal years and periods.
type CalendarStore interface {
	CreateFiscalYear(ctx context.Context, fy *FiscalYear) error
	GetFiscalYear(ctx context.Context, id FiscalYearID) (FiscalYear, error)
	// FindFiscalYear returns ErrNotFound when no row has that year.
	FindFiscalYear(ctx context.Context, year int) (FiscalYear, error)

	CreatePeriod(ctx context.Context, p *FiscalPeriod) error
	GetPeriod(ctx context.Context, id FiscalPeriodID) (FiscalPeriod, error)
	ListPeriods(ctx context.Context, fiscalYearID FiscalYearID) ([]FiscalPeriod, error)
	UpdatePeriod(ctx context.Context, p FiscalPeriod) error
	DeletePeriod(ctx context.Context, id FiscalPeriodID) error
}

// BudgetStore persists budget lines and the per sub-cost-center rollups.
type BudgetStore interface {
	InsertBudgetLine(ctx context.Context, b *BudgetLine) error
	// GetBudgetLine returns soft-deleted rows too; callers check DeletedAt.
	GetBudgetLine(ctx context.Context, id BudgetID) (BudgetLine, error)
	// FindBudgetLine returns the non-deleted line owning key, ignoring
	// excludeID (0 excludes nothing). ErrNotFound when there is none.
	FindBudgetLine(ctx context.Context, key BudgetKey, excludeID BudgetID) (BudgetLine, error)
	UpdateBudgetLine(ctx context.Context, b BudgetLine) error
	ListBudgetLines(ctx context.Context, periodID FiscalPeriodID, includeDeleted bool) ([]BudgetLine, error)

	// GetUsage returns ErrNotFound when no child line has touched the rollup yet.
	GetUsage(ctx context.Context, subCostCenterID SubCostCenterID, periodID FiscalPeriodID) (BudgetUsage, error)
	SaveUsage(ctx context.Context, u BudgetUsage) error
}

// OrgStore persists the organization the resolver walks.
type OrgStore interface {
	SaveUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id UserID) (User, error)
	ListUsersByDesignation(ctx context.Context, id DesignationID) ([]User, error)

	SaveDesignation(ctx context.Context, d Designation) error
	GetDesignation(ctx context.Context, id DesignationID) (Designation, error)
	ListChildDesignations(ctx context.Context, parentID DesignationID) ([]Designation, error)

	SaveDepartment(ctx context.Context, d Department) error
	GetDepartment(ctx context.Context, id DepartmentID) (Department, error)
	ListChildDepartments(ctx context.Context, parentID DepartmentID) ([]Department, error)

	SaveCostCenter(ctx context.Context, c CostCenter) error
	GetCostCenter(ctx context.Context, id CostCenterID) (CostCenter, error)
	SaveSubCostCenter(ctx context.Context, s SubCostCenter) error
	GetSubCostCenter(ctx context.Context, id SubCostCenterID) (SubCostCenter, error)
}

// ProcessStore persists process definitions.
type ProcessStore interface {
	CreateProcess(ctx context.Context, p *Process) error
	GetProcess(ctx context.Context, id ProcessID) (Process, error)
	CreateProcessStep(ctx context.Context, s *ProcessStep) error
	GetProcessStep(ctx context.Context, id ProcessStepID) (ProcessStep, error)
	// ListProcessSteps returns active and inactive steps ordered by Order.
	ListProcessSteps(ctx context.Context, processID ProcessID) ([]ProcessStep, error)
}

// ChainStore persists chains and their hops. Hops are never deleted.
type ChainStore interface {
	InsertChain(ctx context.Context, c *Chain) error
	GetChain(ctx context.Context, id ChainID) (Chain, error)
	UpdateChain(ctx context.Context, c Chain) error
	// ListChains returns every chain of a document ordered by Sequence.
	ListChains(ctx context.Context, doc DocumentRef) ([]Chain, error)

	InsertHop(ctx context.Context, h *Hop) error
	GetHop(ctx context.Context, id HopID) (Hop, error)
	// ListHops returns the hops of a chain in creation order.
	ListHops(ctx context.Context, chainID ChainID) ([]Hop, error)
	// UpdatePendingHop persists h only if the stored row is still Pending.
	UpdatePendingHop(ctx context.Context, h Hop) (ok bool, err error)
}

// TaskStore persists tasks.
type TaskStore interface {
	InsertTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id TaskID) (Task, error)
	UpdateTask(ctx context.Context, t Task) error
	// ListOpenTasksForHop should return at most one task.
	ListOpenTasksForHop(ctx context.Context, hopID HopID) ([]Task, error)
	ListOpenTasks(ctx context.Context) ([]Task, error)
	ListTasksForUser(ctx context.Context, userID UserID) ([]Task, error)
}

// WorkflowStore persists generic approvals and their append-only history.
type WorkflowStore interface {
	InsertWorkflow(ctx context.Context, w *WorkflowApproval) error
	GetWorkflow(ctx context.Context, id WorkflowID) (WorkflowApproval, error)
	UpdateWorkflow(ctx context.Context, w WorkflowApproval) error
	AppendWorkflowHistory(ctx context.Context, h *WorkflowHistory) error
	ListWorkflowHistory(ctx context.Context, id WorkflowID) ([]WorkflowHistory, error)
}

// DocumentStore tracks the approval status of the owning documents.
type DocumentStore interface {
	// GetDocumentStatus returns DocumentDraft for documents never submitted.
	GetDocumentStatus(ctx context.Context, doc DocumentRef) (DocumentStatus, error)
	SetDocumentStatus(ctx context.Context, doc DocumentRef, status DocumentStatus, at time.Time) error
}

// =============================================================================
// STORE / TXSTORE
// =============================================================================

// Store is everything the engine persists.
type Store interface {
	CalendarStore
	BudgetStore
	OrgStore
	ProcessStore
	ChainStore
	TaskStore
	WorkflowStore
	DocumentStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
