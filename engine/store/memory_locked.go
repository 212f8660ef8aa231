package store

import (
	"context"
	"time"

	"github.com/warp/approval-engine/engine"
)

// Locked entry points used outside WithTx. Each one holds the store mutex
// for the duration of the call.

func (m *Memory) CreateFiscalYear(ctx context.Context, fy *engine.FiscalYear) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CreateFiscalYear(ctx, fy)
}

func (m *Memory) GetFiscalYear(ctx context.Context, id engine.FiscalYearID) (engine.FiscalYear, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetFiscalYear(ctx, id)
}

func (m *Memory) FindFiscalYear(ctx context.Context, year int) (engine.FiscalYear, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.FindFiscalYear(ctx, year)
}

func (m *Memory) CreatePeriod(ctx context.Context, p *engine.FiscalPeriod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CreatePeriod(ctx, p)
}

func (m *Memory) GetPeriod(ctx context.Context, id engine.FiscalPeriodID) (engine.FiscalPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetPeriod(ctx, id)
}

func (m *Memory) ListPeriods(ctx context.Context, fiscalYearID engine.FiscalYearID) ([]engine.FiscalPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListPeriods(ctx, fiscalYearID)
}

func (m *Memory) UpdatePeriod(ctx context.Context, p engine.FiscalPeriod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdatePeriod(ctx, p)
}

func (m *Memory) DeletePeriod(ctx context.Context, id engine.FiscalPeriodID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.DeletePeriod(ctx, id)
}

func (m *Memory) InsertBudgetLine(ctx context.Context, b *engine.BudgetLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertBudgetLine(ctx, b)
}

func (m *Memory) GetBudgetLine(ctx context.Context, id engine.BudgetID) (engine.BudgetLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetBudgetLine(ctx, id)
}

func (m *Memory) FindBudgetLine(ctx context.Context, key engine.BudgetKey, excludeID engine.BudgetID) (engine.BudgetLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.FindBudgetLine(ctx, key, excludeID)
}

func (m *Memory) UpdateBudgetLine(ctx context.Context, b engine.BudgetLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateBudgetLine(ctx, b)
}

func (m *Memory) ListBudgetLines(ctx context.Context, periodID engine.FiscalPeriodID, includeDeleted bool) ([]engine.BudgetLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListBudgetLines(ctx, periodID, includeDeleted)
}

func (m *Memory) GetUsage(ctx context.Context, sub engine.SubCostCenterID, period engine.FiscalPeriodID) (engine.BudgetUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetUsage(ctx, sub, period)
}

func (m *Memory) SaveUsage(ctx context.Context, u engine.BudgetUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveUsage(ctx, u)
}

func (m *Memory) SaveUser(ctx context.Context, u engine.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveUser(ctx, u)
}

func (m *Memory) GetUser(ctx context.Context, id engine.UserID) (engine.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetUser(ctx, id)
}

func (m *Memory) ListUsersByDesignation(ctx context.Context, id engine.DesignationID) ([]engine.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListUsersByDesignation(ctx, id)
}

func (m *Memory) SaveDesignation(ctx context.Context, d engine.Designation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveDesignation(ctx, d)
}

func (m *Memory) GetDesignation(ctx context.Context, id engine.DesignationID) (engine.Designation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetDesignation(ctx, id)
}

func (m *Memory) ListChildDesignations(ctx context.Context, parentID engine.DesignationID) ([]engine.Designation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListChildDesignations(ctx, parentID)
}

func (m *Memory) SaveDepartment(ctx context.Context, d engine.Department) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveDepartment(ctx, d)
}

func (m *Memory) GetDepartment(ctx context.Context, id engine.DepartmentID) (engine.Department, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetDepartment(ctx, id)
}

func (m *Memory) ListChildDepartments(ctx context.Context, parentID engine.DepartmentID) ([]engine.Department, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListChildDepartments(ctx, parentID)
}

func (m *Memory) SaveCostCenter(ctx context.Context, c engine.CostCenter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveCostCenter(ctx, c)
}

func (m *Memory) GetCostCenter(ctx context.Context, id engine.CostCenterID) (engine.CostCenter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetCostCenter(ctx, id)
}

func (m *Memory) SaveSubCostCenter(ctx context.Context, sc engine.SubCostCenter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveSubCostCenter(ctx, sc)
}

func (m *Memory) GetSubCostCenter(ctx context.Context, id engine.SubCostCenterID) (engine.SubCostCenter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetSubCostCenter(ctx, id)
}

func (m *Memory) CreateProcess(ctx context.Context, p *engine.Process) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CreateProcess(ctx, p)
}

func (m *Memory) GetProcess(ctx context.Context, id engine.ProcessID) (engine.Process, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetProcess(ctx, id)
}

func (m *Memory) CreateProcessStep(ctx context.Context, st *engine.ProcessStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CreateProcessStep(ctx, st)
}

func (m *Memory) GetProcessStep(ctx context.Context, id engine.ProcessStepID) (engine.ProcessStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetProcessStep(ctx, id)
}

func (m *Memory) ListProcessSteps(ctx context.Context, processID engine.ProcessID) ([]engine.ProcessStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListProcessSteps(ctx, processID)
}

func (m *Memory) InsertChain(ctx context.Context, c *engine.Chain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertChain(ctx, c)
}

func (m *Memory) GetChain(ctx context.Context, id engine.ChainID) (engine.Chain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetChain(ctx, id)
}

func (m *Memory) UpdateChain(ctx context.Context, c engine.Chain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateChain(ctx, c)
}

func (m *Memory) ListChains(ctx context.Context, doc engine.DocumentRef) ([]engine.Chain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListChains(ctx, doc)
}

func (m *Memory) InsertHop(ctx context.Context, h *engine.Hop) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertHop(ctx, h)
}

func (m *Memory) GetHop(ctx context.Context, id engine.HopID) (engine.Hop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetHop(ctx, id)
}

func (m *Memory) ListHops(ctx context.Context, chainID engine.ChainID) ([]engine.Hop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListHops(ctx, chainID)
}

func (m *Memory) UpdatePendingHop(ctx context.Context, h engine.Hop) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdatePendingHop(ctx, h)
}

func (m *Memory) InsertTask(ctx context.Context, t *engine.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertTask(ctx, t)
}

func (m *Memory) GetTask(ctx context.Context, id engine.TaskID) (engine.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetTask(ctx, id)
}

func (m *Memory) UpdateTask(ctx context.Context, t engine.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateTask(ctx, t)
}

func (m *Memory) ListOpenTasksForHop(ctx context.Context, hopID engine.HopID) ([]engine.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListOpenTasksForHop(ctx, hopID)
}

func (m *Memory) ListOpenTasks(ctx context.Context) ([]engine.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListOpenTasks(ctx)
}

func (m *Memory) ListTasksForUser(ctx context.Context, userID engine.UserID) ([]engine.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListTasksForUser(ctx, userID)
}

func (m *Memory) InsertWorkflow(ctx context.Context, w *engine.WorkflowApproval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertWorkflow(ctx, w)
}

func (m *Memory) GetWorkflow(ctx context.Context, id engine.WorkflowID) (engine.WorkflowApproval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetWorkflow(ctx, id)
}

func (m *Memory) UpdateWorkflow(ctx context.Context, w engine.WorkflowApproval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateWorkflow(ctx, w)
}

func (m *Memory) AppendWorkflowHistory(ctx context.Context, h *engine.WorkflowHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AppendWorkflowHistory(ctx, h)
}

func (m *Memory) ListWorkflowHistory(ctx context.Context, id engine.WorkflowID) ([]engine.WorkflowHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListWorkflowHistory(ctx, id)
}

func (m *Memory) GetDocumentStatus(ctx context.Context, doc engine.DocumentRef) (engine.DocumentStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetDocumentStatus(ctx, doc)
}

func (m *Memory) SetDocumentStatus(ctx context.Context, doc engine.DocumentRef, status engine.DocumentStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SetDocumentStatus(ctx, doc, status, at)
}
