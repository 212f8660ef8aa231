// Package store provides Store implementations.
package store

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/warp/approval-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements engine.TxStore. Every call takes the store mutex;
// WithTx holds it for the whole callback, so transactions are serialized.
type Memory struct {
	mu    sync.RWMutex
	state *memState
}

func NewMemory() *Memory {
	return &Memory{state: newMemState()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(m.state); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

type usageKey struct {
	sub    engine.SubCostCenterID
	period engine.FiscalPeriodID
}

// memState holds the tables. It implements engine.Store without locking
// and is handed to WithTx callbacks directly.
type memState struct {
	seq map[string]int64

	fiscalYears    map[engine.FiscalYearID]engine.FiscalYear
	periods        map[engine.FiscalPeriodID]engine.FiscalPeriod
	budgets        map[engine.BudgetID]engine.BudgetLine
	usage          map[usageKey]engine.BudgetUsage
	users          map[engine.UserID]engine.User
	designations   map[engine.DesignationID]engine.Designation
	departments    map[engine.DepartmentID]engine.Department
	costCenters    map[engine.CostCenterID]engine.CostCenter
	subCostCenters map[engine.SubCostCenterID]engine.SubCostCenter
	processes      map[engine.ProcessID]engine.Process
	steps          map[engine.ProcessStepID]engine.ProcessStep
	chains         map[engine.ChainID]engine.Chain
	hops           map[engine.HopID]engine.Hop
	tasks          map[engine.TaskID]engine.Task
	workflows      map[engine.WorkflowID]engine.WorkflowApproval
	history        map[engine.WorkflowID][]engine.WorkflowHistory
	documents      map[engine.DocumentRef]engine.DocumentStatus
}

func newMemState() *memState {
	return &memState{
		seq:            make(map[string]int64),
		fiscalYears:    make(map[engine.FiscalYearID]engine.FiscalYear),
		periods:        make(map[engine.FiscalPeriodID]engine.FiscalPeriod),
		budgets:        make(map[engine.BudgetID]engine.BudgetLine),
		usage:          make(map[usageKey]engine.BudgetUsage),
		users:          make(map[engine.UserID]engine.User),
		designations:   make(map[engine.DesignationID]engine.Designation),
		departments:    make(map[engine.DepartmentID]engine.Department),
		costCenters:    make(map[engine.CostCenterID]engine.CostCenter),
		subCostCenters: make(map[engine.SubCostCenterID]engine.SubCostCenter),
		processes:      make(map[engine.ProcessID]engine.Process),
		steps:          make(map[engine.ProcessStepID]engine.ProcessStep),
		chains:         make(map[engine.ChainID]engine.Chain),
		hops:           make(map[engine.HopID]engine.Hop),
		tasks:          make(map[engine.TaskID]engine.Task),
		workflows:      make(map[engine.WorkflowID]engine.WorkflowApproval),
		history:        make(map[engine.WorkflowID][]engine.WorkflowHistory),
		documents:      make(map[engine.DocumentRef]engine.DocumentStatus),
	}
}

// clone copies every table. Rows are values, so a shallow map copy is a
// full snapshot; slices inside rows are never written in place.
func (s *memState) clone() *memState {
	c := &memState{
		seq:            maps.Clone(s.seq),
		fiscalYears:    maps.Clone(s.fiscalYears),
		periods:        maps.Clone(s.periods),
		budgets:        maps.Clone(s.budgets),
		usage:          maps.Clone(s.usage),
		users:          maps.Clone(s.users),
		designations:   maps.Clone(s.designations),
		departments:    maps.Clone(s.departments),
		costCenters:    maps.Clone(s.costCenters),
		subCostCenters: maps.Clone(s.subCostCenters),
		processes:      maps.Clone(s.processes),
		steps:          maps.Clone(s.steps),
		chains:         maps.Clone(s.chains),
		hops:           maps.Clone(s.hops),
		tasks:          maps.Clone(s.tasks),
		workflows:      maps.Clone(s.workflows),
		history:        make(map[engine.WorkflowID][]engine.WorkflowHistory, len(s.history)),
		documents:      maps.Clone(s.documents),
	}
	for k, v := range s.history {
		c.history[k] = append([]engine.WorkflowHistory(nil), v...)
	}
	return c
}

func (s *memState) next(table string) int64 {
	s.seq[table]++
	return s.seq[table]
}

func missing(entity string, id int64) error {
	return &engine.NotFoundError{Entity: entity, ID: id}
}

func get[K comparable, V any](m map[K]V, id K, entity string, raw int64) (V, error) {
	v, ok := m[id]
	if !ok {
		var zero V
		return zero, missing(entity, raw)
	}
	return v, nil
}

func sortedBy[V any](vs []V, id func(V) int64) []V {
	sort.Slice(vs, func(i, j int) bool { return id(vs[i]) < id(vs[j]) })
	return vs
}

// =============================================================================
// CALENDAR
// =============================================================================

func (s *memState) CreateFiscalYear(_ context.Context, fy *engine.FiscalYear) error {
	for _, e := range s.fiscalYears {
		if e.Year == fy.Year {
			return &engine.ConflictError{Reason: "fiscal year already exists"}
		}
	}
	fy.ID = engine.FiscalYearID(s.next("fiscal_years"))
	s.fiscalYears[fy.ID] = *fy
	return nil
}

func (s *memState) GetFiscalYear(_ context.Context, id engine.FiscalYearID) (engine.FiscalYear, error) {
	return get(s.fiscalYears, id, "fiscal year", int64(id))
}

func (s *memState) FindFiscalYear(_ context.Context, year int) (engine.FiscalYear, error) {
	for _, fy := range s.fiscalYears {
		if fy.Year == year {
			return fy, nil
		}
	}
	return engine.FiscalYear{}, missing("fiscal year", int64(year))
}

func (s *memState) CreatePeriod(_ context.Context, p *engine.FiscalPeriod) error {
	p.ID = engine.FiscalPeriodID(s.next("fiscal_periods"))
	s.periods[p.ID] = *p
	return nil
}

func (s *memState) GetPeriod(_ context.Context, id engine.FiscalPeriodID) (engine.FiscalPeriod, error) {
	return get(s.periods, id, "fiscal period", int64(id))
}

func (s *memState) ListPeriods(_ context.Context, fiscalYearID engine.FiscalYearID) ([]engine.FiscalPeriod, error) {
	var out []engine.FiscalPeriod
	for _, p := range s.periods {
		if p.FiscalYearID == fiscalYearID {
			out = append(out, p)
		}
	}
	return sortedBy(out, func(p engine.FiscalPeriod) int64 { return int64(p.ID) }), nil
}

func (s *memState) UpdatePeriod(_ context.Context, p engine.FiscalPeriod) error {
	if _, ok := s.periods[p.ID]; !ok {
		return missing("fiscal period", int64(p.ID))
	}
	s.periods[p.ID] = p
	return nil
}

func (s *memState) DeletePeriod(_ context.Context, id engine.FiscalPeriodID) error {
	if _, ok := s.periods[id]; !ok {
		return missing("fiscal period", int64(id))
	}
	delete(s.periods, id)
	return nil
}

// =============================================================================
// BUDGETS
// =============================================================================

func (s *memState) InsertBudgetLine(_ context.Context, b *engine.BudgetLine) error {
	for _, e := range s.budgets {
		if !e.Deleted() && e.Key.Matches(b.Key) {
			return &engine.DuplicateBudgetError{Key: b.Key, ExistingID: e.ID}
		}
	}
	b.ID = engine.BudgetID(s.next("budgets"))
	s.budgets[b.ID] = *b
	return nil
}

func (s *memState) GetBudgetLine(_ context.Context, id engine.BudgetID) (engine.BudgetLine, error) {
	return get(s.budgets, id, "budget", int64(id))
}

func (s *memState) FindBudgetLine(_ context.Context, key engine.BudgetKey, excludeID engine.BudgetID) (engine.BudgetLine, error) {
	for _, b := range s.budgets {
		if !b.Deleted() && b.ID != excludeID && b.Key.Matches(key) {
			return b, nil
		}
	}
	return engine.BudgetLine{}, missing("budget", 0)
}

func (s *memState) UpdateBudgetLine(_ context.Context, b engine.BudgetLine) error {
	if _, ok := s.budgets[b.ID]; !ok {
		return missing("budget", int64(b.ID))
	}
	s.budgets[b.ID] = b
	return nil
}

func (s *memState) ListBudgetLines(_ context.Context, periodID engine.FiscalPeriodID, includeDeleted bool) ([]engine.BudgetLine, error) {
	var out []engine.BudgetLine
	for _, b := range s.budgets {
		if b.Key.FiscalPeriodID == periodID && (includeDeleted || !b.Deleted()) {
			out = append(out, b)
		}
	}
	return sortedBy(out, func(b engine.BudgetLine) int64 { return int64(b.ID) }), nil
}

func (s *memState) GetUsage(_ context.Context, sub engine.SubCostCenterID, period engine.FiscalPeriodID) (engine.BudgetUsage, error) {
	return get(s.usage, usageKey{sub, period}, "budget usage", int64(sub))
}

func (s *memState) SaveUsage(_ context.Context, u engine.BudgetUsage) error {
	s.usage[usageKey{u.SubCostCenterID, u.FiscalPeriodID}] = u
	return nil
}

// =============================================================================
// ORGANIZATION
// =============================================================================

func (s *memState) SaveUser(_ context.Context, u engine.User) error {
	s.users[u.ID] = u
	return nil
}

func (s *memState) GetUser(_ context.Context, id engine.UserID) (engine.User, error) {
	return get(s.users, id, "user", int64(id))
}

func (s *memState) ListUsersByDesignation(_ context.Context, id engine.DesignationID) ([]engine.User, error) {
	var out []engine.User
	for _, u := range s.users {
		if u.DesignationID == id {
			out = append(out, u)
		}
	}
	return sortedBy(out, func(u engine.User) int64 { return int64(u.ID) }), nil
}

func (s *memState) SaveDesignation(_ context.Context, d engine.Designation) error {
	s.designations[d.ID] = d
	return nil
}

func (s *memState) GetDesignation(_ context.Context, id engine.DesignationID) (engine.Designation, error) {
	return get(s.designations, id, "designation", int64(id))
}

func (s *memState) ListChildDesignations(_ context.Context, parentID engine.DesignationID) ([]engine.Designation, error) {
	var out []engine.Designation
	for _, d := range s.designations {
		if d.ParentID != nil && *d.ParentID == parentID {
			out = append(out, d)
		}
	}
	return sortedBy(out, func(d engine.Designation) int64 { return int64(d.ID) }), nil
}

func (s *memState) SaveDepartment(_ context.Context, d engine.Department) error {
	s.departments[d.ID] = d
	return nil
}

func (s *memState) GetDepartment(_ context.Context, id engine.DepartmentID) (engine.Department, error) {
	return get(s.departments, id, "department", int64(id))
}

func (s *memState) ListChildDepartments(_ context.Context, parentID engine.DepartmentID) ([]engine.Department, error) {
	var out []engine.Department
	for _, d := range s.departments {
		if d.ParentID != nil && *d.ParentID == parentID {
			out = append(out, d)
		}
	}
	return sortedBy(out, func(d engine.Department) int64 { return int64(d.ID) }), nil
}

func (s *memState) SaveCostCenter(_ context.Context, c engine.CostCenter) error {
	s.costCenters[c.ID] = c
	return nil
}

func (s *memState) GetCostCenter(_ context.Context, id engine.CostCenterID) (engine.CostCenter, error) {
	return get(s.costCenters, id, "cost center", int64(id))
}

func (s *memState) SaveSubCostCenter(_ context.Context, sc engine.SubCostCenter) error {
	s.subCostCenters[sc.ID] = sc
	return nil
}

func (s *memState) GetSubCostCenter(_ context.Context, id engine.SubCostCenterID) (engine.SubCostCenter, error) {
	return get(s.subCostCenters, id, "sub cost center", int64(id))
}

// =============================================================================
// PROCESSES
// =============================================================================

func (s *memState) CreateProcess(_ context.Context, p *engine.Process) error {
	p.ID = engine.ProcessID(s.next("processes"))
	s.processes[p.ID] = *p
	return nil
}

func (s *memState) GetProcess(_ context.Context, id engine.ProcessID) (engine.Process, error) {
	return get(s.processes, id, "process", int64(id))
}

func (s *memState) CreateProcessStep(_ context.Context, st *engine.ProcessStep) error {
	st.ID = engine.ProcessStepID(s.next("process_steps"))
	s.steps[st.ID] = *st
	return nil
}

func (s *memState) GetProcessStep(_ context.Context, id engine.ProcessStepID) (engine.ProcessStep, error) {
	return get(s.steps, id, "process step", int64(id))
}

func (s *memState) ListProcessSteps(_ context.Context, processID engine.ProcessID) ([]engine.ProcessStep, error) {
	var out []engine.ProcessStep
	for _, st := range s.steps {
		if st.ProcessID == processID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// =============================================================================
// CHAINS AND HOPS
// =============================================================================

func (s *memState) InsertChain(_ context.Context, c *engine.Chain) error {
	c.ID = engine.ChainID(s.next("chains"))
	s.chains[c.ID] = *c
	return nil
}

func (s *memState) GetChain(_ context.Context, id engine.ChainID) (engine.Chain, error) {
	return get(s.chains, id, "chain", int64(id))
}

func (s *memState) UpdateChain(_ context.Context, c engine.Chain) error {
	if _, ok := s.chains[c.ID]; !ok {
		return missing("chain", int64(c.ID))
	}
	s.chains[c.ID] = c
	return nil
}

func (s *memState) ListChains(_ context.Context, doc engine.DocumentRef) ([]engine.Chain, error) {
	var out []engine.Chain
	for _, c := range s.chains {
		if c.Document == doc {
			out = append(out, c)
		}
	}
	return sortedBy(out, func(c engine.Chain) int64 { return int64(c.Sequence) }), nil
}

func (s *memState) InsertHop(_ context.Context, h *engine.Hop) error {
	h.ID = engine.HopID(s.next("hops"))
	s.hops[h.ID] = *h
	return nil
}

func (s *memState) GetHop(_ context.Context, id engine.HopID) (engine.Hop, error) {
	return get(s.hops, id, "hop", int64(id))
}

func (s *memState) ListHops(_ context.Context, chainID engine.ChainID) ([]engine.Hop, error) {
	var out []engine.Hop
	for _, h := range s.hops {
		if h.ChainID == chainID {
			out = append(out, h)
		}
	}
	return sortedBy(out, func(h engine.Hop) int64 { return int64(h.ID) }), nil
}

func (s *memState) UpdatePendingHop(_ context.Context, h engine.Hop) (bool, error) {
	cur, ok := s.hops[h.ID]
	if !ok {
		return false, missing("hop", int64(h.ID))
	}
	if cur.Status != engine.HopPending {
		return false, nil
	}
	s.hops[h.ID] = h
	return true, nil
}

// =============================================================================
// TASKS
// =============================================================================

func (s *memState) InsertTask(_ context.Context, t *engine.Task) error {
	t.ID = engine.TaskID(s.next("tasks"))
	s.tasks[t.ID] = *t
	return nil
}

func (s *memState) GetTask(_ context.Context, id engine.TaskID) (engine.Task, error) {
	return get(s.tasks, id, "task", int64(id))
}

func (s *memState) UpdateTask(_ context.Context, t engine.Task) error {
	if _, ok := s.tasks[t.ID]; !ok {
		return missing("task", int64(t.ID))
	}
	s.tasks[t.ID] = t
	return nil
}

func (s *memState) ListOpenTasksForHop(_ context.Context, hopID engine.HopID) ([]engine.Task, error) {
	return s.filterTasks(func(t engine.Task) bool { return t.HopID == hopID && t.IsOpen() }), nil
}

func (s *memState) ListOpenTasks(_ context.Context) ([]engine.Task, error) {
	return s.filterTasks(engine.Task.IsOpen), nil
}

func (s *memState) ListTasksForUser(_ context.Context, userID engine.UserID) ([]engine.Task, error) {
	return s.filterTasks(func(t engine.Task) bool { return t.AssignedTo == userID }), nil
}

func (s *memState) filterTasks(keep func(engine.Task) bool) []engine.Task {
	var out []engine.Task
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	return sortedBy(out, func(t engine.Task) int64 { return int64(t.ID) })
}

// =============================================================================
// WORKFLOW APPROVALS
// =============================================================================

func (s *memState) InsertWorkflow(_ context.Context, w *engine.WorkflowApproval) error {
	w.ID = engine.WorkflowID(s.next("workflows"))
	w.Attachments = append([]string(nil), w.Attachments...)
	s.workflows[w.ID] = *w
	return nil
}

func (s *memState) GetWorkflow(_ context.Context, id engine.WorkflowID) (engine.WorkflowApproval, error) {
	w, err := get(s.workflows, id, "workflow approval", int64(id))
	w.Attachments = append([]string(nil), w.Attachments...)
	return w, err
}

func (s *memState) UpdateWorkflow(_ context.Context, w engine.WorkflowApproval) error {
	if _, ok := s.workflows[w.ID]; !ok {
		return missing("workflow approval", int64(w.ID))
	}
	w.Attachments = append([]string(nil), w.Attachments...)
	s.workflows[w.ID] = w
	return nil
}

func (s *memState) AppendWorkflowHistory(_ context.Context, h *engine.WorkflowHistory) error {
	h.ID = s.next("workflow_history")
	s.history[h.WorkflowID] = append(s.history[h.WorkflowID], *h)
	return nil
}

func (s *memState) ListWorkflowHistory(_ context.Context, id engine.WorkflowID) ([]engine.WorkflowHistory, error) {
	return append([]engine.WorkflowHistory(nil), s.history[id]...), nil
}

// =============================================================================
// DOCUMENTS
// =============================================================================

func (s *memState) GetDocumentStatus(_ context.Context, doc engine.DocumentRef) (engine.DocumentStatus, error) {
	if st, ok := s.documents[doc]; ok {
		return st, nil
	}
	return engine.DocumentDraft, nil
}

func (s *memState) SetDocumentStatus(_ context.Context, doc engine.DocumentRef, status engine.DocumentStatus, _ time.Time) error {
	s.documents[doc] = status
	return nil
}

var (
	_ engine.TxStore = (*Memory)(nil)
	_ engine.Store   = (*memState)(nil)
)
