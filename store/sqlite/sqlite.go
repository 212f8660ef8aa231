/*
Package sqlite provides a SQLite-backed implementation of engine.TxStore.

PURPOSE:
  Persists fiscal calendars, budget lines, the organization, process
  definitions, approval chains, tasks and workflow approvals. In
  production the same patterns apply to PostgreSQL with minor dialect
  differences.

INTERFACES IMPLEMENTED:
  engine.Store:   Every per-aggregate store
  engine.TxStore: Store + WithTx

UNIQUENESS ENFORCEMENT:
  The engine checks budget uniqueness before writing, but two requests
  racing past that check are stopped by the database:
  - idx_budget_lines_key: one live line per (period, department, cost
    center, sub cost center). A NULL sub cost center is folded to 0 so
    that two lines without one still collide.
  - idx_tasks_open_hop: at most one open task per hop
  - fiscal_years.year: one row per fiscal year label
  Violations come back as engine.DuplicateBudgetError / ConflictError.

HOP COMPARE-AND-SET:
  UpdatePendingHop issues UPDATE ... WHERE id = ? AND status = 'pending'
  and reports ok=false when no row changed. Two approvers acting on the
  same hop cannot both win.

KEY TABLES:
  fiscal_years, fiscal_periods:   Calendar and watermarks
  budget_lines, budget_usage:     Ledger rows and sub cost center rollups
  users, designations,
  departments, cost_centers,
  sub_cost_centers:               Organization
  processes, process_steps:       Approval definitions
  chains, hops, tasks:            Approval runtime
  workflow_approvals,
  workflow_history:               Generic approvals and audit trail
  documents:                      Status of the approved documents

CONCURRENCY:
  The pool is limited to a single connection and transactions begin
  IMMEDIATE, so writers are serialized by SQLite itself. Calls made
  outside WithTx wait for the running transaction to finish.

USAGE:
  store, err := sqlite.New("./data/approvals.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  chains := engine.NewChainService(store, procurement.Default(), publisher, logger)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/approval-engine/engine"
)

// Store implements engine.TxStore using SQLite.
type Store struct {
	*repo
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath
	if dsn == ":memory:" {
		dsn = "file::memory:"
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{repo: &repo{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Fiscal calendar
	CREATE TABLE IF NOT EXISTS fiscal_years (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		year INTEGER NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS fiscal_periods (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fiscal_year_id INTEGER NOT NULL REFERENCES fiscal_years(id),
		name TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		transaction_closed_up_to TEXT,
		status TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_fiscal_periods_year
		ON fiscal_periods(fiscal_year_id);

	-- Budget lines (soft-deleted, never removed)
	CREATE TABLE IF NOT EXISTS budget_lines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		fiscal_period_id INTEGER NOT NULL REFERENCES fiscal_periods(id),
		department_id INTEGER NOT NULL,
		cost_center_id INTEGER NOT NULL,
		sub_cost_center_id INTEGER,
		total_revenue_planned TEXT NOT NULL,
		total_revenue_actual TEXT NOT NULL,
		total_expense_planned TEXT NOT NULL,
		total_expense_actual TEXT NOT NULL,
		requested TEXT NOT NULL,
		approved TEXT NOT NULL,
		reserved TEXT NOT NULL,
		consumed TEXT NOT NULL,
		balance TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	);

	-- CRITICAL: one live line per budget key
	CREATE UNIQUE INDEX IF NOT EXISTS idx_budget_lines_key
		ON budget_lines(fiscal_period_id, department_id, cost_center_id, COALESCE(sub_cost_center_id, 0))
		WHERE deleted_at IS NULL;

	CREATE TABLE IF NOT EXISTS budget_usage (
		sub_cost_center_id INTEGER NOT NULL,
		fiscal_period_id INTEGER NOT NULL,
		approved TEXT NOT NULL,
		reserved TEXT NOT NULL,
		consumed TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (sub_cost_center_id, fiscal_period_id)
	);

	-- Organization
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		designation_id INTEGER NOT NULL,
		department_id INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_users_designation
		ON users(designation_id);

	CREATE TABLE IF NOT EXISTS designations (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		parent_id INTEGER
	);

	CREATE TABLE IF NOT EXISTS departments (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		parent_id INTEGER
	);

	CREATE TABLE IF NOT EXISTS cost_centers (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sub_cost_centers (
		id INTEGER PRIMARY KEY,
		cost_center_id INTEGER NOT NULL,
		name TEXT NOT NULL
	);

	-- Approval definitions
	CREATE TABLE IF NOT EXISTS processes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		document_kind TEXT NOT NULL,
		escalation_user_id INTEGER,
		is_active INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS process_steps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		process_id INTEGER NOT NULL REFERENCES processes(id),
		approver_id INTEGER,
		designation_id INTEGER,
		step_order INTEGER NOT NULL,
		timeout_days INTEGER NOT NULL,
		is_active INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_process_steps_process
		ON process_steps(process_id, step_order);

	-- Approval runtime
	CREATE TABLE IF NOT EXISTS chains (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document_kind TEXT NOT NULL,
		document_id INTEGER NOT NULL,
		process_id INTEGER NOT NULL REFERENCES processes(id),
		budget_line_id INTEGER,
		amount TEXT NOT NULL,
		requester_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		reserved_amount TEXT NOT NULL,
		granted_amount TEXT NOT NULL,
		consumed_amount TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		finished_at TEXT,
		UNIQUE (document_kind, document_id, sequence)
	);

	CREATE TABLE IF NOT EXISTS hops (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chain_id INTEGER NOT NULL REFERENCES chains(id),
		document_kind TEXT NOT NULL,
		document_id INTEGER NOT NULL,
		process_step_id INTEGER NOT NULL,
		requester_id INTEGER NOT NULL,
		assigned_from INTEGER NOT NULL,
		assigned_to INTEGER NOT NULL,
		referred_to INTEGER,
		hop_order INTEGER NOT NULL,
		status TEXT NOT NULL,
		description TEXT NOT NULL,
		comment TEXT NOT NULL,
		attachment TEXT NOT NULL,
		acted_by INTEGER,
		acted_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_hops_chain
		ON hops(chain_id);

	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		process_id INTEGER NOT NULL,
		process_step_id INTEGER NOT NULL,
		hop_id INTEGER NOT NULL REFERENCES hops(id),
		document_kind TEXT NOT NULL,
		document_id INTEGER NOT NULL,
		assigned_from INTEGER NOT NULL,
		assigned_to INTEGER NOT NULL,
		assigned_at TEXT NOT NULL,
		deadline TEXT,
		urgency TEXT NOT NULL,
		is_read INTEGER NOT NULL,
		closed_at TEXT
	);

	-- CRITICAL: at most one open task per hop
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_open_hop
		ON tasks(hop_id) WHERE closed_at IS NULL;

	CREATE INDEX IF NOT EXISTS idx_tasks_assigned_to
		ON tasks(assigned_to);

	-- Generic workflow approvals (history is append-only)
	CREATE TABLE IF NOT EXISTS workflow_approvals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document_kind TEXT NOT NULL,
		document_id INTEGER NOT NULL,
		requester_id INTEGER NOT NULL,
		approver_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		due_date TEXT,
		comment TEXT NOT NULL,
		attachments_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workflow_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workflow_id INTEGER NOT NULL REFERENCES workflow_approvals(id),
		action TEXT NOT NULL,
		actor_id INTEGER NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		referred_to INTEGER,
		comment TEXT NOT NULL,
		attachment TEXT NOT NULL,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_workflow_history_workflow
		ON workflow_history(workflow_id);

	-- Status of approved documents
	CREATE TABLE IF NOT EXISTS documents (
		document_kind TEXT NOT NULL,
		document_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (document_kind, document_id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (engine.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&repo{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// dbtx is the subset of *sql.DB and *sql.Tx the repo needs.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// repo implements engine.Store on either the pool or an open transaction.
type repo struct {
	q dbtx
}

type scanner interface {
	Scan(dest ...any) error
}

func queryOne[T any](ctx context.Context, q dbtx, scan func(scanner) (T, error), entity string, id int64, query string, args ...any) (T, error) {
	v, err := scan(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		var zero T
		return zero, &engine.NotFoundError{Entity: entity, ID: id}
	}
	if err != nil {
		return v, fmt.Errorf("failed to load %s: %w", entity, err)
	}
	return v, nil
}

func queryAll[T any](ctx context.Context, q dbtx, scan func(scanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *repo) insert(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// update runs an UPDATE and reports NotFound when no row matched.
func (r *repo) update(ctx context.Context, entity string, id int64, query string, args ...any) error {
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &engine.NotFoundError{Entity: entity, ID: id}
	}
	return nil
}

// =============================================================================
// CALENDAR
// =============================================================================

func (r *repo) CreateFiscalYear(ctx context.Context, fy *engine.FiscalYear) error {
	id, err := r.insert(ctx, `INSERT INTO fiscal_years (year) VALUES (?)`, fy.Year)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &engine.ConflictError{Reason: fmt.Sprintf("fiscal year %d already exists", fy.Year)}
		}
		return fmt.Errorf("failed to insert fiscal year: %w", err)
	}
	fy.ID = engine.FiscalYearID(id)
	return nil
}

func scanFiscalYear(sc scanner) (engine.FiscalYear, error) {
	var fy engine.FiscalYear
	err := sc.Scan(&fy.ID, &fy.Year)
	return fy, err
}

func (r *repo) GetFiscalYear(ctx context.Context, id engine.FiscalYearID) (engine.FiscalYear, error) {
	return queryOne(ctx, r.q, scanFiscalYear, "fiscal year", int64(id),
		`SELECT id, year FROM fiscal_years WHERE id = ?`, id)
}

func (r *repo) FindFiscalYear(ctx context.Context, year int) (engine.FiscalYear, error) {
	return queryOne(ctx, r.q, scanFiscalYear, "fiscal year", int64(year),
		`SELECT id, year FROM fiscal_years WHERE year = ?`, year)
}

const periodColumns = `id, fiscal_year_id, name, start_date, end_date, transaction_closed_up_to, status`

func scanPeriod(sc scanner) (engine.FiscalPeriod, error) {
	var (
		p          engine.FiscalPeriod
		start, end string
		closedUpTo sql.NullString
	)
	if err := sc.Scan(&p.ID, &p.FiscalYearID, &p.Name, &start, &end, &closedUpTo, &p.Status); err != nil {
		return p, err
	}
	p.StartDate = parseTime(start)
	p.EndDate = parseTime(end)
	p.TransactionClosedUpTo = timePtr(closedUpTo)
	return p, nil
}

func (r *repo) CreatePeriod(ctx context.Context, p *engine.FiscalPeriod) error {
	id, err := r.insert(ctx, `
		INSERT INTO fiscal_periods (fiscal_year_id, name, start_date, end_date, transaction_closed_up_to, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.FiscalYearID, p.Name, formatTime(p.StartDate), formatTime(p.EndDate),
		nullTime(p.TransactionClosedUpTo), p.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to insert fiscal period: %w", err)
	}
	p.ID = engine.FiscalPeriodID(id)
	return nil
}

func (r *repo) GetPeriod(ctx context.Context, id engine.FiscalPeriodID) (engine.FiscalPeriod, error) {
	return queryOne(ctx, r.q, scanPeriod, "fiscal period", int64(id),
		`SELECT `+periodColumns+` FROM fiscal_periods WHERE id = ?`, id)
}

func (r *repo) ListPeriods(ctx context.Context, fiscalYearID engine.FiscalYearID) ([]engine.FiscalPeriod, error) {
	return queryAll(ctx, r.q, scanPeriod,
		`SELECT `+periodColumns+` FROM fiscal_periods WHERE fiscal_year_id = ? ORDER BY id`, fiscalYearID)
}

func (r *repo) UpdatePeriod(ctx context.Context, p engine.FiscalPeriod) error {
	return r.update(ctx, "fiscal period", int64(p.ID), `
		UPDATE fiscal_periods
		SET name = ?, start_date = ?, end_date = ?, transaction_closed_up_to = ?, status = ?
		WHERE id = ?`,
		p.Name, formatTime(p.StartDate), formatTime(p.EndDate),
		nullTime(p.TransactionClosedUpTo), p.Status, p.ID,
	)
}

func (r *repo) DeletePeriod(ctx context.Context, id engine.FiscalPeriodID) error {
	return r.update(ctx, "fiscal period", int64(id), `DELETE FROM fiscal_periods WHERE id = ?`, id)
}

// =============================================================================
// BUDGETS
// =============================================================================

const budgetColumns = `id, kind, fiscal_period_id, department_id, cost_center_id, sub_cost_center_id,
	total_revenue_planned, total_revenue_actual, total_expense_planned, total_expense_actual,
	requested, approved, reserved, consumed, balance, status, created_at, updated_at, deleted_at`

func scanBudgetLine(sc scanner) (engine.BudgetLine, error) {
	var (
		b                  engine.BudgetLine
		sub                sql.NullInt64
		createdAt, updated string
		deletedAt          sql.NullString
	)
	err := sc.Scan(
		&b.ID, &b.Kind, &b.Key.FiscalPeriodID, &b.Key.DepartmentID, &b.Key.CostCenterID, &sub,
		&b.TotalRevenuePlanned, &b.TotalRevenueActual, &b.TotalExpensePlanned, &b.TotalExpenseActual,
		&b.Requested, &b.Approved, &b.Reserved, &b.Consumed, &b.Balance, &b.Status,
		&createdAt, &updated, &deletedAt,
	)
	if err != nil {
		return b, err
	}
	b.Key.SubCostCenterID = idPtr[engine.SubCostCenterID](sub)
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updated)
	b.DeletedAt = timePtr(deletedAt)
	return b, nil
}

func (r *repo) InsertBudgetLine(ctx context.Context, b *engine.BudgetLine) error {
	id, err := r.insert(ctx, `
		INSERT INTO budget_lines
		(kind, fiscal_period_id, department_id, cost_center_id, sub_cost_center_id,
		 total_revenue_planned, total_revenue_actual, total_expense_planned, total_expense_actual,
		 requested, approved, reserved, consumed, balance, status, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Kind, b.Key.FiscalPeriodID, b.Key.DepartmentID, b.Key.CostCenterID, nullID(b.Key.SubCostCenterID),
		b.TotalRevenuePlanned, b.TotalRevenueActual, b.TotalExpensePlanned, b.TotalExpenseActual,
		b.Requested, b.Approved, b.Reserved, b.Consumed, b.Balance, b.Status,
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt), nullTime(b.DeletedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return r.duplicateBudget(ctx, b.Key, 0)
		}
		return fmt.Errorf("failed to insert budget line: %w", err)
	}
	b.ID = engine.BudgetID(id)
	return nil
}

// duplicateBudget turns a key index violation into the engine error. The
// failed statement does not abort the surrounding transaction, so the
// winning row can still be read.
func (r *repo) duplicateBudget(ctx context.Context, key engine.BudgetKey, excludeID engine.BudgetID) error {
	dup := &engine.DuplicateBudgetError{Key: key}
	if existing, err := r.FindBudgetLine(ctx, key, excludeID); err == nil {
		dup.ExistingID = existing.ID
	}
	return dup
}

func (r *repo) GetBudgetLine(ctx context.Context, id engine.BudgetID) (engine.BudgetLine, error) {
	return queryOne(ctx, r.q, scanBudgetLine, "budget", int64(id),
		`SELECT `+budgetColumns+` FROM budget_lines WHERE id = ?`, id)
}

func (r *repo) FindBudgetLine(ctx context.Context, key engine.BudgetKey, excludeID engine.BudgetID) (engine.BudgetLine, error) {
	return queryOne(ctx, r.q, scanBudgetLine, "budget", 0, `
		SELECT `+budgetColumns+` FROM budget_lines
		WHERE deleted_at IS NULL AND id != ?
		  AND fiscal_period_id = ? AND department_id = ? AND cost_center_id = ?
		  AND sub_cost_center_id IS ?
		ORDER BY id LIMIT 1`,
		excludeID, key.FiscalPeriodID, key.DepartmentID, key.CostCenterID, nullID(key.SubCostCenterID),
	)
}

func (r *repo) UpdateBudgetLine(ctx context.Context, b engine.BudgetLine) error {
	err := r.update(ctx, "budget", int64(b.ID), `
		UPDATE budget_lines SET
			kind = ?, fiscal_period_id = ?, department_id = ?, cost_center_id = ?, sub_cost_center_id = ?,
			total_revenue_planned = ?, total_revenue_actual = ?, total_expense_planned = ?, total_expense_actual = ?,
			requested = ?, approved = ?, reserved = ?, consumed = ?, balance = ?, status = ?,
			updated_at = ?, deleted_at = ?
		WHERE id = ?`,
		b.Kind, b.Key.FiscalPeriodID, b.Key.DepartmentID, b.Key.CostCenterID, nullID(b.Key.SubCostCenterID),
		b.TotalRevenuePlanned, b.TotalRevenueActual, b.TotalExpensePlanned, b.TotalExpenseActual,
		b.Requested, b.Approved, b.Reserved, b.Consumed, b.Balance, b.Status,
		formatTime(b.UpdatedAt), nullTime(b.DeletedAt), b.ID,
	)
	if isUniqueConstraintError(err) {
		return r.duplicateBudget(ctx, b.Key, b.ID)
	}
	return err
}

func (r *repo) ListBudgetLines(ctx context.Context, periodID engine.FiscalPeriodID, includeDeleted bool) ([]engine.BudgetLine, error) {
	query := `SELECT ` + budgetColumns + ` FROM budget_lines WHERE fiscal_period_id = ?`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	return queryAll(ctx, r.q, scanBudgetLine, query+` ORDER BY id`, periodID)
}

func scanUsage(sc scanner) (engine.BudgetUsage, error) {
	var (
		u       engine.BudgetUsage
		updated string
	)
	if err := sc.Scan(&u.SubCostCenterID, &u.FiscalPeriodID, &u.Approved, &u.Reserved, &u.Consumed, &updated); err != nil {
		return u, err
	}
	u.UpdatedAt = parseTime(updated)
	return u, nil
}

func (r *repo) GetUsage(ctx context.Context, sub engine.SubCostCenterID, period engine.FiscalPeriodID) (engine.BudgetUsage, error) {
	return queryOne(ctx, r.q, scanUsage, "budget usage", int64(sub), `
		SELECT sub_cost_center_id, fiscal_period_id, approved, reserved, consumed, updated_at
		FROM budget_usage WHERE sub_cost_center_id = ? AND fiscal_period_id = ?`, sub, period)
}

func (r *repo) SaveUsage(ctx context.Context, u engine.BudgetUsage) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO budget_usage (sub_cost_center_id, fiscal_period_id, approved, reserved, consumed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (sub_cost_center_id, fiscal_period_id) DO UPDATE SET
			approved = excluded.approved, reserved = excluded.reserved,
			consumed = excluded.consumed, updated_at = excluded.updated_at`,
		u.SubCostCenterID, u.FiscalPeriodID, u.Approved, u.Reserved, u.Consumed, formatTime(u.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save budget usage: %w", err)
	}
	return nil
}

// =============================================================================
// ORGANIZATION
// =============================================================================

func scanUser(sc scanner) (engine.User, error) {
	var u engine.User
	err := sc.Scan(&u.ID, &u.Name, &u.DesignationID, &u.DepartmentID)
	return u, err
}

func (r *repo) SaveUser(ctx context.Context, u engine.User) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO users (id, name, designation_id, department_id) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, designation_id = excluded.designation_id, department_id = excluded.department_id`,
		u.ID, u.Name, u.DesignationID, u.DepartmentID,
	)
	return err
}

func (r *repo) GetUser(ctx context.Context, id engine.UserID) (engine.User, error) {
	return queryOne(ctx, r.q, scanUser, "user", int64(id),
		`SELECT id, name, designation_id, department_id FROM users WHERE id = ?`, id)
}

func (r *repo) ListUsersByDesignation(ctx context.Context, id engine.DesignationID) ([]engine.User, error) {
	return queryAll(ctx, r.q, scanUser,
		`SELECT id, name, designation_id, department_id FROM users WHERE designation_id = ? ORDER BY id`, id)
}

func scanDesignation(sc scanner) (engine.Designation, error) {
	var (
		d      engine.Designation
		parent sql.NullInt64
	)
	err := sc.Scan(&d.ID, &d.Name, &parent)
	d.ParentID = idPtr[engine.DesignationID](parent)
	return d, err
}

func (r *repo) SaveDesignation(ctx context.Context, d engine.Designation) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO designations (id, name, parent_id) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, parent_id = excluded.parent_id`,
		d.ID, d.Name, nullID(d.ParentID),
	)
	return err
}

func (r *repo) GetDesignation(ctx context.Context, id engine.DesignationID) (engine.Designation, error) {
	return queryOne(ctx, r.q, scanDesignation, "designation", int64(id),
		`SELECT id, name, parent_id FROM designations WHERE id = ?`, id)
}

func (r *repo) ListChildDesignations(ctx context.Context, parentID engine.DesignationID) ([]engine.Designation, error) {
	return queryAll(ctx, r.q, scanDesignation,
		`SELECT id, name, parent_id FROM designations WHERE parent_id = ? ORDER BY id`, parentID)
}

func scanDepartment(sc scanner) (engine.Department, error) {
	var (
		d      engine.Department
		parent sql.NullInt64
	)
	err := sc.Scan(&d.ID, &d.Name, &parent)
	d.ParentID = idPtr[engine.DepartmentID](parent)
	return d, err
}

func (r *repo) SaveDepartment(ctx context.Context, d engine.Department) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO departments (id, name, parent_id) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, parent_id = excluded.parent_id`,
		d.ID, d.Name, nullID(d.ParentID),
	)
	return err
}

func (r *repo) GetDepartment(ctx context.Context, id engine.DepartmentID) (engine.Department, error) {
	return queryOne(ctx, r.q, scanDepartment, "department", int64(id),
		`SELECT id, name, parent_id FROM departments WHERE id = ?`, id)
}

func (r *repo) ListChildDepartments(ctx context.Context, parentID engine.DepartmentID) ([]engine.Department, error) {
	return queryAll(ctx, r.q, scanDepartment,
		`SELECT id, name, parent_id FROM departments WHERE parent_id = ? ORDER BY id`, parentID)
}

func (r *repo) SaveCostCenter(ctx context.Context, c engine.CostCenter) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO cost_centers (id, name) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name`, c.ID, c.Name)
	return err
}

func (r *repo) GetCostCenter(ctx context.Context, id engine.CostCenterID) (engine.CostCenter, error) {
	return queryOne(ctx, r.q, func(sc scanner) (engine.CostCenter, error) {
		var c engine.CostCenter
		err := sc.Scan(&c.ID, &c.Name)
		return c, err
	}, "cost center", int64(id), `SELECT id, name FROM cost_centers WHERE id = ?`, id)
}

func (r *repo) SaveSubCostCenter(ctx context.Context, sc engine.SubCostCenter) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO sub_cost_centers (id, cost_center_id, name) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET cost_center_id = excluded.cost_center_id, name = excluded.name`,
		sc.ID, sc.CostCenterID, sc.Name,
	)
	return err
}

func (r *repo) GetSubCostCenter(ctx context.Context, id engine.SubCostCenterID) (engine.SubCostCenter, error) {
	return queryOne(ctx, r.q, func(s scanner) (engine.SubCostCenter, error) {
		var sc engine.SubCostCenter
		err := s.Scan(&sc.ID, &sc.CostCenterID, &sc.Name)
		return sc, err
	}, "sub cost center", int64(id), `SELECT id, cost_center_id, name FROM sub_cost_centers WHERE id = ?`, id)
}

// =============================================================================
// PROCESSES
// =============================================================================

func scanProcess(sc scanner) (engine.Process, error) {
	var (
		p          engine.Process
		escalation sql.NullInt64
	)
	err := sc.Scan(&p.ID, &p.Name, &p.DocumentKind, &escalation, &p.IsActive)
	p.EscalationUserID = idPtr[engine.UserID](escalation)
	return p, err
}

func (r *repo) CreateProcess(ctx context.Context, p *engine.Process) error {
	id, err := r.insert(ctx, `
		INSERT INTO processes (name, document_kind, escalation_user_id, is_active) VALUES (?, ?, ?, ?)`,
		p.Name, p.DocumentKind, nullID(p.EscalationUserID), p.IsActive,
	)
	if err != nil {
		return fmt.Errorf("failed to insert process: %w", err)
	}
	p.ID = engine.ProcessID(id)
	return nil
}

func (r *repo) GetProcess(ctx context.Context, id engine.ProcessID) (engine.Process, error) {
	return queryOne(ctx, r.q, scanProcess, "process", int64(id),
		`SELECT id, name, document_kind, escalation_user_id, is_active FROM processes WHERE id = ?`, id)
}

const stepColumns = `id, process_id, approver_id, designation_id, step_order, timeout_days, is_active`

func scanStep(sc scanner) (engine.ProcessStep, error) {
	var (
		st                    engine.ProcessStep
		approver, designation sql.NullInt64
	)
	err := sc.Scan(&st.ID, &st.ProcessID, &approver, &designation, &st.Order, &st.TimeoutDays, &st.IsActive)
	st.ApproverID = idPtr[engine.UserID](approver)
	st.DesignationID = idPtr[engine.DesignationID](designation)
	return st, err
}

func (r *repo) CreateProcessStep(ctx context.Context, st *engine.ProcessStep) error {
	id, err := r.insert(ctx, `
		INSERT INTO process_steps (process_id, approver_id, designation_id, step_order, timeout_days, is_active)
		VALUES (?, ?, ?, ?, ?, ?)`,
		st.ProcessID, nullID(st.ApproverID), nullID(st.DesignationID), st.Order, st.TimeoutDays, st.IsActive,
	)
	if err != nil {
		return fmt.Errorf("failed to insert process step: %w", err)
	}
	st.ID = engine.ProcessStepID(id)
	return nil
}

func (r *repo) GetProcessStep(ctx context.Context, id engine.ProcessStepID) (engine.ProcessStep, error) {
	return queryOne(ctx, r.q, scanStep, "process step", int64(id),
		`SELECT `+stepColumns+` FROM process_steps WHERE id = ?`, id)
}

func (r *repo) ListProcessSteps(ctx context.Context, processID engine.ProcessID) ([]engine.ProcessStep, error) {
	return queryAll(ctx, r.q, scanStep,
		`SELECT `+stepColumns+` FROM process_steps WHERE process_id = ? ORDER BY step_order, id`, processID)
}

// =============================================================================
// CHAINS AND HOPS
// =============================================================================

const chainColumns = `id, document_kind, document_id, process_id, budget_line_id, amount, requester_id,
	status, sequence, reserved_amount, granted_amount, consumed_amount, created_at, updated_at, finished_at`

func scanChain(sc scanner) (engine.Chain, error) {
	var (
		c                  engine.Chain
		budget             sql.NullInt64
		createdAt, updated string
		finishedAt         sql.NullString
	)
	err := sc.Scan(
		&c.ID, &c.Document.Kind, &c.Document.ID, &c.ProcessID, &budget, &c.Amount, &c.RequesterID,
		&c.Status, &c.Sequence, &c.ReservedAmount, &c.GrantedAmount, &c.ConsumedAmount,
		&createdAt, &updated, &finishedAt,
	)
	if err != nil {
		return c, err
	}
	c.BudgetLineID = idPtr[engine.BudgetID](budget)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updated)
	c.FinishedAt = timePtr(finishedAt)
	return c, nil
}

func (r *repo) InsertChain(ctx context.Context, c *engine.Chain) error {
	id, err := r.insert(ctx, `
		INSERT INTO chains
		(document_kind, document_id, process_id, budget_line_id, amount, requester_id, status, sequence,
		 reserved_amount, granted_amount, consumed_amount, created_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Document.Kind, c.Document.ID, c.ProcessID, nullID(c.BudgetLineID), c.Amount, c.RequesterID,
		c.Status, c.Sequence, c.ReservedAmount, c.GrantedAmount, c.ConsumedAmount,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt), nullTime(c.FinishedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &engine.ConflictError{Reason: fmt.Sprintf("%s already has chain #%d", c.Document, c.Sequence)}
		}
		return fmt.Errorf("failed to insert chain: %w", err)
	}
	c.ID = engine.ChainID(id)
	return nil
}

func (r *repo) GetChain(ctx context.Context, id engine.ChainID) (engine.Chain, error) {
	return queryOne(ctx, r.q, scanChain, "chain", int64(id),
		`SELECT `+chainColumns+` FROM chains WHERE id = ?`, id)
}

func (r *repo) UpdateChain(ctx context.Context, c engine.Chain) error {
	return r.update(ctx, "chain", int64(c.ID), `
		UPDATE chains SET
			budget_line_id = ?, amount = ?, status = ?,
			reserved_amount = ?, granted_amount = ?, consumed_amount = ?,
			updated_at = ?, finished_at = ?
		WHERE id = ?`,
		nullID(c.BudgetLineID), c.Amount, c.Status,
		c.ReservedAmount, c.GrantedAmount, c.ConsumedAmount,
		formatTime(c.UpdatedAt), nullTime(c.FinishedAt), c.ID,
	)
}

func (r *repo) ListChains(ctx context.Context, doc engine.DocumentRef) ([]engine.Chain, error) {
	return queryAll(ctx, r.q, scanChain,
		`SELECT `+chainColumns+` FROM chains WHERE document_kind = ? AND document_id = ? ORDER BY sequence`,
		doc.Kind, doc.ID)
}

const hopColumns = `id, chain_id, document_kind, document_id, process_step_id, requester_id,
	assigned_from, assigned_to, referred_to, hop_order, status, description, comment, attachment,
	acted_by, acted_at, created_at`

func scanHop(sc scanner) (engine.Hop, error) {
	var (
		h                   engine.Hop
		referredTo, actedBy sql.NullInt64
		actedAt             sql.NullString
		createdAt           string
	)
	err := sc.Scan(
		&h.ID, &h.ChainID, &h.Document.Kind, &h.Document.ID, &h.ProcessStepID, &h.RequesterID,
		&h.AssignedFrom, &h.AssignedTo, &referredTo, &h.Order, &h.Status, &h.Description, &h.Comment, &h.Attachment,
		&actedBy, &actedAt, &createdAt,
	)
	if err != nil {
		return h, err
	}
	h.ReferredTo = idPtr[engine.UserID](referredTo)
	h.ActedBy = idPtr[engine.UserID](actedBy)
	h.ActedAt = timePtr(actedAt)
	h.CreatedAt = parseTime(createdAt)
	return h, nil
}

func (r *repo) InsertHop(ctx context.Context, h *engine.Hop) error {
	id, err := r.insert(ctx, `
		INSERT INTO hops
		(chain_id, document_kind, document_id, process_step_id, requester_id, assigned_from, assigned_to,
		 referred_to, hop_order, status, description, comment, attachment, acted_by, acted_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ChainID, h.Document.Kind, h.Document.ID, h.ProcessStepID, h.RequesterID, h.AssignedFrom, h.AssignedTo,
		nullID(h.ReferredTo), h.Order, h.Status, h.Description, h.Comment, h.Attachment,
		nullID(h.ActedBy), nullTime(h.ActedAt), formatTime(h.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert hop: %w", err)
	}
	h.ID = engine.HopID(id)
	return nil
}

func (r *repo) GetHop(ctx context.Context, id engine.HopID) (engine.Hop, error) {
	return queryOne(ctx, r.q, scanHop, "hop", int64(id),
		`SELECT `+hopColumns+` FROM hops WHERE id = ?`, id)
}

func (r *repo) ListHops(ctx context.Context, chainID engine.ChainID) ([]engine.Hop, error) {
	return queryAll(ctx, r.q, scanHop,
		`SELECT `+hopColumns+` FROM hops WHERE chain_id = ? ORDER BY id`, chainID)
}

// UpdatePendingHop is the compare-and-set every hop resolution goes
// through. Zero rows changed means the hop exists but is no longer pending.
func (r *repo) UpdatePendingHop(ctx context.Context, h engine.Hop) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE hops SET
			assigned_from = ?, assigned_to = ?, referred_to = ?, status = ?,
			comment = ?, attachment = ?, acted_by = ?, acted_at = ?
		WHERE id = ? AND status = ?`,
		h.AssignedFrom, h.AssignedTo, nullID(h.ReferredTo), h.Status,
		h.Comment, h.Attachment, nullID(h.ActedBy), nullTime(h.ActedAt),
		h.ID, engine.HopPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update hop: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := r.GetHop(ctx, h.ID); err != nil {
		return false, err
	}
	return false, nil
}

// =============================================================================
// TASKS
// =============================================================================

const taskColumns = `id, process_id, process_step_id, hop_id, document_kind, document_id,
	assigned_from, assigned_to, assigned_at, deadline, urgency, is_read, closed_at`

func scanTask(sc scanner) (engine.Task, error) {
	var (
		t                  engine.Task
		assignedAt         string
		deadline, closedAt sql.NullString
	)
	err := sc.Scan(
		&t.ID, &t.ProcessID, &t.ProcessStepID, &t.HopID, &t.Document.Kind, &t.Document.ID,
		&t.AssignedFrom, &t.AssignedTo, &assignedAt, &deadline, &t.Urgency, &t.Read, &closedAt,
	)
	if err != nil {
		return t, err
	}
	t.AssignedAt = parseTime(assignedAt)
	t.Deadline = timePtr(deadline)
	t.ClosedAt = timePtr(closedAt)
	return t, nil
}

func (r *repo) InsertTask(ctx context.Context, t *engine.Task) error {
	id, err := r.insert(ctx, `
		INSERT INTO tasks
		(process_id, process_step_id, hop_id, document_kind, document_id, assigned_from, assigned_to,
		 assigned_at, deadline, urgency, is_read, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ProcessID, t.ProcessStepID, t.HopID, t.Document.Kind, t.Document.ID, t.AssignedFrom, t.AssignedTo,
		formatTime(t.AssignedAt), nullTime(t.Deadline), t.Urgency, t.Read, nullTime(t.ClosedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &engine.ConflictError{Reason: fmt.Sprintf("hop %d already has an open task", t.HopID)}
		}
		return fmt.Errorf("failed to insert task: %w", err)
	}
	t.ID = engine.TaskID(id)
	return nil
}

func (r *repo) GetTask(ctx context.Context, id engine.TaskID) (engine.Task, error) {
	return queryOne(ctx, r.q, scanTask, "task", int64(id),
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
}

func (r *repo) UpdateTask(ctx context.Context, t engine.Task) error {
	return r.update(ctx, "task", int64(t.ID), `
		UPDATE tasks SET
			assigned_from = ?, assigned_to = ?, assigned_at = ?, deadline = ?,
			urgency = ?, is_read = ?, closed_at = ?
		WHERE id = ?`,
		t.AssignedFrom, t.AssignedTo, formatTime(t.AssignedAt), nullTime(t.Deadline),
		t.Urgency, t.Read, nullTime(t.ClosedAt), t.ID,
	)
}

func (r *repo) ListOpenTasksForHop(ctx context.Context, hopID engine.HopID) ([]engine.Task, error) {
	return queryAll(ctx, r.q, scanTask,
		`SELECT `+taskColumns+` FROM tasks WHERE hop_id = ? AND closed_at IS NULL ORDER BY id`, hopID)
}

func (r *repo) ListOpenTasks(ctx context.Context) ([]engine.Task, error) {
	return queryAll(ctx, r.q, scanTask,
		`SELECT `+taskColumns+` FROM tasks WHERE closed_at IS NULL ORDER BY id`)
}

func (r *repo) ListTasksForUser(ctx context.Context, userID engine.UserID) ([]engine.Task, error) {
	return queryAll(ctx, r.q, scanTask,
		`SELECT `+taskColumns+` FROM tasks WHERE assigned_to = ? ORDER BY id`, userID)
}

// =============================================================================
// WORKFLOW APPROVALS
// =============================================================================

const workflowColumns = `id, document_kind, document_id, requester_id, approver_id, status, due_date,
	comment, attachments_json, created_at, updated_at`

func scanWorkflow(sc scanner) (engine.WorkflowApproval, error) {
	var (
		w                  engine.WorkflowApproval
		dueDate            sql.NullString
		attachments        string
		createdAt, updated string
	)
	err := sc.Scan(
		&w.ID, &w.Subject.Kind, &w.Subject.ID, &w.RequesterID, &w.ApproverID, &w.Status, &dueDate,
		&w.Comment, &attachments, &createdAt, &updated,
	)
	if err != nil {
		return w, err
	}
	if err := json.Unmarshal([]byte(attachments), &w.Attachments); err != nil {
		return w, fmt.Errorf("failed to decode attachments: %w", err)
	}
	w.DueDate = timePtr(dueDate)
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updated)
	return w, nil
}

func encodeAttachments(list []string) string {
	if list == nil {
		list = []string{}
	}
	data, _ := json.Marshal(list)
	return string(data)
}

func (r *repo) InsertWorkflow(ctx context.Context, w *engine.WorkflowApproval) error {
	id, err := r.insert(ctx, `
		INSERT INTO workflow_approvals
		(document_kind, document_id, requester_id, approver_id, status, due_date, comment, attachments_json,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.Subject.Kind, w.Subject.ID, w.RequesterID, w.ApproverID, w.Status, nullTime(w.DueDate),
		w.Comment, encodeAttachments(w.Attachments), formatTime(w.CreatedAt), formatTime(w.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert workflow approval: %w", err)
	}
	w.ID = engine.WorkflowID(id)
	return nil
}

func (r *repo) GetWorkflow(ctx context.Context, id engine.WorkflowID) (engine.WorkflowApproval, error) {
	return queryOne(ctx, r.q, scanWorkflow, "workflow approval", int64(id),
		`SELECT `+workflowColumns+` FROM workflow_approvals WHERE id = ?`, id)
}

func (r *repo) UpdateWorkflow(ctx context.Context, w engine.WorkflowApproval) error {
	return r.update(ctx, "workflow approval", int64(w.ID), `
		UPDATE workflow_approvals SET
			approver_id = ?, status = ?, due_date = ?, comment = ?, attachments_json = ?, updated_at = ?
		WHERE id = ?`,
		w.ApproverID, w.Status, nullTime(w.DueDate), w.Comment, encodeAttachments(w.Attachments),
		formatTime(w.UpdatedAt), w.ID,
	)
}

func (r *repo) AppendWorkflowHistory(ctx context.Context, h *engine.WorkflowHistory) error {
	id, err := r.insert(ctx, `
		INSERT INTO workflow_history
		(workflow_id, action, actor_id, from_status, to_status, referred_to, comment, attachment, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.WorkflowID, h.Action, h.ActorID, h.FromStatus, h.ToStatus, nullID(h.ReferredTo),
		h.Comment, h.Attachment, formatTime(h.At),
	)
	if err != nil {
		return fmt.Errorf("failed to append workflow history: %w", err)
	}
	h.ID = id
	return nil
}

func (r *repo) ListWorkflowHistory(ctx context.Context, id engine.WorkflowID) ([]engine.WorkflowHistory, error) {
	return queryAll(ctx, r.q, func(sc scanner) (engine.WorkflowHistory, error) {
		var (
			h          engine.WorkflowHistory
			referredTo sql.NullInt64
			at         string
		)
		err := sc.Scan(&h.ID, &h.WorkflowID, &h.Action, &h.ActorID, &h.FromStatus, &h.ToStatus,
			&referredTo, &h.Comment, &h.Attachment, &at)
		h.ReferredTo = idPtr[engine.UserID](referredTo)
		h.At = parseTime(at)
		return h, err
	}, `
		SELECT id, workflow_id, action, actor_id, from_status, to_status, referred_to, comment, attachment, at
		FROM workflow_history WHERE workflow_id = ? ORDER BY id`, id)
}

// =============================================================================
// DOCUMENTS
// =============================================================================

func (r *repo) GetDocumentStatus(ctx context.Context, doc engine.DocumentRef) (engine.DocumentStatus, error) {
	var status engine.DocumentStatus
	err := r.q.QueryRowContext(ctx,
		`SELECT status FROM documents WHERE document_kind = ? AND document_id = ?`, doc.Kind, doc.ID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.DocumentDraft, nil
	}
	return status, err
}

func (r *repo) SetDocumentStatus(ctx context.Context, doc engine.DocumentRef, status engine.DocumentStatus, at time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO documents (document_kind, document_id, status, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (document_kind, document_id) DO UPDATE SET
			status = excluded.status, updated_at = excluded.updated_at`,
		doc.Kind, doc.ID, status, formatTime(at),
	)
	return err
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullID[T ~int64](id *T) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

func idPtr[T ~int64](n sql.NullInt64) *T {
	if !n.Valid {
		return nil
	}
	id := T(n.Int64)
	return &id
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

var _ engine.TxStore = (*Store)(nil)
