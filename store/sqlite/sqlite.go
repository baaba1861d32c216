/*
Package sqlite provides a SQLite-backed implementation of budget.TxStore.

PURPOSE:
  Persists the money hierarchy (approved budgets, allocations, PRE line
  items, requests, allocation records), the ledger journal and the audit
  trail. In production, the same patterns apply to PostgreSQL - only
  minor SQL dialect differences.

KEY TABLES:
  approved_budgets:   fiscal-year pools
  budget_allocations: department slices, with the three usage counters
  requests:           PRE / PR / AD documents, funding sources as JSON
  line_items:         PRE lines per (item_key, quarter)
  allocation_records: which line item quarter funds which PR / AD
  ledger_entries:     append-only journal of balance mutations
  audit_log:          who did what when

CONSTRAINTS:
  The schema enforces what the domain relies on:
  - idx_budgets_active_year: one non-archived budget per fiscal year
  - UNIQUE(budget_id, end_user) on allocations
  - UNIQUE(pre_id, item_key, quarter) on line items
  - allocation_records.line_item_id ON DELETE RESTRICT: a line item that
    funds a request cannot be deleted (surfaces as budget.ErrProtected)
  - ledger_entries.idempotency_key UNIQUE (budget.ErrDuplicateIdempotencyKey)

CONCURRENCY:
  Write transactions are opened with BEGIN IMMEDIATE (_txlock=immediate),
  so the database write lock is taken before the first read of a balance.
  Two transactions can never both read the same remaining_balance and both
  commit. Within one process WithTx also serialises on a mutex so callers
  queue instead of spinning on SQLITE_BUSY.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/budget.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := budget.NewService(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - budget/store.go: Interface definitions
  - budget/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/budget-ledger/budget"
)

// Store implements budget.TxStore using SQLite.
type Store struct {
	conn
	db      *sql.DB
	writeMu sync.Mutex
}

var _ budget.TxStore = (*Store)(nil)

// querier is the part of *sql.DB and *sql.Tx the queries need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs every budget.Store query against one querier.
type conn struct {
	q querier
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	store := &Store{conn: conn{q: db}, db: db}
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

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS approved_budgets (
		id TEXT PRIMARY KEY,
		fiscal_year TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		remaining_budget TEXT NOT NULL,
		is_archived INTEGER NOT NULL DEFAULT 0,
		archived_at TEXT,
		archived_by TEXT,
		archive_reason TEXT,
		archive_type TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- One active budget per fiscal year; archived years may repeat
	CREATE UNIQUE INDEX IF NOT EXISTS idx_budgets_active_year
		ON approved_budgets(fiscal_year) WHERE is_archived = 0;

	CREATE TABLE IF NOT EXISTS budget_allocations (
		id TEXT PRIMARY KEY,
		budget_id TEXT NOT NULL REFERENCES approved_budgets(id) ON DELETE CASCADE,
		end_user TEXT NOT NULL,
		department TEXT NOT NULL DEFAULT '',
		allocated_amount TEXT NOT NULL,
		remaining_balance TEXT NOT NULL,
		pre_amount_used TEXT NOT NULL,
		pr_amount_used TEXT NOT NULL,
		ad_amount_used TEXT NOT NULL,
		is_compiled INTEGER NOT NULL DEFAULT 0,
		is_archived INTEGER NOT NULL DEFAULT 0,
		archived_at TEXT,
		archived_by TEXT,
		archive_reason TEXT,
		archive_type TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(budget_id, end_user)
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_budget
		ON budget_allocations(budget_id, is_archived);

	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		end_user TEXT NOT NULL DEFAULT '',
		allocation_id TEXT NOT NULL REFERENCES budget_allocations(id),
		total_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		approved_by_admin INTEGER NOT NULL DEFAULT 0,
		approved_by_officer INTEGER NOT NULL DEFAULT 0,
		admin_actor TEXT,
		officer_actor TEXT,
		admin_decided_at TEXT,
		final_approved_at TEXT,
		rejected_by TEXT,
		rejection_reason TEXT,
		funding_json TEXT NOT NULL DEFAULT '[]',
		charged_amount TEXT NOT NULL,
		revision INTEGER NOT NULL DEFAULT 0,
		is_archived INTEGER NOT NULL DEFAULT 0,
		archived_at TEXT,
		archived_by TEXT,
		archive_reason TEXT,
		archive_type TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_allocation
		ON requests(allocation_id, kind, status);

	CREATE TABLE IF NOT EXISTS line_items (
		id TEXT PRIMARY KEY,
		allocation_id TEXT NOT NULL REFERENCES budget_allocations(id),
		pre_id TEXT NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
		item_key TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		quarter TEXT NOT NULL,
		allocated_amount TEXT NOT NULL,
		consumed_amount TEXT NOT NULL,
		reserved_amount TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(pre_id, item_key, quarter)
	);

	CREATE TABLE IF NOT EXISTS allocation_records (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
		request_kind TEXT NOT NULL,
		line_item_id TEXT NOT NULL REFERENCES line_items(id) ON DELETE RESTRICT,
		quarter TEXT NOT NULL,
		allocated_amount TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_request
		ON allocation_records(request_id);
	CREATE INDEX IF NOT EXISTS idx_records_line_item
		ON allocation_records(line_item_id);

	-- Journal (append-only). No foreign keys: entries outlive deleted rows.
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		budget_id TEXT,
		allocation_id TEXT,
		line_item_id TEXT,
		request_id TEXT,
		request_kind TEXT,
		delta TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_allocation
		ON ledger_entries(allocation_id) WHERE allocation_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_entries_request
		ON ledger_entries(request_id) WHERE request_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		actor TEXT,
		action TEXT NOT NULL,
		model_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		detail_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_record
		ON audit_log(model_name, record_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(budget.Store) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(conn{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// Reset clears all data (for demo scenarios). Children first so the
// foreign keys hold.
func (s *Store) Reset(ctx context.Context) error {
	return s.WithTx(ctx, func(st budget.Store) error {
		q := st.(conn).q
		for _, table := range []string{
			"allocation_records", "line_items", "requests",
			"budget_allocations", "approved_budgets", "ledger_entries", "audit_log",
		} {
			if _, err := q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
}

// =============================================================================
// APPROVED BUDGETS
// =============================================================================

const budgetColumns = `id, fiscal_year, title, amount, remaining_budget,
	is_archived, archived_at, archived_by, archive_reason, archive_type,
	created_by, created_at, updated_at`

func (c conn) GetBudget(ctx context.Context, id budget.BudgetID) (*budget.ApprovedBudget, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+budgetColumns+` FROM approved_budgets WHERE id = ?`, id)
	b, err := scanBudget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &budget.NotFoundError{Model: budget.ModelApprovedBudget, ID: string(id)}
	}
	return b, err
}

func (c conn) FindBudgetByYear(ctx context.Context, year string, archived bool) (*budget.ApprovedBudget, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+budgetColumns+` FROM approved_budgets
		WHERE fiscal_year = ? AND is_archived = ? ORDER BY rowid DESC LIMIT 1`, year, archived)
	b, err := scanBudget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &budget.NotFoundError{Model: budget.ModelApprovedBudget, ID: "fiscal year " + year}
	}
	return b, err
}

func (c conn) ListBudgets(ctx context.Context, includeArchived bool) ([]budget.ApprovedBudget, error) {
	query := `SELECT ` + budgetColumns + ` FROM approved_budgets`
	if !includeArchived {
		query += ` WHERE is_archived = 0`
	}
	rows, err := c.q.QueryContext(ctx, query+` ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []budget.ApprovedBudget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (c conn) SaveBudget(ctx context.Context, b budget.ApprovedBudget) error {
	query := `
		INSERT INTO approved_budgets (` + budgetColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			amount = excluded.amount,
			remaining_budget = excluded.remaining_budget,
			is_archived = excluded.is_archived,
			archived_at = excluded.archived_at,
			archived_by = excluded.archived_by,
			archive_reason = excluded.archive_reason,
			archive_type = excluded.archive_type,
			updated_at = excluded.updated_at
	`
	_, err := c.q.ExecContext(ctx, query,
		b.ID, b.FiscalYear, b.Title, b.Amount, b.RemainingBudget,
		b.IsArchived, formatTimePtr(b.ArchivedAt), nullString(b.ArchivedBy),
		nullString(b.ArchiveReason), nullString(string(b.ArchiveType)),
		nullString(b.CreatedBy), formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	return mapError(err, "approved budget")
}

func scanBudget(sc scanner) (*budget.ApprovedBudget, error) {
	var b budget.ApprovedBudget
	var a archiveColumns
	var createdBy, createdAt, updatedAt sql.NullString
	if err := sc.Scan(
		&b.ID, &b.FiscalYear, &b.Title, &b.Amount, &b.RemainingBudget,
		&a.isArchived, &a.at, &a.by, &a.reason, &a.typ,
		&createdBy, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	b.Archive = a.archive()
	b.CreatedBy = createdBy.String
	b.CreatedAt = parseTime(createdAt.String)
	b.UpdatedAt = parseTime(updatedAt.String)
	return &b, nil
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

const allocationColumns = `id, budget_id, end_user, department, allocated_amount,
	remaining_balance, pre_amount_used, pr_amount_used, ad_amount_used, is_compiled,
	is_archived, archived_at, archived_by, archive_reason, archive_type,
	created_at, updated_at`

func (c conn) GetAllocation(ctx context.Context, id budget.AllocationID) (*budget.BudgetAllocation, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+allocationColumns+` FROM budget_allocations WHERE id = ?`, id)
	a, err := scanAllocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &budget.NotFoundError{Model: budget.ModelAllocation, ID: string(id)}
	}
	return a, err
}

func (c conn) ListAllocations(ctx context.Context, budgetID budget.BudgetID, includeArchived bool) ([]budget.BudgetAllocation, error) {
	var where []string
	var args []any
	if budgetID != "" {
		where = append(where, "budget_id = ?")
		args = append(args, budgetID)
	}
	if !includeArchived {
		where = append(where, "is_archived = 0")
	}
	rows, err := c.q.QueryContext(ctx, `SELECT `+allocationColumns+` FROM budget_allocations`+
		whereClause(where)+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []budget.BudgetAllocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (c conn) SaveAllocation(ctx context.Context, a budget.BudgetAllocation) error {
	query := `
		INSERT INTO budget_allocations (` + allocationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			end_user = excluded.end_user,
			department = excluded.department,
			allocated_amount = excluded.allocated_amount,
			remaining_balance = excluded.remaining_balance,
			pre_amount_used = excluded.pre_amount_used,
			pr_amount_used = excluded.pr_amount_used,
			ad_amount_used = excluded.ad_amount_used,
			is_compiled = excluded.is_compiled,
			is_archived = excluded.is_archived,
			archived_at = excluded.archived_at,
			archived_by = excluded.archived_by,
			archive_reason = excluded.archive_reason,
			archive_type = excluded.archive_type,
			updated_at = excluded.updated_at
	`
	_, err := c.q.ExecContext(ctx, query,
		a.ID, a.BudgetID, a.EndUser, a.Department, a.AllocatedAmount,
		a.RemainingBalance, a.PREAmountUsed, a.PRAmountUsed, a.ADAmountUsed, a.IsCompiled,
		a.IsArchived, formatTimePtr(a.ArchivedAt), nullString(a.ArchivedBy),
		nullString(a.ArchiveReason), nullString(string(a.ArchiveType)),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	return mapError(err, "allocation")
}

func (c conn) DeleteAllocation(ctx context.Context, id budget.AllocationID) error {
	res, err := c.q.ExecContext(ctx, `DELETE FROM budget_allocations WHERE id = ?`, id)
	if err != nil {
		return mapDeleteError(err, "allocation")
	}
	return expectRow(res, budget.ModelAllocation, string(id))
}

func scanAllocation(sc scanner) (*budget.BudgetAllocation, error) {
	var a budget.BudgetAllocation
	var arch archiveColumns
	var createdAt, updatedAt string
	if err := sc.Scan(
		&a.ID, &a.BudgetID, &a.EndUser, &a.Department, &a.AllocatedAmount,
		&a.RemainingBalance, &a.PREAmountUsed, &a.PRAmountUsed, &a.ADAmountUsed, &a.IsCompiled,
		&arch.isArchived, &arch.at, &arch.by, &arch.reason, &arch.typ,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	a.Archive = arch.archive()
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

// =============================================================================
// LINE ITEMS
// =============================================================================

const lineItemColumns = `id, allocation_id, pre_id, item_key, category, quarter,
	allocated_amount, consumed_amount, reserved_amount, created_at, updated_at`

func (c conn) GetLineItem(ctx context.Context, id budget.LineItemID) (*budget.LineItemBudget, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+lineItemColumns+` FROM line_items WHERE id = ?`, id)
	li, err := scanLineItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &budget.NotFoundError{Model: "line_item_budget", ID: string(id)}
	}
	return li, err
}

func (c conn) FindLineItem(ctx context.Context, preID budget.RequestID, itemKey string, q budget.Quarter) (*budget.LineItemBudget, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+lineItemColumns+` FROM line_items
		WHERE pre_id = ? AND item_key = ? AND quarter = ?`, preID, itemKey, q)
	li, err := scanLineItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &budget.NotFoundError{Model: "line_item_budget", ID: fmt.Sprintf("%s/%s/%s", preID, itemKey, q)}
	}
	return li, err
}

func (c conn) ListLineItems(ctx context.Context, preID budget.RequestID) ([]budget.LineItemBudget, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT `+lineItemColumns+` FROM line_items
		WHERE pre_id = ? ORDER BY item_key, quarter`, preID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []budget.LineItemBudget
	for rows.Next() {
		li, err := scanLineItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *li)
	}
	return out, rows.Err()
}

func (c conn) SaveLineItem(ctx context.Context, li budget.LineItemBudget) error {
	query := `
		INSERT INTO line_items (` + lineItemColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			category = excluded.category,
			allocated_amount = excluded.allocated_amount,
			consumed_amount = excluded.consumed_amount,
			reserved_amount = excluded.reserved_amount,
			updated_at = excluded.updated_at
	`
	_, err := c.q.ExecContext(ctx, query,
		li.ID, li.AllocationID, li.PREID, li.ItemKey, li.Category, li.Quarter,
		li.AllocatedAmount, li.ConsumedAmount, li.ReservedAmount,
		formatTime(li.CreatedAt), formatTime(li.UpdatedAt),
	)
	return mapError(err, "line item")
}

func (c conn) DeleteLineItem(ctx context.Context, id budget.LineItemID) error {
	res, err := c.q.ExecContext(ctx, `DELETE FROM line_items WHERE id = ?`, id)
	if err != nil {
		return mapDeleteError(err, "line item")
	}
	return expectRow(res, "line_item_budget", string(id))
}

func scanLineItem(sc scanner) (*budget.LineItemBudget, error) {
	var li budget.LineItemBudget
	var createdAt, updatedAt string
	if err := sc.Scan(
		&li.ID, &li.AllocationID, &li.PREID, &li.ItemKey, &li.Category, &li.Quarter,
		&li.AllocatedAmount, &li.ConsumedAmount, &li.ReservedAmount,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	li.CreatedAt = parseTime(createdAt)
	li.UpdatedAt = parseTime(updatedAt)
	return &li, nil
}

// =============================================================================
// REQUESTS
// =============================================================================

const requestColumns = `id, kind, title, end_user, allocation_id, total_amount, status,
	approved_by_admin, approved_by_officer, admin_actor, officer_actor,
	admin_decided_at, final_approved_at, rejected_by, rejection_reason,
	funding_json, charged_amount, revision,
	is_archived, archived_at, archived_by, archive_reason, archive_type,
	created_by, created_at, updated_at`

func (c conn) GetRequest(ctx context.Context, id budget.RequestID) (*budget.Request, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &budget.NotFoundError{Model: "request", ID: string(id)}
	}
	return r, err
}

func (c conn) ListRequests(ctx context.Context, f budget.RequestFilter) ([]budget.Request, error) {
	var where []string
	var args []any
	if f.AllocationID != "" {
		where = append(where, "allocation_id = ?")
		args = append(args, f.AllocationID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if !f.IncludeArchived {
		where = append(where, "is_archived = 0")
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}

	rows, err := c.q.QueryContext(ctx, `SELECT `+requestColumns+` FROM requests`+
		whereClause(where)+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []budget.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (c conn) SaveRequest(ctx context.Context, r budget.Request) error {
	funding := r.Funding
	if funding == nil {
		funding = []budget.FundingSource{}
	}
	fundingJSON, err := json.Marshal(funding)
	if err != nil {
		return fmt.Errorf("failed to encode funding sources: %w", err)
	}

	query := `
		INSERT INTO requests (` + requestColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			end_user = excluded.end_user,
			total_amount = excluded.total_amount,
			status = excluded.status,
			approved_by_admin = excluded.approved_by_admin,
			approved_by_officer = excluded.approved_by_officer,
			admin_actor = excluded.admin_actor,
			officer_actor = excluded.officer_actor,
			admin_decided_at = excluded.admin_decided_at,
			final_approved_at = excluded.final_approved_at,
			rejected_by = excluded.rejected_by,
			rejection_reason = excluded.rejection_reason,
			funding_json = excluded.funding_json,
			charged_amount = excluded.charged_amount,
			revision = excluded.revision,
			is_archived = excluded.is_archived,
			archived_at = excluded.archived_at,
			archived_by = excluded.archived_by,
			archive_reason = excluded.archive_reason,
			archive_type = excluded.archive_type,
			updated_at = excluded.updated_at
	`
	_, err = c.q.ExecContext(ctx, query,
		r.ID, r.Kind, r.Title, r.EndUser, r.AllocationID, r.TotalAmount, r.Status,
		r.ApprovedByAdmin, r.ApprovedByOfficer, nullString(r.AdminActor), nullString(r.OfficerActor),
		formatTimePtr(r.AdminDecidedAt), formatTimePtr(r.FinalApprovedAt),
		nullString(r.RejectedBy), nullString(r.RejectionReason),
		string(fundingJSON), r.ChargedAmount, r.Revision,
		r.IsArchived, formatTimePtr(r.ArchivedAt), nullString(r.ArchivedBy),
		nullString(r.ArchiveReason), nullString(string(r.ArchiveType)),
		nullString(r.CreatedBy), formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	return mapError(err, "request")
}

func (c conn) DeleteRequest(ctx context.Context, id budget.RequestID) error {
	res, err := c.q.ExecContext(ctx, `DELETE FROM requests WHERE id = ?`, id)
	if err != nil {
		return mapDeleteError(err, "request")
	}
	return expectRow(res, "request", string(id))
}

func scanRequest(sc scanner) (*budget.Request, error) {
	var r budget.Request
	var arch archiveColumns
	var adminActor, officerActor, adminDecidedAt, finalApprovedAt sql.NullString
	var rejectedBy, rejectionReason, createdBy sql.NullString
	var fundingJSON, createdAt, updatedAt string
	if err := sc.Scan(
		&r.ID, &r.Kind, &r.Title, &r.EndUser, &r.AllocationID, &r.TotalAmount, &r.Status,
		&r.ApprovedByAdmin, &r.ApprovedByOfficer, &adminActor, &officerActor,
		&adminDecidedAt, &finalApprovedAt, &rejectedBy, &rejectionReason,
		&fundingJSON, &r.ChargedAmount, &r.Revision,
		&arch.isArchived, &arch.at, &arch.by, &arch.reason, &arch.typ,
		&createdBy, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fundingJSON), &r.Funding); err != nil {
		return nil, fmt.Errorf("failed to decode funding sources of %s: %w", r.ID, err)
	}
	if len(r.Funding) == 0 {
		r.Funding = nil
	}
	r.AdminActor = adminActor.String
	r.OfficerActor = officerActor.String
	r.AdminDecidedAt = parseTimePtr(adminDecidedAt)
	r.FinalApprovedAt = parseTimePtr(finalApprovedAt)
	r.RejectedBy = rejectedBy.String
	r.RejectionReason = rejectionReason.String
	r.Archive = arch.archive()
	r.CreatedBy = createdBy.String
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

// =============================================================================
// ALLOCATION RECORDS
// =============================================================================

const recordColumns = `id, request_id, request_kind, line_item_id, quarter, allocated_amount, created_at`

func (c conn) ListRecordsByRequest(ctx context.Context, id budget.RequestID) ([]budget.AllocationRecord, error) {
	return c.queryRecords(ctx, `SELECT `+recordColumns+` FROM allocation_records WHERE request_id = ? ORDER BY rowid`, id)
}

func (c conn) ListRecordsByLineItem(ctx context.Context, id budget.LineItemID) ([]budget.AllocationRecord, error) {
	return c.queryRecords(ctx, `SELECT `+recordColumns+` FROM allocation_records WHERE line_item_id = ? ORDER BY rowid`, id)
}

func (c conn) queryRecords(ctx context.Context, query string, args ...any) ([]budget.AllocationRecord, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []budget.AllocationRecord
	for rows.Next() {
		var rec budget.AllocationRecord
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.RequestKind, &rec.LineItemID,
			&rec.Quarter, &rec.AllocatedAmount, &createdAt); err != nil {
			return nil, err
		}
		rec.CreatedAt = parseTime(createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (c conn) SaveRecord(ctx context.Context, rec budget.AllocationRecord) error {
	query := `
		INSERT INTO allocation_records (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			allocated_amount = excluded.allocated_amount
	`
	_, err := c.q.ExecContext(ctx, query,
		rec.ID, rec.RequestID, rec.RequestKind, rec.LineItemID, rec.Quarter,
		rec.AllocatedAmount, formatTime(rec.CreatedAt),
	)
	return mapError(err, "allocation record")
}

func (c conn) DeleteRecord(ctx context.Context, id budget.RecordID) error {
	res, err := c.q.ExecContext(ctx, `DELETE FROM allocation_records WHERE id = ?`, id)
	if err != nil {
		return mapDeleteError(err, "allocation record")
	}
	return expectRow(res, "allocation_record", string(id))
}

// =============================================================================
// LEDGER JOURNAL
// =============================================================================

// AppendEntry adds an entry to the journal. Append-only: there is no
// UPDATE or DELETE on ledger_entries.
func (c conn) AppendEntry(ctx context.Context, e budget.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries
		(id, kind, budget_id, allocation_id, line_item_id, request_id, request_kind,
		 delta, balance_after, reason, idempotency_key, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := c.q.ExecContext(ctx, query,
		e.ID, e.Kind, nullString(string(e.BudgetID)), nullString(string(e.AllocationID)),
		nullString(string(e.LineItemID)), nullString(string(e.RequestID)), nullString(string(e.RequestKind)),
		e.Delta, e.BalanceAfter, nullString(e.Reason), nullString(e.IdempotencyKey),
		nullString(e.CreatedBy), formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "idempotency_key") {
			return fmt.Errorf("%w: %s", budget.ErrDuplicateIdempotencyKey, e.IdempotencyKey)
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (c conn) ListEntries(ctx context.Context, f budget.EntryFilter) ([]budget.LedgerEntry, error) {
	var where []string
	var args []any
	if f.BudgetID != "" {
		where = append(where, "budget_id = ?")
		args = append(args, f.BudgetID)
	}
	if f.AllocationID != "" {
		where = append(where, "allocation_id = ?")
		args = append(args, f.AllocationID)
	}
	if f.LineItemID != "" {
		where = append(where, "line_item_id = ?")
		args = append(args, f.LineItemID)
	}
	if f.RequestID != "" {
		where = append(where, "request_id = ?")
		args = append(args, f.RequestID)
	}

	rows, err := c.q.QueryContext(ctx, `
		SELECT id, kind, budget_id, allocation_id, line_item_id, request_id, request_kind,
			delta, balance_after, reason, idempotency_key, created_by, created_at
		FROM ledger_entries`+whereClause(where)+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []budget.LedgerEntry
	for rows.Next() {
		var e budget.LedgerEntry
		var budgetID, allocationID, lineItemID, requestID, requestKind sql.NullString
		var reason, idempotencyKey, createdBy sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Kind, &budgetID, &allocationID, &lineItemID, &requestID,
			&requestKind, &e.Delta, &e.BalanceAfter, &reason, &idempotencyKey, &createdBy, &createdAt); err != nil {
			return nil, err
		}
		e.BudgetID = budget.BudgetID(budgetID.String)
		e.AllocationID = budget.AllocationID(allocationID.String)
		e.LineItemID = budget.LineItemID(lineItemID.String)
		e.RequestID = budget.RequestID(requestID.String)
		e.RequestKind = budget.RequestKind(requestKind.String)
		e.Reason = reason.String
		e.IdempotencyKey = idempotencyKey.String
		e.CreatedBy = createdBy.String
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (c conn) AppendAudit(ctx context.Context, e budget.AuditEntry) error {
	detailJSON, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("failed to encode audit detail: %w", err)
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, actor, action, model_name, record_id, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, formatTime(e.Timestamp), nullString(e.Actor), e.Action, e.ModelName, e.RecordID, string(detailJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// QueryAudit returns matching entries oldest first; Limit keeps the newest.
func (c conn) QueryAudit(ctx context.Context, f budget.AuditFilter) ([]budget.AuditEntry, error) {
	var where []string
	var args []any
	if f.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, f.Actor)
	}
	if f.ModelName != "" {
		where = append(where, "model_name = ?")
		args = append(args, f.ModelName)
	}
	if f.RecordID != "" {
		where = append(where, "record_id = ?")
		args = append(args, f.RecordID)
	}
	if len(f.Actions) > 0 {
		where = append(where, "action IN ("+placeholders(len(f.Actions))+")")
		for _, a := range f.Actions {
			args = append(args, a)
		}
	}
	query := `SELECT id, timestamp, actor, action, model_name, record_id, detail_json
		FROM audit_log` + whereClause(where) + ` ORDER BY rowid DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []budget.AuditEntry
	for rows.Next() {
		var e budget.AuditEntry
		var actor, detailJSON sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &ts, &actor, &e.Action, &e.ModelName, &e.RecordID, &detailJSON); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		e.Actor = actor.String
		if detailJSON.Valid && detailJSON.String != "" && detailJSON.String != "null" {
			if err := json.Unmarshal([]byte(detailJSON.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("failed to decode audit detail of %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

// archiveColumns scans the five archive columns shared by three tables.
type archiveColumns struct {
	isArchived bool
	at         sql.NullString
	by         sql.NullString
	reason     sql.NullString
	typ        sql.NullString
}

func (a archiveColumns) archive() budget.Archive {
	return budget.Archive{
		IsArchived:    a.isArchived,
		ArchivedAt:    parseTimePtr(a.at),
		ArchivedBy:    a.by.String,
		ArchiveReason: a.reason.String,
		ArchiveType:   budget.ArchiveType(a.typ.String),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func expectRow(res sql.Result, model, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &budget.NotFoundError{Model: model, ID: id}
	}
	return nil
}

// mapError translates constraint violations into the budget sentinels.
func mapError(err error, what string) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %s: %v", budget.ErrConflict, what, err)
		}
	}
	if isForeignKeyError(err) {
		return fmt.Errorf("%w: %s references a missing record", budget.ErrNotFound, what)
	}
	return fmt.Errorf("failed to save %s: %w", what, err)
}

// mapDeleteError reports a restricted foreign key as budget.ErrProtected.
func mapDeleteError(err error, what string) error {
	if isForeignKeyError(err) {
		return fmt.Errorf("%w: %s is still referenced", budget.ErrProtected, what)
	}
	return fmt.Errorf("failed to delete %s: %w", what, err)
}

// isForeignKeyError matches both immediate foreign key failures and
// RESTRICT actions, which SQLite reports as a trigger constraint.
func isForeignKeyError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) || se.Code != sqlite3.ErrConstraint {
		return false
	}
	switch se.ExtendedCode {
	case sqlite3.ErrConstraintForeignKey, sqlite3.ErrConstraintTrigger:
		return true
	}
	return strings.Contains(se.Error(), "FOREIGN KEY constraint failed")
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}
