/*
store.go - Persistence and collaborator interfaces

PURPOSE:
  Defines the contracts between the ledger and everything outside it:
  the persistence layer, the audit trail, the notification sink and the
  optional cross-process lock.

KEY INTERFACES:
  Store:    load/save of every entity in the money hierarchy
  TxStore:  Store plus all-or-nothing transactions
  AuditLog: append-only audit trail (part of Store so it commits atomically)
  Notifier: fire-and-forget user notifications, sent after commit
  Locker:   per-allocation lock for multi-instance deployments

TRANSACTIONS AND LOCKING:
  WithTx runs fn against a transactional view. Implementations must
  serialise writers so that two transactions touching the same allocation
  cannot both read the same remaining balance: the SQLite store opens
  every transaction with BEGIN IMMEDIATE, the memory store holds its
  write lock for the whole transaction. If fn returns an error nothing
  is persisted.

ARCHIVED ROWS:
  Lookups by id return archived rows as well; list queries take an
  explicit includeArchived argument. There is no implicit filtering.

IMPLEMENTATIONS:
  - budget/store/memory.go: in-memory, for tests and development
  - store/sqlite/sqlite.go: SQLite

SEE ALSO:
  - service.go: uses TxStore, Notifier and Locker
*/
package budget

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE
// =============================================================================

// Store persists the entities of the money hierarchy.
//
// Get* methods return a *NotFoundError when the id does not exist.
// Save* methods upsert and return ErrConflict when a uniqueness rule breaks.
type Store interface {
	GetBudget(ctx context.Context, id BudgetID) (*ApprovedBudget, error)
	// FindBudgetByYear returns the budget for year whose archived flag equals archived.
	FindBudgetByYear(ctx context.Context, year string, archived bool) (*ApprovedBudget, error)
	ListBudgets(ctx context.Context, includeArchived bool) ([]ApprovedBudget, error)
	SaveBudget(ctx context.Context, b ApprovedBudget) error

	GetAllocation(ctx context.Context, id AllocationID) (*BudgetAllocation, error)
	ListAllocations(ctx context.Context, budgetID BudgetID, includeArchived bool) ([]BudgetAllocation, error)
	SaveAllocation(ctx context.Context, a BudgetAllocation) error
	DeleteAllocation(ctx context.Context, id AllocationID) error

	GetLineItem(ctx context.Context, id LineItemID) (*LineItemBudget, error)
	FindLineItem(ctx context.Context, preID RequestID, itemKey string, quarter Quarter) (*LineItemBudget, error)
	ListLineItems(ctx context.Context, preID RequestID) ([]LineItemBudget, error)
	SaveLineItem(ctx context.Context, li LineItemBudget) error
	// DeleteLineItem returns ErrProtected while allocation records reference the line item.
	DeleteLineItem(ctx context.Context, id LineItemID) error

	GetRequest(ctx context.Context, id RequestID) (*Request, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]Request, error)
	SaveRequest(ctx context.Context, r Request) error
	DeleteRequest(ctx context.Context, id RequestID) error

	ListRecordsByRequest(ctx context.Context, id RequestID) ([]AllocationRecord, error)
	ListRecordsByLineItem(ctx context.Context, id LineItemID) ([]AllocationRecord, error)
	SaveRecord(ctx context.Context, rec AllocationRecord) error
	DeleteRecord(ctx context.Context, id RecordID) error

	// AppendEntry journals a balance mutation. Append-only.
	AppendEntry(ctx context.Context, e LedgerEntry) error
	ListEntries(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error)

	AuditLog
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// RequestFilter selects requests. Zero values mean "any".
type RequestFilter struct {
	AllocationID    AllocationID
	Kind            RequestKind
	Statuses        []Status
	IncludeArchived bool
}

// Matches reports whether r passes the filter.
func (f RequestFilter) Matches(r Request) bool {
	if f.AllocationID != "" && r.AllocationID != f.AllocationID {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if !f.IncludeArchived && r.IsArchived {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// =============================================================================
// LEDGER ENTRIES - Journal of balance mutations
// =============================================================================

type EntryKind string

const (
	EntryConsume      EntryKind = "consume"       // allocation counter increased
	EntryRelease      EntryKind = "release"       // allocation counter decreased
	EntryLineConsume  EntryKind = "line_consume"  // line item consumed_amount increased
	EntryLineRelease  EntryKind = "line_release"  // line item consumed_amount decreased
	EntryAllocate     EntryKind = "allocate"      // approved budget -> allocation
	EntryReturn       EntryKind = "return"        // allocation unused -> approved budget
	EntryTransferOut  EntryKind = "transfer_out"  // realignment source
	EntryTransferIn   EntryKind = "transfer_in"   // realignment target
	EntryReconcile    EntryKind = "reconcile"     // repair by reconciliation
)

// LedgerEntry is an immutable record of one balance mutation.
type LedgerEntry struct {
	ID             EntryID
	Kind           EntryKind
	BudgetID       BudgetID
	AllocationID   AllocationID
	LineItemID     LineItemID
	RequestID      RequestID
	RequestKind    RequestKind
	Delta          decimal.Decimal
	BalanceAfter   decimal.Decimal
	Reason         string
	IdempotencyKey string
	CreatedBy      string
	CreatedAt      time.Time
}

// EntryFilter selects ledger entries. Zero values mean "any".
type EntryFilter struct {
	BudgetID     BudgetID
	AllocationID AllocationID
	LineItemID   LineItemID
	RequestID    RequestID
}

// Matches reports whether e passes the filter.
func (f EntryFilter) Matches(e LedgerEntry) bool {
	return (f.BudgetID == "" || e.BudgetID == f.BudgetID) &&
		(f.AllocationID == "" || e.AllocationID == f.AllocationID) &&
		(f.LineItemID == "" || e.LineItemID == f.LineItemID) &&
		(f.RequestID == "" || e.RequestID == f.RequestID)
}

// =============================================================================
// AUDIT LOG - Separate from ledger, tracks who did what when
// =============================================================================

// AuditEntry records who did what when.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	Actor     string
	Action    AuditAction
	ModelName string
	RecordID  string
	Detail    map[string]any
}

type AuditAction string

const (
	AuditBudgetCreated      AuditAction = "budget_created"
	AuditAllocationCreated  AuditAction = "allocation_created"
	AuditAllocationDeleted  AuditAction = "allocation_deleted"
	AuditRequestSubmitted   AuditAction = "request_submitted"
	AuditRequestApproved    AuditAction = "request_approved"
	AuditRequestRejected    AuditAction = "request_rejected"
	AuditRequestDeleted     AuditAction = "request_deleted"
	AuditFiscalYearArchived AuditAction = "fiscal_year_archived"
	AuditFiscalYearRestored AuditAction = "fiscal_year_unarchived"
	AuditRecordArchived     AuditAction = "record_archived"
	AuditRecordRestored     AuditAction = "record_unarchived"
	AuditRealignment        AuditAction = "realignment"
	AuditReconciliation     AuditAction = "reconciliation"
)

// AuditLog stores audit entries. Also append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	Actor     string
	ModelName string
	RecordID  string
	Actions   []AuditAction
	Limit     int
}

// Matches reports whether e passes the filter (Limit is ignored).
func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.ModelName != "" && e.ModelName != f.ModelName {
		return false
	}
	if f.RecordID != "" && e.RecordID != f.RecordID {
		return false
	}
	if len(f.Actions) == 0 {
		return true
	}
	for _, a := range f.Actions {
		if e.Action == a {
			return true
		}
	}
	return false
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// Notification is a message for one recipient about one object.
type Notification struct {
	Recipient   string
	Title       string
	Message     string
	ContentType string
	ObjectID    string
}

// Notifier delivers notifications. Failures never roll back a decision.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Locker serialises balance mutations on one key across processes.
// The returned unlock func must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
