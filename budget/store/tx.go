package store

import (
	"context"

	"github.com/warp/budget-ledger/budget"
)

// =============================================================================
// LOCKED ACCESS - budget.Store on Memory
// =============================================================================

func (m *Memory) read(fn func(v view) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(view{st: m.st})
}

func (m *Memory) write(fn func(v view) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(view{st: m.st})
}

func (m *Memory) GetBudget(ctx context.Context, id budget.BudgetID) (b *budget.ApprovedBudget, err error) {
	err = m.read(func(v view) error { b, err = v.GetBudget(ctx, id); return err })
	return b, err
}

func (m *Memory) FindBudgetByYear(ctx context.Context, year string, archived bool) (b *budget.ApprovedBudget, err error) {
	err = m.read(func(v view) error { b, err = v.FindBudgetByYear(ctx, year, archived); return err })
	return b, err
}

func (m *Memory) ListBudgets(ctx context.Context, includeArchived bool) (list []budget.ApprovedBudget, err error) {
	err = m.read(func(v view) error { list, err = v.ListBudgets(ctx, includeArchived); return err })
	return list, err
}

func (m *Memory) SaveBudget(ctx context.Context, b budget.ApprovedBudget) error {
	return m.write(func(v view) error { return v.SaveBudget(ctx, b) })
}

func (m *Memory) GetAllocation(ctx context.Context, id budget.AllocationID) (a *budget.BudgetAllocation, err error) {
	err = m.read(func(v view) error { a, err = v.GetAllocation(ctx, id); return err })
	return a, err
}

func (m *Memory) ListAllocations(ctx context.Context, budgetID budget.BudgetID, includeArchived bool) (list []budget.BudgetAllocation, err error) {
	err = m.read(func(v view) error { list, err = v.ListAllocations(ctx, budgetID, includeArchived); return err })
	return list, err
}

func (m *Memory) SaveAllocation(ctx context.Context, a budget.BudgetAllocation) error {
	return m.write(func(v view) error { return v.SaveAllocation(ctx, a) })
}

func (m *Memory) DeleteAllocation(ctx context.Context, id budget.AllocationID) error {
	return m.write(func(v view) error { return v.DeleteAllocation(ctx, id) })
}

func (m *Memory) GetLineItem(ctx context.Context, id budget.LineItemID) (li *budget.LineItemBudget, err error) {
	err = m.read(func(v view) error { li, err = v.GetLineItem(ctx, id); return err })
	return li, err
}

func (m *Memory) FindLineItem(ctx context.Context, preID budget.RequestID, itemKey string, q budget.Quarter) (li *budget.LineItemBudget, err error) {
	err = m.read(func(v view) error { li, err = v.FindLineItem(ctx, preID, itemKey, q); return err })
	return li, err
}

func (m *Memory) ListLineItems(ctx context.Context, preID budget.RequestID) (list []budget.LineItemBudget, err error) {
	err = m.read(func(v view) error { list, err = v.ListLineItems(ctx, preID); return err })
	return list, err
}

func (m *Memory) SaveLineItem(ctx context.Context, li budget.LineItemBudget) error {
	return m.write(func(v view) error { return v.SaveLineItem(ctx, li) })
}

func (m *Memory) DeleteLineItem(ctx context.Context, id budget.LineItemID) error {
	return m.write(func(v view) error { return v.DeleteLineItem(ctx, id) })
}

func (m *Memory) GetRequest(ctx context.Context, id budget.RequestID) (r *budget.Request, err error) {
	err = m.read(func(v view) error { r, err = v.GetRequest(ctx, id); return err })
	return r, err
}

func (m *Memory) ListRequests(ctx context.Context, f budget.RequestFilter) (list []budget.Request, err error) {
	err = m.read(func(v view) error { list, err = v.ListRequests(ctx, f); return err })
	return list, err
}

func (m *Memory) SaveRequest(ctx context.Context, r budget.Request) error {
	return m.write(func(v view) error { return v.SaveRequest(ctx, r) })
}

func (m *Memory) DeleteRequest(ctx context.Context, id budget.RequestID) error {
	return m.write(func(v view) error { return v.DeleteRequest(ctx, id) })
}

func (m *Memory) ListRecordsByRequest(ctx context.Context, id budget.RequestID) (list []budget.AllocationRecord, err error) {
	err = m.read(func(v view) error { list, err = v.ListRecordsByRequest(ctx, id); return err })
	return list, err
}

func (m *Memory) ListRecordsByLineItem(ctx context.Context, id budget.LineItemID) (list []budget.AllocationRecord, err error) {
	err = m.read(func(v view) error { list, err = v.ListRecordsByLineItem(ctx, id); return err })
	return list, err
}

func (m *Memory) SaveRecord(ctx context.Context, rec budget.AllocationRecord) error {
	return m.write(func(v view) error { return v.SaveRecord(ctx, rec) })
}

func (m *Memory) DeleteRecord(ctx context.Context, id budget.RecordID) error {
	return m.write(func(v view) error { return v.DeleteRecord(ctx, id) })
}

func (m *Memory) AppendEntry(ctx context.Context, e budget.LedgerEntry) error {
	return m.write(func(v view) error { return v.AppendEntry(ctx, e) })
}

func (m *Memory) ListEntries(ctx context.Context, f budget.EntryFilter) (list []budget.LedgerEntry, err error) {
	err = m.read(func(v view) error { list, err = v.ListEntries(ctx, f); return err })
	return list, err
}

func (m *Memory) AppendAudit(ctx context.Context, e budget.AuditEntry) error {
	return m.write(func(v view) error { return v.AppendAudit(ctx, e) })
}

func (m *Memory) QueryAudit(ctx context.Context, f budget.AuditFilter) (list []budget.AuditEntry, err error) {
	err = m.read(func(v view) error { list, err = v.QueryAudit(ctx, f); return err })
	return list, err
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// The write lock is held for the whole of fn, so transactions are
// serialised. Writes go to a copy of the state that replaces the live
// state only when fn succeeds.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(budget.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	working := tm.st.clone()
	if err := fn(view{st: working}); err != nil {
		return err
	}
	tm.st = working
	return nil
}

// Reset drops all data.
func (tm *TxMemory) Reset(context.Context) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.st = newState()
	return nil
}

// =============================================================================
// VIEW - Unlocked budget.Store over one state
// =============================================================================

type view struct {
	st *state
}

var _ budget.Store = view{}
var _ budget.TxStore = (*TxMemory)(nil)

func (v view) GetBudget(_ context.Context, id budget.BudgetID) (*budget.ApprovedBudget, error) {
	return v.st.getBudget(id)
}

func (v view) FindBudgetByYear(_ context.Context, year string, archived bool) (*budget.ApprovedBudget, error) {
	return v.st.findBudgetByYear(year, archived)
}

func (v view) ListBudgets(_ context.Context, includeArchived bool) ([]budget.ApprovedBudget, error) {
	return v.st.listBudgets(includeArchived), nil
}

func (v view) SaveBudget(_ context.Context, b budget.ApprovedBudget) error {
	return v.st.saveBudget(b)
}

func (v view) GetAllocation(_ context.Context, id budget.AllocationID) (*budget.BudgetAllocation, error) {
	return v.st.getAllocation(id)
}

func (v view) ListAllocations(_ context.Context, budgetID budget.BudgetID, includeArchived bool) ([]budget.BudgetAllocation, error) {
	return v.st.listAllocations(budgetID, includeArchived), nil
}

func (v view) SaveAllocation(_ context.Context, a budget.BudgetAllocation) error {
	return v.st.saveAllocation(a)
}

func (v view) DeleteAllocation(_ context.Context, id budget.AllocationID) error {
	return v.st.deleteAllocation(id)
}

func (v view) GetLineItem(_ context.Context, id budget.LineItemID) (*budget.LineItemBudget, error) {
	return v.st.getLineItem(id)
}

func (v view) FindLineItem(_ context.Context, preID budget.RequestID, itemKey string, q budget.Quarter) (*budget.LineItemBudget, error) {
	return v.st.findLineItem(preID, itemKey, q)
}

func (v view) ListLineItems(_ context.Context, preID budget.RequestID) ([]budget.LineItemBudget, error) {
	return v.st.listLineItems(preID), nil
}

func (v view) SaveLineItem(_ context.Context, li budget.LineItemBudget) error {
	return v.st.saveLineItem(li)
}

func (v view) DeleteLineItem(_ context.Context, id budget.LineItemID) error {
	return v.st.deleteLineItem(id)
}

func (v view) GetRequest(_ context.Context, id budget.RequestID) (*budget.Request, error) {
	return v.st.getRequest(id)
}

func (v view) ListRequests(_ context.Context, f budget.RequestFilter) ([]budget.Request, error) {
	return v.st.listRequests(f), nil
}

func (v view) SaveRequest(_ context.Context, r budget.Request) error {
	return v.st.saveRequest(r)
}

func (v view) DeleteRequest(_ context.Context, id budget.RequestID) error {
	return v.st.deleteRequest(id)
}

func (v view) ListRecordsByRequest(_ context.Context, id budget.RequestID) ([]budget.AllocationRecord, error) {
	return v.st.listRecords(func(r budget.AllocationRecord) bool { return r.RequestID == id }), nil
}

func (v view) ListRecordsByLineItem(_ context.Context, id budget.LineItemID) ([]budget.AllocationRecord, error) {
	return v.st.listRecords(func(r budget.AllocationRecord) bool { return r.LineItemID == id }), nil
}

func (v view) SaveRecord(_ context.Context, rec budget.AllocationRecord) error {
	return v.st.saveRecord(rec)
}

func (v view) DeleteRecord(_ context.Context, id budget.RecordID) error {
	return v.st.deleteRecord(id)
}

func (v view) AppendEntry(_ context.Context, e budget.LedgerEntry) error {
	return v.st.appendEntry(e)
}

func (v view) ListEntries(_ context.Context, f budget.EntryFilter) ([]budget.LedgerEntry, error) {
	return v.st.listEntries(f), nil
}

func (v view) AppendAudit(_ context.Context, e budget.AuditEntry) error {
	v.st.appendAudit(e)
	return nil
}

func (v view) QueryAudit(_ context.Context, f budget.AuditFilter) ([]budget.AuditEntry, error) {
	return v.st.queryAudit(f), nil
}
