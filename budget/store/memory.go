// Package store provides in-memory implementations of budget.TxStore.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/budget-ledger/budget"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every entity in maps guarded by one RWMutex. Foreign keys
// and unique constraints behave like the SQLite schema so tests catch the
// same violations.
type Memory struct {
	mu sync.RWMutex
	st *state
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

// row remembers insertion order so lists are stable.
type row[T any] struct {
	seq int64
	v   T
}

type state struct {
	seq         int64
	budgets     map[budget.BudgetID]row[budget.ApprovedBudget]
	allocations map[budget.AllocationID]row[budget.BudgetAllocation]
	lineItems   map[budget.LineItemID]row[budget.LineItemBudget]
	requests    map[budget.RequestID]row[budget.Request]
	records     map[budget.RecordID]row[budget.AllocationRecord]
	entries     []budget.LedgerEntry
	idempotency map[string]bool
	audit       []budget.AuditEntry
}

func newState() *state {
	return &state{
		budgets:     make(map[budget.BudgetID]row[budget.ApprovedBudget]),
		allocations: make(map[budget.AllocationID]row[budget.BudgetAllocation]),
		lineItems:   make(map[budget.LineItemID]row[budget.LineItemBudget]),
		requests:    make(map[budget.RequestID]row[budget.Request]),
		records:     make(map[budget.RecordID]row[budget.AllocationRecord]),
		idempotency: make(map[string]bool),
	}
}

func (s *state) clone() *state {
	c := &state{
		seq:         s.seq,
		budgets:     make(map[budget.BudgetID]row[budget.ApprovedBudget], len(s.budgets)),
		allocations: make(map[budget.AllocationID]row[budget.BudgetAllocation], len(s.allocations)),
		lineItems:   make(map[budget.LineItemID]row[budget.LineItemBudget], len(s.lineItems)),
		requests:    make(map[budget.RequestID]row[budget.Request], len(s.requests)),
		records:     make(map[budget.RecordID]row[budget.AllocationRecord], len(s.records)),
		entries:     append([]budget.LedgerEntry(nil), s.entries...),
		idempotency: make(map[string]bool, len(s.idempotency)),
		audit:       append([]budget.AuditEntry(nil), s.audit...),
	}
	// stored values are already deep copies, so a shallow map copy is enough
	for k, v := range s.budgets {
		c.budgets[k] = v
	}
	for k, v := range s.allocations {
		c.allocations[k] = v
	}
	for k, v := range s.lineItems {
		c.lineItems[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = v
	}
	for k, v := range s.records {
		c.records[k] = v
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	return c
}

func (s *state) next() int64 {
	s.seq++
	return s.seq
}

func notFound(model string, id any) error {
	return &budget.NotFoundError{Model: model, ID: fmt.Sprint(id)}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyArchive(a budget.Archive) budget.Archive {
	a.ArchivedAt = copyTime(a.ArchivedAt)
	return a
}

func copyRequest(r budget.Request) budget.Request {
	r.Archive = copyArchive(r.Archive)
	r.AdminDecidedAt = copyTime(r.AdminDecidedAt)
	r.FinalApprovedAt = copyTime(r.FinalApprovedAt)
	r.Funding = append([]budget.FundingSource(nil), r.Funding...)
	return r
}

func sortedRows[K comparable, T any](m map[K]row[T], keep func(T) bool) []T {
	rows := make([]row[T], 0, len(m))
	for _, r := range m {
		if keep(r.v) {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	out := make([]T, len(rows))
	for i, r := range rows {
		out[i] = r.v
	}
	return out
}

// =============================================================================
// STATE OPERATIONS - Callers hold the lock
// =============================================================================

func (s *state) getBudget(id budget.BudgetID) (*budget.ApprovedBudget, error) {
	r, ok := s.budgets[id]
	if !ok {
		return nil, notFound(budget.ModelApprovedBudget, id)
	}
	b := r.v
	b.Archive = copyArchive(b.Archive)
	return &b, nil
}

func (s *state) findBudgetByYear(year string, archived bool) (*budget.ApprovedBudget, error) {
	list := sortedRows(s.budgets, func(b budget.ApprovedBudget) bool {
		return b.FiscalYear == year && b.IsArchived == archived
	})
	if len(list) == 0 {
		return nil, notFound(budget.ModelApprovedBudget, "fiscal year "+year)
	}
	b := list[len(list)-1]
	b.Archive = copyArchive(b.Archive)
	return &b, nil
}

func (s *state) listBudgets(includeArchived bool) []budget.ApprovedBudget {
	list := sortedRows(s.budgets, func(b budget.ApprovedBudget) bool {
		return includeArchived || !b.IsArchived
	})
	for i := range list {
		list[i].Archive = copyArchive(list[i].Archive)
	}
	return list
}

func (s *state) saveBudget(b budget.ApprovedBudget) error {
	if !b.IsArchived {
		for id, other := range s.budgets {
			if id != b.ID && other.v.FiscalYear == b.FiscalYear && !other.v.IsArchived {
				return fmt.Errorf("%w: active budget for fiscal year %s already exists", budget.ErrConflict, b.FiscalYear)
			}
		}
	}
	b.Archive = copyArchive(b.Archive)
	existing, ok := s.budgets[b.ID]
	seq := existing.seq
	if !ok {
		seq = s.next()
	}
	s.budgets[b.ID] = row[budget.ApprovedBudget]{seq: seq, v: b}
	return nil
}

func (s *state) getAllocation(id budget.AllocationID) (*budget.BudgetAllocation, error) {
	r, ok := s.allocations[id]
	if !ok {
		return nil, notFound(budget.ModelAllocation, id)
	}
	a := r.v
	a.Archive = copyArchive(a.Archive)
	return &a, nil
}

func (s *state) listAllocations(budgetID budget.BudgetID, includeArchived bool) []budget.BudgetAllocation {
	list := sortedRows(s.allocations, func(a budget.BudgetAllocation) bool {
		return (budgetID == "" || a.BudgetID == budgetID) && (includeArchived || !a.IsArchived)
	})
	for i := range list {
		list[i].Archive = copyArchive(list[i].Archive)
	}
	return list
}

func (s *state) saveAllocation(a budget.BudgetAllocation) error {
	if _, ok := s.budgets[a.BudgetID]; !ok {
		return notFound(budget.ModelApprovedBudget, a.BudgetID)
	}
	for id, other := range s.allocations {
		if id != a.ID && other.v.BudgetID == a.BudgetID && other.v.EndUser == a.EndUser {
			return fmt.Errorf("%w: %s already has an allocation", budget.ErrConflict, a.EndUser)
		}
	}
	a.Archive = copyArchive(a.Archive)
	existing, ok := s.allocations[a.ID]
	seq := existing.seq
	if !ok {
		seq = s.next()
	}
	s.allocations[a.ID] = row[budget.BudgetAllocation]{seq: seq, v: a}
	return nil
}

func (s *state) deleteAllocation(id budget.AllocationID) error {
	if _, ok := s.allocations[id]; !ok {
		return notFound(budget.ModelAllocation, id)
	}
	for _, r := range s.requests {
		if r.v.AllocationID == id {
			return fmt.Errorf("%w: allocation %s has requests", budget.ErrProtected, id)
		}
	}
	delete(s.allocations, id)
	return nil
}

func (s *state) getLineItem(id budget.LineItemID) (*budget.LineItemBudget, error) {
	r, ok := s.lineItems[id]
	if !ok {
		return nil, notFound("line_item_budget", id)
	}
	li := r.v
	return &li, nil
}

func (s *state) findLineItem(preID budget.RequestID, itemKey string, q budget.Quarter) (*budget.LineItemBudget, error) {
	for _, r := range s.lineItems {
		if r.v.PREID == preID && r.v.ItemKey == itemKey && r.v.Quarter == q {
			li := r.v
			return &li, nil
		}
	}
	return nil, notFound("line_item_budget", fmt.Sprintf("%s/%s/%s", preID, itemKey, q))
}

func (s *state) listLineItems(preID budget.RequestID) []budget.LineItemBudget {
	list := sortedRows(s.lineItems, func(li budget.LineItemBudget) bool { return li.PREID == preID })
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].ItemKey != list[j].ItemKey {
			return list[i].ItemKey < list[j].ItemKey
		}
		return list[i].Quarter < list[j].Quarter
	})
	return list
}

func (s *state) saveLineItem(li budget.LineItemBudget) error {
	if _, ok := s.requests[li.PREID]; !ok {
		return notFound(budget.KindPRE.ModelName(), li.PREID)
	}
	for id, other := range s.lineItems {
		if id != li.ID && other.v.PREID == li.PREID && other.v.ItemKey == li.ItemKey && other.v.Quarter == li.Quarter {
			return fmt.Errorf("%w: line item %s %s already exists", budget.ErrConflict, li.ItemKey, li.Quarter)
		}
	}
	existing, ok := s.lineItems[li.ID]
	seq := existing.seq
	if !ok {
		seq = s.next()
	}
	s.lineItems[li.ID] = row[budget.LineItemBudget]{seq: seq, v: li}
	return nil
}

func (s *state) deleteLineItem(id budget.LineItemID) error {
	if _, ok := s.lineItems[id]; !ok {
		return notFound("line_item_budget", id)
	}
	for _, r := range s.records {
		if r.v.LineItemID == id {
			return fmt.Errorf("%w: line item %s has allocation records", budget.ErrProtected, id)
		}
	}
	delete(s.lineItems, id)
	return nil
}

func (s *state) getRequest(id budget.RequestID) (*budget.Request, error) {
	r, ok := s.requests[id]
	if !ok {
		return nil, notFound("request", id)
	}
	req := copyRequest(r.v)
	return &req, nil
}

func (s *state) listRequests(f budget.RequestFilter) []budget.Request {
	list := sortedRows(s.requests, f.Matches)
	for i := range list {
		list[i] = copyRequest(list[i])
	}
	return list
}

func (s *state) saveRequest(r budget.Request) error {
	if _, ok := s.allocations[r.AllocationID]; !ok {
		return notFound(budget.ModelAllocation, r.AllocationID)
	}
	existing, ok := s.requests[r.ID]
	seq := existing.seq
	if !ok {
		seq = s.next()
	}
	s.requests[r.ID] = row[budget.Request]{seq: seq, v: copyRequest(r)}
	return nil
}

// deleteRequest cascades to the request's own allocation records and, for
// a PRE, its line items. Line items still funding other requests block it.
func (s *state) deleteRequest(id budget.RequestID) error {
	if _, ok := s.requests[id]; !ok {
		return notFound("request", id)
	}
	owned := make(map[budget.LineItemID]bool)
	for lid, li := range s.lineItems {
		if li.v.PREID == id {
			owned[lid] = true
		}
	}
	for _, rec := range s.records {
		if owned[rec.v.LineItemID] && rec.v.RequestID != id {
			return fmt.Errorf("%w: line items of %s fund request %s", budget.ErrProtected, id, rec.v.RequestID)
		}
	}
	for rid, rec := range s.records {
		if rec.v.RequestID == id {
			delete(s.records, rid)
		}
	}
	for lid := range owned {
		delete(s.lineItems, lid)
	}
	delete(s.requests, id)
	return nil
}

func (s *state) listRecords(keep func(budget.AllocationRecord) bool) []budget.AllocationRecord {
	return sortedRows(s.records, keep)
}

func (s *state) saveRecord(rec budget.AllocationRecord) error {
	if _, ok := s.requests[rec.RequestID]; !ok {
		return notFound("request", rec.RequestID)
	}
	if _, ok := s.lineItems[rec.LineItemID]; !ok {
		return notFound("line_item_budget", rec.LineItemID)
	}
	existing, ok := s.records[rec.ID]
	seq := existing.seq
	if !ok {
		seq = s.next()
	}
	s.records[rec.ID] = row[budget.AllocationRecord]{seq: seq, v: rec}
	return nil
}

func (s *state) deleteRecord(id budget.RecordID) error {
	if _, ok := s.records[id]; !ok {
		return notFound("allocation_record", id)
	}
	delete(s.records, id)
	return nil
}

func (s *state) appendEntry(e budget.LedgerEntry) error {
	if e.IdempotencyKey != "" {
		if s.idempotency[e.IdempotencyKey] {
			return fmt.Errorf("%w: %s", budget.ErrDuplicateIdempotencyKey, e.IdempotencyKey)
		}
		s.idempotency[e.IdempotencyKey] = true
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *state) listEntries(f budget.EntryFilter) []budget.LedgerEntry {
	var out []budget.LedgerEntry
	for _, e := range s.entries {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}

func (s *state) appendAudit(e budget.AuditEntry) {
	detail := make(map[string]any, len(e.Detail))
	for k, v := range e.Detail {
		detail[k] = v
	}
	e.Detail = detail
	s.audit = append(s.audit, e)
}

// queryAudit returns matching entries oldest first; Limit keeps the newest.
func (s *state) queryAudit(f budget.AuditFilter) []budget.AuditEntry {
	var out []budget.AuditEntry
	for _, e := range s.audit {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}
