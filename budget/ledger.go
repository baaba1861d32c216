/*
ledger.go - Allocation Ledger service

PURPOSE:
  The single authority for mutating monetary balances. Approved budgets,
  allocations and line items only change through the methods here, so the
  balance invariants hold no matter which workflow step triggers them.

CRITICAL INVARIANTS:
  1. CHECK FIRST: a consumption that does not fit fails before anything
     is written.
  2. JOURNAL, THEN RECOMPUTE: every mutation appends a LedgerEntry and then
     recomputes derived balances from the source counters. A cached
     remaining value is never trusted.
  3. FLOOR AT ZERO: releases clamp counters at zero. Clamping is logged
     because a negative counter means some earlier step double-released.
  4. EXPLICIT CALLS: nothing here runs as a side effect of persistence;
     the approval state machine calls these methods directly.

All methods take the transactional Store view so the mutation commits or
rolls back together with the request status change that caused it.

SEE ALSO:
  - entities.go: derived balance computations
  - approval.go: the caller for consume/release
  - reconcile.go: repairs counters with Correct
*/
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Mutation carries the audit context of one ledger call.
type Mutation struct {
	RequestID      RequestID
	Actor          string
	Reason         string
	IdempotencyKey string
}

// Ledger applies and reverses consumption against allocations and line items.
type Ledger struct {
	now func() time.Time
	log logrus.FieldLogger
}

// NewLedger creates a ledger. A nil logger discards output.
func NewLedger(log logrus.FieldLogger) *Ledger {
	if log == nil {
		log = discardLogger()
	}
	return &Ledger{now: time.Now, log: log}
}

// =============================================================================
// ALLOCATION COUNTERS
// =============================================================================

// ReserveOrConsume charges amount to the kind's counter on alloc.
// PR and AD must fit in remaining_balance; a PRE must fit in the part of
// allocated_amount not already planned by approved PREs.
func (l *Ledger) ReserveOrConsume(ctx context.Context, s Store, alloc *BudgetAllocation, kind RequestKind, amount decimal.Decimal, m Mutation) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	alloc.recompute()
	available := alloc.Available(kind)
	if amount.GreaterThan(available) {
		return &InsufficientBudgetError{
			Scope:     "allocation",
			ID:        string(alloc.ID),
			Kind:      kind,
			Available: available,
			Requested: amount,
		}
	}

	after := alloc.Used(kind).Add(amount)
	if err := l.journal(ctx, s, LedgerEntry{
		Kind:         EntryConsume,
		BudgetID:     alloc.BudgetID,
		AllocationID: alloc.ID,
		RequestKind:  kind,
		Delta:        amount,
		BalanceAfter: after,
	}, m); err != nil {
		return err
	}
	alloc.apply(kind, amount)
	alloc.UpdatedAt = l.now()
	return s.SaveAllocation(ctx, *alloc)
}

// Release gives amount back to the kind's counter, floored at zero.
// It returns the amount actually released.
func (l *Ledger) Release(ctx context.Context, s Store, alloc *BudgetAllocation, kind RequestKind, amount decimal.Decimal, m Mutation) (decimal.Decimal, error) {
	if err := checkAmount(amount); err != nil {
		return decimal.Zero, err
	}
	used := alloc.Used(kind)
	released := decimal.Min(amount, used)
	if released.LessThan(amount) {
		l.log.WithFields(logrus.Fields{
			"allocation_id": alloc.ID,
			"kind":          kind,
			"used":          used.String(),
			"requested":     amount.String(),
		}).Warn("release exceeds tracked usage, clamping at zero")
	}

	if err := l.journal(ctx, s, LedgerEntry{
		Kind:         EntryRelease,
		BudgetID:     alloc.BudgetID,
		AllocationID: alloc.ID,
		RequestKind:  kind,
		Delta:        released.Neg(),
		BalanceAfter: used.Sub(released),
	}, m); err != nil {
		return decimal.Zero, err
	}
	alloc.apply(kind, released.Neg())
	alloc.UpdatedAt = l.now()
	return released, s.SaveAllocation(ctx, *alloc)
}

// Correct sets the kind's counter to value. Used by reconciliation only.
func (l *Ledger) Correct(ctx context.Context, s Store, alloc *BudgetAllocation, kind RequestKind, value decimal.Decimal, m Mutation) error {
	delta := value.Sub(alloc.Used(kind))
	if err := l.journal(ctx, s, LedgerEntry{
		Kind:         EntryReconcile,
		BudgetID:     alloc.BudgetID,
		AllocationID: alloc.ID,
		RequestKind:  kind,
		Delta:        delta,
		BalanceAfter: value,
	}, m); err != nil {
		return err
	}
	alloc.set(kind, value)
	alloc.UpdatedAt = l.now()
	return s.SaveAllocation(ctx, *alloc)
}

// =============================================================================
// LINE ITEMS
// =============================================================================

// ConsumeLineItem increases consumed_amount. Fails with OverAllocationError
// when amount exceeds the line item's available amount.
func (l *Ledger) ConsumeLineItem(ctx context.Context, s Store, li *LineItemBudget, amount decimal.Decimal, m Mutation) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if amount.GreaterThan(li.Available()) {
		return &OverAllocationError{
			LineItemID: li.ID,
			ItemKey:    li.ItemKey,
			Quarter:    li.Quarter,
			Available:  li.Available(),
			Requested:  amount,
		}
	}
	after := li.ConsumedAmount.Add(amount)
	if err := l.journal(ctx, s, LedgerEntry{
		Kind:         EntryLineConsume,
		AllocationID: li.AllocationID,
		LineItemID:   li.ID,
		Delta:        amount,
		BalanceAfter: after,
	}, m); err != nil {
		return err
	}
	li.ConsumedAmount = after
	li.UpdatedAt = l.now()
	return s.SaveLineItem(ctx, *li)
}

// ReleaseLineItem decreases consumed_amount, floored at zero.
func (l *Ledger) ReleaseLineItem(ctx context.Context, s Store, li *LineItemBudget, amount decimal.Decimal, m Mutation) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	released := decimal.Min(amount, li.ConsumedAmount)
	if released.LessThan(amount) {
		l.log.WithFields(logrus.Fields{
			"line_item_id": li.ID,
			"consumed":     li.ConsumedAmount.String(),
			"requested":    amount.String(),
		}).Warn("line item release exceeds consumption, clamping at zero")
	}
	after := li.ConsumedAmount.Sub(released)
	if err := l.journal(ctx, s, LedgerEntry{
		Kind:         EntryLineRelease,
		AllocationID: li.AllocationID,
		LineItemID:   li.ID,
		Delta:        released.Neg(),
		BalanceAfter: after,
	}, m); err != nil {
		return err
	}
	li.ConsumedAmount = after
	li.UpdatedAt = l.now()
	return s.SaveLineItem(ctx, *li)
}

// CorrectLineItem sets consumed_amount to value. Used by reconciliation only.
func (l *Ledger) CorrectLineItem(ctx context.Context, s Store, li *LineItemBudget, value decimal.Decimal, m Mutation) error {
	if err := l.journal(ctx, s, LedgerEntry{
		Kind:         EntryReconcile,
		AllocationID: li.AllocationID,
		LineItemID:   li.ID,
		Delta:        value.Sub(li.ConsumedAmount),
		BalanceAfter: value,
	}, m); err != nil {
		return err
	}
	li.ConsumedAmount = value
	li.UpdatedAt = l.now()
	return s.SaveLineItem(ctx, *li)
}

// =============================================================================
// APPROVED BUDGET <-> ALLOCATION
// =============================================================================

// AllocateFromBudget moves amount from the approved budget's remaining pool
// into alloc's allocated_amount.
func (l *Ledger) AllocateFromBudget(ctx context.Context, s Store, b *ApprovedBudget, alloc *BudgetAllocation, amount decimal.Decimal, m Mutation) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if amount.GreaterThan(b.RemainingBudget) {
		return &InsufficientBudgetError{
			Scope:     "approved_budget",
			ID:        string(b.ID),
			Available: b.RemainingBudget,
			Requested: amount,
		}
	}
	if err := l.journal(ctx, s, LedgerEntry{
		Kind:         EntryAllocate,
		BudgetID:     b.ID,
		AllocationID: alloc.ID,
		Delta:        amount,
		BalanceAfter: b.RemainingBudget.Sub(amount),
	}, m); err != nil {
		return err
	}
	now := l.now()
	b.RemainingBudget = b.RemainingBudget.Sub(amount)
	b.UpdatedAt = now
	alloc.AllocatedAmount = alloc.AllocatedAmount.Add(amount)
	alloc.recompute()
	alloc.UpdatedAt = now
	if err := s.SaveBudget(ctx, *b); err != nil {
		return err
	}
	return s.SaveAllocation(ctx, *alloc)
}

// ReturnUnusedToBudget adds alloc's unused portion back to the approved
// budget and returns that amount. The allocation itself is not saved; the
// caller is about to delete it.
func (l *Ledger) ReturnUnusedToBudget(ctx context.Context, s Store, alloc *BudgetAllocation, b *ApprovedBudget, m Mutation) (decimal.Decimal, error) {
	unused := alloc.Unused()
	if err := l.journal(ctx, s, LedgerEntry{
		Kind:         EntryReturn,
		BudgetID:     b.ID,
		AllocationID: alloc.ID,
		Delta:        unused,
		BalanceAfter: b.RemainingBudget.Add(unused),
	}, m); err != nil {
		return decimal.Zero, err
	}
	b.RemainingBudget = b.RemainingBudget.Add(unused)
	b.UpdatedAt = l.now()
	return unused, s.SaveBudget(ctx, *b)
}

// CorrectBudget sets remaining_budget to value. Used by reconciliation only.
func (l *Ledger) CorrectBudget(ctx context.Context, s Store, b *ApprovedBudget, value decimal.Decimal, m Mutation) error {
	if err := l.journal(ctx, s, LedgerEntry{
		Kind:         EntryReconcile,
		BudgetID:     b.ID,
		Delta:        value.Sub(b.RemainingBudget),
		BalanceAfter: value,
	}, m); err != nil {
		return err
	}
	b.RemainingBudget = value
	b.UpdatedAt = l.now()
	return s.SaveBudget(ctx, *b)
}

// =============================================================================
// REALIGNMENT TRANSFERS
// =============================================================================

// TransferAllocation moves unused allocated_amount from source to target.
func (l *Ledger) TransferAllocation(ctx context.Context, s Store, source, target *BudgetAllocation, amount decimal.Decimal, m Mutation) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	source.recompute()
	if amount.GreaterThan(source.RemainingBalance) {
		return &InsufficientBudgetError{
			Scope:     "allocation",
			ID:        string(source.ID),
			Available: source.RemainingBalance,
			Requested: amount,
		}
	}
	// approved PRE plans must still fit in what is left
	if source.AllocatedAmount.Sub(amount).LessThan(source.PREAmountUsed) {
		return &InsufficientBudgetError{
			Scope:     "allocation",
			ID:        string(source.ID),
			Kind:      KindPRE,
			Available: source.Available(KindPRE),
			Requested: amount,
		}
	}

	now := l.now()
	if err := l.journal(ctx, s, LedgerEntry{
		Kind:         EntryTransferOut,
		BudgetID:     source.BudgetID,
		AllocationID: source.ID,
		Delta:        amount.Neg(),
		BalanceAfter: source.AllocatedAmount.Sub(amount),
	}, m); err != nil {
		return err
	}
	if err := l.journal(ctx, s, LedgerEntry{
		Kind:         EntryTransferIn,
		BudgetID:     target.BudgetID,
		AllocationID: target.ID,
		Delta:        amount,
		BalanceAfter: target.AllocatedAmount.Add(amount),
	}, withKeySuffix(m, "in")); err != nil {
		return err
	}

	source.AllocatedAmount = source.AllocatedAmount.Sub(amount)
	source.recompute()
	source.UpdatedAt = now
	target.AllocatedAmount = target.AllocatedAmount.Add(amount)
	target.recompute()
	target.UpdatedAt = now
	if err := s.SaveAllocation(ctx, *source); err != nil {
		return err
	}
	return s.SaveAllocation(ctx, *target)
}

// TransferLineItem moves available allocated_amount from source to target.
func (l *Ledger) TransferLineItem(ctx context.Context, s Store, source, target *LineItemBudget, amount decimal.Decimal, m Mutation) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if amount.GreaterThan(source.Available()) {
		return &OverAllocationError{
			LineItemID: source.ID,
			ItemKey:    source.ItemKey,
			Quarter:    source.Quarter,
			Available:  source.Available(),
			Requested:  amount,
		}
	}

	now := l.now()
	if err := l.journal(ctx, s, LedgerEntry{
		Kind:         EntryTransferOut,
		AllocationID: source.AllocationID,
		LineItemID:   source.ID,
		Delta:        amount.Neg(),
		BalanceAfter: source.AllocatedAmount.Sub(amount),
	}, m); err != nil {
		return err
	}
	if err := l.journal(ctx, s, LedgerEntry{
		Kind:         EntryTransferIn,
		AllocationID: target.AllocationID,
		LineItemID:   target.ID,
		Delta:        amount,
		BalanceAfter: target.AllocatedAmount.Add(amount),
	}, withKeySuffix(m, "in")); err != nil {
		return err
	}

	source.AllocatedAmount = source.AllocatedAmount.Sub(amount)
	source.UpdatedAt = now
	target.AllocatedAmount = target.AllocatedAmount.Add(amount)
	target.UpdatedAt = now
	if err := s.SaveLineItem(ctx, *source); err != nil {
		return err
	}
	return s.SaveLineItem(ctx, *target)
}

// =============================================================================
// HELPERS
// =============================================================================

func (l *Ledger) journal(ctx context.Context, s Store, e LedgerEntry, m Mutation) error {
	e.ID = EntryID(uuid.NewString())
	e.RequestID = m.RequestID
	e.Reason = m.Reason
	e.IdempotencyKey = m.IdempotencyKey
	e.CreatedBy = m.Actor
	e.CreatedAt = l.now()
	if err := s.AppendEntry(ctx, e); err != nil {
		return fmt.Errorf("failed to journal %s: %w", e.Kind, err)
	}
	return nil
}

func withKeySuffix(m Mutation, suffix string) Mutation {
	if m.IdempotencyKey != "" {
		m.IdempotencyKey += "-" + suffix
	}
	return m
}

func checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return invalid("amount", "must be positive, got %s", amount)
	}
	if !IsMoney(amount) {
		return invalid("amount", "%s has more than %d decimal places", amount, MoneyScale)
	}
	return nil
}
