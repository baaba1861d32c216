package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/budget-ledger/budget"
	"github.com/warp/budget-ledger/budget/store"
)

func seedRows(t *testing.T, st budget.Store) (budget.BudgetAllocation, budget.Request, budget.LineItemBudget) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	b := budget.ApprovedBudget{ID: "b1", FiscalYear: "2024", Amount: budget.MustMoney("100"), RemainingBudget: budget.MustMoney("60"), CreatedAt: now}
	a := budget.BudgetAllocation{ID: "a1", BudgetID: b.ID, EndUser: "dept-a", AllocatedAmount: budget.MustMoney("40"), RemainingBalance: budget.MustMoney("40")}
	pre := budget.Request{ID: "pre1", Kind: budget.KindPRE, AllocationID: a.ID, Status: budget.StatusApproved, TotalAmount: budget.MustMoney("10")}
	li := budget.LineItemBudget{ID: "li1", AllocationID: a.ID, PREID: pre.ID, ItemKey: "supplies", Quarter: budget.Q1, AllocatedAmount: budget.MustMoney("10")}

	require.NoError(t, st.SaveBudget(ctx, b))
	require.NoError(t, st.SaveAllocation(ctx, a))
	require.NoError(t, st.SaveRequest(ctx, pre))
	require.NoError(t, st.SaveLineItem(ctx, li))
	return a, pre, li
}

func TestMemory_Constraints(t *testing.T) {
	// GIVEN: A budget, allocation, PRE and line item
	// WHEN: Writes break the same rules the SQLite schema enforces
	// THEN: The same sentinels come back

	st := store.NewMemory()
	ctx := context.Background()
	a, pre, li := seedRows(t, st)

	err := st.SaveBudget(ctx, budget.ApprovedBudget{ID: "b2", FiscalYear: "2024"})
	assert.ErrorIs(t, err, budget.ErrConflict, "second active budget for the year")

	err = st.SaveAllocation(ctx, budget.BudgetAllocation{ID: "a2", BudgetID: "b1", EndUser: "dept-a"})
	assert.ErrorIs(t, err, budget.ErrConflict, "second allocation for the end user")

	err = st.SaveAllocation(ctx, budget.BudgetAllocation{ID: "a3", BudgetID: "missing", EndUser: "dept-z"})
	assert.ErrorIs(t, err, budget.ErrNotFound)

	dupLine := li
	dupLine.ID = "li2"
	assert.ErrorIs(t, st.SaveLineItem(ctx, dupLine), budget.ErrConflict)

	pr := budget.Request{ID: "pr1", Kind: budget.KindPR, AllocationID: a.ID, Status: budget.StatusPending, TotalAmount: budget.MustMoney("5")}
	require.NoError(t, st.SaveRequest(ctx, pr))
	require.NoError(t, st.SaveRecord(ctx, budget.AllocationRecord{ID: "rec1", RequestID: pr.ID, LineItemID: li.ID, Quarter: budget.Q1, AllocatedAmount: budget.MustMoney("5")}))

	assert.ErrorIs(t, st.DeleteLineItem(ctx, li.ID), budget.ErrProtected)
	assert.ErrorIs(t, st.DeleteAllocation(ctx, a.ID), budget.ErrProtected)
	assert.ErrorIs(t, st.DeleteRequest(ctx, pre.ID), budget.ErrProtected)

	recs, err := st.ListRecordsByLineItem(ctx, li.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NoError(t, st.DeleteRecord(ctx, recs[0].ID))
	assert.NoError(t, st.DeleteLineItem(ctx, li.ID))
}

func TestMemory_ReturnsCopies(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	a, _, _ := seedRows(t, st)

	got, err := st.GetAllocation(ctx, a.ID)
	require.NoError(t, err)
	got.RemainingBalance = budget.MustMoney("0")

	again, err := st.GetAllocation(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, again.RemainingBalance.Equal(budget.MustMoney("40")))
}

func TestMemory_FiltersAndOrder(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	a, _, _ := seedRows(t, st)

	for i, status := range []budget.Status{budget.StatusPending, budget.StatusApproved, budget.StatusRejected} {
		r := budget.Request{
			ID:           budget.RequestID([]string{"pr1", "pr2", "pr3"}[i]),
			Kind:         budget.KindPR,
			AllocationID: a.ID,
			Status:       status,
		}
		require.NoError(t, st.SaveRequest(ctx, r))
	}
	archived := budget.Request{ID: "pr4", Kind: budget.KindPR, AllocationID: a.ID, Status: budget.StatusPending}
	archived.IsArchived = true
	require.NoError(t, st.SaveRequest(ctx, archived))

	prs, err := st.ListRequests(ctx, budget.RequestFilter{Kind: budget.KindPR})
	require.NoError(t, err)
	require.Len(t, prs, 3)
	assert.Equal(t, budget.RequestID("pr1"), prs[0].ID, "insertion order")

	pending, err := st.ListRequests(ctx, budget.RequestFilter{Statuses: []budget.Status{budget.StatusPending}, IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	require.NoError(t, st.AppendAudit(ctx, budget.AuditEntry{ID: "1", Actor: "admin", Action: budget.AuditRequestApproved}))
	require.NoError(t, st.AppendAudit(ctx, budget.AuditEntry{ID: "2", Actor: "officer", Action: budget.AuditRequestApproved}))
	require.NoError(t, st.AppendAudit(ctx, budget.AuditEntry{ID: "3", Actor: "admin", Action: budget.AuditRequestRejected}))
	entries, err := st.QueryAudit(ctx, budget.AuditFilter{Actor: "admin", Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "3", entries[0].ID, "limit keeps the newest")
}

func TestTxMemory_RollbackAndReset(t *testing.T) {
	// GIVEN: A transaction that writes, journals and then fails
	// WHEN: It returns its error
	// THEN: Nothing is visible, including the idempotency key

	st := store.NewTxMemory()
	ctx := context.Background()
	a, _, _ := seedRows(t, st)
	boom := errors.New("boom")
	entry := budget.LedgerEntry{ID: "e1", Kind: budget.EntryConsume, AllocationID: a.ID, IdempotencyKey: "k1"}

	err := st.WithTx(ctx, func(tx budget.Store) error {
		a.PRAmountUsed = budget.MustMoney("5")
		if err := tx.SaveAllocation(ctx, a); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, entry); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := st.GetAllocation(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.PRAmountUsed.IsZero())

	require.NoError(t, st.WithTx(ctx, func(tx budget.Store) error { return tx.AppendEntry(ctx, entry) }))
	err = st.WithTx(ctx, func(tx budget.Store) error { return tx.AppendEntry(ctx, entry) })
	assert.ErrorIs(t, err, budget.ErrDuplicateIdempotencyKey)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, st.WithTx(cancelled, func(budget.Store) error { return nil }), context.Canceled)

	require.NoError(t, st.Reset(ctx))
	budgets, err := st.ListBudgets(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, budgets)
}
