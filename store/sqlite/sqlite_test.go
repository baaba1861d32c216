package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/budget-ledger/budget"
	"github.com/warp/budget-ledger/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// seed creates a 2024 budget, one allocation and an approved PRE through
// the service so every row carries realistic values.
func seed(t *testing.T, st *sqlite.Store) (*budget.Service, *budget.BudgetAllocation, *budget.Request) {
	t.Helper()
	ctx := context.Background()
	svc := budget.NewService(st)

	b, err := svc.CreateApprovedBudget(ctx, budget.CreateBudgetInput{FiscalYear: "2024", Amount: budget.MustMoney("100000"), Actor: "admin"})
	require.NoError(t, err)
	a, err := svc.AllocateBudget(ctx, budget.AllocateInput{BudgetID: b.ID, EndUser: "dept-a", Amount: budget.MustMoney("40000"), Actor: "admin"})
	require.NoError(t, err)
	pre, err := svc.SubmitRequest(ctx, budget.SubmitInput{
		Kind:         budget.KindPRE,
		Title:        "PRE 2024",
		AllocationID: a.ID,
		Actor:        "dept-a",
		LineItems: []budget.LineItemInput{{
			ItemKey:  "travel_local",
			Category: "Travel",
			Amounts:  map[budget.Quarter]decimal.Decimal{budget.Q1: budget.MustMoney("5000"), budget.Q2: budget.MustMoney("2500")},
		}},
	})
	require.NoError(t, err)
	for _, decide := range []func(context.Context, budget.RequestID, budget.Decision) (*budget.Result, error){svc.AdminDecide, svc.OfficerDecide} {
		_, err := decide(ctx, pre.ID, budget.Decision{Action: budget.ActionApprove, Actor: "admin"})
		require.NoError(t, err)
	}
	return svc, a, pre
}

func TestStore_RequestRoundTrip(t *testing.T) {
	// GIVEN: A PR funded from a PRE line item
	// WHEN: It is read back
	// THEN: Amounts, funding sources, flags and timestamps survive

	st := newStore(t)
	svc, a, pre := seed(t, st)
	ctx := context.Background()

	fs, err := budget.NewFundingSource(pre.ID, "travel_local", budget.Q1, budget.MustMoney("1234.56"))
	require.NoError(t, err)
	pr, err := svc.SubmitRequest(ctx, budget.SubmitInput{
		Kind: budget.KindPR, Title: "Laptops", AllocationID: a.ID, TotalAmount: budget.MustMoney("1234.56"),
		Funding: []budget.FundingSource{fs}, Actor: "dept-a",
	})
	require.NoError(t, err)
	_, err = svc.AdminDecide(ctx, pr.ID, budget.Decision{Action: budget.ActionApprove, Actor: "admin"})
	require.NoError(t, err)

	got, err := st.GetRequest(ctx, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, budget.KindPR, got.Kind)
	assert.Equal(t, budget.StatusPartiallyApproved, got.Status)
	assert.True(t, got.TotalAmount.Equal(budget.MustMoney("1234.56")))
	assert.True(t, got.ChargedAmount.Equal(budget.MustMoney("1234.56")))
	assert.True(t, got.ApprovedByAdmin)
	assert.Equal(t, "admin", got.AdminActor)
	require.NotNil(t, got.AdminDecidedAt)
	assert.Nil(t, got.FinalApprovedAt)
	assert.Equal(t, 1, got.Revision)
	require.Len(t, got.Funding, 1)
	assert.Equal(t, pre.ID, got.Funding[0].PREID)
	assert.True(t, got.Funding[0].Amount.Equal(fs.Amount))

	alloc, err := st.GetAllocation(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, alloc.PRAmountUsed.Equal(budget.MustMoney("1234.56")))
	assert.True(t, alloc.PREAmountUsed.Equal(budget.MustMoney("7500")))
	assert.True(t, alloc.RemainingBalance.Equal(budget.MustMoney("38765.44")))

	recs, err := st.ListRecordsByRequest(ctx, pr.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, budget.Q1, recs[0].Quarter)

	li, err := st.FindLineItem(ctx, pre.ID, "travel_local", budget.Q1)
	require.NoError(t, err)
	assert.Equal(t, "Travel", li.Category)
	assert.True(t, li.ConsumedAmount.Equal(budget.MustMoney("1234.56")))

	pending, err := st.ListRequests(ctx, budget.RequestFilter{
		AllocationID: a.ID,
		Statuses:     []budget.Status{budget.StatusPending, budget.StatusPartiallyApproved},
	})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, pr.ID, pending[0].ID)
}

func TestStore_FindBudgetByYear(t *testing.T) {
	st := newStore(t)
	svc, _, _ := seed(t, st)
	ctx := context.Background()

	active, err := st.FindBudgetByYear(ctx, "2024", false)
	require.NoError(t, err)
	_, err = st.FindBudgetByYear(ctx, "2024", true)
	assert.ErrorIs(t, err, budget.ErrNotFound)

	_, err = svc.ArchiveFiscalYear(ctx, "2024", "admin", "closed")
	require.NoError(t, err)

	archived, err := st.FindBudgetByYear(ctx, "2024", true)
	require.NoError(t, err)
	assert.Equal(t, active.ID, archived.ID)
	assert.Equal(t, budget.ArchiveFiscalYear, archived.ArchiveType)
	assert.Equal(t, "closed", archived.ArchiveReason)
	require.NotNil(t, archived.ArchivedAt)
	assert.WithinDuration(t, time.Now(), *archived.ArchivedAt, time.Minute)

	_, err = st.FindBudgetByYear(ctx, "2024", false)
	assert.ErrorIs(t, err, budget.ErrNotFound)
}

func TestStore_OneActiveBudgetPerYear(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	now := time.Now()
	b := budget.ApprovedBudget{ID: "b1", FiscalYear: "2024", Amount: budget.MustMoney("1"), RemainingBudget: budget.MustMoney("1"), CreatedAt: now, UpdatedAt: now}
	require.NoError(t, st.SaveBudget(ctx, b))

	dup := b
	dup.ID = "b2"
	assert.ErrorIs(t, st.SaveBudget(ctx, dup), budget.ErrConflict)

	b.IsArchived = true
	require.NoError(t, st.SaveBudget(ctx, b))
	assert.NoError(t, st.SaveBudget(ctx, dup))
}

func TestStore_DeleteProtection(t *testing.T) {
	st := newStore(t)
	svc, a, pre := seed(t, st)
	ctx := context.Background()

	fs, err := budget.NewFundingSource(pre.ID, "travel_local", budget.Q1, budget.MustMoney("100"))
	require.NoError(t, err)
	_, err = svc.SubmitRequest(ctx, budget.SubmitInput{
		Kind: budget.KindAD, Title: "Seminar", AllocationID: a.ID, TotalAmount: budget.MustMoney("100"),
		Funding: []budget.FundingSource{fs}, Actor: "dept-a",
	})
	require.NoError(t, err)

	li, err := st.FindLineItem(ctx, pre.ID, "travel_local", budget.Q1)
	require.NoError(t, err)
	assert.ErrorIs(t, st.DeleteLineItem(ctx, li.ID), budget.ErrProtected)
	assert.ErrorIs(t, st.DeleteAllocation(ctx, a.ID), budget.ErrProtected)
	assert.ErrorIs(t, st.DeleteRequest(ctx, pre.ID), budget.ErrProtected, "line items fund the AD")
	_, err = st.GetRequest(ctx, pre.ID)
	require.NoError(t, err, "refused delete leaves the PRE in place")

	other, err := st.FindLineItem(ctx, pre.ID, "travel_local", budget.Q2)
	require.NoError(t, err)
	require.NoError(t, st.DeleteLineItem(ctx, other.ID))
	assert.ErrorIs(t, st.DeleteLineItem(ctx, other.ID), budget.ErrNotFound)
}

func TestStore_DuplicateIdempotencyKey(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	e := budget.LedgerEntry{ID: "e1", Kind: budget.EntryConsume, Delta: budget.MustMoney("1"), BalanceAfter: budget.MustMoney("1"), IdempotencyKey: "r1-r1-charge", CreatedAt: time.Now()}
	require.NoError(t, st.AppendEntry(ctx, e))

	e.ID = "e2"
	assert.ErrorIs(t, st.AppendEntry(ctx, e), budget.ErrDuplicateIdempotencyKey)

	// entries without a key never collide
	for _, id := range []budget.EntryID{"e3", "e4"} {
		require.NoError(t, st.AppendEntry(ctx, budget.LedgerEntry{ID: id, Kind: budget.EntryReconcile, Delta: budget.MustMoney("0"), BalanceAfter: budget.MustMoney("0"), CreatedAt: time.Now()}))
	}
	entries, err := st.ListEntries(ctx, budget.EntryFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")
	now := time.Now()

	err := st.WithTx(ctx, func(tx budget.Store) error {
		if err := tx.SaveBudget(ctx, budget.ApprovedBudget{ID: "b1", FiscalYear: "2024", Amount: budget.MustMoney("1"), RemainingBudget: budget.MustMoney("1"), CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		if _, err := tx.GetBudget(ctx, "b1"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = st.GetBudget(ctx, "b1")
	assert.ErrorIs(t, err, budget.ErrNotFound)
}

func TestStore_AuditAndReset(t *testing.T) {
	st := newStore(t)
	_, a, _ := seed(t, st)
	ctx := context.Background()

	entries, err := st.QueryAudit(ctx, budget.AuditFilter{ModelName: budget.ModelAllocation, RecordID: string(a.ID)})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, budget.AuditAllocationCreated, entries[0].Action)
	assert.Equal(t, "dept-a", entries[0].Detail["end_user"])

	latest, err := st.QueryAudit(ctx, budget.AuditFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, budget.AuditRequestApproved, latest[0].Action)

	require.NoError(t, st.Reset(ctx))
	budgets, err := st.ListBudgets(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, budgets)
	entries, err = st.QueryAudit(ctx, budget.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_FileDatabaseSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget.db")
	st, err := sqlite.New(path)
	require.NoError(t, err)
	_, a, _ := seed(t, st)
	require.NoError(t, st.Close())

	st, err = sqlite.New(path)
	require.NoError(t, err)
	defer st.Close()
	got, err := st.GetAllocation(context.Background(), a.ID)
	require.NoError(t, err)
	assert.True(t, got.PREAmountUsed.Equal(budget.MustMoney("7500")))
}
