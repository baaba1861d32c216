package budget_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/budget-ledger/budget"
)

func TestRealignLineItems(t *testing.T) {
	// GIVEN: An approved PRE with travel_local Q1 = 5,000 of which 3,000 funds a PR
	// WHEN: Moving amounts from travel_local Q1 to supplies Q1
	// THEN: Only the unconsumed 2,000 can move and the PRE total never changes

	f := newFixture(t)
	a := f.allocation("40000")
	pre := f.approvedPRE(a, line("travel_local", "5000", "2500"), line("supplies", "1500"))
	f.submit(budget.KindPR, a, "3000", funding(t, pre, "travel_local", budget.Q1, "3000"))
	travel := f.lineItem(pre, "travel_local", budget.Q1)
	supplies := f.lineItem(pre, "supplies", budget.Q1)

	_, _, err := f.svc.RealignLineItems(f.ctx, budget.RealignInput{
		Source: string(travel.ID), Target: string(supplies.ID), Amount: money("2000.01"), Actor: "admin",
	})
	require.ErrorIs(t, err, budget.ErrOverAllocation)

	src, dst, err := f.svc.RealignLineItems(f.ctx, budget.RealignInput{
		Source: string(travel.ID), Target: string(supplies.ID), Amount: money("2000"), Actor: "admin", Reason: "more paper",
	})
	require.NoError(t, err)
	assertMoney(t, "3000", src.AllocatedAmount)
	assertMoney(t, "0", src.Available())
	assertMoney(t, "3500", dst.AllocatedAmount)

	items, err := f.store.ListLineItems(f.ctx, pre.ID)
	require.NoError(t, err)
	assertMoney(t, "9000", budget.PRETotal(items))
	assertMoney(t, "9000", f.request(pre).TotalAmount)

	audit, err := f.store.QueryAudit(f.ctx, budget.AuditFilter{Actions: []budget.AuditAction{budget.AuditRealignment}})
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "more paper", audit[0].Detail["reason"])
}

func TestRealignLineItems_Validation(t *testing.T) {
	f := newFixture(t)
	a := f.allocation("40000")
	first := f.approvedPRE(a, line("travel_local", "5000"))
	second := f.approvedPRE(a, line("supplies", "1500"))
	travel := f.lineItem(first, "travel_local", budget.Q1)
	supplies := f.lineItem(second, "supplies", budget.Q1)

	tests := []struct {
		name string
		in   budget.RealignInput
	}{
		{"different PREs", budget.RealignInput{Source: string(travel.ID), Target: string(supplies.ID), Amount: money("100")}},
		{"same line item", budget.RealignInput{Source: string(travel.ID), Target: string(travel.ID), Amount: money("100")}},
		{"missing target", budget.RealignInput{Source: string(travel.ID), Amount: money("100")}},
		{"zero amount", budget.RealignInput{Source: string(travel.ID), Target: string(supplies.ID), Amount: money("0")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.svc.RealignLineItems(f.ctx, tt.in)
			assert.ErrorIs(t, err, budget.ErrValidation)
		})
	}
}

func TestRealignAllocations(t *testing.T) {
	// GIVEN: dept-a with 40,000 of which 35,000 is spent, dept-b with 10,000
	// WHEN: Moving unused allocation from dept-a to dept-b
	// THEN: Only the unspent 5,000 can move and the budget pool is untouched

	f := newFixture(t)
	b := f.budget("2024", "100000")
	deptA := f.allocate(b, "dept-a", "40000")
	deptB := f.allocate(b, "dept-b", "10000")
	f.approve(f.submit(budget.KindPR, deptA, "35000"))

	src, dst, err := f.svc.RealignAllocations(f.ctx, budget.RealignInput{
		Source: string(deptA.ID), Target: string(deptB.ID), Amount: money("5000"), Actor: "admin",
	})
	require.NoError(t, err)
	assertMoney(t, "35000", src.AllocatedAmount)
	assertMoney(t, "0", src.RemainingBalance)
	assertMoney(t, "15000", dst.AllocatedAmount)
	assertMoney(t, "15000", dst.RemainingBalance)

	_, _, err = f.svc.RealignAllocations(f.ctx, budget.RealignInput{
		Source: string(deptA.ID), Target: string(deptB.ID), Amount: money("0.01"), Actor: "admin",
	})
	require.ErrorIs(t, err, budget.ErrInsufficientBudget)

	pool, err := f.store.GetBudget(f.ctx, b.ID)
	require.NoError(t, err)
	assertMoney(t, "50000", pool.RemainingBudget)

	entries, err := f.store.ListEntries(f.ctx, budget.EntryFilter{AllocationID: deptB.ID})
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, budget.EntryTransferIn, last.Kind)
	assertMoney(t, "5000", last.Delta)
}

func TestRealignAllocations_KeepsPREPlansCovered(t *testing.T) {
	f := newFixture(t)
	b := f.budget("2024", "100000")
	deptA := f.allocate(b, "dept-a", "10000")
	deptB := f.allocate(b, "dept-b", "10000")
	f.approvedPRE(deptA, line("training", "8000"))

	_, _, err := f.svc.RealignAllocations(f.ctx, budget.RealignInput{
		Source: string(deptA.ID), Target: string(deptB.ID), Amount: money("2000.01"), Actor: "admin",
	})
	require.ErrorIs(t, err, budget.ErrInsufficientBudget)

	_, _, err = f.svc.RealignAllocations(f.ctx, budget.RealignInput{
		Source: string(deptA.ID), Target: string(deptB.ID), Amount: money("2000"), Actor: "admin",
	})
	require.NoError(t, err)
}

func TestRealignAllocations_Validation(t *testing.T) {
	f := newFixture(t)
	a2024 := f.allocation("1000")
	a2025 := f.allocate(f.budget("2025", "1000"), "dept-a", "1000")

	_, _, err := f.svc.RealignAllocations(f.ctx, budget.RealignInput{
		Source: string(a2024.ID), Target: string(a2025.ID), Amount: money("100"),
	})
	assert.ErrorIs(t, err, budget.ErrValidation, "different approved budgets")

	_, err = f.svc.ArchiveFiscalYear(f.ctx, "2025", "admin", "")
	require.NoError(t, err)
	_, _, err = f.svc.RealignAllocations(f.ctx, budget.RealignInput{
		Source: string(a2024.ID), Target: string(a2025.ID), Amount: money("100"),
	})
	assert.ErrorIs(t, err, budget.ErrNotFound, "archived target")
}
