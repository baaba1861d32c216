package budget_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/budget-ledger/budget"
	"github.com/warp/budget-ledger/lock"
)

// =============================================================================
// TWO-STAGE APPROVAL
// =============================================================================

func TestApproval_PRFullApprovalUsesAllocation(t *testing.T) {
	// GIVEN: A 40,000 allocation out of a 100,000 budget
	// WHEN: A 40,000 PR is approved by the admin and then the officer
	// THEN: pr_amount_used is 40,000 and nothing remains

	f := newFixture(t)
	a := f.allocation("40000")
	pr := f.submit(budget.KindPR, a, "40000")
	assert.Equal(t, budget.StatusPending, pr.Status)

	res, err := f.admin(pr, budget.ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, budget.StatusPartiallyApproved, res.Request.Status)
	assert.True(t, res.Applied)
	assertMoney(t, "40000", res.Charged)

	res, err = f.officer(pr, budget.ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, budget.StatusApproved, res.Request.Status)
	assert.True(t, res.Request.ApprovedByAdmin)
	assert.True(t, res.Request.ApprovedByOfficer)
	assert.NotNil(t, res.Request.FinalApprovedAt)
	assert.True(t, res.Charged.IsZero(), "officer approval must not charge a PR again")

	got := f.reload(a)
	assertMoney(t, "40000", got.PRAmountUsed)
	assertMoney(t, "0", got.RemainingBalance)
	assert.True(t, got.Consistent())
}

func TestApproval_InsufficientBudgetLeavesRequestPending(t *testing.T) {
	// GIVEN: An allocation fully used by an approved PR
	// WHEN: The admin approves a second PR for 1.00
	// THEN: InsufficientBudget with available 0, and nothing changes

	f := newFixture(t)
	a := f.allocation("40000")
	f.approve(f.submit(budget.KindPR, a, "40000"))
	second := f.submit(budget.KindPR, a, "1.00")

	_, err := f.admin(second, budget.ActionApprove)
	require.ErrorIs(t, err, budget.ErrInsufficientBudget)

	var ib *budget.InsufficientBudgetError
	require.True(t, errors.As(err, &ib))
	assertMoney(t, "0", ib.Available)
	assertMoney(t, "1", ib.Requested)
	assertMoney(t, "1", ib.Shortfall())

	assert.Equal(t, budget.StatusPending, f.request(second).Status)
	got := f.reload(a)
	assertMoney(t, "40000", got.PRAmountUsed)
	assertMoney(t, "0", got.RemainingBalance)
}

func TestApproval_ExactBalanceBoundary(t *testing.T) {
	tests := []struct {
		name    string
		amount  string
		wantErr bool
	}{
		{"exactly the remaining balance", "100.00", false},
		{"one cent over", "100.01", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			a := f.allocation("100")
			pr := f.submit(budget.KindPR, a, tt.amount)

			_, err := f.admin(pr, budget.ActionApprove)
			if tt.wantErr {
				require.ErrorIs(t, err, budget.ErrInsufficientBudget)
				assertMoney(t, "100", f.reload(a).RemainingBalance)
				return
			}
			require.NoError(t, err)
			assertMoney(t, "0", f.reload(a).RemainingBalance)
		})
	}
}

func TestApproval_OfficerRejectionRestoresBalance(t *testing.T) {
	// GIVEN: A fully approved 40,000 PR
	// WHEN: The officer rejects it (administrative override)
	// THEN: The full amount is released

	f := newFixture(t)
	a := f.allocation("40000")
	pr := f.submit(budget.KindPR, a, "40000")
	f.approve(pr)

	res, err := f.officer(pr, budget.ActionReject)
	require.NoError(t, err)
	assertMoney(t, "40000", res.Released)
	assert.Equal(t, budget.StatusRejected, res.Request.Status)
	assert.False(t, res.Request.ApprovedByAdmin)
	assert.Equal(t, "officer", res.Request.RejectedBy)
	assert.Equal(t, "test", res.Request.RejectionReason)

	got := f.reload(a)
	assertMoney(t, "0", got.PRAmountUsed)
	assertMoney(t, "40000", got.RemainingBalance)
}

func TestApproval_RejectBeforeAdminReleasesNothing(t *testing.T) {
	f := newFixture(t)
	a := f.allocation("40000")
	pr := f.submit(budget.KindPR, a, "5000")

	res, err := f.admin(pr, budget.ActionReject)
	require.NoError(t, err)
	assert.True(t, res.Released.IsZero())
	assertMoney(t, "40000", f.reload(a).RemainingBalance)
}

func TestApproval_RepeatedApprovalsAreNoOps(t *testing.T) {
	// GIVEN: A PR approved by both reviewers
	// WHEN: Each reviewer approves again
	// THEN: Applied is false and counters do not move

	f := newFixture(t)
	a := f.allocation("40000")
	pr := f.submit(budget.KindPR, a, "10000")
	f.approve(pr)

	res, err := f.admin(pr, budget.ActionApprove)
	require.NoError(t, err)
	assert.False(t, res.Applied)

	res, err = f.officer(pr, budget.ActionApprove)
	require.NoError(t, err)
	assert.False(t, res.Applied)

	got := f.reload(a)
	assertMoney(t, "10000", got.PRAmountUsed)
	assertMoney(t, "30000", got.RemainingBalance)

	entries, err := f.store.ListEntries(f.ctx, budget.EntryFilter{RequestID: pr.ID})
	require.NoError(t, err)
	assert.Len(t, entries, 1, "one consume entry for one charge")
}

func TestApproval_InvalidTransitions(t *testing.T) {
	f := newFixture(t)
	a := f.allocation("40000")

	pending := f.submit(budget.KindPR, a, "100")
	_, err := f.officer(pending, budget.ActionApprove)
	assert.ErrorIs(t, err, budget.ErrInvalidTransition, "officer before admin")

	rejected := f.submit(budget.KindPR, a, "100")
	_, err = f.admin(rejected, budget.ActionReject)
	require.NoError(t, err)
	_, err = f.admin(rejected, budget.ActionReject)
	assert.ErrorIs(t, err, budget.ErrInvalidTransition, "reject twice")
	_, err = f.admin(rejected, budget.ActionApprove)
	assert.ErrorIs(t, err, budget.ErrInvalidTransition, "approve rejected")

	draft, err := f.svc.SubmitRequest(f.ctx, budget.SubmitInput{
		Kind: budget.KindPR, Title: "draft", AllocationID: a.ID, TotalAmount: money("100"), Actor: "dept-a", Draft: true,
	})
	require.NoError(t, err)
	assert.Equal(t, budget.StatusDraft, draft.Status)
	_, err = f.admin(draft, budget.ActionApprove)
	assert.ErrorIs(t, err, budget.ErrInvalidTransition, "approve draft")

	_, err = f.svc.AdminDecide(f.ctx, pending.ID, budget.Decision{Action: "maybe", Actor: "admin"})
	assert.ErrorIs(t, err, budget.ErrValidation)

	_, err = f.svc.AdminDecide(f.ctx, "missing", budget.Decision{Action: budget.ActionApprove, Actor: "admin"})
	assert.ErrorIs(t, err, budget.ErrNotFound)

	_, err = f.svc.Submit(f.ctx, pending.ID, "dept-a")
	assert.ErrorIs(t, err, budget.ErrInvalidTransition, "submit pending")
}

func TestApproval_ResubmitAfterRejection(t *testing.T) {
	// GIVEN: An approved PR that was rejected
	// WHEN: It is resubmitted and approved again
	// THEN: It is charged once more under a new revision

	f := newFixture(t)
	a := f.allocation("40000")
	pr := f.submit(budget.KindPR, a, "15000")
	f.approve(pr)
	_, err := f.officer(pr, budget.ActionReject)
	require.NoError(t, err)

	resubmitted, err := f.svc.Submit(f.ctx, pr.ID, "dept-a")
	require.NoError(t, err)
	assert.Equal(t, budget.StatusPending, resubmitted.Status)
	assert.Equal(t, pr.Revision+1, resubmitted.Revision)
	assert.Empty(t, resubmitted.RejectedBy)

	f.approve(pr)
	got := f.reload(a)
	assertMoney(t, "15000", got.PRAmountUsed)
	assertMoney(t, "25000", got.RemainingBalance)
}

// =============================================================================
// PRE AND LINE ITEM FUNDING
// =============================================================================

func TestApproval_PREChargedAtFinalApproval(t *testing.T) {
	// GIVEN: A PRE with 7,500 across two quarters
	// WHEN: Admin approves, then officer approves
	// THEN: pre_amount_used moves only at final approval, remaining_balance never

	f := newFixture(t)
	a := f.allocation("40000")
	pre := f.pre(a, line("travel_local", "5000", "2500"))
	assertMoney(t, "7500", pre.TotalAmount)

	_, err := f.admin(pre, budget.ActionApprove)
	require.NoError(t, err)
	assert.True(t, f.reload(a).PREAmountUsed.IsZero())

	res, err := f.officer(pre, budget.ActionApprove)
	require.NoError(t, err)
	assertMoney(t, "7500", res.Charged)

	got := f.reload(a)
	assertMoney(t, "7500", got.PREAmountUsed)
	assertMoney(t, "40000", got.RemainingBalance)
	assert.True(t, got.IsCompiled)
}

func TestApproval_PRECannotExceedAllocation(t *testing.T) {
	f := newFixture(t)
	a := f.allocation("10000")
	f.approvedPRE(a, line("supplies", "6000"))
	second := f.pre(a, line("equipment", "", "4000.01"))

	_, err := f.admin(second, budget.ActionApprove)
	require.NoError(t, err)
	_, err = f.officer(second, budget.ActionApprove)
	require.ErrorIs(t, err, budget.ErrInsufficientBudget)
	assert.Equal(t, budget.StatusPartiallyApproved, f.request(second).Status)
}

func TestApproval_LineItemFundingRoundTrip(t *testing.T) {
	// GIVEN: An approved PRE with travel_local Q1 = 5,000
	// WHEN: A 3,000 PR funded from it is submitted, rejected, resubmitted
	// THEN: consumed goes 3,000 -> 0 -> 3,000

	f := newFixture(t)
	a := f.allocation("40000")
	pre := f.approvedPRE(a, line("travel_local", "5000"))
	pr := f.submit(budget.KindPR, a, "3000", funding(t, pre, "travel_local", budget.Q1, "3000"))

	li := f.lineItem(pre, "travel_local", budget.Q1)
	assertMoney(t, "3000", li.ConsumedAmount)
	assertMoney(t, "2000", li.Available())
	recs, err := f.store.ListRecordsByRequest(f.ctx, pr.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assertMoney(t, "3000", recs[0].AllocatedAmount)

	_, err = f.admin(pr, budget.ActionReject)
	require.NoError(t, err)
	assert.True(t, f.lineItem(pre, "travel_local", budget.Q1).ConsumedAmount.IsZero())
	recs, err = f.store.ListRecordsByRequest(f.ctx, pr.ID)
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = f.svc.Submit(f.ctx, pr.ID, "dept-a")
	require.NoError(t, err)
	assertMoney(t, "3000", f.lineItem(pre, "travel_local", budget.Q1).ConsumedAmount)
}

func TestApproval_FundingOverAllocation(t *testing.T) {
	f := newFixture(t)
	a := f.allocation("40000")
	pre := f.approvedPRE(a, line("travel_local", "5000"))
	f.submit(budget.KindPR, a, "3000", funding(t, pre, "travel_local", budget.Q1, "3000"))

	_, err := f.svc.SubmitRequest(f.ctx, budget.SubmitInput{
		Kind: budget.KindAD, Title: "seminar", AllocationID: a.ID, TotalAmount: money("2000.01"), Actor: "dept-a",
		Funding: []budget.FundingSource{funding(t, pre, "travel_local", budget.Q1, "2000.01")},
	})
	require.ErrorIs(t, err, budget.ErrOverAllocation)

	var oa *budget.OverAllocationError
	require.True(t, errors.As(err, &oa))
	assert.Equal(t, "travel_local", oa.ItemKey)
	assert.Equal(t, budget.Q1, oa.Quarter)
	assertMoney(t, "2000", oa.Available)

	// The failed submission left nothing behind.
	reqs, err := f.store.ListRequests(f.ctx, budget.RequestFilter{AllocationID: a.ID, Kind: budget.KindAD})
	require.NoError(t, err)
	assert.Empty(t, reqs)
	assertMoney(t, "3000", f.lineItem(pre, "travel_local", budget.Q1).ConsumedAmount)
}

func TestApproval_FundingValidation(t *testing.T) {
	f := newFixture(t)
	a := f.allocation("40000")
	approved := f.approvedPRE(a, line("travel_local", "5000"))
	pending := f.pre(a, line("supplies", "1000"))

	b, err := f.store.GetBudget(f.ctx, a.BudgetID)
	require.NoError(t, err)
	other := f.allocate(b, "dept-b", "10000")
	foreign := f.approvedPRE(other, line("travel_local", "5000"))

	archived := f.approvedPRE(a, line("equipment", "1000"))
	require.NoError(t, f.svc.ArchiveRecord(f.ctx, budget.RecordRef{Model: budget.KindPRE.ModelName(), ID: string(archived.ID)}, "admin", "closed"))

	tests := []struct {
		name    string
		total   string
		funding budget.FundingSource
	}{
		{"PRE not approved", "500", funding(t, pending, "supplies", budget.Q1, "500")},
		{"PRE of another allocation", "500", funding(t, foreign, "travel_local", budget.Q1, "500")},
		{"archived PRE", "500", funding(t, archived, "equipment", budget.Q1, "500")},
		{"missing line", "500", funding(t, approved, "travel_local", budget.Q4, "500")},
		{"sources do not add up", "600", funding(t, approved, "travel_local", budget.Q1, "500")},
		{"funded from a PR", "500", budget.FundingSource{PREID: f.submit(budget.KindPR, a, "10").ID, ItemKey: "x", Quarter: budget.Q1, Amount: money("500")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SubmitRequest(f.ctx, budget.SubmitInput{
				Kind: budget.KindPR, Title: tt.name, AllocationID: a.ID, TotalAmount: money(tt.total),
				Funding: []budget.FundingSource{tt.funding}, Actor: "dept-a",
			})
			assert.ErrorIs(t, err, budget.ErrValidation)
		})
	}
	assert.True(t, f.lineItem(approved, "travel_local", budget.Q1).ConsumedAmount.IsZero())
}

func TestApproval_PREProtectedWhileFunding(t *testing.T) {
	// GIVEN: An approved PRE whose line item funds a pending PR
	// WHEN: The PRE is rejected or deleted
	// THEN: Both fail with ErrProtected until the PR lets go

	f := newFixture(t)
	a := f.allocation("40000")
	pre := f.approvedPRE(a, line("travel_local", "5000"))
	pr := f.submit(budget.KindPR, a, "3000", funding(t, pre, "travel_local", budget.Q1, "3000"))

	_, err := f.officer(pre, budget.ActionReject)
	assert.ErrorIs(t, err, budget.ErrProtected)
	_, err = f.svc.DeleteRequest(f.ctx, pre.ID, "admin")
	assert.ErrorIs(t, err, budget.ErrProtected)
	assert.Equal(t, budget.StatusApproved, f.request(pre).Status)

	_, err = f.svc.DeleteRequest(f.ctx, pr.ID, "dept-a")
	require.NoError(t, err)

	res, err := f.officer(pre, budget.ActionReject)
	require.NoError(t, err)
	assertMoney(t, "5000", res.Released)
	assert.True(t, f.reload(a).PREAmountUsed.IsZero())
}

// =============================================================================
// DELETION
// =============================================================================

func TestDeleteRequest_MatchesRejection(t *testing.T) {
	// GIVEN: Two identical allocations with an approved, funded PR each
	// WHEN: One PR is rejected and the other deleted
	// THEN: Both allocations and line items end in the same state

	run := func(t *testing.T, undo func(f *fixture, pr *budget.Request)) (budget.BudgetAllocation, budget.LineItemBudget) {
		f := newFixture(t)
		a := f.allocation("40000")
		pre := f.approvedPRE(a, line("travel_local", "5000"))
		pr := f.submit(budget.KindPR, a, "3000", funding(t, pre, "travel_local", budget.Q1, "3000"))
		f.approve(pr)
		undo(f, pr)
		return f.reload(a), f.lineItem(pre, "travel_local", budget.Q1)
	}

	rejectedAlloc, rejectedLine := run(t, func(f *fixture, pr *budget.Request) {
		_, err := f.officer(pr, budget.ActionReject)
		require.NoError(t, err)
	})
	deletedAlloc, deletedLine := run(t, func(f *fixture, pr *budget.Request) {
		res, err := f.svc.DeleteRequest(f.ctx, pr.ID, "dept-a")
		require.NoError(t, err)
		assertMoney(t, "3000", res.Released)
		_, err = f.store.GetRequest(f.ctx, pr.ID)
		require.ErrorIs(t, err, budget.ErrNotFound)
	})

	assertMoney(t, rejectedAlloc.PRAmountUsed.String(), deletedAlloc.PRAmountUsed)
	assertMoney(t, rejectedAlloc.RemainingBalance.String(), deletedAlloc.RemainingBalance)
	assertMoney(t, "40000", deletedAlloc.RemainingBalance)
	assertMoney(t, rejectedLine.ConsumedAmount.String(), deletedLine.ConsumedAmount)
	assert.True(t, deletedLine.ConsumedAmount.IsZero())
}

func TestDeleteRequest_PRERemovesLineItems(t *testing.T) {
	f := newFixture(t)
	a := f.allocation("40000")
	pre := f.approvedPRE(a, line("travel_local", "5000", "2500"))

	_, err := f.svc.DeleteRequest(f.ctx, pre.ID, "admin")
	require.NoError(t, err)

	items, err := f.store.ListLineItems(f.ctx, pre.ID)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.True(t, f.reload(a).PREAmountUsed.IsZero())
}

func TestApproval_ArchivedRequestIsNotFound(t *testing.T) {
	f := newFixture(t)
	a := f.allocation("40000")
	pr := f.submit(budget.KindPR, a, "100")
	require.NoError(t, f.svc.ArchiveRecord(f.ctx, budget.RecordRef{Model: budget.KindPR.ModelName(), ID: string(pr.ID)}, "admin", ""))

	_, err := f.admin(pr, budget.ActionApprove)
	assert.ErrorIs(t, err, budget.ErrNotFound)
	_, err = f.svc.DeleteRequest(f.ctx, pr.ID, "admin")
	assert.ErrorIs(t, err, budget.ErrNotFound)
}

func TestApproval_ArchivedAllocationRefusesDecisions(t *testing.T) {
	// GIVEN: An allocation archived by hand with one pending and one
	//        admin-approved PR that are themselves still active
	// WHEN: Either role decides on them, or one is deleted
	// THEN: NotFound, and the counters stay where they were

	f := newFixture(t)
	a := f.allocation("40000")
	pending := f.submit(budget.KindPR, a, "100")
	partial := f.submit(budget.KindPR, a, "200")
	_, err := f.admin(partial, budget.ActionApprove)
	require.NoError(t, err)
	ref := budget.RecordRef{Model: budget.ModelAllocation, ID: string(a.ID)}
	require.NoError(t, f.svc.ArchiveRecord(f.ctx, ref, "admin", "department merged"))

	_, err = f.admin(pending, budget.ActionApprove)
	assert.ErrorIs(t, err, budget.ErrNotFound)
	_, err = f.officer(partial, budget.ActionApprove)
	assert.ErrorIs(t, err, budget.ErrNotFound)
	_, err = f.admin(partial, budget.ActionReject)
	assert.ErrorIs(t, err, budget.ErrNotFound)
	_, err = f.svc.DeleteRequest(f.ctx, pending.ID, "admin")
	assert.ErrorIs(t, err, budget.ErrNotFound)

	got := f.reload(a)
	assertMoney(t, "200", got.PRAmountUsed)
	assertMoney(t, "39800", got.RemainingBalance)
	assert.Equal(t, budget.StatusPending, f.request(pending).Status)
	assert.Equal(t, budget.StatusPartiallyApproved, f.request(partial).Status)

	// restoring the allocation reopens the workflow
	require.NoError(t, f.svc.UnarchiveRecord(f.ctx, ref, "admin", "merge reverted"))
	_, err = f.officer(partial, budget.ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, budget.StatusApproved, f.request(partial).Status)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestApproval_ConcurrentAdminApprovals(t *testing.T) {
	// GIVEN: Two pending PRs of 60 against an allocation of 100
	// WHEN: Both are approved by the admin at the same time
	// THEN: Exactly one succeeds and remaining_balance never goes negative

	f := newFixture(t, budget.WithLocker(lock.NewLocal()))
	a := f.allocation("100")
	first := f.submit(budget.KindPR, a, "60")
	second := f.submit(budget.KindPR, a, "60")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, r := range []*budget.Request{first, second} {
		wg.Add(1)
		go func(i int, r *budget.Request) {
			defer wg.Done()
			_, errs[i] = f.admin(r, budget.ActionApprove)
		}(i, r)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, budget.ErrInsufficientBudget)
			failures++
		}
	}
	assert.Equal(t, 1, failures)

	got := f.reload(a)
	assertMoney(t, "60", got.PRAmountUsed)
	assertMoney(t, "40", got.RemainingBalance)
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func TestApproval_Notifications(t *testing.T) {
	rec := &recorder{}
	f := newFixture(t,
		budget.WithNotifier(rec),
		budget.WithRecipients(budget.Recipients{Admin: "admin@example.org", Officer: "officer@example.org"}),
	)
	a := f.allocation("40000")
	pr := f.submit(budget.KindPR, a, "1000")
	require.Len(t, rec.to("admin@example.org"), 1)

	_, err := f.admin(pr, budget.ActionApprove)
	require.NoError(t, err)
	require.Len(t, rec.to("officer@example.org"), 1)
	assert.Equal(t, string(pr.ID), rec.to("officer@example.org")[0].ObjectID)

	_, err = f.officer(pr, budget.ActionReject)
	require.NoError(t, err)
	notes := rec.to("dept-a")
	require.Len(t, notes, 2, "partial approval and rejection")
	assert.Equal(t, "PR rejected", notes[1].Title)
	assert.Contains(t, notes[1].Message, "Reason: test")

	// no-op decisions stay quiet
	before := len(rec.to("dept-a"))
	_, err = f.admin(pr, budget.ActionReject)
	require.Error(t, err)
	assert.Len(t, rec.to("dept-a"), before)
}
