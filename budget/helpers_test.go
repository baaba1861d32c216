package budget_test

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/budget-ledger/budget"
	"github.com/warp/budget-ledger/budget/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func money(s string) decimal.Decimal {
	return budget.MustMoney(s)
}

// assertMoney compares decimals by value so "40000" equals "40000.00".
func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, money(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	svc   *budget.Service
	store budget.TxStore
}

func newFixture(t *testing.T, opts ...budget.Option) *fixture {
	return newFixtureOn(t, store.NewTxMemory(), opts...)
}

func newFixtureOn(t *testing.T, st budget.TxStore, opts ...budget.Option) *fixture {
	return &fixture{
		t:     t,
		ctx:   context.Background(),
		svc:   budget.NewService(st, opts...),
		store: st,
	}
}

func (f *fixture) budget(year, amount string) *budget.ApprovedBudget {
	f.t.Helper()
	b, err := f.svc.CreateApprovedBudget(f.ctx, budget.CreateBudgetInput{
		FiscalYear: year,
		Title:      "FY" + year,
		Amount:     money(amount),
		Actor:      "admin",
	})
	require.NoError(f.t, err)
	return b
}

func (f *fixture) allocate(b *budget.ApprovedBudget, endUser, amount string) *budget.BudgetAllocation {
	f.t.Helper()
	a, err := f.svc.AllocateBudget(f.ctx, budget.AllocateInput{
		BudgetID: b.ID,
		EndUser:  endUser,
		Amount:   money(amount),
		Actor:    "admin",
	})
	require.NoError(f.t, err)
	return a
}

// allocation creates a fresh budget for 2024 and one allocation of amount.
func (f *fixture) allocation(amount string) *budget.BudgetAllocation {
	f.t.Helper()
	return f.allocate(f.budget("2024", "100000"), "dept-a", amount)
}

func (f *fixture) submit(kind budget.RequestKind, a *budget.BudgetAllocation, amount string, funding ...budget.FundingSource) *budget.Request {
	f.t.Helper()
	r, err := f.svc.SubmitRequest(f.ctx, budget.SubmitInput{
		Kind:         kind,
		Title:        string(kind) + " " + amount,
		AllocationID: a.ID,
		TotalAmount:  money(amount),
		Funding:      funding,
		Actor:        a.EndUser,
	})
	require.NoError(f.t, err)
	return r
}

func (f *fixture) pre(a *budget.BudgetAllocation, lines ...budget.LineItemInput) *budget.Request {
	f.t.Helper()
	r, err := f.svc.SubmitRequest(f.ctx, budget.SubmitInput{
		Kind:         budget.KindPRE,
		Title:        "PRE",
		AllocationID: a.ID,
		LineItems:    lines,
		Actor:        a.EndUser,
	})
	require.NoError(f.t, err)
	return r
}

// approvedPRE submits and fully approves a PRE.
func (f *fixture) approvedPRE(a *budget.BudgetAllocation, lines ...budget.LineItemInput) *budget.Request {
	f.t.Helper()
	r := f.pre(a, lines...)
	f.approve(r)
	return r
}

func line(key string, amounts ...string) budget.LineItemInput {
	in := budget.LineItemInput{ItemKey: key, Amounts: make(map[budget.Quarter]decimal.Decimal)}
	for i, a := range amounts {
		if a != "" {
			in.Amounts[budget.Quarters[i]] = money(a)
		}
	}
	return in
}

func funding(t *testing.T, pre *budget.Request, key string, q budget.Quarter, amount string) budget.FundingSource {
	t.Helper()
	fs, err := budget.NewFundingSource(pre.ID, key, q, money(amount))
	require.NoError(t, err)
	return fs
}

func (f *fixture) admin(r *budget.Request, action budget.Action) (*budget.Result, error) {
	return f.svc.AdminDecide(f.ctx, r.ID, budget.Decision{Action: action, Actor: "admin", Reason: "test"})
}

func (f *fixture) officer(r *budget.Request, action budget.Action) (*budget.Result, error) {
	return f.svc.OfficerDecide(f.ctx, r.ID, budget.Decision{Action: action, Actor: "officer", Reason: "test"})
}

// approve runs both approval stages and requires them to succeed.
func (f *fixture) approve(r *budget.Request) {
	f.t.Helper()
	_, err := f.admin(r, budget.ActionApprove)
	require.NoError(f.t, err)
	_, err = f.officer(r, budget.ActionApprove)
	require.NoError(f.t, err)
}

func (f *fixture) reload(a *budget.BudgetAllocation) budget.BudgetAllocation {
	f.t.Helper()
	got, err := f.store.GetAllocation(f.ctx, a.ID)
	require.NoError(f.t, err)
	return *got
}

func (f *fixture) request(r *budget.Request) budget.Request {
	f.t.Helper()
	got, err := f.store.GetRequest(f.ctx, r.ID)
	require.NoError(f.t, err)
	return *got
}

func (f *fixture) lineItem(pre *budget.Request, key string, q budget.Quarter) budget.LineItemBudget {
	f.t.Helper()
	li, err := f.store.FindLineItem(f.ctx, pre.ID, key, q)
	require.NoError(f.t, err)
	return *li
}

// recorder captures notifications.
type recorder struct {
	mu    sync.Mutex
	notes []budget.Notification
}

func (r *recorder) Notify(_ context.Context, n budget.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *recorder) to(recipient string) []budget.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []budget.Notification
	for _, n := range r.notes {
		if n.Recipient == recipient {
			out = append(out, n)
		}
	}
	return out
}
