/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	budget data. Each scenario walks the real workflow through
	budget.Service (create budget, allocate, submit, decide) so the seeded
	balances are exactly what the API would have produced.

AVAILABLE SCENARIOS:

	pr-full-approval:     100,000 budget, 40,000 to Dept A, one PR fully approved
	insufficient-budget:  as above plus a 1.00 PR the admin cannot approve
	override-rejection:   as pr-full-approval, then the approved PR is rejected
	line-item-funding:    approved PRE, PR funded from travel_local Q1 awaiting review
	fiscal-year-archive:  FY2023 tree (3 allocations, 2 PREs, 4 PRs, 1 AD) archived
	stale-counter:        two approved PRs with pr_amount_used tracking only the largest

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create approved budget and allocations
 3. Submit PRE / PR / AD documents
 4. Record admin and officer decisions
 5. Optionally damage a counter for reconciliation demos

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "line-item-funding"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: the endpoints the scenarios exercise
  - budget/reconcile.go: what stale-counter is for
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/budget-ledger/budget"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "pr-full-approval",
		Name:        "PR Full Approval",
		Description: "A 40,000 PR approved by admin and officer uses the whole allocation",
	},
	{
		ID:          "insufficient-budget",
		Name:        "Insufficient Budget",
		Description: "A second PR for 1.00 cannot be admin-approved against a spent allocation",
	},
	{
		ID:          "override-rejection",
		Name:        "Override Rejection",
		Description: "Rejecting an approved PR returns its 40,000 to the allocation",
	},
	{
		ID:          "line-item-funding",
		Name:        "Line Item Funding",
		Description: "A PR draws 3,000 from a PRE's travel_local Q1 line; reject it to restore the line",
	},
	{
		ID:          "fiscal-year-archive",
		Name:        "Fiscal Year Archive",
		Description: "FY2023 with 3 allocations, 2 PREs, 4 PRs and 1 AD, archived as one cascade",
	},
	{
		ID:          "stale-counter",
		Name:        "Stale Counter",
		Description: "pr_amount_used tracks only the largest approved PR; run reconciliation to repair",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.bind(w, r, &req) {
		return
	}
	if !knownScenario(req.ScenarioID) {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := LoadScenario(ctx, h.Service, req.ScenarioID); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) reset(ctx context.Context) error {
	rs, ok := h.Service.Store().(Resetter)
	if !ok {
		return fmt.Errorf("store does not support reset")
	}
	return rs.Reset(ctx)
}

func knownScenario(id string) bool {
	for _, s := range scenarios {
		if s.ID == id {
			return true
		}
	}
	return false
}

// LoadScenario seeds svc with one scenario. The store should be empty.
func LoadScenario(ctx context.Context, svc *budget.Service, id string) error {
	sd := &seeder{ctx: ctx, svc: svc}
	switch id {
	case "pr-full-approval":
		sd.prFullApproval()
	case "insufficient-budget":
		alloc, _ := sd.prFullApproval()
		pr := sd.submit(budget.KindPR, alloc, "Printer toner", "1.00", nil)
		if sd.err == nil {
			// Expected to fail; the PR stays Pending.
			if _, err := svc.AdminDecide(ctx, pr.ID, approve(actorAdmin)); err == nil {
				return fmt.Errorf("admin approval of %s unexpectedly succeeded", pr.ID)
			}
		}
	case "override-rejection":
		_, pr := sd.prFullApproval()
		sd.decide(svc.OfficerDecide, pr, budget.Decision{Action: budget.ActionReject, Actor: actorOfficer, Reason: "Administrative override"})
	case "line-item-funding":
		sd.lineItemFunding()
	case "fiscal-year-archive":
		sd.fiscalYearArchive()
	case "stale-counter":
		sd.staleCounter()
	default:
		return fmt.Errorf("unknown scenario %q", id)
	}
	return sd.err
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

const (
	actorAdmin   = "admin"
	actorOfficer = "officer"
	actorDeptA   = "dept-a"
)

func approve(actor string) budget.Decision {
	return budget.Decision{Action: budget.ActionApprove, Actor: actor}
}

// seeder keeps the first error and turns every later step into a no-op.
type seeder struct {
	ctx context.Context
	svc *budget.Service
	err error
}

func (sd *seeder) budget(year, amount string) *budget.ApprovedBudget {
	if sd.err != nil {
		return nil
	}
	b, err := sd.svc.CreateApprovedBudget(sd.ctx, budget.CreateBudgetInput{
		FiscalYear: year,
		Title:      "FY" + year + " Approved Budget",
		Amount:     budget.MustMoney(amount),
		Actor:      actorAdmin,
	})
	sd.err = err
	return b
}

func (sd *seeder) allocate(b *budget.ApprovedBudget, endUser, amount string) *budget.BudgetAllocation {
	if sd.err != nil {
		return nil
	}
	a, err := sd.svc.AllocateBudget(sd.ctx, budget.AllocateInput{
		BudgetID: b.ID,
		EndUser:  endUser,
		Amount:   budget.MustMoney(amount),
		Actor:    actorAdmin,
	})
	sd.err = err
	return a
}

func (sd *seeder) submit(kind budget.RequestKind, a *budget.BudgetAllocation, title, amount string, funding []budget.FundingSource) *budget.Request {
	if sd.err != nil {
		return nil
	}
	r, err := sd.svc.SubmitRequest(sd.ctx, budget.SubmitInput{
		Kind:         kind,
		Title:        title,
		AllocationID: a.ID,
		TotalAmount:  budget.MustMoney(amount),
		Funding:      funding,
		Actor:        a.EndUser,
	})
	sd.err = err
	return r
}

func (sd *seeder) pre(a *budget.BudgetAllocation, title string, lines ...budget.LineItemInput) *budget.Request {
	if sd.err != nil {
		return nil
	}
	r, err := sd.svc.SubmitRequest(sd.ctx, budget.SubmitInput{
		Kind:         budget.KindPRE,
		Title:        title,
		AllocationID: a.ID,
		LineItems:    lines,
		Actor:        a.EndUser,
	})
	sd.err = err
	return r
}

func (sd *seeder) decide(fn decideFunc, r *budget.Request, d budget.Decision) {
	if sd.err != nil {
		return
	}
	_, sd.err = fn(sd.ctx, r.ID, d)
}

func (sd *seeder) approveFully(r *budget.Request) {
	sd.decide(sd.svc.AdminDecide, r, approve(actorAdmin))
	sd.decide(sd.svc.OfficerDecide, r, approve(actorOfficer))
}

func line(key, category string, amounts map[budget.Quarter]string) budget.LineItemInput {
	in := budget.LineItemInput{ItemKey: key, Category: category, Amounts: make(map[budget.Quarter]decimal.Decimal)}
	for q, a := range amounts {
		in.Amounts[q] = budget.MustMoney(a)
	}
	return in
}

func (sd *seeder) prFullApproval() (*budget.BudgetAllocation, *budget.Request) {
	b := sd.budget("2024", "100000")
	a := sd.allocate(b, actorDeptA, "40000")
	pr := sd.submit(budget.KindPR, a, "Laboratory equipment", "40000", nil)
	sd.approveFully(pr)
	return a, pr
}

func (sd *seeder) lineItemFunding() {
	b := sd.budget("2024", "100000")
	a := sd.allocate(b, actorDeptA, "40000")
	pre := sd.pre(a, "FY2024 PRE - Dept A",
		line("travel_local", "Traveling Expenses", map[budget.Quarter]string{budget.Q1: "5000", budget.Q2: "2500"}),
		line("supplies", "Office Supplies", map[budget.Quarter]string{budget.Q1: "1500"}),
	)
	sd.approveFully(pre)
	if sd.err != nil {
		return
	}
	fs, err := budget.NewFundingSource(pre.ID, "travel_local", budget.Q1, budget.MustMoney("3000"))
	if err != nil {
		sd.err = err
		return
	}
	sd.submit(budget.KindPR, a, "Regional conference travel", "3000", []budget.FundingSource{fs})
}

func (sd *seeder) fiscalYearArchive() {
	b := sd.budget("2023", "500000")
	allocs := []*budget.BudgetAllocation{
		sd.allocate(b, "dept-a", "150000"),
		sd.allocate(b, "dept-b", "150000"),
		sd.allocate(b, "dept-c", "100000"),
	}
	if sd.err != nil {
		return
	}

	for i, a := range allocs[:2] {
		pre := sd.pre(a, fmt.Sprintf("FY2023 PRE %d", i+1),
			line("training", "Training Expenses", map[budget.Quarter]string{budget.Q1: "10000", budget.Q3: "10000"}))
		sd.approveFully(pre)
	}
	for i, a := range allocs {
		pr := sd.submit(budget.KindPR, a, fmt.Sprintf("FY2023 PR %d", i+1), "5000", nil)
		if i == 0 {
			sd.approveFully(pr)
		}
	}
	sd.submit(budget.KindPR, allocs[0], "FY2023 PR 4", "2500", nil)
	sd.submit(budget.KindAD, allocs[2], "FY2023 Sports Fest", "20000", nil)

	if sd.err != nil {
		return
	}
	_, sd.err = sd.svc.ArchiveFiscalYear(sd.ctx, "2023", actorAdmin, "Fiscal year closed")
}

func (sd *seeder) staleCounter() {
	b := sd.budget("2024", "100000")
	a := sd.allocate(b, actorDeptA, "60000")
	sd.approveFully(sd.submit(budget.KindPR, a, "Workstations", "25000", nil))
	sd.approveFully(sd.submit(budget.KindPR, a, "Network switches", "10000", nil))
	if sd.err != nil {
		return
	}

	// Reproduce the legacy drift: the counter remembers only the largest PR.
	st := sd.svc.Store()
	cur, err := st.GetAllocation(sd.ctx, a.ID)
	if err != nil {
		sd.err = err
		return
	}
	cur.PRAmountUsed = budget.MustMoney("25000")
	cur.RemainingBalance = cur.AllocatedAmount.Sub(cur.TotalUsed())
	sd.err = st.SaveAllocation(sd.ctx, *cur)
}
