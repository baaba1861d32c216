/*
reconcile.go - Counter reconciliation (recalculate and fix)

PURPOSE:
  Recomputes every tracked counter from the documents that justify it and
  reports where the two disagree. With Apply set, the counters are
  corrected through the Ledger so the repair itself is journaled.

WHAT IS CHECKED:
  allocation.pr_amount_used / ad_amount_used
      = sum(total_amount) of PRs / ADs the admin approved and that are
        PartiallyApproved or Approved (archived ones included)
  allocation.pre_amount_used
      = sum of line-item totals of Approved PREs
  allocation.remaining_balance
      = allocated_amount - (pr + ad actual)
  line_item.consumed_amount
      = sum(allocation records referencing it)
  approved_budget.remaining_budget
      = amount - sum(allocation.allocated_amount)   (full runs only)

  This catches the historical "only the largest request was tracked"
  drift as well as any release that clamped at zero.

SEE ALSO:
  - ledger.go: Correct, CorrectLineItem, CorrectBudget
  - cmd/recalculate-budgets: command line entry point
  - api/scheduler.go: periodic runs
*/
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ReconcileOptions selects what to check and whether to repair it.
type ReconcileOptions struct {
	// AllocationID limits the run to one allocation. Empty means all.
	AllocationID AllocationID
	Apply        bool
	Actor        string
}

// Discrepancy is one counter that disagrees with its source documents.
type Discrepancy struct {
	Model        string          `json:"model"`
	ID           string          `json:"id"`
	AllocationID AllocationID    `json:"allocation_id,omitempty"`
	Field        string          `json:"field"`
	Tracked      decimal.Decimal `json:"tracked"`
	Actual       decimal.Decimal `json:"actual"`
	Fixed        bool            `json:"fixed"`
}

// Difference is actual minus tracked.
func (d Discrepancy) Difference() decimal.Decimal {
	return d.Actual.Sub(d.Tracked)
}

// DiscrepancyReport is the outcome of one reconciliation run.
type DiscrepancyReport struct {
	AllocationsChecked int           `json:"allocations_checked"`
	LineItemsChecked   int           `json:"line_items_checked"`
	BudgetsChecked     int           `json:"budgets_checked"`
	Discrepancies      []Discrepancy `json:"discrepancies"`
	Applied            bool          `json:"applied"`
	StartedAt          time.Time     `json:"started_at"`
	FinishedAt         time.Time     `json:"finished_at"`
}

// HasDiscrepancies reports whether any counter disagreed.
func (r *DiscrepancyReport) HasDiscrepancies() bool {
	return len(r.Discrepancies) > 0
}

// Err returns an error wrapping ErrReconciliationDiscrepancy when the run
// found something, nil otherwise. It is informational: fixed
// discrepancies are still reported.
func (r *DiscrepancyReport) Err() error {
	if !r.HasDiscrepancies() {
		return nil
	}
	fixed := 0
	for _, d := range r.Discrepancies {
		if d.Fixed {
			fixed++
		}
	}
	return fmt.Errorf("%w: %d found, %d fixed", ErrReconciliationDiscrepancy, len(r.Discrepancies), fixed)
}

// RecalculateAndFix checks one allocation, or every allocation and budget
// when opts.AllocationID is empty.
func (s *Service) RecalculateAndFix(ctx context.Context, opts ReconcileOptions) (*DiscrepancyReport, error) {
	report := &DiscrepancyReport{Applied: opts.Apply, StartedAt: s.now()}

	var targets []BudgetAllocation
	var budgets []ApprovedBudget
	if opts.AllocationID != "" {
		a, err := s.store.GetAllocation(ctx, opts.AllocationID)
		if err != nil {
			return nil, err
		}
		targets = append(targets, *a)
	} else {
		var err error
		budgets, err = s.store.ListBudgets(ctx, true)
		if err != nil {
			return nil, err
		}
		for _, b := range budgets {
			allocs, err := s.store.ListAllocations(ctx, b.ID, true)
			if err != nil {
				return nil, err
			}
			targets = append(targets, allocs...)
		}
	}

	for _, a := range targets {
		found, items, err := s.reconcileAllocation(ctx, a.ID, opts)
		if err != nil {
			return nil, fmt.Errorf("reconcile allocation %s: %w", a.ID, err)
		}
		report.AllocationsChecked++
		report.LineItemsChecked += items
		report.Discrepancies = append(report.Discrepancies, found...)
	}
	for _, b := range budgets {
		found, err := s.reconcileBudget(ctx, b.ID, opts)
		if err != nil {
			return nil, fmt.Errorf("reconcile budget %s: %w", b.ID, err)
		}
		report.BudgetsChecked++
		report.Discrepancies = append(report.Discrepancies, found...)
	}
	report.FinishedAt = s.now()

	entry := s.log.WithFields(logrus.Fields{
		"allocations":   report.AllocationsChecked,
		"line_items":    report.LineItemsChecked,
		"discrepancies": len(report.Discrepancies),
		"apply":         opts.Apply,
	})
	if report.HasDiscrepancies() {
		for _, d := range report.Discrepancies {
			s.log.WithFields(logrus.Fields{
				"model":   d.Model,
				"id":      d.ID,
				"field":   d.Field,
				"tracked": d.Tracked.String(),
				"actual":  d.Actual.String(),
				"fixed":   d.Fixed,
			}).Warn("reconciliation discrepancy")
		}
		entry.Warn("reconciliation finished with discrepancies")
	} else {
		entry.Info("reconciliation finished clean")
	}
	return report, nil
}

func (s *Service) reconcileAllocation(ctx context.Context, id AllocationID, opts ReconcileOptions) ([]Discrepancy, int, error) {
	var found []Discrepancy
	var checked int

	err := s.atomically(ctx, []string{allocationKey(id)}, func(st Store) error {
		found, checked = nil, 0
		alloc, err := st.GetAllocation(ctx, id)
		if err != nil {
			return err
		}
		reqs, err := st.ListRequests(ctx, RequestFilter{AllocationID: id, IncludeArchived: true})
		if err != nil {
			return err
		}

		actual := map[RequestKind]decimal.Decimal{
			KindPRE: decimal.Zero,
			KindPR:  decimal.Zero,
			KindAD:  decimal.Zero,
		}
		var lineItems []LineItemBudget
		for _, r := range reqs {
			if r.Kind == KindPRE {
				items, err := st.ListLineItems(ctx, r.ID)
				if err != nil {
					return err
				}
				lineItems = append(lineItems, items...)
				if r.Status == StatusApproved {
					actual[KindPRE] = actual[KindPRE].Add(PRETotal(items))
				}
				continue
			}
			if r.ApprovedByAdmin && (r.Status == StatusPartiallyApproved || r.Status == StatusApproved) {
				actual[r.Kind] = actual[r.Kind].Add(r.TotalAmount)
			}
		}

		m := Mutation{Actor: opts.Actor, Reason: "recalculate and fix"}
		remaining := Discrepancy{
			Model:        ModelAllocation,
			ID:           string(alloc.ID),
			AllocationID: alloc.ID,
			Field:        "remaining_balance",
			Tracked:      alloc.RemainingBalance,
			Actual:       alloc.AllocatedAmount.Sub(sumOf(actual[KindPR], actual[KindAD])),
		}

		for _, kind := range []RequestKind{KindPRE, KindPR, KindAD} {
			tracked := alloc.Used(kind)
			if tracked.Equal(actual[kind]) {
				continue
			}
			d := Discrepancy{
				Model:        ModelAllocation,
				ID:           string(alloc.ID),
				AllocationID: alloc.ID,
				Field:        string(kind) + "_amount_used",
				Tracked:      tracked,
				Actual:       actual[kind],
			}
			if opts.Apply {
				if err := s.ledger.Correct(ctx, st, alloc, kind, actual[kind], m); err != nil {
					return err
				}
				d.Fixed = true
			}
			found = append(found, d)
		}

		if !remaining.Tracked.Equal(remaining.Actual) {
			if opts.Apply {
				alloc.recompute()
				alloc.UpdatedAt = s.now()
				if err := st.SaveAllocation(ctx, *alloc); err != nil {
					return err
				}
				remaining.Fixed = true
			}
			found = append(found, remaining)
		}

		for i := range lineItems {
			li := &lineItems[i]
			checked++
			recs, err := st.ListRecordsByLineItem(ctx, li.ID)
			if err != nil {
				return err
			}
			consumed := decimal.Zero
			for _, rec := range recs {
				consumed = consumed.Add(rec.AllocatedAmount)
			}
			if li.ConsumedAmount.Equal(consumed) {
				continue
			}
			d := Discrepancy{
				Model:        "line_item_budget",
				ID:           string(li.ID),
				AllocationID: alloc.ID,
				Field:        "consumed_amount",
				Tracked:      li.ConsumedAmount,
				Actual:       consumed,
			}
			if opts.Apply {
				if err := s.ledger.CorrectLineItem(ctx, st, li, consumed, m); err != nil {
					return err
				}
				d.Fixed = true
			}
			found = append(found, d)
		}

		if !opts.Apply || len(found) == 0 {
			return nil
		}
		return s.audit(ctx, st, opts.Actor, AuditReconciliation, ModelAllocation, string(alloc.ID), map[string]any{
			"discrepancies": len(found),
		})
	})
	if err != nil {
		return nil, 0, err
	}
	return found, checked, nil
}

func (s *Service) reconcileBudget(ctx context.Context, id BudgetID, opts ReconcileOptions) ([]Discrepancy, error) {
	var found []Discrepancy
	err := s.atomically(ctx, []string{budgetKey(id)}, func(st Store) error {
		found = nil
		b, err := st.GetBudget(ctx, id)
		if err != nil {
			return err
		}
		allocs, err := st.ListAllocations(ctx, id, true)
		if err != nil {
			return err
		}
		allocated := decimal.Zero
		for _, a := range allocs {
			allocated = allocated.Add(a.AllocatedAmount)
		}
		expected := b.Amount.Sub(allocated)
		if b.RemainingBudget.Equal(expected) {
			return nil
		}
		d := Discrepancy{
			Model:   ModelApprovedBudget,
			ID:      string(b.ID),
			Field:   "remaining_budget",
			Tracked: b.RemainingBudget,
			Actual:  expected,
		}
		if opts.Apply {
			if err := s.ledger.CorrectBudget(ctx, st, b, expected, Mutation{Actor: opts.Actor, Reason: "recalculate and fix"}); err != nil {
				return err
			}
			d.Fixed = true
			if err := s.audit(ctx, st, opts.Actor, AuditReconciliation, ModelApprovedBudget, string(b.ID), map[string]any{
				"discrepancies": 1,
			}); err != nil {
				return err
			}
		}
		found = append(found, d)
		return nil
	})
	return found, err
}
