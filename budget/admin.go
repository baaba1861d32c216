/*
admin.go - Approved budget and allocation administration

PURPOSE:
  Creating the fiscal-year pool, slicing it into department allocations
  and deleting allocations again. Every amount moved between the pool and
  an allocation goes through the Ledger so the conservation law holds:

    remaining_budget + sum(allocation.allocated_amount) == amount

DELETION:
  An allocation can only be deleted while no request references it. Its
  unused portion (allocated - used) is returned to the approved budget
  before the row is removed.

SEE ALSO:
  - ledger.go: AllocateFromBudget, ReturnUnusedToBudget
  - realign.go: transfers between allocations
*/
package budget

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreateBudgetInput describes a new fiscal-year pool.
type CreateBudgetInput struct {
	FiscalYear string
	Title      string
	Amount     decimal.Decimal
	Actor      string
}

// CreateApprovedBudget creates the active approved budget for a fiscal year.
// Only one non-archived budget may exist per year.
func (s *Service) CreateApprovedBudget(ctx context.Context, in CreateBudgetInput) (*ApprovedBudget, error) {
	year := strings.TrimSpace(in.FiscalYear)
	if year == "" {
		return nil, invalid("fiscal_year", "is required")
	}
	if err := checkAmount(in.Amount); err != nil {
		return nil, err
	}

	now := s.now()
	b := ApprovedBudget{
		ID:              BudgetID(uuid.NewString()),
		FiscalYear:      year,
		Title:           in.Title,
		Amount:          in.Amount,
		RemainingBudget: in.Amount,
		CreatedBy:       in.Actor,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := s.atomically(ctx, []string{"fiscal_year:" + year}, func(st Store) error {
		existing, err := st.FindBudgetByYear(ctx, year, false)
		if err != nil && !IsNotFound(err) {
			return err
		}
		if existing != nil {
			return conflict("an active budget for %s already exists", year)
		}
		if err := st.SaveBudget(ctx, b); err != nil {
			return err
		}
		return s.audit(ctx, st, in.Actor, AuditBudgetCreated, ModelApprovedBudget, string(b.ID), map[string]any{
			"fiscal_year": year,
			"amount":      in.Amount.StringFixed(MoneyScale),
		})
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// AllocateInput describes a new department allocation.
type AllocateInput struct {
	BudgetID   BudgetID
	EndUser    string
	Department string
	Amount     decimal.Decimal
	Actor      string
}

// AllocateBudget carves a department allocation out of an approved budget.
// Fails with InsufficientBudget when amount exceeds remaining_budget and
// with ErrConflict when the end user already has an allocation.
func (s *Service) AllocateBudget(ctx context.Context, in AllocateInput) (*BudgetAllocation, error) {
	endUser := strings.TrimSpace(in.EndUser)
	if endUser == "" {
		return nil, invalid("end_user", "is required")
	}
	if err := checkAmount(in.Amount); err != nil {
		return nil, err
	}

	now := s.now()
	alloc := BudgetAllocation{
		ID:         AllocationID(uuid.NewString()),
		BudgetID:   in.BudgetID,
		EndUser:    endUser,
		Department: in.Department,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := s.atomically(ctx, []string{budgetKey(in.BudgetID)}, func(st Store) error {
		b, err := st.GetBudget(ctx, in.BudgetID)
		if err != nil {
			return err
		}
		if b.IsArchived {
			return notFound(ModelApprovedBudget, b.ID)
		}
		existing, err := st.ListAllocations(ctx, b.ID, true)
		if err != nil {
			return err
		}
		for _, a := range existing {
			if a.EndUser == endUser {
				return conflict("%s already has an allocation in %s", endUser, b.FiscalYear)
			}
		}
		if err := st.SaveAllocation(ctx, alloc); err != nil {
			return err
		}
		if err := s.ledger.AllocateFromBudget(ctx, st, b, &alloc, in.Amount, Mutation{
			Actor:  in.Actor,
			Reason: "allocation to " + endUser,
		}); err != nil {
			return err
		}
		return s.audit(ctx, st, in.Actor, AuditAllocationCreated, ModelAllocation, string(alloc.ID), map[string]any{
			"budget_id": string(b.ID),
			"end_user":  endUser,
			"amount":    in.Amount.StringFixed(MoneyScale),
		})
	})
	if err != nil {
		return nil, err
	}
	return &alloc, nil
}

// DeleteAllocation returns the allocation's unused portion to its approved
// budget and removes it. Returns the amount given back.
func (s *Service) DeleteAllocation(ctx context.Context, id AllocationID, actor string) (decimal.Decimal, error) {
	alloc, err := s.store.GetAllocation(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}

	var returned decimal.Decimal
	err = s.atomically(ctx, []string{budgetKey(alloc.BudgetID), allocationKey(id)}, func(st Store) error {
		alloc, err := st.GetAllocation(ctx, id)
		if err != nil {
			return err
		}
		reqs, err := st.ListRequests(ctx, RequestFilter{AllocationID: id, IncludeArchived: true})
		if err != nil {
			return err
		}
		if len(reqs) > 0 {
			return protected("%d requests still reference allocation %s", len(reqs), id)
		}
		b, err := st.GetBudget(ctx, alloc.BudgetID)
		if err != nil {
			return err
		}
		returned, err = s.ledger.ReturnUnusedToBudget(ctx, st, alloc, b, Mutation{
			Actor:  actor,
			Reason: "allocation deleted",
		})
		if err != nil {
			return err
		}
		if err := st.DeleteAllocation(ctx, id); err != nil {
			return err
		}
		return s.audit(ctx, st, actor, AuditAllocationDeleted, ModelAllocation, string(id), map[string]any{
			"budget_id": string(b.ID),
			"returned":  returned.StringFixed(MoneyScale),
		})
	})
	if err != nil {
		return decimal.Zero, err
	}
	return returned, nil
}

// =============================================================================
// VIEWS
// =============================================================================

// AllocationView is the balance summary a department sees.
type AllocationView struct {
	Allocation BudgetAllocation
	LineItems  []LineItemBudget
	Requests   []Request
}

// AllocationSummary loads an allocation with its PREs' line items
// and its non-archived requests.
func (s *Service) AllocationSummary(ctx context.Context, id AllocationID) (*AllocationView, error) {
	alloc, err := s.store.GetAllocation(ctx, id)
	if err != nil {
		return nil, err
	}
	reqs, err := s.store.ListRequests(ctx, RequestFilter{AllocationID: id})
	if err != nil {
		return nil, err
	}
	view := &AllocationView{Allocation: *alloc, Requests: reqs}
	for _, r := range reqs {
		if r.Kind != KindPRE {
			continue
		}
		items, err := s.store.ListLineItems(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		view.LineItems = append(view.LineItems, items...)
	}
	return view, nil
}
