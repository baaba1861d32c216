package budget

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// RealignInput moves an amount from one ledger row to another. For line
// items the ids are LineItemIDs, for allocations AllocationIDs.
type RealignInput struct {
	Source string
	Target string
	Amount decimal.Decimal
	Actor  string
	Reason string
}

func (in RealignInput) validate() error {
	if in.Source == "" || in.Target == "" {
		return invalid("source", "source and target are required")
	}
	if in.Source == in.Target {
		return invalid("target", "source and target must differ")
	}
	return checkAmount(in.Amount)
}

// RealignLineItems moves unconsumed allocated_amount between two line
// items of the same PRE. The PRE total does not change.
func (s *Service) RealignLineItems(ctx context.Context, in RealignInput) (source, target *LineItemBudget, err error) {
	if err := in.validate(); err != nil {
		return nil, nil, err
	}
	peek, err := s.store.GetLineItem(ctx, LineItemID(in.Source))
	if err != nil {
		return nil, nil, err
	}

	err = s.atomically(ctx, []string{allocationKey(peek.AllocationID)}, func(st Store) error {
		src, err := st.GetLineItem(ctx, LineItemID(in.Source))
		if err != nil {
			return err
		}
		dst, err := st.GetLineItem(ctx, LineItemID(in.Target))
		if err != nil {
			return err
		}
		if src.PREID != dst.PREID {
			return invalid("target", "line items belong to different PREs")
		}
		pre, err := st.GetRequest(ctx, src.PREID)
		if err != nil {
			return err
		}
		if pre.IsArchived {
			return notFound(pre.Kind.ModelName(), pre.ID)
		}
		if err := s.ledger.TransferLineItem(ctx, st, src, dst, in.Amount, Mutation{
			RequestID: pre.ID,
			Actor:     in.Actor,
			Reason:    strings.TrimSpace(in.Reason),
		}); err != nil {
			return err
		}
		source, target = src, dst
		return s.audit(ctx, st, in.Actor, AuditRealignment, "line_item_budget", string(src.ID), map[string]any{
			"target": string(dst.ID),
			"from":   src.ItemKey + " " + string(src.Quarter),
			"to":     dst.ItemKey + " " + string(dst.Quarter),
			"amount": in.Amount.StringFixed(MoneyScale),
			"reason": strings.TrimSpace(in.Reason),
		})
	})
	if err != nil {
		return nil, nil, err
	}
	s.log.WithFields(logrus.Fields{
		"source": in.Source,
		"target": in.Target,
		"amount": in.Amount.String(),
	}).Info("line items realigned")
	return source, target, nil
}

// RealignAllocations moves unused allocated_amount between two active
// allocations of the same approved budget.
func (s *Service) RealignAllocations(ctx context.Context, in RealignInput) (source, target *BudgetAllocation, err error) {
	if err := in.validate(); err != nil {
		return nil, nil, err
	}
	keys := []string{allocationKey(AllocationID(in.Source)), allocationKey(AllocationID(in.Target))}

	err = s.atomically(ctx, keys, func(st Store) error {
		src, err := st.GetAllocation(ctx, AllocationID(in.Source))
		if err != nil {
			return err
		}
		dst, err := st.GetAllocation(ctx, AllocationID(in.Target))
		if err != nil {
			return err
		}
		if src.IsArchived {
			return notFound(ModelAllocation, src.ID)
		}
		if dst.IsArchived {
			return notFound(ModelAllocation, dst.ID)
		}
		if src.BudgetID != dst.BudgetID {
			return invalid("target", "allocations belong to different approved budgets")
		}
		if err := s.ledger.TransferAllocation(ctx, st, src, dst, in.Amount, Mutation{
			Actor:  in.Actor,
			Reason: strings.TrimSpace(in.Reason),
		}); err != nil {
			return err
		}
		source, target = src, dst
		return s.audit(ctx, st, in.Actor, AuditRealignment, ModelAllocation, string(src.ID), map[string]any{
			"target": string(dst.ID),
			"amount": in.Amount.StringFixed(MoneyScale),
			"reason": strings.TrimSpace(in.Reason),
		})
	})
	if err != nil {
		return nil, nil, err
	}
	s.log.WithFields(logrus.Fields{
		"source": in.Source,
		"target": in.Target,
		"amount": in.Amount.String(),
	}).Info("allocations realigned")
	return source, target, nil
}
