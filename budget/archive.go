/*
archive.go - Fiscal year archive cascade

PURPOSE:
  Closes a fiscal year by flagging its approved budget and everything
  beneath it as archived, or reopens it again. The whole cascade is one
  transaction: a failure anywhere leaves no record flipped.

CASCADE ORDER:
  approved budget -> each allocation -> each PRE / PR / AD of that allocation

  Archive flips only records that are still active. Unarchive restores only
  records the cascade archived (ArchiveType fiscal_year); records archived
  by hand stay archived.

SINGLE RECORDS:
  ArchiveRecord / UnarchiveRecord flip one record of any model without
  touching its children.

SEE ALSO:
  - entities.go: Archive metadata
  - store.go: includeArchived arguments
*/
package budget

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
)

// Model names used for archive references and audit entries.
const (
	ModelApprovedBudget = "approved_budget"
	ModelAllocation     = "budget_allocation"
)

// ArchiveCounts is how many records of each model a cascade flipped.
type ArchiveCounts struct {
	ApprovedBudgets   int `json:"approved_budgets"`
	BudgetAllocations int `json:"budget_allocations"`
	DepartmentPREs    int `json:"department_pres"`
	PurchaseRequests  int `json:"purchase_requests"`
	ActivityDesigns   int `json:"activity_designs"`
}

func (c *ArchiveCounts) addRequest(kind RequestKind) {
	switch kind {
	case KindPRE:
		c.DepartmentPREs++
	case KindPR:
		c.PurchaseRequests++
	case KindAD:
		c.ActivityDesigns++
	}
}

func (c ArchiveCounts) detail() map[string]any {
	return map[string]any{
		"approved_budgets":   c.ApprovedBudgets,
		"budget_allocations": c.BudgetAllocations,
		"department_pres":    c.DepartmentPREs,
		"purchase_requests":  c.PurchaseRequests,
		"activity_designs":   c.ActivityDesigns,
	}
}

// ArchiveFiscalYear archives the active approved budget for year and
// everything beneath it. Fails with NotFound when the year has no active
// budget.
func (s *Service) ArchiveFiscalYear(ctx context.Context, year, actor, reason string) (ArchiveCounts, error) {
	year = strings.TrimSpace(year)
	reason = strings.TrimSpace(reason)
	var counts ArchiveCounts

	err := s.atomically(ctx, []string{"fiscal_year:" + year}, func(st Store) error {
		counts = ArchiveCounts{}
		b, err := st.FindBudgetByYear(ctx, year, false)
		if err != nil {
			return err
		}
		now := s.now()

		b.archive(now, actor, reason, ArchiveFiscalYear)
		b.UpdatedAt = now
		if err := st.SaveBudget(ctx, *b); err != nil {
			return err
		}
		counts.ApprovedBudgets++

		allocs, err := st.ListAllocations(ctx, b.ID, false)
		if err != nil {
			return err
		}
		for _, a := range allocs {
			a.archive(now, actor, reason, ArchiveFiscalYear)
			a.UpdatedAt = now
			if err := st.SaveAllocation(ctx, a); err != nil {
				return err
			}
			counts.BudgetAllocations++

			reqs, err := st.ListRequests(ctx, RequestFilter{AllocationID: a.ID})
			if err != nil {
				return err
			}
			for _, r := range reqs {
				r.archive(now, actor, reason, ArchiveFiscalYear)
				r.UpdatedAt = now
				if err := st.SaveRequest(ctx, r); err != nil {
					return err
				}
				counts.addRequest(r.Kind)
			}
		}

		detail := counts.detail()
		detail["fiscal_year"] = year
		detail["reason"] = reason
		return s.audit(ctx, st, actor, AuditFiscalYearArchived, ModelApprovedBudget, string(b.ID), detail)
	})
	if err != nil {
		return ArchiveCounts{}, err
	}

	s.log.WithFields(logrus.Fields{
		"fiscal_year": year,
		"actor":       actor,
		"allocations": counts.BudgetAllocations,
	}).Info("fiscal year archived")
	return counts, nil
}

// UnarchiveFiscalYear restores an archived fiscal year. A reason is
// required, and the year must not have another active budget.
func (s *Service) UnarchiveFiscalYear(ctx context.Context, year, actor, reason string) (ArchiveCounts, error) {
	year = strings.TrimSpace(year)
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ArchiveCounts{}, invalid("reason", "a reason is required to unarchive a fiscal year")
	}
	var counts ArchiveCounts

	err := s.atomically(ctx, []string{"fiscal_year:" + year}, func(st Store) error {
		counts = ArchiveCounts{}
		b, err := st.FindBudgetByYear(ctx, year, true)
		if err != nil {
			return err
		}
		active, err := st.FindBudgetByYear(ctx, year, false)
		if err != nil && !IsNotFound(err) {
			return err
		}
		if active != nil {
			return conflict("fiscal year %s already has an active budget", year)
		}
		now := s.now()

		b.unarchive()
		b.UpdatedAt = now
		if err := st.SaveBudget(ctx, *b); err != nil {
			return err
		}
		counts.ApprovedBudgets++

		allocs, err := st.ListAllocations(ctx, b.ID, true)
		if err != nil {
			return err
		}
		for _, a := range allocs {
			if a.IsArchived && a.ArchiveType == ArchiveFiscalYear {
				a.unarchive()
				a.UpdatedAt = now
				if err := st.SaveAllocation(ctx, a); err != nil {
					return err
				}
				counts.BudgetAllocations++
			}

			reqs, err := st.ListRequests(ctx, RequestFilter{AllocationID: a.ID, IncludeArchived: true})
			if err != nil {
				return err
			}
			for _, r := range reqs {
				if !r.IsArchived || r.ArchiveType != ArchiveFiscalYear {
					continue
				}
				r.unarchive()
				r.UpdatedAt = now
				if err := st.SaveRequest(ctx, r); err != nil {
					return err
				}
				counts.addRequest(r.Kind)
			}
		}

		detail := counts.detail()
		detail["fiscal_year"] = year
		detail["reason"] = reason
		return s.audit(ctx, st, actor, AuditFiscalYearRestored, ModelApprovedBudget, string(b.ID), detail)
	})
	if err != nil {
		return ArchiveCounts{}, err
	}

	s.log.WithFields(logrus.Fields{
		"fiscal_year": year,
		"actor":       actor,
		"reason":      reason,
	}).Info("fiscal year unarchived")
	return counts, nil
}

// =============================================================================
// SINGLE RECORDS
// =============================================================================

// RecordRef names one archivable record.
type RecordRef struct {
	Model string
	ID    string
}

// ArchiveRecord archives one record without cascading.
func (s *Service) ArchiveRecord(ctx context.Context, ref RecordRef, actor, reason string) error {
	return s.flipRecord(ctx, ref, actor, strings.TrimSpace(reason), true)
}

// UnarchiveRecord restores one record without cascading. A reason is required.
func (s *Service) UnarchiveRecord(ctx context.Context, ref RecordRef, actor, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return invalid("reason", "a reason is required to unarchive a record")
	}
	return s.flipRecord(ctx, ref, actor, reason, false)
}

func (s *Service) flipRecord(ctx context.Context, ref RecordRef, actor, reason string, archived bool) error {
	if ref.ID == "" {
		return invalid("id", "is required")
	}
	action := AuditRecordArchived
	if !archived {
		action = AuditRecordRestored
	}

	var key string
	switch ref.Model {
	case ModelApprovedBudget:
		key = budgetKey(BudgetID(ref.ID))
	case ModelAllocation:
		key = allocationKey(AllocationID(ref.ID))
	case KindPRE.ModelName(), KindPR.ModelName(), KindAD.ModelName():
		r, err := s.store.GetRequest(ctx, RequestID(ref.ID))
		if err != nil {
			return err
		}
		key = allocationKey(r.AllocationID)
	default:
		return invalid("model", "cannot archive %q", ref.Model)
	}

	return s.atomically(ctx, []string{key}, func(st Store) error {
		a, save, err := s.loadArchivable(ctx, st, ref)
		if err != nil {
			return err
		}
		if a.IsArchived == archived {
			return notFound(ref.Model, ref.ID)
		}
		if archived {
			a.archive(s.now(), actor, reason, ArchiveManual)
		} else {
			a.unarchive()
		}
		if err := save(); err != nil {
			return err
		}
		return s.audit(ctx, st, actor, action, ref.Model, ref.ID, map[string]any{"reason": reason})
	})
}

// loadArchivable returns the record's Archive and a func that persists it.
func (s *Service) loadArchivable(ctx context.Context, st Store, ref RecordRef) (*Archive, func() error, error) {
	now := s.now()
	switch ref.Model {
	case ModelApprovedBudget:
		b, err := st.GetBudget(ctx, BudgetID(ref.ID))
		if err != nil {
			return nil, nil, err
		}
		return &b.Archive, func() error {
			b.UpdatedAt = now
			return st.SaveBudget(ctx, *b)
		}, nil
	case ModelAllocation:
		a, err := st.GetAllocation(ctx, AllocationID(ref.ID))
		if err != nil {
			return nil, nil, err
		}
		return &a.Archive, func() error {
			a.UpdatedAt = now
			return st.SaveAllocation(ctx, *a)
		}, nil
	default:
		r, err := st.GetRequest(ctx, RequestID(ref.ID))
		if err != nil {
			return nil, nil, err
		}
		if r.Kind.ModelName() != ref.Model {
			return nil, nil, notFound(ref.Model, ref.ID)
		}
		return &r.Archive, func() error {
			r.UpdatedAt = now
			return st.SaveRequest(ctx, *r)
		}, nil
	}
}
