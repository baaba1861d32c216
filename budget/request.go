/*
request.go - Request creation, submission and deletion

PURPOSE:
  Builds PRE, PR and AD documents, moves them into the approval queue and
  removes them again. Submission is the point where a PR or AD claims its
  PRE line items: one AllocationRecord per FundingSource, each consuming
  the referenced line-item quarter.

SUBMISSION RULES:
  - Draft or Rejected -> Pending. Resubmitting clears both approval gates
    and bumps Revision, so idempotency keys of the new round never collide
    with the previous one.
  - A PRE carries its line items; its total is their sum.
  - A PR or AD may name funding sources. Their amounts must add up to the
    request total and every source must point at an approved,
    non-archived PRE of the same allocation.

DELETION:
  Deleting undoes exactly what the request still holds (its allocation
  charge and its allocation records), the same unwind a rejection runs.
  Deleting an approved request and rejecting-then-deleting it therefore
  leave identical balances.

SEE ALSO:
  - approval.go: admin / officer decisions
  - ledger.go: ConsumeLineItem, ReleaseLineItem, Release
*/
package budget

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// SubmitInput is the data a department user fills in for a new request.
type SubmitInput struct {
	Kind         RequestKind
	Title        string
	EndUser      string
	AllocationID AllocationID
	// TotalAmount is ignored for a PRE; its total is the sum of LineItems.
	TotalAmount decimal.Decimal
	LineItems   []LineItemInput
	Funding     []FundingSource
	Actor       string
	// Draft keeps the request out of the approval queue.
	Draft bool
}

func (in SubmitInput) validate() error {
	if !in.Kind.Valid() {
		return invalid("kind", "unknown request kind %q", in.Kind)
	}
	if in.AllocationID == "" {
		return invalid("allocation_id", "a funding allocation is required")
	}
	if in.Kind == KindPRE {
		if len(in.Funding) > 0 {
			return invalid("funding", "a PRE is not funded from line items")
		}
		return ValidateLineItems(in.LineItems)
	}
	if len(in.LineItems) > 0 {
		return invalid("line_items", "only a PRE carries line items")
	}
	if err := checkAmount(in.TotalAmount); err != nil {
		return err
	}
	return validateFunding(in.Funding, in.TotalAmount)
}

func validateFunding(sources []FundingSource, total decimal.Decimal) error {
	if len(sources) == 0 {
		return nil
	}
	for _, fs := range sources {
		if err := fs.Validate(); err != nil {
			return err
		}
	}
	if sum := FundingTotal(sources); !sum.Equal(total) {
		return invalid("funding", "funding sources add up to %s, request total is %s",
			sum.StringFixed(MoneyScale), total.StringFixed(MoneyScale))
	}
	return nil
}

// SubmitRequest creates a request and, unless in.Draft is set, submits it.
func (s *Service) SubmitRequest(ctx context.Context, in SubmitInput) (*Request, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := s.now()
	r := Request{
		ID:           RequestID(uuid.NewString()),
		Kind:         in.Kind,
		Title:        strings.TrimSpace(in.Title),
		EndUser:      strings.TrimSpace(in.EndUser),
		AllocationID: in.AllocationID,
		TotalAmount:  in.TotalAmount,
		Status:       StatusDraft,
		Funding:      append([]FundingSource(nil), in.Funding...),
		CreatedBy:    in.Actor,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.Kind == KindPRE {
		r.TotalAmount = LineItemsTotal(in.LineItems)
	}

	err := s.atomically(ctx, []string{allocationKey(in.AllocationID)}, func(st Store) error {
		alloc, err := st.GetAllocation(ctx, in.AllocationID)
		if err != nil {
			return err
		}
		if alloc.IsArchived {
			return notFound(ModelAllocation, alloc.ID)
		}
		if r.EndUser == "" {
			r.EndUser = alloc.EndUser
		}
		if err := st.SaveRequest(ctx, r); err != nil {
			return err
		}
		if r.Kind == KindPRE {
			if _, err := materializeLineItems(ctx, st, &r, in.LineItems, now); err != nil {
				return err
			}
		}
		if in.Draft {
			return nil
		}
		return s.submit(ctx, st, &r, alloc, in.Actor)
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"request_id":    r.ID,
		"kind":          r.Kind,
		"allocation_id": r.AllocationID,
		"status":        r.Status,
	}).Info("request created")
	if r.Status == StatusPending {
		s.notify(ctx, s.pendingAdminNote(r))
	}
	return &r, nil
}

// Submit moves a Draft or Rejected request into the approval queue.
func (s *Service) Submit(ctx context.Context, id RequestID, actor string) (*Request, error) {
	var out Request
	err := s.onRequest(ctx, id, func(st Store, r *Request, alloc *BudgetAllocation) error {
		if err := s.submit(ctx, st, r, alloc, actor); err != nil {
			return err
		}
		out = *r
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, s.pendingAdminNote(out))
	return &out, nil
}

func (s *Service) submit(ctx context.Context, st Store, r *Request, alloc *BudgetAllocation, actor string) error {
	if r.Status != StatusDraft && r.Status != StatusRejected {
		return &TransitionError{RequestID: r.ID, From: r.Status, Action: "submit"}
	}
	if alloc.IsArchived {
		return notFound(ModelAllocation, alloc.ID)
	}
	if !r.TotalAmount.IsPositive() {
		return invalid("total_amount", "must be positive")
	}

	r.Revision++
	if r.Kind.DrawsFromLineItems() {
		if err := s.claimFunding(ctx, st, r, actor); err != nil {
			return err
		}
	} else {
		alloc.IsCompiled = true
		alloc.UpdatedAt = s.now()
		if err := st.SaveAllocation(ctx, *alloc); err != nil {
			return err
		}
	}

	r.Status = StatusPending
	r.ApprovedByAdmin = false
	r.ApprovedByOfficer = false
	r.AdminActor, r.OfficerActor = "", ""
	r.AdminDecidedAt, r.FinalApprovedAt = nil, nil
	r.RejectedBy, r.RejectionReason = "", ""
	r.UpdatedAt = s.now()
	if err := st.SaveRequest(ctx, *r); err != nil {
		return err
	}
	return s.audit(ctx, st, actor, AuditRequestSubmitted, r.Kind.ModelName(), string(r.ID), map[string]any{
		"allocation_id": string(r.AllocationID),
		"total_amount":  r.TotalAmount.StringFixed(MoneyScale),
		"revision":      r.Revision,
	})
}

// claimFunding writes one allocation record per funding source and
// consumes the referenced line-item quarter.
func (s *Service) claimFunding(ctx context.Context, st Store, r *Request, actor string) error {
	for i, fs := range r.Funding {
		li, err := s.fundingLineItem(ctx, st, r, fs)
		if err != nil {
			return err
		}
		if err := s.ledger.ConsumeLineItem(ctx, st, li, fs.Amount, Mutation{
			RequestID:      r.ID,
			Actor:          actor,
			Reason:         fmt.Sprintf("%s funding %s %s", r.Kind, fs.ItemKey, fs.Quarter),
			IdempotencyKey: r.opKey(fmt.Sprintf("claim-%d", i)),
		}); err != nil {
			return err
		}
		if err := st.SaveRecord(ctx, AllocationRecord{
			ID:              RecordID(uuid.NewString()),
			RequestID:       r.ID,
			RequestKind:     r.Kind,
			LineItemID:      li.ID,
			Quarter:         li.Quarter,
			AllocatedAmount: fs.Amount,
			CreatedAt:       s.now(),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) fundingLineItem(ctx context.Context, st Store, r *Request, fs FundingSource) (*LineItemBudget, error) {
	pre, err := st.GetRequest(ctx, fs.PREID)
	if err != nil {
		if IsNotFound(err) {
			return nil, invalid("funding.pre_id", "PRE %s does not exist", fs.PREID)
		}
		return nil, err
	}
	switch {
	case pre.Kind != KindPRE:
		return nil, invalid("funding.pre_id", "%s is not a PRE", fs.PREID)
	case pre.IsArchived:
		return nil, invalid("funding.pre_id", "PRE %s is archived", fs.PREID)
	case pre.Status != StatusApproved:
		return nil, invalid("funding.pre_id", "PRE %s is %s, not approved", fs.PREID, pre.Status)
	case pre.AllocationID != r.AllocationID:
		return nil, invalid("funding.pre_id", "PRE %s belongs to another allocation", fs.PREID)
	}
	li, err := st.FindLineItem(ctx, pre.ID, fs.ItemKey, fs.Quarter)
	if err != nil {
		if IsNotFound(err) {
			return nil, invalid("funding.item_key", "PRE %s has no %s line for %s", fs.PREID, fs.ItemKey, fs.Quarter)
		}
		return nil, err
	}
	return li, nil
}

// =============================================================================
// DELETION
// =============================================================================

// DeleteRequest removes a request after giving back everything it still
// holds. A PRE whose line items fund other requests is protected.
func (s *Service) DeleteRequest(ctx context.Context, id RequestID, actor string) (*Result, error) {
	var res Result
	err := s.onRequest(ctx, id, func(st Store, r *Request, alloc *BudgetAllocation) error {
		if err := s.guardPRE(ctx, st, r); err != nil {
			return err
		}
		released, err := s.unwind(ctx, st, r, alloc, actor, "delete")
		if err != nil {
			return err
		}
		if r.Kind == KindPRE {
			items, err := st.ListLineItems(ctx, r.ID)
			if err != nil {
				return err
			}
			for _, li := range items {
				if err := st.DeleteLineItem(ctx, li.ID); err != nil {
					return err
				}
			}
		}
		if err := st.DeleteRequest(ctx, r.ID); err != nil {
			return err
		}
		res = Result{Request: *r, Applied: true, Released: released}
		return s.audit(ctx, st, actor, AuditRequestDeleted, r.Kind.ModelName(), string(r.ID), map[string]any{
			"status":   string(r.Status),
			"released": released.StringFixed(MoneyScale),
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"request_id": id,
		"actor":      actor,
		"released":   res.Released.String(),
	}).Info("request deleted")
	return &res, nil
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// onRequest loads the request, locks its allocation and runs fn in one
// transaction with fresh copies of both. Archived requests, and requests
// of an archived allocation, are not found.
func (s *Service) onRequest(ctx context.Context, id RequestID, fn func(st Store, r *Request, alloc *BudgetAllocation) error) error {
	peek, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	return s.atomically(ctx, []string{allocationKey(peek.AllocationID)}, func(st Store) error {
		r, err := st.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if r.IsArchived {
			return notFound(r.Kind.ModelName(), r.ID)
		}
		alloc, err := st.GetAllocation(ctx, r.AllocationID)
		if err != nil {
			return err
		}
		if alloc.IsArchived {
			return notFound(ModelAllocation, alloc.ID)
		}
		return fn(st, r, alloc)
	})
}

// unwind gives back the allocation charge and every allocation record the
// request holds. Returns the amount released from the allocation counters.
func (s *Service) unwind(ctx context.Context, st Store, r *Request, alloc *BudgetAllocation, actor, op string) (decimal.Decimal, error) {
	released := decimal.Zero
	if r.Charged() {
		var err error
		released, err = s.ledger.Release(ctx, st, alloc, r.Kind, r.ChargedAmount, Mutation{
			RequestID:      r.ID,
			Actor:          actor,
			Reason:         op,
			IdempotencyKey: r.opKey(op + "-release"),
		})
		if err != nil {
			return decimal.Zero, err
		}
		r.ChargedAmount = decimal.Zero
	}

	records, err := st.ListRecordsByRequest(ctx, r.ID)
	if err != nil {
		return decimal.Zero, err
	}
	for _, rec := range records {
		li, err := st.GetLineItem(ctx, rec.LineItemID)
		if err != nil {
			return decimal.Zero, err
		}
		if err := s.ledger.ReleaseLineItem(ctx, st, li, rec.AllocatedAmount, Mutation{
			RequestID:      r.ID,
			Actor:          actor,
			Reason:         op,
			IdempotencyKey: r.opKey(op + "-unclaim-" + string(rec.ID)),
		}); err != nil {
			return decimal.Zero, err
		}
		if err := st.DeleteRecord(ctx, rec.ID); err != nil {
			return decimal.Zero, err
		}
	}
	return released, nil
}

// guardPRE refuses to undo a PRE whose line items still fund a PR or AD.
func (s *Service) guardPRE(ctx context.Context, st Store, r *Request) error {
	if r.Kind != KindPRE {
		return nil
	}
	items, err := st.ListLineItems(ctx, r.ID)
	if err != nil {
		return err
	}
	for _, li := range items {
		recs, err := st.ListRecordsByLineItem(ctx, li.ID)
		if err != nil {
			return err
		}
		if len(recs) > 0 {
			return protected("line item %s %s of PRE %s funds %d requests", li.ItemKey, li.Quarter, r.ID, len(recs))
		}
	}
	return nil
}

// opKey is the idempotency key of one ledger call in the current revision.
func (r Request) opKey(op string) string {
	return fmt.Sprintf("%s-r%d-%s", r.ID, r.Revision, op)
}

func (s *Service) pendingAdminNote(r Request) Notification {
	return Notification{
		Recipient:   s.recipients.Admin,
		Title:       fmt.Sprintf("New %s awaiting review", strings.ToUpper(string(r.Kind))),
		Message:     fmt.Sprintf("%s submitted %q for %s.", r.EndUser, r.Title, r.TotalAmount.StringFixed(MoneyScale)),
		ContentType: r.Kind.ModelName(),
		ObjectID:    string(r.ID),
	}
}
