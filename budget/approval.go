/*
approval.go - Two-stage approval state machine

PURPOSE:
  Drives every request through Admin then Approving Officer review and
  calls the Ledger at exactly one transition per charge. The status flip
  and the balance mutation commit in the same transaction.

STATE MACHINE:

    Draft ──submit──▶ Pending ──admin approve──▶ PartiallyApproved ──officer approve──▶ Approved
      ▲                  │                           │                                    │
      │                  └─────────reject────────────┴──────────────reject────────────────┘
      │                                              ▼
      └───────────────resubmit─────────────────── Rejected

WHERE MONEY MOVES:
  admin approve    PR/AD: reserve_or_consume(total) on the allocation
  officer approve  PRE:   total corrected to sum(line items), then
                          reserve_or_consume(pre, corrected total)
  reject           everything the request holds is given back (charge
                   and allocation records), is_compiled reset
  repeat approve   no-op; ChargedAmount marks the charge as applied

  Rejecting an Approved request is the administrative override path.
  Rejecting a PRE whose line items fund other requests is refused with
  ErrProtected; those requests have to be rejected first.

SEE ALSO:
  - request.go: submit, delete, unwind
  - ledger.go: the balance mutations
*/
package budget

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Action is a reviewer decision.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// Valid reports whether a is approve or reject.
func (a Action) Valid() bool {
	return a == ActionApprove || a == ActionReject
}

// Decision is one reviewer's verdict on a request.
type Decision struct {
	Action Action
	Actor  string
	Reason string
}

// Result reports the outcome of a workflow action.
type Result struct {
	Request Request
	// Applied is false when the action repeated an earlier decision.
	Applied  bool
	Charged  decimal.Decimal
	Released decimal.Decimal
}

type role int

const (
	roleAdmin role = iota
	roleOfficer
)

func (r role) String() string {
	if r == roleOfficer {
		return "officer"
	}
	return "admin"
}

// AdminDecide records the Admin's decision.
func (s *Service) AdminDecide(ctx context.Context, id RequestID, d Decision) (*Result, error) {
	return s.decide(ctx, id, roleAdmin, d)
}

// OfficerDecide records the Approving Officer's decision.
func (s *Service) OfficerDecide(ctx context.Context, id RequestID, d Decision) (*Result, error) {
	return s.decide(ctx, id, roleOfficer, d)
}

func (s *Service) decide(ctx context.Context, id RequestID, who role, d Decision) (*Result, error) {
	if !d.Action.Valid() {
		return nil, invalid("action", "must be approve or reject, got %q", d.Action)
	}

	var res Result
	err := s.onRequest(ctx, id, func(st Store, r *Request, alloc *BudgetAllocation) error {
		var err error
		switch {
		case d.Action == ActionReject:
			res, err = s.reject(ctx, st, r, alloc, who, d)
		case who == roleAdmin:
			res, err = s.adminApprove(ctx, st, r, alloc, d)
		default:
			res, err = s.officerApprove(ctx, st, r, alloc, d)
		}
		return err
	})

	fields := logrus.Fields{
		"request_id": id,
		"role":       who.String(),
		"action":     d.Action,
		"actor":      d.Actor,
	}
	if err != nil {
		if IsClientError(err) || IsNotFound(err) {
			s.log.WithFields(fields).WithError(err).Info("decision refused")
		} else {
			s.log.WithFields(fields).WithError(err).Error("decision failed")
		}
		return nil, err
	}
	s.log.WithFields(fields).WithField("applied", res.Applied).Info("decision recorded")

	if res.Applied {
		s.notify(ctx, s.decisionNotes(res.Request, who, d)...)
	}
	return &res, nil
}

func (s *Service) adminApprove(ctx context.Context, st Store, r *Request, alloc *BudgetAllocation, d Decision) (Result, error) {
	switch r.Status {
	case StatusPartiallyApproved, StatusApproved:
		return Result{Request: *r}, nil
	case StatusPending:
	default:
		return Result{}, &TransitionError{RequestID: r.ID, From: r.Status, Action: "admin approve"}
	}

	charged := decimal.Zero
	if r.Kind.DrawsFromLineItems() && !r.Charged() {
		if err := s.ledger.ReserveOrConsume(ctx, st, alloc, r.Kind, r.TotalAmount, Mutation{
			RequestID:      r.ID,
			Actor:          d.Actor,
			Reason:         "admin approval",
			IdempotencyKey: r.opKey("charge"),
		}); err != nil {
			return Result{}, err
		}
		r.ChargedAmount = r.TotalAmount
		charged = r.TotalAmount
	}

	now := s.now()
	r.ApprovedByAdmin = true
	r.AdminActor = d.Actor
	r.AdminDecidedAt = &now
	r.Status = StatusPartiallyApproved
	r.UpdatedAt = now
	if err := st.SaveRequest(ctx, *r); err != nil {
		return Result{}, err
	}
	if err := s.audit(ctx, st, d.Actor, AuditRequestApproved, r.Kind.ModelName(), string(r.ID), map[string]any{
		"role":    "admin",
		"charged": charged.StringFixed(MoneyScale),
	}); err != nil {
		return Result{}, err
	}
	return Result{Request: *r, Applied: true, Charged: charged}, nil
}

func (s *Service) officerApprove(ctx context.Context, st Store, r *Request, alloc *BudgetAllocation, d Decision) (Result, error) {
	switch r.Status {
	case StatusApproved:
		return Result{Request: *r}, nil
	case StatusPartiallyApproved:
	default:
		return Result{}, &TransitionError{RequestID: r.ID, From: r.Status, Action: "officer approve"}
	}
	if !r.ApprovedByAdmin {
		return Result{}, &TransitionError{RequestID: r.ID, From: r.Status, Action: "officer approve before admin"}
	}

	charged := decimal.Zero
	if !r.Charged() {
		amount := r.TotalAmount
		if r.Kind == KindPRE {
			items, err := st.ListLineItems(ctx, r.ID)
			if err != nil {
				return Result{}, err
			}
			amount = PRETotal(items)
			if !amount.Equal(r.TotalAmount) {
				s.log.WithFields(logrus.Fields{
					"request_id": r.ID,
					"stored":     r.TotalAmount.String(),
					"line_items": amount.String(),
				}).Warn("PRE total corrected to line item sum")
				r.TotalAmount = amount
			}
		}
		if err := s.ledger.ReserveOrConsume(ctx, st, alloc, r.Kind, amount, Mutation{
			RequestID:      r.ID,
			Actor:          d.Actor,
			Reason:         "final approval",
			IdempotencyKey: r.opKey("charge"),
		}); err != nil {
			return Result{}, err
		}
		r.ChargedAmount = amount
		charged = amount
	}

	now := s.now()
	r.ApprovedByOfficer = true
	r.OfficerActor = d.Actor
	r.FinalApprovedAt = &now
	r.Status = StatusApproved
	r.UpdatedAt = now
	if err := st.SaveRequest(ctx, *r); err != nil {
		return Result{}, err
	}
	if err := s.audit(ctx, st, d.Actor, AuditRequestApproved, r.Kind.ModelName(), string(r.ID), map[string]any{
		"role":    "officer",
		"charged": charged.StringFixed(MoneyScale),
		"total":   r.TotalAmount.StringFixed(MoneyScale),
	}); err != nil {
		return Result{}, err
	}
	return Result{Request: *r, Applied: true, Charged: charged}, nil
}

func (s *Service) reject(ctx context.Context, st Store, r *Request, alloc *BudgetAllocation, who role, d Decision) (Result, error) {
	switch r.Status {
	case StatusPending, StatusPartiallyApproved, StatusApproved:
	default:
		return Result{}, &TransitionError{RequestID: r.ID, From: r.Status, Action: who.String() + " reject"}
	}
	if err := s.guardPRE(ctx, st, r); err != nil {
		return Result{}, err
	}

	from := r.Status
	released, err := s.unwind(ctx, st, r, alloc, d.Actor, "reject")
	if err != nil {
		return Result{}, err
	}

	alloc.IsCompiled = false
	alloc.UpdatedAt = s.now()
	if err := st.SaveAllocation(ctx, *alloc); err != nil {
		return Result{}, err
	}

	r.Status = StatusRejected
	r.ApprovedByAdmin = false
	r.ApprovedByOfficer = false
	r.FinalApprovedAt = nil
	r.RejectedBy = d.Actor
	r.RejectionReason = strings.TrimSpace(d.Reason)
	r.UpdatedAt = s.now()
	if err := st.SaveRequest(ctx, *r); err != nil {
		return Result{}, err
	}
	if err := s.audit(ctx, st, d.Actor, AuditRequestRejected, r.Kind.ModelName(), string(r.ID), map[string]any{
		"role":     who.String(),
		"from":     string(from),
		"reason":   r.RejectionReason,
		"released": released.StringFixed(MoneyScale),
	}); err != nil {
		return Result{}, err
	}
	return Result{Request: *r, Applied: true, Released: released}, nil
}

func (s *Service) decisionNotes(r Request, who role, d Decision) []Notification {
	kind := strings.ToUpper(string(r.Kind))
	switch {
	case d.Action == ActionReject:
		msg := fmt.Sprintf("%s %q was rejected by the %s.", kind, r.Title, who)
		if r.RejectionReason != "" {
			msg += " Reason: " + r.RejectionReason
		}
		return []Notification{{
			Recipient:   r.CreatedBy,
			Title:       kind + " rejected",
			Message:     msg,
			ContentType: r.Kind.ModelName(),
			ObjectID:    string(r.ID),
		}}
	case r.Status == StatusPartiallyApproved:
		return []Notification{
			{
				Recipient:   s.recipients.Officer,
				Title:       kind + " awaiting final approval",
				Message:     fmt.Sprintf("%q from %s was approved by the admin.", r.Title, r.EndUser),
				ContentType: r.Kind.ModelName(),
				ObjectID:    string(r.ID),
			},
			{
				Recipient:   r.CreatedBy,
				Title:       kind + " partially approved",
				Message:     fmt.Sprintf("%q is waiting for the approving officer.", r.Title),
				ContentType: r.Kind.ModelName(),
				ObjectID:    string(r.ID),
			},
		}
	default:
		return []Notification{{
			Recipient:   r.CreatedBy,
			Title:       kind + " approved",
			Message:     fmt.Sprintf("%q was approved for %s.", r.Title, r.TotalAmount.StringFixed(MoneyScale)),
			ContentType: r.Kind.ModelName(),
			ObjectID:    string(r.ID),
		}}
	}
}
