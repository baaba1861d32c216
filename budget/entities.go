/*
entities.go - Money ledger entities and request aggregates

PURPOSE:
  Passive data holders for every level of the money hierarchy plus the
  request documents that consume it. Derived balances are computed here;
  counters are only changed by the Ledger (see ledger.go) through the
  unexported apply methods.

BALANCE RULES:
  BudgetAllocation:
    remaining_balance = allocated_amount - (pr_amount_used + ad_amount_used)
    pre_amount_used is the approved planning total. It is bounded by
    allocated_amount but is not deducted from remaining_balance, because PR
    and AD spending is drawn out of the same PRE line items.

  LineItemBudget:
    available = allocated - consumed - reserved
    remaining = allocated - consumed

ARCHIVING:
  Every archivable record embeds Archive. Queries never hide archived rows
  implicitly; callers pass includeArchived explicitly.

SEE ALSO:
  - ledger.go: counter mutations
  - funding.go: FundingSource value object
*/
package budget

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ARCHIVE METADATA
// =============================================================================

type ArchiveType string

const (
	ArchiveFiscalYear ArchiveType = "fiscal_year"
	ArchiveManual     ArchiveType = "manual"
)

// Archive is the archive flag plus who/when/why.
type Archive struct {
	IsArchived    bool
	ArchivedAt    *time.Time
	ArchivedBy    string
	ArchiveReason string
	ArchiveType   ArchiveType
}

func (a *Archive) archive(at time.Time, actor, reason string, typ ArchiveType) {
	a.IsArchived = true
	a.ArchivedAt = &at
	a.ArchivedBy = actor
	a.ArchiveReason = reason
	a.ArchiveType = typ
}

func (a *Archive) unarchive() {
	*a = Archive{}
}

// =============================================================================
// APPROVED BUDGET - Institution-wide pool per fiscal year
// =============================================================================

type ApprovedBudget struct {
	ID              BudgetID
	FiscalYear      string
	Title           string
	Amount          decimal.Decimal
	RemainingBudget decimal.Decimal
	Archive
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// BUDGET ALLOCATION - A department's slice of an approved budget
// =============================================================================

type BudgetAllocation struct {
	ID               AllocationID
	BudgetID         BudgetID
	EndUser          string
	Department       string
	AllocatedAmount  decimal.Decimal
	RemainingBalance decimal.Decimal
	PREAmountUsed    decimal.Decimal
	PRAmountUsed     decimal.Decimal
	ADAmountUsed     decimal.Decimal
	IsCompiled       bool
	Archive
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TotalUsed is the spending that counts against remaining_balance.
func (a BudgetAllocation) TotalUsed() decimal.Decimal {
	return a.PRAmountUsed.Add(a.ADAmountUsed)
}

// Used returns the counter tracked for kind.
func (a BudgetAllocation) Used(kind RequestKind) decimal.Decimal {
	switch kind {
	case KindPRE:
		return a.PREAmountUsed
	case KindPR:
		return a.PRAmountUsed
	case KindAD:
		return a.ADAmountUsed
	}
	return decimal.Zero
}

// Available is what a request of kind may still consume.
func (a BudgetAllocation) Available(kind RequestKind) decimal.Decimal {
	if kind == KindPRE {
		return a.AllocatedAmount.Sub(a.PREAmountUsed)
	}
	return a.AllocatedAmount.Sub(a.TotalUsed())
}

// Unused is the portion returned to the approved budget on deletion.
func (a BudgetAllocation) Unused() decimal.Decimal {
	return clampZero(a.AllocatedAmount.Sub(a.TotalUsed()))
}

// Consistent reports whether the cached remaining balance matches the counters.
func (a BudgetAllocation) Consistent() bool {
	return a.RemainingBalance.Equal(a.AllocatedAmount.Sub(a.TotalUsed()))
}

func (a *BudgetAllocation) apply(kind RequestKind, delta decimal.Decimal) {
	switch kind {
	case KindPRE:
		a.PREAmountUsed = a.PREAmountUsed.Add(delta)
	case KindPR:
		a.PRAmountUsed = a.PRAmountUsed.Add(delta)
	case KindAD:
		a.ADAmountUsed = a.ADAmountUsed.Add(delta)
	}
	a.recompute()
}

func (a *BudgetAllocation) set(kind RequestKind, value decimal.Decimal) {
	a.apply(kind, value.Sub(a.Used(kind)))
}

func (a *BudgetAllocation) recompute() {
	a.RemainingBalance = a.AllocatedAmount.Sub(a.TotalUsed())
}

// =============================================================================
// LINE ITEM BUDGET - One PRE category line for one quarter
// =============================================================================

type LineItemBudget struct {
	ID              LineItemID
	AllocationID    AllocationID
	PREID           RequestID
	ItemKey         string
	Category        string
	Quarter         Quarter
	AllocatedAmount decimal.Decimal
	ConsumedAmount  decimal.Decimal
	ReservedAmount  decimal.Decimal
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Available is allocated - consumed - reserved.
func (li LineItemBudget) Available() decimal.Decimal {
	return li.AllocatedAmount.Sub(li.ConsumedAmount).Sub(li.ReservedAmount)
}

// Remaining is allocated - consumed.
func (li LineItemBudget) Remaining() decimal.Decimal {
	return li.AllocatedAmount.Sub(li.ConsumedAmount)
}

// =============================================================================
// REQUEST - PRE / PR / AD aggregate
// =============================================================================

// Request is a budget document moving through the approval workflow.
//
// ChargedAmount is what this request currently has consumed from its
// allocation counters. It is the "already applied" marker that keeps
// repeated approvals from charging twice and tells rejection and deletion
// exactly how much to give back.
type Request struct {
	ID           RequestID
	Kind         RequestKind
	Title        string
	EndUser      string
	AllocationID AllocationID
	TotalAmount  decimal.Decimal
	Status       Status

	ApprovedByAdmin   bool
	ApprovedByOfficer bool
	AdminActor        string
	OfficerActor      string
	AdminDecidedAt    *time.Time
	FinalApprovedAt   *time.Time
	RejectedBy        string
	RejectionReason   string

	Funding       []FundingSource
	ChargedAmount decimal.Decimal
	Revision      int

	Archive
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsTerminal reports whether no further decision is pending.
func (r Request) IsTerminal() bool {
	return r.Status == StatusApproved || r.Status == StatusRejected
}

// Charged reports whether the request currently holds allocation funds.
func (r Request) Charged() bool {
	return r.ChargedAmount.IsPositive()
}

// =============================================================================
// ALLOCATION RECORD - How much of which line item funds a PR/AD
// =============================================================================

type AllocationRecord struct {
	ID              RecordID
	RequestID       RequestID
	RequestKind     RequestKind
	LineItemID      LineItemID
	Quarter         Quarter
	AllocatedAmount decimal.Decimal
	CreatedAt       time.Time
}
