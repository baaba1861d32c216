/*
Package budget provides the budget allocation and line-item consumption ledger.

PURPOSE:
  This package is the bookkeeping engine behind the institution's budget
  request workflow. It tracks how much money exists at every level and how
  Programs of Receipts and Expenditures (PRE), Purchase Requests (PR) and
  Activity Designs (AD) consume or release it while they move through the
  two-stage Admin / Approving Officer approval.

MONEY HIERARCHY:
  ApprovedBudget (one per fiscal year)
    └── BudgetAllocation (one per department / end user)
          └── PRE ─▶ LineItemBudget (item_key × quarter)
                       ▲
                       └── AllocationRecord ◀── PR / AD

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: fixed-point decimal with two fractional digits
  - Identifiers: type-safe ids so allocation and request ids cannot be mixed
  - RequestKind, Status, Quarter: the small enums every other file uses

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal only, never float64
  2. Explicit mutation: only the Ledger changes balance counters
  3. Append-then-recompute: every mutation is journaled before derived
     balances are recomputed from their source counters
  4. Explicit archive filtering: callers opt in to archived rows

SEE ALSO:
  - entities.go: ApprovedBudget, BudgetAllocation, LineItemBudget, Request
  - ledger.go: the Ledger service that mutates balances
  - approval.go: the approval state machine
  - archive.go: fiscal year archive cascade
*/
package budget

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Fixed-point decimal amounts
// =============================================================================

// MoneyScale is the number of fractional digits an amount may carry.
const MoneyScale = 2

// ParseMoney parses a decimal string and rejects values with more than two
// fractional digits.
func ParseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, &ValidationError{Field: "amount", Message: fmt.Sprintf("invalid amount %q", s)}
	}
	if !IsMoney(d) {
		return decimal.Zero, &ValidationError{Field: "amount", Message: fmt.Sprintf("amount %s has more than %d decimal places", d, MoneyScale)}
	}
	return d, nil
}

// MustMoney parses s and panics on error. Use in tests and seed data.
func MustMoney(s string) decimal.Decimal {
	d, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return d
}

// IsMoney reports whether d fits in two fractional digits.
func IsMoney(d decimal.Decimal) bool {
	return d.Equal(d.Round(MoneyScale))
}

// clampZero returns d, or zero when d is negative.
func clampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func sumOf(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type BudgetID string
type AllocationID string
type LineItemID string
type RequestID string
type RecordID string
type EntryID string

// =============================================================================
// REQUEST KIND
// =============================================================================

// RequestKind identifies which document type a request is.
type RequestKind string

const (
	KindPRE RequestKind = "pre" // Program of Receipts and Expenditures
	KindPR  RequestKind = "pr"  // Purchase Request
	KindAD  RequestKind = "ad"  // Activity Design
)

// Valid reports whether k is a known request kind.
func (k RequestKind) Valid() bool {
	switch k {
	case KindPRE, KindPR, KindAD:
		return true
	}
	return false
}

// DrawsFromLineItems reports whether the kind is funded from PRE line items.
func (k RequestKind) DrawsFromLineItems() bool {
	return k == KindPR || k == KindAD
}

// ModelName is the record name used in audit entries, notifications and
// archive counts.
func (k RequestKind) ModelName() string {
	switch k {
	case KindPRE:
		return "department_pre"
	case KindPR:
		return "purchase_request"
	case KindAD:
		return "activity_design"
	}
	return "request"
}

func (k RequestKind) String() string { return string(k) }

// =============================================================================
// STATUS
// =============================================================================

// Status is the approval state of a request.
type Status string

const (
	StatusDraft             Status = "draft"
	StatusPending           Status = "pending"
	StatusPartiallyApproved Status = "partially_approved"
	StatusApproved          Status = "approved"
	StatusRejected          Status = "rejected"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusPartiallyApproved, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// =============================================================================
// QUARTER
// =============================================================================

// Quarter is a fiscal quarter, Q1 through Q4.
type Quarter string

const (
	Q1 Quarter = "Q1"
	Q2 Quarter = "Q2"
	Q3 Quarter = "Q3"
	Q4 Quarter = "Q4"
)

// Quarters lists the quarters in order.
var Quarters = []Quarter{Q1, Q2, Q3, Q4}

// ParseQuarter accepts "Q1".."Q4" in any case, or "1".."4".
func ParseQuarter(s string) (Quarter, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if len(v) == 1 {
		v = "Q" + v
	}
	q := Quarter(v)
	if !q.Valid() {
		return "", &ValidationError{Field: "quarter", Message: fmt.Sprintf("invalid quarter %q", s)}
	}
	return q, nil
}

// Valid reports whether q is Q1..Q4.
func (q Quarter) Valid() bool {
	switch q {
	case Q1, Q2, Q3, Q4:
		return true
	}
	return false
}
