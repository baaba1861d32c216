/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts travel as decimal strings with two fractional digits
  ("40000.00"). Requests may send "40000" or "40000.5"; more than two
  decimals is a 400.

VALIDATION:
  Request types carry go-playground/validator tags for shape checks
  (required, oneof, max lengths). Business rules stay in the budget
  package and come back as typed errors.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/pre.go: LineItemJSON, the PRE payload shape
*/
package api

import (
	"time"

	"github.com/warp/budget-ledger/budget"
	"github.com/warp/budget-ledger/factory"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateBudgetRequest creates the approved budget for a fiscal year.
type CreateBudgetRequest struct {
	FiscalYear string `json:"fiscal_year" validate:"required,max=16"`
	Title      string `json:"title" validate:"max=200"`
	Amount     string `json:"amount" validate:"required"`
	Actor      string `json:"actor" validate:"required"`
}

// AllocateRequest carves an allocation out of a budget.
type AllocateRequest struct {
	EndUser    string `json:"end_user" validate:"required,max=100"`
	Department string `json:"department" validate:"max=200"`
	Amount     string `json:"amount" validate:"required"`
	Actor      string `json:"actor" validate:"required"`
}

// FundingSourceRequest is one line-item quarter paying for a PR or AD.
type FundingSourceRequest struct {
	PREID   string `json:"pre_id" validate:"required"`
	ItemKey string `json:"item_key" validate:"required"`
	Quarter string `json:"quarter" validate:"required"`
	Amount  string `json:"amount" validate:"required"`
}

// SubmitRequestDTO creates a PRE, PR or AD.
type SubmitRequestDTO struct {
	Kind         string                 `json:"kind" validate:"required,oneof=pre pr ad"`
	Title        string                 `json:"title" validate:"required,max=200"`
	EndUser      string                 `json:"end_user" validate:"max=100"`
	AllocationID string                 `json:"allocation_id" validate:"required"`
	TotalAmount  string                 `json:"total_amount" validate:"required_unless=Kind pre"`
	LineItems    []factory.LineItemJSON `json:"line_items" validate:"required_if=Kind pre"`
	Funding      []FundingSourceRequest `json:"funding" validate:"dive"`
	Actor        string                 `json:"actor" validate:"required"`
	Draft        bool                   `json:"draft"`
}

// DecisionRequest is a reviewer verdict.
type DecisionRequest struct {
	Action string `json:"action" validate:"required,oneof=approve reject"`
	Actor  string `json:"actor" validate:"required"`
	Reason string `json:"reason" validate:"max=1000"`
}

// ActorRequest carries only who is acting.
type ActorRequest struct {
	Actor string `json:"actor" validate:"required"`
}

// ArchiveRequest archives or unarchives a fiscal year.
type ArchiveRequest struct {
	Actor  string `json:"actor" validate:"required"`
	Reason string `json:"reason" validate:"max=1000"`
}

// ArchiveRecordRequest archives or unarchives one record.
type ArchiveRecordRequest struct {
	Model  string `json:"model" validate:"required,oneof=approved_budget budget_allocation department_pre purchase_request activity_design"`
	ID     string `json:"id" validate:"required"`
	Actor  string `json:"actor" validate:"required"`
	Reason string `json:"reason" validate:"max=1000"`
}

// RealignRequest moves an amount between two line items or allocations.
type RealignRequest struct {
	Source string `json:"source" validate:"required"`
	Target string `json:"target" validate:"required,nefield=Source"`
	Amount string `json:"amount" validate:"required"`
	Actor  string `json:"actor" validate:"required"`
	Reason string `json:"reason" validate:"max=1000"`
}

// ReconcileRequest runs recalculate_and_fix.
type ReconcileRequest struct {
	AllocationID string `json:"allocation_id"`
	Apply        bool   `json:"apply"`
	Actor        string `json:"actor" validate:"required"`
}

// LoadScenarioRequest loads a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ArchiveDTO is the archive metadata of a record.
type ArchiveDTO struct {
	IsArchived    bool       `json:"is_archived"`
	ArchivedAt    *time.Time `json:"archived_at,omitempty"`
	ArchivedBy    string     `json:"archived_by,omitempty"`
	ArchiveReason string     `json:"archive_reason,omitempty"`
	ArchiveType   string     `json:"archive_type,omitempty"`
}

// BudgetDTO represents an approved budget.
type BudgetDTO struct {
	ID              string `json:"id"`
	FiscalYear      string `json:"fiscal_year"`
	Title           string `json:"title"`
	Amount          string `json:"amount"`
	RemainingBudget string `json:"remaining_budget"`
	ArchiveDTO
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// AllocationDTO represents a department allocation.
type AllocationDTO struct {
	ID               string `json:"id"`
	BudgetID         string `json:"budget_id"`
	EndUser          string `json:"end_user"`
	Department       string `json:"department,omitempty"`
	AllocatedAmount  string `json:"allocated_amount"`
	RemainingBalance string `json:"remaining_balance"`
	PREAmountUsed    string `json:"pre_amount_used"`
	PRAmountUsed     string `json:"pr_amount_used"`
	ADAmountUsed     string `json:"ad_amount_used"`
	IsCompiled       bool   `json:"is_compiled"`
	ArchiveDTO
}

// LineItemDTO represents one PRE line for one quarter.
type LineItemDTO struct {
	ID              string `json:"id"`
	PREID           string `json:"pre_id"`
	ItemKey         string `json:"item_key"`
	Category        string `json:"category,omitempty"`
	Quarter         string `json:"quarter"`
	AllocatedAmount string `json:"allocated_amount"`
	ConsumedAmount  string `json:"consumed_amount"`
	ReservedAmount  string `json:"reserved_amount"`
	AvailableAmount string `json:"available_amount"`
}

// FundingSourceDTO is a stored funding source.
type FundingSourceDTO struct {
	PREID   string `json:"pre_id"`
	ItemKey string `json:"item_key"`
	Quarter string `json:"quarter"`
	Amount  string `json:"amount"`
}

// RequestDTO represents a PRE, PR or AD.
type RequestDTO struct {
	ID                string             `json:"id"`
	Kind              string             `json:"kind"`
	Title             string             `json:"title"`
	EndUser           string             `json:"end_user"`
	AllocationID      string             `json:"allocation_id"`
	TotalAmount       string             `json:"total_amount"`
	Status            string             `json:"status"`
	ApprovedByAdmin   bool               `json:"approved_by_admin"`
	ApprovedByOfficer bool               `json:"approved_by_officer"`
	FinalApprovedAt   *time.Time         `json:"final_approved_at,omitempty"`
	RejectedBy        string             `json:"rejected_by,omitempty"`
	RejectionReason   string             `json:"rejection_reason,omitempty"`
	ChargedAmount     string             `json:"charged_amount"`
	Revision          int                `json:"revision"`
	Funding           []FundingSourceDTO `json:"funding,omitempty"`
	ArchiveDTO
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// ResultDTO is the outcome of a workflow action.
type ResultDTO struct {
	Request  RequestDTO `json:"request"`
	Applied  bool       `json:"applied"`
	Charged  string     `json:"charged"`
	Released string     `json:"released"`
}

// AllocationSummaryDTO is an allocation with its line items and requests.
type AllocationSummaryDTO struct {
	Allocation AllocationDTO     `json:"allocation"`
	LineItems  []LineItemDTO     `json:"line_items"`
	Requests   []RequestDTO      `json:"requests"`
	Quarters   map[string]string `json:"available_by_quarter"`
}

// RealignResponse shows both ends of a realignment.
type RealignResponse struct {
	Source any `json:"source"`
	Target any `json:"target"`
}

// EntryDTO is one ledger journal entry.
type EntryDTO struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	AllocationID string    `json:"allocation_id,omitempty"`
	LineItemID   string    `json:"line_item_id,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	Delta        string    `json:"delta"`
	BalanceAfter string    `json:"balance_after"`
	Reason       string    `json:"reason,omitempty"`
	CreatedBy    string    `json:"created_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuditDTO is one audit log entry.
type AuditDTO struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	ModelName string         `json:"model_name"`
	RecordID  string         `json:"record_id"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// ReconcileResponse wraps a discrepancy report.
type ReconcileResponse struct {
	*budget.DiscrepancyReport
	Summary string `json:"summary"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func money(d interface{ StringFixed(int32) string }) string {
	return d.StringFixed(budget.MoneyScale)
}

func toArchiveDTO(a budget.Archive) ArchiveDTO {
	return ArchiveDTO{
		IsArchived:    a.IsArchived,
		ArchivedAt:    a.ArchivedAt,
		ArchivedBy:    a.ArchivedBy,
		ArchiveReason: a.ArchiveReason,
		ArchiveType:   string(a.ArchiveType),
	}
}

func toBudgetDTO(b budget.ApprovedBudget) BudgetDTO {
	return BudgetDTO{
		ID:              string(b.ID),
		FiscalYear:      b.FiscalYear,
		Title:           b.Title,
		Amount:          money(b.Amount),
		RemainingBudget: money(b.RemainingBudget),
		ArchiveDTO:      toArchiveDTO(b.Archive),
		CreatedBy:       b.CreatedBy,
		CreatedAt:       b.CreatedAt,
	}
}

func toAllocationDTO(a budget.BudgetAllocation) AllocationDTO {
	return AllocationDTO{
		ID:               string(a.ID),
		BudgetID:         string(a.BudgetID),
		EndUser:          a.EndUser,
		Department:       a.Department,
		AllocatedAmount:  money(a.AllocatedAmount),
		RemainingBalance: money(a.RemainingBalance),
		PREAmountUsed:    money(a.PREAmountUsed),
		PRAmountUsed:     money(a.PRAmountUsed),
		ADAmountUsed:     money(a.ADAmountUsed),
		IsCompiled:       a.IsCompiled,
		ArchiveDTO:       toArchiveDTO(a.Archive),
	}
}

func toLineItemDTO(li budget.LineItemBudget) LineItemDTO {
	return LineItemDTO{
		ID:              string(li.ID),
		PREID:           string(li.PREID),
		ItemKey:         li.ItemKey,
		Category:        li.Category,
		Quarter:         string(li.Quarter),
		AllocatedAmount: money(li.AllocatedAmount),
		ConsumedAmount:  money(li.ConsumedAmount),
		ReservedAmount:  money(li.ReservedAmount),
		AvailableAmount: money(li.Available()),
	}
}

func toRequestDTO(r budget.Request) RequestDTO {
	dto := RequestDTO{
		ID:                string(r.ID),
		Kind:              string(r.Kind),
		Title:             r.Title,
		EndUser:           r.EndUser,
		AllocationID:      string(r.AllocationID),
		TotalAmount:       money(r.TotalAmount),
		Status:            string(r.Status),
		ApprovedByAdmin:   r.ApprovedByAdmin,
		ApprovedByOfficer: r.ApprovedByOfficer,
		FinalApprovedAt:   r.FinalApprovedAt,
		RejectedBy:        r.RejectedBy,
		RejectionReason:   r.RejectionReason,
		ChargedAmount:     money(r.ChargedAmount),
		Revision:          r.Revision,
		ArchiveDTO:        toArchiveDTO(r.Archive),
		CreatedBy:         r.CreatedBy,
		CreatedAt:         r.CreatedAt,
	}
	for _, fs := range r.Funding {
		dto.Funding = append(dto.Funding, FundingSourceDTO{
			PREID:   string(fs.PREID),
			ItemKey: fs.ItemKey,
			Quarter: string(fs.Quarter),
			Amount:  money(fs.Amount),
		})
	}
	return dto
}

func toResultDTO(res *budget.Result) ResultDTO {
	return ResultDTO{
		Request:  toRequestDTO(res.Request),
		Applied:  res.Applied,
		Charged:  money(res.Charged),
		Released: money(res.Released),
	}
}

func toEntryDTO(e budget.LedgerEntry) EntryDTO {
	return EntryDTO{
		ID:           string(e.ID),
		Kind:         string(e.Kind),
		AllocationID: string(e.AllocationID),
		LineItemID:   string(e.LineItemID),
		RequestID:    string(e.RequestID),
		Delta:        money(e.Delta),
		BalanceAfter: money(e.BalanceAfter),
		Reason:       e.Reason,
		CreatedBy:    e.CreatedBy,
		CreatedAt:    e.CreatedAt,
	}
}

func toAuditDTO(e budget.AuditEntry) AuditDTO {
	return AuditDTO{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		Actor:     e.Actor,
		Action:    string(e.Action),
		ModelName: e.ModelName,
		RecordID:  e.RecordID,
		Detail:    e.Detail,
	}
}
