/*
handlers.go - HTTP API handlers for the budget ledger

PURPOSE:
  Exposes the budget ledger via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to budget.Service. No balance is ever
  changed here; every mutation is one Service call.

ENDPOINTS:
  Budgets:
    GET    /api/budgets                         List approved budgets
    POST   /api/budgets                         Create approved budget
    GET    /api/budgets/{id}                    Get approved budget
    GET    /api/budgets/{id}/allocations        List allocations
    POST   /api/budgets/{id}/allocations        Allocate to a department

  Allocations:
    GET    /api/allocations/{id}                Summary with line items and requests
    DELETE /api/allocations/{id}?actor=         Delete, returning unused funds
    GET    /api/allocations/{id}/entries        Ledger journal
    POST   /api/allocations/realign             Move funds between allocations

  Requests:
    GET    /api/requests                        List (allocation_id, kind, status, include_archived)
    POST   /api/requests                        Create and submit a PRE / PR / AD
    GET    /api/requests/{id}                   Get request
    DELETE /api/requests/{id}?actor=            Delete, reversing ledger effects
    POST   /api/requests/{id}/submit            Submit a draft or resubmit a rejected request
    POST   /api/requests/{id}/admin-decision    Admin approve / reject
    POST   /api/requests/{id}/officer-decision  Approving Officer approve / reject
    GET    /api/requests/{id}/line-items        PRE line items

  Line items:
    POST   /api/line-items/realign              Move funds between PRE lines

  Archive:
    POST   /api/fiscal-years/{year}/archive     Archive cascade
    POST   /api/fiscal-years/{year}/unarchive   Unarchive cascade (reason required)
    POST   /api/records/archive                 Archive one record
    POST   /api/records/unarchive               Unarchive one record (reason required)

  Reconciliation:
    POST   /api/reconciliation/run              recalculate_and_fix
    GET    /api/reconciliation/last             Last scheduled report

  Audit:
    GET    /api/audit                           Query (actor, model, record_id, limit)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Record not found (or not in the requested archive state)
  - 409: Invalid transition, protected record, uniqueness conflict
  - 422: Insufficient budget, over allocation
  - 503: Balance lock not obtained (retry)
  - 500: Internal errors

SECURITY NOTE:
  No authentication. The actor is taken from the request body as given;
  role checks belong to the fronting application.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/warp/budget-ledger/budget"
	"github.com/warp/budget-ledger/factory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter is implemented by stores that can drop all data.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service    *budget.Service
	PREFactory *factory.PREFactory

	validate  *validator.Validate
	log       logrus.FieldLogger
	scheduler *ReconciliationScheduler

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over svc.
func NewHandler(svc *budget.Service, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Service:    svc,
		PREFactory: factory.NewPREFactory(),
		validate:   newValidator(),
		log:        log,
	}
}

// SetScheduler lets GET /api/reconciliation/last read the scheduler's report.
func (h *Handler) SetScheduler(s *ReconciliationScheduler) {
	h.scheduler = s
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Health reports that the process is up and the store answers.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Service.Store().ListBudgets(r.Context(), false); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// BUDGET HANDLERS
// =============================================================================

// ListBudgets returns approved budgets.
// GET /api/budgets?include_archived=true
func (h *Handler) ListBudgets(w http.ResponseWriter, r *http.Request) {
	budgets, err := h.Service.Store().ListBudgets(r.Context(), includeArchived(r))
	if err != nil {
		h.writeServiceError(w, r, "Failed to list budgets", err)
		return
	}
	dtos := make([]BudgetDTO, len(budgets))
	for i, b := range budgets {
		dtos[i] = toBudgetDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateBudget creates the approved budget for a fiscal year.
// POST /api/budgets
func (h *Handler) CreateBudget(w http.ResponseWriter, r *http.Request) {
	var req CreateBudgetRequest
	if !h.bind(w, r, &req) {
		return
	}
	amount, err := budget.ParseMoney(req.Amount)
	if err != nil {
		h.writeServiceError(w, r, "Invalid amount", err)
		return
	}

	b, err := h.Service.CreateApprovedBudget(r.Context(), budget.CreateBudgetInput{
		FiscalYear: req.FiscalYear,
		Title:      req.Title,
		Amount:     amount,
		Actor:      req.Actor,
	})
	if err != nil {
		h.writeServiceError(w, r, "Failed to create budget", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBudgetDTO(*b))
}

// GetBudget returns one approved budget.
// GET /api/budgets/{id}
func (h *Handler) GetBudget(w http.ResponseWriter, r *http.Request) {
	b, err := h.Service.Store().GetBudget(r.Context(), budget.BudgetID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, "Failed to get budget", err)
		return
	}
	writeJSON(w, http.StatusOK, toBudgetDTO(*b))
}

// ListAllocations returns the allocations of one budget.
// GET /api/budgets/{id}/allocations?include_archived=true
func (h *Handler) ListAllocations(w http.ResponseWriter, r *http.Request) {
	allocs, err := h.Service.Store().ListAllocations(r.Context(), budget.BudgetID(chi.URLParam(r, "id")), includeArchived(r))
	if err != nil {
		h.writeServiceError(w, r, "Failed to list allocations", err)
		return
	}
	dtos := make([]AllocationDTO, len(allocs))
	for i, a := range allocs {
		dtos[i] = toAllocationDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Allocate carves a department allocation out of a budget.
// POST /api/budgets/{id}/allocations
func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if !h.bind(w, r, &req) {
		return
	}
	amount, err := budget.ParseMoney(req.Amount)
	if err != nil {
		h.writeServiceError(w, r, "Invalid amount", err)
		return
	}

	a, err := h.Service.AllocateBudget(r.Context(), budget.AllocateInput{
		BudgetID:   budget.BudgetID(chi.URLParam(r, "id")),
		EndUser:    req.EndUser,
		Department: req.Department,
		Amount:     amount,
		Actor:      req.Actor,
	})
	if err != nil {
		h.writeServiceError(w, r, "Failed to allocate budget", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAllocationDTO(*a))
}

// =============================================================================
// ALLOCATION HANDLERS
// =============================================================================

// GetAllocation returns an allocation with its line items and requests.
// GET /api/allocations/{id}
func (h *Handler) GetAllocation(w http.ResponseWriter, r *http.Request) {
	view, err := h.Service.AllocationSummary(r.Context(), budget.AllocationID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, "Failed to get allocation", err)
		return
	}

	approved := make(map[budget.RequestID]bool)
	resp := AllocationSummaryDTO{
		Allocation: toAllocationDTO(view.Allocation),
		LineItems:  make([]LineItemDTO, 0, len(view.LineItems)),
		Requests:   make([]RequestDTO, 0, len(view.Requests)),
		Quarters:   make(map[string]string, len(budget.Quarters)),
	}
	for _, req := range view.Requests {
		resp.Requests = append(resp.Requests, toRequestDTO(req))
		if req.Kind == budget.KindPRE && req.Status == budget.StatusApproved {
			approved[req.ID] = true
		}
	}
	for _, q := range budget.Quarters {
		total := budget.MustMoney("0")
		for _, li := range view.LineItems {
			if li.Quarter == q && approved[li.PREID] {
				total = total.Add(li.Available())
			}
		}
		resp.Quarters[string(q)] = money(total)
	}
	for _, li := range view.LineItems {
		resp.LineItems = append(resp.LineItems, toLineItemDTO(li))
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteAllocation removes an allocation that no request references.
// DELETE /api/allocations/{id}?actor=
func (h *Handler) DeleteAllocation(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	returned, err := h.Service.DeleteAllocation(r.Context(), budget.AllocationID(chi.URLParam(r, "id")), actor)
	if err != nil {
		h.writeServiceError(w, r, "Failed to delete allocation", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"returned_to_budget": money(returned)})
}

// ListAllocationEntries returns the ledger journal of one allocation.
// GET /api/allocations/{id}/entries
func (h *Handler) ListAllocationEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Service.Store().ListEntries(r.Context(), budget.EntryFilter{
		AllocationID: budget.AllocationID(chi.URLParam(r, "id")),
	})
	if err != nil {
		h.writeServiceError(w, r, "Failed to list ledger entries", err)
		return
	}
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RealignAllocations moves unused funds between two allocations.
// POST /api/allocations/realign
func (h *Handler) RealignAllocations(w http.ResponseWriter, r *http.Request) {
	in, ok := h.bindRealign(w, r)
	if !ok {
		return
	}
	src, dst, err := h.Service.RealignAllocations(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, r, "Failed to realign allocations", err)
		return
	}
	writeJSON(w, http.StatusOK, RealignResponse{Source: toAllocationDTO(*src), Target: toAllocationDTO(*dst)})
}

// =============================================================================
// REQUEST HANDLERS
// =============================================================================

// ListRequests returns requests matching the query.
// GET /api/requests?allocation_id=&kind=&status=pending,approved&include_archived=true
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := budget.RequestFilter{
		AllocationID:    budget.AllocationID(q.Get("allocation_id")),
		Kind:            budget.RequestKind(q.Get("kind")),
		IncludeArchived: includeArchived(r),
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid kind", nil)
		return
	}
	if s := q.Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			status := budget.Status(strings.TrimSpace(part))
			if !status.Valid() {
				writeError(w, http.StatusBadRequest, "Invalid status", fmt.Errorf("unknown status %q", part))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	reqs, err := h.Service.Store().ListRequests(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, "Failed to list requests", err)
		return
	}
	dtos := make([]RequestDTO, len(reqs))
	for i, req := range reqs {
		dtos[i] = toRequestDTO(req)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SubmitRequest creates a PRE, PR or AD and submits it unless draft is set.
// POST /api/requests
func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequestDTO
	if !h.bind(w, r, &req) {
		return
	}
	in, err := h.toSubmitInput(req)
	if err != nil {
		h.writeServiceError(w, r, "Invalid request", err)
		return
	}

	created, err := h.Service.SubmitRequest(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, r, "Failed to submit request", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(*created))
}

func (h *Handler) toSubmitInput(req SubmitRequestDTO) (budget.SubmitInput, error) {
	in := budget.SubmitInput{
		Kind:         budget.RequestKind(req.Kind),
		Title:        req.Title,
		EndUser:      req.EndUser,
		AllocationID: budget.AllocationID(req.AllocationID),
		Actor:        req.Actor,
		Draft:        req.Draft,
	}
	if in.Kind == budget.KindPRE {
		doc, err := h.PREFactory.FromJSON(factory.PREJSON{Title: req.Title, LineItems: req.LineItems})
		if err != nil {
			return in, err
		}
		in.LineItems = doc.LineItems
		return in, nil
	}

	total, err := budget.ParseMoney(req.TotalAmount)
	if err != nil {
		return in, err
	}
	in.TotalAmount = total
	for _, f := range req.Funding {
		q, err := budget.ParseQuarter(f.Quarter)
		if err != nil {
			return in, err
		}
		amount, err := budget.ParseMoney(f.Amount)
		if err != nil {
			return in, err
		}
		fs, err := budget.NewFundingSource(budget.RequestID(f.PREID), f.ItemKey, q, amount)
		if err != nil {
			return in, err
		}
		in.Funding = append(in.Funding, fs)
	}
	return in, nil
}

// GetRequest returns one request, archived or not.
// GET /api/requests/{id}
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Service.Store().GetRequest(r.Context(), budget.RequestID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, "Failed to get request", err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*req))
}

// GetRequestLineItems returns a PRE's line items.
// GET /api/requests/{id}/line-items
func (h *Handler) GetRequestLineItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.Service.Store().ListLineItems(r.Context(), budget.RequestID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, "Failed to list line items", err)
		return
	}
	dtos := make([]LineItemDTO, len(items))
	for i, li := range items {
		dtos[i] = toLineItemDTO(li)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ResubmitRequest moves a draft or rejected request into the approval queue.
// POST /api/requests/{id}/submit
func (h *Handler) ResubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !h.bind(w, r, &req) {
		return
	}
	submitted, err := h.Service.Submit(r.Context(), budget.RequestID(chi.URLParam(r, "id")), req.Actor)
	if err != nil {
		h.writeServiceError(w, r, "Failed to submit request", err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*submitted))
}

// AdminDecision records the Admin's verdict.
// POST /api/requests/{id}/admin-decision
func (h *Handler) AdminDecision(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.Service.AdminDecide)
}

// OfficerDecision records the Approving Officer's verdict.
// POST /api/requests/{id}/officer-decision
func (h *Handler) OfficerDecision(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.Service.OfficerDecide)
}

type decideFunc func(ctx context.Context, id budget.RequestID, d budget.Decision) (*budget.Result, error)

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, fn decideFunc) {
	var req DecisionRequest
	if !h.bind(w, r, &req) {
		return
	}
	res, err := fn(r.Context(), budget.RequestID(chi.URLParam(r, "id")), budget.Decision{
		Action: budget.Action(req.Action),
		Actor:  req.Actor,
		Reason: req.Reason,
	})
	if err != nil {
		h.writeServiceError(w, r, "Failed to record decision", err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(res))
}

// DeleteRequest removes a request, giving back what it holds.
// DELETE /api/requests/{id}?actor=
func (h *Handler) DeleteRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	res, err := h.Service.DeleteRequest(r.Context(), budget.RequestID(chi.URLParam(r, "id")), actor)
	if err != nil {
		h.writeServiceError(w, r, "Failed to delete request", err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(res))
}

// =============================================================================
// LINE ITEM HANDLERS
// =============================================================================

// RealignLineItems moves unconsumed funds between two lines of one PRE.
// POST /api/line-items/realign
func (h *Handler) RealignLineItems(w http.ResponseWriter, r *http.Request) {
	in, ok := h.bindRealign(w, r)
	if !ok {
		return
	}
	src, dst, err := h.Service.RealignLineItems(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, r, "Failed to realign line items", err)
		return
	}
	writeJSON(w, http.StatusOK, RealignResponse{Source: toLineItemDTO(*src), Target: toLineItemDTO(*dst)})
}

func (h *Handler) bindRealign(w http.ResponseWriter, r *http.Request) (budget.RealignInput, bool) {
	var req RealignRequest
	if !h.bind(w, r, &req) {
		return budget.RealignInput{}, false
	}
	amount, err := budget.ParseMoney(req.Amount)
	if err != nil {
		h.writeServiceError(w, r, "Invalid amount", err)
		return budget.RealignInput{}, false
	}
	return budget.RealignInput{
		Source: req.Source,
		Target: req.Target,
		Amount: amount,
		Actor:  req.Actor,
		Reason: req.Reason,
	}, true
}

// =============================================================================
// ARCHIVE HANDLERS
// =============================================================================

// ArchiveFiscalYear archives a fiscal year and everything beneath it.
// POST /api/fiscal-years/{year}/archive
func (h *Handler) ArchiveFiscalYear(w http.ResponseWriter, r *http.Request) {
	var req ArchiveRequest
	if !h.bind(w, r, &req) {
		return
	}
	counts, err := h.Service.ArchiveFiscalYear(r.Context(), chi.URLParam(r, "year"), req.Actor, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, "Failed to archive fiscal year", err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// UnarchiveFiscalYear restores a fiscal year. A reason is required.
// POST /api/fiscal-years/{year}/unarchive
func (h *Handler) UnarchiveFiscalYear(w http.ResponseWriter, r *http.Request) {
	var req ArchiveRequest
	if !h.bind(w, r, &req) {
		return
	}
	counts, err := h.Service.UnarchiveFiscalYear(r.Context(), chi.URLParam(r, "year"), req.Actor, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, "Failed to unarchive fiscal year", err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// ArchiveRecord archives one record without cascading.
// POST /api/records/archive
func (h *Handler) ArchiveRecord(w http.ResponseWriter, r *http.Request) {
	var req ArchiveRecordRequest
	if !h.bind(w, r, &req) {
		return
	}
	ref := budget.RecordRef{Model: req.Model, ID: req.ID}
	if err := h.Service.ArchiveRecord(r.Context(), ref, req.Actor, req.Reason); err != nil {
		h.writeServiceError(w, r, "Failed to archive record", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"model": req.Model, "id": req.ID, "is_archived": true})
}

// UnarchiveRecord restores one record without cascading.
// POST /api/records/unarchive
func (h *Handler) UnarchiveRecord(w http.ResponseWriter, r *http.Request) {
	var req ArchiveRecordRequest
	if !h.bind(w, r, &req) {
		return
	}
	ref := budget.RecordRef{Model: req.Model, ID: req.ID}
	if err := h.Service.UnarchiveRecord(r.Context(), ref, req.Actor, req.Reason); err != nil {
		h.writeServiceError(w, r, "Failed to unarchive record", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"model": req.Model, "id": req.ID, "is_archived": false})
}

// =============================================================================
// RECONCILIATION AND AUDIT
// =============================================================================

// RunReconciliation runs recalculate_and_fix on demand.
// POST /api/reconciliation/run
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if !h.bind(w, r, &req) {
		return
	}
	report, err := h.Service.RecalculateAndFix(r.Context(), budget.ReconcileOptions{
		AllocationID: budget.AllocationID(req.AllocationID),
		Apply:        req.Apply,
		Actor:        req.Actor,
	})
	if err != nil {
		h.writeServiceError(w, r, "Reconciliation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileResponse(report))
}

// LastReconciliation returns the scheduler's most recent report.
// GET /api/reconciliation/last
func (h *Handler) LastReconciliation(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeError(w, http.StatusNotFound, "Scheduler not running", nil)
		return
	}
	report := h.scheduler.LastReport()
	if report == nil {
		writeError(w, http.StatusNotFound, "No reconciliation run yet", nil)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileResponse(report))
}

func toReconcileResponse(report *budget.DiscrepancyReport) ReconcileResponse {
	summary := "no discrepancies"
	if err := report.Err(); err != nil {
		summary = err.Error()
	}
	return ReconcileResponse{DiscrepancyReport: report, Summary: summary}
}

// QueryAudit returns audit entries.
// GET /api/audit?actor=&model=&record_id=&limit=
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := budget.AuditFilter{
		Actor:     q.Get("actor"),
		ModelName: q.Get("model"),
		RecordID:  q.Get("record_id"),
		Limit:     100,
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = n
	}

	entries, err := h.Service.Store().QueryAudit(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, "Failed to query audit log", err)
		return
	}
	dtos := make([]AuditDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

// bind decodes the JSON body into dst and validates it. On failure it
// writes a 400 and returns false.
func (h *Handler) bind(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Code: "validation_error", Details: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := strings.TrimSpace(r.URL.Query().Get("actor"))
	if actor == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Code: "validation_error", Details: map[string]string{"actor": "required"}})
		return "", false
	}
	return actor, true
}

func includeArchived(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("include_archived"))
	return v
}

// statusFor maps a budget error to its HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, budget.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, budget.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, budget.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, budget.ErrProtected):
		return http.StatusConflict, "protected"
	case errors.Is(err, budget.ErrConflict), errors.Is(err, budget.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, "conflict"
	case errors.Is(err, budget.ErrInsufficientBudget):
		return http.StatusUnprocessableEntity, "insufficient_budget"
	case errors.Is(err, budget.ErrOverAllocation):
		return http.StatusUnprocessableEntity, "over_allocation"
	case errors.Is(err, budget.ErrLockNotObtained):
		return http.StatusServiceUnavailable, "lock_not_obtained"
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeServiceError writes err with its mapped status. Balance errors
// carry their numbers so the client can show an actionable message.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Error: message, Code: code, Details: err.Error()}

	var ib *budget.InsufficientBudgetError
	var oa *budget.OverAllocationError
	switch {
	case errors.As(err, &ib):
		resp.Details = map[string]string{
			"message":   err.Error(),
			"scope":     ib.Scope,
			"id":        ib.ID,
			"available": money(ib.Available),
			"requested": money(ib.Requested),
			"shortfall": money(ib.Shortfall()),
		}
	case errors.As(err, &oa):
		resp.Details = map[string]string{
			"message":   err.Error(),
			"item_key":  oa.ItemKey,
			"quarter":   string(oa.Quarter),
			"available": money(oa.Available),
			"requested": money(oa.Requested),
		}
	}

	if status == http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", r.URL.Path).Error(message)
		resp.Details = nil
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
