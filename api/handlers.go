/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes inspection booking, pricing admin, dashboards and period
  settlement via REST. Handles HTTP request/response, JSON serialization
  and validation, and delegates to the inspection and settlement services.

ENDPOINTS:
  Dashboards:
    GET    /api/billing/period               Current period + days remaining
    GET    /api/agents/{id}/cashback         Unsettled cashback this period
    GET    /api/clerks/{id}/commission       Unsettled commission this period

  Ledger & invoices:
    GET    /api/billing/periods              Closed periods
    GET    /api/billing/periods/{number}     Period detail (payouts, invoices)
    GET    /api/invoices                     ?period=&biller_id=&role=
    GET    /api/invoices/{id}                One invoice

  Admin:
    POST   /api/admin/billing/close          Close current period (?period=N for any)
    POST   /api/admin/billing/catch-up       Close every elapsed open period
    POST   /api/admin/billing/periods/{number}/recover  Re-create missing invoices
    GET    /api/admin/pricing                Effective tables for every type
    GET    /api/admin/pricing/{type}         Effective table for one type
    PUT    /api/admin/pricing/{type}         Overwrite override
    DELETE /api/admin/pricing/{type}         Reset to defaults
    POST   /api/admin/inspections/{id}/reassign
    DELETE /api/admin/inspections            Bulk clear

  Inspections & users:
    GET    /api/pricing/quote                ?type=&bedrooms=
    GET    /api/users, POST /api/users
    GET    /api/inspections, POST /api/inspections
    GET    /api/inspections/{id}
    POST   /api/inspections/{id}/assign|start|complete|cancel

ERROR HANDLING:
  Errors are returned as JSON with a status derived from the error chain:
  - 400: Validation, invalid period/bedrooms/role, pricing configuration
  - 404: Resource not found
  - 409: Invalid status transition, ledger conflict after retries
  - 503: Storage failures ("try again later")
  A redundant close is not an error: 200 with already_closed=true.

SECURITY NOTE:
  No authentication. The /api/admin routes must sit behind an auth proxy
  in any shared deployment.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/inspection"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Inspections    *inspection.Service
	Settlement     *settlement.Service
	PricingFactory *factory.PricingFactory
	Logger         *zap.Logger

	// Now is the clock used for "current period" reads. Tests pin it.
	Now func() time.Time

	validate *validator.Validate
}

// NewHandler creates a new handler over the two services.
func NewHandler(inspections *inspection.Service, settle *settlement.Service, pricing *factory.PricingFactory, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON names
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		Inspections:    inspections,
		Settlement:     settle,
		PricingFactory: pricing,
		Logger:         logger.Named("api"),
		Now:            func() time.Time { return time.Now().UTC() },
		validate:       validate,
	}
}

// =============================================================================
// DASHBOARD HANDLERS
// =============================================================================

// GetCurrentPeriod returns the period banner. It reads no storage.
func (h *Handler) GetCurrentPeriod(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toPeriodDisplayDTO(h.Settlement.CurrentPeriodDisplay(h.Now())))
}

func (h *Handler) GetAgentCashback(w http.ResponseWriter, r *http.Request) {
	h.unprocessed(w, r, billing.RoleAgent)
}

func (h *Handler) GetClerkCommission(w http.ResponseWriter, r *http.Request) {
	h.unprocessed(w, r, billing.RoleClerk)
}

func (h *Handler) unprocessed(w http.ResponseWriter, r *http.Request, role billing.BillerRole) {
	id := billing.UserID(chi.URLParam(r, "id"))
	now := h.Now()

	var (
		amount billing.Money
		err    error
	)
	if role == billing.RoleAgent {
		amount, err = h.Settlement.UnprocessedCashback(r.Context(), id, now)
	} else {
		amount, err = h.Settlement.UnprocessedCommission(r.Context(), id, now)
	}
	if err != nil {
		h.writeDomainError(w, "Failed to compute "+role.PayoutKind(), err)
		return
	}

	writeJSON(w, http.StatusOK, UnprocessedDTO{
		BillerID:   string(id),
		Role:       string(role),
		PayoutKind: role.PayoutKind(),
		Period:     toPeriodDTO(h.Settlement.Calendar().CurrentPeriod(now)),
		Amount:     toMoneyDTO(amount.Round()),
		Exact:      amount.Value.String(),
	})
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

// CloseBillingPeriod closes the current period, or ?period=N.
func (h *Handler) CloseBillingPeriod(w http.ResponseWriter, r *http.Request) {
	var (
		res settlement.Result
		err error
	)
	if raw := r.URL.Query().Get("period"); raw != "" {
		n, convErr := strconv.Atoi(raw)
		if convErr != nil {
			writeError(w, http.StatusBadRequest, "Invalid period number", convErr)
			return
		}
		res, err = h.Settlement.ClosePeriodNumber(r.Context(), n)
	} else {
		res, err = h.Settlement.CloseCurrentPeriodAndInvoice(r.Context(), h.Now())
	}
	if err != nil {
		h.writeDomainError(w, "Failed to close billing period", err)
		return
	}

	h.Logger.Info("billing period close requested",
		zap.Int("period", res.Period.Number),
		zap.Bool("already_closed", res.AlreadyClosed),
		zap.Int("invoices_created", len(res.Created)))
	writeJSON(w, http.StatusOK, toCloseResponse(res))
}

// CatchUpPeriods closes every elapsed period without a ledger entry.
func (h *Handler) CatchUpPeriods(w http.ResponseWriter, r *http.Request) {
	results, err := h.Settlement.CloseElapsedPeriods(r.Context(), h.Now())
	if err != nil {
		h.writeDomainError(w, fmt.Sprintf("Catch-up stopped after %d periods", len(results)), err)
		return
	}
	dtos := make([]CloseResponse, len(results))
	for i, res := range results {
		dtos[i] = toCloseResponse(res)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) RecoverInvoices(w http.ResponseWriter, r *http.Request) {
	n, ok := periodParam(w, r)
	if !ok {
		return
	}
	created, err := h.Settlement.RecoverInvoices(r.Context(), n)
	if err != nil {
		h.writeDomainError(w, "Failed to recover invoices", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTOs(created))
}

func (h *Handler) ListPeriods(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.Settlement.ClosedPeriods(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list periods", err)
		return
	}
	dtos := make([]PeriodSummaryDTO, len(summaries))
	for i, s := range summaries {
		dtos[i] = toPeriodSummaryDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetPeriod(w http.ResponseWriter, r *http.Request) {
	n, ok := periodParam(w, r)
	if !ok {
		return
	}
	detail, err := h.Settlement.Period(r.Context(), n)
	if err != nil {
		h.writeDomainError(w, "Failed to load period", err)
		return
	}
	writeJSON(w, http.StatusOK, PeriodDetailDTO{
		PeriodSummaryDTO: toPeriodSummaryDTO(detail.PeriodSummary),
		Payouts:          toPayoutDTOs(detail.Payouts),
		Invoices:         toInvoiceDTOs(detail.Invoices),
	})
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter billing.InvoiceFilter

	if raw := q.Get("period"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid period number", err)
			return
		}
		filter.PeriodNumber = &n
	}
	if raw := q.Get("biller_id"); raw != "" {
		id := billing.BillerID(raw)
		filter.BillerID = &id
	}
	if raw := q.Get("role"); raw != "" {
		role, err := billing.ParseRole(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid role", err)
			return
		}
		filter.Role = &role
	}

	invs, err := h.Settlement.Invoices(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, "Failed to list invoices", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTOs(invs))
}

func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Settlement.Invoice(r.Context(), billing.InvoiceID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to load invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// =============================================================================
// PRICING HANDLERS
// =============================================================================

func (h *Handler) ListPricing(w http.ResponseWriter, r *http.Request) {
	all, err := h.Inspections.AllPricing(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list pricing", err)
		return
	}
	dtos := make([]PricingDTO, len(all))
	for i, ps := range all {
		dtos[i] = toPricingDTO(ps)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetPricing(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Inspections.Pricing(r.Context(), billing.InspectionType(chi.URLParam(r, "type")))
	if err != nil {
		h.writeDomainError(w, "Failed to load pricing", err)
		return
	}
	writeJSON(w, http.StatusOK, toPricingDTO(ps))
}

// UpdatePricing overwrites a type's table. Inspections already booked keep
// their price.
func (h *Handler) UpdatePricing(w http.ResponseWriter, r *http.Request) {
	var req UpdatePricingRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	ps, err := h.PricingFactory.Build(factory.PricingJSON{
		InspectionType: chi.URLParam(r, "type"),
		Currency:       req.Currency,
		BedroomPricing: req.BedroomPricing,
	}, "")
	if err != nil {
		h.writeDomainError(w, "Invalid pricing table", err)
		return
	}
	updated, err := h.Inspections.UpdatePricing(r.Context(), ps, billing.UserID(req.UpdatedBy))
	if err != nil {
		h.writeDomainError(w, "Failed to update pricing", err)
		return
	}
	writeJSON(w, http.StatusOK, toPricingDTO(updated))
}

func (h *Handler) ResetPricing(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Inspections.ResetPricing(r.Context(), billing.InspectionType(chi.URLParam(r, "type")))
	if err != nil {
		h.writeDomainError(w, "Failed to reset pricing", err)
		return
	}
	writeJSON(w, http.StatusOK, toPricingDTO(ps))
}

func (h *Handler) QuotePrice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	t := billing.InspectionType(q.Get("type"))
	bedrooms, err := strconv.Atoi(q.Get("bedrooms"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid bedrooms", err)
		return
	}
	price, err := h.Inspections.Quote(r.Context(), t, bedrooms)
	if err != nil {
		h.writeDomainError(w, "Failed to quote price", err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteDTO{
		Type:     string(t),
		Bedrooms: bedrooms,
		Bucket:   billing.BedroomBucket(bedrooms),
		Price:    toMoneyDTO(price),
	})
}

func toPricingDTO(ps billing.PricingSettings) PricingDTO {
	dto := PricingDTO{PricingJSON: factory.ToJSON(ps), Source: "default"}
	if !ps.LastUpdated.IsZero() {
		dto.Source = "override"
		dto.LastUpdated = ps.LastUpdated.Format(time.RFC3339)
		dto.UpdatedBy = string(ps.UpdatedBy)
	}
	return dto
}

// =============================================================================
// USER HANDLERS
// =============================================================================

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Inspections.Users(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list users", err)
		return
	}
	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	u, err := h.Inspections.RegisterUser(r.Context(), billing.User{
		ID:    billing.UserID(req.ID),
		Name:  req.Name,
		Email: req.Email,
		Role:  billing.UserRole(req.Role),
	})
	if err != nil {
		h.writeDomainError(w, "Failed to create user", err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(u))
}

// =============================================================================
// INSPECTION HANDLERS
// =============================================================================

func (h *Handler) ListInspections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	insps, err := h.Inspections.List(r.Context(), inspection.Filter{
		AgentID: billing.UserID(q.Get("agent_id")),
		ClerkID: billing.UserID(q.Get("clerk_id")),
		Status:  billing.InspectionStatus(q.Get("status")),
	})
	if err != nil {
		h.writeDomainError(w, "Failed to list inspections", err)
		return
	}
	writeJSON(w, http.StatusOK, toInspectionDTOs(insps))
}

func (h *Handler) GetInspection(w http.ResponseWriter, r *http.Request) {
	insp, err := h.Inspections.Get(r.Context(), billing.InspectionID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to load inspection", err)
		return
	}
	writeJSON(w, http.StatusOK, toInspectionDTO(insp))
}

// BookInspection creates a scheduled inspection priced from the active
// table.
func (h *Handler) BookInspection(w http.ResponseWriter, r *http.Request) {
	var req BookInspectionRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	insp, err := h.Inspections.Book(r.Context(), inspection.BookRequest{
		PropertyID:      billing.PropertyID(req.PropertyID),
		PropertyAddress: req.PropertyAddress,
		Bedrooms:        req.Bedrooms,
		AgentID:         billing.UserID(req.AgentID),
		Type:            billing.InspectionType(req.Type),
		ScheduledDate:   req.ScheduledDate,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to book inspection", err)
		return
	}
	writeJSON(w, http.StatusCreated, toInspectionDTO(insp))
}

func (h *Handler) AssignInspection(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	insp, err := h.Inspections.Assign(r.Context(), billing.InspectionID(chi.URLParam(r, "id")), billing.UserID(req.ClerkID))
	h.respondInspection(w, insp, err, "Failed to assign inspection")
}

func (h *Handler) StartInspection(w http.ResponseWriter, r *http.Request) {
	insp, err := h.Inspections.Start(r.Context(), billing.InspectionID(chi.URLParam(r, "id")))
	h.respondInspection(w, insp, err, "Failed to start inspection")
}

// CompleteInspection accepts an optional body with completed_at.
func (h *Handler) CompleteInspection(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	var completedAt time.Time
	if req.CompletedAt != nil {
		completedAt = *req.CompletedAt
	}
	insp, err := h.Inspections.Complete(r.Context(), billing.InspectionID(chi.URLParam(r, "id")), completedAt)
	h.respondInspection(w, insp, err, "Failed to complete inspection")
}

func (h *Handler) CancelInspection(w http.ResponseWriter, r *http.Request) {
	insp, err := h.Inspections.Cancel(r.Context(), billing.InspectionID(chi.URLParam(r, "id")))
	h.respondInspection(w, insp, err, "Failed to cancel inspection")
}

func (h *Handler) ReassignInspection(w http.ResponseWriter, r *http.Request) {
	var req ReassignRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	insp, err := h.Inspections.Reassign(r.Context(), billing.InspectionID(chi.URLParam(r, "id")), inspection.ReassignRequest{
		AgentID: billing.UserID(req.AgentID),
		ClerkID: billing.UserID(req.ClerkID),
	})
	h.respondInspection(w, insp, err, "Failed to reassign inspection")
}

func (h *Handler) ClearInspections(w http.ResponseWriter, r *http.Request) {
	n, err := h.Inspections.BulkClear(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to clear inspections", err)
		return
	}
	writeJSON(w, http.StatusOK, ClearResponse{Deleted: n})
}

func (h *Handler) respondInspection(w http.ResponseWriter, insp billing.Inspection, err error, message string) {
	if err != nil {
		h.writeDomainError(w, message, err)
		return
	}
	writeJSON(w, http.StatusOK, toInspectionDTO(insp))
}

func toInspectionDTOs(insps []billing.Inspection) []InspectionDTO {
	out := make([]InspectionDTO, len(insps))
	for i, insp := range insps {
		out[i] = toInspectionDTO(insp)
	}
	return out
}

// =============================================================================
// HELPERS
// =============================================================================

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

// statusFor maps a domain error chain to an HTTP status.
func statusFor(err error) int {
	switch {
	case billing.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrInvalidTransition),
		errors.Is(err, billing.ErrInspectionAlreadyCovered),
		errors.Is(err, billing.ErrConcurrentModification):
		return http.StatusConflict
	case billing.IsClientError(err):
		return http.StatusBadRequest
	default:
		// Anything unclassified came from storage; the client may retry
		return http.StatusServiceUnavailable
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		// Storage details stay in the log
		h.Logger.Error(message, zap.Error(err))
		writeError(w, status, message+", try again later", nil)
		return
	}
	writeError(w, status, message, err)
}

// decodeAndValidate reads a JSON body into dst and runs its validate tags.
// It writes the 400 response itself and reports whether to continue.
func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		resp := ErrorResponse{Error: "Validation failed", Details: err.Error()}
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			resp.Fields = make(map[string]string, len(ve))
			for _, fe := range ve {
				resp.Fields[fe.Field()] = fe.Tag()
			}
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return false
	}
	return true
}

func periodParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period number", err)
		return 0, false
	}
	return n, true
}
