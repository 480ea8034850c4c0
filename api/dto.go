/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts are decimal strings. Running (unsettled) totals are rounded to
  pennies here, at display; the exact value is returned alongside.

VALIDATION:
  Request types carry go-playground/validator tags. Handlers call
  decodeAndValidate before touching the domain services.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/pricing.go: PricingJSON type
*/
package api

import (
	"time"

	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// MONEY & PERIODS
// =============================================================================

// MoneyDTO is a rounded amount with its currency.
type MoneyDTO struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func toMoneyDTO(m billing.Money) MoneyDTO {
	return MoneyDTO{Amount: m.Value.StringFixed(billing.PennyPlaces), Currency: string(m.Currency)}
}

// PeriodDTO is a billing period. end is exclusive.
type PeriodDTO struct {
	Number  int    `json:"number"`
	Start   string `json:"start"`
	End     string `json:"end"`
	LastDay string `json:"last_day"`
	Label   string `json:"label"`
}

func toPeriodDTO(p billing.BillingPeriod) PeriodDTO {
	return PeriodDTO{
		Number:  p.Number,
		Start:   p.Start.Format(time.RFC3339),
		End:     p.End.Format(time.RFC3339),
		LastDay: p.LastDay().Format("2006-01-02"),
		Label:   p.Label(),
	}
}

// PeriodDisplayDTO is the dashboard banner.
type PeriodDisplayDTO struct {
	Period        PeriodDTO `json:"period"`
	Label         string    `json:"label"`
	DaysRemaining int       `json:"days_remaining"`
}

func toPeriodDisplayDTO(d settlement.PeriodDisplay) PeriodDisplayDTO {
	return PeriodDisplayDTO{Period: toPeriodDTO(d.Period), Label: d.Label, DaysRemaining: d.DaysRemaining}
}

// UnprocessedDTO is a biller's running total for the current period.
type UnprocessedDTO struct {
	BillerID   string    `json:"biller_id"`
	Role       string    `json:"role"`
	PayoutKind string    `json:"payout_kind"`
	Period     PeriodDTO `json:"period"`
	Amount     MoneyDTO  `json:"amount"`
	Exact      string    `json:"exact"`
}

// =============================================================================
// LEDGER
// =============================================================================

type PayoutDTO struct {
	Role         string   `json:"role"`
	BillerID     string   `json:"biller_id"`
	PeriodNumber int      `json:"period_number"`
	Amount       MoneyDTO `json:"amount"`
	Exact        string   `json:"exact"`
	Inspections  []string `json:"inspection_ids"`
}

func toPayoutDTOs(payouts []billing.Payout) []PayoutDTO {
	out := make([]PayoutDTO, len(payouts))
	for i, p := range payouts {
		out[i] = PayoutDTO{
			Role:         string(p.Role),
			BillerID:     string(p.BillerID),
			PeriodNumber: p.PeriodNumber,
			Amount:       toMoneyDTO(p.Amount.Round()),
			Exact:        p.Amount.Value.String(),
			Inspections:  idStrings(p.SourceInspectionIDs),
		}
	}
	return out
}

// PeriodSummaryDTO is a period with its settlement state.
type PeriodSummaryDTO struct {
	Period             PeriodDTO `json:"period"`
	State              string    `json:"state"`
	ClosedAt           string    `json:"closed_at,omitempty"`
	CoveredInspections []string  `json:"covered_inspection_ids"`
}

func toPeriodSummaryDTO(s settlement.PeriodSummary) PeriodSummaryDTO {
	dto := PeriodSummaryDTO{Period: toPeriodDTO(s.Period), State: string(s.State), CoveredInspections: []string{}}
	if s.Entry != nil {
		dto.ClosedAt = s.Entry.ClosedAt.Format(time.RFC3339)
		dto.CoveredInspections = idStrings(s.Entry.CoveredInspectionIDs)
	}
	return dto
}

// PeriodDetailDTO adds payouts and invoices to a summary.
type PeriodDetailDTO struct {
	PeriodSummaryDTO
	Payouts  []PayoutDTO  `json:"payouts"`
	Invoices []InvoiceDTO `json:"invoices"`
}

// CloseResponse is the result of a close-and-invoice run.
type CloseResponse struct {
	Period        PeriodDTO    `json:"period"`
	AlreadyClosed bool         `json:"already_closed"`
	ClosedAt      string       `json:"closed_at"`
	Covered       []string     `json:"covered_inspection_ids"`
	Payouts       []PayoutDTO  `json:"payouts"`
	Created       []InvoiceDTO `json:"created_invoices"`
	Invoices      []InvoiceDTO `json:"invoices"`
}

func toCloseResponse(r settlement.Result) CloseResponse {
	return CloseResponse{
		Period:        toPeriodDTO(r.Period),
		AlreadyClosed: r.AlreadyClosed,
		ClosedAt:      r.Entry.ClosedAt.Format(time.RFC3339),
		Covered:       idStrings(r.Entry.CoveredInspectionIDs),
		Payouts:       toPayoutDTOs(r.Payouts),
		Created:       toInvoiceDTOs(r.Created),
		Invoices:      toInvoiceDTOs(r.Invoices),
	}
}

// =============================================================================
// INVOICES
// =============================================================================

type InvoiceLineDTO struct {
	InspectionID string `json:"inspection_id"`
	Description  string `json:"description"`
	Amount       string `json:"amount"`
}

type InvoiceDTO struct {
	ID           string           `json:"id"`
	PeriodNumber int              `json:"period_number"`
	PeriodStart  string           `json:"period_start"`
	PeriodEnd    string           `json:"period_end"`
	Role         string           `json:"role"`
	PayoutKind   string           `json:"payout_kind"`
	BillerID     string           `json:"biller_id"`
	BillerName   string           `json:"biller_name,omitempty"`
	LineItems    []InvoiceLineDTO `json:"line_items"`
	Total        MoneyDTO         `json:"total"`
	CreatedAt    string           `json:"created_at"`
}

func toInvoiceDTO(inv billing.Invoice) InvoiceDTO {
	lines := make([]InvoiceLineDTO, len(inv.LineItems))
	for i, l := range inv.LineItems {
		lines[i] = InvoiceLineDTO{
			InspectionID: string(l.InspectionID),
			Description:  l.Description,
			Amount:       l.Amount.Value.StringFixed(billing.PennyPlaces),
		}
	}
	return InvoiceDTO{
		ID:           string(inv.ID),
		PeriodNumber: inv.PeriodNumber,
		PeriodStart:  inv.PeriodStart.Format(time.RFC3339),
		PeriodEnd:    inv.PeriodEnd.Format(time.RFC3339),
		Role:         string(inv.Role),
		PayoutKind:   inv.Role.PayoutKind(),
		BillerID:     string(inv.BillerID),
		BillerName:   inv.BillerName,
		LineItems:    lines,
		Total:        toMoneyDTO(inv.Total),
		CreatedAt:    inv.CreatedAt.Format(time.RFC3339),
	}
}

func toInvoiceDTOs(invs []billing.Invoice) []InvoiceDTO {
	out := make([]InvoiceDTO, len(invs))
	for i, inv := range invs {
		out[i] = toInvoiceDTO(inv)
	}
	return out
}

// =============================================================================
// USERS
// =============================================================================

type UserDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

type CreateUserRequest struct {
	ID    string `json:"id" validate:"omitempty,max=64"`
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"omitempty,email"`
	Role  string `json:"role" validate:"required,oneof=agent clerk admin"`
}

func toUserDTO(u billing.User) UserDTO {
	return UserDTO{
		ID:        string(u.ID),
		Name:      u.Name,
		Email:     u.Email,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// INSPECTIONS
// =============================================================================

type InspectionDTO struct {
	ID              string   `json:"id"`
	PropertyID      string   `json:"property_id"`
	PropertyAddress string   `json:"property_address,omitempty"`
	Bedrooms        int      `json:"bedrooms"`
	AgentID         string   `json:"agent_id"`
	ClerkID         string   `json:"clerk_id,omitempty"`
	Type            string   `json:"type"`
	Price           MoneyDTO `json:"price"`
	Status          string   `json:"status"`
	ScheduledDate   string   `json:"scheduled_date"`
	CompletedDate   *string  `json:"completed_date,omitempty"`
	CreatedAt       string   `json:"created_at"`
}

func toInspectionDTO(i billing.Inspection) InspectionDTO {
	dto := InspectionDTO{
		ID:              string(i.ID),
		PropertyID:      string(i.PropertyID),
		PropertyAddress: i.PropertyAddress,
		Bedrooms:        i.Bedrooms,
		AgentID:         string(i.AgentID),
		ClerkID:         string(i.ClerkID),
		Type:            string(i.Type),
		Price:           toMoneyDTO(i.Price),
		Status:          string(i.Status),
		ScheduledDate:   i.ScheduledDate.Format(time.RFC3339),
		CreatedAt:       i.CreatedAt.Format(time.RFC3339),
	}
	if i.CompletedDate != nil {
		dto.CompletedDate = strPtr(i.CompletedDate.Format(time.RFC3339))
	}
	return dto
}

// BookInspectionRequest books an inspection. The price is not accepted
// from clients; it is resolved from the active pricing table.
type BookInspectionRequest struct {
	PropertyID      string    `json:"property_id" validate:"required"`
	PropertyAddress string    `json:"property_address" validate:"max=500"`
	Bedrooms        int       `json:"bedrooms" validate:"gte=0"`
	AgentID         string    `json:"agent_id" validate:"required"`
	Type            string    `json:"type" validate:"required,oneof=routine fire_safety check_in check_out"`
	ScheduledDate   time.Time `json:"scheduled_date" validate:"required"`
}

type AssignRequest struct {
	ClerkID string `json:"clerk_id" validate:"required"`
}

// CompleteRequest stamps the completion instant. Omitted means now.
type CompleteRequest struct {
	CompletedAt *time.Time `json:"completed_at"`
}

type ReassignRequest struct {
	AgentID string `json:"agent_id" validate:"required_without=ClerkID"`
	ClerkID string `json:"clerk_id" validate:"required_without=AgentID"`
}

type ClearResponse struct {
	Deleted int `json:"deleted"`
}

// =============================================================================
// PRICING
// =============================================================================

// PricingDTO is one inspection type's active table.
type PricingDTO struct {
	factory.PricingJSON
	Source      string `json:"source"` // "override" or "default"
	LastUpdated string `json:"last_updated,omitempty"`
	UpdatedBy   string `json:"updated_by,omitempty"`
}

type UpdatePricingRequest struct {
	Currency       string                 `json:"currency" validate:"omitempty,len=3"`
	BedroomPricing map[int]factory.Amount `json:"bedroom_pricing" validate:"required,min=1"`
	UpdatedBy      string                 `json:"updated_by"`
}

type QuoteDTO struct {
	Type     string   `json:"type"`
	Bedrooms int      `json:"bedrooms"`
	Bucket   int      `json:"bucket"`
	Price    MoneyDTO `json:"price"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func idStrings(ids []billing.InspectionID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func strPtr(s string) *string {
	return &s
}

// =============================================================================
// SCENARIO DTOs
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

type LoadScenarioResponse struct {
	ScenarioID  string          `json:"scenario_id"`
	Period      PeriodDTO       `json:"period"`
	Inspections []InspectionDTO `json:"inspections"`
}
