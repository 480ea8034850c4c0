package billing

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// INVOICE - Immutable settlement document per biller per period
// =============================================================================

type InvoiceLine struct {
	InspectionID InspectionID
	Description  string
	Amount       Money // price * rate, rounded to pennies
}

// Invoice is created once when a period closes. Corrections are issued as
// new compensating invoices; existing invoices are never edited.
type Invoice struct {
	ID           InvoiceID
	PeriodNumber int
	PeriodStart  time.Time
	PeriodEnd    time.Time
	Role         BillerRole
	BillerID     BillerID
	BillerName   string
	LineItems    []InvoiceLine
	Total        Money
	CreatedAt    time.Time
}

// invoiceNamespace scopes deterministic invoice ids.
var invoiceNamespace = uuid.MustParse("6f1c0a52-6c55-4b43-9d7e-2f2b8f0d4a11")

// InvoiceIDFor derives the invoice id from (period, role, biller). The
// same triple always yields the same id, so re-running assembly after a
// partial failure can never produce a second invoice.
func InvoiceIDFor(periodNumber int, role BillerRole, billerID BillerID) InvoiceID {
	name := fmt.Sprintf("period/%d/%s/%s", periodNumber, role, billerID)
	return InvoiceID(uuid.NewSHA1(invoiceNamespace, []byte(name)).String())
}

// SortForInvoice orders inspections by attribution instant ascending, ties
// broken by id ascending.
func SortForInvoice(inspections []Inspection, c Classifier) {
	sort.SliceStable(inspections, func(i, j int) bool {
		ti, _, _ := inspections[i].AttributionTime(c.ScheduledDateFallback)
		tj, _, _ := inspections[j].AttributionTime(c.ScheduledDateFallback)
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return inspections[i].ID < inspections[j].ID
	})
}

// LineDescription is the inspection type label plus the address snapshot.
func LineDescription(insp Inspection) string {
	addr := strings.TrimSpace(insp.PropertyAddress)
	if addr == "" {
		return insp.Type.Label()
	}
	return insp.Type.Label() + " - " + addr
}

// =============================================================================
// INVOICE ASSEMBLER
// =============================================================================

// AssembleRequest carries everything the assembler needs. Covered holds the
// biller's settled inspections; they are re-sorted here.
type AssembleRequest struct {
	Period     BillingPeriod
	Role       BillerRole
	BillerID   BillerID
	BillerName string
	Payout     Payout
	Covered    []Inspection
	Classifier Classifier
	CreatedAt  time.Time
}

// AssembleInvoice turns a settled payout into an invoice. It returns
// ok=false, without error, when nothing qualifies (zero total): empty
// invoices are never emitted.
//
// Each line is round(price * rate, 2). The total is the sum of the rounded
// lines so the document adds up; it may differ by a penny from the rounded
// unrounded-sum shown on dashboards.
func AssembleInvoice(req AssembleRequest) (Invoice, bool) {
	if req.Payout.Amount.IsZero() || len(req.Covered) == 0 {
		return Invoice{}, false
	}

	covered := make([]Inspection, len(req.Covered))
	copy(covered, req.Covered)
	SortForInvoice(covered, req.Classifier)

	currency := req.Payout.Amount.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	total := ZeroMoney(currency)
	lines := make([]InvoiceLine, 0, len(covered))
	for _, insp := range covered {
		amount := req.Role.Contribution(insp.Price).Round()
		lines = append(lines, InvoiceLine{
			InspectionID: insp.ID,
			Description:  LineDescription(insp),
			Amount:       amount,
		})
		total = total.Add(amount)
	}
	if total.IsZero() {
		return Invoice{}, false
	}

	return Invoice{
		ID:           InvoiceIDFor(req.Period.Number, req.Role, req.BillerID),
		PeriodNumber: req.Period.Number,
		PeriodStart:  req.Period.Start,
		PeriodEnd:    req.Period.End,
		Role:         req.Role,
		BillerID:     req.BillerID,
		BillerName:   req.BillerName,
		LineItems:    lines,
		Total:        total,
		CreatedAt:    req.CreatedAt,
	}, true
}
