// Package store provides in-memory billing.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/settlement-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	inspections map[billing.InspectionID]billing.Inspection
	users       map[billing.UserID]billing.User
	pricing     map[billing.InspectionType]billing.PricingSettings
	invoices    map[billing.InvoiceID]billing.Invoice
	periods     map[int]billing.ProcessedPeriod
	payouts     map[int][]billing.Payout
	covered     map[billing.InspectionID]int // inspection -> settling period
}

var _ billing.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		inspections: make(map[billing.InspectionID]billing.Inspection),
		users:       make(map[billing.UserID]billing.User),
		pricing:     make(map[billing.InspectionType]billing.PricingSettings),
		invoices:    make(map[billing.InvoiceID]billing.Invoice),
		periods:     make(map[int]billing.ProcessedPeriod),
		payouts:     make(map[int][]billing.Payout),
		covered:     make(map[billing.InspectionID]int),
	}
}

// =============================================================================
// INSPECTIONS
// =============================================================================

func (m *Memory) CreateInspection(_ context.Context, insp billing.Inspection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inspections[insp.ID]; ok {
		return fmt.Errorf("%w: inspection %s already exists", billing.ErrValidation, insp.ID)
	}
	m.inspections[insp.ID] = cloneInspection(insp)
	return nil
}

// UpdateInspection replaces the mutable fields. The booked price is kept.
func (m *Memory) UpdateInspection(_ context.Context, insp billing.Inspection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.inspections[insp.ID]
	if !ok {
		return fmt.Errorf("%w: inspection %s", billing.ErrNotFound, insp.ID)
	}
	insp.Price = existing.Price
	m.inspections[insp.ID] = cloneInspection(insp)
	return nil
}

func (m *Memory) GetInspection(_ context.Context, id billing.InspectionID) (*billing.Inspection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	insp, ok := m.inspections[id]
	if !ok {
		return nil, fmt.Errorf("%w: inspection %s", billing.ErrNotFound, id)
	}
	out := cloneInspection(insp)
	return &out, nil
}

func (m *Memory) ListInspections(_ context.Context) ([]billing.Inspection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]billing.Inspection, 0, len(m.inspections))
	for _, insp := range m.inspections {
		out = append(out, cloneInspection(insp))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetInspections returns the inspections that still exist; missing ids are
// skipped.
func (m *Memory) GetInspections(_ context.Context, ids []billing.InspectionID) ([]billing.Inspection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]billing.Inspection, 0, len(ids))
	for _, id := range ids {
		if insp, ok := m.inspections[id]; ok {
			out = append(out, cloneInspection(insp))
		}
	}
	return out, nil
}

func (m *Memory) ClearInspections(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.inspections)
	m.inspections = make(map[billing.InspectionID]billing.Inspection)
	return n, nil
}

func cloneInspection(insp billing.Inspection) billing.Inspection {
	if insp.CompletedDate != nil {
		t := *insp.CompletedDate
		insp.CompletedDate = &t
	}
	return insp
}

// =============================================================================
// USERS
// =============================================================================

func (m *Memory) SaveUser(_ context.Context, u billing.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *Memory) GetUser(_ context.Context, id billing.UserID) (*billing.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", billing.ErrNotFound, id)
	}
	return &u, nil
}

func (m *Memory) ListUsers(_ context.Context) ([]billing.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]billing.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// PRICING
// =============================================================================

func (m *Memory) SavePricing(_ context.Context, ps billing.PricingSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pricing[ps.InspectionType] = clonePricing(ps)
	return nil
}

// GetPricing returns nil, nil when no override exists.
func (m *Memory) GetPricing(_ context.Context, t billing.InspectionType) (*billing.PricingSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ps, ok := m.pricing[t]
	if !ok {
		return nil, nil
	}
	out := clonePricing(ps)
	return &out, nil
}

func (m *Memory) ListPricing(_ context.Context) ([]billing.PricingSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]billing.PricingSettings, 0, len(m.pricing))
	for _, ps := range m.pricing {
		out = append(out, clonePricing(ps))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InspectionType < out[j].InspectionType })
	return out, nil
}

func (m *Memory) ResetPricing(_ context.Context, t billing.InspectionType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pricing, t)
	return nil
}

func clonePricing(ps billing.PricingSettings) billing.PricingSettings {
	table := make(map[int]billing.Money, len(ps.BedroomPricing))
	for k, v := range ps.BedroomPricing {
		table[k] = v
	}
	ps.BedroomPricing = table
	return ps
}

// =============================================================================
// INVOICES
// =============================================================================

func (m *Memory) CreateInvoice(_ context.Context, inv billing.Invoice) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invoices[inv.ID]; ok {
		return false, nil
	}
	m.invoices[inv.ID] = cloneInvoice(inv)
	return true, nil
}

func (m *Memory) GetInvoice(_ context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, fmt.Errorf("%w: invoice %s", billing.ErrNotFound, id)
	}
	out := cloneInvoice(inv)
	return &out, nil
}

func (m *Memory) ListInvoices(_ context.Context, filter billing.InvoiceFilter) ([]billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Invoice
	for _, inv := range m.invoices {
		if filter.Matches(inv) {
			out = append(out, cloneInvoice(inv))
		}
	}
	sortInvoices(out)
	return out, nil
}

func sortInvoices(invs []billing.Invoice) {
	sort.Slice(invs, func(i, j int) bool {
		a, b := invs[i], invs[j]
		if a.PeriodNumber != b.PeriodNumber {
			return a.PeriodNumber < b.PeriodNumber
		}
		if a.Role != b.Role {
			return a.Role < b.Role
		}
		return a.BillerID < b.BillerID
	})
}

func cloneInvoice(inv billing.Invoice) billing.Invoice {
	inv.LineItems = append([]billing.InvoiceLine(nil), inv.LineItems...)
	return inv
}

// =============================================================================
// LEDGER - Conditional write under the store mutex
// =============================================================================

func (m *Memory) Get(_ context.Context, periodNumber int) (*billing.ProcessedPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.periods[periodNumber]
	if !ok {
		return nil, nil
	}
	out := clonePeriod(p)
	return &out, nil
}

// PutIfAbsent writes entry and payouts atomically.
func (m *Memory) PutIfAbsent(_ context.Context, entry billing.ProcessedPeriod, payouts []billing.Payout) (billing.ProcessedPeriod, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.periods[entry.PeriodNumber]; ok {
		return clonePeriod(existing), false, nil
	}

	// Check all covered ids first (atomic check)
	for _, id := range entry.CoveredInspectionIDs {
		if settled, ok := m.covered[id]; ok {
			return billing.ProcessedPeriod{}, false, &billing.CoverageConflictError{InspectionID: id, ExistingPeriod: settled}
		}
	}

	// Write all (atomic write)
	m.periods[entry.PeriodNumber] = clonePeriod(entry)
	for _, id := range entry.CoveredInspectionIDs {
		m.covered[id] = entry.PeriodNumber
	}
	stored := make([]billing.Payout, len(payouts))
	for i, p := range payouts {
		stored[i] = clonePayout(p)
	}
	m.payouts[entry.PeriodNumber] = stored
	return clonePeriod(entry), true, nil
}

func (m *Memory) List(_ context.Context) ([]billing.ProcessedPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]billing.ProcessedPeriod, 0, len(m.periods))
	for _, p := range m.periods {
		out = append(out, clonePeriod(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodNumber < out[j].PeriodNumber })
	return out, nil
}

func (m *Memory) Payouts(_ context.Context, periodNumber int) ([]billing.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.periods[periodNumber]; !ok {
		return nil, fmt.Errorf("%w: period %d", billing.ErrNotFound, periodNumber)
	}
	src := m.payouts[periodNumber]
	out := make([]billing.Payout, len(src))
	for i, p := range src {
		out[i] = clonePayout(p)
	}
	return out, nil
}

func clonePayout(p billing.Payout) billing.Payout {
	p.SourceInspectionIDs = append([]billing.InspectionID(nil), p.SourceInspectionIDs...)
	p.Lines = append([]billing.PayoutLine(nil), p.Lines...)
	return p
}

func clonePeriod(p billing.ProcessedPeriod) billing.ProcessedPeriod {
	p.CoveredInspectionIDs = append([]billing.InspectionID(nil), p.CoveredInspectionIDs...)
	return p
}
