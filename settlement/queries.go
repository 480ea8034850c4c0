package settlement

import (
	"context"
	"fmt"

	"github.com/warp/settlement-engine/billing"
)

// PeriodSummary is a ledger entry with its settlement state.
type PeriodSummary struct {
	Period billing.BillingPeriod
	State  billing.PeriodState
	Entry  *billing.ProcessedPeriod
}

// PeriodDetail is one period with payouts and invoices.
type PeriodDetail struct {
	PeriodSummary
	Payouts  []billing.Payout
	Invoices []billing.Invoice
}

// ClosedPeriods lists every ledger entry, oldest first.
func (s *Service) ClosedPeriods(ctx context.Context) ([]PeriodSummary, error) {
	entries, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	out := make([]PeriodSummary, 0, len(entries))
	for i := range entries {
		e := entries[i]
		out = append(out, PeriodSummary{
			Period: s.engine.Calendar.PeriodByNumber(e.PeriodNumber),
			State:  billing.PeriodClosed,
			Entry:  &e,
		})
	}
	return out, nil
}

// Period returns a period's state, payouts and invoices. Open periods have
// no entry or payouts.
func (s *Service) Period(ctx context.Context, n int) (PeriodDetail, error) {
	if n < 1 {
		return PeriodDetail{}, fmt.Errorf("%w: period %d precedes the calendar anchor", billing.ErrInvalidPeriod, n)
	}
	detail := PeriodDetail{PeriodSummary: PeriodSummary{
		Period: s.engine.Calendar.PeriodByNumber(n),
		State:  billing.PeriodOpen,
	}}
	entry, err := s.store.Get(ctx, n)
	if err != nil {
		return PeriodDetail{}, fmt.Errorf("load ledger entry %d: %w", n, err)
	}
	if entry == nil {
		return detail, nil
	}
	detail.State = billing.PeriodClosed
	detail.Entry = entry
	if detail.Payouts, err = s.store.Payouts(ctx, n); err != nil {
		return PeriodDetail{}, fmt.Errorf("load payouts %d: %w", n, err)
	}
	if detail.Invoices, err = s.periodInvoices(ctx, n); err != nil {
		return PeriodDetail{}, err
	}
	return detail, nil
}

// Invoices lists stored invoices matching the filter.
func (s *Service) Invoices(ctx context.Context, filter billing.InvoiceFilter) ([]billing.Invoice, error) {
	invs, err := s.store.ListInvoices(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	return invs, nil
}

func (s *Service) Invoice(ctx context.Context, id billing.InvoiceID) (billing.Invoice, error) {
	inv, err := s.store.GetInvoice(ctx, id)
	if err != nil {
		return billing.Invoice{}, err
	}
	return *inv, nil
}

func (s *Service) periodInvoices(ctx context.Context, n int) ([]billing.Invoice, error) {
	return s.Invoices(ctx, billing.InvoiceFilter{PeriodNumber: &n})
}
