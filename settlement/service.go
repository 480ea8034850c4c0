/*
service.go - Settlement facade for dashboards, admin and scheduler

PURPOSE:
  Loads snapshots from the stores, hands them to the pure billing engine
  and persists the results. Everything above this layer (HTTP handlers,
  cron scheduler) talks to Service only.

CLOSE FLOW:
  1. engine.ClosePeriod writes the ledger entry + payouts (PutIfAbsent)
  2. For each payout, assemble an invoice and CreateInvoice (insert if
     absent, deterministic id)
  3. Publish period_closed / invoice_created events

  Step 2 only ever runs after step 1 has succeeded. If the process dies
  between the two, the next close attempt (or RecoverInvoices) re-assembles
  from the stored payouts; the deterministic ids make that a no-op for
  invoices that already exist.

SEE ALSO:
  - billing/accrual.go: ClosePeriod
  - billing/invoice.go: AssembleInvoice
*/
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/events"
)

// closeAttempts bounds retries of retryable ledger conflicts.
const closeAttempts = 3

type Service struct {
	store     billing.Store
	engine    *billing.Engine
	publisher events.Publisher
	logger    *zap.Logger
}

func NewService(store billing.Store, engine *billing.Engine, publisher events.Publisher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = events.NewLogPublisher(logger)
	}
	return &Service{
		store:     store,
		engine:    engine,
		publisher: publisher,
		logger:    logger.Named("settlement"),
	}
}

func (s *Service) Calendar() billing.Calendar { return s.engine.Calendar }

// =============================================================================
// DASHBOARD READS
// =============================================================================

// PeriodDisplay is the dashboard banner for the current period.
type PeriodDisplay struct {
	Period        billing.BillingPeriod
	Label         string
	DaysRemaining int
}

// CurrentPeriodDisplay is pure: it reads no storage.
func (s *Service) CurrentPeriodDisplay(now time.Time) PeriodDisplay {
	p := s.engine.Calendar.CurrentPeriod(now)
	return PeriodDisplay{
		Period:        p,
		Label:         p.Label(),
		DaysRemaining: billing.DaysRemainingIn(p, now),
	}
}

// UnprocessedCashback is the agent's unsettled cashback in the current
// period, zero once that period is closed. The amount is unrounded; round
// at display.
func (s *Service) UnprocessedCashback(ctx context.Context, agentID billing.UserID, now time.Time) (billing.Money, error) {
	return s.unprocessed(ctx, agentID, billing.RoleAgent, now)
}

// UnprocessedCommission is the clerk's unsettled commission in the current
// period. The amount is unrounded; round at display.
func (s *Service) UnprocessedCommission(ctx context.Context, clerkID billing.UserID, now time.Time) (billing.Money, error) {
	return s.unprocessed(ctx, clerkID, billing.RoleClerk, now)
}

func (s *Service) unprocessed(ctx context.Context, billerID billing.BillerID, role billing.BillerRole, now time.Time) (billing.Money, error) {
	if billerID == "" {
		return billing.Money{}, fmt.Errorf("%w: %s id is required", billing.ErrValidation, role)
	}
	inspections, err := s.store.ListInspections(ctx)
	if err != nil {
		return billing.Money{}, fmt.Errorf("list inspections: %w", err)
	}
	index, err := billing.LoadIndex(ctx, s.store)
	if err != nil {
		return billing.Money{}, fmt.Errorf("load ledger index: %w", err)
	}
	return s.engine.UnprocessedTotal(billerID, role, inspections, index, now), nil
}

// =============================================================================
// CLOSE AND INVOICE
// =============================================================================

// Result describes one close-and-invoice run.
type Result struct {
	Period        billing.BillingPeriod
	Entry         billing.ProcessedPeriod
	Payouts       []billing.Payout
	AlreadyClosed bool
	Created       []billing.Invoice // stored by this call
	Invoices      []billing.Invoice // every invoice of the period
}

// CloseCurrentPeriodAndInvoice closes the period containing now and emits
// one invoice per biller with a non-zero total. Repeated calls return
// AlreadyClosed=true with the same invoice set and create nothing new.
//
// Inspections completed later in an early-closed period are never settled:
// the period is closed and their completion instant maps to it. The
// unprocessed totals read zero for the rest of such a period.
func (s *Service) CloseCurrentPeriodAndInvoice(ctx context.Context, now time.Time) (Result, error) {
	return s.ClosePeriod(ctx, s.engine.Calendar.CurrentPeriod(now))
}

// ClosePeriodNumber closes an arbitrary period by number.
func (s *Service) ClosePeriodNumber(ctx context.Context, n int) (Result, error) {
	if n < 1 {
		return Result{}, fmt.Errorf("%w: period %d precedes the calendar anchor", billing.ErrInvalidPeriod, n)
	}
	return s.ClosePeriod(ctx, s.engine.Calendar.PeriodByNumber(n))
}

// ClosePeriod closes the period and invoices its payouts.
func (s *Service) ClosePeriod(ctx context.Context, period billing.BillingPeriod) (Result, error) {
	var (
		res billing.CloseResult
		err error
	)
	for attempt := 1; attempt <= closeAttempts; attempt++ {
		var inspections []billing.Inspection
		inspections, err = s.store.ListInspections(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("list inspections: %w", err)
		}
		res, err = s.engine.ClosePeriod(ctx, period, inspections, s.store)
		if err == nil || !billing.IsRetryable(err) {
			break
		}
		s.logger.Warn("ledger conflict, retrying close",
			zap.Int("period", period.Number), zap.Int("attempt", attempt), zap.Error(err))
	}

	alreadyClosed := errors.Is(err, billing.ErrAlreadyClosed)
	if err != nil && !alreadyClosed {
		return Result{}, err
	}

	if !alreadyClosed {
		s.publish(ctx, events.RoutingPeriodClosed, events.PeriodClosed{
			PeriodNumber:      res.Entry.PeriodNumber,
			PeriodStart:       res.Entry.PeriodStart,
			PeriodEnd:         res.Entry.PeriodEnd,
			ClosedAt:          res.Entry.ClosedAt,
			CoveredInspection: len(res.Entry.CoveredInspectionIDs),
			Payouts:           len(res.Payouts),
		})
	}

	created, err := s.invoicePayouts(ctx, period, res.Entry.ClosedAt, res.Payouts)
	if err != nil {
		return Result{}, err
	}
	all, err := s.periodInvoices(ctx, period.Number)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Period:        period,
		Entry:         res.Entry,
		Payouts:       res.Payouts,
		AlreadyClosed: alreadyClosed,
		Created:       created,
		Invoices:      all,
	}, nil
}

// CloseElapsedPeriods closes every period that ended before now and has no
// ledger entry yet, oldest first. Used by the scheduler to catch up after
// downtime.
func (s *Service) CloseElapsedPeriods(ctx context.Context, now time.Time) ([]Result, error) {
	current := s.engine.Calendar.CurrentPeriod(now)
	index, err := billing.LoadIndex(ctx, s.store)
	if err != nil {
		return nil, fmt.Errorf("load ledger index: %w", err)
	}

	var results []Result
	for n := 1; n < current.Number; n++ {
		if index.IsClosed(n) {
			continue
		}
		res, err := s.ClosePeriod(ctx, s.engine.Calendar.PeriodByNumber(n))
		if err != nil {
			return results, fmt.Errorf("close period %d: %w", n, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// RecoverInvoices re-assembles invoices of a closed period from its stored
// payouts and returns the ones that were missing.
func (s *Service) RecoverInvoices(ctx context.Context, periodNumber int) ([]billing.Invoice, error) {
	entry, err := s.store.Get(ctx, periodNumber)
	if err != nil {
		return nil, fmt.Errorf("load ledger entry %d: %w", periodNumber, err)
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: period %d is not closed", billing.ErrNotFound, periodNumber)
	}
	payouts, err := s.store.Payouts(ctx, periodNumber)
	if err != nil {
		return nil, fmt.Errorf("load payouts %d: %w", periodNumber, err)
	}
	period := s.engine.Calendar.PeriodByNumber(periodNumber)
	created, err := s.invoicePayouts(ctx, period, entry.ClosedAt, payouts)
	if err != nil {
		return nil, err
	}
	if len(created) > 0 {
		s.logger.Warn("recovered missing invoices", zap.Int("period", periodNumber), zap.Int("count", len(created)))
	}
	return created, nil
}

func (s *Service) invoicePayouts(ctx context.Context, period billing.BillingPeriod, closedAt time.Time, payouts []billing.Payout) ([]billing.Invoice, error) {
	var created []billing.Invoice
	for _, payout := range payouts {
		covered, err := s.settledInspections(ctx, payout)
		if err != nil {
			return created, err
		}
		if len(covered) != len(payout.SourceInspectionIDs) {
			// Legacy payout without lines whose records were cleared after
			// settlement; an invoice built from the remainder would not
			// match the payout.
			s.logger.Error("settled inspections missing, invoice not assembled",
				zap.Int("period", period.Number),
				zap.String("role", string(payout.Role)),
				zap.String("biller_id", string(payout.BillerID)),
				zap.Int("expected", len(payout.SourceInspectionIDs)),
				zap.Int("found", len(covered)))
			continue
		}

		inv, ok := billing.AssembleInvoice(billing.AssembleRequest{
			Period:     period,
			Role:       payout.Role,
			BillerID:   payout.BillerID,
			BillerName: s.billerName(ctx, payout.BillerID),
			Payout:     payout,
			Covered:    covered,
			Classifier: s.engine.Classifier,
			CreatedAt:  closedAt,
		})
		if !ok {
			continue
		}

		isNew, err := s.store.CreateInvoice(ctx, inv)
		if err != nil {
			return created, fmt.Errorf("store invoice %s: %w", inv.ID, err)
		}
		if !isNew {
			continue
		}
		created = append(created, inv)
		s.logger.Info("invoice created",
			zap.String("invoice_id", string(inv.ID)),
			zap.Int("period", inv.PeriodNumber),
			zap.String("role", string(inv.Role)),
			zap.String("biller_id", string(inv.BillerID)),
			zap.String("total", inv.Total.String()))
		s.publish(ctx, events.RoutingInvoiceCreate, events.InvoiceCreated{
			InvoiceID:    string(inv.ID),
			PeriodNumber: inv.PeriodNumber,
			Role:         string(inv.Role),
			BillerID:     string(inv.BillerID),
			Total:        inv.Total.Value.StringFixed(billing.PennyPlaces),
			Currency:     string(inv.Total.Currency),
			LineItems:    len(inv.LineItems),
			CreatedAt:    inv.CreatedAt,
		})
	}
	return created, nil
}

// settledInspections returns what the payout counted, from the lines
// stored with it when present, otherwise from the live inspection rows.
func (s *Service) settledInspections(ctx context.Context, payout billing.Payout) ([]billing.Inspection, error) {
	if covered, ok := payout.SettledInspections(); ok {
		return covered, nil
	}
	covered, err := s.store.GetInspections(ctx, payout.SourceInspectionIDs)
	if err != nil {
		return nil, fmt.Errorf("load inspections for %s %s: %w", payout.Role, payout.BillerID, err)
	}
	return covered, nil
}

func (s *Service) billerName(ctx context.Context, id billing.BillerID) string {
	u, err := s.store.GetUser(ctx, id)
	if err != nil || u == nil {
		return string(id)
	}
	return u.Name
}

func (s *Service) publish(ctx context.Context, routingKey string, body any) {
	if err := s.publisher.Publish(ctx, routingKey, body); err != nil {
		s.logger.Warn("event publish failed", zap.String("routing_key", routingKey), zap.Error(err))
	}
}
