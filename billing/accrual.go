/*
accrual.go - Cashback/commission accrual engine

PURPOSE:
  Aggregates completed inspections into per-biller payouts for a billing
  period and closes periods exactly once.

ALGORITHM (per period):
  1. Classify every inspection against the period (completed + in window)
  2. Drop inspections already covered by ANY settled period. Classification
     alone should exclude them; the guard catches backfilled completion
     dates that would otherwise move an inspection into a second period.
  3. For each role, resolve the biller (agentId / clerkId). Missing
     billers are excluded and logged as IncompleteAttribution.
  4. Sum price * rate per biller. No rounding here: rounding happens once,
     at invoice-line or display time.

CLOSING:
  ClosePeriod is idempotent. The first caller writes the ledger entry and
  payouts with Ledger.PutIfAbsent; every later or concurrent caller gets
  the stored entry back together with ErrAlreadyClosed.

  A period can only be closed once it has started (Start <= now).

  OPEN ──ClosePeriod──> CLOSING ──PutIfAbsent ok──> CLOSED (terminal)
                           └────PutIfAbsent lost──> CLOSED (AlreadyClosed)

SEE ALSO:
  - classify.go: Period membership
  - ledger.go: Ledger / LedgerIndex
  - invoice.go: Turns payouts into invoices
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// ACCRUAL RESULT TYPES
// =============================================================================

// BillerTotal is the unrounded accrual for one biller in one period.
type BillerTotal struct {
	Role        BillerRole
	BillerID    BillerID
	Amount      Money
	Inspections []Inspection // ordered for invoicing
}

// SourceIDs returns the ids of the contributing inspections.
func (t BillerTotal) SourceIDs() []InspectionID {
	ids := make([]InspectionID, len(t.Inspections))
	for i, insp := range t.Inspections {
		ids[i] = insp.ID
	}
	return ids
}

// Lines snapshots the contributing inspections in invoice order.
func (t BillerTotal) Lines() []PayoutLine {
	lines := make([]PayoutLine, len(t.Inspections))
	for i, insp := range t.Inspections {
		lines[i] = NewPayoutLine(insp)
	}
	return lines
}

// Exclusion records why a counted inspection was left out of a total.
type Exclusion struct {
	InspectionID InspectionID
	Role         BillerRole // empty when excluded from every role
	Err          error
}

// Accrual is the aggregation of one period.
type Accrual struct {
	Period     BillingPeriod
	Totals     []BillerTotal // ordered by role, then biller id
	Covered    []InspectionID
	Exclusions []Exclusion
}

// Total returns the accrual of one biller (zero when absent).
func (a Accrual) Total(role BillerRole, billerID BillerID, currency Currency) Money {
	for _, t := range a.Totals {
		if t.Role == role && t.BillerID == billerID {
			return t.Amount
		}
	}
	return ZeroMoney(currency)
}

// Payouts converts totals to ledger payout records.
func (a Accrual) Payouts() []Payout {
	out := make([]Payout, 0, len(a.Totals))
	for _, t := range a.Totals {
		out = append(out, Payout{
			Role:                t.Role,
			BillerID:            t.BillerID,
			PeriodNumber:        a.Period.Number,
			Amount:              t.Amount,
			SourceInspectionIDs: t.SourceIDs(),
			Lines:               t.Lines(),
		})
	}
	return out
}

// CloseResult is returned by ClosePeriod.
type CloseResult struct {
	Entry   ProcessedPeriod
	Payouts []Payout
	State   PeriodState
	Accrual *Accrual // nil when the period was already closed
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine holds configuration only. All data (inspections, ledger) is passed
// into each call.
type Engine struct {
	Calendar   Calendar
	Classifier Classifier
	Currency   Currency
	Logger     *zap.Logger
	Now        func() time.Time
}

// NewEngine returns an engine with the default classifier and GBP.
func NewEngine(calendar Calendar, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		Calendar:   calendar,
		Classifier: DefaultClassifier(),
		Currency:   DefaultCurrency,
		Logger:     logger,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now()
}

func (e *Engine) currency() Currency {
	if e.Currency == "" {
		return DefaultCurrency
	}
	return e.Currency
}

// UnprocessedTotal is the unrounded cashback (agent) or commission (clerk)
// the biller has accrued in the period containing now that no settled
// period covers yet.
//
// Once the period containing now has a ledger entry (an early close)
// nothing more can be settled in it, so the total is zero.
func (e *Engine) UnprocessedTotal(billerID BillerID, role BillerRole, inspections []Inspection, index *LedgerIndex, now time.Time) Money {
	period := e.Calendar.CurrentPeriod(now)
	if index == nil {
		index = EmptyLedgerIndex()
	}

	total := ZeroMoney(e.currency())
	if index.IsClosed(period.Number) {
		return total
	}
	for _, insp := range inspections {
		owner, ok := role.BillerOf(insp)
		if !ok || owner != billerID {
			continue
		}
		if !e.Classifier.Classify(insp, period).Counts {
			continue
		}
		if index.IsCovered(insp.ID) {
			continue
		}
		total = total.Add(role.Contribution(insp.Price))
	}
	return total
}

// Accrue aggregates every biller's accrual for a period.
func (e *Engine) Accrue(period BillingPeriod, inspections []Inspection, index *LedgerIndex) Accrual {
	if index == nil {
		index = EmptyLedgerIndex()
	}
	log := e.log().With(zap.Int("period", period.Number))

	type key struct {
		role   BillerRole
		biller BillerID
	}
	totals := make(map[key]*BillerTotal)
	acc := Accrual{Period: period}

	for _, insp := range inspections {
		c := e.Classifier.Classify(insp, period)
		if !c.Counts {
			continue
		}
		if settled, ok := index.CoveringPeriod(insp.ID); ok {
			err := &CoverageConflictError{InspectionID: insp.ID, ExistingPeriod: settled}
			acc.Exclusions = append(acc.Exclusions, Exclusion{InspectionID: insp.ID, Err: err})
			log.Warn("inspection already settled, excluded from accrual",
				zap.String("inspection_id", string(insp.ID)),
				zap.Int("settled_in_period", settled))
			continue
		}
		if c.Reason == ReasonCountedByScheduled {
			log.Info("inspection attributed by scheduled date",
				zap.String("inspection_id", string(insp.ID)))
		}

		acc.Covered = append(acc.Covered, insp.ID)

		for _, role := range Roles {
			biller, ok := role.BillerOf(insp)
			if !ok {
				err := &AttributionError{InspectionID: insp.ID, Role: role}
				acc.Exclusions = append(acc.Exclusions, Exclusion{InspectionID: insp.ID, Role: role, Err: err})
				log.Warn("incomplete attribution, excluded from totals",
					zap.String("inspection_id", string(insp.ID)),
					zap.String("role", string(role)),
					zap.Error(err))
				continue
			}
			k := key{role: role, biller: biller}
			t, ok := totals[k]
			if !ok {
				t = &BillerTotal{Role: role, BillerID: biller, Amount: ZeroMoney(insp.Price.Currency)}
				totals[k] = t
			}
			t.Amount = t.Amount.Add(role.Contribution(insp.Price))
			t.Inspections = append(t.Inspections, insp)
		}
	}

	for _, t := range totals {
		SortForInvoice(t.Inspections, e.Classifier)
		acc.Totals = append(acc.Totals, *t)
	}
	sort.Slice(acc.Totals, func(i, j int) bool {
		if acc.Totals[i].Role != acc.Totals[j].Role {
			return roleOrder(acc.Totals[i].Role) < roleOrder(acc.Totals[j].Role)
		}
		return acc.Totals[i].BillerID < acc.Totals[j].BillerID
	})
	sort.Slice(acc.Covered, func(i, j int) bool { return acc.Covered[i] < acc.Covered[j] })
	return acc
}

func roleOrder(r BillerRole) int {
	for i, known := range Roles {
		if r == known {
			return i
		}
	}
	return len(Roles)
}

// ClosePeriod settles a period exactly once. Calling it again for a closed
// period returns the stored entry and payouts with an *AlreadyClosedError;
// nothing is re-summed.
//
// Errors wrapping ErrInspectionAlreadyCovered or ErrConcurrentModification
// are retryable: a retry re-reads the ledger.
func (e *Engine) ClosePeriod(ctx context.Context, period BillingPeriod, inspections []Inspection, ledger Ledger) (CloseResult, error) {
	if period.Number < 1 {
		return CloseResult{}, fmt.Errorf("%w: period %d precedes the calendar anchor", ErrInvalidPeriod, period.Number)
	}
	// An entry for a future period would lock out every inspection later
	// completed in it.
	if now := e.now(); now.Before(period.Start) {
		return CloseResult{}, fmt.Errorf("%w: period %d has not started (starts %s)",
			ErrInvalidPeriod, period.Number, period.Start.Format(time.RFC3339))
	}

	existing, err := ledger.Get(ctx, period.Number)
	if err != nil {
		return CloseResult{}, fmt.Errorf("load ledger entry %d: %w", period.Number, err)
	}
	if existing != nil {
		return e.alreadyClosed(ctx, *existing, ledger)
	}

	index, err := LoadIndex(ctx, ledger)
	if err != nil {
		return CloseResult{}, fmt.Errorf("load ledger index: %w", err)
	}

	accrual := e.Accrue(period, inspections, index)
	entry := ProcessedPeriod{
		PeriodNumber:         period.Number,
		PeriodStart:          period.Start,
		PeriodEnd:            period.End,
		ClosedAt:             e.now(),
		CoveredInspectionIDs: accrual.Covered,
	}
	payouts := accrual.Payouts()

	stored, created, err := ledger.PutIfAbsent(ctx, entry, payouts)
	if err != nil {
		return CloseResult{}, fmt.Errorf("write ledger entry %d: %w", period.Number, err)
	}
	if !created {
		return e.alreadyClosed(ctx, stored, ledger)
	}

	e.log().Info("billing period closed",
		zap.Int("period", period.Number),
		zap.Int("covered", len(entry.CoveredInspectionIDs)),
		zap.Int("payouts", len(payouts)))

	return CloseResult{Entry: stored, Payouts: payouts, State: PeriodClosed, Accrual: &accrual}, nil
}

func (e *Engine) alreadyClosed(ctx context.Context, entry ProcessedPeriod, ledger Ledger) (CloseResult, error) {
	payouts, err := ledger.Payouts(ctx, entry.PeriodNumber)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return CloseResult{}, fmt.Errorf("load payouts %d: %w", entry.PeriodNumber, err)
	}
	return CloseResult{Entry: entry, Payouts: payouts, State: PeriodClosed},
		&AlreadyClosedError{PeriodNumber: entry.PeriodNumber, Entry: entry}
}
