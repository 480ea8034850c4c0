/*
ledger.go - Append-only ledger of settled billing periods

PURPOSE:
  The processed-period ledger is the source of truth for what has been
  paid. Each entry records one closed billing period and the set of
  inspection ids it settled. Payouts (agent cashback, clerk commission)
  are written in the same conditional write as their entry.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. ONE ENTRY PER PERIOD: PutIfAbsent keyed by period number. The loser
     of a race observes the winner's entry.
  3. AT MOST ONCE: an inspection id is covered by at most one entry ever.

INDEXING:
  Accrual checks "is this inspection already settled?" once per inspection
  per call, so LedgerIndex keeps a map by period number plus a map of
  covered inspection ids for O(1) membership.

CORRECTIONS:
  Settled periods are never reopened. A correction is a new compensating
  invoice, not an edit.

SEE ALSO:
  - accrual.go: ClosePeriod writes entries through Ledger.PutIfAbsent
  - store/memory.go, store/sqlite, store/postgres: implementations
*/
package billing

import (
	"context"
	"sort"
	"time"
)

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

// ProcessedPeriod is the immutable record of a closed billing period.
type ProcessedPeriod struct {
	PeriodNumber         int
	PeriodStart          time.Time
	PeriodEnd            time.Time
	ClosedAt             time.Time
	CoveredInspectionIDs []InspectionID
}

// Covers reports whether the entry settled the inspection.
func (p ProcessedPeriod) Covers(id InspectionID) bool {
	for _, covered := range p.CoveredInspectionIDs {
		if covered == id {
			return true
		}
	}
	return false
}

// Payout is the settled cashback (agent) or commission (clerk) for one
// biller in one period. Amount is the unrounded sum of contributions.
//
// Lines snapshot the settled inspections so the invoice can be assembled
// later even if the live inspection rows are gone.
type Payout struct {
	Role                BillerRole
	BillerID            BillerID
	PeriodNumber        int
	Amount              Money
	SourceInspectionIDs []InspectionID
	Lines               []PayoutLine
}

// PayoutLine is the part of a settled inspection an invoice line needs.
type PayoutLine struct {
	InspectionID    InspectionID
	Type            InspectionType
	PropertyAddress string
	Price           Money
	AttributedAt    time.Time
}

// NewPayoutLine snapshots a counted inspection.
func NewPayoutLine(insp Inspection) PayoutLine {
	at, _, _ := insp.AttributionTime(true)
	return PayoutLine{
		InspectionID:    insp.ID,
		Type:            insp.Type,
		PropertyAddress: insp.PropertyAddress,
		Price:           insp.Price,
		AttributedAt:    at.UTC(),
	}
}

// SettledInspections rebuilds the settled inspections from the line
// snapshots. ok is false for entries written without a complete snapshot;
// callers then fall back to the stored inspections.
func (p Payout) SettledInspections() ([]Inspection, bool) {
	if len(p.Lines) == 0 || len(p.Lines) != len(p.SourceInspectionIDs) {
		return nil, false
	}
	out := make([]Inspection, len(p.Lines))
	for i, l := range p.Lines {
		at := l.AttributedAt
		out[i] = Inspection{
			ID:              l.InspectionID,
			Type:            l.Type,
			PropertyAddress: l.PropertyAddress,
			Price:           l.Price,
			Status:          StatusCompleted,
			ScheduledDate:   at,
			CompletedDate:   &at,
		}
	}
	return out, true
}

// =============================================================================
// LEDGER - Conditional-write persistence contract
// =============================================================================

// Ledger persists processed periods.
//
// PutIfAbsent is the atomic primitive the at-most-once guarantee rests on:
// it writes entry and payouts together only if no entry exists for
// entry.PeriodNumber. It returns (existing, false, nil) when an entry was
// already present, and ErrInspectionAlreadyCovered when a covered id
// belongs to another period.
type Ledger interface {
	Get(ctx context.Context, periodNumber int) (*ProcessedPeriod, error)
	PutIfAbsent(ctx context.Context, entry ProcessedPeriod, payouts []Payout) (ProcessedPeriod, bool, error)
	List(ctx context.Context) ([]ProcessedPeriod, error)
	Payouts(ctx context.Context, periodNumber int) ([]Payout, error)
}

// =============================================================================
// LEDGER INDEX - O(1) lookups over a ledger snapshot
// =============================================================================

// LedgerIndex is an immutable in-memory view of processed periods.
type LedgerIndex struct {
	byPeriod map[int]ProcessedPeriod
	covered  map[InspectionID]int // inspection -> period that settled it
}

// NewLedgerIndex indexes entries. When a (corrupt) input lists an
// inspection twice, the earliest period wins.
func NewLedgerIndex(entries []ProcessedPeriod) *LedgerIndex {
	idx := &LedgerIndex{
		byPeriod: make(map[int]ProcessedPeriod, len(entries)),
		covered:  make(map[InspectionID]int),
	}
	for _, e := range entries {
		idx.byPeriod[e.PeriodNumber] = e
		for _, id := range e.CoveredInspectionIDs {
			if prev, ok := idx.covered[id]; ok && prev <= e.PeriodNumber {
				continue
			}
			idx.covered[id] = e.PeriodNumber
		}
	}
	return idx
}

// EmptyLedgerIndex is the index of a ledger with no entries.
func EmptyLedgerIndex() *LedgerIndex { return NewLedgerIndex(nil) }

// IsCovered reports whether any settled period covers the inspection.
func (l *LedgerIndex) IsCovered(id InspectionID) bool {
	_, ok := l.covered[id]
	return ok
}

// CoveringPeriod returns the period number that settled the inspection.
func (l *LedgerIndex) CoveringPeriod(id InspectionID) (int, bool) {
	n, ok := l.covered[id]
	return n, ok
}

// Entry returns the ledger entry for a period.
func (l *LedgerIndex) Entry(periodNumber int) (ProcessedPeriod, bool) {
	e, ok := l.byPeriod[periodNumber]
	return e, ok
}

// IsClosed reports whether a period has been settled.
func (l *LedgerIndex) IsClosed(periodNumber int) bool {
	_, ok := l.byPeriod[periodNumber]
	return ok
}

// State returns OPEN or CLOSED for a period. CLOSING is only observable
// by a caller that is itself mid-close.
func (l *LedgerIndex) State(periodNumber int) PeriodState {
	if l.IsClosed(periodNumber) {
		return PeriodClosed
	}
	return PeriodOpen
}

// Entries returns all entries ordered by period number.
func (l *LedgerIndex) Entries() []ProcessedPeriod {
	out := make([]ProcessedPeriod, 0, len(l.byPeriod))
	for _, e := range l.byPeriod {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodNumber < out[j].PeriodNumber })
	return out
}

// LoadIndex reads every entry from a ledger and indexes it.
func LoadIndex(ctx context.Context, ledger Ledger) (*LedgerIndex, error) {
	entries, err := ledger.List(ctx)
	if err != nil {
		return nil, err
	}
	return NewLedgerIndex(entries), nil
}
