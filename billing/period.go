package billing

import (
	"fmt"
	"math"
	"time"
)

// =============================================================================
// BILLING PERIOD - Fixed-length settlement window
// =============================================================================

// BillingPeriod is a half-open window [Start, End). Periods are contiguous
// and numbered from 1 at the calendar anchor. They are derived values and
// are never stored on their own.
type BillingPeriod struct {
	Start  time.Time
	End    time.Time
	Number int
}

// Contains reports whether t falls in [Start, End). An instant exactly at
// End belongs to the next period.
func (p BillingPeriod) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Elapsed reports whether the period has ended relative to now.
func (p BillingPeriod) Elapsed(now time.Time) bool {
	return !now.Before(p.End)
}

// LastDay is the final calendar day covered, for display.
func (p BillingPeriod) LastDay() time.Time {
	return p.End.Add(-time.Nanosecond)
}

// Label renders e.g. "Period 1 (01 Jan 2024 - 14 Jan 2024)".
func (p BillingPeriod) Label() string {
	return fmt.Sprintf("Period %d (%s - %s)", p.Number,
		p.Start.Format("02 Jan 2006"), p.LastDay().Format("02 Jan 2006"))
}

func (p BillingPeriod) String() string {
	return fmt.Sprintf("#%d [%s, %s)", p.Number, p.Start.Format(time.RFC3339), p.End.Format(time.RFC3339))
}

// =============================================================================
// CALENDAR - Maps instants to periods
// =============================================================================

const (
	Day = 24 * time.Hour

	// DefaultPeriodLength is the fortnightly settlement cycle.
	DefaultPeriodLength = 14 * Day
)

// DefaultAnchor is the epoch period 1 starts at.
var DefaultAnchor = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// Calendar defines the anchor epoch and fixed period length. Its methods
// are pure: the same instant always maps to the same period.
type Calendar struct {
	Anchor time.Time
	Length time.Duration
}

// DefaultCalendar returns the 14-day calendar anchored at 2024-01-01 UTC.
func DefaultCalendar() Calendar {
	return Calendar{Anchor: DefaultAnchor, Length: DefaultPeriodLength}
}

// Validate rejects calendars that cannot produce contiguous periods.
func (c Calendar) Validate() error {
	if c.Length <= 0 {
		return fmt.Errorf("%w: period length must be positive, got %s", ErrInvalidPeriod, c.Length)
	}
	if c.Anchor.IsZero() {
		return fmt.Errorf("%w: anchor must be set", ErrInvalidPeriod)
	}
	return nil
}

// CurrentPeriod returns the period containing now:
//
//	number = floor((now - anchor) / length) + 1
//
// Instants before the anchor produce numbers below 1. Those periods exist
// mathematically but are never settled.
func (c Calendar) CurrentPeriod(now time.Time) BillingPeriod {
	elapsed := now.Sub(c.Anchor)
	idx := int(elapsed / c.Length)
	if elapsed < 0 && elapsed%c.Length != 0 {
		idx-- // floor, not truncation
	}
	return c.PeriodByNumber(idx + 1)
}

// PeriodByNumber returns the period with the given sequence number.
func (c Calendar) PeriodByNumber(n int) BillingPeriod {
	start := c.Anchor.Add(time.Duration(n-1) * c.Length)
	return BillingPeriod{Start: start, End: start.Add(c.Length), Number: n}
}

// DaysRemaining is ceil((end - now) / 1 day), clamped at zero. For the
// period returned by CurrentPeriod this is always at least 1; a caller
// holding an older period sees 0 once it has elapsed and must close it.
func (c Calendar) DaysRemaining(now time.Time) int {
	return DaysRemainingIn(c.CurrentPeriod(now), now)
}

// DaysRemainingIn computes the remaining whole days of a specific period.
func DaysRemainingIn(p BillingPeriod, now time.Time) int {
	left := p.End.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(float64(left) / float64(Day)))
}

// InPeriod reports whether instant falls in [period.Start, period.End).
func InPeriod(instant time.Time, period BillingPeriod) bool {
	return period.Contains(instant)
}

// Next returns the period after p.
func (c Calendar) Next(p BillingPeriod) BillingPeriod { return c.PeriodByNumber(p.Number + 1) }

// Previous returns the period before p.
func (c Calendar) Previous(p BillingPeriod) BillingPeriod { return c.PeriodByNumber(p.Number - 1) }

// =============================================================================
// PERIOD STATE
// =============================================================================

// PeriodState is the settlement lifecycle of a period:
//
//	OPEN (accruing) -> CLOSING (close in flight) -> CLOSED (ledger entry written)
//
// CLOSED is terminal. A period is OPEN until its ledger entry exists.
type PeriodState string

const (
	PeriodOpen    PeriodState = "open"
	PeriodClosing PeriodState = "closing"
	PeriodClosed  PeriodState = "closed"
)
