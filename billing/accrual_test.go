package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/billing/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestEngine(now time.Time) *billing.Engine {
	e := billing.NewEngine(billing.DefaultCalendar(), zap.NewNop())
	e.Now = func() time.Time { return now }
	return e
}

func observedEngine(now time.Time) (*billing.Engine, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.InfoLevel)
	e := billing.NewEngine(billing.DefaultCalendar(), zap.New(core))
	e.Now = func() time.Time { return now }
	return e, logs
}

// threeAgentInspections: £100, £150, £80 completed in period 1.
func threeAgentInspections() []billing.Inspection {
	return []billing.Inspection{
		completedAt("insp-b", 150, day(2024, time.January, 5)),
		completedAt("insp-a", 100, day(2024, time.January, 3)),
		completedAt("insp-c", 80, day(2024, time.January, 8)),
	}
}

// =============================================================================
// UNPROCESSED TOTAL TESTS
// =============================================================================

func TestUnprocessedTotal_AgentCashback(t *testing.T) {
	// GIVEN: Three completed inspections, none settled
	now := day(2024, time.January, 10)
	e := newTestEngine(now)

	// WHEN: Computing the agent's unprocessed cashback
	total := e.UnprocessedTotal("agent-1", billing.RoleAgent, threeAgentInspections(), billing.EmptyLedgerIndex(), now)

	// THEN: (100+150+80) * 0.15 = 49.50
	assert.Equal(t, "49.50 GBP", total.String())
	assert.True(t, total.Equal(billing.GBP(49.5)))
}

func TestUnprocessedTotal_ClerkCommission(t *testing.T) {
	now := day(2024, time.January, 10)
	e := newTestEngine(now)

	total := e.UnprocessedTotal("clerk-1", billing.RoleClerk, threeAgentInspections(), billing.EmptyLedgerIndex(), now)

	assert.True(t, total.Equal(billing.GBP(99)), "got %s", total)
}

func TestUnprocessedTotal_NoRoundingBeforeDisplay(t *testing.T) {
	// 33.33 * 0.15 = 4.9995 three times; rounding each would give 15.00
	now := day(2024, time.January, 10)
	e := newTestEngine(now)
	insps := []billing.Inspection{
		completedAt("i-1", 33.33, day(2024, time.January, 2)),
		completedAt("i-2", 33.33, day(2024, time.January, 3)),
		completedAt("i-3", 33.33, day(2024, time.January, 4)),
	}

	total := e.UnprocessedTotal("agent-1", billing.RoleAgent, insps, nil, now)

	assert.Equal(t, "14.9985", total.Value.String())
	assert.Equal(t, "15.00 GBP", total.String())
}

func TestUnprocessedTotal_ExcludesOtherBillersAndPeriods(t *testing.T) {
	now := day(2024, time.January, 10)
	e := newTestEngine(now)

	other := completedAt("other", 500, day(2024, time.January, 4))
	other.AgentID = "agent-2"
	previous := completedAt("previous", 500, day(2023, time.December, 30))
	pending := completedAt("pending", 500, day(2024, time.January, 4))
	pending.Status = billing.StatusInProgress
	pending.CompletedDate = nil

	insps := append(threeAgentInspections(), other, previous, pending)
	total := e.UnprocessedTotal("agent-1", billing.RoleAgent, insps, nil, now)

	assert.True(t, total.Equal(billing.GBP(49.5)), "got %s", total)
}

func TestUnprocessedTotal_DropsAfterClose(t *testing.T) {
	// GIVEN: Period 1 closed early (admin close during the period)
	now := day(2024, time.January, 10)
	e := newTestEngine(now)
	mem := store.NewMemory()
	insps := threeAgentInspections()
	_, err := e.ClosePeriod(context.Background(), e.Calendar.CurrentPeriod(now), insps, mem)
	require.NoError(t, err)

	// WHEN: Reading the unprocessed total against the updated ledger
	index, err := billing.LoadIndex(context.Background(), mem)
	require.NoError(t, err)
	total := e.UnprocessedTotal("agent-1", billing.RoleAgent, insps, index, now)

	// THEN: Settled inspections no longer count
	assert.True(t, total.IsZero())
}

func TestUnprocessedTotal_ZeroOnceCurrentPeriodClosedEarly(t *testing.T) {
	// GIVEN: Period 1 closed on Jan 10, then a £200 inspection completes on Jan 12
	e := newTestEngine(day(2024, time.January, 10))
	mem := store.NewMemory()
	_, err := e.ClosePeriod(context.Background(), e.Calendar.PeriodByNumber(1), threeAgentInspections(), mem)
	require.NoError(t, err)
	insps := append(threeAgentInspections(), completedAt("after-close", 200, day(2024, time.January, 12)))

	// WHEN: Reading the dashboard total on Jan 13
	index, err := billing.LoadIndex(context.Background(), mem)
	require.NoError(t, err)
	total := e.UnprocessedTotal("agent-1", billing.RoleAgent, insps, index, day(2024, time.January, 13))

	// THEN: Nothing is shown, since period 1 can no longer settle it
	assert.True(t, total.IsZero(), "got %s", total)

	// AND: The next period reads normally
	next := completedAt("next", 100, day(2024, time.January, 16))
	total = e.UnprocessedTotal("agent-1", billing.RoleAgent, append(insps, next), index, day(2024, time.January, 17))
	assert.True(t, total.Equal(billing.GBP(15)), "got %s", total)
}

// =============================================================================
// ACCRUAL TESTS
// =============================================================================

func TestAccrue_GroupsByRoleAndBiller(t *testing.T) {
	e := newTestEngine(day(2024, time.January, 20))
	insps := threeAgentInspections()
	second := completedAt("insp-d", 200, day(2024, time.January, 9))
	second.AgentID = "agent-2"
	second.ClerkID = "clerk-1"
	insps = append(insps, second)

	acc := e.Accrue(e.Calendar.PeriodByNumber(1), insps, nil)

	require.Len(t, acc.Totals, 3)
	assert.Equal(t, billing.RoleAgent, acc.Totals[0].Role)
	assert.Equal(t, billing.BillerID("agent-1"), acc.Totals[0].BillerID)
	assert.Equal(t, billing.BillerID("agent-2"), acc.Totals[1].BillerID)
	assert.Equal(t, billing.RoleClerk, acc.Totals[2].Role)

	assert.True(t, acc.Total(billing.RoleAgent, "agent-2", billing.CurrencyGBP).Equal(billing.GBP(30)))
	assert.True(t, acc.Total(billing.RoleClerk, "clerk-1", billing.CurrencyGBP).Equal(billing.GBP(159)))
	assert.True(t, acc.Total(billing.RoleClerk, "nobody", billing.CurrencyGBP).IsZero())

	assert.Equal(t, []billing.InspectionID{"insp-a", "insp-b", "insp-c", "insp-d"}, acc.Covered)
	assert.Equal(t, []billing.InspectionID{"insp-a", "insp-b", "insp-c"}, acc.Totals[0].SourceIDs())
}

func TestAccrue_MissingClerk_LoggedAndExcludedFromClerkOnly(t *testing.T) {
	// GIVEN: A completed inspection no clerk was ever assigned to
	e, logs := observedEngine(day(2024, time.January, 20))
	insp := completedAt("no-clerk", 100, day(2024, time.January, 4))
	insp.ClerkID = ""

	// WHEN: Accruing
	acc := e.Accrue(e.Calendar.PeriodByNumber(1), []billing.Inspection{insp}, nil)

	// THEN: Agent still earns, clerk totals skip it, a warning is logged
	assert.True(t, acc.Total(billing.RoleAgent, "agent-1", billing.CurrencyGBP).Equal(billing.GBP(15)))
	require.Len(t, acc.Totals, 1)
	require.Len(t, acc.Exclusions, 1)
	assert.ErrorIs(t, acc.Exclusions[0].Err, billing.ErrIncompleteAttribution)
	assert.Equal(t, billing.RoleClerk, acc.Exclusions[0].Role)

	warnings := logs.FilterLevelExact(zapcore.WarnLevel).FilterMessage("incomplete attribution, excluded from totals")
	require.Equal(t, 1, warnings.Len())
	assert.Equal(t, "no-clerk", warnings.All()[0].ContextMap()["inspection_id"])
}

func TestAccrue_AlreadyCoveredInspectionExcluded(t *testing.T) {
	// GIVEN: insp-a settled in period 1, then its completion date was
	// backfilled into period 2
	e, logs := observedEngine(day(2024, time.February, 1))
	index := billing.NewLedgerIndex([]billing.ProcessedPeriod{{
		PeriodNumber:         1,
		CoveredInspectionIDs: []billing.InspectionID{"insp-a"},
	}})
	moved := completedAt("insp-a", 100, day(2024, time.January, 20))

	// WHEN: Accruing period 2
	acc := e.Accrue(e.Calendar.PeriodByNumber(2), []billing.Inspection{moved}, index)

	// THEN: It is never counted twice
	assert.Empty(t, acc.Totals)
	assert.Empty(t, acc.Covered)
	require.Len(t, acc.Exclusions, 1)
	assert.ErrorIs(t, acc.Exclusions[0].Err, billing.ErrInspectionAlreadyCovered)
	assert.Equal(t, 1, logs.FilterMessage("inspection already settled, excluded from accrual").Len())
}

func TestAccrue_ScheduledFallbackIsLogged(t *testing.T) {
	e, logs := observedEngine(day(2024, time.January, 20))
	insp := completedAt("legacy", 100, day(2024, time.January, 4))
	insp.CompletedDate = nil

	acc := e.Accrue(e.Calendar.PeriodByNumber(1), []billing.Inspection{insp}, nil)

	assert.Equal(t, []billing.InspectionID{"legacy"}, acc.Covered)
	assert.Equal(t, 1, logs.FilterMessage("inspection attributed by scheduled date").Len())
}

func TestAccrue_InvariantTotalEqualsSumOfContributions(t *testing.T) {
	e := newTestEngine(day(2024, time.January, 20))
	insps := threeAgentInspections()

	acc := e.Accrue(e.Calendar.PeriodByNumber(1), insps, nil)

	sum := billing.ZeroMoney(billing.CurrencyGBP)
	for _, insp := range insps {
		sum = sum.Add(billing.RoleAgent.Contribution(insp.Price))
	}
	assert.True(t, acc.Total(billing.RoleAgent, "agent-1", billing.CurrencyGBP).Equal(sum))
}

// =============================================================================
// CLOSE PERIOD TESTS
// =============================================================================

func TestClosePeriod_WritesEntryAndPayouts(t *testing.T) {
	ctx := context.Background()
	now := day(2024, time.January, 15)
	e := newTestEngine(now)
	mem := store.NewMemory()

	res, err := e.ClosePeriod(ctx, e.Calendar.PeriodByNumber(1), threeAgentInspections(), mem)
	require.NoError(t, err)

	assert.Equal(t, billing.PeriodClosed, res.State)
	assert.Equal(t, now, res.Entry.ClosedAt)
	assert.ElementsMatch(t, []billing.InspectionID{"insp-a", "insp-b", "insp-c"}, res.Entry.CoveredInspectionIDs)
	require.Len(t, res.Payouts, 2)
	assert.True(t, res.Payouts[0].Amount.Equal(billing.GBP(49.5)))
	require.NotNil(t, res.Accrual)

	stored, err := mem.Payouts(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, res.Payouts, stored)
}

func TestClosePeriod_SecondCallIsAlreadyClosed(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(day(2024, time.January, 15))
	mem := store.NewMemory()
	period := e.Calendar.PeriodByNumber(1)

	first, err := e.ClosePeriod(ctx, period, threeAgentInspections(), mem)
	require.NoError(t, err)

	// A late completion appears; closing again must not re-sum
	late := append(threeAgentInspections(), completedAt("late", 999, day(2024, time.January, 12)))
	second, err := e.ClosePeriod(ctx, period, late, mem)

	require.ErrorIs(t, err, billing.ErrAlreadyClosed)
	var closed *billing.AlreadyClosedError
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, 1, closed.PeriodNumber)
	assert.Equal(t, first.Entry, second.Entry)
	assert.Equal(t, first.Payouts, second.Payouts)
	assert.Nil(t, second.Accrual)
}

func TestClosePeriod_EmptyPeriodStillRecorded(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(day(2024, time.February, 1))
	mem := store.NewMemory()

	res, err := e.ClosePeriod(ctx, e.Calendar.PeriodByNumber(2), nil, mem)
	require.NoError(t, err)
	assert.Empty(t, res.Payouts)
	assert.Empty(t, res.Entry.CoveredInspectionIDs)

	entry, err := mem.Get(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, entry)
}

func TestClosePeriod_BeforeAnchorRejected(t *testing.T) {
	e := newTestEngine(day(2024, time.January, 15))
	_, err := e.ClosePeriod(context.Background(), e.Calendar.PeriodByNumber(0), nil, store.NewMemory())
	assert.ErrorIs(t, err, billing.ErrInvalidPeriod)
}

func TestClosePeriod_FuturePeriodRejected(t *testing.T) {
	// GIVEN: Now is in period 1
	ctx := context.Background()
	e := newTestEngine(day(2024, time.January, 10))
	mem := store.NewMemory()

	// WHEN: Closing period 3, which starts on Jan 29
	_, err := e.ClosePeriod(ctx, e.Calendar.PeriodByNumber(3), nil, mem)

	// THEN: Rejected and nothing written, so period 3 stays open
	require.ErrorIs(t, err, billing.ErrInvalidPeriod)
	entry, err := mem.Get(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, entry)

	// AND: Once period 3 has begun its completions settle normally
	e.Now = func() time.Time { return day(2024, time.February, 12) }
	res, err := e.ClosePeriod(ctx, e.Calendar.PeriodByNumber(3),
		[]billing.Inspection{completedAt("feb", 100, day(2024, time.February, 1))}, mem)
	require.NoError(t, err)
	require.Len(t, res.Payouts, 2)
	assert.True(t, res.Payouts[0].Amount.Equal(billing.GBP(15)))
}

func TestClosePeriod_PeriodStartIsAllowed(t *testing.T) {
	e := newTestEngine(day(2024, time.January, 15))

	_, err := e.ClosePeriod(context.Background(), e.Calendar.PeriodByNumber(2), nil, store.NewMemory())

	assert.NoError(t, err)
}

func TestClosePeriod_PayoutsSnapshotLines(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(day(2024, time.January, 15))

	res, err := e.ClosePeriod(ctx, e.Calendar.PeriodByNumber(1), threeAgentInspections(), store.NewMemory())
	require.NoError(t, err)

	// Lines follow invoice order: attribution instant ascending
	agent := res.Payouts[0]
	require.Len(t, agent.Lines, 3)
	assert.Equal(t, billing.InspectionID("insp-a"), agent.Lines[0].InspectionID)
	assert.Equal(t, "1 High Street", agent.Lines[0].PropertyAddress)
	assert.Equal(t, billing.InspectionRoutine, agent.Lines[0].Type)
	assert.True(t, agent.Lines[0].Price.Equal(billing.GBP(100)))
	assert.Equal(t, day(2024, time.January, 3), agent.Lines[0].AttributedAt)

	settled, ok := agent.SettledInspections()
	require.True(t, ok)
	assert.Equal(t, billing.StatusCompleted, settled[2].Status)
	assert.Equal(t, billing.InspectionID("insp-c"), settled[2].ID)

	_, ok = billing.Payout{SourceInspectionIDs: []billing.InspectionID{"x"}}.SettledInspections()
	assert.False(t, ok)
}

func TestClosePeriod_Concurrent_ExactlyOneWinner(t *testing.T) {
	// GIVEN: Ten callers racing to close the same period
	ctx := context.Background()
	e := newTestEngine(day(2024, time.January, 15))
	mem := store.NewMemory()
	period := e.Calendar.PeriodByNumber(1)
	insps := threeAgentInspections()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		closed  int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.ClosePeriod(ctx, period, insps, mem)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case billing.IsNotFound(err):
				t.Errorf("unexpected error: %v", err)
			default:
				assert.ErrorIs(t, err, billing.ErrAlreadyClosed)
				closed++
			}
		}()
	}
	wg.Wait()

	// THEN: One ledger entry, everyone else saw AlreadyClosed
	assert.Equal(t, 1, winners)
	assert.Equal(t, 9, closed)
	entries, err := mem.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestClosePeriod_InspectionNeverSettledTwice(t *testing.T) {
	// GIVEN: insp-a settled in period 1, then its date is backfilled into 2
	ctx := context.Background()
	e := newTestEngine(day(2024, time.February, 1))
	mem := store.NewMemory()
	_, err := e.ClosePeriod(ctx, e.Calendar.PeriodByNumber(1), threeAgentInspections(), mem)
	require.NoError(t, err)

	moved := completedAt("insp-a", 100, day(2024, time.January, 20))

	// WHEN: Closing period 2
	res, err := e.ClosePeriod(ctx, e.Calendar.PeriodByNumber(2), []billing.Inspection{moved}, mem)

	// THEN: Period 2 is closed without insp-a
	require.NoError(t, err)
	assert.Empty(t, res.Entry.CoveredInspectionIDs)
	assert.Empty(t, res.Payouts)
}

func TestClosePeriod_PriceSnapshotIsUsed(t *testing.T) {
	// GIVEN: Routine pricing changes after X was booked at £100
	ctx := context.Background()
	e := newTestEngine(day(2024, time.January, 15))
	x := completedAt("x", 100, day(2024, time.January, 4))

	resolver := billing.NewPricingResolver([]billing.PricingSettings{{
		InspectionType: billing.InspectionRoutine,
		BedroomPricing: map[int]billing.Money{0: billing.GBP(400)},
	}}, billing.DefaultPricing(billing.CurrencyGBP))
	newPrice, err := resolver.Resolve(billing.InspectionRoutine, 0)
	require.NoError(t, err)
	require.True(t, newPrice.Equal(billing.GBP(400)))

	// WHEN: Closing the period
	res, err := e.ClosePeriod(ctx, e.Calendar.PeriodByNumber(1), []billing.Inspection{x}, store.NewMemory())
	require.NoError(t, err)

	// THEN: The stored £100 drives the payout
	assert.True(t, res.Payouts[0].Amount.Equal(billing.GBP(15)))
}
