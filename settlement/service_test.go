package settlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/billing/store"
	"github.com/warp/settlement-engine/events"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	svc      *settlement.Service
	mem      *store.Memory
	recorder *events.Recorder
	now      *time.Time // engine clock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.SaveUser(ctx, billing.User{ID: "agent-1", Name: "Alice Agent", Role: billing.UserAgent}))
	require.NoError(t, mem.SaveUser(ctx, billing.User{ID: "clerk-1", Name: "Carol Clerk", Role: billing.UserClerk}))

	now := time.Date(2024, time.January, 15, 0, 0, 1, 0, time.UTC)
	engine := billing.NewEngine(billing.DefaultCalendar(), zap.NewNop())
	engine.Now = func() time.Time { return now }
	rec := events.NewRecorder()
	return fixture{
		svc:      settlement.NewService(mem, engine, rec, zap.NewNop()),
		mem:      mem,
		recorder: rec,
		now:      &now,
	}
}

func (f fixture) setNow(t time.Time) { *f.now = t }

func day(m time.Month, d int) time.Time {
	return time.Date(2024, m, d, 0, 0, 0, 0, time.UTC)
}

func (f fixture) addCompleted(t *testing.T, id string, price float64, completed time.Time, clerk billing.UserID) {
	t.Helper()
	c := completed
	require.NoError(t, f.mem.CreateInspection(context.Background(), billing.Inspection{
		ID:              billing.InspectionID(id),
		PropertyAddress: "10 Downing Street",
		AgentID:         "agent-1",
		ClerkID:         clerk,
		Type:            billing.InspectionRoutine,
		Price:           billing.GBP(price),
		Status:          billing.StatusCompleted,
		ScheduledDate:   completed,
		CompletedDate:   &c,
	}))
}

func (f fixture) seedScenario(t *testing.T) {
	f.addCompleted(t, "insp-2", 150, day(time.January, 5), "")
	f.addCompleted(t, "insp-1", 100, day(time.January, 3), "")
	f.addCompleted(t, "insp-3", 80, day(time.January, 8), "")
}

// =============================================================================
// DASHBOARD TESTS
// =============================================================================

func TestCurrentPeriodDisplay(t *testing.T) {
	f := newFixture(t)

	d := f.svc.CurrentPeriodDisplay(day(time.January, 10))

	assert.Equal(t, 1, d.Period.Number)
	assert.Equal(t, 5, d.DaysRemaining)
	assert.Equal(t, "Period 1 (01 Jan 2024 - 14 Jan 2024)", d.Label)
}

func TestUnprocessedCashback_Scenario(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(t)

	total, err := f.svc.UnprocessedCashback(context.Background(), "agent-1", day(time.January, 10))
	require.NoError(t, err)
	assert.Equal(t, "49.50 GBP", total.String())

	commission, err := f.svc.UnprocessedCommission(context.Background(), "clerk-1", day(time.January, 10))
	require.NoError(t, err)
	assert.True(t, commission.IsZero())
}

func TestUnprocessed_RequiresBiller(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.UnprocessedCashback(context.Background(), "", day(time.January, 10))
	assert.ErrorIs(t, err, billing.ErrValidation)
}

// =============================================================================
// CLOSE AND INVOICE TESTS
// =============================================================================

func TestCloseCurrentPeriodAndInvoice_Scenario(t *testing.T) {
	// GIVEN: Three completed inspections for agent-1 in period 1
	f := newFixture(t)
	f.seedScenario(t)
	ctx := context.Background()

	// WHEN: Closing the current period
	res, err := f.svc.CloseCurrentPeriodAndInvoice(ctx, day(time.January, 10))
	require.NoError(t, err)

	// THEN: One ledger entry and one invoice with three ordered lines
	assert.False(t, res.AlreadyClosed)
	assert.ElementsMatch(t, []billing.InspectionID{"insp-1", "insp-2", "insp-3"}, res.Entry.CoveredInspectionIDs)
	require.Len(t, res.Created, 1)
	inv := res.Created[0]
	assert.Equal(t, "49.50 GBP", inv.Total.String())
	assert.Equal(t, "Alice Agent", inv.BillerName)
	require.Len(t, inv.LineItems, 3)
	assert.Equal(t, billing.InspectionID("insp-1"), inv.LineItems[0].InspectionID)
	assert.Equal(t, billing.InspectionID("insp-2"), inv.LineItems[1].InspectionID)
	assert.Equal(t, billing.InspectionID("insp-3"), inv.LineItems[2].InspectionID)
	assert.Equal(t, res.Created, res.Invoices)

	// WHEN: Closing again
	again, err := f.svc.CloseCurrentPeriodAndInvoice(ctx, day(time.January, 12))
	require.NoError(t, err)

	// THEN: AlreadyClosed, same invoice set, nothing new
	assert.True(t, again.AlreadyClosed)
	assert.Empty(t, again.Created)
	assert.Equal(t, res.Invoices, again.Invoices)
	assert.Equal(t, res.Entry, again.Entry)

	assert.Len(t, f.recorder.Messages(events.RoutingPeriodClosed), 1)
	assert.Len(t, f.recorder.Messages(events.RoutingInvoiceCreate), 1)
}

func TestClose_AgentAndClerkInvoices(t *testing.T) {
	f := newFixture(t)
	f.addCompleted(t, "a", 100, day(time.January, 3), "clerk-1")
	f.addCompleted(t, "b", 200, day(time.January, 4), "clerk-1")

	res, err := f.svc.CloseCurrentPeriodAndInvoice(context.Background(), day(time.January, 10))
	require.NoError(t, err)

	require.Len(t, res.Invoices, 2)
	byRole := map[billing.BillerRole]billing.Invoice{}
	for _, inv := range res.Invoices {
		byRole[inv.Role] = inv
	}
	assert.Equal(t, "45.00 GBP", byRole[billing.RoleAgent].Total.String())
	assert.Equal(t, "90.00 GBP", byRole[billing.RoleClerk].Total.String())
	assert.Equal(t, "Carol Clerk", byRole[billing.RoleClerk].BillerName)
}

func TestClose_EmptyPeriod_NoInvoices(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.CloseCurrentPeriodAndInvoice(context.Background(), day(time.January, 10))
	require.NoError(t, err)

	assert.Empty(t, res.Created)
	assert.Empty(t, res.Invoices)
	detail, err := f.svc.Period(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, billing.PeriodClosed, detail.State)
}

func TestClose_LateCompletionAfterEarlyClose_NeverSettled(t *testing.T) {
	// GIVEN: Period 1 closed early on Jan 10
	f := newFixture(t)
	f.seedScenario(t)
	ctx := context.Background()
	_, err := f.svc.CloseCurrentPeriodAndInvoice(ctx, day(time.January, 10))
	require.NoError(t, err)

	// WHEN: Another inspection completes on Jan 12 (still period 1)
	f.addCompleted(t, "late", 500, day(time.January, 12), "")

	// THEN: Period 1 stays as settled and period 2 does not pick it up
	again, err := f.svc.CloseCurrentPeriodAndInvoice(ctx, day(time.January, 13))
	require.NoError(t, err)
	assert.True(t, again.AlreadyClosed)
	assert.NotContains(t, again.Entry.CoveredInspectionIDs, billing.InspectionID("late"))

	res2, err := f.svc.CloseCurrentPeriodAndInvoice(ctx, day(time.January, 20))
	require.NoError(t, err)
	assert.Equal(t, 2, res2.Period.Number)
	assert.Empty(t, res2.Entry.CoveredInspectionIDs)
}

func TestCloseElapsedPeriods_CatchUp(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(t)
	f.addCompleted(t, "p2", 100, day(time.January, 20), "")
	ctx := context.Background()
	f.setNow(day(time.February, 20))

	// Period 4 is current on Feb 20
	results, err := f.svc.CloseElapsedPeriods(ctx, day(time.February, 20))
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, 1, results[0].Period.Number)
	assert.Equal(t, 3, results[2].Period.Number)
	assert.Len(t, results[0].Created, 1)
	assert.Len(t, results[1].Created, 1)
	assert.Empty(t, results[2].Created)

	// Second run finds nothing to do
	results, err = f.svc.CloseElapsedPeriods(ctx, day(time.February, 20))
	require.NoError(t, err)
	assert.Empty(t, results)

	entries, err := f.svc.ClosedPeriods(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestRecoverInvoices_AfterPartialFailure(t *testing.T) {
	// GIVEN: The ledger entry was written but invoicing never ran
	f := newFixture(t)
	f.seedScenario(t)
	ctx := context.Background()
	engine := billing.NewEngine(billing.DefaultCalendar(), zap.NewNop())
	insps, err := f.mem.ListInspections(ctx)
	require.NoError(t, err)
	_, err = engine.ClosePeriod(ctx, engine.Calendar.PeriodByNumber(1), insps, f.mem)
	require.NoError(t, err)

	// WHEN: Recovering
	created, err := f.svc.RecoverInvoices(ctx, 1)
	require.NoError(t, err)

	// THEN: The missing invoice appears exactly once
	require.Len(t, created, 1)
	assert.Equal(t, "49.50 GBP", created[0].Total.String())
	assert.Equal(t, billing.InvoiceIDFor(1, billing.RoleAgent, "agent-1"), created[0].ID)

	created, err = f.svc.RecoverInvoices(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestRecoverInvoices_OpenPeriod(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RecoverInvoices(context.Background(), 5)
	assert.True(t, billing.IsNotFound(err))
}

func TestClosePeriodNumber_BeforeAnchor(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ClosePeriodNumber(context.Background(), 0)
	assert.ErrorIs(t, err, billing.ErrInvalidPeriod)
}

func TestClosePeriodNumber_FuturePeriodRejected(t *testing.T) {
	// GIVEN: The clock is in period 1 and an inspection will complete in period 3
	f := newFixture(t)
	ctx := context.Background()
	f.setNow(day(time.January, 10))

	// WHEN: Closing period 3 ahead of time
	_, err := f.svc.ClosePeriodNumber(ctx, 3)

	// THEN: Rejected and nothing is written
	assert.ErrorIs(t, err, billing.ErrInvalidPeriod)
	entries, err := f.svc.ClosedPeriods(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// AND: Once period 3 has started its completions settle normally
	f.addCompleted(t, "feb", 100, day(time.February, 1), "")
	f.setNow(day(time.February, 12))
	res, err := f.svc.ClosePeriodNumber(ctx, 3)
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	assert.Equal(t, "15.00 GBP", res.Created[0].Total.String())
}

func TestUnprocessed_ZeroAfterEarlyClose(t *testing.T) {
	// GIVEN: Period 1 closed early on Jan 10
	f := newFixture(t)
	f.seedScenario(t)
	ctx := context.Background()
	f.setNow(day(time.January, 10))
	_, err := f.svc.CloseCurrentPeriodAndInvoice(ctx, day(time.January, 10))
	require.NoError(t, err)

	// WHEN: A £200 inspection completes on Jan 12, still in period 1
	f.addCompleted(t, "late", 200, day(time.January, 12), "clerk-1")

	// THEN: The dashboards show nothing, since it can never be invoiced
	cashback, err := f.svc.UnprocessedCashback(ctx, "agent-1", day(time.January, 13))
	require.NoError(t, err)
	assert.True(t, cashback.IsZero())
	commission, err := f.svc.UnprocessedCommission(ctx, "clerk-1", day(time.January, 13))
	require.NoError(t, err)
	assert.True(t, commission.IsZero())
}

func TestRecoverInvoices_FromPayoutLinesAfterClear(t *testing.T) {
	// GIVEN: The ledger entry was written, then every inspection was cleared
	f := newFixture(t)
	f.seedScenario(t)
	ctx := context.Background()
	engine := billing.NewEngine(billing.DefaultCalendar(), zap.NewNop())
	insps, err := f.mem.ListInspections(ctx)
	require.NoError(t, err)
	_, err = engine.ClosePeriod(ctx, engine.Calendar.PeriodByNumber(1), insps, f.mem)
	require.NoError(t, err)
	_, err = f.mem.ClearInspections(ctx)
	require.NoError(t, err)

	// WHEN: Recovering the missing invoices
	created, err := f.svc.RecoverInvoices(ctx, 1)
	require.NoError(t, err)

	// THEN: The invoice is built from the lines stored with the payout
	require.Len(t, created, 1)
	inv := created[0]
	assert.Equal(t, "49.50 GBP", inv.Total.String())
	require.Len(t, inv.LineItems, 3)
	assert.Equal(t, billing.InspectionID("insp-1"), inv.LineItems[0].InspectionID)
	assert.Equal(t, billing.InspectionID("insp-3"), inv.LineItems[2].InspectionID)
	assert.Contains(t, inv.LineItems[0].Description, "10 Downing Street")
}

func TestInvoices_FilterByBiller(t *testing.T) {
	f := newFixture(t)
	f.addCompleted(t, "a", 100, day(time.January, 3), "clerk-1")
	_, err := f.svc.CloseCurrentPeriodAndInvoice(context.Background(), day(time.January, 10))
	require.NoError(t, err)

	clerk := billing.BillerID("clerk-1")
	invs, err := f.svc.Invoices(context.Background(), billing.InvoiceFilter{BillerID: &clerk})
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, billing.RoleClerk, invs[0].Role)

	got, err := f.svc.Invoice(context.Background(), invs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, invs[0].ID, got.ID)
}
