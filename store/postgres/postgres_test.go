package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/store/postgres"
)

// These tests need a scratch database: TEST_DATABASE_URL=postgres://...
func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	store, err := postgres.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// uniquePeriod keeps reruns against the same database independent.
func uniquePeriod() int {
	return int(time.Now().UnixNano()%1_000_000) + 1000
}

func entry(n int, ids ...billing.InspectionID) billing.ProcessedPeriod {
	p := billing.DefaultCalendar().PeriodByNumber(n)
	return billing.ProcessedPeriod{
		PeriodNumber:         n,
		PeriodStart:          p.Start,
		PeriodEnd:            p.End,
		ClosedAt:             p.End,
		CoveredInspectionIDs: ids,
	}
}

func TestPutIfAbsent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	n := uniquePeriod()
	id := billing.InspectionID(fmt.Sprintf("pg-insp-%d", n))
	payouts := []billing.Payout{{
		Role: billing.RoleClerk, BillerID: "clerk-1", PeriodNumber: n,
		Amount: billing.GBP(30), SourceInspectionIDs: []billing.InspectionID{id},
	}}

	_, created, err := store.PutIfAbsent(ctx, entry(n, id), payouts)
	require.NoError(t, err)
	assert.True(t, created)

	// Same period again: existing entry comes back
	stored, created, err := store.PutIfAbsent(ctx, entry(n), nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, []billing.InspectionID{id}, stored.CoveredInspectionIDs)

	// Another period claiming the same inspection
	_, created, err = store.PutIfAbsent(ctx, entry(n+1, id), nil)
	assert.False(t, created)
	var conflict *billing.CoverageConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, n, conflict.ExistingPeriod)

	got, err := store.Payouts(ctx, n)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Amount.Equal(billing.GBP(30)))
}

func TestPayouts_LinesRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	n := uniquePeriod()
	id := billing.InspectionID(fmt.Sprintf("pg-line-%d", n))
	at := time.Date(2024, 1, 3, 10, 30, 0, 0, time.UTC)
	payouts := []billing.Payout{{
		Role: billing.RoleAgent, BillerID: "agent-1", PeriodNumber: n,
		Amount: billing.GBP(22.5), SourceInspectionIDs: []billing.InspectionID{id},
		Lines: []billing.PayoutLine{{
			InspectionID: id, Type: billing.InspectionRoutine, PropertyAddress: "1 High Street",
			Price: billing.GBP(150), AttributedAt: at,
		}},
	}}

	_, _, err := store.PutIfAbsent(ctx, entry(n, id), payouts)
	require.NoError(t, err)

	got, err := store.Payouts(ctx, n)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Len(t, got[0].Lines, 1)
	assert.Equal(t, "1 High Street", got[0].Lines[0].PropertyAddress)
	assert.True(t, got[0].Lines[0].Price.Equal(billing.GBP(150)))
	assert.True(t, got[0].Lines[0].AttributedAt.Equal(at))
}

func TestCreateInvoice_InsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	n := uniquePeriod()
	inv := billing.Invoice{
		ID: billing.InvoiceIDFor(n, billing.RoleAgent, "agent-1"), PeriodNumber: n,
		Role: billing.RoleAgent, BillerID: "agent-1",
		LineItems: []billing.InvoiceLine{{InspectionID: "a", Description: "Routine Inspection", Amount: billing.GBP(15)}},
		Total:     billing.GBP(15),
		CreatedAt: time.Now(),
	}
	created, err := store.CreateInvoice(ctx, inv)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.CreateInvoice(ctx, inv)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, got.LineItems, 1)
	assert.True(t, got.Total.Equal(billing.GBP(15)))
}
