package inspection_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/billing/store"
	"github.com/warp/settlement-engine/inspection"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestService(t *testing.T) (*inspection.Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	svc := inspection.NewService(mem, mem, mem, billing.DefaultPricing(billing.CurrencyGBP), zap.NewNop())

	now := time.Date(2024, time.January, 2, 9, 0, 0, 0, time.UTC)
	svc.Now = func() time.Time { return now }
	seq := 0
	svc.NewID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}

	ctx := context.Background()
	for _, u := range []billing.User{
		{ID: "agent-1", Name: "Alice", Role: billing.UserAgent},
		{ID: "agent-2", Name: "Aaron", Role: billing.UserAgent},
		{ID: "clerk-1", Name: "Carol", Role: billing.UserClerk},
		{ID: "admin-1", Name: "Ada", Role: billing.UserAdmin},
	} {
		_, err := svc.RegisterUser(ctx, u)
		require.NoError(t, err)
	}
	return svc, mem
}

func bookRoutine(t *testing.T, svc *inspection.Service, bedrooms int) billing.Inspection {
	t.Helper()
	insp, err := svc.Book(context.Background(), inspection.BookRequest{
		PropertyID:      "prop-1",
		PropertyAddress: "1 High Street",
		Bedrooms:        bedrooms,
		AgentID:         "agent-1",
		Type:            billing.InspectionRoutine,
		ScheduledDate:   time.Date(2024, time.January, 5, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return insp
}

// =============================================================================
// BOOKING TESTS
// =============================================================================

func TestBook_SnapshotsPrice(t *testing.T) {
	svc, _ := newTestService(t)

	insp := bookRoutine(t, svc, 2)

	assert.Equal(t, billing.StatusScheduled, insp.Status)
	assert.True(t, insp.Price.Equal(billing.GBP(120)), "got %s", insp.Price)
	assert.Equal(t, billing.InspectionID("id-1"), insp.ID)
}

func TestBook_SevenBedroomsPricedAsFive(t *testing.T) {
	svc, _ := newTestService(t)

	seven := bookRoutine(t, svc, 7)
	five := bookRoutine(t, svc, 5)

	assert.True(t, seven.Price.Equal(five.Price))
	assert.Equal(t, 7, seven.Bedrooms)
}

func TestBook_Rejections(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	base := inspection.BookRequest{
		PropertyID:    "prop-1",
		AgentID:       "agent-1",
		Type:          billing.InspectionRoutine,
		ScheduledDate: time.Date(2024, time.January, 5, 0, 0, 0, 0, time.UTC),
	}

	negative := base
	negative.Bedrooms = -2
	_, err := svc.Book(ctx, negative)
	assert.ErrorIs(t, err, billing.ErrInvalidBedrooms)

	unknown := base
	unknown.Type = "asbestos"
	_, err = svc.Book(ctx, unknown)
	assert.ErrorIs(t, err, billing.ErrConfiguration)

	clerkAsAgent := base
	clerkAsAgent.AgentID = "clerk-1"
	_, err = svc.Book(ctx, clerkAsAgent)
	assert.ErrorIs(t, err, billing.ErrValidation)

	missingAgent := base
	missingAgent.AgentID = "ghost"
	_, err = svc.Book(ctx, missingAgent)
	assert.ErrorIs(t, err, billing.ErrNotFound)

	all, err := svc.List(ctx, inspection.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestBook_PricingChangeDoesNotAffectExistingInspection(t *testing.T) {
	// GIVEN: X booked at £100 (routine, 1 bedroom) and completed
	svc, _ := newTestService(t)
	ctx := context.Background()
	x := bookRoutine(t, svc, 1)
	require.True(t, x.Price.Equal(billing.GBP(100)))
	_, err := svc.Assign(ctx, x.ID, "clerk-1")
	require.NoError(t, err)
	_, err = svc.Complete(ctx, x.ID, time.Time{})
	require.NoError(t, err)

	// WHEN: Admin raises routine pricing
	_, err = svc.UpdatePricing(ctx, billing.PricingSettings{
		InspectionType: billing.InspectionRoutine,
		BedroomPricing: map[int]billing.Money{1: billing.GBP(400)},
	}, "admin-1")
	require.NoError(t, err)

	// THEN: X keeps £100, new bookings get £400
	got, err := svc.Get(ctx, x.ID)
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(billing.GBP(100)))
	assert.True(t, billing.RoleAgent.Contribution(got.Price).Equal(billing.GBP(15)))

	y := bookRoutine(t, svc, 1)
	assert.True(t, y.Price.Equal(billing.GBP(400)))
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestLifecycle_CompleteStampsCompletedDate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	insp := bookRoutine(t, svc, 3)

	_, err := svc.Assign(ctx, insp.ID, "clerk-1")
	require.NoError(t, err)
	_, err = svc.Start(ctx, insp.ID)
	require.NoError(t, err)

	done := time.Date(2024, time.January, 6, 15, 30, 0, 0, time.UTC)
	got, err := svc.Complete(ctx, insp.ID, done)
	require.NoError(t, err)

	assert.Equal(t, billing.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedDate)
	assert.Equal(t, done, *got.CompletedDate)
	assert.Equal(t, billing.UserID("clerk-1"), got.ClerkID)
}

func TestLifecycle_InvalidTransitions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	insp := bookRoutine(t, svc, 3)

	// Cannot start or complete before a clerk is assigned
	_, err := svc.Start(ctx, insp.ID)
	assert.ErrorIs(t, err, billing.ErrInvalidTransition)
	_, err = svc.Complete(ctx, insp.ID, time.Time{})
	assert.ErrorIs(t, err, billing.ErrInvalidTransition)

	_, err = svc.Cancel(ctx, insp.ID)
	require.NoError(t, err)

	// Terminal
	_, err = svc.Assign(ctx, insp.ID, "clerk-1")
	var te *billing.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, billing.StatusCancelled, te.From)
}

func TestLifecycle_AssignRequiresClerk(t *testing.T) {
	svc, _ := newTestService(t)
	insp := bookRoutine(t, svc, 3)

	_, err := svc.Assign(context.Background(), insp.ID, "agent-2")
	assert.ErrorIs(t, err, billing.ErrValidation)
}

func TestNext_TransitionTable(t *testing.T) {
	cases := []struct {
		from   billing.InspectionStatus
		action inspection.Action
		ok     bool
	}{
		{billing.StatusScheduled, inspection.ActionAssign, true},
		{billing.StatusAssigned, inspection.ActionAssign, true},
		{billing.StatusAssigned, inspection.ActionComplete, true},
		{billing.StatusInProgress, inspection.ActionComplete, true},
		{billing.StatusScheduled, inspection.ActionComplete, false},
		{billing.StatusCompleted, inspection.ActionCancel, false},
		{billing.StatusCompleted, inspection.ActionAssign, false},
		{billing.StatusInProgress, inspection.ActionCancel, true},
	}
	for _, tc := range cases {
		insp := billing.Inspection{ID: "x", Status: tc.from}
		assert.Equal(t, tc.ok, inspection.CanTransition(insp, tc.action), "%s --%s-->", tc.from, tc.action)
	}
}

// =============================================================================
// ADMIN TESTS
// =============================================================================

func TestReassign_ChangesBillers(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	insp := bookRoutine(t, svc, 1)

	got, err := svc.Reassign(ctx, insp.ID, inspection.ReassignRequest{AgentID: "agent-2", ClerkID: "clerk-1"})
	require.NoError(t, err)

	assert.Equal(t, billing.UserID("agent-2"), got.AgentID)
	assert.Equal(t, billing.UserID("clerk-1"), got.ClerkID)
	assert.Equal(t, billing.StatusAssigned, got.Status)
	assert.True(t, got.Price.Equal(insp.Price))
}

func TestBulkClear(t *testing.T) {
	svc, _ := newTestService(t)
	bookRoutine(t, svc, 1)
	bookRoutine(t, svc, 2)

	n, err := svc.BulkClear(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestResetPricing_RestoresDefaults(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.UpdatePricing(ctx, billing.PricingSettings{
		InspectionType: billing.InspectionCheckIn,
		BedroomPricing: map[int]billing.Money{0: billing.GBP(1)},
	}, "admin-1")
	require.NoError(t, err)

	ps, err := svc.ResetPricing(ctx, billing.InspectionCheckIn)
	require.NoError(t, err)
	assert.True(t, ps.BedroomPricing[0].Equal(billing.GBP(100)))

	price, err := svc.Quote(ctx, billing.InspectionCheckIn, 0)
	require.NoError(t, err)
	assert.True(t, price.Equal(billing.GBP(100)))
}

func TestSeedPricing_KeepsExistingOverrides(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.UpdatePricing(ctx, billing.PricingSettings{
		InspectionType: billing.InspectionRoutine,
		BedroomPricing: map[int]billing.Money{0: billing.GBP(77)},
	}, "admin-1")
	require.NoError(t, err)

	n, err := svc.SeedPricing(ctx, []billing.PricingSettings{
		{InspectionType: billing.InspectionRoutine, BedroomPricing: map[int]billing.Money{0: billing.GBP(1)}},
		{InspectionType: billing.InspectionFireSafety, BedroomPricing: map[int]billing.Money{0: billing.GBP(2)}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	price, err := svc.Quote(ctx, billing.InspectionRoutine, 0)
	require.NoError(t, err)
	assert.True(t, price.Equal(billing.GBP(77)))
}
