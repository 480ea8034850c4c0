/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Populates the store with realistic inspections so the dashboards,
	the close flow and the invoices can be explored without clicking
	through every booking by hand. Dates are placed relative to the
	period that is current when the scenario loads.

AVAILABLE SCENARIOS:

	busy-period:      Several completed inspections across every type
	late-completion:  Booked last period, completed this period
	mixed-status:     Cancelled, in-progress and scheduled work that earns nothing

HOW SCENARIOS WORK:
 1. Clear all inspections (ledger and invoices are kept)
 2. Upsert the demo agents and clerks
 3. Book inspections at the currently active prices
 4. Walk each one through assign / start / complete or cancel

USAGE VIA API:

	GET  /api/admin/scenarios
	POST /api/admin/scenarios/load
	{"scenario_id": "busy-period"}

NOTE:

	Scenarios clear inspections. Only use in development/demo environments.
	Already closed periods keep their ledger entries.

SEE ALSO:
  - handlers.go: ClearInspections
  - inspection/service.go: Book and the lifecycle transitions
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/inspection"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "busy-period",
		Name:        "Busy Period",
		Description: "Two agents and two clerks with completed work of every inspection type",
	},
	{
		ID:          "late-completion",
		Name:        "Late Completion",
		Description: "Scheduled in the previous period, completed in this one",
	},
	{
		ID:          "mixed-status",
		Name:        "Mixed Status",
		Description: "Cancelled, in-progress and scheduled inspections that earn nothing yet",
	},
}

var demoUsers = []billing.User{
	{ID: "demo-agent-1", Name: "Priya Shah", Email: "priya@lettings.example", Role: billing.UserAgent},
	{ID: "demo-agent-2", Name: "Tom Okafor", Email: "tom@lettings.example", Role: billing.UserAgent},
	{ID: "demo-clerk-1", Name: "Dana Reid", Email: "dana@inventory.example", Role: billing.UserClerk},
	{ID: "demo-clerk-2", Name: "Sam Ellis", Email: "sam@inventory.example", Role: billing.UserClerk},
}

// demoJob is one inspection and where its lifecycle ends.
type demoJob struct {
	property  string
	address   string
	bedrooms  int
	kind      billing.InspectionType
	agent     billing.UserID
	clerk     billing.UserID // empty: never assigned
	scheduled time.Time
	completed time.Time // zero: not completed
	final     billing.InspectionStatus
}

// ListScenarios returns the loadable scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario clears inspections and loads the named scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	ctx := r.Context()
	jobs, err := h.scenarioJobs(req.ScenarioID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unknown scenario", err)
		return
	}

	if _, err := h.Inspections.BulkClear(ctx); err != nil {
		h.writeDomainError(w, "Failed to reset inspections", err)
		return
	}
	for _, u := range demoUsers {
		if _, err := h.Inspections.RegisterUser(ctx, u); err != nil {
			h.writeDomainError(w, "Failed to create demo user", err)
			return
		}
	}

	loaded := make([]InspectionDTO, 0, len(jobs))
	for _, job := range jobs {
		insp, err := h.runJob(ctx, job)
		if err != nil {
			h.writeDomainError(w, "Failed to load scenario", err)
			return
		}
		loaded = append(loaded, toInspectionDTO(insp))
	}

	h.Logger.Info("scenario loaded",
		zap.String("scenario", req.ScenarioID),
		zap.Int("inspections", len(loaded)))

	writeJSON(w, http.StatusOK, LoadScenarioResponse{
		ScenarioID:  req.ScenarioID,
		Period:      toPeriodDTO(h.Settlement.Calendar().CurrentPeriod(h.Now())),
		Inspections: loaded,
	})
}

func (h *Handler) scenarioJobs(id string) ([]demoJob, error) {
	now := h.Now()
	current := h.Settlement.Calendar().CurrentPeriod(now)

	// at returns an instant offset into the current period, never after now
	at := func(offset time.Duration) time.Time {
		t := current.Start.Add(offset)
		if t.After(now) {
			return now
		}
		return t
	}

	switch id {
	case "busy-period":
		return []demoJob{
			{property: "prop-101", address: "12 Mill Lane", bedrooms: 2, kind: billing.InspectionRoutine,
				agent: "demo-agent-1", clerk: "demo-clerk-1",
				scheduled: at(2 * time.Hour), completed: at(3 * time.Hour), final: billing.StatusCompleted},
			{property: "prop-102", address: "4 Harbour View", bedrooms: 0, kind: billing.InspectionFireSafety,
				agent: "demo-agent-1", clerk: "demo-clerk-2",
				scheduled: at(5 * time.Hour), completed: at(6 * time.Hour), final: billing.StatusCompleted},
			{property: "prop-103", address: "88 Castle Street", bedrooms: 4, kind: billing.InspectionCheckIn,
				agent: "demo-agent-2", clerk: "demo-clerk-1",
				scheduled: at(8 * time.Hour), completed: at(10 * time.Hour), final: billing.StatusCompleted},
			{property: "prop-104", address: "1 The Crescent", bedrooms: 7, kind: billing.InspectionCheckOut,
				agent: "demo-agent-2", clerk: "demo-clerk-2",
				scheduled: at(11 * time.Hour), completed: at(12 * time.Hour), final: billing.StatusCompleted},
		}, nil

	case "late-completion":
		return []demoJob{
			{property: "prop-201", address: "9 Orchard Row", bedrooms: 3, kind: billing.InspectionCheckOut,
				agent: "demo-agent-1", clerk: "demo-clerk-1",
				scheduled: current.Start.Add(-24 * time.Hour), completed: at(time.Hour), final: billing.StatusCompleted},
			{property: "prop-202", address: "27 Quay Road", bedrooms: 1, kind: billing.InspectionRoutine,
				agent: "demo-agent-2", clerk: "demo-clerk-2",
				scheduled: at(time.Hour), completed: at(2 * time.Hour), final: billing.StatusCompleted},
		}, nil

	case "mixed-status":
		return []demoJob{
			{property: "prop-301", address: "3 Elm Court", bedrooms: 2, kind: billing.InspectionRoutine,
				agent: "demo-agent-1", clerk: "demo-clerk-1",
				scheduled: at(time.Hour), final: billing.StatusCancelled},
			{property: "prop-302", address: "15 Station Approach", bedrooms: 3, kind: billing.InspectionCheckIn,
				agent: "demo-agent-1", clerk: "demo-clerk-2",
				scheduled: at(2 * time.Hour), final: billing.StatusInProgress},
			{property: "prop-303", address: "60 Park Terrace", bedrooms: 1, kind: billing.InspectionFireSafety,
				agent: "demo-agent-2",
				scheduled: at(3 * time.Hour), final: billing.StatusScheduled},
		}, nil
	}
	return nil, fmt.Errorf("scenario %q does not exist", id)
}

func (h *Handler) runJob(ctx context.Context, job demoJob) (billing.Inspection, error) {
	insp, err := h.Inspections.Book(ctx, inspection.BookRequest{
		PropertyID:      billing.PropertyID(job.property),
		PropertyAddress: job.address,
		Bedrooms:        job.bedrooms,
		AgentID:         job.agent,
		Type:            job.kind,
		ScheduledDate:   job.scheduled,
	})
	if err != nil {
		return billing.Inspection{}, err
	}

	if job.final == billing.StatusCancelled {
		return h.Inspections.Cancel(ctx, insp.ID)
	}
	if job.clerk != "" {
		if insp, err = h.Inspections.Assign(ctx, insp.ID, job.clerk); err != nil {
			return billing.Inspection{}, err
		}
	}
	if job.final == billing.StatusScheduled || job.final == billing.StatusAssigned {
		return insp, nil
	}
	if insp, err = h.Inspections.Start(ctx, insp.ID); err != nil {
		return billing.Inspection{}, err
	}
	if job.final == billing.StatusInProgress {
		return insp, nil
	}
	return h.Inspections.Complete(ctx, insp.ID, job.completed)
}
