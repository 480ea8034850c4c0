/*
scenarios_test.go - Tests for the demo scenarios

PURPOSE:
	Each scenario loads through the real router and leaves the dashboards
	showing the totals its description promises. The scenarios double as
	end-to-end checks of booking, lifecycle and unprocessed totals.
*/
package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/billing"
)

func (s *testServer) loadScenario(t *testing.T, id string) LoadScenarioResponse {
	t.Helper()
	rr := s.do(t, http.MethodPost, "/api/admin/scenarios/load", LoadScenarioRequest{ScenarioID: id})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	return decode[LoadScenarioResponse](t, rr)
}

func (s *testServer) unprocessed(t *testing.T, path string) string {
	t.Helper()
	rr := s.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	return decode[UnprocessedDTO](t, rr).Amount.Amount
}

func TestScenarios_List(t *testing.T) {
	s := newTestServer(t)

	list := decode[[]ScenarioDTO](t, s.do(t, http.MethodGet, "/api/admin/scenarios", nil))

	require.Len(t, list, 3)
	assert.Equal(t, "busy-period", list[0].ID)
}

func TestScenario_BusyPeriod(t *testing.T) {
	// GIVEN: an empty store
	s := newTestServer(t)

	// WHEN: loading the busy period scenario
	resp := s.loadScenario(t, "busy-period")

	// THEN: four completed inspections land in the current period
	assert.Equal(t, 1, resp.Period.Number)
	require.Len(t, resp.Inspections, 4)
	for _, insp := range resp.Inspections {
		assert.Equal(t, string(billing.StatusCompleted), insp.Status)
	}

	// AND: a 7 bedroom check-out is priced from the 5 bedroom bucket
	assert.Equal(t, "240.00", resp.Inspections[3].Price.Amount)

	// AND: the running totals are 15% / 30% of each biller's prices
	assert.Equal(t, "31.50", s.unprocessed(t, "/api/agents/demo-agent-1/cashback"))
	assert.Equal(t, "66.75", s.unprocessed(t, "/api/agents/demo-agent-2/cashback"))
	assert.Equal(t, "97.50", s.unprocessed(t, "/api/clerks/demo-clerk-1/commission"))
	assert.Equal(t, "99.00", s.unprocessed(t, "/api/clerks/demo-clerk-2/commission"))
}

func TestScenario_LateCompletionCountsWhenCompleted(t *testing.T) {
	// GIVEN: an inspection scheduled before the current period but completed in it
	s := newTestServer(t)

	// WHEN: loading the scenario
	resp := s.loadScenario(t, "late-completion")
	require.Len(t, resp.Inspections, 2)

	// THEN: it is attributed by completion date to the current period
	assert.Equal(t, "26.25", s.unprocessed(t, "/api/agents/demo-agent-1/cashback"))
	assert.Equal(t, "52.50", s.unprocessed(t, "/api/clerks/demo-clerk-1/commission"))
}

func TestScenario_MixedStatusEarnsNothing(t *testing.T) {
	s := newTestServer(t)

	resp := s.loadScenario(t, "mixed-status")

	require.Len(t, resp.Inspections, 3)
	assert.Equal(t, string(billing.StatusCancelled), resp.Inspections[0].Status)
	assert.Equal(t, string(billing.StatusInProgress), resp.Inspections[1].Status)
	assert.Equal(t, string(billing.StatusScheduled), resp.Inspections[2].Status)
	assert.Equal(t, "0.00", s.unprocessed(t, "/api/agents/demo-agent-1/cashback"))
	assert.Equal(t, "0.00", s.unprocessed(t, "/api/clerks/demo-clerk-2/commission"))
}

func TestScenario_ReloadReplacesInspections(t *testing.T) {
	// GIVEN: a loaded scenario
	s := newTestServer(t)
	s.loadScenario(t, "busy-period")

	// WHEN: another scenario is loaded over it
	s.loadScenario(t, "mixed-status")

	// THEN: only the new scenario's inspections remain
	list := decode[[]InspectionDTO](t, s.do(t, http.MethodGet, "/api/inspections", nil))
	assert.Len(t, list, 3)
	assert.Equal(t, "0.00", s.unprocessed(t, "/api/agents/demo-agent-2/cashback"))
}

func TestScenario_Unknown(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPost, "/api/admin/scenarios/load", LoadScenarioRequest{ScenarioID: "holiday-rush"})

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
