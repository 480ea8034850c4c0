/*
lifecycle.go - Inspection status state machine

STATES:

  scheduled ──assign──> assigned ──start──> in_progress ──complete──> completed
      │                   │  ▲                   │
      │                   └──┘ (re-assign)       │
      └──────cancel───────┴──────────────────────┴──────> cancelled

  assigned also allows complete directly (clerk skips "start" on the app).
  completed and cancelled are terminal.

INVARIANTS:
  - completedDate is stamped in the SAME write that moves the status to
    completed, so the classifier never needs the scheduled-date fallback
    for inspections that went through this package.
  - Price is never touched after booking.
*/
package inspection

import "github.com/warp/settlement-engine/billing"

// Action is a lifecycle operation.
type Action string

const (
	ActionAssign   Action = "assign"
	ActionStart    Action = "start"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

var transitions = map[Action]struct {
	from []billing.InspectionStatus
	to   billing.InspectionStatus
}{
	ActionAssign:   {from: []billing.InspectionStatus{billing.StatusScheduled, billing.StatusAssigned}, to: billing.StatusAssigned},
	ActionStart:    {from: []billing.InspectionStatus{billing.StatusAssigned}, to: billing.StatusInProgress},
	ActionComplete: {from: []billing.InspectionStatus{billing.StatusAssigned, billing.StatusInProgress}, to: billing.StatusCompleted},
	ActionCancel:   {from: []billing.InspectionStatus{billing.StatusScheduled, billing.StatusAssigned, billing.StatusInProgress}, to: billing.StatusCancelled},
}

// Next returns the status an action leads to from the current status, or a
// *billing.TransitionError.
func Next(insp billing.Inspection, action Action) (billing.InspectionStatus, error) {
	t, ok := transitions[action]
	if !ok {
		return "", &billing.TransitionError{InspectionID: insp.ID, From: insp.Status, To: billing.InspectionStatus(action)}
	}
	for _, from := range t.from {
		if insp.Status == from {
			return t.to, nil
		}
	}
	return "", &billing.TransitionError{InspectionID: insp.ID, From: insp.Status, To: t.to}
}

// CanTransition reports whether the action is allowed.
func CanTransition(insp billing.Inspection, action Action) bool {
	_, err := Next(insp, action)
	return err == nil
}
