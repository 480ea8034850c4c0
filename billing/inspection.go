package billing

import "time"

// =============================================================================
// INSPECTION TYPES
// =============================================================================

type InspectionType string

const (
	InspectionRoutine    InspectionType = "routine"
	InspectionFireSafety InspectionType = "fire_safety"
	InspectionCheckIn    InspectionType = "check_in"
	InspectionCheckOut   InspectionType = "check_out"
)

// InspectionTypes lists every type the engine knows how to price.
var InspectionTypes = []InspectionType{
	InspectionRoutine,
	InspectionFireSafety,
	InspectionCheckIn,
	InspectionCheckOut,
}

func (t InspectionType) Valid() bool {
	for _, known := range InspectionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Label is the human-readable name used on invoice lines.
func (t InspectionType) Label() string {
	switch t {
	case InspectionRoutine:
		return "Routine Inspection"
	case InspectionFireSafety:
		return "Fire Safety Inspection"
	case InspectionCheckIn:
		return "Check-In Inspection"
	case InspectionCheckOut:
		return "Check-Out Inspection"
	default:
		return string(t)
	}
}

// =============================================================================
// INSPECTION STATUS
// =============================================================================

type InspectionStatus string

const (
	StatusScheduled  InspectionStatus = "scheduled"
	StatusAssigned   InspectionStatus = "assigned"
	StatusInProgress InspectionStatus = "in_progress"
	StatusCompleted  InspectionStatus = "completed"
	StatusCancelled  InspectionStatus = "cancelled"
)

// Terminal statuses never transition again.
func (s InspectionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// =============================================================================
// INSPECTION - A booked property inspection
// =============================================================================

// Inspection is the record the settlement core reads. Price is fixed at
// booking time and must never be recalculated afterward; settled periods
// would drift otherwise.
type Inspection struct {
	ID         InspectionID
	PropertyID PropertyID

	// Snapshots taken at booking time
	PropertyAddress string
	Bedrooms        int

	AgentID UserID
	ClerkID UserID // Empty until a clerk is assigned

	Type   InspectionType
	Price  Money
	Status InspectionStatus

	ScheduledDate time.Time
	CompletedDate *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AttributionTime returns the instant used to place the inspection in a
// billing period: CompletedDate when present, otherwise ScheduledDate when
// fallback is allowed. The second result reports whether the fallback was
// used; the third is false when no instant is available at all.
func (i Inspection) AttributionTime(allowScheduledFallback bool) (time.Time, bool, bool) {
	if i.CompletedDate != nil && !i.CompletedDate.IsZero() {
		return *i.CompletedDate, false, true
	}
	if allowScheduledFallback && !i.ScheduledDate.IsZero() {
		return i.ScheduledDate, true, true
	}
	return time.Time{}, false, false
}

// =============================================================================
// USERS
// =============================================================================

type UserRole string

const (
	UserAgent UserRole = "agent"
	UserClerk UserRole = "clerk"
	UserAdmin UserRole = "admin"
)

type User struct {
	ID        UserID
	Name      string
	Email     string
	Role      UserRole
	CreatedAt time.Time
}
