/*
errors.go - Centralized error types for the settlement core

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers test with errors.Is / errors.As; structured errors unwrap to
  their sentinel.

ERROR CATEGORIES:
  1. Configuration errors - pricing table cannot price a booking (fatal)
  2. Settlement outcomes   - AlreadyClosed (benign), IncompleteAttribution (log only)
  3. Lifecycle errors      - invalid inspection status transitions
  4. Store errors          - not found, concurrent modification

USAGE:
  result, err := engine.ClosePeriod(ctx, period, inspections, ledger)
  if errors.Is(err, billing.ErrAlreadyClosed) {
      // Redundant close: treat as success, result carries the existing entry
  }

SEE ALSO:
  - accrual.go: Produces ErrAlreadyClosed and IncompleteAttribution warnings
  - pricing.go: Produces ConfigurationError
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrConfiguration is returned when no price exists for an inspection
	// type. Bookings must be rejected when this happens.
	ErrConfiguration = errors.New("pricing configuration error")

	// ErrInvalidBedrooms is returned for a negative bedroom count.
	ErrInvalidBedrooms = errors.New("invalid bedroom count")

	// ErrAlreadyClosed is the expected outcome of a redundant close. It is
	// informational, not a failure.
	ErrAlreadyClosed = errors.New("billing period already closed")

	// ErrIncompleteAttribution marks an inspection with no biller for a
	// role. It is logged and the inspection is excluded; it is never
	// returned from the accrual engine.
	ErrIncompleteAttribution = errors.New("inspection has no biller for role")

	// ErrInspectionAlreadyCovered is returned by ledger stores when an
	// inspection id is already part of another settled period.
	ErrInspectionAlreadyCovered = errors.New("inspection already covered by a settled period")

	// ErrConcurrentModification is returned when a conditional write loses
	// a race. Safe to retry.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned for a disallowed status change.
	ErrInvalidTransition = errors.New("invalid inspection status transition")

	// ErrInvalidPeriod is returned for malformed calendars or periods that
	// cannot be settled (number below 1).
	ErrInvalidPeriod = errors.New("invalid billing period")

	// ErrInvalidRole is returned for a role outside agent/clerk.
	ErrInvalidRole = errors.New("invalid biller role")

	// ErrValidation is returned for malformed input (missing ids, etc.).
	ErrValidation = errors.New("validation failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConfigurationError reports the inspection type that could not be priced.
type ConfigurationError struct {
	InspectionType InspectionType
	Bedrooms       int
	Detail         string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("pricing configuration error: %s (type=%q, bedrooms=%d)",
		e.Detail, e.InspectionType, e.Bedrooms)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// AlreadyClosedError carries the ledger entry written by the first close.
type AlreadyClosedError struct {
	PeriodNumber int
	Entry        ProcessedPeriod
}

func (e *AlreadyClosedError) Error() string {
	return fmt.Sprintf("billing period %d already closed at %s",
		e.PeriodNumber, e.Entry.ClosedAt.Format("2006-01-02 15:04:05"))
}

func (e *AlreadyClosedError) Unwrap() error { return ErrAlreadyClosed }

// AttributionError describes an inspection excluded from a role's totals.
// Only ever logged.
type AttributionError struct {
	InspectionID InspectionID
	Role         BillerRole
}

func (e *AttributionError) Error() string {
	return fmt.Sprintf("inspection %s has no %s assigned", e.InspectionID, e.Role)
}

func (e *AttributionError) Unwrap() error { return ErrIncompleteAttribution }

// TransitionError reports a rejected status change.
type TransitionError struct {
	InspectionID InspectionID
	From         InspectionStatus
	To           InspectionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("inspection %s: cannot move from %s to %s", e.InspectionID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// CoverageConflictError reports an inspection already settled elsewhere.
type CoverageConflictError struct {
	InspectionID   InspectionID
	ExistingPeriod int
}

func (e *CoverageConflictError) Error() string {
	return fmt.Sprintf("inspection %s already settled in period %d", e.InspectionID, e.ExistingPeriod)
}

func (e *CoverageConflictError) Unwrap() error { return ErrInspectionAlreadyCovered }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrInspectionAlreadyCovered)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrInvalidBedrooms) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidRole) ||
		errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
