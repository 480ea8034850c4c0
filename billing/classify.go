package billing

// =============================================================================
// INSPECTION CLASSIFIER - Does an inspection count toward a period?
// =============================================================================

type ClassificationReason string

const (
	ReasonCounted            ClassificationReason = "counted"
	ReasonCountedByScheduled ClassificationReason = "counted_by_scheduled_date"
	ReasonNotCompleted       ClassificationReason = "not_completed"
	ReasonOutsidePeriod      ClassificationReason = "outside_period"
	ReasonNoCompletionDate   ClassificationReason = "no_completion_date"
)

type Classification struct {
	Counts bool
	Reason ClassificationReason
}

// Classifier decides period membership for completed inspections.
//
// ScheduledDateFallback attributes a completed inspection without a
// completion date by its scheduled date. This can misattribute a late
// completion into an earlier period; the inspection package always stamps
// CompletedDate together with the completed status, so the fallback only
// matters for imported or legacy records. Such classifications carry
// ReasonCountedByScheduled so callers can spot them.
type Classifier struct {
	ScheduledDateFallback bool
}

// DefaultClassifier keeps the scheduled-date fallback enabled.
func DefaultClassifier() Classifier {
	return Classifier{ScheduledDateFallback: true}
}

// Classify is pure: it never mutates the inspection.
func (c Classifier) Classify(insp Inspection, period BillingPeriod) Classification {
	if insp.Status != StatusCompleted {
		return Classification{Reason: ReasonNotCompleted}
	}
	at, fallback, ok := insp.AttributionTime(c.ScheduledDateFallback)
	if !ok {
		return Classification{Reason: ReasonNoCompletionDate}
	}
	if !InPeriod(at, period) {
		return Classification{Reason: ReasonOutsidePeriod}
	}
	if fallback {
		return Classification{Counts: true, Reason: ReasonCountedByScheduled}
	}
	return Classification{Counts: true, Reason: ReasonCounted}
}

// Classify uses the default classifier.
func Classify(insp Inspection, period BillingPeriod) Classification {
	return DefaultClassifier().Classify(insp, period)
}
