package schema

// Event type constants for the enrollment history log.
const (
	EventEnrolled           = "enrolled"
	EventStepSent           = "step_sent"
	EventStepSkipped        = "step_skipped"
	EventConditionEvaluated = "condition_evaluated"
	EventRetryScheduled     = "retry_scheduled"
	EventCompleted          = "completed"
	EventCancelled          = "cancelled"
	EventFailed             = "failed"
)

// EnrollmentStatus represents the lifecycle state of an enrollment.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentCancelled EnrollmentStatus = "cancelled"
	EnrollmentFailed    EnrollmentStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s EnrollmentStatus) IsTerminal() bool {
	return s == EnrollmentCompleted || s == EnrollmentCancelled || s == EnrollmentFailed
}

// ValidEnrollmentTransitions lists the allowed status moves. Terminal states
// have no outgoing edges.
var ValidEnrollmentTransitions = map[EnrollmentStatus][]EnrollmentStatus{
	EnrollmentActive: {EnrollmentActive, EnrollmentCompleted, EnrollmentCancelled, EnrollmentFailed},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to EnrollmentStatus) bool {
	for _, allowed := range ValidEnrollmentTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// EventForStatus maps a terminal status to its history event type.
func EventForStatus(s EnrollmentStatus) string {
	switch s {
	case EnrollmentCompleted:
		return EventCompleted
	case EnrollmentCancelled:
		return EventCancelled
	case EnrollmentFailed:
		return EventFailed
	default:
		return ""
	}
}
