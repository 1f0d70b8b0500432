package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/sequencer/pkg/schema"
)

// Sequence is the persisted representation of an automation sequence.
// EnrolledCount and CompletedCount are derived on read. StepsVersion changes
// on every step list rewrite.
type Sequence struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Trigger        schema.Trigger `json:"trigger"`
	Active         bool           `json:"active"`
	CreatedBy      string         `json:"created_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	EnrolledCount  int            `json:"enrolled_count"`
	CompletedCount int            `json:"completed_count"`
	StepsVersion   int            `json:"steps_version"`
	Steps          []*Step        `json:"steps,omitempty"`
}

// Step is one persisted unit of work within a sequence.
type Step struct {
	ID         string `json:"id"`
	SequenceID string `json:"sequence_id"`
	Order      int    `json:"order"`
	schema.StepSpec
}

// Enrollment is one recipient's progress through one sequence.
type Enrollment struct {
	ID             string                  `json:"id"`
	TenantID       string                  `json:"tenant_id"`
	SequenceID     string                  `json:"sequence_id"`
	RecipientType  schema.RecipientType    `json:"recipient_type"`
	RecipientID    string                  `json:"recipient_id"`
	CurrentStepID  string                  `json:"current_step_id,omitempty"`
	Status         schema.EnrollmentStatus `json:"status"`
	DueAt          *time.Time              `json:"due_at,omitempty"`
	EnrolledAt     time.Time               `json:"enrolled_at"`
	LastExecutedAt *time.Time              `json:"last_executed_at,omitempty"`
	Attempts       int                     `json:"attempts"`
	LastError      string                  `json:"last_error,omitempty"`
	LeaseOwner     string                  `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time              `json:"lease_expires_at,omitempty"`
}

// EnrollmentEvent is an immutable entry in an enrollment's history.
type EnrollmentEvent struct {
	ID           int64           `json:"id"`
	EnrollmentID string          `json:"enrollment_id"`
	StepID       string          `json:"step_id,omitempty"`
	Type         string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Sequence     int64           `json:"sequence"`
}

// Transition is the state an enrollment moves to after one execution.
// Status active keeps the enrollment scheduled at DueAt; terminal statuses
// clear the due time, the cursor (unless failed) and the lease.
type Transition struct {
	Status        schema.EnrollmentStatus
	CurrentStepID string
	DueAt         *time.Time
	ExecutedAt    time.Time
	Attempts      int
	LastError     string
	Events        []*EnrollmentEvent
}

// ClaimRequest parameterizes a dispatcher claim pass.
type ClaimRequest struct {
	Now   time.Time
	Owner string
	Lease time.Duration
	Limit int
}

// SequenceUpdate holds optional fields for updating a sequence.
type SequenceUpdate struct {
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
	Trigger     *schema.Trigger `json:"trigger,omitempty"`
	Active      *bool           `json:"active,omitempty"`
}

// SequenceFilter defines query parameters for listing sequences.
type SequenceFilter struct {
	TenantID   string
	Trigger    schema.Trigger
	ActiveOnly bool
	Limit      int
}

// EnrollmentFilter defines query parameters for listing enrollments.
type EnrollmentFilter struct {
	TenantID      string
	SequenceID    string
	RecipientType schema.RecipientType
	RecipientID   string
	Status        *schema.EnrollmentStatus
	Limit         int
}

// Stats is the tenant-level dashboard summary.
type Stats struct {
	TotalSequences       int `json:"total_sequences"`
	ActiveSequences      int `json:"active_sequences"`
	TotalEnrollments     int `json:"total_enrollments"`
	ActiveEnrollments    int `json:"active_enrollments"`
	CompletedEnrollments int `json:"completed_enrollments"`
}
