package streaming

import (
	"context"
	"encoding/json"
	"time"
)

// StreamEvent is a live notification of an enrollment history entry.
type StreamEvent struct {
	TenantID     string          `json:"tenant_id"`
	SequenceID   string          `json:"sequence_id,omitempty"`
	EnrollmentID string          `json:"enrollment_id"`
	StepID       string          `json:"step_id,omitempty"`
	EventType    string          `json:"event_type"`
	Status       string          `json:"status,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// EventFilter selects events for a subscriber. TenantID is mandatory for
// subscribers reached over the API; empty fields match everything.
type EventFilter struct {
	TenantID     string   `json:"tenant_id,omitempty"`
	SequenceID   string   `json:"sequence_id,omitempty"`
	EnrollmentID string   `json:"enrollment_id,omitempty"`
	EventTypes   []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for enrollment events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
