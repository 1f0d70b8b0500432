package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/sequencer/pkg/schema"
)

// EventLog reads enrollment history on top of a Store.
type EventLog struct {
	store EnrollmentStore
}

// NewEventLog wraps an EnrollmentStore to provide history replay.
func NewEventLog(s EnrollmentStore) *EventLog {
	return &EventLog{store: s}
}

// StepHistory is the replayed view of one step within an enrollment.
type StepHistory struct {
	StepID     string          `json:"step_id"`
	Sent       int             `json:"sent"`
	Skipped    int             `json:"skipped"`
	Retries    int             `json:"retries"`
	Branch     *bool           `json:"branch,omitempty"`
	LastDetail json.RawMessage `json:"last_detail,omitempty"`
}

// History is the reconstructed timeline of an enrollment.
type History struct {
	EnrollmentID string                  `json:"enrollment_id"`
	Events       []*EnrollmentEvent      `json:"events"`
	Steps        map[string]*StepHistory `json:"steps"`
	Final        schema.EnrollmentStatus `json:"final_status,omitempty"`
}

// EventPayload is the common shape of event payloads written by the engine.
type EventPayload struct {
	Channel string `json:"channel,omitempty"`
	Result  *bool  `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

// Replay loads every event of an enrollment and folds it into a History.
// Returns an error if sequence gaps are detected.
func (el *EventLog) Replay(ctx context.Context, enrollmentID string) (*History, error) {
	events, err := el.store.ListEvents(ctx, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	h := &History{EnrollmentID: enrollmentID, Events: events, Steps: make(map[string]*StepHistory)}
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeDataIntegrity,
				"event gap in enrollment %s: expected %d, got %d", enrollmentID, expected, e.Sequence)
		}

		switch e.Type {
		case schema.EventCompleted:
			h.Final = schema.EnrollmentCompleted
		case schema.EventCancelled:
			h.Final = schema.EnrollmentCancelled
		case schema.EventFailed:
			h.Final = schema.EnrollmentFailed
		}

		if e.StepID == "" {
			continue
		}
		sh, ok := h.Steps[e.StepID]
		if !ok {
			sh = &StepHistory{StepID: e.StepID}
			h.Steps[e.StepID] = sh
		}
		switch e.Type {
		case schema.EventStepSent:
			sh.Sent++
		case schema.EventStepSkipped:
			sh.Skipped++
			sh.LastDetail = e.Payload
		case schema.EventRetryScheduled:
			sh.Retries++
			sh.LastDetail = e.Payload
		case schema.EventConditionEvaluated:
			var p EventPayload
			if len(e.Payload) > 0 && json.Unmarshal(e.Payload, &p) == nil {
				sh.Branch = p.Result
			}
		}
	}
	return h, nil
}

// NewEvent builds an event with a JSON payload. A nil payload is omitted.
func NewEvent(eventType, stepID string, payload *EventPayload) *EnrollmentEvent {
	ev := &EnrollmentEvent{Type: eventType, StepID: stepID}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			ev.Payload = b
		}
	}
	return ev
}
