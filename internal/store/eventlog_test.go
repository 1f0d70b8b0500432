package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sequencer/pkg/schema"
)

func TestEventLog_MonotonicSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seq := seedSequence(t, s, "A")
	now := time.Now()
	e := seedEnrollment(t, s, seq, "lead-1", now)

	for i := 0; i < 3; i++ {
		_, err := s.ClaimDue(ctx, ClaimRequest{Now: now, Owner: "w1", Lease: time.Minute, Limit: 1})
		require.NoError(t, err)
		require.NoError(t, s.ApplyOutcome(ctx, e.ID, "w1", Transition{
			Status: schema.EnrollmentActive, CurrentStepID: seq.Steps[0].ID, DueAt: &now, Attempts: i + 1,
			Events: []*EnrollmentEvent{NewEvent(schema.EventRetryScheduled, seq.Steps[0].ID, &EventPayload{Attempt: i + 1})},
		}))
	}

	events, err := s.ListEvents(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}
	assert.Equal(t, schema.EventEnrolled, events[0].Type)
}

func TestEventLog_Replay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seq := seedSequence(t, s, "A")
	now := time.Now()
	e := seedEnrollment(t, s, seq, "lead-1", now)

	_, err := s.ClaimDue(ctx, ClaimRequest{Now: now, Owner: "w1", Lease: time.Minute, Limit: 1})
	require.NoError(t, err)
	yes := true
	require.NoError(t, s.ApplyOutcome(ctx, e.ID, "w1", Transition{
		Status: schema.EnrollmentCompleted,
		Events: []*EnrollmentEvent{
			NewEvent(schema.EventStepSent, seq.Steps[0].ID, &EventPayload{Channel: "sms"}),
			NewEvent(schema.EventConditionEvaluated, "cond", &EventPayload{Result: &yes}),
			NewEvent(schema.EventStepSkipped, seq.Steps[2].ID, &EventPayload{Error: "invalid address"}),
			NewEvent(schema.EventCompleted, "", nil),
		},
	}))

	h, err := NewEventLog(s).Replay(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, h.Events, 5)
	assert.Equal(t, schema.EnrollmentCompleted, h.Final)
	assert.Equal(t, 1, h.Steps[seq.Steps[0].ID].Sent)
	assert.Equal(t, 1, h.Steps[seq.Steps[2].ID].Skipped)
	require.NotNil(t, h.Steps["cond"].Branch)
	assert.True(t, *h.Steps["cond"].Branch)
}

func TestEventLog_Replay_Empty(t *testing.T) {
	s := newTestStore(t)
	h, err := NewEventLog(s).Replay(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Empty(t, h.Events)
	assert.Empty(t, h.Final)
}

func TestEventLog_Replay_SequenceGap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seq := seedSequence(t, s, "A")
	e := seedEnrollment(t, s, seq, "lead-1", time.Now())

	_, err := s.DB().ExecContext(ctx,
		`INSERT INTO enrollment_events (enrollment_id, event_type, timestamp, sequence) VALUES (?, 'step_sent', CURRENT_TIMESTAMP, 3)`,
		e.ID)
	require.NoError(t, err)

	_, err = NewEventLog(s).Replay(ctx, e.ID)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeDataIntegrity))
	assert.Contains(t, err.Error(), "event gap")
}
