package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sequencer/internal/store"
	"github.com/rendis/sequencer/internal/testutil"
	"github.com/rendis/sequencer/pkg/schema"
)

func createInput(name string, steps ...schema.StepSpec) CreateSequenceInput {
	return CreateSequenceInput{
		SequenceDefinition: schema.SequenceDefinition{
			Name:    name,
			Trigger: schema.TriggerNewLead,
			Steps:   steps,
		},
		Active:    true,
		CreatedBy: "owner",
	}
}

func TestCreateSequence_AppendsEnd(t *testing.T) {
	f := newFixture(t)
	seq, err := f.svc.CreateSequence(context.Background(), tenant, createInput("  Welcome  ",
		schema.StepSpec{Kind: schema.StepSendSMS, Body: "hi"},
		schema.StepSpec{Kind: schema.StepWait, WaitMinutes: 60},
		schema.StepSpec{Kind: schema.StepSendEmail, Subject: "s", Body: "b"},
	))
	require.NoError(t, err)

	assert.Equal(t, "Welcome", seq.Name)
	assert.True(t, seq.Active)
	assert.Equal(t, "owner", seq.CreatedBy)
	require.Len(t, seq.Steps, 4)
	assert.Equal(t, schema.StepEnd, seq.Steps[3].Kind)
	assertStepInvariant(t, seq)
}

func TestCreateSequence_Invalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateSequence(ctx, tenant, createInput("No body", schema.StepSpec{Kind: schema.StepSendSMS}))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = f.svc.CreateSequence(ctx, tenant, createInput("End first",
		schema.StepSpec{Kind: schema.StepEnd},
		schema.StepSpec{Kind: schema.StepSendSMS, Body: "hi"},
		schema.StepSpec{Kind: schema.StepEnd},
	))
	require.Error(t, err)

	_, err = f.svc.CreateSequence(ctx, tenant, createInput("Bad condition",
		schema.StepSpec{Kind: schema.StepCondition, Condition: "recipient.(", OnTrue: 2, OnFalse: 2},
	))
	require.Error(t, err)

	seqs, err := f.svc.ListSequences(ctx, tenant, store.SequenceFilter{})
	require.NoError(t, err)
	assert.Empty(t, seqs)
}

func TestCreateSequence_DuplicateName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := createInput("Welcome", schema.StepSpec{Kind: schema.StepSendSMS, Body: "hi"})

	_, err := f.svc.CreateSequence(ctx, tenant, in)
	require.NoError(t, err)
	_, err = f.svc.CreateSequence(ctx, tenant, in)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	_, err = f.svc.CreateSequence(ctx, "other-tenant", in)
	assert.NoError(t, err, "names are unique per tenant only")
}

func TestUpdateSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seq, err := f.svc.CreateSequence(ctx, tenant, createInput("Welcome", schema.StepSpec{Kind: schema.StepSendSMS, Body: "hi"}))
	require.NoError(t, err)

	name, inactive, trigger := "Hello", false, schema.TriggerTrialBooked
	got, err := f.svc.UpdateSequence(ctx, tenant, seq.ID, store.SequenceUpdate{Name: &name, Active: &inactive, Trigger: &trigger})
	require.NoError(t, err)
	assert.Equal(t, "Hello", got.Name)
	assert.False(t, got.Active)
	assert.Equal(t, schema.TriggerTrialBooked, got.Trigger)

	blank := " "
	_, err = f.svc.UpdateSequence(ctx, tenant, seq.ID, store.SequenceUpdate{Name: &blank})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	bogus := schema.Trigger("full_moon")
	_, err = f.svc.UpdateSequence(ctx, tenant, seq.ID, store.SequenceUpdate{Trigger: &bogus})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = f.svc.UpdateSequence(ctx, tenant, "missing", store.SequenceUpdate{Name: &name})
	assert.True(t, schema.HasCode(err, schema.ErrCodeSequenceNotFound))
}

func TestDeleteSequence_Cascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seq, err := f.svc.CreateSequence(ctx, tenant, createInput("Welcome", schema.StepSpec{Kind: schema.StepSendSMS, Body: "hi"}))
	require.NoError(t, err)
	testutil.SeedLead(t, f.store, tenant, "sam", "Sam")
	e, err := f.svc.Enroll(ctx, tenant, seq.ID, schema.RecipientLead, "sam")
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteSequence(ctx, tenant, seq.ID))

	_, err = f.svc.GetSequence(ctx, tenant, seq.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeSequenceNotFound))
	_, err = f.svc.GetEnrollment(ctx, tenant, e.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.HasCode(f.svc.DeleteSequence(ctx, tenant, seq.ID), schema.ErrCodeSequenceNotFound))
}

func branching(t *testing.T, f *fixture) *store.Sequence {
	t.Helper()
	seq, err := f.svc.CreateSequence(context.Background(), tenant, createInput("Branching",
		schema.StepSpec{Kind: schema.StepCondition, Condition: "'email' in recipient", OnTrue: 2, OnFalse: 3},
		schema.StepSpec{Kind: schema.StepSendEmail, Subject: "s", Body: "email"},
		schema.StepSpec{Kind: schema.StepSendSMS, Body: "sms"},
	))
	require.NoError(t, err)
	return seq
}

func TestAddStep_ShiftsBranchTargets(t *testing.T) {
	f := newFixture(t)
	seq := branching(t, f)
	ids := []string{seq.Steps[0].ID, seq.Steps[1].ID, seq.Steps[2].ID, seq.Steps[3].ID}

	got, err := f.svc.AddStep(context.Background(), tenant, seq.ID,
		schema.StepSpec{Kind: schema.StepWait, WaitMinutes: 30}, 2)
	require.NoError(t, err)
	require.Len(t, got.Steps, 5)
	assertStepInvariant(t, got)

	assert.Equal(t, schema.StepWait, got.Steps[1].Kind)
	assert.Equal(t, 3, got.Steps[0].OnTrue, "still branches to the email step")
	assert.Equal(t, 4, got.Steps[0].OnFalse, "still branches to the sms step")
	assert.Equal(t, ids[0], got.Steps[0].ID)
	assert.Equal(t, ids[1], got.Steps[2].ID)
	assert.Equal(t, ids[3], got.Steps[4].ID)
}

func TestAddStep_DefaultsBeforeEnd(t *testing.T) {
	f := newFixture(t)
	seq := branching(t, f)

	got, err := f.svc.AddStep(context.Background(), tenant, seq.ID,
		schema.StepSpec{Kind: schema.StepSendSMS, Body: "bye"}, 0)
	require.NoError(t, err)
	require.Len(t, got.Steps, 5)
	assert.Equal(t, "bye", got.Steps[3].Body)
	assert.Equal(t, schema.StepEnd, got.Steps[4].Kind)

	_, err = f.svc.AddStep(context.Background(), tenant, seq.ID, schema.StepSpec{Kind: schema.StepEnd}, 0)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStepOrderConflict))
}

func TestUpdateStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seq := branching(t, f)

	got, err := f.svc.UpdateStep(ctx, tenant, seq.ID, seq.Steps[2].ID, schema.StepSpec{Kind: schema.StepSendSMS, Body: "new text"})
	require.NoError(t, err)
	assert.Equal(t, seq.Steps[2].ID, got.Steps[2].ID)
	assert.Equal(t, "new text", got.Steps[2].Body)

	_, err = f.svc.UpdateStep(ctx, tenant, seq.ID, seq.Steps[3].ID, schema.StepSpec{Kind: schema.StepSendSMS, Body: "x"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeStepOrderConflict))

	_, err = f.svc.UpdateStep(ctx, tenant, seq.ID, "nope", schema.StepSpec{Kind: schema.StepSendSMS, Body: "x"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	_, err = f.svc.UpdateStep(ctx, tenant, seq.ID, seq.Steps[1].ID, schema.StepSpec{Kind: schema.StepSendEmail, Body: "no subject"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestDeleteStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seq := branching(t, f)

	got, err := f.svc.DeleteStep(ctx, tenant, seq.ID, seq.Steps[1].ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 3)
	assertStepInvariant(t, got)
	assert.Equal(t, 2, got.Steps[0].OnTrue, "lands on the step that followed the removed one")
	assert.Equal(t, 2, got.Steps[0].OnFalse)

	_, err = f.svc.DeleteStep(ctx, tenant, seq.ID, got.Steps[2].ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStepOrderConflict))
}

// interleavedEdits runs another edit right after the first sequence read,
// so the caller's step list is stale by the time it writes.
type interleavedEdits struct {
	*store.LibSQLStore
	once  sync.Once
	other func()
}

func (s *interleavedEdits) GetSequence(ctx context.Context, tenantID, id string) (*store.Sequence, error) {
	seq, err := s.LibSQLStore.GetSequence(ctx, tenantID, id)
	s.once.Do(s.other)
	return seq, err
}

func TestStepEdits_ConcurrentEditIsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seq := branching(t, f)

	racing := *f.svc
	racing.store = &interleavedEdits{LibSQLStore: f.store, other: func() {
		_, err := f.svc.AddStep(ctx, tenant, seq.ID, schema.StepSpec{Kind: schema.StepSendSMS, Body: "from other editor"}, 0)
		require.NoError(t, err)
	}}

	_, err := racing.AddStep(ctx, tenant, seq.ID, schema.StepSpec{Kind: schema.StepSendSMS, Body: "mine"}, 0)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	got, err := f.svc.GetSequence(ctx, tenant, seq.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, len(seq.Steps)+1)
	assert.Equal(t, "from other editor", got.Steps[len(got.Steps)-2].Body)
	assertStepInvariant(t, got)

	// A retry reads the current steps and keeps both edits.
	got, err = racing.AddStep(ctx, tenant, seq.ID, schema.StepSpec{Kind: schema.StepSendSMS, Body: "mine"}, 0)
	require.NoError(t, err)
	require.Len(t, got.Steps, len(seq.Steps)+2)
	assert.Equal(t, "from other editor", got.Steps[len(got.Steps)-3].Body)
	assert.Equal(t, "mine", got.Steps[len(got.Steps)-2].Body)
}

func TestStepEdits_RejectedWithActiveEnrollments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seq := branching(t, f)
	testutil.SeedLead(t, f.store, tenant, "sam", "Sam")
	e, err := f.svc.Enroll(ctx, tenant, seq.ID, schema.RecipientLead, "sam")
	require.NoError(t, err)

	_, err = f.svc.AddStep(ctx, tenant, seq.ID, schema.StepSpec{Kind: schema.StepSendSMS, Body: "x"}, 0)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
	_, err = f.svc.DeleteStep(ctx, tenant, seq.ID, seq.Steps[2].ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	require.NoError(t, f.svc.Unenroll(ctx, tenant, e.ID))
	_, err = f.svc.DeleteStep(ctx, tenant, seq.ID, seq.Steps[2].ID)
	assert.NoError(t, err)
}

func TestShiftTarget(t *testing.T) {
	assert.Equal(t, 0, shiftTarget(0, 1, 1))
	assert.Equal(t, 2, shiftTarget(2, 3, 1))
	assert.Equal(t, 4, shiftTarget(3, 3, 1))
	assert.Equal(t, 3, shiftTarget(4, 3, -1))
}
