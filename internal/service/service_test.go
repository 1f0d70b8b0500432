package service

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sequencer/internal/catalog"
	"github.com/rendis/sequencer/internal/engine"
	"github.com/rendis/sequencer/internal/expressions"
	"github.com/rendis/sequencer/internal/store"
	"github.com/rendis/sequencer/internal/streaming"
	"github.com/rendis/sequencer/internal/testutil"
	"github.com/rendis/sequencer/internal/validation"
	"github.com/rendis/sequencer/pkg/schema"
)

const tenant = "dojo-1"

type fixture struct {
	svc    *Service
	store  *store.LibSQLStore
	clock  *testutil.FakeClock
	sender *testutil.RecordingSender
	hub    *streaming.MemoryHub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  testutil.NewStore(t),
		clock:  testutil.NewFakeClock(time.Time{}),
		sender: &testutil.RecordingSender{},
		hub:    streaming.NewMemoryHub(),
	}
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	v, err := validation.NewSequenceValidator(cel)
	require.NoError(t, err)
	cat, err := catalog.Load(v, "")
	require.NoError(t, err)
	logger := slog.New(slog.DiscardHandler)

	exec, err := engine.NewExecutor(engine.ExecutorDeps{
		Sequences:   f.store,
		Enrollments: f.store,
		Recipients:  f.store,
		Settings:    f.store,
		Sender:      f.sender,
		Conditions:  cel,
		Clock:       f.clock,
		Logger:      logger,
	}, engine.ExecutorConfig{})
	require.NoError(t, err)

	f.svc, err = New(Deps{
		Store:     f.store,
		Catalog:   cat,
		Validator: v,
		Executor:  exec,
		Hub:       f.hub,
		Clock:     f.clock,
		Logger:    logger,
	})
	require.NoError(t, err)
	return f
}

// assertStepInvariant checks orders are 1..n and the only end step is last.
func assertStepInvariant(t *testing.T, seq *store.Sequence) {
	t.Helper()
	require.NotEmpty(t, seq.Steps)
	ends := 0
	for i, st := range seq.Steps {
		assert.Equal(t, i+1, st.Order)
		if st.Kind == schema.StepEnd {
			ends++
			assert.Equal(t, len(seq.Steps), st.Order, "end step is last")
		}
	}
	assert.Equal(t, 1, ends)
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestTenantIsRequired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ListSequences(ctx, "", store.SequenceFilter{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	_, err = f.svc.GetStats(ctx, "")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	_, err = f.svc.InstallTemplate(ctx, "", "New Lead Welcome Sequence", "")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestGetStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seq, err := f.svc.InstallTemplate(ctx, tenant, "New Lead Welcome Sequence", "owner")
	require.NoError(t, err)
	_, err = f.svc.ResetToDefault(ctx, "other-tenant", "owner")
	require.NoError(t, err)
	testutil.SeedLead(t, f.store, tenant, "sam", "Sam")
	_, err = f.svc.Enroll(ctx, tenant, seq.ID, schema.RecipientLead, "sam")
	require.NoError(t, err)

	stats, err := f.svc.GetStats(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, &store.Stats{
		TotalSequences:    1,
		ActiveSequences:   1,
		TotalEnrollments:  1,
		ActiveEnrollments: 1,
	}, stats)
}

func TestUpsertCollaborators(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.UpsertRecipient(ctx, tenant, &schema.Recipient{
		Type: schema.RecipientStudent, ID: "kim", FirstName: "Kim",
	}))
	r, err := f.store.GetStudent(ctx, tenant, "kim")
	require.NoError(t, err)
	assert.Equal(t, "Kim", r.FirstName)

	err = f.svc.UpsertRecipient(ctx, tenant, &schema.Recipient{Type: "parent", ID: "x"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	err = f.svc.UpsertRecipient(ctx, tenant, &schema.Recipient{Type: schema.RecipientLead})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	require.NoError(t, f.svc.UpsertTenantSettings(ctx, tenant, &schema.TenantSettings{BusinessName: "Iron Crane"}))
	ts, err := f.store.GetTenantSettings(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, "Iron Crane", ts.BusinessName)
}

func TestEnsureRecipient_KeepsExisting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.UpsertRecipient(ctx, tenant, &schema.Recipient{
		Type: schema.RecipientLead, ID: "sam", FirstName: "Sam", OptedOut: true,
	}))

	require.NoError(t, f.svc.EnsureRecipient(ctx, tenant, &schema.Recipient{
		Type: schema.RecipientLead, ID: "sam", FirstName: "Samuel",
	}))
	r, err := f.store.GetLead(ctx, tenant, "sam")
	require.NoError(t, err)
	assert.Equal(t, "Sam", r.FirstName)
	assert.True(t, r.OptedOut)

	require.NoError(t, f.svc.EnsureRecipient(ctx, tenant, &schema.Recipient{
		Type: schema.RecipientLead, ID: "new", FirstName: "Nia",
	}))
	r, err = f.store.GetLead(ctx, tenant, "new")
	require.NoError(t, err)
	assert.Equal(t, "Nia", r.FirstName)
}
