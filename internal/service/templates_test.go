package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sequencer/internal/catalog"
	"github.com/rendis/sequencer/internal/store"
	"github.com/rendis/sequencer/internal/testutil"
	"github.com/rendis/sequencer/pkg/schema"
)

const welcomeTemplate = "New Lead Welcome Sequence"

func TestListTemplates_FallsBackToDefaultIndustry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	list, err := f.svc.ListTemplates(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, catalog.DefaultIndustry, list.Industry)
	require.NotEmpty(t, list.Templates)
	assert.Equal(t, welcomeTemplate, list.Templates[0].Name)

	require.NoError(t, f.svc.UpsertTenantSettings(ctx, tenant, &schema.TenantSettings{Industry: "underwater_basketry"}))
	list, err = f.svc.ListTemplates(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, catalog.DefaultIndustry, list.Industry)

	require.NoError(t, f.svc.UpsertTenantSettings(ctx, tenant, &schema.TenantSettings{Industry: "fitness"}))
	list, err = f.svc.ListTemplates(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, "fitness", list.Industry)
}

func TestInstallTemplate_TwiceCreatesIndependentSequences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.InstallTemplate(ctx, tenant, welcomeTemplate, "owner")
	require.NoError(t, err)
	second, err := f.svc.InstallTemplate(ctx, tenant, welcomeTemplate, "owner")
	require.NoError(t, err)
	third, err := f.svc.InstallTemplate(ctx, tenant, welcomeTemplate, "owner")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, welcomeTemplate, first.Name)
	assert.Equal(t, welcomeTemplate+" (2)", second.Name)
	assert.Equal(t, welcomeTemplate+" (3)", third.Name)
	for _, seq := range []*store.Sequence{first, second, third} {
		assert.True(t, seq.Active)
		assert.Equal(t, "owner", seq.CreatedBy)
		assertStepInvariant(t, seq)
	}
	for i := range first.Steps {
		assert.NotEqual(t, first.Steps[i].ID, second.Steps[i].ID)
		assert.Equal(t, first.Steps[i].StepSpec, second.Steps[i].StepSpec)
	}
}

func TestInstallTemplate_NotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.InstallTemplate(ctx, tenant, "No Such Template", "owner")
	assert.True(t, schema.HasCode(err, schema.ErrCodeTemplateNotFound))

	// Fitness-only template is not visible to a martial arts tenant.
	_, err = f.svc.InstallTemplate(ctx, tenant, "New Member Onboarding", "owner")
	assert.True(t, schema.HasCode(err, schema.ErrCodeTemplateNotFound))

	require.NoError(t, f.svc.UpsertTenantSettings(ctx, tenant, &schema.TenantSettings{Industry: "fitness"}))
	_, err = f.svc.InstallTemplate(ctx, tenant, "New Member Onboarding", "owner")
	assert.NoError(t, err)
}

func TestResetToDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	custom, err := f.svc.CreateSequence(ctx, tenant, createInput("Custom", schema.StepSpec{Kind: schema.StepSendSMS, Body: "hi"}))
	require.NoError(t, err)
	installed, err := f.svc.InstallTemplate(ctx, tenant, welcomeTemplate, "owner")
	require.NoError(t, err)
	testutil.SeedLead(t, f.store, tenant, "sam", "Sam")
	old, err := f.svc.Enroll(ctx, tenant, custom.ID, schema.RecipientLead, "sam")
	require.NoError(t, err)
	_, err = f.svc.Enroll(ctx, tenant, installed.ID, schema.RecipientLead, "sam")
	require.NoError(t, err)

	// Another tenant is untouched.
	keep, err := f.svc.CreateSequence(ctx, "other-tenant", createInput("Keep", schema.StepSpec{Kind: schema.StepSendSMS, Body: "hi"}))
	require.NoError(t, err)

	seqs, err := f.svc.ResetToDefault(ctx, tenant, "owner")
	require.NoError(t, err)

	templates := f.svc.catalog.Templates(catalog.DefaultIndustry)
	require.Len(t, seqs, len(templates))
	names := make(map[string]bool)
	for _, seq := range seqs {
		assert.False(t, seq.Active, "reset installs inactive sequences")
		assert.Zero(t, seq.EnrolledCount)
		full, err := f.svc.GetSequence(ctx, tenant, seq.ID)
		require.NoError(t, err)
		assertStepInvariant(t, full)
		names[seq.Name] = true
	}
	for _, tpl := range templates {
		assert.True(t, names[tpl.Name], tpl.Name)
	}

	stats, err := f.svc.GetStats(ctx, tenant)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEnrollments)
	assert.Zero(t, stats.ActiveSequences)

	_, err = f.svc.GetEnrollment(ctx, tenant, old.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	_, err = f.svc.GetSequence(ctx, "other-tenant", keep.ID)
	assert.NoError(t, err)
}
