package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sequencer/internal/engine"
	"github.com/rendis/sequencer/internal/service"
	"github.com/rendis/sequencer/internal/store"
	"github.com/rendis/sequencer/pkg/schema"
)

func TestTenantIsRequired(t *testing.T) {
	f := newFixture(t)
	for _, tool := range []string{"sequencer.list_sequences", "sequencer.stats", "sequencer.list_templates"} {
		res := f.call(t, tool, map[string]any{})
		assert.True(t, res.IsError, tool)
		assert.Contains(t, extractText(t, res), "tenant_id is required")
	}
}

func TestListAndGetSequence(t *testing.T) {
	f := newFixture(t)
	seq := f.seedWelcome(t)

	var list struct {
		Sequences []*store.Sequence `json:"sequences"`
		Count     int               `json:"count"`
	}
	unmarshalResult(t, f.call(t, "sequencer.list_sequences", map[string]any{"tenant_id": tenant}), &list)
	assert.Equal(t, 1, list.Count)

	var got store.Sequence
	unmarshalResult(t, f.call(t, "sequencer.get_sequence",
		map[string]any{"tenant_id": tenant, "sequence_id": seq.ID}), &got)
	assert.Equal(t, seq.ID, got.ID)
	assert.Len(t, got.Steps, 4)

	res := f.call(t, "sequencer.get_sequence", map[string]any{"tenant_id": "dojo-2", "sequence_id": seq.ID})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), "NOT_FOUND")
}

func TestEnrollAndUnenroll(t *testing.T) {
	f := newFixture(t)
	seq := f.seedWelcome(t)
	args := map[string]any{
		"tenant_id": tenant, "sequence_id": seq.ID,
		"recipient_type": "lead", "recipient_id": "lead-1",
	}

	var e store.Enrollment
	unmarshalResult(t, f.call(t, "sequencer.enroll", args), &e)
	assert.Equal(t, schema.EnrollmentActive, e.Status)

	res := f.call(t, "sequencer.enroll", args)
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), schema.ErrCodeConflict)

	res = f.call(t, "sequencer.unenroll", map[string]any{"tenant_id": tenant, "enrollment_id": e.ID})
	require.False(t, res.IsError, extractText(t, res))
	got, err := f.store.GetEnrollment(t.Context(), tenant, e.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.EnrollmentCancelled, got.Status)
}

func TestEnroll_BadRecipientType(t *testing.T) {
	f := newFixture(t)
	seq := f.seedWelcome(t)
	res := f.call(t, "sequencer.enroll", map[string]any{
		"tenant_id": tenant, "sequence_id": seq.ID, "recipient_type": "parent", "recipient_id": "x",
	})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), "recipient_type")
}

func TestSendNow(t *testing.T) {
	f := newFixture(t)
	seq := f.seedWelcome(t)

	var out engine.SendAllResult
	unmarshalResult(t, f.call(t, "sequencer.send_now", map[string]any{
		"tenant_id": tenant, "sequence_id": seq.ID, "recipient_type": "lead", "recipient_id": "lead-1",
	}), &out)
	assert.Equal(t, 2, out.SentCount)
	assert.Equal(t, 2, f.sender.Count())
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.seedWelcome(t)

	var stats store.Stats
	unmarshalResult(t, f.call(t, "sequencer.stats", map[string]any{"tenant_id": tenant}), &stats)
	assert.Equal(t, 1, stats.TotalSequences)
	assert.Equal(t, 1, stats.ActiveSequences)
}

func TestTemplates(t *testing.T) {
	f := newFixture(t)

	var list service.TemplateList
	unmarshalResult(t, f.call(t, "sequencer.list_templates", map[string]any{"tenant_id": tenant}), &list)
	require.NotEmpty(t, list.Templates)

	var seq store.Sequence
	unmarshalResult(t, f.call(t, "sequencer.install_template", map[string]any{
		"tenant_id": tenant, "name": list.Templates[0].Name, "actor_id": "owner",
	}), &seq)
	assert.Equal(t, list.Templates[0].Name, seq.Name)
	assert.True(t, seq.Active)
	assert.Equal(t, "owner", seq.CreatedBy)

	res := f.call(t, "sequencer.install_template", map[string]any{"tenant_id": tenant, "name": "Nope"})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), schema.ErrCodeTemplateNotFound)
}

func TestWatch_RequiresSession(t *testing.T) {
	f := newFixture(t)
	res := f.call(t, "sequencer.watch", map[string]any{"tenant_id": tenant})
	assert.True(t, res.IsError)
}

func TestDiagram(t *testing.T) {
	f := newFixture(t)
	seq := f.seedWelcome(t)

	res := f.call(t, "sequencer.diagram", map[string]any{"tenant_id": tenant, "sequence_id": seq.ID, "format": "ascii"})
	require.False(t, res.IsError, extractText(t, res))
	assert.Contains(t, extractText(t, res), "=== Welcome ===")

	res = f.call(t, "sequencer.diagram", map[string]any{"tenant_id": tenant, "sequence_id": "missing"})
	assert.True(t, res.IsError)
}
