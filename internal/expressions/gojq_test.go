package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sequencer/pkg/schema"
)

func TestNewGoJQEngine(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())
}

func TestGoJQ_FieldAccess(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), ".contact.phone", map[string]any{
		"contact": map[string]any{"phone": "555-0100"},
	})
	require.NoError(t, err)
	assert.Equal(t, "555-0100", out)
}

func TestGoJQ_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), ".tags[]", map[string]any{"tags": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestGoJQ_NoOutput(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), ".missing // empty", map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_EnvIsSandboxed(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), "$ENV | length", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestGoJQ_ParseError(t *testing.T) {
	e := NewGoJQEngine()
	err := e.Check(".foo[")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestPayloadMapper_Defaults(t *testing.T) {
	m, err := NewPayloadMapper(DefaultPayloadQueries())
	require.NoError(t, err)

	r, err := m.Map(context.Background(), "dojo-1", map[string]any{
		"recipient_id": "lead-7",
		"first_name":   "Sam",
		"phone":        "555-0100",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.RecipientLead, r.Type)
	assert.Equal(t, "lead-7", r.ID)
	assert.Equal(t, "Sam", r.FirstName)
	assert.Equal(t, "dojo-1", r.TenantID)
	assert.Empty(t, r.Email)
}

func TestPayloadMapper_CustomQueries(t *testing.T) {
	m, err := NewPayloadMapper(PayloadQueries{
		RecipientType: `if .data.is_member then "student" else "lead" end`,
		RecipientID:   `.data.id`,
		Email:         `.data.contact.email`,
	})
	require.NoError(t, err)

	r, err := m.Map(context.Background(), "dojo-1", map[string]any{
		"data": map[string]any{
			"id":        float64(42),
			"is_member": true,
			"contact":   map[string]any{"email": "kid@example.com"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.RecipientStudent, r.Type)
	assert.Equal(t, "42", r.ID)
	assert.Equal(t, "kid@example.com", r.Email)
}

func TestPayloadMapper_Errors(t *testing.T) {
	_, err := NewPayloadMapper(PayloadQueries{})
	assert.Error(t, err)

	_, err = NewPayloadMapper(PayloadQueries{RecipientID: ".id["})
	assert.Error(t, err)

	m, err := NewPayloadMapper(DefaultPayloadQueries())
	require.NoError(t, err)

	_, err = m.Map(context.Background(), "t", map[string]any{"first_name": "x"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), "missing id")

	_, err = m.Map(context.Background(), "t", map[string]any{"recipient_id": "1", "recipient_type": "parent"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), "bad type")

	_, err = m.Map(context.Background(), "t", map[string]any{"recipient_id": []any{"a"}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), "non-scalar id")
}
