package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sequencer/pkg/schema"
)

func conditionData() map[string]any {
	return map[string]any{
		VarRecipient: map[string]any{
			"firstName":     "Sam",
			"email":         "sam@example.com",
			"recipientType": "lead",
			"optedOut":      false,
			"program":       "kids",
		},
		VarEnrollment: map[string]any{"status": "active", "attempts": int64(0)},
		VarTenant:     map[string]any{"industry": "martial_arts"},
	}
}

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_RecipientFieldAccess(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `recipient.firstName == "Sam"`, conditionData())
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_HasMacroOnMissingField(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `has(recipient.phone)`, conditionData())
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestCEL_CombinedCondition(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(),
		`recipient.program == "kids" && tenant.industry == "martial_arts" && enrollment.attempts == 0`, conditionData())
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_MissingVariablesDefaultToEmptyMaps(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `size(tenant) == 0`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	err = e.Check(`recipient.firstName ==`)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = e.Check(`unknownVar > 1`)
	assert.Error(t, err, "only recipient, enrollment and tenant are declared")

	assert.NoError(t, e.Check(""))
}

func TestCEL_RuntimeError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `recipient.nope == "x"`, conditionData())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}

func TestCEL_ConcurrentEvaluation(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), `recipient.email.endsWith("@example.com")`, conditionData())
			assert.NoError(t, err)
			assert.Equal(t, true, out)
		}()
	}
	wg.Wait()
}

func TestEvaluateCondition(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := EvaluateCondition(ctx, e, "", nil)
	require.NoError(t, err)
	assert.True(t, ok, "empty condition is true")

	ok, err = EvaluateCondition(ctx, e, `recipient.optedOut`, conditionData())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = EvaluateCondition(ctx, e, `recipient.firstName`, conditionData())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeDataIntegrity), "non-bool result")

	_, err = EvaluateCondition(ctx, e, `recipient.nope`, conditionData())
	assert.True(t, schema.HasCode(err, schema.ErrCodeDataIntegrity))
}

func TestNewConditionEngine(t *testing.T) {
	e, err := NewConditionEngine("")
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())

	e, err = NewConditionEngine("expr")
	require.NoError(t, err)
	assert.Equal(t, "expr", e.Name())

	_, err = NewConditionEngine("lua")
	assert.Error(t, err)
}
