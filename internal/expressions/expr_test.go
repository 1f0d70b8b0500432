package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sequencer/pkg/schema"
)

func TestNewExprEngine(t *testing.T) {
	e := NewExprEngine()
	assert.Equal(t, "expr", e.Name())
}

func TestExpr_RecipientFieldAccess(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), `recipient.firstName == "Sam"`, conditionData())
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExpr_NilCoalescing(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), `(recipient.phone ?? "") == ""`, conditionData())
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExpr_Builtins(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(),
		`lower(tenant.industry) == "martial_arts" && len(recipient.firstName) == 3`, conditionData())
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExpr_CachedProgramServesDifferentData(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()
	const cond = `recipient.program == "kids"`

	out, err := e.Evaluate(ctx, cond, conditionData())
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(ctx, cond, map[string]any{VarRecipient: map[string]any{"program": "adults"}})
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestExpr_CompileError(t *testing.T) {
	e := NewExprEngine()
	err := e.Check(`recipient.firstName ==`)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.NoError(t, e.Check(`recipient.x > 1`))
}

func TestExpr_EmptyExpression(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}
