package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/sequencer/pkg/schema"
)

// Engine evaluates expressions against a data map.
// Two implementations serve condition steps (CEL, Expr); GoJQ maps trigger payloads.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Checker compiles an expression without evaluating it, so definitions can be
// rejected before any enrollment reaches them.
type Checker interface {
	Check(expression string) error
}

// ConditionEngine is an Engine usable for condition steps.
type ConditionEngine interface {
	Engine
	Checker
}

// Condition variable names exposed to condition expressions.
const (
	VarRecipient  = "recipient"
	VarEnrollment = "enrollment"
	VarTenant     = "tenant"
)

var conditionVars = []string{VarRecipient, VarEnrollment, VarTenant}

// NewConditionEngine returns the condition engine registered under name.
// An empty name selects CEL.
func NewConditionEngine(name string) (ConditionEngine, error) {
	switch name {
	case "", "cel":
		return NewCELEngine()
	case "expr":
		return NewExprEngine(), nil
	default:
		return nil, fmt.Errorf("unknown condition engine %q (want cel or expr)", name)
	}
}

// EvaluateCondition runs a condition expression and requires a boolean
// result. An empty expression is true. A non-boolean result is a data
// integrity error since retrying cannot fix it.
func EvaluateCondition(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeDataIntegrity,
			"condition %q failed: %s", expression, err.Error()).WithCause(err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeDataIntegrity,
			"condition %q returned %T, want bool", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}
