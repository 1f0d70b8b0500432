package validation

import (
	"fmt"

	"github.com/rendis/sequencer/internal/expressions"
	"github.com/rendis/sequencer/pkg/schema"
)

// SequenceValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (per-kind fields, end placement, branch targets, condition syntax)
// 3. Flow (wait-free loops, reachability)
type SequenceValidator struct {
	jsonSchema *JSONSchemaValidator
	conditions expressions.Checker
}

// NewSequenceValidator creates a SequenceValidator. conditions may be nil to
// skip condition compilation.
func NewSequenceValidator(conditions expressions.Checker) (*SequenceValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &SequenceValidator{jsonSchema: jsv, conditions: conditions}, nil
}

// JSONSchema exposes the structural validator for catalog loading.
func (sv *SequenceValidator) JSONSchema() *JSONSchemaValidator {
	return sv.jsonSchema
}

// ValidateSequence runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and flow stages are skipped.
func (sv *SequenceValidator) ValidateSequence(def *schema.SequenceDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "sequence definition is nil")
		return r
	}

	result := validateStructural(sv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(sv.ValidateSteps(def.Steps))
	return result
}

// ValidateSteps runs the semantic and flow stages on a step list alone.
func (sv *SequenceValidator) ValidateSteps(steps []schema.StepSpec) *schema.ValidationResult {
	result := schema.ValidateSteps(steps)
	if sv.conditions != nil {
		for i, s := range steps {
			if s.Kind != schema.StepCondition || s.Condition == "" {
				continue
			}
			if err := sv.conditions.Check(s.Condition); err != nil {
				result.AddError(fmt.Sprintf("steps[%d].condition", i+1), schema.ErrCodeValidation,
					fmt.Sprintf("step %d: %s", i+1, err.Error()))
			}
		}
	}
	if result.Valid() {
		result.Merge(validateFlow(steps))
	}
	return result
}

var _ Validator = (*SequenceValidator)(nil)

// validateStructural wraps JSONSchemaValidator.ValidateDefinition, converting
// its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.SequenceDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	seqErr, ok := err.(*schema.SequencerError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if seqErr.Details != nil {
		if violations, ok := seqErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, seqErr.Message)
	return result
}
