package validation

import "github.com/rendis/sequencer/pkg/schema"

// Validator checks sequence definitions and step lists before they are persisted.
type Validator interface {
	ValidateSequence(def *schema.SequenceDefinition) *schema.ValidationResult
	ValidateSteps(steps []schema.StepSpec) *schema.ValidationResult
}

var _ Validator = (*SequenceValidator)(nil)
