package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/sequencer/pkg/schema"
)

const (
	sequenceSchemaURL = "https://sequencer.dev/schemas/sequence.json"
	catalogSchemaURL  = "https://sequencer.dev/schemas/catalog.json"
)

// sequenceSchemaJSON is the JSON Schema for SequenceDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const sequenceSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://sequencer.dev/schemas/sequence.json",
  "type": "object",
  "required": ["name", "trigger", "steps"],
  "properties": {
    "name": { "type": "string", "minLength": 1, "maxLength": 200 },
    "description": { "type": "string", "maxLength": 2000 },
    "trigger": {
      "type": "string",
      "enum": ["new_lead", "trial_booked", "trial_no_show", "trial_attended", "new_student",
               "missed_class", "birthday", "renewal_due", "belt_promotion", "manual"]
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "maxItems": 100,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": { "type": "string", "enum": ["wait", "send_sms", "send_email", "condition", "end"] },
        "wait_minutes": { "type": "integer", "minimum": 1, "maximum": 525600 },
        "subject": { "type": "string", "maxLength": 300 },
        "body": { "type": "string", "maxLength": 10000 },
        "condition": { "type": "string", "maxLength": 2000 },
        "on_true": { "type": "integer", "minimum": 0 },
        "on_false": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    }
  }
}`

// catalogSchemaJSON describes an industry catalog file.
const catalogSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://sequencer.dev/schemas/catalog.json",
  "type": "object",
  "required": ["industry", "templates"],
  "properties": {
    "industry": { "type": "string", "pattern": "^[a-z][a-z0-9_]*$" },
    "templates": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "https://sequencer.dev/schemas/sequence.json" }
    }
  },
  "additionalProperties": false
}`

// JSONSchemaValidator validates sequence payloads and catalog files against
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	sequenceSchema *jsonschema.Schema
	catalogSchema  *jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with both schemas pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	for url, src := range map[string]string{
		sequenceSchemaURL: sequenceSchemaJSON,
		catalogSchemaURL:  catalogSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	seqSchema, err := c.Compile(sequenceSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile sequence schema: %w", err)
	}
	catSchema, err := c.Compile(catalogSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile catalog schema: %w", err)
	}

	return &JSONSchemaValidator{sequenceSchema: seqSchema, catalogSchema: catSchema}, nil
}

// ValidateDefinition validates a SequenceDefinition against the sequence schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.SequenceDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "sequence definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize sequence definition").WithCause(err)
	}
	if err := v.sequenceSchema.Validate(doc); err != nil {
		return toSequencerError(err)
	}
	return nil
}

// ValidateCatalog validates raw catalog file bytes.
func (v *JSONSchemaValidator) ValidateCatalog(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "catalog is not valid JSON").WithCause(err)
	}
	if err := v.catalogSchema.Validate(doc); err != nil {
		return toSequencerError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toSequencerError converts a jsonschema.ValidationError into a SequencerError
// listing each violation with its instance location.
func toSequencerError(err error) *schema.SequencerError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error messages.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
