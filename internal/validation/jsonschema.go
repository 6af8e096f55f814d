package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/orchestra/pkg/schema"
)

const planSchemaURL = "https://orchestra.dev/schemas/plan.json"

// planSchemaJSON describes the document form of a PlanDefinition.
const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://orchestra.dev/schemas/plan.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "name": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "default_retry": { "$ref": "#/$defs/retry" },
    "step_timeout": { "$ref": "#/$defs/duration" },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "step": {
      "type": "object",
      "required": ["id", "agent"],
      "properties": {
        "id": { "type": "string", "minLength": 1, "pattern": "^[A-Za-z0-9_.-]+$" },
        "agent": { "type": "string", "minLength": 1 },
        "action": { "type": "string" },
        "params": { "type": "object" },
        "depends_on": {
          "type": "array",
          "uniqueItems": true,
          "items": { "type": "string", "minLength": 1 }
        },
        "retry": { "$ref": "#/$defs/retry" },
        "timeout": { "$ref": "#/$defs/duration" },
        "condition": { "type": "string" },
        "quality_weight": { "type": "number", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["strategy"],
      "properties": {
        "strategy": {
          "type": "string",
          "enum": ["NONE", "FIXED_DELAY", "EXPONENTIAL_BACKOFF", "EXPONENTIAL_BACKOFF_JITTER"]
        },
        "max_attempts": { "type": "integer", "minimum": 0 },
        "base_delay": { "$ref": "#/$defs/duration" },
        "max_delay": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    }
  }
}`

// StructuralValidator checks a plan against the plan JSON Schema.
// It is safe for concurrent use.
type StructuralValidator struct {
	plan *jsonschema.Schema
}

// NewStructuralValidator compiles the plan schema.
func NewStructuralValidator() (*StructuralValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	if err := c.AddResource(planSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add plan schema resource: %w", err)
	}
	sch, err := c.Compile(planSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	return &StructuralValidator{plan: sch}, nil
}

// Validate reports one issue per schema violation.
func (v *StructuralValidator) Validate(def *schema.PlanDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "failed to serialize plan definition: "+err.Error())
		return result
	}
	return v.ValidateDocument(doc)
}

// ValidateDocument validates an already-decoded JSON value, as produced by
// jsonschema.UnmarshalJSON. Plan loaders use it before decoding into a
// PlanDefinition so unknown fields are reported with their location.
func (v *StructuralValidator) ValidateDocument(doc any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	err := v.plan.Validate(doc)
	if err == nil {
		return result
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	for _, vi := range collectViolations(verr) {
		result.AddError(vi.path, schema.ErrCodeValidation, vi.message)
	}
	return result
}

// toJSONValue round-trips v through encoding/json so numbers become
// json.Number, which the schema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

type violation struct {
	path    string
	message string
}

// collectViolations flattens a ValidationError tree into its leaves.
func collectViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		path := "/" + strings.Join(verr.InstanceLocation, "/")
		return []violation{{path: path, message: verr.Error()}}
	}
	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
