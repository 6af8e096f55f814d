// Package validation checks plan definitions before they are accepted:
// structure against a JSON Schema, then semantics, then the dependency graph.
package validation

import (
	"context"

	"github.com/rendis/orchestra/pkg/schema"
)

// AgentLookup reports whether an agent name is registered.
type AgentLookup interface {
	Has(name string) bool
}

// ConditionChecker compiles a step condition without evaluating it.
type ConditionChecker interface {
	Check(expr string) error
}

// PlanValidator runs the three-stage pipeline:
//  1. Structural (JSON Schema)
//  2. Semantic (agents, references, retry policies, conditions)
//  3. DAG (cycles)
type PlanValidator struct {
	structural *StructuralValidator
	agents     AgentLookup
	conditions ConditionChecker
}

// New creates a PlanValidator. agents and conditions may be nil to skip
// their checks.
func New(agents AgentLookup, conditions ConditionChecker) (*PlanValidator, error) {
	sv, err := NewStructuralValidator()
	if err != nil {
		return nil, err
	}
	return &PlanValidator{structural: sv, agents: agents, conditions: conditions}, nil
}

// Validate returns every issue found. Structural errors short-circuit the
// later stages, and so do semantic errors for the DAG stage.
func (v *PlanValidator) Validate(_ context.Context, def *schema.PlanDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "plan definition is nil")
		return r
	}

	result := v.structural.Validate(def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, v.agents, v.conditions))
	if result.Valid() {
		result.Merge(validateDAG(def))
	}
	return result
}
