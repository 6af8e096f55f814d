package validation

import (
	"fmt"

	"github.com/rendis/orchestra/pkg/schema"
)

// maxSensibleAttempts is the retry cap above which a warning is raised.
const maxSensibleAttempts = 10

// validateSemantic checks what the schema cannot express: unique ids,
// dependency references, agent registration, retry policies and conditions.
func validateSemantic(def *schema.PlanDefinition, agents AgentLookup, conditions ConditionChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]int, len(def.Steps))
	for i, s := range def.Steps {
		if first, dup := ids[s.ID]; dup {
			result.AddError(fmt.Sprintf("steps[%d].id", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q (first at steps[%d])", s.ID, first))
			continue
		}
		ids[s.ID] = i
	}

	if def.DefaultRetry != nil {
		validateRetry(def.DefaultRetry, "default_retry", result)
	}
	for i := range def.Steps {
		validateStep(&def.Steps[i], fmt.Sprintf("steps[%d]", i), ids, agents, conditions, result)
	}
	return result
}

func validateStep(step *schema.StepDefinition, path string, ids map[string]int, agents AgentLookup, conditions ConditionChecker, result *schema.ValidationResult) {
	// Unknown agents are accepted; the step fails at dispatch.
	if agents != nil && step.Agent != "" && !agents.Has(step.Agent) {
		result.AddWarning(path+".agent", schema.ErrCodeUnknownAgent,
			fmt.Sprintf("agent %q is not registered; the step will fail when dispatched", step.Agent))
	}

	for j, dep := range step.DependsOn {
		if _, ok := ids[dep]; !ok {
			result.AddError(fmt.Sprintf("%s.depends_on[%d]", path, j), schema.ErrCodeUnknownDependency,
				fmt.Sprintf("references non-existent step %q", dep))
		}
	}

	if step.Retry != nil {
		validateRetry(step.Retry, path+".retry", result)
	}

	if step.Condition != "" && conditions != nil {
		if err := conditions.Check(step.Condition); err != nil {
			result.AddError(path+".condition", schema.ErrCodeValidation, err.Error())
		}
	}

	if step.Timeout < 0 {
		result.AddError(path+".timeout", schema.ErrCodeValidation, "timeout must not be negative")
	}
}

func validateRetry(p *schema.RetryPolicy, path string, result *schema.ValidationResult) {
	if !p.Strategy.Valid() {
		result.AddError(path+".strategy", schema.ErrCodeValidation,
			fmt.Sprintf("unknown retry strategy %q", p.Strategy))
		return
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		result.AddError(path, schema.ErrCodeValidation, "retry delays must not be negative")
	}
	if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
		result.AddError(path+".base_delay", schema.ErrCodeValidation,
			fmt.Sprintf("base_delay %s exceeds max_delay %s", p.BaseDelay, p.MaxDelay))
	}
	if p.Strategy == schema.RetryNone && p.MaxAttempts > 1 {
		result.AddWarning(path+".max_attempts", schema.ErrCodeValidation,
			"max_attempts is ignored with strategy NONE")
	}
	if p.MaxAttempts > maxSensibleAttempts {
		result.AddWarning(path+".max_attempts", schema.ErrCodeValidation,
			fmt.Sprintf("high attempt count (%d) may cause excessive delays", p.MaxAttempts))
	}
}
