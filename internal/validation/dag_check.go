package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rendis/orchestra/internal/engine"
	"github.com/rendis/orchestra/pkg/schema"
)

// validateDAG builds the wave structure the engine will use, so a plan that
// validates is a plan the engine can schedule.
func validateDAG(def *schema.PlanDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	waves, err := engine.BuildWaves(def.Steps)
	if err != nil {
		var oe *schema.OrchestraError
		if !errors.As(err, &oe) {
			result.AddError("steps", schema.ErrCodeValidation, err.Error())
			return result
		}
		msg := oe.Message
		if ids, ok := oe.Details["steps"].([]string); ok && len(ids) > 0 {
			msg = fmt.Sprintf("%s (steps: %s)", msg, strings.Join(ids, ", "))
		}
		result.AddError("steps", oe.Code, msg)
		return result
	}

	// Steps nothing depends on and that depend on nothing run in isolation.
	// Legitimate, but in a larger plan usually a missing edge.
	if waves.Len() > 2 {
		for _, id := range waves.Levels[0] {
			if len(waves.Reverse[id]) == 0 {
				result.AddWarning(fmt.Sprintf("steps[%s]", id), schema.ErrCodeValidation,
					fmt.Sprintf("step %q has no dependencies and no dependents", id))
			}
		}
	}
	return result
}
