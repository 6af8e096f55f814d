package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/pkg/schema"
)

func steps(pairs ...[]string) []schema.StepDefinition {
	out := make([]schema.StepDefinition, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, schema.StepDefinition{ID: p[0], Agent: "x", DependsOn: p[1:]})
	}
	return out
}

func TestDAG_Acyclic(t *testing.T) {
	r := validateDAG(&schema.PlanDefinition{Steps: steps(
		[]string{"a"},
		[]string{"b", "a"},
		[]string{"c", "a"},
		[]string{"d", "b", "c"},
	)})
	assert.True(t, r.Valid())
	assert.Empty(t, r.Warnings)
}

func TestDAG_CycleNamesResidualSteps(t *testing.T) {
	r := validateDAG(&schema.PlanDefinition{Steps: steps(
		[]string{"a"},
		[]string{"b", "a", "c"},
		[]string{"c", "b"},
	)})
	require.Len(t, r.Errors, 1)
	assert.Equal(t, schema.ErrCodeCycleDetected, r.Errors[0].Code)
	assert.Contains(t, r.Errors[0].Message, "b, c")
	assert.Equal(t, schema.ErrCodeCycleDetected, schema.CodeOf(r.ToError()))
}

func TestDAG_SelfCycle(t *testing.T) {
	r := validateDAG(&schema.PlanDefinition{Steps: steps([]string{"a", "a"})})
	require.Len(t, r.Errors, 1)
	assert.Equal(t, schema.ErrCodeCycleDetected, r.Errors[0].Code)
}

func TestDAG_IsolatedStepWarning(t *testing.T) {
	r := validateDAG(&schema.PlanDefinition{Steps: steps(
		[]string{"a"},
		[]string{"b", "a"},
		[]string{"lonely"},
	)})
	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Contains(t, r.Warnings[0].Message, "lonely")
}
