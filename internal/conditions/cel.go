// Package conditions compiles and evaluates step guards written in CEL.
package conditions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/rendis/orchestra/pkg/schema"
)

// Variables a guard can reference.
var vars = []string{"steps", "params", "plan"}

// Guards evaluates step conditions. A condition sees three maps:
//   - steps:  decoded payloads of the plan's completed steps, keyed by step id
//   - params: the step's own params
//   - plan:   id, name and metadata of the plan
//
// Compiled programs are cached; Guards is safe for concurrent use.
type Guards struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// New creates a Guards with a sandboxed CEL environment.
func New() (*Guards, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	opts := make([]cel.EnvOption, 0, len(vars))
	for _, v := range vars {
		opts = append(opts, cel.Variable(v, mapType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &Guards{env: env, cache: make(map[string]cel.Program)}, nil
}

// Check compiles expr and verifies it yields a bool. It is what plan
// validation calls; nothing is evaluated.
func (g *Guards) Check(expr string) error {
	_, err := g.program(expr)
	return err
}

// Evaluate runs expr against vars. Missing variables default to empty maps.
func (g *Guards) Evaluate(_ context.Context, expr string, data map[string]any) (bool, error) {
	prg, err := g.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(activation(data))
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution, "condition %q failed: %s", expr, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expr})
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecution, "condition %q returned %T, want bool", expr, out.Value())
	}
	return b, nil
}

func (g *Guards) program(expr string) (cel.Program, error) {
	if expr == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty condition")
	}
	g.mu.RLock()
	prg, ok := g.cache[expr]
	g.mu.RUnlock()
	if ok {
		return prg, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if prg, ok := g.cache[expr]; ok {
		return prg, nil
	}

	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "condition %q does not compile: %s", expr, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expr})
	}
	if t := ast.OutputType(); t.Kind() != types.BoolKind && t.Kind() != types.DynKind {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "condition %q has type %s, want bool", expr, t)
	}
	prg, err := g.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "condition %q: %s", expr, err.Error()).WithCause(err)
	}
	g.cache[expr] = prg
	return prg, nil
}

func activation(data map[string]any) map[string]any {
	act := make(map[string]any, len(vars))
	for _, k := range vars {
		if v, ok := data[k]; ok && v != nil {
			act[k] = v
		} else {
			act[k] = map[string]any{}
		}
	}
	return act
}
