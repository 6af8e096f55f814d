package engine

import (
	"fmt"
	"sort"

	"github.com/rendis/orchestra/pkg/schema"
)

// Waves is the in-memory dependency graph of a plan together with its
// execution waves. Built by BuildWaves, read-only afterwards.
type Waves struct {
	Steps   map[string]*schema.StepDefinition // step ID → definition
	Edges   map[string][]string               // step ID → dependencies (depends_on)
	Reverse map[string][]string               // step ID → dependents (who depends on me)
	Levels  [][]string                        // wave N → step IDs, sorted
	Index   map[string]int                    // step ID → wave index
}

// BuildWaves validates a step graph and groups it into execution waves.
//
// Wave 0 holds the steps with no dependencies; wave N holds the steps whose
// dependencies all sit in waves < N, at least one of them in wave N-1. The
// pass is an iterative variant of Kahn's algorithm: each round peels every
// step whose remaining in-degree is zero, so cycle detection falls out of the
// same loop. Steps never peeled form or hang off a cycle and are reported in
// a CYCLE_DETECTED error.
//
// BuildWaves is pure and does not modify steps.
func BuildWaves(steps []schema.StepDefinition) (*Waves, error) {
	if len(steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan has no steps")
	}

	w := &Waves{
		Steps:   make(map[string]*schema.StepDefinition, len(steps)),
		Edges:   make(map[string][]string, len(steps)),
		Reverse: make(map[string][]string, len(steps)),
		Index:   make(map[string]int, len(steps)),
	}

	// First pass: register all steps and check for duplicates.
	for i := range steps {
		step := &steps[i]
		if step.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty ID", i)
		}
		if _, exists := w.Steps[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step ID: %s", step.ID).WithStep(step.ID)
		}
		w.Steps[step.ID] = step
	}

	// Second pass: adjacency lists. Iterate in input order so Reverse is stable.
	for i := range steps {
		step := &steps[i]
		seen := make(map[string]bool, len(step.DependsOn))
		deps := make([]string, 0, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if _, exists := w.Steps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeUnknownDependency,
					"step %s depends on non-existent step: %s", step.ID, dep).
					WithStep(step.ID).
					WithDetails(map[string]any{"dependency": dep})
			}
			if dep == step.ID {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", step.ID).
					WithStep(step.ID).
					WithDetails(map[string]any{"steps": []string{step.ID}})
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"step %s has duplicate dependency: %s", step.ID, dep).WithStep(step.ID)
			}
			seen[dep] = true
			deps = append(deps, dep)
			w.Reverse[dep] = append(w.Reverse[dep], step.ID)
		}
		w.Edges[step.ID] = deps
	}

	inDegree := make(map[string]int, len(w.Steps))
	var frontier []string
	for id := range w.Steps {
		inDegree[id] = len(w.Edges[id])
		if inDegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}

	placed := 0
	for len(frontier) > 0 {
		sort.Strings(frontier)
		level := len(w.Levels)
		w.Levels = append(w.Levels, frontier)
		placed += len(frontier)

		var next []string
		for _, id := range frontier {
			w.Index[id] = level
			for _, dependent := range w.Reverse[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		frontier = next
	}

	if placed != len(w.Steps) {
		residual := make([]string, 0, len(w.Steps)-placed)
		for id, deg := range inDegree {
			if deg > 0 {
				residual = append(residual, id)
			}
		}
		sort.Strings(residual)
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
			"plan contains a cycle among steps %v", residual).
			WithDetails(map[string]any{"steps": residual})
	}

	for id := range w.Reverse {
		sort.Strings(w.Reverse[id])
	}
	return w, nil
}

// Dependents returns every transitive dependent of id, sorted.
func (w *Waves) Dependents(id string) []string {
	seen := make(map[string]bool)
	queue := append([]string(nil), w.Reverse[id]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		queue = append(queue, w.Reverse[cur]...)
	}
	out := make([]string, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of steps in the graph.
func (w *Waves) Len() int { return len(w.Steps) }

func (w *Waves) String() string {
	return fmt.Sprintf("%d steps in %d waves %v", len(w.Steps), len(w.Levels), w.Levels)
}
