package diagram

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/orchestra/internal/engine"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/agent"
	"github.com/rendis/orchestra/pkg/schema"
)

// Build lays def out in waves. steps, when given, overlay their state.
func Build(def *schema.PlanDefinition, steps []*store.Step) (*Model, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "diagram: plan definition is nil")
	}
	waves, err := engine.BuildWaves(def.Steps)
	if err != nil {
		return nil, err
	}

	rows := make(map[string]*store.Step, len(steps))
	for _, s := range steps {
		rows[s.ID] = s
	}
	defs := make(map[string]*schema.StepDefinition, len(def.Steps))
	for i := range def.Steps {
		defs[def.Steps[i].ID] = &def.Steps[i]
	}

	m := &Model{Title: def.Name}
	m.Nodes = append(m.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	m.Levels = append(m.Levels, []string{startID})

	var leaves []string
	for _, level := range waves.Levels {
		m.Levels = append(m.Levels, append([]string(nil), level...))
		for _, id := range level {
			sd := defs[id]
			n := &Node{ID: id, Label: fmt.Sprintf("%s\n%s", id, sd.Agent), Kind: NodeKindStep}
			if sd.Condition != "" {
				n.Kind = NodeKindGuarded
			}
			if row, ok := rows[id]; ok {
				n.Status = overlay(row)
			}
			m.Nodes = append(m.Nodes, n)

			if len(sd.DependsOn) == 0 {
				m.Edges = append(m.Edges, Edge{From: startID, To: id})
			}
			for _, dep := range sd.DependsOn {
				m.Edges = append(m.Edges, Edge{From: dep, To: id})
			}
			if len(waves.Reverse[id]) == 0 {
				leaves = append(leaves, id)
			}
		}
	}

	for _, id := range leaves {
		m.Edges = append(m.Edges, Edge{From: id, To: endID})
	}
	m.Nodes = append(m.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})
	m.Levels = append(m.Levels, []string{endID})
	return m, nil
}

func overlay(row *store.Step) *StatusOverlay {
	o := &StatusOverlay{State: string(row.State), Attempts: row.AttemptCount}
	if row.StartedAt != nil && row.CompletedAt != nil {
		o.DurationMs = row.CompletedAt.Sub(*row.StartedAt).Milliseconds()
	}
	if len(row.Result) > 0 {
		var res agent.StepResult
		if json.Unmarshal(row.Result, &res) == nil {
			o.Mock = res.IsMock
		}
	}
	return o
}
