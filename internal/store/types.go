package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

// Plan is the persisted representation of a submitted plan.
type Plan struct {
	ID          string                `json:"id"`
	Name        string                `json:"name,omitempty"`
	Status      schema.PlanStatus     `json:"status"`
	Definition  schema.PlanDefinition `json:"definition"`
	Error       string                `json:"error,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// Step is the materialized current state of one step of a plan.
type Step struct {
	ID           string           `json:"id"`
	PlanID       string           `json:"plan_id"`
	AgentName    string           `json:"agent_name"`
	Action       string           `json:"action,omitempty"`
	Parameters   map[string]any   `json:"parameters,omitempty"`
	DependsOn    []string         `json:"depends_on,omitempty"`
	State        schema.StepState `json:"state"`
	AttemptCount int              `json:"attempt_count"`
	MaxAttempts  int              `json:"max_attempts"`
	WaveIndex    int              `json:"wave_index"`
	// Result is the last agent.StepResult, JSON-encoded.
	Result      json.RawMessage `json:"result,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// LogEntry is an immutable record of one state transition.
// Plan-level transitions carry an empty StepID and plan statuses in From/To.
type LogEntry struct {
	ID        int64     `json:"id"`
	PlanID    string    `json:"plan_id"`
	StepID    string    `json:"step_id,omitempty"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
	Sequence  int64     `json:"sequence"`
}

// StepUpdate lists the mutable step fields written alongside a transition.
// The new state always comes from the log entry's ToState.
type StepUpdate struct {
	AttemptCount *int            `json:"attempt_count,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// PlanUpdate lists the mutable plan fields written alongside a plan transition.
type PlanUpdate struct {
	Error       *string    `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// PlanFilter specifies criteria for listing plans.
type PlanFilter struct {
	Statuses []schema.PlanStatus `json:"statuses,omitempty"`
	Since    *time.Time          `json:"since,omitempty"`
	Limit    int                 `json:"limit,omitempty"`
}

func (f PlanFilter) match(p *Plan) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if p.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Since != nil && p.CreatedAt.Before(*f.Since) {
		return false
	}
	return true
}
