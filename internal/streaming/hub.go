// Package streaming fans committed state transitions out to watchers.
package streaming

import (
	"context"
	"time"

	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/schema"
)

// TransitionEvent is a committed transition as seen by a watcher.
// Plan-level events have an empty StepID.
type TransitionEvent struct {
	PlanID    string    `json:"plan_id"`
	StepID    string    `json:"step_id,omitempty"`
	From      string    `json:"from_state"`
	To        string    `json:"to_state"`
	Detail    string    `json:"detail,omitempty"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// PlanLevel reports whether the event is a plan status change.
func (e TransitionEvent) PlanLevel() bool { return e.StepID == "" }

// PlanDone reports whether the event moved a plan into a terminal status.
func (e TransitionEvent) PlanDone() bool {
	return e.PlanLevel() && schema.PlanStatus(e.To).Terminal()
}

// FromEntry converts a log entry.
func FromEntry(e store.LogEntry) TransitionEvent {
	return TransitionEvent{
		PlanID:    e.PlanID,
		StepID:    e.StepID,
		From:      e.FromState,
		To:        e.ToState,
		Detail:    e.Detail,
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp,
	}
}

// Filter selects the events a subscriber receives. Zero values match all.
type Filter struct {
	PlanID string   `json:"plan_id,omitempty"`
	StepID string   `json:"step_id,omitempty"`
	States []string `json:"states,omitempty"`
	// UntilDone closes the subscription after the plan's terminal event.
	// Requires PlanID.
	UntilDone bool `json:"until_done,omitempty"`
}

// EventHub is the pub/sub surface the engine publishes into.
type EventHub interface {
	Publish(ctx context.Context, event TransitionEvent) error
	Subscribe(ctx context.Context, filter Filter) (<-chan TransitionEvent, func(), error)
}
