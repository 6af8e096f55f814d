package store

import (
	"sort"

	"github.com/rendis/orchestra/pkg/schema"
)

// ReplayedStep is a step's state as reconstructed from the log alone.
type ReplayedStep struct {
	State schema.StepState
	// Attempts counts transitions into RUNNING.
	Attempts int
}

// Replay rebuilds every step's final state by applying the log, in sequence
// order, to the steps' initial PENDING state. It fails when the sequence has
// gaps or when an entry's FromState disagrees with the replayed state, either
// of which means the log and the step rows have diverged.
func Replay(steps []*Step, entries []*LogEntry) (map[string]ReplayedStep, error) {
	out := make(map[string]ReplayedStep, len(steps))
	for _, st := range steps {
		out[st.ID] = ReplayedStep{State: schema.StepPending}
	}

	ordered := make([]*LogEntry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })

	for i, e := range ordered {
		if want := int64(i + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodePersistence,
				"sequence gap in plan %s: expected %d, got %d", e.PlanID, want, e.Sequence)
		}
		if e.StepID == "" {
			continue
		}
		rs, ok := out[e.StepID]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodePersistence,
				"log entry %d references unknown step %q", e.Sequence, e.StepID)
		}
		if string(rs.State) != e.FromState {
			return nil, schema.NewErrorf(schema.ErrCodePersistence,
				"log entry %d moves step %s from %s but replayed state is %s",
				e.Sequence, e.StepID, e.FromState, rs.State).WithStep(e.StepID)
		}
		rs.State = schema.StepState(e.ToState)
		if rs.State == schema.StepRunning {
			rs.Attempts++
		}
		out[e.StepID] = rs
	}
	return out, nil
}
