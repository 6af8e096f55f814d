package schema

// StepState represents the lifecycle state of a step.
type StepState string

const (
	StepPending        StepState = "PENDING"
	StepReady          StepState = "READY"
	StepRunning        StepState = "RUNNING"
	StepRetryScheduled StepState = "RETRY_SCHEDULED"
	StepCompleted      StepState = "COMPLETED"
	StepFailed         StepState = "FAILED"
	StepCancelled      StepState = "CANCELLED"
	StepSkipped        StepState = "SKIPPED"
)

// Terminal reports whether no further transition can leave s.
func (s StepState) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepCancelled, StepSkipped:
		return true
	}
	return false
}

// Settled reports whether s satisfies the wave barrier.
func (s StepState) Settled() bool {
	return s.Terminal() || s == StepRetryScheduled
}

// PlanStatus represents the aggregate lifecycle state of a plan.
type PlanStatus string

const (
	PlanPending   PlanStatus = "PENDING"
	PlanRunning   PlanStatus = "RUNNING"
	PlanPaused    PlanStatus = "PAUSED"
	PlanCompleted PlanStatus = "COMPLETED"
	PlanFailed    PlanStatus = "FAILED"
	PlanCancelled PlanStatus = "CANCELLED"
)

// Terminal reports whether the plan has finished.
func (s PlanStatus) Terminal() bool {
	return s == PlanCompleted || s == PlanFailed || s == PlanCancelled
}

// AggregateStatus derives a plan's status from its step states.
// running tells whether a controller is currently driving the plan;
// it only matters while some step is still non-terminal.
func AggregateStatus(states []StepState, running, paused bool) PlanStatus {
	var failed, cancelled, open bool
	started := false
	for _, s := range states {
		switch s {
		case StepFailed:
			failed = true
		case StepCancelled:
			cancelled = true
		}
		if !s.Terminal() {
			open = true
		}
		if s != StepPending {
			started = true
		}
	}
	if open {
		switch {
		case paused:
			return PlanPaused
		case running || started:
			return PlanRunning
		default:
			return PlanPending
		}
	}
	switch {
	case cancelled:
		return PlanCancelled
	case failed:
		return PlanFailed
	default:
		return PlanCompleted
	}
}
