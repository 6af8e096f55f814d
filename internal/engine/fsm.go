package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/schema"
)

// Committer is the slice of the Store the state machine writes through.
type Committer interface {
	CommitTransition(ctx context.Context, entry *store.LogEntry, update store.StepUpdate) error
	UpdatePlanStatus(ctx context.Context, entry *store.LogEntry, update store.PlanUpdate) error
}

// TransitionHook observes a transition after it has been committed.
// Hooks run on the committing goroutine and must not block.
type TransitionHook func(entry store.LogEntry)

// StateMachine validates step and plan transitions and commits each one,
// together with its log entry, before reporting success.
type StateMachine struct {
	committer Committer
	logger    *slog.Logger

	mu    sync.RWMutex
	hooks []TransitionHook
}

// NewStateMachine creates a StateMachine writing through c.
func NewStateMachine(c Committer, logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{committer: c, logger: logger}
}

// OnCommit registers a hook called after every committed transition.
func (m *StateMachine) OnCommit(hook TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// Step moves a step from one state to another. An illegal pair fails with
// INVALID_TRANSITION and nothing is written; a store failure is returned as
// PERSISTENCE_ERROR and the transition must be treated as not having happened.
func (m *StateMachine) Step(ctx context.Context, planID, stepID string, from, to schema.StepState, detail string, update store.StepUpdate) error {
	if !isValidStepTransition(from, to) {
		return m.invalid(planID, stepID, string(from), string(to))
	}
	return m.commitStep(ctx, planID, stepID, from, to, detail, update)
}

// Recover moves a step interrupted by a crash (RUNNING or RETRY_SCHEDULED)
// back to READY. These edges are not part of the normal lifecycle.
func (m *StateMachine) Recover(ctx context.Context, planID, stepID string, from schema.StepState) error {
	if !isRecoveryTransition(from) {
		return m.invalid(planID, stepID, string(from), string(schema.StepReady))
	}
	return m.commitStep(ctx, planID, stepID, from, schema.StepReady,
		"recovered after restart from "+string(from), store.StepUpdate{})
}

// Plan moves a plan's aggregate status.
func (m *StateMachine) Plan(ctx context.Context, planID string, from, to schema.PlanStatus, detail string, update store.PlanUpdate) error {
	if !isValidPlanTransition(from, to) {
		return m.invalid(planID, "", string(from), string(to))
	}
	entry := &store.LogEntry{
		PlanID:    planID,
		FromState: string(from),
		ToState:   string(to),
		Timestamp: time.Now().UTC(),
		Detail:    detail,
	}
	if err := m.committer.UpdatePlanStatus(ctx, entry, update); err != nil {
		m.logger.Error("plan transition not committed",
			slog.String("plan_id", planID),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.String("error", err.Error()))
		return schema.Persistence("commit plan transition", err)
	}
	m.notify(*entry)
	return nil
}

func (m *StateMachine) commitStep(ctx context.Context, planID, stepID string, from, to schema.StepState, detail string, update store.StepUpdate) error {
	entry := &store.LogEntry{
		PlanID:    planID,
		StepID:    stepID,
		FromState: string(from),
		ToState:   string(to),
		Timestamp: time.Now().UTC(),
		Detail:    detail,
	}
	if err := m.committer.CommitTransition(ctx, entry, update); err != nil {
		m.logger.Error("step transition not committed",
			slog.String("plan_id", planID),
			slog.String("step_id", stepID),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.String("error", err.Error()))
		return schema.Persistence("commit step transition", err).WithStep(stepID)
	}
	m.notify(*entry)
	return nil
}

func (m *StateMachine) invalid(planID, stepID, from, to string) error {
	m.logger.Error("invalid transition rejected",
		slog.String("plan_id", planID),
		slog.String("step_id", stepID),
		slog.String("from", from),
		slog.String("to", to))
	err := schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid transition: %s -> %s", from, to).
		WithDetails(map[string]any{"plan_id": planID, "from": from, "to": to})
	if stepID != "" {
		err = err.WithStep(stepID)
	}
	return err
}

func (m *StateMachine) notify(entry store.LogEntry) {
	m.mu.RLock()
	hooks := m.hooks
	m.mu.RUnlock()
	for _, h := range hooks {
		h(entry)
	}
}

func isValidStepTransition(from, to schema.StepState) bool {
	for _, a := range ValidStepTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func isValidPlanTransition(from, to schema.PlanStatus) bool {
	for _, a := range ValidPlanTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func isRecoveryTransition(from schema.StepState) bool {
	return from == schema.StepRunning || from == schema.StepRetryScheduled
}

// ValidStepTransitions defines the allowed state transitions for steps.
var ValidStepTransitions = map[schema.StepState][]schema.StepState{
	schema.StepPending:        {schema.StepReady, schema.StepSkipped, schema.StepCancelled},
	schema.StepReady:          {schema.StepRunning, schema.StepFailed, schema.StepSkipped, schema.StepCancelled},
	schema.StepRunning:        {schema.StepCompleted, schema.StepRetryScheduled, schema.StepFailed, schema.StepCancelled},
	schema.StepRetryScheduled: {schema.StepRunning, schema.StepFailed, schema.StepCancelled},
	schema.StepCompleted:      {},
	schema.StepFailed:         {},
	schema.StepCancelled:      {},
	schema.StepSkipped:        {},
}

// ValidPlanTransitions defines the allowed aggregate status transitions for plans.
var ValidPlanTransitions = map[schema.PlanStatus][]schema.PlanStatus{
	schema.PlanPending:   {schema.PlanRunning, schema.PlanCancelled},
	schema.PlanRunning:   {schema.PlanPaused, schema.PlanCompleted, schema.PlanFailed, schema.PlanCancelled},
	schema.PlanPaused:    {schema.PlanRunning, schema.PlanCancelled},
	schema.PlanCompleted: {},
	schema.PlanFailed:    {},
	schema.PlanCancelled: {},
}
