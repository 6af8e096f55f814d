package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/agent"
	"github.com/rendis/orchestra/pkg/schema"
)

// DefaultPoolSize is the default worker pool concurrency.
const DefaultPoolSize = 10

// ErrEngineClosed is returned from Wait for runs detached by Close. Their
// plans stay non-terminal in the store and are picked up by Recover.
var ErrEngineClosed = errors.New("engine closed")

// Dispatcher routes a step to the agent registered under its name.
type Dispatcher interface {
	Has(name string) bool
	Dispatch(ctx context.Context, name string, in agent.StepInput) (*agent.StepResult, error)
	Classify(name string, err error) agent.ErrorKind
}

// GuardEvaluator decides step conditions.
type GuardEvaluator interface {
	Evaluate(ctx context.Context, expr string, vars map[string]any) (bool, error)
}

// Validator checks a plan before it is accepted.
type Validator interface {
	Validate(ctx context.Context, def *schema.PlanDefinition) *schema.ValidationResult
}

// Observer receives execution events for metrics. Calls come from plan
// controllers and must not block.
type Observer interface {
	StepStarted(agentName string)
	StepFinished(agentName string, state schema.StepState, took time.Duration)
	RetryScheduled(agentName string, delay time.Duration)
	WaveOpened(planID string, wave int)
	PlanFinished(report *PlanReport)
}

type nopObserver struct{}

func (nopObserver) StepStarted(string)                                   {}
func (nopObserver) StepFinished(string, schema.StepState, time.Duration) {}
func (nopObserver) RetryScheduled(string, time.Duration)                 {}
func (nopObserver) WaveOpened(string, int)                               {}
func (nopObserver) PlanFinished(*PlanReport)                             {}

// Config holds engine settings.
type Config struct {
	MaxWorkers    int
	DefaultRetry  *schema.RetryPolicy // nil = schema.DefaultRetryPolicy()
	StepTimeout   time.Duration       // 0 = no timeout unless the plan sets one
	ResumeOnStart bool
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithValidator runs v on every submitted plan.
func WithValidator(v Validator) Option { return func(e *Engine) { e.validator = v } }

// WithGuards enables step conditions.
func WithGuards(g GuardEvaluator) Option { return func(e *Engine) { e.guards = g } }

// WithObserver reports execution events to o.
func WithObserver(o Observer) Option { return func(e *Engine) { e.obs = o } }

// WithRetryHandler replaces the retry handler, typically to fix its RNG.
func WithRetryHandler(h *RetryHandler) Option { return func(e *Engine) { e.retry = h } }

// WithWorkerPool shares an existing pool. The engine will not shut it down.
func WithWorkerPool(p *WorkerPool) Option {
	return func(e *Engine) { e.pool, e.ownsPool = p, false }
}

// WithIDGenerator replaces uuid-based plan ids.
func WithIDGenerator(fn func() string) Option { return func(e *Engine) { e.newID = fn } }

// Engine owns the set of active plans. Each active plan is driven by its own
// controller goroutine; all of them share one worker pool.
type Engine struct {
	store      store.Store
	sm         *StateMachine
	retry      *RetryHandler
	pool       *WorkerPool
	ownsPool   bool
	dispatcher Dispatcher
	guards     GuardEvaluator
	validator  Validator
	obs        Observer
	cfg        Config
	logger     *slog.Logger
	newID      func() string

	mu      sync.Mutex
	runs    map[string]*planRun
	closing chan struct{}
	closed  bool
}

// New creates an Engine over s, routing steps through d.
func New(s store.Store, d Dispatcher, cfg Config, opts ...Option) *Engine {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultPoolSize
	}
	e := &Engine{
		store:      s,
		dispatcher: d,
		cfg:        cfg,
		ownsPool:   true,
		obs:        nopObserver{},
		newID:      uuid.NewString,
		runs:       make(map[string]*planRun),
		closing:    make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.pool == nil {
		e.pool = NewWorkerPool(cfg.MaxWorkers)
		e.ownsPool = true
	}
	if e.retry == nil {
		e.retry = NewRetryHandler(nil)
	}
	e.sm = NewStateMachine(s, e.logger)
	return e
}

// StateMachine exposes the transition committer so callers can attach hooks.
func (e *Engine) StateMachine() *StateMachine { return e.sm }

// Pool returns the shared worker pool.
func (e *Engine) Pool() *WorkerPool { return e.pool }

// Submit validates def, persists the plan with every step PENDING and starts
// executing it asynchronously. Validation failures are returned before
// anything is written.
func (e *Engine) Submit(ctx context.Context, def *schema.PlanDefinition) (string, error) {
	if def == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "plan definition is nil")
	}
	if e.validator != nil {
		res := e.validator.Validate(ctx, def)
		if err := res.ToError(); err != nil {
			return "", err
		}
		for _, w := range res.Warnings {
			e.logger.Warn("plan validation warning",
				slog.String("plan", def.Name), slog.String("path", w.Path), slog.String("message", w.Message))
		}
	}
	waves, err := BuildWaves(def.Steps)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	plan := &store.Plan{
		ID:         e.newID(),
		Name:       def.Name,
		Status:     schema.PlanPending,
		Definition: *def,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	steps := make([]*store.Step, 0, len(def.Steps))
	for i := range def.Steps {
		sd := &def.Steps[i]
		steps = append(steps, &store.Step{
			ID:          sd.ID,
			PlanID:      plan.ID,
			AgentName:   sd.Agent,
			Action:      sd.Action,
			Parameters:  sd.Params,
			DependsOn:   sd.DependsOn,
			State:       schema.StepPending,
			MaxAttempts: e.policyFor(def, sd).Attempts(),
			WaveIndex:   waves.Index[sd.ID],
			UpdatedAt:   now,
		})
	}

	if err := e.store.CreatePlan(ctx, plan, steps); err != nil {
		if schema.CodeOf(err) != "" {
			return "", err
		}
		return "", schema.Persistence("create plan", err)
	}
	e.logger.Info("plan submitted",
		slog.String("plan_id", plan.ID), slog.String("name", plan.Name),
		slog.Int("steps", len(steps)), slog.Int("waves", len(waves.Levels)))

	if err := e.launch(ctx, plan, steps, waves); err != nil {
		return plan.ID, err
	}
	return plan.ID, nil
}

func (e *Engine) launch(ctx context.Context, plan *store.Plan, steps []*store.Step, waves *Waves) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if r, ok := e.runs[plan.ID]; ok {
		select {
		case <-r.done:
		default:
			return schema.NewErrorf(schema.ErrCodeConflict, "plan %s is already running", plan.ID)
		}
	}
	r := newPlanRun(e, ctx, plan, steps, waves)
	e.runs[plan.ID] = r
	go func() {
		r.run()
		// Halted runs stay registered so Wait can report why.
		if r.err == nil {
			e.mu.Lock()
			if e.runs[plan.ID] == r {
				delete(e.runs, plan.ID)
			}
			e.mu.Unlock()
		}
	}()
	return nil
}

func (e *Engine) run(id string) *planRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[id]
}

func (e *Engine) isClosing() bool {
	select {
	case <-e.closing:
		return true
	default:
		return false
	}
}

// PlanState is a snapshot of a plan read from committed store rows.
type PlanState struct {
	Plan   *store.Plan   `json:"plan"`
	Steps  []*store.Step `json:"steps"`
	Active bool          `json:"active"`
}

// Status returns the plan and its steps as currently persisted.
func (e *Engine) Status(ctx context.Context, planID string) (*PlanState, error) {
	plan, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListSteps(ctx, planID)
	if err != nil {
		return nil, err
	}
	active := false
	if r := e.run(planID); r != nil {
		select {
		case <-r.done:
		default:
			active = true
		}
	}
	return &PlanState{Plan: plan, Steps: steps, Active: active}, nil
}

// History returns the plan's log entries in commit order, restricted to one
// step when stepID is non-empty.
func (e *Engine) History(ctx context.Context, planID, stepID string) ([]*store.LogEntry, error) {
	if _, err := e.store.GetPlan(ctx, planID); err != nil {
		return nil, err
	}
	if stepID != "" {
		if _, err := e.store.GetStep(ctx, planID, stepID); err != nil {
			return nil, err
		}
	}
	return e.store.GetLog(ctx, planID, stepID)
}

// Cancel stops a plan. Steps not yet started become CANCELLED at once;
// running steps are signalled and settle when their agents return.
func (e *Engine) Cancel(ctx context.Context, planID string) error {
	if r := e.run(planID); r != nil {
		r.cancelAgents()
		err := r.send(ctx, ctlCancel)
		if !errors.Is(err, errRunDone) {
			return err
		}
	}
	plan, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if plan.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "plan %s is already %s", planID, plan.Status)
	}
	return e.cancelDetached(ctx, plan)
}

// cancelDetached cancels a non-terminal plan that no controller is driving.
func (e *Engine) cancelDetached(ctx context.Context, plan *store.Plan) error {
	steps, err := e.store.ListSteps(ctx, plan.ID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, s := range steps {
		if s.State.Terminal() {
			continue
		}
		if err := e.sm.Step(ctx, plan.ID, s.ID, s.State, schema.StepCancelled, "plan cancelled",
			store.StepUpdate{CompletedAt: &now}); err != nil {
			return err
		}
	}
	msg := "plan cancelled"
	return e.sm.Plan(ctx, plan.ID, plan.Status, schema.PlanCancelled, msg,
		store.PlanUpdate{Error: &msg, CompletedAt: &now})
}

// Pause asks the plan's controller to stop opening waves. Running steps
// finish; the plan becomes PAUSED at the next wave boundary.
func (e *Engine) Pause(ctx context.Context, planID string) error {
	if r := e.run(planID); r != nil {
		err := r.send(ctx, ctlPause)
		if !errors.Is(err, errRunDone) {
			return err
		}
	}
	plan, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	switch plan.Status {
	case schema.PlanPaused:
		return nil
	case schema.PlanRunning:
		return e.sm.Plan(ctx, planID, schema.PlanRunning, schema.PlanPaused, "paused while detached", store.PlanUpdate{})
	default:
		return schema.NewErrorf(schema.ErrCodeConflict, "plan %s is %s and cannot be paused", planID, plan.Status)
	}
}

// Resume continues a paused plan, or relaunches a recovered one.
func (e *Engine) Resume(ctx context.Context, planID string) error {
	if r := e.run(planID); r != nil {
		err := r.send(ctx, ctlResume)
		if !errors.Is(err, errRunDone) {
			return err
		}
	}
	plan, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if plan.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "plan %s is already %s", planID, plan.Status)
	}
	steps, err := e.recoverSteps(ctx, plan.ID)
	if err != nil {
		return err
	}
	waves, err := BuildWaves(plan.Definition.Steps)
	if err != nil {
		return err
	}
	e.logger.Info("plan relaunched", slog.String("plan_id", planID), slog.String("status", string(plan.Status)))
	return e.launch(ctx, plan, steps, waves)
}

// Wait blocks until the plan's controller finishes and returns its report.
// A run halted by a persistence failure returns that error. For plans that
// are already terminal the report is rebuilt from the store.
func (e *Engine) Wait(ctx context.Context, planID string) (*PlanReport, error) {
	if r := e.run(planID); r != nil {
		select {
		case <-r.done:
			return r.report, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	plan, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !plan.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "plan %s is %s and not running", planID, plan.Status)
	}
	steps, err := e.store.ListSteps(ctx, planID)
	if err != nil {
		return nil, err
	}
	return reportFromStore(plan, steps), nil
}

// Recover prepares every non-terminal plan left behind by a previous process:
// steps persisted RUNNING or RETRY_SCHEDULED go back to READY through logged
// recovery transitions. The plans are not relaunched; see Resume and Start.
func (e *Engine) Recover(ctx context.Context) ([]string, error) {
	plans, err := e.store.ListPlans(ctx, store.PlanFilter{
		Statuses: []schema.PlanStatus{schema.PlanPending, schema.PlanRunning, schema.PlanPaused},
	})
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, p := range plans {
		if r := e.run(p.ID); r != nil {
			select {
			case <-r.done:
			default:
				continue
			}
		}
		if _, err := e.recoverSteps(ctx, p.ID); err != nil {
			return ids, fmt.Errorf("recover plan %s: %w", p.ID, err)
		}
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)
	if len(ids) > 0 {
		e.logger.Info("recovered plans", slog.Int("count", len(ids)))
	}
	return ids, nil
}

func (e *Engine) recoverSteps(ctx context.Context, planID string) ([]*store.Step, error) {
	steps, err := e.store.ListSteps(ctx, planID)
	if err != nil {
		return nil, err
	}
	for _, s := range steps {
		if s.State != schema.StepRunning && s.State != schema.StepRetryScheduled {
			continue
		}
		if err := e.sm.Recover(ctx, planID, s.ID, s.State); err != nil {
			return nil, err
		}
		e.logger.Warn("step reset for re-execution",
			slog.String("plan_id", planID), slog.String("step_id", s.ID), slog.String("from", string(s.State)))
		s.State = schema.StepReady
	}
	return steps, nil
}

// Start runs Recover and, when configured, relaunches every recovered plan
// that was not paused.
func (e *Engine) Start(ctx context.Context) ([]string, error) {
	ids, err := e.Recover(ctx)
	if err != nil || !e.cfg.ResumeOnStart {
		return ids, err
	}
	for _, id := range ids {
		plan, err := e.store.GetPlan(ctx, id)
		if err != nil {
			return ids, err
		}
		if plan.Status == schema.PlanPaused {
			continue
		}
		if err := e.Resume(ctx, id); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// Active lists the plans currently driven by a controller.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for id, r := range e.runs {
		select {
		case <-r.done:
		default:
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Close detaches every controller without further transitions, so their
// plans can be recovered later, and shuts down the worker pool.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.closing)
	runs := make([]*planRun, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		r.cancelAgents()
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e.ownsPool {
		e.pool.Shutdown()
	}
	return nil
}

func (e *Engine) policyFor(def *schema.PlanDefinition, step *schema.StepDefinition) *schema.RetryPolicy {
	switch {
	case step.Retry != nil:
		return step.Retry
	case def.DefaultRetry != nil:
		return def.DefaultRetry
	case e.cfg.DefaultRetry != nil:
		return e.cfg.DefaultRetry
	default:
		p := schema.DefaultRetryPolicy()
		return &p
	}
}

func reportFromStore(plan *store.Plan, steps []*store.Step) *PlanReport {
	rep := &PlanReport{
		PlanID: plan.ID,
		Status: plan.Status,
		Steps:  make(map[string]*StepSummary, len(steps)),
		Error:  plan.Error,
	}
	if plan.StartedAt != nil {
		rep.StartedAt = *plan.StartedAt
	}
	if plan.CompletedAt != nil {
		rep.CompletedAt = *plan.CompletedAt
	}
	if !rep.StartedAt.IsZero() && !rep.CompletedAt.IsZero() {
		rep.Wall = rep.CompletedAt.Sub(rep.StartedAt)
	}

	weights := make(map[string]float64, len(plan.Definition.Steps))
	for _, sd := range plan.Definition.Steps {
		weights[sd.ID] = sd.QualityWeight
	}
	var scores []WeightedScore
	for _, s := range steps {
		sum := &StepSummary{State: s.State, Attempts: s.AttemptCount}
		if s.StartedAt != nil && s.CompletedAt != nil {
			sum.Duration = s.CompletedAt.Sub(*s.StartedAt)
		}
		if s.State == schema.StepCompleted && len(s.Result) > 0 {
			if res, err := decodeResult(s.Result); err == nil {
				sum.IsMock = res.IsMock
				sum.QualityScore = res.QualityScore
				if res.QualityScore != nil {
					scores = append(scores, WeightedScore{Score: *res.QualityScore, Weight: weights[s.ID]})
				}
			}
		}
		rep.Busy += sum.Duration
		rep.Steps[s.ID] = sum
	}
	rep.ParallelEfficiency = ParallelEfficiency(rep.Busy, rep.Wall)
	rep.QualityScore = QualityScore(scores)
	return rep
}
