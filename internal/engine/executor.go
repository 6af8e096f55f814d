package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/orchestra/internal/logging"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/agent"
	"github.com/rendis/orchestra/pkg/schema"
)

// outcome is what a worker reports back for one attempt.
type outcome struct {
	stepID   string
	attempt  int
	result   *agent.StepResult
	err      error
	started  time.Time
	finished time.Time
}

func (o outcome) succeeded() bool {
	return o.err == nil && o.result != nil && o.result.Success
}

// failure returns the error describing a failed attempt.
func (o outcome) failure() error {
	if o.err != nil {
		return o.err
	}
	if o.result != nil && o.result.Error != nil {
		if o.result.Error.Kind == agent.Fatal {
			return agent.FatalError(o.result.Error)
		}
		return o.result.Error
	}
	return schema.NewError(schema.ErrCodeExecution, "agent reported failure without an error").WithStep(o.stepID)
}

type controlKind int

const (
	ctlPause controlKind = iota
	ctlResume
	ctlCancel
)

type control struct {
	kind  controlKind
	reply chan error
}

var errRunDone = errors.New("plan run finished")

// planRun is the controller of one active plan. The run goroutine is the only
// code that reads or writes the plan's state; workers, retry timers and API
// calls reach it through channels.
type planRun struct {
	e      *Engine
	id     string
	def    schema.PlanDefinition
	waves  *Waves
	logger *slog.Logger
	pctx   context.Context

	status    schema.PlanStatus
	states    map[string]schema.StepState
	attempts  map[string]int
	results   map[string]*agent.StepResult
	busy      map[string]time.Duration
	timers    map[string]*time.Timer
	deferred  []string
	opened    int
	inflight  int
	paused    bool
	cancelled bool
	failure   string
	startedAt time.Time

	agentCtx     context.Context
	cancelAgents context.CancelFunc

	outcomes chan outcome
	retries  chan string
	controls chan control
	done     chan struct{}

	report *PlanReport
	err    error
}

func newPlanRun(e *Engine, ctx context.Context, plan *store.Plan, steps []*store.Step, waves *Waves) *planRun {
	n := len(steps)
	r := &planRun{
		e:        e,
		id:       plan.ID,
		def:      plan.Definition,
		waves:    waves,
		logger:   e.logger.With(slog.String("plan_id", plan.ID)),
		pctx:     logging.WithPlanID(context.WithoutCancel(ctx), plan.ID),
		status:   plan.Status,
		states:   make(map[string]schema.StepState, n),
		attempts: make(map[string]int, n),
		results:  make(map[string]*agent.StepResult, n),
		busy:     make(map[string]time.Duration, n),
		timers:   make(map[string]*time.Timer),
		outcomes: make(chan outcome, n),
		retries:  make(chan string, n),
		controls: make(chan control),
		done:     make(chan struct{}),
	}
	r.agentCtx, r.cancelAgents = context.WithCancel(r.pctx)

	for _, s := range steps {
		r.states[s.ID] = s.State
		r.attempts[s.ID] = s.AttemptCount
		if len(s.Result) > 0 {
			if res, err := decodeResult(s.Result); err == nil {
				r.results[s.ID] = res
			}
		}
		if s.StartedAt != nil && s.CompletedAt != nil {
			r.busy[s.ID] = s.CompletedAt.Sub(*s.StartedAt)
		}
	}
	return r
}

// send delivers a control message and waits for the controller's answer.
func (r *planRun) send(ctx context.Context, kind controlKind) error {
	c := control{kind: kind, reply: make(chan error, 1)}
	select {
	case r.controls <- c:
	case <-r.done:
		return errRunDone
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *planRun) run() {
	defer close(r.done)
	defer r.cancelAgents()

	r.startedAt = time.Now()
	if err := r.begin(); err != nil {
		r.halt(err)
		return
	}

	for {
		if r.e.isClosing() {
			r.halt(ErrEngineClosed)
			return
		}
		if err := r.advance(); err != nil {
			r.halt(err)
			return
		}
		if r.finished() {
			if err := r.finish(); err != nil {
				r.halt(err)
			}
			return
		}

		var err error
		select {
		case o := <-r.outcomes:
			r.inflight--
			err = r.handleOutcome(o)
		case id := <-r.retries:
			err = r.handleRetry(id)
		case c := <-r.controls:
			err = r.handleControl(c)
		case <-r.e.closing:
			err = ErrEngineClosed
		}
		if err != nil {
			r.halt(err)
			return
		}
	}
}

func (r *planRun) begin() error {
	now := time.Now().UTC()
	switch r.status {
	case schema.PlanPending:
		if err := r.e.sm.Plan(r.pctx, r.id, schema.PlanPending, schema.PlanRunning, "started",
			store.PlanUpdate{StartedAt: &now}); err != nil {
			return err
		}
	case schema.PlanPaused:
		if err := r.e.sm.Plan(r.pctx, r.id, schema.PlanPaused, schema.PlanRunning, "resumed", store.PlanUpdate{}); err != nil {
			return err
		}
	}
	r.status = schema.PlanRunning
	r.logger.Info("plan run started", slog.Int("steps", len(r.states)), slog.Int("waves", len(r.waves.Levels)))
	return nil
}

// advance opens every wave whose predecessors have settled, promotes steps
// whose dependencies completed and dispatches READY steps, until nothing moves.
func (r *planRun) advance() error {
	for {
		progressed := false

		for r.opened < len(r.waves.Levels) && r.openedSettled() && !r.paused && !r.cancelled {
			r.e.obs.WaveOpened(r.id, r.opened)
			r.logger.Debug("wave opened", slog.Int("wave", r.opened), slog.Int("steps", len(r.waves.Levels[r.opened])))
			r.opened++
			progressed = true
		}

		if r.paused && r.status == schema.PlanRunning && r.opened < len(r.waves.Levels) && r.openedSettled() {
			if err := r.e.sm.Plan(r.pctx, r.id, schema.PlanRunning, schema.PlanPaused,
				fmt.Sprintf("paused before wave %d", r.opened), store.PlanUpdate{}); err != nil {
				return err
			}
			r.status = schema.PlanPaused
			r.logger.Info("plan paused", slog.Int("next_wave", r.opened))
		}

		if r.status == schema.PlanRunning && !r.cancelled {
			for w := 0; w < r.opened; w++ {
				for _, id := range r.waves.Levels[w] {
					switch r.states[id] {
					case schema.StepPending:
						if !r.depsCompleted(id) {
							continue
						}
						if err := r.step(id, schema.StepPending, schema.StepReady, "dependencies completed", store.StepUpdate{}); err != nil {
							return err
						}
						fallthrough
					case schema.StepReady:
						if err := r.launch(id); err != nil {
							return err
						}
						progressed = true
					}
				}
			}
		}

		if !progressed {
			return nil
		}
	}
}

// openedSettled reports whether every step of every opened wave is terminal
// or waiting on a retry timer.
func (r *planRun) openedSettled() bool {
	for w := 0; w < r.opened; w++ {
		for _, id := range r.waves.Levels[w] {
			if !r.states[id].Settled() {
				return false
			}
		}
	}
	return true
}

func (r *planRun) depsCompleted(id string) bool {
	for _, dep := range r.waves.Edges[id] {
		if r.states[dep] != schema.StepCompleted {
			return false
		}
	}
	return true
}

func (r *planRun) finished() bool {
	if r.inflight > 0 {
		return false
	}
	for _, s := range r.states {
		if !s.Terminal() {
			return false
		}
	}
	return true
}

// launch takes a READY step through its guard and routing checks and hands it
// to the worker pool.
func (r *planRun) launch(id string) error {
	def := r.waves.Steps[id]

	if def.Condition != "" && r.e.guards != nil {
		ok, err := r.e.guards.Evaluate(r.pctx, def.Condition, r.guardVars(id))
		if err != nil {
			return r.fail(id, schema.StepReady, "condition error: "+err.Error(), nil)
		}
		if !ok {
			if err := r.step(id, schema.StepReady, schema.StepSkipped, "condition evaluated to false",
				store.StepUpdate{CompletedAt: timePtr(time.Now().UTC())}); err != nil {
				return err
			}
			return r.cascade(id, "skipped")
		}
	}

	if !r.e.dispatcher.Has(def.Agent) {
		err := schema.NewErrorf(schema.ErrCodeUnknownAgent, "no agent registered as %q", def.Agent).WithStep(id)
		res := agent.Failed(agent.Fatal, schema.ErrCodeUnknownAgent, err.Message)
		return r.fail(id, schema.StepReady, err.Error(), res)
	}

	return r.dispatch(id, schema.StepReady)
}

func (r *planRun) dispatch(id string, from schema.StepState) error {
	def := r.waves.Steps[id]
	attempt := r.attempts[id] + 1
	now := time.Now().UTC()
	if err := r.step(id, from, schema.StepRunning, fmt.Sprintf("attempt %d dispatched to %s", attempt, def.Agent),
		store.StepUpdate{AttemptCount: &attempt, StartedAt: &now}); err != nil {
		return err
	}
	r.attempts[id] = attempt
	r.inflight++
	r.e.obs.StepStarted(def.Agent)

	if err := r.e.pool.Submit(r.agentCtx, r.attemptFunc(id, attempt, def)); err != nil {
		// The buffered outcomes channel always has room for this step.
		r.outcomes <- outcome{stepID: id, attempt: attempt, err: err, started: now, finished: now}
	}
	return nil
}

// attemptFunc builds the work a pool goroutine runs for one attempt. The
// returned func always reports exactly one outcome, even if the agent panics.
func (r *planRun) attemptFunc(id string, attempt int, def *schema.StepDefinition) func(context.Context) error {
	in := agent.StepInput{
		PlanID:       r.id,
		StepID:       id,
		Action:       def.Action,
		Params:       def.Params,
		Attempt:      attempt,
		Dependencies: r.depPayloads(id),
	}
	timeout := r.timeoutFor(def)
	parent := r.agentCtx

	return func(context.Context) (err error) {
		o := outcome{stepID: id, attempt: attempt, started: time.Now()}
		defer func() {
			if v := recover(); v != nil {
				o.result = nil
				o.err = schema.NewErrorf(schema.ErrCodeExecution, "agent panicked: %v", v).WithStep(id)
				err = o.err
			}
			o.finished = time.Now()
			r.outcomes <- o
		}()

		ctx := logging.WithIDs(parent, r.id, id, def.Agent)
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		o.result, o.err = r.e.dispatcher.Dispatch(ctx, def.Agent, in)
		if timeout > 0 && !o.succeeded() && parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			o.err = schema.NewErrorf(schema.ErrCodeTimeout, "step exceeded timeout of %s", timeout).
				WithStep(id).WithCause(o.err)
		}
		if !o.succeeded() {
			return o.failure()
		}
		return nil
	}
}

func (r *planRun) handleOutcome(o outcome) error {
	if r.e.isClosing() {
		return ErrEngineClosed
	}
	id := o.stepID
	if r.states[id] != schema.StepRunning || r.attempts[id] != o.attempt {
		r.logger.Warn("stale outcome dropped", slog.String("step_id", id), slog.Int("attempt", o.attempt))
		return nil
	}
	def := r.waves.Steps[id]
	took := o.finished.Sub(o.started)
	r.busy[id] += took
	now := time.Now().UTC()

	if o.succeeded() {
		r.results[id] = o.result
		detail := fmt.Sprintf("attempt %d succeeded", o.attempt)
		if o.result.IsMock {
			detail += " (mock)"
		}
		if err := r.step(id, schema.StepRunning, schema.StepCompleted, detail,
			store.StepUpdate{Result: encodeResult(o.result), CompletedAt: &now}); err != nil {
			return err
		}
		r.e.obs.StepFinished(def.Agent, schema.StepCompleted, took)
		return nil
	}

	failErr := o.failure()
	kind := classifyFailure(failErr, func(err error) agent.ErrorKind {
		return r.e.dispatcher.Classify(def.Agent, err)
	})
	res := o.result
	if res == nil || res.Error == nil {
		res = agent.Failed(kind, codeOrExecution(failErr), failErr.Error())
	}

	// The agent context is cancelled before the cancel message is handled.
	if r.cancelled || r.agentCtx.Err() != nil {
		if err := r.step(id, schema.StepRunning, schema.StepCancelled, "plan cancelled",
			store.StepUpdate{Result: encodeResult(res), CompletedAt: &now}); err != nil {
			return err
		}
		r.e.obs.StepFinished(def.Agent, schema.StepCancelled, took)
		return nil
	}

	dec := r.e.retry.Decide(r.policyFor(def), o.attempt, kind)
	if dec.Retry {
		detail := fmt.Sprintf("attempt %d failed: %s; retry in %s", o.attempt, failErr.Error(), dec.Delay)
		if err := r.step(id, schema.StepRunning, schema.StepRetryScheduled, detail,
			store.StepUpdate{Result: encodeResult(res)}); err != nil {
			return err
		}
		r.timers[id] = time.AfterFunc(dec.Delay, func() { r.retries <- id })
		r.e.obs.RetryScheduled(def.Agent, dec.Delay)
		r.logger.Info("retry scheduled", slog.String("step_id", id), slog.Int("attempt", o.attempt),
			slog.Duration("delay", dec.Delay), slog.String("kind", string(kind)))
		return nil
	}

	r.e.obs.StepFinished(def.Agent, schema.StepFailed, took)
	detail := fmt.Sprintf("attempt %d failed: %s (%s)", o.attempt, failErr.Error(), dec.Reason)
	return r.fail(id, schema.StepRunning, detail, res)
}

func (r *planRun) handleRetry(id string) error {
	if r.states[id] != schema.StepRetryScheduled {
		return nil
	}
	delete(r.timers, id)
	if r.status == schema.PlanPaused {
		r.deferred = append(r.deferred, id)
		return nil
	}
	return r.dispatch(id, schema.StepRetryScheduled)
}

func (r *planRun) handleControl(c control) error {
	var err error
	switch c.kind {
	case ctlPause:
		if !r.cancelled {
			r.paused = true
		}
	case ctlResume:
		err = r.resume()
	case ctlCancel:
		err = r.cancel()
	}
	c.reply <- err
	return err
}

func (r *planRun) resume() error {
	r.paused = false
	if r.status != schema.PlanPaused {
		return nil
	}
	if err := r.e.sm.Plan(r.pctx, r.id, schema.PlanPaused, schema.PlanRunning, "resumed", store.PlanUpdate{}); err != nil {
		return err
	}
	r.status = schema.PlanRunning
	r.logger.Info("plan resumed")

	deferred := r.deferred
	r.deferred = nil
	for _, id := range deferred {
		if err := r.dispatch(id, schema.StepRetryScheduled); err != nil {
			return err
		}
	}
	return nil
}

// cancel stops retry timers, cancels every step that has not started and
// signals running agents. Running steps are settled as their outcomes arrive.
func (r *planRun) cancel() error {
	if r.cancelled {
		return nil
	}
	r.cancelled = true
	r.paused = false
	r.cancelAgents()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	r.deferred = nil

	now := time.Now().UTC()
	for _, level := range r.waves.Levels {
		for _, id := range level {
			switch s := r.states[id]; s {
			case schema.StepPending, schema.StepReady, schema.StepRetryScheduled:
				if err := r.step(id, s, schema.StepCancelled, "plan cancelled", store.StepUpdate{CompletedAt: &now}); err != nil {
					return err
				}
			}
		}
	}
	r.logger.Info("plan cancellation requested", slog.Int("in_flight", r.inflight))
	return nil
}

func (r *planRun) fail(id string, from schema.StepState, detail string, res *agent.StepResult) error {
	now := time.Now().UTC()
	if err := r.step(id, from, schema.StepFailed, detail,
		store.StepUpdate{Result: encodeResult(res), CompletedAt: &now}); err != nil {
		return err
	}
	if r.failure == "" {
		r.failure = fmt.Sprintf("step %s: %s", id, detail)
	}
	r.logger.Warn("step failed", slog.String("step_id", id), slog.String("detail", detail))
	return r.cascade(id, "failed")
}

// cascade skips every transitive dependent of id that has not started.
func (r *planRun) cascade(id, verb string) error {
	now := time.Now().UTC()
	for _, dep := range r.waves.Dependents(id) {
		if r.states[dep] != schema.StepPending {
			continue
		}
		if err := r.step(dep, schema.StepPending, schema.StepSkipped,
			fmt.Sprintf("ancestor %s %s", id, verb), store.StepUpdate{CompletedAt: &now}); err != nil {
			return err
		}
	}
	return nil
}

// step commits a transition and mirrors it in memory only once it is durable.
func (r *planRun) step(id string, from, to schema.StepState, detail string, update store.StepUpdate) error {
	if err := r.e.sm.Step(r.pctx, r.id, id, from, to, detail, update); err != nil {
		return err
	}
	r.states[id] = to
	return nil
}

func (r *planRun) finish() error {
	states := make([]schema.StepState, 0, len(r.states))
	for _, s := range r.states {
		states = append(states, s)
	}
	final := schema.AggregateStatus(states, false, false)
	now := time.Now().UTC()

	update := store.PlanUpdate{CompletedAt: &now}
	detail := "all steps terminal"
	switch final {
	case schema.PlanFailed:
		update.Error = &r.failure
		detail = r.failure
	case schema.PlanCancelled:
		msg := "plan cancelled"
		update.Error = &msg
		detail = msg
	}
	if err := r.e.sm.Plan(r.pctx, r.id, r.status, final, detail, update); err != nil {
		return err
	}
	r.status = final
	r.report = r.buildReport(now)
	r.e.obs.PlanFinished(r.report)
	r.logger.Info("plan finished",
		slog.String("status", string(final)),
		slog.Duration("wall", r.report.Wall),
		slog.Float64("parallel_efficiency", r.report.ParallelEfficiency))
	return nil
}

// halt stops the run without further transitions. Agents are signalled and
// the store is left as-is for recovery.
func (r *planRun) halt(err error) {
	r.err = err
	r.cancelAgents()
	for _, t := range r.timers {
		t.Stop()
	}
	if errors.Is(err, ErrEngineClosed) {
		r.logger.Info("plan run detached on shutdown", slog.Int("in_flight", r.inflight))
	} else {
		r.logger.Error("plan run halted", slog.String("error", err.Error()))
	}
	r.report = r.buildReport(time.Now().UTC())
	r.report.Error = err.Error()
}

func (r *planRun) buildReport(end time.Time) *PlanReport {
	rep := &PlanReport{
		PlanID:      r.id,
		Status:      r.status,
		StartedAt:   r.startedAt.UTC(),
		CompletedAt: end,
		Wall:        end.Sub(r.startedAt),
		Steps:       make(map[string]*StepSummary, len(r.states)),
		Error:       r.failure,
	}
	var scores []WeightedScore
	for id, s := range r.states {
		sum := &StepSummary{State: s, Attempts: r.attempts[id], Duration: r.busy[id]}
		if res := r.results[id]; res != nil && s == schema.StepCompleted {
			sum.IsMock = res.IsMock
			sum.QualityScore = res.QualityScore
			if res.QualityScore != nil {
				scores = append(scores, WeightedScore{Score: *res.QualityScore, Weight: r.waves.Steps[id].QualityWeight})
			}
		}
		rep.Busy += r.busy[id]
		rep.Steps[id] = sum
	}
	rep.ParallelEfficiency = ParallelEfficiency(rep.Busy, rep.Wall)
	rep.QualityScore = QualityScore(scores)
	return rep
}

func (r *planRun) depPayloads(id string) map[string]json.RawMessage {
	deps := r.waves.Edges[id]
	if len(deps) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(deps))
	for _, dep := range deps {
		if res := r.results[dep]; res != nil {
			out[dep] = res.Payload
		}
	}
	return out
}

// guardVars is the environment a step condition sees.
func (r *planRun) guardVars(id string) map[string]any {
	steps := make(map[string]any, len(r.results))
	for sid, res := range r.results {
		if r.states[sid] != schema.StepCompleted || len(res.Payload) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(res.Payload, &v); err == nil {
			steps[sid] = v
		}
	}
	params := r.waves.Steps[id].Params
	if params == nil {
		params = map[string]any{}
	}
	metadata := r.def.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return map[string]any{
		"steps":  steps,
		"params": params,
		"plan":   map[string]any{"id": r.id, "name": r.def.Name, "metadata": metadata},
	}
}

func (r *planRun) policyFor(def *schema.StepDefinition) *schema.RetryPolicy {
	return r.e.policyFor(&r.def, def)
}

func (r *planRun) timeoutFor(def *schema.StepDefinition) time.Duration {
	switch {
	case def.Timeout > 0:
		return def.Timeout.Std()
	case r.def.StepTimeout > 0:
		return r.def.StepTimeout.Std()
	default:
		return r.e.cfg.StepTimeout
	}
}

func encodeResult(res *agent.StepResult) json.RawMessage {
	if res == nil {
		return nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return nil
	}
	return data
}

func decodeResult(data json.RawMessage) (*agent.StepResult, error) {
	var res agent.StepResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func codeOrExecution(err error) string {
	if code := schema.CodeOf(err); code != "" {
		return code
	}
	return schema.ErrCodeExecution
}

func timePtr(t time.Time) *time.Time { return &t }
