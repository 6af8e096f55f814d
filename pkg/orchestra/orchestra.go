// Package orchestra is the programmatic entry point: it wires persistence,
// the agent registry, validation, the execution engine, metrics, the event
// hub, the scheduler and the optional audit archive behind one handle.
package orchestra

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/orchestra/internal/agents"
	"github.com/rendis/orchestra/internal/archive"
	"github.com/rendis/orchestra/internal/conditions"
	"github.com/rendis/orchestra/internal/diagram"
	"github.com/rendis/orchestra/internal/dispatch"
	"github.com/rendis/orchestra/internal/engine"
	"github.com/rendis/orchestra/internal/metrics"
	"github.com/rendis/orchestra/internal/planfile"
	"github.com/rendis/orchestra/internal/scheduler"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/internal/streaming"
	"github.com/rendis/orchestra/internal/validation"
	"github.com/rendis/orchestra/pkg/agent"
	"github.com/rendis/orchestra/pkg/schema"
)

// Re-exported result types.
type (
	PlanState  = engine.PlanState
	PlanReport = engine.PlanReport
	Plan       = store.Plan
	Step       = store.Step
	LogEntry   = store.LogEntry
	Event      = streaming.TransitionEvent
	Job        = scheduler.Job
)

// Option customizes Open.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	registry *prometheus.Registry
	store    store.Store
	agents   map[string]agent.Agent
	engine   []engine.Option
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithRegistry registers metrics on r instead of a private registry.
func WithRegistry(r *prometheus.Registry) Option { return func(o *options) { o.registry = r } }

// WithStore uses s instead of opening Config.DSN. Open migrates it and Close
// closes it.
func WithStore(s store.Store) Option { return func(o *options) { o.store = s } }

// WithAgent registers a under name before anything runs.
func WithAgent(name string, a agent.Agent) Option {
	return func(o *options) {
		if o.agents == nil {
			o.agents = make(map[string]agent.Agent)
		}
		o.agents[name] = a
	}
}

// WithEngineOptions passes extra options to the engine.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(o *options) { o.engine = append(o.engine, opts...) }
}

// Orchestra is an open engine instance.
type Orchestra struct {
	cfg        Config
	logger     *slog.Logger
	store      store.Store
	dispatcher *dispatch.Dispatcher
	validator  engine.Validator
	engine     *engine.Engine
	hub        *streaming.MemoryHub
	scheduler  *scheduler.Scheduler
	archiver   *archive.Archiver
	registry   *prometheus.Registry

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Open builds an instance from cfg. Nothing runs until Start; agents may be
// registered in between.
func Open(ctx context.Context, cfg Config, opts ...Option) (o *Orchestra, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	op := options{}
	for _, fn := range opts {
		fn(&op)
	}
	if op.logger == nil {
		op.logger = slog.Default()
	}
	if op.registry == nil {
		op.registry = prometheus.NewRegistry()
	}

	st := op.store
	if st == nil {
		if st, err = store.Open(ctx, cfg.DSN); err != nil {
			return nil, err
		}
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, schema.Persistence("migrate", err)
	}
	serialized := store.NewSerialized(st)
	defer func() {
		if err != nil {
			_ = serialized.Close()
		}
	}()

	breakers := dispatch.NewBreakers(cfg.Breakers)
	d := dispatch.New(dispatch.WithBreakers(breakers), dispatch.WithLogger(op.logger))
	if err := agents.Register(d, cfg.Agents); err != nil {
		return nil, err
	}
	for name, a := range op.agents {
		if err := d.Register(name, a); err != nil {
			return nil, err
		}
	}

	guards, err := conditions.New()
	if err != nil {
		return nil, err
	}
	v, err := validation.New(d, guards)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector(op.registry)
	collector.ObserveBreakers(breakers)

	engOpts := []engine.Option{
		engine.WithLogger(op.logger),
		engine.WithValidator(v),
		engine.WithGuards(guards),
		engine.WithObserver(collector),
	}
	eng := engine.New(serialized, d, engine.Config{
		MaxWorkers:    cfg.MaxWorkers,
		DefaultRetry:  cfg.DefaultRetry,
		StepTimeout:   cfg.StepTimeout.Std(),
		ResumeOnStart: cfg.ResumeOnStart,
	}, append(engOpts, op.engine...)...)
	collector.ObservePool(eng.Pool())
	collector.ObserveGauge("active_plans", "Plans currently driven by a controller.",
		func() float64 { return float64(len(eng.Active())) })

	hub := streaming.NewMemoryHub(cfg.EventBuffer)
	eng.StateMachine().OnCommit(hub.PublishEntry)
	collector.ObserveGauge("watchers", "Open event subscriptions.",
		func() float64 { return float64(hub.Subscribers()) })

	o = &Orchestra{
		cfg:        cfg,
		logger:     op.logger,
		store:      serialized,
		dispatcher: d,
		validator:  v,
		engine:     eng,
		hub:        hub,
		scheduler: scheduler.New(eng,
			scheduler.WithLogger(op.logger),
			scheduler.WithInterval(cfg.SchedulerInterval.Std())),
		registry: op.registry,
	}

	if cfg.Archive.Enabled() {
		client, err := archive.NewMinIOClient(cfg.Archive)
		if err != nil {
			return nil, err
		}
		o.archiver = archive.New(client, serialized, cfg.Archive, op.logger)
	}
	return o, nil
}

// Start prepares the archive bucket, recovers interrupted plans and starts
// the scheduler. It returns the ids of recovered plans.
func (o *Orchestra) Start(ctx context.Context) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, engine.ErrEngineClosed
	}
	if o.started {
		return nil, schema.NewError(schema.ErrCodeConflict, "orchestra already started")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if o.archiver != nil {
		if err := o.archiver.EnsureBucket(ctx); err != nil {
			cancel()
			return nil, err
		}
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.archiver.Run(runCtx, o.hub); err != nil {
				o.logger.Error("archiver stopped", slog.String("error", err.Error()))
			}
		}()
	}

	recovered, err := o.engine.Start(ctx)
	if err != nil {
		cancel()
		o.wg.Wait()
		return recovered, err
	}
	if err := o.scheduler.Start(runCtx); err != nil {
		cancel()
		o.wg.Wait()
		return recovered, err
	}
	o.cancel = cancel
	o.started = true
	o.logger.Info("orchestra started",
		slog.Int("recovered_plans", len(recovered)),
		slog.Any("agents", o.dispatcher.Names()))
	return recovered, nil
}

// Register adds an agent. Agents registered after plans were submitted are
// visible to later plans only.
func (o *Orchestra) Register(name string, a agent.Agent) error {
	return o.dispatcher.Register(name, a)
}

// RegisterWithFallback adds an agent with the agent that answers for it
// while its circuit is open.
func (o *Orchestra) RegisterWithFallback(name string, a, fallback agent.Agent) error {
	return o.dispatcher.RegisterWithFallback(name, a, fallback)
}

// Agents lists the registered agent names.
func (o *Orchestra) Agents() []string { return o.dispatcher.Names() }

// Validate runs the validation pipeline without submitting.
func (o *Orchestra) Validate(ctx context.Context, def *schema.PlanDefinition) *schema.ValidationResult {
	return o.validator.Validate(ctx, def)
}

// SubmitPlan validates def, persists it and starts it. The returned id is
// assigned before any step runs.
func (o *Orchestra) SubmitPlan(ctx context.Context, def *schema.PlanDefinition) (string, error) {
	return o.engine.Submit(ctx, def)
}

// SubmitPlanDocument parses a JSON, YAML or HCL plan document and submits it.
func (o *Orchestra) SubmitPlanDocument(ctx context.Context, data []byte, format string) (string, error) {
	f, err := planfile.ParseFormat(format)
	if err != nil {
		return "", err
	}
	def, err := planfile.Parse(data, f)
	if err != nil {
		return "", err
	}
	return o.engine.Submit(ctx, def)
}

// SubmitPlanFile loads a plan document from path, picking the format from
// its extension, and submits it.
func (o *Orchestra) SubmitPlanFile(ctx context.Context, path string) (string, error) {
	def, err := planfile.Load(path)
	if err != nil {
		return "", err
	}
	return o.engine.Submit(ctx, def)
}

// GetPlanStatus returns the committed plan and step rows.
func (o *Orchestra) GetPlanStatus(ctx context.Context, planID string) (*PlanState, error) {
	return o.engine.Status(ctx, planID)
}

// GetStepHistory returns the log of one step, or of the whole plan when
// stepID is empty, in commit order.
func (o *Orchestra) GetStepHistory(ctx context.Context, planID, stepID string) ([]*LogEntry, error) {
	return o.engine.History(ctx, planID, stepID)
}

// ListPlans returns stored plans matching filter.
func (o *Orchestra) ListPlans(ctx context.Context, filter store.PlanFilter) ([]*Plan, error) {
	return o.store.ListPlans(ctx, filter)
}

// CancelPlan cancels a running or paused plan.
func (o *Orchestra) CancelPlan(ctx context.Context, planID string) error {
	return o.engine.Cancel(ctx, planID)
}

// PausePlan stops the plan from opening further waves.
func (o *Orchestra) PausePlan(ctx context.Context, planID string) error {
	return o.engine.Pause(ctx, planID)
}

// ResumePlan continues a paused plan, or relaunches a recovered one.
func (o *Orchestra) ResumePlan(ctx context.Context, planID string) error {
	return o.engine.Resume(ctx, planID)
}

// Wait blocks until the plan finishes and returns its report.
func (o *Orchestra) Wait(ctx context.Context, planID string) (*PlanReport, error) {
	return o.engine.Wait(ctx, planID)
}

// Watch streams the plan's committed transitions until it finishes or ctx
// is done; the channel is closed then. Watching a finished plan yields a
// closed channel. Slow readers lose events rather than stall the engine.
func (o *Orchestra) Watch(ctx context.Context, planID string) (<-chan Event, error) {
	if _, err := o.store.GetPlan(ctx, planID); err != nil {
		return nil, err
	}
	events, cancel, err := o.hub.Subscribe(ctx, streaming.Filter{PlanID: planID, UntilDone: true})
	if err != nil {
		return nil, err
	}
	// Re-read after subscribing so a plan finishing in between is not missed.
	plan, err := o.store.GetPlan(ctx, planID)
	if err != nil {
		cancel()
		return nil, err
	}
	if plan.Status.Terminal() {
		cancel()
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Schedule submits def on every cron tick. The job lives in memory.
func (o *Orchestra) Schedule(cronExpr string, def *schema.PlanDefinition) (string, error) {
	if def == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "plan definition is nil")
	}
	if res := o.validator.Validate(context.Background(), def); !res.Valid() {
		return "", res.ToError()
	}
	return o.scheduler.Add(cronExpr, *def)
}

// Unschedule removes a job.
func (o *Orchestra) Unschedule(jobID string) error { return o.scheduler.Remove(jobID) }

// SetJobEnabled pauses or re-enables a job.
func (o *Orchestra) SetJobEnabled(jobID string, enabled bool) error {
	return o.scheduler.SetEnabled(jobID, enabled)
}

// Jobs lists scheduled jobs.
func (o *Orchestra) Jobs() []Job { return o.scheduler.Jobs() }

// Diagram renders the plan's waves with the current state of each step, as
// "mermaid" or "ascii".
func (o *Orchestra) Diagram(ctx context.Context, planID, format string) (string, error) {
	st, err := o.engine.Status(ctx, planID)
	if err != nil {
		return "", err
	}
	m, err := diagram.Build(&st.Plan.Definition, st.Steps)
	if err != nil {
		return "", err
	}
	return diagram.Render(m, format)
}

// Archive exports a finished plan's audit trail and returns the object key.
func (o *Orchestra) Archive(ctx context.Context, planID string) (string, error) {
	if o.archiver == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "archive is not configured")
	}
	return o.archiver.Export(ctx, planID)
}

// MetricsHandler serves the instance's Prometheus metrics.
func (o *Orchestra) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{Registry: o.registry})
}

// Close stops the scheduler and the archiver, detaches running plans so they
// can be recovered by the next Start, and closes the store.
func (o *Orchestra) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	cancel := o.cancel
	o.mu.Unlock()

	o.scheduler.Stop()
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
	return errors.Join(o.engine.Close(ctx), o.store.Close())
}
