// Package dispatch routes steps to the agents registered under their names.
// The registry is built at startup and is read-only once plans run.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/orchestra/pkg/agent"
	"github.com/rendis/orchestra/pkg/schema"
)

type entry struct {
	agent    agent.Agent
	fallback agent.Agent
}

// Dispatcher is the name→Agent registry the engine routes through.
// Each agent gets its own circuit breaker; when the circuit is open and a
// fallback is registered, the fallback answers and the result is marked mock.
type Dispatcher struct {
	mu       sync.RWMutex
	agents   map[string]entry
	breakers *Breakers
	logger   *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBreakers replaces the default circuit breakers.
func WithBreakers(b *Breakers) Option { return func(d *Dispatcher) { d.breakers = b } }

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// New creates an empty Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{agents: make(map[string]entry)}
	for _, o := range opts {
		o(d)
	}
	if d.breakers == nil {
		d.breakers = NewBreakers(DefaultBreakerConfig())
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Register adds an agent. Names are unique.
func (d *Dispatcher) Register(name string, a agent.Agent) error {
	return d.RegisterWithFallback(name, a, nil)
}

// MustRegister is Register that panics on error, for startup wiring.
func (d *Dispatcher) MustRegister(name string, a agent.Agent) {
	if err := d.Register(name, a); err != nil {
		panic(err)
	}
}

// RegisterWithFallback adds an agent together with the agent that answers
// for it while its circuit is open.
func (d *Dispatcher) RegisterWithFallback(name string, a, fallback agent.Agent) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent name is required")
	}
	if a == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "agent %q is nil", name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.agents[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "agent %q already registered", name)
	}
	d.agents[name] = entry{agent: a, fallback: fallback}
	return nil
}

// Has reports whether name is registered.
func (d *Dispatcher) Has(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.agents[name]
	return ok
}

// Names returns the registered agent names, sorted.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.agents))
	for n := range d.agents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Breakers returns the per-agent circuit breakers.
func (d *Dispatcher) Breakers() *Breakers { return d.breakers }

// Dispatch runs one attempt of a step on the agent registered as name.
// Agent panics are converted to EXECUTION_ERROR. A result with Success=false
// is returned as-is alongside a nil error; the caller decides what it means.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, in agent.StepInput) (*agent.StepResult, error) {
	d.mu.RLock()
	e, ok := d.agents[name]
	d.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownAgent, "no agent registered as %q", name).WithStep(in.StepID)
	}

	if err := d.breakers.Allow(name); err != nil {
		if e.fallback == nil {
			return nil, err
		}
		d.logger.WarnContext(ctx, "circuit open, using fallback",
			slog.String("agent", name), slog.String("step_id", in.StepID))
		res, ferr := call(ctx, e.fallback, in)
		if res != nil {
			res.IsMock = true
		}
		return res, ferr
	}

	res, err := call(ctx, e.agent, in)
	switch {
	case err == nil && res != nil && res.Success:
		d.breakers.Success(name)
	case errors.Is(err, context.Canceled):
		// cancellation says nothing about the agent's health
	default:
		if d.breakers.Failure(name) == CircuitOpen {
			d.logger.WarnContext(ctx, "circuit opened", slog.String("agent", name))
		}
	}
	return res, err
}

// Classify decides the retry class of a failure from agent name. A failed
// result's own error kind wins; otherwise the agent's ErrorClassifier is
// consulted, and agents without one are retryable.
func (d *Dispatcher) Classify(name string, err error) agent.ErrorKind {
	var se *agent.StepError
	if errors.As(err, &se) && se.Kind != "" {
		return se.Kind
	}
	d.mu.RLock()
	e, ok := d.agents[name]
	d.mu.RUnlock()
	if !ok {
		return agent.Fatal
	}
	return agent.Classify(e.agent, err)
}

func call(ctx context.Context, a agent.Agent, in agent.StepInput) (res *agent.StepResult, err error) {
	defer func() {
		if v := recover(); v != nil {
			res = nil
			err = schema.NewErrorf(schema.ErrCodeExecution, "agent panicked: %v", v).WithStep(in.StepID)
		}
	}()
	res, err = a.Execute(ctx, in)
	if err == nil && res == nil {
		err = schema.NewError(schema.ErrCodeExecution, "agent returned no result").WithStep(in.StepID)
	}
	return res, err
}

// String lists the registered agents with their circuit states.
func (d *Dispatcher) String() string {
	var b strings.Builder
	b.WriteString("dispatcher[")
	for i, n := range d.Names() {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s:%s", n, d.breakers.State(n))
	}
	b.WriteByte(']')
	return b.String()
}
