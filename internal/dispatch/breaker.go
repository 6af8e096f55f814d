package dispatch

import (
	"sync"
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

// CircuitState represents the state of one agent's circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // calls flow
	CircuitOpen                         // calls rejected until cooldown
	CircuitHalfOpen                     // probing
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures per-agent circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Zero disables breaking.
	FailureThreshold int `json:"failure_threshold" env:"FAILURE_THRESHOLD"`
	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration `json:"cooldown" env:"COOLDOWN"`
	// HalfOpenMax is the number of probe calls allowed while half-open.
	HalfOpenMax int `json:"half_open_max" env:"HALF_OPEN_MAX"`
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probes   int
}

// Breakers tracks one circuit per agent name.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time

	// OnStateChange, when set, is called after an agent's circuit changes state.
	OnStateChange func(agentName string, from, to CircuitState)
}

// NewBreakers creates a breaker set with the given config.
func NewBreakers(config BreakerConfig) *Breakers {
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &Breakers{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow reports whether a call to name may proceed. It returns a CIRCUIT_OPEN
// error while the circuit is open or the half-open probe budget is spent.
func (b *Breakers) Allow(name string) error {
	if b.config.FailureThreshold <= 0 {
		return nil
	}
	cb := b.get(name)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := b.now().Sub(cb.openedAt)
		if elapsed >= b.config.Cooldown {
			b.move(name, cb, CircuitHalfOpen)
			cb.probes = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for agent %q after %d consecutive failures", name, cb.failures).
			WithDetails(map[string]any{
				"agent":                name,
				"consecutive_failures": cb.failures,
				"cooldown_remaining":   (b.config.Cooldown - elapsed).String(),
			})
	case CircuitHalfOpen:
		if cb.probes >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for agent %q: probe in flight", name)
		}
		cb.probes++
	}
	return nil
}

// Success closes name's circuit.
func (b *Breakers) Success(name string) {
	if b.config.FailureThreshold <= 0 {
		return
	}
	cb := b.get(name)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probes = 0
	b.move(name, cb, CircuitClosed)
}

// Failure records a failed call and returns the resulting state.
func (b *Breakers) Failure(name string) CircuitState {
	if b.config.FailureThreshold <= 0 {
		return CircuitClosed
	}
	cb := b.get(name)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= b.config.FailureThreshold {
		cb.openedAt = b.now()
		b.move(name, cb, CircuitOpen)
	}
	return cb.state
}

// State returns name's current circuit state.
func (b *Breakers) State(name string) CircuitState {
	cb := b.get(name)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && b.now().Sub(cb.openedAt) >= b.config.Cooldown {
		return CircuitHalfOpen
	}
	return cb.state
}

// move must be called with cb.mu held.
func (b *Breakers) move(name string, cb *breaker, to CircuitState) {
	from := cb.state
	cb.state = to
	if from != to && b.OnStateChange != nil {
		b.OnStateChange(name, from, to)
	}
}

func (b *Breakers) get(name string) *breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[name]
	if !ok {
		cb = &breaker{state: CircuitClosed}
		b.breakers[name] = cb
	}
	return cb
}
