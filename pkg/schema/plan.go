package schema

import (
	"fmt"
	"strings"
	"time"
)

// PlanDefinition is the caller-supplied description of a plan.
// Once submitted, the step set and its edges are immutable.
type PlanDefinition struct {
	Name         string           `json:"name"`
	Steps        []StepDefinition `json:"steps"`
	DefaultRetry *RetryPolicy     `json:"default_retry,omitempty"`
	StepTimeout  Duration         `json:"step_timeout,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
}

// StepDefinition describes a single step of a plan.
type StepDefinition struct {
	ID            string         `json:"id"`
	Agent         string         `json:"agent"`
	Action        string         `json:"action,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
	DependsOn     []string       `json:"depends_on,omitempty"`
	Retry         *RetryPolicy   `json:"retry,omitempty"`
	Timeout       Duration       `json:"timeout,omitempty"`
	Condition     string         `json:"condition,omitempty"` // CEL guard, evaluated when the step becomes ready
	QualityWeight float64        `json:"quality_weight,omitempty"`
}

// RetryStrategy selects how the delay between attempts is computed.
type RetryStrategy string

const (
	RetryNone                     RetryStrategy = "NONE"
	RetryFixedDelay               RetryStrategy = "FIXED_DELAY"
	RetryExponentialBackoff       RetryStrategy = "EXPONENTIAL_BACKOFF"
	RetryExponentialBackoffJitter RetryStrategy = "EXPONENTIAL_BACKOFF_JITTER"
)

// Valid reports whether s is a known strategy.
func (s RetryStrategy) Valid() bool {
	switch s {
	case RetryNone, RetryFixedDelay, RetryExponentialBackoff, RetryExponentialBackoffJitter:
		return true
	}
	return false
}

// RetryPolicy configures retry behavior for a step.
type RetryPolicy struct {
	Strategy    RetryStrategy `json:"strategy"`
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   Duration      `json:"base_delay,omitempty"`
	MaxDelay    Duration      `json:"max_delay,omitempty"`
}

// Attempts returns the effective attempt cap. NONE always allows exactly one.
func (p *RetryPolicy) Attempts() int {
	if p == nil || p.Strategy == RetryNone || p.Strategy == "" {
		return 1
	}
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// DefaultRetryPolicy is used when neither the step nor the plan sets one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Strategy:    RetryExponentialBackoffJitter,
		MaxAttempts: 3,
		BaseDelay:   Duration(500 * time.Millisecond),
		MaxDelay:    Duration(30 * time.Second),
	}
}

// Duration is a time.Duration that reads and writes Go duration strings ("250ms", "2m").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}
