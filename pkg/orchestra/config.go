package orchestra

import (
	"errors"
	"fmt"
	"time"

	"github.com/rendis/orchestra/internal/agents"
	"github.com/rendis/orchestra/internal/archive"
	"github.com/rendis/orchestra/internal/dispatch"
	"github.com/rendis/orchestra/pkg/schema"
)

// Config holds everything Open needs. The env tags are resolved by the
// orchestra binary under the ORCHESTRA_ prefix.
type Config struct {
	// DSN selects the persistence backend, see store.Open.
	DSN         string          `json:"dsn" env:"DSN"`
	MaxWorkers  int             `json:"max_workers" env:"MAX_WORKERS"`
	StepTimeout schema.Duration `json:"step_timeout" env:"STEP_TIMEOUT"`
	// DefaultRetry applies to steps and plans without a policy.
	DefaultRetry *schema.RetryPolicy `json:"default_retry,omitempty"`
	// ResumeOnStart relaunches interrupted plans during Start.
	ResumeOnStart     bool            `json:"resume_on_start" env:"RESUME_ON_START"`
	EventBuffer       int             `json:"event_buffer" env:"EVENT_BUFFER"`
	SchedulerInterval schema.Duration `json:"scheduler_interval" env:"SCHEDULER_INTERVAL"`

	Breakers dispatch.BreakerConfig `json:"breakers" envPrefix:"BREAKER_"`
	Agents   agents.Config          `json:"agents" envPrefix:"AGENTS_"`
	Archive  archive.Config         `json:"archive" envPrefix:"ARCHIVE_"`
}

// DefaultConfig returns the settings used when nothing overrides them.
func DefaultConfig() Config {
	return Config{
		DSN:               "file:orchestra.db",
		MaxWorkers:        10,
		ResumeOnStart:     true,
		EventBuffer:       256,
		SchedulerInterval: schema.Duration(15 * time.Second),
		Breakers:          dispatch.DefaultBreakerConfig(),
		Agents: agents.Config{
			Enabled: true,
			Shell:   agents.ShellConfig{DefaultTimeout: schema.Duration(30 * time.Second)},
			HTTP:    agents.HTTPConfig{DefaultTimeout: schema.Duration(30 * time.Second)},
		},
		Archive: archive.Config{Region: "us-east-1", Bucket: "orchestra-audit"},
	}
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.DSN == "" {
		errs = append(errs, errors.New("dsn is required"))
	}
	if c.MaxWorkers <= 0 {
		errs = append(errs, fmt.Errorf("max_workers must be positive, got %d", c.MaxWorkers))
	}
	if c.StepTimeout < 0 {
		errs = append(errs, fmt.Errorf("step_timeout must not be negative, got %s", c.StepTimeout))
	}
	if c.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("event_buffer must not be negative, got %d", c.EventBuffer))
	}
	if c.Breakers.FailureThreshold < 0 || c.Breakers.Cooldown < 0 {
		errs = append(errs, errors.New("breaker settings must not be negative"))
	}
	if p := c.DefaultRetry; p != nil {
		if !p.Strategy.Valid() {
			errs = append(errs, fmt.Errorf("default_retry: unknown strategy %q", p.Strategy))
		}
		if p.BaseDelay < 0 || p.MaxDelay < 0 {
			errs = append(errs, errors.New("default_retry: delays must not be negative"))
		}
	}
	if c.Archive.Enabled() {
		if err := c.Archive.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "invalid configuration: %v", errors.Join(errs...)).
		WithCause(errors.Join(errs...))
}
