package engine

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/orchestra/pkg/agent"
	"github.com/rendis/orchestra/pkg/schema"
)

func policy(strategy schema.RetryStrategy, attempts int, base, maxDelay time.Duration) *schema.RetryPolicy {
	return &schema.RetryPolicy{
		Strategy:    strategy,
		MaxAttempts: attempts,
		BaseDelay:   schema.Duration(base),
		MaxDelay:    schema.Duration(maxDelay),
	}
}

func TestDecide_NoneNeverRetries(t *testing.T) {
	h := NewRetryHandler(rand.New(rand.NewSource(1)))
	assert.False(t, h.Decide(nil, 1, agent.Retryable).Retry)
	assert.False(t, h.Decide(policy(schema.RetryNone, 5, time.Second, 0), 1, agent.Retryable).Retry)
}

func TestDecide_FatalNeverRetries(t *testing.T) {
	h := NewRetryHandler(rand.New(rand.NewSource(1)))
	d := h.Decide(policy(schema.RetryFixedDelay, 5, time.Second, 0), 1, agent.Fatal)
	assert.False(t, d.Retry)
	assert.Equal(t, "fatal error", d.Reason)
}

func TestDecide_CapsAtMaxAttempts(t *testing.T) {
	h := NewRetryHandler(rand.New(rand.NewSource(1)))
	p := policy(schema.RetryFixedDelay, 3, 10*time.Millisecond, 0)

	assert.True(t, h.Decide(p, 1, agent.Retryable).Retry)
	assert.True(t, h.Decide(p, 2, agent.Retryable).Retry)
	d := h.Decide(p, 3, agent.Retryable)
	assert.False(t, d.Retry)
	assert.Equal(t, "retries exhausted", d.Reason)
}

func TestBackoff_Fixed(t *testing.T) {
	h := NewRetryHandler(nil)
	p := policy(schema.RetryFixedDelay, 5, 200*time.Millisecond, 0)
	for attempt := 1; attempt <= 4; attempt++ {
		assert.Equal(t, 200*time.Millisecond, h.Backoff(p, attempt))
	}
}

func TestBackoff_Exponential(t *testing.T) {
	h := NewRetryHandler(nil)
	p := policy(schema.RetryExponentialBackoff, 10, 100*time.Millisecond, time.Second)

	assert.Equal(t, 100*time.Millisecond, h.Backoff(p, 1))
	assert.Equal(t, 200*time.Millisecond, h.Backoff(p, 2))
	assert.Equal(t, 400*time.Millisecond, h.Backoff(p, 3))
	assert.Equal(t, 800*time.Millisecond, h.Backoff(p, 4))
	assert.Equal(t, time.Second, h.Backoff(p, 5))
	assert.Equal(t, time.Second, h.Backoff(p, 9))
}

func TestBackoff_ExponentialUncapped(t *testing.T) {
	h := NewRetryHandler(nil)
	p := policy(schema.RetryExponentialBackoff, 100, time.Millisecond, 0)
	assert.Equal(t, 1024*time.Millisecond, h.Backoff(p, 11))
	// Huge attempt counts must not overflow into negative delays.
	assert.Positive(t, h.Backoff(p, 200))
}

func TestBackoff_JitterBounds(t *testing.T) {
	h := NewRetryHandler(rand.New(rand.NewSource(7)))
	p := policy(schema.RetryExponentialBackoffJitter, 10, 100*time.Millisecond, time.Second)

	for attempt := 1; attempt <= 6; attempt++ {
		base := exponential(100*time.Millisecond, time.Second, attempt)
		for i := 0; i < 50; i++ {
			d := h.Backoff(p, attempt)
			assert.GreaterOrEqual(t, d, base)
			assert.LessOrEqual(t, d, 2*base)
		}
	}
}

func TestBackoff_JitterSaturates(t *testing.T) {
	h := NewRetryHandler(rand.New(rand.NewSource(3)))
	for _, base := range []time.Duration{time.Duration(1 << 61), time.Duration(math.MaxInt64)} {
		p := policy(schema.RetryExponentialBackoffJitter, 100, base, 0)
		for attempt := 1; attempt <= 70; attempt += 23 {
			for i := 0; i < 20; i++ {
				d := h.Backoff(p, attempt)
				assert.Positive(t, d)
				assert.GreaterOrEqual(t, d, exponential(base, 0, attempt))
			}
		}
	}
}

func TestBackoff_JitterDeterministicWithSeed(t *testing.T) {
	p := policy(schema.RetryExponentialBackoffJitter, 10, 50*time.Millisecond, 0)
	a := NewRetryHandler(SeededRNG("plan-1"))
	b := NewRetryHandler(SeededRNG("plan-1"))
	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, a.Backoff(p, attempt), b.Backoff(p, attempt))
	}
}

func TestBackoff_ZeroBase(t *testing.T) {
	h := NewRetryHandler(nil)
	assert.Zero(t, h.Backoff(policy(schema.RetryExponentialBackoff, 3, 0, 0), 2))
	assert.Zero(t, h.Backoff(nil, 2))
}

func TestClassifyFailure(t *testing.T) {
	retryable := func(error) agent.ErrorKind { return agent.Retryable }
	fatal := func(error) agent.ErrorKind { return agent.Fatal }

	cases := []struct {
		name string
		err  error
		by   func(error) agent.ErrorKind
		want agent.ErrorKind
	}{
		{"cancellation", context.Canceled, retryable, agent.Fatal},
		{"deadline", context.DeadlineExceeded, fatal, agent.Retryable},
		{"timeout code", schema.NewError(schema.ErrCodeTimeout, "slow"), fatal, agent.Retryable},
		{"circuit open", schema.NewError(schema.ErrCodeCircuitOpen, "open"), fatal, agent.Retryable},
		{"unknown agent", schema.NewError(schema.ErrCodeUnknownAgent, "ghost"), retryable, agent.Fatal},
		{"validation", schema.NewError(schema.ErrCodeValidation, "bad"), retryable, agent.Fatal},
		{"marked fatal", agent.FatalError(errors.New("x")), retryable, agent.Fatal},
		{"agent decides", errors.New("503"), fatal, agent.Fatal},
		{"no classifier", errors.New("503"), nil, agent.Retryable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classifyFailure(tc.err, tc.by))
		})
	}
}
