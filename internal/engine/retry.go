package engine

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rendis/orchestra/pkg/agent"
	"github.com/rendis/orchestra/pkg/schema"
)

// Decision is the RetryHandler's verdict on a failed attempt.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

// RetryHandler decides whether and when a failed step runs again.
// It is safe for concurrent use.
type RetryHandler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRetryHandler creates a handler whose jitter is drawn from rng.
// A nil rng seeds one from the clock.
func NewRetryHandler(rng *rand.Rand) *RetryHandler {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano())) // #nosec G404 -- jitter, not security
	}
	return &RetryHandler{rng: rng}
}

// SeededRNG returns a generator deterministically derived from key, so a plan
// retried from the same id sees the same jitter sequence.
func SeededRNG(key string) *rand.Rand {
	sum := sha256.Sum256([]byte(key))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	return rand.New(rand.NewSource(seed)) // #nosec G404 -- deterministic jitter for replay, not security
}

// Decide returns whether a step that just failed its attempt-th attempt
// (1-based) should run again, and after what delay.
func (h *RetryHandler) Decide(policy *schema.RetryPolicy, attempt int, kind agent.ErrorKind) Decision {
	if policy == nil || policy.Strategy == schema.RetryNone || policy.Strategy == "" {
		return Decision{Reason: "retry policy NONE"}
	}
	if kind == agent.Fatal {
		return Decision{Reason: "fatal error"}
	}
	if attempt >= policy.Attempts() {
		return Decision{Reason: "retries exhausted"}
	}
	return Decision{Retry: true, Delay: h.Backoff(policy, attempt), Reason: "retryable error"}
}

// Backoff computes the delay before attempt+1.
//
//	FIXED_DELAY                 base
//	EXPONENTIAL_BACKOFF         min(base * 2^(attempt-1), max)
//	EXPONENTIAL_BACKOFF_JITTER  the above plus a uniform offset in [0, delay]
//
// A zero max_delay leaves the exponential uncapped.
func (h *RetryHandler) Backoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil {
		return 0
	}
	base := policy.BaseDelay.Std()
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	switch policy.Strategy {
	case schema.RetryFixedDelay:
		return base
	case schema.RetryExponentialBackoff:
		return exponential(base, policy.MaxDelay.Std(), attempt)
	case schema.RetryExponentialBackoffJitter:
		delay := exponential(base, policy.MaxDelay.Std(), attempt)
		n := int64(delay)
		if n < math.MaxInt64 {
			n++
		}
		h.mu.Lock()
		offset := time.Duration(h.rng.Int63n(n))
		h.mu.Unlock()
		if delay > math.MaxInt64-offset {
			return time.Duration(math.MaxInt64)
		}
		return delay + offset
	default:
		return 0
	}
}

func exponential(base, maxDelay time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		if maxDelay > 0 && delay >= maxDelay {
			break
		}
		if delay > time.Duration(1<<62)/2 {
			break
		}
		delay *= 2
	}
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// classifyFailure maps an attempt's error to a retry class. Structural errors
// and cancellation are always fatal, timeouts are retryable, and anything else
// is up to byAgent (nil means retryable).
func classifyFailure(err error, byAgent func(error) agent.ErrorKind) agent.ErrorKind {
	if err == nil {
		return agent.Retryable
	}
	if errors.Is(err, context.Canceled) {
		return agent.Fatal
	}
	var oe *schema.OrchestraError
	if errors.As(err, &oe) {
		switch {
		case oe.Code == schema.ErrCodeTimeout:
			return agent.Retryable
		case oe.Code == schema.ErrCodeCircuitOpen:
			return agent.Retryable
		case oe.IsStructural():
			return agent.Fatal
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return agent.Retryable
	}
	if agent.IsFatal(err) {
		return agent.Fatal
	}
	if byAgent == nil {
		return agent.Retryable
	}
	return byAgent(err)
}
