package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuration_JSON(t *testing.T) {
	var p RetryPolicy
	require.NoError(t, json.Unmarshal([]byte(`{"strategy":"FIXED_DELAY","max_attempts":4,"base_delay":"250ms","max_delay":"2s"}`), &p))

	assert.Equal(t, RetryFixedDelay, p.Strategy)
	assert.Equal(t, 250*time.Millisecond, p.BaseDelay.Std())
	assert.Equal(t, 2*time.Second, p.MaxDelay.Std())

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"base_delay":"250ms"`)
}

func TestDuration_Invalid(t *testing.T) {
	var p RetryPolicy
	err := json.Unmarshal([]byte(`{"base_delay":"soon"}`), &p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "soon")
}

func TestRetryPolicy_Attempts(t *testing.T) {
	var nilPolicy *RetryPolicy
	assert.Equal(t, 1, nilPolicy.Attempts())
	assert.Equal(t, 1, (&RetryPolicy{Strategy: RetryNone, MaxAttempts: 5}).Attempts())
	assert.Equal(t, 1, (&RetryPolicy{Strategy: RetryFixedDelay}).Attempts())
	assert.Equal(t, 5, (&RetryPolicy{Strategy: RetryExponentialBackoff, MaxAttempts: 5}).Attempts())
}

func TestRetryStrategy_Valid(t *testing.T) {
	assert.True(t, RetryExponentialBackoffJitter.Valid())
	assert.False(t, RetryStrategy("LINEAR").Valid())
}

func TestStepState_Settled(t *testing.T) {
	assert.True(t, StepRetryScheduled.Settled())
	assert.True(t, StepSkipped.Settled())
	assert.False(t, StepRetryScheduled.Terminal())
	assert.False(t, StepReady.Settled())
	assert.False(t, StepRunning.Settled())
}

func TestAggregateStatus(t *testing.T) {
	tests := []struct {
		name    string
		states  []StepState
		running bool
		paused  bool
		want    PlanStatus
	}{
		{"untouched", []StepState{StepPending, StepPending}, false, false, PlanPending},
		{"in flight", []StepState{StepCompleted, StepRunning}, true, false, PlanRunning},
		{"paused", []StepState{StepCompleted, StepPending}, true, true, PlanPaused},
		{"all completed", []StepState{StepCompleted, StepCompleted}, false, false, PlanCompleted},
		{"guard skip still completes", []StepState{StepCompleted, StepSkipped}, false, false, PlanCompleted},
		{"failure cascades", []StepState{StepCompleted, StepFailed, StepSkipped}, false, false, PlanFailed},
		{"cancel wins", []StepState{StepFailed, StepCancelled}, false, false, PlanCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AggregateStatus(tt.states, tt.running, tt.paused))
		})
	}
}
