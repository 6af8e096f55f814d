package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/internal/dispatch"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/pkg/agent"
	"github.com/rendis/orchestra/pkg/schema"
)

// --- helpers ---

func newTestEngine(t *testing.T, st store.Store, d *dispatch.Dispatcher, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithRetryHandler(NewRetryHandler(SeededRNG(t.Name())))}, opts...)
	e := New(st, d, Config{MaxWorkers: 8}, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}

func echoAgent() agent.Agent {
	return agent.Func(func(ctx context.Context, in agent.StepInput) (*agent.StepResult, error) {
		return agent.Succeeded(map[string]any{"step": in.StepID, "attempt": in.Attempt})
	})
}

func wait(t *testing.T, e *Engine, planID string) *PlanReport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rep, err := e.Wait(ctx, planID)
	require.NoError(t, err)
	return rep
}

func stepStates(t *testing.T, st store.Store, planID string) map[string]schema.StepState {
	t.Helper()
	steps, err := st.ListSteps(context.Background(), planID)
	require.NoError(t, err)
	out := make(map[string]schema.StepState, len(steps))
	for _, s := range steps {
		out[s.ID] = s.State
	}
	return out
}

func history(t *testing.T, e *Engine, planID, stepID string) []string {
	t.Helper()
	entries, err := e.History(context.Background(), planID, stepID)
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, en := range entries {
		out = append(out, en.ToState)
	}
	return out
}

func waitForState(t *testing.T, st store.Store, planID, stepID string, want schema.StepState) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := st.GetStep(context.Background(), planID, stepID)
		return err == nil && s.State == want
	}, 5*time.Second, 5*time.Millisecond, "step %s never reached %s", stepID, want)
}

func noRetry() *schema.RetryPolicy { return &schema.RetryPolicy{Strategy: schema.RetryNone} }

func fixedRetry(attempts int) *schema.RetryPolicy {
	return &schema.RetryPolicy{
		Strategy:    schema.RetryFixedDelay,
		MaxAttempts: attempts,
		BaseDelay:   schema.Duration(5 * time.Millisecond),
	}
}

// sixStepPlan: 1 <- 2 <- {3, 4} <- 5 <- 6, each step on its own agent.
func sixStepPlan() *schema.PlanDefinition {
	return &schema.PlanDefinition{
		Name: "research",
		Steps: []schema.StepDefinition{
			{ID: "1", Agent: "search"},
			{ID: "2", Agent: "rank", DependsOn: []string{"1"}},
			{ID: "3", Agent: "check", DependsOn: []string{"2"}},
			{ID: "4", Agent: "tag", DependsOn: []string{"2"}},
			{ID: "5", Agent: "summarize", DependsOn: []string{"3", "4"}},
			{ID: "6", Agent: "publish", DependsOn: []string{"5"}},
		},
		DefaultRetry: noRetry(),
	}
}

// --- scenarios ---

func TestEngine_ScenarioA_WavesAndParallelism(t *testing.T) {
	st := store.NewMemoryStore()
	d := dispatch.New()

	// 3 and 4 meet at a barrier: the plan only finishes if they overlap.
	var arrived sync.WaitGroup
	arrived.Add(2)
	barrier := agent.Func(func(ctx context.Context, in agent.StepInput) (*agent.StepResult, error) {
		arrived.Done()
		done := make(chan struct{})
		go func() { arrived.Wait(); close(done) }()
		select {
		case <-done:
			return agent.Succeeded(in.StepID)
		case <-time.After(2 * time.Second):
			return nil, errors.New("sibling never started")
		}
	})
	d.MustRegister("search", echoAgent())
	d.MustRegister("rank", echoAgent())
	d.MustRegister("check", barrier)
	d.MustRegister("tag", barrier)
	d.MustRegister("summarize", echoAgent())
	d.MustRegister("publish", echoAgent())

	e := newTestEngine(t, st, d)
	id, err := e.Submit(context.Background(), sixStepPlan())
	require.NoError(t, err)

	rep := wait(t, e, id)
	assert.Equal(t, schema.PlanCompleted, rep.Status)
	for sid, s := range stepStates(t, st, id) {
		assert.Equal(t, schema.StepCompleted, s, sid)
	}

	// No step starts before every step of the previous wave has completed.
	log, err := e.History(context.Background(), id, "")
	require.NoError(t, err)
	waves, err := BuildWaves(sixStepPlan().Steps)
	require.NoError(t, err)
	require.Equal(t, [][]string{{"1"}, {"2"}, {"3", "4"}, {"5"}, {"6"}}, waves.Levels)
	completedAt := map[string]int64{}
	startedAt := map[string]int64{}
	for _, en := range log {
		switch en.ToState {
		case string(schema.StepCompleted):
			completedAt[en.StepID] = en.Sequence
		case string(schema.StepRunning):
			startedAt[en.StepID] = en.Sequence
		}
	}
	for w := 1; w < len(waves.Levels); w++ {
		for _, later := range waves.Levels[w] {
			for _, earlier := range waves.Levels[w-1] {
				assert.Greater(t, startedAt[later], completedAt[earlier], "%s started before %s completed", later, earlier)
			}
		}
	}
	assert.Greater(t, rep.ParallelEfficiency, 0.0)
}

func TestEngine_ScenarioB_FailureSkipsDependents(t *testing.T) {
	st := store.NewMemoryStore()
	d := dispatch.New()
	var rankCalls int64
	d.MustRegister("search", echoAgent())
	d.MustRegister("rank", agent.Func(func(ctx context.Context, in agent.StepInput) (*agent.StepResult, error) {
		atomic.AddInt64(&rankCalls, 1)
		return nil, errors.New("index unavailable")
	}))
	for _, name := range []string{"check", "tag", "summarize", "publish"} {
		d.MustRegister(name, echoAgent())
	}

	e := newTestEngine(t, st, d)
	id, err := e.Submit(context.Background(), sixStepPlan())
	require.NoError(t, err)

	rep := wait(t, e, id)
	assert.Equal(t, schema.PlanFailed, rep.Status)
	assert.Equal(t, map[string]schema.StepState{
		"1": schema.StepCompleted,
		"2": schema.StepFailed,
		"3": schema.StepSkipped,
		"4": schema.StepSkipped,
		"5": schema.StepSkipped,
		"6": schema.StepSkipped,
	}, stepStates(t, st, id))
	assert.Equal(t, int64(1), atomic.LoadInt64(&rankCalls))
	assert.Equal(t, []string{"READY", "RUNNING", "FAILED"}, history(t, e, id, "2"))

	for _, sid := range []string{"3", "4", "5", "6"} {
		log, err := e.History(context.Background(), id, sid)
		require.NoError(t, err)
		require.Len(t, log, 1, sid)
		assert.Equal(t, string(schema.StepSkipped), log[0].ToState)
		assert.Equal(t, "ancestor 2 failed", log[0].Detail, sid)
	}
}

func TestEngine_RetryThenSuccess(t *testing.T) {
	st := store.NewMemoryStore()
	d := dispatch.New()
	var calls int64
	d.MustRegister("flaky", agent.Func(func(ctx context.Context, in agent.StepInput) (*agent.StepResult, error) {
		if atomic.AddInt64(&calls, 1) < 3 {
			return nil, errors.New("upstream 503")
		}
		return agent.Succeeded("ok")
	}))

	e := newTestEngine(t, st, d)
	id, err := e.Submit(context.Background(), &schema.PlanDefinition{
		Name:  "flaky",
		Steps: []schema.StepDefinition{{ID: "fetch", Agent: "flaky", Retry: fixedRetry(3)}},
	})
	require.NoError(t, err)

	rep := wait(t, e, id)
	assert.Equal(t, schema.PlanCompleted, rep.Status)
	assert.Equal(t, []string{"READY", "RUNNING", "RETRY_SCHEDULED", "RUNNING", "RETRY_SCHEDULED", "RUNNING", "COMPLETED"},
		history(t, e, id, "fetch"))

	s, err := st.GetStep(context.Background(), id, "fetch")
	require.NoError(t, err)
	assert.Equal(t, 3, s.AttemptCount)
	assert.Equal(t, 3, s.MaxAttempts)
	assert.Equal(t, 3, rep.Steps["fetch"].Attempts)
}

func TestEngine_RetryCountProperty(t *testing.T) {
	for n := 1; n <= 4; n++ {
		t.Run(fmt.Sprintf("max_attempts=%d", n), func(t *testing.T) {
			st := store.NewMemoryStore()
			d := dispatch.New(dispatch.WithBreakers(dispatch.NewBreakers(dispatch.BreakerConfig{})))
			d.MustRegister("broken", agent.Func(func(ctx context.Context, in agent.StepInput) (*agent.StepResult, error) {
				return agent.Failed(agent.Retryable, "UPSTREAM", "always down"), nil
			}))

			e := newTestEngine(t, st, d)
			id, err := e.Submit(context.Background(), &schema.PlanDefinition{
				Name:  "broken",
				Steps: []schema.StepDefinition{{ID: "s", Agent: "broken", Retry: fixedRetry(n)}},
			})
			require.NoError(t, err)
			rep := wait(t, e, id)
			assert.Equal(t, schema.PlanFailed, rep.Status)

			counts := map[string]int{}
			for _, to := range history(t, e, id, "s") {
				counts[to]++
			}
			assert.Equal(t, n, counts["RUNNING"])
			assert.Equal(t, n-1, counts["RETRY_SCHEDULED"])
			assert.Equal(t, 1, counts["FAILED"])

			s, err := st.GetStep(context.Background(), id, "s")
			require.NoError(t, err)
			assert.Equal(t, n, s.AttemptCount)
		})
	}
}

func TestEngine_ScenarioC_UnknownAgent(t *testing.T) {
	st := store.NewMemoryStore()
	d := dispatch.New()
	d.MustRegister("search", echoAgent())

	e := newTestEngine(t, st, d)
	backoff := &schema.RetryPolicy{
		Strategy:    schema.RetryExponentialBackoff,
		MaxAttempts: 5,
		BaseDelay:   schema.Duration(5 * time.Millisecond),
	}
	id, err := e.Submit(context.Background(), &schema.PlanDefinition{
		Name:         "misrouted",
		DefaultRetry: backoff,
		Steps: []schema.StepDefinition{
			{ID: "lookup", Agent: "ghost", Retry: backoff},
			{ID: "use", Agent: "search", DependsOn: []string{"lookup"}},
			{ID: "then", Agent: "search", DependsOn: []string{"use"}},
			{ID: "side", Agent: "search"},
		},
	})
	require.NoError(t, err)

	rep := wait(t, e, id)
	assert.Equal(t, schema.PlanFailed, rep.Status)
	assert.Equal(t, map[string]schema.StepState{
		"lookup": schema.StepFailed,
		"use":    schema.StepSkipped,
		"then":   schema.StepSkipped,
		"side":   schema.StepCompleted,
	}, stepStates(t, st, id))

	s, err := st.GetStep(context.Background(), id, "lookup")
	require.NoError(t, err)
	assert.Zero(t, s.AttemptCount)
	assert.Equal(t, []string{"READY", "FAILED"}, history(t, e, id, "lookup"))

	var res agent.StepResult
	require.NoError(t, json.Unmarshal(s.Result, &res))
	assert.Equal(t, schema.ErrCodeUnknownAgent, res.Error.Code)

	log, err := e.History(context.Background(), id, "then")
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, "ancestor lookup failed", log[0].Detail)

	plan, err := st.GetPlan(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, plan.Error, "lookup")
}

func TestEngine_FatalErrorSkipsRetry(t *testing.T) {
	st := store.NewMemoryStore()
	d := dispatch.New()
	var calls int64
	d.MustRegister("strict", agent.Func(func(ctx context.Context, in agent.StepInput) (*agent.StepResult, error) {
		atomic.AddInt64(&calls, 1)
		return nil, agent.FatalError(errors.New("malformed request"))
	}))

	e := newTestEngine(t, st, d)
	id, err := e.Submit(context.Background(), &schema.PlanDefinition{
		Name:  "strict",
		Steps: []schema.StepDefinition{{ID: "s", Agent: "strict", Retry: fixedRetry(5)}},
	})
	require.NoError(t, err)

	rep := wait(t, e, id)
	assert.Equal(t, schema.PlanFailed, rep.Status)
	assert.EqualValues(t, 1, atomic.LoadInt64(&calls))
	assert.Equal(t, []string{"READY", "RUNNING", "FAILED"}, history(t, e, id, "s"))
}

func TestEngine_StepTimeout(t *testing.T) {
	st := store.NewMemoryStore()
	d := dispatch.New()
	d.MustRegister("slow", agent.Func(func(ctx context.Context, in agent.StepInput) (*agent.StepResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	e := newTestEngine(t, st, d)
	id, err := e.Submit(context.Background(), &schema.PlanDefinition{
		Name: "slow",
		Steps: []schema.StepDefinition{{
			ID: "s", Agent: "slow", Retry: noRetry(), Timeout: schema.Duration(20 * time.Millisecond),
		}},
	})
	require.NoError(t, err)

	rep := wait(t, e, id)
	assert.Equal(t, schema.PlanFailed, rep.Status)

	s, err := st.GetStep(context.Background(), id, "s")
	require.NoError(t, err)
	var res agent.StepResult
	require.NoError(t, json.Unmarshal(s.Result, &res))
	assert.Equal(t, schema.ErrCodeTimeout, res.Error.Code)
}

func TestEngine_DependencyPayloadsReachDependents(t *testing.T) {
	st := store.NewMemoryStore()
	d := dispatch.New()
	d.MustRegister("produce", agent.Func(func(ctx context.Context, in agent.StepInput) (*agent.StepResult, error) {
		return agent.Succeeded(map[string]int{"n": 42})
	}))
	var got atomic.Value
	d.MustRegister("consume", agent.Func(func(ctx context.Context, in agent.StepInput) (*agent.StepResult, error) {
		got.Store(string(in.Dependencies["a"]))
		return agent.Succeeded(nil)
	}))

	e := newTestEngine(t, st, d)
	id, err := e.Submit(context.Background(), &schema.PlanDefinition{
		Name: "pipe",
		Steps: []schema.StepDefinition{
			{ID: "a", Agent: "produce"},
			{ID: "b", Agent: "consume", DependsOn: []string{"a"}, Params: map[string]any{"k": "v"}},
		},
	})
	require.NoError(t, err)
	wait(t, e, id)
	assert.JSONEq(t, `{"n":42}`, got.Load().(string))
}

func TestEngine_Cancel(t *testing.T) {
	st := store.NewMemoryStore()
	d := dispatch.New()
	sawCancel := make(chan struct{})
	d.MustRegister("block", agent.Func(func(ctx context.Context, in agent.StepInput) (*agent.StepResult, error) {
		<-ctx.Done()
		close(sawCancel)
		return nil, ctx.Err()
	}))
	d.MustRegister("echo", echoAgent())

	e := newTestEngine(t, st, d)
	id, err := e.Submit(context.Background(), &schema.PlanDefinition{
		Name: "cancel-me",
		Steps: []schema.StepDefinition{
			{ID: "first", Agent: "block"},
			{ID: "second", Agent: "echo", DependsOn: []string{"first"}},
		},
	})
	require.NoError(t, err)
	waitForState(t, st, id, "first", schema.StepRunning)

	require.NoError(t, e.Cancel(context.Background(), id))
	rep := wait(t, e, id)

	assert.Equal(t, schema.PlanCancelled, rep.Status)
	assert.Equal(t, map[string]schema.StepState{
		"first":  schema.StepCancelled,
		"second": schema.StepCancelled,
	}, stepStates(t, st, id))
	select {
	case <-sawCancel:
	default:
		t.Fatal("agent was not signalled")
	}

	err = e.Cancel(context.Background(), id)
	assertCode(t, err, schema.ErrCodeConflict)
}

func TestEngine_PauseResume(t *testing.T) {
	st := store.NewMemoryStore()
	d := dispatch.New()
	release := make(chan struct{})
	d.MustRegister("gate", agent.Func(func(ctx context.Context, in agent.StepInput) (*agent.StepResult, error) {
		<-release
		return agent.Succeeded("opened")
	}))
	d.MustRegister("echo", echoAgent())

	e := newTestEngine(t, st, d)
	id, err := e.Submit(context.Background(), &schema.PlanDefinition{
		Name: "pausable",
		Steps: []schema.StepDefinition{
			{ID: "first", Agent: "gate"},
			{ID: "second", Agent: "echo", DependsOn: []string{"first"}},
		},
	})
	require.NoError(t, err)
	waitForState(t, st, id, "first", schema.StepRunning)

	require.NoError(t, e.Pause(context.Background(), id))
	close(release)

	require.Eventually(t, func() bool {
		p, err := st.GetPlan(context.Background(), id)
		return err == nil && p.Status == schema.PlanPaused
	}, 5*time.Second, 5*time.Millisecond)

	// The running step finished; the next wave waits.
	states := stepStates(t, st, id)
	assert.Equal(t, schema.StepCompleted, states["first"])
	assert.Equal(t, schema.StepPending, states["second"])

	require.NoError(t, e.Resume(context.Background(), id))
	rep := wait(t, e, id)
	assert.Equal(t, schema.PlanCompleted, rep.Status)

	var planLog []string
	log, err := e.History(context.Background(), id, "")
	require.NoError(t, err)
	for _, en := range log {
		if en.StepID == "" {
			planLog = append(planLog, en.ToState)
		}
	}
	assert.Equal(t, []string{"PENDING", "RUNNING", "PAUSED", "RUNNING", "COMPLETED"}, planLog)
}

// failingStore fails the first commit that moves a step into failOn.
type failingStore struct {
	store.Store
	failOn schema.StepState
	failed atomic.Bool
}

func (f *failingStore) CommitTransition(ctx context.Context, entry *store.LogEntry, update store.StepUpdate) error {
	if entry.ToState == string(f.failOn) && f.failed.CompareAndSwap(false, true) {
		return errors.New("disk full")
	}
	return f.Store.CommitTransition(ctx, entry, update)
}

func TestEngine_PersistenceFailureHaltsRun(t *testing.T) {
	st := &failingStore{Store: store.NewMemoryStore(), failOn: schema.StepCompleted}
	d := dispatch.New()
	d.MustRegister("echo", echoAgent())

	e := newTestEngine(t, st, d)
	id, err := e.Submit(context.Background(), &schema.PlanDefinition{
		Name: "doomed",
		Steps: []schema.StepDefinition{
			{ID: "a", Agent: "echo"},
			{ID: "b", Agent: "echo", DependsOn: []string{"a"}},
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = e.Wait(ctx, id)
	assertCode(t, err, schema.ErrCodePersistence)

	// Nothing after the failed commit was written.
	states := stepStates(t, st, id)
	assert.Equal(t, schema.StepRunning, states["a"])
	assert.Equal(t, schema.StepPending, states["b"])
	plan, err := st.GetPlan(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.PlanRunning, plan.Status)
}

func TestEngine_ScenarioD_RecoverAfterCrash(t *testing.T) {
	st := store.NewMemoryStore()

	// First process: the step starts and never returns.
	d1 := dispatch.New()
	started := make(chan struct{})
	d1.MustRegister("work", agent.Func(func(ctx context.Context, in agent.StepInput) (*agent.StepResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	d1.MustRegister("prep", echoAgent())
	e1 := New(st, d1, Config{MaxWorkers: 2})
	id, err := e1.Submit(context.Background(), &schema.PlanDefinition{
		Name: "interrupted",
		Steps: []schema.StepDefinition{
			{ID: "done", Agent: "prep"},
			{ID: "s", Agent: "work", DependsOn: []string{"done"}},
		},
	})
	require.NoError(t, err)

	<-started
	waitForState(t, st, id, "s", schema.StepRunning)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e1.Close(ctx))

	assert.Equal(t, schema.StepRunning, stepStates(t, st, id)["s"], "a crash leaves the step RUNNING")

	// Second process.
	d2 := dispatch.New()
	d2.MustRegister("work", echoAgent())
	d2.MustRegister("prep", echoAgent())
	e2 := newTestEngine(t, st, d2)

	ids, err := e2.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)
	assert.Equal(t, schema.StepReady, stepStates(t, st, id)["s"])

	require.NoError(t, e2.Resume(context.Background(), id))
	rep := wait(t, e2, id)
	assert.Equal(t, schema.PlanCompleted, rep.Status)
	assert.Equal(t, []string{"READY", "RUNNING", "READY", "RUNNING", "COMPLETED"}, history(t, e2, id, "s"))

	s, err := st.GetStep(context.Background(), id, "s")
	require.NoError(t, err)
	assert.Equal(t, 2, s.AttemptCount)
	// The already-completed step did not run again.
	assert.Equal(t, []string{"READY", "RUNNING", "COMPLETED"}, history(t, e2, id, "done"))
}

func TestEngine_ReplayMatchesStepRows(t *testing.T) {
	st := store.NewMemoryStore()
	d := dispatch.New(dispatch.WithBreakers(dispatch.NewBreakers(dispatch.BreakerConfig{})))
	var calls int64
	d.MustRegister("flaky", agent.Func(func(ctx context.Context, in agent.StepInput) (*agent.StepResult, error) {
		if atomic.AddInt64(&calls, 1)%2 == 1 {
			return nil, errors.New("transient")
		}
		return agent.Succeeded("ok")
	}))
	d.MustRegister("broken", agent.Func(func(ctx context.Context, in agent.StepInput) (*agent.StepResult, error) {
		return nil, errors.New("always")
	}))

	e := newTestEngine(t, st, d)
	id, err := e.Submit(context.Background(), &schema.PlanDefinition{
		Name: "mixed",
		Steps: []schema.StepDefinition{
			{ID: "a", Agent: "flaky", Retry: fixedRetry(3)},
			{ID: "b", Agent: "broken", Retry: fixedRetry(2)},
			{ID: "c", Agent: "flaky", DependsOn: []string{"a"}, Retry: fixedRetry(3)},
			{ID: "d", Agent: "flaky", DependsOn: []string{"b"}},
		},
	})
	require.NoError(t, err)
	wait(t, e, id)

	steps, err := st.ListSteps(context.Background(), id)
	require.NoError(t, err)
	log, err := st.GetLog(context.Background(), id, "")
	require.NoError(t, err)

	replayed, err := store.Replay(steps, log)
	require.NoError(t, err)
	for _, s := range steps {
		assert.Equal(t, s.State, replayed[s.ID].State, s.ID)
		assert.Equal(t, s.AttemptCount, replayed[s.ID].Attempts, s.ID)
	}
}

type staticGuards map[string]bool

func (g staticGuards) Evaluate(_ context.Context, expr string, _ map[string]any) (bool, error) {
	v, ok := g[expr]
	if !ok {
		return false, errors.New("unknown expression")
	}
	return v, nil
}

func TestEngine_ConditionGuards(t *testing.T) {
	st := store.NewMemoryStore()
	d := dispatch.New()
	d.MustRegister("echo", echoAgent())

	e := newTestEngine(t, st, d, WithGuards(staticGuards{"yes": true, "no": false}))
	id, err := e.Submit(context.Background(), &schema.PlanDefinition{
		Name: "guarded",
		Steps: []schema.StepDefinition{
			{ID: "run", Agent: "echo", Condition: "yes"},
			{ID: "skip", Agent: "echo", Condition: "no"},
			{ID: "after-skip", Agent: "echo", DependsOn: []string{"skip"}},
			{ID: "broken", Agent: "echo", Condition: "???"},
		},
	})
	require.NoError(t, err)
	rep := wait(t, e, id)

	assert.Equal(t, schema.PlanFailed, rep.Status)
	assert.Equal(t, map[string]schema.StepState{
		"run":        schema.StepCompleted,
		"skip":       schema.StepSkipped,
		"after-skip": schema.StepSkipped,
		"broken":     schema.StepFailed,
	}, stepStates(t, st, id))

	log, err := e.History(context.Background(), id, "after-skip")
	require.NoError(t, err)
	assert.Equal(t, "ancestor skip skipped", log[0].Detail)
}

func TestEngine_QualityAndMockReporting(t *testing.T) {
	st := store.NewMemoryStore()
	d := dispatch.New()
	score := func(q float64) agent.Agent {
		return agent.Func(func(ctx context.Context, in agent.StepInput) (*agent.StepResult, error) {
			return &agent.StepResult{Success: true, QualityScore: &q}, nil
		})
	}
	d.MustRegister("good", score(0.9))
	d.MustRegister("poor", score(0.3))
	q := 0.5
	d.MustRegister("mock", &agent.Mock{Payload: "canned", QualityScore: &q})

	e := newTestEngine(t, st, d)
	id, err := e.Submit(context.Background(), &schema.PlanDefinition{
		Name: "scored",
		Steps: []schema.StepDefinition{
			{ID: "a", Agent: "good", QualityWeight: 3},
			{ID: "b", Agent: "poor"},
			{ID: "m", Agent: "mock"},
		},
	})
	require.NoError(t, err)
	rep := wait(t, e, id)

	require.NotNil(t, rep.QualityScore)
	assert.InDelta(t, (0.9*3+0.3+0.5)/5, *rep.QualityScore, 1e-9)
	assert.Equal(t, []string{"m"}, rep.MockSteps())

	// A finished plan's report can be rebuilt from the store.
	again := wait(t, e, id)
	require.NotNil(t, again.QualityScore)
	assert.InDelta(t, *rep.QualityScore, *again.QualityScore, 1e-9)
	assert.Equal(t, schema.PlanCompleted, again.Status)
}

type rejectAll struct{}

func (rejectAll) Validate(context.Context, *schema.PlanDefinition) *schema.ValidationResult {
	r := &schema.ValidationResult{}
	r.AddError("steps[0].agent", schema.ErrCodeValidation, "nope")
	return r
}

func TestEngine_SubmitRejectsBeforeWriting(t *testing.T) {
	st := store.NewMemoryStore()
	d := dispatch.New()

	e := newTestEngine(t, st, d, WithValidator(rejectAll{}))
	_, err := e.Submit(context.Background(), sixStepPlan())
	assertCode(t, err, schema.ErrCodeValidation)

	e2 := newTestEngine(t, st, d)
	_, err = e2.Submit(context.Background(), &schema.PlanDefinition{
		Name:  "loop",
		Steps: []schema.StepDefinition{step("a", "b"), step("b", "a")},
	})
	assertCode(t, err, schema.ErrCodeCycleDetected)

	plans, err := st.ListPlans(context.Background(), store.PlanFilter{})
	require.NoError(t, err)
	assert.Empty(t, plans)
}

func TestEngine_UnknownPlan(t *testing.T) {
	e := newTestEngine(t, store.NewMemoryStore(), dispatch.New())
	ctx := context.Background()

	_, err := e.Wait(ctx, "missing")
	assertCode(t, err, schema.ErrCodeNotFound)
	_, err = e.Status(ctx, "missing")
	assertCode(t, err, schema.ErrCodeNotFound)
	_, err = e.History(ctx, "missing", "")
	assertCode(t, err, schema.ErrCodeNotFound)
	assertCode(t, e.Cancel(ctx, "missing"), schema.ErrCodeNotFound)
}

func TestEngine_StatusAndHistory(t *testing.T) {
	st := store.NewMemoryStore()
	d := dispatch.New()
	d.MustRegister("echo", echoAgent())

	e := newTestEngine(t, st, d)
	id, err := e.Submit(context.Background(), &schema.PlanDefinition{
		Name:  "tiny",
		Steps: []schema.StepDefinition{{ID: "only", Agent: "echo"}},
	})
	require.NoError(t, err)
	wait(t, e, id)

	ps, err := e.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.PlanCompleted, ps.Plan.Status)
	assert.False(t, ps.Active)
	require.Len(t, ps.Steps, 1)
	assert.Equal(t, schema.StepCompleted, ps.Steps[0].State)

	all, err := e.History(context.Background(), id, "")
	require.NoError(t, err)
	for i, en := range all {
		assert.EqualValues(t, i+1, en.Sequence, "sequence is dense")
	}
	assert.Equal(t, "submitted", all[0].Detail)

	_, err = e.History(context.Background(), id, "nope")
	assertCode(t, err, schema.ErrCodeNotFound)
}
