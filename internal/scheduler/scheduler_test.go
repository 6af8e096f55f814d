package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/pkg/schema"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	names []string
	fail  error
}

func (f *fakeSubmitter) Submit(_ context.Context, def *schema.PlanDefinition) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	f.names = append(f.names, def.Name)
	return fmt.Sprintf("plan-%d", len(f.names)), nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.names)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestScheduler(sub Submitter) (*Scheduler, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)}
	s := New(sub)
	s.now = c.now
	return s, c
}

func plan(name string) schema.PlanDefinition {
	return schema.PlanDefinition{Name: name, Steps: []schema.StepDefinition{{ID: "a", Agent: "x"}}}
}

func TestCalculateNextRun(t *testing.T) {
	s := New(&fakeSubmitter{})
	from := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

	cases := map[string]time.Time{
		"*/5 * * * *": time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC),
		"0 * * * *":   time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC),
		"@daily":      time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		"@every 90s":  from.Add(90 * time.Second),
	}
	for expr, want := range cases {
		got, err := s.CalculateNextRun(expr, from)
		require.NoError(t, err, expr)
		assert.Equal(t, want, got, expr)
	}

	_, err := s.CalculateNextRun("every tuesday", from)
	assert.Error(t, err)
}

func TestAdd_RejectsBadCron(t *testing.T) {
	s, _ := newTestScheduler(&fakeSubmitter{})
	_, err := s.Add("61 * * * *", plan("p"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	assert.Empty(t, s.Jobs())
}

func TestTick_SubmitsDueJobsOnce(t *testing.T) {
	sub := &fakeSubmitter{}
	s, c := newTestScheduler(sub)
	ctx := context.Background()

	id, err := s.Add("*/5 * * * *", plan("digest"))
	require.NoError(t, err)

	s.tick(ctx)
	assert.Zero(t, sub.count(), "not due yet")

	c.advance(5 * time.Minute)
	s.tick(ctx)
	s.tick(ctx)
	assert.Equal(t, 1, sub.count())

	job, err := s.Job(id)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, job.LastStatus)
	assert.Equal(t, "plan-1", job.LastPlanID)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC), job.NextRunAt)
}

func TestTick_MissedRunsCollapse(t *testing.T) {
	sub := &fakeSubmitter{}
	s, c := newTestScheduler(sub)

	_, err := s.Add("* * * * *", plan("minutely"))
	require.NoError(t, err)

	c.advance(time.Hour)
	s.tick(context.Background())
	assert.Equal(t, 1, sub.count())
}

func TestTick_SubmitErrorRecorded(t *testing.T) {
	sub := &fakeSubmitter{fail: errors.New("validation failed")}
	s, c := newTestScheduler(sub)

	id, err := s.Add("@every 1m", plan("broken"))
	require.NoError(t, err)
	c.advance(time.Minute)
	s.tick(context.Background())

	job, err := s.Job(id)
	require.NoError(t, err)
	assert.Equal(t, StatusError, job.LastStatus)
	assert.Contains(t, job.LastError, "validation failed")
	assert.True(t, job.Enabled, "one failed submission does not disable the job")
	assert.True(t, job.NextRunAt.After(c.now()))
}

func TestEnableDisableRemove(t *testing.T) {
	sub := &fakeSubmitter{}
	s, c := newTestScheduler(sub)

	id, err := s.Add("@every 1m", plan("p"))
	require.NoError(t, err)
	require.NoError(t, s.SetEnabled(id, false))

	c.advance(10 * time.Minute)
	s.tick(context.Background())
	assert.Zero(t, sub.count())

	require.NoError(t, s.SetEnabled(id, true))
	job, _ := s.Job(id)
	assert.Equal(t, c.now().Add(time.Minute), job.NextRunAt, "next run is recomputed from now")

	require.NoError(t, s.Remove(id))
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(s.Remove(id)))
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(s.SetEnabled(id, true)))
	_, err = s.Job(id)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestJobs_OrderedByNextRun(t *testing.T) {
	s, _ := newTestScheduler(&fakeSubmitter{})
	_, err := s.Add("@hourly", plan("hourly"))
	require.NoError(t, err)
	_, err = s.Add("*/5 * * * *", plan("five"))
	require.NoError(t, err)

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "five", jobs[0].Definition.Name)
	assert.Equal(t, "hourly", jobs[1].Definition.Name)
}

func TestStartStop(t *testing.T) {
	sub := &fakeSubmitter{}
	s := New(sub, WithInterval(5*time.Millisecond))
	_, err := s.Add("@every 1s", plan("p"))
	require.NoError(t, err)
	// make it due immediately
	for _, j := range s.jobs {
		j.NextRunAt = time.Now().UTC().Add(-time.Second)
	}

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return sub.count() >= 1 }, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
}

func TestStopRightAfterStart(t *testing.T) {
	s := New(&fakeSubmitter{}, WithInterval(time.Hour))
	for i := 0; i < 200; i++ {
		require.NoError(t, s.Start(context.Background()))
		s.Stop()
	}
	// Restartable after a stop.
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}
