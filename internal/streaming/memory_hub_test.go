package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/internal/store"
)

func recv(t *testing.T, ch <-chan TransitionEvent) TransitionEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return TransitionEvent{}
}

func assertNothing(t *testing.T, ch <-chan TransitionEvent) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	ev := TransitionEvent{PlanID: "p1", StepID: "s1", From: "READY", To: "RUNNING", Sequence: 3}
	require.NoError(t, hub.Publish(ctx, ev))
	assert.Equal(t, ev, recv(t, ch))
}

func TestFilters(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	byPlan, c1, _ := hub.Subscribe(ctx, Filter{PlanID: "p1"})
	defer c1()
	byStep, c2, _ := hub.Subscribe(ctx, Filter{PlanID: "p1", StepID: "s2"})
	defer c2()
	byState, c3, _ := hub.Subscribe(ctx, Filter{States: []string{"FAILED", "COMPLETED"}})
	defer c3()

	events := []TransitionEvent{
		{PlanID: "p1", StepID: "s1", From: "RUNNING", To: "COMPLETED"},
		{PlanID: "p2", StepID: "s2", From: "RUNNING", To: "FAILED"},
		{PlanID: "p1", StepID: "s2", From: "READY", To: "RUNNING"},
	}
	for _, ev := range events {
		require.NoError(t, hub.Publish(ctx, ev))
	}

	assert.Equal(t, "s1", recv(t, byPlan).StepID)
	assert.Equal(t, "s2", recv(t, byPlan).StepID)
	assertNothing(t, byPlan)

	assert.Equal(t, "RUNNING", recv(t, byStep).To)
	assertNothing(t, byStep)

	assert.Equal(t, "p1", recv(t, byState).PlanID)
	assert.Equal(t, "p2", recv(t, byState).PlanID)
	assertNothing(t, byState)
}

func TestUntilDoneClosesAfterTerminalPlanEvent(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{PlanID: "p1", UntilDone: true})
	require.NoError(t, err)
	defer cancel()
	stepOnly, cancel2, err := hub.Subscribe(ctx, Filter{PlanID: "p1", StepID: "s1", UntilDone: true})
	require.NoError(t, err)
	defer cancel2()

	hub.PublishEntry(store.LogEntry{PlanID: "p1", StepID: "s1", FromState: "RUNNING", ToState: "COMPLETED"})
	hub.PublishEntry(store.LogEntry{PlanID: "p2", FromState: "RUNNING", ToState: "COMPLETED"})
	hub.PublishEntry(store.LogEntry{PlanID: "p1", FromState: "RUNNING", ToState: "COMPLETED"})

	assert.Equal(t, "s1", recv(t, ch).StepID)
	last := recv(t, ch)
	assert.True(t, last.PlanDone())
	_, ok := <-ch
	assert.False(t, ok, "closed after the plan finished")

	assert.Equal(t, "s1", recv(t, stepOnly).StepID)
	_, ok = <-stepOnly
	assert.False(t, ok, "step-filtered subscription also closes")

	assert.Zero(t, hub.Subscribers())
}

func TestCancelIsIdempotent(t *testing.T) {
	hub := NewMemoryHub(0)
	ch, cancel, err := hub.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.NoError(t, hub.Publish(context.Background(), TransitionEvent{PlanID: "p"}))
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewMemoryHub(2)
	ch, cancel, err := hub.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, hub.Publish(context.Background(), TransitionEvent{Sequence: int64(i)}))
	}
	assert.Len(t, ch, 2)
	assert.EqualValues(t, 3, hub.Dropped())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, Filter{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, hub.Publish(ctx, TransitionEvent{}), context.Canceled)
}

func TestConcurrentPublishAndCancel(t *testing.T) {
	hub := NewMemoryHub(4)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		_, cancel, err := hub.Subscribe(ctx, Filter{})
		require.NoError(t, err)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = hub.Publish(ctx, TransitionEvent{PlanID: "p"})
			}
		}()
		go func() {
			defer wg.Done()
			cancel()
		}()
	}
	wg.Wait()
	assert.Zero(t, hub.Subscribers())
}
