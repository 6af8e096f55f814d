package orchestra

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/pkg/schema"
)

func TestRestartRecoversInterruptedPlan(t *testing.T) {
	cfg := testConfig()
	cfg.DSN = "file:" + filepath.Join(t.TempDir(), "orchestra.db")
	ctx := context.Background()

	def := &schema.PlanDefinition{
		Name: "interrupted",
		Steps: []schema.StepDefinition{
			{ID: "prep", Agent: "echo"},
			{ID: "work", Agent: "work", DependsOn: []string{"prep"}},
		},
	}

	// First process: "work" starts and is cut off by Close.
	first, err := Open(ctx, cfg, WithAgent("echo", echo()), WithAgent("work", gate(make(chan struct{}))))
	require.NoError(t, err)
	_, err = first.Start(ctx)
	require.NoError(t, err)

	id, err := first.SubmitPlan(ctx, def)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := first.GetPlanStatus(ctx, id)
		if err != nil {
			return false
		}
		for _, s := range st.Steps {
			if s.ID == "work" {
				return s.State == schema.StepRunning
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, first.Close(closeCtx))

	// Second process on the same database.
	second, err := Open(ctx, cfg, WithAgent("echo", echo()), WithAgent("work", echo()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close(context.Background()) })

	ids, err := second.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)

	rep := waitPlan(t, second, id)
	assert.Equal(t, schema.PlanCompleted, rep.Status)

	states := func(stepID string) []string {
		entries, err := second.GetStepHistory(ctx, id, stepID)
		require.NoError(t, err)
		out := make([]string, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.ToState)
		}
		return out
	}
	assert.Equal(t, []string{"READY", "RUNNING", "READY", "RUNNING", "COMPLETED"}, states("work"))
	assert.Equal(t, []string{"READY", "RUNNING", "COMPLETED"}, states("prep"))
}
