// Package scheduler submits plans on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/orchestra/pkg/schema"
)

// DefaultInterval is how often the scheduler looks for due jobs.
const DefaultInterval = 15 * time.Second

// Submitter accepts plans. Satisfied by the engine.
type Submitter interface {
	Submit(ctx context.Context, def *schema.PlanDefinition) (string, error)
}

// Job is a recurring plan submission.
type Job struct {
	ID         string                `json:"id"`
	Cron       string                `json:"cron"`
	Definition schema.PlanDefinition `json:"definition"`
	Enabled    bool                  `json:"enabled"`
	NextRunAt  time.Time             `json:"next_run_at"`
	LastRunAt  *time.Time            `json:"last_run_at,omitempty"`
	LastStatus string                `json:"last_status,omitempty"`
	LastPlanID string                `json:"last_plan_id,omitempty"`
	LastError  string                `json:"last_error,omitempty"`
}

const (
	StatusSubmitted = "submitted"
	StatusError     = "error"
)

// Scheduler keeps jobs in memory and submits their plans when due. A job
// that misses several ticks runs once, then resumes its schedule.
type Scheduler struct {
	submitter Submitter
	parser    cron.Parser
	logger    *slog.Logger
	interval  time.Duration
	now       func() time.Time

	mu     sync.Mutex
	jobs   map[string]*Job
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) Option { return func(s *Scheduler) { s.interval = d } }

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// New creates a Scheduler. Cron expressions use the standard five fields or
// descriptors such as "@hourly" and "@every 5m".
func New(submitter Submitter, opts ...Option) *Scheduler {
	s := &Scheduler{
		submitter: submitter,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:    slog.Default(),
		interval:  DefaultInterval,
		now:       func() time.Time { return time.Now().UTC() },
		jobs:      make(map[string]*Job),
		inflight:  make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add registers a job and returns its id.
func (s *Scheduler) Add(expr string, def schema.PlanDefinition) (string, error) {
	next, err := s.CalculateNextRun(expr, s.now())
	if err != nil {
		return "", schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	job := &Job{ID: uuid.NewString(), Cron: expr, Definition: def, Enabled: true, NextRunAt: next}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	s.logger.Info("job scheduled", slog.String("job_id", job.ID), slog.String("cron", expr),
		slog.String("plan", def.Name), slog.Time("next_run_at", next))
	return job.ID, nil
}

// Remove deletes a job.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %q not found", id)
	}
	delete(s.jobs, id)
	return nil
}

// SetEnabled pauses or resumes a job. Re-enabling recomputes its next run.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %q not found", id)
	}
	if enabled && !job.Enabled {
		next, err := s.CalculateNextRun(job.Cron, s.now())
		if err != nil {
			return err
		}
		job.NextRunAt = next
	}
	job.Enabled = enabled
	return nil
}

// Job returns a copy of one job.
func (s *Scheduler) Job(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %q not found", id)
	}
	return *job, nil
}

// Jobs returns copies of all jobs ordered by next run.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool {
		if out[i].NextRunAt.Equal(out[k].NextRunAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].NextRunAt.Before(out[k].NextRunAt)
	})
	return out
}

// Start launches the polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.loop(ctx, done)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick submits every enabled job that is due.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	var due []*Job
	for _, j := range s.jobs {
		if j.Enabled && !j.NextRunAt.After(now) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		if !s.tryAcquire(j.ID) {
			continue
		}
		s.runJob(ctx, j, now)
		s.releaseJob(j.ID)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job *Job, now time.Time) {
	s.mu.Lock()
	def := job.Definition
	expr := job.Cron
	s.mu.Unlock()

	planID, err := s.submitter.Submit(ctx, &def)

	next, nerr := s.CalculateNextRun(expr, now)
	s.mu.Lock()
	defer s.mu.Unlock()
	job.LastRunAt = &now
	if nerr == nil {
		job.NextRunAt = next
	} else {
		job.Enabled = false
	}
	if err != nil {
		job.LastStatus = StatusError
		job.LastError = err.Error()
		s.logger.Error("scheduled submission failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		return
	}
	job.LastStatus = StatusSubmitted
	job.LastPlanID = planID
	job.LastError = ""
	s.logger.Info("scheduled plan submitted", slog.String("job_id", job.ID), slog.String("plan_id", planID))
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the first activation of expr after from.
func (s *Scheduler) CalculateNextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}

// Stop halts the polling loop and waits for an in-progress tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}
