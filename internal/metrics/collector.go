// Package metrics exports engine activity to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rendis/orchestra/internal/dispatch"
	"github.com/rendis/orchestra/internal/engine"
	"github.com/rendis/orchestra/pkg/schema"
)

const namespace = "orchestra"

// Collector records engine events. It implements engine.Observer.
type Collector struct {
	reg prometheus.Registerer

	stepsStarted   *prometheus.CounterVec
	stepsFinished  *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec
	retries        *prometheus.CounterVec
	retryDelay     prometheus.Histogram
	wavesOpened    prometheus.Counter
	plansFinished  *prometheus.CounterVec
	planDuration   prometheus.Histogram
	planEfficiency prometheus.Histogram
	planQuality    prometheus.Histogram
	mockSteps      prometheus.Counter
	breakerState   *prometheus.GaugeVec
}

var _ engine.Observer = (*Collector)(nil)

// NewCollector registers the engine metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		reg: reg,
		stepsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_attempts_total",
			Help:      "Step attempts dispatched to agents.",
		}, []string{"agent"}),
		stepsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_finished_total",
			Help:      "Step attempts that ended, by final state of the attempt.",
		}, []string{"agent", "state"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Agent execution time per attempt.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"agent"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_scheduled_total",
			Help:      "Retries scheduled after a failed attempt.",
		}, []string{"agent"}),
		retryDelay: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retry_delay_seconds",
			Help:      "Backoff delay chosen for scheduled retries.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		wavesOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "waves_opened_total",
			Help:      "Execution waves opened across all plans.",
		}),
		plansFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plans_finished_total",
			Help:      "Plans that reached a terminal status.",
		}, []string{"status"}),
		planDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plan_duration_seconds",
			Help:      "Wall-clock time from plan start to terminal status.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}),
		planEfficiency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plan_parallel_efficiency",
			Help:      "Sum of step durations divided by plan wall-clock time.",
			Buckets:   []float64{0.25, 0.5, 0.75, 1, 1.5, 2, 3, 4, 8, 16},
		}),
		planQuality: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plan_quality_score",
			Help:      "Weighted quality score of finished plans that reported one.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		}),
		mockSteps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mock_steps_total",
			Help:      "Completed steps whose result came from a mock or fallback agent.",
		}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state per agent (0 closed, 1 open, 2 half-open).",
		}, []string{"agent"}),
	}
}

func (c *Collector) StepStarted(agentName string) {
	c.stepsStarted.WithLabelValues(agentName).Inc()
}

func (c *Collector) StepFinished(agentName string, state schema.StepState, took time.Duration) {
	c.stepsFinished.WithLabelValues(agentName, string(state)).Inc()
	c.stepDuration.WithLabelValues(agentName).Observe(took.Seconds())
}

func (c *Collector) RetryScheduled(agentName string, delay time.Duration) {
	c.retries.WithLabelValues(agentName).Inc()
	c.retryDelay.Observe(delay.Seconds())
}

func (c *Collector) WaveOpened(string, int) { c.wavesOpened.Inc() }

func (c *Collector) PlanFinished(r *engine.PlanReport) {
	c.plansFinished.WithLabelValues(string(r.Status)).Inc()
	c.planDuration.Observe(r.Wall.Seconds())
	if r.Wall > 0 {
		c.planEfficiency.Observe(r.ParallelEfficiency)
	}
	if r.QualityScore != nil {
		c.planQuality.Observe(*r.QualityScore)
	}
	c.mockSteps.Add(float64(len(r.MockSteps())))
}

// ObserveBreakers tracks circuit state changes. It takes over
// b.OnStateChange, chaining any previous hook.
func (c *Collector) ObserveBreakers(b *dispatch.Breakers) {
	prev := b.OnStateChange
	b.OnStateChange = func(name string, from, to dispatch.CircuitState) {
		c.breakerState.WithLabelValues(name).Set(float64(to))
		if prev != nil {
			prev(name, from, to)
		}
	}
}

// ObservePool exports the worker pool counters, read at scrape time.
func (c *Collector) ObservePool(p *engine.WorkerPool) {
	gauge := func(name, help string, read func(engine.PoolMetrics) int64) {
		c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: name, Help: help,
		}, func() float64 { return float64(read(p.Metrics())) }))
	}
	counter := func(name, help string, read func(engine.PoolMetrics) int64) {
		c.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: name, Help: help,
		}, func() float64 { return float64(read(p.Metrics())) }))
	}
	gauge("size", "Maximum concurrent agent calls.", func(m engine.PoolMetrics) int64 { return m.Size })
	gauge("active", "Agent calls in progress.", func(m engine.PoolMetrics) int64 { return m.Active })
	gauge("queued", "Attempts waiting for a worker slot.", func(m engine.PoolMetrics) int64 { return m.Queued })
	counter("completed_total", "Attempts that returned without error.", func(m engine.PoolMetrics) int64 { return m.Completed })
	counter("failed_total", "Attempts that returned an error.", func(m engine.PoolMetrics) int64 { return m.Failed })
	counter("panics_total", "Attempts that panicked.", func(m engine.PoolMetrics) int64 { return m.Panics })
}

// ObserveGauge registers an arbitrary gauge read at scrape time, such as
// active plans or watcher drops.
func (c *Collector) ObserveGauge(name, help string, read func() float64) {
	c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help,
	}, read))
}
