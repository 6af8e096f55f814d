package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Size      int64 `json:"size"`
	Active    int64 `json:"active"`
	Queued    int64 `json:"queued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool is a bounded goroutine pool shared by every running plan.
// It caps how many agent calls are in flight process-wide.
type WorkerPool struct {
	size    int
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool

	// OnPanic, when set, receives values recovered from panicking work.
	OnPanic func(v any)
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	p := &WorkerPool{
		size: size,
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
	p.metrics.Size = int64(size)
	return p
}

// Size returns the pool's concurrency limit.
func (p *WorkerPool) Size() int { return p.size }

// Submit runs fn on a pool goroutine. It blocks while the pool is at capacity
// and respects context cancellation while waiting. Returns ErrPoolShutdown if
// the pool has been shut down.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	atomic.AddInt64(&p.metrics.Queued, 1)
	select {
	case p.sem <- struct{}{}:
		atomic.AddInt64(&p.metrics.Queued, -1)
	case <-ctx.Done():
		atomic.AddInt64(&p.metrics.Queued, -1)
		return ctx.Err()
	case <-p.done:
		atomic.AddInt64(&p.metrics.Queued, -1)
		return ErrPoolShutdown
	}

	// Re-check closed after acquiring the slot, in case Shutdown raced.
	// wg.Add(1) must happen under the lock so Shutdown's wg.Wait() sees it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
				if p.OnPanic != nil {
					p.OnPanic(r)
				}
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()

	return nil
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work and waits for in-flight work to finish.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Size:      atomic.LoadInt64(&p.metrics.Size),
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Queued:    atomic.LoadInt64(&p.metrics.Queued),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
