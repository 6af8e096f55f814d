package store

import (
	"context"
	"sync"

	"github.com/rendis/orchestra/pkg/schema"
)

// Serialized funnels every write of the wrapped Store through one writer
// goroutine, so concurrent plans never contend on the backend's write lock.
// Reads go straight to the wrapped Store.
type Serialized struct {
	Store

	reqs      chan writeReq
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type writeReq struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	resp chan error
}

// NewSerialized starts the writer goroutine for inner.
func NewSerialized(inner Store) *Serialized {
	s := &Serialized{
		Store: inner,
		reqs:  make(chan writeReq),
		done:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *Serialized) loop() {
	defer s.wg.Done()
	for {
		select {
		case req := <-s.reqs:
			req.resp <- req.fn(req.ctx)
		case <-s.done:
			return
		}
	}
}

// submit hands fn to the writer. Once accepted, the write runs to completion
// and its result is returned even if ctx is cancelled meanwhile.
func (s *Serialized) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	req := writeReq{ctx: ctx, fn: fn, resp: make(chan error, 1)}
	select {
	case s.reqs <- req:
	case <-s.done:
		return schema.NewError(schema.ErrCodePersistence, "store is closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.resp
}

func (s *Serialized) CreatePlan(ctx context.Context, plan *Plan, steps []*Step) error {
	return s.submit(ctx, func(ctx context.Context) error {
		return s.Store.CreatePlan(ctx, plan, steps)
	})
}

func (s *Serialized) UpdatePlanStatus(ctx context.Context, entry *LogEntry, update PlanUpdate) error {
	return s.submit(ctx, func(ctx context.Context) error {
		return s.Store.UpdatePlanStatus(ctx, entry, update)
	})
}

func (s *Serialized) CommitTransition(ctx context.Context, entry *LogEntry, update StepUpdate) error {
	return s.submit(ctx, func(ctx context.Context) error {
		return s.Store.CommitTransition(ctx, entry, update)
	})
}

func (s *Serialized) Migrate(ctx context.Context) error {
	return s.submit(ctx, s.Store.Migrate)
}

// Close stops the writer, then closes the wrapped Store.
func (s *Serialized) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return s.Store.Close()
}
