package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rendis/orchestra/internal/store"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch     chan TransitionEvent
	filter Filter
	closed bool
}

// MemoryHub is an in-process EventHub backed by buffered channels.
// Publishing never blocks: a subscriber whose buffer is full misses the event.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
	buffer  int
}

// NewMemoryHub creates a hub. buffer <= 0 selects the default channel size.
func NewMemoryHub(buffer int) *MemoryHub {
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	return &MemoryHub{subs: make(map[uint64]*subscriber), buffer: buffer}
}

// Publish delivers event to every matching subscriber.
func (h *MemoryHub) Publish(ctx context.Context, event TransitionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var done []uint64
	h.mu.RLock()
	for id, sub := range h.subs {
		if sub.closed {
			continue
		}
		if sub.filter.match(event) {
			select {
			case sub.ch <- event:
			default:
				h.dropped.Add(1)
			}
		}
		if sub.filter.UntilDone && event.PlanDone() && event.PlanID == sub.filter.PlanID {
			done = append(done, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range done {
		h.unsubscribe(id)
	}
	return nil
}

// PublishEntry publishes a committed log entry. Its signature fits
// StateMachine.OnCommit.
func (h *MemoryHub) PublishEntry(e store.LogEntry) {
	_ = h.Publish(context.Background(), FromEntry(e))
}

// Subscribe registers a subscriber. The returned cancel func closes the
// channel and is safe to call more than once.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan TransitionEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	id := h.seq.Add(1)
	ch := make(chan TransitionEvent, h.buffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	return ch, func() { h.unsubscribe(id) }, nil
}

func (h *MemoryHub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Subscribers returns the number of open subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (h *MemoryHub) Dropped() uint64 { return h.dropped.Load() }

func (f Filter) match(e TransitionEvent) bool {
	if f.PlanID != "" && f.PlanID != e.PlanID {
		return false
	}
	if f.StepID != "" && f.StepID != e.StepID {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, e.To) {
		return false
	}
	return true
}
