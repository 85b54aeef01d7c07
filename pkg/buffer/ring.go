package buffer

import (
	"context"
	"sync"

	"github.com/c360/gantrybridge/errors"
)

// Ring is a bounded FIFO queue.
type Ring[T any] struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	items    []T
	head     int // next write position
	tail     int // next read position
	size     int
	closed   bool
	opts     *options[T]
	stats    *Statistics
	metrics  *bufferMetrics
	capacity int
}

// NewRing creates a ring with the given capacity (minimum 1). It fails only
// when metrics were requested and cannot be registered.
func NewRing[T any](capacity int, opts ...Option[T]) (*Ring[T], error) {
	if capacity <= 0 {
		capacity = 1
	}
	o := applyOptions(opts...)

	var m *bufferMetrics
	if o.metricsReg != nil {
		var err error
		m, err = newBufferMetrics(o.metricsReg, o.metricsName)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "NewRing", "metrics registration")
		}
	}

	r := &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		opts:     o,
		stats:    newStatistics(),
		metrics:  m,
	}
	r.notFull = sync.NewCond(&r.mu)
	return r, nil
}

// Push appends an item according to the overflow policy. With Block it waits
// for space; use PushContext to bound the wait.
func (r *Ring[T]) Push(item T) error {
	return r.PushContext(context.Background(), item)
}

// PushContext is Push with a cancellable wait for the Block policy.
func (r *Ring[T]) PushContext(ctx context.Context, item T) error {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Ring", "Push", "buffer closed")
	}

	var dropped []T
	if r.size == r.capacity {
		switch r.opts.overflowPolicy {
		case DropOldest:
			var zero T
			dropped = append(dropped, r.items[r.tail])
			r.items[r.tail] = zero
			r.tail = (r.tail + 1) % r.capacity
			r.size--
		case DropNewest:
			r.recordDrop()
			r.mu.Unlock()
			r.dropped(item)
			return nil
		case Block:
			if err := r.waitForSpace(ctx); err != nil {
				r.mu.Unlock()
				return err
			}
		}
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++
	r.stats.pushes.Add(1)
	r.stats.size(r.size)
	if r.metrics != nil {
		r.metrics.pushes.Inc()
		r.metrics.size.Set(float64(r.size))
	}
	if len(dropped) > 0 {
		r.recordDrop()
	}
	r.mu.Unlock()

	for _, d := range dropped {
		r.dropped(d)
	}
	return nil
}

// waitForSpace is called with r.mu held.
func (r *Ring[T]) waitForSpace(ctx context.Context) error {
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			r.mu.Lock()
			r.notFull.Broadcast()
			r.mu.Unlock()
		})
		defer stop()
	}
	for r.size == r.capacity && !r.closed {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.notFull.Wait()
	}
	if r.closed {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Ring", "Push", "buffer closed during wait")
	}
	return ctx.Err()
}

func (r *Ring[T]) recordDrop() {
	r.stats.drops.Add(1)
	if r.metrics != nil {
		r.metrics.drops.Inc()
	}
}

func (r *Ring[T]) dropped(item T) {
	if r.opts.dropCallback != nil {
		r.opts.dropCallback(item)
	}
}

// TryPop removes the oldest item. ok is false when the queue is empty.
func (r *Ring[T]) TryPop() (item T, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return item, false
	}
	var zero T
	item = r.items[r.tail]
	r.items[r.tail] = zero
	r.tail = (r.tail + 1) % r.capacity
	r.size--
	r.stats.pops.Add(1)
	if r.metrics != nil {
		r.metrics.size.Set(float64(r.size))
	}
	r.notFull.Signal()
	return item, true
}

// Drain removes and returns every queued item in FIFO order.
func (r *Ring[T]) Drain() []T {
	var out []T
	for {
		item, ok := r.TryPop()
		if !ok {
			return out
		}
		out = append(out, item)
	}
}

// Len returns the number of queued items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the maximum number of queued items.
func (r *Ring[T]) Capacity() int {
	return r.capacity
}

// Stats returns the buffer statistics.
func (r *Ring[T]) Stats() *Statistics {
	return r.stats
}

// Close rejects further pushes and wakes blocked writers. Queued items can
// still be popped.
func (r *Ring[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.notFull.Broadcast()
	return nil
}
