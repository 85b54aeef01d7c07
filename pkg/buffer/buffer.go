// Package buffer provides a generic, thread-safe FIFO ring buffer with a
// configurable overflow policy.
//
// The engine plugin uses it as the command queue between the link goroutine,
// which pushes decoded commands, and the simulation thread, which drains them
// once per step with TryPop. An empty queue is a normal poll result, not an
// error.
package buffer

import (
	"sync/atomic"
	"time"
)

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota
	// DropNewest drops new items when the buffer is full.
	DropNewest
	// Block makes Push wait until space is available.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// DropCallback is called, outside the buffer lock, for every dropped item.
type DropCallback[T any] func(item T)

// Statistics counts buffer operations. Always collected.
type Statistics struct {
	pushes  atomic.Int64
	pops    atomic.Int64
	drops   atomic.Int64
	maxSize atomic.Int64
	started time.Time
}

func newStatistics() *Statistics {
	return &Statistics{started: time.Now()}
}

func (s *Statistics) size(n int) {
	for {
		cur := s.maxSize.Load()
		if int64(n) <= cur || s.maxSize.CompareAndSwap(cur, int64(n)) {
			return
		}
	}
}

// Pushes returns the number of accepted items.
func (s *Statistics) Pushes() int64 { return s.pushes.Load() }

// Pops returns the number of removed items.
func (s *Statistics) Pops() int64 { return s.pops.Load() }

// Drops returns the number of items lost to the overflow policy.
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// MaxSize returns the high-water mark.
func (s *Statistics) MaxSize() int64 { return s.maxSize.Load() }

// Uptime returns the time since the buffer was created.
func (s *Statistics) Uptime() time.Duration { return time.Since(s.started) }
