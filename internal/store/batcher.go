package store

import (
	"sync"
	"time"
)

// Batcher accumulates items and hands them to a flush function once either
// the batch is full or the oldest pending item has waited out the interval.
type Batcher[T any] struct {
	mu      sync.Mutex
	pending []T
	timer   *time.Timer
	stopped bool

	maxSize  int
	interval time.Duration
	flush    func([]T)
	inflight sync.WaitGroup
}

// NewBatcher creates a batcher over the given thresholds. flush runs on its
// own goroutine; it must tolerate being called with whatever remains at Stop.
func NewBatcher[T any](maxSize int, interval time.Duration, flush func([]T)) *Batcher[T] {
	return &Batcher[T]{
		maxSize:  maxSize,
		interval: interval,
		flush:    flush,
	}
}

// Add queues one item. The first item of a batch arms the interval timer;
// reaching maxSize flushes immediately.
func (b *Batcher[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}

	b.pending = append(b.pending, item)
	if len(b.pending) >= b.maxSize {
		b.dispatchLocked()
		return
	}
	if len(b.pending) == 1 {
		b.timer = time.AfterFunc(b.interval, b.timerFlush)
	}
}

// Flush forces out any pending items without waiting for the thresholds.
func (b *Batcher[T]) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) > 0 {
		b.dispatchLocked()
	}
}

// Stop flushes what is left, waits for in-flight flushes to finish, and
// turns further Adds into no-ops.
func (b *Batcher[T]) Stop() {
	b.mu.Lock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) > 0 {
		b.dispatchLocked()
	}
	b.mu.Unlock()
	b.inflight.Wait()
}

func (b *Batcher[T]) timerFlush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.stopped && len(b.pending) > 0 {
		b.dispatchLocked()
	}
}

// dispatchLocked takes ownership of the pending slice and runs flush off the
// lock, so a slow flush target never blocks producers.
func (b *Batcher[T]) dispatchLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.pending
	b.pending = nil

	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		b.flush(batch)
	}()
}
