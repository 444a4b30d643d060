package kernel

import (
	"context"
	"fmt"

	"go.uber.org/atomic"

	"github.com/ardnew/softtmc/pkg"
)

// Queue is a bounded FIFO between interrupt context and a task. Items are
// copied in and out.
type Queue[T any] struct {
	k       *Kernel
	name    string
	items   chan T
	dropped atomic.Uint64
}

// NewQueue allocates a queue of length items, each accounted as itemSize
// bytes against the kernel heap.
func NewQueue[T any](k *Kernel, name string, length, itemSize int) (*Queue[T], error) {
	if length <= 0 || itemSize < 0 {
		return nil, fmt.Errorf("create queue %q: length %d: %w", name, length, pkg.ErrInvalidParameter)
	}
	k.mutex.Lock()
	err := k.alloc.queue(length, itemSize)
	k.mutex.Unlock()
	if err != nil {
		return nil, fmt.Errorf("create queue %q: %w", name, err)
	}
	return &Queue[T]{
		k:     k,
		name:  name,
		items: make(chan T, length),
	}, nil
}

// Name returns the queue name.
func (q *Queue[T]) Name() string { return q.name }

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return len(q.items) }

// Cap returns the queue length.
func (q *Queue[T]) Cap() int { return cap(q.items) }

// Dropped returns the number of items rejected because the queue was full.
func (q *Queue[T]) Dropped() uint64 { return q.dropped.Load() }

// TrySend enqueues v without blocking.
func (q *Queue[T]) TrySend(v T) error {
	select {
	case q.items <- v:
		return nil
	default:
		q.dropped.Inc()
		return pkg.ErrQueueFull
	}
}

// SendFromISR enqueues v from interrupt context. Interrupt-side primitives
// are only valid once the scheduler runs.
func (q *Queue[T]) SendFromISR(v T) error {
	if !q.k.IsRunning() {
		return pkg.ErrSchedulerNotRunning
	}
	return q.TrySend(v)
}

// TryReceive dequeues an item without blocking.
func (q *Queue[T]) TryReceive() (T, error) {
	select {
	case v := <-q.items:
		return v, nil
	default:
		var zero T
		return zero, pkg.ErrQueueEmpty
	}
}

// Receive dequeues an item, suspending t for up to timeout ticks while the
// queue is empty. MaxDelay waits indefinitely. A timeout returns
// pkg.ErrQueueEmpty.
func (q *Queue[T]) Receive(t *Task, timeout Tick) (T, error) {
	if v, err := q.TryReceive(); err == nil || timeout == 0 {
		return v, err
	}

	wake := MaxDelay
	if timeout != MaxDelay {
		wake = q.k.TickCount() + timeout
	}

	var (
		v   T
		got bool
	)
	err := t.suspend(func(ctx context.Context) error {
		expired, stop := q.k.after(wake)
		defer stop()
		select {
		case v = <-q.items:
			got = true
			return nil
		case <-expired:
			return nil
		case <-ctx.Done():
			return pkg.ErrSchedulerStopped
		}
	})
	if err != nil {
		var zero T
		return zero, err
	}
	if !got {
		return v, pkg.ErrQueueEmpty
	}
	return v, nil
}
