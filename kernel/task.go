package kernel

import (
	"context"
	"fmt"
	"math"

	"github.com/ardnew/softtmc/pkg"
)

// Tick is a count of kernel ticks since the scheduler started.
type Tick uint64

// MaxDelay blocks a suspension point without timeout.
const MaxDelay Tick = math.MaxUint64

// Priority orders tasks competing for a core. Higher values run first.
type Priority uint8

// TaskFunc is a task entry point. It receives its own handle, through which
// every suspension point is reached. Entries run forever; returning while the
// scheduler is live is a fatal error.
type TaskFunc func(t *Task)

// TaskSpec describes a task to create.
type TaskSpec struct {
	Name       string
	Entry      TaskFunc
	StackDepth int // words
	Priority   Priority
	Affinity   CoreMask
}

// Task is a scheduled unit of execution backed by one goroutine.
type Task struct {
	k          *Kernel
	name       string
	entry      TaskFunc
	priority   Priority
	stackDepth int
	core       int
	grant      chan struct{}
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Priority returns the task priority.
func (t *Task) Priority() Priority { return t.priority }

// StackDepth returns the stack depth in words.
func (t *Task) StackDepth() int { return t.stackDepth }

// Core returns the index of the core the task runs on.
func (t *Task) Core() int {
	t.k.mutex.Lock()
	defer t.k.mutex.Unlock()
	return t.core
}

// Kernel returns the kernel that owns the task.
func (t *Task) Kernel() *Kernel { return t.k }

// Context returns the scheduler context. It is done once the scheduler stops.
func (t *Task) Context() context.Context { return t.k.context() }

// SetAffinity pins the task to the lowest core selected by mask. NoAffinity
// selects core 0. Affinity is fixed once the scheduler starts.
func (t *Task) SetAffinity(mask CoreMask) error {
	t.k.mutex.Lock()
	defer t.k.mutex.Unlock()

	if t.k.started {
		return fmt.Errorf("set affinity of %q: %w", t.name, pkg.ErrInvalidState)
	}
	n := 0
	if mask != NoAffinity {
		n = mask.first()
	}
	if n >= t.k.cfg.Cores {
		return fmt.Errorf("set affinity of %q to %#x: %w", t.name, uint32(mask), pkg.ErrInvalidParameter)
	}
	t.core = n
	pkg.LogDebug(pkg.ComponentKernel, "task affinity set",
		"task", t.name,
		"core", n)
	return nil
}

// Delay suspends the task for ticks ticks relative to now.
func (t *Task) Delay(ticks Tick) error {
	if ticks == 0 {
		return t.Yield()
	}
	wake := MaxDelay
	if ticks != MaxDelay {
		wake = t.k.TickCount() + ticks
	}
	return t.suspend(func(ctx context.Context) error {
		return t.k.sleepUntil(ctx, wake)
	})
}

// DelayUntil suspends the task until the absolute tick *prev+increment and
// stores that tick back into *prev. The deadline advances by exactly
// increment on every call, so late wakes never shift later deadlines. When
// the deadline has already passed the task does not suspend and DelayUntil
// returns false.
func (t *Task) DelayUntil(prev *Tick, increment Tick) (bool, error) {
	if prev == nil || increment == 0 || increment == MaxDelay {
		return false, pkg.ErrInvalidParameter
	}
	wake := *prev + increment
	*prev = wake

	if wake <= t.k.TickCount() {
		return false, t.Yield()
	}
	err := t.suspend(func(ctx context.Context) error {
		return t.k.sleepUntil(ctx, wake)
	})
	return err == nil, err
}

// Yield hands the core to a ready task of equal or higher priority, if any.
func (t *Task) Yield() error {
	ctx := t.Context()
	if ctx.Err() != nil {
		return pkg.ErrSchedulerStopped
	}
	c := t.k.coreOf(t)
	if !c.contended(t.priority) {
		return nil
	}
	c.release(t)
	return c.acquire(ctx, t)
}

// suspend releases the core for the duration of wait and reacquires it after.
// When wait fails the core is not reacquired.
func (t *Task) suspend(wait func(ctx context.Context) error) error {
	ctx := t.Context()
	c := t.k.coreOf(t)
	c.release(t)
	if err := wait(ctx); err != nil {
		return err
	}
	return c.acquire(ctx, t)
}

// run is the goroutine body of a task.
func (t *Task) run() error {
	ctx := t.Context()
	c := t.k.coreOf(t)
	if err := c.wait(ctx, t); err != nil {
		return nil
	}
	defer c.release(t)

	pkg.LogDebug(pkg.ComponentKernel, "task running",
		"task", t.name,
		"core", c.id,
		"priority", t.priority)

	t.entry(t)

	if ctx.Err() != nil {
		return nil
	}
	pkg.LogError(pkg.ComponentKernel, "task entry returned", "task", t.name)
	return fmt.Errorf("%w: %s", pkg.ErrTaskExited, t.name)
}
