package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softtmc/pkg"
)

// TimerTaskName is the name of the kernel's timer service task.
const TimerTaskName = "Tmr Svc"

// Kernel is a tick-driven priority scheduler. Tasks and timers are created
// while the kernel is stopped; StartScheduler then runs them until the
// context ends or a task fails.
type Kernel struct {
	cfg   Config
	clock clockwork.Clock

	mutex   sync.Mutex
	alloc   allocator
	cores   []*core
	tasks   []*Task
	timers  *timerService
	started bool
	epoch   time.Time
	ctx     context.Context

	running atomic.Bool
}

// New returns a stopped kernel for cfg.
func New(cfg Config) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	k := &Kernel{
		cfg:   cfg,
		clock: clock,
		alloc: newAllocator(cfg),
		ctx:   context.Background(),
	}
	for i := 0; i < cfg.Cores; i++ {
		k.cores = append(k.cores, newCore(i))
	}
	pkg.LogDebug(pkg.ComponentKernel, "kernel created",
		"tickRate", cfg.TickRate,
		"cores", cfg.Cores,
		"allocation", cfg.Allocation)
	return k, nil
}

// Config returns the kernel configuration.
func (k *Kernel) Config() Config { return k.cfg }

// Cores returns the number of cores tasks can be pinned to.
func (k *Kernel) Cores() int { return k.cfg.Cores }

// Clock returns the clock driving the tick counter.
func (k *Kernel) Clock() clockwork.Clock { return k.clock }

// IsRunning reports whether the scheduler is running.
func (k *Kernel) IsRunning() bool { return k.running.Load() }

// TickCount returns the ticks elapsed since the scheduler started, or 0
// before it has started.
func (k *Kernel) TickCount() Tick {
	k.mutex.Lock()
	started, epoch := k.started, k.epoch
	k.mutex.Unlock()
	if !started {
		return 0
	}
	return Tick(k.clock.Since(epoch) / k.cfg.TickPeriod())
}

// FreeHeap returns the unallocated heap in bytes, or -1 under static
// allocation.
func (k *Kernel) FreeHeap() int {
	k.mutex.Lock()
	defer k.mutex.Unlock()
	return k.alloc.free()
}

// Tasks returns the created tasks, including the timer service task once the
// scheduler has started.
func (k *Kernel) Tasks() []*Task {
	k.mutex.Lock()
	defer k.mutex.Unlock()
	return append([]*Task(nil), k.tasks...)
}

// CreateTask allocates a task. The task starts running when the scheduler
// starts.
func (k *Kernel) CreateTask(spec TaskSpec) (*Task, error) {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	if k.started {
		return nil, fmt.Errorf("create task %q: %w", spec.Name, pkg.ErrInvalidState)
	}
	return k.createTaskLocked(spec)
}

func (k *Kernel) createTaskLocked(spec TaskSpec) (*Task, error) {
	switch {
	case spec.Entry == nil:
		return nil, fmt.Errorf("create task %q: nil entry: %w", spec.Name, pkg.ErrInvalidParameter)
	case spec.StackDepth <= 0:
		return nil, fmt.Errorf("create task %q: stack depth %d: %w",
			spec.Name, spec.StackDepth, pkg.ErrInvalidParameter)
	case spec.Priority >= k.cfg.MaxPriorities:
		return nil, fmt.Errorf("create task %q: priority %d: %w",
			spec.Name, spec.Priority, pkg.ErrInvalidParameter)
	}

	n := 0
	if spec.Affinity != NoAffinity {
		n = spec.Affinity.first()
		if n >= k.cfg.Cores {
			return nil, fmt.Errorf("create task %q: affinity %#x: %w",
				spec.Name, uint32(spec.Affinity), pkg.ErrInvalidParameter)
		}
	}

	if err := k.alloc.task(spec.StackDepth); err != nil {
		pkg.LogWarn(pkg.ComponentKernel, "task allocation failed",
			"task", spec.Name,
			"stackDepth", spec.StackDepth,
			"freeHeap", k.alloc.free())
		return nil, fmt.Errorf("create task %q: %w", spec.Name, err)
	}

	t := &Task{
		k:          k,
		name:       spec.Name,
		entry:      spec.Entry,
		priority:   spec.Priority,
		stackDepth: spec.StackDepth,
		core:       n,
		grant:      make(chan struct{}, 1),
	}
	k.tasks = append(k.tasks, t)

	pkg.LogDebug(pkg.ComponentKernel, "task created",
		"task", t.name,
		"priority", t.priority,
		"stackDepth", t.stackDepth)
	return t, nil
}

// CreateTimer allocates a stopped software timer firing every period ticks.
// A one-shot timer (autoReload false) goes dormant after it fires.
func (k *Kernel) CreateTimer(name string, period Tick, autoReload bool, fn TimerFunc) (*Timer, error) {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	switch {
	case k.started:
		return nil, fmt.Errorf("create timer %q: %w", name, pkg.ErrInvalidState)
	case fn == nil:
		return nil, fmt.Errorf("create timer %q: nil callback: %w", name, pkg.ErrInvalidParameter)
	case period == 0 || period == MaxDelay:
		return nil, fmt.Errorf("create timer %q: period %d: %w", name, period, pkg.ErrInvalidParameter)
	}

	if err := k.timerServiceLocked(); err != nil {
		return nil, fmt.Errorf("create timer %q: %w", name, err)
	}
	if err := k.alloc.timer(); err != nil {
		return nil, fmt.Errorf("create timer %q: %w", name, err)
	}

	tm := &Timer{
		svc:        k.timers,
		name:       name,
		period:     period,
		autoReload: autoReload,
		fn:         fn,
	}
	k.timers.add(tm)

	pkg.LogDebug(pkg.ComponentTimer, "timer created",
		"timer", name,
		"period", period,
		"autoReload", autoReload)
	return tm, nil
}

// timerServiceLocked creates the timer command queue on first use.
func (k *Kernel) timerServiceLocked() error {
	if k.timers != nil {
		return nil
	}
	if err := k.alloc.queue(k.cfg.TimerQueueLength, timerCommandSize); err != nil {
		return err
	}
	k.timers = newTimerService(k, k.cfg.TimerQueueLength)
	return nil
}

// StartScheduler creates the timer service task and runs every task until
// ctx is done or a task fails. It blocks for the life of the system. A
// cancelled ctx returns ctx.Err(); any other return is fatal.
func (k *Kernel) StartScheduler(ctx context.Context) error {
	k.mutex.Lock()
	if k.started {
		k.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	if err := k.timerServiceLocked(); err != nil {
		k.mutex.Unlock()
		return fmt.Errorf("start scheduler: timer queue: %w", err)
	}
	if _, err := k.createTaskLocked(TaskSpec{
		Name:       TimerTaskName,
		Entry:      k.timers.run,
		StackDepth: k.cfg.TimerTaskStackSize,
		Priority:   k.cfg.TimerTaskPriority,
		Affinity:   CoreBit(k.cfg.TimerTaskCore),
	}); err != nil {
		k.mutex.Unlock()
		return fmt.Errorf("start scheduler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	k.ctx = gctx
	k.epoch = k.clock.Now()
	k.started = true

	// Every task is ready before any core is dispatched, so each core starts
	// with its highest priority task.
	for _, t := range k.tasks {
		k.cores[t.core].enqueue(t)
	}
	tasks := append([]*Task(nil), k.tasks...)
	k.running.Store(true)
	k.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentKernel, "scheduler started",
		"tasks", len(tasks),
		"cores", len(k.cores),
		"freeHeap", k.FreeHeap())

	for _, t := range tasks {
		g.Go(t.run)
	}
	for _, c := range k.cores {
		c.dispatch()
	}

	err := g.Wait()
	k.running.Store(false)

	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		err = pkg.ErrSchedulerStopped
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		pkg.LogInfo(pkg.ComponentKernel, "scheduler stopped", "reason", err)
	} else {
		pkg.LogError(pkg.ComponentKernel, "scheduler failed", "error", err)
	}
	return err
}

func (k *Kernel) context() context.Context {
	k.mutex.Lock()
	defer k.mutex.Unlock()
	return k.ctx
}

func (k *Kernel) coreOf(t *Task) *core {
	return k.cores[t.core]
}

// until returns the wall-clock time remaining before tick wake.
func (k *Kernel) until(wake Tick) time.Duration {
	k.mutex.Lock()
	epoch := k.epoch
	k.mutex.Unlock()
	return epoch.Add(k.cfg.TicksToDuration(wake)).Sub(k.clock.Now())
}

// after returns a channel that fires at tick wake, and a func releasing it.
// MaxDelay never fires.
func (k *Kernel) after(wake Tick) (<-chan time.Time, func()) {
	if wake == MaxDelay {
		return nil, func() {}
	}
	d := k.until(wake)
	if d <= 0 {
		ch := make(chan time.Time, 1)
		ch <- k.clock.Now()
		return ch, func() {}
	}
	tm := k.clock.NewTimer(d)
	return tm.Chan(), func() { tm.Stop() }
}

// sleepUntil blocks until tick wake or until ctx is done.
func (k *Kernel) sleepUntil(ctx context.Context, wake Tick) error {
	ch, stop := k.after(wake)
	defer stop()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return pkg.ErrSchedulerStopped
	}
}
