// Package kernel is a small tick-driven priority scheduler for running
// firmware-style tasks on the host.
//
// Each task is a goroutine that runs only while it holds its core's run
// token. Tokens go to the highest priority ready task, FIFO within a
// priority, and change hands only at suspension points: [Task.Delay],
// [Task.DelayUntil], [Task.Yield] and [Queue.Receive]. Tasks and timers are
// allocated up front, either from a fixed heap or from fixed slots, and
// [Kernel.StartScheduler] blocks for the life of the system.
//
// Time is counted in ticks derived from a clockwork.Clock, so tests drive
// the scheduler with a fake clock:
//
//	clock := clockwork.NewFakeClock()
//	cfg := kernel.DefaultConfig()
//	cfg.Clock = clock
//	k, _ := kernel.New(cfg)
//	k.CreateTask(kernel.TaskSpec{Name: "regs", Entry: loop, StackDepth: 256, Priority: 3})
//	go k.StartScheduler(ctx)
//	clock.BlockUntilContext(ctx, 1)
//	clock.Advance(100 * time.Millisecond)
//
// Software timers run in the timer service task ([TimerTaskName]). Their
// callbacks receive the [Timer] and nothing else, so they cannot suspend.
// An auto-reload timer that falls behind fires once per missed period.
//
// Interrupt-side code posts to a [Queue] with [Queue.SendFromISR], which is
// rejected with pkg.ErrSchedulerNotRunning until the scheduler is running.
package kernel
