package kernel

import (
	"errors"
	"sync"

	"github.com/ardnew/softtmc/pkg"
)

// TimerFunc is a timer callback. It runs in the timer service task and must
// not block; it gets the firing timer and nothing it could suspend on.
type TimerFunc func(tm *Timer)

// Timer is a software timer serviced by the kernel's timer service task.
// Start, Stop, Reset and ChangePeriod post commands to the service and may be
// called before the scheduler starts.
type Timer struct {
	svc        *timerService
	name       string
	autoReload bool
	fn         TimerFunc

	// Guarded by svc.mutex.
	period Tick
	active bool
	expiry Tick
}

// Name returns the timer name.
func (tm *Timer) Name() string { return tm.name }

// AutoReload reports whether the timer rearms after firing.
func (tm *Timer) AutoReload() bool { return tm.autoReload }

// Period returns the timer period in ticks.
func (tm *Timer) Period() Tick {
	tm.svc.mutex.Lock()
	defer tm.svc.mutex.Unlock()
	return tm.period
}

// IsActive reports whether the timer is armed.
func (tm *Timer) IsActive() bool {
	tm.svc.mutex.Lock()
	defer tm.svc.mutex.Unlock()
	return tm.active
}

// Expiry returns the tick at which an active timer next fires.
func (tm *Timer) Expiry() Tick {
	tm.svc.mutex.Lock()
	defer tm.svc.mutex.Unlock()
	return tm.expiry
}

// Start arms the timer to fire one period after the current tick.
func (tm *Timer) Start() error {
	return tm.svc.post(timerCommand{op: timerStart, timer: tm, tick: tm.svc.k.TickCount()})
}

// Reset rearms the timer to fire one period after the current tick.
func (tm *Timer) Reset() error {
	return tm.svc.post(timerCommand{op: timerReset, timer: tm, tick: tm.svc.k.TickCount()})
}

// Stop disarms the timer.
func (tm *Timer) Stop() error {
	return tm.svc.post(timerCommand{op: timerStop, timer: tm})
}

// ChangePeriod sets a new period and arms the timer to fire one new period
// after the command is processed.
func (tm *Timer) ChangePeriod(period Tick) error {
	if period == 0 || period == MaxDelay {
		return pkg.ErrInvalidParameter
	}
	return tm.svc.post(timerCommand{op: timerChangePeriod, timer: tm, period: period})
}

type timerOp uint8

const (
	timerStart timerOp = iota
	timerReset
	timerStop
	timerChangePeriod
)

func (op timerOp) String() string {
	switch op {
	case timerStart:
		return "start"
	case timerReset:
		return "reset"
	case timerStop:
		return "stop"
	case timerChangePeriod:
		return "changePeriod"
	default:
		return "unknown"
	}
}

type timerCommand struct {
	op     timerOp
	timer  *Timer
	tick   Tick
	period Tick
}

// timerCommandSize is the accounted size of one queued timer command.
const timerCommandSize = 24

// timerService owns every timer and runs their callbacks from its own task.
type timerService struct {
	k        *Kernel
	commands *Queue[timerCommand]

	mutex  sync.Mutex
	timers []*Timer
}

func newTimerService(k *Kernel, length int) *timerService {
	return &timerService{
		k: k,
		commands: &Queue[timerCommand]{
			k:     k,
			name:  "timer commands",
			items: make(chan timerCommand, length),
		},
	}
}

func (s *timerService) add(tm *Timer) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.timers = append(s.timers, tm)
}

func (s *timerService) post(cmd timerCommand) error {
	if err := s.commands.TrySend(cmd); err != nil {
		pkg.LogWarn(pkg.ComponentTimer, "timer command dropped",
			"timer", cmd.timer.name,
			"op", cmd.op)
		return err
	}
	return nil
}

// next returns the earliest expiry among active timers.
func (s *timerService) next() (Tick, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var (
		earliest Tick
		ok       bool
	)
	for _, tm := range s.timers {
		if tm.active && (!ok || tm.expiry < earliest) {
			earliest, ok = tm.expiry, true
		}
	}
	return earliest, ok
}

// run is the timer service task entry.
func (s *timerService) run(t *Task) {
	for {
		timeout := MaxDelay
		if expiry, ok := s.next(); ok {
			timeout = 0
			if now := s.k.TickCount(); expiry > now {
				timeout = expiry - now
			}
		}

		cmd, err := s.commands.Receive(t, timeout)
		switch {
		case err == nil:
			s.process(cmd)
		case errors.Is(err, pkg.ErrQueueEmpty):
		default:
			return
		}
		s.fire(s.k.TickCount())
	}
}

func (s *timerService) process(cmd timerCommand) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tm := cmd.timer
	switch cmd.op {
	case timerStart, timerReset:
		tm.active = true
		tm.expiry = cmd.tick + tm.period
	case timerStop:
		tm.active = false
	case timerChangePeriod:
		tm.period = cmd.period
		tm.active = true
		tm.expiry = s.k.TickCount() + cmd.period
	}
	pkg.LogDebug(pkg.ComponentTimer, "timer command",
		"timer", tm.name,
		"op", cmd.op,
		"period", tm.period,
		"expiry", tm.expiry)
}

// fire runs the callback of every timer due at now. An auto-reload timer that
// fell more than one period behind fires once per missed period, and its
// expiry stays on its period grid.
func (s *timerService) fire(now Tick) {
	s.mutex.Lock()
	due := make([]*Timer, 0, len(s.timers))
	for _, tm := range s.timers {
		if tm.active && tm.expiry <= now {
			due = append(due, tm)
		}
	}
	s.mutex.Unlock()

	for _, tm := range due {
		for {
			s.mutex.Lock()
			if !tm.active || tm.expiry > now {
				s.mutex.Unlock()
				break
			}
			if tm.autoReload {
				tm.expiry += tm.period
			} else {
				tm.active = false
			}
			s.mutex.Unlock()

			tm.fn(tm)
		}
	}
}
