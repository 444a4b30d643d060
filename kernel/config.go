package kernel

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ardnew/softtmc/pkg"
)

// Allocation selects how kernel objects are provisioned.
type Allocation int

// Allocation modes.
const (
	// AllocDynamic draws task stacks and control blocks from a fixed-size heap.
	AllocDynamic Allocation = iota

	// AllocStatic provisions a fixed number of task and timer slots up front.
	AllocStatic
)

// String returns the configuration name of the allocation mode.
func (a Allocation) String() string {
	switch a {
	case AllocDynamic:
		return "dynamic"
	case AllocStatic:
		return "static"
	default:
		return fmt.Sprintf("allocation(%d)", int(a))
	}
}

// ParseAllocation maps a configuration string to an Allocation.
func ParseAllocation(s string) (Allocation, error) {
	switch s {
	case "", "dynamic":
		return AllocDynamic, nil
	case "static":
		return AllocStatic, nil
	default:
		return AllocDynamic, fmt.Errorf("%w: allocation %q", pkg.ErrInvalidParameter, s)
	}
}

// Config holds the kernel's build-time parameters.
type Config struct {
	// TickRate is the number of kernel ticks per second.
	TickRate int

	// Cores is the number of processing cores the scheduler dispatches onto.
	Cores int

	// MaxPriorities bounds task priorities to [0, MaxPriorities).
	MaxPriorities Priority

	// MinimalStackSize is the smallest useful task stack, in words.
	MinimalStackSize int

	// Allocation selects static slots or a dynamic heap.
	Allocation Allocation

	// HeapSize is the heap size in bytes for AllocDynamic.
	HeapSize int

	// MaxTasks and MaxTimers are the slot counts for AllocStatic. The timer
	// service task occupies one task slot.
	MaxTasks  int
	MaxTimers int

	// Timer service task parameters.
	TimerTaskPriority  Priority
	TimerTaskStackSize int
	TimerTaskCore      int
	TimerQueueLength   int

	// Clock drives the tick counter. Nil selects the real clock.
	Clock clockwork.Clock
}

// DefaultConfig returns the configuration of a dual-core RP2040-class part
// running at a 1 kHz tick.
func DefaultConfig() Config {
	return Config{
		TickRate:           1000,
		Cores:              2,
		MaxPriorities:      5,
		MinimalStackSize:   256,
		Allocation:         AllocDynamic,
		HeapSize:           32 * 1024,
		MaxTasks:           4,
		MaxTimers:          2,
		TimerTaskPriority:  4,
		TimerTaskStackSize: 512,
		TimerTaskCore:      0,
		TimerQueueLength:   10,
	}
}

// Validate checks the configuration for values the kernel cannot honour.
func (c Config) Validate() error {
	switch {
	case c.TickRate <= 0 || c.TickRate > int(time.Second):
		return fmt.Errorf("%w: tick rate %d", pkg.ErrInvalidParameter, c.TickRate)
	case c.Cores <= 0 || c.Cores > maxCores:
		return fmt.Errorf("%w: cores %d", pkg.ErrInvalidParameter, c.Cores)
	case c.MaxPriorities == 0:
		return fmt.Errorf("%w: max priorities 0", pkg.ErrInvalidParameter)
	case c.MinimalStackSize <= 0:
		return fmt.Errorf("%w: minimal stack size %d", pkg.ErrInvalidParameter, c.MinimalStackSize)
	case c.TimerTaskPriority >= c.MaxPriorities:
		return fmt.Errorf("%w: timer task priority %d", pkg.ErrInvalidParameter, c.TimerTaskPriority)
	case c.TimerTaskStackSize <= 0:
		return fmt.Errorf("%w: timer task stack size %d", pkg.ErrInvalidParameter, c.TimerTaskStackSize)
	case c.TimerTaskCore < 0 || c.TimerTaskCore >= c.Cores:
		return fmt.Errorf("%w: timer task core %d", pkg.ErrInvalidParameter, c.TimerTaskCore)
	case c.TimerQueueLength <= 0:
		return fmt.Errorf("%w: timer queue length %d", pkg.ErrInvalidParameter, c.TimerQueueLength)
	}

	switch c.Allocation {
	case AllocDynamic:
		if c.HeapSize <= 0 {
			return fmt.Errorf("%w: heap size %d", pkg.ErrInvalidParameter, c.HeapSize)
		}
	case AllocStatic:
		if c.MaxTasks <= 0 || c.MaxTimers < 0 {
			return fmt.Errorf("%w: static slots tasks=%d timers=%d",
				pkg.ErrInvalidParameter, c.MaxTasks, c.MaxTimers)
		}
	default:
		return fmt.Errorf("%w: allocation %v", pkg.ErrInvalidParameter, c.Allocation)
	}
	return nil
}

// TickPeriod returns the wall-clock duration of one tick.
func (c Config) TickPeriod() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

// MsToTicks converts milliseconds to ticks, truncating.
func (c Config) MsToTicks(ms int) Tick {
	if ms <= 0 {
		return 0
	}
	return Tick(uint64(ms) * uint64(c.TickRate) / 1000)
}

// DurationToTicks converts a duration to ticks, truncating.
func (c Config) DurationToTicks(d time.Duration) Tick {
	if d <= 0 {
		return 0
	}
	return Tick(d / c.TickPeriod())
}

// TicksToDuration converts ticks to a wall-clock duration.
func (c Config) TicksToDuration(t Tick) time.Duration {
	return time.Duration(t) * c.TickPeriod()
}
