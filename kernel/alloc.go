package kernel

import "github.com/ardnew/softtmc/pkg"

// Control block and stack word sizes used to account heap consumption.
const (
	stackWordSize         = 4
	taskControlBlockSize  = 96
	timerControlBlockSize = 48
	queueControlBlockSize = 80
)

// allocator provisions kernel objects from either a fixed heap or fixed
// slot counts. It never frees: objects live for the life of the system.
type allocator struct {
	mode Allocation

	heapSize int
	heapUsed int

	maxTasks  int
	tasks     int
	maxTimers int
	timers    int
}

func newAllocator(cfg Config) allocator {
	return allocator{
		mode:      cfg.Allocation,
		heapSize:  cfg.HeapSize,
		maxTasks:  cfg.MaxTasks,
		maxTimers: cfg.MaxTimers,
	}
}

func (a *allocator) take(n int) error {
	if a.heapUsed+n > a.heapSize {
		return pkg.ErrNoMemory
	}
	a.heapUsed += n
	return nil
}

// task reserves a control block and a stack of depth words.
func (a *allocator) task(depth int) error {
	if a.mode == AllocStatic {
		if a.tasks >= a.maxTasks {
			return pkg.ErrNoMemory
		}
		a.tasks++
		return nil
	}
	if err := a.take(taskControlBlockSize + depth*stackWordSize); err != nil {
		return err
	}
	a.tasks++
	return nil
}

// timer reserves a timer control block.
func (a *allocator) timer() error {
	if a.mode == AllocStatic {
		if a.timers >= a.maxTimers {
			return pkg.ErrNoMemory
		}
		a.timers++
		return nil
	}
	if err := a.take(timerControlBlockSize); err != nil {
		return err
	}
	a.timers++
	return nil
}

// queue reserves a queue of length items of itemSize bytes. Statically
// allocated queues carry their own storage.
func (a *allocator) queue(length, itemSize int) error {
	if a.mode == AllocStatic {
		return nil
	}
	return a.take(queueControlBlockSize + length*itemSize)
}

// free returns the remaining heap in bytes, or -1 for static allocation.
func (a *allocator) free() int {
	if a.mode == AllocStatic {
		return -1
	}
	return a.heapSize - a.heapUsed
}
