package kernel

import (
	"context"
	"sync"

	"github.com/ardnew/softtmc/pkg"
)

// maxCores bounds the width of a CoreMask.
const maxCores = 32

// core is the run token of one processing core. Exactly one task owns a core
// at a time; the rest wait in ready, highest priority first and FIFO within a
// priority.
type core struct {
	id    int
	mutex sync.Mutex
	owner *Task
	ready []*Task
}

func newCore(id int) *core {
	return &core{id: id}
}

// enqueue inserts t behind every ready task of equal or higher priority.
// The caller holds c.mutex.
func (c *core) enqueue(t *Task) {
	i := len(c.ready)
	for i > 0 && c.ready[i-1].priority < t.priority {
		i--
	}
	c.ready = append(c.ready, nil)
	copy(c.ready[i+1:], c.ready[i:])
	c.ready[i] = t
}

// remove drops t from the ready list. The caller holds c.mutex.
func (c *core) remove(t *Task) bool {
	for i, r := range c.ready {
		if r == t {
			c.ready = append(c.ready[:i], c.ready[i+1:]...)
			return true
		}
	}
	return false
}

// dispatch hands an idle core to the head of the ready list.
func (c *core) dispatch() {
	c.mutex.Lock()
	if c.owner != nil || len(c.ready) == 0 {
		c.mutex.Unlock()
		return
	}
	next := c.ready[0]
	c.ready = c.ready[1:]
	c.owner = next
	c.mutex.Unlock()
	next.grant <- struct{}{}
}

// acquire blocks until t owns the core or ctx is done.
func (c *core) acquire(ctx context.Context, t *Task) error {
	c.mutex.Lock()
	if c.owner == nil && len(c.ready) == 0 {
		c.owner = t
		c.mutex.Unlock()
		return nil
	}
	c.enqueue(t)
	c.mutex.Unlock()
	return c.wait(ctx, t)
}

// wait blocks a task already on the ready list until it is granted the core.
func (c *core) wait(ctx context.Context, t *Task) error {
	select {
	case <-t.grant:
		return nil
	case <-ctx.Done():
	}

	c.mutex.Lock()
	removed := c.remove(t)
	c.mutex.Unlock()
	if !removed {
		// Granted while shutting down: pass the core on.
		<-t.grant
		c.release(t)
	}
	return pkg.ErrSchedulerStopped
}

// release gives up the core if t owns it and grants it to the next ready task.
func (c *core) release(t *Task) {
	c.mutex.Lock()
	if c.owner != t {
		c.mutex.Unlock()
		return
	}
	c.owner = nil
	c.mutex.Unlock()
	c.dispatch()
}

// contended reports whether a ready task of at least priority p is waiting.
func (c *core) contended(p Priority) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.ready) > 0 && c.ready[0].priority >= p
}

// CoreMask selects the cores a task may run on, one bit per core.
type CoreMask uint32

// NoAffinity leaves a task on the default core (core 0).
const NoAffinity CoreMask = 0

// CoreBit returns the mask selecting only core n.
func CoreBit(n int) CoreMask {
	return CoreMask(1) << uint(n)
}

// first returns the lowest core selected by m, or -1 if m is empty.
func (m CoreMask) first() int {
	for i := 0; i < maxCores; i++ {
		if m&CoreBit(i) != 0 {
			return i
		}
	}
	return -1
}
