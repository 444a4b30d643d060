package device

import (
	"fmt"

	"go.uber.org/atomic"
)

// LinkState is the host-visible connection status summarized for the
// status indicator.
type LinkState uint32

// Link states.
const (
	LinkNotMounted LinkState = iota // Detached, or attached but not configured
	LinkMounted                     // Configured by the host
	LinkSuspended                   // Bus suspended
)

// String returns the link state name.
func (s LinkState) String() string {
	switch s {
	case LinkNotMounted:
		return "not-mounted"
	case LinkMounted:
		return "mounted"
	case LinkSuspended:
		return "suspended"
	default:
		return fmt.Sprintf("link(%d)", uint32(s))
	}
}

// Link publishes the link state. The device stack is its only writer; any
// task or timer callback may read it.
type Link struct {
	state   atomic.Uint32
	changes atomic.Uint64
}

// Load returns the current link state.
func (l *Link) Load() LinkState {
	return LinkState(l.state.Load())
}

// Changes returns the number of state transitions published.
func (l *Link) Changes() uint64 {
	return l.changes.Load()
}

func (l *Link) store(s LinkState) bool {
	if LinkState(l.state.Swap(uint32(s))) == s {
		return false
	}
	l.changes.Inc()
	return true
}
