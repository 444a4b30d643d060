// Package device implements an event-driven USB 2.0 full-speed device stack
// that runs inside a kernel task.
//
// The stack sits on a [hal.Controller] from
// [github.com/ardnew/softtmc/device/hal]. The controller reports bus
// conditions from interrupt context; the stack posts them into a
// [kernel.Queue] and handles them in the device task:
//
//	func usbd(task *kernel.Task) {
//	    stack.Init(task, 0) // the scheduler must be running
//	    for {
//	        stack.Task(task) // block for events, then drain them
//	        app.TaskIter(task)
//	    }
//	}
//
// # Device States
//
// The stack tracks the chapter 9 state machine:
//
//	Attached → Default → Address → Configured ⇄ Suspended
//
// and summarizes it as a [LinkState] (not mounted, mounted, suspended)
// published through a lock-free [Link] that timer callbacks can read.
//
// # Class Drivers
//
// Standard requests (addresses, configuration, descriptors, status and
// endpoint halt) are answered by the stack. Class and vendor requests, and
// transfer completions on data endpoints, go to the [ClassDriver]:
//
//	type ClassDriver interface {
//	    Open(s *Stack) error
//	    Reset()
//	    ControlRequest(s *Stack, setup *SetupPacket, data []byte) ([]byte, error)
//	    XferComplete(s *Stack, ep uint8, data []byte, n int) error
//	}
//
// The USBTMC class lives in [github.com/ardnew/softtmc/usbtmc].
//
// # Descriptors
//
// Descriptors serialize with MarshalTo(buf) into caller buffers; a
// [ConfigurationBuilder] assembles a configuration set and records the
// endpoints to open when the host selects it.
//
// An in-memory controller for tests and simulation is available in
// [github.com/ardnew/softtmc/device/hal/sim].
package device
