package device

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/ardnew/softtmc/device/hal"
	"github.com/ardnew/softtmc/kernel"
	"github.com/ardnew/softtmc/metrics"
	"github.com/ardnew/softtmc/pkg"
)

// eventItemSize is the accounted size of one queued controller event.
const eventItemSize = 32

// ClassDriver implements a USB class on top of the Stack. Every method is
// called from the device task.
type ClassDriver interface {
	// Open is called when the host selects the configuration. Drivers arm
	// their OUT endpoints here.
	Open(s *Stack) error

	// Reset is called when the configuration is lost to a bus reset, an
	// unplug or SET_CONFIGURATION(0).
	Reset()

	// ControlRequest handles a class or vendor request. The returned bytes
	// are the data stage of a device-to-host request.
	ControlRequest(s *Stack, setup *SetupPacket, data []byte) ([]byte, error)

	// XferComplete reports a finished transfer on a data endpoint. For OUT
	// endpoints data holds the received bytes.
	XferComplete(s *Stack, ep uint8, data []byte, n int) error
}

// HaltClearer is implemented by class drivers that must act when the host
// clears an endpoint halt, typically to re-arm an OUT endpoint.
type HaltClearer interface {
	HaltCleared(s *Stack, ep uint8)
}

// Option configures a Stack.
type Option func(*Stack)

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(s *Stack) { s.rec = metrics.OrNoop(r) }
}

// WithLinkObserver registers fn to run in the device task after each link
// state change, like the mount and suspend callbacks of a device stack.
func WithLinkObserver(fn func(LinkState)) Option {
	return func(s *Stack) { s.observers = append(s.observers, fn) }
}

// Stack is an event-driven USB device stack. Controller interrupts are
// posted to a kernel queue; Task drains the queue in the device task,
// answers chapter 9 requests and hands class traffic to the ClassDriver.
type Stack struct {
	ctrl      hal.Controller
	desc      Descriptors
	class     ClassDriver
	rec       metrics.Recorder
	observers []func(LinkState)

	initMutex   sync.Mutex
	initialized atomic.Bool
	events      *kernel.Queue[hal.Event]
	port        uint8

	link Link

	// Owned by the device task.
	state        State
	resumeState  State
	speed        Speed
	address      uint8
	config       uint8
	remoteWakeup bool
	halted       map[uint8]bool
	response     [MaxControlDataSize]byte
}

// NewStack returns a stack presenting desc and forwarding class traffic to
// class.
func NewStack(ctrl hal.Controller, desc Descriptors, class ClassDriver, opts ...Option) *Stack {
	s := &Stack{
		ctrl:   ctrl,
		desc:   desc,
		class:  class,
		rec:    metrics.NoopRecorder{},
		halted: make(map[uint8]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LinkState returns the current link state.
func (s *Stack) LinkState() LinkState { return s.link.Load() }

// State returns the chapter 9 device state. It is only meaningful from the
// device task.
func (s *Stack) State() State { return s.state }

// Configured reports whether the host has selected a configuration.
func (s *Stack) Configured() bool { return s.config != 0 }

// Init creates the event queue and brings up the controller on port. It must
// run in a task after the scheduler has started: controller interrupts post
// to the queue with interrupt-side primitives. A failed Init may be retried;
// the queue is allocated once and kept across attempts.
func (s *Stack) Init(task *kernel.Task, port uint8) error {
	k := task.Kernel()
	if !k.IsRunning() {
		return fmt.Errorf("usb init on port %d: %w", port, pkg.ErrSchedulerNotRunning)
	}

	s.initMutex.Lock()
	defer s.initMutex.Unlock()

	if s.initialized.Load() {
		return fmt.Errorf("usb init on port %d: %w", port, pkg.ErrAlreadyRunning)
	}
	if s.events == nil {
		events, err := kernel.NewQueue[hal.Event](k, "usbd events", EventQueueLength, eventItemSize)
		if err != nil {
			return fmt.Errorf("usb init on port %d: %w", port, err)
		}
		s.events = events
	}
	s.port = port
	s.state = StateAttached

	// The controller does not call isr until its Init succeeds.
	if err := s.ctrl.Init(port, s.isr); err != nil {
		return fmt.Errorf("usb init on port %d: %w", port, err)
	}
	s.initialized.Store(true)

	pkg.LogInfo(pkg.ComponentUSB, "device stack initialized",
		"port", port,
		"task", task.Name())
	return nil
}

// Initialized reports whether Init has succeeded.
func (s *Stack) Initialized() bool {
	return s.initialized.Load()
}

// isr posts controller events from interrupt context.
func (s *Stack) isr(ev hal.Event) error {
	if err := s.events.SendFromISR(ev); err != nil {
		s.rec.IncDroppedEvent("usbd")
		pkg.LogWarn(pkg.ComponentHAL, "event dropped",
			"event", ev.Type,
			"error", err)
		return err
	}
	return nil
}

// Task blocks until at least one controller event is pending and then
// handles every pending event. It returns pkg.ErrSchedulerStopped once the
// scheduler stops.
func (s *Stack) Task(task *kernel.Task) error {
	if !s.initialized.Load() {
		return pkg.ErrInvalidState
	}
	ev, err := s.events.Receive(task, kernel.MaxDelay)
	for err == nil {
		s.handle(ev)
		ev, err = s.events.TryReceive()
	}
	if errors.Is(err, pkg.ErrQueueEmpty) {
		return nil
	}
	return err
}

func (s *Stack) handle(ev hal.Event) {
	pkg.LogDebug(pkg.ComponentUSB, "event",
		"event", ev.Type,
		"state", s.state)

	switch ev.Type {
	case hal.EventBusReset:
		s.reset(StateDefault)
		s.speed = speedOf(ev.Speed)

	case hal.EventUnplugged:
		s.reset(StateAttached)

	case hal.EventSuspend:
		if s.state == StateAttached || s.state == StateSuspended {
			return
		}
		s.resumeState = s.state
		s.state = StateSuspended
		s.publish(LinkSuspended)

	case hal.EventResume:
		if s.state != StateSuspended {
			return
		}
		s.state = s.resumeState
		s.publishConfigured()

	case hal.EventSetup:
		s.setup(ev)

	case hal.EventXferComplete:
		if s.config == 0 {
			return
		}
		if err := s.class.XferComplete(s, ev.Endpoint, ev.Data, ev.Length); err != nil {
			pkg.LogWarn(pkg.ComponentUSB, "transfer completion failed",
				"endpoint", fmt.Sprintf("0x%02X", ev.Endpoint),
				"error", err)
		}

	default:
		pkg.LogWarn(pkg.ComponentUSB, "unknown event", "event", ev.Type)
	}
}

// reset drops the configuration and address.
func (s *Stack) reset(state State) {
	if s.config != 0 {
		s.class.Reset()
		if err := s.ctrl.ConfigureEndpoints(nil); err != nil {
			pkg.LogWarn(pkg.ComponentUSB, "close endpoints failed", "error", err)
		}
	}
	s.state = state
	s.address = 0
	s.config = 0
	s.remoteWakeup = false
	clear(s.halted)
	s.publish(LinkNotMounted)
}

func (s *Stack) publishConfigured() {
	if s.config != 0 {
		s.publish(LinkMounted)
	} else {
		s.publish(LinkNotMounted)
	}
}

func (s *Stack) publish(state LinkState) {
	if !s.link.store(state) {
		return
	}
	s.rec.SetLinkState(state.String())
	pkg.LogInfo(pkg.ComponentUSB, "link state changed",
		"link", state,
		"state", s.state)
	for _, fn := range s.observers {
		fn(state)
	}
}

func (s *Stack) setup(ev hal.Event) {
	var setup SetupPacket
	if err := ParseSetupPacket(ev.Setup[:], &setup); err != nil {
		s.stall(nil, "malformed", err)
		return
	}

	kind := "standard"
	var (
		data []byte
		err  error
	)
	switch setup.Type() {
	case RequestTypeStandard:
		data, err = s.standard(&setup)
	default:
		kind = "class"
		if s.config == 0 {
			err = pkg.ErrNotConfigured
			break
		}
		data, err = s.class.ControlRequest(s, &setup, ev.Data)
	}
	if err != nil {
		s.stall(&setup, kind, err)
		return
	}
	s.rec.IncControlRequest(kind, false)

	if setup.IsDeviceToHost() {
		if len(data) > int(setup.Length) {
			data = data[:setup.Length]
		}
		err = s.ctrl.ControlIn(data)
	} else {
		err = s.ctrl.ControlAck()
	}
	if err != nil {
		pkg.LogWarn(pkg.ComponentUSB, "control completion failed",
			"request", setup.String(),
			"error", err)
		return
	}

	// The address takes effect after the status stage.
	if setup.Type() == RequestTypeStandard && setup.Request == RequestSetAddress &&
		setup.Recipient() == RequestRecipientDevice {
		if err := s.ctrl.SetAddress(s.address); err != nil {
			pkg.LogWarn(pkg.ComponentUSB, "set address failed", "error", err)
		}
	}
}

func (s *Stack) stall(setup *SetupPacket, kind string, err error) {
	s.rec.IncControlRequest(kind, true)
	req := "?"
	if setup != nil {
		req = setup.String()
	}
	pkg.LogDebug(pkg.ComponentUSB, "control request stalled",
		"request", req,
		"error", err)
	if err := s.ctrl.ControlStall(); err != nil {
		pkg.LogWarn(pkg.ComponentUSB, "stall failed", "error", err)
	}
}

// Xfer queues a transfer on a data endpoint of the active configuration.
func (s *Stack) Xfer(ep uint8, buf []byte) error {
	if s.config == 0 {
		return pkg.ErrNotConfigured
	}
	if !s.hasEndpoint(ep) {
		return pkg.ErrInvalidEndpoint
	}
	if s.halted[ep] {
		return pkg.ErrBusy
	}
	return s.ctrl.Xfer(ep, buf)
}

// Stall halts a data endpoint until the host clears it.
func (s *Stack) Stall(ep uint8) error {
	if !s.hasEndpoint(ep) {
		return pkg.ErrInvalidEndpoint
	}
	s.halted[ep] = true
	return s.ctrl.Stall(ep)
}

// ClearStall clears a data endpoint halt.
func (s *Stack) ClearStall(ep uint8) error {
	if !s.hasEndpoint(ep) {
		return pkg.ErrInvalidEndpoint
	}
	delete(s.halted, ep)
	return s.ctrl.ClearStall(ep)
}

// RemoteWakeup asks a suspended host to resume, if the host enabled it.
func (s *Stack) RemoteWakeup() error {
	if s.state != StateSuspended || !s.remoteWakeup {
		return pkg.ErrInvalidState
	}
	return s.ctrl.RemoteWakeup()
}

func (s *Stack) hasEndpoint(ep uint8) bool {
	for _, e := range s.desc.Configuration.Endpoints {
		if e.Address == ep {
			return true
		}
	}
	return false
}
