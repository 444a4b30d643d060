package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/ardnew/softtmc/device/hal"
	"github.com/ardnew/softtmc/pkg"
)

// ErrStall is returned to the host when the device stalls a request.
var ErrStall = errors.New("stall")

// inDepth is the number of IN transfers buffered per endpoint.
const inDepth = 16

type controlResult struct {
	data []byte
	err  error
}

// Controller is an in-memory USB device controller. The device side
// implements hal.Controller; the host side (Plug, Control, BulkOut, BulkIn,
// ...) raises interrupts as a real bus would. Host-side methods may be called
// from any goroutine.
type Controller struct {
	mutex sync.Mutex

	isr      hal.ISR
	port     uint8
	attached bool
	speed    hal.Speed
	address  uint8

	endpoints map[uint8]hal.EndpointConfig
	stalled   map[uint8]bool
	armed     map[uint8]int
	pending   map[uint8][][]byte
	in        map[uint8]chan []byte

	controlMutex sync.Mutex
	control      chan controlResult

	initErr   error
	initCalls atomic.Int32
	wakeups   atomic.Int32
}

// New returns a detached controller.
func New() *Controller {
	return &Controller{
		speed:     hal.SpeedFull,
		endpoints: make(map[uint8]hal.EndpointConfig),
		stalled:   make(map[uint8]bool),
		armed:     make(map[uint8]int),
		pending:   make(map[uint8][][]byte),
		in:        make(map[uint8]chan []byte),
		control:   make(chan controlResult, 1),
	}
}

// FailInit makes the next Init calls return err until it is cleared with nil.
func (c *Controller) FailInit(err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.initErr = err
}

// Init implements hal.Controller.
func (c *Controller) Init(port uint8, isr hal.ISR) error {
	c.initCalls.Inc()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.initErr != nil {
		return c.initErr
	}
	if c.isr != nil {
		return pkg.ErrAlreadyRunning
	}
	c.isr = isr
	c.port = port
	pkg.LogDebug(pkg.ComponentHAL, "controller initialized", "port", port)
	return nil
}

// InitCalls returns the number of Init calls, failed ones included.
func (c *Controller) InitCalls() int { return int(c.initCalls.Load()) }

// Port returns the port passed to Init.
func (c *Controller) Port() uint8 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.port
}

// Address returns the address applied by the device.
func (c *Controller) Address() uint8 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.address
}

// Endpoints returns the number of open data endpoints.
func (c *Controller) Endpoints() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.endpoints)
}

// Stalled reports whether the device halted ep.
func (c *Controller) Stalled(ep uint8) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.stalled[ep]
}

// Wakeups returns the number of remote wakeup signals.
func (c *Controller) Wakeups() int { return int(c.wakeups.Load()) }

// SetAddress implements hal.Controller.
func (c *Controller) SetAddress(address uint8) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.address = address
	return nil
}

// ConfigureEndpoints implements hal.Controller.
func (c *Controller) ConfigureEndpoints(endpoints []hal.EndpointConfig) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	clear(c.endpoints)
	clear(c.stalled)
	clear(c.armed)
	clear(c.pending)
	for _, ep := range endpoints {
		c.endpoints[ep.Address] = ep
		if ep.IsIn() {
			if _, ok := c.in[ep.Address]; !ok {
				c.in[ep.Address] = make(chan []byte, inDepth)
			}
		}
	}
	pkg.LogDebug(pkg.ComponentHAL, "endpoints configured", "count", len(endpoints))
	return nil
}

// ControlIn implements hal.Controller.
func (c *Controller) ControlIn(data []byte) error {
	return c.completeControl(controlResult{data: append([]byte(nil), data...)})
}

// ControlAck implements hal.Controller.
func (c *Controller) ControlAck() error {
	return c.completeControl(controlResult{})
}

// ControlStall implements hal.Controller.
func (c *Controller) ControlStall() error {
	return c.completeControl(controlResult{err: ErrStall})
}

func (c *Controller) completeControl(r controlResult) error {
	select {
	case c.control <- r:
		return nil
	default:
		return pkg.ErrBusy
	}
}

// Xfer implements hal.Controller. IN data is handed to the host buffer and
// completes at once; OUT endpoints are armed for up to len(buf) bytes.
func (c *Controller) Xfer(address uint8, buf []byte) error {
	c.mutex.Lock()
	if _, ok := c.endpoints[address]; !ok {
		c.mutex.Unlock()
		return pkg.ErrInvalidEndpoint
	}
	if c.stalled[address] {
		c.mutex.Unlock()
		return pkg.ErrBusy
	}

	if address&0x80 != 0 {
		ch := c.in[address]
		c.mutex.Unlock()
		select {
		case ch <- append([]byte(nil), buf...):
		default:
			return pkg.ErrBusy
		}
		return c.raise(hal.Event{Type: hal.EventXferComplete, Endpoint: address, Length: len(buf)})
	}

	if _, ok := c.armed[address]; ok {
		c.mutex.Unlock()
		return pkg.ErrBusy
	}
	if q := c.pending[address]; len(q) > 0 {
		ev := c.deliverLocked(address, len(buf))
		c.mutex.Unlock()
		return c.raise(ev)
	}
	c.armed[address] = len(buf)
	c.mutex.Unlock()
	return nil
}

// deliverLocked completes an OUT transfer of at most limit bytes from the
// pending host data. The remainder stays pending.
func (c *Controller) deliverLocked(ep uint8, limit int) hal.Event {
	q := c.pending[ep]
	data := q[0]
	if len(data) > limit {
		q[0] = data[limit:]
		data = data[:limit]
	} else {
		c.pending[ep] = q[1:]
	}
	return hal.Event{
		Type:     hal.EventXferComplete,
		Endpoint: ep,
		Data:     append([]byte(nil), data...),
		Length:   len(data),
	}
}

// Stall implements hal.Controller.
func (c *Controller) Stall(address uint8) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.stalled[address] = true
	return nil
}

// ClearStall implements hal.Controller.
func (c *Controller) ClearStall(address uint8) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.stalled, address)
	return nil
}

// RemoteWakeup implements hal.Controller.
func (c *Controller) RemoteWakeup() error {
	c.wakeups.Inc()
	return nil
}

func (c *Controller) raise(ev hal.Event) error {
	c.mutex.Lock()
	isr := c.isr
	c.mutex.Unlock()
	if isr == nil {
		return fmt.Errorf("raise %s: %w", ev.Type, pkg.ErrInvalidState)
	}
	return isr(ev)
}

// Plug attaches the device and drives the initial bus reset.
func (c *Controller) Plug(speed hal.Speed) error {
	c.mutex.Lock()
	c.attached = true
	c.speed = speed
	c.mutex.Unlock()
	return c.BusReset()
}

// BusReset drives a bus reset.
func (c *Controller) BusReset() error {
	c.mutex.Lock()
	c.address = 0
	speed := c.speed
	c.mutex.Unlock()
	return c.raise(hal.Event{Type: hal.EventBusReset, Speed: speed})
}

// Unplug detaches the device.
func (c *Controller) Unplug() error {
	c.mutex.Lock()
	c.attached = false
	c.address = 0
	c.mutex.Unlock()
	return c.raise(hal.Event{Type: hal.EventUnplugged})
}

// Suspend idles the bus.
func (c *Controller) Suspend() error {
	return c.raise(hal.Event{Type: hal.EventSuspend})
}

// Resume resumes bus activity.
func (c *Controller) Resume() error {
	return c.raise(hal.Event{Type: hal.EventResume})
}

// Control runs a control transfer and returns the device's data stage.
// data is the OUT data stage, if any. A stalled request returns ErrStall.
func (c *Controller) Control(ctx context.Context, setup [hal.SetupPacketSize]byte, data []byte) ([]byte, error) {
	c.controlMutex.Lock()
	defer c.controlMutex.Unlock()

	// Drop a completion left by an abandoned transfer.
	select {
	case <-c.control:
	default:
	}

	ev := hal.Event{Type: hal.EventSetup, Setup: setup}
	if len(data) > 0 {
		ev.Data = append([]byte(nil), data...)
	}
	if err := c.raise(ev); err != nil {
		return nil, err
	}
	select {
	case r := <-c.control:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BulkOut sends data to an OUT endpoint. The device receives it in
// transfers no larger than the buffers it arms.
func (c *Controller) BulkOut(ep uint8, data []byte) error {
	c.mutex.Lock()
	if _, ok := c.endpoints[ep]; !ok || ep&0x80 != 0 {
		c.mutex.Unlock()
		return pkg.ErrInvalidEndpoint
	}
	if c.stalled[ep] {
		c.mutex.Unlock()
		return ErrStall
	}
	c.pending[ep] = append(c.pending[ep], append([]byte(nil), data...))

	limit, armed := c.armed[ep]
	if !armed {
		c.mutex.Unlock()
		return nil
	}
	delete(c.armed, ep)
	ev := c.deliverLocked(ep, limit)
	c.mutex.Unlock()
	return c.raise(ev)
}

// BulkIn waits for the next transfer the device sends on an IN endpoint.
func (c *Controller) BulkIn(ctx context.Context, ep uint8) ([]byte, error) {
	c.mutex.Lock()
	ch, ok := c.in[ep]
	c.mutex.Unlock()
	if !ok {
		return nil, pkg.ErrInvalidEndpoint
	}
	select {
	case data := <-ch:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
