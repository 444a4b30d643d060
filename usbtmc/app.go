package usbtmc

import (
	"bytes"

	"github.com/ardnew/softtmc/kernel"
	"github.com/ardnew/softtmc/pkg"
)

// DefaultMaxMessageSize bounds an assembled program message.
const DefaultMaxMessageSize = 1024

// Instrument is the message-based device behind the USBTMC interface.
type Instrument interface {
	// Write executes a complete program message. msg is only valid for the
	// duration of the call.
	Write(msg []byte) error

	// Read dequeues the next response message.
	Read() ([]byte, bool)

	// StatusByte returns the status byte for a serial poll.
	StatusByte() byte

	// Clear handles a device clear.
	Clear()

	// Trigger handles a group execute trigger.
	Trigger()
}

// Pulser handles INDICATOR_PULSE.
type Pulser interface {
	Pulse()
}

// AppOption configures an App.
type AppOption func(*App)

// WithPulser routes INDICATOR_PULSE to p.
func WithPulser(p Pulser) AppOption {
	return func(a *App) { a.pulser = p }
}

// WithCapabilities overrides the reported capabilities.
func WithCapabilities(caps Capabilities) AppOption {
	return func(a *App) { a.caps = caps }
}

// WithMaxMessageSize bounds assembled program messages to n bytes.
func WithMaxMessageSize(n int) AppOption {
	return func(a *App) { a.maxMessage = n }
}

// App is the USBTMC application: it assembles program messages for the
// instrument and streams its responses back when the host asks for them.
//
// Class callbacks record work; TaskIter performs the deferred part, so the
// device task always handles its events before the application step.
type App struct {
	class      *Class
	inst       Instrument
	pulser     Pulser
	caps       Capabilities
	maxMessage int

	rx       []byte
	overflow bool

	out       []byte
	requested bool
}

// NewApp returns an application serving inst.
func NewApp(inst Instrument, opts ...AppOption) *App {
	a := &App{
		inst:       inst,
		caps:       DefaultCapabilities(),
		maxMessage: DefaultMaxMessageSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.pulser == nil {
		a.caps.IndicatorPulse = false
	}
	a.class = NewClass(a, a.caps)
	return a
}

// Class returns the class driver to install on the device stack.
func (a *App) Class() *Class { return a.class }

// TaskIter runs one application step: when the host is waiting for a
// response and the instrument has one, the next chunk is sent.
func (a *App) TaskIter(task *kernel.Task) error {
	if !a.requested {
		return nil
	}
	req, ok := a.class.PendingIn()
	if !ok {
		a.requested = false
		return nil
	}
	if len(a.out) == 0 {
		msg, ok := a.inst.Read()
		if !ok {
			return nil
		}
		a.out = msg
	}

	chunk, eom := a.out, true
	if req.TermCharEnabled() {
		if i := bytes.IndexByte(chunk, req.TermChar); i >= 0 && i+1 < len(chunk) {
			chunk, eom = chunk[:i+1], false
		}
	}
	if limit := int(req.TransferSize); len(chunk) > limit {
		chunk, eom = chunk[:limit], false
	}
	if err := a.class.SendIn(chunk, eom); err != nil {
		return err
	}
	a.out = a.out[len(chunk):]
	a.requested = false

	pkg.LogDebug(pkg.ComponentUSBTMC, "response sent",
		"task", task.Name(),
		"tag", req.Tag,
		"bytes", len(chunk),
		"eom", eom)
	return nil
}

// MessageOut implements Handler.
func (a *App) MessageOut(data []byte, eom bool) {
	if !a.overflow {
		if len(a.rx)+len(data) > a.maxMessage {
			a.overflow = true
			pkg.LogWarn(pkg.ComponentUSBTMC, "program message too long",
				"limit", a.maxMessage)
		} else {
			a.rx = append(a.rx, data...)
		}
	}
	if !eom {
		return
	}

	msg, overflow := a.rx, a.overflow
	a.rx, a.overflow = a.rx[:0], false
	if overflow {
		return
	}
	if err := a.inst.Write(msg); err != nil {
		pkg.LogDebug(pkg.ComponentUSBTMC, "program message failed", "error", err)
	}
}

// RequestIn implements Handler.
func (a *App) RequestIn(Header) { a.requested = true }

// Trigger implements Handler.
func (a *App) Trigger() { a.inst.Trigger() }

// Clear implements Handler.
func (a *App) Clear() {
	a.AbortOut()
	a.AbortIn()
	a.inst.Clear()
}

// AbortOut implements Handler.
func (a *App) AbortOut() {
	a.rx = a.rx[:0]
	a.overflow = false
}

// AbortIn implements Handler.
func (a *App) AbortIn() {
	a.out = nil
	a.requested = false
}

// IndicatorPulse implements Handler.
func (a *App) IndicatorPulse() {
	if a.pulser != nil {
		a.pulser.Pulse()
	}
}

// StatusByte implements Handler.
func (a *App) StatusByte() byte { return a.inst.StatusByte() }
