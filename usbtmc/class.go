package usbtmc

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softtmc/device"
	"github.com/ardnew/softtmc/pkg"
)

// Handler receives decoded USBTMC traffic from a Class. Every method is
// called from the device task.
type Handler interface {
	// MessageOut delivers a chunk of a device-dependent message. eom is set
	// on the chunk that completes the message. data is only valid for the
	// duration of the call.
	MessageOut(data []byte, eom bool)

	// RequestIn reports that the host is waiting for up to req.TransferSize
	// bytes of response. The handler answers with Class.SendIn.
	RequestIn(req Header)

	// Trigger handles a USB488 TRIGGER message.
	Trigger()

	// Clear handles INITIATE_CLEAR: partial input and pending output are
	// discarded and the device is cleared.
	Clear()

	// AbortOut discards the message being received.
	AbortOut()

	// AbortIn discards the response being sent.
	AbortIn()

	// IndicatorPulse handles INDICATOR_PULSE.
	IndicatorPulse()

	// StatusByte returns the IEEE 488.2 status byte for READ_STATUS_BYTE.
	StatusByte() byte
}

// Capabilities are the optional features reported by GET_CAPABILITIES.
type Capabilities struct {
	IndicatorPulse bool
	TermChar       bool
	Trigger        bool
	RemoteLocal    bool
	SCPI           bool
	ServiceRequest bool
}

// DefaultCapabilities describes a USB488 SCPI instrument with every
// optional feature.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		IndicatorPulse: true,
		TermChar:       true,
		Trigger:        true,
		RemoteLocal:    true,
		SCPI:           true,
		ServiceRequest: true,
	}
}

// capabilitiesSize is the GET_CAPABILITIES response length.
const capabilitiesSize = 0x18

// MarshalTo writes the GET_CAPABILITIES response to buf.
func (c Capabilities) MarshalTo(buf []byte) int {
	if len(buf) < capabilitiesSize {
		return 0
	}
	clear(buf[:capabilitiesSize])
	buf[0] = StatusSuccess
	binary.LittleEndian.PutUint16(buf[2:4], 0x0100)
	if c.IndicatorPulse {
		buf[4] |= CapIndicatorPulse
	}
	if c.TermChar {
		buf[5] |= CapTermChar
	}
	binary.LittleEndian.PutUint16(buf[12:14], 0x0100)
	buf[14] = Cap488Interface
	if c.RemoteLocal {
		buf[14] |= Cap488REN
		buf[15] |= Cap488RL1
	}
	if c.Trigger {
		buf[14] |= Cap488Trigger
		buf[15] |= Cap488DT1
	}
	if c.SCPI {
		buf[15] |= Cap488SCPI
	}
	if c.ServiceRequest {
		buf[15] |= Cap488SR1
	}
	return capabilitiesSize
}

// Class is the USBTMC/USB488 class driver. It splits the bulk OUT stream
// into messages, frames bulk IN responses and answers the class control
// requests. It implements device.ClassDriver.
type Class struct {
	handler Handler
	caps    Capabilities
	stack   *device.Stack

	rx       [BulkBufferSize]byte
	tx       []byte
	response [capabilitiesSize]byte

	// Bulk OUT.
	outTag    uint8
	remaining uint32
	eom       bool
	rxBytes   uint32

	// Bulk IN.
	inTag     uint8
	inReq     Header
	inPending bool
	txBusy    bool
	txBytes   uint32

	remote  bool
	lockout bool
}

// NewClass returns a class driver that hands decoded traffic to h.
func NewClass(h Handler, caps Capabilities) *Class {
	return &Class{handler: h, caps: caps}
}

// Capabilities returns the reported capabilities.
func (c *Class) Capabilities() Capabilities { return c.caps }

// Remote reports whether the host has asserted REN.
func (c *Class) Remote() bool { return c.remote }

// Lockout reports whether the host has sent LOCAL_LOCKOUT.
func (c *Class) Lockout() bool { return c.lockout }

// PendingIn returns the REQUEST_DEV_DEP_MSG_IN waiting for a response.
func (c *Class) PendingIn() (Header, bool) { return c.inReq, c.inPending }

// Open implements device.ClassDriver.
func (c *Class) Open(s *device.Stack) error {
	c.stack = s
	c.resetTransfers()
	pkg.LogDebug(pkg.ComponentUSBTMC, "interface opened")
	return c.arm()
}

// Reset implements device.ClassDriver.
func (c *Class) Reset() {
	c.resetTransfers()
	c.remote = false
	c.lockout = false
	c.handler.AbortOut()
	c.handler.AbortIn()
	c.stack = nil
}

func (c *Class) resetTransfers() {
	c.remaining = 0
	c.eom = false
	c.rxBytes = 0
	c.inPending = false
	c.txBusy = false
	c.txBytes = 0
}

func (c *Class) arm() error {
	return c.stack.Xfer(EndpointOut, c.rx[:])
}

// HaltCleared implements device.HaltClearer.
func (c *Class) HaltCleared(s *device.Stack, ep uint8) {
	if ep != EndpointOut {
		return
	}
	c.remaining = 0
	if err := c.arm(); err != nil {
		pkg.LogWarn(pkg.ComponentUSBTMC, "re-arm after halt failed", "error", err)
	}
}

// XferComplete implements device.ClassDriver.
func (c *Class) XferComplete(s *device.Stack, ep uint8, data []byte, n int) error {
	switch ep {
	case EndpointOut:
		if n > len(data) {
			n = len(data)
		}
		if err := c.receive(data[:n]); err != nil {
			pkg.LogWarn(pkg.ComponentUSBTMC, "bulk out rejected", "error", err)
			c.remaining = 0
			return s.Stall(EndpointOut)
		}
		return c.arm()

	case EndpointIn:
		if c.txBusy {
			c.txBusy = false
			c.txBytes += uint32(n)
		}
		return nil

	default:
		return fmt.Errorf("endpoint 0x%02X: %w", ep, pkg.ErrInvalidEndpoint)
	}
}

func (c *Class) receive(data []byte) error {
	if c.remaining > 0 {
		take := min(uint32(len(data)), c.remaining)
		c.remaining -= take
		c.rxBytes += take
		c.handler.MessageOut(data[:take], c.remaining == 0 && c.eom)
		return nil
	}

	var h Header
	if err := ParseHeader(data, &h); err != nil {
		return err
	}
	switch h.MsgID {
	case MsgDevDepOut:
		payload := data[HeaderSize:]
		take := min(uint32(len(payload)), h.TransferSize)
		c.outTag = h.Tag
		c.eom = h.EOM()
		c.remaining = h.TransferSize - take
		c.rxBytes = take
		pkg.LogDebug(pkg.ComponentUSBTMC, "message out",
			"tag", h.Tag,
			"size", h.TransferSize,
			"eom", c.eom)
		c.handler.MessageOut(payload[:take], c.remaining == 0 && c.eom)
		return nil

	case MsgRequestDevDepIn:
		if h.TermCharEnabled() && !c.caps.TermChar {
			return fmt.Errorf("term char request: %w", pkg.ErrNotSupported)
		}
		c.inTag = h.Tag
		c.inReq = h
		c.inPending = true
		c.txBytes = 0
		pkg.LogDebug(pkg.ComponentUSBTMC, "request in",
			"tag", h.Tag,
			"max", h.TransferSize)
		c.handler.RequestIn(h)
		return nil

	case MsgTrigger:
		if !c.caps.Trigger {
			return fmt.Errorf("trigger: %w", pkg.ErrNotSupported)
		}
		c.handler.Trigger()
		return nil

	default:
		return fmt.Errorf("message id %d: %w", h.MsgID, pkg.ErrNotSupported)
	}
}

// SendIn answers the pending REQUEST_DEV_DEP_MSG_IN with data, which must
// fit the size the host asked for.
func (c *Class) SendIn(data []byte, eom bool) error {
	if c.stack == nil {
		return pkg.ErrNotConfigured
	}
	if !c.inPending {
		return fmt.Errorf("send in: %w", pkg.ErrInvalidState)
	}
	if len(data) > int(c.inReq.TransferSize) {
		return fmt.Errorf("send in %d of %d bytes: %w", len(data), c.inReq.TransferSize, pkg.ErrBufferTooSmall)
	}

	h := Header{MsgID: MsgDevDepIn, Tag: c.inReq.Tag}
	if eom {
		h.Attributes = AttrEOM
	}
	c.tx = AppendMessage(c.tx[:0], h, data)
	c.inPending = false
	c.txBusy = true
	if err := c.stack.Xfer(EndpointIn, c.tx); err != nil {
		c.txBusy = false
		return fmt.Errorf("send in: %w", err)
	}
	return nil
}

// ControlRequest implements device.ClassDriver.
func (c *Class) ControlRequest(s *device.Stack, setup *device.SetupPacket, _ []byte) ([]byte, error) {
	if setup.Type() != device.RequestTypeClass {
		return nil, pkg.ErrNotSupported
	}
	r := c.response[:]

	switch setup.Request {
	case RequestGetCapabilities:
		return r[:c.caps.MarshalTo(r)], nil

	case RequestIndicatorPulse:
		if !c.caps.IndicatorPulse {
			return nil, pkg.ErrNotSupported
		}
		c.handler.IndicatorPulse()
		return status(r, StatusSuccess), nil

	case RequestInitiateClear:
		c.resetTransfers()
		c.handler.Clear()
		pkg.LogInfo(pkg.ComponentUSBTMC, "device clear")
		return status(r, StatusSuccess), nil

	case RequestCheckClearStatus:
		r[0], r[1] = StatusSuccess, 0
		return r[:2], nil

	case RequestInitiateAbortBulkOut:
		if setup.IndexLow() != EndpointOut {
			return nil, pkg.ErrInvalidEndpoint
		}
		tag := uint8(setup.Value)
		r[1] = c.outTag
		switch {
		case c.remaining == 0:
			r[0] = StatusTransferNotInProgress
		case tag != c.outTag:
			r[0] = StatusFailed
		default:
			c.remaining = 0
			c.handler.AbortOut()
			r[0] = StatusSuccess
			pkg.LogInfo(pkg.ComponentUSBTMC, "bulk out aborted", "tag", tag)
		}
		return r[:2], nil

	case RequestCheckAbortBulkOutStatus:
		clear(r[:8])
		r[0] = StatusSuccess
		binary.LittleEndian.PutUint32(r[4:8], c.rxBytes)
		return r[:8], nil

	case RequestInitiateAbortBulkIn:
		if setup.IndexLow() != EndpointIn {
			return nil, pkg.ErrInvalidEndpoint
		}
		tag := uint8(setup.Value)
		r[1] = c.inTag
		switch {
		case !c.inPending && !c.txBusy:
			r[0] = StatusTransferNotInProgress
		case tag != c.inTag:
			r[0] = StatusFailed
		default:
			c.inPending = false
			c.txBusy = false
			c.handler.AbortIn()
			r[0] = StatusSuccess
			pkg.LogInfo(pkg.ComponentUSBTMC, "bulk in aborted", "tag", tag)
		}
		return r[:2], nil

	case RequestCheckAbortBulkInStatus:
		clear(r[:8])
		r[0] = StatusSuccess
		binary.LittleEndian.PutUint32(r[4:8], c.txBytes)
		return r[:8], nil

	case RequestReadStatusByte:
		tag := uint8(setup.Value & 0x7F)
		if tag < 2 {
			return nil, pkg.ErrInvalidRequest
		}
		r[0], r[1], r[2] = StatusSuccess, tag, c.handler.StatusByte()
		return r[:3], nil

	case RequestRENControl:
		if !c.caps.RemoteLocal {
			return nil, pkg.ErrNotSupported
		}
		c.remote = setup.Value&0xFF != 0
		if !c.remote {
			c.lockout = false
		}
		return status(r, StatusSuccess), nil

	case RequestGoToLocal:
		if !c.caps.RemoteLocal {
			return nil, pkg.ErrNotSupported
		}
		c.lockout = false
		return status(r, StatusSuccess), nil

	case RequestLocalLockout:
		if !c.caps.RemoteLocal {
			return nil, pkg.ErrNotSupported
		}
		c.lockout = true
		return status(r, StatusSuccess), nil

	default:
		return nil, pkg.ErrInvalidRequest
	}
}

func status(r []byte, code byte) []byte {
	r[0] = code
	return r[:1]
}
