package hal

import "fmt"

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants (USB 2.0 Specification).
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// EndpointConfig describes an endpoint to open when a configuration is
// activated.
type EndpointConfig struct {
	Address       uint8  // Endpoint address including direction bit
	Attributes    uint8  // Transfer type and sync/usage flags
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval for interrupt/isochronous
}

// Number returns the endpoint number (0-15).
func (e *EndpointConfig) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *EndpointConfig) IsIn() bool {
	return e.Address&0x80 != 0
}

// TransferType returns the transfer type (control, bulk, interrupt, isochronous).
func (e *EndpointConfig) TransferType() uint8 {
	return e.Attributes & 0x03
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// EventType identifies a controller interrupt.
type EventType uint8

// Controller events.
const (
	EventBusReset     EventType = iota + 1 // Host drove a bus reset
	EventUnplugged                         // VBUS lost
	EventSuspend                           // Bus idle for 3 ms
	EventResume                            // Bus activity after suspend
	EventSetup                             // SETUP packet received on EP0
	EventXferComplete                      // Transfer finished on a data endpoint
)

// String returns the event name.
func (t EventType) String() string {
	switch t {
	case EventBusReset:
		return "bus-reset"
	case EventUnplugged:
		return "unplugged"
	case EventSuspend:
		return "suspend"
	case EventResume:
		return "resume"
	case EventSetup:
		return "setup"
	case EventXferComplete:
		return "xfer-complete"
	default:
		return fmt.Sprintf("event(%d)", uint8(t))
	}
}

// Event is posted by the controller from interrupt context.
type Event struct {
	Type EventType

	// Speed is set for EventBusReset.
	Speed Speed

	// Setup holds the raw SETUP packet for EventSetup, and Data the OUT data
	// stage that followed it, if any.
	Setup [SetupPacketSize]byte

	// Endpoint and Data are set for EventXferComplete. Data holds the bytes
	// received on an OUT endpoint; Length counts the bytes moved.
	Endpoint uint8
	Data     []byte
	Length   int
}

// ISR receives controller events. It is called from interrupt context and
// must not block.
type ISR func(ev Event) error

// Controller is the hardware side of a USB device port.
//
// The controller raises events through the ISR installed by Init. All other
// methods are called from the device task and complete without blocking;
// data endpoint transfers report completion with EventXferComplete.
type Controller interface {
	// Init brings up the controller on port, installs isr and attaches to
	// the bus.
	Init(port uint8, isr ISR) error

	// SetAddress applies the address assigned by SET_ADDRESS.
	SetAddress(address uint8) error

	// ConfigureEndpoints opens endpoints for the active configuration. An
	// empty slice closes every data endpoint.
	ConfigureEndpoints(endpoints []EndpointConfig) error

	// ControlIn sends the data stage of a device-to-host control transfer,
	// followed by the status stage.
	ControlIn(data []byte) error

	// ControlAck completes a control transfer with a zero-length status stage.
	ControlAck() error

	// ControlStall stalls EP0 for the current control transfer.
	ControlStall() error

	// Xfer queues a transfer on a data endpoint. For IN endpoints buf is sent;
	// for OUT endpoints up to len(buf) bytes are received.
	Xfer(address uint8, buf []byte) error

	// Stall and ClearStall set and clear the halt condition on an endpoint.
	Stall(address uint8) error
	ClearStall(address uint8) error

	// RemoteWakeup signals resume to a suspended host.
	RemoteWakeup() error
}
