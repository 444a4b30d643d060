package usbtmc

// Interface class codes (USBTMC 1.0 Table 43, USB488 Table 1).
const (
	InterfaceClass    = 0xFE // Application specific
	InterfaceSubClass = 0x03 // Test and measurement
	ProtocolUSBTMC    = 0x00
	ProtocolUSB488    = 0x01
)

// Bulk message IDs (USBTMC 1.0 Table 2, USB488 Table 3).
const (
	MsgDevDepOut         = 1
	MsgRequestDevDepIn   = 2
	MsgDevDepIn          = 2
	MsgVendorSpecificOut = 126
	MsgRequestVendorIn   = 127
	MsgVendorSpecificIn  = 127
	MsgTrigger           = 128
)

// bmTransferAttributes bits.
const (
	AttrEOM            = 0x01 // End of message
	AttrTermCharEnable = 0x02 // REQUEST_DEV_DEP_MSG_IN honours TermChar
)

// Class-specific requests (USBTMC 1.0 Table 15, USB488 Table 9).
const (
	RequestInitiateAbortBulkOut    = 1
	RequestCheckAbortBulkOutStatus = 2
	RequestInitiateAbortBulkIn     = 3
	RequestCheckAbortBulkInStatus  = 4
	RequestInitiateClear           = 5
	RequestCheckClearStatus        = 6
	RequestGetCapabilities         = 7
	RequestIndicatorPulse          = 64
	RequestReadStatusByte          = 128
	RequestRENControl              = 160
	RequestGoToLocal               = 161
	RequestLocalLockout            = 162
)

// USBTMC_status values (USBTMC 1.0 Table 16).
const (
	StatusSuccess               = 0x01
	StatusPending               = 0x02
	StatusInterruptInBusy       = 0x20
	StatusFailed                = 0x80
	StatusTransferNotInProgress = 0x81
	StatusSplitNotInProgress    = 0x82
	StatusSplitInProgress       = 0x83
)

// Capability bits reported by GET_CAPABILITIES.
const (
	CapIndicatorPulse = 0x04 // USBTMC interface: accepts INDICATOR_PULSE
	CapTalkOnly       = 0x02
	CapListenOnly     = 0x01
	CapTermChar       = 0x01 // USBTMC device: supports TermChar

	Cap488Interface = 0x04 // USB488 interface: IEEE 488.2 compliant
	Cap488REN       = 0x02 // USB488 interface: REN_CONTROL, GO_TO_LOCAL, LOCAL_LOCKOUT
	Cap488Trigger   = 0x01 // USB488 interface: TRIGGER message
	Cap488SCPI      = 0x08 // USB488 device: understands SCPI
	Cap488SR1       = 0x04 // USB488 device: service request capable
	Cap488RL1       = 0x02 // USB488 device: remote/local capable
	Cap488DT1       = 0x01 // USB488 device: device trigger capable
)

// Endpoint layout of the shipped descriptor set.
const (
	EndpointOut   = 0x01
	EndpointIn    = 0x81
	MaxPacketSize = 64

	// BulkBufferSize is the size of each armed bulk OUT transfer.
	BulkBufferSize = 512
)
