package instrument

// Status byte bits (IEEE 488.2 section 11.2, SCPI 1999 section 9).
const (
	StbErrorQueue   = 0x04 // EAV: error queue not empty
	StbQuestionable = 0x08 // QUEStionable summary
	StbMAV          = 0x10 // Message available
	StbESB          = 0x20 // Standard event summary
	StbMSS          = 0x40 // Master summary (RQS on serial poll)
	StbOperation    = 0x80 // OPERation summary
)

// Standard event status register bits (IEEE 488.2 section 11.5.1).
const (
	EsrOPC = 0x01 // Operation complete
	EsrRQC = 0x02 // Request control
	EsrQYE = 0x04 // Query error
	EsrDDE = 0x08 // Device-dependent error
	EsrEXE = 0x10 // Execution error
	EsrCME = 0x20 // Command error
	EsrURQ = 0x40 // User request
	EsrPON = 0x80 // Power on
)

// Operation condition bits (SCPI 1999 section 9.4).
const (
	OperCalibrating = 1 << 0
	OperSettling    = 1 << 1
	OperRanging     = 1 << 2
	OperSweeping    = 1 << 3
	OperMeasuring   = 1 << 4
	OperWaitTrigger = 1 << 5
	OperWaitArm     = 1 << 6
)

// Questionable condition bits (SCPI 1999 section 9.5).
const (
	QuesVoltage     = 1 << 0
	QuesCurrent     = 1 << 1
	QuesTime        = 1 << 2
	QuesPower       = 1 << 3
	QuesTemperature = 1 << 4
	QuesFrequency   = 1 << 5
	QuesPhase       = 1 << 6
	QuesModulation  = 1 << 7
	QuesCalibration = 1 << 8
)

// Register is a SCPI status register group: condition, transition filters,
// latched event and enable mask. Bit 15 is never used.
type Register struct {
	Condition uint16
	PTR       uint16 // positive transition filter
	NTR       uint16 // negative transition filter
	Event     uint16
	Enable    uint16
}

const registerMask = 0x7FFF

// NewRegister returns a group that latches rising edges, the SCPI preset.
func NewRegister() Register {
	return Register{PTR: registerMask}
}

// Update samples a new condition and latches the filtered transitions.
func (r *Register) Update(cond uint16) {
	cond &= registerMask
	rising := cond &^ r.Condition
	falling := r.Condition &^ cond
	r.Event |= rising&r.PTR | falling&r.NTR
	r.Condition = cond
}

// ReadEvent returns and clears the event register.
func (r *Register) ReadEvent() uint16 {
	ev := r.Event
	r.Event = 0
	return ev
}

// Summary reports whether an enabled event is latched.
func (r *Register) Summary() bool { return r.Event&r.Enable != 0 }

// Preset restores the SCPI preset filters and clears the enable mask.
func (r *Register) Preset() {
	r.PTR = registerMask
	r.NTR = 0
	r.Enable = 0
}
