package instrument

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/softtmc/pkg"
)

// Identity is the *IDN? response.
type Identity struct {
	Manufacturer string
	Model        string
	Serial       string
	Firmware     string
}

func (id Identity) String() string {
	return fmt.Sprintf("%s,%s,%s,%s", id.Manufacturer, id.Model, id.Serial, id.Firmware)
}

// ConditionSource samples the live condition bits of a status group.
type ConditionSource func() uint16

// Option configures an Instrument.
type Option func(*Instrument)

// WithOperationCondition samples the OPERation condition register from fn.
func WithOperationCondition(fn ConditionSource) Option {
	return func(in *Instrument) { in.operSource = fn }
}

// WithQuestionableCondition samples the QUEStionable condition register
// from fn.
func WithQuestionableCondition(fn ConditionSource) Option {
	return func(in *Instrument) { in.quesSource = fn }
}

// WithSelfTest sets the *TST? routine. It returns 0 on success.
func WithSelfTest(fn func() int) Option {
	return func(in *Instrument) { in.selfTest = fn }
}

// WithTrigger runs fn on *TRG and on bus triggers. fn must not call back
// into the instrument.
func WithTrigger(fn func()) Option {
	return func(in *Instrument) { in.onTrigger = fn }
}

// WithErrorQueueLength sets the error queue capacity.
func WithErrorQueueLength(n int) Option {
	return func(in *Instrument) { in.errq.limit = n }
}

// Instrument is an IEEE 488.2 message-based instrument with the SCPI status
// model. It is safe for concurrent use: the device task writes and reads
// messages while the register task refreshes the status registers.
type Instrument struct {
	mutex sync.Mutex

	id          Identity
	initialized bool

	esr, ese, sre byte
	oper, ques    Register
	operSource    ConditionSource
	quesSource    ConditionSource
	errq          errorQueue
	output        [][]byte

	// mss is the last computed master summary; rqs latches its rising edge
	// until the next serial poll.
	mss bool
	rqs bool

	selfTest  func() int
	onTrigger func()

	refreshes uint64
	triggers  uint64
}

// New returns an instrument reporting id. Call Init before use.
func New(id Identity, opts ...Option) *Instrument {
	in := &Instrument{
		id:     id,
		oper:   NewRegister(),
		ques:   NewRegister(),
		errq:   errorQueue{limit: DefaultErrorQueueLength},
	}
	for _, opt := range opts {
		opt(in)
	}
	if in.errq.limit < 1 {
		in.errq.limit = 1
	}
	return in
}

// Identity returns the *IDN? identity.
func (in *Instrument) Identity() Identity { return in.id }

// Init performs the power-on initialization: status structures are cleared
// and the power-on event is latched. It runs once, before any task.
func (in *Instrument) Init() error {
	in.mutex.Lock()
	defer in.mutex.Unlock()

	if in.initialized {
		return fmt.Errorf("instrument init: %w", pkg.ErrInvalidState)
	}
	in.esr = EsrPON
	in.ese, in.sre = 0, 0
	in.oper, in.ques = NewRegister(), NewRegister()
	in.errq.clear()
	in.output = nil
	in.mss, in.rqs = false, false
	in.initialized = true
	in.updateLocked()

	pkg.LogInfo(pkg.ComponentInstrument, "instrument initialized",
		"idn", in.id.String())
	return nil
}

// Initialized reports whether Init has run.
func (in *Instrument) Initialized() bool {
	in.mutex.Lock()
	defer in.mutex.Unlock()
	return in.initialized
}

// MaintainRegisters samples the condition sources and recomputes the event
// and summary bits. It is called periodically by the register task.
func (in *Instrument) MaintainRegisters() {
	in.mutex.Lock()
	defer in.mutex.Unlock()

	if in.operSource != nil {
		in.oper.Update(in.operSource())
	}
	if in.quesSource != nil {
		in.ques.Update(in.quesSource())
	}
	in.refreshes++
	in.updateLocked()
}

// Refreshes returns the number of MaintainRegisters calls.
func (in *Instrument) Refreshes() uint64 {
	in.mutex.Lock()
	defer in.mutex.Unlock()
	return in.refreshes
}

// Write parses and executes a program message. Responses to queries are
// queued as one response message. Errors are recorded in the error queue;
// the first one is also returned.
func (in *Instrument) Write(msg []byte) error {
	in.mutex.Lock()
	defer in.mutex.Unlock()

	if len(in.output) > 0 {
		in.output = nil
		in.pushLocked(ErrQueryInterrupted)
	}

	var (
		responses [][]byte
		first     error
	)
	for _, unit := range splitMessage(msg) {
		resp, err := in.executeLocked(unit)
		if err != nil {
			var e Error
			if !errors.As(err, &e) {
				e = ErrCommand
			}
			in.pushLocked(e)
			if first == nil {
				first = err
			}
			pkg.LogDebug(pkg.ComponentInstrument, "command failed",
				"command", unit.header,
				"error", e.Error())
			if e.esrBit() == EsrCME {
				break
			}
			continue
		}
		if resp != "" {
			responses = append(responses, []byte(resp))
		}
	}
	if len(responses) > 0 {
		out := bytes.Join(responses, []byte{';'})
		in.output = append(in.output, append(out, '\n'))
	}
	in.updateLocked()
	return first
}

// Read dequeues the next response message.
func (in *Instrument) Read() ([]byte, bool) {
	in.mutex.Lock()
	defer in.mutex.Unlock()

	if len(in.output) == 0 {
		return nil, false
	}
	msg := in.output[0]
	in.output = in.output[1:]
	in.updateLocked()
	return msg, true
}

// StatusByte performs a serial poll: bit 6 reports a pending service
// request, which the poll clears.
func (in *Instrument) StatusByte() byte {
	in.mutex.Lock()
	defer in.mutex.Unlock()

	stb := in.stbLocked() &^ StbMSS
	if in.rqs {
		stb |= StbMSS
		in.rqs = false
	}
	return stb
}

// Clear performs a device clear: the output queue is discarded. Status
// structures are left alone.
func (in *Instrument) Clear() {
	in.mutex.Lock()
	defer in.mutex.Unlock()
	in.output = nil
	in.updateLocked()
	pkg.LogDebug(pkg.ComponentInstrument, "device clear")
}

// Trigger handles a group execute trigger.
func (in *Instrument) Trigger() {
	in.mutex.Lock()
	in.triggers++
	fn := in.onTrigger
	in.mutex.Unlock()
	if fn != nil {
		fn()
	}
}

// Triggers returns the number of triggers received.
func (in *Instrument) Triggers() uint64 {
	in.mutex.Lock()
	defer in.mutex.Unlock()
	return in.triggers
}

// Snapshot is a consistent copy of the status registers.
type Snapshot struct {
	STB, ESR, ESE, SRE byte
	Operation          Register
	Questionable       Register
	Errors             int
	Responses          int
}

// Snapshot returns the current status registers without side effects.
func (in *Instrument) Snapshot() Snapshot {
	in.mutex.Lock()
	defer in.mutex.Unlock()
	return Snapshot{
		STB:          in.stbLocked(),
		ESR:          in.esr,
		ESE:          in.ese,
		SRE:          in.sre,
		Operation:    in.oper,
		Questionable: in.ques,
		Errors:       in.errq.len(),
		Responses:    len(in.output),
	}
}

func (in *Instrument) pushLocked(e Error) {
	in.errq.push(e)
	in.esr |= e.esrBit()
}

func (in *Instrument) stbLocked() byte {
	var stb byte
	if in.errq.len() > 0 {
		stb |= StbErrorQueue
	}
	if in.ques.Summary() {
		stb |= StbQuestionable
	}
	if len(in.output) > 0 {
		stb |= StbMAV
	}
	if in.esr&in.ese != 0 {
		stb |= StbESB
	}
	if in.oper.Summary() {
		stb |= StbOperation
	}
	if stb&in.sre&^StbMSS != 0 {
		stb |= StbMSS
	}
	return stb
}

// updateLocked latches a service request on a rising master summary.
func (in *Instrument) updateLocked() {
	mss := in.stbLocked()&StbMSS != 0
	if mss && !in.mss {
		in.rqs = true
		pkg.LogDebug(pkg.ComponentInstrument, "service request")
	}
	in.mss = mss
}
