package instrument_test

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softtmc/instrument"
	"github.com/ardnew/softtmc/pkg"
)

var testIdentity = instrument.Identity{
	Manufacturer: "softtmc",
	Model:        "SIM-1",
	Serial:       "0001",
	Firmware:     "1.0",
}

func newInstrument(t *testing.T, opts ...instrument.Option) *instrument.Instrument {
	t.Helper()
	in := instrument.New(testIdentity, opts...)
	require.NoError(t, in.Init())
	return in
}

// query writes msg and returns the response message.
func query(t *testing.T, in *instrument.Instrument, msg string) string {
	t.Helper()
	_ = in.Write([]byte(msg))
	resp, ok := in.Read()
	require.True(t, ok, "no response to %q", msg)
	return string(resp)
}

func TestInitOnce(t *testing.T) {
	in := instrument.New(testIdentity)
	assert.False(t, in.Initialized())
	require.NoError(t, in.Init())
	assert.True(t, in.Initialized())
	assert.ErrorIs(t, in.Init(), pkg.ErrInvalidState)
}

func TestPowerOnEvent(t *testing.T) {
	in := newInstrument(t)
	assert.Equal(t, "128\n", query(t, in, "*ESR?"))
	assert.Equal(t, "0\n", query(t, in, "*ESR?"), "*ESR? clears the register")
}

func TestIdentify(t *testing.T) {
	in := newInstrument(t)
	assert.Equal(t, "softtmc,SIM-1,0001,1.0\n", query(t, in, "*IDN?\n"))
	_, ok := in.Read()
	assert.False(t, ok)
}

func TestCompoundQuery(t *testing.T) {
	in := newInstrument(t)
	assert.Equal(t, "1;0;1999.0\n", query(t, in, "*OPC?;*ESE?;SYST:VERS?"))
}

func TestErrorQueue(t *testing.T) {
	in := newInstrument(t)
	query(t, in, "*ESR?")

	err := in.Write([]byte("BOGUS"))
	assert.ErrorIs(t, err, instrument.ErrUndefinedHeader)
	assert.NotZero(t, in.Snapshot().STB&instrument.StbErrorQueue)

	assert.Equal(t, "1\n", query(t, in, "SYST:ERR:COUN?"))
	assert.Equal(t, "-113,\"Undefined header\"\n", query(t, in, "SYST:ERR?"))
	assert.Equal(t, "0,\"No error\"\n", query(t, in, "SYSTEM:ERROR:NEXT?"))
	assert.Zero(t, in.Snapshot().STB&instrument.StbErrorQueue)
	assert.Equal(t, "32\n", query(t, in, "*ESR?"), "command error sets CME")
}

func TestParameterErrors(t *testing.T) {
	tests := []struct {
		msg  string
		want instrument.Error
	}{
		{"*ESE 300", instrument.ErrDataOutOfRange},
		{"*ESE", instrument.ErrMissingParameter},
		{"*ESE abc", instrument.ErrDataType},
		{"*IDN? 1", instrument.ErrParameterNotAllowed},
		{"STAT:OPER:ENAB 40000", instrument.ErrDataOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			in := newInstrument(t)
			assert.ErrorIs(t, in.Write([]byte(tt.msg)), tt.want)
			assert.Equal(t, tt.want.Error()+"\n", query(t, in, "SYST:ERR?"))
		})
	}
}

func TestCommandErrorDiscardsRestOfMessage(t *testing.T) {
	in := newInstrument(t)
	_ = in.Write([]byte("*ESE 300;*ESE 4;BOGUS;*ESE 8"))
	assert.Equal(t, "4\n", query(t, in, "*ESE?"))
}

func TestServiceRequest(t *testing.T) {
	in := newInstrument(t)
	_ = in.Write([]byte("*CLS;*ESE 32;*SRE 32"))
	assert.Zero(t, in.StatusByte())

	_ = in.Write([]byte("BOGUS"))
	snap := in.Snapshot()
	assert.Equal(t, byte(instrument.StbErrorQueue|instrument.StbESB|instrument.StbMSS), snap.STB)

	assert.Equal(t, byte(instrument.StbErrorQueue|instrument.StbESB|instrument.StbMSS), in.StatusByte())
	assert.Equal(t, byte(instrument.StbErrorQueue|instrument.StbESB), in.StatusByte(), "serial poll clears RQS")

	assert.Equal(t, "100\n", query(t, in, "*STB?"), "*STB? reports MSS")
	_ = in.Write([]byte("*CLS"))
	assert.Zero(t, in.Snapshot().STB)
}

func TestMessageAvailable(t *testing.T) {
	in := newInstrument(t)
	require.NoError(t, in.Write([]byte("*IDN?")))
	assert.NotZero(t, in.Snapshot().STB&instrument.StbMAV)
	in.Clear()
	assert.Zero(t, in.Snapshot().STB&instrument.StbMAV)
	_, ok := in.Read()
	assert.False(t, ok)
}

func TestQueryInterrupted(t *testing.T) {
	in := newInstrument(t)
	require.NoError(t, in.Write([]byte("*IDN?")))
	assert.Equal(t, "1\n", query(t, in, "*OPC?"))
	assert.Equal(t, "-410,\"Query INTERRUPTED\"\n", query(t, in, "SYST:ERR?"))
}

func TestMaintainRegisters(t *testing.T) {
	var oper, ques atomic.Uint32
	in := newInstrument(t,
		instrument.WithOperationCondition(func() uint16 { return uint16(oper.Load()) }),
		instrument.WithQuestionableCondition(func() uint16 { return uint16(ques.Load()) }))
	_ = in.Write([]byte("*ESR?;STAT:OPER:ENAB 16;STAT:QUES:ENAB 16"))
	in.Read()

	in.MaintainRegisters()
	assert.Zero(t, in.Snapshot().STB)

	oper.Store(instrument.OperMeasuring)
	in.MaintainRegisters()
	assert.Equal(t, byte(instrument.StbOperation), in.Snapshot().STB)
	assert.Equal(t, "16\n", query(t, in, "STAT:OPER:COND?"))

	oper.Store(0)
	ques.Store(instrument.QuesTemperature)
	in.MaintainRegisters()
	snap := in.Snapshot()
	assert.Equal(t, byte(instrument.StbOperation|instrument.StbQuestionable), snap.STB, "events stay latched")
	assert.Equal(t, uint16(0), snap.Operation.Condition)

	assert.Equal(t, "16\n", query(t, in, "STAT:OPER?"))
	assert.Equal(t, "16\n", query(t, in, "STAT:QUES:EVEN?"))
	assert.Zero(t, in.Snapshot().STB)
	assert.Equal(t, uint64(3), in.Refreshes())

	_ = in.Write([]byte("STAT:PRES"))
	assert.Equal(t, "0\n", query(t, in, "STAT:OPER:ENAB?"))
}

func TestSelfTestAndTrigger(t *testing.T) {
	var fired atomic.Int32
	in := newInstrument(t,
		instrument.WithSelfTest(func() int { return 3 }),
		instrument.WithTrigger(func() { fired.Add(1) }))

	assert.Equal(t, "3\n", query(t, in, "*TST?"))
	require.NoError(t, in.Write([]byte("*TRG")))
	in.Trigger()
	assert.Equal(t, uint64(2), in.Triggers())
	assert.Equal(t, int32(2), fired.Load())
}
