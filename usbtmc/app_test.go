package usbtmc_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softtmc/device"
	"github.com/ardnew/softtmc/device/hal"
	"github.com/ardnew/softtmc/device/hal/sim"
	"github.com/ardnew/softtmc/kernel"
	"github.com/ardnew/softtmc/usbtmc"
)

const testTimeout = 5 * time.Second

// echoInstrument answers every query with "ECHO:" and the query text.
type echoInstrument struct {
	mutex    sync.Mutex
	written  [][]byte
	output   [][]byte
	stb      byte
	clears   int
	triggers int
}

func (e *echoInstrument) Write(msg []byte) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.written = append(e.written, append([]byte(nil), msg...))
	if q := bytes.TrimSpace(msg); bytes.HasSuffix(q, []byte("?")) {
		e.output = append(e.output, append([]byte("ECHO:"), append(q, '\n')...))
	}
	return nil
}

func (e *echoInstrument) Read() ([]byte, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if len(e.output) == 0 {
		return nil, false
	}
	msg := e.output[0]
	e.output = e.output[1:]
	return msg, true
}

func (e *echoInstrument) StatusByte() byte {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.stb
}

func (e *echoInstrument) Clear() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.output = nil
	e.clears++
}

func (e *echoInstrument) Trigger() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.triggers++
}

func (e *echoInstrument) messages() [][]byte {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return append([][]byte(nil), e.written...)
}

type countingPulser struct {
	mutex  sync.Mutex
	pulses int
}

func (p *countingPulser) Pulse() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.pulses++
}

func (p *countingPulser) count() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.pulses
}

type harness struct {
	ctrl   *sim.Controller
	inst   *echoInstrument
	pulser *countingPulser
	app    *usbtmc.App
	stack  *device.Stack
	ctx    context.Context
}

// newHarness boots a kernel running a device task that alternates stack
// events and application steps, then enumerates the device.
func newHarness(t *testing.T, opts ...usbtmc.AppOption) *harness {
	t.Helper()
	cfg := kernel.DefaultConfig()
	cfg.Cores = 1
	cfg.Clock = clockwork.NewFakeClock()
	k, err := kernel.New(cfg)
	require.NoError(t, err)

	h := &harness{
		ctrl:   sim.New(),
		inst:   &echoInstrument{},
		pulser: &countingPulser{},
	}
	h.app = usbtmc.NewApp(h.inst, append([]usbtmc.AppOption{usbtmc.WithPulser(h.pulser)}, opts...)...)
	info := usbtmc.DefaultDeviceInfo()
	h.stack = device.NewStack(h.ctrl, usbtmc.Descriptors(info), h.app.Class())

	ready := make(chan struct{})
	_, err = k.CreateTask(kernel.TaskSpec{
		Name:       "usbd",
		StackDepth: 384,
		Priority:   3,
		Entry: func(task *kernel.Task) {
			if err := h.stack.Init(task, 0); err != nil {
				t.Errorf("init: %v", err)
				return
			}
			close(ready)
			for h.stack.Task(task) == nil {
				if err := h.app.TaskIter(task); err != nil {
					t.Errorf("app step: %v", err)
				}
			}
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.StartScheduler(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-ready:
	case <-time.After(testTimeout):
		t.Fatal("stack not initialized")
	}
	h.ctx = ctx

	require.NoError(t, h.ctrl.Plug(hal.SpeedFull))
	_, err = h.control(t, device.SetAddressRequest(7))
	require.NoError(t, err)
	_, err = h.control(t, device.SetConfigurationRequest(1))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.stack.LinkState() == device.LinkMounted },
		testTimeout, time.Millisecond)
	return h
}

func (h *harness) control(t *testing.T, setup device.SetupPacket) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, testTimeout)
	defer cancel()
	return h.ctrl.Control(ctx, setup.Bytes(), nil)
}

func (h *harness) interfaceRequest(t *testing.T, request uint8, value, length uint16) ([]byte, error) {
	t.Helper()
	return h.control(t, device.ClassRequest(device.RequestRecipientInterface, request, value, 0, length))
}

func (h *harness) endpointRequest(t *testing.T, request uint8, value uint16, ep uint8, length uint16) ([]byte, error) {
	t.Helper()
	return h.control(t, device.ClassRequest(device.RequestRecipientEndpoint, request, value, uint16(ep), length))
}

// read issues REQUEST_DEV_DEP_MSG_IN and returns the DEV_DEP_MSG_IN header
// and payload.
func (h *harness) read(t *testing.T, tag uint8, max uint32, termChar int) (usbtmc.Header, []byte) {
	t.Helper()
	require.NoError(t, h.ctrl.BulkOut(usbtmc.EndpointOut, usbtmc.RequestDevDepMsgIn(tag, max, termChar)))
	ctx, cancel := context.WithTimeout(h.ctx, testTimeout)
	defer cancel()
	raw, err := h.ctrl.BulkIn(ctx, usbtmc.EndpointIn)
	require.NoError(t, err)

	var hdr usbtmc.Header
	require.NoError(t, usbtmc.ParseHeader(raw, &hdr))
	require.Equal(t, uint8(usbtmc.MsgDevDepIn), hdr.MsgID)
	require.Equal(t, usbtmc.Padded(int(hdr.TransferSize)), len(raw)-usbtmc.HeaderSize)
	return hdr, raw[usbtmc.HeaderSize : usbtmc.HeaderSize+int(hdr.TransferSize)]
}

func TestQueryRoundTrip(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.BulkOut(usbtmc.EndpointOut, usbtmc.DevDepMsgOut(1, []byte("*IDN?\n"), true)))
	hdr, payload := h.read(t, 2, 256, -1)

	assert.Equal(t, uint8(2), hdr.Tag)
	assert.True(t, hdr.EOM())
	assert.Equal(t, "ECHO:*IDN?\n", string(payload))
	assert.Equal(t, [][]byte{[]byte("*IDN?\n")}, h.inst.messages())
}

func TestMessageSpanningTransfers(t *testing.T) {
	h := newHarness(t)

	msg := bytes.Repeat([]byte("ABCD"), 200)
	require.NoError(t, h.ctrl.BulkOut(usbtmc.EndpointOut, usbtmc.DevDepMsgOut(3, msg, true)))

	assert.Eventually(t, func() bool { return len(h.inst.messages()) == 1 }, testTimeout, time.Millisecond)
	assert.Equal(t, msg, h.inst.messages()[0])
}

func TestMessageWithoutEOMIsHeld(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.BulkOut(usbtmc.EndpointOut, usbtmc.DevDepMsgOut(1, []byte("SYST:"), false)))
	require.NoError(t, h.ctrl.BulkOut(usbtmc.EndpointOut, usbtmc.DevDepMsgOut(2, []byte("ERR?\n"), true)))

	assert.Eventually(t, func() bool { return len(h.inst.messages()) == 1 }, testTimeout, time.Millisecond)
	assert.Equal(t, "SYST:ERR?\n", string(h.inst.messages()[0]))
}

func TestOversizedMessageDropped(t *testing.T) {
	h := newHarness(t, usbtmc.WithMaxMessageSize(16))

	require.NoError(t, h.ctrl.BulkOut(usbtmc.EndpointOut, usbtmc.DevDepMsgOut(1, bytes.Repeat([]byte{'x'}, 40), true)))
	require.NoError(t, h.ctrl.BulkOut(usbtmc.EndpointOut, usbtmc.DevDepMsgOut(2, []byte("*OPC?\n"), true)))

	assert.Eventually(t, func() bool { return len(h.inst.messages()) == 1 }, testTimeout, time.Millisecond)
	assert.Equal(t, "*OPC?\n", string(h.inst.messages()[0]))
}

func TestResponseChunking(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.BulkOut(usbtmc.EndpointOut, usbtmc.DevDepMsgOut(1, []byte("LONG?"), true)))

	hdr, first := h.read(t, 2, 4, -1)
	assert.False(t, hdr.EOM())
	assert.Equal(t, "ECHO", string(first))

	hdr, second := h.read(t, 3, 64, -1)
	assert.True(t, hdr.EOM())
	assert.Equal(t, ":LONG?\n", string(second))
}

func TestResponseStopsAtTermChar(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.BulkOut(usbtmc.EndpointOut, usbtmc.DevDepMsgOut(1, []byte("A:B?"), true)))

	hdr, first := h.read(t, 2, 64, ':')
	assert.False(t, hdr.EOM())
	assert.Equal(t, "ECHO:", string(first))

	hdr, rest := h.read(t, 3, 64, -1)
	assert.True(t, hdr.EOM())
	assert.Equal(t, "A:B?\n", string(rest))
}

func TestGetCapabilities(t *testing.T) {
	h := newHarness(t)

	raw, err := h.interfaceRequest(t, usbtmc.RequestGetCapabilities, 0, 0x18)
	require.NoError(t, err)
	require.Len(t, raw, 0x18)
	assert.Equal(t, byte(usbtmc.StatusSuccess), raw[0])
	assert.Equal(t, uint16(0x0100), binary.LittleEndian.Uint16(raw[2:4]))
	assert.Equal(t, byte(usbtmc.CapIndicatorPulse), raw[4])
	assert.NotZero(t, raw[15]&usbtmc.Cap488SCPI)
}

func TestIndicatorPulse(t *testing.T) {
	h := newHarness(t)

	raw, err := h.interfaceRequest(t, usbtmc.RequestIndicatorPulse, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{usbtmc.StatusSuccess}, raw)
	assert.Equal(t, 1, h.pulser.count())
}

func TestIndicatorPulseUnsupported(t *testing.T) {
	h := newHarness(t, usbtmc.WithPulser(nil))

	raw, err := h.interfaceRequest(t, usbtmc.RequestGetCapabilities, 0, 0x18)
	require.NoError(t, err)
	assert.Zero(t, raw[4]&usbtmc.CapIndicatorPulse)

	_, err = h.interfaceRequest(t, usbtmc.RequestIndicatorPulse, 0, 1)
	assert.ErrorIs(t, err, sim.ErrStall)
	assert.Equal(t, 0, h.pulser.count())
}

func TestReadStatusByte(t *testing.T) {
	h := newHarness(t)
	h.inst.mutex.Lock()
	h.inst.stb = 0x50
	h.inst.mutex.Unlock()

	raw, err := h.interfaceRequest(t, usbtmc.RequestReadStatusByte, 0x05, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{usbtmc.StatusSuccess, 0x05, 0x50}, raw)

	_, err = h.interfaceRequest(t, usbtmc.RequestReadStatusByte, 0x01, 3)
	assert.ErrorIs(t, err, sim.ErrStall, "bTag below 2 is invalid")
}

func TestInitiateClear(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.BulkOut(usbtmc.EndpointOut, usbtmc.DevDepMsgOut(1, []byte("*IDN?"), true)))
	assert.Eventually(t, func() bool { return len(h.inst.messages()) == 1 }, testTimeout, time.Millisecond)

	raw, err := h.interfaceRequest(t, usbtmc.RequestInitiateClear, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{usbtmc.StatusSuccess}, raw)

	raw, err = h.interfaceRequest(t, usbtmc.RequestCheckClearStatus, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{usbtmc.StatusSuccess, 0}, raw)

	h.inst.mutex.Lock()
	defer h.inst.mutex.Unlock()
	assert.Equal(t, 1, h.inst.clears)
	assert.Empty(t, h.inst.output)
}

func TestAbortBulkIn(t *testing.T) {
	h := newHarness(t)

	raw, err := h.endpointRequest(t, usbtmc.RequestInitiateAbortBulkIn, 4, usbtmc.EndpointIn, 2)
	require.NoError(t, err)
	assert.Equal(t, byte(usbtmc.StatusTransferNotInProgress), raw[0])

	// Nothing queued: the request stays pending until aborted.
	require.NoError(t, h.ctrl.BulkOut(usbtmc.EndpointOut, usbtmc.RequestDevDepMsgIn(4, 64, -1)))
	assert.Eventually(t, func() bool {
		raw, err := h.endpointRequest(t, usbtmc.RequestInitiateAbortBulkIn, 4, usbtmc.EndpointIn, 2)
		return err == nil && raw[0] == usbtmc.StatusSuccess
	}, testTimeout, time.Millisecond)

	raw, err = h.endpointRequest(t, usbtmc.RequestCheckAbortBulkInStatus, 0, usbtmc.EndpointIn, 8)
	require.NoError(t, err)
	assert.Equal(t, byte(usbtmc.StatusSuccess), raw[0])
	assert.Zero(t, binary.LittleEndian.Uint32(raw[4:8]))

	// A later query is answered normally.
	require.NoError(t, h.ctrl.BulkOut(usbtmc.EndpointOut, usbtmc.DevDepMsgOut(5, []byte("*IDN?"), true)))
	_, payload := h.read(t, 6, 64, -1)
	assert.Equal(t, "ECHO:*IDN?\n", string(payload))
}

func TestAbortBulkOut(t *testing.T) {
	h := newHarness(t)

	// Announce 100 bytes but send only the first transfer's worth.
	msg := usbtmc.DevDepMsgOut(8, bytes.Repeat([]byte{'a'}, 100), true)
	require.NoError(t, h.ctrl.BulkOut(usbtmc.EndpointOut, msg[:usbtmc.HeaderSize+20]))

	raw, err := h.endpointRequest(t, usbtmc.RequestInitiateAbortBulkOut, 9, usbtmc.EndpointOut, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{usbtmc.StatusFailed, 8}, raw, "wrong tag")

	raw, err = h.endpointRequest(t, usbtmc.RequestInitiateAbortBulkOut, 8, usbtmc.EndpointOut, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{usbtmc.StatusSuccess, 8}, raw)

	raw, err = h.endpointRequest(t, usbtmc.RequestCheckAbortBulkOutStatus, 0, usbtmc.EndpointOut, 8)
	require.NoError(t, err)
	assert.Equal(t, uint32(20), binary.LittleEndian.Uint32(raw[4:8]))

	require.NoError(t, h.ctrl.BulkOut(usbtmc.EndpointOut, usbtmc.DevDepMsgOut(10, []byte("*CLS"), true)))
	assert.Eventually(t, func() bool { return len(h.inst.messages()) == 1 }, testTimeout, time.Millisecond)
	assert.Equal(t, "*CLS", string(h.inst.messages()[0]))
}

func TestBadHeaderHaltsBulkOut(t *testing.T) {
	h := newHarness(t)

	bad := usbtmc.DevDepMsgOut(1, []byte("*RST"), true)
	bad[2] = bad[1]
	require.NoError(t, h.ctrl.BulkOut(usbtmc.EndpointOut, bad))
	assert.Eventually(t, func() bool { return h.ctrl.Stalled(usbtmc.EndpointOut) }, testTimeout, time.Millisecond)

	err := h.ctrl.BulkOut(usbtmc.EndpointOut, usbtmc.DevDepMsgOut(2, []byte("*RST"), true))
	assert.ErrorIs(t, err, sim.ErrStall)

	_, err = h.control(t, device.SetupPacket{
		RequestType: device.RequestDirectionHostToDevice | device.RequestRecipientEndpoint,
		Request:     device.RequestClearFeature,
		Value:       device.FeatureEndpointHalt,
		Index:       usbtmc.EndpointOut,
	})
	require.NoError(t, err)

	require.NoError(t, h.ctrl.BulkOut(usbtmc.EndpointOut, usbtmc.DevDepMsgOut(3, []byte("*IDN?"), true)))
	_, payload := h.read(t, 4, 64, -1)
	assert.Equal(t, "ECHO:*IDN?\n", string(payload))
}

func TestTriggerAndRemoteLocal(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.BulkOut(usbtmc.EndpointOut, usbtmc.Trigger(1)))
	assert.Eventually(t, func() bool {
		h.inst.mutex.Lock()
		defer h.inst.mutex.Unlock()
		return h.inst.triggers == 1
	}, testTimeout, time.Millisecond)

	for _, req := range []struct {
		request uint8
		value   uint16
	}{
		{usbtmc.RequestRENControl, 1},
		{usbtmc.RequestLocalLockout, 0},
		{usbtmc.RequestGoToLocal, 0},
		{usbtmc.RequestRENControl, 0},
	} {
		raw, err := h.interfaceRequest(t, req.request, req.value, 1)
		require.NoError(t, err)
		assert.Equal(t, []byte{usbtmc.StatusSuccess}, raw)
	}
}

func TestDescriptors(t *testing.T) {
	info := usbtmc.DefaultDeviceInfo()
	desc := usbtmc.Descriptors(info)

	assert.Len(t, info.Serial, 16)
	assert.NotEqual(t, info.Serial, usbtmc.NewSerial())
	assert.Equal(t, []string{"softtmc", "USBTMC Instrument", info.Serial}, desc.Strings)

	cfg := desc.Configuration.Bytes
	require.Len(t, cfg, 9+9+7+7)
	iface := cfg[9:18]
	assert.Equal(t, byte(usbtmc.InterfaceClass), iface[5])
	assert.Equal(t, byte(usbtmc.InterfaceSubClass), iface[6])
	assert.Equal(t, byte(usbtmc.ProtocolUSB488), iface[7])
	assert.Len(t, desc.Configuration.Endpoints, 2)
}
