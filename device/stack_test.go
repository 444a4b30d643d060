package device_test

import (
	"context"
	"errors"
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
	"github.com/ardnew/softtmc/pkg"
)

const (
	testTimeout = 5 * time.Second
	epOut       = 0x01
	epIn        = 0x81
)

// recordingClass is a ClassDriver that arms its OUT endpoint with 64-byte
// buffers and records what it sees.
type recordingClass struct {
	mutex    sync.Mutex
	opens    int
	resets   int
	requests []device.SetupPacket
	received [][]byte
	sent     int
}

func (c *recordingClass) Open(s *device.Stack) error {
	c.mutex.Lock()
	c.opens++
	c.mutex.Unlock()
	return s.Xfer(epOut, make([]byte, 64))
}

func (c *recordingClass) Reset() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.resets++
}

func (c *recordingClass) ControlRequest(_ *device.Stack, setup *device.SetupPacket, _ []byte) ([]byte, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.requests = append(c.requests, *setup)
	if setup.Request == 0x7F {
		return nil, pkg.ErrInvalidRequest
	}
	return []byte{0x01, setup.Request}, nil
}

func (c *recordingClass) XferComplete(s *device.Stack, ep uint8, data []byte, n int) error {
	c.mutex.Lock()
	if ep == epOut {
		c.received = append(c.received, data[:n])
	} else {
		c.sent += n
	}
	c.mutex.Unlock()
	if ep == epOut {
		return s.Xfer(epOut, make([]byte, 64))
	}
	return nil
}

func (c *recordingClass) snapshot() (opens, resets int, received [][]byte) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.opens, c.resets, append([][]byte(nil), c.received...)
}

func testDescriptors() device.Descriptors {
	return device.Descriptors{
		Device: device.DeviceDescriptor{
			USBVersion:        0x0200,
			MaxPacketSize0:    64,
			VendorID:          0xCAFE,
			ProductID:         0x4000,
			ManufacturerIndex: 1,
			ProductIndex:      2,
			NumConfigurations: 1,
		},
		Configuration: device.NewConfiguration(1, 0, 100).
			Interface(device.InterfaceDescriptor{NumEndpoints: 2, InterfaceClass: device.ClassAppSpecific}).
			Endpoint(device.EndpointDescriptor{EndpointAddress: epOut, Attributes: device.EndpointTypeBulk, MaxPacketSize: 64}).
			Endpoint(device.EndpointDescriptor{EndpointAddress: epIn, Attributes: device.EndpointTypeBulk, MaxPacketSize: 64}).
			Build(),
		Strings: []string{"softtmc", "Test Device"},
	}
}

type harness struct {
	ctrl  *sim.Controller
	class *recordingClass
	stack *device.Stack
	links chan device.LinkState
	ctx   context.Context
}

// newHarness boots a kernel whose single task initializes the stack and
// services it forever.
func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := kernel.DefaultConfig()
	cfg.Cores = 1
	cfg.Clock = clockwork.NewFakeClock()
	k, err := kernel.New(cfg)
	require.NoError(t, err)

	h := &harness{
		ctrl:  sim.New(),
		class: &recordingClass{},
		links: make(chan device.LinkState, 16),
	}
	h.stack = device.NewStack(h.ctrl, testDescriptors(), h.class,
		device.WithLinkObserver(func(s device.LinkState) { h.links <- s }))

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
	return h
}

func (h *harness) control(t *testing.T, setup device.SetupPacket) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, testTimeout)
	defer cancel()
	return h.ctrl.Control(ctx, setup.Bytes(), nil)
}

func (h *harness) expectLink(t *testing.T, want device.LinkState) {
	t.Helper()
	select {
	case got := <-h.links:
		assert.Equal(t, want, got)
	case <-time.After(testTimeout):
		t.Fatalf("no link change to %v", want)
	}
}

// enumerate plugs the device in and configures it.
func (h *harness) enumerate(t *testing.T) {
	t.Helper()
	require.NoError(t, h.ctrl.Plug(hal.SpeedFull))
	_, err := h.control(t, device.SetAddressRequest(5))
	require.NoError(t, err)
	_, err = h.control(t, device.SetConfigurationRequest(1))
	require.NoError(t, err)
	h.expectLink(t, device.LinkMounted)
}

func TestInitBeforeSchedulerFails(t *testing.T) {
	k, err := kernel.New(kernel.DefaultConfig())
	require.NoError(t, err)
	task, err := k.CreateTask(kernel.TaskSpec{Name: "usbd", StackDepth: 128, Entry: func(*kernel.Task) {}})
	require.NoError(t, err)

	ctrl := sim.New()
	stack := device.NewStack(ctrl, testDescriptors(), &recordingClass{})
	err = stack.Init(task, 0)
	assert.ErrorIs(t, err, pkg.ErrSchedulerNotRunning)
	assert.Equal(t, 0, ctrl.InitCalls())
	assert.False(t, stack.Initialized())
}

func TestInitRetryKeepsHeap(t *testing.T) {
	const attempts = 100

	cfg := kernel.DefaultConfig()
	cfg.Cores = 1
	cfg.Clock = clockwork.NewFakeClock()
	k, err := kernel.New(cfg)
	require.NoError(t, err)

	ctrl := sim.New()
	stack := device.NewStack(ctrl, testDescriptors(), &recordingClass{})
	phyDown := errors.New("phy not ready")
	ctrl.FailInit(phyDown)

	type result struct {
		heapFirst, heapLast int
		retryErr, finalErr  error
		againErr            error
	}
	results := make(chan result, 1)
	_, err = k.CreateTask(kernel.TaskSpec{
		Name:       "usbd",
		StackDepth: 384,
		Priority:   3,
		Entry: func(task *kernel.Task) {
			var r result
			for i := 0; i < attempts; i++ {
				r.retryErr = stack.Init(task, 0)
				if i == 0 {
					r.heapFirst = k.FreeHeap()
				}
			}
			r.heapLast = k.FreeHeap()
			ctrl.FailInit(nil)
			r.finalErr = stack.Init(task, 0)
			r.againErr = stack.Init(task, 0)
			results <- r
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
	case r := <-results:
		assert.ErrorIs(t, r.retryErr, phyDown)
		assert.Equal(t, r.heapFirst, r.heapLast)
		assert.NoError(t, r.finalErr)
		assert.ErrorIs(t, r.againErr, pkg.ErrAlreadyRunning)
	case <-time.After(testTimeout):
		t.Fatal("init task did not finish")
	}
	assert.True(t, stack.Initialized())
	assert.Equal(t, attempts+1, ctrl.InitCalls())
}

func TestEnumeration(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, device.LinkNotMounted, h.stack.LinkState())

	require.NoError(t, h.ctrl.Plug(hal.SpeedFull))

	raw, err := h.control(t, device.GetDescriptorRequest(device.DescriptorTypeDevice, 0, 64))
	require.NoError(t, err)
	var desc device.DeviceDescriptor
	require.NoError(t, device.ParseDeviceDescriptor(raw, &desc))
	assert.Equal(t, uint16(0xCAFE), desc.VendorID)
	assert.Equal(t, uint16(0x4000), desc.ProductID)

	raw, err = h.control(t, device.GetDescriptorRequest(device.DescriptorTypeDevice, 0, 8))
	require.NoError(t, err)
	assert.Len(t, raw, 8)

	_, err = h.control(t, device.SetAddressRequest(5))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return h.ctrl.Address() == 5 }, testTimeout, time.Millisecond)

	raw, err = h.control(t, device.GetDescriptorRequest(device.DescriptorTypeConfiguration, 0, 255))
	require.NoError(t, err)
	require.Len(t, raw, 9+9+7+7)
	assert.Equal(t, byte(32), raw[2])

	raw, err = h.control(t, device.GetDescriptorRequest(device.DescriptorTypeString, 2, 255))
	require.NoError(t, err)
	product, err := device.ParseStringDescriptor(raw)
	require.NoError(t, err)
	assert.Equal(t, "Test Device", product)

	_, err = h.control(t, device.GetDescriptorRequest(device.DescriptorTypeString, 9, 255))
	assert.ErrorIs(t, err, sim.ErrStall)

	_, err = h.control(t, device.SetConfigurationRequest(1))
	require.NoError(t, err)
	h.expectLink(t, device.LinkMounted)
	assert.Equal(t, 2, h.ctrl.Endpoints())

	raw, err = h.control(t, device.SetupPacket{
		RequestType: device.RequestDirectionDeviceToHost,
		Request:     device.RequestGetConfiguration,
		Length:      1,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, raw)

	opens, _, _ := h.class.snapshot()
	assert.Equal(t, 1, opens)
}

func TestSetConfigurationBeforeAddressStalls(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Plug(hal.SpeedFull))
	_, err := h.control(t, device.SetConfigurationRequest(1))
	assert.ErrorIs(t, err, sim.ErrStall)
	assert.Equal(t, device.LinkNotMounted, h.stack.LinkState())
}

func TestSuspendResume(t *testing.T) {
	h := newHarness(t)
	h.enumerate(t)

	require.NoError(t, h.ctrl.Suspend())
	h.expectLink(t, device.LinkSuspended)

	require.NoError(t, h.ctrl.Resume())
	h.expectLink(t, device.LinkMounted)

	require.NoError(t, h.ctrl.BusReset())
	h.expectLink(t, device.LinkNotMounted)

	_, resets, _ := h.class.snapshot()
	assert.Equal(t, 1, resets)
	assert.Empty(t, h.links)
}

func TestSuspendWhileUnconfigured(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Plug(hal.SpeedFull))
	require.NoError(t, h.ctrl.Suspend())
	h.expectLink(t, device.LinkSuspended)
	require.NoError(t, h.ctrl.Resume())
	h.expectLink(t, device.LinkNotMounted)
}

func TestUnplug(t *testing.T) {
	h := newHarness(t)
	h.enumerate(t)
	require.NoError(t, h.ctrl.Unplug())
	h.expectLink(t, device.LinkNotMounted)
	assert.Eventually(t, func() bool { return h.ctrl.Endpoints() == 0 }, testTimeout, time.Millisecond)
}

func TestClassRequests(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Plug(hal.SpeedFull))

	req := device.ClassRequest(device.RequestRecipientInterface, 0x07, 0, 0, 2)
	_, err := h.control(t, req)
	assert.ErrorIs(t, err, sim.ErrStall, "class requests stall until configured")

	_, err = h.control(t, device.SetAddressRequest(5))
	require.NoError(t, err)
	_, err = h.control(t, device.SetConfigurationRequest(1))
	require.NoError(t, err)

	raw, err := h.control(t, req)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x07}, raw)

	_, err = h.control(t, device.ClassRequest(device.RequestRecipientInterface, 0x7F, 0, 0, 2))
	assert.ErrorIs(t, err, sim.ErrStall)
}

func TestBulkOutSplitsToArmedBuffer(t *testing.T) {
	h := newHarness(t)
	h.enumerate(t)

	msg := make([]byte, 100)
	for i := range msg {
		msg[i] = byte(i)
	}
	require.NoError(t, h.ctrl.BulkOut(epOut, msg))

	assert.Eventually(t, func() bool {
		_, _, received := h.class.snapshot()
		return len(received) == 2
	}, testTimeout, time.Millisecond)

	_, _, received := h.class.snapshot()
	assert.Len(t, received[0], 64)
	assert.Len(t, received[1], 36)
	assert.Equal(t, msg, append(received[0], received[1]...))
}

func TestEndpointHalt(t *testing.T) {
	h := newHarness(t)
	h.enumerate(t)

	halt := device.SetupPacket{
		RequestType: device.RequestDirectionHostToDevice | device.RequestRecipientEndpoint,
		Request:     device.RequestSetFeature,
		Value:       device.FeatureEndpointHalt,
		Index:       epIn,
	}
	_, err := h.control(t, halt)
	require.NoError(t, err)
	assert.True(t, h.ctrl.Stalled(epIn))

	status := device.SetupPacket{
		RequestType: device.RequestDirectionDeviceToHost | device.RequestRecipientEndpoint,
		Request:     device.RequestGetStatus,
		Index:       epIn,
		Length:      2,
	}
	raw, err := h.control(t, status)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0}, raw)

	halt.Request = device.RequestClearFeature
	_, err = h.control(t, halt)
	require.NoError(t, err)
	assert.False(t, h.ctrl.Stalled(epIn))
}
