package status_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/ardnew/softtmc/device"
	"github.com/ardnew/softtmc/kernel"
	"github.com/ardnew/softtmc/metrics"
	"github.com/ardnew/softtmc/status"
)

const testTimeout = 5 * time.Second

type fakeLink struct{ state atomic.Uint32 }

func (l *fakeLink) LinkState() device.LinkState { return device.LinkState(l.state.Load()) }

func (l *fakeLink) set(s device.LinkState) { l.state.Store(uint32(s)) }

type periodRecorder struct {
	metrics.NoopRecorder
	periods []time.Duration
}

func (r *periodRecorder) SetBlinkPeriod(d time.Duration) { r.periods = append(r.periods, d) }

type blink struct {
	tick kernel.Tick
	on   bool
}

func gauge(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}

func TestPatternPeriod(t *testing.T) {
	p := status.DefaultPattern()
	tests := []struct {
		state device.LinkState
		want  time.Duration
	}{
		{device.LinkNotMounted, 250 * time.Millisecond},
		{device.LinkMounted, 1000 * time.Millisecond},
		{device.LinkSuspended, 2500 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Period(tt.state), tt.state.String())
	}
}

func TestStepFollowsLinkState(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := kernel.DefaultConfig()
	cfg.Cores = 1
	cfg.Clock = clock
	k, err := kernel.New(cfg)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	link := &fakeLink{}
	blinks := make(chan blink, 16)
	ind := status.New(cfg, link, status.LEDFunc(func(on bool) {
		blinks <- blink{k.TickCount(), on}
	}), status.WithRecorder(metrics.NewPrometheusRecorder(reg)))

	tm, err := k.CreateTimer("blinky", 250, true, ind.Step)
	require.NoError(t, err)
	require.NoError(t, tm.Start())
	assert.Equal(t, kernel.Tick(250), tm.Period())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.StartScheduler(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	next := func(d time.Duration) blink {
		t.Helper()
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(d)
		select {
		case b := <-blinks:
			return b
		case <-time.After(testTimeout):
			t.Fatal("no blink")
			return blink{}
		}
	}

	assert.Equal(t, blink{250, true}, next(250*time.Millisecond))
	assert.Equal(t, blink{500, false}, next(250*time.Millisecond))

	// The change is seen at the first firing after it; the period follows.
	link.set(device.LinkMounted)
	assert.Equal(t, blink{750, true}, next(250*time.Millisecond))
	assert.Eventually(t, func() bool { return tm.Period() == 1000 }, testTimeout, time.Millisecond)
	assert.Equal(t, blink{1750, false}, next(1000*time.Millisecond))

	link.set(device.LinkSuspended)
	assert.Equal(t, blink{2750, true}, next(1000*time.Millisecond))
	assert.Equal(t, blink{5250, false}, next(2500*time.Millisecond))
	assert.Equal(t, kernel.Tick(2500), tm.Period())

	assert.Equal(t, 2.5, gauge(t, reg, "softtmc_blink_period_seconds"))
	assert.Equal(t, uint64(6), ind.Toggles())
}

func TestPulseForcesOn(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := kernel.DefaultConfig()
	cfg.Cores = 1
	cfg.Clock = clock
	k, err := kernel.New(cfg)
	require.NoError(t, err)

	link := &fakeLink{}
	var led atomic.Bool
	ind := status.New(cfg, link, status.LEDFunc(led.Store))

	fired := make(chan struct{}, 16)
	tm, err := k.CreateTimer("blinky", 250, true, func(tm *kernel.Timer) {
		ind.Step(tm)
		fired <- struct{}{}
	})
	require.NoError(t, err)
	require.NoError(t, tm.Start())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.StartScheduler(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	step := func() {
		t.Helper()
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(250 * time.Millisecond)
		select {
		case <-fired:
		case <-time.After(testTimeout):
			t.Fatal("no firing")
		}
	}

	step()
	require.True(t, led.Load())

	ind.Pulse()
	step()
	assert.True(t, led.Load(), "pulse keeps the LED lit for a cycle")
	assert.True(t, ind.On())

	step()
	assert.False(t, led.Load())
}

func TestStepRequestsPeriodOnce(t *testing.T) {
	cfg := kernel.DefaultConfig()
	cfg.Clock = clockwork.NewFakeClock()
	k, err := kernel.New(cfg)
	require.NoError(t, err)

	link := &fakeLink{}
	rec := &periodRecorder{}
	ind := status.New(cfg, link, status.LEDFunc(func(bool) {}), status.WithRecorder(rec))
	tm, err := k.CreateTimer("blinky", 250, true, ind.Step)
	require.NoError(t, err)
	require.NoError(t, tm.Start())

	// Without the timer service running, every step sees the stale period,
	// as catch-up firings after a stall do.
	link.set(device.LinkMounted)
	for i := 0; i < 2*cfg.TimerQueueLength; i++ {
		ind.Step(tm)
	}
	assert.Equal(t, kernel.Tick(250), tm.Period())
	assert.Equal(t, []time.Duration{time.Second}, rec.periods)

	// A return to the initial state is requested again.
	link.set(device.LinkNotMounted)
	ind.Step(tm)
	ind.Step(tm)
	assert.Equal(t, []time.Duration{time.Second, 250 * time.Millisecond}, rec.periods)
	assert.Equal(t, uint64(2*cfg.TimerQueueLength+2), ind.Toggles())
}
