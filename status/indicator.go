package status

import (
	"time"

	"go.uber.org/atomic"

	"github.com/ardnew/softtmc/device"
	"github.com/ardnew/softtmc/kernel"
	"github.com/ardnew/softtmc/metrics"
	"github.com/ardnew/softtmc/pkg"
)

// LinkSource reports the USB link state. *device.Stack implements it.
type LinkSource interface {
	LinkState() device.LinkState
}

// LED drives the status light.
type LED interface {
	Set(on bool)
}

// LEDFunc adapts a function to the LED interface.
type LEDFunc func(on bool)

// Set implements LED.
func (f LEDFunc) Set(on bool) { f(on) }

// Pattern maps each link state to a blink period.
type Pattern struct {
	NotMounted time.Duration
	Mounted    time.Duration
	Suspended  time.Duration
}

// DefaultPattern returns the blink periods of the reference firmware.
func DefaultPattern() Pattern {
	return Pattern{
		NotMounted: 250 * time.Millisecond,
		Mounted:    1000 * time.Millisecond,
		Suspended:  2500 * time.Millisecond,
	}
}

// Period returns the blink period for state.
func (p Pattern) Period(state device.LinkState) time.Duration {
	switch state {
	case device.LinkMounted:
		return p.Mounted
	case device.LinkSuspended:
		return p.Suspended
	default:
		return p.NotMounted
	}
}

// Option configures an Indicator.
type Option func(*Indicator)

// WithPattern sets the blink pattern.
func WithPattern(p Pattern) Option {
	return func(ind *Indicator) { ind.pattern = p }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(ind *Indicator) { ind.rec = metrics.OrNoop(r) }
}

// Indicator blinks an LED at a rate that encodes the USB link state. Step
// runs as the callback of an auto-reload kernel timer.
type Indicator struct {
	cfg     kernel.Config
	link    LinkSource
	led     LED
	pattern Pattern
	rec     metrics.Recorder

	on      atomic.Bool
	pulse   atomic.Bool
	toggles atomic.Uint64

	// Last period handed to ChangePeriod. The timer reports the old period
	// until the timer service has processed the command.
	requested atomic.Uint64
}

// New returns an indicator reading link and driving led. cfg converts the
// pattern's periods to ticks.
func New(cfg kernel.Config, link LinkSource, led LED, opts ...Option) *Indicator {
	ind := &Indicator{
		cfg:     cfg,
		link:    link,
		led:     led,
		pattern: DefaultPattern(),
		rec:     metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(ind)
	}
	return ind
}

// Pattern returns the blink pattern.
func (ind *Indicator) Pattern() Pattern { return ind.pattern }

// On reports whether the LED is lit.
func (ind *Indicator) On() bool { return ind.on.Load() }

// Toggles returns the number of steps taken.
func (ind *Indicator) Toggles() uint64 { return ind.toggles.Load() }

// Pulse lights the LED for the whole of the next blink cycle.
func (ind *Indicator) Pulse() {
	ind.pulse.Store(true)
	pkg.LogDebug(pkg.ComponentStatus, "indicator pulse requested")
}

// Step toggles the LED and retunes the timer when the link state calls for
// another period. It runs in the timer service task and never blocks.
func (ind *Indicator) Step(tm *kernel.Timer) {
	state := ind.link.LinkState()

	on := !ind.on.Load()
	if ind.pulse.Swap(false) {
		on = true
	}
	ind.on.Store(on)
	ind.led.Set(on)
	ind.toggles.Inc()

	period := ind.pattern.Period(state)
	want := ind.ticks(period)
	current := kernel.Tick(ind.requested.Load())
	if current == 0 {
		current = tm.Period()
	}
	if current == want {
		return
	}
	if err := tm.ChangePeriod(want); err != nil {
		pkg.LogWarn(pkg.ComponentStatus, "blink period change failed",
			"link", state,
			"error", err)
		return
	}
	ind.requested.Store(uint64(want))
	ind.rec.SetBlinkPeriod(period)
	pkg.LogDebug(pkg.ComponentStatus, "blink period changed",
		"link", state,
		"period", period)
}

func (ind *Indicator) ticks(d time.Duration) kernel.Tick {
	return max(ind.cfg.DurationToTicks(d), 1)
}
