package firmware

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/atomic"

	"github.com/ardnew/softtmc/kernel"
	"github.com/ardnew/softtmc/metrics"
	"github.com/ardnew/softtmc/pkg"
)

// Names of the application units.
const (
	USBTaskName      = "usbd"
	RegisterTaskName = "regs"
	BlinkTimerName   = "blinky"
)

// Board brings up clocks and pins, and stops the system on a fatal error.
type Board interface {
	Init() error
	Halt(err error)
}

// Instrument is the measurement core: initialized once at boot, then its
// registers are refreshed periodically.
type Instrument interface {
	Init() error
	MaintainRegisters()
}

// USBDevice is the device stack. Init must run in a task after the
// scheduler has started; Task blocks until events are pending and handles
// them.
type USBDevice interface {
	Init(task *kernel.Task, port uint8) error
	Task(task *kernel.Task) error
}

// USBApp is the class application, stepped after each round of device
// events.
type USBApp interface {
	TaskIter(task *kernel.Task) error
}

// Components are the collaborators the firmware orchestrates.
type Components struct {
	Board      Board
	Instrument Instrument
	USB        USBDevice
	App        USBApp

	// Blink is the status indicator step, run by the blink timer.
	Blink kernel.TimerFunc
}

// Option configures a Firmware.
type Option func(*Firmware)

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(f *Firmware) { f.rec = metrics.OrNoop(r) }
}

// Firmware boots the system: it initializes the board and instrument,
// creates the blink timer and the two application tasks, and hands control
// to the scheduler.
type Firmware struct {
	k   *kernel.Kernel
	cfg Config
	c   Components
	rec metrics.Recorder

	booted   atomic.Bool
	timer    *kernel.Timer
	usbTask  *kernel.Task
	regsTask *kernel.Task
}

// New returns a firmware image running c on k.
func New(k *kernel.Kernel, cfg Config, c Components, opts ...Option) (*Firmware, error) {
	switch {
	case k == nil:
		return nil, fmt.Errorf("firmware: nil kernel: %w", pkg.ErrInvalidParameter)
	case c.Board == nil, c.Instrument == nil, c.USB == nil, c.App == nil, c.Blink == nil:
		return nil, fmt.Errorf("firmware: missing component: %w", pkg.ErrInvalidParameter)
	}
	if err := cfg.Validate(k.Config()); err != nil {
		return nil, fmt.Errorf("firmware: %w", err)
	}
	f := &Firmware{
		k:   k,
		cfg: cfg,
		c:   c,
		rec: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Config returns the firmware configuration.
func (f *Firmware) Config() Config { return f.cfg }

// Kernel returns the kernel the firmware runs on.
func (f *Firmware) Kernel() *kernel.Kernel { return f.k }

// BlinkTimer returns the blink timer once Boot has created it.
func (f *Firmware) BlinkTimer() *kernel.Timer { return f.timer }

// USBTask returns the USB device task once Boot has created it.
func (f *Firmware) USBTask() *kernel.Task { return f.usbTask }

// RegisterTask returns the register maintenance task once Boot has created
// it.
func (f *Firmware) RegisterTask() *kernel.Task { return f.regsTask }

// Boot runs the boot sequence and then the scheduler. It returns nil when
// ctx is cancelled and a *FatalError for anything else; the board is halted
// with the same error first. Boot runs once.
func (f *Firmware) Boot(ctx context.Context) error {
	if !f.booted.CompareAndSwap(false, true) {
		return fmt.Errorf("boot: %w", pkg.ErrAlreadyRunning)
	}

	pkg.LogInfo(pkg.ComponentBoot, "boot",
		"cores", f.k.Cores(),
		"allocation", f.k.Config().Allocation)

	if err := f.c.Board.Init(); err != nil {
		return f.fatal(StepBoardInit, err)
	}
	if err := f.c.Instrument.Init(); err != nil {
		return f.fatal(StepInstrumentInit, err)
	}

	timer, err := f.k.CreateTimer(BlinkTimerName, f.cfg.BlinkPeriod, true, f.c.Blink)
	if err != nil {
		return f.fatal(StepTimerCreate, err)
	}
	f.timer = timer
	f.rec.SetBlinkPeriod(f.k.Config().TicksToDuration(f.cfg.BlinkPeriod))

	f.usbTask, err = f.createTask(USBTaskName, f.usbDeviceTask,
		f.cfg.USBStackDepth, f.cfg.USBPriority, f.cfg.USBCore)
	if err != nil {
		return f.fatal(StepTaskCreate, err)
	}
	f.regsTask, err = f.createTask(RegisterTaskName, f.registerTask,
		f.cfg.RegisterStackDepth, f.cfg.RegisterPriority, f.cfg.RegisterCore)
	if err != nil {
		return f.fatal(StepTaskCreate, err)
	}

	if err := timer.Start(); err != nil {
		return f.fatal(StepTimerStart, err)
	}

	pkg.LogInfo(pkg.ComponentBoot, "starting scheduler",
		"freeHeap", f.k.FreeHeap())
	err = f.k.StartScheduler(ctx)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		pkg.LogInfo(pkg.ComponentBoot, "scheduler stopped")
		return nil
	}
	if err == nil {
		err = pkg.ErrSchedulerStopped
	}
	return f.fatal(StepScheduler, err)
}

func (f *Firmware) createTask(name string, entry kernel.TaskFunc, depth int, prio kernel.Priority, core int) (*kernel.Task, error) {
	t, err := f.k.CreateTask(kernel.TaskSpec{
		Name:       name,
		Entry:      entry,
		StackDepth: depth,
		Priority:   prio,
	})
	if err != nil {
		return nil, err
	}
	if f.k.Cores() > 1 {
		if err := t.SetAffinity(kernel.CoreBit(core)); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (f *Firmware) fatal(step Step, err error) error {
	fe := &FatalError{Step: step, Err: err}
	pkg.LogError(pkg.ComponentBoot, "fatal error",
		"step", step,
		"error", err)
	f.c.Board.Halt(fe)
	return fe
}
