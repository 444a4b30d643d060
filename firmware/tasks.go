package firmware

import (
	"errors"

	"github.com/ardnew/softtmc/kernel"
	"github.com/ardnew/softtmc/pkg"
)

// usbDeviceTask brings up the device stack, then alternates event
// processing and the application step for the life of the system.
func (f *Firmware) usbDeviceTask(task *kernel.Task) {
	for {
		err := f.c.USB.Init(task, f.cfg.USBPort)
		if err == nil {
			break
		}
		pkg.LogWarn(pkg.ComponentUSB, "device init failed",
			"port", f.cfg.USBPort,
			"retry", f.cfg.InitRetryDelay,
			"error", err)
		if err := task.Delay(f.cfg.InitRetryDelay); err != nil {
			return
		}
	}

	for {
		if err := f.c.USB.Task(task); err != nil {
			if errors.Is(err, pkg.ErrSchedulerStopped) {
				return
			}
			pkg.LogWarn(pkg.ComponentUSB, "device task failed", "error", err)
			// A failing stack does not block; give the core away.
			if err := task.Delay(1); err != nil {
				return
			}
		}
		if err := f.c.App.TaskIter(task); err != nil {
			if errors.Is(err, pkg.ErrSchedulerStopped) {
				return
			}
			pkg.LogWarn(pkg.ComponentUSBTMC, "app step failed", "error", err)
		}
		f.rec.IncTaskPass(task.Name())
	}
}

// registerTask refreshes the instrument registers on a fixed cadence. The
// deadline advances by exactly one interval per pass, so late wakes do not
// accumulate drift.
func (f *Firmware) registerTask(task *kernel.Task) {
	interval := f.cfg.RegisterInterval
	period := f.k.Config().TicksToDuration(interval)
	next := f.k.TickCount()

	for {
		deadline := next + interval
		if _, err := task.DelayUntil(&next, interval); err != nil {
			return
		}

		var late kernel.Tick
		if now := f.k.TickCount(); now > deadline {
			late = now - deadline
		}
		f.rec.ObserveWakeLateness(task.Name(), f.k.Config().TicksToDuration(late))
		if late > interval {
			f.rec.IncMissedDeadline(task.Name())
			pkg.LogDebug(pkg.ComponentRegisters, "deadline missed",
				"deadline", deadline,
				"late", late,
				"period", period)
		}

		f.c.Instrument.MaintainRegisters()
		f.rec.IncTaskPass(task.Name())
	}
}
