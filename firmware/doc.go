// Package firmware is the orchestration layer of the instrument: the boot
// sequencer and the two long-running tasks.
//
// [Firmware.Boot] runs once:
//
//	board init → instrument init → blink timer → usbd and regs tasks →
//	timer start → scheduler
//
// The usbd task initializes the device stack (which requires a running
// scheduler) and then loops: device events first, then the class
// application step. The regs task refreshes the instrument's status
// registers every interval using an absolute deadline, so its cadence does
// not drift.
//
// Every failure before the scheduler runs is fatal: the board is halted with
// a [*FatalError] naming the step, and the scheduler is never started with a
// partial task set.
package firmware
