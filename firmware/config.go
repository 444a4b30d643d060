package firmware

import (
	"fmt"
	"time"

	"github.com/ardnew/softtmc/kernel"
	"github.com/ardnew/softtmc/pkg"
)

// Config holds the task and timer parameters of the firmware.
type Config struct {
	USBPort        uint8
	USBPriority    kernel.Priority
	USBStackDepth  int
	USBCore        int
	InitRetryDelay kernel.Tick

	RegisterInterval   kernel.Tick
	RegisterPriority   kernel.Priority
	RegisterStackDepth int
	RegisterCore       int

	// BlinkPeriod is the initial period of the blink timer.
	BlinkPeriod kernel.Tick
}

// DefaultConfig derives the reference parameters from the kernel
// configuration: the USB task at the highest priority with one and a half
// minimal stacks, the register task one priority below with a minimal
// stack and a 100 ms cadence, both on core 0.
func DefaultConfig(kc kernel.Config) Config {
	top := kc.MaxPriorities - 1
	regs := top
	if regs > 0 {
		regs--
	}
	return Config{
		USBPort:            0,
		USBPriority:        top,
		USBStackDepth:      3 * kc.MinimalStackSize / 2,
		USBCore:            0,
		InitRetryDelay:     kc.DurationToTicks(100 * time.Millisecond),
		RegisterInterval:   kc.DurationToTicks(100 * time.Millisecond),
		RegisterPriority:   regs,
		RegisterStackDepth: kc.MinimalStackSize,
		RegisterCore:       0,
		BlinkPeriod:        kc.DurationToTicks(250 * time.Millisecond),
	}
}

// Validate checks c against the kernel it will run on. The register task
// must run below the USB task unless the kernel has a single priority.
func (c Config) Validate(kc kernel.Config) error {
	switch {
	case c.USBPriority >= kc.MaxPriorities:
		return fmt.Errorf("%w: usb priority %d", pkg.ErrInvalidParameter, c.USBPriority)
	case c.RegisterPriority >= kc.MaxPriorities:
		return fmt.Errorf("%w: register priority %d", pkg.ErrInvalidParameter, c.RegisterPriority)
	case c.RegisterPriority > c.USBPriority,
		c.RegisterPriority == c.USBPriority && kc.MaxPriorities > 1:
		return fmt.Errorf("%w: register priority %d not below usb priority %d",
			pkg.ErrInvalidParameter, c.RegisterPriority, c.USBPriority)
	case c.USBStackDepth <= 0 || c.RegisterStackDepth <= 0:
		return fmt.Errorf("%w: stack depth usb=%d regs=%d",
			pkg.ErrInvalidParameter, c.USBStackDepth, c.RegisterStackDepth)
	case c.USBCore < 0 || c.USBCore >= kc.Cores:
		return fmt.Errorf("%w: usb core %d", pkg.ErrInvalidParameter, c.USBCore)
	case c.RegisterCore < 0 || c.RegisterCore >= kc.Cores:
		return fmt.Errorf("%w: register core %d", pkg.ErrInvalidParameter, c.RegisterCore)
	case c.InitRetryDelay == 0 || c.InitRetryDelay == kernel.MaxDelay:
		return fmt.Errorf("%w: init retry delay %d", pkg.ErrInvalidParameter, c.InitRetryDelay)
	case c.RegisterInterval == 0 || c.RegisterInterval == kernel.MaxDelay:
		return fmt.Errorf("%w: register interval %d", pkg.ErrInvalidParameter, c.RegisterInterval)
	case c.BlinkPeriod == 0 || c.BlinkPeriod == kernel.MaxDelay:
		return fmt.Errorf("%w: blink period %d", pkg.ErrInvalidParameter, c.BlinkPeriod)
	}
	return nil
}
