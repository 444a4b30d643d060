package config

import (
	"fmt"
	"math"
	"net"
	"time"

	"github.com/ardnew/softtmc/pkg"
)

// maxStringChars is the longest string a USB string descriptor can carry.
const maxStringChars = (255 - 2) / 2

// Validate checks configuration correctness. It does not mutate cfg.
func Validate(cfg *Config) error {
	if _, err := pkg.ParseLogLevel(cfg.Log.Level); err != nil {
		return err
	}
	if _, err := pkg.ParseLogFormat(cfg.Log.Format); err != nil {
		return err
	}

	// ------------------------------------------------------------
	// KERNEL
	// ------------------------------------------------------------

	for name, v := range map[string]int{
		"kernel.max_priorities":      cfg.Kernel.MaxPriorities,
		"kernel.timer_task_priority": cfg.Kernel.TimerTaskPriority,
		"usb.priority":               cfg.USB.Priority,
		"registers.priority":         cfg.Registers.Priority,
	} {
		if v < 0 || v > math.MaxUint8 {
			return fmt.Errorf("%w: %s %d out of range", pkg.ErrInvalidParameter, name, v)
		}
	}

	kc, err := cfg.KernelConfig(nil)
	if err != nil {
		return err
	}
	if err := kc.Validate(); err != nil {
		return fmt.Errorf("kernel: %w", err)
	}

	// ------------------------------------------------------------
	// TASKS AND TIMERS
	// ------------------------------------------------------------

	tick := kc.TickPeriod()
	for name, d := range map[string]time.Duration{
		"usb.init_retry":     cfg.USB.InitRetry,
		"registers.interval": cfg.Registers.Interval,
		"status.not_mounted": cfg.Status.NotMounted,
		"status.mounted":     cfg.Status.Mounted,
		"status.suspended":   cfg.Status.Suspended,
	} {
		if d < tick {
			return fmt.Errorf("%w: %s %v is shorter than one tick (%v)",
				pkg.ErrInvalidParameter, name, d, tick)
		}
	}
	if err := cfg.FirmwareConfig(kc).Validate(kc); err != nil {
		return fmt.Errorf("tasks: %w", err)
	}

	// ------------------------------------------------------------
	// DEVICE AND INSTRUMENT
	// ------------------------------------------------------------

	for name, s := range map[string]string{
		"device.manufacturer": cfg.Device.Manufacturer,
		"device.product":      cfg.Device.Product,
		"device.serial":       cfg.Device.Serial,
	} {
		if len([]rune(s)) > maxStringChars {
			return fmt.Errorf("%w: %s longer than %d characters",
				pkg.ErrInvalidParameter, name, maxStringChars)
		}
	}
	if cfg.Device.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: device.max_message_size %d",
			pkg.ErrInvalidParameter, cfg.Device.MaxMessageSize)
	}
	if cfg.Instrument.ErrorQueueLength <= 0 {
		return fmt.Errorf("%w: instrument.error_queue_length %d",
			pkg.ErrInvalidParameter, cfg.Instrument.ErrorQueueLength)
	}

	// ------------------------------------------------------------
	// METRICS
	// ------------------------------------------------------------

	if cfg.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Listen); err != nil {
			return fmt.Errorf("%w: metrics.listen %q: %v",
				pkg.ErrInvalidParameter, cfg.Metrics.Listen, err)
		}
	}
	return nil
}
