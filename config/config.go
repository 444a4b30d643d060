package config

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ardnew/softtmc/firmware"
	"github.com/ardnew/softtmc/instrument"
	"github.com/ardnew/softtmc/kernel"
	"github.com/ardnew/softtmc/status"
	"github.com/ardnew/softtmc/usbtmc"
)

// Config is the build configuration of a softtmc image.
type Config struct {
	Kernel     KernelConfig     `yaml:"kernel"`
	USB        USBConfig        `yaml:"usb"`
	Registers  RegistersConfig  `yaml:"registers"`
	Status     StatusConfig     `yaml:"status"`
	Device     DeviceConfig     `yaml:"device"`
	Instrument InstrumentConfig `yaml:"instrument"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ---- KERNEL ----

type KernelConfig struct {
	TickRate         int `yaml:"tick_rate"`
	Cores            int `yaml:"cores"`
	MaxPriorities    int `yaml:"max_priorities"`
	MinimalStackSize int `yaml:"minimal_stack_size"`

	// Allocation is "static" or "dynamic".
	Allocation string `yaml:"allocation"`
	HeapSize   int    `yaml:"heap_size"`
	MaxTasks   int    `yaml:"max_tasks"`
	MaxTimers  int    `yaml:"max_timers"`

	TimerTaskPriority  int `yaml:"timer_task_priority"`
	TimerTaskStackSize int `yaml:"timer_task_stack_size"`
	TimerQueueLength   int `yaml:"timer_queue_length"`
}

// ---- TASKS ----

type USBConfig struct {
	Port       uint8         `yaml:"port"`
	Priority   int           `yaml:"priority"`
	StackDepth int           `yaml:"stack_depth"`
	Core       int           `yaml:"core"`
	InitRetry  time.Duration `yaml:"init_retry"`
}

type RegistersConfig struct {
	Interval   time.Duration `yaml:"interval"`
	Priority   int           `yaml:"priority"`
	StackDepth int           `yaml:"stack_depth"`
	Core       int           `yaml:"core"`
}

// ---- STATUS ----

// StatusConfig holds the blink period per link state. The blink timer
// starts at the not-mounted period.
type StatusConfig struct {
	NotMounted time.Duration `yaml:"not_mounted"`
	Mounted    time.Duration `yaml:"mounted"`
	Suspended  time.Duration `yaml:"suspended"`
}

// ---- USB IDENTITY ----

type DeviceConfig struct {
	VendorID     uint16 `yaml:"vendor_id"`
	ProductID    uint16 `yaml:"product_id"`
	Release      uint16 `yaml:"release"`
	Manufacturer string `yaml:"manufacturer"`
	Product      string `yaml:"product"`

	// Serial is generated at startup when empty.
	Serial string `yaml:"serial"`

	MaxMessageSize int `yaml:"max_message_size"`
}

// ---- INSTRUMENT ----

type InstrumentConfig struct {
	Model            string `yaml:"model"`
	Firmware         string `yaml:"firmware"`
	ErrorQueueLength int    `yaml:"error_queue_length"`
}

// ---- AMBIENT ----

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	// Listen is the /metrics address; empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// Default returns the configuration of the reference firmware.
func Default() *Config {
	kc := kernel.DefaultConfig()
	fc := firmware.DefaultConfig(kc)
	pattern := status.DefaultPattern()
	info := usbtmc.DefaultDeviceInfo()

	return &Config{
		Kernel: KernelConfig{
			TickRate:           kc.TickRate,
			Cores:              kc.Cores,
			MaxPriorities:      int(kc.MaxPriorities),
			MinimalStackSize:   kc.MinimalStackSize,
			Allocation:         kc.Allocation.String(),
			HeapSize:           kc.HeapSize,
			MaxTasks:           kc.MaxTasks,
			MaxTimers:          kc.MaxTimers,
			TimerTaskPriority:  int(kc.TimerTaskPriority),
			TimerTaskStackSize: kc.TimerTaskStackSize,
			TimerQueueLength:   kc.TimerQueueLength,
		},
		USB: USBConfig{
			Port:       fc.USBPort,
			Priority:   int(fc.USBPriority),
			StackDepth: fc.USBStackDepth,
			Core:       fc.USBCore,
			InitRetry:  kc.TicksToDuration(fc.InitRetryDelay),
		},
		Registers: RegistersConfig{
			Interval:   kc.TicksToDuration(fc.RegisterInterval),
			Priority:   int(fc.RegisterPriority),
			StackDepth: fc.RegisterStackDepth,
			Core:       fc.RegisterCore,
		},
		Status: StatusConfig{
			NotMounted: pattern.NotMounted,
			Mounted:    pattern.Mounted,
			Suspended:  pattern.Suspended,
		},
		Device: DeviceConfig{
			VendorID:       info.VendorID,
			ProductID:      info.ProductID,
			Release:        info.Release,
			Manufacturer:   info.Manufacturer,
			Product:        info.Product,
			MaxMessageSize: usbtmc.DefaultMaxMessageSize,
		},
		Instrument: InstrumentConfig{
			Model:            "TMC-1",
			Firmware:         "1.0.0",
			ErrorQueueLength: instrument.DefaultErrorQueueLength,
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
	}
}

// KernelConfig converts the kernel section. clock may be nil.
func (c *Config) KernelConfig(clock clockwork.Clock) (kernel.Config, error) {
	alloc, err := kernel.ParseAllocation(c.Kernel.Allocation)
	if err != nil {
		return kernel.Config{}, err
	}
	return kernel.Config{
		TickRate:           c.Kernel.TickRate,
		Cores:              c.Kernel.Cores,
		MaxPriorities:      kernel.Priority(c.Kernel.MaxPriorities),
		MinimalStackSize:   c.Kernel.MinimalStackSize,
		Allocation:         alloc,
		HeapSize:           c.Kernel.HeapSize,
		MaxTasks:           c.Kernel.MaxTasks,
		MaxTimers:          c.Kernel.MaxTimers,
		TimerTaskPriority:  kernel.Priority(c.Kernel.TimerTaskPriority),
		TimerTaskStackSize: c.Kernel.TimerTaskStackSize,
		TimerQueueLength:   c.Kernel.TimerQueueLength,
		Clock:              clock,
	}, nil
}

// FirmwareConfig converts the task and timer sections to ticks of kc.
func (c *Config) FirmwareConfig(kc kernel.Config) firmware.Config {
	return firmware.Config{
		USBPort:            c.USB.Port,
		USBPriority:        kernel.Priority(c.USB.Priority),
		USBStackDepth:      c.USB.StackDepth,
		USBCore:            c.USB.Core,
		InitRetryDelay:     kc.DurationToTicks(c.USB.InitRetry),
		RegisterInterval:   kc.DurationToTicks(c.Registers.Interval),
		RegisterPriority:   kernel.Priority(c.Registers.Priority),
		RegisterStackDepth: c.Registers.StackDepth,
		RegisterCore:       c.Registers.Core,
		BlinkPeriod:        kc.DurationToTicks(c.Status.NotMounted),
	}
}

// Pattern returns the per-state blink periods.
func (c *Config) Pattern() status.Pattern {
	return status.Pattern{
		NotMounted: c.Status.NotMounted,
		Mounted:    c.Status.Mounted,
		Suspended:  c.Status.Suspended,
	}
}

// DeviceInfo returns the USB identity, generating a serial number if none
// is configured.
func (c *Config) DeviceInfo() usbtmc.DeviceInfo {
	serial := c.Device.Serial
	if serial == "" {
		serial = usbtmc.NewSerial()
	}
	return usbtmc.DeviceInfo{
		VendorID:     c.Device.VendorID,
		ProductID:    c.Device.ProductID,
		Release:      c.Device.Release,
		Manufacturer: c.Device.Manufacturer,
		Product:      c.Device.Product,
		Serial:       serial,
	}
}

// Identity returns the *IDN? identity for a device presenting info.
func (c *Config) Identity(info usbtmc.DeviceInfo) instrument.Identity {
	return instrument.Identity{
		Manufacturer: info.Manufacturer,
		Model:        c.Instrument.Model,
		Serial:       info.Serial,
		Firmware:     c.Instrument.Firmware,
	}
}
