package pkg

import "errors"

// Kernel errors.
var (
	// ErrNoMemory indicates the kernel allocator cannot provision a task,
	// timer or queue.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrSchedulerNotRunning indicates a primitive that is only valid once the
	// scheduler runs (ISR-side queue posts, USB stack init) was used before.
	ErrSchedulerNotRunning = errors.New("scheduler not running")

	// ErrSchedulerStopped is returned from suspension points once the scheduler
	// has been shut down. Task entries return when they see it.
	ErrSchedulerStopped = errors.New("scheduler stopped")

	// ErrTaskExited indicates a task entry returned while the scheduler was
	// still running.
	ErrTaskExited = errors.New("task exited")

	// ErrQueueFull indicates a non-blocking queue post found no free slot.
	ErrQueueFull = errors.New("queue full")

	// ErrQueueEmpty indicates a queue receive timed out with nothing to read.
	ErrQueueEmpty = errors.New("queue empty")

	// ErrAlreadyRunning indicates the scheduler or stack is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrInvalidState indicates an operation is not valid in the current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")
)

// USB errors.
var (
	// ErrNotConfigured indicates the device is not configured.
	ErrNotConfigured = errors.New("device not configured")

	// ErrInvalidEndpoint indicates an invalid endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidRequest indicates an invalid or unsupported request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrBusy indicates the endpoint or resource is busy.
	ErrBusy = errors.New("resource busy")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrDescriptorTooShort indicates descriptor data is shorter than its type requires.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates descriptor data of an unexpected type.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")

	// ErrSetupPacketTooShort indicates the setup packet data is too short.
	ErrSetupPacketTooShort = errors.New("setup packet too short")

	// ErrHeaderTooShort indicates a USBTMC bulk header is shorter than 12 bytes.
	ErrHeaderTooShort = errors.New("bulk header too short")

	// ErrHeaderTag indicates a USBTMC bulk header with inconsistent bTag fields.
	ErrHeaderTag = errors.New("bulk header tag mismatch")
)
