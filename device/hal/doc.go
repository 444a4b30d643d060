// Package hal defines the controller interface beneath the USB device stack.
//
// A [Controller] is interrupt driven: hardware conditions (bus reset,
// suspend, SETUP, transfer completion) are reported as [Event] values through
// the [ISR] installed by [Controller.Init]. The device stack posts them into
// a kernel queue and handles them in its own task, so controller methods never
// block and never call back into the stack directly.
//
// An in-memory controller with a host-side API is available in
// [github.com/ardnew/softtmc/device/hal/sim].
package hal
