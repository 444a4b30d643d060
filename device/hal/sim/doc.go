// Package sim implements an in-memory USB device controller.
//
// The device stack drives the [Controller] through the hal.Controller
// methods. Tests and the simulator play the host through the rest of its API:
//
//	ctrl := sim.New()
//	stack := device.NewStack(ctrl, desc, class)
//	// ... stack.Init runs in the device task ...
//	ctrl.Plug(hal.SpeedFull)
//	req := device.GetDescriptorRequest(device.DescriptorTypeDevice, 0, 18)
//	desc, err := ctrl.Control(ctx, req.Bytes(), nil)
//
// Host-side calls raise controller events through the installed ISR from the
// calling goroutine, which plays the role of interrupt context. Bulk OUT data
// is held until the device arms the endpoint and is split to fit the armed
// buffer, so multi-transfer messages behave as on a real bus.
package sim
