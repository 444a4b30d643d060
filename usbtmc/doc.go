// Package usbtmc implements the USB Test and Measurement Class with the
// USB488 subclass on top of the [device] stack.
//
// [Class] is the class driver. It splits the bulk OUT stream into
// device-dependent messages using the 12-byte [Header], frames responses to
// REQUEST_DEV_DEP_MSG_IN, and answers the class control requests:
// GET_CAPABILITIES, INDICATOR_PULSE, INITIATE_CLEAR, the bulk abort pairs,
// READ_STATUS_BYTE and the USB488 remote/local requests.
//
// [App] sits on the class and talks to an [Instrument]. Program messages
// are assembled until EOM and handed to Instrument.Write; responses are
// pulled with Instrument.Read from the device task's application step:
//
//	app := usbtmc.NewApp(inst, usbtmc.WithPulser(indicator))
//	stack := device.NewStack(ctrl, usbtmc.Descriptors(info), app.Class())
//	// device task:
//	//     stack.Task(task)
//	//     app.TaskIter(task)
//
// Host-side message builders ([DevDepMsgOut], [RequestDevDepMsgIn],
// [Trigger]) are provided for tests and the simulator.
package usbtmc
