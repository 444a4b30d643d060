// Package status drives the status LED: its blink rate encodes the USB link
// state (fast when not mounted, slow when mounted, slower when suspended).
//
// [Indicator.Step] is bound to an auto-reload kernel timer. Each firing
// toggles the LED and, when the link state has changed, changes the timer's
// period, so the new rate takes effect from the first firing after the
// change.
package status
