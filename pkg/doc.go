// Package pkg provides shared utilities for the softtmc firmware core.
//
// This package contains common functionality used by the kernel model, the
// USB device stack, the USBTMC application and the boot sequencer:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors shared across package boundaries
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with a per-component attribute:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentBoot, "scheduler starting", "tasks", 2)
//
// # Errors
//
// Errors that cross package boundaries are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrSchedulerStopped) {
//	    return
//	}
package pkg
