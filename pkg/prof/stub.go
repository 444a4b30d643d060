//go:build !profile

package prof

import "net/http"

// ErrCPUProfileActive is defined for API compatibility but never returned by stubs.
var ErrCPUProfileActive error

// Enabled reports whether the binary was built with the "profile" tag.
func Enabled() bool { return false }

// StartCPU is a no-op when built without the "profile" tag.
func StartCPU(_ string) error {
	return nil
}

// StopCPU is a no-op when built without the "profile" tag.
func StopCPU() {}

// IsCPUActive always returns false when built without the "profile" tag.
func IsCPUActive() bool {
	return false
}

// WriteHeap is a no-op when built without the "profile" tag.
func WriteHeap(_ string) error {
	return nil
}

// Register is a no-op when built without the "profile" tag.
func Register(_ *http.ServeMux) {}
