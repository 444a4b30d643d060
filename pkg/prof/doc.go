// Package prof provides profiling hooks for host builds of the firmware.
//
// The package wraps [runtime/pprof] and [net/http/pprof]. It is conditionally
// compiled using the "profile" build tag:
//
//	go build -tags profile ./examples/sim-hal/usbtmc
//
// Without the tag every exported function is a no-op, so the simulator can
// keep its profiling flags in place at no cost.
//
// # CPU Profiling
//
//	prof.StartCPU("cpu.prof")
//	defer prof.StopCPU()
//
// # HTTP Profiling
//
// [Register] mounts the pprof handlers on an existing mux, typically the one
// that already serves /metrics:
//
//	mux := http.NewServeMux()
//	prof.Register(mux)
package prof
