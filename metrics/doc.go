// Package metrics provides observability hooks for the firmware tasks.
//
// Components take a [Recorder] and default to [NoopRecorder], so metrics are
// optional and never need nil checks at call sites. The simulator swaps in a
// [PrometheusRecorder] and serves it with [HTTPHandler]:
//
//	reg := prometheus.NewRegistry()
//	rec := metrics.NewPrometheusRecorder(reg)
//	http.Handle("/metrics", metrics.HTTPHandler(reg))
package metrics
