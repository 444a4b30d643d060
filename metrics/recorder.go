package metrics

import "time"

// Recorder receives firmware observability hooks. Implementations must be
// safe for concurrent use from tasks, timer callbacks and interrupt context.
type Recorder interface {
	IncTaskPass(task string)
	ObserveWakeLateness(task string, late time.Duration)
	IncMissedDeadline(task string)
	IncDroppedEvent(queue string)
	IncControlRequest(kind string, stalled bool)
	SetLinkState(state string)
	SetBlinkPeriod(d time.Duration)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not
// configured).
type NoopRecorder struct{}

func (NoopRecorder) IncTaskPass(string)                         {}
func (NoopRecorder) ObserveWakeLateness(string, time.Duration) {}
func (NoopRecorder) IncMissedDeadline(string)                   {}
func (NoopRecorder) IncDroppedEvent(string)                     {}
func (NoopRecorder) IncControlRequest(string, bool)             {}
func (NoopRecorder) SetLinkState(string)                        {}
func (NoopRecorder) SetBlinkPeriod(time.Duration)               {}

// OrNoop returns r, or NoopRecorder if r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
