package firmware

import "fmt"

// Step names a stage of the boot sequence.
type Step string

// Boot steps, in order.
const (
	StepBoardInit      Step = "board-init"
	StepInstrumentInit Step = "instrument-init"
	StepTimerCreate    Step = "timer-create"
	StepTaskCreate     Step = "task-create"
	StepTimerStart     Step = "timer-start"
	StepScheduler      Step = "scheduler"
)

// FatalError reports an unrecoverable boot or scheduler failure.
type FatalError struct {
	Step Step
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s: %v", e.Step, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
