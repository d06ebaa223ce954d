package agent

import (
	"errors"
	"fmt"
)

// Sentinel errors for loop operations.
var (
	// ErrNoEngine indicates the loop was built without an engine.
	ErrNoEngine = errors.New("no engine configured")

	// ErrRunActive indicates Run was called while a run is in flight.
	// A session executes one run at a time.
	ErrRunActive = errors.New("run already active")

	// ErrNotRunning indicates a control operation that needs an active
	// run (SteerEngine) found none.
	ErrNotRunning = errors.New("no active run")
)

// LoopPhase identifies where in a run something happened.
type LoopPhase string

const (
	PhaseInit         LoopPhase = "init"
	PhaseStream       LoopPhase = "stream"
	PhaseExecuteTools LoopPhase = "execute_tools"
	PhaseVerify       LoopPhase = "verify"
	PhaseComplete     LoopPhase = "complete"
)

// LoopError wraps a failure with the phase and iteration it occurred
// in. The loop reports these to the observer; the event stream carries
// only the message.
type LoopError struct {
	Phase     LoopPhase
	Iteration int
	Message   string
	Cause     error
}

func (e *LoopError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("loop error at %s (iteration %d): %s", e.Phase, e.Iteration, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("loop error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
	}
	return fmt.Sprintf("loop error at %s (iteration %d)", e.Phase, e.Iteration)
}

func (e *LoopError) Unwrap() error { return e.Cause }
