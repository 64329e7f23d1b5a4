package restart

import (
	"errors"
	"fmt"

	"reviver/internal/engine"
)

var (
	// ErrNoConfig means the store has no snapshot for the container, so
	// there is nothing to recreate it from.
	ErrNoConfig = errors.New("no stored configuration")
	// ErrNotRunning means the recreated container did not stay up.
	ErrNotRunning = errors.New("container not running after start")
)

// Workflow steps, as reported in WorkflowError.Step.
const (
	StepConfig = "config"
	StepStop   = "stop"
	StepSettle = "settle"
	StepRemove = "remove"
	StepCreate = "create"
	StepStart  = "start"
	StepVerify = "verify"
)

// WorkflowError is returned by Restart when a step fails. Steps before the
// failed one have already taken effect on the engine.
type WorkflowError struct {
	ContainerID string
	Step        string
	Err         error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("restart %s: %s: %v", e.ContainerID, e.Step, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

func (e *WorkflowError) FailedStep() string {
	return e.Step
}

// superseded reports whether err means another run already took care of the
// container: its snapshot has moved on, or the engine no longer knows the id
// when it is stopped or removed.
func superseded(err error) bool {
	if errors.Is(err, ErrNoConfig) {
		return true
	}
	var wfErr *WorkflowError
	if !errors.As(err, &wfErr) {
		return false
	}
	switch wfErr.Step {
	case StepStop, StepRemove:
		return engine.IsNotFound(wfErr.Err)
	}
	return false
}
