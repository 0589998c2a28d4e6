package pipeline

import (
	"errors"
	"fmt"
)

// Operation names the kind of run. It is also the stage reported in
// PipelineError and in processing status updates.
type Operation string

const (
	OpEffects Operation = "effects"
	OpMixing  Operation = "mixing"
	OpTrim    Operation = "trimming"
	OpMerge   Operation = "merging"
)

var (
	// ErrEmptyOutput is returned when the tool exits cleanly without
	// producing any audio.
	ErrEmptyOutput = errors.New("media tool produced no output")
	// ErrWorkspaceLocked is returned when another process holds the
	// scratch root.
	ErrWorkspaceLocked = errors.New("workspace locked by another process")
)

// PipelineError reports a failed run. Stage is the operation that failed.
type PipelineError struct {
	Stage Operation
	Cause error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline %s: %v", e.Stage, e.Cause)
}

func (e *PipelineError) Unwrap() error { return e.Cause }

func fail(op Operation, err error) error {
	var perr *PipelineError
	if errors.As(err, &perr) {
		return err
	}
	return &PipelineError{Stage: op, Cause: err}
}
