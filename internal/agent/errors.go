package agent

import (
	"errors"
	"fmt"
)

// ErrCall is the sentinel wrapped by CallError.
var ErrCall = errors.New("capability call failed")

// ErrValidation is the sentinel wrapped by ValidationError.
var ErrValidation = errors.New("invalid capability result")

// CallError indicates the underlying capability call failed to return a
// result at all (transport failure, provider outage). It is transient:
// the solver retries it a bounded number of times before treating the
// stage as failed.
type CallError struct {
	Op  string
	Err error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("capability call failed: %s: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return ErrCall }

// ValidationError indicates the capability returned a structurally
// invalid result. It is never retried blindly; the solver counts it as a
// replanning trigger and forwards Msg as feedback.
type ValidationError struct {
	Op  string
	Msg string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid capability result: %s: %s", e.Op, e.Msg)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
