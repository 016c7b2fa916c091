// Package engine implements the provisioning and incident-recovery engine:
// the decision logic that picks a recovery strategy for a server, drives the
// phased configuration runs, tracks incidents, and redeploys services after a
// successful recovery.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a run failure for result reporting and re-queue decisions.
type ErrorClass string

const (
	// ErrorClassValidation indicates a malformed or unprovisionable request:
	// missing IP, missing provider credentials, unknown server handle.
	// Terminal for the run; the engine itself never retries these.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassExternal indicates a provider API failure (non-2xx, network
	// error). Surfaced as a run failure and not retried within the same run.
	ErrorClassExternal ErrorClass = "external"

	// ErrorClassTimeout indicates a bounded wait was exceeded. Reported as a
	// distinct result status so callers can re-queue with a longer budget.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassPhase indicates a configuration phase returned failure.
	// Carries the captured output tail for diagnosis.
	ErrorClassPhase ErrorClass = "phase"

	// ErrorClassMaxAttempts indicates the attempts counter reached the
	// ceiling. Always creates an incident and requires operator intervention.
	ErrorClassMaxAttempts ErrorClass = "max_attempts"
)

// RunError is a classified engine error. Every failure that crosses the
// engine boundary is one of these so the worker can convert it into a
// structured result instead of letting it escape to the queue layer.
type RunError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Handle is the server handle the run was operating on.
	Handle string `json:"handle,omitempty"`

	// Step names the engine step that failed (e.g. "access_setup").
	Step string `json:"step,omitempty"`

	// Output holds captured phase output for phase failures.
	Output string `json:"output,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *RunError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Handle != "" {
		msg += fmt.Sprintf(" (handle=%s", e.Handle)
		if e.Step != "" {
			msg += fmt.Sprintf(", step=%s", e.Step)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *RunError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *RunError) Is(target error) bool {
	t, ok := target.(*RunError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// WithStep adds the failing step name to the error.
func (e *RunError) WithStep(step string) *RunError {
	e.Step = step
	return e
}

// WithOutput attaches captured phase output to the error.
func (e *RunError) WithOutput(output string) *RunError {
	e.Output = output
	return e
}

// NewValidationError creates a validation error for the given handle.
func NewValidationError(handle, message string) *RunError {
	return &RunError{Class: ErrorClassValidation, Message: message, Handle: handle}
}

// NewExternalError creates an external-service error.
func NewExternalError(handle, message string, err error) *RunError {
	return &RunError{Class: ErrorClassExternal, Message: message, Handle: handle, Err: err}
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(handle, message string, err error) *RunError {
	return &RunError{Class: ErrorClassTimeout, Message: message, Handle: handle, Err: err}
}

// NewPhaseError creates a phase-execution error.
func NewPhaseError(handle, step, output string, err error) *RunError {
	return &RunError{
		Class:   ErrorClassPhase,
		Message: "configuration phase failed",
		Handle:  handle,
		Step:    step,
		Output:  output,
		Err:     err,
	}
}

// NewMaxAttemptsError creates a max-attempts-exceeded error.
func NewMaxAttemptsError(handle string, attempts, max int) *RunError {
	return &RunError{
		Class:   ErrorClassMaxAttempts,
		Message: fmt.Sprintf("provisioning attempts exhausted (%d/%d)", attempts, max),
		Handle:  handle,
	}
}

// IsValidation returns true if the error is a validation error.
func IsValidation(err error) bool { return hasClass(err, ErrorClassValidation) }

// IsExternal returns true if the error is an external-service error.
func IsExternal(err error) bool { return hasClass(err, ErrorClassExternal) }

// IsTimeout returns true if the error is a timeout error.
func IsTimeout(err error) bool { return hasClass(err, ErrorClassTimeout) }

// IsPhase returns true if the error is a phase-execution error.
func IsPhase(err error) bool { return hasClass(err, ErrorClassPhase) }

// IsMaxAttempts returns true if the error is a max-attempts error.
func IsMaxAttempts(err error) bool { return hasClass(err, ErrorClassMaxAttempts) }

func hasClass(err error, class ErrorClass) bool {
	var e *RunError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}
