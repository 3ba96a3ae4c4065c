package cli

import (
	"errors"
	"fmt"

	"fcrelease/internal/state"
)

// Exit codes.
const (
	// ExitFailed means at least one step failed or the run was interrupted.
	ExitFailed = 1
	// ExitFatal means the release could not be processed at all: invalid
	// arguments or configuration, unreadable or inconsistent state, or unmet
	// prerequisites.
	ExitFatal = 2
)

// ExitError represents a command execution failure with a specific exit code.
//
// This error type allows Cobra RunE functions to signal non-zero exit codes
// without calling os.Exit() directly, enabling testable CLI behavior.
// [Run] extracts the code with [IsExitError]; [Execute] performs the actual
// os.Exit() call.
type ExitError struct {
	// Code is the exit code to return to the shell.
	Code int

	// Err is the message to show the operator. Nil when the command has
	// already reported the problem, e.g. in a run summary.
	Err error
}

// Error returns the wrapped error's message, or "exit status N" when there
// is none.
func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an [ExitError] with the given exit code and no message.
func NewExitError(code int) *ExitError {
	return &ExitError{Code: code}
}

// fatal wraps err as an [ExitError] with [ExitFatal]. Broken state is
// labelled so it is not mistaken for an operational failure.
func fatal(err error) *ExitError {
	if state.IsFatal(err) {
		err = &StateError{Err: err}
	}
	return &ExitError{Code: ExitFatal, Err: err}
}

// StateError reports release state that cannot be trusted: unreadable,
// unparsable or breaking the release invariants. Rerunning does not help;
// the state file has to be inspected by hand.
type StateError struct {
	Err error
}

func (e *StateError) Error() string {
	var iv *state.InvariantViolation
	if errors.As(e.Err, &iv) {
		return "release state is inconsistent, inspect the state file: " + e.Err.Error()
	}
	return "release state is unusable, inspect the state file: " + e.Err.Error()
}

func (e *StateError) Unwrap() error {
	return e.Err
}

// IsExitError checks if an error is an [ExitError] and extracts its exit code.
//
// Returns (code, true) if err is or wraps an *ExitError. Returns (0, false)
// for nil or other errors.
func IsExitError(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}
