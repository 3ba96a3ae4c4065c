package state

import (
	"errors"
	"fmt"
)

// Sentinel errors for the state store.
var (
	// ErrNoRelease is returned by [Store.Latest] when the state directory holds
	// no release yet. Callers should ask the operator to run init.
	ErrNoRelease = errors.New("no release initialized")

	// ErrInvalidReleaseID is returned for identifiers not shaped like YYYY_NNN.
	ErrInvalidReleaseID = errors.New("release id must be formatted as YYYY_NNN")
)

// StorageError reports that the persisted state could not be read or written.
//
// It is fatal: the operator has to inspect the state file. The orchestrator
// never retries or guesses past a StorageError.
type StorageError struct {
	// Op is the failed operation, e.g. "read", "parse" or "write".
	Op string
	// Path is the state file involved.
	Path string
	// Err is the underlying error.
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("state %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// InvariantViolation reports persisted state that breaks the release rules,
// for example a tested branch that was never added. It indicates corruption
// or manual editing and is reported apart from ordinary failed steps.
type InvariantViolation struct {
	ReleaseID string
	Reason    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("release %s: invariant violated: %s", e.ReleaseID, e.Reason)
}

// IsFatal reports whether err is a storage error or an invariant violation.
func IsFatal(err error) bool {
	var se *StorageError
	var iv *InvariantViolation
	return errors.As(err, &se) || errors.As(err, &iv)
}
