package memory

import (
	"errors"
	"fmt"
)

// ErrValidation marks caller errors: unrecognized memory type, empty
// content, malformed update. Never retried, surfaced immediately.
var ErrValidation = errors.New("validation failed")

// ErrBackendUnavailable marks a transient backend connectivity failure.
// It is recovered internally by falling back to the journal and is not
// surfaced to callers; it appears only wrapped inside a PersistenceError
// when the journal fails too, and in diagnostics counters.
var ErrBackendUnavailable = errors.New("backend unavailable")

// PersistenceError reports that both persistence paths failed for a single
// operation. Fatal for that call only; other in-flight operations are
// unaffected.
type PersistenceError struct {
	Backend error
	Journal error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed: backend: %v; journal: %v", e.Backend, e.Journal)
}

func (e *PersistenceError) Unwrap() []error {
	var errs []error
	if e.Backend != nil {
		errs = append(errs, e.Backend)
	}
	if e.Journal != nil {
		errs = append(errs, e.Journal)
	}
	return errs
}
