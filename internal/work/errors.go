// internal/work/errors.go
package work

import (
	"errors"
	"fmt"
)

// Sentinel errors crossing component boundaries. Only ErrValidation,
// ErrDuplicate and ErrNotFound are surfaced through the public API;
// everything else is reflected in item status and metrics.
var (
	ErrValidation = errors.New("validation failed")
	ErrDuplicate  = errors.New("equivalent live item exists")
	ErrNotFound   = errors.New("not found")
	ErrOverloaded = errors.New("worker queue full")
	ErrTimeout    = errors.New("deadline exceeded")
	ErrCancelled  = errors.New("cancelled")
)

// WorkerError wraps a collaborator failure. Transient errors count toward
// the retry budget; fatal ones move the item straight to failed.
type WorkerError struct {
	Fatal bool
	Msg   string
	Err   error
}

func (e *WorkerError) Error() string {
	kind := "transient"
	if e.Fatal {
		kind = "fatal"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s worker error: %s: %v", kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s worker error: %s", kind, e.Msg)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// Transient builds a retryable worker error
func Transient(msg string, err error) *WorkerError {
	return &WorkerError{Fatal: false, Msg: msg, Err: err}
}

// Fatal builds a non-retryable worker error
func Fatal(msg string, err error) *WorkerError {
	return &WorkerError{Fatal: true, Msg: msg, Err: err}
}

// IsFatal reports whether err is a fatal worker error
func IsFatal(err error) bool {
	var we *WorkerError
	return errors.As(err, &we) && we.Fatal
}
