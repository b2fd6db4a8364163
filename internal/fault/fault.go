// Package fault defines the error taxonomy shared by the tilegrid runtime.
//
// Two families exist:
//
// Contract violations (double materialization, out-of-grid access, closing a
// group with live children, re-entering the scheduler) are programmer errors.
// They are raised with Panic and are never returned: continuing would
// silently corrupt state shared between ranks.
//
// Runtime failures (pool exhaustion, a fetch that can never complete,
// malformed configuration) are returned as *RuntimeError values so the
// driver can report them once and terminate the run. Nothing in the core is
// retried.
package fault

import (
	"errors"
	"fmt"
)

// Code categorizes runtime errors.
type Code string

const (
	// ErrCodeWriteOnce indicates a revision was materialized, claimed or
	// completed a second time.
	ErrCodeWriteOnce Code = "WRITE_ONCE"

	// ErrCodeOutOfBounds indicates an entry outside the current grid.
	ErrCodeOutOfBounds Code = "OUT_OF_BOUNDS"

	// ErrCodeLiveChildren indicates a group was closed before its children.
	ErrCodeLiveChildren Code = "LIVE_CHILDREN"

	// ErrCodeReentrant indicates Schedule was called from inside a kernel.
	ErrCodeReentrant Code = "REENTRANT_SCHEDULE"

	// ErrCodePoolExhausted indicates the pool ceiling was reached.
	ErrCodePoolExhausted Code = "POOL_EXHAUSTED"

	// ErrCodeTransport indicates a transport operation cannot complete.
	ErrCodeTransport Code = "TRANSPORT_FAILED"

	// ErrCodeConfig indicates a malformed configuration value.
	ErrCodeConfig Code = "INVALID_CONFIG"

	// ErrCodeStaleHandle indicates a pool handle from a dropped generation.
	ErrCodeStaleHandle Code = "STALE_HANDLE"

	// ErrCodeUnbalanced indicates a scope or actor pop without a push.
	ErrCodeUnbalanced Code = "UNBALANCED_STACK"

	// ErrCodeOwnership indicates writable arguments with different owners.
	ErrCodeOwnership Code = "MIXED_OWNERSHIP"

	// ErrCodeLockedParent indicates an in-place reuse of a parent that still
	// has in-flight readers.
	ErrCodeLockedParent Code = "LOCKED_PARENT"
)

// RuntimeError carries structured fields for diagnostics.
type RuntimeError struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Rank is the world rank that raised the error, -1 when unknown.
	Rank int

	// Object identifies the distributed object, 0 when not applicable.
	Object uint64

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause (optional).
	Err error
}

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Rank >= 0 && e.Object != 0 {
		msg = fmt.Sprintf("%s (rank=%d, object=%d)", msg, e.Rank, e.Object)
	} else if e.Rank >= 0 {
		msg = fmt.Sprintf("%s (rank=%d)", msg, e.Rank)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// New creates a RuntimeError with no rank or object attached.
func New(code Code, format string, args ...any) *RuntimeError {
	return &RuntimeError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Rank:    -1,
	}
}

// Wrap creates a RuntimeError around an existing cause.
func Wrap(code Code, err error, format string, args ...any) *RuntimeError {
	re := New(code, format, args...)
	re.Err = err
	return re
}

// WithRank returns a copy of e tagged with a world rank.
func (e *RuntimeError) WithRank(rank int) *RuntimeError {
	c := *e
	c.Rank = rank
	return &c
}

// WithObject returns a copy of e tagged with an object id.
func (e *RuntimeError) WithObject(id uint64) *RuntimeError {
	c := *e
	c.Object = id
	return &c
}

// Panic raises a contract violation.
func Panic(code Code, format string, args ...any) {
	panic(New(code, format, args...))
}

// IsCode reports whether err (or anything it wraps) is a RuntimeError with
// the given code.
func IsCode(err error, code Code) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// FromPanic converts a recovered panic value into an error. Values that are
// not RuntimeErrors are wrapped so callers never lose them.
func FromPanic(v any) error {
	switch x := v.(type) {
	case nil:
		return nil
	case *RuntimeError:
		return x
	case error:
		return fmt.Errorf("panic: %w", x)
	default:
		return fmt.Errorf("panic: %v", x)
	}
}
