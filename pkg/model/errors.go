package model

import (
	"errors"
	"fmt"
)

// ErrNotFound marks a missing referenced entity. Surfaced immediately, never
// retried.
var ErrNotFound = errors.New("not found")

// ErrPrecondition marks an operation attempted against an entity in the wrong
// state (e.g. node must be running). No partial work is attempted.
var ErrPrecondition = errors.New("precondition failed")

// NotFoundf wraps ErrNotFound with context.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// Preconditionf wraps ErrPrecondition with context.
func Preconditionf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrPrecondition)...)
}

// OpError is one failed item of a batch operation. Batch reconcilers collect
// these and keep walking instead of aborting.
type OpError struct {
	Resource string `json:"resource"`
	Reason   string `json:"reason"`
}

func (e OpError) Error() string {
	return e.Resource + ": " + e.Reason
}

// AppendOpError records a per-item failure on a result error list.
func AppendOpError(errs []OpError, resource string, err error) []OpError {
	return append(errs, OpError{Resource: resource, Reason: err.Error()})
}
