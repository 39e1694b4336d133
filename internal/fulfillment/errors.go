package fulfillment

import (
	"errors"
	"fmt"

	"github.com/italolelis/gamevault/internal/pathguard"
)

// FailureMessage is the only failure text ever shown to requesters. The real
// cause stays in the request's error detail.
const FailureMessage = "unable to prepare download"

var (
	// ErrInvalidPath is wrapped by every source path rejection.
	ErrInvalidPath = errors.New("invalid path")
	// ErrBusy is returned when the job queue has no room left.
	ErrBusy = errors.New("fulfillment queue is full")
)

// AccessDeniedError reports a source path that did not resolve inside the
// allowed roots. It carries the path guard reason and never the path.
type AccessDeniedError struct {
	Reason pathguard.Reason
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied: %s", e.Reason)
}

func (e *AccessDeniedError) Unwrap() error {
	return ErrInvalidPath
}

// InvalidInputError reports a malformed field supplied by the caller.
type InvalidInputError struct {
	Field string // Name of the offending field
	Err   error  // ErrInvalidPath for source paths, nil otherwise
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s", e.Field)
}

func (e *InvalidInputError) Unwrap() error {
	return e.Err
}
