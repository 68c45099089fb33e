// Package wjmerr implements the error taxonomy from spec §7:
// Validation, Capacity, Concurrency, Runtime, Timeout, HookFailure,
// Ownership and Stale. Each Kind carries its own exit-code and
// state-mutation contract so cmd/wjm can translate any error straight
// into the right process exit code without re-deriving it per verb.
package wjmerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error per spec §7.
type Kind int

const (
	Validation Kind = iota
	Capacity
	Concurrency
	Runtime
	Timeout
	HookFailure
	Ownership
	Stale
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Capacity:
		return "capacity"
	case Concurrency:
		return "concurrency"
	case Runtime:
		return "runtime"
	case Timeout:
		return "timeout"
	case HookFailure:
		return "hook_failure"
	case Ownership:
		return "ownership"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// ExitCode maps a Kind to the process exit code cmd/wjm returns.
// Capacity (a submit-now refusal or an exhausted id space) takes the
// default exit code 1; a submit-queued refusal becomes QUEUED rather
// than an error.
func (k Kind) ExitCode() int {
	switch k {
	case Validation, Ownership:
		return 1
	case Concurrency:
		return 2
	case Runtime, Timeout, HookFailure:
		return 3
	case Stale:
		return 4
	default:
		return 1
	}
}

// Error wraps an underlying cause with its taxonomy Kind and the
// field/job context relevant to reporting it.
type Error struct {
	Kind  Kind
	Job   string
	Field string
	cause error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Field, e.cause)
	}
	if e.Job != "" {
		return fmt.Sprintf("%s: job %s: %v", e.Kind, e.Job, e.cause)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a taxonomy error from a format string, matching the
// pkg/errors.New/Errorf style the rest of this stack uses so a caller
// can still unwrap to a stack-trace-carrying cause.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, cause: errors.Errorf(format, args...)}
}

// Wrap attaches a Kind to an existing error without discarding it.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, cause: errors.Wrap(err, msg)}
}

// WithJob annotates the error with the job id it concerns.
func (e *Error) WithJob(jobID string) *Error {
	e.Job = jobID
	return e
}

// WithField annotates the error with the directive/config field it
// concerns, matching spec §7's "reports the specific field and the
// violated rule" requirement for Validation errors.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// KindOf extracts the Kind from err if it (or something it wraps) is
// a *Error, defaulting to Runtime when the error predates this
// taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Runtime
}
