// Package perrors defines the error-kind taxonomy shared by every
// orchestrator component: configuration, environment, network/auth,
// protocol, cancellation, remote-failure, and resource errors.
package perrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error for the purposes of front-end propagation
// policy: configuration/environment errors terminate the process,
// everything else unwinds to the supervisor's teardown path.
type Kind int

const (
	Configuration Kind = iota
	Environment
	NetworkAuth
	Protocol
	Cancellation
	RemoteFailure
	Resource
	Internal
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case Environment:
		return "environment"
	case NetworkAuth:
		return "network/auth"
	case Protocol:
		return "protocol"
	case Cancellation:
		return "cancellation"
	case RemoteFailure:
		return "remote-failure"
	case Resource:
		return "resource"
	default:
		return "internal"
	}
}

// Error wraps an underlying cause with a Kind, so callers unwinding to
// a common teardown path can still tell cancellation apart from a real
// failure without string-matching.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	return e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs a Kind-tagged error with a file:line-carrying stack,
// the same way the teacher's errors.Wrap calls do for internal faults.
func New(k Kind, format string, args ...interface{}) error {
	return &Error{Kind: k, cause: errors.WithStack(fmt.Errorf(format, args...))}
}

// Wrap tags an existing error with a Kind, preserving its stack.
func Wrap(k Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, cause: errors.Wrap(err, msg)}
}

// KindOf extracts the Kind of err, defaulting to Internal when err was
// never tagged (a programming fault, per spec.md's "Internal errors"
// carry file/line in the message" rule — errors.WithStack supplies
// that automatically here).
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return Internal
}

// Is reports whether err (or anything it wraps) is tagged with kind k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}
