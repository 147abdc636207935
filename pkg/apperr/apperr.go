// Package apperr defines the typed error-kind taxonomy shared across the
// orchestrator's components (§7 of the design). Components return an
// *Error wrapping an underlying cause instead of raising ad-hoc errors, so
// callers can classify failures with errors.As instead of string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind enumerates the closed set of error categories the orchestrator
// recognizes. Kind is not a type name mirrored 1:1 onto a Go error type;
// it is the classification a caller branches on.
type Kind string

const (
	InvalidInput          Kind = "invalid_input"
	Conflict              Kind = "conflict"
	NotFound              Kind = "not_found"
	Transient             Kind = "transient"
	BuildFailure          Kind = "build_failure"
	DeployFailure         Kind = "deploy_failure"
	CancellationRequested Kind = "cancellation_requested"
	ConfigDrift           Kind = "config_drift"
)

// Error is the typed result value that replaces exceptions-for-control-flow.
// Only truly unrecoverable conditions should bubble up as a bare Go panic;
// everything else is constructed and returned as an *Error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind wrapping cause. If cause is nil,
// Wrap returns nil, mirroring fmt.Errorf's no-op-on-nil convention used
// throughout the call sites that chain these.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Kind == kind
}

// KindOf extracts the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var ae *Error
	if !errors.As(err, &ae) {
		return ""
	}
	return ae.Kind
}

// IsTransient reports whether err should be retried per the Task Engine's
// retry policy (§4.6): only Transient failures are retried; everything
// else (build failures, auth failures, cancellation) is terminal.
func IsTransient(err error) bool {
	return Is(err, Transient)
}
