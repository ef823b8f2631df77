// Package apperr defines the error taxonomy shared by the gateways and the run
// driver. Each error carries a caller-facing message and, separately, the
// technical cause that is only ever logged.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindClient               Kind = "client_error"
	KindDuplicateJob         Kind = "duplicate_job"
	KindNotFound             Kind = "not_found"
	KindUpstream             Kind = "upstream_failure"
	KindInvalidSpecification Kind = "invalid_specification"
	KindCompute              Kind = "compute_failure"
	KindUpload               Kind = "upload_failure"
)

// IsClientSide reports whether the failure was caused by the caller's input.
func (k Kind) IsClientSide() bool {
	switch k {
	case KindClient, KindDuplicateJob, KindNotFound, KindInvalidSpecification:
		return true
	}
	return false
}

// Error is a classified failure.
type Error struct {
	Kind Kind

	// Op names the operation that failed (e.g. "submit", "status").
	Op string

	// Message is safe to return to the caller.
	Message string

	// ArtifactPrefix is set when the failure concerns a specific job.
	ArtifactPrefix string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error without an underlying cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap creates a classified error around cause.
func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain. Unclassified
// errors are treated as upstream failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUpstream
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the caller-facing message for err. Unclassified errors get a
// generic message so internal detail never leaks.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}

// ArtifactPrefixOf returns the artifact prefix attached to err, if any.
func ArtifactPrefixOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.ArtifactPrefix
	}
	return ""
}
