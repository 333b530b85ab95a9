// Package fault classifies errors raised by activities and the tool pipeline
// into a closed taxonomy. The kind decides retry behavior and is what event
// payloads carry in their error_kind field.
package fault

import (
	"errors"
	"fmt"
)

// Kind names one error class.
type Kind string

const (
	KindNetwork          Kind = "network_failure"
	KindTimeout          Kind = "timeout"
	KindSchemaViolation  Kind = "schema_violation"
	KindPermissionDenied Kind = "permission_denied"
	KindBadPlan          Kind = "bad_plan"
	KindMissingCitations Kind = "missing_citations"
	KindInvalidCitation  Kind = "invalid_citation"
	KindServerError      Kind = "server_error"
	KindBudgetExhausted  Kind = "budget_exhausted"
	KindRateLimited      Kind = "rate_limited"
	KindCancelled        Kind = "cancelled"
	KindRefusal          Kind = "refusal"

	// KindUnknown is returned by KindOf for errors outside the taxonomy.
	KindUnknown Kind = "unknown"
)

// Error is an error carrying its taxonomy kind.
type Error struct {
	kind Kind
	msg  string
	err  error
}

// New returns an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Newf returns an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error of the given kind wrapping err.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: err.Error(), err: err}
}

// Error implements error.
func (e *Error) Error() string { return string(e.kind) + ": " + e.msg }

// Unwrap returns the wrapped error, if any.
func (e *Error) Unwrap() error { return e.err }

// Kind returns the error's class.
func (e *Error) Kind() Kind { return e.kind }

// KindOf returns the kind of err, walking the wrap chain. Errors outside the
// taxonomy report KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return KindUnknown
}

// Retryable reports whether errors of this kind may succeed on retry.
// server_error is special-cased by the tool executor, which retries it once
// before treating it as fatal.
func Retryable(kind Kind) bool {
	switch kind {
	case KindNetwork, KindTimeout, KindRateLimited:
		return true
	}
	return false
}
