// Package execerr defines the error taxonomy used by the execution engine.
//
// Processors classify the failures they observe so that callers can tell
// malformed input apart from I/O trouble, schema drift, engine bugs and
// cooperative cancellation. The classification never replaces the original
// error: Unwrap always yields it.
package execerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an execution failure.
type Kind int

const (
	// KindUnknown is reported for errors that were never classified.
	KindUnknown Kind = iota
	// KindInput is malformed source data, e.g. an undecodable batch.
	KindInput
	// KindResource is an I/O failure opening or reading a remote object.
	KindResource
	// KindSchema is a schema mismatch between source and target.
	KindSchema
	// KindInternal is an invariant violation inside the engine.
	KindInternal
	// KindCancelled is cooperative cancellation observed by a processor.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindResource:
		return "resource"
	case KindSchema:
		return "schema"
	case KindInternal:
		return "internal"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String. Unrecognised names map to KindUnknown.
func ParseKind(s string) Kind {
	switch s {
	case "input":
		return KindInput
	case "resource":
		return KindResource
	case "schema":
		return KindSchema
	case "internal":
		return KindInternal
	case "cancelled":
		return KindCancelled
	default:
		return KindUnknown
	}
}

// Error is a classified execution error.
type Error struct {
	Kind Kind
	// Op names the processor or step that failed.
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	if err == nil {
		err = errors.New(kind.String())
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Input wraps err as malformed input data.
func Input(op string, err error) error { return newError(KindInput, op, err) }

// Resource wraps err as an I/O failure.
func Resource(op string, err error) error { return newError(KindResource, op, err) }

// Schema wraps err as a schema mismatch.
func Schema(op string, err error) error { return newError(KindSchema, op, err) }

// Internal wraps err as an engine invariant violation.
func Internal(op string, err error) error { return newError(KindInternal, op, err) }

// Internalf formats an invariant violation.
func Internalf(op, format string, args ...any) error {
	return newError(KindInternal, op, fmt.Errorf(format, args...))
}

// Cancelled wraps err as observed cancellation. A nil err becomes context.Canceled.
func Cancelled(op string, err error) error {
	if err == nil {
		err = context.Canceled
	}
	return newError(KindCancelled, op, err)
}

// KindOf reports the kind of the outermost classified error in err's chain.
// Bare context cancellation errors are reported as KindCancelled.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// IsFatal reports whether err must abort the whole query rather than a single
// stage. Internal errors indicate a bug and are always fatal.
func IsFatal(err error) bool { return KindOf(err) == KindInternal }

type remoteError struct{ msg string }

func (e *remoteError) Error() string { return e.msg }

// Remote reconstructs an error reported by another node. Only the kind and the
// message survive the trip.
func Remote(kind Kind, op, msg string) error {
	return newError(kind, op, &remoteError{msg: msg})
}

// IsRemote reports whether err was reconstructed by Remote.
func IsRemote(err error) bool {
	var re *remoteError
	return errors.As(err, &re)
}
