// Package braiderr defines the error taxonomy used across the sync
// fabric: protocol, causal, transport, auth, io, integrity and merge
// failures. Every kind carries a code, a human message, free-form
// context and an optional cause.
package braiderr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the seven error taxonomy buckets.
type Kind string

const (
	KindProtocol  Kind = "PROTOCOL"
	KindCausal    Kind = "CAUSAL"
	KindTransport Kind = "TRANSPORT"
	KindAuth      Kind = "AUTH"
	KindIO        Kind = "IO"
	KindIntegrity Kind = "INTEGRITY"
	KindMerge     Kind = "MERGE"
)

// Error is a production error type carrying a taxonomy Kind, a code,
// a message, structured context and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Context map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s/%s] %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Kind, e.Code, e.Message)
}

// Unwrap allows errors.Is/As to see through to the cause.
func (e *Error) Unwrap() error { return e.Cause }

// WithContext attaches a key/value pair and returns the receiver for chaining.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new taxonomy error with no cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Context: make(map[string]interface{})}
}

// Wrap attaches taxonomy/code/message to an existing error, preserving
// it as the cause via github.com/pkg/errors so that %+v still prints a
// stack trace at the original wrap site.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: message,
		Cause:   errors.Wrap(cause, message),
		Context: make(map[string]interface{}),
	}
}

// Is reports whether err (or any error it wraps) has the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}

// Common constructors used throughout the fabric.

func UnknownParent(parent string) *Error {
	return New(KindCausal, "UNKNOWN_PARENT", "parent version not known to server").
		WithContext("parent", parent)
}

func VersionPruned(version string) *Error {
	return New(KindCausal, "VERSION_PRUNED", "requested version has been pruned").
		WithContext("version", version)
}

func Malformed(detail string) *Error {
	return New(KindProtocol, "MALFORMED", detail)
}

func IntegrityMismatch(key, expected, actual string) *Error {
	return New(KindIntegrity, "HASH_MISMATCH", "content hash does not match stored metadata").
		WithContext("key", key).
		WithContext("expected", expected).
		WithContext("actual", actual).
		WithContext("blob_key", key)
}

func MergeRejected(reason string) *Error {
	return New(KindMerge, "MERGE_REJECTED", reason)
}

func Unauthorized(detail string) *Error {
	return New(KindAuth, "UNAUTHORIZED", detail)
}

func Forbidden(detail string) *Error {
	return New(KindAuth, "FORBIDDEN", detail)
}

func Transient(operation string, cause error) *Error {
	return Wrap(KindTransport, "TRANSIENT", "transient transport error during "+operation, cause)
}
