// Package errors defines the error taxonomy shared by every component of
// the connectivity core: STUN, TURN, RUDP and the back-off engine all
// surface failures through the same six-kind classification so that callers
// can branch on Kind without knowing which subsystem raised the error.
package errors

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// Kind classifies an error the way spec.md §7 enumerates them. No other
// kinds are added: every failure in this module is one of these six.
type Kind string

const (
	// KindParse covers malformed wire data; local, dropped, counted.
	KindParse Kind = "parse"
	// KindAuthFailure covers STUN/TURN 401/403/438 responses.
	KindAuthFailure Kind = "auth_failure"
	// KindTimeout covers attempt-timeout or retry-after exhaustion.
	KindTimeout Kind = "timeout"
	// KindTransport covers socket-level permanent failure.
	KindTransport Kind = "transport"
	// KindProtocol covers an invariant violated by the peer.
	KindProtocol Kind = "protocol"
	// KindCancelled covers application-initiated shutdown/cancel.
	KindCancelled Kind = "cancelled"
)

// Error is the concrete error type returned across the module. It carries
// enough context for a component to update its own state fields
// (state, lastErrorCode, lastErrorReason per spec.md §7) without having to
// re-derive them from a bare string.
type Error struct {
	Kind      Kind
	Component string
	Operation string
	Code      string
	Message   string
	Cause     error
	Retryable bool
	Timestamp time.Time
	Stack     string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s[%s/%s]: %s: %v", e.Kind, e.Component, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s[%s/%s]: %s", e.Kind, e.Component, e.Operation, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is compares two *Error by Kind and Code so errors.Is works against
// sentinel-style comparisons built with New(...).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// New builds an Error of the given kind, originating from component/op.
func New(kind Kind, component, operation, code, message string) *Error {
	return &Error{
		Kind:      kind,
		Component: component,
		Operation: operation,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap attaches cause to a new Error, preserving the original as Unwrap target.
func Wrap(kind Kind, component, operation, code string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Component: component,
		Operation: operation,
		Code:      code,
		Message:   cause.Error(),
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// WithRetryable marks whether the caller should retry this error, and
// returns the receiver for chaining at the call site.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithStack captures the current goroutine's stack for diagnostics. Kept
// opt-in (not automatic on New) since capturing a stack on every parse
// error in a hot retransmit loop would be wasteful.
func (e *Error) WithStack() *Error {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	e.Stack = string(buf[:n])
	return e
}

// FromContext extracts a correlation id stashed on ctx by the caller, if
// any, and attaches it to the error's Code as a suffix so log lines can be
// joined back to the request that triggered them.
func FromContext(ctx context.Context, e *Error) *Error {
	if v := ctx.Value(correlationKey{}); v != nil {
		if id, ok := v.(string); ok && id != "" {
			e.Code = fmt.Sprintf("%s[%s]", e.Code, id)
		}
	}
	return e
}

type correlationKey struct{}

// WithCorrelationID returns a context carrying id for later retrieval via
// FromContext.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// IsKind reports whether err (or any error in its Unwrap chain that is an
// *Error) has the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Cause
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
