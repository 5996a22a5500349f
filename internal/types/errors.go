// Package types holds the shared records and the error-kind taxonomy that
// every OLAV component surfaces through its public operations.
package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable machine-readable classification carried by every
// failure. UI collaborators map kinds to presentation; the core never
// branches on message text.
type ErrorKind string

const (
	// KindNotPermitted marks an unknown or out-of-scope operation or path.
	// Never retried.
	KindNotPermitted ErrorKind = "not_permitted"

	// KindNeedsApproval marks a write capability invoked from an agent
	// context. It is a protocol state, not a failure: the session FSM
	// converts it into an interrupt.
	KindNeedsApproval ErrorKind = "needs_approval"

	// KindNotFound marks a missing device, document, or thread.
	KindNotFound ErrorKind = "not_found"

	// KindAuth marks a credential rejected by a device.
	KindAuth ErrorKind = "auth"

	// KindTransport marks a TCP/SSH-level failure.
	KindTransport ErrorKind = "transport"

	// KindTimeout marks a per-call deadline exceeded.
	KindTimeout ErrorKind = "timeout"

	// KindParseFailed marks a template parse that raised with fallback
	// disabled.
	KindParseFailed ErrorKind = "parse_failed"

	// KindEmptyScope marks a selector that matched nothing.
	KindEmptyScope ErrorKind = "empty_scope"

	// KindBusy marks a second concurrent request on the same thread.
	KindBusy ErrorKind = "busy"

	// KindInternal marks a broken invariant.
	KindInternal ErrorKind = "internal"
)

// Error carries a kind, a human-readable message, and optionally the
// underlying cause. It wraps so callers can use errors.Is/As through it.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error

	// Approval is populated only for KindNeedsApproval.
	Approval *ApprovalRequest
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// NewError builds an error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf builds an error of the given kind with a formatted message.
func Errorf(kind ErrorKind, format string, a ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, a...)}
}

// WrapError attaches a kind and message to an underlying cause.
func WrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the error kind, or KindInternal for errors that never
// passed through the taxonomy. A nil error has no kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// ApprovalOf extracts the approval request from a NeedsApproval error.
func ApprovalOf(err error) (*ApprovalRequest, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindNeedsApproval && e.Approval != nil {
		return e.Approval, true
	}
	return nil, false
}

// ExitCode maps an error kind to the process exit code contract.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindNotPermitted, KindNeedsApproval:
		return 2
	case KindNotFound, KindEmptyScope:
		return 3
	case KindTimeout, KindTransport, KindAuth:
		return 4
	case KindBusy:
		return 5
	default:
		return 1
	}
}
