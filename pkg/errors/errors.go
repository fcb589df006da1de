// Package errors defines the error vocabulary shared by every backend and
// the dispatcher (spec §7). A Kind is attached to every error that crosses
// a component boundary so the API facade can translate it without
// re-inspecting error strings.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for translation into a caller-visible status
// (pkg/api) and for dispatcher recovery behaviour (pkg/dispatcher).
type Kind int

const (
	// KindInternal covers file I/O, parsing, and anything unanticipated.
	KindInternal Kind = iota
	KindInvalidArgument
	KindNotFound
	KindAlreadyExists
	KindInvalidState
	KindBackendRejected
	KindSocketTimeout
	KindGuestAgentUnreachable
	KindPoolExhausted
	KindBusy
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindNotFound:
		return "NotFound"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindInvalidState:
		return "InvalidState"
	case KindBackendRejected:
		return "BackendRejected"
	case KindSocketTimeout:
		return "SocketTimeout"
	case KindGuestAgentUnreachable:
		return "GuestAgentUnreachable"
	case KindPoolExhausted:
		return "PoolExhausted"
	case KindBusy:
		return "Busy"
	default:
		return "Internal"
	}
}

// Error is a Kind-tagged error that wraps an underlying cause.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds a Kind-tagged error carrying detail and no wrapped cause.
func New(kind Kind, detail string) error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap attaches kind to cause, preserving it as the error chain's root.
func Wrap(kind Kind, detail string, cause error) error {
	if cause == nil {
		return nil
	}

	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// KindOf extracts the Kind of err, defaulting to KindInternal if err was
// never tagged.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}

	return KindInternal
}

// Sentinel errors for conditions that don't need per-call detail.
var (
	ErrNotFound      = New(KindNotFound, "not found")
	ErrAlreadyExists = New(KindAlreadyExists, "already exists")
	ErrInvalidState  = New(KindInvalidState, "invalid state transition")
	ErrPoolExhausted = New(KindPoolExhausted, "prefix pool exhausted")
	ErrBusy          = New(KindBusy, "command channel busy")
)

// NotFoundf builds a KindNotFound error with a formatted detail message.
func NotFoundf(format string, args ...any) error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

// InvalidArgumentf builds a KindInvalidArgument error with a formatted
// detail message.
func InvalidArgumentf(format string, args ...any) error {
	return New(KindInvalidArgument, fmt.Sprintf(format, args...))
}

// InvalidStatef builds a KindInvalidState error with a formatted detail
// message.
func InvalidStatef(format string, args ...any) error {
	return New(KindInvalidState, fmt.Sprintf(format, args...))
}
