package worklet

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a bridge failure so callers can distinguish a local
// marshaling problem from a remote logic failure.
type ErrorKind string

const (
	// ErrUnmarshalable means a value could not cross the boundary. Raised at
	// encode time, before any message is sent.
	ErrUnmarshalable ErrorKind = "Unmarshalable"
	// ErrNoSuchTarget means an unknown class, function, or member was
	// addressed.
	ErrNoSuchTarget ErrorKind = "NoSuchTarget"
	// ErrHandleInvalid means the addressed handle is disposed or never
	// existed.
	ErrHandleInvalid ErrorKind = "HandleInvalid"
	// ErrConstructionFailed means the constructor threw; the error chains the
	// original failure.
	ErrConstructionFailed ErrorKind = "ConstructionFailed"
	// ErrUserThrown means the worklet-side body raised an error; the original
	// name and message are carried where representable.
	ErrUserThrown ErrorKind = "UserThrown"
	// ErrChannelClosed means the owning worklet context terminated; every
	// pending call for that context rejects with this.
	ErrChannelClosed ErrorKind = "ChannelClosed"
	// ErrInvalidModule means a module failed to compile, evaluate, or was
	// loaded under a duplicate name.
	ErrInvalidModule ErrorKind = "InvalidModule"
)

// Error is a structured bridge failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Cause != nil {
		return fmt.Sprintf("worklet: %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("worklet: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf extracts the ErrorKind from err, or "" when err is not a bridge
// error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}
