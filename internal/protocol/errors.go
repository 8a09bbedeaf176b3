package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind is the error taxonomy exposed to command clients.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "ConfigurationError"
	KindProtocol      ErrorKind = "ProtocolError"
	KindProvider      ErrorKind = "ProviderError"
	KindSession       ErrorKind = "SessionError"
)

// Error carries a taxonomy kind through the command boundary.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf reports the taxonomy kind of err, defaulting to ProviderError for
// untyped failures.
func KindOf(err error) ErrorKind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindProvider
}
