package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure so the API surface can map it to a status code
type Kind string

const (
	KindConflict          Kind = "Conflict"
	KindNotFound          Kind = "NotFound"
	KindInvalidCredential Kind = "InvalidCredential"
	KindInactiveAccount   Kind = "InactiveAccount"
	KindInvalidParameter  Kind = "InvalidParameter"
	KindGateway           Kind = "GatewayError"
	KindTimeout           Kind = "Timeout"
	KindStorage           Kind = "StorageError"
)

// Error is a classified domain error carrying a human readable message
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind, so errors.Is(err, apperr.NotFound("")) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a classified error
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an underlying error
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Conflict(message string) *Error          { return New(KindConflict, message) }
func NotFound(message string) *Error          { return New(KindNotFound, message) }
func InvalidCredential(message string) *Error { return New(KindInvalidCredential, message) }
func InactiveAccount(message string) *Error   { return New(KindInactiveAccount, message) }
func InvalidParameter(message string) *Error  { return New(KindInvalidParameter, message) }

// KindOf returns the kind of err. Deadline and cancellation errors are Timeout.
// The second result is false when err carries no classification.
func KindOf(err error) (Kind, bool) {
	if err == nil {
		return "", false
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout, true
	}
	return "", false
}

// MessageOf returns the human message of a classified error, or err.Error()
func MessageOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return err.Error()
}

// Storage classifies a local storage failure, keeping deadline expiry distinct
func Storage(message string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, message, err)
	}
	return Wrap(KindStorage, message, err)
}
