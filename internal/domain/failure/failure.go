// Package failure classifies every error that crosses the authentication
// boundary into one of three kinds so callers can decide between prompting
// for re-authentication, retrying, or showing input errors.
package failure

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// Validation means the caller supplied malformed input.
	Validation Kind = iota + 1
	// Authentication means the remote service rejected credentials or a token.
	Authentication
	// Transport means the exchange itself failed and may be retried.
	Transport
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Authentication:
		return "authentication"
	case Transport:
		return "transport"
	default:
		return "unknown"
	}
}

// Well-known codes. Codes coming from the remote service are passed through verbatim.
const (
	CodeHTTPError       = "HTTP_ERROR"
	CodeValidationError = "VALIDATION_ERROR"
	CodeNoSession       = "NO_SESSION"
	CodeStorageError    = "STORAGE_ERROR"
	CodeUnavailable     = "SERVICE_UNAVAILABLE"
	CodeCanceled        = "CANCELED"
	CodeBadResponse     = "BAD_RESPONSE"
)

// Error is a classified failure. Message is safe to show to a user.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Fields holds per-field messages for Validation failures.
	Fields map[string]string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String() + " failure"
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether repeating the same call may succeed.
func (e *Error) Retryable() bool { return e.Kind == Transport }

func NewAuthentication(code, message string) *Error {
	if code == "" {
		code = CodeHTTPError
	}
	return &Error{Kind: Authentication, Code: code, Message: message}
}

func NewTransport(code, message string, err error) *Error {
	if code == "" {
		code = CodeUnavailable
	}
	return &Error{Kind: Transport, Code: code, Message: message, Err: err}
}

func NewValidation(message string, fields map[string]string) *Error {
	return &Error{Kind: Validation, Code: CodeValidationError, Message: message, Fields: fields}
}

// KindOf returns the kind of the first *Error in err's chain, or zero.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

func IsAuthentication(err error) bool { return KindOf(err) == Authentication }

func IsTransport(err error) bool { return KindOf(err) == Transport }

func IsValidation(err error) bool { return KindOf(err) == Validation }

// AsAuthentication reclassifies a Validation failure as Authentication,
// keeping its code, message and fields. Other errors are returned unchanged.
func AsAuthentication(err error) error {
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != Validation {
		return err
	}
	return &Error{Kind: Authentication, Code: fe.Code, Message: fe.Message, Fields: fe.Fields, Err: fe.Err}
}

// Classify returns err unchanged when it is already classified and wraps it as
// a Transport failure otherwise.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != 0 {
		return err
	}
	return NewTransport(CodeUnavailable, "authentication service unavailable", err)
}
