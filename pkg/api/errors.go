package api

import (
	"errors"
	"fmt"
)

// ErrorCode classifies the outcome of a feeds or users operation.
type ErrorCode int

const (
	OK ErrorCode = iota
	BadRequest
	NotFound
	Forbidden
	Conflict
	Timeout
	InternalError
)

var codeNames = map[ErrorCode]string{
	OK:            "OK",
	BadRequest:    "BAD_REQUEST",
	NotFound:      "NOT_FOUND",
	Forbidden:     "FORBIDDEN",
	Conflict:      "CONFLICT",
	Timeout:       "TIMEOUT",
	InternalError: "INTERNAL_ERROR",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Error is the error type every service operation returns. Transports carry
// the Code across the wire so a caller sees the same classification the
// remote service produced.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Message
}

// Is matches any *Error with the same code, so errors.Is(err, ErrNotFound)
// works regardless of the message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrBadRequest = &Error{Code: BadRequest}
	ErrNotFound   = &Error{Code: NotFound}
	ErrForbidden  = &Error{Code: Forbidden}
	ErrConflict   = &Error{Code: Conflict}
	ErrTimeout    = &Error{Code: Timeout}
	ErrInternal   = &Error{Code: InternalError}
)

// Errorf builds an *Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf reports the classification of err. Errors that did not originate
// from a service are INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return OK
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return InternalError
}

// AsError converts err into an *Error, keeping the code of a wrapped *Error
// and mapping anything else to INTERNAL_ERROR.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		if apiErr.Message == "" {
			return &Error{Code: apiErr.Code, Message: err.Error()}
		}
		return apiErr
	}
	return &Error{Code: InternalError, Message: err.Error()}
}
