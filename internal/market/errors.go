package market

import (
	"errors"
	"fmt"
)

// Code classifies every failure the engine can produce. The HTTP layer maps
// codes onto status codes; callers branch on codes with IsCode.
type Code string

const (
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeNotFound           Code = "NOT_FOUND"
	CodeAlreadyExists      Code = "ALREADY_EXISTS"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodePreconditionFailed Code = "PRECONDITION_FAILED"
	CodeExternalFailure    Code = "EXTERNAL_FAILURE"
)

// Error carries the failure code, the operation that produced it and an
// optional wrapped cause from an external collaborator.
type Error struct {
	Code    Code
	Op      string
	Message string
	cause   error
}

var _ error = (*Error)(nil)

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: [%s] %s", e.Op, e.Code, e.Message)
	if e.cause != nil {
		s += fmt.Sprintf(": %v", e.cause)
	}
	return s
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match two engine errors by code alone, so callers can
// compare against a bare &Error{Code: ...} sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Op == "" || t.Op == e.Op)
}

func errf(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

func wrapf(code Code, op string, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...), cause: cause}
}

// CodeOf extracts the engine code from err, or CodeExternalFailure when err
// did not originate in the engine.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeExternalFailure
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
