package errors

import (
	"errors"
	"fmt"
)

// New returns an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches err as the cause of a new Error. Wrap(nil, ...) is nil.
//
//	keys, err := fetch(ctx, url)
//	if err != nil {
//	    return errors.Wrap(err, errors.CodeUnavailableIssuer, "auth: key endpoint unreachable")
//	}
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// Validationf returns a CodeValidation error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

// Internal returns a CodeInternal error. Use it for the generic result the
// gateway hands back when something unexpected happened.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// FromError returns err as an *Error, wrapping foreign errors as CodeInternal.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, CodeInternal, "an unexpected error occurred")
}
