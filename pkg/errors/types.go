package errors

import (
	"fmt"
	"maps"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Error is the structured error returned across the delegation core.
//
// Message is safe to show to the caller. Cause may hold raw detail from a
// dependency and must never be rendered to an untrusted client; the gateway
// sanitizes it before it leaves the process.
type Error struct {
	Code    Code
	Message string
	Cause   error
	Details map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes Cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Family returns the failure family of the error's code.
func (e *Error) Family() Family {
	return e.Code.Family()
}

// HTTPStatus maps the code category to an HTTP status.
func (e *Error) HTTPStatus() int {
	switch e.Code.Category() {
	case "VAL":
		return http.StatusBadRequest
	case "AUTH":
		return http.StatusUnauthorized
	case "AUTHZ":
		return http.StatusForbidden
	case "NF":
		return http.StatusNotFound
	case "CONF":
		return http.StatusConflict
	case "UNAVAIL":
		return http.StatusServiceUnavailable
	case "TIMEOUT":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps the code category to a gRPC status code.
func (e *Error) GRPCCode() codes.Code {
	switch e.Code.Category() {
	case "VAL":
		return codes.InvalidArgument
	case "AUTH":
		return codes.Unauthenticated
	case "AUTHZ":
		return codes.PermissionDenied
	case "NF":
		return codes.NotFound
	case "CONF":
		return codes.AlreadyExists
	case "UNAVAIL":
		return codes.Unavailable
	case "TIMEOUT":
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// WithDetail returns a copy of e with key set in Details.
func (e *Error) WithDetail(key string, value any) *Error {
	return e.WithDetails(map[string]any{key: value})
}

// WithDetails returns a copy of e with details merged into Details. The
// receiver is left unchanged.
func (e *Error) WithDetails(details map[string]any) *Error {
	merged := make(map[string]any, len(e.Details)+len(details))
	maps.Copy(merged, e.Details)
	maps.Copy(merged, details)
	return &Error{Code: e.Code, Message: e.Message, Cause: e.Cause, Details: merged}
}

// Format supports %s, %q, %v and %+v. The %+v form includes details and the
// cause chain.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "Error{Code: %q, Message: %q", e.Code, e.Message)
			if len(e.Details) > 0 {
				fmt.Fprintf(s, ", Details: %v", e.Details)
			}
			if e.Cause != nil {
				fmt.Fprintf(s, ", Cause: %+v", e.Cause)
			}
			fmt.Fprint(s, "}")
			return
		}
		fmt.Fprint(s, e.Error())
	case 's':
		fmt.Fprint(s, e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}
