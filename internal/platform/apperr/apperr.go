// Package apperr defines the error taxonomy shared by the consultation core and
// maps it onto HTTP responses. Storage errors are translated into these kinds at
// the service boundary so raw driver errors never reach a caller.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Kind sentinels. Compare with errors.Is.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrDuplicateSubmission = errors.New("duplicate submission")
	ErrDuplicateApproval   = errors.New("duplicate approval")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrNotFound            = errors.New("not found")
	ErrDeliveryFailed      = errors.New("delivery failed")
	ErrDeadLettered        = errors.New("dead lettered")
	ErrDataIntegrity       = errors.New("data integrity")
)

// Error carries a taxonomy kind, a stable machine code and a caller-safe message.
type Error struct {
	Kind    error
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is reports whether target is the kind of this error.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error of the given kind.
func New(kind error, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds an Error of the given kind that keeps cause for logging.
func Wrap(kind error, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// InvalidInput is a shorthand for the most common validation failure.
func InvalidInput(format string, args ...any) *Error {
	return New(ErrInvalidInput, "invalid_input", fmt.Sprintf(format, args...))
}

// NotFound returns the single not-found shape used for both missing and
// cross-tenant resources.
func NotFound(resource string) *Error {
	return New(ErrNotFound, "not_found", resource+" not found")
}

// InvalidTransition describes a disallowed state change.
func InvalidTransition(from, to string) *Error {
	return New(ErrInvalidTransition, "invalid_transition",
		fmt.Sprintf("transition from %q to %q is not allowed", from, to))
}

// HTTPStatus maps an error to the status code a handler should return.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateSubmission), errors.Is(err, ErrDuplicateApproval):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// ToHTTPError converts err into an echo error. Unknown errors become a generic
// 500 so that storage details are not exposed.
func ToHTTPError(err error) *echo.HTTPError {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		return echo.NewHTTPError(status, "internal server error").SetInternal(err)
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		return echo.NewHTTPError(status, map[string]string{
			"code":    appErr.Code,
			"message": appErr.Message,
		}).SetInternal(err)
	}
	return echo.NewHTTPError(status, err.Error())
}
