// Package apperr defines the closed error taxonomy of the plan service.
// Every error crossing a package boundary carries one of these codes so
// handlers can map it to a transport status without string matching.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation    Code = "validation_error"
	CodeWorkflow      Code = "workflow_violation"
	CodeNotAuthorized Code = "not_authorized"
	CodeConflict      Code = "conflict"
	CodeNotFound      Code = "not_found"
	CodeConfiguration Code = "configuration_error"
	CodeStorage       Code = "storage_unavailable"
	CodeInternal      Code = "internal"
)

type Error struct {
	Code    Code
	Message string

	// Validation detail.
	MissingFields []string

	// Workflow detail: where the plan is, what was attempted, and what the
	// requesting actor could legally do instead.
	CurrentStatus string
	Action        string
	LegalActions  []string

	// Conflict detail.
	ExpectedVersion int
	ActualVersion   int

	err error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, err: err}
}

func Validation(msg string, missing ...string) *Error {
	return &Error{Code: CodeValidation, Message: msg, MissingFields: missing}
}

func WorkflowViolation(current, action string, legal []string) *Error {
	return &Error{
		Code:          CodeWorkflow,
		Message:       fmt.Sprintf("action %q is not allowed from status %q", action, current),
		CurrentStatus: current,
		Action:        action,
		LegalActions:  legal,
	}
}

func NotAuthorized(current, action string, legal []string) *Error {
	return &Error{
		Code:          CodeNotAuthorized,
		Message:       fmt.Sprintf("actor is not authorized for action %q at the current level", action),
		CurrentStatus: current,
		Action:        action,
		LegalActions:  legal,
	}
}

func Conflict(expected, actual int) *Error {
	return &Error{
		Code:            CodeConflict,
		Message:         fmt.Sprintf("version conflict: submitted version %d, current version %d", expected, actual),
		ExpectedVersion: expected,
		ActualVersion:   actual,
	}
}

func NotFound(entity, id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %s not found", entity, id)}
}

func Configuration(msg string) *Error {
	return &Error{Code: CodeConfiguration, Message: msg}
}

func StorageUnavailable(err error) *Error {
	return &Error{Code: CodeStorage, Message: "backing store unavailable", err: err}
}

// CodeOf extracts the taxonomy code from err, or CodeInternal for anything
// outside the taxonomy.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// AsError returns the typed error inside err, or nil.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// IsRetryable reports whether the operation that produced err may be retried
// as-is with backoff.
func IsRetryable(err error) bool {
	return CodeOf(err) == CodeStorage
}

// HTTPStatus maps a taxonomy code onto the REST surface.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeWorkflow:
		return http.StatusBadRequest
	case CodeNotAuthorized:
		return http.StatusForbidden
	case CodeConflict:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
