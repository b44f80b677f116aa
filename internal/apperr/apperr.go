// Package apperr defines the registry's error taxonomy and its mapping to
// HTTP status codes. The state machine and registry return these typed
// errors; the service layer surfaces them unchanged.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for transport mapping.
type Code int

const (
	// CodeInternal covers I/O, serialization, and invariant violations.
	CodeInternal Code = iota
	// CodeNotFound means the id is absent in the targeted collection.
	CodeNotFound
	// CodeAlreadyExists means the id is present in some collection on insert.
	CodeAlreadyExists
	// CodeBadRequest covers invalid ids, illegal transitions, insufficient
	// amounts, and malformed input.
	CodeBadRequest
)

func (c Code) String() string {
	switch c {
	case CodeNotFound:
		return "not_found"
	case CodeAlreadyExists:
		return "already_exists"
	case CodeBadRequest:
		return "bad_request"
	default:
		return "internal"
	}
}

// Error is a classified service error.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Internal wraps err as an internal error.
func Internal(msg string, err error) *Error {
	return &Error{Code: CodeInternal, Msg: msg, Err: err}
}

// NotFound creates a not-found error.
func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Msg: fmt.Sprintf(format, args...)}
}

// AlreadyExists creates an already-exists error.
func AlreadyExists(format string, args ...any) *Error {
	return &Error{Code: CodeAlreadyExists, Msg: fmt.Sprintf(format, args...)}
}

// BadRequest creates a bad-request error.
func BadRequest(format string, args ...any) *Error {
	return &Error{Code: CodeBadRequest, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the Code from err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Status maps err to an HTTP status code.
func Status(err error) int {
	switch CodeOf(err) {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodeBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
