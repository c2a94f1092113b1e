// Package apperr is the single error currency of the server: every failure
// that crosses a component boundary is normalized to *Error with a stable
// machine code, an HTTP-equivalent status class and an operational flag.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable machine-readable codes.
const (
	CodeBadPayload        = "BAD_PAYLOAD"
	CodeRoomFieldsMissing = "ROOM_FIELDS_REQUIRED"
	CodeRoomNotFound      = "ROOM_NOT_FOUND"
	CodeRoomCreateFailed  = "ROOM_CREATE_FAILED"
	CodeUserNotFound      = "USER_NOT_FOUND"
	CodeTransportNotFound = "TRANSPORT_NOT_FOUND"
	CodeTrackNotFound     = "TRACK_NOT_FOUND"
	CodeNoWorkers         = "NO_WORKERS_INITIALIZED"
	CodeNoWorkerAvailable = "NO_WORKER_AVAILABLE"
	CodeRateLimited       = "RATE_LIMITED"
	CodeUpstream          = "UPSTREAM_FAILED"
	CodeInternal          = "INTERNAL"
)

type Error struct {
	Code        string
	Message     string
	Status      int
	Operational bool
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an operational error for an expected failure (bad input,
// missing resource, full room).
func New(code, message string, status int) *Error {
	return &Error{Code: code, Message: message, Status: status, Operational: status < http.StatusInternalServerError}
}

// Wrap marks an upstream/internal failure, preserving the original cause.
func Wrap(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Status:  http.StatusInternalServerError,
		cause:   cause,
	}
}

func BadPayload(message string) *Error {
	return New(CodeBadPayload, message, http.StatusBadRequest)
}

func NotFound(code, message string) *Error {
	return New(code, message, http.StatusNotFound)
}

// From normalizes any error into *Error. Already-normalized errors pass
// through untouched.
func From(err error, fallback string) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Wrap(CodeInternal, fallback, err)
}

// PublicMessage is what goes back to the caller. Non-operational detail is
// masked outside development builds.
func (e *Error) PublicMessage(dev bool) string {
	if e.Operational || dev {
		return e.Message
	}
	return "internal error"
}
