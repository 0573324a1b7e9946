package errors

import (
	"errors"
	"net/http"
)

// StatusError is a failure that maps to an HTTP status and a client-facing
// reason. Handlers return it; the API layer renders it as
// {"status":"failure","reason":...}.
type StatusError struct {
	Code   int
	Reason string
	Err    error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

func BadRequest(reason string) *StatusError {
	return &StatusError{Code: http.StatusBadRequest, Reason: reason}
}

func NotFound(reason string) *StatusError {
	return &StatusError{Code: http.StatusNotFound, Reason: reason}
}

func Internal(reason string, err error) *StatusError {
	return &StatusError{Code: http.StatusInternalServerError, Reason: reason, Err: err}
}

// HTTPStatus returns the status carried by err, or 500 for anything else.
func HTTPStatus(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return http.StatusInternalServerError
}

// Reason returns the client-facing reason carried by err.
func Reason(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Error()
	}
	return err.Error()
}
