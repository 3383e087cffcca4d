// Package apierror carries HTTP status codes alongside error messages.
package apierror

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

var _ error = (*Error)(nil)

type Error struct {
	// Status is the HTTP status code applicable to this problem.
	Status  int    `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

func (e *Error) Is(err error) bool {
	target, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Status == target.Status && e.Message == target.Message
}

var (
	ErrBadRequest = &Error{
		Status:  http.StatusBadRequest,
		Message: "bad request",
	}
	ErrNotFound = &Error{
		Status:  http.StatusNotFound,
		Message: "not found",
	}
)

// BadRequest returns a 400 error with the given message.
func BadRequest(format string, args ...any) *Error {
	return &Error{
		Status:  http.StatusBadRequest,
		Message: fmt.Sprintf(format, args...),
	}
}

// ErrorFromHTTP returns nil for 2xx responses, otherwise an [Error] with the
// response status and body.
func ErrorFromHTTP(resp *http.Response) error {
	if resp.StatusCode >= http.StatusOK &&
		resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("reading body: %s", err.Error()),
		}
	}
	return &Error{
		Status:  resp.StatusCode,
		Message: string(body),
	}
}

// ErrorWrap takes an error and checks if it is an [Error].
// If it is, it will make a copy of the [Error], add the given message and
// return it. The status will remain the same.
//
// If it is not an [Error], it will wrap the given error in an [Error] with the
// given status and message.
func ErrorWrap(
	err error,
	status int,
	message string,
) error {
	if err == nil {
		return nil
	}
	var aErr *Error
	if errors.As(err, &aErr) {
		return &Error{
			Status:  aErr.Status,
			Message: fmt.Sprintf("%s: %s", message, aErr.Message),
		}
	}
	return &Error{
		Status:  status,
		Message: fmt.Sprintf("%s: %s", message, err.Error()),
	}
}

// Write writes err as a plain text response. Errors that are not an [Error]
// are logged and hidden behind a generic 500.
func Write(w http.ResponseWriter, err error) {
	var aErr *Error
	if errors.As(err, &aErr) {
		http.Error(w, aErr.Message, aErr.Status)
		return
	}
	slog.Error("internal error", "error", err)
	http.Error(
		w,
		http.StatusText(http.StatusInternalServerError),
		http.StatusInternalServerError,
	)
}
