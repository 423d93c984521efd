package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	apperrors "github.com/kimhsiao/tasksync/internal/errors"
)

// StatusError is a non-2xx answer from the remote store.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// IsNotFound reports whether err is a 404 answer.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// IsRetryable reports whether replaying the same request later may succeed.
// Transport failures, timeouts, 5xx and the auth/throttling 4xx codes are
// retryable; any other 4xx is a permanent rejection of the payload.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	code := StatusCode(err)
	if code == 0 {
		return true
	}
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

func rejection(method, path string, code int, message string) error {
	se := &StatusError{Method: method, Path: path, StatusCode: code, Message: message}
	return apperrors.Wrap(apperrors.ErrRemoteRejection, fmt.Sprintf("%s %s rejected", method, path), se)
}
