package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// maxErrorBody bounds how much of a provider error body is kept in messages.
const maxErrorBody = 200

// ErrCircuitOpen is returned while the endpoint's circuit breaker is open.
// It is wrapped as a transient error.
var ErrCircuitOpen = errors.New("llm endpoint circuit open")

// TransientError is a provider failure that may succeed on a later attempt:
// network errors, timeouts, rate limiting and 5xx responses.
type TransientError struct {
	err error

	// StatusCode is the HTTP status that caused the error, if any.
	StatusCode int
}

func (e *TransientError) Error() string { return e.err.Error() }

func (e *TransientError) Unwrap() error { return e.err }

// NewTransientError wraps err as retryable.
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError is a provider rejection that no retry can fix, such as bad
// credentials or a malformed request.
type FatalError struct {
	err error

	// StatusCode is the HTTP status that caused the error, if any.
	StatusCode int
}

func (e *FatalError) Error() string { return e.err.Error() }

func (e *FatalError) Unwrap() error { return e.err }

// NewFatalError wraps err as non-retryable.
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal reports whether err is a permanent rejection.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// StatusCode returns the HTTP status carried by a classified error, or 0.
func StatusCode(err error) int {
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return fatal.StatusCode
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return transient.StatusCode
	}
	return 0
}

// retryableStatus lists the non-2xx statuses that mean "try again later".
func retryableStatus(code int) bool {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return true
	case code >= 500:
		return true
	}
	return false
}

// statusError classifies a non-200 provider response. Anything not known
// to be retryable is fatal.
func statusError(code int, body []byte) error {
	text := string(body)
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody] + "..."
	}
	err := fmt.Errorf("LLM API error (status %d): %s", code, text)
	if retryableStatus(code) {
		return &TransientError{err: err, StatusCode: code}
	}
	return &FatalError{err: err, StatusCode: code}
}
