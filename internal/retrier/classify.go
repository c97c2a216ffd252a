package retrier

import (
	"context"
	"errors"
	"net/http"

	"github.com/sony/gobreaker"
)

// Temporary indicates if an error condition is temporary and may succeed if retried.
type Temporary interface {
	Temporary() bool
}

// StatusCoder is implemented by errors that carry an HTTP-like status.
type StatusCoder interface {
	StatusCode() int
}

// Coder is implemented by errors that carry a backend error code.
type Coder interface {
	Code() string
}

var permanentStatuses = map[int]struct{}{
	http.StatusBadRequest:          {},
	http.StatusUnauthorized:        {},
	http.StatusForbidden:           {},
	http.StatusNotFound:            {},
	http.StatusConflict:            {},
	http.StatusUnprocessableEntity: {},
}

// Backend codes that describe a client condition a retry cannot fix.
var permanentCodes = map[string]struct{}{
	"42501":    {}, // insufficient_privilege
	"PGRST301": {}, // JWT expired or invalid
	"PGRST116": {}, // no rows for a single-row request
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. errors.Is and errors.As still see
// the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// DefaultRetryable is the classification used when no predicate is
// configured. Errors are transient unless they are marked permanent, carry a
// client status or code, report Temporary() == false, come from a done
// context, or come from an open circuit breaker.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		if _, ok := permanentStatuses[sc.StatusCode()]; ok {
			return false
		}
	}

	var coder Coder
	if errors.As(err, &coder) {
		if _, ok := permanentCodes[coder.Code()]; ok {
			return false
		}
	}

	var temp Temporary
	if errors.As(err, &temp) {
		return temp.Temporary()
	}

	return true
}
