package fetch

import (
	"context"
	"errors"
	"fmt"
)

// ErrFetchFailed matches every error returned by Strategy.Fetch.
var ErrFetchFailed = errors.New("fetch failed")

// Error describes why a URL could not be retrieved.
type Error struct {
	URL    string
	Reason string
	Err    error
	// Status is the HTTP status the origin answered with, 0 when it did not answer.
	Status int

	// rejected marks a per-URL refusal from an origin that is otherwise
	// healthy: a 4xx, a CORS mismatch or an oversized payload.
	rejected bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports true for ErrFetchFailed so callers need not know the concrete type.
func (e *Error) Is(target error) bool { return target == ErrFetchFailed }

func failed(url, reason string, err error) *Error {
	return &Error{URL: url, Reason: reason, Err: err}
}

func rejected(url, reason string, status int) *Error {
	return &Error{URL: url, Reason: reason, Status: status, rejected: true}
}

// originHealthy reports whether err leaves the origin's breaker untouched.
// Only transport errors and 5xx responses count against an origin.
func originHealthy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var fe *Error
	return errors.As(err, &fe) && fe.rejected
}
