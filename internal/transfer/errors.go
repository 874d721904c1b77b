package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
)

// Category classifies transfer failures for the scheduler's retry policy.
type Category string

const (
	CategoryNetwork          Category = "network"
	CategoryHTTP             Category = "http"
	CategoryLocalIO          Category = "local_io"
	CategoryRangeUnsat       Category = "range_not_satisfiable"
	CategoryCancelled        Category = "cancelled"
	CategoryPolicy           Category = "policy"
	CategoryExhaustedRetries Category = "exhausted_retries"
)

// Error carries a failure category and, for HTTP failures, the status code.
type Error struct {
	Category   Category
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Category == CategoryHTTP {
		return fmt.Sprintf("transfer: http status %d", e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("transfer: %s: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("transfer: %s", e.Category)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the scheduler should back off and retry.
// Network failures and throttling/server-side HTTP statuses retry; client
// errors and local I/O do not. Range failures are handled by the executor's
// restart-from-zero path before they ever reach the scheduler.
func (e *Error) Retryable() bool {
	switch e.Category {
	case CategoryNetwork:
		return true
	case CategoryHTTP:
		if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
			return true
		}
		return e.StatusCode >= http.StatusInternalServerError
	default:
		return false
	}
}

func httpError(statusCode int) *Error {
	return &Error{Category: CategoryHTTP, StatusCode: statusCode}
}

func networkError(err error) *Error {
	return &Error{Category: CategoryNetwork, Err: err}
}

func localIOError(err error) *Error {
	return &Error{Category: CategoryLocalIO, Err: err}
}

func policyError(err error) *Error {
	return &Error{Category: CategoryPolicy, Err: err}
}

// Classify wraps an arbitrary failure into a categorized Error. Errors that
// already carry a category pass through unchanged.
func Classify(err error) *Error {
	var terr *Error
	if errors.As(err, &terr) {
		return terr
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Category: CategoryCancelled, Err: err}
	}
	// A deadline is a request timeout, which retries like any network fault.
	if errors.Is(err, context.DeadlineExceeded) {
		return networkError(err)
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return localIOError(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return networkError(err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return networkError(err)
	}
	return networkError(err)
}
