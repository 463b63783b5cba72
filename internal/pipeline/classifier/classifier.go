// Package classifier maps a stage-execution error to a closed
// transient/permanent taxonomy, independent of any particular stage or
// external service. It has no I/O and no side effects.
package classifier

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// Category is a short tag used for metrics and log filtering.
type Category string

const (
	CategoryTimeout        Category = "timeout"
	CategoryConnectionReset Category = "connection_reset"
	CategoryRateLimited    Category = "rate_limited"
	CategoryServerError    Category = "server_error"
	CategoryClientError    Category = "client_error"
	CategoryValidation     Category = "validation"
	CategoryAuth           Category = "auth"
	CategoryUnrecognized   Category = "unrecognized"
)

// Classification is the result of classifying one error: whether a
// retry is worth attempting, and the category it falls under.
type Classification struct {
	IsTransient bool
	Category    Category
}

// HTTPStatusError is implemented by errors that carry a response
// status code, so the classifier can inspect it without depending on
// any particular HTTP client library.
type HTTPStatusError interface {
	error
	StatusCode() int
}

// ValidationError marks input-validation failures as permanent
// regardless of any wrapped transport error.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// AuthError marks authentication/authorization failures as permanent.
type AuthError struct {
	Msg string
}

func (e *AuthError) Error() string { return e.Msg }

// RateLimitError marks a caller-recognized rate-limit condition as
// transient even when no HTTP status is available (e.g. a gRPC or SDK
// client that surfaces its own rate-limit type).
type RateLimitError struct {
	Msg string
}

func (e *RateLimitError) Error() string { return e.Msg }

// Classify maps err to a transient/permanent classification. Unknown
// errors classify as permanent, fail-safe: an error this classifier
// cannot recognize is not worth retrying blindly.
func Classify(err error) Classification {
	if err == nil {
		return Classification{IsTransient: false, Category: CategoryUnrecognized}
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return Classification{IsTransient: false, Category: CategoryValidation}
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return Classification{IsTransient: false, Category: CategoryAuth}
	}

	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return Classification{IsTransient: true, Category: CategoryRateLimited}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{IsTransient: true, Category: CategoryTimeout}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Classification{IsTransient: true, Category: CategoryTimeout}
	}

	if isConnectionReset(err) {
		return Classification{IsTransient: true, Category: CategoryConnectionReset}
	}

	var statusErr HTTPStatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.StatusCode())
	}
	if code, ok := sniffStatusCode(err); ok {
		return classifyStatus(code)
	}

	return Classification{IsTransient: false, Category: CategoryUnrecognized}
}

func classifyStatus(code int) Classification {
	switch {
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		cat := CategoryTimeout
		if code == http.StatusTooManyRequests {
			cat = CategoryRateLimited
		}
		return Classification{IsTransient: true, Category: cat}
	case code >= 500 && code <= 599:
		return Classification{IsTransient: true, Category: CategoryServerError}
	case code >= 400 && code <= 499:
		return Classification{IsTransient: false, Category: CategoryClientError}
	default:
		return Classification{IsTransient: false, Category: CategoryUnrecognized}
	}
}

func isConnectionReset(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "econnreset")
}

// sniffStatusCode handles errors from libraries that embed a status
// code in their message rather than exposing HTTPStatusError, e.g.
// "googleapi: Error 429: rate limit exceeded".
func sniffStatusCode(err error) (int, bool) {
	msg := err.Error()
	idx := strings.Index(msg, "Error ")
	if idx < 0 {
		return 0, false
	}
	rest := msg[idx+len("Error "):]
	end := strings.IndexAny(rest, ": ")
	if end < 0 {
		end = len(rest)
	}
	code, convErr := strconv.Atoi(rest[:end])
	if convErr != nil {
		return 0, false
	}
	return code, true
}
