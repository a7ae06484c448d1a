package ratelimit

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// StatusCoder is implemented by errors that carry an upstream HTTP status
type StatusCoder interface {
	HTTPStatus() int
}

// RateLimitExceededError is returned once the number of consecutive rate-limited
// responses reaches the configured threshold. It is never retried.
type RateLimitExceededError struct {
	Consecutive int
	RetryAfter  time.Duration
	Err         error
}

func (e *RateLimitExceededError) Error() string {
	msg := fmt.Sprintf("registry rate limit exceeded after %d consecutive rate-limited responses", e.Consecutive)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(", retry after %s", e.RetryAfter.Round(time.Second))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitExceededError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether err carries an HTTP 429 status
func IsRateLimited(err error) bool {
	var sc StatusCoder
	return errors.As(err, &sc) && sc.HTTPStatus() == http.StatusTooManyRequests
}

// IsRateLimitExceeded reports whether err is, or wraps, a RateLimitExceededError
func IsRateLimitExceeded(err error) bool {
	var rle *RateLimitExceededError
	return errors.As(err, &rle)
}
