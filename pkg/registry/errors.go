package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/lissto-dev/imagewatch/pkg/ratelimit"
)

// ErrorKind classifies lookup failures
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindNotFound
	KindRateLimited
	KindAuth
	KindUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "auth"
	case KindUnavailable:
		return "unavailable"
	default:
		return "transient"
	}
}

// LookupError is a failed registry call
type LookupError struct {
	Kind       ErrorKind
	Provider   string
	Image      string
	Tag        string
	Registry   string
	StatusCode int
	Err        error
}

func (e *LookupError) Error() string {
	msg := fmt.Sprintf("%s lookup for %s:%s failed (%s", e.Provider, e.Image, e.Tag, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(", status %d", e.StatusCode)
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// HTTPStatus reports 429 for every rate-limited error, including ones a
// registry signals with another status, so the retrier treats them alike.
func (e *LookupError) HTTPStatus() int {
	if e.Kind == KindRateLimited {
		return http.StatusTooManyRequests
	}
	return e.StatusCode
}

// kindForStatus maps an upstream HTTP status to an error kind
func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status >= 500:
		return KindUnavailable
	default:
		return KindTransient
	}
}

// KindOf returns the kind of err; errors that are not LookupErrors are transient
func KindOf(err error) ErrorKind {
	if ratelimit.IsRateLimitExceeded(err) {
		return KindRateLimited
	}
	var le *LookupError
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindTransient
}

// IsNotFound reports whether err is a registry 404
func IsNotFound(err error) bool {
	var le *LookupError
	return errors.As(err, &le) && le.Kind == KindNotFound
}

// IsAuth reports whether err is a 401/403 from a registry
func IsAuth(err error) bool {
	var le *LookupError
	return errors.As(err, &le) && le.Kind == KindAuth
}

// IsRateLimited reports whether err is a rate-limit response or the retrier
// giving up after too many of them
func IsRateLimited(err error) bool {
	return ratelimit.IsRateLimitExceeded(err) || ratelimit.IsRateLimited(err)
}

// ShouldFallback reports whether err allows the releases fallback.
// Auth failures and cancellations are surfaced as-is.
func ShouldFallback(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindRateLimited, KindUnavailable, KindTransient:
		return true
	default:
		return false
	}
}
