// Package apierr defines the request-path error taxonomy. Translators and
// the compressor never return these — they degrade silently instead. The
// Executor is the only layer that constructs one, mapping a lower-level
// failure to a client-visible HTTP status.
package apierr

import (
	"errors"
	"net/http"
)

// Kind enumerates the error categories the Executor can surface to a
// client.
type Kind string

const (
	KindInvalidRequest  Kind = "invalid_request"
	KindAuthError       Kind = "auth_error"
	KindRateLimited     Kind = "rate_limited"
	KindQuotaExceeded   Kind = "quota_exceeded"
	KindUpstreamTimeout Kind = "upstream_timeout"
	KindUpstreamError   Kind = "upstream_error"
	KindInternal        Kind = "internal"
	KindUnavailable     Kind = "unavailable"
)

// Error is the single error type the request path surfaces across package
// boundaries; Kind drives the HTTP status mapping.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter int // seconds; meaningful for KindRateLimited
	Cause      error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus maps Kind to the status code clients see, per spec §7.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindAuthError:
		return http.StatusUnauthorized
	case KindRateLimited, KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamError:
		return http.StatusBadGateway
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New constructs an *Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// IsAuthError reports whether err represents (or wraps) an auth failure.
func IsAuthError(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindAuthError
	}
	return false
}
