// Package retry implements the single-shot 401-with-refresh retry policy
// used around every Upstream dispatch.
package retry

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Config controls retry behavior. DefaultConfig returns the defaults; in a
// zero Config, MaxAuthRetries 0 counts as 1 and AutoRefreshToken false
// disables the refresh-and-retry.
type Config struct {
	MaxAuthRetries  int // default 1
	AutoRefreshToken bool // default true
}

// DefaultConfig returns the spec's default tuning.
func DefaultConfig() Config {
	return Config{MaxAuthRetries: 1, AutoRefreshToken: true}
}

// Report describes what happened during Execute, useful for logging and
// for the scenario in spec §8.3 ("retryCount=1, tokenRefreshSucceeded=true").
type Report struct {
	RetryCount            int
	TokenRefreshAttempted bool
	TokenRefreshSucceeded bool
}

// Op is a single Upstream dispatch attempt.
type Op func(ctx context.Context) (interface{}, error)

// RefreshFunc attempts to refresh credentials, returning whether the
// refresh succeeded.
type RefreshFunc func(ctx context.Context) (bool, error)

// IsAuthFailure is satisfied by errors carrying an HTTP status code of 401
// or whose message contains "401" or "Unauthorized".
type IsAuthFailure func(err error) bool

// StatusCoder is implemented by errors that carry an HTTP status, letting
// callers avoid string-matching when they have structured information.
type StatusCoder interface {
	StatusCode() int
}

// DefaultIsAuthFailure implements the spec's detection rule: a StatusCoder
// reporting 401, or an error message containing "401" or "Unauthorized".
func DefaultIsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		if sc.StatusCode() == http.StatusUnauthorized {
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "401") || strings.Contains(msg, "Unauthorized")
}

// Execute runs op once. If it fails with an auth error (per isAuthFailure)
// and retries remain and AutoRefreshToken is set, it calls refresh exactly
// once and, only if that refresh succeeds, retries op exactly once more.
// It never retries a second time (property P5).
func Execute(ctx context.Context, cfg Config, op Op, refresh RefreshFunc, isAuthFailure IsAuthFailure) (interface{}, *Report, error) {
	if isAuthFailure == nil {
		isAuthFailure = DefaultIsAuthFailure
	}

	report := &Report{}

	result, err := op(ctx)
	if err == nil || !isAuthFailure(err) {
		return result, report, err
	}

	maxRetries := cfg.MaxAuthRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	if report.RetryCount >= maxRetries || !cfg.AutoRefreshToken || refresh == nil {
		return result, report, err
	}

	report.TokenRefreshAttempted = true
	ok, refreshErr := refresh(ctx)
	if refreshErr != nil || !ok {
		// Refresh failed or was refused: the client sees the original
		// auth error, unchanged.
		return result, report, err
	}
	report.TokenRefreshSucceeded = true
	report.RetryCount++

	result, err = op(ctx)
	return result, report, err
}
