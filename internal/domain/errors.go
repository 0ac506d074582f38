package domain

import (
	"context"
	"errors"
	"net"
	"net/http"
)

var (
	ErrAlreadyRunning     = errors.New("automation already in progress")
	ErrNoActiveSession    = errors.New("no automation session active")
	ErrNoSuchConnection   = errors.New("no such connection")
	ErrMissingToken       = errors.New("hideout token missing")
	ErrTooManyConnections = errors.New("max concurrent connections reached")
)

type ErrorCategory string

const (
	CategoryAuth        ErrorCategory = "auth"
	CategoryNotFound    ErrorCategory = "not_found"
	CategoryRateLimited ErrorCategory = "rate_limited"
	CategoryTransient   ErrorCategory = "transient"
	CategoryValidation  ErrorCategory = "validation"
	CategoryUnknown     ErrorCategory = "unknown"
)

// ErrorClass is derived, never stored: the classification of one failure into
// a category, a user-facing message and a retry decision.
type ErrorClass struct {
	Category  ErrorCategory `json:"category"`
	Message   string        `json:"message"`
	Retryable bool          `json:"retryable"`
}

// ClassifyHTTPStatus maps a non-2xx response status onto the error taxonomy.
func ClassifyHTTPStatus(status int) ErrorClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorClass{CategoryAuth, "session expired or not authorized", false}
	case status == http.StatusNotFound:
		return ErrorClass{CategoryNotFound, "listing or hideout no longer available", false}
	case status == http.StatusTooManyRequests:
		return ErrorClass{CategoryRateLimited, "rate limited by trade site", true}
	case status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout:
		return ErrorClass{CategoryTransient, "trade site temporarily unavailable", true}
	case status == http.StatusBadRequest:
		return ErrorClass{CategoryValidation, "request rejected by trade site", false}
	default:
		// Conservative default: anything uncategorized gets one more chance.
		return ErrorClass{CategoryUnknown, "unexpected trade site error", true}
	}
}

// ClassifyNetError maps a network-level failure (timeout, reset, DNS) onto
// the taxonomy. Context cancellation is not retryable: the caller gave up.
func ClassifyNetError(err error) ErrorClass {
	if errors.Is(err, context.Canceled) {
		return ErrorClass{CategoryTransient, "request cancelled", false}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClass{CategoryTransient, "request timed out", true}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClass{CategoryTransient, "network timeout", true}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrorClass{CategoryTransient, "DNS resolution failed", true}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorClass{CategoryTransient, "connection failed", true}
	}

	return ErrorClass{CategoryUnknown, "unexpected network error", true}
}
