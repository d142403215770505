// Package retry classifies remote failures and decides whether and when a
// failed attempt is retried. The policy is a pure function of the attempt
// count and the error class, shared by the sync processor and the chunked
// upload manager so no call site carries its own retry loop.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"
)

// Class is the failure taxonomy every remote error is mapped into.
type Class string

// Error classes.
const (
	ClassNetwork              Class = "network"
	ClassServerUnavailable    Class = "server_unavailable"
	ClassThrottled            Class = "throttled"
	ClassAuthRejected         Class = "auth_rejected"
	ClassValidationRejected   Class = "validation_rejected"
	ClassStorageQuotaExceeded Class = "storage_quota_exceeded"
	ClassUnknown              Class = "unknown"
)

// Retryable reports whether failures of this class are transient.
func (c Class) Retryable() bool {
	switch c {
	case ClassNetwork, ClassServerUnavailable, ClassThrottled:
		return true
	default:
		return false
	}
}

// ClassifiedError is a remote failure with its class attached. StatusCode is
// 0 for failures that never produced an HTTP response.
type ClassifiedError struct {
	Class      Class
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *ClassifiedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Class, e.StatusCode, e.Message)
	}

	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// ClassForStatus maps an HTTP status code to an error class. Callers only
// pass non-2xx codes.
func ClassForStatus(code int) Class {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return ClassAuthRejected
	case code == http.StatusTooManyRequests:
		return ClassThrottled
	case code == http.StatusRequestTimeout:
		return ClassNetwork
	case code >= http.StatusInternalServerError:
		return ClassServerUnavailable
	case code >= http.StatusBadRequest:
		return ClassValidationRejected
	default:
		return ClassUnknown
	}
}

// FromStatus builds a ClassifiedError for an HTTP error response.
func FromStatus(code int, message string, retryAfter time.Duration) *ClassifiedError {
	return &ClassifiedError{
		Class:      ClassForStatus(code),
		StatusCode: code,
		Message:    message,
		RetryAfter: retryAfter,
	}
}

// Network wraps a transport-level failure.
func Network(err error) *ClassifiedError {
	return &ClassifiedError{Class: ClassNetwork, Err: err}
}

// Classify maps an arbitrary error to a ClassifiedError. Errors that are
// already classified pass through unchanged; transport errors become
// ClassNetwork; everything else is ClassUnknown. Returns nil for nil.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	if isNetworkError(err) {
		return &ClassifiedError{Class: ClassNetwork, Err: err}
	}

	return &ClassifiedError{Class: ClassUnknown, Err: err}
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}

// ParseRetryAfter interprets a Retry-After header value, either delta
// seconds or an HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}

		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}

	return 0
}
