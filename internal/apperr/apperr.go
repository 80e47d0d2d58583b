// Package apperr defines the error taxonomy shared by the sync and webhook
// paths and its mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

var (
	// ErrAuthentication is returned when a webhook signature is missing or wrong.
	ErrAuthentication = errors.New("authentication failed")
	// ErrValidation is returned when an inbound event is malformed.
	ErrValidation = errors.New("validation failed")
	// ErrUnsupportedEvent is returned for webhook event types that are not handled.
	ErrUnsupportedEvent = errors.New("unsupported event type")
)

// RateLimitError is returned when a sync is requested inside the cooldown window
type RateLimitError struct {
	Tenant     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("sync for %s rate limited, retry in %s", e.Tenant, e.RetryAfter.Round(time.Second))
}

// RetryAfterSeconds rounds the remaining wait up to whole seconds, minimum 1
func (e *RateLimitError) RetryAfterSeconds() int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// UpstreamError wraps a failure talking to the tracking service
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// StoreError wraps a failure writing to or reading from the durable store
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Upstream wraps err as an UpstreamError, passing nil through
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	return &UpstreamError{Op: op, Err: err}
}

// Store wraps err as a StoreError, passing nil through
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// Validation returns an ErrValidation carrying a message
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsClientError reports whether err was rejected before any side effect
func IsClientError(err error) bool {
	var (
		rl       *RateLimitError
		upstream *UpstreamError
	)
	if errors.As(err, &upstream) {
		return false
	}
	return errors.Is(err, ErrAuthentication) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUnsupportedEvent) ||
		errors.As(err, &rl)
}

// HTTPStatus maps err onto the status code the transport responds with
func HTTPStatus(err error) int {
	var (
		rl       *RateLimitError
		upstream *UpstreamError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrAuthentication):
		return http.StatusUnauthorized
	case errors.As(err, &upstream):
		return http.StatusBadGateway
	case errors.Is(err, ErrValidation), errors.Is(err, ErrUnsupportedEvent):
		return http.StatusBadRequest
	case errors.As(err, &rl):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
