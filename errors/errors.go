// Package errors provides error handling for labshot.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Hints and details for operator-facing messages
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrConflict) {
//	    // handle version conflict
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Sentinel errors for the failure taxonomy used across labshot.
// Use these with errors.Is() for type-safe error checking and wrap them
// with errors.Wrap() to add context while preserving the kind.
var (
	// ErrConfig indicates a configuration value failed schema validation
	ErrConfig = New("invalid configuration")

	// ErrDeviceUnavailable indicates the capture device is absent or busy
	ErrDeviceUnavailable = New("device unavailable")

	// ErrCaptureTimeout indicates the device did not produce a frame in time
	ErrCaptureTimeout = New("capture timed out")

	// ErrPartialCapture indicates the image was written but the artifact
	// was not returned to its caller
	ErrPartialCapture = New("partial capture")

	// ErrRateLimited indicates the inference provider rejected the call
	// with a rate limit; retryable with backoff
	ErrRateLimited = New("rate limited")

	// ErrProviderTimeout indicates the inference call exceeded its deadline;
	// retryable with backoff
	ErrProviderTimeout = New("provider timed out")

	// ErrTransientNetwork indicates a network-class failure worth retrying
	ErrTransientNetwork = New("transient network error")

	// ErrProvider indicates the provider failed after retries were exhausted
	ErrProvider = New("provider error")

	// ErrInvalidResponse indicates provider output with no extractable
	// structure; never retried
	ErrInvalidResponse = New("invalid provider response")

	// ErrAuth indicates an authentication failure; never retried
	ErrAuth = New("authentication failed")

	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrConflict indicates an optimistic-concurrency version mismatch
	ErrConflict = New("version conflict")

	// ErrEncoding indicates the label payload exceeds encoding capacity
	ErrEncoding = New("encoding capacity exceeded")

	// ErrDuplicateJob indicates an active job already exists for the artifact
	ErrDuplicateJob = New("duplicate job")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")
)

// Kind is the stable error identifier surfaced over the API.
type Kind string

const (
	KindConfig           Kind = "ConfigError"
	KindDeviceUnavail    Kind = "DeviceUnavailable"
	KindCaptureTimeout   Kind = "CaptureTimeout"
	KindPartialCapture   Kind = "PartialCapture"
	KindRateLimited      Kind = "RateLimited"
	KindProviderTimeout  Kind = "ProviderTimeout"
	KindTransientNetwork Kind = "TransientNetworkError"
	KindProvider         Kind = "ProviderError"
	KindInvalidResponse  Kind = "InvalidResponse"
	KindAuth             Kind = "AuthError"
	KindNotFound         Kind = "NotFound"
	KindConflict         Kind = "Conflict"
	KindEncoding         Kind = "EncodingError"
	KindDuplicateJob     Kind = "DuplicateJob"
	KindInvalidRequest   Kind = "InvalidRequest"
	KindInternal         Kind = "Internal"
)

// KindOf maps an error to its stable kind. Unrecognized errors map to
// KindInternal so callers always get a usable identifier.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrConfig):
		return KindConfig
	case Is(err, ErrDeviceUnavailable):
		return KindDeviceUnavail
	case Is(err, ErrCaptureTimeout):
		return KindCaptureTimeout
	case Is(err, ErrPartialCapture):
		return KindPartialCapture
	case Is(err, ErrRateLimited):
		return KindRateLimited
	case Is(err, ErrProviderTimeout):
		return KindProviderTimeout
	case Is(err, ErrTransientNetwork):
		return KindTransientNetwork
	case Is(err, ErrProvider):
		return KindProvider
	case Is(err, ErrInvalidResponse):
		return KindInvalidResponse
	case Is(err, ErrAuth):
		return KindAuth
	case Is(err, ErrNotFound):
		return KindNotFound
	case Is(err, ErrConflict):
		return KindConflict
	case Is(err, ErrEncoding):
		return KindEncoding
	case Is(err, ErrDuplicateJob):
		return KindDuplicateJob
	case Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	default:
		return KindInternal
	}
}

// IsRetryable reports whether the error belongs to the network class that
// stage retry policies may retry with backoff. Structural errors (auth,
// validation, encoding capacity, not-found, invalid response) are never
// retryable.
func IsRetryable(err error) bool {
	return IsAny(err, ErrRateLimited, ErrProviderTimeout, ErrTransientNetwork, ErrConflict)
}

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// NewNotFoundError creates a not-found error with a formatted message.
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message.
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}
