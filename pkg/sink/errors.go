package sink

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for sink operations.
var (
	// ErrNotFound indicates the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrBucketNotFound indicates the bucket or base directory does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrQuotaExceeded indicates the destination refuses more data.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrUnavailable indicates the destination service is unavailable.
	ErrUnavailable = errors.New("sink unavailable")

	// ErrThrottled indicates the request was rate limited.
	ErrThrottled = errors.New("request throttled")
)

// Kind is the retry class of a sink failure.
type Kind string

const (
	// Transient failures may succeed on retry.
	Transient Kind = "transient"

	// Permanent failures will not succeed without operator action.
	Permanent Kind = "permanent"
)

// Error wraps sink-specific errors with context.
type Error struct {
	// Kind is the retry class. Empty means derive it from Err.
	Kind Kind

	// Op is the operation that failed (e.g., "Put", "Stat").
	Op string

	// Sink is the configured sink name.
	Sink string

	// Key is the object key, if applicable.
	Key string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("sink %s %s: %s: %v", e.Sink, e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("sink %s %s: %v", e.Sink, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Classify returns the retry class of err.
//
// Authentication, authorization, missing bucket and quota failures are
// Permanent, as is a canceled context. Everything else, including a deadline
// on a single attempt, is Transient.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) && se.Kind != "" {
		return se.Kind
	}
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, ErrAccessDenied),
		errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrBucketNotFound),
		errors.Is(err, ErrQuotaExceeded):
		return Permanent
	default:
		return Transient
	}
}

// IsPermanent returns true if retrying err is pointless.
func IsPermanent(err error) bool {
	return Classify(err) == Permanent
}

// IsNotFound returns true if the error indicates an object was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAccessDenied returns true if the error indicates insufficient permissions.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsThrottled returns true if the error indicates the request was rate limited.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}
