package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// ErrorKind classifies capture failures.
type ErrorKind string

const (
	// KindSourceNotFound indicates the configured source does not exist.
	KindSourceNotFound ErrorKind = "source_not_found"

	// KindSourceUnreadable indicates a permission or I/O failure while reading.
	KindSourceUnreadable ErrorKind = "source_unreadable"

	// KindSourceLocked indicates a consistent snapshot could not be obtained
	// within the configured wait.
	KindSourceLocked ErrorKind = "source_locked"

	// KindSourceCycle indicates a symlink loop inside a directory source.
	KindSourceCycle ErrorKind = "source_cycle"

	// KindTimeout indicates the capture exceeded its deadline.
	KindTimeout ErrorKind = "timeout"
)

// Error is returned by every capture variant.
type Error struct {
	// Kind is the failure class.
	Kind ErrorKind

	// Path is the source path involved, if any.
	Path string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("capture %s: %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("capture %s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the capture error kind of err, or "" if err is not a
// capture error.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsSourceNotFound returns true if the source was missing.
func IsSourceNotFound(err error) bool { return KindOf(err) == KindSourceNotFound }

// IsSourceUnreadable returns true if the source could not be read.
func IsSourceUnreadable(err error) bool { return KindOf(err) == KindSourceUnreadable }

// IsSourceLocked returns true if a consistent snapshot could not be taken in time.
func IsSourceLocked(err error) bool { return KindOf(err) == KindSourceLocked }

// IsSourceCycle returns true if a symlink cycle was detected.
func IsSourceCycle(err error) bool { return KindOf(err) == KindSourceCycle }

// IsTimeout returns true if the capture ran past its deadline.
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }

// classify maps filesystem and context errors onto capture errors.
func classify(path string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &Error{Kind: KindTimeout, Path: path, Err: err}
	case errors.Is(err, os.ErrNotExist):
		return &Error{Kind: KindSourceNotFound, Path: path, Err: err}
	default:
		return &Error{Kind: KindSourceUnreadable, Path: path, Err: err}
	}
}
