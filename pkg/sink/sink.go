// Package sink defines remote destinations for archive artifacts.
package sink

import (
	"context"
	"io"
	"time"
)

// Object is one upload.
type Object struct {
	// Key is the full remote key, including any prefix.
	Key string

	// Body is re-read from the start on every attempt.
	Body io.ReadSeeker

	Size int64

	// ContentHash is "sha256:<hex>" over Body.
	ContentHash string

	ContentType string
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentHash  string
	LastModified time.Time
}

// Sink stores objects under keys. Put with the same key and bytes is
// idempotent.
type Sink interface {
	Name() string
	Put(ctx context.Context, obj Object) error
	Close() error
}

// Stater is implemented by sinks that can report an existing object.
// Stat returns an error matching ErrNotFound when the key is absent.
type Stater interface {
	Stat(ctx context.Context, key string) (ObjectInfo, error)
}
