package sink

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain", errors.New("connection reset"), Transient},
		{"deadline", context.DeadlineExceeded, Transient},
		{"canceled", context.Canceled, Permanent},
		{"access denied", fmt.Errorf("put: %w", ErrAccessDenied), Permanent},
		{"credentials", ErrInvalidCredentials, Permanent},
		{"bucket", ErrBucketNotFound, Permanent},
		{"quota", ErrQuotaExceeded, Permanent},
		{"throttled", ErrThrottled, Transient},
		{"explicit kind wins", &Error{Kind: Transient, Op: "Put", Err: ErrAccessDenied}, Transient},
		{"derived from wrapped", &Error{Op: "Put", Err: ErrQuotaExceeded}, Permanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestError_Error(t *testing.T) {
	err := &Error{Op: "Put", Sink: "offsite", Key: "app/x.db", Err: ErrThrottled}
	assert.Equal(t, "sink offsite Put: app/x.db: request throttled", err.Error())

	err = &Error{Op: "New", Sink: "offsite", Err: errors.New("boom")}
	assert.Equal(t, "sink offsite New: boom", err.Error())
	assert.True(t, IsThrottled(&Error{Err: ErrThrottled}))
}

type namedSink struct {
	name   string
	closed bool
}

func (s *namedSink) Name() string                      { return s.name }
func (s *namedSink) Put(context.Context, Object) error { return nil }
func (s *namedSink) Close() error                      { s.closed = true; return nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := &namedSink{name: "a"}
	b := &namedSink{name: "b"}
	require.NoError(t, r.Register(b))
	require.NoError(t, r.Register(a))
	assert.Error(t, r.Register(&namedSink{name: "a"}))
	assert.Error(t, r.Register(&namedSink{}))
	assert.Error(t, r.Register(nil))

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Same(t, a, got)
	_, ok = r.Get("c")
	assert.False(t, ok)

	assert.Equal(t, []string{"a", "b"}, r.Names())
	require.NoError(t, r.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}
