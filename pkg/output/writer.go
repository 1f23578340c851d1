package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/3leaps/gostow/pkg/archive"
	"github.com/3leaps/gostow/pkg/artifact"
	"github.com/3leaps/gostow/pkg/replicate"
	"github.com/3leaps/gostow/pkg/runner"
	"github.com/3leaps/gostow/pkg/scheduler"
)

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// JSONLWriter is safe for concurrent use. Writes are serialized using
// a mutex so lines never interleave. It also implements
// scheduler.Observer, so it can be handed straight to the scheduler.
type JSONLWriter struct {
	w       io.Writer
	service string
	clock   clock.Clock
	logger  *zap.Logger
	mu      sync.Mutex

	// closed indicates the writer has been closed.
	closed bool
}

// Option configures a JSONLWriter.
type Option func(*JSONLWriter)

func WithClock(c clock.Clock) Option {
	return func(jw *JSONLWriter) { jw.clock = c }
}

// WithLogger sets where observer write failures are reported.
func WithLogger(l *zap.Logger) Option {
	return func(jw *JSONLWriter) {
		if l != nil {
			jw.logger = l
		}
	}
}

// NewJSONLWriter creates a new JSONL writer. service is copied into every
// envelope and may be empty.
func NewJSONLWriter(w io.Writer, service string, opts ...Option) *JSONLWriter {
	jw := &JSONLWriter{
		w:       w,
		service: service,
		clock:   clock.WallClock,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(jw)
	}
	return jw
}

func (jw *JSONLWriter) WriteRun(ctx context.Context, res runner.RunResult) error {
	return jw.writeRecord(ctx, TypeRun, res.JobID, res)
}

func (jw *JSONLWriter) WriteMissedTrigger(ctx context.Context, mt scheduler.MissedTrigger) error {
	return jw.writeRecord(ctx, TypeMissedTrigger, mt.JobID, mt)
}

func (jw *JSONLWriter) WriteArtifact(ctx context.Context, a artifact.Artifact) error {
	return jw.writeRecord(ctx, TypeArtifact, a.JobID, a)
}

func (jw *JSONLWriter) WriteRetention(ctx context.Context, r archive.RetentionReport) error {
	return jw.writeRecord(ctx, TypeRetention, r.JobID, r)
}

func (jw *JSONLWriter) WriteCatchUp(ctx context.Context, r replicate.CatchUpReport) error {
	return jw.writeRecord(ctx, TypeCatchUp, "", r)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, e *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, e.JobID, e)
}

// ObserveRun implements scheduler.Observer.
func (jw *JSONLWriter) ObserveRun(ctx context.Context, res runner.RunResult) {
	if err := jw.WriteRun(ctx, res); err != nil {
		jw.logger.Warn("Failed to write run record", zap.String("job_id", res.JobID), zap.Error(err))
	}
}

// ObserveMissedTrigger implements scheduler.Observer.
func (jw *JSONLWriter) ObserveMissedTrigger(ctx context.Context, mt scheduler.MissedTrigger) {
	if err := jw.WriteMissedTrigger(ctx, mt); err != nil {
		jw.logger.Warn("Failed to write missed trigger record", zap.String("job_id", mt.JobID), zap.Error(err))
	}
}

// Close marks the writer as closed.
//
// If the underlying writer implements io.Closer, it is NOT closed.
// The caller is responsible for closing the underlying writer.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

// writeRecord marshals data and writes a complete record line while holding
// the mutex.
func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType, jobID string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Marshal the payload outside the lock.
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}

	record := Record{
		Type:    recordType,
		TS:      jw.clock.Now().UTC(),
		Service: jw.service,
		JobID:   jobID,
		Data:    dataBytes,
	}

	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error, which would
	// silently truncate a line.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}

	return nil
}

// writeAll writes all bytes to w, handling short writes.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ scheduler.Observer = (*JSONLWriter)(nil)
