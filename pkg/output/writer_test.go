package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gostow/pkg/archive"
	"github.com/3leaps/gostow/pkg/artifact"
	"github.com/3leaps/gostow/pkg/replicate"
	"github.com/3leaps/gostow/pkg/runner"
	"github.com/3leaps/gostow/pkg/scheduler"
)

var now = time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

func newTestWriter(w io.Writer) *JSONLWriter {
	return NewJSONLWriter(w, "nas-01", WithClock(testclock.NewClock(now)))
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []Record {
	t.Helper()
	var out []Record
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec Record
		require.NoError(t, json.Unmarshal([]byte(line), &rec), line)
		out = append(out, rec)
	}
	return out
}

func TestJSONLWriter_WriteRun(t *testing.T) {
	var buf bytes.Buffer
	w := newTestWriter(&buf)

	res := runner.RunResult{
		RunID:     "r-1",
		JobID:     "docs",
		StartedAt: now.Add(-time.Minute),
		EndedAt:   now,
		Outcome:   runner.OutcomeUploadFailed,
		Artifact:  &artifact.Artifact{JobID: "docs", Name: "docs_20260203T040406Z.tar.gz", UploadState: artifact.UploadFailed},
		Error:     "sink offsite Put: access denied",
		Err:       errors.New("not serialized"),
	}
	require.NoError(t, w.WriteRun(context.Background(), res))

	recs := decodeLines(t, &buf)
	require.Len(t, recs, 1)
	assert.Equal(t, TypeRun, recs[0].Type)
	assert.Equal(t, "docs", recs[0].JobID)
	assert.Equal(t, "nas-01", recs[0].Service)
	assert.Equal(t, now, recs[0].TS)

	var data map[string]any
	require.NoError(t, json.Unmarshal(recs[0].Data, &data))
	assert.Equal(t, "upload_failed", data["outcome"])
	assert.Equal(t, "r-1", data["run_id"])
	assert.NotContains(t, data, "Err")
}

func TestJSONLWriter_ObserverRecords(t *testing.T) {
	var buf bytes.Buffer
	w := newTestWriter(&buf)
	var obs scheduler.Observer = w

	obs.ObserveRun(context.Background(), runner.RunResult{JobID: "a", Outcome: runner.OutcomeSuccess})
	obs.ObserveMissedTrigger(context.Background(), scheduler.MissedTrigger{JobID: "b", ScheduledAt: now, RunningSince: now.Add(-time.Hour)})

	recs := decodeLines(t, &buf)
	require.Len(t, recs, 2)
	assert.Equal(t, TypeRun, recs[0].Type)
	assert.Equal(t, TypeMissedTrigger, recs[1].Type)
	assert.Equal(t, "b", recs[1].JobID)

	var mt scheduler.MissedTrigger
	require.NoError(t, json.Unmarshal(recs[1].Data, &mt))
	assert.Equal(t, now.Add(-time.Hour), mt.RunningSince)
}

func TestJSONLWriter_ListingAndReports(t *testing.T) {
	var buf bytes.Buffer
	w := newTestWriter(&buf)
	ctx := context.Background()

	require.NoError(t, w.WriteArtifact(ctx, artifact.Artifact{JobID: "db", Name: "db_20260203T040406Z.db", SizeBytes: 4096}))
	require.NoError(t, w.WriteRetention(ctx, archive.RetentionReport{JobID: "db", Deleted: []string{"old"}, FreedBytes: 10}))
	require.NoError(t, w.WriteCatchUp(ctx, replicate.CatchUpReport{Attempted: 2, Uploaded: 1, Failed: 1}))
	require.NoError(t, w.WriteError(ctx, &ErrorRecord{Code: ErrCodeUpload, Message: "boom", JobID: "db"}))

	recs := decodeLines(t, &buf)
	require.Len(t, recs, 4)
	assert.Equal(t, []string{TypeArtifact, TypeRetention, TypeCatchUp, TypeError},
		[]string{recs[0].Type, recs[1].Type, recs[2].Type, recs[3].Type})
	assert.Equal(t, "db", recs[1].JobID)
	assert.Empty(t, recs[2].JobID)

	var cu replicate.CatchUpReport
	require.NoError(t, json.Unmarshal(recs[2].Data, &cu))
	assert.Equal(t, 2, cu.Attempted)
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := newTestWriter(&buf)
	for i := 0; i < 3; i++ {
		require.NoError(t, w.WriteRun(context.Background(), runner.RunResult{JobID: "a"}))
	}
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
	assert.Equal(t, 3, strings.Count(buf.String(), "\n"))
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := newTestWriter(&buf)
	require.NoError(t, w.Close())

	err := w.WriteRun(context.Background(), runner.RunResult{JobID: "a"})
	assert.ErrorIs(t, err, ErrWriterClosed)
	assert.Zero(t, buf.Len())

	// Observer calls swallow the error.
	w.ObserveRun(context.Background(), runner.RunResult{JobID: "a"})
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := newTestWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_ = w.WriteArtifact(context.Background(), artifact.Artifact{JobID: "job", Name: strings.Repeat("x", 200)})
			}
		}()
	}
	wg.Wait()

	recs := decodeLines(t, &buf)
	assert.Len(t, recs, 500)
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := newTestWriter(&buf)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteRun(ctx, runner.RunResult{JobID: "a"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, buf.Len())
}

type failingWriter struct {
	err error
}

func (f *failingWriter) Write([]byte) (int, error) { return 0, f.err }

type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (int, error) {
	if len(p) > sw.bytesPerWrite {
		p = p[:sw.bytesPerWrite]
	}
	return sw.buf.Write(p)
}

type zeroWriteWriter struct{}

func (zeroWriteWriter) Write([]byte) (int, error) { return 0, nil }

func TestJSONLWriter_WriteFailure(t *testing.T) {
	diskFull := errors.New("no space left on device")
	w := newTestWriter(&failingWriter{err: diskFull})

	err := w.WriteRun(context.Background(), runner.RunResult{JobID: "a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, diskFull)

	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "write", we.Op)
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	sw := &shortWriteWriter{bytesPerWrite: 10}
	w := newTestWriter(sw)

	require.NoError(t, w.WriteRun(context.Background(), runner.RunResult{JobID: "docs"}))
	recs := decodeLines(t, &sw.buf)
	require.Len(t, recs, 1)
	assert.Equal(t, TypeRun, recs[0].Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := newTestWriter(zeroWriteWriter{})
	err := w.WriteRun(context.Background(), runner.RunResult{JobID: "a"})
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

func TestWriteError(t *testing.T) {
	err := &WriteError{Op: "write", Err: io.EOF}
	assert.Equal(t, "output: write: EOF", err.Error())
	assert.ErrorIs(t, err, io.EOF)
}

func TestErrorRecord_OmitEmpty(t *testing.T) {
	b, err := json.Marshal(&ErrorRecord{Code: ErrCodeInternal, Message: "x"})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "job_id")
	assert.NotContains(t, string(b), "artifact")
}
