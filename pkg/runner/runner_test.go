package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/3leaps/gostow/pkg/archive"
	"github.com/3leaps/gostow/pkg/artifact"
	"github.com/3leaps/gostow/pkg/capture"
	"github.com/3leaps/gostow/pkg/replicate"
	"github.com/3leaps/gostow/pkg/schedule"
	"github.com/3leaps/gostow/pkg/sink"
)

type memSink struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (s *memSink) Name() string { return "mem" }
func (s *memSink) Close() error { return nil }

func (s *memSink) Put(_ context.Context, obj sink.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	b, err := io.ReadAll(obj.Body)
	if err != nil {
		return err
	}
	s.objects[obj.Key] = b
	return nil
}

func newRunner(t *testing.T, sinks ...sink.Sink) (*Runner, *archive.Store) {
	t.Helper()
	store := archive.NewStore(filepath.Join(t.TempDir(), "archive"))
	reg := sink.NewRegistry()
	for _, s := range sinks {
		require.NoError(t, reg.Register(s))
	}
	rep := replicate.New(replicate.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, AttemptTimeout: time.Second}, store)
	return New(store, reg, rep), store
}

func dirJob(t *testing.T, src string) Job {
	t.Helper()
	return Job{
		ID:        "docs",
		Source:    capture.Spec{Kind: capture.KindDirectory, Path: src},
		Schedule:  schedule.Interval{Every: time.Hour},
		Retention: archive.RetentionPolicy{MaxCount: 2},
	}
}

func seedDir(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("bravo"), 0644))
	return src
}

func TestRun_RetentionKeepsNewestIdenticalSnapshots(t *testing.T) {
	r, store := newRunner(t)
	job := dirJob(t, seedDir(t))
	ctx := context.Background()

	var results []RunResult
	for i := 0; i < 3; i++ {
		res := r.Run(ctx, job)
		require.Equal(t, OutcomeSuccess, res.Outcome, res.Error)
		require.NotNil(t, res.Artifact)
		results = append(results, res)
	}
	assert.Len(t, results[2].Pruned, 1)

	list, err := archive.Collect(store.List("docs"))
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, list[0].ContentHash, list[1].ContentHash)
	assert.Equal(t, results[1].Artifact.Name, list[0].Name)
	assert.Equal(t, results[2].Artifact.Name, list[1].Name)
	assert.NotEmpty(t, results[0].RunID)
	assert.NotEqual(t, results[0].RunID, results[1].RunID)
}

func TestRun_MissingSourceIsCaptureFailed(t *testing.T) {
	r, store := newRunner(t)
	src := seedDir(t)
	job := dirJob(t, src)
	require.NoError(t, os.RemoveAll(src))

	res := r.Run(context.Background(), job)
	assert.Equal(t, OutcomeCaptureFailed, res.Outcome)
	assert.Equal(t, string(capture.KindSourceNotFound), res.ErrorKind)
	assert.Nil(t, res.Artifact)
	assert.True(t, capture.IsSourceNotFound(res.Err))

	entries, err := os.ReadDir(store.JobDir("docs"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), capture.PartialSuffix), "leftover %s", e.Name())
	}
	assert.Empty(t, entries)
}

func TestRun_CanceledBeforeCapture(t *testing.T) {
	r, store := newRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := r.Run(ctx, dirJob(t, seedDir(t)))
	assert.Equal(t, OutcomeCanceled, res.Outcome)
	assert.ErrorIs(t, res.Err, errStopped)

	list, err := archive.Collect(store.List("docs"))
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRun_UploadsToSink(t *testing.T) {
	s := &memSink{objects: map[string][]byte{}}
	r, _ := newRunner(t, s)
	job := dirJob(t, seedDir(t))
	job.Sink = "mem"
	job.Prefix = "offsite/"

	res := r.Run(context.Background(), job)
	require.Equal(t, OutcomeSuccess, res.Outcome, res.Error)
	require.NotNil(t, res.Artifact)
	assert.Equal(t, artifact.UploadUploaded, res.Artifact.UploadState)
	assert.True(t, strings.HasPrefix(res.Artifact.RemoteKey, "offsite/docs/"))
	assert.Len(t, s.objects, 1)
}

func TestRun_UploadFailureKeepsArtifact(t *testing.T) {
	s := &memSink{objects: map[string][]byte{}, err: &sink.Error{Op: "Put", Err: sink.ErrAccessDenied}}
	r, store := newRunner(t, s)
	job := dirJob(t, seedDir(t))
	job.Sink = "mem"

	res := r.Run(context.Background(), job)
	assert.Equal(t, OutcomeUploadFailed, res.Outcome)
	require.NotNil(t, res.Artifact)
	assert.Equal(t, artifact.UploadFailed, res.Artifact.UploadState)

	_, err := os.Stat(store.Path("docs", res.Artifact.Name))
	assert.NoError(t, err)
}

func TestRun_UnknownSink(t *testing.T) {
	r, _ := newRunner(t)
	job := dirJob(t, seedDir(t))
	job.Sink = "nowhere"

	res := r.Run(context.Background(), job)
	assert.Equal(t, OutcomeUploadFailed, res.Outcome)
	assert.Contains(t, res.Error, "nowhere")
}

func TestRun_PruneOnlyUploadedIgnoredWithoutSink(t *testing.T) {
	r, store := newRunner(t)
	job := dirJob(t, seedDir(t))
	job.Retention = archive.RetentionPolicy{MaxCount: 1, PruneOnlyUploaded: true}

	for i := 0; i < 3; i++ {
		require.Equal(t, OutcomeSuccess, r.Run(context.Background(), job).Outcome)
	}
	list, err := archive.Collect(store.List("docs"))
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRun_FileSource(t *testing.T) {
	r, store := newRunner(t)
	src := filepath.Join(t.TempDir(), "state.txt")
	require.NoError(t, os.WriteFile(src, []byte("single file"), 0644))

	job := Job{
		ID:       "state",
		Source:   capture.Spec{Kind: capture.KindFile, Path: src},
		Schedule: schedule.Manual{},
	}
	res := r.Run(context.Background(), job)
	require.Equal(t, OutcomeSuccess, res.Outcome, res.Error)
	assert.True(t, strings.HasSuffix(res.Artifact.Name, ".txt"))

	data, err := os.ReadFile(store.Path("state", res.Artifact.Name))
	require.NoError(t, err)
	assert.Equal(t, "single file", string(data))
}

func TestJob_Validate(t *testing.T) {
	good := Job{ID: "a", Source: capture.Spec{Kind: capture.KindFile, Path: "/x"}, Schedule: schedule.Manual{}}
	require.NoError(t, good.Validate())

	bad := good
	bad.ID = "a_b"
	assert.Error(t, bad.Validate())

	bad = good
	bad.Source.Kind = "ssh"
	assert.Error(t, bad.Validate())

	bad = good
	bad.Schedule = nil
	assert.Error(t, bad.Validate())

	bad = good
	bad.CaptureTimeout = -time.Second
	assert.Error(t, bad.Validate())
}

func TestRunResult_Helpers(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	res := RunResult{StartedAt: start, EndedAt: start.Add(3 * time.Second), Outcome: OutcomeUploadFailed, Err: errors.New("x")}
	assert.Equal(t, 3*time.Second, res.Duration())
	assert.True(t, res.Failed())
}

func TestJob_EffectiveCaptureTimeout(t *testing.T) {
	assert.Equal(t, DefaultCaptureTimeout, Job{}.EffectiveCaptureTimeout())
	assert.Equal(t, time.Minute, Job{CaptureTimeout: time.Minute}.EffectiveCaptureTimeout())
}

func TestRun_CaptureTimeoutIsCaptureFailed(t *testing.T) {
	r, store := newRunner(t)
	job := dirJob(t, seedDir(t))
	job.CaptureTimeout = time.Nanosecond

	res := r.Run(context.Background(), job)
	assert.Equal(t, OutcomeCaptureFailed, res.Outcome)
	assert.Equal(t, string(capture.KindTimeout), res.ErrorKind)
	assert.Nil(t, res.Artifact)

	entries, err := os.ReadDir(store.JobDir("docs"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// writeLargeTree fills a directory with incompressible files so a capture of
// it takes long enough to be interrupted.
func writeLargeTree(t *testing.T, files int) string {
	t.Helper()
	src := t.TempDir()
	rng := rand.NewChaCha8([32]byte{7})
	buf := make([]byte, 64<<10)
	for i := 0; i < files; i++ {
		_, _ = rng.Read(buf)
		require.NoError(t, os.WriteFile(filepath.Join(src, fmt.Sprintf("f%04d.bin", i)), buf, 0o644))
	}
	return src
}

func TestRun_SourceRemovedDuringCapture(t *testing.T) {
	if testing.Short() {
		t.Skip("writes a large source tree")
	}
	r, store := newRunner(t)
	src := writeLargeTree(t, 1500)
	jobDir := store.JobDir("docs")

	// Remove the source as soon as the archive starts being written.
	removed := make(chan error, 1)
	go func() {
		deadline := time.Now().Add(30 * time.Second)
		for time.Now().Before(deadline) {
			entries, _ := os.ReadDir(jobDir)
			for _, e := range entries {
				if strings.HasSuffix(e.Name(), capture.PartialSuffix) {
					removed <- os.RemoveAll(src)
					return
				}
			}
			time.Sleep(time.Millisecond)
		}
		removed <- errors.New("capture never started writing")
	}()

	res := r.Run(context.Background(), dirJob(t, src))
	require.NoError(t, <-removed)

	assert.Equal(t, OutcomeCaptureFailed, res.Outcome, res.Error)
	assert.Equal(t, string(capture.KindSourceNotFound), res.ErrorKind)
	assert.Nil(t, res.Artifact)

	entries, err := os.ReadDir(jobDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no partial or committed artifact may remain")
	list, err := archive.Collect(store.List("docs"))
	require.NoError(t, err)
	assert.Empty(t, list)
}

// stateFailingArchive is a real store whose upload state writes fail.
type stateFailingArchive struct {
	*archive.Store
	err error
}

func (a stateFailingArchive) SetUploadState(context.Context, string, string, artifact.UploadUpdate) error {
	return a.err
}

func TestRun_UploadStateFailureIsLogged(t *testing.T) {
	store := archive.NewStore(filepath.Join(t.TempDir(), "archive"))
	core, logs := observer.New(zap.WarnLevel)
	r := New(stateFailingArchive{Store: store, err: errors.New("disk full")}, sink.NewRegistry(), nil, WithLogger(zap.New(core)))

	job := dirJob(t, seedDir(t))
	job.Sink = "nowhere"

	res := r.Run(context.Background(), job)
	assert.Equal(t, OutcomeUploadFailed, res.Outcome)

	entries := logs.FilterMessage("Failed to record upload state").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "docs", entries[0].ContextMap()["job_id"])
	assert.Equal(t, "disk full", entries[0].ContextMap()["error"])
}

func TestRun_RetentionBoundOverTenRuns(t *testing.T) {
	t.Run("max count holds", func(t *testing.T) {
		r, store := newRunner(t)
		job := dirJob(t, seedDir(t))
		job.Retention = archive.RetentionPolicy{MaxCount: 5}

		var names []string
		for i := 0; i < 10; i++ {
			res := r.Run(context.Background(), job)
			require.Equal(t, OutcomeSuccess, res.Outcome, res.Error)
			names = append(names, res.Artifact.Name)
		}

		list, err := archive.Collect(store.List("docs"))
		require.NoError(t, err)
		require.Len(t, list, 5)
		for i, a := range list {
			assert.Equal(t, names[5+i], a.Name)
		}
	})

	t.Run("pending uploads are held", func(t *testing.T) {
		r, store := newRunner(t, &memSink{objects: map[string][]byte{}, err: errors.New("connection reset")})
		job := dirJob(t, seedDir(t))
		job.Sink = "mem"
		job.Retention = archive.RetentionPolicy{MaxCount: 5, PruneOnlyUploaded: true}

		for i := 0; i < 10; i++ {
			res := r.Run(context.Background(), job)
			require.Equal(t, OutcomeUploadFailed, res.Outcome)
			assert.Empty(t, res.Pruned)
		}

		list, err := archive.Collect(store.List("docs"))
		require.NoError(t, err)
		assert.Len(t, list, 10)
	})
}
