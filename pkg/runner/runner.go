package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/3leaps/gostow/pkg/archive"
	"github.com/3leaps/gostow/pkg/artifact"
	"github.com/3leaps/gostow/pkg/capture"
	"github.com/3leaps/gostow/pkg/replicate"
	"github.com/3leaps/gostow/pkg/sink"
)

// errStopped is reported when a run is canceled before capture.
var errStopped = errors.New("stop requested before capture")

// Archive is the part of the local archive a run writes to. *archive.Store
// implements it.
type Archive interface {
	Allocate(jobID string, ts time.Time, ext string) (name, path string, err error)
	Register(ctx context.Context, a artifact.Artifact) (artifact.Artifact, error)
	Get(jobID, name string) (artifact.Artifact, error)
	SetUploadState(ctx context.Context, jobID, name string, u artifact.UploadUpdate) error
	ApplyRetention(ctx context.Context, jobID string, policy archive.RetentionPolicy) (archive.RetentionReport, error)
}

var _ Archive = (*archive.Store)(nil)

// Runner executes backup runs against one archive.
type Runner struct {
	store      Archive
	sinks      *sink.Registry
	replicator *replicate.Replicator
	clock      clock.Clock
	logger     *zap.Logger
}

// Option configures a Runner.
type Option func(*Runner)

func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a runner. sinks and replicator may be nil when no job
// replicates.
func New(store Archive, sinks *sink.Registry, replicator *replicate.Replicator, opts ...Option) *Runner {
	r := &Runner{
		store:      store,
		sinks:      sinks,
		replicator: replicator,
		clock:      clock.WallClock,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Target resolves the replication target of job.
func (r *Runner) Target(job Job) (replicate.Target, bool) {
	if job.Sink == "" || r.sinks == nil {
		return replicate.Target{}, false
	}
	s, ok := r.sinks.Get(job.Sink)
	if !ok {
		return replicate.Target{}, false
	}
	return replicate.Target{Sink: s, Prefix: job.Prefix}, true
}

// Run performs one run of job.
//
// Cancellation of ctx is honoured only before the capture starts; once a
// capture is under way the run completes every stage so the archive is
// never left half-registered.
func (r *Runner) Run(ctx context.Context, job Job) RunResult {
	res := RunResult{
		RunID:     uuid.NewString(),
		JobID:     job.ID,
		StartedAt: r.clock.Now().UTC(),
	}
	log := r.logger.With(zap.String("job_id", job.ID), zap.String("run_id", res.RunID))

	if err := ctx.Err(); err != nil {
		return r.finish(res, OutcomeCanceled, fmt.Errorf("%w: %w", errStopped, err))
	}
	runCtx := context.WithoutCancel(ctx)

	a, err := r.capture(runCtx, job, res.StartedAt, log)
	if err != nil {
		res.ErrorKind = string(capture.KindOf(err))
		log.Warn("Capture failed", zap.String("error_kind", res.ErrorKind), zap.Error(err))
		return r.finish(res, OutcomeCaptureFailed, err)
	}
	res.Artifact = &a
	log.Info("Artifact captured",
		zap.String("artifact", a.Name),
		zap.Int64("size_bytes", a.SizeBytes),
		zap.String("content_hash", a.ContentHash),
	)

	policy := job.Retention
	if job.Sink == "" {
		// Nothing can ever be uploaded, so holding artifacts back would
		// disable retention entirely.
		policy.PruneOnlyUploaded = false
	}
	report, err := r.store.ApplyRetention(runCtx, job.ID, policy)
	res.Pruned = report.Deleted
	res.Held = report.Held
	if err != nil {
		log.Warn("Retention failed", zap.Error(err))
	} else if len(report.Deleted) > 0 {
		log.Info("Retention pruned artifacts", zap.Strings("pruned", report.Deleted), zap.Int64("freed_bytes", report.FreedBytes))
	}

	if job.Sink == "" {
		return r.finish(res, OutcomeSuccess, nil)
	}

	target, ok := r.Target(job)
	if !ok || r.replicator == nil {
		err := fmt.Errorf("sink %q is not configured", job.Sink)
		if serr := r.store.SetUploadState(runCtx, job.ID, a.Name, artifact.UploadUpdate{State: artifact.UploadFailed, LastError: err.Error()}); serr != nil {
			log.Warn("Failed to record upload state", zap.String("artifact", a.Name), zap.Error(serr))
		}
		r.refresh(&res)
		return r.finish(res, OutcomeUploadFailed, err)
	}

	_, upErr := r.replicator.Upload(runCtx, a, target)
	r.refresh(&res)
	if upErr != nil {
		return r.finish(res, OutcomeUploadFailed, upErr)
	}
	return r.finish(res, OutcomeSuccess, nil)
}

// capture allocates a name, runs the capturer and commits the artifact. On
// failure nothing is left in the job directory.
func (r *Runner) capture(ctx context.Context, job Job, at time.Time, log *zap.Logger) (artifact.Artifact, error) {
	capturer, err := capture.ForKind(job.Source.Kind)
	if err != nil {
		return artifact.Artifact{}, err
	}

	name, path, err := r.store.Allocate(job.ID, at, capturer.Ext(job.Source))
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("allocate artifact: %w", err)
	}

	captureCtx, cancel := context.WithTimeout(ctx, job.EffectiveCaptureTimeout())
	defer cancel()

	log.Debug("Capture started", zap.String("artifact", name), zap.String("kind", string(job.Source.Kind)), zap.String("source", job.Source.Path))
	info, err := capturer.Capture(captureCtx, job.Source, path)
	if err != nil {
		return artifact.Artifact{}, err
	}

	a, err := r.store.Register(ctx, artifact.Artifact{
		JobID:       job.ID,
		Name:        name,
		CreatedAt:   at,
		SizeBytes:   info.SizeBytes,
		ContentHash: info.ContentHash,
		SourceKind:  string(job.Source.Kind),
		UploadState: artifact.UploadPending,
	})
	if err != nil {
		_ = os.Remove(path)
		return artifact.Artifact{}, fmt.Errorf("register artifact: %w", err)
	}
	return a, nil
}

// refresh reloads the artifact record after its upload state changed.
func (r *Runner) refresh(res *RunResult) {
	if res.Artifact == nil {
		return
	}
	if a, err := r.store.Get(res.JobID, res.Artifact.Name); err == nil {
		res.Artifact = &a
	}
}

func (r *Runner) finish(res RunResult, outcome Outcome, err error) RunResult {
	res.Outcome = outcome
	res.EndedAt = r.clock.Now().UTC()
	if err != nil {
		res.Err = err
		res.Error = err.Error()
	}
	return res
}
