// Package replicate uploads archive artifacts to remote sinks with bounded
// retries.
package replicate

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/gostow/pkg/artifact"
	"github.com/3leaps/gostow/pkg/sink"
)

// Config bounds the retry loop.
type Config struct {
	// MaxAttempts is the total number of put attempts per upload.
	MaxAttempts int

	// BaseDelay is the backoff before the second attempt; it doubles per
	// attempt up to MaxDelay. Each wait is drawn uniformly from [0, delay].
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// AttemptTimeout bounds a single attempt. Expiry counts as one
	// transient failure.
	AttemptTimeout time.Duration

	// RateLimit caps attempts per second across all uploads. Zero disables.
	RateLimit float64
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		AttemptTimeout: 5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	return c
}

// StateRecorder persists upload outcomes on artifact records.
type StateRecorder interface {
	SetUploadState(ctx context.Context, jobID, name string, u artifact.UploadUpdate) error
}

// Target is a sink plus the key prefix a job uploads under.
type Target struct {
	Sink   sink.Sink
	Prefix string
}

// Result describes one Upload call.
type Result struct {
	State     artifact.UploadState
	RemoteKey string
	Attempts  int

	// Skipped is set when the sink already held identical bytes.
	Skipped bool
}

// Replicator uploads artifacts. It is safe for concurrent use.
type Replicator struct {
	cfg      Config
	recorder StateRecorder
	clock    clock.Clock
	limiter  *rate.Limiter
	logger   *zap.Logger
	jitter   func(n int64) int64
}

// Option configures a Replicator.
type Option func(*Replicator)

func WithClock(c clock.Clock) Option {
	return func(r *Replicator) { r.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Replicator) { r.logger = l }
}

func New(cfg Config, recorder StateRecorder, opts ...Option) *Replicator {
	cfg = cfg.withDefaults()
	r := &Replicator{
		cfg:      cfg,
		recorder: recorder,
		clock:    clock.WallClock,
		logger:   zap.NewNop(),
		jitter:   func(n int64) int64 { return rand.Int64N(n + 1) },
	}
	if cfg.RateLimit > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RemoteKey is <prefix><job_id>/<hex hash><ext>. The content hash makes
// repeated uploads of the same bytes land on the same key.
func RemoteKey(prefix string, a artifact.Artifact) string {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + path.Join(a.JobID, a.HashHex()+a.Ext())
}

// Upload replicates a to t and records the outcome. Local files are never
// removed. A canceled ctx leaves the record untouched so a later catch-up
// retries it.
func (r *Replicator) Upload(ctx context.Context, a artifact.Artifact, t Target) (Result, error) {
	if t.Sink == nil {
		return Result{}, fmt.Errorf("artifact %s: no sink", a.Name)
	}
	key := RemoteKey(t.Prefix, a)
	res := Result{RemoteKey: key}
	log := r.logger.With(
		zap.String("job_id", a.JobID),
		zap.String("artifact", a.Name),
		zap.String("sink", t.Sink.Name()),
		zap.String("key", key),
	)

	f, err := os.Open(a.LocalPath)
	if err != nil {
		res.State = artifact.UploadFailed
		err = fmt.Errorf("open artifact: %w", err)
		return res, errors.Join(err, r.record(ctx, a, res, err))
	}
	defer func() { _ = f.Close() }()

	obj := sink.Object{Key: key, Body: f, Size: a.SizeBytes, ContentHash: a.ContentHash}

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return res, err
			}
		}

		res.Attempts = attempt
		skipped, err := r.attempt(ctx, t.Sink, obj)
		if err == nil {
			res.State = artifact.UploadUploaded
			res.Skipped = skipped
			log.Info("Artifact uploaded", zap.Int("attempts", attempt), zap.Bool("skipped", skipped))
			return res, r.record(ctx, a, res, nil)
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		lastErr = err

		kind := sink.Classify(err)
		if errors.Is(err, context.DeadlineExceeded) {
			kind = sink.Transient
		}
		log.Warn("Upload attempt failed",
			zap.Int("attempt", attempt),
			zap.String("class", string(kind)),
			zap.Error(err),
		)
		if kind == sink.Permanent || attempt == r.cfg.MaxAttempts {
			break
		}
		if err := r.sleep(ctx, r.backoff(attempt)); err != nil {
			return res, err
		}
	}

	res.State = artifact.UploadFailed
	log.Error("Upload failed", zap.Int("attempts", res.Attempts), zap.Error(lastErr))
	return res, errors.Join(lastErr, r.record(ctx, a, res, lastErr))
}

// attempt runs one bounded try: a Stat short-circuit when the sink supports
// it, then the put.
func (r *Replicator) attempt(ctx context.Context, s sink.Sink, obj sink.Object) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
	defer cancel()

	if st, ok := s.(sink.Stater); ok {
		info, err := st.Stat(ctx, obj.Key)
		if err == nil && info.ContentHash == obj.ContentHash && info.ContentHash != "" {
			return true, nil
		}
		if err != nil && !sink.IsNotFound(err) {
			r.logger.Debug("Stat before put failed", zap.String("key", obj.Key), zap.Error(err))
		}
	}
	return false, s.Put(ctx, obj)
}

// backoff returns the full-jitter wait after the given failed attempt.
func (r *Replicator) backoff(attempt int) time.Duration {
	delay := r.cfg.BaseDelay
	for i := 1; i < attempt && delay < r.cfg.MaxDelay; i++ {
		delay *= 2
	}
	if delay > r.cfg.MaxDelay {
		delay = r.cfg.MaxDelay
	}
	return time.Duration(r.jitter(int64(delay)))
}

func (r *Replicator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.clock.After(d):
		return nil
	}
}

func (r *Replicator) record(ctx context.Context, a artifact.Artifact, res Result, uploadErr error) error {
	if r.recorder == nil {
		return nil
	}
	u := artifact.UploadUpdate{State: res.State, RemoteKey: res.RemoteKey, Attempts: res.Attempts}
	if res.State == artifact.UploadUploaded {
		now := r.clock.Now().UTC()
		u.UploadedAt = &now
	}
	if uploadErr != nil {
		u.LastError = uploadErr.Error()
	}
	// Record even if the caller gave up after the upload finished.
	ctx = context.WithoutCancel(ctx)
	if err := r.recorder.SetUploadState(ctx, a.JobID, a.Name, u); err != nil {
		return fmt.Errorf("record upload state: %w", err)
	}
	return nil
}

// CatchUpReport summarizes a CatchUp pass.
type CatchUpReport struct {
	Attempted int `json:"attempted"`
	Uploaded  int `json:"uploaded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// CatchUp uploads every pending or failed artifact, oldest first. Artifacts
// of jobs without a target are ignored. It stops early only when ctx ends.
func (r *Replicator) CatchUp(ctx context.Context, artifacts []artifact.Artifact, targetFor func(jobID string) (Target, bool)) (CatchUpReport, error) {
	var report CatchUpReport

	pending := make([]artifact.Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		if a.UploadState != artifact.UploadUploaded {
			pending = append(pending, a)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	for _, a := range pending {
		t, ok := targetFor(a.JobID)
		if !ok {
			continue
		}
		report.Attempted++
		res, err := r.Upload(ctx, a, t)
		if err != nil && ctx.Err() != nil {
			return report, ctx.Err()
		}
		switch {
		case res.State == artifact.UploadUploaded && res.Skipped:
			report.Uploaded++
			report.Skipped++
		case res.State == artifact.UploadUploaded:
			report.Uploaded++
		default:
			report.Failed++
		}
	}
	return report, nil
}
