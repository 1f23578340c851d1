package manifest

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/gostow/pkg/archive"
	"github.com/3leaps/gostow/pkg/capture"
	"github.com/3leaps/gostow/pkg/replicate"
	"github.com/3leaps/gostow/pkg/runner"
	"github.com/3leaps/gostow/pkg/schedule"
	"github.com/3leaps/gostow/pkg/sink"
	filesink "github.com/3leaps/gostow/pkg/sink/file"
	s3sink "github.com/3leaps/gostow/pkg/sink/s3"
)

// Plan is a manifest resolved into runtime values.
type Plan struct {
	// ArchiveRoot is empty when the manifest leaves it to configuration.
	ArchiveRoot string
	Jobs        []runner.Job
	Sinks       *sink.Registry
	Replication replicate.Config
}

// Close releases the sinks.
func (p *Plan) Close() error {
	if p == nil || p.Sinks == nil {
		return nil
	}
	return p.Sinks.Close()
}

// BuildJobs converts the job declarations. The manifest must have passed Check.
func (m *Manifest) BuildJobs() ([]runner.Job, error) {
	jobs := make([]runner.Job, 0, len(m.Jobs))
	for _, jc := range m.Jobs {
		job, err := jc.build()
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", jc.ID, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// BuildReplication converts the replication settings.
func (m *Manifest) BuildReplication() (replicate.Config, error) {
	r := m.Replication
	cfg := replicate.Config{MaxAttempts: r.MaxAttempts, RateLimit: r.RateLimit}
	var err error
	if cfg.BaseDelay, err = parseDuration(r.BaseDelay); err != nil {
		return replicate.Config{}, fmt.Errorf("base_delay: %w", err)
	}
	if cfg.MaxDelay, err = parseDuration(r.MaxDelay); err != nil {
		return replicate.Config{}, fmt.Errorf("max_delay: %w", err)
	}
	if cfg.AttemptTimeout, err = parseDuration(r.AttemptTimeout); err != nil {
		return replicate.Config{}, fmt.Errorf("attempt_timeout: %w", err)
	}
	return cfg, nil
}

// BuildSinks constructs every declared sink. S3 sinks resolve credentials
// through the AWS default chain; no network call is made here.
func (m *Manifest) BuildSinks(ctx context.Context) (*sink.Registry, error) {
	reg := sink.NewRegistry()
	for _, sc := range m.Sinks {
		s, err := sc.build(ctx)
		if err != nil {
			_ = reg.Close()
			return nil, fmt.Errorf("sink %q: %w", sc.Name, err)
		}
		if err := reg.Register(s); err != nil {
			_ = s.Close()
			_ = reg.Close()
			return nil, err
		}
	}
	return reg, nil
}

// Build resolves the whole manifest.
func (m *Manifest) Build(ctx context.Context) (*Plan, error) {
	jobs, err := m.BuildJobs()
	if err != nil {
		return nil, err
	}
	repl, err := m.BuildReplication()
	if err != nil {
		return nil, err
	}
	sinks, err := m.BuildSinks(ctx)
	if err != nil {
		return nil, err
	}
	return &Plan{
		ArchiveRoot: m.ArchiveRoot,
		Jobs:        jobs,
		Sinks:       sinks,
		Replication: repl,
	}, nil
}

func (jc JobConfig) build() (runner.Job, error) {
	kind, err := capture.ParseKind(jc.Source.Type)
	if err != nil {
		return runner.Job{}, err
	}
	sched, err := schedule.Parse(jc.Schedule)
	if err != nil {
		return runner.Job{}, err
	}
	lockWait, err := parseDuration(jc.Source.LockWait)
	if err != nil {
		return runner.Job{}, fmt.Errorf("lock_wait: %w", err)
	}
	maxAge, err := parseDuration(jc.Retention.MaxAge)
	if err != nil {
		return runner.Job{}, fmt.Errorf("max_age: %w", err)
	}
	timeout, err := parseDuration(jc.CaptureTimeout)
	if err != nil {
		return runner.Job{}, fmt.Errorf("capture_timeout: %w", err)
	}

	job := runner.Job{
		ID: jc.ID,
		Source: capture.Spec{
			Kind:     kind,
			Path:     os.ExpandEnv(jc.Source.Path),
			Excludes: jc.Source.Excludes,
			Strategy: capture.DBStrategy(jc.Source.Strategy),
			LockWait: lockWait,
		},
		Schedule: sched,
		Retention: archive.RetentionPolicy{
			MaxCount:          jc.Retention.MaxCount,
			MaxAge:            maxAge,
			PruneOnlyUploaded: jc.Retention.PruneOnlyUploaded,
		},
		Sink:           jc.Sink,
		Prefix:         jc.Prefix,
		CaptureTimeout: timeout,
	}
	return job, job.Validate()
}

func (sc SinkConfig) build(ctx context.Context) (sink.Sink, error) {
	switch sc.Type {
	case SinkTypeS3:
		return s3sink.New(ctx, s3sink.Config{
			Name:            sc.Name,
			Bucket:          sc.Bucket,
			Region:          sc.Region,
			Endpoint:        sc.Endpoint,
			Profile:         sc.Profile,
			AccessKeyID:     os.ExpandEnv(sc.AccessKeyID),
			SecretAccessKey: os.ExpandEnv(sc.SecretAccessKey),
			SessionToken:    os.ExpandEnv(sc.SessionToken),
			ForcePathStyle:  sc.ForcePathStyle,
			StorageClass:    sc.StorageClass,
		})
	case SinkTypeFile:
		return filesink.New(filesink.Config{
			Name:          sc.Name,
			BaseDir:       os.ExpandEnv(sc.BaseDir),
			CreateBaseDir: sc.CreateBaseDir,
		})
	default:
		return nil, fmt.Errorf("unsupported sink type %q", sc.Type)
	}
}

// parseDuration accepts an empty string as zero and a leading whole number
// of days ("7d", "1d12h").
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	var days time.Duration
	if i := strings.IndexByte(s, 'd'); i > 0 {
		n, err := strconv.Atoi(s[:i])
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		days = time.Duration(n) * 24 * time.Hour
		if s = s[i+1:]; s == "" {
			return days, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	d += days
	if d < 0 {
		return 0, fmt.Errorf("duration %q is negative", s)
	}
	return d, nil
}
