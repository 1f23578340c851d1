// Package runner executes one backup run of a job: capture, register,
// retention and replication.
package runner

import (
	"fmt"
	"time"

	"github.com/3leaps/gostow/pkg/archive"
	"github.com/3leaps/gostow/pkg/artifact"
	"github.com/3leaps/gostow/pkg/capture"
	"github.com/3leaps/gostow/pkg/schedule"
)

// Job is a configured backup. Jobs are immutable once built from a manifest.
type Job struct {
	ID        string
	Source    capture.Spec
	Schedule  schedule.Schedule
	Retention archive.RetentionPolicy

	// Sink names a registered sink. Empty keeps artifacts local only.
	Sink string

	// Prefix is prepended to remote keys.
	Prefix string

	// CaptureTimeout bounds the capture stage. Zero selects
	// DefaultCaptureTimeout.
	CaptureTimeout time.Duration
}

// DefaultCaptureTimeout bounds a capture when the job sets no timeout.
const DefaultCaptureTimeout = time.Hour

// EffectiveCaptureTimeout is the bound the runner applies to j's capture.
func (j Job) EffectiveCaptureTimeout() time.Duration {
	if j.CaptureTimeout > 0 {
		return j.CaptureTimeout
	}
	return DefaultCaptureTimeout
}

// Validate checks the fields a run depends on.
func (j Job) Validate() error {
	if err := artifact.ValidateJobID(j.ID); err != nil {
		return err
	}
	if _, err := capture.ForKind(j.Source.Kind); err != nil {
		return fmt.Errorf("job %s: %w", j.ID, err)
	}
	if j.Source.Path == "" {
		return fmt.Errorf("job %s: source path is required", j.ID)
	}
	if j.Schedule == nil {
		return fmt.Errorf("job %s: schedule is required", j.ID)
	}
	if j.CaptureTimeout < 0 {
		return fmt.Errorf("job %s: capture timeout must not be negative", j.ID)
	}
	return nil
}

// Outcome is the overall result of a run.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeCaptureFailed Outcome = "capture_failed"
	OutcomeUploadFailed  Outcome = "upload_failed"

	// OutcomeCanceled marks a run stopped before its capture began.
	OutcomeCanceled Outcome = "canceled"
)

// RunResult describes one run. It is delivered to observers and not
// persisted.
type RunResult struct {
	RunID     string             `json:"run_id"`
	JobID     string             `json:"job_id"`
	StartedAt time.Time          `json:"started_at"`
	EndedAt   time.Time          `json:"ended_at"`
	Outcome   Outcome            `json:"outcome"`
	Artifact  *artifact.Artifact `json:"artifact,omitempty"`
	Error     string             `json:"error,omitempty"`

	// ErrorKind is the capture error class for capture failures.
	ErrorKind string `json:"error_kind,omitempty"`

	// Pruned lists artifacts removed by the retention pass of this run.
	Pruned []string `json:"pruned,omitempty"`

	// Held lists retention candidates kept because they are not uploaded.
	Held []string `json:"held,omitempty"`

	// Err is the error behind Error, for in-process callers.
	Err error `json:"-"`
}

// Duration is EndedAt - StartedAt.
func (r RunResult) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// Failed reports whether the run did not succeed.
func (r RunResult) Failed() bool {
	return r.Outcome != OutcomeSuccess
}
