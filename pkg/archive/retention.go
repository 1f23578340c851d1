package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/3leaps/gostow/pkg/artifact"
)

// RetentionPolicy bounds how many artifacts a job keeps locally.
//
// A zero MaxCount or MaxAge disables that bound.
type RetentionPolicy struct {
	MaxCount int
	MaxAge   time.Duration

	// PruneOnlyUploaded keeps artifacts that have not reached the remote
	// sink. Deletion stops at the oldest candidate that is not uploaded.
	PruneOnlyUploaded bool
}

// Enabled reports whether the policy can delete anything.
func (p RetentionPolicy) Enabled() bool {
	return p.MaxCount > 0 || p.MaxAge > 0
}

// RetentionReport describes one retention pass.
type RetentionReport struct {
	JobID string `json:"job_id"`

	// Deleted lists pruned artifact names, oldest first.
	Deleted []string `json:"deleted,omitempty"`

	// Held lists candidates kept because they are not yet uploaded.
	Held []string `json:"held,omitempty"`

	Kept       int   `json:"kept"`
	FreedBytes int64 `json:"freed_bytes"`
}

// ApplyRetention prunes jobID's artifacts according to policy.
//
// Candidates are the oldest artifacts beyond MaxCount plus those older than
// MaxAge; the newest artifact is never pruned by age alone.
func (s *Store) ApplyRetention(ctx context.Context, jobID string, policy RetentionPolicy) (RetentionReport, error) {
	report := RetentionReport{JobID: jobID}
	if policy.MaxCount < 0 || policy.MaxAge < 0 {
		return report, fmt.Errorf("retention bounds must not be negative")
	}

	all, err := Collect(s.List(jobID))
	if err != nil {
		return report, err
	}
	report.Kept = len(all)
	if !policy.Enabled() || len(all) == 0 {
		return report, nil
	}

	candidates := retentionCandidates(all, policy, s.clock.Now())

	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	blocked := false
	for i, a := range all {
		if !candidates[i] {
			continue
		}
		if blocked || (policy.PruneOnlyUploaded && a.UploadState != artifact.UploadUploaded) {
			blocked = true
			report.Held = append(report.Held, a.Name)
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.delete(jobID, a.Name); err != nil {
			return report, err
		}
		report.Deleted = append(report.Deleted, a.Name)
		report.FreedBytes += a.SizeBytes
		report.Kept--
	}
	return report, nil
}

// retentionCandidates marks the indexes of all (oldest first) that policy
// would delete.
func retentionCandidates(all []artifact.Artifact, policy RetentionPolicy, now time.Time) []bool {
	marked := make([]bool, len(all))
	if policy.MaxCount > 0 {
		for i := 0; i < len(all)-policy.MaxCount; i++ {
			marked[i] = true
		}
	}
	if policy.MaxAge > 0 {
		for i := 0; i < len(all)-1; i++ {
			if now.Sub(all[i].CreatedAt) > policy.MaxAge {
				marked[i] = true
			}
		}
	}
	return marked
}
