// Package artifact defines the archive artifact record and the naming scheme
// used to place artifacts in the local archive store.
package artifact

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// UploadState is the replication state of an artifact.
//
// NOTE: These values are persisted in sidecar files and are part of the stable
// on-disk contract.
type UploadState string

const (
	UploadPending  UploadState = "pending"
	UploadUploaded UploadState = "uploaded"
	UploadFailed   UploadState = "failed"
)

// Valid reports whether s is a known upload state.
func (s UploadState) Valid() bool {
	switch s {
	case UploadPending, UploadUploaded, UploadFailed:
		return true
	default:
		return false
	}
}

// HashAlgorithm prefixes every content hash.
const HashAlgorithm = "sha256"

// Artifact is one captured snapshot of a job's source.
//
// The record is written once at registration; only the upload fields change
// afterwards. ContentHash is never recomputed.
type Artifact struct {
	JobID       string      `json:"job_id"`
	Name        string      `json:"name"`
	CreatedAt   time.Time   `json:"created_at"`
	LocalPath   string      `json:"local_path"`
	SizeBytes   int64       `json:"size_bytes"`
	ContentHash string      `json:"content_hash"`
	SourceKind  string      `json:"source_kind,omitempty"`
	UploadState UploadState `json:"upload_state"`

	RemoteKey      string     `json:"remote_key,omitempty"`
	UploadAttempts int        `json:"upload_attempts,omitempty"`
	UploadedAt     *time.Time `json:"uploaded_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

// HashHex returns the hex digest without the algorithm prefix.
func (a Artifact) HashHex() string {
	return strings.TrimPrefix(a.ContentHash, HashAlgorithm+":")
}

// Ext returns the artifact's file extension (".tar.gz", ".db", ...).
func (a Artifact) Ext() string {
	parsed, err := ParseName(a.Name)
	if err != nil {
		return ""
	}
	return parsed.Ext
}

// FormatHash renders a raw digest as "sha256:<hex>".
func FormatHash(digest []byte) string {
	return fmt.Sprintf("%s:%x", HashAlgorithm, digest)
}

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.-]*$`)

// ValidateJobID checks that id can be used as a directory and name component.
//
// Underscores are reserved as the name field separator.
func ValidateJobID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("job id is required")
	}
	if len(id) > 128 {
		return fmt.Errorf("job id %q is longer than 128 characters", id)
	}
	if !jobIDPattern.MatchString(id) {
		return fmt.Errorf("job id %q must match %s", id, jobIDPattern.String())
	}
	return nil
}

// UploadUpdate is the outcome of a replication attempt sequence.
type UploadUpdate struct {
	State      UploadState
	RemoteKey  string
	Attempts   int
	UploadedAt *time.Time
	LastError  string
}

// Apply copies the update onto a. A successful upload clears LastError.
func (u UploadUpdate) Apply(a *Artifact) {
	a.UploadState = u.State
	if u.RemoteKey != "" {
		a.RemoteKey = u.RemoteKey
	}
	a.UploadAttempts += u.Attempts
	if u.UploadedAt != nil {
		t := u.UploadedAt.UTC()
		a.UploadedAt = &t
	}
	a.LastError = u.LastError
	if u.State == UploadUploaded {
		a.LastError = ""
	}
}
