// Package output provides JSONL output for backup events.
//
// Every line is a typed envelope carrying a run result, a missed trigger, an
// artifact listing entry, a retention report or a catch-up summary. Each line
// is a self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: gostow.<type>.v<version>
const (
	// TypeRun identifies a finished backup run.
	TypeRun = "gostow.run.v1"

	// TypeMissedTrigger identifies a trigger skipped because the previous
	// run of the job was still in flight.
	TypeMissedTrigger = "gostow.missed_trigger.v1"

	// TypeArtifact identifies an archive listing entry.
	TypeArtifact = "gostow.artifact.v1"

	// TypeRetention identifies a retention pass over one job.
	TypeRetention = "gostow.retention.v1"

	// TypeCatchUp identifies a replication catch-up summary.
	TypeCatchUp = "gostow.catchup.v1"

	// TypeError identifies error records.
	TypeError = "gostow.error.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "gostow.run.v1").
	Type string `json:"type"`

	// TS is the time the record was written.
	TS time.Time `json:"ts"`

	// Service names the emitting instance.
	Service string `json:"service,omitempty"`

	// JobID is set when the payload belongs to a single job.
	JobID string `json:"job_id,omitempty"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// ErrorRecord is the data payload for errors that did not abort the command.
type ErrorRecord struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	JobID    string `json:"job_id,omitempty"`
	Artifact string `json:"artifact,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeSourceNotFound = "SOURCE_NOT_FOUND"
	ErrCodeSourceLocked   = "SOURCE_LOCKED"
	ErrCodeUpload         = "UPLOAD_FAILED"
	ErrCodeRetention      = "RETENTION_FAILED"
	ErrCodeInternal       = "INTERNAL"
)

var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
