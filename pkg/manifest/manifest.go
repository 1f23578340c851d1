// Package manifest provides loading and validation of gostow backup manifests.
//
// A backup manifest is a YAML or JSON file that declares the sinks artifacts
// are replicated to, the replication policy, and the backup jobs themselves.
//
// Manifests are validated against a JSON Schema to ensure correctness before
// execution. The schema enforces strict typing and disallows unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	archive_root: /var/lib/gostow/archive
//	sinks:
//	  - name: offsite
//	    type: s3
//	    bucket: acme-backups
//	    region: eu-west-1
//	jobs:
//	  - id: app-db
//	    source:
//	      type: database
//	      path: /srv/app/app.db
//	    schedule: hourly
//	    retention:
//	      max_count: 48
//	      prune_only_uploaded: true
//	    sink: offsite
//	    prefix: nightly/
package manifest

import (
	"github.com/3leaps/gostow/pkg/capture"
	"github.com/3leaps/gostow/pkg/replicate"
	"github.com/3leaps/gostow/pkg/runner"
)

// Manifest represents a validated backup manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// ArchiveRoot overrides the configured archive root. Optional.
	ArchiveRoot string `json:"archive_root,omitempty" yaml:"archive_root,omitempty"`

	// Replication tunes upload retries (optional).
	Replication ReplicationConfig `json:"replication,omitempty" yaml:"replication,omitempty"`

	// Sinks are the named replication targets.
	Sinks []SinkConfig `json:"sinks,omitempty" yaml:"sinks,omitempty"`

	// Jobs are the backup jobs. At least one is required.
	Jobs []JobConfig `json:"jobs" yaml:"jobs"`
}

// ReplicationConfig configures upload retries. Durations use Go syntax
// ("500ms", "1m30s").
type ReplicationConfig struct {
	MaxAttempts    int     `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	BaseDelay      string  `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay       string  `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	AttemptTimeout string  `json:"attempt_timeout,omitempty" yaml:"attempt_timeout,omitempty"`
	RateLimit      float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// SinkConfig declares one sink. Type selects which fields apply.
type SinkConfig struct {
	Name string `json:"name" yaml:"name"`

	// Type is "s3" or "file".
	Type string `json:"type" yaml:"type"`

	// S3 fields. Credential values may reference environment variables
	// as ${NAME}.
	Bucket          string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Region          string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Profile         string `json:"profile,omitempty" yaml:"profile,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`
	SessionToken    string `json:"session_token,omitempty" yaml:"session_token,omitempty"`
	ForcePathStyle  bool   `json:"force_path_style,omitempty" yaml:"force_path_style,omitempty"`
	StorageClass    string `json:"storage_class,omitempty" yaml:"storage_class,omitempty"`

	// File fields.
	BaseDir       string `json:"base_dir,omitempty" yaml:"base_dir,omitempty"`
	CreateBaseDir bool   `json:"create_base_dir,omitempty" yaml:"create_base_dir,omitempty"`
}

// JobConfig declares one backup job.
type JobConfig struct {
	ID        string          `json:"id" yaml:"id"`
	Source    SourceConfig    `json:"source" yaml:"source"`
	Schedule  string          `json:"schedule" yaml:"schedule"`
	Retention RetentionConfig `json:"retention,omitempty" yaml:"retention,omitempty"`

	// Sink names the sink artifacts are replicated to. Empty keeps
	// artifacts local only.
	Sink   string `json:"sink,omitempty" yaml:"sink,omitempty"`
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	CaptureTimeout string `json:"capture_timeout,omitempty" yaml:"capture_timeout,omitempty"`
}

// SourceConfig declares what a job captures.
type SourceConfig struct {
	// Type is file, directory or database (aliases: dir, sqlite, sqlite3).
	Type     string   `json:"type" yaml:"type"`
	Path     string   `json:"path" yaml:"path"`
	Excludes []string `json:"excludes,omitempty" yaml:"excludes,omitempty"`

	// Strategy and LockWait apply to database sources.
	Strategy string `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	LockWait string `json:"lock_wait,omitempty" yaml:"lock_wait,omitempty"`
}

// RetentionConfig bounds how many artifacts a job keeps. Zero values
// disable the corresponding bound.
type RetentionConfig struct {
	MaxCount          int    `json:"max_count,omitempty" yaml:"max_count,omitempty"`
	MaxAge            string `json:"max_age,omitempty" yaml:"max_age,omitempty"`
	PruneOnlyUploaded bool   `json:"prune_only_uploaded,omitempty" yaml:"prune_only_uploaded,omitempty"`
}

// Sink types.
const (
	SinkTypeS3   = "s3"
	SinkTypeFile = "file"
)

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultStrategy is the database capture strategy.
	DefaultStrategy = string(capture.DBStrategyAuto)
)

// ApplyDefaults fills in default values for optional fields.
//
// This should be called after loading and validating the manifest so callers
// never have to reason about empty strings.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = DefaultVersion
	}

	def := replicate.DefaultConfig()
	r := &m.Replication
	if r.MaxAttempts == 0 {
		r.MaxAttempts = def.MaxAttempts
	}
	if r.BaseDelay == "" {
		r.BaseDelay = def.BaseDelay.String()
	}
	if r.MaxDelay == "" {
		r.MaxDelay = def.MaxDelay.String()
	}
	if r.AttemptTimeout == "" {
		r.AttemptTimeout = def.AttemptTimeout.String()
	}
	// RateLimit: 0 is a valid value (unlimited), so no default needed

	for i := range m.Jobs {
		if m.Jobs[i].CaptureTimeout == "" {
			m.Jobs[i].CaptureTimeout = runner.DefaultCaptureTimeout.String()
		}
		src := &m.Jobs[i].Source
		if kind, err := capture.ParseKind(src.Type); err == nil && kind == capture.KindDatabase {
			if src.Strategy == "" {
				src.Strategy = DefaultStrategy
			}
			if src.LockWait == "" {
				src.LockWait = capture.DefaultLockWait.String()
			}
		}
	}
}

// Job returns the job with the given ID.
func (m *Manifest) Job(id string) (JobConfig, bool) {
	for _, j := range m.Jobs {
		if j.ID == id {
			return j, true
		}
	}
	return JobConfig{}, false
}
