package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/gostow/internal/assets/schemas"
	"github.com/3leaps/gostow/pkg/capture"
	"github.com/3leaps/gostow/pkg/schedule"
)

// SchemaID is the schema identifier for backup manifests.
const SchemaID = "gostow/v1.0.0/backup-manifest"

// Validation errors
var (
	// ErrSchemaNotFound indicates the schema file could not be located.
	ErrSchemaNotFound = errors.New("manifest schema not found")

	// ErrValidationFailed indicates the manifest failed schema validation.
	ErrValidationFailed = errors.New("manifest validation failed")
)

// Cached validator instance (compiled once from embedded schema)
var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g., "/jobs/0/schedule").
	Path string

	// Message describes the validation failure.
	Message string
}

// Error implements error interface.
func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString("manifest validation failed with ")
	b.WriteString(fmt.Sprintf("%d errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error type.
func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Validate checks the manifest against the JSON schema and then runs the
// semantic checks the schema cannot express.
//
// Returns nil if validation succeeds, or a ValidationErrors with details
// about all validation failures.
//
// Note: This validates the struct representation, which loses unknown fields.
// For strict validation including additionalProperties checks, use ValidateRaw
// on the original input data.
func Validate(m *Manifest) error {
	// Convert manifest to JSON for schema validation
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize manifest for validation: %w", err)
	}

	if err := ValidateRaw(data); err != nil {
		return err
	}
	return Check(m)
}

// Check runs semantic validation: unique IDs, resolvable sink references,
// parseable schedules, durations, source types and exclude patterns.
func Check(m *Manifest) error {
	var errs ValidationErrors
	add := func(path, format string, args ...any) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	sinks := make(map[string]bool, len(m.Sinks))
	for i, s := range m.Sinks {
		if sinks[s.Name] {
			add(fmt.Sprintf("/sinks/%d/name", i), "duplicate sink name %q", s.Name)
		}
		sinks[s.Name] = true
	}

	r := m.Replication
	for _, d := range []struct{ field, value string }{
		{"base_delay", r.BaseDelay},
		{"max_delay", r.MaxDelay},
		{"attempt_timeout", r.AttemptTimeout},
	} {
		if _, err := parseDuration(d.value); err != nil {
			add("/replication/"+d.field, "%v", err)
		}
	}

	jobs := make(map[string]bool, len(m.Jobs))
	for i, j := range m.Jobs {
		at := func(field string) string { return fmt.Sprintf("/jobs/%d/%s", i, field) }

		if jobs[j.ID] {
			add(at("id"), "duplicate job id %q", j.ID)
		}
		jobs[j.ID] = true

		kind, err := capture.ParseKind(j.Source.Type)
		if err != nil {
			add(at("source/type"), "%v", err)
		}
		if len(j.Source.Excludes) > 0 && kind != capture.KindDirectory && err == nil {
			add(at("source/excludes"), "excludes apply only to directory sources")
		}
		for k, pattern := range j.Source.Excludes {
			if !doublestar.ValidatePattern(pattern) {
				add(at(fmt.Sprintf("source/excludes/%d", k)), "invalid exclude pattern %q", pattern)
			}
		}
		if _, err := parseDuration(j.Source.LockWait); err != nil {
			add(at("source/lock_wait"), "%v", err)
		}

		if _, err := schedule.Parse(j.Schedule); err != nil {
			add(at("schedule"), "%v", err)
		}
		if _, err := parseDuration(j.Retention.MaxAge); err != nil {
			add(at("retention/max_age"), "%v", err)
		}
		if _, err := parseDuration(j.CaptureTimeout); err != nil {
			add(at("capture_timeout"), "%v", err)
		}
		if j.Sink != "" && !sinks[j.Sink] {
			add(at("sink"), "unknown sink %q", j.Sink)
		}
		if j.Prefix != "" && j.Sink == "" {
			add(at("prefix"), "prefix requires a sink")
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// ValidateRaw checks raw JSON data against the embedded manifest schema.
// Unlike Validate it sees unknown fields, so additionalProperties violations
// are reported.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if len(diags) == 0 {
		return nil
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{
				Path:    d.Pointer,
				Message: d.Message,
			})
		}
	}

	if len(errs) == 0 {
		return nil
	}

	return errs
}

// getValidator compiles the embedded schema once.
func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.BackupManifestSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded backup-manifest schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.BackupManifestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile manifest schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
