// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so manifest validation works
// regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// BackupManifestSchema is the embedded backup-manifest JSON schema.
//
//go:embed backup-manifest.schema.json
var BackupManifestSchema []byte
