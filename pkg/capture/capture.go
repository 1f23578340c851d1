// Package capture produces archive artifacts from local data sources.
//
// Each source kind (file, directory, database) is a Capturer. Capturers write
// to a ".partial" sibling of the destination and rename into place only after
// the bytes are flushed and hashed, so a failed capture never leaves a file at
// the destination path.
package capture

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/gostow/pkg/artifact"
)

// PartialSuffix marks in-progress capture output.
const PartialSuffix = ".partial"

// Kind identifies a source capability.
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
	KindDatabase  Kind = "database"
)

var kindAliases = map[string]Kind{
	"file":      KindFile,
	"directory": KindDirectory,
	"dir":       KindDirectory,
	"database":  KindDatabase,
	"sqlite":    KindDatabase,
	"sqlite3":   KindDatabase,
}

// ParseKind resolves a configured source type, case-insensitively.
func ParseKind(s string) (Kind, error) {
	k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%q is not a valid source type", s)
	}
	return k, nil
}

// DBStrategy selects how a database snapshot is taken.
type DBStrategy string

const (
	// DBStrategyAuto uses the native online snapshot and falls back to
	// DBStrategyLock when the engine does not support it.
	DBStrategyAuto DBStrategy = "auto"

	// DBStrategyBackup uses only the native online snapshot.
	DBStrategyBackup DBStrategy = "backup"

	// DBStrategyLock blocks writers and copies the database file.
	DBStrategyLock DBStrategy = "lock"
)

// DefaultLockWait bounds how long a database capture waits on a busy source.
const DefaultLockWait = 30 * time.Second

// Spec is the source-specific configuration of a job.
type Spec struct {
	Kind Kind
	Path string

	// Excludes are doublestar patterns matched against slash-separated paths
	// relative to a directory source.
	Excludes []string

	// Strategy and LockWait apply to database sources.
	Strategy DBStrategy
	LockWait time.Duration
}

// Info describes a finished capture.
type Info struct {
	SizeBytes   int64
	ContentHash string
}

// Capturer produces one artifact at destPath from spec.
//
// On success the file at destPath is complete and Info.ContentHash was
// computed over its bytes. On failure nothing exists at destPath. Source-side
// failures are returned as *Error; failures writing the artifact itself are
// returned wrapped as-is.
type Capturer interface {
	Capture(ctx context.Context, spec Spec, destPath string) (Info, error)

	// Ext is the artifact file extension for spec, including the dot.
	Ext(spec Spec) string
}

// ForKind returns the Capturer for k.
func ForKind(k Kind) (Capturer, error) {
	switch k {
	case KindFile:
		return File{}, nil
	case KindDirectory:
		return Directory{}, nil
	case KindDatabase:
		return Database{}, nil
	default:
		return nil, fmt.Errorf("unsupported source kind %q", k)
	}
}

// writeArtifact runs fill against a fresh partial file and promotes it to
// destPath on success.
func writeArtifact(ctx context.Context, destPath string, fill func(w io.Writer) error) (Info, error) {
	partial := destPath + PartialSuffix
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return Info{}, fmt.Errorf("create artifact dir: %w", err)
	}

	// A stale partial can only be left by a crashed capture of this same name.
	_ = os.Remove(partial)
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return Info{}, fmt.Errorf("create partial artifact: %w", err)
	}

	fillErr := fill(f)
	if fillErr == nil {
		fillErr = f.Sync()
	}
	closeErr := f.Close()
	if fillErr != nil {
		_ = os.Remove(partial)
		return Info{}, fillErr
	}
	if closeErr != nil {
		_ = os.Remove(partial)
		return Info{}, fmt.Errorf("close partial artifact: %w", closeErr)
	}

	return promote(ctx, partial, destPath)
}

// promote hashes a finished partial file and renames it to destPath.
func promote(ctx context.Context, partial, destPath string) (Info, error) {
	info, err := hashFile(ctx, partial)
	if err != nil {
		_ = os.Remove(partial)
		return Info{}, classify("", err)
	}
	if err := os.Rename(partial, destPath); err != nil {
		_ = os.Remove(partial)
		return Info{}, fmt.Errorf("promote artifact: %w", err)
	}
	return info, nil
}

// HashFile computes the size and content hash of the file at path.
func HashFile(ctx context.Context, path string) (Info, error) {
	return hashFile(ctx, path)
}

func hashFile(ctx context.Context, path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, contextReader{ctx: ctx, r: f})
	if err != nil {
		return Info{}, err
	}
	return Info{SizeBytes: n, ContentHash: artifact.FormatHash(h.Sum(nil))}, nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// copyFrom copies src into w honouring ctx. Read failures are reported
// against srcPath; write failures are returned as-is.
func copyFrom(ctx context.Context, w io.Writer, src io.Reader, srcPath string) error {
	buf := make([]byte, 256<<10)
	r := contextReader{ctx: ctx, r: src}
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write artifact: %w", werr)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return classify(srcPath, rerr)
		}
	}
}
