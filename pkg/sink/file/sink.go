// Package file implements sink.Sink as a local directory mirror, typically a
// NAS or removable disk mount.
package file

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/gostow/pkg/artifact"
	"github.com/3leaps/gostow/pkg/sink"
)

// Sink writes objects as files under BaseDir. Keys are treated as relative
// slash-separated paths.
type Sink struct {
	name    string
	baseDir string
}

// Ensure Sink implements the interfaces.
var (
	_ sink.Sink   = (*Sink)(nil)
	_ sink.Stater = (*Sink)(nil)
)

type Config struct {
	Name    string
	BaseDir string

	// CreateBaseDir creates a missing BaseDir instead of failing. Leave it
	// off for mount points so an unmounted share is not silently filled.
	CreateBaseDir bool
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("sink name is required")
	}
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

func New(cfg Config) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := filepath.Clean(cfg.BaseDir)
	if cfg.CreateBaseDir {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return nil, fmt.Errorf("create base dir: %w", err)
		}
	}
	return &Sink{name: cfg.Name, baseDir: base}, nil
}

func (s *Sink) Name() string { return s.name }

func (s *Sink) Close() error { return nil }

func (s *Sink) Put(ctx context.Context, obj sink.Object) error {
	if err := ctx.Err(); err != nil {
		return s.wrapError("Put", obj.Key, err)
	}
	if st, err := os.Stat(s.baseDir); err != nil || !st.IsDir() {
		if err == nil {
			err = fmt.Errorf("%s is not a directory", s.baseDir)
		}
		return s.wrapError("Put", obj.Key, fmt.Errorf("%w: %w", sink.ErrBucketNotFound, err))
	}

	full, err := s.fullPath(obj.Key)
	if err != nil {
		return &sink.Error{Kind: sink.Permanent, Op: "Put", Sink: s.name, Key: obj.Key, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return s.wrapError("Put", obj.Key, err)
	}
	if _, err := obj.Body.Seek(0, io.SeekStart); err != nil {
		return s.wrapError("Put", obj.Key, fmt.Errorf("rewind body: %w", err))
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".gostow-put-*")
	if err != nil {
		return s.wrapError("Put", obj.Key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), readerCtx{ctx: ctx, r: obj.Body})
	if err != nil {
		return s.wrapError("Put", obj.Key, err)
	}
	if obj.Size > 0 && n != obj.Size {
		return s.wrapError("Put", obj.Key, fmt.Errorf("short body: wrote %d of %d bytes", n, obj.Size))
	}
	if obj.ContentHash != "" {
		if got := artifact.FormatHash(h.Sum(nil)); got != obj.ContentHash {
			return s.wrapError("Put", obj.Key, fmt.Errorf("content hash mismatch: got %s want %s", got, obj.ContentHash))
		}
	}
	if err := tmp.Sync(); err != nil {
		return s.wrapError("Put", obj.Key, err)
	}
	if err := tmp.Close(); err != nil {
		return s.wrapError("Put", obj.Key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return s.wrapError("Put", obj.Key, err)
	}
	return nil
}

// Stat hashes the stored file; the mirror keeps no separate metadata.
func (s *Sink) Stat(ctx context.Context, key string) (sink.ObjectInfo, error) {
	full, err := s.fullPath(key)
	if err != nil {
		return sink.ObjectInfo{}, &sink.Error{Kind: sink.Permanent, Op: "Stat", Sink: s.name, Key: key, Err: err}
	}
	f, err := os.Open(full)
	if err != nil {
		return sink.ObjectInfo{}, s.wrapError("Stat", key, err)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return sink.ObjectInfo{}, s.wrapError("Stat", key, err)
	}
	h := sha256.New()
	if _, err := io.Copy(h, readerCtx{ctx: ctx, r: f}); err != nil {
		return sink.ObjectInfo{}, s.wrapError("Stat", key, err)
	}
	return sink.ObjectInfo{
		Key:          key,
		Size:         st.Size(),
		ContentHash:  artifact.FormatHash(h.Sum(nil)),
		LastModified: st.ModTime().UTC(),
	}, nil
}

func (s *Sink) fullPath(key string) (string, error) {
	key = strings.TrimSpace(key)
	key = strings.TrimPrefix(key, "/")
	// Prevent path traversal.
	clean := filepath.Clean("/" + key)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key path %q", key)
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(clean)), nil
}

func (s *Sink) wrapError(op, key string, err error) error {
	wrapped := &sink.Error{Op: op, Sink: s.name, Key: key, Err: err}
	// Normalize common filesystem errors to sink sentinels.
	switch {
	case errors.Is(err, sink.ErrBucketNotFound):
	case os.IsNotExist(err):
		wrapped.Err = fmt.Errorf("%w: %w", sink.ErrNotFound, err)
	case os.IsPermission(err):
		wrapped.Err = fmt.Errorf("%w: %w", sink.ErrAccessDenied, err)
	}
	return wrapped
}

type readerCtx struct {
	ctx context.Context
	r   io.Reader
}

func (r readerCtx) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
