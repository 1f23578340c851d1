package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// File copies a single source file byte-for-byte.
type File struct{}

var _ Capturer = File{}

// Ext keeps the source file's extension so artifacts stay recognisable.
func (File) Ext(spec Spec) string {
	ext := filepath.Ext(spec.Path)
	if ext == "" || strings.ContainsAny(ext, `/\ _`) {
		return ".bin"
	}
	return ext
}

func (File) Capture(ctx context.Context, spec Spec, destPath string) (Info, error) {
	src, err := os.Open(spec.Path)
	if err != nil {
		return Info{}, classify(spec.Path, err)
	}
	defer func() { _ = src.Close() }()

	st, err := src.Stat()
	if err != nil {
		return Info{}, classify(spec.Path, err)
	}
	if !st.Mode().IsRegular() {
		return Info{}, &Error{Kind: KindSourceUnreadable, Path: spec.Path, Err: fmt.Errorf("not a regular file")}
	}

	return writeArtifact(ctx, destPath, func(w io.Writer) error {
		return copyFrom(ctx, w, src, spec.Path)
	})
}
