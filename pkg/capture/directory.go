package capture

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/gzip"
)

// Directory packages a directory tree into a gzip-compressed tar.
//
// Output is deterministic: entries are written in lexical order of their
// slash-separated relative path, headers carry no ownership or access times,
// and the gzip header has no name or timestamp. Two captures of an unchanged
// tree are byte-identical.
type Directory struct{}

var _ Capturer = Directory{}

func (Directory) Ext(Spec) string { return ".tar.gz" }

// dirEntry is one collected tree member.
type dirEntry struct {
	rel  string
	abs  string
	info os.FileInfo
	link string // dangling symlink target
}

func (Directory) Capture(ctx context.Context, spec Spec, destPath string) (Info, error) {
	for _, pattern := range spec.Excludes {
		if !doublestar.ValidatePattern(pattern) {
			return Info{}, fmt.Errorf("invalid exclude pattern %q", pattern)
		}
	}

	root := filepath.Clean(spec.Path)
	st, err := os.Stat(root)
	if err != nil {
		return Info{}, classify(root, err)
	}
	if !st.IsDir() {
		return Info{}, &Error{Kind: KindSourceUnreadable, Path: root, Err: fmt.Errorf("not a directory")}
	}

	w := &treeWalker{ctx: ctx, root: root, excludes: spec.Excludes}
	if err := w.walk(root, "", nil); err != nil {
		return Info{}, w.rootAware(err)
	}
	sort.Slice(w.entries, func(i, j int) bool { return w.entries[i].rel < w.entries[j].rel })

	info, err := writeArtifact(ctx, destPath, func(out io.Writer) error {
		return writeTarGz(ctx, out, w.entries)
	})
	if err != nil {
		return Info{}, w.rootAware(err)
	}
	return info, nil
}

type treeWalker struct {
	ctx      context.Context
	root     string
	excludes []string
	entries  []dirEntry
}

// rootAware reports a vanished source root as SourceNotFound even when the
// failure surfaced on a descendant.
func (w *treeWalker) rootAware(err error) error {
	if _, statErr := os.Stat(w.root); errors.Is(statErr, os.ErrNotExist) {
		return &Error{Kind: KindSourceNotFound, Path: w.root, Err: err}
	}
	return err
}

func (w *treeWalker) excluded(rel string) bool {
	for _, pattern := range w.excludes {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// walk collects the members of dir. ancestors holds the resolved paths of the
// directories on the current path, which is what makes a symlink loop
// detectable.
func (w *treeWalker) walk(dir, rel string, ancestors []string) error {
	if err := w.ctx.Err(); err != nil {
		return classify(dir, err)
	}

	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return classify(dir, err)
	}
	for _, a := range ancestors {
		if a == resolved {
			return &Error{Kind: KindSourceCycle, Path: dir, Err: fmt.Errorf("symlink loop back to %s", resolved)}
		}
	}
	ancestors = append(ancestors, resolved)

	children, err := os.ReadDir(dir)
	if err != nil {
		return classify(dir, err)
	}

	for _, child := range children {
		childAbs := filepath.Join(dir, child.Name())
		childRel := child.Name()
		if rel != "" {
			childRel = path.Join(rel, child.Name())
		}
		if w.excluded(childRel) {
			continue
		}

		info, err := os.Stat(childAbs) // follows symlinks
		if errors.Is(err, syscall.ELOOP) {
			return &Error{Kind: KindSourceCycle, Path: childAbs, Err: err}
		}
		if err != nil {
			if child.Type()&os.ModeSymlink != 0 && errors.Is(err, os.ErrNotExist) {
				target, lerr := os.Readlink(childAbs)
				if lerr != nil {
					return classify(childAbs, lerr)
				}
				lst, lerr := os.Lstat(childAbs)
				if lerr != nil {
					return classify(childAbs, lerr)
				}
				w.entries = append(w.entries, dirEntry{rel: childRel, abs: childAbs, info: lst, link: target})
				continue
			}
			return classify(childAbs, err)
		}

		switch {
		case info.IsDir():
			w.entries = append(w.entries, dirEntry{rel: childRel + "/", abs: childAbs, info: info})
			if err := w.walk(childAbs, childRel, ancestors); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			w.entries = append(w.entries, dirEntry{rel: childRel, abs: childAbs, info: info})
		default:
			// Sockets, devices and pipes have no archivable content.
		}
	}
	return nil
}

func writeTarGz(ctx context.Context, out io.Writer, entries []dirEntry) error {
	gz, err := gzip.NewWriterLevel(out, gzip.DefaultCompression)
	if err != nil {
		return fmt.Errorf("create gzip writer: %w", err)
	}
	tw := tar.NewWriter(gz)

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return classify(e.abs, err)
		}
		if err := writeTarEntry(ctx, tw, e); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip stream: %w", err)
	}
	return nil
}

func writeTarEntry(ctx context.Context, tw *tar.Writer, e dirEntry) error {
	hdr := &tar.Header{
		Name:    e.rel,
		Mode:    int64(e.info.Mode().Perm()),
		ModTime: e.info.ModTime().UTC().Truncate(time.Second),
	}
	switch {
	case e.link != "":
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = e.link
	case e.info.IsDir():
		hdr.Typeflag = tar.TypeDir
	default:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = e.info.Size()
	}

	if hdr.Typeflag != tar.TypeReg {
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write tar header: %w", err)
		}
		return nil
	}

	f, err := os.Open(e.abs)
	if err != nil {
		return classify(e.abs, err)
	}
	defer func() { _ = f.Close() }()

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	// The header already promised hdr.Size bytes; a file that changed size
	// since the walk makes the archive unusable.
	n, err := io.CopyN(tw, contextReader{ctx: ctx, r: f}, hdr.Size)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return &Error{Kind: KindSourceUnreadable, Path: e.abs, Err: fmt.Errorf("file shrank during capture: copied %d of %d bytes", n, hdr.Size)}
		}
		return classify(e.abs, err)
	}
	return nil
}
