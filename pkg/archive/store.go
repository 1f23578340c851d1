// Package archive is the local on-disk artifact store.
//
// Directory layout:
//
//	<root>/<job_id>/<name>              artifact bytes
//	<root>/<job_id>/<name>.meta.json    artifact record (sidecar)
//
// The sidecar is the commit point: an artifact is visible to readers iff its
// sidecar exists. Sidecars are written with temp file + rename, and deleted
// before the data file on prune.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/3leaps/gostow/pkg/artifact"
	"github.com/3leaps/gostow/pkg/capture"
)

// SidecarSuffix is appended to an artifact file name to form its record path.
const SidecarSuffix = ".meta.json"

const sidecarTempInfix = SidecarSuffix + ".tmp."

// ErrNotFound is returned when an artifact has no sidecar.
var ErrNotFound = errors.New("artifact not found")

// Store persists artifacts and their records under a root directory.
//
// Jobs live in separate subdirectories and need no shared lock; the store
// serializes sidecar rewrites per job.
type Store struct {
	root  string
	namer *artifact.Namer
	clock clock.Clock

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for retention age checks.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithNamer shares a namer between stores rooted at the same directory.
func WithNamer(n *artifact.Namer) Option {
	return func(s *Store) { s.namer = n }
}

func NewStore(root string, opts ...Option) *Store {
	s := &Store{
		root:  strings.TrimSpace(root),
		namer: artifact.NewNamer(),
		clock: clock.WallClock,
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

// Path returns the data file path of an artifact.
func (s *Store) Path(jobID, name string) string {
	return filepath.Join(s.JobDir(jobID), name)
}

func (s *Store) sidecarPath(jobID, name string) string {
	return s.Path(jobID, name) + SidecarSuffix
}

func (s *Store) jobLock(jobID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[jobID] = l
	}
	return l
}

func (s *Store) ensureJobDir(jobID string) error {
	if s.root == "" {
		return fmt.Errorf("archive root dir is empty")
	}
	if err := artifact.ValidateJobID(jobID); err != nil {
		return err
	}
	if err := os.MkdirAll(s.JobDir(jobID), 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	return nil
}

// Allocate reserves a fresh artifact name for jobID at ts and returns it with
// the data file path the capture should write to. Names already present on
// disk (from an earlier process) are skipped.
func (s *Store) Allocate(jobID string, ts time.Time, ext string) (string, string, error) {
	if err := s.ensureJobDir(jobID); err != nil {
		return "", "", err
	}
	for {
		name := s.namer.Name(jobID, ts, ext)
		path := s.Path(jobID, name)
		if !exists(path) && !exists(path+SidecarSuffix) && !exists(path+capture.PartialSuffix) {
			return name, path, nil
		}
	}
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// Register commits a captured artifact by writing its sidecar. The data file
// must already be in place.
func (s *Store) Register(ctx context.Context, a artifact.Artifact) (artifact.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return artifact.Artifact{}, err
	}
	if err := artifact.ValidateJobID(a.JobID); err != nil {
		return artifact.Artifact{}, err
	}
	if strings.TrimSpace(a.Name) == "" {
		return artifact.Artifact{}, fmt.Errorf("artifact name is required")
	}
	if !strings.HasPrefix(a.ContentHash, artifact.HashAlgorithm+":") {
		return artifact.Artifact{}, fmt.Errorf("artifact %s: content hash %q is not %s", a.Name, a.ContentHash, artifact.HashAlgorithm)
	}

	a.LocalPath = s.Path(a.JobID, a.Name)
	st, err := os.Stat(a.LocalPath)
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("artifact %s: %w", a.Name, err)
	}
	if a.SizeBytes == 0 {
		a.SizeBytes = st.Size()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock.Now().UTC()
	}
	if a.UploadState == "" {
		a.UploadState = artifact.UploadPending
	}

	lock := s.jobLock(a.JobID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.writeSidecar(a); err != nil {
		return artifact.Artifact{}, err
	}
	return a, nil
}

func (s *Store) writeSidecar(a artifact.Artifact) error {
	jobDir := s.JobDir(a.JobID)

	b, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal artifact record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(jobDir, a.Name+sidecarTempInfix+"*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp record: %w", err)
	}

	if err := os.Rename(tmpName, s.sidecarPath(a.JobID, a.Name)); err != nil {
		return fmt.Errorf("rename artifact record: %w", err)
	}
	return nil
}

// Get loads one artifact record.
func (s *Store) Get(jobID, name string) (artifact.Artifact, error) {
	b, err := os.ReadFile(s.sidecarPath(jobID, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return artifact.Artifact{}, fmt.Errorf("%w: %s/%s", ErrNotFound, jobID, name)
		}
		return artifact.Artifact{}, fmt.Errorf("read artifact record: %w", err)
	}

	var a artifact.Artifact
	if err := json.Unmarshal(b, &a); err != nil {
		return artifact.Artifact{}, fmt.Errorf("parse artifact record %s: %w", name, err)
	}
	a.LocalPath = s.Path(jobID, name)
	return a, nil
}

// List yields the committed artifacts of jobID, oldest first.
//
// The sequence is lazy and restartable: every iteration rescans the job
// directory. Artifacts pruned between the scan and the read are skipped.
func (s *Store) List(jobID string) iter.Seq2[artifact.Artifact, error] {
	return func(yield func(artifact.Artifact, error) bool) {
		names, err := s.names(jobID)
		if err != nil {
			yield(artifact.Artifact{}, err)
			return
		}
		for _, name := range names {
			a, err := s.Get(jobID, name)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if !yield(a, err) {
				return
			}
		}
	}
}

// names returns the committed artifact names of jobID in lexical order, which
// is creation order for names produced by the namer.
func (s *Store) names(jobID string) ([]string, error) {
	entries, err := os.ReadDir(s.JobDir(jobID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read job dir: %w", err)
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), SidecarSuffix) {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), SidecarSuffix))
	}
	sort.Strings(out)
	return out, nil
}

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq iter.Seq2[artifact.Artifact, error]) ([]artifact.Artifact, error) {
	var out []artifact.Artifact
	for a, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Jobs returns the IDs of every job with a directory under the root.
func (s *Store) Jobs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read archive root: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() || artifact.ValidateJobID(e.Name()) != nil {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// ListAll returns the artifacts of every job ordered by creation time.
func (s *Store) ListAll(ctx context.Context) ([]artifact.Artifact, error) {
	jobs, err := s.Jobs()
	if err != nil {
		return nil, err
	}
	var out []artifact.Artifact
	for _, jobID := range jobs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		list, err := Collect(s.List(jobID))
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", jobID, err)
		}
		out = append(out, list...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// SetUploadState records a replication outcome on an artifact record.
func (s *Store) SetUploadState(ctx context.Context, jobID, name string, u artifact.UploadUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !u.State.Valid() {
		return fmt.Errorf("invalid upload state %q", u.State)
	}

	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	a, err := s.Get(jobID, name)
	if err != nil {
		return err
	}
	u.Apply(&a)
	return s.writeSidecar(a)
}

// delete removes an artifact, sidecar first. The caller holds the job lock.
func (s *Store) delete(jobID, name string) error {
	if err := os.Remove(s.sidecarPath(jobID, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove artifact record: %w", err)
	}
	if err := os.Remove(s.Path(jobID, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove artifact data: %w", err)
	}
	return nil
}

// SweepOrphans removes what crashed runs leave behind in a job directory:
// partial captures, temp sidecars, data files that were never registered and
// records whose data file is gone. It must not run while a capture for the
// job is in progress.
func (s *Store) SweepOrphans(ctx context.Context, jobID string) ([]string, error) {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.JobDir(jobID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read job dir: %w", err)
	}

	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		present[e.Name()] = true
	}

	var removed []string
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		name := e.Name()
		if e.IsDir() {
			continue
		}

		var orphan bool
		switch {
		case strings.HasSuffix(name, capture.PartialSuffix):
			orphan = true
		case strings.Contains(name, sidecarTempInfix):
			orphan = true
		case strings.HasSuffix(name, SidecarSuffix):
			orphan = !present[strings.TrimSuffix(name, SidecarSuffix)]
		default:
			orphan = !present[name+SidecarSuffix]
		}
		if !orphan {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("remove orphan %s: %w", name, err)
		}
		removed = append(removed, name)
	}
	return removed, nil
}
