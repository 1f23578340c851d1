package capture

import (
	"archive/tar"
	"context"
	"database/sql"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func assertNoPartials(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return
	}
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, PartialSuffix, filepath.Ext(e.Name()), "leftover partial %s", e.Name())
	}
}

func tarNames(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	return names
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"file":     KindFile,
		"DIR":      KindDirectory,
		"sqlite":   KindDatabase,
		" SQLite3": KindDatabase,
	} {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseKind("ssh")
	assert.Error(t, err)
}

func TestFileCapture(t *testing.T) {
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "notes.txt")
	writeFile(t, src, "hello world")

	out := t.TempDir()
	dest := filepath.Join(out, "job_20260101T000000Z_000000.txt")

	spec := Spec{Kind: KindFile, Path: src}
	assert.Equal(t, ".txt", File{}.Ext(spec))

	info, err := File{}.Capture(ctx, spec, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(11), info.SizeBytes)
	// sha256("hello world")
	assert.Equal(t, "sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", info.ContentHash)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assertNoPartials(t, out)
}

func TestFileCapture_Ext(t *testing.T) {
	assert.Equal(t, ".bin", File{}.Ext(Spec{Path: "/data/README"}))
	assert.Equal(t, ".bin", File{}.Ext(Spec{Path: "/data/a.b_c"}))
	assert.Equal(t, ".json", File{}.Ext(Spec{Path: "/data/state.json"}))
}

func TestFileCapture_Missing(t *testing.T) {
	out := t.TempDir()
	dest := filepath.Join(out, "artifact.txt")

	_, err := File{}.Capture(context.Background(), Spec{Kind: KindFile, Path: filepath.Join(out, "nope.txt")}, dest)
	require.Error(t, err)
	assert.True(t, IsSourceNotFound(err), "got %v", err)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
	assertNoPartials(t, out)
}

func TestFileCapture_Directory(t *testing.T) {
	_, err := File{}.Capture(context.Background(), Spec{Kind: KindFile, Path: t.TempDir()}, filepath.Join(t.TempDir(), "a.bin"))
	require.Error(t, err)
	assert.True(t, IsSourceUnreadable(err), "got %v", err)
}

func TestFileCapture_Canceled(t *testing.T) {
	src := filepath.Join(t.TempDir(), "big.bin")
	writeFile(t, src, "payload")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := t.TempDir()
	_, err := File{}.Capture(ctx, Spec{Kind: KindFile, Path: src}, filepath.Join(out, "a.bin"))
	require.Error(t, err)
	assert.True(t, IsTimeout(err), "got %v", err)
	assertNoPartials(t, out)
}

func TestDirectoryCapture_Deterministic(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "b.txt"), "bravo")
	writeFile(t, filepath.Join(src, "a", "z.txt"), "zulu")
	writeFile(t, filepath.Join(src, "a", "y.txt"), "yankee")

	// Distinct mtimes so the headers are not trivially equal.
	old := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(src, "b.txt"), old, old))

	out := t.TempDir()
	first, err := Directory{}.Capture(ctx, Spec{Kind: KindDirectory, Path: src}, filepath.Join(out, "one.tar.gz"))
	require.NoError(t, err)
	second, err := Directory{}.Capture(ctx, Spec{Kind: KindDirectory, Path: src}, filepath.Join(out, "two.tar.gz"))
	require.NoError(t, err)

	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.Equal(t, first.SizeBytes, second.SizeBytes)

	names := tarNames(t, filepath.Join(out, "one.tar.gz"))
	assert.Equal(t, []string{"a/", "a/y.txt", "a/z.txt", "b.txt"}, names)
	assert.True(t, sort.StringsAreSorted(names))
	assertNoPartials(t, out)
}

func TestDirectoryCapture_Excludes(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "keep.txt"), "k")
	writeFile(t, filepath.Join(src, "cache", "x.tmp"), "x")
	writeFile(t, filepath.Join(src, "logs", "app.log"), "l")
	writeFile(t, filepath.Join(src, "logs", "keep.txt"), "k")

	out := t.TempDir()
	spec := Spec{Kind: KindDirectory, Path: src, Excludes: []string{"cache", "**/*.log"}}
	_, err := Directory{}.Capture(context.Background(), spec, filepath.Join(out, "a.tar.gz"))
	require.NoError(t, err)

	names := tarNames(t, filepath.Join(out, "a.tar.gz"))
	assert.Equal(t, []string{"keep.txt", "logs/", "logs/keep.txt"}, names)
}

func TestDirectoryCapture_InvalidExclude(t *testing.T) {
	spec := Spec{Kind: KindDirectory, Path: t.TempDir(), Excludes: []string{"[unclosed"}}
	_, err := Directory{}.Capture(context.Background(), spec, filepath.Join(t.TempDir(), "a.tar.gz"))
	require.Error(t, err)
}

func TestDirectoryCapture_SymlinkCycle(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "sub", "f.txt"), "f")
	if err := os.Symlink("..", filepath.Join(src, "sub", "up")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	out := t.TempDir()
	_, err := Directory{}.Capture(context.Background(), Spec{Kind: KindDirectory, Path: src}, filepath.Join(out, "a.tar.gz"))
	require.Error(t, err)
	assert.True(t, IsSourceCycle(err), "got %v", err)
	assertNoPartials(t, out)
}

func TestDirectoryCapture_DanglingSymlink(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "f.txt"), "f")
	if err := os.Symlink("missing-target", filepath.Join(src, "dangling")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	out := t.TempDir()
	_, err := Directory{}.Capture(context.Background(), Spec{Kind: KindDirectory, Path: src}, filepath.Join(out, "a.tar.gz"))
	require.NoError(t, err)
	assert.Equal(t, []string{"dangling", "f.txt"}, tarNames(t, filepath.Join(out, "a.tar.gz")))
}

func TestDirectoryCapture_MissingRoot(t *testing.T) {
	out := t.TempDir()
	dest := filepath.Join(out, "a.tar.gz")
	_, err := Directory{}.Capture(context.Background(), Spec{Kind: KindDirectory, Path: filepath.Join(out, "gone")}, dest)
	require.Error(t, err)
	assert.True(t, IsSourceNotFound(err), "got %v", err)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
	assertNoPartials(t, out)
}

func createDB(t *testing.T, path string, rows int) {
	t.Helper()
	db, err := sql.Open(driverLibsql, "file:"+path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = db.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)
	for i := 0; i < rows; i++ {
		_, err = db.Exec(`INSERT INTO items (name) VALUES (?)`, "item")
		require.NoError(t, err)
	}
}

func countRows(t *testing.T, path string) int {
	t.Helper()
	db, err := sql.Open(driverLibsql, "file:"+path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n))
	return n
}

func TestDatabaseCapture_Strategies(t *testing.T) {
	for _, strategy := range []DBStrategy{DBStrategyAuto, DBStrategyBackup, DBStrategyLock} {
		t.Run(string(strategy), func(t *testing.T) {
			src := filepath.Join(t.TempDir(), "app.db")
			createDB(t, src, 25)

			out := t.TempDir()
			dest := filepath.Join(out, "app_20260101T000000Z_000000.db")
			spec := Spec{Kind: KindDatabase, Path: src, Strategy: strategy, LockWait: 2 * time.Second}

			info, err := Database{}.Capture(context.Background(), spec, dest)
			require.NoError(t, err)
			assert.Greater(t, info.SizeBytes, int64(0))

			hashed, err := HashFile(context.Background(), dest)
			require.NoError(t, err)
			assert.Equal(t, hashed.ContentHash, info.ContentHash)

			assert.Equal(t, 25, countRows(t, dest))
			assertNoPartials(t, out)
		})
	}
}

func TestDatabaseCapture_Missing(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "absent.db")

	_, err := Database{}.Capture(context.Background(), Spec{Kind: KindDatabase, Path: src}, filepath.Join(dir, "out.db"))
	require.Error(t, err)
	assert.True(t, IsSourceNotFound(err), "got %v", err)

	// The capture must not create the missing database.
	_, statErr := os.Stat(src)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDatabaseCapture_Locked(t *testing.T) {
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "busy.db")
	createDB(t, src, 3)

	holder, err := sql.Open(driverLibsql, "file:"+src)
	require.NoError(t, err)
	defer func() { _ = holder.Close() }()

	conn, err := holder.Conn(ctx)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = conn.ExecContext(ctx, "BEGIN EXCLUSIVE")
	require.NoError(t, err)
	defer func() { _, _ = conn.ExecContext(ctx, "ROLLBACK") }()

	for _, strategy := range []DBStrategy{DBStrategyBackup, DBStrategyLock} {
		t.Run(string(strategy), func(t *testing.T) {
			out := t.TempDir()
			dest := filepath.Join(out, "busy.db")
			spec := Spec{Kind: KindDatabase, Path: src, Strategy: strategy, LockWait: 200 * time.Millisecond}

			_, err := Database{}.Capture(ctx, spec, dest)
			require.Error(t, err)
			assert.True(t, IsSourceLocked(err), "got %v", err)

			_, statErr := os.Stat(dest)
			assert.True(t, os.IsNotExist(statErr))
			assertNoPartials(t, out)
		})
	}
}

func TestForKind(t *testing.T) {
	for _, k := range []Kind{KindFile, KindDirectory, KindDatabase} {
		c, err := ForKind(k)
		require.NoError(t, err)
		assert.NotNil(t, c)
	}
	_, err := ForKind("ssh")
	assert.Error(t, err)
}
