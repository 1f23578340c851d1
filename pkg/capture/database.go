package capture

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// errNativeUnsupported marks an engine without an online snapshot facility.
var errNativeUnsupported = errors.New("native online snapshot not supported")

// Database snapshots an embedded SQLite database without copying a file that
// is mid-transaction.
//
// The native path runs VACUUM INTO, which writes a consistent copy from a
// single read transaction. The lock path blocks writers with BEGIN IMMEDIATE
// (after checkpointing a WAL) and copies the main database file. Both wait at
// most Spec.LockWait on a busy database before failing with SourceLocked.
type Database struct{}

var _ Capturer = Database{}

func (Database) Ext(Spec) string { return ".db" }

func (Database) Capture(ctx context.Context, spec Spec, destPath string) (Info, error) {
	srcPath := filepath.Clean(spec.Path)
	st, err := os.Stat(srcPath)
	if err != nil {
		return Info{}, classify(srcPath, err)
	}
	if !st.Mode().IsRegular() {
		return Info{}, &Error{Kind: KindSourceUnreadable, Path: srcPath, Err: fmt.Errorf("not a regular file")}
	}

	wait := spec.LockWait
	if wait <= 0 {
		wait = DefaultLockWait
	}
	strategy := spec.Strategy
	if strategy == "" {
		strategy = DBStrategyAuto
	}

	db, err := openSource(ctx, srcPath, wait)
	if err != nil {
		return Info{}, err
	}
	defer func() { _ = db.Close() }()

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return Info{}, fmt.Errorf("create artifact dir: %w", err)
	}
	partial := destPath + PartialSuffix
	_ = os.Remove(partial)

	switch strategy {
	case DBStrategyBackup:
		err = snapshotNative(ctx, db, srcPath, partial)
	case DBStrategyLock:
		err = snapshotLocked(ctx, db, srcPath, partial, wait)
	case DBStrategyAuto:
		err = snapshotNative(ctx, db, srcPath, partial)
		if errors.Is(err, errNativeUnsupported) {
			_ = os.Remove(partial)
			err = snapshotLocked(ctx, db, srcPath, partial, wait)
		}
	default:
		err = fmt.Errorf("unknown database strategy %q", strategy)
	}
	if err != nil {
		_ = os.Remove(partial)
		return Info{}, err
	}

	return promote(ctx, partial, destPath)
}

// openSource opens the database on a single connection with a busy timeout
// of wait. The database file is never reconfigured.
func openSource(ctx context.Context, path string, wait time.Duration) (*sql.DB, error) {
	db, err := sql.Open(driverLibsql, "file:"+path)
	if err != nil {
		return nil, &Error{Kind: KindSourceUnreadable, Path: path, Err: fmt.Errorf("open database: %w", err)}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, dbError(path, err)
	}

	var busyTimeout int
	stmt := fmt.Sprintf("PRAGMA busy_timeout=%d", wait.Milliseconds())
	if err := db.QueryRowContext(ctx, stmt).Scan(&busyTimeout); err != nil {
		_ = db.Close()
		return nil, dbError(path, fmt.Errorf("set busy timeout: %w", err))
	}
	return db, nil
}

func snapshotNative(ctx context.Context, db *sql.DB, srcPath, partial string) error {
	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", partial); err != nil {
		if isUnsupported(err) {
			return fmt.Errorf("%w: %v", errNativeUnsupported, err)
		}
		return dbError(srcPath, err)
	}
	return nil
}

func snapshotLocked(ctx context.Context, db *sql.DB, srcPath, partial string, wait time.Duration) error {
	deadline := time.Now().Add(wait)

	conn, err := db.Conn(ctx)
	if err != nil {
		return dbError(srcPath, err)
	}
	defer func() { _ = conn.Close() }()

	var mode string
	if err := conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		return dbError(srcPath, fmt.Errorf("read journal mode: %w", err))
	}
	wal := strings.EqualFold(mode, "wal")

	for {
		if wal {
			// Move committed pages into the main file so the copy is complete.
			var busy, logFrames, checkpointed int
			if err := conn.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logFrames, &checkpointed); err != nil && !isBusy(err) {
				return dbError(srcPath, fmt.Errorf("checkpoint: %w", err))
			}
		}

		if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
			return dbError(srcPath, err)
		}

		if wal && walHasFrames(srcPath) {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
			if time.Now().After(deadline) {
				return &Error{Kind: KindSourceLocked, Path: srcPath, Err: fmt.Errorf("write-ahead log not drained within %s", wait)}
			}
			if err := sleepCtx(ctx, 50*time.Millisecond); err != nil {
				return classify(srcPath, err)
			}
			continue
		}

		copyErr := copyDatabaseFile(ctx, srcPath, partial)
		_, rbErr := conn.ExecContext(ctx, "ROLLBACK")
		if copyErr != nil {
			return copyErr
		}
		if rbErr != nil {
			return dbError(srcPath, fmt.Errorf("release lock: %w", rbErr))
		}
		return nil
	}
}

func copyDatabaseFile(ctx context.Context, srcPath, partial string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return classify(srcPath, err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(partial, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create partial artifact: %w", err)
	}
	copyErr := copyFrom(ctx, dst, src, srcPath)
	if copyErr == nil {
		copyErr = dst.Sync()
	}
	closeErr := dst.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return fmt.Errorf("close partial artifact: %w", closeErr)
	}
	return nil
}

func walHasFrames(srcPath string) bool {
	st, err := os.Stat(srcPath + "-wal")
	return err == nil && st.Size() > 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// dbError maps driver errors onto capture errors. Drivers differ in error
// types, so lock detection goes by message like the SQLite C API reports it.
func dbError(path string, err error) error {
	switch {
	case isBusy(err):
		return &Error{Kind: KindSourceLocked, Path: path, Err: err}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &Error{Kind: KindTimeout, Path: path, Err: err}
	default:
		return &Error{Kind: KindSourceUnreadable, Path: path, Err: err}
	}
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

func isUnsupported(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "syntax error") || strings.Contains(msg, "not supported")
}
