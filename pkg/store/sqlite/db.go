package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/lissto-dev/imagewatch/pkg/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS batch_runs (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    job_type      TEXT NOT NULL,
    status        TEXT NOT NULL CHECK (status IN ('running', 'completed', 'failed')),
    is_manual     INTEGER NOT NULL DEFAULT 0,
    owner         TEXT NOT NULL DEFAULT '',
    started_at    INTEGER NOT NULL,
    completed_at  INTEGER,
    duration_ms   INTEGER,
    checked_count INTEGER NOT NULL DEFAULT 0,
    updated_count INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    log_text      TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_batch_runs_one_running
    ON batch_runs(job_type) WHERE status = 'running' AND completed_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_batch_runs_started ON batch_runs(started_at);

CREATE TABLE IF NOT EXISTS registry_versions (
    image_repo     TEXT NOT NULL,
    tag            TEXT NOT NULL,
    latest_digest  TEXT NOT NULL DEFAULT '',
    latest_version TEXT NOT NULL DEFAULT '',
    provider       TEXT NOT NULL DEFAULT '',
    is_fallback    INTEGER NOT NULL DEFAULT 0,
    method         TEXT NOT NULL DEFAULT '',
    published_at   INTEGER,
    checked_at     INTEGER NOT NULL,
    PRIMARY KEY (image_repo, tag)
);

CREATE TABLE IF NOT EXISTS container_status (
    container_id   TEXT PRIMARY KEY,
    container_name TEXT NOT NULL DEFAULT '',
    image          TEXT NOT NULL,
    image_repo     TEXT NOT NULL,
    tag            TEXT NOT NULL,
    current_digest TEXT NOT NULL DEFAULT '',
    latest_digest  TEXT NOT NULL DEFAULT '',
    latest_version TEXT NOT NULL DEFAULT '',
    provider       TEXT NOT NULL DEFAULT '',
    has_update     INTEGER NOT NULL DEFAULT 0,
    checked_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_container_status_image ON container_status(image_repo, tag);

CREATE TABLE IF NOT EXISTS repository_tokens (
    user_id    TEXT NOT NULL DEFAULT '',
    registry   TEXT NOT NULL,
    repository TEXT NOT NULL,
    username   TEXT NOT NULL DEFAULT '',
    token      TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (user_id, registry, repository)
);
`

const writeQueueSize = 64

var (
	// ErrNotFound is returned when a looked-up row does not exist
	ErrNotFound = errors.New("not found")
	// ErrClosed is returned for writes submitted after Close
	ErrClosed = errors.New("store is closed")
)

// writeOp is one queued write transaction
type writeOp struct {
	ctx    context.Context
	fn     func(ctx context.Context, tx *sql.Tx) error
	result chan error
}

// Store is the SQLite persistence layer. Reads go straight to the pool;
// every write transaction runs on a single queue goroutine so SQLite never
// sees two writers.
type Store struct {
	db *sql.DB

	ops       chan writeOp
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// DSN returns the connection string used for path
func DSN(path string) string {
	return "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_txlock=immediate"
}

// Open opens or creates the database at path and applies the schema
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{
		db:   db,
		ops:  make(chan writeOp, writeQueueSize),
		done: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.drain()

	logging.Logger.Info("Opened SQLite store", zap.String("path", path))
	return s, nil
}

// Close stops the write queue and closes the database
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return s.db.Close()
}

// drain runs queued writes one at a time
func (s *Store) drain() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case op := <-s.ops:
			op.result <- s.runTx(op.ctx, op.fn)
		}
	}
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// write enqueues fn and waits for it to run inside its own transaction
func (s *Store) write(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	op := writeOp{ctx: ctx, fn: fn, result: make(chan error, 1)}

	select {
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.ops <- op:
	}

	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
