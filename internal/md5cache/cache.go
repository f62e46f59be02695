// Package md5cache keeps the durable (workspace, bucket, key) -> MD5 mapping
// the remote provider needs to serve S3-compatible ETags.
package md5cache

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no entry exists for a key.
var ErrNotFound = errors.New("md5cache: entry not found")

// Entry is one cached mapping.
type Entry struct {
	WorkspaceID int64
	Bucket      string
	Key         string
	MD5         string
	Size        int64
	RemoteID    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Stats aggregates cache contents.
type Stats struct {
	Entries   int64
	TotalSize int64
	Oldest    time.Time
	Newest    time.Time
}

// Cache wraps the SQLite store. Writes are synchronous; the store's
// transaction discipline serializes concurrent request handlers.
type Cache struct {
	db   *sql.DB
	path string
}

// Open opens or creates the cache database at the given path. The file is
// created with mode 0600.
func Open(path string) (*Cache, error) {
	if path == "" {
		return nil, errors.New("md5cache: db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	// sqlite honors existing file permissions; create restrictively first.
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, err
		}
		_ = f.Close()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	cache := &Cache{db: db, path: path}
	if err := cache.applyPragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := cache.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return cache, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *Cache) applyPragmas(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := c.db.ExecContext(ctx, pragma); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) migrate(ctx context.Context) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return err
	}
	var version int
	if err = tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return err
	}
	if version < 1 {
		ddl := []string{
			`CREATE TABLE IF NOT EXISTS entries (
				workspace_id INTEGER NOT NULL,
				bucket TEXT NOT NULL,
				key TEXT NOT NULL,
				md5 TEXT NOT NULL,
				size INTEGER NOT NULL,
				remote_id TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				PRIMARY KEY(workspace_id, bucket, key)
			)`,
			`CREATE INDEX IF NOT EXISTS entries_workspace_bucket_idx ON entries(workspace_id, bucket)`,
			`CREATE INDEX IF NOT EXISTS entries_updated_at_idx ON entries(updated_at)`,
		}
		for _, stmt := range ddl {
			if _, err = tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		if _, err = tx.ExecContext(ctx, "INSERT INTO schema_migrations(version, applied_at) VALUES(1, ?)", time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Upsert inserts or replaces the entry for (workspace, bucket, key).
func (c *Cache) Upsert(ctx context.Context, entry Entry) error {
	if entry.Bucket == "" || entry.Key == "" || entry.MD5 == "" {
		return errors.New("md5cache: bucket, key, and md5 required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := c.db.ExecContext(ctx, `
INSERT INTO entries(workspace_id, bucket, key, md5, size, remote_id, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(workspace_id, bucket, key) DO UPDATE SET
	md5=excluded.md5,
	size=excluded.size,
	remote_id=excluded.remote_id,
	updated_at=excluded.updated_at`,
		entry.WorkspaceID, entry.Bucket, entry.Key, entry.MD5, entry.Size, entry.RemoteID, now, now)
	return err
}

// Get returns the entry for (workspace, bucket, key) or ErrNotFound.
func (c *Cache) Get(ctx context.Context, workspaceID int64, bucket, key string) (Entry, error) {
	row := c.db.QueryRowContext(ctx, `
SELECT workspace_id, bucket, key, md5, size, COALESCE(remote_id, ''), created_at, updated_at
FROM entries
WHERE workspace_id=? AND bucket=? AND key=?`, workspaceID, bucket, key)
	return scanEntry(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var entry Entry
	var created, updated string
	err := row.Scan(&entry.WorkspaceID, &entry.Bucket, &entry.Key, &entry.MD5, &entry.Size, &entry.RemoteID, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	entry.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return entry, nil
}

// Delete removes the entry for a key. Missing entries are not an error.
func (c *Cache) Delete(ctx context.Context, workspaceID int64, bucket, key string) error {
	_, err := c.db.ExecContext(ctx, "DELETE FROM entries WHERE workspace_id=? AND bucket=? AND key=?", workspaceID, bucket, key)
	return err
}

// DeleteBucket removes every entry for a bucket.
func (c *Cache) DeleteBucket(ctx context.Context, workspaceID int64, bucket string) (int64, error) {
	res, err := c.db.ExecContext(ctx, "DELETE FROM entries WHERE workspace_id=? AND bucket=?", workspaceID, bucket)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteWorkspace removes every entry for a workspace.
func (c *Cache) DeleteWorkspace(ctx context.Context, workspaceID int64) (int64, error) {
	res, err := c.db.ExecContext(ctx, "DELETE FROM entries WHERE workspace_id=?", workspaceID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListBucket pages entries for a bucket ordered by key.
func (c *Cache) ListBucket(ctx context.Context, workspaceID int64, bucket, afterKey string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := c.db.QueryContext(ctx, `
SELECT workspace_id, bucket, key, md5, size, COALESCE(remote_id, ''), created_at, updated_at
FROM entries
WHERE workspace_id=? AND bucket=? AND key > ?
ORDER BY key
LIMIT ?`, workspaceID, bucket, afterKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// AggregateStats reports counts and timestamps, optionally scoped to one
// workspace (workspaceID < 0 means all).
func (c *Cache) AggregateStats(ctx context.Context, workspaceID int64) (Stats, error) {
	query := `
SELECT COUNT(*), COALESCE(SUM(size), 0), COALESCE(MIN(updated_at), ''), COALESCE(MAX(updated_at), '')
FROM entries`
	var row *sql.Row
	if workspaceID >= 0 {
		row = c.db.QueryRowContext(ctx, query+" WHERE workspace_id=?", workspaceID)
	} else {
		row = c.db.QueryRowContext(ctx, query)
	}
	var stats Stats
	var oldest, newest string
	if err := row.Scan(&stats.Entries, &stats.TotalSize, &oldest, &newest); err != nil {
		return Stats{}, err
	}
	stats.Oldest, _ = time.Parse(time.RFC3339Nano, oldest)
	stats.Newest, _ = time.Parse(time.RFC3339Nano, newest)
	return stats, nil
}

// Vacuum reclaims free pages and reports the file size before and after.
func (c *Cache) Vacuum(ctx context.Context) (before, after int64, err error) {
	before = c.fileSize()
	if _, err = c.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return before, before, err
	}
	if _, err = c.db.ExecContext(ctx, "VACUUM"); err != nil {
		return before, before, err
	}
	return before, c.fileSize(), nil
}

func (c *Cache) fileSize() int64 {
	info, err := os.Stat(c.path)
	if err != nil {
		return 0
	}
	return info.Size()
}
