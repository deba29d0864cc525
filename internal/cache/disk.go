package cache

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// DiskCache is an on-disk key-value cache backed by SQLite, surviving
// process restarts. Size eviction removes the oldest entries beyond
// maxEntries after each insert.
type DiskCache struct {
	counters
	db         *sql.DB
	ttl        time.Duration
	maxEntries int

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

const diskMigration = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT NOT NULL,
	kind        TEXT NOT NULL,
	artifact    BLOB NOT NULL,
	created_at  DATETIME NOT NULL,
	expires_at  DATETIME NOT NULL,
	PRIMARY KEY (fingerprint, kind)
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);
CREATE INDEX IF NOT EXISTS idx_cache_entries_created_at ON cache_entries(created_at);
`

// NewDisk opens (creating if needed) a SQLite cache at path.
func NewDisk(path string, maxEntries int, ttl time.Duration) (*DiskCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrap(err, "cache: create directory")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "cache: open sqlite")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "cache: exec %s", pragma)
		}
	}
	if _, err := db.Exec(diskMigration); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "cache: migrate")
	}
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	return &DiskCache{
		db:         db,
		ttl:        ttl,
		maxEntries: maxEntries,
		nowFunc:    time.Now,
	}, nil
}

func (c *DiskCache) Get(ctx context.Context, fingerprint string, kind Kind) ([]byte, bool, error) {
	var artifact []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT artifact FROM cache_entries WHERE fingerprint = ? AND kind = ? AND expires_at > ?`,
		fingerprint, string(kind), c.nowFunc().UTC(),
	).Scan(&artifact)
	if err == sql.ErrNoRows {
		c.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "cache: get")
	}
	c.hits.Add(1)
	return artifact, true, nil
}

func (c *DiskCache) Set(ctx context.Context, fingerprint string, kind Kind, artifact []byte) error {
	now := c.nowFunc().UTC()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO cache_entries (fingerprint, kind, artifact, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint, kind) DO UPDATE SET
			artifact = excluded.artifact,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		fingerprint, string(kind), artifact, now, now.Add(c.ttl),
	)
	if err != nil {
		return eris.Wrap(err, "cache: set")
	}
	return c.evictOverflow(ctx)
}

// evictOverflow deletes the oldest entries beyond maxEntries, plus anything
// already expired.
func (c *DiskCache) evictOverflow(ctx context.Context) error {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= ?`, c.nowFunc().UTC())
	if err != nil {
		return eris.Wrap(err, "cache: evict expired")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		c.evictions.Add(n)
	}

	res, err = c.db.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE (fingerprint, kind) IN (
			SELECT fingerprint, kind FROM cache_entries
			ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, c.maxEntries)
	if err != nil {
		return eris.Wrap(err, "cache: evict overflow")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		c.evictions.Add(n)
	}
	return nil
}

func (c *DiskCache) Invalidate(ctx context.Context, fingerprint string) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE fingerprint = ?`, fingerprint)
	return eris.Wrap(err, "cache: invalidate")
}

func (c *DiskCache) Metrics() Metrics { return c.snapshot() }

func (c *DiskCache) Close() error { return c.db.Close() }
