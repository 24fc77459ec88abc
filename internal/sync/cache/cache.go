// Package cache is the local content cache: downloaded file bodies on
// disk, tracked by a sqlite table keyed by resource id. Resource
// Metadata owns the tree; the cache only knows which resource ids have
// local bytes, whether those bytes are dirty (locally modified, pending
// upload) and whether the user pinned them for offline use.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/openmirror/drivesync/internal/db"
	"github.com/openmirror/drivesync/internal/sync/metadata"
	"github.com/openmirror/drivesync/internal/sync/metastore"
)

var ErrNotCached = errors.New("cache: entry not present")

const sweepConcurrency = 4

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	resource_id  TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL,
	size         INTEGER NOT NULL,
	dirty        BOOLEAN NOT NULL DEFAULT FALSE,
	pinned       BOOLEAN NOT NULL DEFAULT FALSE,
	accessed_at  INTEGER NOT NULL
);
`

// Entry is one cached content row.
type Entry struct {
	ResourceID  string `db:"resource_id"`
	ContentHash string `db:"content_hash"`
	Size        int64  `db:"size"`
	Dirty       bool   `db:"dirty"`
	Pinned      bool   `db:"pinned"`
	AccessedAt  int64  `db:"accessed_at"`
}

// MetadataIndex is the slice of Resource Metadata the sweep consults to
// decide whether a cached resource id still exists.
type MetadataIndex interface {
	GetResourceEntryByID(resourceID string) (*metastore.Entry, error)
}

// Cache stores content bodies under dir/content/<resource id> and their
// bookkeeping rows in dir/cache.db.
type Cache struct {
	mu  sync.Mutex
	db  *sqlx.DB
	dir string
}

// Open opens (creating if needed) the cache rooted at dir.
func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Join(dir, "content"), 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	sdb, err := db.NewSqliteDB(db.WithPath(filepath.Join(dir, "cache.db")))
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if _, err := sdb.Exec(schema); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}

	return &Cache{db: sdb, dir: dir}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// ContentPath returns where the cached body of a resource lives. The
// file exists only after a successful Store.
func (c *Cache) ContentPath(resourceID string) string {
	return filepath.Join(c.dir, "content", resourceID)
}

// Store writes the content read from r as the cached body of the
// resource and records its bookkeeping row. The body lands via a temp
// file and rename, so a crashed Store never leaves a half-written entry
// behind the row.
func (c *Cache) Store(resourceID, contentHash string, r io.Reader) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Join(c.dir, "content"), ".store-*")
	if err != nil {
		return 0, fmt.Errorf("create temp content file: %w", err)
	}
	defer os.Remove(tmp.Name())

	size, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("write content %s: %w", resourceID, err)
	}

	if err := os.Rename(tmp.Name(), c.ContentPath(resourceID)); err != nil {
		return 0, fmt.Errorf("finalize content %s: %w", resourceID, err)
	}

	_, err = c.db.NamedExec(`
		INSERT INTO cache_entries (resource_id, content_hash, size, dirty, pinned, accessed_at)
		VALUES (:resource_id, :content_hash, :size, FALSE, COALESCE(
			(SELECT pinned FROM cache_entries WHERE resource_id = :resource_id), FALSE
		), :accessed_at)
		ON CONFLICT (resource_id) DO UPDATE SET
			content_hash = excluded.content_hash,
			size         = excluded.size,
			dirty        = FALSE,
			accessed_at  = excluded.accessed_at
	`, &Entry{
		ResourceID:  resourceID,
		ContentHash: contentHash,
		Size:        size,
		AccessedAt:  time.Now().Unix(),
	})
	if err != nil {
		return 0, fmt.Errorf("record cache entry %s: %w", resourceID, err)
	}
	return size, nil
}

// GetCacheEntry returns the bookkeeping row for a resource and bumps
// its access time.
func (c *Cache) GetCacheEntry(resourceID string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(resourceID)
}

func (c *Cache) getLocked(resourceID string) (*Entry, error) {
	var entry Entry
	err := c.db.Get(&entry, `SELECT * FROM cache_entries WHERE resource_id = ?`, resourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotCached
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry %s: %w", resourceID, err)
	}

	now := time.Now().Unix()
	if _, err := c.db.Exec(`UPDATE cache_entries SET accessed_at = ? WHERE resource_id = ?`, now, resourceID); err != nil {
		return nil, fmt.Errorf("touch cache entry %s: %w", resourceID, err)
	}
	entry.AccessedAt = now
	return &entry, nil
}

// MarkDirty flags (or clears) local modification of the cached body,
// signalling that the content must be uploaded before eviction.
func (c *Cache) MarkDirty(resourceID string, dirty bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.Exec(`UPDATE cache_entries SET dirty = ? WHERE resource_id = ?`, dirty, resourceID)
	if err != nil {
		return fmt.Errorf("mark dirty %s: %w", resourceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotCached
	}
	return nil
}

// Pin protects a resource's cached body from the staleness sweep and
// eviction.
func (c *Cache) Pin(resourceID string) error { return c.setPinned(resourceID, true) }

// Unpin removes the pin.
func (c *Cache) Unpin(resourceID string) error { return c.setPinned(resourceID, false) }

func (c *Cache) setPinned(resourceID string, pinned bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.Exec(`UPDATE cache_entries SET pinned = ? WHERE resource_id = ?`, pinned, resourceID)
	if err != nil {
		return fmt.Errorf("set pinned %s: %w", resourceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotCached
	}
	return nil
}

// Remove drops a resource's cached body and bookkeeping row. Removing
// an uncached resource is a no-op.
func (c *Cache) Remove(resourceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(resourceID)
}

func (c *Cache) removeLocked(resourceID string) error {
	if _, err := c.db.Exec(`DELETE FROM cache_entries WHERE resource_id = ?`, resourceID); err != nil {
		return fmt.Errorf("remove cache entry %s: %w", resourceID, err)
	}
	if err := os.Remove(c.ContentPath(resourceID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove content %s: %w", resourceID, err)
	}
	return nil
}

// Sweep prunes entries whose resource id no longer exists in the
// metadata tree. Dirty and pinned entries are kept regardless: dirty
// bytes still need uploading, pins are a user promise. Returns the
// number of entries removed.
func (c *Cache) Sweep(ctx context.Context, meta MetadataIndex) (int, error) {
	c.mu.Lock()
	var entries []Entry
	err := c.db.Select(&entries, `SELECT * FROM cache_entries WHERE dirty = FALSE AND pinned = FALSE`)
	c.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("list cache entries: %w", err)
	}

	stale := make(chan string, len(entries))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, err := meta.GetResourceEntryByID(entry.ResourceID)
			if errors.Is(err, metadata.ErrNotFound) {
				stale <- entry.ResourceID
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("cache sweep: %w", err)
	}
	close(stale)

	removed := 0
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range stale {
		if err := c.removeLocked(id); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		slog.Debug("cache sweep", "checked", len(entries), "removed", removed)
	}
	return removed, nil
}
