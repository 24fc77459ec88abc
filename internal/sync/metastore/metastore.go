package metastore

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/jmoiron/sqlx"

	"github.com/openmirror/drivesync/internal/db"
)

// SchemaVersion is bumped whenever the persisted layout changes. A store
// whose header carries a different version is treated as absent and
// rebuilt from scratch.
const SchemaVersion = 1

var (
	ErrStoreClosed = errors.New("metastore: store closed")
	ErrStoreLocked = errors.New("metastore: store locked by another process")
)

const schema = `
CREATE TABLE IF NOT EXISTS header (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    schema_version INTEGER NOT NULL,
    largest_changestamp INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS entries (
    resource_id TEXT PRIMARY KEY,
    parent_resource_id TEXT NOT NULL,
    title TEXT NOT NULL,
    base_name TEXT NOT NULL,
    is_directory INTEGER NOT NULL,
    content_hash TEXT NOT NULL DEFAULT '',
    size INTEGER NOT NULL DEFAULT 0,
    dir_changestamp INTEGER NOT NULL DEFAULT 0,
    deleted INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS children (
    parent_id TEXT NOT NULL,
    base_name TEXT NOT NULL,
    child_id TEXT NOT NULL,
    PRIMARY KEY (parent_id, base_name)
);

CREATE INDEX IF NOT EXISTS idx_children_child ON children(child_id);
`

// Store is the durable key-value layer under the metadata tree.
//
// All operations are synchronous and must be serialized by the caller:
// the store itself assumes single-writer access and is pinned to one
// database connection.
type Store struct {
	db     *sqlx.DB
	dbPath string
	lock   *flock.Flock
}

// Open opens (or creates) the store at dbPath. The returned rebuilt flag
// is true when a schema-version mismatch forced a wipe, in which case the
// caller must treat local metadata as absent and refetch everything.
func Open(dbPath string) (store *Store, rebuilt bool, err error) {
	lock := flock.New(dbPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("acquire store lock: %w", err)
	}
	if !locked {
		return nil, false, ErrStoreLocked
	}
	defer func() {
		if err != nil {
			lock.Unlock()
		}
	}()

	database, err := db.NewSqliteDB(db.WithPath(dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, false, fmt.Errorf("open metadata store: %w", err)
	}

	s := &Store{db: database, dbPath: dbPath, lock: lock}

	if _, err := database.Exec(schema); err != nil {
		database.Close()
		return nil, false, fmt.Errorf("initialize store schema: %w", err)
	}

	rebuilt, err = s.checkSchemaVersion()
	if err != nil {
		database.Close()
		return nil, false, err
	}

	return s, rebuilt, nil
}

// checkSchemaVersion wipes and re-initializes the store if the persisted
// schema version does not match SchemaVersion.
func (s *Store) checkSchemaVersion() (bool, error) {
	var version int64
	err := s.db.Get(&version, "SELECT schema_version FROM header WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		// Fresh store.
		_, err = s.db.Exec(
			"INSERT INTO header (id, schema_version, largest_changestamp) VALUES (1, ?, 0)",
			SchemaVersion)
		if err != nil {
			return false, fmt.Errorf("write store header: %w", err)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read store header: %w", err)
	}

	if version == SchemaVersion {
		return false, nil
	}

	slog.Warn("metastore schema mismatch, rebuilding", "found", version, "want", SchemaVersion)
	wipe := `
DELETE FROM entries;
DELETE FROM children;
UPDATE header SET schema_version = ` + fmt.Sprintf("%d", SchemaVersion) + `, largest_changestamp = 0 WHERE id = 1;
`
	if _, err := s.db.Exec(wipe); err != nil {
		return false, fmt.Errorf("rebuild store: %w", err)
	}
	return true, nil
}

// Close releases the database and the process lock.
func (s *Store) Close() error {
	if s.db == nil {
		return ErrStoreClosed
	}
	err := s.db.Close()
	s.db = nil
	if s.lock != nil {
		s.lock.Unlock()
	}
	if err != nil {
		return fmt.Errorf("close metadata store: %w", err)
	}
	return nil
}

// Path returns the store's database path.
func (s *Store) Path() string {
	return s.dbPath
}

// Dir returns the directory holding the store.
func (s *Store) Dir() string {
	return filepath.Dir(s.dbPath)
}

// PutEntry upserts an entry by resource id and keeps the
// (parent, base_name) -> child index in step. If the entry previously
// lived under a different parent or name, the stale index row is cleared.
func (s *Store) PutEntry(entry *Entry) error {
	if s.db == nil {
		return ErrStoreClosed
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("put entry %s: %w", entry.ResourceID, err)
	}
	defer tx.Rollback()

	// Drop the old index row before re-homing.
	if _, err := tx.Exec("DELETE FROM children WHERE child_id = ?", entry.ResourceID); err != nil {
		return fmt.Errorf("clear child index for %s: %w", entry.ResourceID, err)
	}

	_, err = tx.NamedExec(`
INSERT OR REPLACE INTO entries
    (resource_id, parent_resource_id, title, base_name, is_directory, content_hash, size, dir_changestamp, deleted)
VALUES
    (:resource_id, :parent_resource_id, :title, :base_name, :is_directory, :content_hash, :size, :dir_changestamp, :deleted)`,
		entry)
	if err != nil {
		return fmt.Errorf("put entry %s: %w", entry.ResourceID, err)
	}

	if entry.ParentResourceID != "" {
		_, err = tx.Exec(
			"INSERT OR REPLACE INTO children (parent_id, base_name, child_id) VALUES (?, ?, ?)",
			entry.ParentResourceID, entry.BaseName, entry.ResourceID)
		if err != nil {
			return fmt.Errorf("index entry %s: %w", entry.ResourceID, err)
		}
	}

	return tx.Commit()
}

// GetEntry returns the entry for the given resource id, or nil if absent.
func (s *Store) GetEntry(resourceID string) (*Entry, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	var entry Entry
	err := s.db.Get(&entry, "SELECT * FROM entries WHERE resource_id = ?", resourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %s: %w", resourceID, err)
	}
	return &entry, nil
}

// RemoveEntry deletes the entry and its child-index row under its old
// parent. Removing an absent id is not an error.
func (s *Store) RemoveEntry(resourceID string) error {
	if s.db == nil {
		return ErrStoreClosed
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("remove entry %s: %w", resourceID, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM children WHERE child_id = ?", resourceID); err != nil {
		return fmt.Errorf("clear child index for %s: %w", resourceID, err)
	}
	if _, err := tx.Exec("DELETE FROM entries WHERE resource_id = ?", resourceID); err != nil {
		return fmt.Errorf("remove entry %s: %w", resourceID, err)
	}

	return tx.Commit()
}

// GetChild resolves (parent, base_name) to a child resource id, or ""
// if there is no such child.
func (s *Store) GetChild(parentID, baseName string) (string, error) {
	if s.db == nil {
		return "", ErrStoreClosed
	}

	var childID string
	err := s.db.Get(&childID,
		"SELECT child_id FROM children WHERE parent_id = ? AND base_name = ?",
		parentID, baseName)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get child %s/%s: %w", parentID, baseName, err)
	}
	return childID, nil
}

// GetChildren returns every direct child entry of the given parent,
// ordered by base name.
func (s *Store) GetChildren(parentID string) ([]*Entry, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	var entries []*Entry
	err := s.db.Select(&entries, `
SELECT e.* FROM entries e
JOIN children c ON c.child_id = e.resource_id
WHERE c.parent_id = ?
ORDER BY c.base_name`, parentID)
	if err != nil {
		return nil, fmt.Errorf("get children of %s: %w", parentID, err)
	}
	return entries, nil
}

// GetLargestChangestamp returns the last-applied remote change sequence.
func (s *Store) GetLargestChangestamp() (int64, error) {
	if s.db == nil {
		return 0, ErrStoreClosed
	}

	var cs int64
	if err := s.db.Get(&cs, "SELECT largest_changestamp FROM header WHERE id = 1"); err != nil {
		return 0, fmt.Errorf("get largest changestamp: %w", err)
	}
	return cs, nil
}

// SetLargestChangestamp persists the last-applied remote change sequence.
func (s *Store) SetLargestChangestamp(cs int64) error {
	if s.db == nil {
		return ErrStoreClosed
	}

	if _, err := s.db.Exec("UPDATE header SET largest_changestamp = ? WHERE id = 1", cs); err != nil {
		return fmt.Errorf("set largest changestamp: %w", err)
	}
	return nil
}

// EntryCount returns the number of persisted entries.
func (s *Store) EntryCount() (int, error) {
	if s.db == nil {
		return 0, ErrStoreClosed
	}

	var count int
	if err := s.db.Get(&count, "SELECT COUNT(*) FROM entries"); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return count, nil
}

// Iterator is a lazy, forward-only, non-restartable sequence over all
// entries. It is valid only while no concurrent mutation occurs.
type Iterator struct {
	rows *sqlx.Rows
	err  error
}

// GetIterator starts a scan over every entry in the store.
func (s *Store) GetIterator() (*Iterator, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Queryx("SELECT * FROM entries ORDER BY resource_id")
	if err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return &Iterator{rows: rows}, nil
}

// Next returns the next entry, or nil when the sequence is exhausted or
// an error occurred; check Err after a nil return.
func (it *Iterator) Next() *Entry {
	if it.err != nil || !it.rows.Next() {
		return nil
	}
	var entry Entry
	if err := it.rows.StructScan(&entry); err != nil {
		it.err = err
		return nil
	}
	return &entry
}

// Err returns the first error hit during iteration.
func (it *Iterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

// Close releases the underlying cursor.
func (it *Iterator) Close() error {
	return it.rows.Close()
}
