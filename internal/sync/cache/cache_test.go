package cache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmirror/drivesync/internal/sync/metadata"
	"github.com/openmirror/drivesync/internal/sync/metastore"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func newTestMetadata(t *testing.T) *metadata.Metadata {
	t.Helper()
	store, _, err := metastore.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	meta, err := metadata.New(store, nil)
	require.NoError(t, err)
	return meta
}

func TestCache_StoreAndGet(t *testing.T) {
	c := newTestCache(t)

	size, err := c.Store("file1", "hash-1", strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)

	entry, err := c.GetCacheEntry("file1")
	require.NoError(t, err)
	assert.Equal(t, "hash-1", entry.ContentHash)
	assert.Equal(t, int64(11), entry.Size)
	assert.False(t, entry.Dirty)
	assert.False(t, entry.Pinned)

	body, err := os.ReadFile(c.ContentPath("file1"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(body))
}

func TestCache_GetMissing(t *testing.T) {
	c := newTestCache(t)

	_, err := c.GetCacheEntry("absent")
	assert.ErrorIs(t, err, ErrNotCached)
}

func TestCache_MarkDirty(t *testing.T) {
	c := newTestCache(t)

	assert.ErrorIs(t, c.MarkDirty("absent", true), ErrNotCached)

	_, err := c.Store("file1", "hash-1", strings.NewReader("body"))
	require.NoError(t, err)

	require.NoError(t, c.MarkDirty("file1", true))
	entry, err := c.GetCacheEntry("file1")
	require.NoError(t, err)
	assert.True(t, entry.Dirty)

	require.NoError(t, c.MarkDirty("file1", false))
	entry, err = c.GetCacheEntry("file1")
	require.NoError(t, err)
	assert.False(t, entry.Dirty)
}

func TestCache_RestoreClearsDirtyKeepsPin(t *testing.T) {
	c := newTestCache(t)

	_, err := c.Store("file1", "hash-1", strings.NewReader("v1"))
	require.NoError(t, err)
	require.NoError(t, c.Pin("file1"))
	require.NoError(t, c.MarkDirty("file1", true))

	// A fresh download replaces the body and clears dirty, but the pin
	// is the user's and survives.
	_, err = c.Store("file1", "hash-2", strings.NewReader("v2"))
	require.NoError(t, err)

	entry, err := c.GetCacheEntry("file1")
	require.NoError(t, err)
	assert.Equal(t, "hash-2", entry.ContentHash)
	assert.False(t, entry.Dirty)
	assert.True(t, entry.Pinned)
}

func TestCache_Remove(t *testing.T) {
	c := newTestCache(t)

	_, err := c.Store("file1", "hash-1", strings.NewReader("body"))
	require.NoError(t, err)

	require.NoError(t, c.Remove("file1"))
	_, err = c.GetCacheEntry("file1")
	assert.ErrorIs(t, err, ErrNotCached)
	assert.NoFileExists(t, c.ContentPath("file1"))

	// Removing again is a no-op.
	require.NoError(t, c.Remove("file1"))
}

func TestCache_SweepRemovesStale(t *testing.T) {
	c := newTestCache(t)
	meta := newTestMetadata(t)

	require.NoError(t, meta.AddEntry(&metastore.Entry{
		ResourceID:       "file1",
		ParentResourceID: metadata.GrandRootResourceID,
		Title:            "File1.txt",
	}))

	_, err := c.Store("file1", "hash-1", strings.NewReader("live"))
	require.NoError(t, err)
	_, err = c.Store("ghost", "hash-2", strings.NewReader("stale"))
	require.NoError(t, err)

	removed, err := c.Sweep(context.Background(), meta)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = c.GetCacheEntry("file1")
	assert.NoError(t, err)
	_, err = c.GetCacheEntry("ghost")
	assert.ErrorIs(t, err, ErrNotCached)
	assert.NoFileExists(t, c.ContentPath("ghost"))
}

func TestCache_SweepSparesDirtyAndPinned(t *testing.T) {
	c := newTestCache(t)
	meta := newTestMetadata(t)

	_, err := c.Store("dirty-ghost", "hash-1", strings.NewReader("unsynced edits"))
	require.NoError(t, err)
	require.NoError(t, c.MarkDirty("dirty-ghost", true))

	_, err = c.Store("pinned-ghost", "hash-2", strings.NewReader("offline copy"))
	require.NoError(t, err)
	require.NoError(t, c.Pin("pinned-ghost"))

	removed, err := c.Sweep(context.Background(), meta)
	require.NoError(t, err)
	assert.Zero(t, removed)

	_, err = c.GetCacheEntry("dirty-ghost")
	assert.NoError(t, err)
	_, err = c.GetCacheEntry("pinned-ghost")
	assert.NoError(t, err)
}
