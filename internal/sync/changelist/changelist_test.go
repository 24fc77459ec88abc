package changelist

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmirror/drivesync/internal/drive"
	"github.com/openmirror/drivesync/internal/sync/metadata"
	"github.com/openmirror/drivesync/internal/sync/metastore"
)

func newTestProcessor(t *testing.T) (*Processor, *metadata.Metadata) {
	t.Helper()
	store, _, err := metastore.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	meta, err := metadata.New(store, nil)
	require.NoError(t, err)
	return New(meta), meta
}

func rootRes() *drive.Resource {
	return &drive.Resource{ID: "root", Title: "root", IsDirectory: true}
}

func dirRes(id, parent, title string) *drive.Resource {
	return &drive.Resource{ID: id, ParentID: parent, Title: title, IsDirectory: true}
}

func fileRes(id, parent, title string) *drive.Resource {
	return &drive.Resource{ID: id, ParentID: parent, Title: title, ContentHash: "hash-" + id, Size: 10}
}

// fullBase applies a baseline snapshot:
// root + Dir1 (parent=root) + File1.txt (parent=Dir1), changestamp 100.
func fullBase(t *testing.T, p *Processor) {
	t.Helper()
	_, err := p.ApplyFullListing([]*drive.Page{{
		Items: []*drive.Resource{
			rootRes(),
			dirRes("dir1", "root", "Dir1"),
			fileRes("file1", "dir1", "File1.txt"),
		},
		LargestChangestamp: 100,
	}})
	require.NoError(t, err)
}

func TestApplyFullListing_Scenario(t *testing.T) {
	p, meta := newTestProcessor(t)
	fullBase(t, p)

	entry, err := meta.GetResourceEntryByPath("root/Dir1/File1.txt")
	require.NoError(t, err)
	assert.Equal(t, "file1", entry.ResourceID)

	cs, err := meta.LargestChangestamp()
	require.NoError(t, err)
	assert.Equal(t, int64(100), cs)
}

func TestApplyChangeList_DeleteScenario(t *testing.T) {
	p, meta := newTestProcessor(t)
	fullBase(t, p)

	changed, err := p.ApplyChangeList([]*drive.Page{{
		Items: []*drive.Resource{
			{ID: "file1", ParentID: "dir1", Title: "File1.txt", Deleted: true},
		},
		LargestChangestamp: 101,
	}})
	require.NoError(t, err)

	_, err = meta.GetResourceEntryByPath("root/Dir1/File1.txt")
	assert.ErrorIs(t, err, metadata.ErrNotFound)

	cs, err := meta.LargestChangestamp()
	require.NoError(t, err)
	assert.Equal(t, int64(101), cs)

	assert.ElementsMatch(t, []string{"root/Dir1"}, changed.ToSlice())
}

func TestApplyChangeList_Idempotent(t *testing.T) {
	p, meta := newTestProcessor(t)
	fullBase(t, p)

	delta := []*drive.Page{{
		Items: []*drive.Resource{
			fileRes("file2", "dir1", "New.txt"),
			{ID: "file1", ParentID: "dir1", Title: "File1.txt", Deleted: true},
		},
		LargestChangestamp: 105,
	}}

	_, err := p.ApplyChangeList(delta)
	require.NoError(t, err)
	_, err = p.ApplyChangeList(delta)
	require.NoError(t, err)

	entry, err := meta.GetResourceEntryByPath("root/Dir1/New.txt")
	require.NoError(t, err)
	assert.Equal(t, "file2", entry.ResourceID)

	// No duplicate "New (1).txt" after the second application.
	children, err := meta.ReadDirectoryByPath("root/Dir1")
	require.NoError(t, err)
	assert.Len(t, children, 1)

	cs, err := meta.LargestChangestamp()
	require.NoError(t, err)
	assert.Equal(t, int64(105), cs)
}

func TestApplyChangeList_MoveReportsBothParents(t *testing.T) {
	p, _ := newTestProcessor(t)
	fullBase(t, p)

	_, err := p.ApplyChangeList([]*drive.Page{{
		Items:              []*drive.Resource{dirRes("dir2", "root", "Dir2")},
		LargestChangestamp: 101,
	}})
	require.NoError(t, err)

	changed, err := p.ApplyChangeList([]*drive.Page{{
		Items:              []*drive.Resource{fileRes("file1", "dir2", "File1.txt")},
		LargestChangestamp: 102,
	}})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"root/Dir1", "root/Dir2"}, changed.ToSlice())
}

func TestApplyChangeList_OrphanParking(t *testing.T) {
	p, meta := newTestProcessor(t)
	fullBase(t, p)

	changed, err := p.ApplyChangeList([]*drive.Page{{
		Items:              []*drive.Resource{fileRes("stray", "unknown-dir", "Stray.txt")},
		LargestChangestamp: 110,
	}})
	require.NoError(t, err)

	entry, err := meta.GetResourceEntryByPath("other/Stray.txt")
	require.NoError(t, err)
	assert.Equal(t, "stray", entry.ResourceID)
	assert.True(t, changed.Contains("other"))
}

func TestApplyChangeList_DiscardsChildOfDeletedDir(t *testing.T) {
	p, meta := newTestProcessor(t)
	fullBase(t, p)

	_, err := p.ApplyChangeList([]*drive.Page{{
		Items: []*drive.Resource{
			{ID: "dir1", ParentID: "root", Title: "Dir1", IsDirectory: true, Deleted: true},
			fileRes("ghost", "dir1", "Ghost.txt"),
		},
		LargestChangestamp: 120,
	}})
	require.NoError(t, err)

	// The new file is discarded, not resurrected under the orphan root.
	_, err = meta.GetResourceEntryByID("ghost")
	assert.ErrorIs(t, err, metadata.ErrNotFound)

	_, err = meta.GetResourceEntryByID("dir1")
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestApplyChangeList_ParentAndChildInSameBatch(t *testing.T) {
	p, meta := newTestProcessor(t)
	fullBase(t, p)

	// Child listed before parent; topological ordering must place the
	// parent first regardless of map iteration order.
	_, err := p.ApplyChangeList([]*drive.Page{{
		Items: []*drive.Resource{
			fileRes("deep-file", "deep-dir", "Deep.txt"),
			dirRes("deep-dir", "dir1", "Deep"),
		},
		LargestChangestamp: 130,
	}})
	require.NoError(t, err)

	entry, err := meta.GetResourceEntryByPath("root/Dir1/Deep/Deep.txt")
	require.NoError(t, err)
	assert.Equal(t, "deep-file", entry.ResourceID)
}

func TestApplyFullListing_ReplacesExistingTree(t *testing.T) {
	p, meta := newTestProcessor(t)
	fullBase(t, p)

	_, err := p.ApplyFullListing([]*drive.Page{{
		Items: []*drive.Resource{
			rootRes(),
			dirRes("dirX", "root", "DirX"),
		},
		LargestChangestamp: 200,
	}})
	require.NoError(t, err)

	_, err = meta.GetResourceEntryByPath("root/Dir1")
	assert.ErrorIs(t, err, metadata.ErrNotFound)

	_, err = meta.GetResourceEntryByPath("root/DirX")
	require.NoError(t, err)

	cs, err := meta.LargestChangestamp()
	require.NoError(t, err)
	assert.Equal(t, int64(200), cs)
}

func TestApplyChangeList_EmptyPageKeepsChangestamp(t *testing.T) {
	p, meta := newTestProcessor(t)
	fullBase(t, p)

	changed, err := p.ApplyChangeList([]*drive.Page{{}})
	require.NoError(t, err)
	assert.True(t, changed.IsEmpty())

	cs, err := meta.LargestChangestamp()
	require.NoError(t, err)
	assert.Equal(t, int64(100), cs)
}

func TestApplyChangeList_MultiPage(t *testing.T) {
	p, meta := newTestProcessor(t)
	fullBase(t, p)

	_, err := p.ApplyChangeList([]*drive.Page{
		{
			Items:              []*drive.Resource{dirRes("dir2", "root", "Dir2")},
			LargestChangestamp: 150,
			NextPageToken:      "page2",
		},
		{
			Items:              []*drive.Resource{fileRes("file2", "dir2", "Two.txt")},
			LargestChangestamp: 151,
		},
	})
	require.NoError(t, err)

	_, err = meta.GetResourceEntryByPath("root/Dir2/Two.txt")
	require.NoError(t, err)

	cs, err := meta.LargestChangestamp()
	require.NoError(t, err)
	assert.Equal(t, int64(151), cs)
}
