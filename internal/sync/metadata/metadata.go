package metadata

import (
	"fmt"
	"log/slog"
	"path"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openmirror/drivesync/internal/sync/metastore"
)

// Reserved singleton roots. Created idempotently on startup, never
// deleted. Entries whose true parent is unknown are parked under the
// other root until a later change introduces the real parent.
const (
	GrandRootResourceID = "local-grand-root"
	OtherRootResourceID = "local-other-root"

	otherRootBaseName = "other"
)

const pathCacheSize = 4096

// Metadata presents the storage layer as a named tree with move, rename
// and de-duplication semantics.
//
// It is single-writer by design: callers serialize all access on one
// logical sequence. Virtual paths are relative to the grand root, so the
// remote root directory typically resolves as "root" and orphans as
// "other/<name>".
type Metadata struct {
	store *metastore.Store
	space SpaceChecker

	// resource id -> virtual path, purged wholesale on any mutation that
	// can re-home an entry.
	pathCache *lru.Cache[string, string]
}

// New wraps a store in tree semantics and ensures the reserved roots
// exist.
func New(store *metastore.Store, space SpaceChecker) (*Metadata, error) {
	if space == nil {
		space = UnlimitedSpace{}
	}

	cache, err := lru.New[string, string](pathCacheSize)
	if err != nil {
		return nil, err
	}

	m := &Metadata{store: store, space: space, pathCache: cache}
	if err := m.setUpDefaultEntries(); err != nil {
		return nil, err
	}
	return m, nil
}

// setUpDefaultEntries creates the grand root and the orphan root if the
// store does not have them yet.
func (m *Metadata) setUpDefaultEntries() error {
	grandRoot, err := m.store.GetEntry(GrandRootResourceID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}
	if grandRoot == nil {
		err = m.store.PutEntry(&metastore.Entry{
			ResourceID:  GrandRootResourceID,
			Title:       "drive",
			BaseName:    "drive",
			IsDirectory: true,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrFailed, err)
		}
	}

	otherRoot, err := m.store.GetEntry(OtherRootResourceID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}
	if otherRoot == nil {
		err = m.store.PutEntry(&metastore.Entry{
			ResourceID:       OtherRootResourceID,
			ParentResourceID: GrandRootResourceID,
			Title:            otherRootBaseName,
			BaseName:         otherRootBaseName,
			IsDirectory:      true,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrFailed, err)
		}
	}

	return nil
}

// IsReservedID reports whether id names one of the reserved roots.
func IsReservedID(id string) bool {
	return id == GrandRootResourceID || id == OtherRootResourceID
}

// AddEntry inserts a new entry under its parent directory, de-duplicating
// the base name against existing siblings.
func (m *Metadata) AddEntry(entry *metastore.Entry) error {
	if !m.space.HasEnoughSpace() {
		return ErrNoSpace
	}

	existing, err := m.store.GetEntry(entry.ResourceID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}
	if existing != nil {
		return ErrExists
	}

	parent, err := m.store.GetEntry(entry.ParentResourceID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}
	if parent == nil || !parent.IsDirectory {
		return ErrNotFound
	}

	if err := m.putEntryUnderDirectory(entry); err != nil {
		return err
	}
	m.pathCache.Purge()
	return nil
}

// RemoveEntry deletes the entry and, for directories, the whole subtree
// bottom-up so no dangling index rows survive a crash mid-way.
func (m *Metadata) RemoveEntry(resourceID string) error {
	if IsReservedID(resourceID) {
		return ErrAccessDenied
	}
	if !m.space.HasEnoughSpace() {
		return ErrNoSpace
	}

	entry, err := m.store.GetEntry(resourceID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}
	if entry == nil {
		return ErrNotFound
	}

	// Collect the subtree with an explicit worklist; deep trees must not
	// hit recursion limits.
	ordered := []string{resourceID}
	stack := []string{resourceID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		children, err := m.store.GetChildren(id)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrFailed, err)
		}
		for _, child := range children {
			ordered = append(ordered, child.ResourceID)
			if child.IsDirectory {
				stack = append(stack, child.ResourceID)
			}
		}
	}

	// Children before parents.
	for i := len(ordered) - 1; i >= 0; i-- {
		if err := m.store.RemoveEntry(ordered[i]); err != nil {
			return fmt.Errorf("%w: %v", ErrFailed, err)
		}
	}

	m.pathCache.Purge()
	return nil
}

// RefreshEntry replaces an existing entry's data in place, re-homing it
// under its (possibly new) parent with de-duplication.
func (m *Metadata) RefreshEntry(entry *metastore.Entry) error {
	if !m.space.HasEnoughSpace() {
		return ErrNoSpace
	}
	if entry.ResourceID == GrandRootResourceID {
		return ErrInvalidOperation
	}

	existing, err := m.store.GetEntry(entry.ResourceID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}
	if existing == nil {
		return ErrNotFound
	}
	if existing.IsDirectory != entry.IsDirectory {
		// An entry never changes kind in place.
		return ErrInvalidOperation
	}

	parent, err := m.store.GetEntry(entry.ParentResourceID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}
	if parent == nil || !parent.IsDirectory {
		return ErrNotFound
	}

	if err := m.putEntryUnderDirectory(entry); err != nil {
		return err
	}
	m.pathCache.Purge()
	return nil
}

// RefreshDirectory stamps the directory's as-of changestamp and upserts
// every candidate child whose parent id exactly matches the directory.
// Candidates with a mismatched parent (multi-parent remote files whose
// primary parent differs) are silently skipped, not re-homed. Children
// absent from the map are left alone; deletion is change-list-driven.
func (m *Metadata) RefreshDirectory(directoryID string, changestamp int64, entries map[string]*metastore.Entry) error {
	if !m.space.HasEnoughSpace() {
		return ErrNoSpace
	}

	dir, err := m.store.GetEntry(directoryID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}
	if dir == nil {
		return ErrNotFound
	}
	if !dir.IsDirectory {
		return ErrNotADirectory
	}

	dir.DirChangestamp = changestamp
	if err := m.store.PutEntry(dir); err != nil {
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}

	for _, entry := range entries {
		if entry.ParentResourceID != directoryID {
			slog.Debug("refresh directory: skipping entry with foreign parent",
				"id", entry.ResourceID, "parent", entry.ParentResourceID, "dir", directoryID)
			continue
		}
		if err := m.putEntryUnderDirectory(entry.Clone()); err != nil {
			return err
		}
	}

	m.pathCache.Purge()
	return nil
}

// MoveEntryToDirectory re-homes the entry at oldPath under the directory
// at newParentPath and returns the entry's new virtual path.
func (m *Metadata) MoveEntryToDirectory(oldPath, newParentPath string) (string, error) {
	entry, err := m.GetResourceEntryByPath(oldPath)
	if err != nil {
		return "", err
	}

	newParent, err := m.GetResourceEntryByPath(newParentPath)
	if err != nil {
		return "", err
	}
	if !newParent.IsDirectory {
		return "", ErrNotADirectory
	}

	moved := entry.Clone()
	moved.ParentResourceID = newParent.ResourceID
	if err := m.RefreshEntry(moved); err != nil {
		return "", err
	}

	return m.GetFilePath(moved.ResourceID)
}

// RenameEntry gives the entry at oldPath a new title and re-derives its
// de-duplicated base name. Renaming to the current title fails ErrExists.
func (m *Metadata) RenameEntry(oldPath, newName string) (string, error) {
	entry, err := m.GetResourceEntryByPath(oldPath)
	if err != nil {
		return "", err
	}
	if entry.Title == newName {
		return "", ErrExists
	}

	renamed := entry.Clone()
	renamed.Title = newName
	if err := m.RefreshEntry(renamed); err != nil {
		return "", err
	}

	return m.GetFilePath(renamed.ResourceID)
}

// GetResourceEntryByID returns the entry for the given resource id.
func (m *Metadata) GetResourceEntryByID(resourceID string) (*metastore.Entry, error) {
	entry, err := m.store.GetEntry(resourceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailed, err)
	}
	if entry == nil {
		return nil, ErrNotFound
	}
	return entry, nil
}

// GetResourceEntryByPath walks the child index from the grand root. The
// empty path resolves to the grand root itself.
func (m *Metadata) GetResourceEntryByPath(virtualPath string) (*metastore.Entry, error) {
	id := GrandRootResourceID
	virtualPath = strings.Trim(virtualPath, "/")
	if virtualPath != "" {
		for _, component := range strings.Split(virtualPath, "/") {
			childID, err := m.store.GetChild(id, component)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrFailed, err)
			}
			if childID == "" {
				return nil, ErrNotFound
			}
			id = childID
		}
	}

	entry, err := m.store.GetEntry(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailed, err)
	}
	if entry == nil {
		return nil, ErrNotFound
	}
	return entry, nil
}

// ReadDirectoryByPath lists the direct children of the directory at the
// given virtual path.
func (m *Metadata) ReadDirectoryByPath(virtualPath string) ([]*metastore.Entry, error) {
	dir, err := m.GetResourceEntryByPath(virtualPath)
	if err != nil {
		return nil, err
	}
	if !dir.IsDirectory {
		return nil, ErrNotADirectory
	}

	children, err := m.store.GetChildren(dir.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailed, err)
	}
	return children, nil
}

// GetFilePath derives the virtual path of an entry by walking parent
// links up to the grand root. Paths are cached until the next mutation.
func (m *Metadata) GetFilePath(resourceID string) (string, error) {
	if cached, ok := m.pathCache.Get(resourceID); ok {
		return cached, nil
	}

	var components []string
	id := resourceID
	for id != GrandRootResourceID {
		entry, err := m.store.GetEntry(id)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrFailed, err)
		}
		if entry == nil {
			return "", ErrNotFound
		}
		components = append(components, entry.BaseName)
		id = entry.ParentResourceID
	}

	// Reverse into root-first order.
	for i, j := 0, len(components)-1; i < j; i, j = i+1, j-1 {
		components[i], components[j] = components[j], components[i]
	}

	virtualPath := path.Join(components...)
	m.pathCache.Add(resourceID, virtualPath)
	return virtualPath, nil
}

// GetChildDirectories collects the virtual paths of every descendant
// directory of the given entry, not including the entry itself. Used to
// compute dirty notification scopes.
func (m *Metadata) GetChildDirectories(resourceID string) (mapset.Set[string], error) {
	dirs := mapset.NewThreadUnsafeSet[string]()

	stack := []string{resourceID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		children, err := m.store.GetChildren(id)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFailed, err)
		}
		for _, child := range children {
			if !child.IsDirectory {
				continue
			}
			childPath, err := m.GetFilePath(child.ResourceID)
			if err != nil {
				return nil, err
			}
			dirs.Add(childPath)
			stack = append(stack, child.ResourceID)
		}
	}

	return dirs, nil
}

// LargestChangestamp exposes the store header value.
func (m *Metadata) LargestChangestamp() (int64, error) {
	cs, err := m.store.GetLargestChangestamp()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFailed, err)
	}
	return cs, nil
}

// SetLargestChangestamp persists the store header value.
func (m *Metadata) SetLargestChangestamp(cs int64) error {
	if !m.space.HasEnoughSpace() {
		return ErrNoSpace
	}
	if err := m.store.SetLargestChangestamp(cs); err != nil {
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}
	return nil
}

// Iterate runs fn for every persisted entry. Iteration stops on the
// first error.
func (m *Metadata) Iterate(fn func(*metastore.Entry) error) error {
	it, err := m.store.GetIterator()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}
	defer it.Close()

	for entry := it.Next(); entry != nil; entry = it.Next() {
		if err := fn(entry); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}
	return nil
}

// putEntryUnderDirectory inserts or updates the entry under its parent,
// bumping the base name with " (N)" until no different sibling owns it.
// The original title is preserved for redisplay.
func (m *Metadata) putEntryUnderDirectory(entry *metastore.Entry) error {
	base := sanitizeBaseName(entry.Title)

	candidate := base
	for n := 1; ; n++ {
		ownerID, err := m.store.GetChild(entry.ParentResourceID, candidate)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrFailed, err)
		}
		if ownerID == "" || ownerID == entry.ResourceID {
			break
		}
		candidate = numberedName(base, n)
	}

	entry.BaseName = candidate
	entry.Deleted = false
	if err := m.store.PutEntry(entry); err != nil {
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}
	return nil
}

// sanitizeBaseName makes a title safe for path composition.
func sanitizeBaseName(title string) string {
	name := strings.ReplaceAll(title, "/", "_")
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		name = "_"
	}
	return name
}

// numberedName inserts " (N)" before the extension, so "Foo.txt"
// becomes "Foo (1).txt".
func numberedName(base string, n int) string {
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return fmt.Sprintf("%s (%d)%s", stem, n, ext)
}
