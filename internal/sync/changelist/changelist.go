// Package changelist reconciles remote change-list pages into the local
// metadata tree. A full listing rebuilds the tree from scratch; a delta
// applies adds, updates and deletions incrementally. Both report the set
// of virtual directory paths whose contents changed so callers can fire
// precise notifications instead of invalidating the whole tree.
package changelist

import (
	"errors"
	"fmt"
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/openmirror/drivesync/internal/drive"
	"github.com/openmirror/drivesync/internal/sync/metadata"
	"github.com/openmirror/drivesync/internal/sync/metastore"
)

// Processor applies change feeds to the metadata tree. It runs entirely
// on the tree's serialized sequence; it is just a batch of metadata
// calls. Partial application on error is acceptable: upserts are
// idempotent and a re-fetch of the same changestamp range converges.
type Processor struct {
	meta *metadata.Metadata
}

func New(meta *metadata.Metadata) *Processor {
	return &Processor{meta: meta}
}

// ConvertToMap flattens listing pages into a map keyed by resource id
// and returns the largest changestamp carried by any page.
func ConvertToMap(pages []*drive.Page) (map[string]*metastore.Entry, int64) {
	entries := make(map[string]*metastore.Entry)
	var largest int64
	for _, page := range pages {
		if page.LargestChangestamp > largest {
			largest = page.LargestChangestamp
		}
		for _, item := range page.Items {
			entries[item.ID] = convertResource(item)
		}
	}
	return entries, largest
}

// convertResource maps a remote resource onto a local entry. A resource
// without a parent is the remote root; it hangs off the grand root.
func convertResource(r *drive.Resource) *metastore.Entry {
	parent := r.ParentID
	if parent == "" {
		parent = metadata.GrandRootResourceID
	}
	return &metastore.Entry{
		ResourceID:       r.ID,
		ParentResourceID: parent,
		Title:            r.Title,
		IsDirectory:      r.IsDirectory,
		ContentHash:      r.ContentHash,
		Size:             r.Size,
		Deleted:          r.Deleted,
	}
}

// ApplyFullListing replaces the whole local tree with the given snapshot
// pages and advances the largest changestamp to the snapshot's. Existing
// content under the reserved roots is cleared first, then the snapshot
// is inserted parents-first.
func (p *Processor) ApplyFullListing(pages []*drive.Page) (mapset.Set[string], error) {
	changed := mapset.NewThreadUnsafeSet[string]()

	entries, largest := ConvertToMap(pages)

	if err := p.clearTree(changed); err != nil {
		return nil, err
	}

	if err := p.upsertAll(entries, nil, changed); err != nil {
		return nil, err
	}

	if err := p.advanceChangestamp(largest); err != nil {
		return nil, err
	}

	slog.Info("applied full listing", "entries", len(entries), "changestamp", largest)
	return changed, nil
}

// ApplyChangeList applies incremental delta pages. Deleted entries are
// removed (recursively for directories); everything else is upserted.
// Entries referencing an unknown parent are parked under the orphan
// root. An entry added under a directory deleted in the same batch is
// discarded entirely.
func (p *Processor) ApplyChangeList(pages []*drive.Page) (mapset.Set[string], error) {
	changed := mapset.NewThreadUnsafeSet[string]()

	entries, largest := ConvertToMap(pages)

	deleted := make(map[string]*metastore.Entry)
	upserts := make(map[string]*metastore.Entry)
	for id, entry := range entries {
		if entry.Deleted {
			deleted[id] = entry
		} else {
			upserts[id] = entry
		}
	}

	// Discard entries whose ancestor chain within this batch hits a
	// deleted directory; there is no path to place them.
	for id, entry := range upserts {
		ancestor := entry.ParentResourceID
		for {
			if _, gone := deleted[ancestor]; gone {
				slog.Debug("discarding entry under deleted parent", "id", id, "parent", ancestor)
				delete(upserts, id)
				break
			}
			next, inBatch := upserts[ancestor]
			if !inBatch {
				break
			}
			ancestor = next.ParentResourceID
		}
	}

	for id := range deleted {
		existing, err := p.meta.GetResourceEntryByID(id)
		if errors.Is(err, metadata.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		parentPath, err := p.meta.GetFilePath(existing.ParentResourceID)
		if err != nil {
			return nil, err
		}
		if err := p.meta.RemoveEntry(id); err != nil {
			return nil, err
		}
		changed.Add(parentPath)
	}

	if err := p.upsertAll(upserts, changed, changed); err != nil {
		return nil, err
	}

	if err := p.advanceChangestamp(largest); err != nil {
		return nil, err
	}

	slog.Debug("applied change list", "upserts", len(upserts), "deletes", len(deleted), "changestamp", largest)
	return changed, nil
}

// advanceChangestamp moves the stored largest changestamp forward,
// never back: a stale or empty page must not make the next delta fetch
// re-cover ground already applied.
func (p *Processor) advanceChangestamp(largest int64) error {
	current, err := p.meta.LargestChangestamp()
	if err != nil {
		return err
	}
	if largest <= current {
		return nil
	}
	return p.meta.SetLargestChangestamp(largest)
}

// clearTree removes everything under the grand root except the reserved
// roots, and everything under the orphan root.
func (p *Processor) clearTree(changed mapset.Set[string]) error {
	roots := []string{metadata.GrandRootResourceID, metadata.OtherRootResourceID}
	for _, rootID := range roots {
		rootPath, err := p.meta.GetFilePath(rootID)
		if err != nil {
			return err
		}
		children, err := p.meta.ReadDirectoryByPath(rootPath)
		if err != nil {
			return err
		}
		for _, child := range children {
			if metadata.IsReservedID(child.ResourceID) {
				continue
			}
			if err := p.meta.RemoveEntry(child.ResourceID); err != nil {
				return err
			}
			changed.Add(rootPath)
		}
	}
	return nil
}

// upsertAll inserts or refreshes the entries parents-first, using an
// explicit worklist to order ancestors within the batch before their
// descendants. oldParents, when non-nil, receives the previous parent
// path of refreshed entries; newParents receives the parent path every
// touched entry ends up under.
func (p *Processor) upsertAll(entries map[string]*metastore.Entry, oldParents, newParents mapset.Set[string]) error {
	done := make(map[string]bool, len(entries))

	for id := range entries {
		// Build the dependency chain bottom-up, then unwind it.
		chain := []string{id}
		inChain := map[string]bool{id: true}
		for {
			top := entries[chain[len(chain)-1]]
			parentID := top.ParentResourceID
			if done[parentID] || inChain[parentID] {
				break
			}
			if _, inBatch := entries[parentID]; !inBatch {
				break
			}
			chain = append(chain, parentID)
			inChain[parentID] = true
		}

		for i := len(chain) - 1; i >= 0; i-- {
			cid := chain[i]
			if done[cid] {
				continue
			}
			if err := p.upsertOne(entries[cid], oldParents, newParents); err != nil {
				return err
			}
			done[cid] = true
		}
	}
	return nil
}

// upsertOne adds or refreshes a single entry, parking it under the
// orphan root when its parent is unknown locally.
func (p *Processor) upsertOne(entry *metastore.Entry, oldParents, newParents mapset.Set[string]) error {
	entry = entry.Clone()

	_, err := p.meta.GetResourceEntryByID(entry.ParentResourceID)
	if errors.Is(err, metadata.ErrNotFound) {
		slog.Debug("parking orphan entry", "id", entry.ResourceID, "parent", entry.ParentResourceID)
		entry.ParentResourceID = metadata.OtherRootResourceID
	} else if err != nil {
		return err
	}

	existing, err := p.meta.GetResourceEntryByID(entry.ResourceID)
	switch {
	case err == nil:
		if oldParents != nil {
			oldPath, err := p.meta.GetFilePath(existing.ParentResourceID)
			if err != nil {
				return err
			}
			oldParents.Add(oldPath)
		}
		// A remote kind change cannot be refreshed in place; replace the
		// entry wholesale.
		if existing.IsDirectory != entry.IsDirectory {
			if err := p.meta.RemoveEntry(entry.ResourceID); err != nil {
				return err
			}
			if err := p.meta.AddEntry(entry); err != nil {
				return err
			}
		} else if err := p.meta.RefreshEntry(entry); err != nil {
			return err
		}
	case errors.Is(err, metadata.ErrNotFound):
		if err := p.meta.AddEntry(entry); err != nil {
			return err
		}
	default:
		return err
	}

	newPath, err := p.meta.GetFilePath(entry.ParentResourceID)
	if err != nil {
		return fmt.Errorf("resolve parent path of %s: %w", entry.ResourceID, err)
	}
	newParents.Add(newPath)
	return nil
}
