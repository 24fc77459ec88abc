package metastore

// Entry is the persisted unit of the local metadata tree.
//
// ParentResourceID is empty only for the grand root. BaseName is the
// de-duplicated name actually used for path composition; Title is the
// user-facing name before de-duplication. DirChangestamp records when a
// directory's children were last fully fetched and is zero for files.
// Deleted is a transient tombstone used during change-list application
// and is never persisted as true.
type Entry struct {
	ResourceID       string `db:"resource_id"`
	ParentResourceID string `db:"parent_resource_id"`
	Title            string `db:"title"`
	BaseName         string `db:"base_name"`
	IsDirectory      bool   `db:"is_directory"`
	ContentHash      string `db:"content_hash"`
	Size             int64  `db:"size"`
	DirChangestamp   int64  `db:"dir_changestamp"`
	Deleted          bool   `db:"deleted"`
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	clone := *e
	return &clone
}
