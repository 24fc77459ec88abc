package drive

// Resource is one entry in a remote listing or change feed.
type Resource struct {
	ID          string `json:"id"`
	ParentID    string `json:"parentId"`
	Title       string `json:"title"`
	IsDirectory bool   `json:"isDirectory"`
	ContentHash string `json:"contentHash,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Changestamp int64  `json:"changestamp"`
	Deleted     bool   `json:"deleted,omitempty"`
}

// Page is one page of a paginated listing. For change feeds
// LargestChangestamp is the feed position after this page; for full
// listings it is the snapshot changestamp. An empty NextPageToken
// means the listing is complete.
type Page struct {
	Items              []*Resource `json:"items"`
	LargestChangestamp int64       `json:"largestChangestamp"`
	NextPageToken      string      `json:"nextPageToken,omitempty"`
}

// AboutInfo describes the remote store as a whole.
type AboutInfo struct {
	RootResourceID     string `json:"rootResourceId"`
	LargestChangestamp int64  `json:"largestChangestamp"`
	QuotaBytesTotal    int64  `json:"quotaBytesTotal"`
	QuotaBytesUsed     int64  `json:"quotaBytesUsed"`
}
