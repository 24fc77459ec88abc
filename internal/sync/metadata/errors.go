package metadata

import "errors"

// Tree operations fail with exactly one of these kinds. Callers branch
// with errors.Is; no retry happens inside this layer.
var (
	ErrNotFound         = errors.New("metadata: not found")
	ErrExists           = errors.New("metadata: already exists")
	ErrNotADirectory    = errors.New("metadata: not a directory")
	ErrAccessDenied     = errors.New("metadata: access denied")
	ErrInvalidOperation = errors.New("metadata: invalid operation")
	ErrNoSpace          = errors.New("metadata: no local space")
	ErrFailed           = errors.New("metadata: operation failed")
)
