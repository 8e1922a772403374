package storage

import "errors"

// ErrNotFound is returned by every read accessor when the requested key is
// absent from its bucket.
var ErrNotFound = errors.New("storage: not found")
