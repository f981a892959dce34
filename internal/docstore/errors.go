package docstore

import "errors"

// ErrNotFound is returned by Get and Patch for unknown document ids.
var ErrNotFound = errors.New("document not found")
