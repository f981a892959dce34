// Package docstore defines the engine-facing contracts of the remote
// document store: equality-filtered live queries delivering add/modify/remove
// change events, one-shot fetches, and document write operations. The store's
// document format is opaque to the engine beyond the named fields the
// normalizer understands.
package docstore

import "context"

// ChangeKind classifies a live-query change event.
type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Change is one live-query change event. Doc is nil for Removed.
type Change struct {
	Kind ChangeKind
	ID   string
	Doc  map[string]any
}

// Document is a one-shot fetch result.
type Document struct {
	ID  string
	Doc map[string]any
}

// Query describes one listener's predicate: at most one equality filter,
// an optional secondary subject filter, store-native recency ordering, and
// an optional result cap. An empty Field means no identity filter.
type Query struct {
	Field   string
	Value   string
	Subject string
	Limit   int
}

// SubjectField is the document field the Subject filter matches against.
const SubjectField = "rideId"

// RecencyField is the store-native ordering field for live queries.
const RecencyField = "startTime"

// CancelFunc tears down one listener. Implementations must tolerate being
// called more than once.
type CancelFunc func()

// Store is the remote document-store client consumed by the engine. Listen
// and the write operations are the only blocking points; they honor ctx.
type Store interface {
	// Listen opens a live query. The initial result set arrives as Added
	// changes, and every subsequent mutation that affects the query's view
	// arrives as a change batch. onError reports listener failures without
	// closing the listener's siblings.
	Listen(ctx context.Context, q Query, onChanges func([]Change), onError func(error)) (CancelFunc, error)

	// Fetch runs the query once, without subscribing.
	Fetch(ctx context.Context, q Query) ([]Document, error)

	// Get returns a document by id, or ErrNotFound.
	Get(ctx context.Context, id string) (map[string]any, error)

	// Create stores a new document. An empty id requests a store-assigned
	// one; the assigned id is returned either way.
	Create(ctx context.Context, id string, doc map[string]any) (string, error)

	// Patch merges fields into an existing document. Keys present with nil
	// values clear the field; absent keys are untouched.
	Patch(ctx context.Context, id string, fields map[string]any) error

	// Delete removes a document. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error
}
