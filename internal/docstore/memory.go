package docstore

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/timelog/internal/instant"
)

// Memory is an in-process Store used by tests and local development.
// Capped listeners re-evaluate their snapshot on every mutation so the view
// refills after a removal and evicts records pushed past the cap, the way a
// capped live query keeps exactly Limit rows.
type Memory struct {
	mu        sync.Mutex
	docs      map[string]map[string]any
	listeners map[int]*memListener
	nextID    int
	clock     func() time.Time
}

type memListener struct {
	q         Query
	known     map[string]bool
	onChanges func([]Change)
	cancelled bool
}

// MemoryOption configures the in-memory store.
type MemoryOption func(*Memory)

// WithClock overrides the clock used to resolve server-assigned instants.
func WithClock(clock func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.clock = clock
	}
}

// NewMemory constructs an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		docs:      make(map[string]map[string]any),
		listeners: make(map[int]*memListener),
		clock:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Listen registers a live query and synchronously delivers the initial
// result set as Added changes.
func (m *Memory) Listen(_ context.Context, q Query, onChanges func([]Change), _ func(error)) (CancelFunc, error) {
	m.mu.Lock()
	listener := &memListener{
		q:         q,
		known:     make(map[string]bool),
		onChanges: onChanges,
	}
	id := m.nextID
	m.nextID++
	m.listeners[id] = listener

	initial := make([]Change, 0)
	for _, doc := range m.snapshotLocked(q) {
		listener.known[doc.ID] = true
		initial = append(initial, Change{Kind: Added, ID: doc.ID, Doc: doc.Doc})
	}
	m.mu.Unlock()

	if len(initial) > 0 {
		onChanges(initial)
	}

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if l, ok := m.listeners[id]; ok {
			l.cancelled = true
			delete(m.listeners, id)
		}
	}
	return cancel, nil
}

// Fetch runs the query once.
func (m *Memory) Fetch(_ context.Context, q Query) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(q), nil
}

// Get returns a copy of the document.
func (m *Memory) Get(_ context.Context, id string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDoc(doc), nil
}

// Create stores a document, assigning an id when none is supplied.
func (m *Memory) Create(_ context.Context, id string, doc map[string]any) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	stored := copyDoc(doc)
	m.resolveInstantsLocked(stored)
	m.docs[id] = stored
	pending := m.collectLocked(id)
	m.mu.Unlock()

	deliver(pending)
	return id, nil
}

// Patch merges fields into an existing document.
func (m *Memory) Patch(_ context.Context, id string, fields map[string]any) error {
	m.mu.Lock()
	doc, ok := m.docs[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	resolved := copyDoc(fields)
	m.resolveInstantsLocked(resolved)
	for key, value := range resolved {
		doc[key] = value
	}
	pending := m.collectLocked(id)
	m.mu.Unlock()

	deliver(pending)
	return nil
}

// Delete removes a document; unknown ids are a no-op.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.docs[id]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.docs, id)
	pending := m.collectLocked(id)
	m.mu.Unlock()

	deliver(pending)
	return nil
}

type pendingEmit struct {
	fn    func([]Change)
	batch []Change
}

// collectLocked computes, per listener, the changes the mutation of id
// implies for that listener's view.
func (m *Memory) collectLocked(id string) []pendingEmit {
	doc, exists := m.docs[id]
	pending := make([]pendingEmit, 0)

	for _, l := range m.listeners {
		if l.cancelled {
			continue
		}
		var batch []Change
		if l.q.Limit > 0 {
			batch = m.rediffLocked(l, id)
		} else {
			var change *Change
			switch {
			case !exists:
				if l.known[id] {
					delete(l.known, id)
					change = &Change{Kind: Removed, ID: id}
				}
			case Matches(l.q, doc):
				if l.known[id] {
					change = &Change{Kind: Modified, ID: id, Doc: copyDoc(doc)}
				} else {
					l.known[id] = true
					change = &Change{Kind: Added, ID: id, Doc: copyDoc(doc)}
				}
			default:
				// The document no longer satisfies this listener's
				// predicate, so it leaves this listener's view.
				if l.known[id] {
					delete(l.known, id)
					change = &Change{Kind: Removed, ID: id}
				}
			}
			if change != nil {
				batch = []Change{*change}
			}
		}
		if len(batch) > 0 {
			pending = append(pending, pendingEmit{fn: l.onChanges, batch: batch})
		}
	}
	return pending
}

// rediffLocked re-runs a capped listener's snapshot and diffs it against the
// known set. A record now ranking inside the cap arrives as Added even when
// the triggering mutation was the removal of a different record; one pushed
// past the cap leaves as Removed.
func (m *Memory) rediffLocked(l *memListener, mutated string) []Change {
	snap := m.snapshotLocked(l.q)
	current := make(map[string]bool, len(snap))
	for _, doc := range snap {
		current[doc.ID] = true
	}

	batch := make([]Change, 0)
	for id := range l.known {
		if !current[id] {
			delete(l.known, id)
			batch = append(batch, Change{Kind: Removed, ID: id})
		}
	}
	for _, doc := range snap {
		switch {
		case !l.known[doc.ID]:
			l.known[doc.ID] = true
			batch = append(batch, Change{Kind: Added, ID: doc.ID, Doc: doc.Doc})
		case doc.ID == mutated:
			batch = append(batch, Change{Kind: Modified, ID: doc.ID, Doc: doc.Doc})
		}
	}
	return batch
}

func deliver(pending []pendingEmit) {
	for _, p := range pending {
		p.fn(p.batch)
	}
}

// snapshotLocked evaluates the query against current documents: predicate
// filter, recency-descending order, optional cap.
func (m *Memory) snapshotLocked(q Query) []Document {
	out := make([]Document, 0)
	for id, doc := range m.docs {
		if Matches(q, doc) {
			out = append(out, Document{ID: id, Doc: copyDoc(doc)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return recencyMillis(out[i].Doc) > recencyMillis(out[j].Doc)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func recencyMillis(doc map[string]any) float64 {
	if ms := instant.ToMillis(doc[RecencyField]); !math.IsInf(ms, -1) {
		return ms
	}
	return instant.ToMillis(doc["loggedAt"])
}

// Matches evaluates a query predicate against a document.
func Matches(q Query, doc map[string]any) bool {
	if q.Field != "" && fieldString(doc[q.Field]) != q.Value {
		return false
	}
	if q.Subject != "" && fieldString(doc[SubjectField]) != q.Subject {
		return false
	}
	return true
}

func fieldString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// resolveInstantsLocked replaces instant values with concrete times,
// resolving server-assigned sentinels against the store clock at commit.
func (m *Memory) resolveInstantsLocked(doc map[string]any) {
	now := m.clock()
	for key, value := range doc {
		var inst *instant.Instant
		switch v := value.(type) {
		case *instant.Instant:
			inst = v
		case instant.Instant:
			inst = &v
		default:
			continue
		}
		if inst == nil {
			doc[key] = nil
			continue
		}
		if inst.IsServer() {
			doc[key] = now
			continue
		}
		doc[key] = inst.Time()
	}
}

func copyDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for key, value := range doc {
		out[key] = value
	}
	return out
}
