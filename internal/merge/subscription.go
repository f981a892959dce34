// Package merge emulates an OR-of-identity-keys live query by fanning out
// one listener per (field, value) pair and merging their change streams into
// a single deduplicated, sorted, bounded view.
package merge

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"

	"example.com/timelog/internal/docstore"
	"example.com/timelog/internal/domain"
)

// IdentityKey is one (field, value) pair a record could be stored under.
type IdentityKey struct {
	Field string
	Value string
}

// Options bounds a merged subscription.
type Options struct {
	// SubjectRef, when set, ANDs a subject-equality filter onto every
	// listener.
	SubjectRef string
	// WindowSize caps the merged view to the most-recent N records by
	// derived sort instant. Zero means unbounded.
	WindowSize int
}

// Subscription is one merged live view. The accumulator and listener set are
// owned exclusively by this instance; all mutation is serialized on mu so a
// change batch's apply and the recompute-and-emit step are atomic with
// respect to each other.
type Subscription struct {
	mu      sync.Mutex
	closed  bool
	emitted bool
	acc     map[string]domain.TimeRecord
	cancels []docstore.CancelFunc
	opts    Options
	onData  func([]domain.TimeRecord)
	onError func(error)
	logger  *log.Logger
}

// Option configures optional behaviour for Open.
type Option func(*Subscription)

// WithLogger overrides the logger used for listener failures and teardown.
func WithLogger(logger *log.Logger) Option {
	return func(s *Subscription) {
		s.logger = logger
	}
}

// BuildKeySet deduplicates identity pairs and expands case-folded variants
// for string values, so a session keyed under either casing is found.
func BuildKeySet(keys []IdentityKey) []IdentityKey {
	seen := make(map[IdentityKey]bool)
	out := make([]IdentityKey, 0, len(keys))

	push := func(field, value string) {
		if field == "" || value == "" {
			return
		}
		pair := IdentityKey{Field: field, Value: value}
		if seen[pair] {
			return
		}
		seen[pair] = true
		out = append(out, pair)
	}

	for _, key := range keys {
		value := strings.TrimSpace(key.Value)
		push(key.Field, value)
		if lower := strings.ToLower(value); lower != value {
			push(key.Field, lower)
		}
	}
	return out
}

// Open attaches one listener per deduplicated identity pair and returns the
// merged subscription. With zero identity keys it falls back to a single
// direct query and pays no fan-out cost.
//
// A failed listener reports through onError and its predicate is logged, but
// sibling listeners stay attached: partial availability is preferred over
// total failure.
//
// Known limitation: each listener independently enforces WindowSize at the
// store, so a record ranking inside the global merged window can be missing
// when its own listener's store-side cap excluded it first.
func Open(ctx context.Context, store docstore.Store, keys []IdentityKey, opts Options, onData func([]domain.TimeRecord), onError func(error), optFns ...Option) (*Subscription, error) {
	sub := &Subscription{
		acc:     make(map[string]domain.TimeRecord),
		opts:    opts,
		onData:  onData,
		onError: onError,
		logger:  log.New(log.Writer(), "[merge] ", log.LstdFlags),
	}
	for _, opt := range optFns {
		opt(sub)
	}

	keySet := BuildKeySet(keys)

	if len(keySet) == 0 {
		cancel, err := store.Listen(ctx, docstore.Query{
			Subject: opts.SubjectRef,
			Limit:   opts.WindowSize,
		}, sub.apply, func(err error) {
			sub.fail("", "", err)
		})
		if err != nil {
			return nil, err
		}
		sub.addCancel(cancel)
		sub.emitInitial()
		return sub, nil
	}

	for _, pair := range keySet {
		pair := pair
		cancel, err := store.Listen(ctx, docstore.Query{
			Field:   pair.Field,
			Value:   pair.Value,
			Subject: opts.SubjectRef,
			Limit:   opts.WindowSize,
		}, sub.apply, func(err error) {
			sub.fail(pair.Field, pair.Value, err)
		})
		if err != nil {
			sub.fail(pair.Field, pair.Value, err)
			continue
		}
		sub.addCancel(cancel)
	}

	sub.emitInitial()
	return sub, nil
}

// apply is the single entry point for every listener's change batches:
// upsert/delete against the accumulator, then recompute and emit the merged
// view, all under one lock.
func (s *Subscription) apply(changes []docstore.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	for _, change := range changes {
		if change.Kind == docstore.Removed {
			delete(s.acc, change.ID)
			continue
		}
		s.acc[change.ID] = domain.Normalize(change.ID, change.Doc)
	}

	s.emitLocked()
}

// emitInitial guarantees the subscriber one callback after attach even when
// no listener delivered a batch, so an empty merged view still produces a
// first frame.
func (s *Subscription) emitInitial() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.emitted {
		return
	}
	s.emitLocked()
}

func (s *Subscription) emitLocked() {
	view := s.recomputeLocked()
	s.emitted = true
	mergeEmits.Inc()
	mergedViewSize.Set(float64(len(view)))
	if s.onData != nil {
		s.onData(view)
	}
}

// recomputeLocked sorts accumulated records descending by derived sort
// instant and truncates to the window.
func (s *Subscription) recomputeLocked() []domain.TimeRecord {
	view := make([]domain.TimeRecord, 0, len(s.acc))
	for _, rec := range s.acc {
		view = append(view, rec)
	}
	sort.SliceStable(view, func(i, j int) bool {
		return view[i].SortMillis() > view[j].SortMillis()
	})
	if s.opts.WindowSize > 0 && len(view) > s.opts.WindowSize {
		view = view[:s.opts.WindowSize]
	}
	return view
}

// fail reports a listener failure. It holds mu across the onError call so
// error callbacks are serialized with onData on the same lock; callbacks
// must not re-enter the subscription.
func (s *Subscription) fail(field, value string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.logger.Printf("listener error (field=%s, value=%s): %v", field, value, err)
	listenerErrors.WithLabelValues(field).Inc()
	if s.onError != nil {
		s.onError(&domain.ListenerError{Field: field, Value: value, Err: err})
	}
}

func (s *Subscription) addCancel(cancel docstore.CancelFunc) {
	s.mu.Lock()
	if s.closed {
		// Close raced the listener attach; tear it down immediately.
		s.mu.Unlock()
		s.safeCancel(cancel)
		return
	}
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()
}

// Close tears down every fan-out listener exactly once and suppresses any
// late emission. It is idempotent; individual teardown failures are logged
// and do not block the remaining listeners.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		s.safeCancel(cancel)
	}
}

func (s *Subscription) safeCancel(cancel docstore.CancelFunc) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("listener teardown failed: %v", r)
		}
	}()
	if cancel != nil {
		cancel()
	}
}

// Snapshot runs the fan-out read once, without subscribing: one Fetch per
// deduplicated identity pair, merged by id, sorted and truncated exactly
// like the live view.
func Snapshot(ctx context.Context, store docstore.Store, keys []IdentityKey, opts Options) ([]domain.TimeRecord, error) {
	keySet := BuildKeySet(keys)

	queries := make([]docstore.Query, 0, len(keySet))
	if len(keySet) == 0 {
		queries = append(queries, docstore.Query{Subject: opts.SubjectRef, Limit: opts.WindowSize})
	} else {
		for _, pair := range keySet {
			queries = append(queries, docstore.Query{
				Field:   pair.Field,
				Value:   pair.Value,
				Subject: opts.SubjectRef,
				Limit:   opts.WindowSize,
			})
		}
	}

	acc := make(map[string]domain.TimeRecord)
	var firstErr error
	healthy := 0
	for _, q := range queries {
		docs, err := store.Fetch(ctx, q)
		if err != nil {
			if firstErr == nil {
				firstErr = &domain.ListenerError{Field: q.Field, Value: q.Value, Err: err}
			}
			continue
		}
		healthy++
		for _, doc := range docs {
			acc[doc.ID] = domain.Normalize(doc.ID, doc.Doc)
		}
	}
	if healthy == 0 && firstErr != nil {
		return nil, firstErr
	}

	view := make([]domain.TimeRecord, 0, len(acc))
	for _, rec := range acc {
		view = append(view, rec)
	}
	sort.SliceStable(view, func(i, j int) bool {
		return view[i].SortMillis() > view[j].SortMillis()
	})
	if opts.WindowSize > 0 && len(view) > opts.WindowSize {
		view = view[:opts.WindowSize]
	}
	return view, nil
}
