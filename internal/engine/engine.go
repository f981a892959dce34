// Package engine exposes the time-record synchronization engine: a
// validating, retrying write path over the document store and a merged
// live-subscription read path.
package engine

import (
	"context"
	"errors"
	"log"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"example.com/timelog/internal/docstore"
	"example.com/timelog/internal/domain"
	"example.com/timelog/internal/feed"
	"example.com/timelog/internal/merge"
	"example.com/timelog/internal/observability"
)

// FeedPublisher receives committed record changes. Publish failures never
// fail the originating write.
type FeedPublisher interface {
	Publish(ctx context.Context, event feed.Event) error
}

// Engine coordinates reads and writes against one document store.
type Engine struct {
	store         docstore.Store
	pub           FeedPublisher
	logger        *log.Logger
	clock         func() time.Time
	maxAttempts   int
	retryBase     time.Duration
	defaultWindow int
}

// Option configures an Engine.
type Option func(*Engine)

// WithFeed attaches a change-feed publisher for committed writes.
func WithFeed(pub FeedPublisher) Option {
	return func(e *Engine) { e.pub = pub }
}

// WithLogger overrides the engine logger.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithRetry tunes the commit retry budget.
func WithRetry(maxAttempts int, base time.Duration) Option {
	return func(e *Engine) {
		if maxAttempts > 0 {
			e.maxAttempts = maxAttempts
		}
		if base > 0 {
			e.retryBase = base
		}
	}
}

// WithDefaultWindow sets the window size applied when a caller does not
// request one.
func WithDefaultWindow(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.defaultWindow = n
		}
	}
}

// New constructs an Engine over the given store.
func New(store docstore.Store, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		logger:        log.New(log.Writer(), "[engine] ", log.LstdFlags),
		clock:         func() time.Time { return time.Now().UTC() },
		maxAttempts:   3,
		retryBase:     100 * time.Millisecond,
		defaultWindow: 200,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Subscribe opens a merged live subscription for the identity keys. The
// returned subscription must be closed by the caller.
func (e *Engine) Subscribe(ctx context.Context, keys []merge.IdentityKey, opts merge.Options, onData func([]domain.TimeRecord), onError func(error)) (*merge.Subscription, error) {
	if opts.WindowSize <= 0 {
		opts.WindowSize = e.defaultWindow
	}
	return merge.Open(ctx, e.store, keys, opts, onData, onError, merge.WithLogger(e.logger))
}

// Snapshot performs the merged read once, without subscribing.
func (e *Engine) Snapshot(ctx context.Context, keys []merge.IdentityKey, opts merge.Options) ([]domain.TimeRecord, error) {
	if opts.WindowSize <= 0 {
		opts.WindowSize = e.defaultWindow
	}
	return merge.Snapshot(ctx, e.store, keys, opts)
}

// activeLookupWindow bounds the recent-records scan used to locate an open
// session.
const activeLookupWindow = 40

// ActiveSession returns the most recent open session for the identity keys,
// or nil when none is running.
func (e *Engine) ActiveSession(ctx context.Context, keys []merge.IdentityKey) (*domain.TimeRecord, error) {
	view, err := merge.Snapshot(ctx, e.store, keys, merge.Options{WindowSize: activeLookupWindow})
	if err != nil {
		return nil, err
	}
	for i := range view {
		rec := view[i]
		if !rec.Open() || rec.Start == nil || rec.End != nil {
			continue
		}
		return &rec, nil
	}
	return nil, nil
}

// Get fetches and normalizes a single record.
func (e *Engine) Get(ctx context.Context, id string) (*domain.TimeRecord, error) {
	raw, err := e.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, domain.ErrRecordNotFound
		}
		return nil, err
	}
	rec := domain.Normalize(id, raw)
	return &rec, nil
}

// commit runs fn under the retry policy: exponential backoff with jitter up
// to the attempt budget. Unknown-id failures are permanent.
func (e *Engine) commit(ctx context.Context, op, id string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retryBase
	bo.RandomizationFactor = 0.4

	attempt := 0
	err := backoff.Retry(func() error {
		if attempt > 0 {
			observability.WriteRetried()
		}
		attempt++
		if err := fn(); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.maxAttempts-1)), ctx))

	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return domain.ErrRecordNotFound
		}
		observability.WriteFailed(op)
		e.logger.Printf("%s failed (id=%s, attempts=%d): %v", op, id, attempt, err)
		return &domain.PersistenceError{Op: op, ID: id, Err: err}
	}
	return nil
}

// publish reports a committed change to the feed. Failures are logged only.
func (e *Engine) publish(ctx context.Context, eventType, id, ownerKey string, doc map[string]any) {
	if e.pub == nil {
		return
	}
	err := e.pub.Publish(ctx, feed.Event{
		Type:       eventType,
		RecordID:   id,
		OwnerKey:   ownerKey,
		OccurredAt: e.clock(),
		Doc:        doc,
	})
	if err != nil {
		e.logger.Printf("feed publish failed (event=%s, id=%s): %v", eventType, id, err)
	}
}

func normalizeEmail(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	return strings.ToLower(trimmed)
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func boolOf(value any) bool {
	b, ok := value.(bool)
	return ok && b
}

func numberOf(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, !math.IsNaN(v) && !math.IsInf(v, 0)
	}
	return 0, false
}
