package merge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/timelog/internal/docstore"
	"example.com/timelog/internal/domain"
)

type viewRecorder struct {
	mu    sync.Mutex
	views [][]string
	errs  []error
}

func (r *viewRecorder) onData(records []domain.TimeRecord) {
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}
	r.mu.Lock()
	r.views = append(r.views, ids)
	r.mu.Unlock()
}

func (r *viewRecorder) onError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *viewRecorder) last(t *testing.T) []string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.views, "no view emitted yet")
	return r.views[len(r.views)-1]
}

func seed(t *testing.T, store *docstore.Memory, id string, doc map[string]any) {
	t.Helper()
	_, err := store.Create(context.Background(), id, doc)
	require.NoError(t, err)
}

func TestBuildKeySetDedupesAndCaseFolds(t *testing.T) {
	keys := BuildKeySet([]IdentityKey{
		{Field: "driverKey", Value: "Dana@Example.com"},
		{Field: "driverKey", Value: "dana@example.com"},
		{Field: "driverKey", Value: "  dana@example.com  "},
		{Field: "driverId", Value: "u-1"},
		{Field: "driverId", Value: ""},
		{Field: "", Value: "orphan"},
	})
	require.Equal(t, []IdentityKey{
		{Field: "driverKey", Value: "Dana@Example.com"},
		{Field: "driverKey", Value: "dana@example.com"},
		{Field: "driverId", Value: "u-1"},
	}, keys)
}

func TestOpenMergesAndDeduplicatesAcrossListeners(t *testing.T) {
	store := docstore.NewMemory()
	// One record carries both identity fields, so two listeners report it.
	seed(t, store, "both", map[string]any{
		"driverKey": "dana@example.com",
		"driverId":  "u-1",
		"startTime": "2026-03-02T10:00:00Z",
	})
	seed(t, store, "keyed", map[string]any{
		"driverKey": "dana@example.com",
		"startTime": "2026-03-02T09:00:00Z",
	})

	rec := &viewRecorder{}
	sub, err := Open(context.Background(), store,
		[]IdentityKey{
			{Field: "driverKey", Value: "dana@example.com"},
			{Field: "driverId", Value: "u-1"},
		},
		Options{}, rec.onData, rec.onError)
	require.NoError(t, err)
	defer sub.Close()

	require.Equal(t, []string{"both", "keyed"}, rec.last(t))
	require.Empty(t, rec.errs)
}

func TestOpenFindsCaseVariantIdentity(t *testing.T) {
	store := docstore.NewMemory()
	seed(t, store, "legacy", map[string]any{
		"driverEmail": "dana@example.com",
		"startTime":   "2026-03-02T09:00:00Z",
	})

	rec := &viewRecorder{}
	sub, err := Open(context.Background(), store,
		[]IdentityKey{{Field: "driverEmail", Value: "Dana@Example.com"}},
		Options{}, rec.onData, rec.onError)
	require.NoError(t, err)
	defer sub.Close()

	require.Equal(t, []string{"legacy"}, rec.last(t))
}

func TestOpenEmitsEmptyViewWhenNothingMatches(t *testing.T) {
	store := docstore.NewMemory()
	rec := &viewRecorder{}
	sub, err := Open(context.Background(), store,
		[]IdentityKey{{Field: "driverKey", Value: "nobody"}},
		Options{}, rec.onData, rec.onError)
	require.NoError(t, err)
	defer sub.Close()

	// A subscriber with zero matching records still gets a first frame.
	require.Equal(t, []string{}, rec.last(t))
}

func TestWindowTruncationAndRemoval(t *testing.T) {
	store := docstore.NewMemory()
	seed(t, store, "a", map[string]any{
		"driverKey": "k",
		"startTime": "2026-03-02T08:00:00Z",
	})
	seed(t, store, "b", map[string]any{
		"driverKey": "k",
		"startTime": "2026-03-02T09:00:00Z",
	})

	rec := &viewRecorder{}
	sub, err := Open(context.Background(), store,
		[]IdentityKey{{Field: "driverKey", Value: "k"}},
		Options{WindowSize: 1}, rec.onData, rec.onError)
	require.NoError(t, err)
	defer sub.Close()

	require.Equal(t, []string{"b"}, rec.last(t))

	// Dropping the newest record promotes the older one into the window.
	require.NoError(t, store.Delete(context.Background(), "b"))
	require.Equal(t, []string{"a"}, rec.last(t))
}

func TestZeroKeysFallsBackToDirectQuery(t *testing.T) {
	store := docstore.NewMemory()
	seed(t, store, "a", map[string]any{"driverKey": "k1", "startTime": "2026-03-02T08:00:00Z"})
	seed(t, store, "b", map[string]any{"driverKey": "k2", "startTime": "2026-03-02T09:00:00Z"})

	rec := &viewRecorder{}
	sub, err := Open(context.Background(), store, nil, Options{}, rec.onData, rec.onError)
	require.NoError(t, err)
	defer sub.Close()

	require.Equal(t, []string{"b", "a"}, rec.last(t))
}

func TestSubjectFilterApplies(t *testing.T) {
	store := docstore.NewMemory()
	seed(t, store, "match", map[string]any{
		"driverKey": "k",
		"rideId":    "ride-9",
		"startTime": "2026-03-02T08:00:00Z",
	})
	seed(t, store, "other", map[string]any{
		"driverKey": "k",
		"rideId":    "ride-1",
		"startTime": "2026-03-02T09:00:00Z",
	})

	rec := &viewRecorder{}
	sub, err := Open(context.Background(), store,
		[]IdentityKey{{Field: "driverKey", Value: "k"}},
		Options{SubjectRef: "ride-9"}, rec.onData, rec.onError)
	require.NoError(t, err)
	defer sub.Close()

	require.Equal(t, []string{"match"}, rec.last(t))
}

func TestCloseStopsEmissionsAndIsIdempotent(t *testing.T) {
	store := docstore.NewMemory()
	rec := &viewRecorder{}
	sub, err := Open(context.Background(), store,
		[]IdentityKey{{Field: "driverKey", Value: "k"}},
		Options{}, rec.onData, rec.onError)
	require.NoError(t, err)

	sub.Close()
	sub.Close()

	rec.mu.Lock()
	emitted := len(rec.views)
	rec.mu.Unlock()

	seed(t, store, "late", map[string]any{"driverKey": "k"})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, emitted, len(rec.views), "closed subscription must not emit")
}

// flakyStore fails Listen and Fetch for one identity field while delegating
// everything else to the wrapped store.
type flakyStore struct {
	docstore.Store
	badField string
}

var errListenerDown = errors.New("listener down")

func (f *flakyStore) Listen(ctx context.Context, q docstore.Query, onChanges func([]docstore.Change), onError func(error)) (docstore.CancelFunc, error) {
	if q.Field == f.badField {
		return nil, errListenerDown
	}
	return f.Store.Listen(ctx, q, onChanges, onError)
}

func (f *flakyStore) Fetch(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	if q.Field == f.badField {
		return nil, errListenerDown
	}
	return f.Store.Fetch(ctx, q)
}

func TestPartialListenerFailureKeepsSiblings(t *testing.T) {
	mem := docstore.NewMemory()
	seed(t, mem, "ok", map[string]any{
		"driverKey": "dana@example.com",
		"startTime": "2026-03-02T09:00:00Z",
	})
	store := &flakyStore{Store: mem, badField: "driverId"}

	rec := &viewRecorder{}
	sub, err := Open(context.Background(), store,
		[]IdentityKey{
			{Field: "driverKey", Value: "dana@example.com"},
			{Field: "driverId", Value: "u-1"},
		},
		Options{}, rec.onData, rec.onError)
	require.NoError(t, err)
	defer sub.Close()

	require.Equal(t, []string{"ok"}, rec.last(t))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.errs, 1)
	var lerr *domain.ListenerError
	require.ErrorAs(t, rec.errs[0], &lerr)
	require.Equal(t, "driverId", lerr.Field)
	require.ErrorIs(t, rec.errs[0], errListenerDown)
}

func TestSnapshotMergesOnce(t *testing.T) {
	store := docstore.NewMemory()
	seed(t, store, "both", map[string]any{
		"driverKey": "dana@example.com",
		"driverId":  "u-1",
		"startTime": "2026-03-02T10:00:00Z",
	})
	seed(t, store, "old", map[string]any{
		"driverId":  "u-1",
		"startTime": "2026-03-02T07:00:00Z",
	})

	records, err := Snapshot(context.Background(), store,
		[]IdentityKey{
			{Field: "driverKey", Value: "dana@example.com"},
			{Field: "driverId", Value: "u-1"},
		},
		Options{WindowSize: 1})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "both", records[0].ID)
}

func TestSnapshotFailsOnlyWhenNothingHealthy(t *testing.T) {
	mem := docstore.NewMemory()
	seed(t, mem, "ok", map[string]any{"driverKey": "k"})
	store := &flakyStore{Store: mem, badField: "driverId"}

	records, err := Snapshot(context.Background(), store,
		[]IdentityKey{
			{Field: "driverKey", Value: "k"},
			{Field: "driverId", Value: "u-1"},
		}, Options{})
	require.NoError(t, err)
	require.Len(t, records, 1)

	allBad := &flakyStore{Store: mem, badField: "driverKey"}
	_, err = Snapshot(context.Background(), allBad,
		[]IdentityKey{{Field: "driverKey", Value: "k"}}, Options{})
	require.ErrorIs(t, err, errListenerDown)
}

// The shared accumulator must tolerate concurrent listener callbacks.
func TestConcurrentApplyIsSerialized(t *testing.T) {
	store := docstore.NewMemory()
	rec := &viewRecorder{}
	sub, err := Open(context.Background(), store,
		[]IdentityKey{{Field: "driverKey", Value: "k"}},
		Options{}, rec.onData, rec.onError)
	require.NoError(t, err)
	defer sub.Close()

	var wg sync.WaitGroup
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = store.Create(context.Background(), string(rune('a'+i)), map[string]any{
				"driverKey": "k",
				"startTime": base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
			})
		}(i)
	}
	wg.Wait()

	require.Len(t, rec.last(t), 8)
}
