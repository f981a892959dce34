// Package postgres provides a Postgres-backed document store: one JSONB
// document per time record, with live queries driven by LISTEN/NOTIFY.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/timelog/internal/docstore"
	"example.com/timelog/internal/instant"
)

// NotifyChannel carries change notifications emitted by the table trigger.
const NotifyChannel = "time_records_changes"

// Store implements docstore.Store on a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *log.Logger
	clock  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger overrides the logger used by listener goroutines.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock overrides the clock used to resolve server-assigned instants.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// New constructs a Store over the pool. The schema must already be in place
// (see Migrate).
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:   pool,
		logger: log.New(log.Writer(), "[docstore.postgres] ", log.LstdFlags),
		clock:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type notification struct {
	ID string `json:"id"`
	Op string `json:"op"`
}

// Listen opens a live query. A dedicated pool connection LISTENs on the
// change channel; the initial snapshot is delivered as Added changes, and
// each notification re-reads the touched document to decide whether it
// entered, changed within, or left this listener's view. Capped queries
// re-run the whole query per notification so the view refills after a
// removal.
func (s *Store) Listen(ctx context.Context, q docstore.Query, onChanges func([]docstore.Change), onError func(error)) (docstore.CancelFunc, error) {
	listenCtx, cancel := context.WithCancel(ctx)

	conn, err := s.pool.Acquire(listenCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	if _, err := conn.Exec(listenCtx, "LISTEN "+NotifyChannel); err != nil {
		conn.Release()
		cancel()
		return nil, err
	}

	go s.run(listenCtx, conn, q, onChanges, onError)

	return func() {
		cancel()
	}, nil
}

func (s *Store) run(ctx context.Context, conn *pgxpool.Conn, q docstore.Query, onChanges func([]docstore.Change), onError func(error)) {
	defer conn.Release()

	known := make(map[string]bool)

	docs, err := s.Fetch(ctx, q)
	if err != nil {
		if ctx.Err() == nil {
			onError(err)
		}
		return
	}
	initial := make([]docstore.Change, 0, len(docs))
	for _, doc := range docs {
		known[doc.ID] = true
		initial = append(initial, docstore.Change{Kind: docstore.Added, ID: doc.ID, Doc: doc.Doc})
	}
	if len(initial) > 0 {
		onChanges(initial)
	}

	for {
		raw, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			onError(err)
			return
		}

		var note notification
		if err := json.Unmarshal([]byte(raw.Payload), &note); err != nil {
			s.logger.Printf("bad notification payload %q: %v", raw.Payload, err)
			continue
		}

		var batch []docstore.Change
		if q.Limit > 0 {
			batch, err = s.rediff(ctx, q, known, note.ID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Printf("capped re-query failed (id=%s): %v", note.ID, err)
				continue
			}
		} else if change, ok := s.resolveChange(ctx, q, known, note); ok {
			batch = []docstore.Change{change}
		}
		if len(batch) > 0 {
			onChanges(batch)
		}
	}
}

// rediff re-runs a capped query and diffs the result against the known set,
// so the view refills after a removal and evicts records pushed past the
// cap.
func (s *Store) rediff(ctx context.Context, q docstore.Query, known map[string]bool, mutated string) ([]docstore.Change, error) {
	docs, err := s.Fetch(ctx, q)
	if err != nil {
		return nil, err
	}
	current := make(map[string]bool, len(docs))
	for _, doc := range docs {
		current[doc.ID] = true
	}

	batch := make([]docstore.Change, 0)
	for id := range known {
		if !current[id] {
			delete(known, id)
			batch = append(batch, docstore.Change{Kind: docstore.Removed, ID: id})
		}
	}
	for _, doc := range docs {
		switch {
		case !known[doc.ID]:
			known[doc.ID] = true
			batch = append(batch, docstore.Change{Kind: docstore.Added, ID: doc.ID, Doc: doc.Doc})
		case doc.ID == mutated:
			batch = append(batch, docstore.Change{Kind: docstore.Modified, ID: doc.ID, Doc: doc.Doc})
		}
	}
	return batch, nil
}

// resolveChange turns a table-level notification into the change this
// listener's view observes, if any.
func (s *Store) resolveChange(ctx context.Context, q docstore.Query, known map[string]bool, note notification) (docstore.Change, bool) {
	if note.Op == "delete" {
		if !known[note.ID] {
			return docstore.Change{}, false
		}
		delete(known, note.ID)
		return docstore.Change{Kind: docstore.Removed, ID: note.ID}, true
	}

	doc, err := s.Get(ctx, note.ID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			// Deleted between notify and read; treat as a removal.
			if !known[note.ID] {
				return docstore.Change{}, false
			}
			delete(known, note.ID)
			return docstore.Change{Kind: docstore.Removed, ID: note.ID}, true
		}
		s.logger.Printf("notification read failed (id=%s): %v", note.ID, err)
		return docstore.Change{}, false
	}

	switch {
	case docstore.Matches(q, doc):
		if known[note.ID] {
			return docstore.Change{Kind: docstore.Modified, ID: note.ID, Doc: doc}, true
		}
		known[note.ID] = true
		return docstore.Change{Kind: docstore.Added, ID: note.ID, Doc: doc}, true
	case known[note.ID]:
		// The document left this listener's predicate view.
		delete(known, note.ID)
		return docstore.Change{Kind: docstore.Removed, ID: note.ID}, true
	}
	return docstore.Change{}, false
}

// Fetch runs the query once. Recency ordering relies on the RFC3339 UTC
// encoding of instants, whose lexical order is chronological.
func (s *Store) Fetch(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	query := `SELECT record_id, doc FROM time_records`
	var args []any
	var clauses []string

	if q.Field != "" {
		args = append(args, q.Field, q.Value)
		clauses = append(clauses, fmt.Sprintf("doc->>$%d = $%d", len(args)-1, len(args)))
	}
	if q.Subject != "" {
		args = append(args, q.Subject)
		clauses = append(clauses, fmt.Sprintf("doc->>'rideId' = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	query += ` ORDER BY doc->>'startTime' DESC NULLS LAST`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]docstore.Document, 0)
	for rows.Next() {
		var id string
		var doc map[string]any
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, err
		}
		out = append(out, docstore.Document{ID: id, Doc: doc})
	}
	return out, rows.Err()
}

// Get returns one document by id.
func (s *Store) Get(ctx context.Context, id string) (map[string]any, error) {
	var doc map[string]any
	err := s.pool.QueryRow(ctx, `SELECT doc FROM time_records WHERE record_id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, docstore.ErrNotFound
		}
		return nil, err
	}
	return doc, nil
}

// Create upserts a document, assigning an id when none is supplied.
func (s *Store) Create(ctx context.Context, id string, doc map[string]any) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	encoded, err := s.encode(doc)
	if err != nil {
		return "", err
	}

	const stmt = `INSERT INTO time_records (record_id, doc, updated_at)
        VALUES ($1, $2, NOW())
        ON CONFLICT (record_id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, stmt, id, encoded); err != nil {
		return "", err
	}
	return id, nil
}

// Patch merges fields into the stored document. Explicit nulls survive the
// merge so callers can clear a field; unknown ids fail with ErrNotFound.
func (s *Store) Patch(ctx context.Context, id string, fields map[string]any) error {
	encoded, err := s.encode(fields)
	if err != nil {
		return err
	}

	const stmt = `UPDATE time_records SET doc = doc || $2::jsonb, updated_at = NOW() WHERE record_id = $1`
	tag, err := s.pool.Exec(ctx, stmt, id, encoded)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

// Delete removes a document; unknown ids are a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM time_records WHERE record_id = $1`, id)
	return err
}

// encode serializes a document for JSONB storage, resolving instants to
// RFC3339 UTC strings and server-assigned sentinels to the commit clock.
func (s *Store) encode(doc map[string]any) ([]byte, error) {
	now := s.clock()
	out := make(map[string]any, len(doc))
	for key, value := range doc {
		switch v := value.(type) {
		case *instant.Instant:
			out[key] = encodeInstant(v, now)
		case instant.Instant:
			out[key] = encodeInstant(&v, now)
		case time.Time:
			out[key] = v.UTC().Format(time.RFC3339Nano)
		default:
			out[key] = value
		}
	}
	return json.Marshal(out)
}

func encodeInstant(inst *instant.Instant, now time.Time) any {
	if inst == nil {
		return nil
	}
	if inst.IsServer() {
		return now.UTC().Format(time.RFC3339Nano)
	}
	return inst.Time().Format(time.RFC3339Nano)
}
