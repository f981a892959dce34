package engine

import (
	"context"
	"math"
	"strings"

	"example.com/timelog/internal/domain"
	"example.com/timelog/internal/feed"
	"example.com/timelog/internal/instant"
	"example.com/timelog/internal/observability"
)

// Entry is the raw create input. Instant-like and boolean fields are typed
// any because callers arrive with legacy representations; the engine coerces
// and strict-checks them rather than trusting the caller.
type Entry struct {
	ID string

	OwnerKey   string
	OwnerID    string
	OwnerEmail string
	OwnerName  string

	SubjectRef string
	Mode       string

	Start    any
	End      any
	LoggedAt any

	Duration any
	Status   string

	Note        string
	SessionNote string
	TripRefs    []string

	IsNonRideTask   any
	IsMultipleRides any
	IsPaused        any
	PausedAt        any
	TotalPausedMS   any

	Source string
}

// Create validates, coerces, and commits a new session record, returning
// the store-assigned id. A missing identity key is fatal and not retried; an
// unparseable start instant falls back to server-assigned "now" because a
// session must always have a start.
func (e *Engine) Create(ctx context.Context, entry Entry) (string, error) {
	email := normalizeEmail(entry.OwnerEmail)
	ownerID := strings.TrimSpace(entry.OwnerID)
	name := strings.TrimSpace(entry.OwnerName)

	ownerKey := firstNonEmpty(strings.TrimSpace(entry.OwnerKey), ownerID, email, name)
	if ownerKey == "" {
		return "", &domain.ValidationError{Reason: "no resolvable identity key (need owner key, id, email, or name)"}
	}

	mode := strings.ToUpper(strings.TrimSpace(entry.Mode))
	if mode == "" {
		mode = string(domain.ModeRide)
	}
	subject := domain.SubjectNone
	if mode == string(domain.ModeRide) {
		if s := strings.TrimSpace(entry.SubjectRef); s != "" {
			subject = s
		}
	}

	start := instant.Coerce(entry.Start, instant.Options{AllowNull: false, Fallback: instant.ServerAssigned()})
	if start == nil {
		start = instant.ServerAssigned()
	}
	end := instant.Coerce(entry.End, instant.Options{AllowNull: true})
	logged := instant.Coerce(entry.LoggedAt, instant.Options{AllowNull: false, Fallback: instant.ServerAssigned()})

	var duration *int
	if n, ok := numberOf(entry.Duration); ok {
		minutes := int(math.Floor(n))
		if minutes < 0 {
			minutes = 0
		}
		duration = &minutes
	} else {
		duration = domain.DeriveDuration(start, end)
	}

	status := entry.Status
	if status == "" {
		status = string(domain.DeriveStatus(start, end, ""))
	}

	if name == "" {
		if at := strings.IndexByte(email, '@'); at > 0 {
			name = email[:at]
		} else {
			name = email
		}
	}

	doc := map[string]any{
		"driverKey":       ownerKey,
		"driverId":        nilIfEmpty(ownerID),
		"userId":          nilIfEmpty(ownerID),
		"driverName":      nilIfEmpty(name),
		"driverEmail":     nilIfEmpty(email),
		"userEmail":       nilIfEmpty(email),
		"rideId":          subject,
		"mode":            mode,
		"isNonRideTask":   boolOf(entry.IsNonRideTask),
		"isMultipleRides": boolOf(entry.IsMultipleRides),
		"sessionNote":     nilIfEmpty(strings.TrimSpace(entry.SessionNote)),
		"tripIds":         append([]string{}, entry.TripRefs...),
		"isPaused":        boolOf(entry.IsPaused),
		"pausedAt":        instant.Coerce(entry.PausedAt, instant.Options{AllowNull: true}),
		"totalPausedMs":   pausedMillis(entry.TotalPausedMS),
		"note":            nilIfEmpty(strings.TrimSpace(entry.Note)),
		"startTs":         start,
		"startTime":       start,
		"endTs":           end,
		"endTime":         end,
		"loggedAt":        logged,
		"updatedAt":       instant.ServerAssigned(),
		"status":          status,
		"source":          nilIfEmpty(strings.TrimSpace(entry.Source)),
	}
	if duration != nil {
		doc["duration"] = *duration
	} else {
		doc["duration"] = nil
	}

	var id string
	err := e.commit(ctx, "create", entry.ID, func() error {
		assigned, createErr := e.store.Create(ctx, strings.TrimSpace(entry.ID), doc)
		if createErr != nil {
			return createErr
		}
		id = assigned
		return nil
	})
	if err != nil {
		return "", err
	}

	observability.RecordPersisted(e.clock())
	e.publish(ctx, feed.EventCreated, id, ownerKey, doc)
	return id, nil
}

// startFieldKeys and endFieldKeys are the patchable instant field spellings.
var (
	startFieldKeys = []string{"startTs", "startTime"}
	endFieldKeys   = []string{"endTs", "endTime"}
)

// Patch applies a partial update. Keys absent from fields are never written,
// so untouched stored fields survive; keys present with nil explicitly clear.
// When either instant changes, the counterpart is read back from the store
// (one extra read) and duration plus status are recomputed so the duration
// invariant holds across partial updates.
func (e *Engine) Patch(ctx context.Context, id string, fields map[string]any) error {
	if strings.TrimSpace(id) == "" {
		return &domain.ValidationError{Reason: "missing record id"}
	}
	if len(fields) == 0 {
		return nil
	}

	payload := map[string]any{}

	for _, key := range []string{"driver", "driverId", "driverName", "driverKey", "rideId", "mode", "note", "userId", "sessionNote"} {
		if value, ok := fields[key]; ok {
			payload[key] = value
		}
	}
	for _, key := range []string{"driverEmail", "userEmail"} {
		if value, ok := fields[key]; ok {
			if s, isString := value.(string); isString {
				payload[key] = nilIfEmpty(normalizeEmail(s))
			} else {
				payload[key] = nil
			}
		}
	}
	for _, key := range []string{"isNonRideTask", "isMultipleRides", "isPaused"} {
		if value, ok := fields[key]; ok {
			payload[key] = boolOf(value)
		}
	}
	if value, ok := fields["tripIds"]; ok {
		payload["tripIds"] = tripList(value)
	}
	if value, ok := fields["totalPausedMs"]; ok {
		payload["totalPausedMs"] = pausedMillis(value)
	}
	if value, ok := fields["pausedAt"]; ok {
		payload["pausedAt"] = instant.Coerce(value, instant.Options{AllowNull: true})
	}
	if value, ok := fields["loggedAt"]; ok {
		payload["loggedAt"] = instant.Coerce(value, instant.Options{AllowNull: true})
	}
	if value, ok := fields["duration"]; ok {
		if n, numeric := numberOf(value); numeric && n >= 0 {
			payload["duration"] = int(math.Floor(n))
		} else {
			payload["duration"] = nil
		}
	}

	start, startTouched := patchInstant(fields, startFieldKeys)
	end, endTouched := patchInstant(fields, endFieldKeys)

	if startTouched {
		payload["startTs"] = start
		payload["startTime"] = start
	}
	if endTouched {
		payload["endTs"] = end
		payload["endTime"] = end
	}

	if startTouched || endTouched {
		if !startTouched || !endTouched {
			existing, err := e.store.Get(ctx, id)
			if err == nil {
				if !startTouched {
					start = domain.StartInstant(existing)
				}
				if !endTouched {
					end = domain.EndInstant(existing)
				}
			} else {
				e.logger.Printf("patch read-back failed (id=%s): %v", id, err)
			}
		}

		duration := domain.DeriveDuration(start, end)
		if duration != nil {
			payload["duration"] = *duration
		} else {
			payload["duration"] = nil
		}

		// On the patch fan-out the derived status wins over a stale
		// explicit one; only an explicit status in this patch overrides.
		if _, ok := fields["status"]; !ok {
			if end != nil {
				payload["status"] = string(domain.StatusClosed)
			} else {
				payload["status"] = string(domain.StatusOpen)
			}
		}
	}

	if value, ok := fields["status"]; ok {
		payload["status"] = value
	}

	payload["updatedAt"] = instant.ServerAssigned()

	err := e.commit(ctx, "patch", id, func() error {
		return e.store.Patch(ctx, id, payload)
	})
	if err != nil {
		return err
	}

	observability.RecordPersisted(e.clock())
	e.publish(ctx, feed.EventUpdated, id, "", payload)
	return nil
}

// Remove deletes a record. It is idempotent: removing an unknown id
// succeeds.
func (e *Engine) Remove(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return nil
	}
	err := e.commit(ctx, "remove", id, func() error {
		return e.store.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	e.publish(ctx, feed.EventDeleted, id, "", nil)
	return nil
}

// patchInstant resolves the first instant spelling present in the patch.
// The second return reports whether the caller touched the field at all.
func patchInstant(fields map[string]any, keys []string) (*instant.Instant, bool) {
	for _, key := range keys {
		if value, ok := fields[key]; ok {
			return instant.Coerce(value, instant.Options{AllowNull: true}), true
		}
	}
	return nil, false
}

func pausedMillis(value any) int64 {
	if n, ok := numberOf(value); ok && n > 0 {
		return int64(n)
	}
	return 0
}

func tripList(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return []string{}
}
