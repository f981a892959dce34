package domain

import (
	"math"
	"strconv"
	"strings"

	"example.com/timelog/internal/instant"
)

// Candidate key tables, tried in order, one list per logical field. This is
// the single place to extend when another legacy format surfaces.
var (
	startKeys   = []string{"startTs", "startTime", "clockInAt", "clockIn", "start"}
	endKeys     = []string{"endTs", "endTime", "clockOutAt", "clockOut", "end"}
	ownerIDKeys = []string{"driverId", "userId", "uid"}
	emailKeys   = []string{"driverEmail", "userEmail", "email"}
	nameKeys    = []string{"driverName", "displayName", "name", "driver"}
	subjectKeys = []string{"rideId", "ride", "tripId", "TripID"}
	loggedKeys  = []string{"loggedAt", "createdAt"}
	durationKey = []string{"duration", "durationMin", "minutes"}
)

// Normalize maps a raw stored document, written under any historical schema,
// into a canonical TimeRecord. It never fails: unparseable fields fall back
// to null/defaults.
//
// Known legacy-data caveat: boolean fields are strict-typed. Values such as
// "true" or 1 written by old clients normalize to false rather than being
// guessed at, which silently discards whatever those writers intended.
func Normalize(id string, raw map[string]any) TimeRecord {
	if raw == nil {
		raw = map[string]any{}
	}

	start := instant.Coerce(pickFirst(raw, startKeys), instant.Options{AllowNull: true})
	end := instant.Coerce(pickFirst(raw, endKeys), instant.Options{AllowNull: true})

	email := normalizeEmail(stringValue(pickFirst(raw, emailKeys)))
	ownerID := strings.TrimSpace(stringValue(pickFirst(raw, ownerIDKeys)))
	name := ownerName(raw, email)

	ownerKey := strings.TrimSpace(stringValue(raw["driverKey"]))
	if ownerKey == "" {
		ownerKey = firstNonEmpty(ownerID, email, name)
	}

	subject := strings.TrimSpace(stringValue(pickFirst(raw, subjectKeys)))
	if subject == "" {
		subject = SubjectNone
	}

	rec := TimeRecord{
		ID:              id,
		OwnerKey:        ownerKey,
		OwnerID:         ownerID,
		OwnerName:       name,
		OwnerEmail:      email,
		SubjectRef:      subject,
		Mode:            normalizeMode(raw["mode"]),
		IsNonRideTask:   boolValue(raw["isNonRideTask"]),
		IsMultipleRides: boolValue(raw["isMultipleRides"]),
		Start:           start,
		End:             end,
		DurationMinutes: normalizeDuration(raw, start, end),
		Status:          DeriveStatus(start, end, explicitStatus(raw)),
		Note:            stringValue(raw["note"]),
		SessionNote:     stringValue(raw["sessionNote"]),
		TripRefs:        stringSlice(raw["tripIds"]),
		IsPaused:        boolValue(raw["isPaused"]),
		PausedAt:        instant.Coerce(raw["pausedAt"], instant.Options{AllowNull: true}),
		TotalPausedMS:   int64Value(raw["totalPausedMs"]),
		Raw:             raw,
	}
	return rec
}

// StartInstant resolves the start instant of a raw document through the
// candidate-key table. Used by the write path's patch read-back.
func StartInstant(raw map[string]any) *instant.Instant {
	return instant.Coerce(pickFirst(raw, startKeys), instant.Options{AllowNull: true})
}

// EndInstant resolves the end instant of a raw document through the
// candidate-key table.
func EndInstant(raw map[string]any) *instant.Instant {
	return instant.Coerce(pickFirst(raw, endKeys), instant.Options{AllowNull: true})
}

// normalizeDuration honors a parseable stored duration (clamped to >= 0,
// floored) and otherwise derives from the instants.
func normalizeDuration(raw map[string]any, start, end *instant.Instant) *int {
	if stored := pickFirst(raw, durationKey); stored != nil {
		if n, ok := numberValue(stored); ok {
			minutes := int(math.Floor(n))
			if minutes < 0 {
				minutes = 0
			}
			return &minutes
		}
		return nil
	}
	return DeriveDuration(start, end)
}

// normalizeMode upper-cases an explicit mode and defaults pre-mode documents
// to RIDE.
func normalizeMode(value any) Mode {
	s := strings.ToUpper(strings.TrimSpace(stringValue(value)))
	if s == "" {
		return ModeRide
	}
	return Mode(s)
}

func explicitStatus(raw map[string]any) Status {
	for _, key := range []string{"status", "state"} {
		if s := strings.TrimSpace(stringValue(raw[key])); s != "" {
			return Status(strings.ToLower(s))
		}
	}
	return ""
}

func ownerName(raw map[string]any, email string) string {
	for _, key := range nameKeys {
		if s := strings.TrimSpace(stringValue(raw[key])); s != "" {
			return s
		}
	}
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	return email
}

// pickFirst returns the first non-nil value among the candidate keys.
func pickFirst(raw map[string]any, keys []string) any {
	for _, key := range keys {
		if value, ok := raw[key]; ok && value != nil {
			return value
		}
	}
	return nil
}

func stringValue(value any) string {
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

// boolValue applies the strict boolean policy: anything that is not a real
// bool is false.
func boolValue(value any) bool {
	b, ok := value.(bool)
	return ok && b
}

func numberValue(value any) (float64, bool) {
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
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return n, err == nil
	}
	return 0, false
}

func int64Value(value any) int64 {
	switch v := value.(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return int64(v)
	}
	return 0
}

func stringSlice(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := stringValue(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return []string{}
}

func normalizeEmail(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	return strings.ToLower(trimmed)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
