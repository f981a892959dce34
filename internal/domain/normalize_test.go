package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/timelog/internal/instant"
)

func TestNormalizeLegacySchemas(t *testing.T) {
	cases := []struct {
		name string
		raw  map[string]any
		want func(t *testing.T, rec TimeRecord)
	}{
		{
			name: "modern document",
			raw: map[string]any{
				"driverKey":   "dana@example.com",
				"driverId":    "u-1",
				"driverEmail": "Dana@Example.com",
				"driverName":  "Dana",
				"rideId":      "ride-9",
				"mode":        "ride",
				"startTs":     "2026-03-02T09:00:00Z",
				"endTs":       "2026-03-02T10:30:00Z",
				"note":        "morning loop",
			},
			want: func(t *testing.T, rec TimeRecord) {
				require.Equal(t, "dana@example.com", rec.OwnerKey)
				require.Equal(t, "u-1", rec.OwnerID)
				require.Equal(t, "dana@example.com", rec.OwnerEmail)
				require.Equal(t, "Dana", rec.OwnerName)
				require.Equal(t, "ride-9", rec.SubjectRef)
				require.Equal(t, ModeRide, rec.Mode)
				require.NotNil(t, rec.DurationMinutes)
				require.Equal(t, 90, *rec.DurationMinutes)
				require.Equal(t, StatusClosed, rec.Status)
			},
		},
		{
			name: "clock-in era document",
			raw: map[string]any{
				"uid":       "u-2",
				"email":     "sam@example.com",
				"clockInAt": "2026-03-02T08:00:00Z",
			},
			want: func(t *testing.T, rec TimeRecord) {
				require.Equal(t, "u-2", rec.OwnerKey)
				require.Equal(t, "u-2", rec.OwnerID)
				require.Equal(t, "sam@example.com", rec.OwnerEmail)
				require.Equal(t, "sam", rec.OwnerName)
				require.Equal(t, SubjectNone, rec.SubjectRef)
				require.Equal(t, ModeRide, rec.Mode)
				require.NotNil(t, rec.Start)
				require.Nil(t, rec.End)
				require.Nil(t, rec.DurationMinutes)
				require.Equal(t, StatusOpen, rec.Status)
			},
		},
		{
			name: "email-only identity",
			raw: map[string]any{
				"userEmail": "  Pat@Example.Com  ",
			},
			want: func(t *testing.T, rec TimeRecord) {
				require.Equal(t, "pat@example.com", rec.OwnerKey)
				require.Equal(t, "pat", rec.OwnerName)
			},
		},
		{
			name: "empty document",
			raw:  nil,
			want: func(t *testing.T, rec TimeRecord) {
				require.Equal(t, "", rec.OwnerKey)
				require.Equal(t, SubjectNone, rec.SubjectRef)
				require.Equal(t, StatusOpen, rec.Status)
				require.Nil(t, rec.Start)
				require.Nil(t, rec.DurationMinutes)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := Normalize("rec-1", tc.raw)
			require.Equal(t, "rec-1", rec.ID)
			tc.want(t, rec)
		})
	}
}

func TestNormalizeIsIdempotentOnCanonicalInput(t *testing.T) {
	raw := map[string]any{
		"driverKey": "dana@example.com",
		"driverId":  "u-1",
		"rideId":    "ride-9",
		"mode":      "RIDE",
		"startTs":   "2026-03-02T09:00:00Z",
		"endTs":     "2026-03-02T09:45:00Z",
		"status":    "closed",
	}

	first := Normalize("rec-1", raw)
	second := Normalize("rec-1", first.Raw)
	require.Equal(t, first.OwnerKey, second.OwnerKey)
	require.Equal(t, first.Mode, second.Mode)
	require.Equal(t, first.Status, second.Status)
	require.Equal(t, *first.DurationMinutes, *second.DurationMinutes)
}

func TestNormalizeStrictBooleans(t *testing.T) {
	rec := Normalize("rec-1", map[string]any{
		"isNonRideTask":   "true",
		"isMultipleRides": 1,
		"isPaused":        true,
	})
	require.False(t, rec.IsNonRideTask)
	require.False(t, rec.IsMultipleRides)
	require.True(t, rec.IsPaused)
}

func TestNormalizeStoredDurationWins(t *testing.T) {
	rec := Normalize("rec-1", map[string]any{
		"startTs":  "2026-03-02T09:00:00Z",
		"endTs":    "2026-03-02T10:00:00Z",
		"duration": 42.9,
	})
	require.NotNil(t, rec.DurationMinutes)
	require.Equal(t, 42, *rec.DurationMinutes)

	rec = Normalize("rec-2", map[string]any{"duration": -5})
	require.NotNil(t, rec.DurationMinutes)
	require.Equal(t, 0, *rec.DurationMinutes)

	rec = Normalize("rec-3", map[string]any{"duration": "garbage"})
	require.Nil(t, rec.DurationMinutes)
}

func TestNormalizeExplicitStatusHonored(t *testing.T) {
	rec := Normalize("rec-1", map[string]any{
		"startTs": "2026-03-02T09:00:00Z",
		"endTs":   "2026-03-02T10:00:00Z",
		"status":  "OPEN",
	})
	require.Equal(t, StatusOpen, rec.Status)
}

func TestDeriveDuration(t *testing.T) {
	at := func(min int) *instant.Instant {
		return instant.Of(time.Date(2026, 3, 2, 9, min, 30, 0, time.UTC))
	}

	d := DeriveDuration(at(0), at(90))
	require.NotNil(t, d)
	require.Equal(t, 90, *d)

	// Sub-minute difference floors to zero.
	start := instant.Of(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	end := instant.Of(time.Date(2026, 3, 2, 9, 0, 59, 0, time.UTC))
	d = DeriveDuration(start, end)
	require.NotNil(t, d)
	require.Equal(t, 0, *d)

	require.Nil(t, DeriveDuration(at(10), at(10)), "equal instants")
	require.Nil(t, DeriveDuration(at(10), at(5)), "end before start")
	require.Nil(t, DeriveDuration(nil, at(5)))
	require.Nil(t, DeriveDuration(at(5), nil))

	require.Nil(t, DeriveDuration(instant.ServerAssigned(), at(5)))
}

func TestSortMillisFallsBackThroughKeys(t *testing.T) {
	withStart := Normalize("a", map[string]any{"startTs": "2026-03-02T09:00:00Z"})
	loggedOnly := Normalize("b", map[string]any{"loggedAt": "2026-03-02T10:00:00Z"})
	bare := Normalize("c", map[string]any{"note": "no instants at all"})

	require.Greater(t, loggedOnly.SortMillis(), withStart.SortMillis())
	require.Greater(t, withStart.SortMillis(), bare.SortMillis())
}
