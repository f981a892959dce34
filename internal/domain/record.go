// Package domain defines the canonical time-record model, the normalization
// rules that reconcile historical document schemas, and the derived-field
// invariants maintained on every read and write.
package domain

import (
	"math"

	"example.com/timelog/internal/instant"
)

// Mode tags what a clock session covers.
type Mode string

const (
	ModeRide  Mode = "RIDE"
	ModeMulti Mode = "MULTI"
	ModeNA    Mode = "N/A"
)

// Status is the derived open/closed state of a session.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// SubjectNone marks a session not tied to a specific ride.
const SubjectNone = "N/A"

// TimeRecord is the reconciled in-memory representation of one clock
// session, independent of which historical schema the stored document used.
type TimeRecord struct {
	ID         string
	OwnerKey   string
	OwnerID    string
	OwnerName  string
	OwnerEmail string
	SubjectRef string
	Mode       Mode

	IsNonRideTask   bool
	IsMultipleRides bool

	Start *instant.Instant
	End   *instant.Instant

	DurationMinutes *int
	Status          Status

	Note        string
	SessionNote string
	TripRefs    []string

	IsPaused      bool
	PausedAt      *instant.Instant
	TotalPausedMS int64

	// Raw preserves the full source document so fields this engine does
	// not understand are never dropped.
	Raw map[string]any
}

// sortKeys is the priority list of raw start-like fields used only for
// ordering, never for business logic.
var sortKeys = []string{"startTs", "startTime", "clockIn", "clockInAt", "loggedAt", "createdAt"}

// SortMillis derives the ordering key for the merged view. Records without a
// usable instant sort last.
func (r TimeRecord) SortMillis() float64 {
	if r.Start != nil && !r.Start.IsServer() {
		return float64(r.Start.Millis())
	}
	for _, key := range sortKeys {
		if value, ok := r.Raw[key]; ok && value != nil {
			return instant.ToMillis(value)
		}
	}
	return math.Inf(-1)
}

// Open reports whether the session is still running.
func (r TimeRecord) Open() bool {
	return r.Status != StatusClosed
}
