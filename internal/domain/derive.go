package domain

import "example.com/timelog/internal/instant"

// DeriveDuration returns the whole minutes between start and end when both
// are concrete and end is strictly after start, and nil otherwise. A record
// is never observed with a duration inconsistent with its instants.
func DeriveDuration(start, end *instant.Instant) *int {
	if start == nil || end == nil || start.IsServer() || end.IsServer() {
		return nil
	}
	diff := end.Millis() - start.Millis()
	if diff <= 0 {
		return nil
	}
	minutes := int(diff / 60000)
	return &minutes
}

// DeriveStatus resolves the session status. An explicit stored status is
// honored unless the status can be trivially deduced from the instants; the
// derived value overrides a conflicting explicit one only on the write
// path's patch recompute, not here, so displaying a record never rewrites
// history.
func DeriveStatus(start, end *instant.Instant, explicit Status) Status {
	if explicit != "" {
		return explicit
	}
	if end != nil {
		return StatusClosed
	}
	if start != nil {
		return StatusOpen
	}
	return StatusOpen
}
