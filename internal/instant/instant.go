// Package instant provides the engine's single internal point-in-time
// representation and the coercion rules that map every historical storage
// format onto it.
package instant

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Instant is a canonical point in time. A server-assigned Instant carries no
// wall-clock value of its own; the store resolves it at commit time.
type Instant struct {
	t      time.Time
	server bool
}

// Of wraps a concrete time value. The zero time yields a nil Instant.
func Of(t time.Time) *Instant {
	if t.IsZero() {
		return nil
	}
	return &Instant{t: t.UTC()}
}

// OfMillis builds an Instant from epoch milliseconds.
func OfMillis(ms int64) *Instant {
	return &Instant{t: time.UnixMilli(ms).UTC()}
}

// ServerAssigned returns the sentinel resolved by the store at commit time.
func ServerAssigned() *Instant {
	return &Instant{server: true}
}

// IsServer reports whether the instant is the server-assigned sentinel.
func (i *Instant) IsServer() bool {
	return i != nil && i.server
}

// Time returns the wall-clock value. Server-assigned instants report the
// zero time.
func (i *Instant) Time() time.Time {
	if i == nil || i.server {
		return time.Time{}
	}
	return i.t
}

// Millis returns epoch milliseconds, or zero for nil/server instants.
func (i *Instant) Millis() int64 {
	if i == nil || i.server {
		return 0
	}
	return i.t.UnixMilli()
}

// Equal compares two instants by value.
func (i *Instant) Equal(other *Instant) bool {
	if i == nil || other == nil {
		return i == other
	}
	if i.server || other.server {
		return i.server == other.server
	}
	return i.t.Equal(other.t)
}

// MarshalJSON encodes a concrete instant as RFC3339 and the server-assigned
// sentinel as the string "server".
func (i Instant) MarshalJSON() ([]byte, error) {
	if i.server {
		return json.Marshal("server")
	}
	return json.Marshal(i.t.Format(time.RFC3339Nano))
}

// UnmarshalJSON is the inverse of MarshalJSON: the string "server" restores
// the server-assigned sentinel, anything else must parse as RFC3339.
func (i *Instant) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "server" {
		*i = Instant{server: true}
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	*i = Instant{t: t.UTC()}
	return nil
}

func (i *Instant) String() string {
	if i == nil {
		return "<nil>"
	}
	if i.server {
		return "<server>"
	}
	return i.t.Format(time.RFC3339Nano)
}

// WirePair is the {seconds, nanoseconds} shape produced by timestamp wire
// formats.
type WirePair struct {
	Seconds     int64
	Nanoseconds int64
}

// DateProvider is the duck-typed wrapper accepted by Coerce: anything that
// can hand back a concrete time.
type DateProvider interface {
	ToDate() time.Time
}

// Options controls Coerce fallback behaviour.
type Options struct {
	// AllowNull permits a nil result. When false, unusable input yields
	// Fallback instead.
	AllowNull bool
	Fallback  *Instant
}

// Coerce converts any supported timestamp representation into a canonical
// Instant. Unusable input returns nil (or Fallback when AllowNull is false).
// Coerce never panics and never returns an error; parse failures are
// swallowed so a single bad field cannot interrupt a read path.
func Coerce(value any, opts Options) *Instant {
	if out, ok := coerce(value); ok {
		return out
	}
	if opts.AllowNull {
		return nil
	}
	return opts.Fallback
}

func coerce(value any) (*Instant, bool) {
	switch v := value.(type) {
	case nil:
		return nil, false
	case *Instant:
		if v == nil {
			return nil, false
		}
		return v, true
	case Instant:
		return &v, true
	case time.Time:
		if v.IsZero() {
			return nil, false
		}
		return Of(v), true
	case *time.Time:
		if v == nil || v.IsZero() {
			return nil, false
		}
		return Of(*v), true
	case WirePair:
		return OfMillis(v.Seconds*1000 + v.Nanoseconds/1e6), true
	case *WirePair:
		if v == nil {
			return nil, false
		}
		return OfMillis(v.Seconds*1000 + v.Nanoseconds/1e6), true
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return fromFloatMillis(f)
		}
		return nil, false
	case string:
		return fromString(v)
	case map[string]any:
		return fromWireMap(v)
	}

	if ms, ok := numericMillis(value); ok {
		return fromFloatMillis(ms)
	}

	if provider, ok := value.(DateProvider); ok {
		t := provider.ToDate()
		if t.IsZero() {
			return nil, false
		}
		return Of(t), true
	}

	return nil, false
}

func fromString(s string) (*Instant, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, false
	}
	switch strings.ToLower(trimmed) {
	case "server", "now":
		return ServerAssigned(), true
	case "null":
		return nil, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return Of(t), true
		}
	}
	return nil, false
}

func fromWireMap(m map[string]any) (*Instant, bool) {
	rawSeconds, ok := m["seconds"]
	if !ok {
		return nil, false
	}
	seconds, ok := numericMillis(rawSeconds)
	if !ok {
		return nil, false
	}
	var nanos float64
	if rawNanos, present := m["nanoseconds"]; present {
		if n, numeric := numericMillis(rawNanos); numeric {
			nanos = n
		}
	}
	return OfMillis(int64(seconds*1000) + int64(nanos)/1e6), true
}

func fromFloatMillis(ms float64) (*Instant, bool) {
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return nil, false
	}
	return OfMillis(int64(ms)), true
}

func numericMillis(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		f := float64(v)
		return f, !math.IsNaN(f) && !math.IsInf(f, 0)
	case float64:
		return v, !math.IsNaN(v) && !math.IsInf(v, 0)
	}
	return 0, false
}

// ToMillis derives a sort key from any supported timestamp representation.
// Unparseable or missing values return negative infinity so they always sort
// last in a descending order.
func ToMillis(value any) float64 {
	inst, ok := coerce(value)
	if !ok || inst == nil || inst.server {
		return math.Inf(-1)
	}
	return float64(inst.t.UnixMilli())
}
