package feed

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEventSerialization(t *testing.T) {
	occurred := time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC)
	event := Event{
		Type:       EventCreated,
		RecordID:   "rec-1",
		OwnerKey:   "dana@example.com",
		OccurredAt: occurred,
		Doc:        map[string]any{"status": "open"},
	}

	body, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.Equal(t, "timelog.created", decoded["type"])
	require.Equal(t, "rec-1", decoded["record_id"])
	require.Equal(t, "dana@example.com", decoded["owner_key"])
	require.Equal(t, "open", decoded["doc"].(map[string]any)["status"])
}

func TestDeleteEventOmitsEmptyFields(t *testing.T) {
	body, err := json.Marshal(Event{Type: EventDeleted, RecordID: "rec-1"})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.NotContains(t, decoded, "owner_key")
	require.NotContains(t, decoded, "doc")
}

func TestCloseWithoutPublishIsNoOp(t *testing.T) {
	p := NewPublisher([]string{"localhost:9092"}, "timelog_events")
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}
