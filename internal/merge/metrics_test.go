package merge

import (
	"context"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"example.com/timelog/internal/docstore"
)

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	metric := &dto.Metric{}
	require.NoError(t, c.Write(metric))
	return metric.GetCounter().GetValue()
}

func TestListenerErrorsCounted(t *testing.T) {
	before := counterValue(t, listenerErrors.WithLabelValues("driverId"))

	store := &flakyStore{Store: docstore.NewMemory(), badField: "driverId"}
	sub, err := Open(context.Background(), store,
		[]IdentityKey{{Field: "driverId", Value: "u-1"}},
		Options{}, nil, nil)
	require.NoError(t, err)
	defer sub.Close()

	after := counterValue(t, listenerErrors.WithLabelValues("driverId"))
	require.Equal(t, before+1, after)
}

func TestEmitCounterAdvancesPerApply(t *testing.T) {
	before := counterValue(t, mergeEmits)

	store := docstore.NewMemory()
	sub, err := Open(context.Background(), store,
		[]IdentityKey{{Field: "driverKey", Value: "k"}},
		Options{}, nil, nil)
	require.NoError(t, err)
	defer sub.Close()

	_, err = store.Create(context.Background(), "a", map[string]any{"driverKey": "k"})
	require.NoError(t, err)
	_, err = store.Create(context.Background(), "b", map[string]any{"driverKey": "k"})
	require.NoError(t, err)

	// One attach emission plus one per applied batch.
	after := counterValue(t, mergeEmits)
	require.Equal(t, before+3, after)
}
