package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_PrivateRegistry(t *testing.T) {
	// two engines in one process must not collide
	a := NewMetrics("node-a", nil)
	b := NewMetrics("node-b", nil)
	require.NotNil(t, a.Gatherer())
	require.NotNil(t, b.Gatherer())

	a.RecordReceived("causal")
	a.RecordReceived("causal")
	b.RecordReceived("causal")

	assert.Equal(t, 2.0, testutil.ToFloat64(a.EventsReceivedTotal.WithLabelValues("causal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.EventsReceivedTotal.WithLabelValues("causal")))
}

func TestNewMetrics_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("node-a", reg)
	assert.Equal(t, reg, m.Gatherer())

	m.RecordSynchronized("eventual", 0.01)
	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["vexfs_sync_events_synchronized_total"])
	assert.True(t, names["vexfs_sync_sync_latency_seconds"])
}

func TestRecordOutcomes(t *testing.T) {
	m := NewMetrics("node-a", nil)

	m.RecordResolution("last_writer_wins", nil)
	m.RecordResolution("custom", errors.New("no resolver"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConflictsResolvedTotal.WithLabelValues("last_writer_wins")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConflictResolutionErrors))

	m.RecordBatchSend(10, 512, 0.002, nil)
	m.RecordBatchSend(10, 0, 0, errors.New("peer down"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesSentTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesSentTotal.WithLabelValues("error")))

	m.RecordAdaptation("shrink-on-latency", 32)
	assert.Equal(t, 32.0, testutil.ToFloat64(m.CurrentBatchSize))

	m.UpdateQueues(5, 3, 8, 1)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.PendingEvents))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SynchronizedQueueLen))
	assert.Equal(t, 8.0, testutil.ToFloat64(m.DependencyGraphNodes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OrderingBuffered))

	m.UpdateSystemStats(4096, 12, 0.75)
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.MemoryUsageBytes))
	assert.Equal(t, 0.75, testutil.ToFloat64(m.NetworkEfficiency))
}
