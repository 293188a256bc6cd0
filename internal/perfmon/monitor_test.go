package perfmon

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/referral-sync/pkg/logger"
	"github.com/medrex/referral-sync/pkg/monitoring"
)

func TestMonitor_Percentiles(t *testing.T) {
	m := NewMonitor(100, 0, nil, logger.Discard())

	for i := 1; i <= 100; i++ {
		m.Record("sync.push", time.Duration(i)*time.Millisecond)
	}

	om, ok := m.Operation("sync.push")
	require.True(t, ok)
	assert.Equal(t, int64(100), om.Count)
	assert.Equal(t, 100, om.Window)
	assert.Equal(t, 50*time.Millisecond, om.P50Latency)
	assert.Equal(t, 95*time.Millisecond, om.P95Latency)
	assert.Equal(t, 100*time.Millisecond, om.MaxLatency)
	assert.Equal(t, 50500*time.Microsecond, om.AverageLatency)
}

func TestMonitor_WindowKeepsRecentSamples(t *testing.T) {
	m := NewMonitor(3, 0, nil, logger.Discard())

	m.Record("op", time.Second)
	m.Record("op", 10*time.Millisecond)
	m.Record("op", 20*time.Millisecond)
	m.Record("op", 30*time.Millisecond)

	om, _ := m.Operation("op")
	assert.Equal(t, int64(4), om.Count)
	assert.Equal(t, 3, om.Window)
	assert.Equal(t, 30*time.Millisecond, om.MaxLatency)
	assert.Equal(t, 20*time.Millisecond, om.AverageLatency)
}

func TestMonitor_SlowCountAndSingleSample(t *testing.T) {
	m := NewMonitor(10, 100*time.Millisecond, nil, logger.Discard())

	m.Record("sync.pass", 250*time.Millisecond)
	m.Record("sync.pass", 100*time.Millisecond)

	om, _ := m.Operation("sync.pass")
	assert.Equal(t, int64(1), om.SlowCount)

	m.Record("sync.pull", 7*time.Millisecond)
	single, _ := m.Operation("sync.pull")
	assert.Equal(t, 7*time.Millisecond, single.P50Latency)
	assert.Equal(t, 7*time.Millisecond, single.P95Latency)
}

func TestMonitor_SnapshotSortedAndReset(t *testing.T) {
	m := NewMonitor(10, 0, nil, logger.Discard())
	m.Record("b", time.Millisecond)
	m.Record("a", time.Millisecond)

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Operation)
	assert.Equal(t, "b", snap[1].Operation)

	m.Reset()
	assert.Empty(t, m.Snapshot())
	_, ok := m.Operation("a")
	assert.False(t, ok)
}

func TestMonitor_TimeAndPrometheus(t *testing.T) {
	metrics := monitoring.NewMetricsCollector("agent")
	m := NewMonitor(10, 0, metrics, logger.Discard())

	boom := errors.New("boom")
	err := m.Time("stats", func() error { return boom })
	assert.ErrorIs(t, err, boom)

	om, ok := m.Operation("stats")
	require.True(t, ok)
	assert.Equal(t, int64(1), om.Count)

	n, err := testutil.GatherAndCount(metrics.Registry(), "operation_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
