// Package perfmon tracks the latency of named operations over a sliding window.
package perfmon

import (
	"sort"
	"sync"
	"time"

	"github.com/medrex/referral-sync/pkg/logger"
	"github.com/medrex/referral-sync/pkg/monitoring"
)

// OperationMetrics summarizes the recorded timings of one operation
type OperationMetrics struct {
	Operation      string        `json:"operation"`
	Count          int64         `json:"count"`
	Window         int           `json:"window"`
	AverageLatency time.Duration `json:"average_latency"`
	P50Latency     time.Duration `json:"p50_latency"`
	P95Latency     time.Duration `json:"p95_latency"`
	MaxLatency     time.Duration `json:"max_latency"`
	SlowCount      int64         `json:"slow_count"`
	LastRecorded   time.Time     `json:"last_recorded"`
}

// ring keeps the most recent samples of one operation
type ring struct {
	samples []time.Duration
	next    int
	full    bool
	count   int64
	slow    int64
	last    time.Time
}

func (r *ring) add(d time.Duration) {
	r.samples[r.next] = d
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) window() []time.Duration {
	if r.full {
		return append([]time.Duration(nil), r.samples...)
	}
	return append([]time.Duration(nil), r.samples[:r.next]...)
}

// Monitor records operation timings. Percentiles cover the last window
// samples of each operation; count and slow count cover its whole lifetime.
type Monitor struct {
	mu            sync.Mutex
	ops           map[string]*ring
	windowSize    int
	slowThreshold time.Duration
	metrics       *monitoring.MetricsCollector
	logger        *logger.Logger
	now           func() time.Time
}

// NewMonitor creates a monitor. metrics may be nil.
func NewMonitor(windowSize int, slowThreshold time.Duration, metrics *monitoring.MetricsCollector, log *logger.Logger) *Monitor {
	if windowSize <= 0 {
		windowSize = 256
	}
	return &Monitor{
		ops:           make(map[string]*ring),
		windowSize:    windowSize,
		slowThreshold: slowThreshold,
		metrics:       metrics,
		logger:        log,
		now:           time.Now,
	}
}

// Record adds one timing for operation
func (m *Monitor) Record(operation string, duration time.Duration) {
	m.mu.Lock()
	r, ok := m.ops[operation]
	if !ok {
		r = &ring{samples: make([]time.Duration, m.windowSize)}
		m.ops[operation] = r
	}
	r.add(duration)
	r.count++
	r.last = m.now()

	slow := m.slowThreshold > 0 && duration > m.slowThreshold
	if slow {
		r.slow++
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ObserveOperation(operation, duration)
	}
	if slow {
		m.logger.Performance(operation, duration, map[string]interface{}{
			"slow":         true,
			"threshold_ms": m.slowThreshold.Milliseconds(),
		})
	}
}

// Time runs fn and records how long it took
func (m *Monitor) Time(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	m.Record(operation, time.Since(start))
	return err
}

// Operation returns the metrics of one operation, or false when it was never recorded
func (m *Monitor) Operation(operation string) (OperationMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.ops[operation]
	if !ok {
		return OperationMetrics{}, false
	}
	return summarize(operation, r), true
}

// Snapshot returns the metrics of every recorded operation, sorted by name
func (m *Monitor) Snapshot() []OperationMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]OperationMetrics, 0, len(m.ops))
	for name, r := range m.ops {
		out = append(out, summarize(name, r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

// Reset drops all recorded timings
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = make(map[string]*ring)
}

func summarize(name string, r *ring) OperationMetrics {
	samples := r.window()
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	om := OperationMetrics{
		Operation:    name,
		Count:        r.count,
		Window:       len(samples),
		SlowCount:    r.slow,
		LastRecorded: r.last,
	}
	if len(samples) == 0 {
		return om
	}

	var total time.Duration
	for _, d := range samples {
		total += d
	}
	om.AverageLatency = total / time.Duration(len(samples))
	om.P50Latency = percentile(samples, 50)
	om.P95Latency = percentile(samples, 95)
	om.MaxLatency = samples[len(samples)-1]
	return om
}

// percentile uses the nearest-rank method on sorted samples
func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
