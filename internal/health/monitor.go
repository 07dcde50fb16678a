// Package health derives point-in-time health and performance snapshots.
//
// The monitor owns its own counters; it never writes CoreState. Recording an
// operation outcome therefore stays out of the dispatcher's lock scope.
package health

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/concordkit/concord/internal/observability"
	"github.com/concordkit/concord/internal/state"
)

const (
	defaultWindowSize    = 256
	defaultRecentResults = 128

	// Degraded thresholds: sustained error rate over the rolling window, or
	// a backlog of heartbeats past their ack deadline.
	degradedErrorRate      = 0.5
	degradedMinSamples     = 10
	degradedOverdueBeats   = 3
	degradedClearErrorRate = 0.25
)

// Metrics is a derived performance summary over the rolling window.
type Metrics struct {
	TotalOperations     uint64
	SucceededOperations uint64
	FailedOperations    uint64
	ErrorRate           float64
	AvgLatency          time.Duration
	MaxLatency          time.Duration
	WindowSamples       int
}

// Report is the health snapshot returned by GetHealthStatus and consumed by
// the heartbeat loop.
type Report struct {
	ComponentStatus     state.Status
	Uptime              time.Duration
	LastHeartbeat       time.Time
	ActiveOperations    int
	LoadedMethodologies []string
	Metrics             Metrics
	CheckedAt           time.Time
}

// OperationRecord is one completed operation kept for inspection.
type OperationRecord struct {
	OperationID string
	Kind        string
	Success     bool
	Duration    time.Duration
	CompletedAt time.Time
}

type sample struct {
	duration time.Duration
	success  bool
}

// Monitor keeps a bounded rolling window of operation outcomes plus a
// bounded cache of recent completed-operation records.
type Monitor struct {
	component string

	mu        sync.Mutex
	window    []sample
	next      int
	filled    bool
	total     uint64
	succeeded uint64
	failed    uint64

	recent *lru.Cache[string, OperationRecord]
}

// NewMonitor builds a monitor for one component identity.
func NewMonitor(component string) *Monitor {
	recent, _ := lru.New[string, OperationRecord](defaultRecentResults)
	return &Monitor{
		component: component,
		window:    make([]sample, defaultWindowSize),
		recent:    recent,
	}
}

// RecordOperation ingests one completed primitive or methodology operation.
func (m *Monitor) RecordOperation(operationID, kind string, dur time.Duration, success bool) {
	m.mu.Lock()
	m.window[m.next] = sample{duration: dur, success: success}
	m.next++
	if m.next == len(m.window) {
		m.next = 0
		m.filled = true
	}
	m.total++
	if success {
		m.succeeded++
	} else {
		m.failed++
	}
	m.mu.Unlock()

	m.recent.Add(operationID, OperationRecord{
		OperationID: operationID,
		Kind:        kind,
		Success:     success,
		Duration:    dur,
		CompletedAt: time.Now(),
	})
	observability.RecordOperation(m.component, kind, success, dur)
}

// MetricsSnapshot summarizes the rolling window.
func (m *Monitor) MetricsSnapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	if m.filled {
		n = len(m.window)
	}
	var (
		sum      time.Duration
		max      time.Duration
		failures int
	)
	for i := 0; i < n; i++ {
		s := m.window[i]
		sum += s.duration
		if s.duration > max {
			max = s.duration
		}
		if !s.success {
			failures++
		}
	}
	out := Metrics{
		TotalOperations:     m.total,
		SucceededOperations: m.succeeded,
		FailedOperations:    m.failed,
		MaxLatency:          max,
		WindowSamples:       n,
	}
	if n > 0 {
		out.AvgLatency = sum / time.Duration(n)
		out.ErrorRate = float64(failures) / float64(n)
	}
	return out
}

// Snapshot builds the full health report from a CoreState snapshot.
func (m *Monitor) Snapshot(core state.CoreState) Report {
	return Report{
		ComponentStatus:     core.Status,
		Uptime:              time.Since(core.StartedAt),
		LastHeartbeat:       core.Coordination.LastHeartbeat,
		ActiveOperations:    len(core.ActiveOperations),
		LoadedMethodologies: core.Coordination.ActiveMethodologies,
		Metrics:             m.MetricsSnapshot(),
		CheckedAt:           time.Now(),
	}
}

// EvaluateDegraded reports whether current conditions call for the degraded
// status, given the count of heartbeats past their ack deadline. The answer
// is observational only; callers apply it through the state store.
func (m *Monitor) EvaluateDegraded(overdueHeartbeats int) (degraded bool, reason string) {
	if overdueHeartbeats >= degradedOverdueBeats {
		return true, "orchestrator unreachable"
	}
	metrics := m.MetricsSnapshot()
	if metrics.WindowSamples >= degradedMinSamples && metrics.ErrorRate >= degradedErrorRate {
		return true, "elevated error rate"
	}
	return false, ""
}

// ClearsDegraded reports whether conditions have recovered enough to leave
// the degraded status.
func (m *Monitor) ClearsDegraded(overdueHeartbeats int) bool {
	if overdueHeartbeats >= degradedOverdueBeats {
		return false
	}
	metrics := m.MetricsSnapshot()
	if metrics.WindowSamples >= degradedMinSamples && metrics.ErrorRate > degradedClearErrorRate {
		return false
	}
	return true
}

// RecentResult returns one cached completed-operation record.
func (m *Monitor) RecentResult(operationID string) (OperationRecord, bool) {
	return m.recent.Get(operationID)
}

// RecentResults lists cached completed-operation records, oldest first.
func (m *Monitor) RecentResults() []OperationRecord {
	keys := m.recent.Keys()
	out := make([]OperationRecord, 0, len(keys))
	for _, key := range keys {
		if rec, ok := m.recent.Peek(key); ok {
			out = append(out, rec)
		}
	}
	return out
}
