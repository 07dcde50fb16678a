package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "concord",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"component", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "concord",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"component", "method", "path", "status"},
	)
	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "concord",
			Subsystem: "kernel",
			Name:      "operations_total",
			Help:      "Completed kernel operations by kind and outcome.",
		},
		[]string{"component", "kind", "outcome"},
	)
	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "concord",
			Subsystem: "kernel",
			Name:      "operation_duration_seconds",
			Help:      "Kernel operation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"component", "kind", "outcome"},
	)
	heartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "concord",
			Subsystem: "coordination",
			Name:      "heartbeats_total",
			Help:      "Heartbeat attempts by outcome.",
		},
		[]string{"component", "outcome"},
	)
	coordinationRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "concord",
			Subsystem: "coordination",
			Name:      "requests_total",
			Help:      "Inbound coordination requests by type and outcome.",
		},
		[]string{"component", "request_type", "outcome"},
	)
)

// RegisterMetrics installs the metric families exactly once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			operations,
			operationDuration,
			heartbeats,
			coordinationRequests,
		)
	})
}

// RecordHTTPRequest records one served HTTP request.
func RecordHTTPRequest(component, method, path string, status int, dur time.Duration) {
	code := strconv.Itoa(status)
	httpRequests.WithLabelValues(component, method, path, code).Inc()
	httpDuration.WithLabelValues(component, method, path, code).Observe(dur.Seconds())
}

// RecordOperation records one completed primitive or methodology operation.
func RecordOperation(component, kind string, success bool, dur time.Duration) {
	outcome := "error"
	if success {
		outcome = "success"
	}
	operations.WithLabelValues(component, kind, outcome).Inc()
	operationDuration.WithLabelValues(component, kind, outcome).Observe(dur.Seconds())
}

// RecordHeartbeat records one heartbeat attempt.
func RecordHeartbeat(component string, success bool) {
	outcome := "error"
	if success {
		outcome = "success"
	}
	heartbeats.WithLabelValues(component, outcome).Inc()
}

// RecordCoordinationRequest records one inbound coordination request.
func RecordCoordinationRequest(component, requestType string, success bool) {
	outcome := "error"
	if success {
		outcome = "success"
	}
	coordinationRequests.WithLabelValues(component, requestType, outcome).Inc()
}
