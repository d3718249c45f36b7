package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"slabstore/pkg/storage"
)

// StorageMetrics holds Prometheus collectors for blob-store instrumentation.
// It implements the storage.Observer hook.
type StorageMetrics struct {
	reg           *prometheus.Registry
	bytes         *prometheus.CounterVec
	ops           *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	integrityFail *prometheus.CounterVec
}

// NewStorageMetrics registers storage metrics on the provided registry.
func NewStorageMetrics(reg *prometheus.Registry) *StorageMetrics {
	bytes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slabstore",
		Subsystem: "storage",
		Name:      "bytes_total",
		Help:      "Total bytes processed by blob-store operations.",
	}, []string{"op"})
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slabstore",
		Subsystem: "storage",
		Name:      "ops_total",
		Help:      "Total number of blob-store operations by result.",
	}, []string{"op", "result"}) // result = "ok" | "error"
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "slabstore",
		Subsystem: "storage",
		Name:      "op_duration_seconds",
		Help:      "Histogram of blob-store operation durations in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
	integrityFail := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slabstore",
		Subsystem: "storage",
		Name:      "integrity_failures_total",
		Help:      "Number of integrity failures surfaced by blob-store operations.",
	}, []string{"op"})

	_ = reg.Register(bytes)
	_ = reg.Register(ops)
	_ = reg.Register(latency)
	_ = reg.Register(integrityFail)

	return &StorageMetrics{
		reg:           reg,
		bytes:         bytes,
		ops:           ops,
		latency:       latency,
		integrityFail: integrityFail,
	}
}

// Observe records a blob-store operation with optional bytes and error.
// dur must be the total time spent in the operation.
func (m *StorageMetrics) Observe(op string, bytes int64, err error, dur time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	if bytes > 0 {
		m.bytes.WithLabelValues(op).Add(float64(bytes))
	}
	m.ops.WithLabelValues(op, result).Inc()
	m.latency.WithLabelValues(op).Observe(dur.Seconds())
	if errors.Is(err, storage.ErrIntegrity) {
		m.integrityFail.WithLabelValues(op).Inc()
	}
}
