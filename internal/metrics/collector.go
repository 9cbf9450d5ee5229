// Prometheus instrumentation for store activity.

// Package metrics exposes Prometheus collectors for store operations,
// appended data volumes, and garbage collection results.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mlstack/rundb/internal/store"
)

const namespace = "rundb"

// Collector records operation counts, latencies, and data volumes.
// Create at most one per registerer; metric names collide otherwise.
type Collector struct {
	opsTotal       *prometheus.CounterVec
	opDuration     *prometheus.HistogramVec
	metricPoints   prometheus.Counter
	artifactBytes  prometheus.Counter
	gcBlobsRemoved prometheus.Counter
	gcBytesFreed   prometheus.Counter
}

// NewCollector registers the rundb collectors with reg. A nil reg uses the
// process-wide default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Collector{
		opsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_total",
			Help:      "Store operations by name and outcome.",
		}, []string{"op", "outcome"}),
		opDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "op_duration_seconds",
			Help:      "Store operation latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		metricPoints: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metric_points_total",
			Help:      "Metric points appended across all runs.",
		}),
		artifactBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_bytes_total",
			Help:      "Artifact content bytes written.",
		}),
		gcBlobsRemoved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_blobs_removed_total",
			Help:      "Orphan blobs reclaimed by garbage collection.",
		}),
		gcBytesFreed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_bytes_freed_total",
			Help:      "Bytes reclaimed by garbage collection.",
		}),
	}
}

// RecordOp counts one operation and its latency. The outcome label is "ok"
// for success, the lowercased store error code otherwise.
func (c *Collector) RecordOp(op string, err error, elapsed time.Duration) {
	c.opsTotal.WithLabelValues(op, outcome(err)).Inc()
	c.opDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// RecordMetricPoints counts appended metric points.
func (c *Collector) RecordMetricPoints(n int) {
	c.metricPoints.Add(float64(n))
}

// RecordArtifact counts one uploaded artifact's bytes.
func (c *Collector) RecordArtifact(size int64) {
	c.artifactBytes.Add(float64(size))
}

// RecordGC counts a collection pass's reclaimed blobs and bytes.
func (c *Collector) RecordGC(res *store.GCResult) {
	c.gcBlobsRemoved.Add(float64(len(res.Removed)))
	c.gcBytesFreed.Add(float64(res.BytesFreed))
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := store.CodeOf(err); code != "" {
		return strings.ToLower(string(code))
	}
	return "error"
}
