package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the hugefs collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	operations  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	openHandles prometheus.Gauge

	bytesStored  prometheus.Counter
	bytesDeduped prometheus.Counter
	objects      *prometheus.CounterVec

	gcRuns      *prometheus.CounterVec
	gcReclaimed prometheus.Counter

	httpRequests *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		registry: reg,
		operations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "hugefs_operations_total",
				Help: "Filesystem operations by operation and result",
			},
			[]string{"op", "result"},
		),
		latency: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hugefs_operation_duration_seconds",
				Help:    "Filesystem operation latency",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"op"},
		),
		openHandles: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "hugefs_open_handles",
			Help: "Currently open file handles",
		}),
		bytesStored: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "hugefs_content_bytes_stored_total",
			Help: "Bytes published as new immutable objects",
		}),
		bytesDeduped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "hugefs_content_bytes_deduplicated_total",
			Help: "Bytes that matched an existing immutable object",
		}),
		objects: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "hugefs_content_objects_total",
				Help: "Immutable object events by kind",
			},
			[]string{"event"}, // "stored", "deduplicated", "collected"
		),
		gcRuns: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "hugefs_gc_runs_total",
				Help: "Garbage collection passes by result",
			},
			[]string{"result"},
		),
		gcReclaimed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "hugefs_gc_reclaimed_bytes_total",
			Help: "Bytes removed by garbage collection",
		}),
		httpRequests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "hugefs_http_requests_total",
				Help: "Admin API requests by path and status code",
			},
			[]string{"path", "code"},
		),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveOperation records one engine operation. result is "ok" or an error kind.
func (m *Metrics) ObserveOperation(op, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) SetOpenHandles(n int) {
	if m == nil {
		return
	}
	m.openHandles.Set(float64(n))
}

func (m *Metrics) RecordStored(bytes int64) {
	if m == nil {
		return
	}
	m.bytesStored.Add(float64(bytes))
	m.objects.WithLabelValues("stored").Inc()
}

func (m *Metrics) RecordDeduplicated(bytes int64) {
	if m == nil {
		return
	}
	m.bytesDeduped.Add(float64(bytes))
	m.objects.WithLabelValues("deduplicated").Inc()
}

func (m *Metrics) RecordCollected(bytes int64) {
	if m == nil {
		return
	}
	m.objects.WithLabelValues("collected").Inc()
	m.gcReclaimed.Add(float64(bytes))
}

func (m *Metrics) RecordGCRun(failed bool) {
	if m == nil {
		return
	}
	result := "ok"
	if failed {
		result = "error"
	}
	m.gcRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordHTTPRequest(path string, code string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(path, code).Inc()
}
