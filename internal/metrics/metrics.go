// Package metrics records prediction progress as Prometheus collectors and
// optionally exposes them over HTTP or a node-exporter textfile.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"peval/pkg/types"
)

const namespace = "peval"

// Metrics owns a private registry so parallel runs and tests do not collide.
type Metrics struct {
	Registry *prometheus.Registry

	batchesTotal    prometheus.Counter
	sequencesTotal  prometheus.Counter
	tokensTotal     *prometheus.CounterVec
	batchDuration   prometheus.Histogram
	inflightBatches prometheus.Gauge
	restoreDuration prometheus.Gauge
	batchesPlanned  prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec

	planned atomic.Int64
	done    atomic.Int64
	started atomic.Int64
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		batchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "predict", Name: "batches_total",
			Help: "Batches completed",
		}),
		sequencesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "predict", Name: "sequences_total",
			Help: "Sequences generated",
		}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "predict", Name: "tokens_total",
			Help: "Tokens processed by kind",
		}, []string{"kind"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "predict", Name: "batch_duration_seconds",
			Help:    "Wall time of one predict step",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		inflightBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "predict", Name: "inflight_batches",
			Help: "Batches currently being generated",
		}),
		restoreDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "checkpoint", Name: "restore_duration_seconds",
			Help: "Time spent restoring base and adapter artifacts",
		}),
		batchesPlanned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "predict", Name: "batches_planned",
			Help: "Batches the loader will yield",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Status server requests",
		}, []string{"path", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Status server request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "method", "status"}),
	}
	m.Registry.MustRegister(
		m.batchesTotal, m.sequencesTotal, m.tokensTotal, m.batchDuration,
		m.inflightBatches, m.restoreDuration, m.batchesPlanned,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// SetPlanned records how many batches the run will process.
func (m *Metrics) SetPlanned(n int) {
	m.planned.Store(int64(n))
	m.batchesPlanned.Set(float64(n))
}

// ObserveRestore records checkpoint restoration time.
func (m *Metrics) ObserveRestore(d time.Duration) { m.restoreDuration.Set(d.Seconds()) }

// BatchStarted marks a batch as in flight.
func (m *Metrics) BatchStarted() {
	m.started.Add(1)
	m.inflightBatches.Inc()
}

// BatchDone records a finished batch. A failed batch only leaves the
// in-flight gauge.
func (m *Metrics) BatchDone(size int, d time.Duration, usage types.Usage, err error) {
	m.inflightBatches.Dec()
	if err != nil {
		return
	}
	m.done.Add(1)
	m.batchesTotal.Inc()
	m.sequencesTotal.Add(float64(size))
	m.tokensTotal.WithLabelValues("prompt").Add(float64(usage.PromptTokens))
	m.tokensTotal.WithLabelValues("completion").Add(float64(usage.CompletionTokens))
	m.batchDuration.Observe(d.Seconds())
}

// Progress is a snapshot of batch counters.
type Progress struct {
	Planned  int64 `json:"planned"`
	Started  int64 `json:"started"`
	Done     int64 `json:"done"`
	Inflight int64 `json:"inflight"`
}

// Progress returns the current counters.
func (m *Metrics) Progress() Progress {
	started, done := m.started.Load(), m.done.Load()
	return Progress{Planned: m.planned.Load(), Started: started, Done: done, Inflight: started - done}
}

// WriteTextfile writes the registry in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}
