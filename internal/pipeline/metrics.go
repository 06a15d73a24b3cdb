package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result outcomes used as the "outcome" label.
const (
	OutcomeCompressed = "compressed"
	OutcomeUnchanged  = "unchanged"
	OutcomeInvalid    = "invalid"
	OutcomeOverflow   = "overflow"
	OutcomeFailed     = "failed"
)

// Metrics exposes pipeline counters to prometheus. A nil *Metrics records nothing.
type Metrics struct {
	tasks             *prometheus.CounterVec
	results           *prometheus.CounterVec
	baselineFallbacks prometheus.Counter
	payloadBytes      prometheus.Histogram
	rawBytes          prometheus.Counter
	parts             prometheus.Histogram
	processDuration   prometheus.Histogram
}

// NewMetrics registers the pipeline collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snapsync_pipeline_tasks_total",
			Help: "Tasks handled by the pipeline worker",
		}, []string{"kind"}),
		results: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snapsync_pipeline_results_total",
			Help: "Snapshot results by outcome",
		}, []string{"outcome"}),
		baselineFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "snapsync_pipeline_baseline_fallbacks_total",
			Help: "Deltas computed against the empty snapshot because the acknowledged tick was unavailable",
		}),
		payloadBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "snapsync_pipeline_payload_bytes",
			Help:    "Compressed payload size per result",
			Buckets: prometheus.ExponentialBuckets(16, 2, 12),
		}),
		rawBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "snapsync_pipeline_raw_bytes_total",
			Help: "Serialized snapshot bytes received from the simulation",
		}),
		parts: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "snapsync_pipeline_parts",
			Help:    "Transport packets per compressed result",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		processDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "snapsync_pipeline_process_duration_seconds",
			Help:    "Worker time spent on one snapshot task",
			Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),
	}
}

func (m *Metrics) task(kind string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(kind).Inc()
}

func (m *Metrics) result(outcome string) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(outcome).Inc()
}

func (m *Metrics) baselineFallback() {
	if m == nil {
		return
	}
	m.baselineFallbacks.Inc()
}

func (m *Metrics) snapshotIn(size int) {
	if m == nil {
		return
	}
	m.rawBytes.Add(float64(size))
}

func (m *Metrics) payload(size, parts int) {
	if m == nil {
		return
	}
	m.payloadBytes.Observe(float64(size))
	m.parts.Observe(float64(parts))
}

func (m *Metrics) observeDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.processDuration.Observe(d.Seconds())
}
