// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coinmap"

// BuildMetrics holds the mapping build metrics. It satisfies mapping.Recorder.
type BuildMetrics struct {
	CandidatesProcessed *prometheus.CounterVec
	CheckpointSaves     prometheus.Counter
	MappedEntriesGauge  prometheus.Gauge
	LookupDuration      prometheus.Histogram
	RunsTotal           *prometheus.CounterVec
	LastRunTimestamp    prometheus.Gauge
}

// NewBuildMetrics registers the build metrics on reg.
func NewBuildMetrics(reg prometheus.Registerer) *BuildMetrics {
	factory := promauto.With(reg)

	return &BuildMetrics{
		CandidatesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "candidates_processed_total",
			Help:      "Total number of candidate coins handled, by outcome",
		}, []string{"result"}),
		CheckpointSaves: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "checkpoint_saves_total",
			Help:      "Total number of checkpoints written",
		}),
		MappedEntriesGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "mapped_entries",
			Help:      "Number of entries in the persisted mapping",
		}),
		LookupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "lookup_duration_seconds",
			Help:      "Duration of one candidate lookup including rate limit waits",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "runs_total",
			Help:      "Total number of mapping builds, by final state",
		}, []string{"state"}),
		LastRunTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time at which the last build finished",
		}),
	}
}

func (m *BuildMetrics) CandidateProcessed(outcome string) {
	m.CandidatesProcessed.WithLabelValues(outcome).Inc()
}

func (m *BuildMetrics) LookupObserved(d time.Duration) {
	m.LookupDuration.Observe(d.Seconds())
}

func (m *BuildMetrics) CheckpointSaved() {
	m.CheckpointSaves.Inc()
}

func (m *BuildMetrics) MappedEntries(n int) {
	m.MappedEntriesGauge.Set(float64(n))
}

func (m *BuildMetrics) RunFinished(state string) {
	m.RunsTotal.WithLabelValues(state).Inc()
	m.LastRunTimestamp.SetToCurrentTime()
}

// Handler returns the HTTP handler for the metrics endpoint of gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
