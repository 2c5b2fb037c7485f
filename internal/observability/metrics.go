package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "aorc"

// Metrics holds the Prometheus counters, histograms, and gauges for both pipelines.
type Metrics struct {
	RunActive *prometheus.GaugeVec // labels: stage={mirror,composite}

	// Source listing and mirroring.
	SourcesListed    prometheus.Counter
	SourcesMalformed prometheus.Counter
	MirrorOutcomes   *prometheus.CounterVec // labels: status={transferred,skipped,recovered,failed}
	MirrorBytes      prometheus.Counter
	MirrorDuration   prometheus.Histogram
	FetchRetries     *prometheus.CounterVec // labels: reason={network,integrity}

	// Alignment and compositing.
	ArchiveCache      *prometheus.CounterVec // labels: result={hit,miss}
	CompositeOutcomes *prometheus.CounterVec // labels: status={written,existing,deferred,in_progress,failed}
	CompositeDuration prometheus.Histogram

	// Provenance.
	JobsRecorded  *prometheus.CounterVec // labels: kind={transfer,composite}, result={new,existing}
	JobsPublished prometheus.Counter
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.RunActive,
		m.SourcesListed,
		m.SourcesMalformed,
		m.MirrorOutcomes,
		m.MirrorBytes,
		m.MirrorDuration,
		m.FetchRetries,
		m.ArchiveCache,
		m.CompositeOutcomes,
		m.CompositeDuration,
		m.JobsRecorded,
		m.JobsPublished,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		RunActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_active",
			Help:      "1 while a run of the stage is in progress.",
		}, []string{"stage"}),
		SourcesListed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_objects_listed_total",
			Help:      "Regional monthly archives discovered on the remote server.",
		}),
		SourcesMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_entries_malformed_total",
			Help:      "Listing entries skipped because their name or headers were unusable.",
		}),
		MirrorOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_outcomes_total",
			Help:      "Mirror units by final status.",
		}, []string{"status"}),
		MirrorBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_bytes_total",
			Help:      "Bytes written to the durable store by the mirror engine.",
		}),
		MirrorDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mirror_unit_duration_seconds",
			Help:      "Wall time of one mirror unit including retries.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
		FetchRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_retries_total",
			Help:      "Transfer attempts retried, by reason.",
		}, []string{"reason"}),
		ArchiveCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_cache_total",
			Help:      "Opened-archive cache lookups by result.",
		}, []string{"result"}),
		CompositeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "composite_outcomes_total",
			Help:      "Composite hours by final status.",
		}, []string{"status"}),
		CompositeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "composite_duration_seconds",
			Help:      "Time to build and write one composite.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		JobsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_recorded_total",
			Help:      "Provenance jobs submitted to the catalog.",
		}, []string{"kind", "result"}),
		JobsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_published_total",
			Help:      "Provenance jobs published to Kafka.",
		}),
	}
}
