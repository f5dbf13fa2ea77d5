package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "discharge_tracker"

// Metrics holds the Prometheus counters, histograms, and gauges for the tracker.
type Metrics struct {
	PipelineRunning prometheus.Gauge
	PollTicks       prometheus.Counter
	TickDuration    prometheus.Histogram

	// Per-source fetch and parse metrics.
	FetchErrors      *prometheus.CounterVec // labels: source
	FeaturesFetched  *prometheus.CounterVec // labels: source
	ParseErrors      *prometheus.CounterVec // labels: source
	FetchAPIDuration *prometheus.HistogramVec

	// Event lifecycle metrics.
	EventsStarted     *prometheus.CounterVec // labels: source
	EventsCompleted   *prometheus.CounterVec // labels: source
	ActiveEvents      prometheus.Gauge
	StartFallbacks    prometheus.Counter
	DurationsClamped  prometheus.Counter
	PersistenceErrors prometheus.Counter

	// Queue and publishing metrics.
	QueueSize        prometheus.Gauge
	QueueAdds        *prometheus.CounterVec // labels: result={accepted,below_threshold,duplicate,not_completed}
	QueueEvictions   prometheus.Counter
	Publishes        *prometheus.CounterVec // labels: outcome={success,error,empty,capped}
	EventsDispatched prometheus.Counter
}

func counter(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}
}

func gauge(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}
}

func histogram(name, help string, buckets []float64) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets}
}

func newMetrics() *Metrics {
	return &Metrics{
		PipelineRunning: prometheus.NewGauge(gauge("pipeline_running", "1 when the poll loop is active, 0 when shut down.")),
		PollTicks:       prometheus.NewCounter(counter("poll_ticks_total", "Total poll cycles run.")),
		TickDuration: prometheus.NewHistogram(histogram("poll_tick_duration_seconds",
			"Duration of a complete fetch-parse-ingest cycle.",
			[]float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60})),

		FetchErrors:     prometheus.NewCounterVec(counter("fetch_errors_total", "Source fetches that failed."), []string{"source"}),
		FeaturesFetched: prometheus.NewCounterVec(counter("features_fetched_total", "Raw features returned by sources."), []string{"source"}),
		ParseErrors:     prometheus.NewCounterVec(counter("parse_errors_total", "Features skipped because they could not be parsed."), []string{"source"}),
		FetchAPIDuration: prometheus.NewHistogramVec(histogram("fetch_api_duration_seconds",
			"Feature service request duration in seconds.",
			[]float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}), []string{"source"}),

		EventsStarted:     prometheus.NewCounterVec(counter("events_started_total", "Discharge events opened."), []string{"source"}),
		EventsCompleted:   prometheus.NewCounterVec(counter("events_completed_total", "Discharge events closed."), []string{"source"}),
		ActiveEvents:      prometheus.NewGauge(gauge("active_events", "Discharge events currently active.")),
		StartFallbacks:    prometheus.NewCounter(counter("start_time_fallbacks_total", "Events whose start time fell back to the poll time.")),
		DurationsClamped:  prometheus.NewCounter(counter("durations_clamped_total", "Completed events whose negative duration was clamped to zero.")),
		PersistenceErrors: prometheus.NewCounter(counter("persistence_errors_total", "Failed event store writes.")),

		QueueSize:        prometheus.NewGauge(gauge("queue_size", "Entries held by the publish queue.")),
		QueueAdds:        prometheus.NewCounterVec(counter("queue_adds_total", "Completed events offered to the queue by result."), []string{"result"}),
		QueueEvictions:   prometheus.NewCounter(counter("queue_evictions_total", "Queue entries removed by retention cleanup.")),
		Publishes:        prometheus.NewCounterVec(counter("publishes_total", "Publish cycles by outcome."), []string{"outcome"}),
		EventsDispatched: prometheus.NewCounter(counter("events_dispatched_total", "Events marked dispatched after a successful publish.")),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PipelineRunning,
		m.PollTicks,
		m.TickDuration,
		m.FetchErrors,
		m.FeaturesFetched,
		m.ParseErrors,
		m.FetchAPIDuration,
		m.EventsStarted,
		m.EventsCompleted,
		m.ActiveEvents,
		m.StartFallbacks,
		m.DurationsClamped,
		m.PersistenceErrors,
		m.QueueSize,
		m.QueueAdds,
		m.QueueEvictions,
		m.Publishes,
		m.EventsDispatched,
	}
}

// NewMetrics creates and registers all tracker metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}
