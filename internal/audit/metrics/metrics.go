// Package metrics holds the Prometheus instruments for the audit engine.
// Every method is safe to call on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Recorded            *prometheus.CounterVec
	RecordFailures      *prometheus.CounterVec
	RecordDuration      prometheus.Histogram
	Flagged             prometheus.Counter
	Redactions          prometheus.Counter
	IntegrityViolations prometheus.Counter
	QueryDuration       *prometheus.HistogramVec
	QueryTimeouts       prometheus.Counter
	Archived            prometheus.Counter
	Purged              prometheus.Counter
	QueueDepth          prometheus.Gauge
	QueueRejected       prometheus.Counter
	QueueRetries        prometheus.Counter
	StreamPublished     prometheus.Counter
	StreamFailures      prometheus.Counter
	StreamSkipped       prometheus.Counter
	StreamCircuitState  prometheus.Gauge
	Exports             *prometheus.CounterVec
}

// New registers the metrics on the default registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers the metrics on reg.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Recorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auditvault_events_recorded_total",
			Help: "Total number of audit events durably recorded, by action",
		}, []string{"action"}),
		RecordFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auditvault_record_failures_total",
			Help: "Total number of failed audit writes, by error code",
		}, []string{"code"}),
		RecordDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "auditvault_record_duration_seconds",
			Help:    "Latency of a synchronous audit write",
			Buckets: prometheus.DefBuckets,
		}),
		Flagged: f.NewCounter(prometheus.CounterOpts{
			Name: "auditvault_events_flagged_total",
			Help: "Total number of events flagged for security review",
		}),
		Redactions: f.NewCounter(prometheus.CounterOpts{
			Name: "auditvault_detail_redactions_total",
			Help: "Total number of detail values redacted before stamping",
		}),
		IntegrityViolations: f.NewCounter(prometheus.CounterOpts{
			Name: "auditvault_integrity_violations_total",
			Help: "Total number of checksum mismatches found on verify",
		}),
		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "auditvault_query_duration_seconds",
			Help:    "Latency of query engine operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		QueryTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "auditvault_query_timeouts_total",
			Help: "Total number of queries that exceeded their deadline",
		}),
		Archived: f.NewCounter(prometheus.CounterOpts{
			Name: "auditvault_events_archived_total",
			Help: "Total number of events moved to the archive tier",
		}),
		Purged: f.NewCounter(prometheus.CounterOpts{
			Name: "auditvault_events_purged_total",
			Help: "Total number of events purged after retention",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "auditvault_queue_depth",
			Help: "Current number of entries waiting in the async audit queue",
		}),
		QueueRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "auditvault_queue_rejected_total",
			Help: "Total number of entries rejected because the queue was full",
		}),
		QueueRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "auditvault_queue_retries_total",
			Help: "Total number of retried audit writes in the async queue",
		}),
		StreamPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "auditvault_stream_published_total",
			Help: "Total number of flagged events published to the alert topic",
		}),
		StreamFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "auditvault_stream_failures_total",
			Help: "Total number of failed flagged-event publishes",
		}),
		StreamSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "auditvault_stream_skipped_total",
			Help: "Total number of flagged-event publishes skipped while the circuit was open",
		}),
		StreamCircuitState: f.NewGauge(prometheus.GaugeOpts{
			Name: "auditvault_stream_circuit_state",
			Help: "Current stream circuit breaker state (0=closed, 1=open)",
		}),
		Exports: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auditvault_exports_total",
			Help: "Total number of exports, by format",
		}, []string{"format"}),
	}
}

func (m *Metrics) IncRecorded(action string) {
	if m != nil {
		m.Recorded.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) IncRecordFailure(code string) {
	if m != nil {
		m.RecordFailures.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) ObserveRecord(start time.Time) {
	if m != nil {
		m.RecordDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) IncFlagged() {
	if m != nil {
		m.Flagged.Inc()
	}
}

func (m *Metrics) AddRedactions(n int) {
	if m != nil && n > 0 {
		m.Redactions.Add(float64(n))
	}
}

func (m *Metrics) IncIntegrityViolation() {
	if m != nil {
		m.IntegrityViolations.Inc()
	}
}

func (m *Metrics) ObserveQuery(operation string, start time.Time) {
	if m != nil {
		m.QueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) IncQueryTimeout() {
	if m != nil {
		m.QueryTimeouts.Inc()
	}
}

func (m *Metrics) AddArchived(n int) {
	if m != nil && n > 0 {
		m.Archived.Add(float64(n))
	}
}

func (m *Metrics) AddPurged(n int) {
	if m != nil && n > 0 {
		m.Purged.Add(float64(n))
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

func (m *Metrics) IncQueueRejected() {
	if m != nil {
		m.QueueRejected.Inc()
	}
}

func (m *Metrics) IncQueueRetry() {
	if m != nil {
		m.QueueRetries.Inc()
	}
}

func (m *Metrics) IncStreamPublished() {
	if m != nil {
		m.StreamPublished.Inc()
	}
}

func (m *Metrics) IncStreamFailure() {
	if m != nil {
		m.StreamFailures.Inc()
	}
}

func (m *Metrics) IncStreamSkipped() {
	if m != nil {
		m.StreamSkipped.Inc()
	}
}

// SetStreamCircuitOpen sets the circuit breaker state gauge.
func (m *Metrics) SetStreamCircuitOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.StreamCircuitState.Set(1)
	} else {
		m.StreamCircuitState.Set(0)
	}
}

func (m *Metrics) IncExport(format string) {
	if m != nil {
		m.Exports.WithLabelValues(format).Inc()
	}
}
