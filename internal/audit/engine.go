// Package audit assembles the audit engine: one Recorder as the only write
// path, a bounded queue in front of it, the query service and the archival
// manager, all sharing one store and one integrity codec.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"auditvault/internal/audit/archive"
	"auditvault/internal/audit/ingest"
	"auditvault/internal/audit/integrity"
	"auditvault/internal/audit/metrics"
	"auditvault/internal/audit/query"
	"auditvault/internal/audit/store"
	"auditvault/internal/audit/worker"
)

// Engine exposes the assembled services. Callers that need a single
// component (the HTTP handlers, the scheduler) take it from here.
type Engine struct {
	Recorder *ingest.Recorder
	Queue    *worker.Queue
	Queries  *query.Service
	Archive  *archive.Manager
	Codec    *integrity.Codec
}

type settings struct {
	logger         *slog.Logger
	emergency      *slog.Logger
	metrics        *metrics.Metrics
	window         ingest.FailureWindow
	resolver       ingest.PatientResolver
	publisher      ingest.FlagPublisher
	queryTimeout   time.Duration
	batchSize      int
	retentionYears int
	queueSize      int
	queueWorkers   int
	maxAttempts    int
	overflow       worker.Overflow
}

type Option func(*settings)

func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithEmergencyLogger sets where lost writes are reported.
func WithEmergencyLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		s.emergency = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) {
		s.metrics = m
	}
}

func WithFailureWindow(w ingest.FailureWindow) Option {
	return func(s *settings) {
		s.window = w
	}
}

func WithPatientResolver(r ingest.PatientResolver) Option {
	return func(s *settings) {
		s.resolver = r
	}
}

func WithFlagPublisher(p ingest.FlagPublisher) Option {
	return func(s *settings) {
		s.publisher = p
	}
}

func WithQueryTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.queryTimeout = d
	}
}

func WithArchiveBatchSize(n int) Option {
	return func(s *settings) {
		s.batchSize = n
	}
}

// WithRetentionYears sets the purge horizon. Values below seven are ignored.
func WithRetentionYears(years int) Option {
	return func(s *settings) {
		s.retentionYears = years
	}
}

// WithQueue sizes the asynchronous queue. Zero values keep the defaults.
func WithQueue(size, workers, maxAttempts int, overflow worker.Overflow) Option {
	return func(s *settings) {
		s.queueSize = size
		s.queueWorkers = workers
		s.maxAttempts = maxAttempts
		s.overflow = overflow
	}
}

// New wires the engine over st. The queue workers start immediately; call
// Close to drain them.
func New(st store.Store, codec *integrity.Codec, opts ...Option) *Engine {
	s := settings{logger: slog.Default()}
	for _, opt := range opts {
		opt(&s)
	}
	if s.emergency == nil {
		s.emergency = s.logger
	}

	recorder := ingest.NewRecorder(st, codec,
		ingest.WithLogger(s.logger),
		ingest.WithEmergencyLogger(s.emergency),
		ingest.WithMetrics(s.metrics),
		ingest.WithFailureWindow(s.window),
		ingest.WithPatientResolver(s.resolver),
		ingest.WithFlagPublisher(s.publisher),
	)

	archiveOpts := []archive.Option{
		archive.WithLogger(s.logger),
		archive.WithMetrics(s.metrics),
		archive.WithBatchSize(s.batchSize),
	}
	if s.retentionYears > 0 {
		archiveOpts = append(archiveOpts, archive.WithRetention(RetentionFor(s.retentionYears)))
	}

	return &Engine{
		Recorder: recorder,
		Queue: worker.New(recorder, s.queueSize,
			worker.WithLogger(s.logger),
			worker.WithEmergencyLogger(s.emergency),
			worker.WithMetrics(s.metrics),
			worker.WithOverflow(s.overflow),
			worker.WithWorkers(s.queueWorkers),
			worker.WithMaxAttempts(s.maxAttempts),
		),
		Queries: query.New(st, codec,
			query.WithLogger(s.logger),
			query.WithMetrics(s.metrics),
			query.WithTimeout(s.queryTimeout),
		),
		Archive: archive.New(st, archiveOpts...),
		Codec:   codec,
	}
}

// Record writes entry synchronously and returns the event id once durable.
func (e *Engine) Record(ctx context.Context, entry ingest.Entry) (uuid.UUID, error) {
	return e.Recorder.Record(ctx, entry)
}

// Enqueue hands entry to the background workers.
func (e *Engine) Enqueue(ctx context.Context, entry ingest.Entry) error {
	return e.Queue.Enqueue(ctx, entry)
}

// Close drains the queue. Entries still queued when ctx ends are reported on
// the emergency logger.
func (e *Engine) Close(ctx context.Context) error {
	return e.Queue.Close(ctx)
}

// RetentionFor converts a retention period in years to a duration, counting
// one leap day for every started four-year span.
func RetentionFor(years int) time.Duration {
	days := years*365 + (years+3)/4
	return time.Duration(days) * 24 * time.Hour
}
