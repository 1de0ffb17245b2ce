// Package archive moves aged events to the archive tier and, once the legal
// retention window has elapsed, purges them. Both run in small batches that
// commit independently, so an interruption loses progress, never records.
package archive

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"auditvault/internal/audit/metrics"
	dErrors "auditvault/pkg/domain-errors"
	"auditvault/pkg/platform/sentinel"
)

const (
	DefaultBatchSize = 500
	// DefaultRetention is seven years including two leap days.
	DefaultRetention = (7*365 + 2) * 24 * time.Hour
	// MaxArchiveDays keeps the archive cutoff well inside time.Duration.
	MaxArchiveDays = 36500
)

// Store is the lifecycle half of the Event Store.
type Store interface {
	ArchiveBatch(ctx context.Context, cutoff time.Time, batchSize int) (int, error)
	PurgeBatch(ctx context.Context, cutoff time.Time, batchSize int) (int, error)
}

type Manager struct {
	store     Store
	batchSize int
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

func WithBatchSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// WithRetention overrides the retention window. Windows shorter than the
// default are ignored.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) {
		if d >= DefaultRetention {
			m.retention = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func New(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		batchSize: DefaultBatchSize,
		retention: DefaultRetention,
		now:       time.Now,
		logger:    slog.Default(),
		tracer:    otel.Tracer("auditvault/archive"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Archive moves hot events older than olderThanDays to the archive tier and
// returns how many moved. Already archived events are not in the hot tier,
// so re-running only picks up what is left.
func (m *Manager) Archive(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays < 1 || olderThanDays > MaxArchiveDays {
		return 0, dErrors.New(dErrors.CodeValidation, "older_than_days must be between 1 and "+strconv.Itoa(MaxArchiveDays))
	}
	cutoff := m.now().UTC().Add(-time.Duration(olderThanDays) * 24 * time.Hour)

	ctx, span := m.tracer.Start(ctx, "archive.Archive", trace.WithAttributes(
		attribute.Int("audit.older_than_days", olderThanDays),
	))
	defer span.End()

	moved, err := m.drain(ctx, "archive", cutoff, m.store.ArchiveBatch, m.metrics.AddArchived)
	span.SetAttributes(attribute.Int("audit.moved", moved))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "archive failed")
		return moved, err
	}
	m.logger.InfoContext(ctx, "audit archive completed",
		"cutoff", cutoff,
		"moved", moved,
	)
	return moved, nil
}

// Purge irreversibly deletes whole events older than cutoff from both tiers.
// It refuses any cutoff inside the retention window.
func (m *Manager) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	earliest := m.now().UTC().Add(-m.retention)
	if cutoff.After(earliest) {
		return 0, dErrors.New(dErrors.CodeValidation, "retention window not elapsed")
	}

	ctx, span := m.tracer.Start(ctx, "archive.Purge")
	defer span.End()

	purged, err := m.drain(ctx, "purge", cutoff, m.store.PurgeBatch, m.metrics.AddPurged)
	span.SetAttributes(attribute.Int("audit.purged", purged))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "purge failed")
		return purged, err
	}
	m.logger.WarnContext(ctx, "audit purge completed",
		"cutoff", cutoff,
		"purged", purged,
	)
	return purged, nil
}

type batchFunc func(ctx context.Context, cutoff time.Time, batchSize int) (int, error)

// drain runs batches until one comes back short. Cancellation is checked
// between batches only; a batch in flight commits or rolls back whole.
func (m *Manager) drain(ctx context.Context, op string, cutoff time.Time, batch batchFunc, count func(int)) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			m.logger.WarnContext(ctx, "audit "+op+" interrupted", "processed", total)
			return total, dErrors.Wrap(err, dErrors.CodeTimeout, op+" interrupted")
		}
		n, err := batch(ctx, cutoff, m.batchSize)
		total += n
		count(n)
		if err != nil {
			m.logger.ErrorContext(ctx, "audit "+op+" batch failed",
				"processed", total,
				"error", err,
			)
			return total, translate(op, err)
		}
		if n < m.batchSize {
			return total, nil
		}
	}
}

func translate(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return dErrors.Wrap(err, dErrors.CodeTimeout, op+" interrupted")
	case errors.Is(err, sentinel.ErrUnavailable):
		return dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "audit storage unavailable")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, op+" failed")
	}
}
