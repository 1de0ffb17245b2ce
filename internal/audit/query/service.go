// Package query is the read side of the audit engine: filtered, paged search,
// aggregate statistics, flagged review and integrity verification.
package query

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"auditvault/internal/audit/integrity"
	"auditvault/internal/audit/metrics"
	"auditvault/internal/audit/models"
	dErrors "auditvault/pkg/domain-errors"
	"auditvault/pkg/platform/sentinel"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
	TopActors       = 10
	DefaultTimeout  = 10 * time.Second
)

// Store is the subset of the Event Store the query engine reads from.
// GetByID must be served by the primary.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (models.Event, error)
	GetByResource(ctx context.Context, resourceType models.ResourceType, resourceID string) ([]models.Event, error)
	GetByActor(ctx context.Context, actorID string, r models.TimeRange) ([]models.Event, error)
	Search(ctx context.Context, c models.Criteria, page models.Page) ([]models.Event, error)
	Count(ctx context.Context, c models.Criteria) (int, error)
	Aggregate(ctx context.Context, r models.TimeRange, topN int) (models.Statistics, error)
	ListFlagged(ctx context.Context, limit int) ([]models.Event, error)
}

// Result is one page of a search plus the size of the full matching set.
type Result struct {
	Events   []models.Event `json:"events"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

type Service struct {
	store   Store
	codec   *integrity.Codec
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithTimeout sets the budget applied to calls whose context has no deadline.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func New(store Store, codec *integrity.Codec, opts ...Option) *Service {
	s := &Service{
		store:   store,
		codec:   codec,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		tracer:  otel.Tracer("auditvault/query"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search returns one page of matching events, newest first, and the total
// number of matches. Criteria are validated before any storage access.
func (s *Service) Search(ctx context.Context, c models.Criteria, page, pageSize int) (Result, error) {
	if page == 0 {
		page = 1
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if page < 1 {
		return Result{}, dErrors.New(dErrors.CodeValidation, "invalid criteria: page must be at least 1")
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		return Result{}, dErrors.New(dErrors.CodeValidation, "invalid criteria: page_size must be between 1 and 500")
	}
	if err := c.Validate(); err != nil {
		return Result{}, err
	}

	ctx, done := s.begin(ctx, "search")
	var err error
	defer func() { done(err) }()

	var total int
	total, err = s.store.Count(ctx, c)
	if err != nil {
		err = s.translate(ctx, "search", err)
		return Result{}, err
	}
	var events []models.Event
	if (page-1)*pageSize < total {
		events, err = s.store.Search(ctx, c, models.Page{Number: page, Size: pageSize})
		if err != nil {
			err = s.translate(ctx, "search", err)
			return Result{}, err
		}
	}
	if events == nil {
		events = []models.Event{}
	}
	return Result{Events: events, Total: total, Page: page, PageSize: pageSize}, nil
}

// Collect gathers up to max matching events, newest first, page by page.
// Exports use it so that a single statement never materialises more than
// one page.
func (s *Service) Collect(ctx context.Context, c models.Criteria, max int) ([]models.Event, error) {
	var out []models.Event
	for page := 1; len(out) < max; page++ {
		size := min(MaxPageSize, max-len(out))
		// Fixed page size keeps offsets aligned across iterations.
		res, err := s.Search(ctx, c, page, MaxPageSize)
		if err != nil {
			return nil, err
		}
		if len(res.Events) > size {
			res.Events = res.Events[:size]
		}
		out = append(out, res.Events...)
		if page*MaxPageSize >= res.Total {
			break
		}
	}
	return out, nil
}

// Statistics aggregates at the store; no event rows are loaded here.
func (s *Service) Statistics(ctx context.Context, r models.TimeRange) (models.Statistics, error) {
	if err := r.Validate(); err != nil {
		return models.Statistics{}, err
	}
	ctx, done := s.begin(ctx, "statistics")
	stats, err := s.store.Aggregate(ctx, r, TopActors)
	if err != nil {
		err = s.translate(ctx, "statistics", err)
	}
	done(err)
	return stats, err
}

// GetFlagged returns the most recent flagged events.
func (s *Service) GetFlagged(ctx context.Context, limit int) ([]models.Event, error) {
	if limit == 0 {
		limit = DefaultPageSize
	}
	if limit < 1 || limit > MaxPageSize {
		return nil, dErrors.New(dErrors.CodeValidation, "invalid criteria: limit must be between 1 and 500")
	}
	ctx, done := s.begin(ctx, "flagged")
	events, err := s.store.ListFlagged(ctx, limit)
	if err != nil {
		err = s.translate(ctx, "flagged", err)
	}
	done(err)
	return events, err
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (models.Event, error) {
	ctx, done := s.begin(ctx, "get_by_id")
	event, err := s.store.GetByID(ctx, id)
	if err != nil {
		err = s.translate(ctx, "get event", err)
	}
	done(err)
	return event, err
}

// GetByResource returns the full history of one resource, oldest first.
func (s *Service) GetByResource(ctx context.Context, resourceType models.ResourceType, resourceID string) ([]models.Event, error) {
	if !resourceType.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "invalid criteria: unknown resource type")
	}
	if resourceID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "invalid criteria: resource id is required")
	}
	ctx, done := s.begin(ctx, "get_by_resource")
	events, err := s.store.GetByResource(ctx, resourceType, resourceID)
	if err != nil {
		err = s.translate(ctx, "resource history", err)
	}
	done(err)
	return events, err
}

// GetByActor returns one actor's events in the range, oldest first.
func (s *Service) GetByActor(ctx context.Context, actorID string, r models.TimeRange) ([]models.Event, error) {
	if actorID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "invalid criteria: actor id is required")
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	ctx, done := s.begin(ctx, "get_by_actor")
	events, err := s.store.GetByActor(ctx, actorID, r)
	if err != nil {
		err = s.translate(ctx, "actor history", err)
	}
	done(err)
	return events, err
}

// Verify re-runs the codec over the stored record. A mismatch is reported,
// logged and counted; the record is never repaired.
func (s *Service) Verify(ctx context.Context, id uuid.UUID) (integrity.Result, error) {
	event, err := s.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	result := s.codec.Verify(event)
	if result == integrity.Tampered {
		s.metrics.IncIntegrityViolation()
		s.logger.ErrorContext(ctx, "audit integrity violation",
			"event_id", id.String(),
		)
	}
	return result, nil
}

// GetVerified returns the event only when its checksum still matches.
func (s *Service) GetVerified(ctx context.Context, id uuid.UUID) (models.Event, error) {
	event, err := s.GetByID(ctx, id)
	if err != nil {
		return models.Event{}, err
	}
	if s.codec.Verify(event) != integrity.Valid {
		s.metrics.IncIntegrityViolation()
		s.logger.ErrorContext(ctx, "audit integrity violation",
			"event_id", id.String(),
		)
		return event, dErrors.New(dErrors.CodeIntegrityViolation, "event checksum does not match its content")
	}
	return event, nil
}

// begin applies the default timeout and opens a span. The returned func
// ends both and records the outcome.
func (s *Service) begin(ctx context.Context, op string) (context.Context, func(error)) {
	start := time.Now()
	cancel := context.CancelFunc(func() {})
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	ctx, span := s.tracer.Start(ctx, "query."+op, trace.WithAttributes(attribute.String("audit.operation", op)))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
		}
		span.End()
		cancel()
		s.metrics.ObserveQuery(op, start)
	}
}

func (s *Service) translate(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		s.metrics.IncQueryTimeout()
		return dErrors.Wrap(err, dErrors.CodeTimeout, op+" timed out")
	case errors.Is(err, context.Canceled):
		return dErrors.Wrap(err, dErrors.CodeTimeout, op+" cancelled")
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, "audit event not found")
	case errors.Is(err, sentinel.ErrUnavailable):
		s.logger.ErrorContext(ctx, "audit storage unavailable", "operation", op, "error", err)
		return dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "audit storage unavailable")
	default:
		s.logger.ErrorContext(ctx, "audit query failed", "operation", op, "error", err)
		return dErrors.Wrap(err, dErrors.CodeInternal, op+" failed")
	}
}
