// Package ingest is the single entry point through which callers create audit
// events. It resolves the patient, sanitizes details, classifies and flags the
// event, then seals and appends it. Nothing else in the engine writes events.
package ingest

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
	"auditvault/internal/audit/store"
	dErrors "auditvault/pkg/domain-errors"
	"auditvault/pkg/platform/sentinel"
	"auditvault/pkg/requestcontext"
)

// Actor is the principal performing the action.
type Actor = requestcontext.Actor

// RequestContext is the client snapshot stored with the event. Empty fields
// are filled from the request context.
type RequestContext struct {
	SourceIP  string
	UserAgent string
	SessionID string
}

// Entry is one action to record.
type Entry struct {
	Actor        Actor
	Action       models.Action
	ResourceType models.ResourceType
	ResourceID   string
	PatientID    string
	Details      map[string]string
	Context      RequestContext
}

// PatientResolver maps a PHI-bearing resource to the patient it belongs to.
type PatientResolver interface {
	ResolvePatient(ctx context.Context, resourceType models.ResourceType, resourceID string) (string, error)
}

// FlagPublisher receives flagged events after they are durable. It must not
// block for long and its failures never fail the record.
type FlagPublisher interface {
	PublishFlagged(ctx context.Context, event models.Event)
}

// SystemActor is recorded when no authenticated actor is available.
var SystemActor = Actor{ID: models.SystemActorID, Name: "System", Role: "system"}

const unknownRole = "unknown"

type Recorder struct {
	store     store.Appender
	codec     *integrity.Codec
	window    FailureWindow
	resolver  PatientResolver
	publisher FlagPublisher
	logger    *slog.Logger
	emergency *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	clock     *monotonicClock
	newID     func() (uuid.UUID, error)
}

type Option func(*Recorder)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// WithEmergencyLogger sets the logger that receives failed writes. It should
// not share a sink with the audit store.
func WithEmergencyLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		r.emergency = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Recorder) {
		r.metrics = m
	}
}

func WithFailureWindow(w FailureWindow) Option {
	return func(r *Recorder) {
		if w != nil {
			r.window = w
		}
	}
}

func WithPatientResolver(resolver PatientResolver) Option {
	return func(r *Recorder) {
		r.resolver = resolver
	}
}

func WithFlagPublisher(p FlagPublisher) Option {
	return func(r *Recorder) {
		r.publisher = p
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.clock = newMonotonicClock(now)
	}
}

// WithIDGenerator replaces UUIDv7 generation.
func WithIDGenerator(gen func() (uuid.UUID, error)) Option {
	return func(r *Recorder) {
		if gen != nil {
			r.newID = gen
		}
	}
}

func NewRecorder(appender store.Appender, codec *integrity.Codec, opts ...Option) *Recorder {
	r := &Recorder{
		store:  appender,
		codec:  codec,
		window: NewMemoryWindow(FailureWindowSize),
		logger: slog.Default(),
		tracer: otel.Tracer("auditvault/ingest"),
		clock:  newMonotonicClock(nil),
		newID:  uuid.NewV7,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.emergency == nil {
		r.emergency = r.logger
	}
	return r
}

// Record validates, classifies, seals and appends one event and returns its
// id. The event is durable when Record returns nil.
func (r *Recorder) Record(ctx context.Context, entry Entry) (id uuid.UUID, err error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "ingest.record", trace.WithAttributes(
		attribute.String("audit.action", string(entry.Action)),
		attribute.String("audit.resource_type", string(entry.ResourceType)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
			r.metrics.IncRecordFailure(string(dErrors.CodeOf(err)))
		}
		span.End()
	}()

	event, err := r.build(ctx, entry)
	if err != nil {
		return uuid.Nil, r.reject(ctx, entry, err)
	}

	sealed, err := r.codec.Seal(event)
	if err != nil {
		return uuid.Nil, r.fail(ctx, event, err)
	}
	if err := r.store.Append(ctx, sealed); err != nil {
		return uuid.Nil, r.fail(ctx, sealed, err)
	}

	r.metrics.IncRecorded(string(sealed.Action))
	r.metrics.ObserveRecord(start)
	r.afterAppend(ctx, sealed)
	return sealed.ID, nil
}

func (r *Recorder) build(ctx context.Context, entry Entry) (models.Event, error) {
	if !entry.Action.IsValid() {
		return models.Event{}, dErrors.New(dErrors.CodeValidation, "unknown action: "+string(entry.Action))
	}
	if !entry.ResourceType.IsValid() {
		return models.Event{}, dErrors.New(dErrors.CodeValidation, "unknown resource type: "+string(entry.ResourceType))
	}

	actor := resolveActor(ctx, entry.Actor)
	rc := resolveRequestContext(ctx, entry.Context)
	for _, s := range []string{actor.ID, actor.Name, actor.Role, entry.ResourceID, entry.PatientID, rc.SourceIP, rc.UserAgent, rc.SessionID} {
		if !validText(s) {
			return models.Event{}, dErrors.New(dErrors.CodeValidation, "event field is not valid text")
		}
	}

	patientID, err := r.resolvePatient(ctx, entry)
	if err != nil {
		return models.Event{}, err
	}

	if err := validateDetails(entry.Action, entry.Details); err != nil {
		return models.Event{}, err
	}
	details, redactions := Sanitize(entry.Details)
	if redactions > 0 {
		r.metrics.AddRedactions(redactions)
	}

	id, err := r.newID()
	if err != nil {
		return models.Event{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate event id")
	}
	occurredAt := r.clock.Next()

	rule, _ := RuleFor(entry.Action)
	severity, flagged := r.classify(ctx, actor.ID, entry.Action, rule.Severity, occurredAt)

	return models.Event{
		ID:           id,
		OccurredAt:   occurredAt,
		ActorID:      actor.ID,
		ActorName:    actor.Name,
		ActorRole:    actor.Role,
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		PatientID:    patientID,
		Details:      details,
		SourceIP:     rc.SourceIP,
		UserAgent:    rc.UserAgent,
		SessionID:    rc.SessionID,
		Severity:     severity,
		Category:     rule.Category,
		Flagged:      flagged,
	}, nil
}

// classify applies the flag rules. A failed-access streak of
// FailureThreshold flags the event, CriticalThreshold escalates it.
func (r *Recorder) classify(ctx context.Context, actorID string, action models.Action, severity models.Severity, at time.Time) (models.Severity, bool) {
	if !action.IsFailedAccess() {
		return severity, severity == models.SeverityCritical
	}
	streak, err := r.window.Observe(ctx, streakKey(actorID, action), at)
	if err != nil {
		r.logger.WarnContext(ctx, "failure window unavailable",
			"action", action,
			"error", err,
		)
		return severity, severity == models.SeverityCritical
	}
	if streak >= CriticalThreshold {
		severity = models.SeverityCritical
	}
	return severity, streak >= FailureThreshold || severity == models.SeverityCritical
}

func (r *Recorder) resolvePatient(ctx context.Context, entry Entry) (string, error) {
	if entry.ResourceType == models.ResourcePatient && entry.ResourceID != "" {
		if entry.PatientID != "" && entry.PatientID != entry.ResourceID {
			return "", dErrors.New(dErrors.CodeValidation, "patient id does not match patient resource")
		}
		return entry.ResourceID, nil
	}
	if entry.PatientID != "" {
		return entry.PatientID, nil
	}
	if r.resolver == nil || entry.ResourceID == "" || !entry.ResourceType.HoldsPHI() {
		return "", nil
	}
	patientID, err := r.resolver.ResolvePatient(ctx, entry.ResourceType, entry.ResourceID)
	if err != nil {
		// The access still happened; record it without the patient link.
		r.logger.WarnContext(ctx, "patient resolution failed",
			"resource_type", entry.ResourceType,
			"resource_id", entry.ResourceID,
			"error", err,
		)
		return "", nil
	}
	return patientID, nil
}

func (r *Recorder) afterAppend(ctx context.Context, e models.Event) {
	if e.Action == models.ActionLogin {
		if err := r.window.Reset(ctx, streakKey(e.ActorID, models.ActionLoginFailed)); err != nil {
			r.logger.WarnContext(ctx, "failed to reset login failure streak", "actor_id", e.ActorID, "error", err)
		}
	}
	if !e.Flagged {
		return
	}
	r.metrics.IncFlagged()
	r.logger.WarnContext(ctx, "audit event flagged",
		"event_id", e.ID,
		"actor_id", e.ActorID,
		"action", e.Action,
		"severity", e.Severity,
	)
	if r.publisher != nil {
		r.publisher.PublishFlagged(ctx, e)
	}
}

// fail reports a write that did not happen. Detail values never reach the
// log line.
func (r *Recorder) fail(ctx context.Context, e models.Event, err error) error {
	translated := translate(err)
	r.emergency.ErrorContext(ctx, "CRITICAL: audit write failed",
		"event_id", e.ID,
		"actor_id", e.ActorID,
		"action", e.Action,
		"resource_type", e.ResourceType,
		"resource_id", e.ResourceID,
		"code", dErrors.CodeOf(translated),
		"error", err,
	)
	return translated
}

// reject reports an entry that never became an event. Details are left out
// because they have not been sanitized yet.
func (r *Recorder) reject(ctx context.Context, entry Entry, err error) error {
	r.emergency.ErrorContext(ctx, "CRITICAL: audit entry rejected",
		"actor_id", entry.Actor.ID,
		"action", entry.Action,
		"resource_type", entry.ResourceType,
		"resource_id", entry.ResourceID,
		"code", dErrors.CodeOf(err),
		"error", err,
	)
	return err
}

func translate(err error) error {
	switch {
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeDuplicateID, "audit event id already exists")
	case errors.Is(err, sentinel.ErrUnavailable):
		return dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "audit storage unavailable")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return dErrors.Wrap(err, dErrors.CodeTimeout, "audit write interrupted")
	}
	var coded *dErrors.Error
	if errors.As(err, &coded) {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "audit write failed")
}

func resolveActor(ctx context.Context, actor Actor) Actor {
	if actor.ID == "" {
		if fromCtx, ok := requestcontext.ActorFrom(ctx); ok {
			actor = fromCtx
		} else {
			return SystemActor
		}
	}
	if actor.Name == "" {
		actor.Name = actor.ID
	}
	if actor.Role == "" {
		actor.Role = unknownRole
	}
	return actor
}

func resolveRequestContext(ctx context.Context, rc RequestContext) RequestContext {
	if rc.SourceIP == "" {
		rc.SourceIP = requestcontext.ClientIP(ctx)
	}
	if rc.UserAgent == "" {
		rc.UserAgent = requestcontext.UserAgent(ctx)
	}
	if rc.SessionID == "" {
		rc.SessionID = requestcontext.SessionID(ctx)
	}
	return rc
}
