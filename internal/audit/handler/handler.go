// Package handler exposes the audit review surface: search, history,
// statistics, verification and export for auditors, plus archive and purge
// for operators. Every read of the audit log is itself recorded.
package handler

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"auditvault/internal/audit/export"
	"auditvault/internal/audit/ingest"
	"auditvault/internal/audit/integrity"
	"auditvault/internal/audit/metrics"
	"auditvault/internal/audit/models"
	"auditvault/internal/audit/query"
	dErrors "auditvault/pkg/domain-errors"
	"auditvault/pkg/platform/httputil"
	authmw "auditvault/pkg/platform/middleware/auth"
	pstrings "auditvault/pkg/platform/strings"
	"auditvault/pkg/requestcontext"
)

// MaxExportRows bounds a single export.
const MaxExportRows = 10000

// Roles allowed to read the audit log.
var ReviewRoles = []string{"auditor", "admin"}

// QueryService is the read side of the engine.
type QueryService interface {
	Search(ctx context.Context, c models.Criteria, page, pageSize int) (query.Result, error)
	Collect(ctx context.Context, c models.Criteria, max int) ([]models.Event, error)
	Statistics(ctx context.Context, r models.TimeRange) (models.Statistics, error)
	GetFlagged(ctx context.Context, limit int) ([]models.Event, error)
	GetByID(ctx context.Context, id uuid.UUID) (models.Event, error)
	GetByResource(ctx context.Context, resourceType models.ResourceType, resourceID string) ([]models.Event, error)
	GetByActor(ctx context.Context, actorID string, r models.TimeRange) ([]models.Event, error)
	Verify(ctx context.Context, id uuid.UUID) (integrity.Result, error)
}

// Recorder writes the audit trail of the review surface itself.
type Recorder interface {
	Record(ctx context.Context, entry ingest.Entry) (uuid.UUID, error)
}

// ExportSink stores rendered exports and returns the object key.
type ExportSink interface {
	Upload(ctx context.Context, format export.Format, body []byte) (string, error)
}

// Archiver runs the lifecycle operations.
type Archiver interface {
	Archive(ctx context.Context, olderThanDays int) (int, error)
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

type Handler struct {
	queries   QueryService
	recorder  Recorder
	validator authmw.JWTValidator
	formatter *export.Formatter
	sink      ExportSink
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

type Option func(*Handler)

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithExportSink enables destination=object on exports.
func WithExportSink(sink ExportSink) Option {
	return func(h *Handler) {
		h.sink = sink
	}
}

// WithClock fixes the time used for export names and report headers.
// Without it the request time pinned by requesttime.Middleware is used.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

func New(queries QueryService, recorder Recorder, validator authmw.JWTValidator, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		queries:   queries,
		recorder:  recorder,
		validator: validator,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.now != nil {
		h.formatter = export.NewFormatter(h.now)
	} else {
		h.formatter = export.NewFormatter(time.Now)
	}
	return h
}

func (h *Handler) requestTime(ctx context.Context) time.Time {
	if h.now != nil {
		return h.now()
	}
	return requestcontext.Now(ctx)
}

// Register mounts the review routes behind actor authentication and the
// review roles.
func (h *Handler) Register(r chi.Router) {
	r.Route("/audit", func(r chi.Router) {
		r.Use(authmw.RequireActor(h.validator, h.logger))
		r.Use(authmw.RequireRole(h.logger, ReviewRoles...))
		r.Get("/events", h.handleSearch)
		r.Get("/events/{id}", h.handleGetEvent)
		r.Get("/events/{id}/verify", h.handleVerify)
		r.Get("/resources/{type}/{id}", h.handleResourceHistory)
		r.Get("/actors/{id}", h.handleActorHistory)
		r.Get("/statistics", h.handleStatistics)
		r.Get("/flagged", h.handleFlagged)
		r.Get("/export", h.handleExport)
	})
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params := r.URL.Query()
	c, err := criteriaFromQuery(params)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	page, err := intParam(params, "page", 0)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	pageSize, err := intParam(params, "page_size", 0)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	entry := h.logEntry(models.ActionSearch, "", map[string]string{"filters": describe(params)})
	result, err := guarded(ctx, h, entry, func(ctx context.Context) (query.Result, error) {
		return h.queries.Search(ctx, c, page, pageSize)
	})
	if err != nil {
		h.writeError(ctx, w, "search", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := eventID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	entry := h.logEntry(models.ActionRead, id.String(), map[string]string{"view": "event"})
	event, err := guarded(ctx, h, entry, func(ctx context.Context) (models.Event, error) {
		return h.queries.GetByID(ctx, id)
	})
	if err != nil {
		h.writeError(ctx, w, "get_event", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, event)
}

type verifyResponse struct {
	ID     uuid.UUID        `json:"id"`
	Status integrity.Result `json:"status"`
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := eventID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	entry := h.logEntry(models.ActionRead, id.String(), map[string]string{"view": "verify"})
	result, err := guarded(ctx, h, entry, func(ctx context.Context) (integrity.Result, error) {
		return h.queries.Verify(ctx, id)
	})
	if err != nil {
		h.writeError(ctx, w, "verify", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, verifyResponse{ID: id, Status: result})
}

func (h *Handler) handleResourceHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resourceType, err := models.ParseResourceType(chi.URLParam(r, "type"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	resourceID := chi.URLParam(r, "id")

	entry := h.logEntry(models.ActionRead, string(resourceType)+"/"+resourceID, map[string]string{"view": "resource_history"})
	if resourceType == models.ResourcePatient {
		entry.PatientID = resourceID
	}
	events, err := guarded(ctx, h, entry, func(ctx context.Context) ([]models.Event, error) {
		return h.queries.GetByResource(ctx, resourceType, resourceID)
	})
	if err != nil {
		h.writeError(ctx, w, "resource_history", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, eventsResponse{Events: events})
}

func (h *Handler) handleActorHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actorID := chi.URLParam(r, "id")
	tr, err := rangeFromQuery(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	entry := h.logEntry(models.ActionRead, "actor/"+actorID, map[string]string{"view": "actor_history"})
	events, err := guarded(ctx, h, entry, func(ctx context.Context) ([]models.Event, error) {
		return h.queries.GetByActor(ctx, actorID, tr)
	})
	if err != nil {
		h.writeError(ctx, w, "actor_history", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, eventsResponse{Events: events})
}

func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tr, err := rangeFromQuery(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	entry := h.logEntry(models.ActionRead, "", map[string]string{"view": "statistics"})
	stats, err := guarded(ctx, h, entry, func(ctx context.Context) (models.Statistics, error) {
		return h.queries.Statistics(ctx, tr)
	})
	if err != nil {
		h.writeError(ctx, w, "statistics", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleFlagged(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, err := intParam(r.URL.Query(), "limit", 0)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	entry := h.logEntry(models.ActionRead, "", map[string]string{"view": "flagged"})
	events, err := guarded(ctx, h, entry, func(ctx context.Context) ([]models.Event, error) {
		return h.queries.GetFlagged(ctx, limit)
	})
	if err != nil {
		h.writeError(ctx, w, "flagged", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, eventsResponse{Events: events})
}

type exportResponse struct {
	Key    string `json:"key"`
	Format string `json:"format"`
	Count  int    `json:"count"`
}

// handleExport renders up to MaxExportRows matching events. With
// destination=object the file goes to the object sink and the response
// carries its key; otherwise it is returned as a download.
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params := r.URL.Query()
	format, err := export.ParseFormat(params.Get("format"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	destination := params.Get("destination")
	switch destination {
	case "", "download":
		destination = "download"
	case "object":
		if h.sink == nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "object export destination is not configured"))
			return
		}
	default:
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "unknown export destination: "+destination))
		return
	}
	c, err := criteriaFromQuery(params)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	entry := h.logEntry(models.ActionExport, "", map[string]string{
		"format":      string(format),
		"destination": destination,
		"criteria":    describe(params),
	})
	events, err := guarded(ctx, h, entry, func(ctx context.Context) ([]models.Event, error) {
		return h.queries.Collect(ctx, c, MaxExportRows)
	})
	if err != nil {
		h.writeError(ctx, w, "export", err)
		return
	}

	var buf bytes.Buffer
	if err := h.formatter.Write(&buf, format, events); err != nil {
		h.writeError(ctx, w, "export", dErrors.Wrap(err, dErrors.CodeInternal, "failed to render export"))
		return
	}
	h.metrics.IncExport(string(format))

	if destination == "object" {
		key, err := h.sink.Upload(ctx, format, buf.Bytes())
		if err != nil {
			h.writeError(ctx, w, "export", err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, exportResponse{Key: key, Format: string(format), Count: len(events)})
		return
	}

	filename := "audit-export-" + h.requestTime(ctx).UTC().Format("20060102-150405") + "." + format.Extension()
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.Header().Set("X-Audit-Record-Count", strconv.Itoa(len(events)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

type eventsResponse struct {
	Events []models.Event `json:"events"`
}

// logEntry describes an access to the audit log by the current actor.
func (h *Handler) logEntry(action models.Action, resourceID string, details map[string]string) ingest.Entry {
	return ingest.Entry{
		Action:       action,
		ResourceType: models.ResourceAuditLog,
		ResourceID:   resourceID,
		Details:      details,
	}
}

// guarded runs op under the action's audit policy. For fail-open reads an
// audit failure is logged and the read still succeeds; fail-closed exports
// are refused.
func guarded[T any](ctx context.Context, h *Handler, entry ingest.Entry, op func(context.Context) (T, error)) (T, error) {
	if rid := requestcontext.RequestID(ctx); rid != "" {
		if entry.Details == nil {
			entry.Details = map[string]string{}
		}
		entry.Details["request_id"] = rid
	}
	policy := ingest.PolicyFor(entry.Action)
	result, err := ingest.AuditedWith(ctx, h.recorder, entry, policy, op)
	if err == nil || !ingest.IsAuditFailure(err) {
		return result, err
	}
	h.logger.ErrorContext(ctx, "failed to record audit log access",
		"action", entry.Action,
		"policy", policy.String(),
		"request_id", requestcontext.RequestID(ctx),
		"error", err,
	)
	if policy == ingest.FailOpen {
		return result, ingest.OperationErr(err)
	}
	return result, err
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	if code := dErrors.CodeOf(err); code == dErrors.CodeInternal || code == dErrors.CodeStorageUnavailable {
		h.logger.ErrorContext(ctx, "audit review request failed",
			"operation", op,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
	}
	httputil.WriteError(w, err)
}

func eventID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, "invalid event id")
	}
	return id, nil
}

// criteriaFromQuery maps query parameters onto search criteria. action may
// repeat or hold a comma separated list.
func criteriaFromQuery(q url.Values) (models.Criteria, error) {
	c := models.Criteria{
		ActorID:    q.Get("actor_id"),
		ResourceID: q.Get("resource_id"),
		PatientID:  q.Get("patient_id"),
		Text:       q.Get("q"),
	}
	for _, part := range pstrings.SplitListUpper(q["action"]...) {
		a, err := models.ParseAction(part)
		if err != nil {
			return models.Criteria{}, err
		}
		c.Actions = append(c.Actions, a)
	}
	if v := q.Get("resource_type"); v != "" {
		rt, err := models.ParseResourceType(strings.ToUpper(v))
		if err != nil {
			return models.Criteria{}, err
		}
		c.ResourceType = rt
	}
	if v := q.Get("severity"); v != "" {
		s, err := models.ParseSeverity(strings.ToUpper(v))
		if err != nil {
			return models.Criteria{}, err
		}
		c.Severity = s
	}
	if v := q.Get("category"); v != "" {
		cat, err := models.ParseCategory(strings.ToUpper(v))
		if err != nil {
			return models.Criteria{}, err
		}
		c.Category = cat
	}
	if v := q.Get("flagged"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return models.Criteria{}, dErrors.New(dErrors.CodeValidation, "flagged must be true or false")
		}
		c.Flagged = &b
	}
	if v := q.Get("active_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return models.Criteria{}, dErrors.New(dErrors.CodeValidation, "active_only must be true or false")
		}
		c.ActiveOnly = b
	}
	tr, err := rangeFromQuery(q)
	if err != nil {
		return models.Criteria{}, err
	}
	c.Range = tr
	return c, c.Validate()
}

func rangeFromQuery(q url.Values) (models.TimeRange, error) {
	var tr models.TimeRange
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &tr.From}, {"to", &tr.To}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return models.TimeRange{}, dErrors.New(dErrors.CodeValidation, p.name+" must be an RFC3339 timestamp")
		}
		*p.dst = t.UTC()
	}
	return tr, tr.Validate()
}

func intParam(q url.Values, name string, def int) (int, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, dErrors.New(dErrors.CodeValidation, name+" must be an integer")
	}
	return n, nil
}

// describe renders the filters of a request for the access record, without
// paging parameters.
func describe(q url.Values) string {
	filtered := url.Values{}
	for k, v := range q {
		switch k {
		case "page", "page_size", "format", "destination":
			continue
		}
		filtered[k] = v
	}
	s := filtered.Encode()
	if r := []rune(s); len(r) > ingest.MaxDetailLength {
		s = string(r[:ingest.MaxDetailLength])
	}
	return s
}
