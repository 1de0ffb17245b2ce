package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"auditvault/internal/audit/ingest"
	"auditvault/internal/audit/models"
	dErrors "auditvault/pkg/domain-errors"
	"auditvault/pkg/platform/httputil"
	"auditvault/pkg/platform/middleware/admin"
	"auditvault/pkg/requestcontext"
)

// operator is the actor recorded for admin-token calls.
var operator = requestcontext.Actor{ID: "operator", Name: "Operator", Role: "admin"}

// AdminHandler serves archive and purge behind the admin token.
type AdminHandler struct {
	archiver Archiver
	recorder Recorder
	token    string
	logger   *slog.Logger
}

func NewAdmin(archiver Archiver, recorder Recorder, token string, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{archiver: archiver, recorder: recorder, token: token, logger: logger}
}

func (h *AdminHandler) Register(r chi.Router) {
	r.Route("/admin/audit", func(r chi.Router) {
		r.Use(admin.RequireAdminToken(h.token, h.logger))
		r.Post("/archive", h.handleArchive)
		r.Post("/purge", h.handlePurge)
	})
}

type archiveRequest struct {
	OlderThanDays int `json:"older_than_days"`
}

type purgeRequest struct {
	Cutoff time.Time `json:"cutoff"`
}

type lifecycleResponse struct {
	Archived *int `json:"archived,omitempty"`
	Purged   *int `json:"purged,omitempty"`
}

func (h *AdminHandler) handleArchive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req archiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	entry := ingest.Entry{
		Actor:        operator,
		Action:       models.ActionUpdate,
		ResourceType: models.ResourceAuditLog,
		Details:      map[string]string{"reason": "archive older than " + strconv.Itoa(req.OlderThanDays) + " days"},
	}
	n, err := ingest.Audited(ctx, h.recorder, entry, func(ctx context.Context) (int, error) {
		return h.archiver.Archive(ctx, req.OlderThanDays)
	})
	h.respond(ctx, w, "archive", entry.Action, n, err, func(n int) lifecycleResponse { return lifecycleResponse{Archived: &n} })
}

func (h *AdminHandler) handlePurge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req purgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Cutoff.IsZero() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "cutoff must be an RFC3339 timestamp"))
		return
	}

	entry := ingest.Entry{
		Actor:        operator,
		Action:       models.ActionDelete,
		ResourceType: models.ResourceAuditLog,
		Details:      map[string]string{"reason": "retention purge before " + req.Cutoff.UTC().Format(time.RFC3339)},
	}
	n, err := ingest.Audited(ctx, h.recorder, entry, func(ctx context.Context) (int, error) {
		return h.archiver.Purge(ctx, req.Cutoff)
	})
	h.respond(ctx, w, "purge", entry.Action, n, err, func(n int) lifecycleResponse { return lifecycleResponse{Purged: &n} })
}

// respond writes the outcome. Batch runs that stop early log how much
// completed before the error.
func (h *AdminHandler) respond(ctx context.Context, w http.ResponseWriter, op string, action models.Action, n int, err error, body func(int) lifecycleResponse) {
	if err != nil && ingest.IsAuditFailure(err) {
		h.logger.ErrorContext(ctx, "audit lifecycle operation not recorded", "operation", op, "error", err)
		if ingest.PolicyFor(action) == ingest.FailOpen {
			err = ingest.OperationErr(err)
		}
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "audit lifecycle operation failed", "operation", op, "completed", n, "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, body(n))
}
