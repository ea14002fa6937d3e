package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/agentmarket/backend/internal/middleware"
	"github.com/agentmarket/backend/internal/models"
	"github.com/agentmarket/backend/internal/services"
)

// DisputeAPI is dispute handling. *services.DisputeService satisfies it.
type DisputeAPI interface {
	Get(ctx context.Context, viewer *models.User, id uuid.UUID) (*models.Dispute, error)
	List(ctx context.Context, viewer *models.User, f models.DisputeFilter) ([]*models.Dispute, int, error)
	Respond(ctx context.Context, sellerID, id uuid.UUID, comment string, evidence []string) (*models.Dispute, error)
	Resolve(ctx context.Context, admin *models.User, id uuid.UUID, in services.ResolveInput) (*services.ResolveResult, error)
}

type DisputeHandler struct {
	Disputes  DisputeAPI
	Validator *services.Validator
	Logger    *slog.Logger
}

func NewDisputeHandler(d DisputeAPI, v *services.Validator, logger *slog.Logger) *DisputeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DisputeHandler{Disputes: d, Validator: v, Logger: logger}
}

// List handles GET /v1/disputes?status=.
func (h *DisputeHandler) List(w http.ResponseWriter, r *http.Request) {
	f := models.DisputeFilter{Status: r.URL.Query().Get("status")}
	f.Limit, f.Offset = Paging(r)
	list, total, err := h.Disputes.List(r.Context(), middleware.UserFromCtx(r.Context()), f)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, Page[*models.Dispute]{Items: list, Total: total, Limit: f.Limit, Offset: f.Offset})
}

// Get handles GET /v1/disputes/{id}.
func (h *DisputeHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := PathID(w, r, "id")
	if !ok {
		return
	}
	d, err := h.Disputes.Get(r.Context(), middleware.UserFromCtx(r.Context()), id)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"dispute": d})
}

// Respond handles POST /v1/disputes/{id}/respond.
func (h *DisputeHandler) Respond(w http.ResponseWriter, r *http.Request) {
	id, ok := PathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Comment  string   `json:"comment"`
		Evidence []string `json:"evidence"`
	}
	if !Decode(w, r, h.Validator, services.SchemaRespond, &req) {
		return
	}
	d, err := h.Disputes.Respond(r.Context(), middleware.UserFromCtx(r.Context()).ID, id, req.Comment, req.Evidence)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"dispute": d})
}

// Resolve handles POST /v1/disputes/{id}/resolve. Admin only.
func (h *DisputeHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := PathID(w, r, "id")
	if !ok {
		return
	}
	var in services.ResolveInput
	if !Decode(w, r, h.Validator, services.SchemaResolve, &in) {
		return
	}
	res, err := h.Disputes.Resolve(r.Context(), middleware.UserFromCtx(r.Context()), id, in)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}
