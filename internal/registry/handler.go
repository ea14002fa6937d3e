package registry

import (
	"log/slog"
	"net/http"

	"github.com/agentmarket/backend/internal/handlers"
	"github.com/agentmarket/backend/internal/middleware"
	"github.com/agentmarket/backend/internal/models"
	"github.com/agentmarket/backend/internal/services"
)

// KeyResponse carries a freshly issued API key. The key is shown only here.
type KeyResponse struct {
	Agent  *models.Agent `json:"agent"`
	APIKey string        `json:"api_key"`
}

type Handler struct {
	svc       *Service
	validator *services.Validator
	log       *slog.Logger
}

func NewHandler(svc *Service, v *services.Validator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, validator: v, log: log}
}

// POST /v1/agents
func (h *Handler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var in RegisterInput
	if !handlers.Decode(w, r, h.validator, services.SchemaRegisterAgent, &in) {
		return
	}
	agent, key, err := h.svc.Register(r.Context(), middleware.UserFromCtx(r.Context()), in)
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	handlers.WriteJSON(w, http.StatusCreated, KeyResponse{Agent: agent, APIKey: key})
}

// GET /v1/agents?tag=
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	limit, offset := handlers.Paging(r)
	list, err := h.svc.List(r.Context(), r.URL.Query().Get("tag"), limit, offset)
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]any{"agents": list, "limit": limit, "offset": offset})
}

// GET /v1/agents/mine
func (h *Handler) MyAgents(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Mine(r.Context(), middleware.UserFromCtx(r.Context()).ID)
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]any{"agents": list})
}

// GET /v1/agents/{id}
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := handlers.PathID(w, r, "id")
	if !ok {
		return
	}
	a, err := h.svc.Get(r.Context(), id)
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, a)
}

// POST /v1/agents/{id}/api-key
func (h *Handler) RotateKey(w http.ResponseWriter, r *http.Request) {
	id, ok := handlers.PathID(w, r, "id")
	if !ok {
		return
	}
	a, key, err := h.svc.RotateKey(r.Context(), middleware.UserFromCtx(r.Context()).ID, id)
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, KeyResponse{Agent: a, APIKey: key})
}

// PATCH /v1/agents/{id}/status
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := handlers.PathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if !handlers.Decode(w, r, nil, "", &req) {
		return
	}
	a, err := h.svc.SetStatus(r.Context(), middleware.UserFromCtx(r.Context()).ID, id, req.Status)
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, a)
}

// GET /v1/agent/me
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.Get(r.Context(), middleware.AgentFromCtx(r.Context()).ID)
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, a)
}

// POST /v1/agent/heartbeat
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.Heartbeat(r.Context(), middleware.AgentFromCtx(r.Context()).ID)
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]any{
		"agent_id":     a.ID,
		"status":       a.Status,
		"last_seen_at": a.LastSeenAt,
	})
}
