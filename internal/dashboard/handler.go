// Package dashboard serves the signed-in user's profile, notifications and
// webhook settings, and the admin statistics view.
package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentmarket/backend/internal/handlers"
	"github.com/agentmarket/backend/internal/middleware"
	"github.com/agentmarket/backend/internal/models"
	"github.com/agentmarket/backend/internal/notify"
)

type UserLookup interface {
	User(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type WalletReader interface {
	Get(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
}

// Notifications is the in-app inbox. *notify.Service satisfies it.
type Notifications interface {
	List(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*models.Notification, int, int, error)
	MarkRead(ctx context.Context, userID, id uuid.UUID) error
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int, error)
	ConfigureWebhook(ctx context.Context, userID uuid.UUID, hookURL string, events []string) error
}

type Handler struct {
	users   UserLookup
	wallets WalletReader
	inbox   Notifications
	stats   *Stats
	log     *slog.Logger
}

func NewHandler(users UserLookup, wallets WalletReader, inbox Notifications, stats *Stats, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{users: users, wallets: wallets, inbox: inbox, stats: stats, log: log}
}

// GET /v1/me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	id := middleware.UserFromCtx(r.Context()).ID
	u, err := h.users.User(r.Context(), id)
	if err != nil {
		h.log.Error("get user failed", "error", err)
		handlers.WriteMessage(w, http.StatusInternalServerError, "internal error")
		return
	}
	if u == nil {
		handlers.WriteMessage(w, http.StatusNotFound, "user not found")
		return
	}
	wallet, err := h.wallets.Get(r.Context(), id)
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]any{"user": u, "wallet": wallet})
}

// GET /v1/notifications?unread=true
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	limit, offset := handlers.Paging(r)
	unreadOnly, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
	list, total, unread, err := h.inbox.List(r.Context(), middleware.UserFromCtx(r.Context()).ID, unreadOnly, limit, offset)
	if err != nil {
		h.log.Error("list notifications failed", "error", err)
		handlers.WriteMessage(w, http.StatusInternalServerError, "internal error")
		return
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]any{
		"items":        list,
		"total":        total,
		"unread_count": unread,
		"limit":        limit,
		"offset":       offset,
	})
}

// POST /v1/notifications/{id}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := handlers.PathID(w, r, "id")
	if !ok {
		return
	}
	err := h.inbox.MarkRead(r.Context(), middleware.UserFromCtx(r.Context()).ID, id)
	switch {
	case errors.Is(err, notify.ErrNotFound):
		handlers.WriteMessage(w, http.StatusNotFound, "notification not found")
	case err != nil:
		h.log.Error("mark notification read failed", "error", err)
		handlers.WriteMessage(w, http.StatusInternalServerError, "internal error")
	default:
		handlers.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// POST /v1/notifications/read-all
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.inbox.MarkAllRead(r.Context(), middleware.UserFromCtx(r.Context()).ID)
	if err != nil {
		h.log.Error("mark all read failed", "error", err)
		handlers.WriteMessage(w, http.StatusInternalServerError, "internal error")
		return
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]int{"updated": n})
}

// POST /v1/webhooks/configure. An empty webhook_url removes the webhook; an
// empty events list subscribes to everything.
func (h *Handler) ConfigureWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WebhookURL string   `json:"webhook_url"`
		Events     []string `json:"events"`
	}
	if !handlers.Decode(w, r, nil, "", &req) {
		return
	}
	err := h.inbox.ConfigureWebhook(r.Context(), middleware.UserFromCtx(r.Context()).ID, req.WebhookURL, req.Events)
	switch {
	case errors.Is(err, notify.ErrInvalidWebhook):
		handlers.WriteMessage(w, http.StatusBadRequest, err.Error())
	case err != nil:
		h.log.Error("configure webhook failed", "error", err)
		handlers.WriteMessage(w, http.StatusInternalServerError, "internal error")
	default:
		events := req.Events
		if events == nil {
			events = []string{}
		}
		handlers.WriteJSON(w, http.StatusOK, map[string]any{
			"webhook_url":      req.WebhookURL,
			"events":           events,
			"available_events": models.WebhookEvents,
		})
	}
}

// GET /v1/admin/stats
func (h *Handler) AdminStats(w http.ResponseWriter, r *http.Request) {
	s, err := h.stats.Collect(r.Context())
	if err != nil {
		h.log.Error("collect stats failed", "error", err)
		handlers.WriteMessage(w, http.StatusInternalServerError, "internal error")
		return
	}
	handlers.WriteJSON(w, http.StatusOK, s)
}

// Snapshot is the admin overview.
type Snapshot struct {
	PlatformRevenue decimal.Decimal `json:"platform_revenue"`
	PlatformBalance decimal.Decimal `json:"platform_balance"`
	TasksByStatus   map[string]int  `json:"tasks_by_status"`
	AgentsByStatus  map[string]int  `json:"agents_by_status"`
	OpenDisputes    int             `json:"open_disputes"`
}
