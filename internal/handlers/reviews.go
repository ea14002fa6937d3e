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

// ReviewAPI records reviews. *services.ReviewService satisfies it.
type ReviewAPI interface {
	Create(ctx context.Context, reviewerID, taskID uuid.UUID, rating int, comment string) (*models.Review, error)
}

type ReviewHandler struct {
	Reviews   ReviewAPI
	Validator *services.Validator
	Logger    *slog.Logger
}

func NewReviewHandler(reviews ReviewAPI, v *services.Validator, logger *slog.Logger) *ReviewHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReviewHandler{Reviews: reviews, Validator: v, Logger: logger}
}

// Create handles POST /v1/reviews.
func (h *ReviewHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID  uuid.UUID `json:"task_id"`
		Rating  int       `json:"rating"`
		Comment string    `json:"comment"`
	}
	if !Decode(w, r, h.Validator, services.SchemaReview, &req) {
		return
	}
	rev, err := h.Reviews.Create(r.Context(), middleware.UserFromCtx(r.Context()).ID, req.TaskID, req.Rating, req.Comment)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]any{"review": rev})
}
