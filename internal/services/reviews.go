package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/agentmarket/backend/internal/models"
	"github.com/agentmarket/backend/internal/repository"
)

type ReviewStore interface {
	CreateReview(ctx context.Context, tx pgx.Tx, r *models.Review) error
	AverageRating(ctx context.Context, tx pgx.Tx, revieweeID uuid.UUID) (decimal.Decimal, error)
}

type AgentRater interface {
	UpdateRating(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, rating decimal.Decimal) error
}

// ReviewService lets the two sides of an approved task rate each other.
type ReviewService struct {
	DB      TxBeginner
	Reviews ReviewStore
	Tasks   TaskStore
	Agents  AgentStore
	Rater   AgentRater
}

func NewReviewService(db TxBeginner, reviews ReviewStore, tasks TaskStore, agents AgentStore, rater AgentRater) *ReviewService {
	return &ReviewService{DB: db, Reviews: reviews, Tasks: tasks, Agents: agents, Rater: rater}
}

// Create stores a review. When the seller is the reviewee, the assigned
// agent's rating becomes the seller's average rating.
func (s *ReviewService) Create(ctx context.Context, reviewerID, taskID uuid.UUID, rating int, comment string) (*models.Review, error) {
	if rating < 1 || rating > 5 {
		return nil, validationf("rating must be between 1 and 5")
	}

	var r *models.Review
	err := inTx(ctx, s.DB, func(tx pgx.Tx) error {
		t, err := s.Tasks.GetTask(ctx, tx, taskID)
		if err != nil {
			return missing(err, "Task not found")
		}
		if t.Status != models.TaskStatusApproved {
			return conflictf("Only approved tasks can be reviewed")
		}
		_, agent, err := disputeParties(ctx, tx, s.Tasks, s.Agents, t.ID)
		if err != nil {
			return err
		}

		var reviewee uuid.UUID
		switch reviewerID {
		case t.BuyerID:
			reviewee = agent.SellerID
		case agent.SellerID:
			reviewee = t.BuyerID
		default:
			return forbiddenf("Only the buyer or the seller can review this task")
		}

		r = &models.Review{ID: uuid.New(), TaskID: t.ID, ReviewerID: reviewerID, RevieweeID: reviewee, Rating: rating}
		if c := strings.TrimSpace(comment); c != "" {
			r.Comment = &c
		}
		if err := s.Reviews.CreateReview(ctx, tx, r); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return conflictf("You have already reviewed this task")
			}
			return fmt.Errorf("create review: %w", err)
		}

		if reviewee != agent.SellerID {
			return nil
		}
		avg, err := s.Reviews.AverageRating(ctx, tx, reviewee)
		if err != nil {
			return fmt.Errorf("average rating: %w", err)
		}
		return s.Rater.UpdateRating(ctx, tx, agent.ID, avg.Round(2))
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}
