package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/agentmarket/backend/internal/models"
)

type ReviewRepo struct {
	pool *pgxpool.Pool
}

func NewReviewRepo(pool *pgxpool.Pool) *ReviewRepo {
	return &ReviewRepo{pool: pool}
}

// CreateReview returns ErrDuplicate when the reviewer already rated the task.
func (r *ReviewRepo) CreateReview(ctx context.Context, tx pgx.Tx, rv *models.Review) error {
	err := on(r.pool, tx).QueryRow(ctx, `
		INSERT INTO reviews (id, task_id, reviewer_id, reviewee_id, rating, comment)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, rv.ID, rv.TaskID, rv.ReviewerID, rv.RevieweeID, rv.Rating, rv.Comment).Scan(&rv.CreatedAt)
	return mapErr(err)
}

// AverageRating is the mean rating the user has received, 0 with no reviews.
func (r *ReviewRepo) AverageRating(ctx context.Context, tx pgx.Tx, revieweeID uuid.UUID) (decimal.Decimal, error) {
	var avg decimal.Decimal
	err := on(r.pool, tx).QueryRow(ctx, `
		SELECT COALESCE(AVG(rating), 0) FROM reviews WHERE reviewee_id = $1
	`, revieweeID).Scan(&avg)
	return avg, mapErr(err)
}

// ListForUser returns the reviews a user has received, newest first.
func (r *ReviewRepo) ListForUser(ctx context.Context, revieweeID uuid.UUID, limit, offset int) ([]*models.Review, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, task_id, reviewer_id, reviewee_id, rating, comment, created_at
		FROM reviews WHERE reviewee_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, revieweeID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.Review{}
	for rows.Next() {
		var rv models.Review
		if err := rows.Scan(&rv.ID, &rv.TaskID, &rv.ReviewerID, &rv.RevieweeID, &rv.Rating, &rv.Comment, &rv.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &rv)
	}
	return list, rows.Err()
}
