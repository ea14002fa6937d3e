package notify

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentmarket/backend/internal/models"
)

var ErrNotFound = errors.New("notification not found")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, n *models.Notification) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO notifications (user_id, type, message, reference_type, reference_id)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		RETURNING id, created_at
	`, n.UserID, n.Type, n.Message, n.ReferenceType, n.ReferenceID).Scan(&n.ID, &n.CreatedAt)
}

// List returns the user's notifications newest first, the total count and
// the unread count.
func (r *Repository) List(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*models.Notification, int, int, error) {
	var total, unread int
	if err := r.pool.QueryRow(ctx, `
		SELECT count(*) FILTER (WHERE NOT $2 OR read_at IS NULL), count(*) FILTER (WHERE read_at IS NULL)
		FROM notifications WHERE user_id = $1
	`, userID, unreadOnly).Scan(&total, &unread); err != nil {
		return nil, 0, 0, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, type, message, COALESCE(reference_type, ''), reference_id, read_at, created_at
		FROM notifications
		WHERE user_id = $1 AND (NOT $2 OR read_at IS NULL)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, userID, unreadOnly, limit, offset)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()
	list := []*models.Notification{}
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Message, &n.ReferenceType, &n.ReferenceID, &n.ReadAt, &n.CreatedAt); err != nil {
			return nil, 0, 0, err
		}
		list = append(list, &n)
	}
	return list, total, unread, rows.Err()
}

// MarkRead stamps read_at once. Another user's notification is not found.
func (r *Repository) MarkRead(ctx context.Context, userID, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE notifications SET read_at = COALESCE(read_at, now()) WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) MarkAllRead(ctx context.Context, userID uuid.UUID) (int, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE notifications SET read_at = now() WHERE user_id = $1 AND read_at IS NULL`, userID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// UserWebhook returns the user's webhook URL and subscribed events. A user
// without a URL yields nil.
func (r *Repository) UserWebhook(ctx context.Context, userID uuid.UUID) (*string, []string, error) {
	var url *string
	var events []string
	err := r.pool.QueryRow(ctx, `SELECT webhook_url, webhook_events FROM users WHERE id = $1`, userID).Scan(&url, &events)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	return url, events, err
}

func (r *Repository) AgentWebhook(ctx context.Context, agentID uuid.UUID) (*string, error) {
	var url *string
	err := r.pool.QueryRow(ctx, `SELECT webhook_url FROM agents WHERE id = $1`, agentID).Scan(&url)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return url, err
}

// SetUserWebhook replaces the user's webhook URL and event subscription.
func (r *Repository) SetUserWebhook(ctx context.Context, userID uuid.UUID, url *string, events []string) error {
	if events == nil {
		events = []string{}
	}
	tag, err := r.pool.Exec(ctx, `UPDATE users SET webhook_url = $2, webhook_events = $3 WHERE id = $1`, userID, url, events)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
