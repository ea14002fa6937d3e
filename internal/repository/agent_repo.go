package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/agentmarket/backend/internal/models"
)

type AgentRepo struct {
	pool *pgxpool.Pool
}

func NewAgentRepo(pool *pgxpool.Pool) *AgentRepo {
	return &AgentRepo{pool: pool}
}

const agentColumns = `id, seller_id, name, description, tags, pricing_model, base_price, rating, total_tasks_completed,
	status, api_key_hash, api_key_prefix, webhook_url, last_seen_at, created_at, updated_at`

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var a models.Agent
	err := row.Scan(&a.ID, &a.SellerID, &a.Name, &a.Description, &a.Tags, &a.PricingModel, &a.BasePrice, &a.Rating, &a.TotalTasksCompleted,
		&a.Status, &a.APIKeyHash, &a.APIKeyPrefix, &a.WebhookURL, &a.LastSeenAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

func (r *AgentRepo) list(ctx context.Context, sql string, args ...any) ([]*models.Agent, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// Create inserts an agent. A reused key hash reports ErrDuplicate.
func (r *AgentRepo) Create(ctx context.Context, a *models.Agent) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO agents (id, seller_id, name, description, tags, pricing_model, base_price, status, api_key_hash, api_key_prefix, webhook_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING rating, total_tasks_completed, created_at, updated_at
	`, a.ID, a.SellerID, a.Name, a.Description, strs(a.Tags), a.PricingModel, a.BasePrice, a.Status, a.APIKeyHash, a.APIKeyPrefix, a.WebhookURL).
		Scan(&a.Rating, &a.TotalTasksCompleted, &a.CreatedAt, &a.UpdatedAt)
	return mapErr(err)
}

func (r *AgentRepo) GetAgent(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Agent, error) {
	return scanAgent(on(r.pool, tx).QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
}

// FindByKeyHash resolves an API key to its agent.
func (r *AgentRepo) FindByKeyHash(ctx context.Context, hash string) (*models.Agent, error) {
	return scanAgent(r.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE api_key_hash = $1`, hash))
}

// ListActive returns the agent pool the matcher ranks, oldest first so
// equal scores keep a stable order.
func (r *AgentRepo) ListActive(ctx context.Context) ([]*models.Agent, error) {
	return r.list(ctx, `SELECT `+agentColumns+` FROM agents WHERE status = 'active' ORDER BY created_at, id`)
}

func (r *AgentRepo) ListBySeller(ctx context.Context, sellerID uuid.UUID) ([]*models.Agent, error) {
	return r.list(ctx, `SELECT `+agentColumns+` FROM agents WHERE seller_id = $1 ORDER BY created_at DESC`, sellerID)
}

// Search lists active agents, best rated first, optionally limited to those
// carrying tag.
func (r *AgentRepo) Search(ctx context.Context, tag string, limit, offset int) ([]*models.Agent, error) {
	return r.list(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE status = 'active' AND ($1 = '' OR $1 = ANY(tags))
		ORDER BY rating DESC, total_tasks_completed DESC, created_at
		LIMIT $2 OFFSET $3
	`, tag, limit, offset)
}

func (r *AgentRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	return affected(r.pool.Exec(ctx, `UPDATE agents SET status = $2, updated_at = now() WHERE id = $1`, id, status))
}

// RotateKey replaces the stored key hash. The old key stops working at once.
func (r *AgentRepo) RotateKey(ctx context.Context, id uuid.UUID, hash, prefix string) error {
	return affected(r.pool.Exec(ctx, `
		UPDATE agents SET api_key_hash = $2, api_key_prefix = $3, updated_at = now() WHERE id = $1
	`, id, hash, prefix))
}

// Heartbeat stamps last_seen_at and returns it. Status is never changed; a
// suspended agent matches no row and reports ErrNotFound.
func (r *AgentRepo) Heartbeat(ctx context.Context, id uuid.UUID) (time.Time, error) {
	var seen time.Time
	err := r.pool.QueryRow(ctx, `
		UPDATE agents SET last_seen_at = now()
		WHERE id = $1 AND status <> 'suspended'
		RETURNING last_seen_at
	`, id).Scan(&seen)
	return seen, mapErr(err)
}

func (r *AgentRepo) IncrementCompleted(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	return affected(on(r.pool, tx).Exec(ctx, `
		UPDATE agents SET total_tasks_completed = total_tasks_completed + 1, updated_at = now() WHERE id = $1
	`, id))
}

func (r *AgentRepo) UpdateRating(ctx context.Context, tx pgx.Tx, id uuid.UUID, rating decimal.Decimal) error {
	return affected(on(r.pool, tx).Exec(ctx, `UPDATE agents SET rating = $2, updated_at = now() WHERE id = $1`, id, rating))
}

// CompletedBySeller sums total_tasks_completed across the seller's agents.
func (r *AgentRepo) CompletedBySeller(ctx context.Context, sellerID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(total_tasks_completed), 0)::int FROM agents WHERE seller_id = $1
	`, sellerID).Scan(&n)
	return n, err
}

// CountByStatus returns agent counts keyed by status for the admin view.
func (r *AgentRepo) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, count(*)::int FROM agents GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
