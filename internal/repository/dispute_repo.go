package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentmarket/backend/internal/models"
)

type DisputeRepo struct {
	pool *pgxpool.Pool
}

func NewDisputeRepo(pool *pgxpool.Pool) *DisputeRepo {
	return &DisputeRepo{pool: pool}
}

const disputeColumns = `d.id, d.task_id, d.buyer_id, d.buyer_comment, d.buyer_evidence, d.seller_comment, d.seller_evidence,
	d.admin_comment, d.resolution, d.refund_percentage, d.resolved_by, d.resolved_at, d.created_at, d.updated_at`

// disputeStatusSQL mirrors models.Dispute.Status for filtering in SQL.
var disputeStatusSQL = map[string]string{
	models.DisputeResolved:      "d.resolved_at IS NOT NULL",
	models.DisputePendingAdmin:  "d.resolved_at IS NULL AND d.seller_comment IS NOT NULL",
	models.DisputePendingSeller: "d.resolved_at IS NULL AND d.seller_comment IS NULL",
}

func scanDispute(row pgx.Row) (*models.Dispute, error) {
	var d models.Dispute
	err := row.Scan(&d.ID, &d.TaskID, &d.BuyerID, &d.BuyerComment, &d.BuyerEvidence, &d.SellerComment, &d.SellerEvidence,
		&d.AdminComment, &d.Resolution, &d.RefundPercentage, &d.ResolvedBy, &d.ResolvedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &d, nil
}

// CreateDispute returns ErrDuplicate when the task already has a dispute.
func (r *DisputeRepo) CreateDispute(ctx context.Context, tx pgx.Tx, d *models.Dispute) error {
	err := on(r.pool, tx).QueryRow(ctx, `
		INSERT INTO disputes (id, task_id, buyer_id, buyer_comment, buyer_evidence)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, d.ID, d.TaskID, d.BuyerID, d.BuyerComment, strs(d.BuyerEvidence)).Scan(&d.CreatedAt, &d.UpdatedAt)
	return mapErr(err)
}

func (r *DisputeRepo) GetDispute(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Dispute, error) {
	return scanDispute(on(r.pool, tx).QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes d WHERE d.id = $1`, id))
}

// LockDispute row-locks the dispute so a second resolution waits and then
// sees resolved_at set.
func (r *DisputeRepo) LockDispute(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Dispute, error) {
	return scanDispute(tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes d WHERE d.id = $1 FOR UPDATE`, id))
}

func (r *DisputeRepo) UpdateDispute(ctx context.Context, tx pgx.Tx, d *models.Dispute) error {
	err := on(r.pool, tx).QueryRow(ctx, `
		UPDATE disputes SET seller_comment = $2, seller_evidence = $3, admin_comment = $4, resolution = $5,
		       refund_percentage = $6, resolved_by = $7, resolved_at = $8, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, d.ID, d.SellerComment, strs(d.SellerEvidence), d.AdminComment, d.Resolution,
		d.RefundPercentage, d.ResolvedBy, d.ResolvedAt).Scan(&d.UpdatedAt)
	return mapErr(err)
}

// ListDisputes returns one page, newest first, and the total matching count.
// An unknown status matches nothing; callers validate it first.
func (r *DisputeRepo) ListDisputes(ctx context.Context, f models.DisputeFilter) ([]*models.Dispute, int, error) {
	var conds []string
	var args []any
	if f.Status != "" {
		cond, ok := disputeStatusSQL[f.Status]
		if !ok {
			cond = "FALSE"
		}
		conds = append(conds, cond)
	}
	if f.ParticipantID != uuid.Nil {
		args = append(args, f.ParticipantID)
		conds = append(conds, `(d.buyer_id = $1 OR EXISTS (
			SELECT 1 FROM task_assignments a JOIN agents ag ON ag.id = a.agent_id
			WHERE a.task_id = d.task_id AND ag.seller_id = $1))`)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM disputes d`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit, offset := models.Page(f.Limit, f.Offset)
	n := len(args)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT `+disputeColumns+` FROM disputes d%s ORDER BY d.created_at DESC LIMIT $%d OFFSET $%d`, where, n+1, n+2),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	list := []*models.Dispute{}
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, d)
	}
	return list, total, rows.Err()
}

// CountOpen returns the number of unresolved disputes.
func (r *DisputeRepo) CountOpen(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*)::int FROM disputes WHERE resolved_at IS NULL`).Scan(&n)
	return n, err
}
