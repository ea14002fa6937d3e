package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentmarket/backend/internal/models"
)

// TaskRepo stores tasks and the rows that hang off them: applications,
// the assignment, the result and matching suggestions.
type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

const taskColumns = `t.id, t.buyer_id, t.title, t.description, t.tags, t.max_budget, t.urgency, t.auto_assign, t.status,
	t.assigned_at, t.completed_at, t.approved_at, t.auto_approve_at, t.cancelled_at, t.created_at, t.updated_at`

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.BuyerID, &t.Title, &t.Description, &t.Tags, &t.MaxBudget, &t.Urgency, &t.AutoAssign, &t.Status,
		&t.AssignedAt, &t.CompletedAt, &t.ApprovedAt, &t.AutoApproveAt, &t.CancelledAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

func strs(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (r *TaskRepo) CreateTask(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	err := on(r.pool, tx).QueryRow(ctx, `
		INSERT INTO tasks (id, buyer_id, title, description, tags, max_budget, urgency, auto_assign, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, t.ID, t.BuyerID, t.Title, t.Description, strs(t.Tags), t.MaxBudget, t.Urgency, t.AutoAssign, t.Status).Scan(&t.CreatedAt, &t.UpdatedAt)
	return mapErr(err)
}

func (r *TaskRepo) GetTask(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	return scanTask(on(r.pool, tx).QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.id = $1`, id))
}

// LockTask row-locks the task for the rest of tx. Every status write goes
// through a locked read so concurrent transitions serialize.
func (r *TaskRepo) LockTask(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	return scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.id = $1 FOR UPDATE`, id))
}

// UpdateTask writes the mutable lifecycle fields.
func (r *TaskRepo) UpdateTask(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	err := on(r.pool, tx).QueryRow(ctx, `
		UPDATE tasks SET status = $2, assigned_at = $3, completed_at = $4, approved_at = $5,
		       auto_approve_at = $6, cancelled_at = $7, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, t.ID, t.Status, t.AssignedAt, t.CompletedAt, t.ApprovedAt, t.AutoApproveAt, t.CancelledAt).Scan(&t.UpdatedAt)
	return mapErr(err)
}

// taskWhere builds the WHERE clause shared by the page and count queries.
func taskWhere(f models.TaskFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("t.status = $%d", f.Status)
	}
	if f.Available {
		conds = append(conds, "t.status IN ('open', 'matching')")
	}
	if f.BuyerID != uuid.Nil {
		add("t.buyer_id = $%d", f.BuyerID)
	}
	if f.AgentID != uuid.Nil {
		add("EXISTS (SELECT 1 FROM task_assignments a WHERE a.task_id = t.id AND a.agent_id = $%d)", f.AgentID)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListTasks returns one page, newest first, and the total matching count.
func (r *TaskRepo) ListTasks(ctx context.Context, f models.TaskFilter) ([]*models.Task, int, error) {
	where, args := taskWhere(f)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM tasks t`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT `+taskColumns+` FROM tasks t%s ORDER BY t.created_at DESC LIMIT $%d OFFSET $%d`, where, n+1, n+2),
		append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	list := []*models.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, t)
	}
	return list, total, rows.Err()
}

// ListOverdue returns completed tasks whose auto-approve deadline has passed,
// oldest deadline first. IDs in skip are left out so a sweep can page past
// tasks that failed to settle.
func (r *TaskRepo) ListOverdue(ctx context.Context, now time.Time, skip []uuid.UUID, limit int) ([]uuid.UUID, error) {
	if skip == nil {
		skip = []uuid.UUID{}
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM tasks
		WHERE status = 'completed' AND auto_approve_at <= $1 AND NOT (id = ANY($2))
		ORDER BY auto_approve_at, id
		LIMIT $3
	`, now, skip, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// ---------------------------------------------------------------------------
// Suggestions
// ---------------------------------------------------------------------------

func (r *TaskRepo) SaveSuggestions(ctx context.Context, tx pgx.Tx, s []models.Suggestion) error {
	q := on(r.pool, tx)
	for _, sg := range s {
		if _, err := q.Exec(ctx, `
			INSERT INTO task_suggestions (task_id, agent_id, match_score, price_estimate)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (task_id, agent_id) DO UPDATE SET match_score = EXCLUDED.match_score, price_estimate = EXCLUDED.price_estimate
		`, sg.TaskID, sg.AgentID, sg.MatchScore, sg.PriceEstimate); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (r *TaskRepo) ListSuggestions(ctx context.Context, taskID uuid.UUID) ([]*models.Suggestion, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT task_id, agent_id, match_score, price_estimate
		FROM task_suggestions WHERE task_id = $1
		ORDER BY match_score DESC, agent_id
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.Suggestion{}
	for rows.Next() {
		var s models.Suggestion
		if err := rows.Scan(&s.TaskID, &s.AgentID, &s.MatchScore, &s.PriceEstimate); err != nil {
			return nil, err
		}
		list = append(list, &s)
	}
	return list, rows.Err()
}

// ---------------------------------------------------------------------------
// Applications
// ---------------------------------------------------------------------------

const applicationColumns = `id, task_id, agent_id, bid_amount, message, status, created_at`

func scanApplication(row pgx.Row) (*models.Application, error) {
	var a models.Application
	if err := row.Scan(&a.ID, &a.TaskID, &a.AgentID, &a.BidAmount, &a.Message, &a.Status, &a.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

// CreateApplication returns ErrDuplicate when the agent already bid on the task.
func (r *TaskRepo) CreateApplication(ctx context.Context, tx pgx.Tx, a *models.Application) error {
	err := on(r.pool, tx).QueryRow(ctx, `
		INSERT INTO task_applications (id, task_id, agent_id, bid_amount, message, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, a.ID, a.TaskID, a.AgentID, a.BidAmount, a.Message, a.Status).Scan(&a.CreatedAt)
	return mapErr(err)
}

func (r *TaskRepo) GetApplication(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Application, error) {
	return scanApplication(on(r.pool, tx).QueryRow(ctx, `SELECT `+applicationColumns+` FROM task_applications WHERE id = $1`, id))
}

func (r *TaskRepo) ListApplications(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) ([]*models.Application, error) {
	rows, err := on(r.pool, tx).Query(ctx, `
		SELECT `+applicationColumns+` FROM task_applications
		WHERE task_id = $1 ORDER BY created_at, id
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.Application{}
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// ListApplicationsByAgent returns one page of an agent's bids, newest first,
// each with the task it targets, and the agent's total bid count.
func (r *TaskRepo) ListApplicationsByAgent(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]*models.AgentApplication, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM task_applications WHERE agent_id = $1`, agentID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT ap.id, ap.task_id, ap.agent_id, ap.bid_amount, ap.message, ap.status, ap.created_at, `+taskColumns+`
		FROM task_applications ap JOIN tasks t ON t.id = ap.task_id
		WHERE ap.agent_id = $1
		ORDER BY ap.created_at DESC, ap.id
		LIMIT $2 OFFSET $3
	`, agentID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	list := []*models.AgentApplication{}
	for rows.Next() {
		var (
			a models.AgentApplication
			t models.Task
		)
		err := rows.Scan(&a.ID, &a.TaskID, &a.AgentID, &a.BidAmount, &a.Message, &a.Status, &a.CreatedAt,
			&t.ID, &t.BuyerID, &t.Title, &t.Description, &t.Tags, &t.MaxBudget, &t.Urgency, &t.AutoAssign, &t.Status,
			&t.AssignedAt, &t.CompletedAt, &t.ApprovedAt, &t.AutoApproveAt, &t.CancelledAt, &t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return nil, 0, mapErr(err)
		}
		a.Task = &t
		list = append(list, &a)
	}
	return list, total, rows.Err()
}

func (r *TaskRepo) SetApplicationStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) error {
	return affected(on(r.pool, tx).Exec(ctx, `UPDATE task_applications SET status = $2 WHERE id = $1`, id, status))
}

// RejectPendingApplications rejects every pending bid on the task other than except.
func (r *TaskRepo) RejectPendingApplications(ctx context.Context, tx pgx.Tx, taskID, except uuid.UUID) error {
	_, err := on(r.pool, tx).Exec(ctx, `
		UPDATE task_applications SET status = 'rejected'
		WHERE task_id = $1 AND status = 'pending' AND id <> $2
	`, taskID, except)
	return mapErr(err)
}

// ---------------------------------------------------------------------------
// Assignment and result
// ---------------------------------------------------------------------------

// CreateAssignment returns ErrDuplicate when the task is already assigned.
func (r *TaskRepo) CreateAssignment(ctx context.Context, tx pgx.Tx, a *models.Assignment) error {
	err := on(r.pool, tx).QueryRow(ctx, `
		INSERT INTO task_assignments (id, task_id, agent_id, agreed_price, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, a.ID, a.TaskID, a.AgentID, a.AgreedPrice, a.Status).Scan(&a.CreatedAt)
	return mapErr(err)
}

func (r *TaskRepo) GetAssignment(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (*models.Assignment, error) {
	var a models.Assignment
	err := on(r.pool, tx).QueryRow(ctx, `
		SELECT id, task_id, agent_id, agreed_price, status, started_at, completed_at, created_at
		FROM task_assignments WHERE task_id = $1
	`, taskID).Scan(&a.ID, &a.TaskID, &a.AgentID, &a.AgreedPrice, &a.Status, &a.StartedAt, &a.CompletedAt, &a.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

// UpdateAssignment writes status and timestamps. agreed_price never changes.
func (r *TaskRepo) UpdateAssignment(ctx context.Context, tx pgx.Tx, a *models.Assignment) error {
	return affected(on(r.pool, tx).Exec(ctx, `
		UPDATE task_assignments SET status = $2, started_at = $3, completed_at = $4 WHERE id = $1
	`, a.ID, a.Status, a.StartedAt, a.CompletedAt))
}

// CreateResult returns ErrDuplicate when the task already has a submission.
func (r *TaskRepo) CreateResult(ctx context.Context, tx pgx.Tx, res *models.TaskResult) error {
	err := on(r.pool, tx).QueryRow(ctx, `
		INSERT INTO task_results (id, task_id, agent_id, result_text, result_files)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, res.ID, res.TaskID, res.AgentID, res.ResultText, strs(res.ResultFiles)).Scan(&res.CreatedAt)
	return mapErr(err)
}

func (r *TaskRepo) GetResult(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (*models.TaskResult, error) {
	var res models.TaskResult
	err := on(r.pool, tx).QueryRow(ctx, `
		SELECT id, task_id, agent_id, result_text, result_files, created_at
		FROM task_results WHERE task_id = $1
	`, taskID).Scan(&res.ID, &res.TaskID, &res.AgentID, &res.ResultText, &res.ResultFiles, &res.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &res, nil
}

// CountByStatus returns task counts keyed by status for the admin view.
func (r *TaskRepo) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, count(*)::int FROM tasks GROUP BY status`)
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
