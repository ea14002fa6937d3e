package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agentmarket/backend/internal/models"
	"github.com/agentmarket/backend/internal/repository"
)

// TxBeginner starts the single database transaction each operation runs in.
// *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store interfaces. Methods taking a pgx.Tx accept nil for a plain read
// outside any transaction. Missing rows are reported as repository.ErrNotFound
// and unique constraint hits as repository.ErrDuplicate.

type TaskStore interface {
	CreateTask(ctx context.Context, tx pgx.Tx, t *models.Task) error
	GetTask(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error)
	LockTask(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error)
	UpdateTask(ctx context.Context, tx pgx.Tx, t *models.Task) error
	ListTasks(ctx context.Context, f models.TaskFilter) ([]*models.Task, int, error)
	ListOverdue(ctx context.Context, now time.Time, skip []uuid.UUID, limit int) ([]uuid.UUID, error)
	ListApplicationsByAgent(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]*models.AgentApplication, int, error)

	SaveSuggestions(ctx context.Context, tx pgx.Tx, s []models.Suggestion) error
	ListSuggestions(ctx context.Context, taskID uuid.UUID) ([]*models.Suggestion, error)

	CreateApplication(ctx context.Context, tx pgx.Tx, a *models.Application) error
	GetApplication(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Application, error)
	ListApplications(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) ([]*models.Application, error)
	SetApplicationStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) error
	RejectPendingApplications(ctx context.Context, tx pgx.Tx, taskID, except uuid.UUID) error

	CreateAssignment(ctx context.Context, tx pgx.Tx, a *models.Assignment) error
	GetAssignment(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (*models.Assignment, error)
	UpdateAssignment(ctx context.Context, tx pgx.Tx, a *models.Assignment) error

	CreateResult(ctx context.Context, tx pgx.Tx, r *models.TaskResult) error
	GetResult(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (*models.TaskResult, error)
}

type AgentStore interface {
	GetAgent(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Agent, error)
	IncrementCompleted(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
}

type DisputeStore interface {
	CreateDispute(ctx context.Context, tx pgx.Tx, d *models.Dispute) error
	GetDispute(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Dispute, error)
	LockDispute(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Dispute, error)
	UpdateDispute(ctx context.Context, tx pgx.Tx, d *models.Dispute) error
	ListDisputes(ctx context.Context, f models.DisputeFilter) ([]*models.Dispute, int, error)
}

// Notifier delivers notices after commit. Delivery failures are the
// notifier's to log; they never fail the operation.
type Notifier interface {
	Notify(ctx context.Context, n models.Notice)
}

func inTx(ctx context.Context, db TxBeginner, fn func(tx pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// outbox collects notices inside a transaction for delivery after commit.
type outbox []models.Notice

func (o *outbox) add(userID uuid.UUID, event, msg string, ref models.Reference, data map[string]any) {
	*o = append(*o, models.Notice{UserID: userID, Event: event, Message: msg, Ref: ref, Data: data})
}

// addSeller queues a notice for the agent's seller that also names the agent.
func (o *outbox) addSeller(agent *models.Agent, event, msg string, ref models.Reference, data map[string]any) {
	*o = append(*o, models.Notice{UserID: agent.SellerID, AgentID: agent.ID, Event: event, Message: msg, Ref: ref, Data: data})
}

func (o outbox) flush(ctx context.Context, n Notifier) {
	if n == nil {
		return
	}
	for _, notice := range o {
		n.Notify(ctx, notice)
	}
}

// missing maps repository.ErrNotFound to a caller-facing not-found error.
func missing(err error, format string, args ...any) error {
	if errors.Is(err, repository.ErrNotFound) {
		return notFoundf(format, args...)
	}
	return err
}

func utcNow() time.Time { return time.Now().UTC() }
