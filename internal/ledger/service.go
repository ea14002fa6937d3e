package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/agentmarket/backend/internal/models"
)

// Delta is a signed change applied to a wallet in one statement.
type Delta struct {
	Balance decimal.Decimal
	Escrow  decimal.Decimal
	Earned  decimal.Decimal
}

// TxFilter narrows transaction history listings.
type TxFilter struct {
	Type   string
	Limit  int
	Offset int
}

// Service is the Ledger Store. Mutating calls run inside the caller's
// transaction; LockWallet must precede Apply on the same wallet so concurrent
// writers serialize on the row lock.
type Service interface {
	GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	LockWallet(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Wallet, error)
	Apply(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, d Delta) (before, after *models.Wallet, err error)
	Append(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
	FindByIdempotencyKey(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, key string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, walletID uuid.UUID, f TxFilter) ([]*models.Transaction, int, error)
	SumByType(ctx context.Context, walletID uuid.UUID, txType string) (decimal.Decimal, error)
}

type service struct {
	repo *Repository
}

func NewService(repo *Repository) Service {
	return &service{repo: repo}
}

var _ Service = (*service)(nil)

func (s *service) GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	return s.repo.GetByUserID(ctx, userID)
}

func (s *service) LockWallet(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Wallet, error) {
	return s.repo.LockByUserID(ctx, tx, userID)
}

func (s *service) Apply(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, d Delta) (*models.Wallet, *models.Wallet, error) {
	return s.repo.Apply(ctx, tx, walletID, d)
}

func (s *service) Append(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	return s.repo.Append(ctx, tx, t)
}

func (s *service) FindByIdempotencyKey(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, key string) (*models.Transaction, error) {
	return s.repo.FindByIdempotencyKey(ctx, tx, walletID, key)
}

func (s *service) ListTransactions(ctx context.Context, walletID uuid.UUID, f TxFilter) ([]*models.Transaction, int, error) {
	f.Limit, f.Offset = models.Page(f.Limit, f.Offset)
	return s.repo.ListTransactions(ctx, walletID, f)
}

func (s *service) SumByType(ctx context.Context, walletID uuid.UUID, txType string) (decimal.Decimal, error) {
	return s.repo.SumByType(ctx, walletID, txType)
}
