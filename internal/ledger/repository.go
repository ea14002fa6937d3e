package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/agentmarket/backend/internal/models"
)

var (
	// ErrNegativeBalance is returned by Apply when a delta would overdraw
	// either balance of an existing wallet.
	ErrNegativeBalance = errors.New("wallet balance would go negative")
	// ErrDuplicateKey is returned by Append when the wallet already has a
	// transaction under the same idempotency key.
	ErrDuplicateKey = errors.New("duplicate idempotency key")
	// ErrWalletNotFound is returned when no wallet row matches.
	ErrWalletNotFound = errors.New("wallet not found")
)

const walletColumns = `id, user_id, balance, escrow_balance, total_earned, created_at, updated_at`

const txColumns = `id, wallet_id, type, amount, balance_before, balance_after, reference_type, reference_id, description, created_at`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure creates a zero wallet for the user if none exists.
func ensure(ctx context.Context, q execer, userID uuid.UUID) error {
	_, err := q.Exec(ctx, `
		INSERT INTO wallets (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	return err
}

func scanWallet(row pgx.Row) (*models.Wallet, error) {
	var w models.Wallet
	if err := row.Scan(&w.ID, &w.UserID, &w.Balance, &w.EscrowBalance, &w.TotalEarned, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

// GetByUserID returns the user's wallet, creating it with zero balances first if absent.
func (r *Repository) GetByUserID(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	if err := ensure(ctx, r.pool, userID); err != nil {
		return nil, fmt.Errorf("ensure wallet: %w", err)
	}
	return scanWallet(r.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID))
}

// LockByUserID row-locks the user's wallet for the rest of tx.
func (r *Repository) LockByUserID(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Wallet, error) {
	if err := ensure(ctx, tx, userID); err != nil {
		return nil, fmt.Errorf("ensure wallet: %w", err)
	}
	return scanWallet(tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, userID))
}

// Apply adds the deltas in a single conditional UPDATE. If either balance
// would drop below zero no row matches and ErrNegativeBalance is returned; a
// missing wallet reports ErrWalletNotFound. The before-state is derived from
// the same RETURNING row.
func (r *Repository) Apply(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, d Delta) (before, after *models.Wallet, err error) {
	after, err = scanWallet(tx.QueryRow(ctx, `
		UPDATE wallets
		SET balance = balance + $2,
		    escrow_balance = escrow_balance + $3,
		    total_earned = total_earned + $4,
		    updated_at = now()
		WHERE id = $1 AND balance + $2 >= 0 AND escrow_balance + $3 >= 0
		RETURNING `+walletColumns,
		walletID, d.Balance, d.Escrow, d.Earned))
	if errors.Is(err, ErrWalletNotFound) {
		return nil, nil, missedApply(ctx, tx, walletID)
	}
	if err != nil {
		return nil, nil, err
	}
	b := *after
	b.Balance = after.Balance.Sub(d.Balance)
	b.EscrowBalance = after.EscrowBalance.Sub(d.Escrow)
	b.TotalEarned = after.TotalEarned.Sub(d.Earned)
	return &b, after, nil
}

// missedApply explains an Apply that matched no row.
func missedApply(ctx context.Context, tx pgx.Tx, walletID uuid.UUID) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM wallets WHERE id = $1)`, walletID).Scan(&exists); err != nil {
		return fmt.Errorf("check wallet %s: %w", walletID, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrWalletNotFound, walletID)
	}
	return ErrNegativeBalance
}

// Append inserts one immutable transaction row.
func (r *Repository) Append(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO transactions (wallet_id, type, amount, balance_before, balance_after, reference_type, reference_id, description, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)
		RETURNING id, created_at
	`, t.WalletID, t.Type, t.Amount, t.BalanceBefore, t.BalanceAfter, t.ReferenceType, t.ReferenceID, t.Description, t.IdempotencyKey).Scan(&t.ID, &t.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateKey
	}
	return err
}

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	var refType *string
	if err := row.Scan(&t.ID, &t.WalletID, &t.Type, &t.Amount, &t.BalanceBefore, &t.BalanceAfter, &refType, &t.ReferenceID, &t.Description, &t.CreatedAt); err != nil {
		return nil, err
	}
	if refType != nil {
		t.ReferenceType = *refType
	}
	return &t, nil
}

// FindByIdempotencyKey returns the transaction recorded under key, or nil.
func (r *Repository) FindByIdempotencyKey(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, key string) (*models.Transaction, error) {
	t, err := scanTransaction(tx.QueryRow(ctx, `
		SELECT `+txColumns+` FROM transactions WHERE wallet_id = $1 AND idempotency_key = $2
	`, walletID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// ListTransactions returns the newest transactions first, plus the total row count.
func (r *Repository) ListTransactions(ctx context.Context, walletID uuid.UUID, f TxFilter) ([]*models.Transaction, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM transactions WHERE wallet_id = $1 AND ($2 = '' OR type = $2)
	`, walletID, f.Type).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE wallet_id = $1 AND ($2 = '' OR type = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, walletID, f.Type, f.Limit, f.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, t)
	}
	return list, total, rows.Err()
}

// SumByType totals the amounts of one transaction type on a wallet.
func (r *Repository) SumByType(ctx context.Context, walletID uuid.UUID, txType string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE wallet_id = $1 AND type = $2
	`, walletID, txType).Scan(&sum)
	return sum, err
}
