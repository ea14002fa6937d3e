package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/agentmarket/backend/internal/ledger"
	"github.com/agentmarket/backend/internal/models"
)

// Withdrawal methods.
const (
	MethodBankTransfer = "bank_transfer"
	MethodPayPal       = "paypal"
	MethodCrypto       = "crypto"
)

// MaxMovement caps a single top-up or withdrawal.
var MaxMovement = decimal.NewFromInt(10000)

const (
	maxIdempotencyKeyLen = 255
	recentPayouts        = 10
)

// SellerStats reports how many tasks a seller's agents have completed.
type SellerStats interface {
	CompletedBySeller(ctx context.Context, sellerID uuid.UUID) (int, error)
}

// WalletService handles deposits, withdrawals and balance views. Escrow
// movements belong to EscrowService.
type WalletService struct {
	DB     TxBeginner
	Ledger ledger.Service
	Stats  SellerStats
}

func NewWalletService(db TxBeginner, l ledger.Service, stats SellerStats) *WalletService {
	return &WalletService{DB: db, Ledger: l, Stats: stats}
}

// Earnings summarizes what a seller has been paid.
type Earnings struct {
	TotalEarned    decimal.Decimal       `json:"total_earned"`
	Balance        decimal.Decimal       `json:"available_balance"`
	CompletedTasks int                   `json:"completed_tasks"`
	RecentPayouts  []*models.Transaction `json:"recent_payouts"`
}

func checkMovement(amount decimal.Decimal, key string) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if amount.GreaterThan(MaxMovement) {
		return validationf("amount must not exceed %s", MaxMovement.String())
	}
	if len(key) > maxIdempotencyKeyLen {
		return validationf("Idempotency-Key must be at most %d characters", maxIdempotencyKeyLen)
	}
	return nil
}

func (s *WalletService) Get(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	return s.Ledger.GetWallet(ctx, userID)
}

// TopUp credits amount to the user's balance. A non-empty key makes the call
// idempotent: a retry returns the first transaction unchanged.
func (s *WalletService) TopUp(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, key string) (*models.Transaction, error) {
	if err := checkMovement(amount, key); err != nil {
		return nil, err
	}
	return s.move(ctx, userID, key, models.TxTopUp, amount, func(w *models.Wallet) (ledger.Delta, models.Reference, error) {
		return ledger.Delta{Balance: amount}, models.Reference{Type: models.RefTopUp, Description: "Wallet top-up"}, nil
	})
}

// Withdraw debits amount from the user's spendable balance. Escrowed funds
// cannot be withdrawn.
func (s *WalletService) Withdraw(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, method, key string) (*models.Transaction, error) {
	if err := checkMovement(amount, key); err != nil {
		return nil, err
	}
	switch method {
	case "":
		method = MethodBankTransfer
	case MethodBankTransfer, MethodPayPal, MethodCrypto:
	default:
		return nil, validationf("method must be one of bank_transfer, paypal, crypto")
	}
	return s.move(ctx, userID, key, models.TxWithdrawal, amount, func(w *models.Wallet) (ledger.Delta, models.Reference, error) {
		if w.Balance.LessThan(amount) {
			return ledger.Delta{}, models.Reference{}, &Error{Kind: ErrInsufficientFunds, Msg: fmt.Sprintf("Insufficient balance: available %s", w.Balance.StringFixed(2))}
		}
		return ledger.Delta{Balance: amount.Neg()}, models.Reference{Type: models.RefWithdrawal, Description: "Withdrawal via " + method}, nil
	})
}

type deltaFunc func(w *models.Wallet) (ledger.Delta, models.Reference, error)

func (s *WalletService) move(ctx context.Context, userID uuid.UUID, key, txType string, amount decimal.Decimal, plan deltaFunc) (*models.Transaction, error) {
	var out *models.Transaction
	err := inTx(ctx, s.DB, func(tx pgx.Tx) error {
		w, err := s.Ledger.LockWallet(ctx, tx, userID)
		if err != nil {
			return fmt.Errorf("lock wallet: %w", err)
		}
		if key != "" {
			prev, err := s.Ledger.FindByIdempotencyKey(ctx, tx, w.ID, key)
			if err != nil {
				return fmt.Errorf("find idempotency key: %w", err)
			}
			if prev != nil {
				if prev.Type != txType || !prev.Amount.Equal(amount) {
					return conflictf("Idempotency-Key was already used for a different request")
				}
				out = prev
				return nil
			}
		}

		d, ref, err := plan(w)
		if err != nil {
			return err
		}
		before, after, err := s.Ledger.Apply(ctx, tx, w.ID, d)
		if errors.Is(err, ledger.ErrNegativeBalance) {
			return &Error{Kind: ErrInsufficientFunds, Msg: "Insufficient balance"}
		}
		if err != nil {
			return fmt.Errorf("apply %s: %w", txType, err)
		}
		t := &models.Transaction{
			WalletID:      w.ID,
			Type:          txType,
			Amount:        amount,
			BalanceBefore: before.Balance,
			BalanceAfter:  after.Balance,
			ReferenceType: ref.Type,
			Description:   ref.Description,
		}
		if key != "" {
			t.IdempotencyKey = &key
		}
		if err := s.Ledger.Append(ctx, tx, t); err != nil {
			if errors.Is(err, ledger.ErrDuplicateKey) {
				return conflictf("Idempotency-Key was already used for a different request")
			}
			return fmt.Errorf("append %s: %w", txType, err)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Transactions pages through the user's transaction history, newest first.
func (s *WalletService) Transactions(ctx context.Context, userID uuid.UUID, f ledger.TxFilter) ([]*models.Transaction, int, error) {
	w, err := s.Ledger.GetWallet(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	return s.Ledger.ListTransactions(ctx, w.ID, f)
}

// Earnings reports the seller's lifetime earnings and latest payouts.
func (s *WalletService) Earnings(ctx context.Context, userID uuid.UUID) (*Earnings, error) {
	w, err := s.Ledger.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	completed, err := s.Stats.CompletedBySeller(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count completed tasks: %w", err)
	}
	releases, _, err := s.Ledger.ListTransactions(ctx, w.ID, ledger.TxFilter{Type: models.TxEscrowRelease, Limit: models.MaxPageSize})
	if err != nil {
		return nil, fmt.Errorf("list payouts: %w", err)
	}
	// Buyer-side releases leave the balance unchanged; payouts raise it.
	payouts := make([]*models.Transaction, 0, recentPayouts)
	for _, t := range releases {
		if t.BalanceAfter.GreaterThan(t.BalanceBefore) {
			payouts = append(payouts, t)
			if len(payouts) == recentPayouts {
				break
			}
		}
	}
	return &Earnings{
		TotalEarned:    w.TotalEarned,
		Balance:        w.Balance,
		CompletedTasks: completed,
		RecentPayouts:  payouts,
	}, nil
}
