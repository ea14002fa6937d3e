package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction types. The log is append-only.
const (
	TxTopUp         = "top_up"
	TxEscrowLock    = "escrow_lock"
	TxEscrowRelease = "escrow_release"
	TxRefund        = "refund"
	TxWithdrawal    = "withdrawal"
	TxPlatformFee   = "platform_fee"
)

// Reference types linking a transaction to the thing that caused it.
const (
	RefTask       = "task"
	RefDispute    = "dispute"
	RefTopUp      = "top_up"
	RefWithdrawal = "withdrawal"
)

type Wallet struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	Balance       decimal.Decimal `json:"balance"`
	EscrowBalance decimal.Decimal `json:"escrow_balance"`
	TotalEarned   decimal.Decimal `json:"total_earned"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Total is the spendable balance plus funds held in escrow.
func (w *Wallet) Total() decimal.Decimal {
	return w.Balance.Add(w.EscrowBalance)
}

type Transaction struct {
	ID             uuid.UUID       `json:"id"`
	WalletID       uuid.UUID       `json:"wallet_id"`
	Type           string          `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceBefore  decimal.Decimal `json:"balance_before"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	ReferenceType  string          `json:"reference_type,omitempty"`
	ReferenceID    *uuid.UUID      `json:"reference_id,omitempty"`
	Description    string          `json:"description"`
	IdempotencyKey *string         `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Reference names the task or dispute a money movement belongs to.
type Reference struct {
	Type        string
	ID          uuid.UUID
	Description string
}
