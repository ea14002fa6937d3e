package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentmarket/backend/internal/ledger"
	"github.com/agentmarket/backend/internal/middleware"
	"github.com/agentmarket/backend/internal/models"
	"github.com/agentmarket/backend/internal/services"
)

// IdempotencyHeader lets a client retry a top-up or withdrawal safely.
const IdempotencyHeader = "Idempotency-Key"

// WalletAPI is the caller's own wallet. *services.WalletService satisfies it.
type WalletAPI interface {
	Get(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	TopUp(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, key string) (*models.Transaction, error)
	Withdraw(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, method, key string) (*models.Transaction, error)
	Transactions(ctx context.Context, userID uuid.UUID, f ledger.TxFilter) ([]*models.Transaction, int, error)
	Earnings(ctx context.Context, userID uuid.UUID) (*services.Earnings, error)
}

type WalletHandler struct {
	Wallets   WalletAPI
	Validator *services.Validator
	Logger    *slog.Logger
}

func NewWalletHandler(wallets WalletAPI, v *services.Validator, logger *slog.Logger) *WalletHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WalletHandler{Wallets: wallets, Validator: v, Logger: logger}
}

type movementResponse struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
}

func movement(t *models.Transaction) movementResponse {
	return movementResponse{TransactionID: t.ID, Amount: t.Amount, BalanceAfter: t.BalanceAfter}
}

// Get handles GET /v1/wallet.
func (h *WalletHandler) Get(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.Wallets.Get(r.Context(), middleware.UserFromCtx(r.Context()).ID)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, wallet)
}

// Transactions handles GET /v1/wallet/transactions?type=&limit=&offset=.
func (h *WalletHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	f := ledger.TxFilter{Type: r.URL.Query().Get("type")}
	f.Limit, f.Offset = Paging(r)
	list, total, err := h.Wallets.Transactions(r.Context(), middleware.UserFromCtx(r.Context()).ID, f)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, Page[*models.Transaction]{Items: list, Total: total, Limit: f.Limit, Offset: f.Offset})
}

// TopUp handles POST /v1/wallet/top-up.
func (h *WalletHandler) TopUp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if !Decode(w, r, h.Validator, services.SchemaTopUp, &req) {
		return
	}
	t, err := h.Wallets.TopUp(r.Context(), middleware.UserFromCtx(r.Context()).ID, req.Amount, r.Header.Get(IdempotencyHeader))
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, movement(t))
}

// Withdraw handles POST /v1/wallet/withdraw.
func (h *WalletHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount decimal.Decimal `json:"amount"`
		Method string          `json:"method"`
	}
	if !Decode(w, r, h.Validator, services.SchemaWithdraw, &req) {
		return
	}
	t, err := h.Wallets.Withdraw(r.Context(), middleware.UserFromCtx(r.Context()).ID, req.Amount, req.Method, r.Header.Get(IdempotencyHeader))
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, movement(t))
}

// Earnings handles GET /v1/earnings.
func (h *WalletHandler) Earnings(w http.ResponseWriter, r *http.Request) {
	e, err := h.Wallets.Earnings(r.Context(), middleware.UserFromCtx(r.Context()).ID)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, e)
}
