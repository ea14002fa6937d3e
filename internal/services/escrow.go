package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/agentmarket/backend/internal/ledger"
	"github.com/agentmarket/backend/internal/models"
)

// DefaultFeeRate is the platform's share of every released payment.
var DefaultFeeRate = decimal.NewFromFloat(0.20)

var hundred = decimal.NewFromInt(100)

// EscrowLedger is the slice of the Ledger Store the escrow engine needs.
type EscrowLedger interface {
	LockWallet(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Wallet, error)
	Apply(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, d ledger.Delta) (before, after *models.Wallet, err error)
	Append(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
}

// EscrowService moves money between spendable balances, escrow and the
// platform wallet. Every method runs inside the caller's transaction; the
// caller commits once for the whole state transition.
type EscrowService struct {
	Ledger         EscrowLedger
	FeeRate        decimal.Decimal
	PlatformUserID uuid.UUID
}

// NewEscrowService returns an engine charging feeRate (0.2 for 20%) on releases.
func NewEscrowService(l EscrowLedger, feeRate decimal.Decimal) *EscrowService {
	return &EscrowService{Ledger: l, FeeRate: feeRate, PlatformUserID: models.PlatformUserID}
}

// Settlement is the three-way split of an escrowed amount.
type Settlement struct {
	Gross       decimal.Decimal `json:"gross"`
	BuyerRefund decimal.Decimal `json:"buyer_refund"`
	SellerGross decimal.Decimal `json:"seller_gross"`
	Fee         decimal.Decimal `json:"platform_fee"`
	SellerNet   decimal.Decimal `json:"seller_received"`
}

// ComputeSettlement splits gross into a buyer refund of refundPct percent and
// a seller share. The fee applies to the seller share only. Amounts round half
// away from zero to cents, and the buyer refund plus the seller share always
// equals gross.
func ComputeSettlement(gross decimal.Decimal, refundPct int, feeRate decimal.Decimal) Settlement {
	refund := gross.Mul(decimal.NewFromInt(int64(refundPct))).Div(hundred).Round(2)
	sellerGross := gross.Sub(refund)
	fee := sellerGross.Mul(feeRate).Round(2)
	return Settlement{
		Gross:       gross,
		BuyerRefund: refund,
		SellerGross: sellerGross,
		Fee:         fee,
		SellerNet:   sellerGross.Sub(fee),
	}
}

func checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return validationf("amount must be greater than 0")
	}
	if !amount.Equal(amount.Round(2)) {
		return validationf("amount must have at most 2 decimal places")
	}
	return nil
}

// Lock moves amount from the buyer's balance into escrow.
func (s *EscrowService) Lock(ctx context.Context, tx pgx.Tx, buyerID uuid.UUID, amount decimal.Decimal, ref models.Reference) (*models.Transaction, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	w, err := s.Ledger.LockWallet(ctx, tx, buyerID)
	if err != nil {
		return nil, fmt.Errorf("lock buyer wallet: %w", err)
	}
	if w.Balance.LessThan(amount) {
		return nil, &Error{Kind: ErrInsufficientFunds, Msg: fmt.Sprintf("insufficient funds: balance %s, required %s", w.Balance.StringFixed(2), amount.StringFixed(2))}
	}
	before, after, err := s.Ledger.Apply(ctx, tx, w.ID, ledger.Delta{Balance: amount.Neg(), Escrow: amount})
	if errors.Is(err, ledger.ErrNegativeBalance) {
		return nil, ErrInsufficientFunds
	}
	if err != nil {
		return nil, fmt.Errorf("apply escrow lock: %w", err)
	}
	return s.record(ctx, tx, w.ID, models.TxEscrowLock, amount, before, after, ref, "Escrow lock")
}

// Release pays gross out of the buyer's escrow: the fee to the platform
// wallet and the remainder to the seller.
func (s *EscrowService) Release(ctx context.Context, tx pgx.Tx, buyerID, sellerID uuid.UUID, gross decimal.Decimal, ref models.Reference) (Settlement, error) {
	return s.Split(ctx, tx, buyerID, sellerID, gross, 0, ref)
}

// Refund returns amount from the buyer's escrow to their balance.
func (s *EscrowService) Refund(ctx context.Context, tx pgx.Tx, buyerID uuid.UUID, amount decimal.Decimal, ref models.Reference) (*models.Transaction, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	w, err := s.Ledger.LockWallet(ctx, tx, buyerID)
	if err != nil {
		return nil, fmt.Errorf("lock buyer wallet: %w", err)
	}
	if err := requireEscrow(w, amount); err != nil {
		return nil, err
	}
	return s.refundLocked(ctx, tx, w, amount, ref)
}

// Split refunds refundPct percent of gross to the buyer and releases the rest
// to the seller, net of the fee. Release is Split with refundPct 0.
func (s *EscrowService) Split(ctx context.Context, tx pgx.Tx, buyerID, sellerID uuid.UUID, gross decimal.Decimal, refundPct int, ref models.Reference) (Settlement, error) {
	if err := checkAmount(gross); err != nil {
		return Settlement{}, err
	}
	if refundPct < 0 || refundPct > 100 {
		return Settlement{}, validationf("refund_percentage must be between 0 and 100")
	}
	st := ComputeSettlement(gross, refundPct, s.FeeRate)

	wallets, err := s.lockOrdered(ctx, tx, buyerID, sellerID, s.PlatformUserID)
	if err != nil {
		return Settlement{}, err
	}
	buyer := wallets[buyerID]
	if err := requireEscrow(buyer, gross); err != nil {
		return Settlement{}, err
	}

	if st.BuyerRefund.IsPositive() {
		if _, err := s.refundLocked(ctx, tx, buyer, st.BuyerRefund, ref); err != nil {
			return Settlement{}, err
		}
	}
	if st.SellerGross.IsPositive() {
		if err := s.releaseLocked(ctx, tx, buyer, wallets[sellerID], wallets[s.PlatformUserID], st, ref); err != nil {
			return Settlement{}, err
		}
	}
	return st, nil
}

func requireEscrow(w *models.Wallet, amount decimal.Decimal) error {
	if w.EscrowBalance.LessThan(amount) {
		return fmt.Errorf("%w: wallet %s holds %s in escrow, need %s", ErrEscrowShortfall, w.ID, w.EscrowBalance.StringFixed(2), amount.StringFixed(2))
	}
	return nil
}

// lockOrdered row-locks each distinct user's wallet in ascending UUID order so
// two settlements touching the same wallets cannot deadlock.
func (s *EscrowService) lockOrdered(ctx context.Context, tx pgx.Tx, userIDs ...uuid.UUID) (map[uuid.UUID]*models.Wallet, error) {
	ids := make([]uuid.UUID, 0, len(userIDs))
	seen := make(map[uuid.UUID]bool, len(userIDs))
	for _, id := range userIDs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	out := make(map[uuid.UUID]*models.Wallet, len(ids))
	for _, id := range ids {
		w, err := s.Ledger.LockWallet(ctx, tx, id)
		if err != nil {
			return nil, fmt.Errorf("lock wallet of %s: %w", id, err)
		}
		out[id] = w
	}
	return out, nil
}

func (s *EscrowService) refundLocked(ctx context.Context, tx pgx.Tx, buyer *models.Wallet, amount decimal.Decimal, ref models.Reference) (*models.Transaction, error) {
	before, after, err := s.Ledger.Apply(ctx, tx, buyer.ID, ledger.Delta{Balance: amount, Escrow: amount.Neg()})
	if errors.Is(err, ledger.ErrNegativeBalance) {
		return nil, fmt.Errorf("%w: refund of %s", ErrEscrowShortfall, amount.StringFixed(2))
	}
	if err != nil {
		return nil, fmt.Errorf("apply refund: %w", err)
	}
	buyer.Balance, buyer.EscrowBalance = after.Balance, after.EscrowBalance
	return s.record(ctx, tx, buyer.ID, models.TxRefund, amount, before, after, ref, "Refund")
}

func (s *EscrowService) releaseLocked(ctx context.Context, tx pgx.Tx, buyer, seller, platform *models.Wallet, st Settlement, ref models.Reference) error {
	before, after, err := s.Ledger.Apply(ctx, tx, buyer.ID, ledger.Delta{Escrow: st.SellerGross.Neg()})
	if errors.Is(err, ledger.ErrNegativeBalance) {
		return fmt.Errorf("%w: release of %s", ErrEscrowShortfall, st.SellerGross.StringFixed(2))
	}
	if err != nil {
		return fmt.Errorf("apply buyer release: %w", err)
	}
	buyer.EscrowBalance = after.EscrowBalance
	if _, err := s.record(ctx, tx, buyer.ID, models.TxEscrowRelease, st.SellerGross, before, after, ref, "Escrow released"); err != nil {
		return err
	}

	if st.SellerNet.IsPositive() {
		before, after, err := s.Ledger.Apply(ctx, tx, seller.ID, ledger.Delta{Balance: st.SellerNet, Earned: st.SellerNet})
		if err != nil {
			return fmt.Errorf("apply seller payment: %w", err)
		}
		if _, err := s.record(ctx, tx, seller.ID, models.TxEscrowRelease, st.SellerNet, before, after, ref, "Payment received"); err != nil {
			return err
		}
	}

	if st.Fee.IsPositive() {
		before, after, err := s.Ledger.Apply(ctx, tx, platform.ID, ledger.Delta{Balance: st.Fee})
		if err != nil {
			return fmt.Errorf("apply platform fee: %w", err)
		}
		if _, err := s.record(ctx, tx, platform.ID, models.TxPlatformFee, st.Fee, before, after, ref, "Platform fee"); err != nil {
			return err
		}
	}
	return nil
}

func (s *EscrowService) record(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, txType string, amount decimal.Decimal, before, after *models.Wallet, ref models.Reference, label string) (*models.Transaction, error) {
	t := &models.Transaction{
		WalletID:      walletID,
		Type:          txType,
		Amount:        amount,
		BalanceBefore: before.Balance,
		BalanceAfter:  after.Balance,
		ReferenceType: ref.Type,
		Description:   label,
	}
	if ref.ID != uuid.Nil {
		id := ref.ID
		t.ReferenceID = &id
	}
	if ref.Description != "" {
		t.Description = label + " for " + ref.Description
	}
	if err := s.Ledger.Append(ctx, tx, t); err != nil {
		return nil, fmt.Errorf("append %s transaction: %w", txType, err)
	}
	return t, nil
}
