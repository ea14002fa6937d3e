package dashboard

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentmarket/backend/internal/models"
)

type RevenueSource interface {
	GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	SumByType(ctx context.Context, walletID uuid.UUID, txType string) (decimal.Decimal, error)
}

type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

type DisputeCounter interface {
	CountOpen(ctx context.Context) (int, error)
}

// Stats gathers the admin overview from the ledger and the repositories.
type Stats struct {
	Ledger   RevenueSource
	Tasks    StatusCounter
	Agents   StatusCounter
	Disputes DisputeCounter
}

// Collect reports platform revenue as the sum of platform_fee entries on the
// platform wallet.
func (s *Stats) Collect(ctx context.Context) (*Snapshot, error) {
	w, err := s.Ledger.GetWallet(ctx, models.PlatformUserID)
	if err != nil {
		return nil, fmt.Errorf("platform wallet: %w", err)
	}
	revenue, err := s.Ledger.SumByType(ctx, w.ID, models.TxPlatformFee)
	if err != nil {
		return nil, fmt.Errorf("platform revenue: %w", err)
	}
	tasks, err := s.Tasks.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("task counts: %w", err)
	}
	agents, err := s.Agents.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent counts: %w", err)
	}
	open, err := s.Disputes.CountOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispute count: %w", err)
	}
	return &Snapshot{
		PlatformRevenue: revenue,
		PlatformBalance: w.Balance,
		TasksByStatus:   tasks,
		AgentsByStatus:  agents,
		OpenDisputes:    open,
	}, nil
}
