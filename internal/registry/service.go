// Package registry lets sellers publish agents and authenticates agents by
// API key.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/agentmarket/backend/internal/models"
	"github.com/agentmarket/backend/internal/repository"
	"github.com/agentmarket/backend/internal/services"
)

// Store is the agent persistence the registry needs. *repository.AgentRepo
// satisfies it.
type Store interface {
	Create(ctx context.Context, a *models.Agent) error
	GetAgent(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Agent, error)
	FindByKeyHash(ctx context.Context, hash string) (*models.Agent, error)
	ListBySeller(ctx context.Context, sellerID uuid.UUID) ([]*models.Agent, error)
	Search(ctx context.Context, tag string, limit, offset int) ([]*models.Agent, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	RotateKey(ctx context.Context, id uuid.UUID, hash, prefix string) error
	Heartbeat(ctx context.Context, id uuid.UUID) (time.Time, error)
}

type RegisterInput struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Tags        []string        `json:"tags"`
	BasePrice   decimal.Decimal `json:"base_price"`
	WebhookURL  *string         `json:"webhook_url"`
}

// visiblePrefix is how much of a key is kept for display.
const visiblePrefix = len(models.APIKeyPrefix) + 4

// randRead is replaced in tests.
var randRead = rand.Read

type Service struct {
	repo Store
}

func NewService(repo Store) *Service {
	return &Service{repo: repo}
}

func apiErr(kind error, msg string) error { return &services.Error{Kind: kind, Msg: msg} }

func newKey() (raw, prefix string, err error) {
	b := make([]byte, 24)
	if _, err := randRead(b); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	raw = models.APIKeyPrefix + hex.EncodeToString(b)
	return raw, raw[:visiblePrefix], nil
}

// Register creates an active agent for a seller account and returns the raw
// API key. The key is not recoverable afterwards.
func (s *Service) Register(ctx context.Context, seller *models.User, in RegisterInput) (*models.Agent, string, error) {
	if seller == nil || seller.Role != models.RoleAgent {
		return nil, "", apiErr(services.ErrForbidden, "only agent accounts can register agents")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, "", apiErr(services.ErrValidation, "name is required")
	}
	if in.BasePrice.IsNegative() || !in.BasePrice.Equal(in.BasePrice.Round(2)) {
		return nil, "", apiErr(services.ErrValidation, "base_price must be non-negative with at most 2 decimal places")
	}

	raw, prefix, err := newKey()
	if err != nil {
		return nil, "", err
	}
	a := &models.Agent{
		ID:           uuid.New(),
		SellerID:     seller.ID,
		Name:         name,
		Description:  in.Description,
		Tags:         models.NormalizeTags(in.Tags),
		PricingModel: models.PricingFixed,
		BasePrice:    in.BasePrice,
		Status:       models.AgentStatusActive,
		APIKeyHash:   models.HashAPIKey(raw),
		APIKeyPrefix: prefix,
		WebhookURL:   in.WebhookURL,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, "", fmt.Errorf("create agent: %w", err)
	}
	return a, raw, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	a, err := s.repo.GetAgent(ctx, nil, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apiErr(services.ErrNotFound, "agent not found")
	}
	return a, err
}

// List returns active agents, best rated first, optionally filtered by tag.
func (s *Service) List(ctx context.Context, tag string, limit, offset int) ([]*models.Agent, error) {
	limit, offset = models.Page(limit, offset)
	return s.repo.Search(ctx, strings.ToLower(strings.TrimSpace(tag)), limit, offset)
}

func (s *Service) Mine(ctx context.Context, sellerID uuid.UUID) ([]*models.Agent, error) {
	return s.repo.ListBySeller(ctx, sellerID)
}

func (s *Service) owned(ctx context.Context, sellerID, agentID uuid.UUID) (*models.Agent, error) {
	a, err := s.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a.SellerID != sellerID {
		return nil, apiErr(services.ErrForbidden, "you do not own this agent")
	}
	return a, nil
}

// RotateKey issues a new API key for the seller's agent. The previous key
// stops working immediately.
func (s *Service) RotateKey(ctx context.Context, sellerID, agentID uuid.UUID) (*models.Agent, string, error) {
	a, err := s.owned(ctx, sellerID, agentID)
	if err != nil {
		return nil, "", err
	}
	raw, prefix, err := newKey()
	if err != nil {
		return nil, "", err
	}
	if err := s.repo.RotateKey(ctx, a.ID, models.HashAPIKey(raw), prefix); err != nil {
		return nil, "", fmt.Errorf("rotate key: %w", err)
	}
	a.APIKeyHash, a.APIKeyPrefix = models.HashAPIKey(raw), prefix
	return a, raw, nil
}

// SetStatus toggles an agent between active and inactive. Suspension is an
// admin action and cannot be lifted by the seller.
func (s *Service) SetStatus(ctx context.Context, sellerID, agentID uuid.UUID, status string) (*models.Agent, error) {
	if status != models.AgentStatusActive && status != models.AgentStatusInactive {
		return nil, apiErr(services.ErrValidation, "status must be active or inactive")
	}
	a, err := s.owned(ctx, sellerID, agentID)
	if err != nil {
		return nil, err
	}
	if a.Status == models.AgentStatusSuspended {
		return nil, apiErr(services.ErrForbidden, "agent is suspended")
	}
	if err := s.repo.UpdateStatus(ctx, a.ID, status); err != nil {
		return nil, fmt.Errorf("update agent status: %w", err)
	}
	a.Status = status
	return a, nil
}

// Heartbeat records that the agent is online and returns its fresh record.
// Status is left alone: a suspended agent stays suspended.
func (s *Service) Heartbeat(ctx context.Context, agentID uuid.UUID) (*models.Agent, error) {
	seen, err := s.repo.Heartbeat(ctx, agentID)
	if errors.Is(err, repository.ErrNotFound) {
		if _, err := s.Get(ctx, agentID); err != nil {
			return nil, err
		}
		return nil, apiErr(services.ErrForbidden, "agent is suspended")
	}
	if err != nil {
		return nil, fmt.Errorf("record heartbeat: %w", err)
	}
	a, err := s.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	a.LastSeenAt = &seen
	return a, nil
}

// Authenticate resolves a raw API key to an active agent.
func (s *Service) Authenticate(ctx context.Context, raw string) (*models.Agent, error) {
	if !strings.HasPrefix(raw, models.APIKeyPrefix) {
		return nil, apiErr(services.ErrUnauthorized, "invalid api key")
	}
	a, err := s.repo.FindByKeyHash(ctx, models.HashAPIKey(raw))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apiErr(services.ErrUnauthorized, "invalid api key")
	}
	if err != nil {
		return nil, err
	}
	if !a.IsActive() {
		return nil, apiErr(services.ErrForbidden, "agent is not active")
	}
	return a, nil
}
