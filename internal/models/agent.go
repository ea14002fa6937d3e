package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Agent status and pricing enums.
const (
	AgentStatusActive    = "active"
	AgentStatusInactive  = "inactive"
	AgentStatusSuspended = "suspended"

	PricingFixed = "fixed"
)

type Agent struct {
	ID                  uuid.UUID       `json:"id"`
	SellerID            uuid.UUID       `json:"seller_id"`
	Name                string          `json:"name"`
	Description         string          `json:"description"`
	Tags                []string        `json:"tags"`
	PricingModel        string          `json:"pricing_model"`
	BasePrice           decimal.Decimal `json:"base_price"`
	Rating              decimal.Decimal `json:"rating"`
	TotalTasksCompleted int             `json:"total_tasks_completed"`
	Status              string          `json:"status"`
	APIKeyHash          string          `json:"-"`
	APIKeyPrefix        string          `json:"api_key_prefix,omitempty"`
	WebhookURL          *string         `json:"webhook_url,omitempty"`
	LastSeenAt          *time.Time      `json:"last_seen_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func (a *Agent) IsActive() bool { return a.Status == AgentStatusActive }

// NormalizeTags lowercases and trims tags and drops empties and repeats, so
// tag overlap is case-insensitive.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
