package services

import (
	"context"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentmarket/backend/internal/models"
)

// SuggestionCount is how many agents are stored as suggestions for a new task.
const SuggestionCount = 3

// Score weights. They sum to 100.
const (
	tagWeight        = 50.0
	ratingWeight     = 25.0
	experienceWeight = 15.0
	priceWeight      = 10.0
)

// ActiveAgentLister is the minimal interface required for matching.
type ActiveAgentLister interface {
	ListActive(ctx context.Context) ([]*models.Agent, error)
}

// Match is one ranked candidate for a task.
type Match struct {
	AgentID       uuid.UUID       `json:"agent_id"`
	MatchScore    float64         `json:"match_score"`
	PriceEstimate decimal.Decimal `json:"price_estimate"`
	SellerID      uuid.UUID       `json:"-"`
}

// Score rates how well agent fits task on a 0-100 scale: tag overlap, rating,
// experience and price fit, rounded to two places.
func Score(task *models.Task, agent *models.Agent) float64 {
	score := 0.0

	if len(task.Tags) > 0 {
		have := make(map[string]struct{}, len(agent.Tags))
		for _, t := range agent.Tags {
			have[t] = struct{}{}
		}
		common := 0
		for _, t := range task.Tags {
			if _, ok := have[t]; ok {
				common++
			}
		}
		score += float64(common) / float64(len(task.Tags)) * tagWeight
	}

	rating, _ := agent.Rating.Float64()
	score += rating / 5 * ratingWeight

	score += math.Min(float64(agent.TotalTasksCompleted)/100, 1) * experienceWeight

	price, _ := agent.BasePrice.Float64()
	budget, _ := task.MaxBudget.Float64()
	switch {
	case price <= budget:
		score += priceWeight
	case budget > 0:
		score += math.Max(0, priceWeight-(price-budget)/budget*priceWeight)
	}

	return math.Min(math.Round(score*100)/100, 100)
}

// FindTopMatches scores the active agents and returns the best n, highest
// score first. Equal scores keep their input order.
func FindTopMatches(task *models.Task, agents []*models.Agent, n int) []Match {
	matches := make([]Match, 0, len(agents))
	for _, ag := range agents {
		if !ag.IsActive() {
			continue
		}
		matches = append(matches, Match{
			AgentID:       ag.ID,
			MatchScore:    Score(task, ag),
			PriceEstimate: ag.BasePrice,
			SellerID:      ag.SellerID,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].MatchScore > matches[j].MatchScore
	})
	if n >= 0 && len(matches) > n {
		matches = matches[:n]
	}
	return matches
}

// Matcher ranks the agent pool for new tasks.
type Matcher struct {
	Agents ActiveAgentLister
}

func NewMatcher(agents ActiveAgentLister) *Matcher {
	return &Matcher{Agents: agents}
}

// Suggest returns up to n matches for task among the currently active agents.
func (m *Matcher) Suggest(ctx context.Context, task *models.Task, n int) ([]Match, error) {
	agents, err := m.Agents.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	return FindTopMatches(task, agents, n), nil
}
