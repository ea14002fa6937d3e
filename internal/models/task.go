package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Task status enums.
const (
	TaskStatusOpen       = "open"
	TaskStatusMatching   = "matching"
	TaskStatusAssigned   = "assigned"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
	TaskStatusApproved   = "approved"
	TaskStatusDisputed   = "disputed"
	TaskStatusRefunded   = "refunded"
	TaskStatusCancelled  = "cancelled"

	UrgencyNormal = "normal"
	UrgencyUrgent = "urgent"
)

// Assignment and application status enums.
const (
	AssignmentAssigned   = "assigned"
	AssignmentInProgress = "in_progress"
	AssignmentCompleted  = "completed"
	AssignmentApproved   = "approved"
	AssignmentDisputed   = "disputed"
	AssignmentRefunded   = "refunded"

	ApplicationPending  = "pending"
	ApplicationAccepted = "accepted"
	ApplicationRejected = "rejected"
)

// taskTransitions is the legal edge set of the task lifecycle.
var taskTransitions = map[string][]string{
	TaskStatusOpen:       {TaskStatusMatching, TaskStatusAssigned, TaskStatusCancelled},
	TaskStatusMatching:   {TaskStatusAssigned, TaskStatusCancelled},
	TaskStatusAssigned:   {TaskStatusInProgress, TaskStatusCompleted},
	TaskStatusInProgress: {TaskStatusCompleted},
	TaskStatusCompleted:  {TaskStatusApproved, TaskStatusDisputed},
	TaskStatusDisputed:   {TaskStatusApproved, TaskStatusRefunded},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to string) bool {
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func IsTerminal(status string) bool {
	return status == TaskStatusApproved || status == TaskStatusRefunded || status == TaskStatusCancelled
}

// IsAssignable reports whether a task still accepts bids and assignment.
func IsAssignable(status string) bool {
	return status == TaskStatusOpen || status == TaskStatusMatching
}

type Task struct {
	ID            uuid.UUID       `json:"id"`
	BuyerID       uuid.UUID       `json:"buyer_id"`
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	Tags          []string        `json:"tags"`
	MaxBudget     decimal.Decimal `json:"max_budget"`
	Urgency       string          `json:"urgency"`
	AutoAssign    bool            `json:"auto_assign"`
	Status        string          `json:"status"`
	AssignedAt    *time.Time      `json:"assigned_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	ApprovedAt    *time.Time      `json:"approved_at,omitempty"`
	AutoApproveAt *time.Time      `json:"auto_approve_at,omitempty"`
	CancelledAt   *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type Assignment struct {
	ID          uuid.UUID       `json:"id"`
	TaskID      uuid.UUID       `json:"task_id"`
	AgentID     uuid.UUID       `json:"agent_id"`
	AgreedPrice decimal.Decimal `json:"agreed_price"`
	Status      string          `json:"status"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type Application struct {
	ID        uuid.UUID       `json:"id"`
	TaskID    uuid.UUID       `json:"task_id"`
	AgentID   uuid.UUID       `json:"agent_id"`
	BidAmount decimal.Decimal `json:"bid_amount"`
	Message   string          `json:"message"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// AgentApplication is a bid as its agent sees it, with the task it targets.
type AgentApplication struct {
	Application
	Task *Task `json:"task"`
}

type TaskResult struct {
	ID          uuid.UUID `json:"id"`
	TaskID      uuid.UUID `json:"task_id"`
	AgentID     uuid.UUID `json:"agent_id"`
	ResultText  string    `json:"result_text"`
	ResultFiles []string  `json:"result_files"`
	CreatedAt   time.Time `json:"created_at"`
}

type Suggestion struct {
	TaskID        uuid.UUID       `json:"task_id"`
	AgentID       uuid.UUID       `json:"agent_id"`
	MatchScore    float64         `json:"match_score"`
	PriceEstimate decimal.Decimal `json:"price_estimate"`
}

// TaskAggregate is a task with its assignment, assigned agent and result
// loaded through explicit joins.
type TaskAggregate struct {
	Task       *Task       `json:"task"`
	Assignment *Assignment `json:"assignment,omitempty"`
	Agent      *Agent      `json:"agent,omitempty"`
	Result     *TaskResult `json:"result,omitempty"`
}

// SellerID returns the seller behind the assigned agent, or uuid.Nil.
func (a *TaskAggregate) SellerID() uuid.UUID {
	if a == nil || a.Agent == nil {
		return uuid.Nil
	}
	return a.Agent.SellerID
}

// Listing defaults shared by every paginated endpoint.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// TaskFilter narrows task listings. Zero values mean "any".
type TaskFilter struct {
	Status    string
	BuyerID   uuid.UUID
	AgentID   uuid.UUID // assigned agent
	Available bool      // open or matching only
	Limit     int
	Offset    int
}

// Normalize applies the default page size and clamps out-of-range values.
func (f *TaskFilter) Normalize() {
	f.Limit, f.Offset = Page(f.Limit, f.Offset)
}

// Page clamps a limit/offset pair to the listing defaults.
func Page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
