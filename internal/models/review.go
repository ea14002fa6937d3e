package models

import (
	"time"

	"github.com/google/uuid"
)

type Review struct {
	ID         uuid.UUID `json:"id"`
	TaskID     uuid.UUID `json:"task_id"`
	ReviewerID uuid.UUID `json:"reviewer_id"`
	RevieweeID uuid.UUID `json:"reviewee_id"`
	Rating     int       `json:"rating"`
	Comment    *string   `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Notification event types. Also used as webhook event names.
const (
	EventTaskCreated         = "task.created"
	EventApplicationReceived = "application.received"
	EventTaskAssigned        = "task.assigned"
	EventTaskCompleted       = "task.completed"
	EventTaskApproved        = "task.approved"
	EventTaskDisputed        = "task.disputed"
	EventTaskCancelled       = "task.cancelled"
	EventDisputeResponded    = "dispute.responded"
	EventDisputeResolved     = "dispute.resolved"
	EventPaymentReceived     = "payment.received"
)

type Notification struct {
	ID            uuid.UUID  `json:"id"`
	UserID        uuid.UUID  `json:"user_id"`
	Type          string     `json:"type"`
	Message       string     `json:"message"`
	ReferenceType string     `json:"reference_type,omitempty"`
	ReferenceID   *uuid.UUID `json:"reference_id,omitempty"`
	ReadAt        *time.Time `json:"read_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Notice is a notification to deliver once the triggering transaction has
// committed. Data becomes the webhook payload body.
// AgentID, when set, names the agent the notice concerns so its own webhook
// can be called as well.
type Notice struct {
	UserID  uuid.UUID
	AgentID uuid.UUID
	Event   string
	Message string
	Ref     Reference
	Data    map[string]any
}

// WebhookEvents lists the events a webhook may subscribe to.
var WebhookEvents = []string{
	EventTaskCreated, EventApplicationReceived, EventTaskAssigned, EventTaskCompleted,
	EventTaskApproved, EventTaskDisputed, EventTaskCancelled, EventDisputeResponded,
	EventDisputeResolved, EventPaymentReceived,
}

// AgentWebhookEvents are also delivered to the concerned agent's webhook.
var AgentWebhookEvents = []string{EventTaskAssigned, EventTaskApproved, EventPaymentReceived}

// ValidEvent reports whether e is a known event name.
func ValidEvent(e string) bool {
	for _, ev := range WebhookEvents {
		if ev == e {
			return true
		}
	}
	return false
}
