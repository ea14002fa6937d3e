package models

import (
	"time"

	"github.com/google/uuid"
)

// PlatformUserID owns the wallet that collects platform fees. Seeded by the
// initial migration.
var PlatformUserID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// User roles.
const (
	RoleHuman = "human"
	RoleAgent = "agent"
	RoleAdmin = "admin"
)

type User struct {
	ID            uuid.UUID `json:"id"`
	Email         string    `json:"email"`
	Username      string    `json:"username"`
	PasswordHash  string    `json:"-"`
	Role          string    `json:"role"`
	WebhookURL    *string   `json:"webhook_url,omitempty"`
	WebhookEvents []string  `json:"webhook_events"`
	CreatedAt     time.Time `json:"created_at"`
}

// IsAdmin reports whether the user may resolve disputes and read admin stats.
func (u *User) IsAdmin() bool { return u != nil && u.Role == RoleAdmin }
