package models

import (
	"time"

	"github.com/google/uuid"
)

// Dispute resolutions.
const (
	ResolutionFullRefund    = "full_refund"
	ResolutionPartialRefund = "partial_refund"
	ResolutionRelease       = "release"
)

// Derived dispute statuses.
const (
	DisputeResolved      = "resolved"
	DisputePendingAdmin  = "pending_admin"
	DisputePendingSeller = "pending_seller"
)

// ValidResolution reports whether r is a known resolution.
func ValidResolution(r string) bool {
	switch r {
	case ResolutionFullRefund, ResolutionPartialRefund, ResolutionRelease:
		return true
	}
	return false
}

type Dispute struct {
	ID               uuid.UUID  `json:"id"`
	TaskID           uuid.UUID  `json:"task_id"`
	BuyerID          uuid.UUID  `json:"buyer_id"`
	BuyerComment     string     `json:"buyer_comment"`
	BuyerEvidence    []string   `json:"buyer_evidence"`
	SellerComment    *string    `json:"seller_comment,omitempty"`
	SellerEvidence   []string   `json:"seller_evidence"`
	AdminComment     *string    `json:"admin_comment,omitempty"`
	Resolution       *string    `json:"resolution,omitempty"`
	RefundPercentage *int       `json:"refund_percentage,omitempty"`
	ResolvedBy       *uuid.UUID `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Status derives the workflow position from the stored fields.
func (d *Dispute) Status() string {
	switch {
	case d.ResolvedAt != nil:
		return DisputeResolved
	case d.SellerComment != nil:
		return DisputePendingAdmin
	default:
		return DisputePendingSeller
	}
}

// DisputeFilter narrows dispute listings. Status is a derived status;
// ParticipantID limits results to disputes where the user is the buyer or
// the seller of the assigned agent.
type DisputeFilter struct {
	Status        string
	ParticipantID uuid.UUID
	Limit         int
	Offset        int
}
