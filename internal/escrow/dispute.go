package escrow

import (
	"context"
	"time"
)

// DisputeStatus represents the state of a dispute.
type DisputeStatus string

const (
	DisputeOpen        DisputeStatus = "open"
	DisputeUnderReview DisputeStatus = "under_review"
	DisputeResolved    DisputeStatus = "resolved"
)

// Resolution is the outcome an arbiter assigns to a dispute.
type Resolution string

const (
	ResolvedBuyer  Resolution = "resolved_buyer"  // refund to buyer
	ResolvedSeller Resolution = "resolved_seller" // release to seller
	ResolvedSplit  Resolution = "resolved_split"  // settled off-platform, escrow closed
)

// Dispute is a party's challenge against a funded escrow. At most one
// dispute exists per escrow.
type Dispute struct {
	ID           string        `json:"id"`
	EscrowID     string        `json:"escrowId"`
	InitiatorID  string        `json:"initiatorId"`
	RespondentID string        `json:"respondentId,omitempty"`
	Reason       string        `json:"reason"`
	Status       DisputeStatus `json:"status"`
	Resolution   Resolution    `json:"resolution,omitempty"`
	Notes        string        `json:"notes,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	ResolvedAt   *time.Time    `json:"resolvedAt,omitempty"`
}

func (d *Dispute) Clone() *Dispute {
	cp := *d
	if d.ResolvedAt != nil {
		at := *d.ResolvedAt
		cp.ResolvedAt = &at
	}
	return &cp
}

// DisputeStore persists disputes.
type DisputeStore interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetByEscrow(ctx context.Context, escrowID string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	ListByStatus(ctx context.Context, status DisputeStatus, limit int) ([]*Dispute, error)
}
