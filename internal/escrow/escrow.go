// Package escrow tracks on-chain escrows for marketplace trades.
//
// Flow:
//  1. Buyer and seller agree on a listing → escrow CREATED
//  2. Buyer sends tokens carrying the funding reference → FUNDED
//  3. Buyer approves payout → release confirmation → RELEASED
//  4. Seller agrees to return funds → refund confirmation → REFUNDED
//  5. Either party disputes while funded → DISPUTED, release/refund frozen
//  6. No funding before the release deadline → EXPIRED
//
// Status only ever moves forward; confirmations are observed by polling
// the chain for transfers tagged with an operation's reference key.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrEscrowNotFound   = errors.New("escrow not found")
	ErrInvalidStatus    = errors.New("invalid escrow status for this operation")
	ErrUnauthorized     = errors.New("not authorized for this escrow operation")
	ErrEscrowDisputed   = errors.New("escrow is frozen by an open dispute")
	ErrDisputeNotFound  = errors.New("dispute not found")
	ErrDisputeExists    = errors.New("escrow already has a dispute")
	ErrDisputeClosed    = errors.New("dispute is already resolved")
	ErrDisputeWindow    = errors.New("dispute window has closed")
	ErrReleaseTimePast  = errors.New("release time must be in the future")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrSameParty        = errors.New("buyer and seller cannot be the same party")
	ErrNoResolution     = errors.New("unknown dispute resolution")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusCreated  Status = "created"  // Agreed, awaiting funding confirmation
	StatusFunded   Status = "funded"   // Tokens observed at the escrow address
	StatusReleased Status = "released" // Paid out to seller
	StatusRefunded Status = "refunded" // Returned to buyer
	StatusDisputed Status = "disputed" // Frozen pending resolution
	StatusClosed   Status = "closed"   // Dispute closed with manual settlement
	StatusCanceled Status = "canceled" // Party-initiated or failed-funding cancellation
	StatusExpired  Status = "expired"  // Funding deadline passed unfunded
)

// IsTerminal returns true if the escrow is in a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusClosed, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether moving to next is a legal edge.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusCreated:
		return next == StatusFunded || next == StatusCanceled || next == StatusExpired
	case StatusFunded:
		return next == StatusReleased || next == StatusRefunded || next == StatusDisputed
	case StatusDisputed:
		return next == StatusReleased || next == StatusRefunded || next == StatusClosed
	default:
		return false
	}
}

// Escrow is one marketplace trade's holding record.
type Escrow struct {
	ID            string          `json:"id"`
	ListingID     string          `json:"listingId"`
	BuyerID       string          `json:"buyerId"`
	SellerID      string          `json:"sellerId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        Status          `json:"status"`
	EscrowAddress string          `json:"escrowAddress"`
	ReleaseTime   time.Time       `json:"releaseTime"`
	DisputeWindow time.Duration   `json:"disputeWindow"`
	// Signature holds the hash of the transfer that settled the most
	// recent confirmed operation. Recorded only once a confirmation is
	// observed, never speculatively.
	Signature string     `json:"signature,omitempty"`
	FundedAt  *time.Time `json:"fundedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// OtherParty returns the counterparty of userID, or "" when userID is
// neither buyer nor seller. Empty stays empty: never guess an identity.
func (e *Escrow) OtherParty(userID string) string {
	switch userID {
	case e.BuyerID:
		return e.SellerID
	case e.SellerID:
		return e.BuyerID
	default:
		return ""
	}
}

// Clone returns a copy safe to hand to callers.
func (e *Escrow) Clone() *Escrow {
	cp := *e
	if e.FundedAt != nil {
		at := *e.FundedAt
		cp.FundedAt = &at
	}
	return &cp
}

// Store persists escrow data.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error)
	// ListExpired returns CREATED escrows whose release time is before the cutoff.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
	ListByParty(ctx context.Context, userID string, limit int) ([]*Escrow, error)
}

// Op identifies a pending escrow operation awaiting confirmation.
type Op string

const (
	OpFund    Op = "fund"
	OpRelease Op = "release"
	OpRefund  Op = "refund"
)

// PendingConfirmation is an in-memory record of an escrow operation
// awaiting an on-chain signature. Ephemeral: it lives until confirmed or
// abandoned after max retries, and is never persisted.
type PendingConfirmation struct {
	Reference   string
	EscrowID    string
	UserID      string // requesting party, notified on failure
	Op          Op
	Retries     int
	CreatedAt   time.Time
	LastChecked time.Time
}

// PaymentRequest tells a buyer where to send funds for an operation.
type PaymentRequest struct {
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Reference string          `json:"reference"`
}
