// Package transaction owns the transaction state machine and its
// append-only status history.
//
// The Tracker is the single writer of transaction status. Every status
// change appends a history entry; history entries are never edited or
// removed, and a transaction never leaves a terminal status.
package transaction

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrCreateFailed        = errors.New("transaction creation failed")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrInvalidAmount       = errors.New("invalid transaction amount")
)

// Status represents the lifecycle state of a transaction.
type Status string

const (
	StatusPending     Status = "pending"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusNeedsReview Status = "needs_review" // monitor escalation, requires manual re-drive
)

// IsTerminal returns true if no further automated transition is permitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusNeedsReview:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal edge.
// A repeated write of the current status is legal: the monitor records
// "checked, no change" through it.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return !s.IsTerminal()
	}
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusCompleted ||
			next == StatusFailed || next == StatusCancelled || next == StatusNeedsReview
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed || next == StatusNeedsReview
	default:
		return false
	}
}

// Type classifies a transaction by its settlement rails.
type Type string

const (
	TypeFiatPayment   Type = "fiat_payment"
	TypeCryptoPayment Type = "crypto_payment"
	TypeFiatToCrypto  Type = "fiat_to_crypto"
	TypeCryptoToFiat  Type = "crypto_to_fiat"
	TypeFiatTransfer  Type = "fiat_transfer"
)

// OnChain reports whether the transaction settles on the crypto rail.
// On-chain settlement is confirmed by the escrow poller, not the monitor.
func (t Type) OnChain() bool {
	return t == TypeCryptoPayment
}

// StatusChange is one entry in a transaction's append-only history.
type StatusChange struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Transaction is a single transfer tracked through its lifecycle.
type Transaction struct {
	ID            string            `json:"id"`
	UserID        string            `json:"userId"`
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency"`
	Type          Type              `json:"type"`
	Status        Status            `json:"status"`
	History       []StatusChange    `json:"history"`
	SourceID      string            `json:"sourceId,omitempty"`
	DestinationID string            `json:"destinationId,omitempty"`
	Processor     string            `json:"processor,omitempty"`
	ProcessorTxID string            `json:"processorTxId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// LastChange returns the most recent history entry.
func (t *Transaction) LastChange() StatusChange {
	if len(t.History) == 0 {
		return StatusChange{}
	}
	return t.History[len(t.History)-1]
}

// Clone returns a deep copy. Stores return clones so callers cannot
// mutate shared state through the History slice or Metadata map.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	cp.History = make([]StatusChange, len(t.History))
	copy(cp.History, t.History)
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Store persists transactions.
type Store interface {
	Create(ctx context.Context, txn *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	Update(ctx context.Context, txn *Transaction) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error)
	// ListStale returns transactions in any of the given statuses whose
	// updatedAt is before the cutoff.
	ListStale(ctx context.Context, statuses []Status, before time.Time, limit int) ([]*Transaction, error)
	GetByProcessorID(ctx context.Context, processor, externalID string) (*Transaction, error)
}
