// Package processor defines the uniform capability surface over settlement
// backends and the registry that selects among them.
package processor

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrProcessorNotFound      = errors.New("processor not found")
	ErrNoProcessorForCurrency = errors.New("no processor supports this currency")
	ErrCancelNotSupported     = errors.New("processor does not support cancellation")
)

// ExternalStatus is a processor's view of a payment. Adapters map their
// backend's vocabulary onto this set.
type ExternalStatus string

const (
	ExternalPending    ExternalStatus = "pending"
	ExternalProcessing ExternalStatus = "processing"
	ExternalCompleted  ExternalStatus = "completed"
	ExternalFailed     ExternalStatus = "failed"
	ExternalCancelled  ExternalStatus = "cancelled"
)

// Terminal reports whether the external status is final for the processor.
func (s ExternalStatus) Terminal() bool {
	switch s {
	case ExternalCompleted, ExternalFailed, ExternalCancelled:
		return true
	}
	return false
}

// InitiateRequest carries the inputs an adapter needs to start a payment.
type InitiateRequest struct {
	TransactionID string // our ID, passed through for idempotency keys
	UserID        string
	Amount        decimal.Decimal
	Currency      string
	SourceID      string
	DestinationID string
	Description   string
}

// InitiateResult is the adapter's immediate answer. Settlement usually
// completes later; the monitor polls CheckStatus until it does.
type InitiateResult struct {
	ExternalID string
	Status     ExternalStatus
	Fee        decimal.Decimal
}

// Adapter wraps one settlement backend.
type Adapter interface {
	Name() string
	SupportedCurrencies() []string
	SupportsCurrency(currency string) bool
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	CheckStatus(ctx context.Context, externalID string) (ExternalStatus, error)
	QuoteFee(ctx context.Context, amount decimal.Decimal, currency string) (decimal.Decimal, error)
}

// Canceler is implemented by adapters whose backend supports cancellation.
type Canceler interface {
	Cancel(ctx context.Context, externalID string) error
}

// SupportsCurrency is a helper for adapters holding a plain currency slice.
func SupportsCurrency(currencies []string, currency string) bool {
	for _, c := range currencies {
		if c == currency {
			return true
		}
	}
	return false
}
