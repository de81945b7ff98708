// Package chain reads settlement confirmations from the blockchain.
//
// Escrow operations embed a unique reference key in the token transfer;
// the poller asks this package whether any on-chain transaction carrying
// that reference has landed. Polling only — no push or webhook is assumed.
package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/settld/settld/internal/money"
)

// Confirmation is one observed on-chain transfer matching a reference.
type Confirmation struct {
	Signature   string // transaction hash
	From        string
	Amount      decimal.Decimal
	BlockNumber uint64
	ObservedAt  time.Time
}

// Reader answers confirmation lookups for a reference key.
type Reader interface {
	ConfirmationsForReference(ctx context.Context, reference string) ([]Confirmation, error)
}

// formatTokenAmount converts a raw smallest-unit token amount to a decimal.
func formatTokenAmount(raw *big.Int) decimal.Decimal {
	return money.FromTokenUnits(raw)
}
