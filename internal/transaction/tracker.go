package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/settld/settld/internal/idgen"
	"github.com/settld/settld/internal/metrics"
	"github.com/settld/settld/internal/syncutil"
)

// CreateParams are the inputs for creating a transaction.
type CreateParams struct {
	ID            string // optional; generated when empty
	UserID        string
	Amount        decimal.Decimal
	Currency      string
	Type          Type
	InitialStatus Status // defaults to StatusPending
	SourceID      string
	DestinationID string
	Processor     string
	Metadata      map[string]string
}

// Tracker is the single writer of transaction status.
type Tracker struct {
	store  Store
	logger *slog.Logger
	locks  syncutil.KeyedMutex // serializes history appends per transaction ID
}

// NewTracker creates a transaction tracker.
func NewTracker(store Store, logger *slog.Logger) *Tracker {
	return &Tracker{store: store, logger: logger}
}

// Create builds a transaction with a one-entry history seeded with the
// initial status and persists it.
func (t *Tracker) Create(ctx context.Context, params CreateParams) (*Transaction, error) {
	if params.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	status := params.InitialStatus
	if status == "" {
		status = StatusPending
	}

	id := params.ID
	if id == "" {
		id = idgen.WithPrefix("txn_")
	}

	now := time.Now()
	txn := &Transaction{
		ID:            id,
		UserID:        params.UserID,
		Amount:        params.Amount,
		Currency:      params.Currency,
		Type:          params.Type,
		Status:        status,
		History:       []StatusChange{{Status: status, Timestamp: now}},
		SourceID:      params.SourceID,
		DestinationID: params.DestinationID,
		Processor:     params.Processor,
		Metadata:      params.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := t.store.Create(ctx, txn); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}

	metrics.TransactionsTotal.WithLabelValues(string(status)).Inc()
	return txn.Clone(), nil
}

// UpdateStatus appends a history entry, merges the metadata patch, and
// persists. A repeated write of the current status is still recorded.
// Transitions that would move a terminal transaction backward are rejected
// with ErrInvalidTransition.
func (t *Tracker) UpdateStatus(ctx context.Context, id string, status Status, reason string, metadataPatch map[string]string) (*Transaction, error) {
	unlock := t.locks.Lock(id)
	defer unlock()

	txn, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !txn.Status.CanTransition(status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, txn.Status, status)
	}

	now := time.Now()
	txn.History = append(txn.History, StatusChange{Status: status, Timestamp: now, Reason: reason})
	txn.Status = status
	txn.UpdatedAt = now

	if len(metadataPatch) > 0 {
		if txn.Metadata == nil {
			txn.Metadata = make(map[string]string, len(metadataPatch))
		}
		for k, v := range metadataPatch {
			txn.Metadata[k] = v
		}
	}

	if err := t.store.Update(ctx, txn); err != nil {
		return nil, err
	}

	metrics.TransactionsTotal.WithLabelValues(string(status)).Inc()
	t.logger.Debug("transaction status updated",
		"txnId", id, "status", status, "reason", reason)

	return txn.Clone(), nil
}

// AttachProcessorTx records the processor-assigned external ID on the
// transaction so the monitor can reconcile it later. It does not change
// status and appends no history entry.
func (t *Tracker) AttachProcessorTx(ctx context.Context, id, processor, externalID string) (*Transaction, error) {
	unlock := t.locks.Lock(id)
	defer unlock()

	txn, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	txn.Processor = processor
	txn.ProcessorTxID = externalID
	if txn.Metadata == nil {
		txn.Metadata = make(map[string]string, 1)
	}
	txn.Metadata["external_id"] = externalID
	txn.UpdatedAt = time.Now()

	if err := t.store.Update(ctx, txn); err != nil {
		return nil, err
	}
	return txn.Clone(), nil
}

// Get returns a transaction by ID.
func (t *Tracker) Get(ctx context.Context, id string) (*Transaction, error) {
	return t.store.Get(ctx, id)
}

// GetByProcessorID returns the transaction a processor assigned externalID to.
func (t *Tracker) GetByProcessorID(ctx context.Context, processor, externalID string) (*Transaction, error) {
	return t.store.GetByProcessorID(ctx, processor, externalID)
}

// ListPending returns transactions awaiting settlement.
func (t *Tracker) ListPending(ctx context.Context, limit int) ([]*Transaction, error) {
	return t.store.ListByStatus(ctx, StatusPending, limit)
}

// ListStale returns pending/processing transactions untouched for longer
// than the threshold.
func (t *Tracker) ListStale(ctx context.Context, threshold time.Duration, limit int) ([]*Transaction, error) {
	cutoff := time.Now().Add(-threshold)
	return t.store.ListStale(ctx, []Status{StatusPending, StatusProcessing}, cutoff, limit)
}
