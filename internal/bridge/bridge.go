// Package bridge orchestrates conversion quotes and cross-currency payments,
// composing the processor registry and the transaction tracker.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/settld/settld/internal/idgen"
	"github.com/settld/settld/internal/processor"
	"github.com/settld/settld/internal/transaction"
)

func defaultNewID(prefix string) string { return idgen.WithPrefix(prefix) }

var (
	ErrAmountBelowMinimum = errors.New("amount below minimum")
	ErrAmountAboveMaximum = errors.New("amount above maximum")
	ErrQuoteNotFound      = errors.New("quote not found")
	ErrQuoteExpired       = errors.New("quote expired")
	ErrNotCancellable     = errors.New("transaction is not in a cancellable state")
)

// DefaultQuoteValidity bounds stale-rate arbitrage.
const DefaultQuoteValidity = 30 * time.Second

// Quote is a time-bounded, single-use conversion commitment.
type Quote struct {
	ID         string          `json:"id"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	FromAmount decimal.Decimal `json:"fromAmount"`
	ToAmount   decimal.Decimal `json:"toAmount"`
	Rate       decimal.Decimal `json:"rate"`
	Fee        decimal.Decimal `json:"fee"`
	ExpiresAt  time.Time       `json:"expiresAt"`
}

// Expired reports whether the quote's validity window has passed.
func (q *Quote) Expired() bool {
	return time.Now().After(q.ExpiresAt)
}

// Config holds bridge tuning.
type Config struct {
	MinAmount     decimal.Decimal
	MaxAmount     decimal.Decimal
	FeePercent    decimal.Decimal
	QuoteValidity time.Duration
}

// Bridge executes fiat payments and currency conversions.
type Bridge struct {
	registry *processor.Registry
	tracker  *transaction.Tracker
	rates    RateSource
	cfg      Config
	logger   *slog.Logger

	quotesMu sync.Mutex
	quotes   map[string]*Quote // active quotes, owned by this instance
	newID    func(prefix string) string
}

// New creates a bridge.
func New(registry *processor.Registry, tracker *transaction.Tracker, rates RateSource, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.QuoteValidity <= 0 {
		cfg.QuoteValidity = DefaultQuoteValidity
	}
	return &Bridge{
		registry: registry,
		tracker:  tracker,
		rates:    rates,
		cfg:      cfg,
		logger:   logger,
		quotes:   make(map[string]*Quote),
		newID:    defaultNewID,
	}
}

// GetConversionQuote validates the pair and bounds, computes the converted
// amount and fee, and stores the quote under a generated ID.
func (b *Bridge) GetConversionQuote(ctx context.Context, from, to string, amount decimal.Decimal) (*Quote, error) {
	if err := b.checkBounds(amount); err != nil {
		return nil, err
	}

	rate, err := b.rates.Rate(ctx, from, to)
	if err != nil {
		return nil, err
	}

	toAmount := amount.Mul(rate)
	fee := toAmount.Mul(b.cfg.FeePercent)

	quote := &Quote{
		ID:         b.newID("quo_"),
		From:       from,
		To:         to,
		FromAmount: amount,
		ToAmount:   toAmount.Sub(fee),
		Rate:       rate,
		Fee:        fee,
		ExpiresAt:  time.Now().Add(b.cfg.QuoteValidity),
	}

	b.quotesMu.Lock()
	b.purgeExpiredLocked()
	b.quotes[quote.ID] = quote
	b.quotesMu.Unlock()

	return quote, nil
}

// ExecuteConversion consumes a quote and opens a PENDING transaction.
// The quote is removed before the transaction is created: a second execute
// with the same ID fails with ErrQuoteNotFound, preventing replay.
// The fiat leg is handed to a processor adapter; the monitor polls it
// until the external payment settles.
func (b *Bridge) ExecuteConversion(ctx context.Context, quoteID, userID string) (*transaction.Transaction, error) {
	b.quotesMu.Lock()
	quote, ok := b.quotes[quoteID]
	if ok {
		delete(b.quotes, quoteID)
	}
	b.quotesMu.Unlock()

	if !ok {
		return nil, ErrQuoteNotFound
	}
	if quote.Expired() {
		return nil, ErrQuoteExpired
	}

	txn, err := b.tracker.Create(ctx, transaction.CreateParams{
		UserID:   userID,
		Amount:   quote.FromAmount,
		Currency: quote.From,
		Type:     conversionType(quote.From, quote.To),
		Metadata: map[string]string{
			"quote_id":    quote.ID,
			"to_currency": quote.To,
			"to_amount":   quote.ToAmount.String(),
			"rate":        quote.Rate.String(),
			"fee":         quote.Fee.String(),
		},
	})
	if err != nil {
		return nil, err
	}

	legCurrency, legAmount := fiatLeg(quote)
	adapter, err := b.registry.SelectBest(ctx, legCurrency, legAmount, "")
	if err != nil {
		if _, markErr := b.tracker.UpdateStatus(ctx, txn.ID, transaction.StatusFailed, err.Error(), nil); markErr != nil {
			b.logger.Error("failed to mark conversion failed after selection error",
				"txnId", txn.ID, "error", markErr)
		}
		return nil, fmt.Errorf("no processor for %s leg: %w", legCurrency, err)
	}

	result, err := adapter.Initiate(ctx, processor.InitiateRequest{
		TransactionID: txn.ID,
		UserID:        userID,
		Amount:        legAmount,
		Currency:      legCurrency,
		Description:   fmt.Sprintf("conversion %s to %s", quote.From, quote.To),
	})
	if err != nil {
		// Keep the row: the failed attempt is part of the audit trail.
		if _, markErr := b.tracker.UpdateStatus(ctx, txn.ID, transaction.StatusFailed, err.Error(), nil); markErr != nil {
			b.logger.Error("failed to mark conversion failed after initiate error",
				"txnId", txn.ID, "error", markErr)
		}
		return nil, fmt.Errorf("initiate via %s: %w", adapter.Name(), err)
	}

	txn, err = b.tracker.AttachProcessorTx(ctx, txn.ID, adapter.Name(), result.ExternalID)
	if err != nil {
		return nil, err
	}
	if result.Status != processor.ExternalPending {
		txn, err = b.applyExternalStatus(ctx, txn, result.Status, "processor initial status")
		if err != nil {
			return nil, err
		}
	}

	b.logger.Info("conversion accepted",
		"txnId", txn.ID, "from", quote.From, "to", quote.To,
		"amount", quote.FromAmount, "processor", adapter.Name())
	return txn, nil
}

// fiatLeg picks the side of a conversion that the fiat rail settles.
// For crypto-to-fiat that is the payout side; everything else settles
// the source side.
func fiatLeg(q *Quote) (string, decimal.Decimal) {
	if cryptoCurrencies[q.From] && !cryptoCurrencies[q.To] {
		return q.To, q.ToAmount
	}
	return q.From, q.FromAmount
}

// PaymentRequest carries the inputs for a fiat payment.
type PaymentRequest struct {
	UserID             string
	Amount             decimal.Decimal
	Currency           string
	SourceID           string
	DestinationID      string
	Description        string
	PreferredProcessor string
}

// InitiateFiatPayment selects a processor, opens a PENDING transaction, and
// calls the adapter. A failed adapter call marks the transaction FAILED with
// the adapter error as reason; the row is kept as an audit record.
func (b *Bridge) InitiateFiatPayment(ctx context.Context, req PaymentRequest) (*transaction.Transaction, error) {
	if err := b.checkBounds(req.Amount); err != nil {
		return nil, err
	}

	adapter, err := b.registry.SelectBest(ctx, req.Currency, req.Amount, req.PreferredProcessor)
	if err != nil {
		return nil, err
	}

	txn, err := b.tracker.Create(ctx, transaction.CreateParams{
		UserID:        req.UserID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Type:          transaction.TypeFiatPayment,
		SourceID:      req.SourceID,
		DestinationID: req.DestinationID,
		Processor:     adapter.Name(),
	})
	if err != nil {
		return nil, err
	}

	result, err := adapter.Initiate(ctx, processor.InitiateRequest{
		TransactionID: txn.ID,
		UserID:        req.UserID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		SourceID:      req.SourceID,
		DestinationID: req.DestinationID,
		Description:   req.Description,
	})
	if err != nil {
		// Keep the row: the failed attempt is part of the audit trail.
		if _, markErr := b.tracker.UpdateStatus(ctx, txn.ID, transaction.StatusFailed, err.Error(), nil); markErr != nil {
			b.logger.Error("failed to mark transaction failed after initiate error",
				"txnId", txn.ID, "error", markErr)
		}
		return nil, fmt.Errorf("initiate via %s: %w", adapter.Name(), err)
	}

	txn, err = b.tracker.AttachProcessorTx(ctx, txn.ID, adapter.Name(), result.ExternalID)
	if err != nil {
		return nil, err
	}

	if result.Status != processor.ExternalPending {
		txn, err = b.applyExternalStatus(ctx, txn, result.Status, "processor initial status")
		if err != nil {
			return nil, err
		}
	}
	return txn, nil
}

// CheckFiatPaymentStatus polls the adapter and repairs drift between the
// external status and the tracker's record. Calling it twice with no
// external change writes nothing: idempotent by design.
func (b *Bridge) CheckFiatPaymentStatus(ctx context.Context, processorName, externalID string) (transaction.Status, error) {
	adapter, err := b.registry.Get(processorName)
	if err != nil {
		return "", err
	}

	external, err := adapter.CheckStatus(ctx, externalID)
	if err != nil {
		return "", fmt.Errorf("check status via %s: %w", processorName, err)
	}

	txn, err := b.tracker.GetByProcessorID(ctx, processorName, externalID)
	if err != nil {
		return "", err
	}

	mapped := MapExternalStatus(external)
	if mapped == txn.Status {
		b.logger.Debug("status checked, no change", "txnId", txn.ID, "status", txn.Status)
		return txn.Status, nil
	}

	updated, err := b.tracker.UpdateStatus(ctx, txn.ID, mapped,
		fmt.Sprintf("processor reported %s", external), nil)
	if err != nil {
		return "", err
	}
	return updated.Status, nil
}

// CancelFiatPayment cancels a pending payment at the processor and marks the
// transaction CANCELLED. Fails if the adapter does not support cancellation.
func (b *Bridge) CancelFiatPayment(ctx context.Context, txnID string) (*transaction.Transaction, error) {
	txn, err := b.tracker.Get(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.Status != transaction.StatusPending && txn.Status != transaction.StatusProcessing {
		return nil, ErrNotCancellable
	}

	adapter, err := b.registry.Get(txn.Processor)
	if err != nil {
		return nil, err
	}
	canceler, ok := adapter.(processor.Canceler)
	if !ok {
		return nil, processor.ErrCancelNotSupported
	}

	if err := canceler.Cancel(ctx, txn.ProcessorTxID); err != nil {
		return nil, fmt.Errorf("cancel via %s: %w", txn.Processor, err)
	}

	return b.tracker.UpdateStatus(ctx, txnID, transaction.StatusCancelled, "cancelled by user", nil)
}

func (b *Bridge) applyExternalStatus(ctx context.Context, txn *transaction.Transaction, external processor.ExternalStatus, reason string) (*transaction.Transaction, error) {
	mapped := MapExternalStatus(external)
	if mapped == txn.Status {
		return txn, nil
	}
	return b.tracker.UpdateStatus(ctx, txn.ID, mapped, reason, nil)
}

func (b *Bridge) checkBounds(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrAmountBelowMinimum
	}
	if !b.cfg.MinAmount.IsZero() && amount.LessThan(b.cfg.MinAmount) {
		return ErrAmountBelowMinimum
	}
	if !b.cfg.MaxAmount.IsZero() && amount.GreaterThan(b.cfg.MaxAmount) {
		return ErrAmountAboveMaximum
	}
	return nil
}

// purgeExpiredLocked drops expired quotes. Caller holds quotesMu.
func (b *Bridge) purgeExpiredLocked() {
	now := time.Now()
	for id, q := range b.quotes {
		if now.After(q.ExpiresAt) {
			delete(b.quotes, id)
		}
	}
}

// MapExternalStatus folds a processor status onto the transaction state machine.
func MapExternalStatus(s processor.ExternalStatus) transaction.Status {
	switch s {
	case processor.ExternalCompleted:
		return transaction.StatusCompleted
	case processor.ExternalFailed:
		return transaction.StatusFailed
	case processor.ExternalCancelled:
		return transaction.StatusCancelled
	case processor.ExternalProcessing:
		return transaction.StatusProcessing
	default:
		return transaction.StatusPending
	}
}

var cryptoCurrencies = map[string]bool{
	"USDC": true, "USDT": true, "ETH": true, "BTC": true, "SOL": true,
}

func conversionType(from, to string) transaction.Type {
	fromCrypto, toCrypto := cryptoCurrencies[from], cryptoCurrencies[to]
	switch {
	case !fromCrypto && toCrypto:
		return transaction.TypeFiatToCrypto
	case fromCrypto && !toCrypto:
		return transaction.TypeCryptoToFiat
	default:
		return transaction.TypeFiatTransfer
	}
}
