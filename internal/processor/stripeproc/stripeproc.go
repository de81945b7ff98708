// Package stripeproc adapts Stripe PaymentIntents to the processor
// capability surface.
package stripeproc

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/settld/settld/internal/processor"
)

// Standard card pricing. Stripe has no quote endpoint; the fee is computed
// from the published rate.
var (
	feePercent = decimal.RequireFromString("0.029")
	feeFixed   = decimal.RequireFromString("0.30")
)

var supportedCurrencies = []string{"USD", "EUR", "GBP"}

// Adapter executes fiat payments through Stripe.
type Adapter struct {
	api *client.API
}

// New creates a Stripe adapter with the given secret key.
func New(apiKey string) *Adapter {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &Adapter{api: api}
}

// NewWithClient creates an adapter around an existing API client.
// Tests inject a client with a stubbed backend.
func NewWithClient(api *client.API) *Adapter {
	return &Adapter{api: api}
}

func (a *Adapter) Name() string { return "stripe" }

func (a *Adapter) SupportedCurrencies() []string {
	return supportedCurrencies
}

func (a *Adapter) SupportsCurrency(currency string) bool {
	return processor.SupportsCurrency(supportedCurrencies, currency)
}

// Initiate creates a PaymentIntent. The transaction ID doubles as the
// idempotency key so a retried initiate cannot double-charge.
func (a *Adapter) Initiate(ctx context.Context, req processor.InitiateRequest) (*processor.InitiateResult, error) {
	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Amount:      stripe.Int64(toMinorUnits(req.Amount)),
		Currency:    stripe.String(req.Currency),
		Description: stripe.String(req.Description),
		Metadata: map[string]string{
			"transaction_id": req.TransactionID,
			"user_id":        req.UserID,
		},
	}
	params.SetIdempotencyKey(req.TransactionID)

	intent, err := a.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe payment intent: %w", err)
	}

	fee, _ := a.QuoteFee(ctx, req.Amount, req.Currency)
	return &processor.InitiateResult{
		ExternalID: intent.ID,
		Status:     mapStatus(intent.Status),
		Fee:        fee,
	}, nil
}

func (a *Adapter) CheckStatus(ctx context.Context, externalID string) (processor.ExternalStatus, error) {
	params := &stripe.PaymentIntentParams{Params: stripe.Params{Context: ctx}}
	intent, err := a.api.PaymentIntents.Get(externalID, params)
	if err != nil {
		return "", fmt.Errorf("stripe payment intent status: %w", err)
	}
	return mapStatus(intent.Status), nil
}

// Cancel aborts a PaymentIntent that has not yet succeeded.
func (a *Adapter) Cancel(ctx context.Context, externalID string) error {
	params := &stripe.PaymentIntentCancelParams{Params: stripe.Params{Context: ctx}}
	if _, err := a.api.PaymentIntents.Cancel(externalID, params); err != nil {
		return fmt.Errorf("stripe cancel: %w", err)
	}
	return nil
}

func (a *Adapter) QuoteFee(_ context.Context, amount decimal.Decimal, _ string) (decimal.Decimal, error) {
	return amount.Mul(feePercent).Add(feeFixed).Round(2), nil
}

// mapStatus folds Stripe's intent statuses onto the engine's vocabulary.
func mapStatus(s stripe.PaymentIntentStatus) processor.ExternalStatus {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return processor.ExternalCompleted
	case stripe.PaymentIntentStatusCanceled:
		return processor.ExternalCancelled
	case stripe.PaymentIntentStatusProcessing:
		return processor.ExternalProcessing
	case stripe.PaymentIntentStatusRequiresPaymentMethod,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresCapture:
		return processor.ExternalPending
	default:
		return processor.ExternalPending
	}
}

// toMinorUnits converts a decimal amount to cents.
// Supported currencies all use two minor-unit digits.
func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
