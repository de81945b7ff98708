// Package simproc provides a deterministic in-memory processor used in
// development mode and in tests. Payments settle after a configurable
// number of status checks, mimicking an eventually consistent backend.
package simproc

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/settld/settld/internal/idgen"
	"github.com/settld/settld/internal/processor"
)

var ErrUnknownPayment = errors.New("simproc: unknown payment")

type payment struct {
	status processor.ExternalStatus
	checks int
}

// Adapter is a simulated settlement backend.
type Adapter struct {
	name        string
	currencies  []string
	feePercent  decimal.Decimal
	settleAfter int // status checks before a payment completes; 0 = instant
	failAll     bool

	mu       sync.Mutex
	payments map[string]*payment
}

// Option configures the adapter.
type Option func(*Adapter)

// WithSettleAfter makes payments stay pending for n status checks.
func WithSettleAfter(n int) Option {
	return func(a *Adapter) { a.settleAfter = n }
}

// WithFailAll makes every initiate call fail. Used to exercise error paths.
func WithFailAll() Option {
	return func(a *Adapter) { a.failAll = true }
}

// WithFeePercent overrides the default 1% fee.
func WithFeePercent(p decimal.Decimal) Option {
	return func(a *Adapter) { a.feePercent = p }
}

// New creates a simulated processor.
func New(name string, currencies []string, opts ...Option) *Adapter {
	a := &Adapter{
		name:       name,
		currencies: currencies,
		feePercent: decimal.RequireFromString("0.01"),
		payments:   make(map[string]*payment),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string                  { return a.name }
func (a *Adapter) SupportedCurrencies() []string { return a.currencies }

func (a *Adapter) SupportsCurrency(currency string) bool {
	return processor.SupportsCurrency(a.currencies, currency)
}

func (a *Adapter) Initiate(_ context.Context, req processor.InitiateRequest) (*processor.InitiateResult, error) {
	if a.failAll {
		return nil, errors.New("simproc: processor unavailable")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	externalID := idgen.WithPrefix("sim_")
	status := processor.ExternalPending
	if a.settleAfter == 0 {
		status = processor.ExternalCompleted
	}
	a.payments[externalID] = &payment{status: status}

	return &processor.InitiateResult{
		ExternalID: externalID,
		Status:     status,
		Fee:        req.Amount.Mul(a.feePercent).Round(2),
	}, nil
}

func (a *Adapter) CheckStatus(_ context.Context, externalID string) (processor.ExternalStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.payments[externalID]
	if !ok {
		return "", ErrUnknownPayment
	}
	if p.status == processor.ExternalPending {
		p.checks++
		if p.checks >= a.settleAfter {
			p.status = processor.ExternalCompleted
		}
	}
	return p.status, nil
}

// Cancel marks a pending payment cancelled.
func (a *Adapter) Cancel(_ context.Context, externalID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.payments[externalID]
	if !ok {
		return ErrUnknownPayment
	}
	if p.status.Terminal() {
		return errors.New("simproc: payment already settled")
	}
	p.status = processor.ExternalCancelled
	return nil
}

func (a *Adapter) QuoteFee(_ context.Context, amount decimal.Decimal, _ string) (decimal.Decimal, error) {
	return amount.Mul(a.feePercent).Round(2), nil
}

// SetStatus forces a payment's external status. Test hook.
func (a *Adapter) SetStatus(externalID string, status processor.ExternalStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.payments[externalID]; ok {
		p.status = status
	}
}
