package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

var ErrUnsupportedPair = errors.New("unsupported conversion pair")

// RateSource answers exchange-rate lookups for a currency pair.
type RateSource interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// StaticRates is a mutex-guarded in-memory rate table. Production wires a
// market-data feed behind the same interface; development and tests use this.
type StaticRates struct {
	mu    sync.RWMutex
	rates map[string]decimal.Decimal // "FROM/TO" -> rate
}

// NewStaticRates creates an empty rate table.
func NewStaticRates() *StaticRates {
	return &StaticRates{rates: make(map[string]decimal.Decimal)}
}

// Set installs a rate for the pair and its inverse.
func (s *StaticRates) Set(from, to string, rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[from+"/"+to] = rate
	if !rate.IsZero() {
		s.rates[to+"/"+from] = decimal.NewFromInt(1).DivRound(rate, 12)
	}
}

func (s *StaticRates) Rate(_ context.Context, from, to string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rate, ok := s.rates[from+"/"+to]
	if !ok {
		return decimal.Zero, ErrUnsupportedPair
	}
	return rate, nil
}
