package processor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/settld/settld/internal/metrics"
)

// Registry holds the available settlement backends. It is an injected
// instance, not a process-wide singleton, so tests construct isolated
// registries.
type Registry struct {
	mu           sync.RWMutex
	adapters     map[string]Adapter
	order        []string // registration order, used for deterministic fallback
	logger       *slog.Logger
	quoteTimeout time.Duration
}

// NewRegistry creates an empty processor registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		adapters:     make(map[string]Adapter),
		logger:       logger,
		quoteTimeout: 5 * time.Second,
	}
}

// SetQuoteTimeout bounds each fee quote call during selection.
func (r *Registry) SetQuoteTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.quoteTimeout = d
	}
}

// Register adds an adapter keyed by name. Re-registering the same name
// overwrites the previous adapter; this is logged, not an error.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := adapter.Name()
	if _, exists := r.adapters[name]; exists {
		r.logger.Warn("processor re-registered, overwriting", "processor", name)
	} else {
		r.order = append(r.order, name)
	}
	r.adapters[name] = adapter
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[name]
	if !ok {
		return nil, ErrProcessorNotFound
	}
	return adapter, nil
}

// Supporting returns all adapters whose supported-currency set contains
// currency, in registration order.
func (r *Registry) Supporting(currency string) ([]Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Adapter
	for _, name := range r.order {
		if a := r.adapters[name]; a.SupportsCurrency(currency) {
			result = append(result, a)
		}
	}
	if len(result) == 0 {
		return nil, ErrNoProcessorForCurrency
	}
	return result, nil
}

// SelectBest picks the cheapest adapter for (amount, currency).
//
// A caller-supplied preferred processor that supports the currency wins
// immediately. With exactly one supporting adapter, fee quoting is skipped.
// Otherwise adapters are quoted concurrently and the lowest fee wins; if
// every quote fails, the first supporting adapter is returned rather than
// failing the selection — a processor being up matters more than it being
// cheapest.
func (r *Registry) SelectBest(ctx context.Context, currency string, amount decimal.Decimal, preferred string) (Adapter, error) {
	if preferred != "" {
		if adapter, err := r.Get(preferred); err == nil && adapter.SupportsCurrency(currency) {
			return adapter, nil
		}
		r.logger.Debug("preferred processor unavailable for currency",
			"processor", preferred, "currency", currency)
	}

	supporting, err := r.Supporting(currency)
	if err != nil {
		return nil, err
	}
	if len(supporting) == 1 {
		return supporting[0], nil
	}

	r.mu.RLock()
	timeout := r.quoteTimeout
	r.mu.RUnlock()

	type quote struct {
		adapter Adapter
		fee     decimal.Decimal
		err     error
	}

	quotes := make([]quote, len(supporting))
	var wg sync.WaitGroup
	for i, adapter := range supporting {
		wg.Add(1)
		go func(i int, adapter Adapter) {
			defer wg.Done()
			qctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			fee, err := adapter.QuoteFee(qctx, amount, currency)
			quotes[i] = quote{adapter: adapter, fee: fee, err: err}
			result := "ok"
			if err != nil {
				result = "error"
			}
			metrics.ProcessorFeeQuotes.WithLabelValues(adapter.Name(), result).Inc()
		}(i, adapter)
	}
	wg.Wait()

	var best *quote
	for i := range quotes {
		q := &quotes[i]
		if q.err != nil {
			r.logger.Warn("fee quote failed", "processor", q.adapter.Name(), "error", q.err)
			continue
		}
		if best == nil || q.fee.LessThan(best.fee) {
			best = q
		}
	}
	if best == nil {
		// Graceful degradation: all quotes failed.
		r.logger.Warn("all fee quotes failed, falling back to first supporting processor",
			"processor", supporting[0].Name(), "currency", currency)
		return supporting[0], nil
	}
	return best.adapter, nil
}
