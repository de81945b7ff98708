package transaction

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory transaction store for development and tests.
type MemoryStore struct {
	txns map[string]*Transaction
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txns: make(map[string]*Transaction)}
}

func (m *MemoryStore) Create(ctx context.Context, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txns[txn.ID] = txn.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.txns[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return txn.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txns[txn.ID]; !ok {
		return ErrTransactionNotFound
	}
	m.txns[txn.ID] = txn.Clone()
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, txn := range m.txns {
		if txn.Status == status {
			result = append(result, txn.Clone())
		}
	}
	sortByCreated(result)
	return capped(result, limit), nil
}

func (m *MemoryStore) ListStale(ctx context.Context, statuses []Status, before time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	match := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		match[s] = true
	}

	var result []*Transaction
	for _, txn := range m.txns {
		if match[txn.Status] && txn.UpdatedAt.Before(before) {
			result = append(result, txn.Clone())
		}
	}
	sortByCreated(result)
	return capped(result, limit), nil
}

func (m *MemoryStore) GetByProcessorID(ctx context.Context, processor, externalID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, txn := range m.txns {
		if txn.Processor == processor && txn.ProcessorTxID == externalID {
			return txn.Clone(), nil
		}
	}
	return nil, ErrTransactionNotFound
}

// Backdate rewinds a transaction's updated_at timestamp. Test hook for
// exercising staleness paths.
func (m *MemoryStore) Backdate(id string, to time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if txn, ok := m.txns[id]; ok {
		txn.UpdatedAt = to
	}
}

func sortByCreated(txns []*Transaction) {
	sort.Slice(txns, func(i, j int) bool {
		return txns[i].CreatedAt.Before(txns[j].CreatedAt)
	})
}

func capped(txns []*Transaction, limit int) []*Transaction {
	if limit > 0 && len(txns) > limit {
		return txns[:limit]
	}
	return txns
}
