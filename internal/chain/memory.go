package chain

import (
	"context"
	"sync"
)

// MemoryReader is an in-memory confirmation source for development and
// tests. Confirmations are injected with Confirm.
type MemoryReader struct {
	mu            sync.Mutex
	confirmations map[string][]Confirmation
	calls         map[string]int
}

// NewMemoryReader creates an empty reader.
func NewMemoryReader() *MemoryReader {
	return &MemoryReader{
		confirmations: make(map[string][]Confirmation),
		calls:         make(map[string]int),
	}
}

// Confirm injects a confirmation for a reference.
func (m *MemoryReader) Confirm(reference string, c Confirmation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmations[reference] = append(m.confirmations[reference], c)
}

func (m *MemoryReader) ConfirmationsForReference(_ context.Context, reference string) ([]Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[reference]++
	return m.confirmations[reference], nil
}

// Calls reports how many times a reference has been polled.
func (m *MemoryReader) Calls(reference string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[reference]
}
