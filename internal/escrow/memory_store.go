package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[string]*Escrow
}

// NewMemoryStore creates an empty in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{escrows: make(map[string]*Escrow)}
}

func (s *MemoryStore) Create(_ context.Context, e *Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escrows[e.ID] = e.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, e *Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.escrows[e.ID]; !ok {
		return ErrEscrowNotFound
	}
	s.escrows[e.ID] = e.Clone()
	return nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Escrow
	for _, e := range s.escrows {
		if e.Status == status {
			out = append(out, e.Clone())
		}
	}
	sortByCreated(out)
	return capped(out, limit), nil
}

func (s *MemoryStore) ListExpired(_ context.Context, before time.Time, limit int) ([]*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Escrow
	for _, e := range s.escrows {
		if e.Status == StatusCreated && e.ReleaseTime.Before(before) {
			out = append(out, e.Clone())
		}
	}
	sortByCreated(out)
	return capped(out, limit), nil
}

func (s *MemoryStore) ListByParty(_ context.Context, userID string, limit int) ([]*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Escrow
	for _, e := range s.escrows {
		if e.BuyerID == userID || e.SellerID == userID {
			out = append(out, e.Clone())
		}
	}
	sortByCreated(out)
	return capped(out, limit), nil
}

func sortByCreated(escrows []*Escrow) {
	sort.Slice(escrows, func(i, j int) bool {
		return escrows[i].CreatedAt.Before(escrows[j].CreatedAt)
	})
}

func capped(escrows []*Escrow, limit int) []*Escrow {
	if limit > 0 && len(escrows) > limit {
		return escrows[:limit]
	}
	return escrows
}

// MemoryDisputeStore is an in-memory DisputeStore.
type MemoryDisputeStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
	byEscrow map[string]string
}

// NewMemoryDisputeStore creates an empty in-memory dispute store.
func NewMemoryDisputeStore() *MemoryDisputeStore {
	return &MemoryDisputeStore{
		disputes: make(map[string]*Dispute),
		byEscrow: make(map[string]string),
	}
}

func (s *MemoryDisputeStore) Create(_ context.Context, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEscrow[d.EscrowID]; ok {
		return ErrDisputeExists
	}
	s.disputes[d.ID] = d.Clone()
	s.byEscrow[d.EscrowID] = d.ID
	return nil
}

func (s *MemoryDisputeStore) Get(_ context.Context, id string) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return d.Clone(), nil
}

func (s *MemoryDisputeStore) GetByEscrow(_ context.Context, escrowID string) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEscrow[escrowID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return s.disputes[id].Clone(), nil
}

func (s *MemoryDisputeStore) Update(_ context.Context, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.disputes[d.ID]; !ok {
		return ErrDisputeNotFound
	}
	s.disputes[d.ID] = d.Clone()
	return nil
}

func (s *MemoryDisputeStore) ListByStatus(_ context.Context, status DisputeStatus, limit int) ([]*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Dispute
	for _, d := range s.disputes {
		if d.Status == status {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
