package schedule

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory schedule store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	schedules map[string]*ScheduledPayment
}

// NewMemoryStore creates an empty in-memory schedule store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{schedules: make(map[string]*ScheduledPayment)}
}

func (m *MemoryStore) Create(_ context.Context, s *ScheduledPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*ScheduledPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, s *ScheduledPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		return ErrScheduleNotFound
	}
	m.schedules[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*ScheduledPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ScheduledPayment
	for _, s := range m.schedules {
		if s.Status == StatusActive && !s.NextExecution.After(now) {
			out = append(out, s.Clone())
		}
	}
	sortByNext(out)
	return cappedSchedules(out, limit), nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*ScheduledPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ScheduledPayment
	for _, s := range m.schedules {
		if s.UserID == userID {
			out = append(out, s.Clone())
		}
	}
	sortByNext(out)
	return cappedSchedules(out, limit), nil
}

func sortByNext(schedules []*ScheduledPayment) {
	sort.Slice(schedules, func(i, j int) bool {
		return schedules[i].NextExecution.Before(schedules[j].NextExecution)
	})
}

func cappedSchedules(schedules []*ScheduledPayment, limit int) []*ScheduledPayment {
	if limit > 0 && len(schedules) > limit {
		return schedules[:limit]
	}
	return schedules
}
