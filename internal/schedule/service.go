package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/settld/settld/internal/idgen"
)

// Service manages the scheduled payment catalog. Execution is the
// Runner's job.
type Service struct {
	store  Store
	logger *slog.Logger
	newID  func(prefix string) string
	now    func() time.Time
}

// NewService creates a schedule service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		newID:  idgen.WithPrefix,
		now:    time.Now,
	}
}

// CreateParams are the inputs for a new scheduled payment.
type CreateParams struct {
	UserID        string
	Amount        decimal.Decimal
	Currency      string
	SourceID      string
	DestinationID string
	Description   string
	Frequency     Frequency
	StartDate     time.Time
	MaxExecutions int
}

// Create registers a standing order. The first execution happens at
// StartDate; a zero StartDate means the next runner tick.
func (s *Service) Create(ctx context.Context, p CreateParams) (*ScheduledPayment, error) {
	if !p.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, p.Amount)
	}
	if !p.Frequency.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrequency, p.Frequency)
	}
	now := s.now()
	start := p.StartDate
	if start.IsZero() {
		start = now
	}
	if start.Before(now.Add(-time.Minute)) {
		return nil, ErrStartDatePast
	}

	sp := &ScheduledPayment{
		ID:            s.newID("sch_"),
		UserID:        p.UserID,
		Amount:        p.Amount,
		Currency:      p.Currency,
		SourceID:      p.SourceID,
		DestinationID: p.DestinationID,
		Description:   p.Description,
		Frequency:     p.Frequency,
		Status:        StatusActive,
		NextExecution: start,
		MaxExecutions: p.MaxExecutions,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, sp); err != nil {
		return nil, fmt.Errorf("creating scheduled payment: %w", err)
	}
	s.logger.Info("scheduled payment created",
		"schedule_id", sp.ID,
		"user_id", sp.UserID,
		"frequency", sp.Frequency,
		"next_execution", sp.NextExecution)
	return sp.Clone(), nil
}

// Get returns a scheduled payment by ID.
func (s *Service) Get(ctx context.Context, id string) (*ScheduledPayment, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns a user's scheduled payments.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*ScheduledPayment, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

// Cancel marks an active schedule completed so it never runs again.
func (s *Service) Cancel(ctx context.Context, id string) error {
	sp, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sp.Status != StatusActive {
		return ErrScheduleNotActive
	}
	sp.Status = StatusCompleted
	sp.UpdatedAt = s.now()
	if err := s.store.Update(ctx, sp); err != nil {
		return fmt.Errorf("canceling scheduled payment: %w", err)
	}
	s.logger.Info("scheduled payment canceled", "schedule_id", id)
	return nil
}
