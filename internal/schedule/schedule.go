// Package schedule executes recurring payments on a fixed cadence.
package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrScheduleNotFound  = errors.New("scheduled payment not found")
	ErrUnknownFrequency  = errors.New("unknown schedule frequency")
	ErrInvalidAmount     = errors.New("invalid scheduled amount")
	ErrStartDatePast     = errors.New("start date must not be in the past")
	ErrScheduleNotActive = errors.New("scheduled payment is not active")
)

// Frequency determines how a schedule's next execution date advances.
type Frequency string

const (
	FrequencyOnce      Frequency = "once"
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyBiweekly  Frequency = "biweekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyYearly    Frequency = "yearly"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyOnce, FrequencyDaily, FrequencyWeekly, FrequencyBiweekly,
		FrequencyMonthly, FrequencyQuarterly, FrequencyYearly:
		return true
	}
	return false
}

// Next returns the execution date following from. Calendar-based
// frequencies use calendar arithmetic: one month after Jan 31 is Mar 3
// (normalized), not Feb 28 plus some fixed number of hours.
func (f Frequency) Next(from time.Time) time.Time {
	switch f {
	case FrequencyDaily:
		return from.AddDate(0, 0, 1)
	case FrequencyWeekly:
		return from.AddDate(0, 0, 7)
	case FrequencyBiweekly:
		return from.AddDate(0, 0, 14)
	case FrequencyMonthly:
		return from.AddDate(0, 1, 0)
	case FrequencyQuarterly:
		return from.AddDate(0, 3, 0)
	case FrequencyYearly:
		return from.AddDate(1, 0, 0)
	default: // once
		return from
	}
}

// Status represents the state of a scheduled payment.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ScheduledPayment is a standing order for a recurring payment.
type ScheduledPayment struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	SourceID      string          `json:"sourceId,omitempty"`
	DestinationID string          `json:"destinationId,omitempty"`
	Description   string          `json:"description,omitempty"`
	Frequency     Frequency       `json:"frequency"`
	Status        Status          `json:"status"`

	NextExecution  time.Time  `json:"nextExecution"`
	LastExecution  *time.Time `json:"lastExecution,omitempty"`
	ExecutionCount int        `json:"executionCount"`
	// MaxExecutions caps total runs; 0 means unlimited.
	MaxExecutions int `json:"maxExecutions,omitempty"`
	FailureCount  int `json:"failureCount"`
	// LastFailure keeps the most recent execution error for audit.
	LastFailure string `json:"lastFailure,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a copy safe to hand to callers.
func (s *ScheduledPayment) Clone() *ScheduledPayment {
	cp := *s
	if s.LastExecution != nil {
		at := *s.LastExecution
		cp.LastExecution = &at
	}
	return &cp
}

// Store persists scheduled payments.
type Store interface {
	Create(ctx context.Context, s *ScheduledPayment) error
	Get(ctx context.Context, id string) (*ScheduledPayment, error)
	Update(ctx context.Context, s *ScheduledPayment) error
	// ListDue returns active schedules whose next execution date is at or
	// before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*ScheduledPayment, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*ScheduledPayment, error)
}
