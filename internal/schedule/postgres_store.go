package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PostgresStore persists scheduled payments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed schedule store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const scheduleColumns = `id, user_id, amount, currency, source_id, destination_id, description,
	       frequency, status, next_execution, last_execution, execution_count,
	       max_executions, failure_count, last_failure, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, s *ScheduledPayment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO scheduled_payments (
			id, user_id, amount, currency, source_id, destination_id, description,
			frequency, status, next_execution, last_execution, execution_count,
			max_executions, failure_count, last_failure, created_at, updated_at
		) VALUES (
			$1, $2, $3::NUMERIC(24,8), $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17
		)`,
		s.ID, s.UserID, s.Amount.String(), s.Currency, schedNullString(s.SourceID), schedNullString(s.DestinationID), schedNullString(s.Description),
		string(s.Frequency), string(s.Status), s.NextExecution, s.LastExecution, s.ExecutionCount,
		s.MaxExecutions, s.FailureCount, schedNullString(s.LastFailure), s.CreatedAt, s.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*ScheduledPayment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM scheduled_payments WHERE id = $1`, id)

	s, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, ErrScheduleNotFound
	}
	return s, err
}

func (p *PostgresStore) Update(ctx context.Context, s *ScheduledPayment) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE scheduled_payments SET
			status = $1, next_execution = $2, last_execution = $3, execution_count = $4,
			failure_count = $5, last_failure = $6, updated_at = $7
		WHERE id = $8`,
		string(s.Status), s.NextExecution, s.LastExecution, s.ExecutionCount,
		s.FailureCount, schedNullString(s.LastFailure), s.UpdatedAt, s.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*ScheduledPayment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM scheduled_payments
		WHERE status = $1 AND next_execution <= $2
		ORDER BY next_execution
		LIMIT $3`,
		string(StatusActive), now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSchedules(rows)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*ScheduledPayment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM scheduled_payments
		WHERE user_id = $1
		ORDER BY next_execution
		LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSchedules(rows)
}

type schedScannable interface {
	Scan(dest ...any) error
}

func scanSchedule(row schedScannable) (*ScheduledPayment, error) {
	var (
		s             ScheduledPayment
		amountStr     string
		frequencyStr  string
		statusStr     string
		sourceID      sql.NullString
		destinationID sql.NullString
		description   sql.NullString
		lastExecution sql.NullTime
		lastFailure   sql.NullString
	)

	err := row.Scan(
		&s.ID, &s.UserID, &amountStr, &s.Currency, &sourceID, &destinationID, &description,
		&frequencyStr, &statusStr, &s.NextExecution, &lastExecution, &s.ExecutionCount,
		&s.MaxExecutions, &s.FailureCount, &lastFailure, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	s.Frequency = Frequency(frequencyStr)
	s.Status = Status(statusStr)
	s.SourceID = sourceID.String
	s.DestinationID = destinationID.String
	s.Description = description.String
	s.LastFailure = lastFailure.String
	if lastExecution.Valid {
		at := lastExecution.Time
		s.LastExecution = &at
	}

	return &s, nil
}

func scanSchedules(rows *sql.Rows) ([]*ScheduledPayment, error) {
	var result []*ScheduledPayment
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func schedNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
