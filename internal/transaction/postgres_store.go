package transaction

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txnColumns = `id, user_id, amount, currency, type, status, history,
	       source_id, destination_id, processor, processor_tx_id,
	       metadata, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	historyJSON, err := json.Marshal(t.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	metadataJSON, err := marshalMetadata(t.Metadata)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, user_id, amount, currency, type, status, history,
			source_id, destination_id, processor, processor_tx_id,
			metadata, created_at, updated_at
		) VALUES (
			$1, $2, $3::NUMERIC(24,8), $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14
		)`,
		t.ID, t.UserID, t.Amount.String(), t.Currency, string(t.Type), string(t.Status), historyJSON,
		nullString(t.SourceID), nullString(t.DestinationID), nullString(t.Processor), nullString(t.ProcessorTxID),
		metadataJSON, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (p *PostgresStore) Update(ctx context.Context, t *Transaction) error {
	historyJSON, err := json.Marshal(t.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	metadataJSON, err := marshalMetadata(t.Metadata)
	if err != nil {
		return err
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			status = $1, history = $2, processor = $3, processor_tx_id = $4,
			metadata = $5, updated_at = $6
		WHERE id = $7`,
		string(t.Status), historyJSON, nullString(t.Processor), nullString(t.ProcessorTxID),
		metadataJSON, t.UpdatedAt, t.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM transactions
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListStale(ctx context.Context, statuses []Status, before time.Time, limit int) ([]*Transaction, error) {
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+2)
	for i, s := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args = append(args, string(s))
	}
	args = append(args, before, limit)

	query := fmt.Sprintf(`
		SELECT `+txnColumns+`
		FROM transactions
		WHERE status IN (%s) AND updated_at < $%d
		ORDER BY updated_at
		LIMIT $%d`,
		strings.Join(placeholders, ", "), len(statuses)+1, len(statuses)+2,
	)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) GetByProcessorID(ctx context.Context, processor, externalID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txnColumns+`
		FROM transactions
		WHERE processor = $1 AND processor_tx_id = $2`,
		processor, externalID,
	)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTransaction(row scannable) (*Transaction, error) {
	var (
		t            Transaction
		amountStr    string
		typeStr      string
		statusStr    string
		historyJSON  []byte
		metadataJSON []byte
		sourceID     sql.NullString
		destID       sql.NullString
		processor    sql.NullString
		processorTx  sql.NullString
	)

	err := row.Scan(
		&t.ID, &t.UserID, &amountStr, &t.Currency, &typeStr, &statusStr, &historyJSON,
		&sourceID, &destID, &processor, &processorTx,
		&metadataJSON, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	t.Type = Type(typeStr)
	t.Status = Status(statusStr)
	if err := json.Unmarshal(historyJSON, &t.History); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &t.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	t.SourceID = sourceID.String
	t.DestinationID = destID.String
	t.Processor = processor.String
	t.ProcessorTxID = processorTx.String

	return &t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
