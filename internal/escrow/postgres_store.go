package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists escrows in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, listing_id, buyer_id, seller_id, amount, currency, status,
	       escrow_address, release_time, dispute_window_seconds, signature,
	       funded_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, listing_id, buyer_id, seller_id, amount, currency, status,
			escrow_address, release_time, dispute_window_seconds, signature,
			funded_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC(24,8), $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14
		)`,
		e.ID, e.ListingID, e.BuyerID, e.SellerID, e.Amount.String(), e.Currency, string(e.Status),
		e.EscrowAddress, e.ReleaseTime, int64(e.DisputeWindow/time.Second), escrowNullString(e.Signature),
		e.FundedAt, e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, signature = $2, funded_at = $3, updated_at = $4
		WHERE id = $5`,
		string(e.Status), escrowNullString(e.Signature), e.FundedAt, e.UpdatedAt, e.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = $1 AND release_time < $2
		ORDER BY release_time
		LIMIT $3`,
		string(StatusCreated), before, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListByParty(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at
		LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func scanEscrow(row escrowScannable) (*Escrow, error) {
	var (
		e           Escrow
		amountStr   string
		statusStr   string
		windowSecs  int64
		signature   sql.NullString
		fundedAt    sql.NullTime
	)

	err := row.Scan(
		&e.ID, &e.ListingID, &e.BuyerID, &e.SellerID, &amountStr, &e.Currency, &statusStr,
		&e.EscrowAddress, &e.ReleaseTime, &windowSecs, &signature,
		&fundedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	e.Status = Status(statusStr)
	e.DisputeWindow = time.Duration(windowSecs) * time.Second
	e.Signature = signature.String
	if fundedAt.Valid {
		at := fundedAt.Time
		e.FundedAt = &at
	}

	return &e, nil
}

type escrowScannable interface {
	Scan(dest ...any) error
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func escrowNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// PostgresDisputeStore persists disputes in PostgreSQL.
type PostgresDisputeStore struct {
	db *sql.DB
}

// NewPostgresDisputeStore creates a new PostgreSQL-backed dispute store.
func NewPostgresDisputeStore(db *sql.DB) *PostgresDisputeStore {
	return &PostgresDisputeStore{db: db}
}

const disputeColumns = `id, escrow_id, initiator_id, respondent_id, reason, status,
	       resolution, notes, created_at, resolved_at`

func (p *PostgresDisputeStore) Create(ctx context.Context, d *Dispute) error {
	// escrow_id carries a UNIQUE constraint: one dispute per escrow.
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, escrow_id, initiator_id, respondent_id, reason, status,
			resolution, notes, created_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.EscrowID, d.InitiatorID, escrowNullString(d.RespondentID), d.Reason, string(d.Status),
		escrowNullString(string(d.Resolution)), escrowNullString(d.Notes), d.CreatedAt, d.ResolvedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDisputeExists
		}
		return err
	}
	return nil
}

func (p *PostgresDisputeStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)

	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresDisputeStore) GetByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE escrow_id = $1`, escrowID)

	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresDisputeStore) Update(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, resolution = $2, notes = $3, resolved_at = $4
		WHERE id = $5`,
		string(d.Status), escrowNullString(string(d.Resolution)), escrowNullString(d.Notes), d.ResolvedAt, d.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresDisputeStore) ListByStatus(ctx context.Context, status DisputeStatus, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func scanDispute(row escrowScannable) (*Dispute, error) {
	var (
		d          Dispute
		statusStr  string
		respondent sql.NullString
		resolution sql.NullString
		notes      sql.NullString
		resolvedAt sql.NullTime
	)

	err := row.Scan(
		&d.ID, &d.EscrowID, &d.InitiatorID, &respondent, &d.Reason, &statusStr,
		&resolution, &notes, &d.CreatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = DisputeStatus(statusStr)
	d.RespondentID = respondent.String
	d.Resolution = Resolution(resolution.String)
	d.Notes = notes.String
	if resolvedAt.Valid {
		at := resolvedAt.Time
		d.ResolvedAt = &at
	}

	return &d, nil
}
