package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

const (
	pendingIndex = "uq_payment_transactions_pending"
	refundIndex  = "uq_payment_transactions_refund"
	releaseIndex = "uq_payment_transactions_release"
)

// PostgresStore persists entries in payment_transactions. The partial unique
// index on PENDING rows enforces at most one in-flight charge per escrow and
// type across processes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `id, escrow_account_id, user_id, transaction_type, amount, fee_amount,
		payment_method, phone_number, provider_transaction_id, provider_reference,
		related_transaction_id, description, status, failure_reason,
		created_at, completed_at, failed_at`

func (p *PostgresStore) insert(ctx context.Context, tx *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		tx.ID, tx.EscrowAccountID, tx.UserID, string(tx.Type), tx.Amount, tx.FeeAmount,
		tx.PaymentMethod, nullString(tx.PhoneNumber), nullString(tx.ProviderTransactionID),
		nullString(tx.ProviderReference), nullString(tx.RelatedTransactionID),
		nullString(tx.Description), string(tx.Status), nullString(tx.FailureReason),
		tx.CreatedAt, nullTime(tx.CompletedAt), nullTime(tx.FailedAt),
	)
	return err
}

func (p *PostgresStore) CreatePending(ctx context.Context, tx *Transaction) error {
	err := p.insert(ctx, tx)
	if uniqueViolation(err, pendingIndex) {
		dup := &DuplicatePaymentError{EscrowID: tx.EscrowAccountID, Type: tx.Type}
		_ = p.db.QueryRowContext(ctx, `
			SELECT id FROM payment_transactions
			WHERE escrow_account_id = $1 AND transaction_type = $2 AND status = 'PENDING'`,
			tx.EscrowAccountID, string(tx.Type),
		).Scan(&dup.ExistingID)
		return dup
	}
	return err
}

func (p *PostgresStore) Append(ctx context.Context, tx *Transaction) error {
	err := p.insert(ctx, tx)
	switch {
	case uniqueViolation(err, refundIndex):
		return ErrAlreadyRefunded
	case uniqueViolation(err, releaseIndex):
		return ErrAlreadyReleased
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM payment_transactions WHERE id = $1`, id)
	tx, err := scanTx(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresStore) AttachProvider(ctx context.Context, id, providerTxID, reference string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_transactions
		SET provider_transaction_id = $2, provider_reference = $3
		WHERE id = $1 AND status = 'PENDING'`,
		id, nullString(providerTxID), nullString(reference),
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		if err := p.ensureExists(ctx, id); err != nil {
			return err
		}
		return ErrNotPending
	}
	return nil
}

func (p *PostgresStore) Complete(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_transactions
		SET status = 'COMPLETED', completed_at = $2
		WHERE id = $1 AND status = 'PENDING'`,
		id, at,
	)
	return p.casResult(ctx, id, result, err)
}

func (p *PostgresStore) Fail(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_transactions
		SET status = 'FAILED', failure_reason = $2, failed_at = $3
		WHERE id = $1 AND status = 'PENDING'`,
		id, nullString(reason), at,
	)
	return p.casResult(ctx, id, result, err)
}

func (p *PostgresStore) casResult(ctx context.Context, id string, result sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	return false, p.ensureExists(ctx, id)
}

func (p *PostgresStore) ensureExists(ctx context.Context, id string) error {
	var one int
	err := p.db.QueryRowContext(ctx, `SELECT 1 FROM payment_transactions WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTransactionNotFound
	}
	return err
}

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM payment_transactions
		WHERE escrow_account_id = $1
		ORDER BY created_at ASC, id ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTxs(rows)
}

func (p *PostgresStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM payment_transactions
		WHERE status = 'PENDING'
		  AND transaction_type IN ('DEPOSIT', 'BALANCE')
		  AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTxs(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTx(s scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		txType, status                   string
		phone, providerTxID, providerRef sql.NullString
		related, description, failureRsn sql.NullString
		completedAt, failedAt            sql.NullTime
	)
	err := s.Scan(
		&tx.ID, &tx.EscrowAccountID, &tx.UserID, &txType, &tx.Amount, &tx.FeeAmount,
		&tx.PaymentMethod, &phone, &providerTxID, &providerRef,
		&related, &description, &status, &failureRsn,
		&tx.CreatedAt, &completedAt, &failedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Type = Type(txType)
	tx.Status = Status(status)
	tx.PhoneNumber = phone.String
	tx.ProviderTransactionID = providerTxID.String
	tx.ProviderReference = providerRef.String
	tx.RelatedTransactionID = related.String
	tx.Description = description.String
	tx.FailureReason = failureRsn.String
	if completedAt.Valid {
		tx.CompletedAt = &completedAt.Time
	}
	if failedAt.Valid {
		tx.FailedAt = &failedAt.Time
	}
	return tx, nil
}

func scanTxs(rows *sql.Rows) ([]*Transaction, error) {
	var out []*Transaction
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// uniqueViolation reports whether err is a 23505 on the named constraint.
func uniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == constraint
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
