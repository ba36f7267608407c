package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/homesettle/internal/pagination"
)

// PostgresStore persists accounts in escrow_accounts. Update only succeeds
// when the stored version still matches, so writers in other processes are
// detected even though the in-process lock cannot see them.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const accountColumns = `id, property_id, seller_id, buyer_id, notary_id, currency,
		total_amount, deposit_amount, remaining_amount, escrow_fee_amount, notary_fee_amount,
		status, documents_verified, notary_approval, buyer_confirmation, cooling_period_end,
		deposit_deadline, full_payment_deadline, deposit_tx_id, balance_tx_id,
		cancellation_reason, dispute_reason, version, created_at, updated_at,
		released_at, cancelled_at`

func (p *PostgresStore) Create(ctx context.Context, a *Account) error {
	rc := a.ReleaseConditions
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		        $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)`,
		a.ID, a.PropertyID, a.SellerID, a.BuyerID, nullString(a.NotaryID), a.Currency,
		a.TotalAmount, a.DepositAmount, a.RemainingAmount, a.EscrowFeeAmount, a.NotaryFeeAmount,
		string(a.Status), rc.DocumentsVerified, rc.NotaryApproval, rc.BuyerConfirmation, nullTime(rc.CoolingPeriodEnd),
		a.DepositDeadline, a.FullPaymentDeadline, nullString(a.DepositTransactionID), nullString(a.BalanceTransactionID),
		nullString(a.CancellationReason), nullString(a.DisputeReason), a.Version, a.CreatedAt, a.UpdatedAt,
		nullTime(a.ReleasedAt), nullTime(a.CancelledAt),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM escrow_accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return a, err
}

func (p *PostgresStore) Update(ctx context.Context, a *Account) error {
	rc := a.ReleaseConditions
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_accounts SET
			notary_id = $3, status = $4,
			documents_verified = $5, notary_approval = $6, buyer_confirmation = $7, cooling_period_end = $8,
			deposit_tx_id = $9, balance_tx_id = $10,
			cancellation_reason = $11, dispute_reason = $12,
			updated_at = $13, released_at = $14, cancelled_at = $15,
			version = version + 1
		WHERE id = $1 AND version = $2`,
		a.ID, a.Version,
		nullString(a.NotaryID), string(a.Status),
		rc.DocumentsVerified, rc.NotaryApproval, rc.BuyerConfirmation, nullTime(rc.CoolingPeriodEnd),
		nullString(a.DepositTransactionID), nullString(a.BalanceTransactionID),
		nullString(a.CancellationReason), nullString(a.DisputeReason),
		a.UpdatedAt, nullTime(a.ReleasedAt), nullTime(a.CancelledAt),
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var one int
		err := p.db.QueryRowContext(ctx, `SELECT 1 FROM escrow_accounts WHERE id = $1`, a.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrEscrowNotFound
		}
		if err != nil {
			return err
		}
		return ErrVersionConflict
	}
	a.Version++
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Account, error) {
	var rows *sql.Rows
	var err error
	if cursor == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+accountColumns+` FROM escrow_accounts
			WHERE buyer_id = $1 OR seller_id = $1 OR notary_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, userID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+accountColumns+` FROM escrow_accounts
			WHERE (buyer_id = $1 OR seller_id = $1 OR notary_id = $1)
			  AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, userID, cursor.CreatedAt, cursor.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAccounts(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM escrow_accounts
		WHERE (status = 'PENDING' AND deposit_deadline < $1)
		   OR (status IN ('DEPOSIT_PAID', 'DOCUMENTS_REVIEW', 'APPROVED') AND full_payment_deadline < $1)
		ORDER BY created_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAccounts(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(s scanner) (*Account, error) {
	a := &Account{}
	var (
		status                     string
		notaryID, depositTx        sql.NullString
		balanceTx, cancelReason    sql.NullString
		disputeReason              sql.NullString
		coolingEnd, released, canc sql.NullTime
	)
	rc := &a.ReleaseConditions
	err := s.Scan(
		&a.ID, &a.PropertyID, &a.SellerID, &a.BuyerID, &notaryID, &a.Currency,
		&a.TotalAmount, &a.DepositAmount, &a.RemainingAmount, &a.EscrowFeeAmount, &a.NotaryFeeAmount,
		&status, &rc.DocumentsVerified, &rc.NotaryApproval, &rc.BuyerConfirmation, &coolingEnd,
		&a.DepositDeadline, &a.FullPaymentDeadline, &depositTx, &balanceTx,
		&cancelReason, &disputeReason, &a.Version, &a.CreatedAt, &a.UpdatedAt,
		&released, &canc,
	)
	if err != nil {
		return nil, err
	}

	a.Status = Status(status)
	a.NotaryID = notaryID.String
	a.DepositTransactionID = depositTx.String
	a.BalanceTransactionID = balanceTx.String
	a.CancellationReason = cancelReason.String
	a.DisputeReason = disputeReason.String
	if coolingEnd.Valid {
		rc.CoolingPeriodEnd = &coolingEnd.Time
	}
	if released.Valid {
		a.ReleasedAt = &released.Time
	}
	if canc.Valid {
		a.CancelledAt = &canc.Time
	}
	return a, nil
}

func scanAccounts(rows *sql.Rows) ([]*Account, error) {
	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
