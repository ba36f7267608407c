package mobilemoney

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresProviderStore reads the catalog from mobile_money_providers.
type PostgresProviderStore struct {
	db *sql.DB
}

// NewPostgresProviderStore creates a PostgreSQL-backed provider store.
func NewPostgresProviderStore(db *sql.DB) *PostgresProviderStore {
	return &PostgresProviderStore{db: db}
}

var _ ProviderStore = (*PostgresProviderStore)(nil)

const providerColumns = `provider_name, display_name, is_active, min_amount, max_amount, fee_basis_points`

func (p *PostgresProviderStore) Get(ctx context.Context, name string) (*Provider, error) {
	pr := &Provider{}
	err := p.db.QueryRowContext(ctx, `
		SELECT `+providerColumns+` FROM mobile_money_providers
		WHERE provider_name = $1`, name,
	).Scan(&pr.Name, &pr.DisplayName, &pr.IsActive, &pr.MinAmount, &pr.MaxAmount, &pr.FeeBasisPoints)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProviderNotFound
	}
	if err != nil {
		return nil, err
	}
	return pr, nil
}

func (p *PostgresProviderStore) List(ctx context.Context) ([]*Provider, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+providerColumns+` FROM mobile_money_providers
		ORDER BY provider_name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Provider
	for rows.Next() {
		pr := &Provider{}
		if err := rows.Scan(&pr.Name, &pr.DisplayName, &pr.IsActive, &pr.MinAmount, &pr.MaxAmount, &pr.FeeBasisPoints); err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (p *PostgresProviderStore) SetActive(ctx context.Context, name string, active bool) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE mobile_money_providers SET is_active = $2, updated_at = NOW()
		WHERE provider_name = $1`, name, active)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrProviderNotFound
	}
	return nil
}

// Upsert inserts or replaces a provider row. Used to sync a YAML catalog
// into the database at startup.
func (p *PostgresProviderStore) Upsert(ctx context.Context, pr Provider) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO mobile_money_providers (`+providerColumns+`, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (provider_name) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			is_active = EXCLUDED.is_active,
			min_amount = EXCLUDED.min_amount,
			max_amount = EXCLUDED.max_amount,
			fee_basis_points = EXCLUDED.fee_basis_points,
			updated_at = NOW()`,
		pr.Name, pr.DisplayName, pr.IsActive, pr.MinAmount, pr.MaxAmount, pr.FeeBasisPoints)
	return err
}
