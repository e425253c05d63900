package plans

import (
	"context"
	"database/sql"
	"fmt"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore reads the quota_plans table, seeded by migration.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed plan store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const planColumns = `name, external_id, price_monthly_usd, price_yearly_usd,
	requests_per_month, requests_per_second, burst_requests_per_second`

func (p *PostgresStore) Lookup(ctx context.Context, name string) (*Plan, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM quota_plans WHERE name = $1`, name)

	plan, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup plan: %w", err)
	}
	return plan, nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Plan, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+planColumns+` FROM quota_plans ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		out = append(out, plan)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (*Plan, error) {
	var p Plan
	err := row.Scan(&p.Name, &p.ExternalID, &p.PriceMonthlyUSD, &p.PriceYearlyUSD,
		&p.RequestsPerMonth, &p.RequestsPerSecond, &p.BurstRequestsPerSecond)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
