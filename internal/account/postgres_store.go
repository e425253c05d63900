package account

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL. Schema lives in
// migrations/ and is applied by cmd/migrate.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `id, email, wallet_address, stripe_customer_id, api_key_ref,
	api_tier, api_request_count, api_request_limit, api_plan_end,
	rpc_tier, rpc_request_count, rpc_request_limit, rpc_plan_end,
	referral_code, referrer_code, referral_points, subscription_ref,
	created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, a *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17,
			$18, $19)
	`,
		a.ID, nullStr(a.Email), nullStr(strings.ToLower(a.WalletAddress)), nullStr(a.StripeCustomerID), nullStr(a.APIKeyRef),
		string(a.API.Tier), a.API.RequestCount, a.API.RequestLimit, nullTime(a.API.PlanEndDate),
		string(a.RPC.Tier), a.RPC.RequestCount, a.RPC.RequestLimit, nullTime(a.RPC.PlanEndDate),
		a.ReferralCode, nullStr(a.ReferrerCode), a.ReferralPoints, nullStr(a.SubscriptionRef),
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			switch {
			case strings.Contains(pqErr.Constraint, "wallet"):
				return ErrWalletTaken
			case strings.Contains(pqErr.Constraint, "referral"):
				return ErrReferralTaken
			default:
				return ErrAlreadyExists
			}
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Account, error) {
	return p.getWhere(ctx, "id = $1", id)
}

func (p *PostgresStore) GetByWallet(ctx context.Context, wallet string) (*Account, error) {
	return p.getWhere(ctx, "wallet_address = $1", strings.ToLower(wallet))
}

func (p *PostgresStore) GetByStripeCustomer(ctx context.Context, customerID string) (*Account, error) {
	return p.getWhere(ctx, "stripe_customer_id = $1", customerID)
}

func (p *PostgresStore) GetByReferralCode(ctx context.Context, code string) (*Account, error) {
	return p.getWhere(ctx, "referral_code = $1", code)
}

func (p *PostgresStore) getWhere(ctx context.Context, where string, arg any) (*Account, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE `+where, arg)

	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// Update overwrites the mutable fields. Referral code and referrer code are
// deliberately absent from the SET list: immutable after creation.
func (p *PostgresStore) Update(ctx context.Context, a *Account) error {
	a.UpdatedAt = time.Now()
	res, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET
			email = $2, wallet_address = $3, stripe_customer_id = $4, api_key_ref = $5,
			api_tier = $6, api_request_count = $7, api_request_limit = $8, api_plan_end = $9,
			rpc_tier = $10, rpc_request_count = $11, rpc_request_limit = $12, rpc_plan_end = $13,
			referral_points = $14, subscription_ref = $15, updated_at = $16
		WHERE id = $1
	`,
		a.ID, nullStr(a.Email), nullStr(strings.ToLower(a.WalletAddress)), nullStr(a.StripeCustomerID), nullStr(a.APIKeyRef),
		string(a.API.Tier), a.API.RequestCount, a.API.RequestLimit, nullTime(a.API.PlanEndDate),
		string(a.RPC.Tier), a.RPC.RequestCount, a.RPC.RequestLimit, nullTime(a.RPC.PlanEndDate),
		a.ReferralPoints, nullStr(a.SubscriptionRef), a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, offset, limit int) ([]*Account, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY id OFFSET $1 LIMIT $2`,
		offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// MarkEventProcessed inserts the (source, eventID) pair, relying on the
// primary key to reject replays. Returns true only for the first insert.
func (p *PostgresStore) MarkEventProcessed(ctx context.Context, source, eventID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO processed_events (source, event_id, processed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (source, event_id) DO NOTHING
	`, source, eventID)
	if err != nil {
		return false, fmt.Errorf("mark event processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark event processed: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var (
		a                               Account
		email, wallet, customer, keyRef sql.NullString
		referrer, subRef                sql.NullString
		apiEnd, rpcEnd                  sql.NullTime
		apiTier, rpcTier                string
	)
	err := row.Scan(
		&a.ID, &email, &wallet, &customer, &keyRef,
		&apiTier, &a.API.RequestCount, &a.API.RequestLimit, &apiEnd,
		&rpcTier, &a.RPC.RequestCount, &a.RPC.RequestLimit, &rpcEnd,
		&a.ReferralCode, &referrer, &a.ReferralPoints, &subRef,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Email = email.String
	a.WalletAddress = wallet.String
	a.StripeCustomerID = customer.String
	a.APIKeyRef = keyRef.String
	a.ReferrerCode = referrer.String
	a.SubscriptionRef = subRef.String
	a.API.Tier = Tier(apiTier)
	a.RPC.Tier = Tier(rpcTier)
	if apiEnd.Valid {
		t := apiEnd.Time
		a.API.PlanEndDate = &t
	}
	if rpcEnd.Valid {
		t := rpcEnd.Time
		a.RPC.PlanEndDate = &t
	}
	return &a, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
