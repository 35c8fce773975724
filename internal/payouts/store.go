package payouts

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"rentledger/internal/common/database"
	"rentledger/internal/domain"
)

// PostgresStore is the pgx-backed payout store. It holds no state;
// every method runs on the caller's Querier.
type PostgresStore struct{}

// NewPostgresStore creates a new payout store.
func NewPostgresStore() *PostgresStore {
	return &PostgresStore{}
}

const accountColumns = `
	id, user_id, provider, provider_token, bank_code,
	account_last4, account_name, currency, is_default, created_at
`

// UpsertAccount inserts the payout account or refreshes the existing
// row for the same gateway destination. Returns the canonical id.
func (s *PostgresStore) UpsertAccount(ctx context.Context, q database.Querier, acct *domain.PayoutAccount) (string, error) {
	query := `
		INSERT INTO payout_accounts (
			id, user_id, provider, provider_token, bank_code,
			account_last4, account_name, currency, is_default
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, provider, provider_token) DO UPDATE SET
			bank_code = EXCLUDED.bank_code,
			account_last4 = EXCLUDED.account_last4,
			account_name = EXCLUDED.account_name,
			is_default = EXCLUDED.is_default
		RETURNING id
	`

	var id string
	err := q.QueryRow(ctx, query,
		acct.ID, acct.UserID, acct.Provider, acct.ProviderToken, acct.BankCode,
		acct.AccountLast4, acct.AccountName, acct.Currency, acct.IsDefault,
	).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

// ClearDefaultAccounts drops the default flag from all of a user's
// payout accounts.
func (s *PostgresStore) ClearDefaultAccounts(ctx context.Context, q database.Querier, userID string) error {
	query := `UPDATE payout_accounts SET is_default = false WHERE user_id = $1 AND is_default`
	_, err := q.Exec(ctx, query, userID)
	return err
}

// GetAccount returns one payout account.
func (s *PostgresStore) GetAccount(ctx context.Context, q database.Querier, accountID string) (*domain.PayoutAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM payout_accounts WHERE id = $1`
	return scanAccount(q.QueryRow(ctx, query, accountID))
}

// ListAccounts returns a user's payout accounts, default first.
func (s *PostgresStore) ListAccounts(ctx context.Context, q database.Querier, userID string) ([]*domain.PayoutAccount, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM payout_accounts
		WHERE user_id = $1
		ORDER BY is_default DESC, created_at DESC
	`

	rows, err := q.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*domain.PayoutAccount
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

const payoutColumns = `
	id, organization_id, user_id, payout_account_id, amount_minor, currency,
	status, reference, gateway_payout_id, gateway_response, processed_at,
	created_at, updated_at
`

// InsertPayout creates a pending payout row.
func (s *PostgresStore) InsertPayout(ctx context.Context, q database.Querier, payout *domain.Payout) error {
	query := `
		INSERT INTO payouts (
			id, organization_id, user_id, payout_account_id,
			amount_minor, currency, status, reference
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := q.Exec(ctx, query,
		payout.ID, payout.OrgID, payout.UserID, payout.PayoutAccountID,
		payout.Amount.AmountMinor, payout.Amount.Currency, payout.Status, payout.Reference,
	)
	return err
}

// GetPayout returns one payout without locking it.
func (s *PostgresStore) GetPayout(ctx context.Context, q database.Querier, payoutID string) (*domain.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE id = $1`
	return scanPayout(q.QueryRow(ctx, query, payoutID))
}

// GetPayoutForUpdate locks the payout row for the transaction.
func (s *PostgresStore) GetPayoutForUpdate(ctx context.Context, q database.Querier, payoutID string) (*domain.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE id = $1 FOR UPDATE`
	return scanPayout(q.QueryRow(ctx, query, payoutID))
}

// FindPayoutByGatewayID matches a payout by the gateway transfer code.
func (s *PostgresStore) FindPayoutByGatewayID(ctx context.Context, q database.Querier, gatewayPayoutID string) (*domain.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE gateway_payout_id = $1`
	return scanPayout(q.QueryRow(ctx, query, gatewayPayoutID))
}

// FindPayoutByReference matches a payout by our stable reference.
func (s *PostgresStore) FindPayoutByReference(ctx context.Context, q database.Querier, reference string) (*domain.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE reference = $1`
	return scanPayout(q.QueryRow(ctx, query, reference))
}

// RecordProcessResult stores the outcome of a transfer initiation. The
// gateway id is first-write-wins; responses accumulate via jsonb merge.
func (s *PostgresStore) RecordProcessResult(ctx context.Context, q database.Querier, payoutID string, status domain.PayoutStatus, gatewayPayoutID string, response json.RawMessage) error {
	query := `
		UPDATE payouts SET
			status = $2,
			gateway_payout_id = COALESCE(gateway_payout_id, NULLIF($3, '')),
			gateway_response = COALESCE(gateway_response, '{}'::jsonb) || COALESCE($4::jsonb, '{}'::jsonb),
			updated_at = now()
		WHERE id = $1
	`

	_, err := q.Exec(ctx, query, payoutID, status, gatewayPayoutID, nullableJSON(response))
	return err
}

// FinalizePayout applies a transfer webhook's terminal status.
// processed_at is first-write-wins so a replayed webhook cannot move it,
// and a reversed payout never leaves reversed.
func (s *PostgresStore) FinalizePayout(ctx context.Context, q database.Querier, payoutID string, status domain.PayoutStatus, gatewayPayoutID string, response json.RawMessage) error {
	query := `
		UPDATE payouts SET
			status = $2,
			gateway_payout_id = COALESCE(gateway_payout_id, NULLIF($3, '')),
			gateway_response = COALESCE(gateway_response, '{}'::jsonb) || COALESCE($4::jsonb, '{}'::jsonb),
			processed_at = COALESCE(processed_at, now()),
			updated_at = now()
		WHERE id = $1 AND status <> 'reversed'
	`

	_, err := q.Exec(ctx, query, payoutID, status, gatewayPayoutID, nullableJSON(response))
	return err
}

// ListPayouts returns an org's payouts, optionally scoped to one user.
func (s *PostgresStore) ListPayouts(ctx context.Context, q database.Querier, orgID, userID string, limit, offset int) ([]*domain.Payout, error) {
	query := `
		SELECT ` + payoutColumns + `
		FROM payouts
		WHERE organization_id = $1 AND ($2 = '' OR user_id = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := q.Query(ctx, query, orgID, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []*domain.Payout
	for rows.Next() {
		payout, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, payout)
	}
	return payouts, rows.Err()
}

func nullableJSON(response json.RawMessage) any {
	if len(response) == 0 {
		return nil
	}
	return response
}

func scanAccount(row pgx.Row) (*domain.PayoutAccount, error) {
	var a domain.PayoutAccount

	err := row.Scan(
		&a.ID, &a.UserID, &a.Provider, &a.ProviderToken, &a.BankCode,
		&a.AccountLast4, &a.AccountName, &a.Currency, &a.IsDefault, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func scanPayout(row pgx.Row) (*domain.Payout, error) {
	var p domain.Payout
	var gatewayPayoutID *string
	var response []byte
	var processedAt *time.Time

	err := row.Scan(
		&p.ID, &p.OrgID, &p.UserID, &p.PayoutAccountID,
		&p.Amount.AmountMinor, &p.Amount.Currency,
		&p.Status, &p.Reference, &gatewayPayoutID, &response, &processedAt,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, err
	}

	if gatewayPayoutID != nil {
		p.GatewayPayoutID = *gatewayPayoutID
	}
	p.GatewayResponse = response
	p.ProcessedAt = processedAt
	return &p, nil
}
