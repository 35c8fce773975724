package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"rentledger/internal/common/database"
	"rentledger/internal/common/money"
	"rentledger/internal/domain"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct{}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore() *PostgresStore {
	return &PostgresStore{}
}

// FindAccount retrieves the wallet account for the unique key.
func (s *PostgresStore) FindAccount(ctx context.Context, q database.Querier, orgID string, userID *string, currency money.Currency, isPlatform bool) (*domain.WalletAccount, error) {
	query := `
		SELECT id, organization_id, user_id, currency, is_platform_wallet, created_at
		FROM wallet_accounts
		WHERE organization_id = $1
		  AND user_id IS NOT DISTINCT FROM $2
		  AND currency = $3
		  AND is_platform_wallet = $4
	`

	row := q.QueryRow(ctx, query, orgID, userID, string(currency), isPlatform)
	return scanAccount(row)
}

// InsertAccount inserts a wallet account, swallowing the unique-key
// conflict. Returns whether a row was written.
func (s *PostgresStore) InsertAccount(ctx context.Context, q database.Querier, acct *domain.WalletAccount) (bool, error) {
	query := `
		INSERT INTO wallet_accounts (id, organization_id, user_id, currency, is_platform_wallet)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (organization_id, user_id, currency, is_platform_wallet) DO NOTHING
		RETURNING id, created_at
	`

	err := q.QueryRow(ctx, query,
		acct.ID, acct.OrgID, acct.UserID, string(acct.Currency), acct.IsPlatformWallet,
	).Scan(&acct.ID, &acct.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// OldestPlatformAccount retrieves the first-created platform wallet for
// the org and currency.
func (s *PostgresStore) OldestPlatformAccount(ctx context.Context, q database.Querier, orgID string, currency money.Currency) (*domain.WalletAccount, error) {
	query := `
		SELECT id, organization_id, user_id, currency, is_platform_wallet, created_at
		FROM wallet_accounts
		WHERE organization_id = $1 AND currency = $2 AND is_platform_wallet = TRUE
		ORDER BY created_at ASC
		LIMIT 1
	`

	row := q.QueryRow(ctx, query, orgID, string(currency))
	return scanAccount(row)
}

// InsertTransaction appends a wallet transaction, swallowing the
// (reference_type, reference_id, txn_type) conflict. Returns whether a
// row was written.
func (s *PostgresStore) InsertTransaction(ctx context.Context, q database.Querier, txn *domain.WalletTransaction) (bool, error) {
	query := `
		INSERT INTO wallet_transactions
			(id, wallet_account_id, txn_type, amount_minor, currency, reference_type, reference_id, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (reference_type, reference_id, txn_type) DO NOTHING
		RETURNING id, created_at
	`

	err := q.QueryRow(ctx, query,
		txn.ID, txn.WalletAccountID, string(txn.Type),
		txn.Amount.AmountMinor, string(txn.Amount.Currency),
		txn.ReferenceType, txn.ReferenceID, nullStr(txn.Note),
	).Scan(&txn.ID, &txn.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// HasTransaction reports whether a transaction exists for the reference.
func (s *PostgresStore) HasTransaction(ctx context.Context, q database.Querier, refType, refID string, kind domain.TxnType) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM wallet_transactions
			WHERE reference_type = $1 AND reference_id = $2 AND txn_type = $3
		)
	`

	var exists bool
	if err := q.QueryRow(ctx, query, refType, refID, string(kind)).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// Balance derives the balance as credits minus debits.
func (s *PostgresStore) Balance(ctx context.Context, q database.Querier, accountID string) (int64, error) {
	query := `
		SELECT COALESCE(SUM(
			CASE WHEN txn_type IN ('credit_payee', 'credit_platform_fee')
			     THEN amount_minor
			     ELSE -amount_minor
			END
		), 0)
		FROM wallet_transactions
		WHERE wallet_account_id = $1
	`

	var balance int64
	if err := q.QueryRow(ctx, query, accountID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("derive balance: %w", err)
	}
	return balance, nil
}

// ListTransactions returns transactions for an account, newest first.
func (s *PostgresStore) ListTransactions(ctx context.Context, q database.Querier, accountID string, limit, offset int) ([]*domain.WalletTransaction, error) {
	query := `
		SELECT id, wallet_account_id, txn_type, amount_minor, currency,
		       reference_type, reference_id, note, created_at
		FROM wallet_transactions
		WHERE wallet_account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := q.Query(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []*domain.WalletTransaction
	for rows.Next() {
		var t domain.WalletTransaction
		var note *string
		err := rows.Scan(
			&t.ID, &t.WalletAccountID, &t.Type,
			&t.Amount.AmountMinor, &t.Amount.Currency,
			&t.ReferenceType, &t.ReferenceID, &note, &t.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if note != nil {
			t.Note = *note
		}
		txns = append(txns, &t)
	}
	return txns, rows.Err()
}

func scanAccount(row pgx.Row) (*domain.WalletAccount, error) {
	var a domain.WalletAccount
	err := row.Scan(&a.ID, &a.OrgID, &a.UserID, &a.Currency, &a.IsPlatformWallet, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
