package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"rentledger/internal/common/database"
	"rentledger/internal/domain"
)

// PostgresStore is the pgx-backed escrow store. It holds no state;
// every method runs on the caller's Querier.
type PostgresStore struct{}

// NewPostgresStore creates a new escrow store.
func NewPostgresStore() *PostgresStore {
	return &PostgresStore{}
}

const purchaseColumns = `
	id, organization_id, buyer_user_id, seller_user_id,
	agreed_total_minor, deposit_minor, paid_minor, currency, payment_status,
	escrow_wallet_account_id, escrow_held_minor, escrow_released_minor, escrow_released_at
`

// GetPurchaseForUpdate locks the purchase row for the transaction.
func (s *PostgresStore) GetPurchaseForUpdate(ctx context.Context, q database.Querier, purchaseID string) (*domain.PropertyPurchase, error) {
	query := `SELECT ` + purchaseColumns + ` FROM property_purchases WHERE id = $1 FOR UPDATE`
	return scanPurchase(q.QueryRow(ctx, query, purchaseID))
}

// SumSuccessfulLinkedPayments totals the successful payments linked to
// the purchase.
func (s *PostgresStore) SumSuccessfulLinkedPayments(ctx context.Context, q database.Querier, purchaseID string) (int64, error) {
	query := `
		SELECT COALESCE(SUM(p.amount_minor), 0)
		FROM payments p
		JOIN purchase_payments pp ON pp.payment_id = p.id
		WHERE pp.purchase_id = $1 AND p.status = 'successful'
	`

	var sum int64
	if err := q.QueryRow(ctx, query, purchaseID).Scan(&sum); err != nil {
		return 0, err
	}
	return sum, nil
}

// UpdatePurchasePaidStatus persists the recomputed paid total and status.
func (s *PostgresStore) UpdatePurchasePaidStatus(ctx context.Context, q database.Querier, purchaseID string, paidMinor int64, status domain.PurchaseStatus) error {
	query := `UPDATE property_purchases SET paid_minor = $2, payment_status = $3 WHERE id = $1`
	_, err := q.Exec(ctx, query, purchaseID, paidMinor, status)
	return err
}

// UpdateEscrowHold pins the held total, never letting it shrink.
func (s *PostgresStore) UpdateEscrowHold(ctx context.Context, q database.Querier, purchaseID, escrowAccountID string, heldMinor int64) error {
	query := `
		UPDATE property_purchases SET
			escrow_wallet_account_id = COALESCE(escrow_wallet_account_id, $2),
			escrow_held_minor = GREATEST(escrow_held_minor, $3)
		WHERE id = $1
	`

	_, err := q.Exec(ctx, query, purchaseID, escrowAccountID, heldMinor)
	return err
}

// UpdateEscrowRelease records the new released total. released_at is
// first-write-wins.
func (s *PostgresStore) UpdateEscrowRelease(ctx context.Context, q database.Querier, purchaseID string, releasedMinor int64) error {
	query := `
		UPDATE property_purchases SET
			escrow_released_minor = $2,
			escrow_released_at = COALESCE(escrow_released_at, now())
		WHERE id = $1
	`

	_, err := q.Exec(ctx, query, purchaseID, releasedMinor)
	return err
}

func scanPurchase(row pgx.Row) (*domain.PropertyPurchase, error) {
	var p domain.PropertyPurchase
	var releasedAt *time.Time

	err := row.Scan(
		&p.ID, &p.OrgID, &p.BuyerUserID, &p.SellerUserID,
		&p.AgreedTotal.AmountMinor, &p.DepositMinor, &p.PaidMinor,
		&p.AgreedTotal.Currency, &p.PaymentStatus,
		&p.EscrowWalletAccountID, &p.EscrowHeldMinor, &p.EscrowReleasedMinor, &releasedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, err
	}

	p.EscrowReleasedAt = releasedAt
	return &p, nil
}
