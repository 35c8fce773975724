package payments

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"rentledger/internal/common/database"
	"rentledger/internal/domain"
)

// Store persists payments, splits and their links to invoices and
// purchases. Methods run on the caller's Querier.
type Store interface {
	InsertPayment(ctx context.Context, q database.Querier, p *domain.Payment) error
	GetPaymentByReferenceForUpdate(ctx context.Context, q database.Querier, reference string) (*domain.Payment, error)
	MarkPaymentSuccessful(ctx context.Context, q database.Querier, paymentID, gatewayPaymentID string) error
	UpdatePaymentFees(ctx context.Context, q database.Querier, paymentID string, feeMinor, netMinor, pctBps int64) error
	EnsureSplit(ctx context.Context, q database.Querier, split *domain.PaymentSplit) error

	GetInvoice(ctx context.Context, q database.Querier, invoiceID string) (*domain.RentInvoice, error)
	GetInvoiceForUpdate(ctx context.Context, q database.Querier, invoiceID string) (*domain.RentInvoice, error)
	LinkInvoicePayment(ctx context.Context, q database.Querier, invoiceID, paymentID string) error
	InvoiceIDForPayment(ctx context.Context, q database.Querier, paymentID string) (string, error)
	ApplyInvoicePayment(ctx context.Context, q database.Querier, invoiceID string, amountMinor int64, fullyPaid bool) error

	GetPurchase(ctx context.Context, q database.Querier, purchaseID string) (*domain.PropertyPurchase, error)
	LinkPurchasePayment(ctx context.Context, q database.Querier, purchaseID, paymentID string) error
	PurchaseIDForPayment(ctx context.Context, q database.Querier, paymentID string) (string, error)
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct{}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore() *PostgresStore {
	return &PostgresStore{}
}

const paymentColumns = `
	id, organization_id, payer_user_id, kind, status,
	amount_minor, currency, transaction_reference, gateway_payment_id,
	platform_fee_minor, payee_net_minor, fee_pct_bps,
	paid_at, created_at, updated_at
`

// InsertPayment inserts a new pending payment.
func (s *PostgresStore) InsertPayment(ctx context.Context, q database.Querier, p *domain.Payment) error {
	query := `
		INSERT INTO payments (
			id, organization_id, payer_user_id, kind, status,
			amount_minor, currency, transaction_reference,
			platform_fee_minor, payee_net_minor, fee_pct_bps
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	return q.QueryRow(ctx, query,
		p.ID, p.OrgID, p.PayerUserID, string(p.Kind), string(p.Status),
		p.Amount.AmountMinor, string(p.Amount.Currency), p.TransactionReference,
		p.PlatformFeeMinor, p.PayeeNetMinor, p.FeePctBps,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

// GetPaymentByReferenceForUpdate locks and returns the payment for a
// gateway transaction reference.
func (s *PostgresStore) GetPaymentByReferenceForUpdate(ctx context.Context, q database.Querier, reference string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE transaction_reference = $1 FOR UPDATE`
	return scanPayment(q.QueryRow(ctx, query, reference))
}

// MarkPaymentSuccessful flips the payment to successful. The gateway id
// and paid_at only take their first written value so redeliveries can
// never overwrite what an earlier delivery recorded.
func (s *PostgresStore) MarkPaymentSuccessful(ctx context.Context, q database.Querier, paymentID, gatewayPaymentID string) error {
	query := `
		UPDATE payments SET
			status = 'successful',
			gateway_payment_id = COALESCE(gateway_payment_id, NULLIF($2, '')),
			paid_at = COALESCE(paid_at, now()),
			updated_at = now()
		WHERE id = $1
	`

	_, err := q.Exec(ctx, query, paymentID, gatewayPaymentID)
	return err
}

// UpdatePaymentFees records the computed fee split on the payment row.
func (s *PostgresStore) UpdatePaymentFees(ctx context.Context, q database.Querier, paymentID string, feeMinor, netMinor, pctBps int64) error {
	query := `
		UPDATE payments SET
			platform_fee_minor = $2,
			payee_net_minor = $3,
			fee_pct_bps = $4,
			updated_at = now()
		WHERE id = $1
	`

	_, err := q.Exec(ctx, query, paymentID, feeMinor, netMinor, pctBps)
	return err
}

// EnsureSplit inserts a split row if the (payment, type) pair is new.
func (s *PostgresStore) EnsureSplit(ctx context.Context, q database.Querier, split *domain.PaymentSplit) error {
	query := `
		INSERT INTO payment_splits (id, payment_id, split_type, amount_minor, beneficiary_user_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (payment_id, split_type) DO NOTHING
	`

	_, err := q.Exec(ctx, query,
		split.ID, split.PaymentID, string(split.Type), split.AmountMinor, split.BeneficiaryUserID,
	)
	return err
}

const invoiceColumns = `
	id, organization_id, tenancy_id, landlord_user_id,
	amount_minor, paid_minor, currency, status, due_date, paid, paid_at
`

// GetInvoice returns an invoice without locking it.
func (s *PostgresStore) GetInvoice(ctx context.Context, q database.Querier, invoiceID string) (*domain.RentInvoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM rent_invoices WHERE id = $1`
	return scanInvoice(q.QueryRow(ctx, query, invoiceID))
}

// GetInvoiceForUpdate locks and returns an invoice.
func (s *PostgresStore) GetInvoiceForUpdate(ctx context.Context, q database.Querier, invoiceID string) (*domain.RentInvoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM rent_invoices WHERE id = $1 FOR UPDATE`
	return scanInvoice(q.QueryRow(ctx, query, invoiceID))
}

// LinkInvoicePayment records the invoice-payment association.
func (s *PostgresStore) LinkInvoicePayment(ctx context.Context, q database.Querier, invoiceID, paymentID string) error {
	query := `
		INSERT INTO invoice_payments (invoice_id, payment_id)
		VALUES ($1, $2)
		ON CONFLICT (invoice_id, payment_id) DO NOTHING
	`

	_, err := q.Exec(ctx, query, invoiceID, paymentID)
	return err
}

// InvoiceIDForPayment returns the invoice linked to a payment.
func (s *PostgresStore) InvoiceIDForPayment(ctx context.Context, q database.Querier, paymentID string) (string, error) {
	var invoiceID string
	err := q.QueryRow(ctx,
		`SELECT invoice_id FROM invoice_payments WHERE payment_id = $1`, paymentID,
	).Scan(&invoiceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", database.ErrNotFound
		}
		return "", err
	}
	return invoiceID, nil
}

// ApplyInvoicePayment accumulates the paid total and flips the paid
// flag once the invoice is covered.
func (s *PostgresStore) ApplyInvoicePayment(ctx context.Context, q database.Querier, invoiceID string, amountMinor int64, fullyPaid bool) error {
	query := `
		UPDATE rent_invoices SET
			paid_minor = paid_minor + $2,
			paid = $3,
			status = CASE WHEN $3 THEN 'paid' ELSE status END,
			paid_at = CASE WHEN $3 THEN COALESCE(paid_at, now()) ELSE paid_at END
		WHERE id = $1
	`

	_, err := q.Exec(ctx, query, invoiceID, amountMinor, fullyPaid)
	return err
}

const purchaseColumns = `
	id, organization_id, buyer_user_id, seller_user_id,
	agreed_total_minor, deposit_minor, paid_minor, currency, payment_status,
	escrow_wallet_account_id, escrow_held_minor, escrow_released_minor, escrow_released_at
`

// GetPurchase returns a purchase without locking it.
func (s *PostgresStore) GetPurchase(ctx context.Context, q database.Querier, purchaseID string) (*domain.PropertyPurchase, error) {
	query := `SELECT ` + purchaseColumns + ` FROM property_purchases WHERE id = $1`
	return scanPurchase(q.QueryRow(ctx, query, purchaseID))
}

// LinkPurchasePayment records the purchase-payment association.
func (s *PostgresStore) LinkPurchasePayment(ctx context.Context, q database.Querier, purchaseID, paymentID string) error {
	query := `
		INSERT INTO purchase_payments (purchase_id, payment_id)
		VALUES ($1, $2)
		ON CONFLICT (purchase_id, payment_id) DO NOTHING
	`

	_, err := q.Exec(ctx, query, purchaseID, paymentID)
	return err
}

// PurchaseIDForPayment returns the purchase linked to a payment.
func (s *PostgresStore) PurchaseIDForPayment(ctx context.Context, q database.Querier, paymentID string) (string, error) {
	var purchaseID string
	err := q.QueryRow(ctx,
		`SELECT purchase_id FROM purchase_payments WHERE payment_id = $1`, paymentID,
	).Scan(&purchaseID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", database.ErrNotFound
		}
		return "", err
	}
	return purchaseID, nil
}

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	var gatewayID *string
	var paidAt *time.Time

	err := row.Scan(
		&p.ID, &p.OrgID, &p.PayerUserID, &p.Kind, &p.Status,
		&p.Amount.AmountMinor, &p.Amount.Currency, &p.TransactionReference, &gatewayID,
		&p.PlatformFeeMinor, &p.PayeeNetMinor, &p.FeePctBps,
		&paidAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, err
	}

	if gatewayID != nil {
		p.GatewayPaymentID = *gatewayID
	}
	p.PaidAt = paidAt
	return &p, nil
}

func scanInvoice(row pgx.Row) (*domain.RentInvoice, error) {
	var i domain.RentInvoice
	var paidAt *time.Time

	err := row.Scan(
		&i.ID, &i.OrgID, &i.TenancyID, &i.LandlordUserID,
		&i.Amount.AmountMinor, &i.PaidMinor, &i.Amount.Currency,
		&i.Status, &i.DueDate, &i.Paid, &paidAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, err
	}

	i.PaidAt = paidAt
	return &i, nil
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
