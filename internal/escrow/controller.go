// Package escrow reconciles property purchases against their linked
// payments and controls the hold and release of purchase funds.
package escrow

import (
	"context"
	"fmt"
	"log/slog"

	"rentledger/internal/common/database"
	"rentledger/internal/common/money"
	"rentledger/internal/domain"
	"rentledger/internal/fees"
)

// Store persists purchase escrow state on the caller's Querier.
type Store interface {
	GetPurchaseForUpdate(ctx context.Context, q database.Querier, purchaseID string) (*domain.PropertyPurchase, error)
	SumSuccessfulLinkedPayments(ctx context.Context, q database.Querier, purchaseID string) (int64, error)
	UpdatePurchasePaidStatus(ctx context.Context, q database.Querier, purchaseID string, paidMinor int64, status domain.PurchaseStatus) error
	UpdateEscrowHold(ctx context.Context, q database.Querier, purchaseID, escrowAccountID string, heldMinor int64) error
	UpdateEscrowRelease(ctx context.Context, q database.Querier, purchaseID string, releasedMinor int64) error
}

// Ledger is the slice of the wallet ledger the controller needs.
type Ledger interface {
	EnsureAccount(ctx context.Context, q database.Querier, orgID string, userID *string, currency money.Currency, isPlatform bool) (*domain.WalletAccount, error)
	DebitEscrow(ctx context.Context, q database.Querier, escrowAccountID string, amount money.Money, refID, note string) (bool, error)
	HasTransaction(ctx context.Context, q database.Querier, refType, refID string, kind domain.TxnType) (bool, error)
	CreditPayee(ctx context.Context, q database.Querier, orgID, payeeUserID string, amount money.Money, refType, refID, note string) error
	CreditPlatformFee(ctx context.Context, q database.Querier, orgID string, amount money.Money, refType, refID, note string) error
}

// Controller owns purchase reconciliation and escrow movements.
type Controller struct {
	store  Store
	ledger Ledger
	logger *slog.Logger
}

// NewController creates a new escrow controller.
func NewController(store Store, ledger Ledger, logger *slog.Logger) *Controller {
	return &Controller{store: store, ledger: ledger, logger: logger}
}

// ReconcilePurchase recomputes a purchase's paid total from its linked
// successful payments and refreshes the escrow hold. The purchase row
// stays locked for the caller's transaction, so concurrent webhook
// deliveries for the same purchase serialize here.
func (c *Controller) ReconcilePurchase(ctx context.Context, q database.Querier, purchaseID string) error {
	purchase, err := c.store.GetPurchaseForUpdate(ctx, q, purchaseID)
	if err != nil {
		if database.IsNotFound(err) {
			return domain.E(domain.CodePurchaseNotFound, "purchase not found")
		}
		return fmt.Errorf("lock purchase: %w", err)
	}

	paid, err := c.store.SumSuccessfulLinkedPayments(ctx, q, purchaseID)
	if err != nil {
		return fmt.Errorf("sum purchase payments: %w", err)
	}
	if paid < 0 {
		paid = 0
	}
	if paid > purchase.AgreedTotal.AmountMinor {
		paid = purchase.AgreedTotal.AmountMinor
	}

	status := deriveStatus(purchase, paid)
	if paid != purchase.PaidMinor || status != purchase.PaymentStatus {
		if err := c.store.UpdatePurchasePaidStatus(ctx, q, purchaseID, paid, status); err != nil {
			return fmt.Errorf("update purchase paid state: %w", err)
		}
	}

	if paid > 0 {
		if err := c.hold(ctx, q, purchase, paid); err != nil {
			return err
		}
	}

	c.logger.Info("purchase reconciled",
		"purchase_id", purchaseID,
		"paid_minor", paid,
		"payment_status", status,
	)
	return nil
}

func deriveStatus(purchase *domain.PropertyPurchase, paidMinor int64) domain.PurchaseStatus {
	switch {
	case paidMinor <= 0:
		return domain.PurchaseUnpaid
	case paidMinor >= purchase.AgreedTotal.AmountMinor:
		return domain.PurchasePaid
	case purchase.DepositMinor > 0 && paidMinor >= purchase.DepositMinor:
		return domain.PurchaseDepositPaid
	default:
		return domain.PurchasePartiallyPaid
	}
}

// hold pins the escrow total at the new paid amount. The hold is a
// monotonic max; reconciliation never shrinks what is already held.
func (c *Controller) hold(ctx context.Context, q database.Querier, purchase *domain.PropertyPurchase, newTotalMinor int64) error {
	if newTotalMinor <= purchase.EscrowHeldMinor {
		return nil
	}

	escrowAccountID := ""
	if purchase.EscrowWalletAccountID != nil {
		escrowAccountID = *purchase.EscrowWalletAccountID
	}
	if escrowAccountID == "" {
		acct, err := c.ledger.EnsureAccount(ctx, q, purchase.OrgID, nil, purchase.AgreedTotal.Currency, false)
		if err != nil {
			return fmt.Errorf("ensure escrow account: %w", err)
		}
		escrowAccountID = acct.ID
	}

	if err := c.store.UpdateEscrowHold(ctx, q, purchase.ID, escrowAccountID, newTotalMinor); err != nil {
		return fmt.Errorf("update escrow hold: %w", err)
	}

	c.logger.Info("escrow hold updated",
		"purchase_id", purchase.ID,
		"escrow_account_id", escrowAccountID,
		"held_minor", newTotalMinor,
	)
	return nil
}

// ReleaseRequest asks for an escrow release. AmountMinor of zero means
// "everything still held".
type ReleaseRequest struct {
	AmountMinor int64 `json:"amount_minor" validate:"gte=0"`
}

// ReleaseResult reports what a release did.
type ReleaseResult struct {
	PurchaseID       string `json:"purchase_id"`
	AmountMinor      int64  `json:"amount_minor"`
	SellerNetMinor   int64  `json:"seller_net_minor"`
	PlatformFeeMinor int64  `json:"platform_fee_minor"`
	AlreadyReleased  bool   `json:"already_released"`
}

// Release moves held escrow funds to the seller's wallet, less the
// platform fee. The debit_escrow ledger row is the idempotency marker:
// once it exists for the purchase, further release calls are no-ops.
func (c *Controller) Release(ctx context.Context, q database.Querier, rc domain.RequestContext, purchaseID string, req ReleaseRequest) (*ReleaseResult, error) {
	purchase, err := c.store.GetPurchaseForUpdate(ctx, q, purchaseID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, domain.E(domain.CodePurchaseNotFound, "purchase not found")
		}
		return nil, fmt.Errorf("lock purchase: %w", err)
	}
	if purchase.OrgID != rc.OrgID {
		return nil, domain.E(domain.CodePurchaseNotFound, "purchase not found")
	}

	if purchase.EscrowWalletAccountID == nil || purchase.EscrowHeldMinor <= 0 {
		return nil, domain.E(domain.CodeEscrowNotOpen, "no escrow held for purchase")
	}

	result := &ReleaseResult{PurchaseID: purchaseID}

	released, err := c.ledger.HasTransaction(ctx, q, "purchase", purchaseID, domain.TxnDebitEscrow)
	if err != nil {
		return nil, fmt.Errorf("check escrow release marker: %w", err)
	}
	if released {
		result.AlreadyReleased = true
		result.AmountMinor = purchase.EscrowReleasedMinor
		c.logger.Info("escrow already released", "purchase_id", purchaseID)
		return result, nil
	}

	amountMinor := req.AmountMinor
	if amountMinor == 0 {
		amountMinor = purchase.EscrowHeldMinor - purchase.EscrowReleasedMinor
	}
	if amountMinor <= 0 {
		return nil, domain.E(domain.CodeAmountInvalid, "release amount must be positive")
	}

	newReleased := purchase.EscrowReleasedMinor + amountMinor
	if newReleased > purchase.EscrowHeldMinor {
		return nil, domain.E(domain.CodeEscrowReleaseTooHigh,
			fmt.Sprintf("release total %d exceeds held %d", newReleased, purchase.EscrowHeldMinor))
	}

	amount := money.New(amountMinor, purchase.AgreedTotal.Currency)
	note := "escrow release for purchase " + purchaseID

	inserted, err := c.ledger.DebitEscrow(ctx, q, *purchase.EscrowWalletAccountID, amount, purchaseID, note)
	if err != nil {
		return nil, fmt.Errorf("debit escrow: %w", err)
	}
	if !inserted {
		// Lost a race to a concurrent release inside another transaction
		result.AlreadyReleased = true
		return result, nil
	}

	split := fees.Compute(domain.KindBuy, amount)
	result.AmountMinor = amountMinor
	result.SellerNetMinor = split.Net.AmountMinor
	result.PlatformFeeMinor = split.Fee.AmountMinor

	if err := c.ledger.CreditPayee(ctx, q, purchase.OrgID, purchase.SellerUserID, split.Net, "purchase", purchaseID, note); err != nil {
		return nil, fmt.Errorf("credit seller: %w", err)
	}
	if err := c.ledger.CreditPlatformFee(ctx, q, purchase.OrgID, split.Fee, "purchase", purchaseID, note); err != nil {
		return nil, fmt.Errorf("credit platform fee: %w", err)
	}

	if err := c.store.UpdateEscrowRelease(ctx, q, purchaseID, newReleased); err != nil {
		return nil, fmt.Errorf("update escrow release: %w", err)
	}

	c.logger.Info("escrow released",
		"purchase_id", purchaseID,
		"amount_minor", amountMinor,
		"seller_net_minor", split.Net.AmountMinor,
		"fee_minor", split.Fee.AmountMinor,
		"released_by", rc.UserID,
	)
	return result, nil
}
