package payments

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"rentledger/internal/common/database"
	"rentledger/internal/common/money"
	"rentledger/internal/domain"
	"rentledger/internal/fees"
)

// ChargeEvent is a successful gateway charge notification, already
// verified and decoded by the webhook layer. AmountMinor is the
// gateway's amount in the currency's lowest unit.
type ChargeEvent struct {
	Reference        string
	GatewayPaymentID string
	AmountMinor      int64
	Currency         string
}

// Ledger is the slice of the wallet ledger the finalizer needs.
type Ledger interface {
	CreditPayee(ctx context.Context, q database.Querier, orgID, payeeUserID string, amount money.Money, refType, refID, note string) error
	CreditPlatformFee(ctx context.Context, q database.Querier, orgID string, amount money.Money, refType, refID, note string) error
}

// Reconciler recomputes a purchase's paid state from its linked
// payments and refreshes the escrow hold.
type Reconciler interface {
	ReconcilePurchase(ctx context.Context, q database.Querier, purchaseID string) error
}

// FinalizeResult reports what a charge finalization did.
type FinalizeResult struct {
	PaymentID        string
	OrgID            string
	Kind             domain.PaymentKind
	AmountMinor      int64
	Currency         string
	PlatformFeeMinor int64
	PayeeNetMinor    int64
	InvoiceID        string
	InvoicePaidMinor int64
	PurchaseID       string
	InvoicePaid      bool
	AlreadyProcessed bool
}

// Finalizer drives a payment from pending to successful and fans the
// result out to invoices, purchases and wallet ledgers.
type Finalizer struct {
	store      Store
	ledger     Ledger
	reconciler Reconciler
	logger     *slog.Logger
}

// NewFinalizer creates a new payment finalizer.
func NewFinalizer(store Store, ledger Ledger, reconciler Reconciler, logger *slog.Logger) *Finalizer {
	return &Finalizer{
		store:      store,
		ledger:     ledger,
		reconciler: reconciler,
		logger:     logger,
	}
}

// Gateway amounts may round differently on the way through checkout;
// anything beyond one minor unit is treated as a real mismatch.
const amountToleranceMinor = 1

// FinalizeCharge applies a successful charge to its payment within the
// caller's transaction. The payment row is locked for the duration, so
// concurrent redeliveries serialize and the losers see a successful row.
func (f *Finalizer) FinalizeCharge(ctx context.Context, q database.Querier, ev ChargeEvent) (*FinalizeResult, error) {
	if ev.Reference == "" {
		return nil, domain.E(domain.CodePaymentNotFound, "event has no reference")
	}

	payment, err := f.store.GetPaymentByReferenceForUpdate(ctx, q, ev.Reference)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, domain.E(domain.CodePaymentNotFound, "no payment for reference "+ev.Reference)
		}
		return nil, fmt.Errorf("load payment: %w", err)
	}

	result := &FinalizeResult{
		PaymentID:   payment.ID,
		OrgID:       payment.OrgID,
		Kind:        payment.Kind,
		AmountMinor: payment.Amount.AmountMinor,
		Currency:    string(payment.Amount.Currency),
	}

	if payment.Status == domain.PaymentSuccessful {
		result.AlreadyProcessed = true
		// A crash between the status flip and the purchase update can
		// leave the purchase stale, so buy payments always re-reconcile.
		if payment.Kind == domain.KindBuy {
			if purchaseID, err := f.store.PurchaseIDForPayment(ctx, q, payment.ID); err == nil {
				result.PurchaseID = purchaseID
				if err := f.reconciler.ReconcilePurchase(ctx, q, purchaseID); err != nil {
					return nil, fmt.Errorf("re-reconcile purchase: %w", err)
				}
			}
		}
		f.logger.Info("charge already finalized", "payment_id", payment.ID, "reference", ev.Reference)
		return result, nil
	}

	if ev.AmountMinor > 0 {
		diff := ev.AmountMinor - payment.Amount.AmountMinor
		if diff < 0 {
			diff = -diff
		}
		if diff > amountToleranceMinor {
			return nil, domain.E(domain.CodeAmountMismatch,
				fmt.Sprintf("gateway amount %d vs expected %d", ev.AmountMinor, payment.Amount.AmountMinor))
		}
	}

	switch payment.Kind {
	case domain.KindBuy:
		return f.finalizePurchasePayment(ctx, q, payment, ev, result)
	case domain.KindRent:
		return f.finalizeInvoicePayment(ctx, q, payment, ev, result)
	default:
		// Subscriptions carry no payee; the payment just completes.
		if err := f.store.MarkPaymentSuccessful(ctx, q, payment.ID, ev.GatewayPaymentID); err != nil {
			return nil, fmt.Errorf("mark payment successful: %w", err)
		}
		f.logger.Info("charge finalized", "payment_id", payment.ID, "kind", payment.Kind)
		return result, nil
	}
}

func (f *Finalizer) finalizePurchasePayment(ctx context.Context, q database.Querier, payment *domain.Payment, ev ChargeEvent, result *FinalizeResult) (*FinalizeResult, error) {
	split := fees.Compute(payment.Kind, payment.Amount)
	result.PlatformFeeMinor = split.Fee.AmountMinor
	result.PayeeNetMinor = split.Net.AmountMinor

	if err := f.store.UpdatePaymentFees(ctx, q, payment.ID, split.Fee.AmountMinor, split.Net.AmountMinor, split.PctBps); err != nil {
		return nil, fmt.Errorf("record payment fees: %w", err)
	}

	purchaseID, linkErr := f.store.PurchaseIDForPayment(ctx, q, payment.ID)
	if linkErr != nil && !database.IsNotFound(linkErr) {
		return nil, fmt.Errorf("find purchase link: %w", linkErr)
	}

	// The net split belongs to the seller; an orphaned payment has no
	// purchase to name one.
	var beneficiary *string
	if linkErr == nil {
		purchase, err := f.store.GetPurchase(ctx, q, purchaseID)
		if err != nil {
			return nil, fmt.Errorf("load purchase: %w", err)
		}
		seller := purchase.SellerUserID
		beneficiary = &seller
	}

	if err := f.store.EnsureSplit(ctx, q, &domain.PaymentSplit{
		ID:          ulid.Make().String(),
		PaymentID:   payment.ID,
		Type:        domain.SplitPlatformFee,
		AmountMinor: split.Fee.AmountMinor,
	}); err != nil {
		return nil, fmt.Errorf("ensure platform split: %w", err)
	}
	if err := f.store.EnsureSplit(ctx, q, &domain.PaymentSplit{
		ID:                ulid.Make().String(),
		PaymentID:         payment.ID,
		Type:              domain.SplitPayeeNet,
		AmountMinor:       split.Net.AmountMinor,
		BeneficiaryUserID: beneficiary,
	}); err != nil {
		return nil, fmt.Errorf("ensure payee split: %w", err)
	}

	if database.IsNotFound(linkErr) {
		f.logger.Warn("buy payment has no purchase link", "payment_id", payment.ID)
		if err := f.store.MarkPaymentSuccessful(ctx, q, payment.ID, ev.GatewayPaymentID); err != nil {
			return nil, fmt.Errorf("mark payment successful: %w", err)
		}
		return result, nil
	}
	result.PurchaseID = purchaseID

	if err := f.store.LinkPurchasePayment(ctx, q, purchaseID, payment.ID); err != nil {
		return nil, fmt.Errorf("ensure purchase link: %w", err)
	}

	if err := f.reconciler.ReconcilePurchase(ctx, q, purchaseID); err != nil {
		return nil, fmt.Errorf("reconcile purchase: %w", err)
	}

	if err := f.store.MarkPaymentSuccessful(ctx, q, payment.ID, ev.GatewayPaymentID); err != nil {
		return nil, fmt.Errorf("mark payment successful: %w", err)
	}

	f.logger.Info("purchase charge finalized",
		"payment_id", payment.ID,
		"purchase_id", purchaseID,
		"amount_minor", payment.Amount.AmountMinor,
		"fee_minor", split.Fee.AmountMinor,
	)
	return result, nil
}

func (f *Finalizer) finalizeInvoicePayment(ctx context.Context, q database.Querier, payment *domain.Payment, ev ChargeEvent, result *FinalizeResult) (*FinalizeResult, error) {
	invoiceID, err := f.store.InvoiceIDForPayment(ctx, q, payment.ID)
	if err != nil {
		if database.IsNotFound(err) {
			// Orphaned rent payment; complete it without invoice fan-out
			f.logger.Warn("rent payment has no invoice link", "payment_id", payment.ID)
			if err := f.store.MarkPaymentSuccessful(ctx, q, payment.ID, ev.GatewayPaymentID); err != nil {
				return nil, fmt.Errorf("mark payment successful: %w", err)
			}
			return result, nil
		}
		return nil, fmt.Errorf("find invoice link: %w", err)
	}
	result.InvoiceID = invoiceID

	invoice, err := f.store.GetInvoiceForUpdate(ctx, q, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("lock invoice: %w", err)
	}

	split := fees.Compute(payment.Kind, payment.Amount)
	result.PlatformFeeMinor = split.Fee.AmountMinor
	result.PayeeNetMinor = split.Net.AmountMinor

	if err := f.store.UpdatePaymentFees(ctx, q, payment.ID, split.Fee.AmountMinor, split.Net.AmountMinor, split.PctBps); err != nil {
		return nil, fmt.Errorf("record payment fees: %w", err)
	}

	landlord := invoice.LandlordUserID
	if err := f.store.EnsureSplit(ctx, q, &domain.PaymentSplit{
		ID:          ulid.Make().String(),
		PaymentID:   payment.ID,
		Type:        domain.SplitPlatformFee,
		AmountMinor: split.Fee.AmountMinor,
	}); err != nil {
		return nil, fmt.Errorf("ensure platform split: %w", err)
	}
	if err := f.store.EnsureSplit(ctx, q, &domain.PaymentSplit{
		ID:                ulid.Make().String(),
		PaymentID:         payment.ID,
		Type:              domain.SplitPayeeNet,
		AmountMinor:       split.Net.AmountMinor,
		BeneficiaryUserID: &landlord,
	}); err != nil {
		return nil, fmt.Errorf("ensure payee split: %w", err)
	}

	if err := f.store.LinkInvoicePayment(ctx, q, invoiceID, payment.ID); err != nil {
		return nil, fmt.Errorf("ensure invoice link: %w", err)
	}

	newPaid := invoice.PaidMinor + payment.Amount.AmountMinor
	fullyPaid := newPaid >= invoice.Amount.AmountMinor
	if err := f.store.ApplyInvoicePayment(ctx, q, invoiceID, payment.Amount.AmountMinor, fullyPaid); err != nil {
		return nil, fmt.Errorf("apply invoice payment: %w", err)
	}
	result.InvoicePaid = fullyPaid
	result.InvoicePaidMinor = newPaid

	// Ledger credits keyed on the invoice id, so a replayed webhook can
	// only ever post them once
	note := "rent payment " + payment.ID
	if err := f.ledger.CreditPayee(ctx, q, payment.OrgID, invoice.LandlordUserID, split.Net, "rent_invoice", invoiceID, note); err != nil {
		return nil, fmt.Errorf("credit payee: %w", err)
	}
	if err := f.ledger.CreditPlatformFee(ctx, q, payment.OrgID, split.Fee, "rent_invoice", invoiceID, note); err != nil {
		return nil, fmt.Errorf("credit platform fee: %w", err)
	}

	// Splits, links and credits are all in place; the status flip is the
	// last write so a crash leaves a retryable pending row
	if err := f.store.MarkPaymentSuccessful(ctx, q, payment.ID, ev.GatewayPaymentID); err != nil {
		return nil, fmt.Errorf("mark payment successful: %w", err)
	}

	f.logger.Info("invoice charge finalized",
		"payment_id", payment.ID,
		"invoice_id", invoiceID,
		"amount_minor", payment.Amount.AmountMinor,
		"fee_minor", split.Fee.AmountMinor,
		"fully_paid", fullyPaid,
	)
	return result, nil
}
