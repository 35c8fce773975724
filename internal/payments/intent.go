// Package payments owns the payment lifecycle: creating pending intents
// against invoices and purchases, and finalizing them exactly once when
// the gateway confirms the charge.
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

// IntentService creates pending payments for gateway checkout.
type IntentService struct {
	store  Store
	logger *slog.Logger
}

// NewIntentService creates a new intent service.
func NewIntentService(store Store, logger *slog.Logger) *IntentService {
	return &IntentService{store: store, logger: logger}
}

// CreateIntentRequest asks for a pending payment. AmountMinor of zero
// means "the full remaining balance".
type CreateIntentRequest struct {
	AmountMinor int64 `json:"amount_minor" validate:"gte=0"`
}

// IntentResult is what the client needs to open gateway checkout.
type IntentResult struct {
	PaymentID string      `json:"payment_id"`
	Reference string      `json:"reference"`
	Amount    money.Money `json:"amount"`
	Split     fees.Split  `json:"split"`
}

// CreateInvoiceIntent creates a pending payment against a rent invoice.
func (s *IntentService) CreateInvoiceIntent(ctx context.Context, q database.Querier, rc domain.RequestContext, invoiceID string, req CreateIntentRequest) (*IntentResult, error) {
	invoice, err := s.store.GetInvoice(ctx, q, invoiceID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, domain.E(domain.CodeInvoiceNotFound, "invoice not found")
		}
		return nil, fmt.Errorf("load invoice: %w", err)
	}
	if invoice.OrgID != rc.OrgID {
		return nil, domain.E(domain.CodeInvoiceNotFound, "invoice not found")
	}

	amount, err := resolveIntentAmount(req.AmountMinor, invoice.RemainingMinor(), invoice.Paid, invoice.Amount.Currency)
	if err != nil {
		return nil, err
	}

	reference := fmt.Sprintf("rentinv_%s_%s", invoice.ID, ulid.Make().String())
	landlord := invoice.LandlordUserID

	result, err := s.createIntent(ctx, q, rc, domain.KindRent, amount, reference, &landlord)
	if err != nil {
		return nil, err
	}

	if err := s.store.LinkInvoicePayment(ctx, q, invoice.ID, result.PaymentID); err != nil {
		return nil, fmt.Errorf("link invoice payment: %w", err)
	}

	s.logger.Info("invoice payment intent created",
		"invoice_id", invoice.ID,
		"payment_id", result.PaymentID,
		"amount_minor", amount.AmountMinor,
	)
	return result, nil
}

// CreatePurchaseIntent creates a pending payment against a property
// purchase instalment.
func (s *IntentService) CreatePurchaseIntent(ctx context.Context, q database.Querier, rc domain.RequestContext, purchaseID string, req CreateIntentRequest) (*IntentResult, error) {
	purchase, err := s.store.GetPurchase(ctx, q, purchaseID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, domain.E(domain.CodePurchaseNotFound, "purchase not found")
		}
		return nil, fmt.Errorf("load purchase: %w", err)
	}
	if purchase.OrgID != rc.OrgID {
		return nil, domain.E(domain.CodePurchaseNotFound, "purchase not found")
	}

	remaining := purchase.AgreedTotal.AmountMinor - purchase.PaidMinor
	if remaining < 0 {
		remaining = 0
	}

	amount, err := resolveIntentAmount(req.AmountMinor, remaining,
		purchase.PaymentStatus == domain.PurchasePaid, purchase.AgreedTotal.Currency)
	if err != nil {
		return nil, err
	}

	reference := fmt.Sprintf("purchase_%s_%s", purchase.ID, ulid.Make().String())
	seller := purchase.SellerUserID

	result, err := s.createIntent(ctx, q, rc, domain.KindBuy, amount, reference, &seller)
	if err != nil {
		return nil, err
	}

	if err := s.store.LinkPurchasePayment(ctx, q, purchase.ID, result.PaymentID); err != nil {
		return nil, fmt.Errorf("link purchase payment: %w", err)
	}

	s.logger.Info("purchase payment intent created",
		"purchase_id", purchase.ID,
		"payment_id", result.PaymentID,
		"amount_minor", amount.AmountMinor,
	)
	return result, nil
}

// resolveIntentAmount applies the remaining-balance rules shared by
// invoice and purchase intents.
func resolveIntentAmount(requestedMinor, remainingMinor int64, alreadyPaid bool, currency money.Currency) (money.Money, error) {
	if alreadyPaid || remainingMinor == 0 {
		return money.Money{}, domain.E(domain.CodeAlreadyPaid, "nothing left to pay")
	}

	amountMinor := requestedMinor
	if amountMinor == 0 {
		amountMinor = remainingMinor
	}
	if amountMinor <= 0 {
		return money.Money{}, domain.E(domain.CodeAmountInvalid, "amount must be positive")
	}
	if amountMinor > remainingMinor {
		return money.Money{}, domain.E(domain.CodeAmountExceedsRemaining,
			fmt.Sprintf("amount %d exceeds remaining %d", amountMinor, remainingMinor))
	}

	return money.New(amountMinor, currency), nil
}

// createIntent inserts the pending payment and its two expected splits.
func (s *IntentService) createIntent(ctx context.Context, q database.Querier, rc domain.RequestContext, kind domain.PaymentKind, amount money.Money, reference string, beneficiary *string) (*IntentResult, error) {
	split := fees.Compute(kind, amount)

	payment := &domain.Payment{
		ID:                   ulid.Make().String(),
		OrgID:                rc.OrgID,
		PayerUserID:          rc.UserID,
		Kind:                 kind,
		Status:               domain.PaymentPending,
		Amount:               amount,
		TransactionReference: reference,
		PlatformFeeMinor:     split.Fee.AmountMinor,
		PayeeNetMinor:        split.Net.AmountMinor,
		FeePctBps:            split.PctBps,
	}

	if err := s.store.InsertPayment(ctx, q, payment); err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}

	platformSplit := &domain.PaymentSplit{
		ID:          ulid.Make().String(),
		PaymentID:   payment.ID,
		Type:        domain.SplitPlatformFee,
		AmountMinor: split.Fee.AmountMinor,
	}
	if err := s.store.EnsureSplit(ctx, q, platformSplit); err != nil {
		return nil, fmt.Errorf("insert platform split: %w", err)
	}

	payeeSplit := &domain.PaymentSplit{
		ID:                ulid.Make().String(),
		PaymentID:         payment.ID,
		Type:              domain.SplitPayeeNet,
		AmountMinor:       split.Net.AmountMinor,
		BeneficiaryUserID: beneficiary,
	}
	if err := s.store.EnsureSplit(ctx, q, payeeSplit); err != nil {
		return nil, fmt.Errorf("insert payee split: %w", err)
	}

	return &IntentResult{
		PaymentID: payment.ID,
		Reference: reference,
		Amount:    amount,
		Split:     split,
	}, nil
}
