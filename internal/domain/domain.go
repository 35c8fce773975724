// Package domain holds the core entities shared across the payment,
// ledger, escrow and payout services.
package domain

import (
	"encoding/json"
	"time"

	"rentledger/internal/common/money"
)

// RequestContext carries the caller's identity through service calls.
// It is extracted once at the HTTP edge and passed explicitly; services
// never reach into ambient request state.
type RequestContext struct {
	OrgID  string
	UserID string
	Role   string
}

// PaymentKind classifies what a payment is for.
type PaymentKind string

const (
	KindRent         PaymentKind = "rent"
	KindBuy          PaymentKind = "buy"
	KindSubscription PaymentKind = "subscription"
)

// PaymentStatus is the lifecycle state of a payment.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentSuccessful PaymentStatus = "successful"
	PaymentFailed     PaymentStatus = "failed"
)

// Payment is a single gateway charge attempt against an invoice or purchase.
type Payment struct {
	ID                   string         `json:"id"`
	OrgID                string         `json:"organization_id"`
	PayerUserID          string         `json:"payer_user_id"`
	Kind                 PaymentKind    `json:"kind"`
	Status               PaymentStatus  `json:"status"`
	Amount               money.Money    `json:"amount"`
	TransactionReference string         `json:"transaction_reference"`
	GatewayPaymentID     string         `json:"gateway_payment_id,omitempty"`
	PlatformFeeMinor     int64          `json:"platform_fee_minor"`
	PayeeNetMinor        int64          `json:"payee_net_minor"`
	FeePctBps            int64          `json:"fee_pct_bps"`
	PaidAt               *time.Time     `json:"paid_at,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// SplitType identifies the side of a fee split.
type SplitType string

const (
	SplitPlatformFee SplitType = "platform_fee"
	SplitPayeeNet    SplitType = "payee_net"
)

// PaymentSplit is one side of a payment's fee split.
type PaymentSplit struct {
	ID                string    `json:"id"`
	PaymentID         string    `json:"payment_id"`
	Type              SplitType `json:"split_type"`
	AmountMinor       int64     `json:"amount_minor"`
	BeneficiaryUserID *string   `json:"beneficiary_user_id,omitempty"`
}

// WalletAccount is a per-org wallet, held by a user, the platform, or
// (with no holder) the org's escrow account for a currency.
type WalletAccount struct {
	ID               string         `json:"id"`
	OrgID            string         `json:"organization_id"`
	UserID           *string        `json:"user_id,omitempty"`
	Currency         money.Currency `json:"currency"`
	IsPlatformWallet bool           `json:"is_platform_wallet"`
	CreatedAt        time.Time      `json:"created_at"`
}

// TxnType is the kind of a wallet transaction.
type TxnType string

const (
	TxnCreditPayee       TxnType = "credit_payee"
	TxnCreditPlatformFee TxnType = "credit_platform_fee"
	TxnDebitPayee        TxnType = "debit_payee"
	TxnDebitPlatformFee  TxnType = "debit_platform_fee"
	TxnDebitEscrow       TxnType = "debit_escrow"
	TxnDebitPayout       TxnType = "debit_payout"
)

// IsCredit reports whether the transaction type increases a balance.
func (t TxnType) IsCredit() bool {
	return t == TxnCreditPayee || t == TxnCreditPlatformFee
}

// WalletTransaction is one append-only ledger row. Rows are never
// updated or deleted; balances are derived by summation.
type WalletTransaction struct {
	ID              string         `json:"id"`
	WalletAccountID string         `json:"wallet_account_id"`
	Type            TxnType        `json:"txn_type"`
	Amount          money.Money    `json:"amount"`
	ReferenceType   string         `json:"reference_type"`
	ReferenceID     string         `json:"reference_id"`
	Note            string         `json:"note,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// RentInvoice is a tenancy's billing document.
type RentInvoice struct {
	ID             string         `json:"id"`
	OrgID          string         `json:"organization_id"`
	TenancyID      string         `json:"tenancy_id"`
	LandlordUserID string         `json:"landlord_user_id"`
	Amount         money.Money    `json:"amount"`
	PaidMinor      int64          `json:"paid_minor"`
	Status         string         `json:"status"`
	DueDate        time.Time      `json:"due_date"`
	Paid           bool           `json:"paid"`
	PaidAt         *time.Time     `json:"paid_at,omitempty"`
}

// RemainingMinor is how much is still owed on the invoice, never negative.
func (i *RentInvoice) RemainingMinor() int64 {
	remaining := i.Amount.AmountMinor - i.PaidMinor
	if remaining < 0 {
		return 0
	}
	return remaining
}

// PurchaseStatus is the derived payment state of a property purchase.
type PurchaseStatus string

const (
	PurchaseUnpaid        PurchaseStatus = "unpaid"
	PurchaseDepositPaid   PurchaseStatus = "deposit_paid"
	PurchasePartiallyPaid PurchaseStatus = "partially_paid"
	PurchasePaid          PurchaseStatus = "paid"
)

// PropertyPurchase tracks a buy transaction and its escrow totals.
type PropertyPurchase struct {
	ID                    string         `json:"id"`
	OrgID                 string         `json:"organization_id"`
	BuyerUserID           string         `json:"buyer_user_id"`
	SellerUserID          string         `json:"seller_user_id"`
	AgreedTotal           money.Money    `json:"agreed_total"`
	DepositMinor          int64          `json:"deposit_minor"`
	PaidMinor             int64          `json:"paid_minor"`
	PaymentStatus         PurchaseStatus `json:"payment_status"`
	EscrowWalletAccountID *string        `json:"escrow_wallet_account_id,omitempty"`
	EscrowHeldMinor       int64          `json:"escrow_held_minor"`
	EscrowReleasedMinor   int64          `json:"escrow_released_minor"`
	EscrowReleasedAt      *time.Time     `json:"escrow_released_at,omitempty"`
}

// PayoutStatus is the lifecycle state of a payout.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutPaid       PayoutStatus = "paid"
	PayoutFailed     PayoutStatus = "failed"
	PayoutReversed   PayoutStatus = "reversed"
)

// Payout is a request to move wallet funds to a bank account.
type Payout struct {
	ID              string          `json:"id"`
	OrgID           string          `json:"organization_id"`
	UserID          string          `json:"user_id"`
	PayoutAccountID string          `json:"payout_account_id"`
	Amount          money.Money     `json:"amount"`
	Status          PayoutStatus    `json:"status"`
	Reference       string          `json:"reference"`
	GatewayPayoutID string          `json:"gateway_payout_id,omitempty"`
	GatewayResponse json.RawMessage `json:"gateway_response,omitempty"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// PayoutAccount is a verified bank destination registered with the gateway.
type PayoutAccount struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	Provider      string         `json:"provider"`
	ProviderToken string         `json:"provider_token"`
	BankCode      string         `json:"bank_code"`
	AccountLast4  string         `json:"account_last4"`
	AccountName   string         `json:"account_name"`
	Currency      money.Currency `json:"currency"`
	IsDefault     bool           `json:"is_default"`
	CreatedAt     time.Time      `json:"created_at"`
}
