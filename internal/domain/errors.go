package domain

import "errors"

// Error codes surfaced to API clients and webhook logs.
const (
	CodeSignatureInvalidFormat = "SIGNATURE_INVALID_FORMAT"
	CodeAlreadyPaid            = "ALREADY_PAID"
	CodeAmountInvalid          = "AMOUNT_INVALID"
	CodeAmountExceedsRemaining = "AMOUNT_EXCEEDS_REMAINING"
	CodeAmountMismatch         = "AMOUNT_MISMATCH"
	CodePaymentNotFound        = "PAYMENT_NOT_FOUND"
	CodeInvoiceNotFound        = "INVOICE_NOT_FOUND"
	CodePurchaseNotFound       = "PURCHASE_NOT_FOUND"
	CodeEscrowNotOpen          = "ESCROW_NOT_OPEN"
	CodeEscrowReleaseTooHigh   = "ESCROW_RELEASE_TOO_HIGH"
	CodePayoutNotFound         = "PAYOUT_NOT_FOUND"
	CodePayoutAccountNotFound  = "PAYOUT_ACCOUNT_NOT_FOUND"
	CodePlatformWalletNotFound = "PLATFORM_WALLET_NOT_FOUND"
	CodePayeeWalletNotFound    = "PAYEE_WALLET_NOT_FOUND"
	CodeCurrencyMismatch       = "CURRENCY_MISMATCH"
	CodeForbidden              = "FORBIDDEN"
)

// Error is a coded domain error. Handlers map codes to HTTP statuses;
// everything uncoded is treated as internal.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// E builds a coded domain error.
func E(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// CodeOf returns the domain error code in err's chain, or "".
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
