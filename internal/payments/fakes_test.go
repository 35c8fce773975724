package payments

import (
	"context"
	"io"
	"log/slog"

	"rentledger/internal/common/database"
	"rentledger/internal/common/money"
	"rentledger/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type splitKey struct {
	paymentID string
	splitType domain.SplitType
}

type linkKey struct {
	parentID  string
	paymentID string
}

// fakeStore is an in-memory Store for service tests.
type fakeStore struct {
	payments     map[string]*domain.Payment // by id
	byReference  map[string]string          // reference -> id
	splits       map[splitKey]*domain.PaymentSplit
	invoices     map[string]*domain.RentInvoice
	purchases    map[string]*domain.PropertyPurchase
	invoiceLinks map[linkKey]bool
	purchaseLink map[linkKey]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		payments:     make(map[string]*domain.Payment),
		byReference:  make(map[string]string),
		splits:       make(map[splitKey]*domain.PaymentSplit),
		invoices:     make(map[string]*domain.RentInvoice),
		purchases:    make(map[string]*domain.PropertyPurchase),
		invoiceLinks: make(map[linkKey]bool),
		purchaseLink: make(map[linkKey]bool),
	}
}

func (f *fakeStore) InsertPayment(_ context.Context, _ database.Querier, p *domain.Payment) error {
	f.payments[p.ID] = p
	f.byReference[p.TransactionReference] = p.ID
	return nil
}

func (f *fakeStore) GetPaymentByReferenceForUpdate(_ context.Context, _ database.Querier, reference string) (*domain.Payment, error) {
	id, ok := f.byReference[reference]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *f.payments[id]
	return &cp, nil
}

func (f *fakeStore) MarkPaymentSuccessful(_ context.Context, _ database.Querier, paymentID, gatewayPaymentID string) error {
	p := f.payments[paymentID]
	p.Status = domain.PaymentSuccessful
	if p.GatewayPaymentID == "" {
		p.GatewayPaymentID = gatewayPaymentID
	}
	return nil
}

func (f *fakeStore) UpdatePaymentFees(_ context.Context, _ database.Querier, paymentID string, feeMinor, netMinor, pctBps int64) error {
	p := f.payments[paymentID]
	p.PlatformFeeMinor = feeMinor
	p.PayeeNetMinor = netMinor
	p.FeePctBps = pctBps
	return nil
}

func (f *fakeStore) EnsureSplit(_ context.Context, _ database.Querier, split *domain.PaymentSplit) error {
	k := splitKey{paymentID: split.PaymentID, splitType: split.Type}
	if _, ok := f.splits[k]; ok {
		return nil
	}
	f.splits[k] = split
	return nil
}

func (f *fakeStore) GetInvoice(_ context.Context, _ database.Querier, invoiceID string) (*domain.RentInvoice, error) {
	inv, ok := f.invoices[invoiceID]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (f *fakeStore) GetInvoiceForUpdate(ctx context.Context, q database.Querier, invoiceID string) (*domain.RentInvoice, error) {
	return f.GetInvoice(ctx, q, invoiceID)
}

func (f *fakeStore) LinkInvoicePayment(_ context.Context, _ database.Querier, invoiceID, paymentID string) error {
	f.invoiceLinks[linkKey{parentID: invoiceID, paymentID: paymentID}] = true
	return nil
}

func (f *fakeStore) InvoiceIDForPayment(_ context.Context, _ database.Querier, paymentID string) (string, error) {
	for k := range f.invoiceLinks {
		if k.paymentID == paymentID {
			return k.parentID, nil
		}
	}
	return "", database.ErrNotFound
}

func (f *fakeStore) ApplyInvoicePayment(_ context.Context, _ database.Querier, invoiceID string, amountMinor int64, fullyPaid bool) error {
	inv := f.invoices[invoiceID]
	inv.PaidMinor += amountMinor
	if fullyPaid {
		inv.Paid = true
		inv.Status = "paid"
	}
	return nil
}

func (f *fakeStore) GetPurchase(_ context.Context, _ database.Querier, purchaseID string) (*domain.PropertyPurchase, error) {
	p, ok := f.purchases[purchaseID]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) LinkPurchasePayment(_ context.Context, _ database.Querier, purchaseID, paymentID string) error {
	f.purchaseLink[linkKey{parentID: purchaseID, paymentID: paymentID}] = true
	return nil
}

func (f *fakeStore) PurchaseIDForPayment(_ context.Context, _ database.Querier, paymentID string) (string, error) {
	for k := range f.purchaseLink {
		if k.paymentID == paymentID {
			return k.parentID, nil
		}
	}
	return "", database.ErrNotFound
}

// ledgerEntry records one fake ledger posting.
type ledgerEntry struct {
	kind    string
	userID  string
	amount  money.Money
	refType string
	refID   string
}

// fakeLedger records credits and enforces reference idempotency the way
// the real ledger does.
type fakeLedger struct {
	entries []ledgerEntry
	posted  map[string]bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{posted: make(map[string]bool)}
}

func (f *fakeLedger) post(kind, userID string, amount money.Money, refType, refID string) {
	key := refType + "/" + refID + "/" + kind
	if f.posted[key] || !amount.IsPositive() {
		return
	}
	f.posted[key] = true
	f.entries = append(f.entries, ledgerEntry{kind: kind, userID: userID, amount: amount, refType: refType, refID: refID})
}

func (f *fakeLedger) CreditPayee(_ context.Context, _ database.Querier, _, payeeUserID string, amount money.Money, refType, refID, _ string) error {
	f.post("credit_payee", payeeUserID, amount, refType, refID)
	return nil
}

func (f *fakeLedger) CreditPlatformFee(_ context.Context, _ database.Querier, _ string, amount money.Money, refType, refID, _ string) error {
	f.post("credit_platform_fee", "", amount, refType, refID)
	return nil
}

func (f *fakeLedger) total(kind string) int64 {
	var sum int64
	for _, e := range f.entries {
		if e.kind == kind {
			sum += e.amount.AmountMinor
		}
	}
	return sum
}

// fakeReconciler counts purchase reconciliations.
type fakeReconciler struct {
	calls []string
}

func (f *fakeReconciler) ReconcilePurchase(_ context.Context, _ database.Querier, purchaseID string) error {
	f.calls = append(f.calls, purchaseID)
	return nil
}
