package payments

import (
	"context"
	"testing"

	"rentledger/internal/common/money"
	"rentledger/internal/domain"
)

func pendingRentPayment(store *fakeStore, id, invoiceID string, amountMinor int64) *domain.Payment {
	p := &domain.Payment{
		ID:                   id,
		OrgID:                "org-1",
		PayerUserID:          "tenant-1",
		Kind:                 domain.KindRent,
		Status:               domain.PaymentPending,
		Amount:               money.New(amountMinor, money.USD),
		TransactionReference: "rentinv_" + invoiceID + "_" + id,
	}
	store.payments[p.ID] = p
	store.byReference[p.TransactionReference] = p.ID
	store.invoiceLinks[linkKey{parentID: invoiceID, paymentID: p.ID}] = true
	return p
}

func pendingBuyPayment(store *fakeStore, id, purchaseID string, amountMinor int64) *domain.Payment {
	p := &domain.Payment{
		ID:                   id,
		OrgID:                "org-1",
		PayerUserID:          "buyer-1",
		Kind:                 domain.KindBuy,
		Status:               domain.PaymentPending,
		Amount:               money.New(amountMinor, money.USD),
		TransactionReference: "purchase_" + purchaseID + "_" + id,
	}
	store.payments[p.ID] = p
	store.byReference[p.TransactionReference] = p.ID
	store.purchaseLink[linkKey{parentID: purchaseID, paymentID: p.ID}] = true
	return p
}

func TestFinalizeCharge_InvoicePayment(t *testing.T) {
	store := newFakeStore()
	ledger := newFakeLedger()
	recon := &fakeReconciler{}
	store.invoices["inv-1"] = testInvoice("inv-1", 100000, 0)
	p := pendingRentPayment(store, "pay-1", "inv-1", 100000)

	fin := NewFinalizer(store, ledger, recon, testLogger())
	result, err := fin.FinalizeCharge(context.Background(), nil, ChargeEvent{
		Reference:        p.TransactionReference,
		GatewayPaymentID: "gw-123",
		AmountMinor:      100000,
		Currency:         "USD",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.AlreadyProcessed {
		t.Error("first finalize must not report already processed")
	}
	if result.PlatformFeeMinor != 2500 || result.PayeeNetMinor != 97500 {
		t.Errorf("expected 2500/97500, got %d/%d", result.PlatformFeeMinor, result.PayeeNetMinor)
	}
	if !result.InvoicePaid {
		t.Error("full payment should mark the invoice paid")
	}
	if result.InvoicePaidMinor != 100000 {
		t.Errorf("expected paid total 100000, got %d", result.InvoicePaidMinor)
	}

	stored := store.payments["pay-1"]
	if stored.Status != domain.PaymentSuccessful {
		t.Errorf("expected successful, got %s", stored.Status)
	}
	if stored.GatewayPaymentID != "gw-123" {
		t.Errorf("expected gateway id recorded, got %q", stored.GatewayPaymentID)
	}

	inv := store.invoices["inv-1"]
	if inv.PaidMinor != 100000 || !inv.Paid {
		t.Errorf("invoice not settled: paid_minor=%d paid=%v", inv.PaidMinor, inv.Paid)
	}

	if got := ledger.total("credit_payee"); got != 97500 {
		t.Errorf("expected payee credit 97500, got %d", got)
	}
	if got := ledger.total("credit_platform_fee"); got != 2500 {
		t.Errorf("expected platform credit 2500, got %d", got)
	}
}

func TestFinalizeCharge_ReplayIsIdempotent(t *testing.T) {
	store := newFakeStore()
	ledger := newFakeLedger()
	recon := &fakeReconciler{}
	store.invoices["inv-1"] = testInvoice("inv-1", 100000, 0)
	p := pendingRentPayment(store, "pay-1", "inv-1", 100000)

	fin := NewFinalizer(store, ledger, recon, testLogger())
	ev := ChargeEvent{Reference: p.TransactionReference, GatewayPaymentID: "gw-123", AmountMinor: 100000}

	if _, err := fin.FinalizeCharge(context.Background(), nil, ev); err != nil {
		t.Fatalf("first finalize: %v", err)
	}

	// Redelivery with a different gateway id must change nothing
	ev.GatewayPaymentID = "gw-456"
	result, err := fin.FinalizeCharge(context.Background(), nil, ev)
	if err != nil {
		t.Fatalf("second finalize: %v", err)
	}
	if !result.AlreadyProcessed {
		t.Error("expected already-processed on replay")
	}

	if store.invoices["inv-1"].PaidMinor != 100000 {
		t.Errorf("replay changed invoice paid total: %d", store.invoices["inv-1"].PaidMinor)
	}
	if store.payments["pay-1"].GatewayPaymentID != "gw-123" {
		t.Errorf("replay overwrote gateway id: %s", store.payments["pay-1"].GatewayPaymentID)
	}
	if got := ledger.total("credit_payee"); got != 97500 {
		t.Errorf("replay duplicated ledger credits: %d", got)
	}
}

func TestFinalizeCharge_AmountMismatch(t *testing.T) {
	store := newFakeStore()
	store.invoices["inv-1"] = testInvoice("inv-1", 100000, 0)
	p := pendingRentPayment(store, "pay-1", "inv-1", 100000)

	fin := NewFinalizer(store, newFakeLedger(), &fakeReconciler{}, testLogger())
	_, err := fin.FinalizeCharge(context.Background(), nil, ChargeEvent{
		Reference:   p.TransactionReference,
		AmountMinor: 90000,
	})
	if domain.CodeOf(err) != domain.CodeAmountMismatch {
		t.Fatalf("expected AMOUNT_MISMATCH, got %v", err)
	}

	if store.payments["pay-1"].Status != domain.PaymentPending {
		t.Error("mismatched payment must stay pending")
	}
}

func TestFinalizeCharge_AmountWithinTolerance(t *testing.T) {
	store := newFakeStore()
	store.invoices["inv-1"] = testInvoice("inv-1", 100000, 0)
	p := pendingRentPayment(store, "pay-1", "inv-1", 100000)

	fin := NewFinalizer(store, newFakeLedger(), &fakeReconciler{}, testLogger())
	_, err := fin.FinalizeCharge(context.Background(), nil, ChargeEvent{
		Reference:   p.TransactionReference,
		AmountMinor: 100001,
	})
	if err != nil {
		t.Fatalf("one minor unit of drift should pass: %v", err)
	}
}

func TestFinalizeCharge_UnknownReference(t *testing.T) {
	fin := NewFinalizer(newFakeStore(), newFakeLedger(), &fakeReconciler{}, testLogger())

	_, err := fin.FinalizeCharge(context.Background(), nil, ChargeEvent{Reference: "rentinv_x_y"})
	if domain.CodeOf(err) != domain.CodePaymentNotFound {
		t.Errorf("expected PAYMENT_NOT_FOUND, got %v", err)
	}
}

func TestFinalizeCharge_PartialPaymentsAccumulate(t *testing.T) {
	store := newFakeStore()
	ledger := newFakeLedger()
	store.invoices["inv-1"] = testInvoice("inv-1", 100000, 0)
	p1 := pendingRentPayment(store, "pay-1", "inv-1", 40000)
	p2 := pendingRentPayment(store, "pay-2", "inv-1", 60000)

	fin := NewFinalizer(store, ledger, &fakeReconciler{}, testLogger())

	r1, err := fin.FinalizeCharge(context.Background(), nil, ChargeEvent{Reference: p1.TransactionReference, AmountMinor: 40000})
	if err != nil {
		t.Fatalf("first payment: %v", err)
	}
	if r1.InvoicePaid {
		t.Error("invoice must not be paid after 40000 of 100000")
	}
	if r1.InvoicePaidMinor != 40000 {
		t.Errorf("expected running total 40000, got %d", r1.InvoicePaidMinor)
	}

	r2, err := fin.FinalizeCharge(context.Background(), nil, ChargeEvent{Reference: p2.TransactionReference, AmountMinor: 60000})
	if err != nil {
		t.Fatalf("second payment: %v", err)
	}
	if !r2.InvoicePaid {
		t.Error("invoice should be paid after both payments")
	}
	if store.invoices["inv-1"].PaidMinor != 100000 {
		t.Errorf("expected 100000 paid, got %d", store.invoices["inv-1"].PaidMinor)
	}
}

func TestFinalizeCharge_PurchaseReconciles(t *testing.T) {
	store := newFakeStore()
	recon := &fakeReconciler{}
	store.purchases["pur-1"] = &domain.PropertyPurchase{
		ID:           "pur-1",
		OrgID:        "org-1",
		SellerUserID: "seller-1",
		AgreedTotal:  money.New(5000000, money.USD),
	}
	p := pendingBuyPayment(store, "pay-1", "pur-1", 2000000)

	fin := NewFinalizer(store, newFakeLedger(), recon, testLogger())
	result, err := fin.FinalizeCharge(context.Background(), nil, ChargeEvent{
		Reference:   p.TransactionReference,
		AmountMinor: 2000000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.PurchaseID != "pur-1" {
		t.Errorf("expected purchase id, got %q", result.PurchaseID)
	}
	if len(recon.calls) != 1 || recon.calls[0] != "pur-1" {
		t.Errorf("expected one reconcile call for pur-1, got %v", recon.calls)
	}

	if result.PlatformFeeMinor != 50000 || result.PayeeNetMinor != 1950000 {
		t.Errorf("expected 50000/1950000, got %d/%d", result.PlatformFeeMinor, result.PayeeNetMinor)
	}
	stored := store.payments["pay-1"]
	if stored.PlatformFeeMinor != 50000 || stored.PayeeNetMinor != 1950000 {
		t.Errorf("fee columns not persisted: %d/%d", stored.PlatformFeeMinor, stored.PayeeNetMinor)
	}

	feeSplit := store.splits[splitKey{paymentID: "pay-1", splitType: domain.SplitPlatformFee}]
	if feeSplit == nil || feeSplit.AmountMinor != 50000 {
		t.Fatalf("expected platform_fee split of 50000, got %+v", feeSplit)
	}
	netSplit := store.splits[splitKey{paymentID: "pay-1", splitType: domain.SplitPayeeNet}]
	if netSplit == nil || netSplit.AmountMinor != 1950000 {
		t.Fatalf("expected payee_net split of 1950000, got %+v", netSplit)
	}
	if netSplit.BeneficiaryUserID == nil || *netSplit.BeneficiaryUserID != "seller-1" {
		t.Errorf("expected seller as net beneficiary, got %v", netSplit.BeneficiaryUserID)
	}
}

func TestFinalizeCharge_SuccessfulPurchaseStillReconciles(t *testing.T) {
	store := newFakeStore()
	recon := &fakeReconciler{}
	store.purchases["pur-1"] = &domain.PropertyPurchase{
		ID:          "pur-1",
		OrgID:       "org-1",
		AgreedTotal: money.New(5000000, money.USD),
	}
	p := pendingBuyPayment(store, "pay-1", "pur-1", 2000000)
	p.Status = domain.PaymentSuccessful

	fin := NewFinalizer(store, newFakeLedger(), recon, testLogger())
	result, err := fin.FinalizeCharge(context.Background(), nil, ChargeEvent{
		Reference:   p.TransactionReference,
		AmountMinor: 2000000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.AlreadyProcessed {
		t.Error("expected already-processed")
	}
	// Crash recovery: the purchase is reconciled even on replay
	if len(recon.calls) != 1 {
		t.Errorf("expected reconcile on replay, got %v", recon.calls)
	}
}
