package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"

	"rentledger/internal/common/database"
	"rentledger/internal/common/events"
	"rentledger/internal/common/money"
	"rentledger/internal/domain"
	"rentledger/internal/payments"
	"rentledger/internal/payouts"
)

type fakeTxRunner struct{}

func (fakeTxRunner) WithTx(_ context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

type fakeCharges struct {
	events []payments.ChargeEvent
	result *payments.FinalizeResult
	err    error
}

func (f *fakeCharges) FinalizeCharge(_ context.Context, _ database.Querier, ev payments.ChargeEvent) (*payments.FinalizeResult, error) {
	f.events = append(f.events, ev)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &payments.FinalizeResult{PaymentID: "pay-1", OrgID: "org-1", Kind: domain.KindRent}, nil
}

type fakeTransfers struct {
	events []payouts.TransferEvent
	err    error
}

func (f *fakeTransfers) FinalizeTransfer(_ context.Context, _ database.Querier, ev payouts.TransferEvent) (*domain.Payout, error) {
	f.events = append(f.events, ev)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Payout{ID: "po-1", OrgID: "org-1", Status: domain.PayoutPaid, Amount: money.New(1000, money.NGN)}, nil
}

type fakePublisher struct {
	published []*events.Event
}

func (f *fakePublisher) Publish(_ context.Context, ev *events.Event) error {
	f.published = append(f.published, ev)
	return nil
}

func testHandler(charges *fakeCharges, transfers *fakeTransfers) *Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(fakeTxRunner{}, charges, transfers, nil, testSecret, logger)
}

func deliver(t *testing.T, h *Handler, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/paystack", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, signature)
	rec := httptest.NewRecorder()
	h.Handle(rec, req)
	return rec
}

func TestHandle_ChargeSuccess(t *testing.T) {
	charges := &fakeCharges{}
	h := testHandler(charges, &fakeTransfers{})

	body := []byte(`{"event":"charge.success","data":{"id":302961,"reference":"rentinv_inv-1_01A","amount":100000,"currency":"USD"}}`)
	rec := deliver(t, h, body, hexSign(t, testSecret, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(charges.events) != 1 {
		t.Fatalf("expected one charge event, got %d", len(charges.events))
	}
	ev := charges.events[0]
	if ev.Reference != "rentinv_inv-1_01A" || ev.AmountMinor != 100000 || ev.GatewayPaymentID != "302961" {
		t.Errorf("unexpected charge event: %+v", ev)
	}
}

func TestHandle_TransferEvent(t *testing.T) {
	transfers := &fakeTransfers{}
	h := testHandler(&fakeCharges{}, transfers)

	body := []byte(`{"event":"transfer.failed","data":{"transfer_code":"TRF_1","reference":"payout_01A"}}`)
	rec := deliver(t, h, body, hexSign(t, testSecret, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(transfers.events) != 1 {
		t.Fatalf("expected one transfer event, got %d", len(transfers.events))
	}
	ev := transfers.events[0]
	if ev.Event != "transfer.failed" || ev.TransferCode != "TRF_1" {
		t.Errorf("unexpected transfer event: %+v", ev)
	}
	if !bytes.Equal(ev.Raw, body) {
		t.Error("expected raw body to be forwarded for reference scraping")
	}
}

func TestHandle_BadSignature(t *testing.T) {
	charges := &fakeCharges{}
	h := testHandler(charges, &fakeTransfers{})

	body := []byte(`{"event":"charge.success","data":{"reference":"rentinv_1_01A"}}`)
	rec := deliver(t, h, body, hexSign(t, "wrong-secret", body))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	if len(charges.events) != 0 {
		t.Error("unverified event must not reach the finalizer")
	}
}

func TestHandle_MalformedSignature(t *testing.T) {
	h := testHandler(&fakeCharges{}, &fakeTransfers{})

	body := []byte(`{"event":"charge.success"}`)
	rec := deliver(t, h, body, "not-a-signature")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error.Code != domain.CodeSignatureInvalidFormat {
		t.Errorf("expected SIGNATURE_INVALID_FORMAT, got %s", resp.Error.Code)
	}
}

func TestHandle_BadJSON(t *testing.T) {
	h := testHandler(&fakeCharges{}, &fakeTransfers{})

	body := []byte(`{"event":`)
	rec := deliver(t, h, body, hexSign(t, testSecret, body))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandle_ProcessingFailureStillAcks(t *testing.T) {
	charges := &fakeCharges{err: domain.E(domain.CodePaymentNotFound, "no payment")}
	h := testHandler(charges, &fakeTransfers{})

	body := []byte(`{"event":"charge.success","data":{"reference":"rentinv_unknown_01A"}}`)
	rec := deliver(t, h, body, hexSign(t, testSecret, body))

	if rec.Code != http.StatusOK {
		t.Errorf("authentic but unprocessable event must still ack, got %d", rec.Code)
	}
}

func TestHandle_PublishesInvoicePaid(t *testing.T) {
	charges := &fakeCharges{result: &payments.FinalizeResult{
		PaymentID:        "pay-1",
		OrgID:            "org-1",
		Kind:             domain.KindRent,
		AmountMinor:      60000,
		Currency:         "USD",
		PlatformFeeMinor: 1500,
		PayeeNetMinor:    58500,
		InvoiceID:        "inv-1",
		InvoicePaidMinor: 100000,
		InvoicePaid:      true,
	}}
	pub := &fakePublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(fakeTxRunner{}, charges, &fakeTransfers{}, pub, testSecret, logger)

	body := []byte(`{"event":"charge.success","data":{"id":302961,"reference":"rentinv_inv-1_01A","amount":60000,"currency":"USD"}}`)
	rec := deliver(t, h, body, hexSign(t, testSecret, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(pub.published) != 2 {
		t.Fatalf("expected payment.finalized and invoice.paid, got %d events", len(pub.published))
	}

	paid := pub.published[1]
	if paid.Type != events.EventInvoicePaid {
		t.Fatalf("expected %s, got %s", events.EventInvoicePaid, paid.Type)
	}
	if paid.OrgID != "org-1" || paid.AggregateID != "inv-1" {
		t.Errorf("unexpected envelope: org=%s aggregate=%s", paid.OrgID, paid.AggregateID)
	}

	var data events.InvoicePaidData
	if err := paid.DecodeData(&data); err != nil {
		t.Fatalf("decode event data: %v", err)
	}
	if data.InvoiceID != "inv-1" || data.PaymentID != "pay-1" {
		t.Errorf("unexpected data: %+v", data)
	}
	if data.PaidMinor != 100000 {
		t.Errorf("expected invoice paid total 100000, got %d", data.PaidMinor)
	}
	if data.AmountMinor != 60000 {
		t.Errorf("expected payment amount 60000, got %d", data.AmountMinor)
	}
}

func TestHandle_IgnoresUnknownEvents(t *testing.T) {
	charges := &fakeCharges{}
	transfers := &fakeTransfers{}
	h := testHandler(charges, transfers)

	body := []byte(`{"event":"subscription.create","data":{}}`)
	rec := deliver(t, h, body, hexSign(t, testSecret, body))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if len(charges.events) != 0 || len(transfers.events) != 0 {
		t.Error("unknown event must not dispatch")
	}
}
