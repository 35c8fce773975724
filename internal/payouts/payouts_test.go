package payouts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"rentledger/internal/common/database"
	"rentledger/internal/common/money"
	"rentledger/internal/domain"
	"rentledger/internal/providers/paystack"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	accounts map[string]*domain.PayoutAccount
	payouts  map[string]*domain.Payout
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: make(map[string]*domain.PayoutAccount),
		payouts:  make(map[string]*domain.Payout),
	}
}

func (f *fakeStore) UpsertAccount(_ context.Context, _ database.Querier, acct *domain.PayoutAccount) (string, error) {
	for _, existing := range f.accounts {
		if existing.UserID == acct.UserID && existing.Provider == acct.Provider && existing.ProviderToken == acct.ProviderToken {
			existing.BankCode = acct.BankCode
			existing.AccountLast4 = acct.AccountLast4
			existing.AccountName = acct.AccountName
			existing.IsDefault = acct.IsDefault
			return existing.ID, nil
		}
	}
	cp := *acct
	f.accounts[acct.ID] = &cp
	return acct.ID, nil
}

func (f *fakeStore) ClearDefaultAccounts(_ context.Context, _ database.Querier, userID string) error {
	for _, acct := range f.accounts {
		if acct.UserID == userID {
			acct.IsDefault = false
		}
	}
	return nil
}

func (f *fakeStore) GetAccount(_ context.Context, _ database.Querier, accountID string) (*domain.PayoutAccount, error) {
	acct, ok := f.accounts[accountID]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *acct
	return &cp, nil
}

func (f *fakeStore) ListAccounts(_ context.Context, _ database.Querier, userID string) ([]*domain.PayoutAccount, error) {
	var out []*domain.PayoutAccount
	for _, acct := range f.accounts {
		if acct.UserID == userID {
			cp := *acct
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertPayout(_ context.Context, _ database.Querier, payout *domain.Payout) error {
	cp := *payout
	f.payouts[payout.ID] = &cp
	return nil
}

func (f *fakeStore) GetPayout(_ context.Context, _ database.Querier, payoutID string) (*domain.Payout, error) {
	return f.getPayout(payoutID)
}

func (f *fakeStore) GetPayoutForUpdate(_ context.Context, _ database.Querier, payoutID string) (*domain.Payout, error) {
	return f.getPayout(payoutID)
}

func (f *fakeStore) getPayout(payoutID string) (*domain.Payout, error) {
	p, ok := f.payouts[payoutID]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) FindPayoutByGatewayID(_ context.Context, _ database.Querier, gatewayPayoutID string) (*domain.Payout, error) {
	for _, p := range f.payouts {
		if p.GatewayPayoutID == gatewayPayoutID && gatewayPayoutID != "" {
			cp := *p
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) FindPayoutByReference(_ context.Context, _ database.Querier, reference string) (*domain.Payout, error) {
	for _, p := range f.payouts {
		if p.Reference == reference {
			cp := *p
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) RecordProcessResult(_ context.Context, _ database.Querier, payoutID string, status domain.PayoutStatus, gatewayPayoutID string, response json.RawMessage) error {
	p := f.payouts[payoutID]
	p.Status = status
	if p.GatewayPayoutID == "" {
		p.GatewayPayoutID = gatewayPayoutID
	}
	p.GatewayResponse = response
	return nil
}

func (f *fakeStore) FinalizePayout(_ context.Context, _ database.Querier, payoutID string, status domain.PayoutStatus, gatewayPayoutID string, response json.RawMessage) error {
	p := f.payouts[payoutID]
	if p.Status == domain.PayoutReversed {
		return nil
	}
	p.Status = status
	if p.GatewayPayoutID == "" && gatewayPayoutID != "" {
		p.GatewayPayoutID = gatewayPayoutID
	}
	if p.ProcessedAt == nil {
		now := time.Now()
		p.ProcessedAt = &now
	}
	p.GatewayResponse = response
	return nil
}

func (f *fakeStore) ListPayouts(_ context.Context, _ database.Querier, orgID, userID string, _, _ int) ([]*domain.Payout, error) {
	var out []*domain.Payout
	for _, p := range f.payouts {
		if p.OrgID == orgID && (userID == "" || p.UserID == userID) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

type debit struct {
	userID string
	kind   domain.TxnType
	amount int64
	refID  string
}

type fakeLedger struct {
	debits []debit
}

func (f *fakeLedger) DebitPayee(_ context.Context, _ database.Querier, _, payeeUserID string, kind domain.TxnType, amount money.Money, _, refID, _ string) error {
	f.debits = append(f.debits, debit{userID: payeeUserID, kind: kind, amount: amount.AmountMinor, refID: refID})
	return nil
}

type fakeGateway struct {
	recipients  []paystack.RecipientRequest
	transfers   []paystack.TransferRequest
	transferErr error
}

func (f *fakeGateway) CreateTransferRecipient(_ context.Context, req paystack.RecipientRequest) (*paystack.Recipient, error) {
	f.recipients = append(f.recipients, req)
	return &paystack.Recipient{RecipientCode: "RCP_" + req.AccountNumber, Active: true}, nil
}

func (f *fakeGateway) InitiateTransfer(_ context.Context, req paystack.TransferRequest) (*paystack.Transfer, error) {
	f.transfers = append(f.transfers, req)
	if f.transferErr != nil {
		return nil, f.transferErr
	}
	return &paystack.Transfer{
		TransferCode: "TRF_1",
		Status:       "pending",
		Raw:          json.RawMessage(`{"transfer_code":"TRF_1"}`),
	}, nil
}

type fakeTxRunner struct{}

func (fakeTxRunner) WithTx(_ context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

func testService(store *fakeStore, ledger *fakeLedger, gateway *fakeGateway) *Service {
	return NewService(fakeTxRunner{}, store, ledger, gateway, testLogger())
}

func landlordRC() domain.RequestContext {
	return domain.RequestContext{OrgID: "org-1", UserID: "landlord-1", Role: "landlord"}
}

func seedAccount(store *fakeStore) *domain.PayoutAccount {
	acct := &domain.PayoutAccount{
		ID:            "acct-1",
		UserID:        "landlord-1",
		Provider:      "paystack",
		ProviderToken: "RCP_1",
		BankCode:      "058",
		AccountLast4:  "4567",
		Currency:      money.NGN,
	}
	store.accounts[acct.ID] = acct
	return acct
}

func TestCreateAccount(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{}
	svc := testService(store, &fakeLedger{}, gateway)

	existing := seedAccount(store)
	existing.IsDefault = true

	acct, err := svc.CreateAccount(context.Background(), nil, landlordRC(), CreateAccountRequest{
		AccountName:   "Ada Obi",
		AccountNumber: "0001234567",
		BankCode:      "058",
		Currency:      "ngn",
		MakeDefault:   true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(gateway.recipients) != 1 {
		t.Fatalf("expected one recipient registration, got %d", len(gateway.recipients))
	}
	if acct.ProviderToken != "RCP_0001234567" {
		t.Errorf("unexpected provider token: %s", acct.ProviderToken)
	}
	if acct.AccountLast4 != "4567" {
		t.Errorf("unexpected last4: %s", acct.AccountLast4)
	}
	if acct.Currency != money.NGN {
		t.Errorf("currency not normalized: %s", acct.Currency)
	}
	if !acct.IsDefault {
		t.Error("expected new account to be default")
	}
	if store.accounts["acct-1"].IsDefault {
		t.Error("expected previous default to be cleared")
	}
}

func TestRequest(t *testing.T) {
	store := newFakeStore()
	ledger := &fakeLedger{}
	svc := testService(store, ledger, &fakeGateway{})
	seedAccount(store)

	payout, err := svc.Request(context.Background(), nil, landlordRC(), RequestPayoutRequest{
		PayoutAccountID: "acct-1",
		AmountMinor:     48750,
		Currency:        "NGN",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if payout.Status != domain.PayoutPending {
		t.Errorf("expected pending, got %s", payout.Status)
	}
	if payout.Reference != "payout_"+payout.ID {
		t.Errorf("unexpected reference: %s", payout.Reference)
	}
	if len(ledger.debits) != 1 {
		t.Fatalf("expected one wallet reservation, got %d", len(ledger.debits))
	}
	d := ledger.debits[0]
	if d.kind != domain.TxnDebitPayout || d.amount != 48750 || d.refID != payout.ID {
		t.Errorf("unexpected reservation: %+v", d)
	}
}

func TestRequest_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		req      RequestPayoutRequest
		rc       domain.RequestContext
		wantCode string
	}{
		{
			name:     "unknown account",
			req:      RequestPayoutRequest{PayoutAccountID: "missing", AmountMinor: 1000, Currency: "NGN"},
			rc:       landlordRC(),
			wantCode: domain.CodePayoutAccountNotFound,
		},
		{
			name:     "someone else's account",
			req:      RequestPayoutRequest{PayoutAccountID: "acct-1", AmountMinor: 1000, Currency: "NGN"},
			rc:       domain.RequestContext{OrgID: "org-1", UserID: "other-user"},
			wantCode: domain.CodePayoutAccountNotFound,
		},
		{
			name:     "currency mismatch",
			req:      RequestPayoutRequest{PayoutAccountID: "acct-1", AmountMinor: 1000, Currency: "USD"},
			rc:       landlordRC(),
			wantCode: domain.CodeCurrencyMismatch,
		},
		{
			name:     "non-positive amount",
			req:      RequestPayoutRequest{PayoutAccountID: "acct-1", AmountMinor: 0, Currency: "NGN"},
			rc:       landlordRC(),
			wantCode: domain.CodeAmountInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			seedAccount(store)
			svc := testService(store, &fakeLedger{}, &fakeGateway{})

			_, err := svc.Request(context.Background(), nil, tt.rc, tt.req)
			if domain.CodeOf(err) != tt.wantCode {
				t.Errorf("expected %s, got %v", tt.wantCode, err)
			}
		})
	}
}

func seedPayout(store *fakeStore, status domain.PayoutStatus) *domain.Payout {
	p := &domain.Payout{
		ID:              "01HZXW8J9VQR4T6Y2B3N5M7K8P",
		OrgID:           "org-1",
		UserID:          "landlord-1",
		PayoutAccountID: "acct-1",
		Amount:          money.New(48750, money.NGN),
		Status:          status,
	}
	p.Reference = "payout_" + p.ID
	store.payouts[p.ID] = p
	return p
}

func TestProcess(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{}
	svc := testService(store, &fakeLedger{}, gateway)
	seedAccount(store)
	p := seedPayout(store, domain.PayoutPending)

	got, err := svc.Process(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.Status != domain.PayoutProcessing {
		t.Errorf("expected processing, got %s", got.Status)
	}
	if len(gateway.transfers) != 1 {
		t.Fatalf("expected one transfer, got %d", len(gateway.transfers))
	}
	tr := gateway.transfers[0]
	if tr.Reference != p.Reference {
		t.Errorf("transfer must carry the stable reference, got %s", tr.Reference)
	}
	if tr.RecipientCode != "RCP_1" || tr.AmountMinor != 48750 {
		t.Errorf("unexpected transfer request: %+v", tr)
	}
	if store.payouts[p.ID].GatewayPayoutID != "TRF_1" {
		t.Errorf("transfer code not recorded: %s", store.payouts[p.ID].GatewayPayoutID)
	}
}

func TestProcess_SkipsInFlightPayout(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{}
	svc := testService(store, &fakeLedger{}, gateway)
	seedAccount(store)
	p := seedPayout(store, domain.PayoutProcessing)
	p.GatewayPayoutID = "TRF_existing"

	got, err := svc.Process(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != domain.PayoutProcessing {
		t.Errorf("status changed: %s", got.Status)
	}
	if len(gateway.transfers) != 0 {
		t.Error("in-flight payout must not hit the gateway again")
	}
}

func TestProcess_GatewayFailure(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{transferErr: errors.New("insufficient balance")}
	svc := testService(store, &fakeLedger{}, gateway)
	seedAccount(store)
	p := seedPayout(store, domain.PayoutPending)

	_, err := svc.Process(context.Background(), p.ID)
	if err == nil {
		t.Fatal("expected error")
	}
	if store.payouts[p.ID].Status != domain.PayoutFailed {
		t.Errorf("expected failed, got %s", store.payouts[p.ID].Status)
	}
}

func TestProcess_FailedPayoutCanRetry(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{}
	svc := testService(store, &fakeLedger{}, gateway)
	seedAccount(store)
	seedPayout(store, domain.PayoutFailed)

	got, err := svc.Process(context.Background(), "01HZXW8J9VQR4T6Y2B3N5M7K8P")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != domain.PayoutProcessing {
		t.Errorf("expected processing after retry, got %s", got.Status)
	}
}

func TestFinalizeTransfer_Matching(t *testing.T) {
	tests := []struct {
		name string
		ev   TransferEvent
	}{
		{
			name: "by transfer code",
			ev:   TransferEvent{Event: "transfer.success", TransferCode: "TRF_existing"},
		},
		{
			name: "by reference",
			ev:   TransferEvent{Event: "transfer.success", Reference: "payout_01HZXW8J9VQR4T6Y2B3N5M7K8P"},
		},
		{
			name: "by reference buried in the body",
			ev: TransferEvent{
				Event: "transfer.success",
				Raw:   json.RawMessage(`{"narration":"settlement for payout_01HZXW8J9VQR4T6Y2B3N5M7K8P"}`),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			svc := testService(store, &fakeLedger{}, &fakeGateway{})
			p := seedPayout(store, domain.PayoutProcessing)
			p.GatewayPayoutID = "TRF_existing"

			got, err := svc.FinalizeTransfer(context.Background(), nil, tt.ev)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.ID != p.ID {
				t.Errorf("matched wrong payout: %s", got.ID)
			}
			if store.payouts[p.ID].Status != domain.PayoutPaid {
				t.Errorf("expected paid, got %s", store.payouts[p.ID].Status)
			}
			if store.payouts[p.ID].ProcessedAt == nil {
				t.Error("expected processed_at to be set")
			}
		})
	}
}

func TestFinalizeTransfer_StatusMapping(t *testing.T) {
	tests := []struct {
		event string
		want  domain.PayoutStatus
	}{
		{"transfer.success", domain.PayoutPaid},
		{"transfer.failed", domain.PayoutFailed},
		{"transfer.reversed", domain.PayoutReversed},
	}

	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			store := newFakeStore()
			svc := testService(store, &fakeLedger{}, &fakeGateway{})
			p := seedPayout(store, domain.PayoutProcessing)
			p.GatewayPayoutID = "TRF_1"

			if _, err := svc.FinalizeTransfer(context.Background(), nil, TransferEvent{Event: tt.event, TransferCode: "TRF_1"}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if store.payouts[p.ID].Status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, store.payouts[p.ID].Status)
			}
		})
	}
}

func TestFinalizeTransfer_Unmatched(t *testing.T) {
	svc := testService(newFakeStore(), &fakeLedger{}, &fakeGateway{})

	_, err := svc.FinalizeTransfer(context.Background(), nil, TransferEvent{
		Event:        "transfer.success",
		TransferCode: "TRF_unknown",
	})
	if domain.CodeOf(err) != domain.CodePayoutNotFound {
		t.Errorf("expected PAYOUT_NOT_FOUND, got %v", err)
	}
}

func TestFinalizeTransfer_ReversedIsTerminal(t *testing.T) {
	store := newFakeStore()
	svc := testService(store, &fakeLedger{}, &fakeGateway{})
	p := seedPayout(store, domain.PayoutProcessing)
	p.GatewayPayoutID = "TRF_1"

	if _, err := svc.FinalizeTransfer(context.Background(), nil, TransferEvent{Event: "transfer.reversed", TransferCode: "TRF_1"}); err != nil {
		t.Fatalf("reversal webhook: %v", err)
	}
	if store.payouts[p.ID].Status != domain.PayoutReversed {
		t.Fatalf("expected reversed, got %s", store.payouts[p.ID].Status)
	}

	// A stale success delivered after the reversal must not flip it back
	got, err := svc.FinalizeTransfer(context.Background(), nil, TransferEvent{Event: "transfer.success", TransferCode: "TRF_1"})
	if err != nil {
		t.Fatalf("stale success webhook: %v", err)
	}
	if got.Status != domain.PayoutReversed {
		t.Errorf("returned payout left reversed state: %s", got.Status)
	}
	if store.payouts[p.ID].Status != domain.PayoutReversed {
		t.Errorf("stale success resurrected payout: %s", store.payouts[p.ID].Status)
	}
}

func TestFinalizeTransfer_ReplayKeepsProcessedAt(t *testing.T) {
	store := newFakeStore()
	svc := testService(store, &fakeLedger{}, &fakeGateway{})
	p := seedPayout(store, domain.PayoutProcessing)
	p.GatewayPayoutID = "TRF_1"

	if _, err := svc.FinalizeTransfer(context.Background(), nil, TransferEvent{Event: "transfer.success", TransferCode: "TRF_1"}); err != nil {
		t.Fatalf("first webhook: %v", err)
	}
	first := *store.payouts[p.ID].ProcessedAt

	time.Sleep(time.Millisecond)
	if _, err := svc.FinalizeTransfer(context.Background(), nil, TransferEvent{Event: "transfer.success", TransferCode: "TRF_1"}); err != nil {
		t.Fatalf("replayed webhook: %v", err)
	}

	if !store.payouts[p.ID].ProcessedAt.Equal(first) {
		t.Error("replay moved processed_at")
	}
}
