// Package payouts moves settled wallet funds to bank accounts through
// the gateway's transfer API.
package payouts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"rentledger/internal/common/database"
	"rentledger/internal/common/money"
	"rentledger/internal/domain"
	"rentledger/internal/providers/paystack"
)

// Store persists payouts and payout accounts on the caller's Querier.
type Store interface {
	UpsertAccount(ctx context.Context, q database.Querier, acct *domain.PayoutAccount) (string, error)
	ClearDefaultAccounts(ctx context.Context, q database.Querier, userID string) error
	GetAccount(ctx context.Context, q database.Querier, accountID string) (*domain.PayoutAccount, error)
	ListAccounts(ctx context.Context, q database.Querier, userID string) ([]*domain.PayoutAccount, error)
	InsertPayout(ctx context.Context, q database.Querier, payout *domain.Payout) error
	GetPayout(ctx context.Context, q database.Querier, payoutID string) (*domain.Payout, error)
	GetPayoutForUpdate(ctx context.Context, q database.Querier, payoutID string) (*domain.Payout, error)
	FindPayoutByGatewayID(ctx context.Context, q database.Querier, gatewayPayoutID string) (*domain.Payout, error)
	FindPayoutByReference(ctx context.Context, q database.Querier, reference string) (*domain.Payout, error)
	RecordProcessResult(ctx context.Context, q database.Querier, payoutID string, status domain.PayoutStatus, gatewayPayoutID string, response json.RawMessage) error
	FinalizePayout(ctx context.Context, q database.Querier, payoutID string, status domain.PayoutStatus, gatewayPayoutID string, response json.RawMessage) error
	ListPayouts(ctx context.Context, q database.Querier, orgID, userID string, limit, offset int) ([]*domain.Payout, error)
}

// Ledger is the slice of the wallet ledger payouts need.
type Ledger interface {
	DebitPayee(ctx context.Context, q database.Querier, orgID, payeeUserID string, kind domain.TxnType, amount money.Money, refType, refID, note string) error
}

// Gateway is the transfer side of the payment gateway.
type Gateway interface {
	CreateTransferRecipient(ctx context.Context, req paystack.RecipientRequest) (*paystack.Recipient, error)
	InitiateTransfer(ctx context.Context, req paystack.TransferRequest) (*paystack.Transfer, error)
}

// TxRunner opens transactions. Satisfied by database.DB.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// Service owns the payout lifecycle. It holds the DB handle because
// processing spans two transactions around a gateway call.
type Service struct {
	db      TxRunner
	store   Store
	ledger  Ledger
	gateway Gateway
	logger  *slog.Logger
}

// NewService creates a new payout service.
func NewService(db TxRunner, store Store, ledger Ledger, gateway Gateway, logger *slog.Logger) *Service {
	return &Service{
		db:      db,
		store:   store,
		ledger:  ledger,
		gateway: gateway,
		logger:  logger,
	}
}

// CreateAccountRequest registers a bank destination for a user.
type CreateAccountRequest struct {
	AccountName   string `json:"account_name" validate:"required"`
	AccountNumber string `json:"account_number" validate:"required,min=6"`
	BankCode      string `json:"bank_code" validate:"required"`
	Currency      string `json:"currency" validate:"required,len=3"`
	MakeDefault   bool   `json:"make_default"`
}

// CreateAccount registers the bank account with the gateway and upserts
// the payout account. Re-registering the same destination updates the
// existing row instead of duplicating it.
func (s *Service) CreateAccount(ctx context.Context, q database.Querier, rc domain.RequestContext, req CreateAccountRequest) (*domain.PayoutAccount, error) {
	currency := money.Currency(strings.ToUpper(req.Currency))

	recipient, err := s.gateway.CreateTransferRecipient(ctx, paystack.RecipientRequest{
		Name:          req.AccountName,
		AccountNumber: req.AccountNumber,
		BankCode:      req.BankCode,
		Currency:      currency,
	})
	if err != nil {
		return nil, fmt.Errorf("create transfer recipient: %w", err)
	}

	if req.MakeDefault {
		if err := s.store.ClearDefaultAccounts(ctx, q, rc.UserID); err != nil {
			return nil, fmt.Errorf("clear default accounts: %w", err)
		}
	}

	acct := &domain.PayoutAccount{
		ID:            ulid.Make().String(),
		UserID:        rc.UserID,
		Provider:      "paystack",
		ProviderToken: recipient.RecipientCode,
		BankCode:      req.BankCode,
		AccountLast4:  last4(req.AccountNumber),
		AccountName:   req.AccountName,
		Currency:      currency,
		IsDefault:     req.MakeDefault,
	}

	id, err := s.store.UpsertAccount(ctx, q, acct)
	if err != nil {
		return nil, fmt.Errorf("upsert payout account: %w", err)
	}
	acct.ID = id

	s.logger.Info("payout account registered",
		"account_id", acct.ID,
		"user_id", rc.UserID,
		"bank_code", req.BankCode,
		"is_default", req.MakeDefault,
	)
	return acct, nil
}

func last4(accountNumber string) string {
	if len(accountNumber) <= 4 {
		return accountNumber
	}
	return accountNumber[len(accountNumber)-4:]
}

// ListAccounts returns the caller's registered payout accounts.
func (s *Service) ListAccounts(ctx context.Context, q database.Querier, rc domain.RequestContext) ([]*domain.PayoutAccount, error) {
	return s.store.ListAccounts(ctx, q, rc.UserID)
}

// RequestPayoutRequest asks to move wallet funds to a payout account.
type RequestPayoutRequest struct {
	PayoutAccountID string `json:"payout_account_id" validate:"required"`
	AmountMinor     int64  `json:"amount_minor" validate:"gt=0"`
	Currency        string `json:"currency" validate:"required,len=3"`
}

// Request creates a pending payout and reserves the amount against the
// caller's wallet with a debit_payout ledger row.
func (s *Service) Request(ctx context.Context, q database.Querier, rc domain.RequestContext, req RequestPayoutRequest) (*domain.Payout, error) {
	if req.AmountMinor <= 0 {
		return nil, domain.E(domain.CodeAmountInvalid, "payout amount must be positive")
	}

	acct, err := s.store.GetAccount(ctx, q, req.PayoutAccountID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, domain.E(domain.CodePayoutAccountNotFound, "payout account not found")
		}
		return nil, fmt.Errorf("load payout account: %w", err)
	}
	if acct.UserID != rc.UserID {
		return nil, domain.E(domain.CodePayoutAccountNotFound, "payout account not found")
	}

	currency := money.Currency(strings.ToUpper(req.Currency))
	if acct.Currency != currency {
		return nil, domain.E(domain.CodeCurrencyMismatch,
			fmt.Sprintf("payout in %s against a %s account", currency, acct.Currency))
	}

	amount := money.New(req.AmountMinor, currency)
	payout := &domain.Payout{
		ID:              ulid.Make().String(),
		OrgID:           rc.OrgID,
		UserID:          rc.UserID,
		PayoutAccountID: acct.ID,
		Amount:          amount,
		Status:          domain.PayoutPending,
	}
	payout.Reference = "payout_" + payout.ID

	if err := s.store.InsertPayout(ctx, q, payout); err != nil {
		return nil, fmt.Errorf("insert payout: %w", err)
	}

	note := "payout to " + acct.BankCode + " ****" + acct.AccountLast4
	if err := s.ledger.DebitPayee(ctx, q, rc.OrgID, rc.UserID, domain.TxnDebitPayout, amount, "payout", payout.ID, note); err != nil {
		return nil, err
	}

	s.logger.Info("payout requested",
		"payout_id", payout.ID,
		"user_id", rc.UserID,
		"amount_minor", amount.AmountMinor,
		"reference", payout.Reference,
	)
	return payout, nil
}

// Process initiates the gateway transfer for a payout. The gateway call
// runs between two short transactions so the payout row is never locked
// across network I/O; the stable reference keeps a double initiation
// idempotent on the gateway side.
func (s *Service) Process(ctx context.Context, payoutID string) (*domain.Payout, error) {
	var payout *domain.Payout
	var acct *domain.PayoutAccount
	skip := false

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		payout, err = s.store.GetPayoutForUpdate(ctx, tx, payoutID)
		if err != nil {
			if database.IsNotFound(err) {
				return domain.E(domain.CodePayoutNotFound, "payout not found")
			}
			return fmt.Errorf("lock payout: %w", err)
		}

		// Terminal or in-flight payouts are left alone
		if payout.Status == domain.PayoutPaid || payout.GatewayPayoutID != "" {
			skip = true
			return nil
		}
		if payout.Status != domain.PayoutPending && payout.Status != domain.PayoutFailed {
			skip = true
			return nil
		}

		acct, err = s.store.GetAccount(ctx, tx, payout.PayoutAccountID)
		if err != nil {
			return fmt.Errorf("load payout account: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if skip {
		s.logger.Info("payout already in flight", "payout_id", payoutID, "status", payout.Status)
		return payout, nil
	}

	transfer, gwErr := s.gateway.InitiateTransfer(ctx, paystack.TransferRequest{
		AmountMinor:   payout.Amount.AmountMinor,
		Currency:      payout.Amount.Currency,
		RecipientCode: acct.ProviderToken,
		Reference:     payout.Reference,
		Reason:        "wallet payout " + payout.ID,
	})

	status := domain.PayoutProcessing
	gatewayPayoutID := ""
	var response json.RawMessage
	if gwErr != nil {
		status = domain.PayoutFailed
		response, _ = json.Marshal(map[string]string{"error": gwErr.Error()})
	} else {
		gatewayPayoutID = transfer.TransferCode
		response = transfer.Raw
	}

	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return s.store.RecordProcessResult(ctx, tx, payoutID, status, gatewayPayoutID, response)
	})
	if err != nil {
		return nil, fmt.Errorf("record process result: %w", err)
	}

	payout.Status = status
	if payout.GatewayPayoutID == "" {
		payout.GatewayPayoutID = gatewayPayoutID
	}

	s.logger.Info("payout processed",
		"payout_id", payoutID,
		"status", status,
		"gateway_payout_id", gatewayPayoutID,
	)
	if gwErr != nil {
		return payout, fmt.Errorf("initiate transfer: %w", gwErr)
	}
	return payout, nil
}

// TransferEvent is a verified gateway transfer webhook.
type TransferEvent struct {
	Event        string          // transfer.success | transfer.failed | transfer.reversed
	TransferCode string
	Reference    string
	Raw          json.RawMessage
}

var payoutRefPattern = regexp.MustCompile(`payout_[0-9A-HJKMNP-TV-Z]{26}`)

// FinalizeTransfer applies a transfer webhook to its payout. Matching
// falls back from the gateway transfer code to the reference to a
// reference embedded anywhere in the event body.
func (s *Service) FinalizeTransfer(ctx context.Context, q database.Querier, ev TransferEvent) (*domain.Payout, error) {
	payout, err := s.matchPayout(ctx, q, ev)
	if err != nil {
		return nil, err
	}

	status, ok := transferStatus(ev.Event)
	if !ok {
		s.logger.Warn("unhandled transfer event", "event", ev.Event, "payout_id", payout.ID)
		return payout, nil
	}

	// A reversal is terminal; a straggling success redelivery must not
	// resurrect the payout as paid.
	if payout.Status == domain.PayoutReversed {
		s.logger.Info("payout already reversed, ignoring transfer event",
			"payout_id", payout.ID,
			"event", ev.Event,
		)
		return payout, nil
	}

	if err := s.store.FinalizePayout(ctx, q, payout.ID, status, ev.TransferCode, ev.Raw); err != nil {
		return nil, fmt.Errorf("finalize payout: %w", err)
	}
	payout.Status = status

	s.logger.Info("payout transfer finalized",
		"payout_id", payout.ID,
		"event", ev.Event,
		"status", status,
	)
	return payout, nil
}

func (s *Service) matchPayout(ctx context.Context, q database.Querier, ev TransferEvent) (*domain.Payout, error) {
	if ev.TransferCode != "" {
		payout, err := s.store.FindPayoutByGatewayID(ctx, q, ev.TransferCode)
		if err == nil {
			return payout, nil
		}
		if !database.IsNotFound(err) {
			return nil, fmt.Errorf("match by transfer code: %w", err)
		}
	}

	if ev.Reference != "" {
		payout, err := s.store.FindPayoutByReference(ctx, q, ev.Reference)
		if err == nil {
			return payout, nil
		}
		if !database.IsNotFound(err) {
			return nil, fmt.Errorf("match by reference: %w", err)
		}
	}

	// Some gateways bury the reference in a narration field; scrape the
	// whole event body for anything shaped like one of our references
	if ref := payoutRefPattern.FindString(ev.Reference + " " + string(ev.Raw)); ref != "" {
		payout, err := s.store.FindPayoutByReference(ctx, q, ref)
		if err == nil {
			return payout, nil
		}
		if !database.IsNotFound(err) {
			return nil, fmt.Errorf("match by extracted reference: %w", err)
		}
	}

	return nil, domain.E(domain.CodePayoutNotFound,
		"no payout for transfer "+ev.TransferCode)
}

func transferStatus(event string) (domain.PayoutStatus, bool) {
	switch event {
	case "transfer.success":
		return domain.PayoutPaid, true
	case "transfer.failed":
		return domain.PayoutFailed, true
	case "transfer.reversed":
		return domain.PayoutReversed, true
	default:
		return "", false
	}
}

// GetPayout returns one payout scoped to the caller's org.
func (s *Service) GetPayout(ctx context.Context, q database.Querier, rc domain.RequestContext, payoutID string) (*domain.Payout, error) {
	payout, err := s.store.GetPayout(ctx, q, payoutID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, domain.E(domain.CodePayoutNotFound, "payout not found")
		}
		return nil, fmt.Errorf("load payout: %w", err)
	}
	if payout.OrgID != rc.OrgID {
		return nil, domain.E(domain.CodePayoutNotFound, "payout not found")
	}
	return payout, nil
}

// ListPayouts returns the caller's payouts, newest first.
func (s *Service) ListPayouts(ctx context.Context, q database.Querier, rc domain.RequestContext, limit, offset int) ([]*domain.Payout, error) {
	return s.store.ListPayouts(ctx, q, rc.OrgID, rc.UserID, limit, offset)
}
