// Package ledger maintains append-only wallet transactions and the
// wallet accounts they post to. Balances are always derived by
// summation; no balance column exists to drift.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"rentledger/internal/common/database"
	"rentledger/internal/common/money"
	"rentledger/internal/domain"
)

// Store persists wallet accounts and transactions. All methods run on
// the caller's Querier so the caller owns the transaction boundary.
type Store interface {
	FindAccount(ctx context.Context, q database.Querier, orgID string, userID *string, currency money.Currency, isPlatform bool) (*domain.WalletAccount, error)
	InsertAccount(ctx context.Context, q database.Querier, acct *domain.WalletAccount) (bool, error)
	OldestPlatformAccount(ctx context.Context, q database.Querier, orgID string, currency money.Currency) (*domain.WalletAccount, error)
	InsertTransaction(ctx context.Context, q database.Querier, txn *domain.WalletTransaction) (bool, error)
	HasTransaction(ctx context.Context, q database.Querier, refType, refID string, kind domain.TxnType) (bool, error)
	Balance(ctx context.Context, q database.Querier, accountID string) (int64, error)
	ListTransactions(ctx context.Context, q database.Querier, accountID string, limit, offset int) ([]*domain.WalletTransaction, error)
}

// Service is the wallet ledger.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a new ledger service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// EnsureAccount finds or creates the wallet account for the given key.
// Two concurrent callers may both miss the initial lookup; the insert
// swallows the conflict and the re-select returns the winner's row.
func (s *Service) EnsureAccount(ctx context.Context, q database.Querier, orgID string, userID *string, currency money.Currency, isPlatform bool) (*domain.WalletAccount, error) {
	acct, err := s.store.FindAccount(ctx, q, orgID, userID, currency, isPlatform)
	if err == nil {
		return acct, nil
	}
	if !database.IsNotFound(err) {
		return nil, fmt.Errorf("find wallet account: %w", err)
	}

	candidate := &domain.WalletAccount{
		ID:               ulid.Make().String(),
		OrgID:            orgID,
		UserID:           userID,
		Currency:         currency,
		IsPlatformWallet: isPlatform,
	}

	inserted, err := s.store.InsertAccount(ctx, q, candidate)
	if err != nil {
		return nil, fmt.Errorf("insert wallet account: %w", err)
	}
	if inserted {
		s.logger.Info("wallet account created",
			"account_id", candidate.ID,
			"org_id", orgID,
			"currency", currency,
			"is_platform", isPlatform,
		)
		return candidate, nil
	}

	// Lost the race; the conflicting row must exist now
	acct, err = s.store.FindAccount(ctx, q, orgID, userID, currency, isPlatform)
	if err != nil {
		return nil, fmt.Errorf("re-select wallet account: %w", err)
	}
	return acct, nil
}

// Record appends one wallet transaction. A duplicate
// (reference_type, reference_id, txn_type) insert is swallowed and
// reported as not-inserted, which is what makes every money-moving
// operation safe to replay. Non-positive amounts are skipped.
func (s *Service) Record(ctx context.Context, q database.Querier, accountID string, kind domain.TxnType, amount money.Money, refType, refID, note string) (bool, error) {
	if !amount.IsPositive() {
		return false, nil
	}

	txn := &domain.WalletTransaction{
		ID:              ulid.Make().String(),
		WalletAccountID: accountID,
		Type:            kind,
		Amount:          amount,
		ReferenceType:   refType,
		ReferenceID:     refID,
		Note:            note,
	}

	inserted, err := s.store.InsertTransaction(ctx, q, txn)
	if err != nil {
		return false, fmt.Errorf("insert wallet transaction: %w", err)
	}
	if inserted {
		s.logger.Info("wallet transaction recorded",
			"account_id", accountID,
			"txn_type", kind,
			"amount_minor", amount.AmountMinor,
			"reference", refType+"/"+refID,
		)
	}
	return inserted, nil
}

// CreditPayee credits the payee's wallet, creating it if needed.
func (s *Service) CreditPayee(ctx context.Context, q database.Querier, orgID, payeeUserID string, amount money.Money, refType, refID, note string) error {
	if !amount.IsPositive() {
		return nil
	}
	acct, err := s.EnsureAccount(ctx, q, orgID, &payeeUserID, amount.Currency, false)
	if err != nil {
		return err
	}
	_, err = s.Record(ctx, q, acct.ID, domain.TxnCreditPayee, amount, refType, refID, note)
	return err
}

// CreditPlatformFee credits the org's platform wallet. The oldest
// platform wallet for the currency receives the fee.
func (s *Service) CreditPlatformFee(ctx context.Context, q database.Querier, orgID string, amount money.Money, refType, refID, note string) error {
	if !amount.IsPositive() {
		return nil
	}
	acct, err := s.store.OldestPlatformAccount(ctx, q, orgID, amount.Currency)
	if err != nil {
		if database.IsNotFound(err) {
			return domain.E(domain.CodePlatformWalletNotFound, "no platform wallet for org "+orgID)
		}
		return fmt.Errorf("find platform wallet: %w", err)
	}
	_, err = s.Record(ctx, q, acct.ID, domain.TxnCreditPlatformFee, amount, refType, refID, note)
	return err
}

// DebitPayee debits an existing payee wallet with the given kind.
func (s *Service) DebitPayee(ctx context.Context, q database.Querier, orgID, payeeUserID string, kind domain.TxnType, amount money.Money, refType, refID, note string) error {
	if !amount.IsPositive() {
		return nil
	}
	acct, err := s.store.FindAccount(ctx, q, orgID, &payeeUserID, amount.Currency, false)
	if err != nil {
		if database.IsNotFound(err) {
			return domain.E(domain.CodePayeeWalletNotFound, "no wallet for user "+payeeUserID)
		}
		return fmt.Errorf("find payee wallet: %w", err)
	}
	_, err = s.Record(ctx, q, acct.ID, kind, amount, refType, refID, note)
	return err
}

// DebitPlatformFee debits the org's platform wallet, for fee refunds
// and adjustments. Resolves the same wallet CreditPlatformFee posts to.
func (s *Service) DebitPlatformFee(ctx context.Context, q database.Querier, orgID string, amount money.Money, refType, refID, note string) error {
	if !amount.IsPositive() {
		return nil
	}
	acct, err := s.store.OldestPlatformAccount(ctx, q, orgID, amount.Currency)
	if err != nil {
		if database.IsNotFound(err) {
			return domain.E(domain.CodePlatformWalletNotFound, "no platform wallet for org "+orgID)
		}
		return fmt.Errorf("find platform wallet: %w", err)
	}
	_, err = s.Record(ctx, q, acct.ID, domain.TxnDebitPlatformFee, amount, refType, refID, note)
	return err
}

// DebitEscrow debits the given escrow account. The unique ledger row it
// writes doubles as the escrow-release idempotency marker.
func (s *Service) DebitEscrow(ctx context.Context, q database.Querier, escrowAccountID string, amount money.Money, refID, note string) (bool, error) {
	return s.Record(ctx, q, escrowAccountID, domain.TxnDebitEscrow, amount, "purchase", refID, note)
}

// HasTransaction reports whether a ledger row exists for the reference.
func (s *Service) HasTransaction(ctx context.Context, q database.Querier, refType, refID string, kind domain.TxnType) (bool, error) {
	return s.store.HasTransaction(ctx, q, refType, refID, kind)
}

// Balance derives an account balance from its transactions.
func (s *Service) Balance(ctx context.Context, q database.Querier, accountID string) (int64, error) {
	return s.store.Balance(ctx, q, accountID)
}

// EnsurePlatformAccount creates the org's platform wallet if missing.
func (s *Service) EnsurePlatformAccount(ctx context.Context, q database.Querier, orgID string, currency money.Currency) (*domain.WalletAccount, error) {
	return s.EnsureAccount(ctx, q, orgID, nil, currency, true)
}

// ListTransactions returns recent transactions for an account.
func (s *Service) ListTransactions(ctx context.Context, q database.Querier, accountID string, limit, offset int) ([]*domain.WalletTransaction, error) {
	return s.store.ListTransactions(ctx, q, accountID, limit, offset)
}
