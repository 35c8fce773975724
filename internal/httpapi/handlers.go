// Package httpapi exposes the payment, escrow, payout and wallet
// operations over REST.
package httpapi

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"rentledger/internal/common/api"
	"rentledger/internal/common/database"
	"rentledger/internal/common/events"
	"rentledger/internal/common/middleware"
	"rentledger/internal/common/money"
	"rentledger/internal/domain"
	"rentledger/internal/escrow"
	"rentledger/internal/ledger"
	"rentledger/internal/payments"
	"rentledger/internal/payouts"
)

// Handler wires the services to their routes.
type Handler struct {
	db        *database.DB
	intents   *payments.IntentService
	escrow    *escrow.Controller
	payouts   *payouts.Service
	ledger    *ledger.Service
	payStore  payments.Store
	publisher events.EventPublisher
	logger    *slog.Logger
}

// NewHandler creates the API handler. publisher may be nil when event
// publishing is disabled.
func NewHandler(
	db *database.DB,
	intents *payments.IntentService,
	escrowCtrl *escrow.Controller,
	payoutSvc *payouts.Service,
	ledgerSvc *ledger.Service,
	payStore payments.Store,
	publisher events.EventPublisher,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		db:        db,
		intents:   intents,
		escrow:    escrowCtrl,
		payouts:   payoutSvc,
		ledger:    ledgerSvc,
		payStore:  payStore,
		publisher: publisher,
		logger:    logger,
	}
}

// RegisterRoutes mounts all API routes on the router. The router is
// expected to already carry the request-context middleware.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/rent-invoices/{invoiceID}", func(r chi.Router) {
		r.Post("/pay-intents", h.createInvoiceIntent)
	})

	r.Route("/purchases/{purchaseID}", func(r chi.Router) {
		r.Get("/", h.getPurchase)
		r.Post("/pay-intents", h.createPurchaseIntent)
		r.Post("/escrow/release", h.releaseEscrow)
	})

	r.Route("/payout-accounts", func(r chi.Router) {
		r.Post("/", h.createPayoutAccount)
		r.Get("/", h.listPayoutAccounts)
	})

	r.Route("/payouts", func(r chi.Router) {
		r.Post("/", h.requestPayout)
		r.Get("/", h.listPayouts)
		r.Get("/{payoutID}", h.getPayout)
		r.Post("/{payoutID}/process", h.processPayout)
	})

	r.Get("/wallets/balance", h.walletBalance)
}

func (h *Handler) createInvoiceIntent(w http.ResponseWriter, r *http.Request) {
	rc := middleware.GetRequestContext(r.Context())
	invoiceID := chi.URLParam(r, "invoiceID")

	var req payments.CreateIntentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	var result *payments.IntentResult
	err := h.db.WithTx(r.Context(), func(tx pgx.Tx) error {
		var err error
		result, err = h.intents.CreateInvoiceIntent(r.Context(), tx, rc, invoiceID, req)
		return err
	})
	if err != nil {
		h.writeServiceError(w, err, "create invoice intent")
		return
	}

	h.publish(r, events.EventPaymentIntentCreated, rc.OrgID, "payment", result.PaymentID, result)
	api.WriteData(w, http.StatusCreated, result)
}

func (h *Handler) createPurchaseIntent(w http.ResponseWriter, r *http.Request) {
	rc := middleware.GetRequestContext(r.Context())
	purchaseID := chi.URLParam(r, "purchaseID")

	var req payments.CreateIntentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	var result *payments.IntentResult
	err := h.db.WithTx(r.Context(), func(tx pgx.Tx) error {
		var err error
		result, err = h.intents.CreatePurchaseIntent(r.Context(), tx, rc, purchaseID, req)
		return err
	})
	if err != nil {
		h.writeServiceError(w, err, "create purchase intent")
		return
	}

	h.publish(r, events.EventPaymentIntentCreated, rc.OrgID, "payment", result.PaymentID, result)
	api.WriteData(w, http.StatusCreated, result)
}

func (h *Handler) getPurchase(w http.ResponseWriter, r *http.Request) {
	rc := middleware.GetRequestContext(r.Context())
	purchaseID := chi.URLParam(r, "purchaseID")

	purchase, err := h.payStore.GetPurchase(r.Context(), h.db.Pool(), purchaseID)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "purchase not found")
			return
		}
		h.writeServiceError(w, err, "get purchase")
		return
	}
	if purchase.OrgID != rc.OrgID {
		api.NotFound(w, "purchase not found")
		return
	}

	api.WriteData(w, http.StatusOK, purchase)
}

// Escrow release moves real money to the seller, so only privileged
// roles may trigger it.
func canReleaseEscrow(role string) bool {
	return role == "admin" || role == "platform"
}

func (h *Handler) releaseEscrow(w http.ResponseWriter, r *http.Request) {
	rc := middleware.GetRequestContext(r.Context())
	purchaseID := chi.URLParam(r, "purchaseID")

	if !canReleaseEscrow(rc.Role) {
		api.WriteError(w, http.StatusForbidden, domain.CodeForbidden, "role may not release escrow")
		return
	}

	var req escrow.ReleaseRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	var result *escrow.ReleaseResult
	err := h.db.WithTx(r.Context(), func(tx pgx.Tx) error {
		var err error
		result, err = h.escrow.Release(r.Context(), tx, rc, purchaseID, req)
		return err
	})
	if err != nil {
		h.writeServiceError(w, err, "release escrow")
		return
	}

	if !result.AlreadyReleased {
		h.publish(r, events.EventEscrowReleased, rc.OrgID, "purchase", purchaseID,
			events.EscrowReleasedData{
				PurchaseID:       purchaseID,
				ReleasedMinor:    result.AmountMinor,
				PlatformFeeMinor: result.PlatformFeeMinor,
				SellerNetMinor:   result.SellerNetMinor,
			})
	}
	api.WriteData(w, http.StatusOK, result)
}

func (h *Handler) createPayoutAccount(w http.ResponseWriter, r *http.Request) {
	rc := middleware.GetRequestContext(r.Context())

	var req payouts.CreateAccountRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	var acct *domain.PayoutAccount
	err := h.db.WithTx(r.Context(), func(tx pgx.Tx) error {
		var err error
		acct, err = h.payouts.CreateAccount(r.Context(), tx, rc, req)
		return err
	})
	if err != nil {
		h.writeServiceError(w, err, "create payout account")
		return
	}

	api.WriteData(w, http.StatusCreated, acct)
}

func (h *Handler) listPayoutAccounts(w http.ResponseWriter, r *http.Request) {
	rc := middleware.GetRequestContext(r.Context())

	accounts, err := h.payouts.ListAccounts(r.Context(), h.db.Pool(), rc)
	if err != nil {
		h.writeServiceError(w, err, "list payout accounts")
		return
	}
	if accounts == nil {
		accounts = []*domain.PayoutAccount{}
	}

	api.WriteData(w, http.StatusOK, accounts)
}

func (h *Handler) requestPayout(w http.ResponseWriter, r *http.Request) {
	rc := middleware.GetRequestContext(r.Context())

	var req payouts.RequestPayoutRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	var payout *domain.Payout
	err := h.db.WithTx(r.Context(), func(tx pgx.Tx) error {
		var err error
		payout, err = h.payouts.Request(r.Context(), tx, rc, req)
		return err
	})
	if err != nil {
		h.writeServiceError(w, err, "request payout")
		return
	}

	h.publish(r, events.EventPayoutRequested, rc.OrgID, "payout", payout.ID,
		events.PayoutUpdatedData{
			PayoutID:    payout.ID,
			Reference:   payout.Reference,
			Status:      string(payout.Status),
			AmountMinor: payout.Amount.AmountMinor,
			Currency:    string(payout.Amount.Currency),
		})
	api.WriteData(w, http.StatusCreated, payout)
}

func (h *Handler) processPayout(w http.ResponseWriter, r *http.Request) {
	rc := middleware.GetRequestContext(r.Context())
	payoutID := chi.URLParam(r, "payoutID")

	// The service locks and re-checks, but do a cheap org scope check first
	if _, err := h.payouts.GetPayout(r.Context(), h.db.Pool(), rc, payoutID); err != nil {
		h.writeServiceError(w, err, "process payout")
		return
	}

	payout, err := h.payouts.Process(r.Context(), payoutID)
	if err != nil {
		h.writeServiceError(w, err, "process payout")
		return
	}

	h.publish(r, events.EventPayoutUpdated, rc.OrgID, "payout", payout.ID,
		events.PayoutUpdatedData{
			PayoutID:    payout.ID,
			Reference:   payout.Reference,
			Status:      string(payout.Status),
			AmountMinor: payout.Amount.AmountMinor,
			Currency:    string(payout.Amount.Currency),
		})
	api.WriteData(w, http.StatusOK, payout)
}

func (h *Handler) getPayout(w http.ResponseWriter, r *http.Request) {
	rc := middleware.GetRequestContext(r.Context())
	payoutID := chi.URLParam(r, "payoutID")

	payout, err := h.payouts.GetPayout(r.Context(), h.db.Pool(), rc, payoutID)
	if err != nil {
		h.writeServiceError(w, err, "get payout")
		return
	}

	api.WriteData(w, http.StatusOK, payout)
}

func (h *Handler) listPayouts(w http.ResponseWriter, r *http.Request) {
	rc := middleware.GetRequestContext(r.Context())
	params := api.GetPaginationParams(r, 20, 100)

	list, err := h.payouts.ListPayouts(r.Context(), h.db.Pool(), rc, params.Limit, params.Offset)
	if err != nil {
		h.writeServiceError(w, err, "list payouts")
		return
	}
	if list == nil {
		list = []*domain.Payout{}
	}

	api.WriteData(w, http.StatusOK, list)
}

type balanceResponse struct {
	AccountID    string `json:"account_id"`
	Currency     string `json:"currency"`
	BalanceMinor int64  `json:"balance_minor"`
}

func (h *Handler) walletBalance(w http.ResponseWriter, r *http.Request) {
	rc := middleware.GetRequestContext(r.Context())

	currency := money.Currency(strings.ToUpper(r.URL.Query().Get("currency")))
	if len(currency) != 3 {
		api.BadRequest(w, "currency query parameter is required")
		return
	}

	var resp balanceResponse
	err := h.db.WithTx(r.Context(), func(tx pgx.Tx) error {
		acct, err := h.ledger.EnsureAccount(r.Context(), tx, rc.OrgID, &rc.UserID, currency, false)
		if err != nil {
			return err
		}
		balance, err := h.ledger.Balance(r.Context(), tx, acct.ID)
		if err != nil {
			return err
		}
		resp = balanceResponse{
			AccountID:    acct.ID,
			Currency:     string(currency),
			BalanceMinor: balance,
		}
		return nil
	})
	if err != nil {
		h.writeServiceError(w, err, "wallet balance")
		return
	}

	api.WriteData(w, http.StatusOK, resp)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, op string) {
	if api.WriteDomainError(w, err) {
		return
	}
	h.logger.Error(op+" failed", "error", err)
	api.InternalError(w, "internal error")
}

func (h *Handler) publish(r *http.Request, eventType, orgID, aggregateType, aggregateID string, data any) {
	if h.publisher == nil {
		return
	}
	ev, err := events.NewEvent(eventType, orgID, aggregateType, aggregateID, data)
	if err != nil {
		return
	}
	ev.WithCorrelation(middleware.GetCorrelationID(r.Context()))
	if err := h.publisher.Publish(r.Context(), ev); err != nil {
		h.logger.Warn("event publish failed", "type", eventType, "error", err)
	}
}
