package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5"

	"rentledger/internal/common/api"
	"rentledger/internal/common/database"
	"rentledger/internal/common/events"
	"rentledger/internal/common/middleware"
	"rentledger/internal/domain"
	"rentledger/internal/payments"
	"rentledger/internal/payouts"
)

// SignatureHeader is where Paystack puts the payload HMAC.
const SignatureHeader = "x-paystack-signature"

const maxBodyBytes = 1 << 20

// ChargeFinalizer applies verified charge events to payments.
type ChargeFinalizer interface {
	FinalizeCharge(ctx context.Context, q database.Querier, ev payments.ChargeEvent) (*payments.FinalizeResult, error)
}

// TransferFinalizer applies verified transfer events to payouts.
type TransferFinalizer interface {
	FinalizeTransfer(ctx context.Context, q database.Querier, ev payouts.TransferEvent) (*domain.Payout, error)
}

// TxRunner opens transactions. Satisfied by database.DB.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// Handler is the gateway webhook endpoint.
type Handler struct {
	db        TxRunner
	charges   ChargeFinalizer
	transfers TransferFinalizer
	publisher events.EventPublisher
	secret    string
	logger    *slog.Logger
}

// NewHandler creates the webhook handler. publisher may be nil when
// event publishing is disabled.
func NewHandler(db TxRunner, charges ChargeFinalizer, transfers TransferFinalizer, publisher events.EventPublisher, secret string, logger *slog.Logger) *Handler {
	return &Handler{
		db:        db,
		charges:   charges,
		transfers: transfers,
		publisher: publisher,
		secret:    secret,
		logger:    logger,
	}
}

// envelope is the common shape of Paystack event deliveries.
type envelope struct {
	Event string `json:"event"`
	Data  struct {
		ID           json.Number `json:"id"`
		Reference    string      `json:"reference"`
		Amount       int64       `json:"amount"`
		Currency     string      `json:"currency"`
		TransferCode string      `json:"transfer_code"`
		Status       string      `json:"status"`
	} `json:"data"`
}

// Handle verifies and applies one webhook delivery. Only a bad
// signature or an unreadable body is refused; once the event is
// authentic it is acknowledged with 200 regardless of processing
// outcome, because the gateway's retries cannot fix our failures and
// every money-moving path here is idempotent anyway.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		api.BadRequest(w, "unreadable body")
		return
	}

	if err := VerifySignature(h.secret, body, r.Header.Get(SignatureHeader)); err != nil {
		h.logger.Warn("webhook signature rejected",
			"error", err,
			"correlation_id", middleware.GetCorrelationID(r.Context()),
		)
		if !api.WriteDomainError(w, err) {
			api.Unauthorized(w, "invalid signature")
		}
		return
	}

	var ev envelope
	if err := json.Unmarshal(body, &ev); err != nil {
		api.BadRequest(w, "invalid JSON payload")
		return
	}

	ctx := r.Context()
	switch ev.Event {
	case "charge.success":
		h.handleCharge(ctx, ev)
	case "transfer.success", "transfer.failed", "transfer.reversed":
		h.handleTransfer(ctx, ev, body)
	default:
		h.logger.Info("ignoring webhook event", "event", ev.Event)
	}

	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleCharge(ctx context.Context, ev envelope) {
	charge := payments.ChargeEvent{
		Reference:        ev.Data.Reference,
		GatewayPaymentID: ev.Data.ID.String(),
		AmountMinor:      ev.Data.Amount,
		Currency:         ev.Data.Currency,
	}

	var result *payments.FinalizeResult
	err := h.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		result, err = h.charges.FinalizeCharge(ctx, tx, charge)
		return err
	})
	if err != nil {
		h.logger.Error("charge finalization failed",
			"reference", charge.Reference,
			"error", err,
		)
		return
	}

	h.publishChargeEvents(ctx, result, charge.Reference)
}

func (h *Handler) publishChargeEvents(ctx context.Context, result *payments.FinalizeResult, reference string) {
	if h.publisher == nil || result.AlreadyProcessed {
		return
	}

	finalized, err := events.NewEvent(events.EventPaymentFinalized, result.OrgID, "payment", result.PaymentID,
		events.PaymentFinalizedData{
			PaymentID:        result.PaymentID,
			Reference:        reference,
			Kind:             string(result.Kind),
			AmountMinor:      result.AmountMinor,
			Currency:         result.Currency,
			PlatformFeeMinor: result.PlatformFeeMinor,
			PayeeNetMinor:    result.PayeeNetMinor,
		})
	if err == nil {
		if err := h.publisher.Publish(ctx, finalized); err != nil {
			h.logger.Warn("publish payment.finalized failed", "payment_id", result.PaymentID, "error", err)
		}
	}

	if !result.InvoicePaid {
		return
	}
	paid, err := events.NewEvent(events.EventInvoicePaid, result.OrgID, "rent_invoice", result.InvoiceID,
		events.InvoicePaidData{
			InvoiceID:   result.InvoiceID,
			PaymentID:   result.PaymentID,
			PaidMinor:   result.InvoicePaidMinor,
			AmountMinor: result.AmountMinor,
			Currency:    result.Currency,
		})
	if err == nil {
		if err := h.publisher.Publish(ctx, paid); err != nil {
			h.logger.Warn("publish invoice.paid failed", "invoice_id", result.InvoiceID, "error", err)
		}
	}
}

func (h *Handler) handleTransfer(ctx context.Context, ev envelope, body []byte) {
	transfer := payouts.TransferEvent{
		Event:        ev.Event,
		TransferCode: ev.Data.TransferCode,
		Reference:    ev.Data.Reference,
		Raw:          body,
	}

	var payout *domain.Payout
	err := h.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		payout, err = h.transfers.FinalizeTransfer(ctx, tx, transfer)
		return err
	})
	if err != nil {
		h.logger.Error("transfer finalization failed",
			"event", ev.Event,
			"transfer_code", ev.Data.TransferCode,
			"error", err,
		)
		return
	}

	if h.publisher == nil {
		return
	}
	updated, err := events.NewEvent(events.EventPayoutUpdated, payout.OrgID, "payout", payout.ID,
		events.PayoutUpdatedData{
			PayoutID:    payout.ID,
			Reference:   payout.Reference,
			Status:      string(payout.Status),
			AmountMinor: payout.Amount.AmountMinor,
			Currency:    string(payout.Amount.Currency),
		})
	if err == nil {
		if err := h.publisher.Publish(ctx, updated); err != nil {
			h.logger.Warn("publish payout.updated failed", "payout_id", payout.ID, "error", err)
		}
	}
}
