package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	OrgID         string          `json:"organization_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType string, orgID, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		OrgID:         orgID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds a correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Event types
const (
	EventPaymentIntentCreated = "payment.intent.created"
	EventPaymentFinalized     = "payment.finalized"
	EventInvoicePaid          = "invoice.paid"
	EventPurchaseReconciled   = "purchase.reconciled"
	EventEscrowReleased       = "escrow.released"
	EventPayoutRequested      = "payout.requested"
	EventPayoutUpdated        = "payout.updated"
)

// PaymentFinalizedData is the data for payment.finalized events
type PaymentFinalizedData struct {
	PaymentID        string `json:"payment_id"`
	Reference        string `json:"reference"`
	Kind             string `json:"kind"`
	AmountMinor      int64  `json:"amount_minor"`
	Currency         string `json:"currency"`
	PlatformFeeMinor int64  `json:"platform_fee_minor"`
	PayeeNetMinor    int64  `json:"payee_net_minor"`
	AlreadyProcessed bool   `json:"already_processed"`
}

// InvoicePaidData is the data for invoice.paid events
type InvoicePaidData struct {
	InvoiceID   string `json:"invoice_id"`
	PaymentID   string `json:"payment_id"`
	PaidMinor   int64  `json:"paid_minor"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// EscrowReleasedData is the data for escrow.released events
type EscrowReleasedData struct {
	PurchaseID       string `json:"purchase_id"`
	ReleasedMinor    int64  `json:"released_minor"`
	PlatformFeeMinor int64  `json:"platform_fee_minor"`
	SellerNetMinor   int64  `json:"seller_net_minor"`
	Currency         string `json:"currency"`
	AlreadyReleased  bool   `json:"already_released"`
}

// PayoutUpdatedData is the data for payout.requested / payout.updated events
type PayoutUpdatedData struct {
	PayoutID    string `json:"payout_id"`
	Reference   string `json:"reference"`
	Status      string `json:"status"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}
