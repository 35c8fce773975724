// Package paystack is a thin client for the Paystack transfer API:
// creating transfer recipients and initiating transfers to them.
package paystack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"rentledger/internal/common/money"
)

// Config holds the Paystack credentials and endpoints.
type Config struct {
	SecretKey     string        `envconfig:"PAYSTACK_SECRET_KEY" required:"true"`
	WebhookSecret string        `envconfig:"PAYSTACK_WEBHOOK_SECRET"`
	BaseURL       string        `envconfig:"PAYSTACK_BASE_URL" default:"https://api.paystack.co"`
	Timeout       time.Duration `envconfig:"PAYSTACK_TIMEOUT" default:"15s"`
}

// WebhookKey is the key webhook signatures are verified against. When
// no dedicated webhook secret is configured, Paystack signs with the
// account's secret key.
func (c Config) WebhookKey() string {
	if c.WebhookSecret != "" {
		return c.WebhookSecret
	}
	return c.SecretKey
}

// LiveMode reports whether the configured key is a live-mode key.
func (c Config) LiveMode() bool {
	return strings.HasPrefix(c.SecretKey, "sk_live_")
}

// Client calls the Paystack REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	secretKey  string
}

// NewClient creates a Paystack client from config.
func NewClient(cfg Config) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		secretKey:  cfg.SecretKey,
	}
}

// RecipientRequest registers a bank account as a transfer destination.
type RecipientRequest struct {
	Name          string
	AccountNumber string
	BankCode      string
	Currency      money.Currency
}

// Recipient is a registered transfer destination.
type Recipient struct {
	RecipientCode string `json:"recipient_code"`
	Active        bool   `json:"active"`
}

// TransferRequest initiates a transfer to a recipient. AmountMinor is
// in the currency's lowest unit, which is what Paystack expects.
type TransferRequest struct {
	AmountMinor   int64
	Currency      money.Currency
	RecipientCode string
	Reference     string
	Reason        string
}

// Transfer is the gateway's view of an initiated transfer. Raw carries
// the full response body for audit storage.
type Transfer struct {
	TransferCode string          `json:"transfer_code"`
	Status       string          `json:"status"`
	Raw          json.RawMessage `json:"-"`
}

// Error is a non-2xx gateway response.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("paystack: %s (http %d)", e.Message, e.StatusCode)
}

type apiResponse struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// CreateTransferRecipient registers a nuban recipient with Paystack.
func (c *Client) CreateTransferRecipient(ctx context.Context, req RecipientRequest) (*Recipient, error) {
	payload := map[string]any{
		"type":           "nuban",
		"name":           req.Name,
		"account_number": req.AccountNumber,
		"bank_code":      req.BankCode,
		"currency":       req.Currency,
	}

	data, err := c.do(ctx, http.MethodPost, "/transferrecipient", payload)
	if err != nil {
		return nil, err
	}

	var recipient Recipient
	if err := json.Unmarshal(data, &recipient); err != nil {
		return nil, fmt.Errorf("decode recipient: %w", err)
	}
	return &recipient, nil
}

// InitiateTransfer starts a transfer from the Paystack balance to a
// recipient. The reference makes retried initiations idempotent on the
// gateway side.
func (c *Client) InitiateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	payload := map[string]any{
		"source":    "balance",
		"amount":    req.AmountMinor,
		"currency":  req.Currency,
		"recipient": req.RecipientCode,
		"reference": req.Reference,
		"reason":    req.Reason,
	}

	data, err := c.do(ctx, http.MethodPost, "/transfer", payload)
	if err != nil {
		return nil, err
	}

	var transfer Transfer
	if err := json.Unmarshal(data, &transfer); err != nil {
		return nil, fmt.Errorf("decode transfer: %w", err)
	}
	transfer.Raw = data
	return &transfer, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("paystack %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Message: "unparseable response"}
	}

	if resp.StatusCode >= http.StatusBadRequest || !envelope.Status {
		msg := envelope.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &Error{StatusCode: resp.StatusCode, Message: msg}
	}

	return envelope.Data, nil
}
