package xendit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultBaseURL = "https://api.xendit.co"

// Terminal statuses the processor watches for.
const (
	PaymentSucceeded = "SUCCEEDED"
	PayoutAccepted   = "ACCEPTED"
	PayoutSucceeded  = "SUCCEEDED"
)

// Client is a thin adapter over the Xendit payment-request, payout and
// balance APIs.
type Client struct {
	http *resty.Client
	log  *slog.Logger
}

func New(apiKey string, log *slog.Logger) *Client {
	return NewWithBaseURL(apiKey, defaultBaseURL, log)
}

func NewWithBaseURL(apiKey, baseURL string, log *slog.Logger) *Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetBasicAuth(apiKey, "").
		SetTimeout(20 * time.Second)
	return &Client{http: client, log: log}
}

type QRISSpec struct {
	Amount      float64
	ReferenceID string
	Description string
}

type VASpec struct {
	Amount       float64
	ChannelCode  string
	ReferenceID  string
	CustomerName string
	Description  string
	ExpiresAt    time.Time
}

type PayoutSpec struct {
	Amount            float64
	ChannelCode       string
	AccountNumber     string
	AccountHolderName string
	Description       string
	ReferenceID       string
	IdempotencyKey    string
}

// PaymentRequest is the subset of the gateway response the core needs.
type PaymentRequest struct {
	ID       string
	Status   string
	QRString string
	VANumber string
}

type paymentRequestBody struct {
	Amount        float64        `json:"amount"`
	Currency      string         `json:"currency"`
	ReferenceID   string         `json:"reference_id"`
	PaymentMethod map[string]any `json:"payment_method"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type paymentRequestResponse struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"`
	Amount        float64 `json:"amount"`
	PaymentMethod struct {
		QRCode *struct {
			ChannelProperties struct {
				QRString string `json:"qr_string"`
			} `json:"channel_properties"`
		} `json:"qr_code"`
		VirtualAccount *struct {
			ChannelProperties struct {
				VirtualAccountNumber string `json:"virtual_account_number"`
			} `json:"channel_properties"`
		} `json:"virtual_account"`
	} `json:"payment_method"`
}

func (c *Client) CreateQRISPaymentRequest(ctx context.Context, spec QRISSpec) (*PaymentRequest, error) {
	body := paymentRequestBody{
		Amount:      spec.Amount,
		Currency:    "IDR",
		ReferenceID: spec.ReferenceID,
		PaymentMethod: map[string]any{
			"type":        "QR_CODE",
			"reusability": "ONE_TIME_USE",
			"qr_code": map[string]any{
				"channel_code": "QRIS",
			},
		},
		Metadata: map[string]any{"description": spec.Description},
	}
	return c.createPaymentRequest(ctx, body)
}

func (c *Client) CreateVAPaymentRequest(ctx context.Context, spec VASpec) (*PaymentRequest, error) {
	body := paymentRequestBody{
		Amount:      spec.Amount,
		Currency:    "IDR",
		ReferenceID: spec.ReferenceID,
		PaymentMethod: map[string]any{
			"type":        "VIRTUAL_ACCOUNT",
			"reusability": "ONE_TIME_USE",
			"virtual_account": map[string]any{
				"channel_code": spec.ChannelCode,
				"channel_properties": map[string]any{
					"customer_name": spec.CustomerName,
					"expires_at":    spec.ExpiresAt.Format(time.RFC3339),
				},
			},
		},
		Metadata: map[string]any{"description": spec.Description},
	}
	return c.createPaymentRequest(ctx, body)
}

func (c *Client) createPaymentRequest(ctx context.Context, body paymentRequestBody) (*PaymentRequest, error) {
	var out paymentRequestResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/payment_requests")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError("create payment request", resp)
	}

	pr := &PaymentRequest{ID: out.ID, Status: out.Status}
	if out.PaymentMethod.QRCode != nil {
		pr.QRString = out.PaymentMethod.QRCode.ChannelProperties.QRString
	}
	if out.PaymentMethod.VirtualAccount != nil {
		pr.VANumber = out.PaymentMethod.VirtualAccount.ChannelProperties.VirtualAccountNumber
	}
	return pr, nil
}

func (c *Client) GetPaymentStatus(ctx context.Context, paymentRequestID string) (string, error) {
	var out paymentRequestResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/payment_requests/" + paymentRequestID)
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", apiError("get payment request", resp)
	}
	return out.Status, nil
}

type payoutResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (c *Client) CreatePayout(ctx context.Context, spec PayoutSpec) (string, error) {
	referenceID := spec.ReferenceID
	if referenceID == "" {
		referenceID = fmt.Sprintf("DISB-%d", time.Now().UnixMilli())
	}
	idempotencyKey := spec.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = referenceID
	}

	body := map[string]any{
		"reference_id": referenceID,
		"channel_code": spec.ChannelCode,
		"channel_properties": map[string]any{
			"account_number":      spec.AccountNumber,
			"account_holder_name": spec.AccountHolderName,
		},
		"amount":      spec.Amount,
		"currency":    "IDR",
		"description": spec.Description,
	}

	var out payoutResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-key", idempotencyKey).
		SetBody(body).
		SetResult(&out).
		Post("/v2/payouts")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", apiError("create payout", resp)
	}
	return out.ID, nil
}

func (c *Client) GetPayoutStatus(ctx context.Context, payoutID string) (string, error) {
	var out payoutResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v2/payouts/" + payoutID)
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", apiError("get payout", resp)
	}
	return out.Status, nil
}

func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	var out struct {
		Balance float64 `json:"balance"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/balance")
	if err != nil {
		return 0, err
	}
	if resp.IsError() {
		return 0, apiError("get balance", resp)
	}
	return out.Balance, nil
}

func apiError(op string, resp *resty.Response) error {
	return fmt.Errorf("xendit %s: http %d: %s", op, resp.StatusCode(), strings.TrimSpace(resp.String()))
}
